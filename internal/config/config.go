package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "simulator"

	// DefaultBybitStreamURL 为 Bybit v5 线性合约公共推送地址。
	DefaultBybitStreamURL = "wss://stream.bybit.com/v5/public/linear"
)

// 各交易所默认吃单费率（百分比）。
var defaultFees = map[string]float64{
	"bybit":       0.055,
	"woo":         0.03,
	"woo_rest":    0.03,
	"binanceusdm": 0.05,
}

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	return decode(v)
}

// Default 返回不依赖配置文件的默认配置。
func Default() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if len(cfg.Venues) == 0 {
		cfg.Venues = DefaultVenues()
	}
	for i := range cfg.Venues {
		applyVenueDefaults(&cfg.Venues[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.output", "table")
	v.SetDefault("app.show_depth", 0)

	v.SetDefault("aggregator.run_timeout", "30s")
	v.SetDefault("aggregator.concurrency", 0)

	v.SetDefault("monitor.enabled", false)
	v.SetDefault("monitor.port", 9102)
	v.SetDefault("monitor.max_events", 1000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stderr"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("scheduler.loop_interval", "0s")
}

// DefaultVenues 返回未配置交易所时使用的拉取式数据源。
func DefaultVenues() []VenueConfig {
	return []VenueConfig{
		{Name: "bybit", Kind: SourcePolled, Driver: "bybit", DefaultType: "swap"},
		{Name: "woo", Kind: SourcePolled, Driver: "woo_rest"},
		{Name: "binanceusdm", Kind: SourcePolled, Driver: "binanceusdm", DefaultType: "future"},
	}
}

func applyVenueDefaults(v *VenueConfig) {
	v.Name = strings.TrimSpace(v.Name)
	v.Kind = strings.ToLower(strings.TrimSpace(v.Kind))
	v.Driver = strings.ToLower(strings.TrimSpace(v.Driver))

	if v.Kind == "" {
		v.Kind = SourcePolled
	}
	if v.Driver == "" {
		v.Driver = strings.ToLower(v.Name)
	}
	if v.Depth == 0 {
		v.Depth = 50
	}
	if v.Timeout == 0 {
		v.Timeout = 10 * time.Second
	}

	if v.RateLimit.MaxRequests == 0 {
		v.RateLimit.MaxRequests = 10
	}
	if v.RateLimit.Window == 0 {
		v.RateLimit.Window = time.Second
	}
	v.RateLimit.Strategy = strings.ToLower(strings.TrimSpace(v.RateLimit.Strategy))
	if v.RateLimit.Strategy == "" {
		v.RateLimit.Strategy = "block"
	}
	if v.RateLimit.PollInterval == 0 {
		v.RateLimit.PollInterval = 100 * time.Millisecond
	}
	if v.RateLimit.MaxWait == 0 {
		v.RateLimit.MaxWait = 5 * time.Second
	}

	if v.Breaker.MaxFailures == 0 {
		v.Breaker.MaxFailures = 5
	}
	if v.Breaker.OpenTimeout == 0 {
		v.Breaker.OpenTimeout = 30 * time.Second
	}

	if v.Stream.URL == "" && v.Kind == SourceStreamed && v.Driver == "bybit" {
		v.Stream.URL = DefaultBybitStreamURL
	}
	if v.Stream.WaitTimeout == 0 {
		v.Stream.WaitTimeout = 5 * time.Second
	}
	if v.Stream.PingInterval == 0 {
		v.Stream.PingInterval = 20 * time.Second
	}
	if v.Stream.ReadTimeout == 0 {
		v.Stream.ReadTimeout = 60 * time.Second
	}
	if v.Stream.HandshakeTimeout == 0 {
		v.Stream.HandshakeTimeout = 15 * time.Second
	}
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
