package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// 数据源类型。
const (
	SourcePolled   = "polled"
	SourceStreamed = "streamed"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Venues     []VenueConfig    `mapstructure:"venues"`
	Requests   []RequestConfig  `mapstructure:"requests"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
	Output      string `mapstructure:"output"`
	ShowDepth   int    `mapstructure:"show_depth"`
}

// VenueConfig 描述单个交易所的数据源。
type VenueConfig struct {
	Name              string          `mapstructure:"name"`
	Kind              string          `mapstructure:"kind"`
	Driver            string          `mapstructure:"driver"`
	DefaultType       string          `mapstructure:"default_type"`
	Depth             int             `mapstructure:"depth"`
	DefaultFeePercent *float64        `mapstructure:"default_fee_percent"`
	UseSandbox        bool            `mapstructure:"use_sandbox"`
	Timeout           time.Duration   `mapstructure:"timeout"`
	BaseURL           string          `mapstructure:"base_url"`
	RateLimit         RateLimitConfig `mapstructure:"rate_limit"`
	Breaker           BreakerConfig   `mapstructure:"breaker"`
	Stream            StreamConfig    `mapstructure:"stream"`
}

// RateLimitConfig 为固定窗口限流参数。
type RateLimitConfig struct {
	MaxRequests  int           `mapstructure:"max_requests"`
	Window       time.Duration `mapstructure:"window"`
	Strategy     string        `mapstructure:"strategy"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxWait      time.Duration `mapstructure:"max_wait"`
}

// BreakerConfig 控制拉取失败时的熔断。
type BreakerConfig struct {
	MaxFailures uint32        `mapstructure:"max_failures"`
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
}

// StreamConfig 控制推送连接。
type StreamConfig struct {
	URL              string        `mapstructure:"url"`
	WaitTimeout      time.Duration `mapstructure:"wait_timeout"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

// RequestConfig 为一次模拟请求，数值保留原始文本，由聚合器解析。
type RequestConfig struct {
	Venue    string `mapstructure:"venue"`
	Symbol   string `mapstructure:"symbol"`
	Notional string `mapstructure:"notional"`
	Fee      string `mapstructure:"fee"`
}

// AggregatorConfig 控制单轮聚合。
type AggregatorConfig struct {
	RunTimeout  time.Duration `mapstructure:"run_timeout"`
	Concurrency int           `mapstructure:"concurrency"`
}

// MonitorConfig 控制内存事件日志与 HTTP 接口。
type MonitorConfig struct {
	Enabled   bool `mapstructure:"enabled"`
	Port      int  `mapstructure:"port"`
	MaxEvents int  `mapstructure:"max_events"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// SchedulerConfig 控制主循环节奏，LoopInterval 为 0 时只运行一轮。
type SchedulerConfig struct {
	LoopInterval time.Duration `mapstructure:"loop_interval"`
}

// Venue 按名称查找交易所配置。
func (c *Config) Venue(name string) (VenueConfig, bool) {
	for _, v := range c.Venues {
		if strings.EqualFold(v.Name, name) {
			return v, true
		}
	}
	return VenueConfig{}, false
}

// FeePercent 返回交易所默认费率（百分比）。
func (v VenueConfig) FeePercent() float64 {
	if v.DefaultFeePercent != nil {
		return *v.DefaultFeePercent
	}
	if fee, ok := defaultFees[strings.ToLower(v.Driver)]; ok {
		return fee
	}
	return defaultFees[strings.ToLower(v.Name)]
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	switch c.App.Output {
	case "table", "json":
	default:
		err = multierr.Append(err, fmt.Errorf("app.output 仅支持 table|json，当前为 %q", c.App.Output))
	}
	if c.App.ShowDepth < 0 {
		err = multierr.Append(err, errors.New("app.show_depth 不能为负"))
	}

	if len(c.Venues) == 0 {
		err = multierr.Append(err, errors.New("venues 至少配置一个交易所"))
	}
	seen := make(map[string]struct{}, len(c.Venues))
	for i, v := range c.Venues {
		err = multierr.Append(err, v.validate(i))
		key := strings.ToLower(v.Name)
		if _, dup := seen[key]; dup && key != "" {
			err = multierr.Append(err, fmt.Errorf("venues[%d].name %q 重复", i, v.Name))
		}
		seen[key] = struct{}{}
	}

	for i, r := range c.Requests {
		if r.Venue == "" {
			err = multierr.Append(err, fmt.Errorf("requests[%d].venue 不能为空", i))
		}
		if r.Symbol == "" {
			err = multierr.Append(err, fmt.Errorf("requests[%d].symbol 不能为空", i))
		}
	}

	if c.Aggregator.RunTimeout < 0 {
		err = multierr.Append(err, errors.New("aggregator.run_timeout 不能为负"))
	}
	if c.Aggregator.Concurrency < 0 {
		err = multierr.Append(err, errors.New("aggregator.concurrency 不能为负"))
	}

	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		err = multierr.Append(err, errors.New("monitor.port 必须位于(0,65535]"))
	}
	if c.Monitor.MaxEvents <= 0 {
		err = multierr.Append(err, errors.New("monitor.max_events 必须大于0"))
	}

	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Scheduler.LoopInterval < 0 {
		err = multierr.Append(err, errors.New("scheduler.loop_interval 不能为负"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}

func (v VenueConfig) validate(i int) error {
	var err error
	prefix := fmt.Sprintf("venues[%d]", i)

	if v.Name == "" {
		err = multierr.Append(err, fmt.Errorf("%s.name 不能为空", prefix))
	}
	if v.Driver == "" {
		err = multierr.Append(err, fmt.Errorf("%s.driver 不能为空", prefix))
	}
	if v.Depth <= 0 {
		err = multierr.Append(err, fmt.Errorf("%s.depth 必须大于0", prefix))
	}
	if v.DefaultFeePercent != nil && *v.DefaultFeePercent < 0 {
		err = multierr.Append(err, fmt.Errorf("%s.default_fee_percent 不能为负", prefix))
	}

	switch v.Kind {
	case SourcePolled:
		if v.RateLimit.MaxRequests <= 0 {
			err = multierr.Append(err, fmt.Errorf("%s.rate_limit.max_requests 必须大于0", prefix))
		}
		if v.RateLimit.Window <= 0 {
			err = multierr.Append(err, fmt.Errorf("%s.rate_limit.window 必须大于0", prefix))
		}
		switch v.RateLimit.Strategy {
		case "block", "poll":
		default:
			err = multierr.Append(err, fmt.Errorf("%s.rate_limit.strategy 仅支持 block|poll", prefix))
		}
		if v.RateLimit.MaxWait < 0 {
			err = multierr.Append(err, fmt.Errorf("%s.rate_limit.max_wait 不能为负", prefix))
		}
	case SourceStreamed:
		if v.Stream.URL == "" {
			err = multierr.Append(err, fmt.Errorf("%s.stream.url 不能为空", prefix))
		}
		if v.Stream.WaitTimeout <= 0 {
			err = multierr.Append(err, fmt.Errorf("%s.stream.wait_timeout 必须大于0", prefix))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("%s.kind 仅支持 polled|streamed，当前为 %q", prefix, v.Kind))
	}

	return err
}
