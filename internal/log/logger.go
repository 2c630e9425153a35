package log

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"buycost/internal/config"
)

const serviceName = "buycost"

// NewLogger 根据配置创建 zap.Logger。
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if err := level.Set(strings.ToLower(strings.TrimSpace(cfg.Level))); err != nil {
		return nil, fmt.Errorf("解析日志级别失败: %w", err)
	}

	encoding := strings.ToLower(strings.TrimSpace(cfg.Encoding))
	switch encoding {
	case "":
		encoding = "console"
	case "console", "json":
	default:
		return nil, fmt.Errorf("不支持的日志编码 %q", cfg.Encoding)
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}
	errOutputs := cfg.ErrorOutputPaths
	if len(errOutputs) == 0 {
		errOutputs = []string{"stderr"}
	}

	zapCfg := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       cfg.Development,
		DisableStacktrace: !cfg.Development,
		Encoding:          encoding,
		EncoderConfig:     encoderConfig(encoding),
		OutputPaths:       outputs,
		ErrorOutputPaths:  errOutputs,
		InitialFields:     map[string]interface{}{"service": serviceName},
	}

	logger, err := zapCfg.Build(zap.AddCaller())
	if err != nil {
		return nil, fmt.Errorf("创建日志实例失败: %w", err)
	}

	return logger, nil
}

func encoderConfig(encoding string) zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.NameKey = "logger"
	cfg.CallerKey = "caller"
	cfg.FunctionKey = zapcore.OmitKey
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder
	cfg.EncodeCaller = zapcore.ShortCallerEncoder
	if encoding == "json" {
		cfg.EncodeLevel = zapcore.LowercaseLevelEncoder
	} else {
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return cfg
}

// Decimal 以原始精度记录 decimal 字段。
func Decimal(key string, v decimal.Decimal) zap.Field {
	return zap.String(key, v.String())
}

// ForVenue 返回带交易所与组件字段的子 logger，logger 为空时返回 Nop。
func ForVenue(logger *zap.Logger, venue, component string) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger.With(zap.String("venue", venue), zap.String("component", component))
}
