package app

import (
	"context"
	"fmt"
	"io"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"buycost/internal/aggregator"
	"buycost/internal/config"
	"buycost/internal/exchange"
	"buycost/internal/metrics"
	"buycost/internal/monitor"
	"buycost/internal/report"
)

type orchestrator struct {
	registry   *exchange.Registry
	aggregator *aggregator.Aggregator
	requests   []aggregator.Request
	monitor    *monitor.Service
	logger     *zap.Logger

	out       io.Writer
	output    string
	showDepth int
}

func newOrchestrator(cfg *config.Config, logger *zap.Logger, m *metrics.Collector, mon *monitor.Service, out io.Writer) (*orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	requests, err := aggregator.RequestsFromConfig(cfg.Requests)
	if err != nil {
		return nil, fmt.Errorf("解析模拟请求失败: %w", err)
	}
	if len(requests) == 0 {
		return nil, fmt.Errorf("未配置任何模拟请求")
	}

	registry, err := exchange.NewRegistry(cfg.Venues, logger, m)
	if err != nil {
		return nil, fmt.Errorf("初始化交易所数据源失败: %w", err)
	}

	venues := make([]aggregator.Venue, 0, len(cfg.Venues))
	for _, vc := range cfg.Venues {
		src, err := registry.Get(vc.Name)
		if err != nil {
			_ = registry.Close()
			return nil, err
		}
		venues = append(venues, aggregator.Venue{
			Source:     src,
			DefaultFee: decimal.NewFromFloat(vc.FeePercent()),
		})
		logger.Info("交易所数据源已就绪",
			zap.String("venue", vc.Name),
			zap.String("kind", vc.Kind),
			zap.String("driver", vc.Driver),
			zap.Float64("default_fee_percent", vc.FeePercent()),
		)
	}

	return &orchestrator{
		registry:   registry,
		aggregator: aggregator.New(cfg.Aggregator, venues, logger, m, mon),
		requests:   requests,
		monitor:    mon,
		logger:     logger,
		out:        out,
		output:     cfg.App.Output,
		showDepth:  cfg.App.ShowDepth,
	}, nil
}

// Tick 运行一轮模拟并输出结果。单个交易所失败不会使本轮返回错误。
func (o *orchestrator) Tick(ctx context.Context) error {
	reports := o.aggregator.Run(ctx, o.requests)

	var err error
	switch o.output {
	case "json":
		err = report.WriteJSON(o.out, reports, o.showDepth)
	default:
		err = report.WriteTable(o.out, reports, o.showDepth)
	}
	if err != nil {
		o.monitor.RecordError(ctx, "输出模拟结果失败", err, nil)
		return fmt.Errorf("输出模拟结果失败: %w", err)
	}
	return nil
}

func (o *orchestrator) Close() error {
	return o.registry.Close()
}
