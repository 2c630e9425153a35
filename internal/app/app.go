package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"buycost/internal/config"
	"buycost/internal/metrics"
	"buycost/internal/monitor"
	"buycost/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
	out    io.Writer
}

// New 创建 App 实例，out 为空时输出到标准输出。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store, out io.Writer) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	if out == nil {
		out = os.Stdout
	}
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
		out:    out,
	}
}

// Run 执行一轮模拟；配置了 scheduler.loop_interval 时按间隔循环直到 ctx 结束。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("成本模拟器已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.Int("venues", len(a.cfg.Venues)),
		zap.Int("requests", len(a.cfg.Requests)),
	)

	collector := metrics.New("")

	monitorSvc, err := monitor.NewService(a.store, a.cfg.Monitor.MaxEvents, a.logger)
	if err != nil {
		return fmt.Errorf("初始化监控服务失败: %w", err)
	}

	orch, err := newOrchestrator(a.cfg, a.logger, collector, monitorSvc, a.out)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := orch.Close(); closeErr != nil {
			a.logger.Warn("关闭交易所数据源失败", zap.Error(closeErr))
		}
	}()

	if a.cfg.Monitor.Enabled {
		if err := startMonitorServer(ctx, monitorSvc, collector, orch.registry, a.cfg.Monitor.Port, a.logger); err != nil {
			return err
		}
	}

	loopInterval := a.cfg.Scheduler.LoopInterval
	if loopInterval <= 0 {
		return orch.Tick(ctx)
	}

	if err = orch.Tick(ctx); err != nil {
		a.logger.Error("首次执行失败", zap.Error(err))
	}

	ticker := time.NewTicker(loopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("系统异常退出: %w", err)
			}
			a.logger.Info("系统收到退出信号，正在停止")
			return nil
		case <-ticker.C:
			if err = orch.Tick(ctx); err != nil {
				a.logger.Error("执行调度失败", zap.Error(err))
			}
		}
	}
}
