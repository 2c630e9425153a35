package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"buycost/internal/app"
	"buycost/internal/config"
	"buycost/internal/log"
	"buycost/internal/store"
)

func main() {
	var (
		configPath string
		venue      string
		symbol     string
		notional   string
		fee        string
		output     string
		depth      int
		once       bool
	)
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	flag.StringVar(&venue, "venue", "", "交易所名称，与 -symbol -notional 一起使用时替换配置中的请求")
	flag.StringVar(&symbol, "symbol", "", "交易对")
	flag.StringVar(&notional, "notional", "", "买入名义金额（计价货币）")
	flag.StringVar(&fee, "fee", "", "费率百分比，留空使用交易所默认费率")
	flag.StringVar(&output, "output", "", "输出格式 table|json")
	flag.IntVar(&depth, "depth", -1, "输出订单簿前 N 档")
	flag.BoolVar(&once, "once", false, "忽略 scheduler.loop_interval，只运行一轮")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	if venue != "" || symbol != "" || notional != "" {
		cfg.Requests = []config.RequestConfig{{Venue: venue, Symbol: symbol, Notional: notional, Fee: fee}}
	}
	if output != "" {
		cfg.App.Output = output
	}
	if depth >= 0 {
		cfg.App.ShowDepth = depth
	}
	if once {
		cfg.Scheduler.LoopInterval = 0
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "命令行参数无效: %v\n", err)
		os.Exit(2)
	}

	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(logger)

	memStore, err := store.NewMemory()
	if err != nil {
		logger.Error("初始化事件存储失败", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if closeErr := memStore.Close(); closeErr != nil {
			logger.Warn("关闭事件存储失败", zap.Error(closeErr))
		}
	}()

	simulator := app.New(cfg, logger, memStore, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := simulator.Run(ctx); err != nil {
		logger.Error("模拟运行异常", zap.Error(err))
		os.Exit(1)
	}
}
