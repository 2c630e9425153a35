package exchange

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"buycost/internal/config"
	"buycost/internal/log"
	"buycost/internal/orderbook"
)

// ccxt 驱动名称。
const (
	DriverBinanceUSDM = "binanceusdm"
	DriverBybit       = "bybit"
	DriverWoo         = "woo"
)

// CCXTFetcher 通过 ccxt 拉取订单簿快照。
type CCXTFetcher struct {
	venue  string
	driver string
	logger *zap.Logger

	fetch func(symbol string, limit int64) (ccxt.OrderBook, error)
	load  func() error

	marketsMu     sync.Mutex
	marketsLoaded bool
}

// NewCCXTFetcher 根据交易所配置构造 ccxt 客户端。
func NewCCXTFetcher(cfg config.VenueConfig, logger *zap.Logger) (*CCXTFetcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	options := map[string]interface{}{
		"adjustForTimeDifference": true,
	}
	if cfg.DefaultType != "" {
		options["defaultType"] = cfg.DefaultType
	}
	userConfig := map[string]interface{}{
		"enableRateLimit": false,
		"options":         options,
	}
	if cfg.Timeout > 0 {
		userConfig["timeout"] = cfg.Timeout.Milliseconds()
	}

	f := &CCXTFetcher{
		venue:  cfg.Name,
		driver: strings.ToLower(cfg.Driver),
		logger: log.ForVenue(logger, cfg.Name, cfg.Driver),
	}

	switch f.driver {
	case DriverBinanceUSDM:
		ex := ccxt.NewBinanceusdm(userConfig)
		if cfg.UseSandbox {
			ex.SetSandboxMode(true)
		}
		f.fetch = func(symbol string, limit int64) (ccxt.OrderBook, error) {
			return ex.FetchOrderBook(symbol, ccxt.WithFetchOrderBookLimit(limit))
		}
		f.load = func() error {
			_, err := ex.LoadMarkets()
			return err
		}
	case DriverBybit:
		ex := ccxt.NewBybit(userConfig)
		if cfg.UseSandbox {
			ex.SetSandboxMode(true)
		}
		f.fetch = func(symbol string, limit int64) (ccxt.OrderBook, error) {
			return ex.FetchOrderBook(symbol, ccxt.WithFetchOrderBookLimit(limit))
		}
		f.load = func() error {
			_, err := ex.LoadMarkets()
			return err
		}
	case DriverWoo:
		ex := ccxt.NewWoo(userConfig)
		if cfg.UseSandbox {
			ex.SetSandboxMode(true)
		}
		f.fetch = func(symbol string, limit int64) (ccxt.OrderBook, error) {
			return ex.FetchOrderBook(symbol, ccxt.WithFetchOrderBookLimit(limit))
		}
		f.load = func() error {
			_, err := ex.LoadMarkets()
			return err
		}
	default:
		return nil, fmt.Errorf("不支持的 ccxt 驱动 %q", cfg.Driver)
	}

	return f, nil
}

// FetchOrderBook 获取订单簿快照。ccxt 调用本身不感知 ctx，这里在 ctx 结束时放弃等待。
func (f *CCXTFetcher) FetchOrderBook(ctx context.Context, symbol string, depth int) (RawBook, error) {
	if depth <= 0 {
		depth = 50
	}

	if err := f.ensureMarketsLoaded(ctx); err != nil {
		return RawBook{}, classifyError(f.venue, err)
	}

	raw, err := callWithContext(ctx, func() (ccxt.OrderBook, error) {
		return f.fetch(symbol, int64(depth))
	})
	if err != nil {
		f.logger.Warn("拉取订单簿失败", zap.String("symbol", symbol), zap.Error(err))
		return RawBook{}, classifyError(f.venue, err)
	}

	return convertOrderBook(raw), nil
}

func (f *CCXTFetcher) ensureMarketsLoaded(ctx context.Context) error {
	f.marketsMu.Lock()
	defer f.marketsMu.Unlock()

	if f.marketsLoaded {
		return nil
	}

	if _, err := callWithContext(ctx, func() (struct{}, error) {
		return struct{}{}, f.load()
	}); err != nil {
		return err
	}

	f.marketsLoaded = true
	f.logger.Info("已完成市场元数据加载")
	return nil
}

func callWithContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		value T
		err   error
	}

	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("ccxt panic: %v", r)}
			}
		}()
		v, err := fn()
		done <- result{value: v, err: err}
	}()

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-done:
		return r.value, r.err
	}
}

func convertOrderBook(ob ccxt.OrderBook) RawBook {
	var ts time.Time
	if ob.Timestamp != nil {
		ts = time.UnixMilli(*ob.Timestamp).UTC()
	} else {
		ts = time.Now().UTC()
	}

	return RawBook{
		Bids:      convertLevels(ob.Bids),
		Asks:      convertLevels(ob.Asks),
		Timestamp: ts,
	}
}

func convertLevels(levels [][]float64) []orderbook.PriceLevel {
	out := make([]orderbook.PriceLevel, 0, len(levels))
	for _, level := range levels {
		if len(level) < 2 {
			continue
		}
		out = append(out, orderbook.PriceLevel{
			Price:    decimal.NewFromFloat(level[0]),
			Quantity: decimal.NewFromFloat(level[1]),
		})
	}
	return out
}
