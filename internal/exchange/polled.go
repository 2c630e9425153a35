package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"buycost/internal/config"
	"buycost/internal/log"
	"buycost/internal/metrics"
	"buycost/internal/orderbook"
	"buycost/internal/ratelimit"
)

// 限流等待策略。
const (
	GateBlock = "block"
	GatePoll  = "poll"
)

// PolledSource 为拉取式数据源：限流闸门 → 拉取 → 规范化。
type PolledSource struct {
	venue   string
	fetcher Fetcher
	limiter *ratelimit.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
	metrics *metrics.Collector

	strategy     string
	pollInterval time.Duration
	maxWait      time.Duration
	depth        int
}

// NewPolledSource 创建拉取式数据源，limiter 由该数据源独占。
func NewPolledSource(cfg config.VenueConfig, fetcher Fetcher, limiter *ratelimit.Limiter, logger *zap.Logger, m *metrics.Collector) *PolledSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = log.ForVenue(logger, cfg.Name, string(KindPolled))

	s := &PolledSource{
		venue:        cfg.Name,
		fetcher:      fetcher,
		limiter:      limiter,
		logger:       logger,
		metrics:      m,
		strategy:     cfg.RateLimit.Strategy,
		pollInterval: cfg.RateLimit.PollInterval,
		maxWait:      cfg.RateLimit.MaxWait,
		depth:        cfg.Depth,
	}

	maxFailures := cfg.Breaker.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.Breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("熔断器状态变化",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			m.SetBreakerState(name, int(to))
		},
	})
	return s
}

// Venue 返回交易所名称。
func (s *PolledSource) Venue() string { return s.venue }

// Kind 返回 polled。
func (s *PolledSource) Kind() SourceKind { return KindPolled }

// Close 拉取式数据源无需释放资源。
func (s *PolledSource) Close() error { return nil }

// Limiter 返回该数据源的限流器。
func (s *PolledSource) Limiter() *ratelimit.Limiter { return s.limiter }

// Acquire 经过限流闸门后拉取一份新的订单簿并规范化。
func (s *PolledSource) Acquire(ctx context.Context, symbol string) (orderbook.OrderBook, error) {
	if err := s.gate(ctx); err != nil {
		return orderbook.OrderBook{}, err
	}

	result, err := s.breaker.Execute(func() (interface{}, error) {
		return s.fetcher.FetchOrderBook(ctx, symbol, s.depth)
	})
	if err != nil {
		return orderbook.OrderBook{}, classifyError(s.venue, err)
	}

	raw, ok := result.(RawBook)
	if !ok {
		return orderbook.OrderBook{}, newAcquisitionError(KindNetwork, s.venue, fmt.Errorf("unexpected fetch result %T", result))
	}

	book := orderbook.OrderBook{
		Symbol:     symbol,
		Bids:       orderbook.Normalize(orderbook.SideBid, raw.Bids, s.depth),
		Asks:       orderbook.Normalize(orderbook.SideAsk, raw.Asks, s.depth),
		ObservedAt: raw.Timestamp,
	}
	if book.ObservedAt.IsZero() {
		book.ObservedAt = time.Now().UTC()
	}

	s.logger.Debug("订单簿拉取完成",
		zap.String("symbol", symbol),
		zap.Int("bids", len(book.Bids)),
		zap.Int("asks", len(book.Asks)),
	)
	return book, nil
}

func (s *PolledSource) gate(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}

	waitCtx := ctx
	if s.maxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.maxWait)
		defer cancel()
	}

	started := time.Now()
	var err error
	if s.strategy == GatePoll {
		err = s.limiter.Poll(waitCtx, s.pollInterval)
	} else {
		err = s.limiter.Acquire(waitCtx)
	}
	s.metrics.ObserveRateLimitWait(s.venue, time.Since(started))

	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return newAcquisitionError(KindCanceled, s.venue, ctx.Err())
	}
	s.logger.Warn("限流等待超时", zap.Duration("max_wait", s.maxWait))
	return newAcquisitionError(KindRateLimitTimeout, s.venue, fmt.Errorf("%w after %s", ErrRateLimitTimeout, s.maxWait))
}
