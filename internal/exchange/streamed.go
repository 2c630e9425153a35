package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"buycost/internal/config"
	"buycost/internal/log"
	"buycost/internal/metrics"
	"buycost/internal/orderbook"
)

// StreamState 为推送源状态机：Idle → Subscribing → Streaming → Idle | Subscribing。
type StreamState int

const (
	StateIdle StreamState = iota
	StateSubscribing
	StateStreaming
)

func (s StreamState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// errStreamEnded 表示推送连接在未被取消的情况下结束。
var errStreamEnded = errors.New("stream ended")

// StreamedSource 维护单个交易对的推送订单簿缓存。
//
// 当前订阅的监听协程是缓存的唯一写者；每次订阅递增 gen，
// 旧协程即使仍在交付数据也会因 gen 不匹配被丢弃。
// 等待者通过关闭 ready 通道被唤醒。
type StreamedSource struct {
	venue       string
	feed        Feed
	waitTimeout time.Duration
	logger      *zap.Logger
	metrics     *metrics.Collector

	base       context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu          sync.Mutex
	state       StreamState
	symbol      string
	book        *orderbook.OrderBook
	lastErr     error
	gen         uint64
	cancel      context.CancelFunc
	ready       chan struct{}
	readyClosed bool
	closed      bool
}

// NewStreamedSource 创建推送式数据源，初始为 Idle。
func NewStreamedSource(cfg config.VenueConfig, feed Feed, logger *zap.Logger, m *metrics.Collector) *StreamedSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &StreamedSource{
		venue:       cfg.Name,
		feed:        feed,
		waitTimeout: cfg.Stream.WaitTimeout,
		logger:      log.ForVenue(logger, cfg.Name, string(KindStreamed)),
		metrics:     m,
		base:        base,
		baseCancel:  cancel,
		ready:       make(chan struct{}),
	}
}

// Venue 返回交易所名称。
func (s *StreamedSource) Venue() string { return s.venue }

// Kind 返回 streamed。
func (s *StreamedSource) Kind() SourceKind { return KindStreamed }

// State 返回当前状态与订阅的交易对。
func (s *StreamedSource) State() (StreamState, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.symbol
}

// Subscribe 订阅 symbol。已订阅同一 symbol 时不做任何事；
// 切换 symbol 时停止旧监听并清空缓存，旧 symbol 的盘口不会再被返回。
func (s *StreamedSource) Subscribe(symbol string) error {
	if symbol == "" {
		return newAcquisitionError(KindInvalidInput, s.venue, errors.New("symbol is required"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return newAcquisitionError(KindStreamUnavailable, s.venue, ErrSourceClosed)
	}
	if s.symbol == symbol && s.state != StateIdle {
		return nil
	}

	previous := s.symbol
	s.resetLocked()
	s.symbol = symbol
	s.setStateLocked(StateSubscribing)

	ctx, cancel := context.WithCancel(s.base)
	s.cancel = cancel
	gen := s.gen

	s.wg.Add(1)
	go s.listen(ctx, gen, symbol)

	s.logger.Info("开始订阅推送订单簿",
		zap.String("symbol", symbol),
		zap.String("previous", previous),
	)
	return nil
}

// Unsubscribe 停止监听并清空缓存，未订阅时调用也是安全的。
func (s *StreamedSource) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.symbol == "" && s.state == StateIdle {
		return
	}
	s.resetLocked()
	s.symbol = ""
	s.setStateLocked(StateIdle)
}

// Snapshot 返回缓存的订单簿；缓存为空时最多等待 timeout，
// 期间收到首个更新立即返回，超时返回 nil。监听出错后下一次调用返回该错误。
func (s *StreamedSource) Snapshot(ctx context.Context, timeout time.Duration) (*orderbook.OrderBook, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		s.mu.Lock()
		if s.book != nil {
			book := *s.book
			s.mu.Unlock()
			return &book, nil
		}
		if s.lastErr != nil {
			err := s.lastErr
			s.lastErr = nil
			s.mu.Unlock()
			return nil, newAcquisitionError(KindStreamUnavailable, s.venue, err)
		}
		if timeout <= 0 || s.state == StateIdle {
			s.mu.Unlock()
			return nil, nil
		}
		ready := s.ready
		s.mu.Unlock()

		select {
		case <-ready:
		case <-deadline:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Acquire 按需订阅后在 waitTimeout 内取得快照，取不到视为推送不可用。
func (s *StreamedSource) Acquire(ctx context.Context, symbol string) (orderbook.OrderBook, error) {
	if err := s.Subscribe(symbol); err != nil {
		return orderbook.OrderBook{}, err
	}

	book, err := s.Snapshot(ctx, s.waitTimeout)
	if err != nil {
		return orderbook.OrderBook{}, classifyError(s.venue, err)
	}
	if book == nil {
		return orderbook.OrderBook{}, newAcquisitionError(KindStreamUnavailable, s.venue,
			fmt.Errorf("%w: no update for %s within %s", ErrStreamUnavailable, symbol, s.waitTimeout))
	}
	if book.Symbol != "" && book.Symbol != symbol {
		// 并发切换订阅时可能读到新 symbol 的盘口。
		return orderbook.OrderBook{}, newAcquisitionError(KindStreamUnavailable, s.venue,
			fmt.Errorf("%w: subscription moved to %s", ErrStreamUnavailable, book.Symbol))
	}
	return *book, nil
}

// Close 停止监听并等待后台协程退出。
func (s *StreamedSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.resetLocked()
	s.symbol = ""
	s.setStateLocked(StateIdle)
	s.mu.Unlock()

	s.baseCancel()
	s.wg.Wait()
	return nil
}

func (s *StreamedSource) listen(ctx context.Context, gen uint64, symbol string) {
	defer s.wg.Done()

	err := s.feed.Run(ctx, symbol, func(book orderbook.OrderBook) {
		s.store(gen, symbol, book)
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen {
		return
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if err == nil || errors.Is(err, context.Canceled) {
		err = errStreamEnded
	}

	s.book = nil
	s.lastErr = err
	s.setStateLocked(StateIdle)
	s.wakeLocked()

	s.logger.Warn("推送连接中断", zap.String("symbol", symbol), zap.Error(err))
}

func (s *StreamedSource) store(gen uint64, symbol string, book orderbook.OrderBook) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen {
		return
	}
	if book.Symbol == "" {
		book.Symbol = symbol
	}
	s.book = &book
	if s.state != StateStreaming {
		s.setStateLocked(StateStreaming)
	}
	s.wakeLocked()
	s.metrics.IncStreamUpdate(s.venue)
}

// resetLocked 作废当前监听、清空缓存并唤醒等待者。调用方需持有锁。
func (s *StreamedSource) resetLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.gen++
	s.book = nil
	s.lastErr = nil
	s.wakeLocked()
	s.ready = make(chan struct{})
	s.readyClosed = false
}

func (s *StreamedSource) wakeLocked() {
	if !s.readyClosed {
		close(s.ready)
		s.readyClosed = true
	}
}

func (s *StreamedSource) setStateLocked(state StreamState) {
	s.state = state
	s.metrics.SetStreamState(s.venue, int(state))
}
