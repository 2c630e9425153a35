package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultPollInterval 为轮询策略的默认退避间隔。
const DefaultPollInterval = 100 * time.Millisecond

// ErrInvalidConfig 表示限流参数非法。
var ErrInvalidConfig = errors.New("ratelimit: max requests and window must be positive")

// Config 描述固定窗口限流参数。
type Config struct {
	MaxRequests int
	Window      time.Duration
}

// Stats 为限流器当前窗口状态。
type Stats struct {
	MaxRequests int           `json:"max_requests"`
	Window      time.Duration `json:"window"`
	Count       int           `json:"count"`
	WindowStart time.Time     `json:"window_start"`
	Rejected    int64         `json:"rejected"`
}

// Limiter 为单个交易所独占的固定窗口计数器。
// 检查与自增在同一把锁内完成。
type Limiter struct {
	cfg Config
	now func() time.Time

	mu          sync.Mutex
	count       int
	windowStart time.Time
	rejected    int64
}

// Option 调整 Limiter 行为。
type Option func(*Limiter)

// WithClock 注入时钟，便于测试。
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New 创建限流器。
func New(cfg Config, opts ...Option) (*Limiter, error) {
	if cfg.MaxRequests <= 0 || cfg.Window <= 0 {
		return nil, fmt.Errorf("%w: max_requests=%d window=%s", ErrInvalidConfig, cfg.MaxRequests, cfg.Window)
	}
	l := &Limiter{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	l.windowStart = l.now()
	return l, nil
}

// TryAcquire 在当前窗口仍有配额时占用一个名额并返回 true。
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.windowStart) >= l.cfg.Window {
		l.count = 0
		l.windowStart = now
	}

	if l.count < l.cfg.MaxRequests {
		l.count++
		return true
	}
	l.rejected++
	return false
}

// Acquire 配额耗尽时整段睡眠到下一个窗口边界再重试，直到获准或 ctx 结束。
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		if l.TryAcquire() {
			return nil
		}
		if err := sleep(ctx, l.untilNextWindow()); err != nil {
			return err
		}
	}
}

// Poll 以固定短间隔轮询 TryAcquire，直到获准或 ctx 结束。
func (l *Limiter) Poll(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	for {
		if l.TryAcquire() {
			return nil
		}
		if err := sleep(ctx, interval); err != nil {
			return err
		}
	}
}

// Stats 返回当前窗口快照。
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		MaxRequests: l.cfg.MaxRequests,
		Window:      l.cfg.Window,
		Count:       l.count,
		WindowStart: l.windowStart,
		Rejected:    l.rejected,
	}
}

func (l *Limiter) untilNextWindow() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	wait := l.windowStart.Add(l.cfg.Window).Sub(l.now())
	if wait <= 0 {
		// 窗口已过期，下一次 TryAcquire 会重置。
		wait = time.Millisecond
	}
	return wait
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
