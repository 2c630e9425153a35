package exchange

import (
	"context"
	"time"

	"buycost/internal/orderbook"
)

// SourceKind 区分拉取与推送两种获取策略。
type SourceKind string

const (
	KindPolled   SourceKind = "polled"
	KindStreamed SourceKind = "streamed"
)

// Source 为单个交易所的订单簿获取策略。
type Source interface {
	Venue() string
	Kind() SourceKind
	Acquire(ctx context.Context, symbol string) (orderbook.OrderBook, error)
	Close() error
}

// RawBook 为驱动返回、尚未规范化的盘口数据。
type RawBook struct {
	Bids      []orderbook.PriceLevel
	Asks      []orderbook.PriceLevel
	Timestamp time.Time
}

// Fetcher 为拉取式驱动，一次请求返回一份完整盘口。
type Fetcher interface {
	FetchOrderBook(ctx context.Context, symbol string, depth int) (RawBook, error)
}

// Feed 为推送式驱动：持续接收更新并通过 emit 交付完整快照，直到 ctx 结束或连接出错。
type Feed interface {
	Run(ctx context.Context, symbol string, emit func(orderbook.OrderBook)) error
}
