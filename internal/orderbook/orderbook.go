package orderbook

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Side 表示盘口方向。
type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

// PriceLevel 表示盘口档位，价格与数量均为正数。
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Cost 返回吃掉整档所需的名义金额。
func (l PriceLevel) Cost() decimal.Decimal {
	return l.Price.Mul(l.Quantity)
}

// OrderBook 为不可变的订单簿快照：买盘价格降序，卖盘价格升序。
// 交给调用方之后不会再被修改，更新时整体替换。
type OrderBook struct {
	Symbol     string       `json:"symbol"`
	Bids       []PriceLevel `json:"bids"`
	Asks       []PriceLevel `json:"asks"`
	ObservedAt time.Time    `json:"observed_at"`
}

// New 根据原始档位构造规范化的订单簿快照。
func New(symbol string, bids, asks []PriceLevel, observedAt time.Time) OrderBook {
	if observedAt.IsZero() {
		observedAt = time.Now().UTC()
	}
	return OrderBook{
		Symbol:     symbol,
		Bids:       Normalize(SideBid, bids, 0),
		Asks:       Normalize(SideAsk, asks, 0),
		ObservedAt: observedAt,
	}
}

// BestBid 返回最优买价档位。
func (b OrderBook) BestBid() (PriceLevel, bool) {
	if len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk 返回最优卖价档位。
func (b OrderBook) BestAsk() (PriceLevel, bool) {
	if len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	return b.Asks[0], true
}

// IsEmpty 表示卖盘没有任何流动性，这是合法状态而非获取失败。
func (b OrderBook) IsEmpty() bool {
	return len(b.Asks) == 0
}

// HasBothSides 判断买卖两侧均有报价。
func (b OrderBook) HasBothSides() bool {
	return len(b.Bids) > 0 && len(b.Asks) > 0
}

// AskLiquidity 返回卖盘全部档位的总数量与总名义金额。
func (b OrderBook) AskLiquidity() (quantity, notional decimal.Decimal) {
	quantity, notional = decimal.Zero, decimal.Zero
	for _, lvl := range b.Asks {
		quantity = quantity.Add(lvl.Quantity)
		notional = notional.Add(lvl.Cost())
	}
	return quantity, notional
}

// Top 返回截取前 n 档后的副本，n<=0 时返回完整副本。
func (b OrderBook) Top(n int) OrderBook {
	return OrderBook{
		Symbol:     b.Symbol,
		Bids:       clip(b.Bids, n),
		Asks:       clip(b.Asks, n),
		ObservedAt: b.ObservedAt,
	}
}

func clip(levels []PriceLevel, n int) []PriceLevel {
	if n <= 0 || n > len(levels) {
		n = len(levels)
	}
	out := make([]PriceLevel, n)
	copy(out, levels[:n])
	return out
}

// Normalize 合并同价档位、剔除非正值并按方向排序，depth>0 时截断档位数。
// 返回新切片，不修改入参。
func Normalize(side Side, levels []PriceLevel, depth int) []PriceLevel {
	merged := make(map[string]int, len(levels))
	out := make([]PriceLevel, 0, len(levels))
	for _, lvl := range levels {
		if !lvl.Price.IsPositive() || !lvl.Quantity.IsPositive() {
			continue
		}
		key := lvl.Price.String()
		if idx, ok := merged[key]; ok {
			out[idx].Quantity = out[idx].Quantity.Add(lvl.Quantity)
			continue
		}
		merged[key] = len(out)
		out = append(out, lvl)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if side == SideBid {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})

	if depth > 0 && len(out) > depth {
		out = out[:depth]
	}
	return out
}
