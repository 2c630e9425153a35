package simulation

import (
	"github.com/shopspring/decimal"

	"buycost/internal/orderbook"
)

var hundred = decimal.NewFromInt(100)

// CostBreakdown 描述一次市价买入的成本拆分，各项可能为负，不做截断。
type CostBreakdown struct {
	Spread          decimal.Decimal `json:"spread"`
	SlippagePerUnit decimal.Decimal `json:"slippage_per_unit"`
	FeeAmount       decimal.Decimal `json:"fee_amount"`
	SlippageCost    decimal.Decimal `json:"slippage_cost"`
	SpreadCost      decimal.Decimal `json:"spread_cost"`
	TotalCost       decimal.Decimal `json:"total_cost"`
}

// ZeroCost 返回全部为零的成本拆分。
func ZeroCost() CostBreakdown {
	return CostBreakdown{
		Spread:          decimal.Zero,
		SlippagePerUnit: decimal.Zero,
		FeeAmount:       decimal.Zero,
		SlippageCost:    decimal.Zero,
		SpreadCost:      decimal.Zero,
		TotalCost:       decimal.Zero,
	}
}

// Evaluate 基于成交结果与费率百分比计算点差、滑点与手续费。
//
// 滑点以最优买价为参考（近似最新成交价），而不是最优卖价；
// 手续费按请求的名义金额收取，而不是实际成交金额。
func Evaluate(book orderbook.OrderBook, fill FillResult, feePercent decimal.Decimal) CostBreakdown {
	bestBid, hasBid := book.BestBid()
	bestAsk, hasAsk := book.BestAsk()
	if !hasBid || !hasAsk || !fill.FilledQuantity.IsPositive() {
		return ZeroCost()
	}

	spread := bestAsk.Price.Sub(bestBid.Price)
	slippagePerUnit := fill.AveragePrice.Sub(bestBid.Price)
	fee := feePercent.Div(hundred).Mul(fill.Notional)
	slippageCost := slippagePerUnit.Mul(fill.FilledQuantity)
	spreadCost := spread.Mul(fill.FilledQuantity)

	return CostBreakdown{
		Spread:          spread,
		SlippagePerUnit: slippagePerUnit,
		FeeAmount:       fee,
		SlippageCost:    slippageCost,
		SpreadCost:      spreadCost,
		TotalCost:       fee.Add(slippageCost).Add(spreadCost),
	}
}
