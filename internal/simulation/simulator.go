package simulation

import (
	"errors"

	"github.com/shopspring/decimal"

	"buycost/internal/orderbook"
)

// ErrNegativeNotional 表示目标名义金额为负，属于调用方违约，应在调用前拦截。
var ErrNegativeNotional = errors.New("notional must not be negative")

// FillResult 为一次市价买入模拟的成交摘要。
type FillResult struct {
	Notional       decimal.Decimal `json:"notional"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	TotalSpent     decimal.Decimal `json:"total_spent"`
	AveragePrice   decimal.Decimal `json:"average_price"`
	LevelsConsumed int             `json:"levels_consumed"`
}

// InsufficientDepth 表示卖盘深度不足以花完目标金额，这不是错误。
func (f FillResult) InsufficientDepth() bool {
	return f.TotalSpent.LessThan(f.Notional)
}

// IsZero 判断是否完全没有成交。
func (f FillResult) IsZero() bool {
	return f.FilledQuantity.IsZero()
}

// Simulate 沿卖盘价格升序逐档吃单，直到花完 notional 或卖盘耗尽。
func Simulate(book orderbook.OrderBook, notional decimal.Decimal) (FillResult, error) {
	if notional.IsNegative() {
		return FillResult{}, ErrNegativeNotional
	}

	result := FillResult{
		Notional:       notional,
		FilledQuantity: decimal.Zero,
		TotalSpent:     decimal.Zero,
		AveragePrice:   decimal.Zero,
	}
	if notional.IsZero() || book.IsEmpty() {
		return result, nil
	}

	// 整档成交精确累加；末档部分成交只记录剩余金额与价格，数量与均价各只做一次除法。
	spent := decimal.Zero
	fullQty := decimal.Zero
	partialSpent := decimal.Zero
	partialPrice := decimal.Zero
	for _, ask := range book.Asks {
		if spent.GreaterThanOrEqual(notional) {
			break
		}
		levelCost := ask.Cost()
		result.LevelsConsumed++

		if spent.Add(levelCost).LessThanOrEqual(notional) {
			spent = spent.Add(levelCost)
			fullQty = fullQty.Add(ask.Quantity)
			continue
		}

		partialSpent = notional.Sub(spent)
		partialPrice = ask.Price
		spent = notional
		break
	}

	result.TotalSpent = spent
	if partialSpent.IsZero() {
		result.FilledQuantity = fullQty
		if fullQty.IsPositive() {
			result.AveragePrice = spent.DivRound(fullQty, int32(decimal.DivisionPrecision))
		}
		return result, nil
	}

	result.FilledQuantity = fullQty.Add(partialSpent.DivRound(partialPrice, int32(decimal.DivisionPrecision)))
	// avg = spent / (fullQty + partialSpent/price) = spent*price / (fullQty*price + partialSpent)
	result.AveragePrice = spent.Mul(partialPrice).DivRound(fullQty.Mul(partialPrice).Add(partialSpent), int32(decimal.DivisionPrecision))
	return result, nil
}
