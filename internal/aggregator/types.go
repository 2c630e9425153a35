package aggregator

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"buycost/internal/config"
	"buycost/internal/exchange"
	"buycost/internal/orderbook"
	"buycost/internal/simulation"
)

// Request 为一次市价买入模拟请求。Fee 为用户输入的费率百分比文本，空或非法时使用交易所默认费率。
type Request struct {
	Venue    string
	Symbol   string
	Notional decimal.Decimal
	Fee      string
}

// Venue 为参与聚合的交易所及其默认费率（百分比）。
type Venue struct {
	Source     exchange.Source
	DefaultFee decimal.Decimal
}

// VenueReport 为单个请求的结果：要么有 Fill 与 Cost，要么有 ErrorKind。
type VenueReport struct {
	RunID        string
	Venue        string
	Symbol       string
	Notional     decimal.Decimal
	FeePercent   decimal.Decimal
	FeeDefaulted bool

	Book *orderbook.OrderBook
	Fill *simulation.FillResult
	Cost *simulation.CostBreakdown

	// EmptyBook 表示卖盘无流动性，Fill 与 Cost 为零值。
	EmptyBook         bool
	InsufficientDepth bool

	ErrorKind  exchange.ErrorKind
	StatusCode int
	Message    string

	Latency time.Duration
}

// OK 表示该请求得到了成交模拟结果。
func (r VenueReport) OK() bool {
	return r.ErrorKind == "" && r.Fill != nil && r.Cost != nil
}

// ParseFee 解析费率百分比文本，允许末尾的 %。
// 空文本、非数字或负数返回 fallback 且 defaulted 为 true。
func ParseFee(text string, fallback decimal.Decimal) (fee decimal.Decimal, defaulted bool) {
	text = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text), "%"))
	if text == "" {
		return fallback, true
	}
	fee, err := decimal.NewFromString(text)
	if err != nil || fee.IsNegative() {
		return fallback, true
	}
	return fee, false
}

// RequestsFromConfig 将配置中的请求转换为 Request，名义金额无法解析时返回错误。
// 负数金额原样保留，由 Run 报告为非法输入。
func RequestsFromConfig(in []config.RequestConfig) ([]Request, error) {
	out := make([]Request, 0, len(in))
	var err error
	for i, rc := range in {
		text := strings.TrimSpace(rc.Notional)
		if text == "" {
			err = multierr.Append(err, fmt.Errorf("requests[%d].notional 不能为空", i))
			continue
		}
		notional, parseErr := decimal.NewFromString(text)
		if parseErr != nil {
			err = multierr.Append(err, fmt.Errorf("requests[%d].notional %q 无法解析: %w", i, rc.Notional, parseErr))
			continue
		}
		out = append(out, Request{
			Venue:    strings.TrimSpace(rc.Venue),
			Symbol:   strings.TrimSpace(rc.Symbol),
			Notional: notional,
			Fee:      rc.Fee,
		})
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}
