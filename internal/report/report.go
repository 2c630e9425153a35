package report

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"buycost/internal/aggregator"
	"buycost/internal/orderbook"
)

// 展示层保留的小数位。
const (
	QuantityPlaces = 3
	PricePlaces    = 4
	CostPlaces     = 6
)

// Row 为单个交易所结果的展示形式，数值仅在此处取整。
type Row struct {
	Venue             string `json:"venue"`
	Symbol            string `json:"symbol"`
	Notional          string `json:"notional"`
	FeePercent        string `json:"fee_percent"`
	FeeDefaulted      bool   `json:"fee_defaulted,omitempty"`
	Status            string `json:"status"`
	FilledQuantity    string `json:"filled_quantity,omitempty"`
	AveragePrice      string `json:"average_price,omitempty"`
	TotalSpent        string `json:"total_spent,omitempty"`
	Spread            string `json:"spread,omitempty"`
	FeeAmount         string `json:"fee_amount,omitempty"`
	SlippageCost      string `json:"slippage_cost,omitempty"`
	SpreadCost        string `json:"spread_cost,omitempty"`
	TotalCost         string `json:"total_cost,omitempty"`
	InsufficientDepth bool   `json:"insufficient_depth,omitempty"`
	EmptyBook         bool   `json:"empty_book,omitempty"`
	ErrorKind         string `json:"error_kind,omitempty"`
	StatusCode        int    `json:"status_code,omitempty"`
	Message           string `json:"message,omitempty"`
	LatencyMS         int64  `json:"latency_ms"`

	Bids []Level `json:"bids,omitempty"`
	Asks []Level `json:"asks,omitempty"`
}

// Level 为展示用盘口档位。
type Level struct {
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

// Status 给出结果的简短分类。
func Status(r aggregator.VenueReport) string {
	switch {
	case r.ErrorKind != "":
		return "error"
	case r.EmptyBook:
		return "no_liquidity"
	case r.InsufficientDepth:
		return "partial"
	default:
		return "ok"
	}
}

// NewRow 将报告转换为展示行，depth>0 时附带前 depth 档盘口。
func NewRow(r aggregator.VenueReport, depth int) Row {
	row := Row{
		Venue:        r.Venue,
		Symbol:       r.Symbol,
		Notional:     r.Notional.StringFixed(2),
		FeePercent:   r.FeePercent.String(),
		FeeDefaulted: r.FeeDefaulted,
		Status:       Status(r),
		EmptyBook:    r.EmptyBook,
		ErrorKind:    string(r.ErrorKind),
		StatusCode:   r.StatusCode,
		Message:      r.Message,
		LatencyMS:    r.Latency.Milliseconds(),

		InsufficientDepth: r.InsufficientDepth,
	}
	if r.Fill != nil {
		row.FilledQuantity = Quantity(r.Fill.FilledQuantity)
		row.AveragePrice = Price(r.Fill.AveragePrice)
		row.TotalSpent = Cost(r.Fill.TotalSpent)
	}
	if r.Cost != nil {
		row.Spread = Price(r.Cost.Spread)
		row.FeeAmount = Cost(r.Cost.FeeAmount)
		row.SlippageCost = Cost(r.Cost.SlippageCost)
		row.SpreadCost = Cost(r.Cost.SpreadCost)
		row.TotalCost = Cost(r.Cost.TotalCost)
	}
	if depth > 0 && r.Book != nil {
		top := r.Book.Top(depth)
		row.Bids = levels(top.Bids)
		row.Asks = levels(top.Asks)
	}
	return row
}

// Quantity 按 3 位小数展示数量。
func Quantity(v decimal.Decimal) string { return v.StringFixed(QuantityPlaces) }

// Price 按 4 位小数展示价格。
func Price(v decimal.Decimal) string { return v.StringFixed(PricePlaces) }

// Cost 按 6 位小数展示金额。
func Cost(v decimal.Decimal) string { return v.StringFixed(CostPlaces) }

func levels(in []orderbook.PriceLevel) []Level {
	out := make([]Level, 0, len(in))
	for _, lvl := range in {
		out = append(out, Level{Price: Price(lvl.Price), Quantity: Quantity(lvl.Quantity)})
	}
	return out
}

// WriteJSON 以 JSON 数组输出全部结果。
func WriteJSON(w io.Writer, reports []aggregator.VenueReport, depth int) error {
	rows := make([]Row, 0, len(reports))
	for _, r := range reports {
		rows = append(rows, NewRow(r, depth))
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}

// WriteTable 以对齐表格输出结果；depth>0 时在表格后附上各交易所盘口。
func WriteTable(w io.Writer, reports []aggregator.VenueReport, depth int) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, "Venue\tSymbol\tNotional\tFee%\tFilled\tAvg Price\tSpread\tFee\tSlippage\tSpread Cost\tTotal Cost\tStatus")
	fmt.Fprintln(tw, "-----\t------\t--------\t----\t------\t---------\t------\t---\t--------\t-----------\t----------\t------")

	for _, r := range reports {
		row := NewRow(r, 0)
		status := row.Status
		if row.ErrorKind != "" {
			status = row.ErrorKind
			if row.StatusCode != 0 {
				status = fmt.Sprintf("%s(%d)", status, row.StatusCode)
			}
		}
		fee := row.FeePercent
		if row.FeeDefaulted {
			fee += "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			row.Venue,
			row.Symbol,
			row.Notional,
			fee,
			dash(row.FilledQuantity),
			dash(row.AveragePrice),
			dash(row.Spread),
			dash(row.FeeAmount),
			dash(row.SlippageCost),
			dash(row.SpreadCost),
			dash(row.TotalCost),
			status,
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, r := range reports {
		if r.Message != "" {
			fmt.Fprintf(w, "%s %s: %s\n", r.Venue, r.Symbol, r.Message)
		}
	}

	if depth <= 0 {
		return nil
	}
	for _, r := range reports {
		if r.Book == nil {
			continue
		}
		fmt.Fprintf(w, "\n%s %s (top %d)\n", r.Venue, r.Symbol, depth)
		if err := WriteDepth(w, *r.Book, depth); err != nil {
			return err
		}
	}
	return nil
}

// WriteDepth 并排输出前 n 档买卖盘。
func WriteDepth(w io.Writer, book orderbook.OrderBook, n int) error {
	top := book.Top(n)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)

	fmt.Fprintln(tw, "Bid Qty\tBid\tAsk\tAsk Qty\t")
	rows := len(top.Bids)
	if len(top.Asks) > rows {
		rows = len(top.Asks)
	}
	for i := 0; i < rows; i++ {
		var bidQty, bid, ask, askQty string
		if i < len(top.Bids) {
			bid, bidQty = Price(top.Bids[i].Price), Quantity(top.Bids[i].Quantity)
		}
		if i < len(top.Asks) {
			ask, askQty = Price(top.Asks[i].Price), Quantity(top.Asks[i].Quantity)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t\n", bidQty, bid, ask, askQty)
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
