package aggregator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buycost/internal/config"
	"buycost/internal/exchange"
	"buycost/internal/metrics"
	"buycost/internal/monitor"
	"buycost/internal/orderbook"
	"buycost/internal/store"
)

type stubSource struct {
	venue string
	kind  exchange.SourceKind
	book  orderbook.OrderBook
	err   error
	delay time.Duration

	calls     atomic.Int32
	active    atomic.Int32
	maxActive atomic.Int32
}

func (s *stubSource) Venue() string             { return s.venue }
func (s *stubSource) Kind() exchange.SourceKind { return s.kind }
func (s *stubSource) Close() error              { return nil }

func (s *stubSource) Acquire(ctx context.Context, symbol string) (orderbook.OrderBook, error) {
	s.calls.Add(1)
	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		peak := s.maxActive.Load()
		if n <= peak || s.maxActive.CompareAndSwap(peak, n) {
			break
		}
	}

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return orderbook.OrderBook{}, ctx.Err()
		}
	}
	if s.err != nil {
		return orderbook.OrderBook{}, s.err
	}
	book := s.book
	book.Symbol = symbol
	return book, nil
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func referenceBook() orderbook.OrderBook {
	return orderbook.New("",
		[]orderbook.PriceLevel{{Price: d("100"), Quantity: d("5")}},
		[]orderbook.PriceLevel{{Price: d("101"), Quantity: d("2")}, {Price: d("103"), Quantity: d("10")}},
		time.Now(),
	)
}

func newAggregator(t *testing.T, cfg config.AggregatorConfig, sources ...*stubSource) *Aggregator {
	t.Helper()
	venues := make([]Venue, 0, len(sources))
	for _, src := range sources {
		venues = append(venues, Venue{Source: src, DefaultFee: d("0.055")})
	}
	return New(cfg, venues, nil, nil, nil)
}

func TestRun_ReferenceBook(t *testing.T) {
	bybit := &stubSource{venue: "bybit", kind: exchange.KindPolled, book: referenceBook()}
	agg := newAggregator(t, config.AggregatorConfig{}, bybit)

	reports := agg.Run(context.Background(), []Request{
		{Venue: "bybit", Symbol: "BTCUSDT", Notional: d("202"), Fee: "0"},
		{Venue: "BYBIT", Symbol: "BTCUSDT", Notional: d("202"), Fee: "0.055"},
	})
	require.Len(t, reports, 2)

	first := reports[0]
	require.True(t, first.OK(), first.Message)
	assert.True(t, first.Fill.FilledQuantity.Equal(d("2")))
	assert.True(t, first.Fill.TotalSpent.Equal(d("202")))
	assert.True(t, first.Fill.AveragePrice.Equal(d("101")))
	assert.True(t, first.Cost.Spread.Equal(d("1")))
	assert.True(t, first.Cost.SlippageCost.Equal(d("2")))
	assert.True(t, first.Cost.SpreadCost.Equal(d("2")))
	assert.True(t, first.Cost.TotalCost.Equal(d("4")))
	assert.False(t, first.InsufficientDepth)
	assert.False(t, first.FeeDefaulted)
	assert.Equal(t, "BTCUSDT", first.Book.Symbol)

	second := reports[1]
	require.True(t, second.OK())
	assert.True(t, second.Cost.FeeAmount.Equal(d("0.1111")), second.Cost.FeeAmount.String())
	assert.True(t, second.Cost.TotalCost.Equal(d("4.1111")))
	assert.Equal(t, first.RunID, second.RunID)
}

func TestRun_PreservesOrderAndIsolatesFailures(t *testing.T) {
	ok := &stubSource{venue: "bybit", kind: exchange.KindPolled, book: referenceBook(), delay: 40 * time.Millisecond}
	broken := &stubSource{venue: "woo", kind: exchange.KindPolled, err: &exchange.AcquisitionError{
		Kind: exchange.KindNetwork, StatusCode: http.StatusInternalServerError, Err: errors.New("upstream down"),
	}}
	limited := &stubSource{venue: "binanceusdm", kind: exchange.KindPolled, err: &exchange.AcquisitionError{
		Kind: exchange.KindRateLimitTimeout, Err: exchange.ErrRateLimitTimeout,
	}}
	agg := newAggregator(t, config.AggregatorConfig{}, ok, broken, limited)

	reports := agg.Run(context.Background(), []Request{
		{Venue: "woo", Symbol: "SPOT_BTC_USDT", Notional: d("100")},
		{Venue: "bybit", Symbol: "BTCUSDT", Notional: d("100")},
		{Venue: "binanceusdm", Symbol: "BTC/USDT:USDT", Notional: d("100")},
	})
	require.Len(t, reports, 3)

	assert.Equal(t, "woo", reports[0].Venue)
	assert.Equal(t, exchange.KindNetwork, reports[0].ErrorKind)
	assert.Equal(t, http.StatusInternalServerError, reports[0].StatusCode)
	assert.Contains(t, reports[0].Message, "upstream down")
	assert.Nil(t, reports[0].Fill)
	assert.Nil(t, reports[0].Cost)

	assert.Equal(t, "bybit", reports[1].Venue)
	assert.True(t, reports[1].OK())

	assert.Equal(t, "binanceusdm", reports[2].Venue)
	assert.Equal(t, exchange.KindRateLimitTimeout, reports[2].ErrorKind)
}

func TestRun_RejectsInvalidInputBeforeVenueCall(t *testing.T) {
	src := &stubSource{venue: "bybit", kind: exchange.KindPolled, book: referenceBook()}
	agg := newAggregator(t, config.AggregatorConfig{}, src)

	reports := agg.Run(context.Background(), []Request{
		{Venue: "bybit", Symbol: "BTCUSDT", Notional: d("-1")},
		{Venue: "kraken", Symbol: "BTCUSDT", Notional: d("10")},
		{Venue: "bybit", Symbol: " ", Notional: d("10")},
	})
	require.Len(t, reports, 3)
	for _, r := range reports {
		assert.Equal(t, exchange.KindInvalidInput, r.ErrorKind, r.Message)
		assert.False(t, r.OK())
	}
	assert.Contains(t, reports[1].Message, "unknown venue")
	assert.Zero(t, src.calls.Load())
}

func TestRun_MalformedFeeFallsBackToVenueDefault(t *testing.T) {
	src := &stubSource{venue: "bybit", kind: exchange.KindPolled, book: referenceBook()}
	agg := newAggregator(t, config.AggregatorConfig{}, src)

	reports := agg.Run(context.Background(), []Request{
		{Venue: "bybit", Symbol: "BTCUSDT", Notional: d("202"), Fee: "abc"},
	})
	require.True(t, reports[0].OK())
	assert.True(t, reports[0].FeeDefaulted)
	assert.True(t, reports[0].FeePercent.Equal(d("0.055")))
	assert.True(t, reports[0].Cost.FeeAmount.Equal(d("0.1111")))
}

func TestRun_EmptyBookIsFlaggedNotFailed(t *testing.T) {
	src := &stubSource{venue: "woo", kind: exchange.KindPolled, book: orderbook.New("", nil, nil, time.Now())}
	agg := newAggregator(t, config.AggregatorConfig{}, src)

	reports := agg.Run(context.Background(), []Request{{Venue: "woo", Symbol: "SPOT_BTC_USDT", Notional: d("100")}})

	r := reports[0]
	assert.True(t, r.OK())
	assert.True(t, r.EmptyBook)
	assert.False(t, r.InsufficientDepth)
	assert.Empty(t, r.ErrorKind)
	assert.True(t, r.Fill.FilledQuantity.IsZero())
	assert.True(t, r.Cost.TotalCost.IsZero())
	assert.Equal(t, "no ask liquidity", r.Message)
}

func TestRun_AdapterEmptyBookErrorKeepsItsKind(t *testing.T) {
	src := &stubSource{venue: "woo", kind: exchange.KindPolled, err: fmt.Errorf("woo adapter: %w", exchange.ErrEmptyBook)}
	agg := newAggregator(t, config.AggregatorConfig{}, src)

	reports := agg.Run(context.Background(), []Request{{Venue: "woo", Symbol: "SPOT_BTC_USDT", Notional: d("100")}})

	r := reports[0]
	assert.False(t, r.OK())
	assert.False(t, r.EmptyBook)
	assert.Equal(t, exchange.KindEmptyBook, r.ErrorKind)
}

func TestRun_InsufficientDepth(t *testing.T) {
	src := &stubSource{venue: "bybit", kind: exchange.KindPolled, book: referenceBook()}
	agg := newAggregator(t, config.AggregatorConfig{}, src)

	reports := agg.Run(context.Background(), []Request{{Venue: "bybit", Symbol: "BTCUSDT", Notional: d("5000")}})

	r := reports[0]
	require.True(t, r.OK())
	assert.True(t, r.InsufficientDepth)
	assert.True(t, r.Fill.TotalSpent.Equal(d("1232")))
	assert.True(t, r.Fill.FilledQuantity.Equal(d("12")))
}

func TestRun_TimeoutAbandonsSlowVenues(t *testing.T) {
	fast := &stubSource{venue: "bybit", kind: exchange.KindPolled, book: referenceBook()}
	slow := &stubSource{venue: "woo", kind: exchange.KindPolled, book: referenceBook(), delay: 10 * time.Second}
	agg := newAggregator(t, config.AggregatorConfig{RunTimeout: 50 * time.Millisecond}, fast, slow)

	started := time.Now()
	reports := agg.Run(context.Background(), []Request{
		{Venue: "woo", Symbol: "SPOT_BTC_USDT", Notional: d("100")},
		{Venue: "bybit", Symbol: "BTCUSDT", Notional: d("100")},
	})

	assert.Less(t, time.Since(started), 2*time.Second)
	assert.Equal(t, exchange.KindCanceled, reports[0].ErrorKind)
	assert.True(t, reports[1].OK())
}

func TestRun_SerializesRequestsPerStreamedVenue(t *testing.T) {
	streamed := &stubSource{venue: "bybit-ws", kind: exchange.KindStreamed, book: referenceBook(), delay: 20 * time.Millisecond}
	polled := &stubSource{venue: "woo", kind: exchange.KindPolled, book: referenceBook(), delay: 20 * time.Millisecond}
	agg := newAggregator(t, config.AggregatorConfig{}, streamed, polled)

	requests := make([]Request, 0, 8)
	for i := 0; i < 4; i++ {
		requests = append(requests,
			Request{Venue: "bybit-ws", Symbol: "BTCUSDT", Notional: d("100")},
			Request{Venue: "woo", Symbol: "SPOT_BTC_USDT", Notional: d("100")},
		)
	}
	reports := agg.Run(context.Background(), requests)

	for _, r := range reports {
		assert.True(t, r.OK())
	}
	assert.Equal(t, int32(1), streamed.maxActive.Load())
	assert.Equal(t, int32(4), streamed.calls.Load())
	assert.Greater(t, polled.maxActive.Load(), int32(1))
}

func TestRun_ConcurrencyLimit(t *testing.T) {
	src := &stubSource{venue: "woo", kind: exchange.KindPolled, book: referenceBook(), delay: 10 * time.Millisecond}
	agg := newAggregator(t, config.AggregatorConfig{Concurrency: 2}, src)

	requests := make([]Request, 6)
	for i := range requests {
		requests[i] = Request{Venue: "woo", Symbol: "SPOT_BTC_USDT", Notional: d("100")}
	}
	agg.Run(context.Background(), requests)

	assert.LessOrEqual(t, src.maxActive.Load(), int32(2))
}

func TestRun_RecordsMonitorEventsAndMetrics(t *testing.T) {
	st, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	mon, err := monitor.NewService(st, 100, nil)
	require.NoError(t, err)
	m := metrics.New("")

	ok := &stubSource{venue: "bybit", kind: exchange.KindPolled, book: referenceBook()}
	broken := &stubSource{venue: "woo", kind: exchange.KindPolled, err: errors.New("dial tcp: refused")}
	agg := New(config.AggregatorConfig{}, []Venue{{Source: ok}, {Source: broken}}, nil, m, mon)

	agg.Run(context.Background(), []Request{
		{Venue: "bybit", Symbol: "BTCUSDT", Notional: d("202")},
		{Venue: "woo", Symbol: "SPOT_BTC_USDT", Notional: d("202")},
	})

	ctx := context.Background()
	runs, err := mon.ListEvents(ctx, monitor.EventRun, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	reports, err := mon.ListEvents(ctx, monitor.EventVenueReport, 10)
	require.NoError(t, err)
	assert.Len(t, reports, 2)
}

func TestParseFee(t *testing.T) {
	fallback := d("0.03")
	cases := []struct {
		in        string
		want      string
		defaulted bool
	}{
		{"0.055", "0.055", false},
		{" 0.1% ", "0.1", false},
		{"0", "0", false},
		{"", "0.03", true},
		{"abc", "0.03", true},
		{"-0.1", "0.03", true},
	}
	for _, tc := range cases {
		got, defaulted := ParseFee(tc.in, fallback)
		assert.True(t, got.Equal(d(tc.want)), "ParseFee(%q) = %s", tc.in, got)
		assert.Equal(t, tc.defaulted, defaulted, "ParseFee(%q)", tc.in)
	}
}

func TestRequestsFromConfig(t *testing.T) {
	reqs, err := RequestsFromConfig([]config.RequestConfig{
		{Venue: " bybit ", Symbol: "BTCUSDT", Notional: "1000", Fee: "0.055"},
		{Venue: "woo", Symbol: "SPOT_BTC_USDT", Notional: "-5"},
	})
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, "bybit", reqs[0].Venue)
	assert.True(t, reqs[0].Notional.Equal(d("1000")))
	assert.True(t, reqs[1].Notional.IsNegative())

	_, err = RequestsFromConfig([]config.RequestConfig{
		{Venue: "bybit", Symbol: "BTCUSDT", Notional: "lots"},
		{Venue: "bybit", Symbol: "BTCUSDT"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requests[0].notional")
	assert.Contains(t, err.Error(), "requests[1].notional")
}
