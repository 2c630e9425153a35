package exchange

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buycost/internal/config"
	"buycost/internal/orderbook"
)

// newBybitServer 模拟 Bybit 公共推送：校验订阅报文后按顺序发送 messages，然后保持连接。
func newBybitServer(t *testing.T, messages []string, closeAfter bool) string {
	t.Helper()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, sub, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if !strings.Contains(string(sub), `"orderbook.50.BTCUSDT"`) {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"success":false,"ret_msg":"bad topic","op":"subscribe"}`))
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"success":true,"ret_msg":"","op":"subscribe"}`))

		for _, msg := range messages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
		if closeAfter {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func wsVenueConfig(url string) config.VenueConfig {
	cfg := config.VenueConfig{Name: "bybit-ws", Kind: config.SourceStreamed, Driver: DriverBybit, Depth: 50}
	cfg.Stream.URL = url
	cfg.Stream.WaitTimeout = 2 * time.Second
	cfg.Stream.PingInterval = 50 * time.Millisecond
	cfg.Stream.ReadTimeout = 5 * time.Second
	return cfg
}

func TestWSFeed_DeliversDecodedBooks(t *testing.T) {
	url := newBybitServer(t, []string{bybitSnapshot, bybitDelta}, false)
	feed := NewWSFeed(wsVenueConfig(url), NewBybitCodec(50), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	books := make(chan orderbook.OrderBook, 4)
	done := make(chan error, 1)
	go func() {
		done <- feed.Run(ctx, "BTC/USDT:USDT", func(book orderbook.OrderBook) { books <- book })
	}()

	first := <-books
	require.Len(t, first.Asks, 2)
	assert.Equal(t, "101", first.Asks[0].Price.String())
	assert.Equal(t, "BTC/USDT:USDT", first.Symbol)

	second := <-books
	assert.Equal(t, "102", second.Asks[0].Price.String())

	cancel()
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWSFeed_PeerCloseIsStreamUnavailable(t *testing.T) {
	url := newBybitServer(t, []string{bybitSnapshot}, true)
	feed := NewWSFeed(wsVenueConfig(url), NewBybitCodec(50), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := feed.Run(ctx, "BTCUSDT", func(orderbook.OrderBook) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStreamUnavailable)
}

func TestWSFeed_RejectedSubscription(t *testing.T) {
	url := newBybitServer(t, nil, false)
	feed := NewWSFeed(wsVenueConfig(url), NewBybitCodec(200), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := feed.Run(ctx, "BTCUSDT", func(orderbook.OrderBook) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStreamUnavailable)
	assert.Contains(t, err.Error(), "bad topic")
}

func TestWSFeed_DialFailure(t *testing.T) {
	feed := NewWSFeed(wsVenueConfig("ws://127.0.0.1:1/none"), NewBybitCodec(50), nil)

	err := feed.Run(context.Background(), "BTCUSDT", func(orderbook.OrderBook) {})
	require.Error(t, err)
	assert.Equal(t, KindStreamUnavailable, KindOf(err))

	var acqErr *AcquisitionError
	assert.True(t, errors.As(err, &acqErr))
}

func TestStreamedSource_OverWebsocket(t *testing.T) {
	url := newBybitServer(t, []string{bybitSnapshot}, false)
	cfg := wsVenueConfig(url)

	src, err := NewSource(cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })
	assert.Equal(t, KindStreamed, src.Kind())

	book, err := src.Acquire(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	best, ok := book.BestAsk()
	require.True(t, ok)
	assert.Equal(t, "101", best.Price.String())
	bid, ok := book.BestBid()
	require.True(t, ok)
	assert.Equal(t, "100", bid.Price.String())
}
