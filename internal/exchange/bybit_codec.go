package exchange

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"buycost/internal/orderbook"
)

var bybitDepths = []int{1, 50, 200, 500}

// BybitCodec 实现 Bybit v5 orderbook.{depth}.{symbol} 主题。
type BybitCodec struct {
	depth int
}

// NewBybitCodec 将 depth 向上取到 Bybit 支持的档位。
func NewBybitCodec(depth int) *BybitCodec {
	chosen := bybitDepths[len(bybitDepths)-1]
	for _, d := range bybitDepths {
		if depth <= d {
			chosen = d
			break
		}
	}
	return &BybitCodec{depth: chosen}
}

// Topic 返回订阅主题。
func (c *BybitCodec) Topic(symbol string) string {
	return fmt.Sprintf("orderbook.%d.%s", c.depth, BybitMarketID(symbol))
}

func (c *BybitCodec) SubscribeMessage(symbol string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"op":   "subscribe",
		"args": []string{c.Topic(symbol)},
	})
}

func (c *BybitCodec) PingMessage() []byte {
	return []byte(`{"op":"ping"}`)
}

func (c *BybitCodec) NewDecoder(symbol string) Decoder {
	return &bybitDecoder{
		symbol: symbol,
		topic:  c.Topic(symbol),
		bids:   make(map[string]orderbook.PriceLevel),
		asks:   make(map[string]orderbook.PriceLevel),
	}
}

// BybitMarketID 将 ccxt 风格的 BTC/USDT:USDT 转成 BTCUSDT。
func BybitMarketID(symbol string) string {
	if i := strings.Index(symbol, ":"); i >= 0 {
		symbol = symbol[:i]
	}
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
}

type bybitMessage struct {
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	TS      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
}

type bybitBookData struct {
	Symbol   string      `json:"s"`
	Bids     [][2]string `json:"b"`
	Asks     [][2]string `json:"a"`
	UpdateID int64       `json:"u"`
	Seq      int64       `json:"seq"`
}

type bybitDecoder struct {
	symbol string
	topic  string
	synced bool
	bids   map[string]orderbook.PriceLevel
	asks   map[string]orderbook.PriceLevel
}

// Decode 处理 snapshot 与 delta；delta 中数量为 0 表示删除该价位。
// 收到 snapshot 之前的 delta 会被忽略。
func (d *bybitDecoder) Decode(raw []byte) (orderbook.OrderBook, bool, error) {
	var msg bybitMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return orderbook.OrderBook{}, false, fmt.Errorf("decode bybit message: %w", err)
	}

	if msg.Op != "" {
		if msg.Success != nil && !*msg.Success {
			return orderbook.OrderBook{}, false, &protocolError{msg: fmt.Sprintf("bybit %s failed: %s", msg.Op, msg.RetMsg)}
		}
		return orderbook.OrderBook{}, false, nil
	}
	if msg.Topic != d.topic || len(msg.Data) == 0 {
		return orderbook.OrderBook{}, false, nil
	}

	var data bybitBookData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		return orderbook.OrderBook{}, false, fmt.Errorf("decode bybit book: %w", err)
	}

	snapshot := msg.Type == "snapshot" || data.UpdateID == 1
	if !snapshot && (msg.Type != "delta" || !d.synced) {
		return orderbook.OrderBook{}, false, nil
	}

	// 先解析整条消息，任一档位非法时缓存保持不变。
	bids, err := parseLevels(data.Bids)
	if err != nil {
		return orderbook.OrderBook{}, false, err
	}
	asks, err := parseLevels(data.Asks)
	if err != nil {
		return orderbook.OrderBook{}, false, err
	}

	if snapshot {
		clear(d.bids)
		clear(d.asks)
		d.synced = true
	}
	applyLevels(d.bids, bids)
	applyLevels(d.asks, asks)

	ts := time.Now().UTC()
	if msg.TS > 0 {
		ts = time.UnixMilli(msg.TS).UTC()
	}
	return orderbook.New(d.symbol, levelsOf(d.bids), levelsOf(d.asks), ts), true, nil
}

func parseLevels(updates [][2]string) ([]orderbook.PriceLevel, error) {
	out := make([]orderbook.PriceLevel, 0, len(updates))
	for _, u := range updates {
		price, err := decimal.NewFromString(u[0])
		if err != nil {
			return nil, fmt.Errorf("invalid price %q: %w", u[0], err)
		}
		qty, err := decimal.NewFromString(u[1])
		if err != nil {
			return nil, fmt.Errorf("invalid size %q: %w", u[1], err)
		}
		out = append(out, orderbook.PriceLevel{Price: price, Quantity: qty})
	}
	return out, nil
}

// applyLevels 合并增量档位，数量不大于 0 表示删除该价位。
func applyLevels(book map[string]orderbook.PriceLevel, updates []orderbook.PriceLevel) {
	for _, lvl := range updates {
		key := lvl.Price.String()
		if lvl.Quantity.Sign() <= 0 {
			delete(book, key)
			continue
		}
		book[key] = lvl
	}
}

func levelsOf(book map[string]orderbook.PriceLevel) []orderbook.PriceLevel {
	out := make([]orderbook.PriceLevel, 0, len(book))
	for _, lvl := range book {
		out = append(out, lvl)
	}
	return out
}
