package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"buycost/internal/config"
	"buycost/internal/log"
	"buycost/internal/orderbook"
)

const (
	writeWait               = 10 * time.Second
	defaultPingInterval     = 20 * time.Second
	defaultReadTimeout      = 60 * time.Second
	defaultHandshakeTimeout = 15 * time.Second
)

// Codec 负责某个交易所推送协议的订阅报文与消息解码。
type Codec interface {
	SubscribeMessage(symbol string) ([]byte, error)
	// PingMessage 返回应用层心跳报文，nil 表示使用 websocket ping 帧。
	PingMessage() []byte
	NewDecoder(symbol string) Decoder
}

// Decoder 为单条连接维护增量盘口状态。
// 消息产生新的完整盘口时返回 (book, true, nil)。
type Decoder interface {
	Decode(raw []byte) (orderbook.OrderBook, bool, error)
}

// WSFeed 基于 gorilla/websocket 的推送驱动，连接断开即返回错误，不自动重连。
type WSFeed struct {
	url              string
	codec            Codec
	pingInterval     time.Duration
	readTimeout      time.Duration
	handshakeTimeout time.Duration
	logger           *zap.Logger
}

// NewWSFeed 创建推送驱动。
func NewWSFeed(cfg config.VenueConfig, codec Codec, logger *zap.Logger) *WSFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &WSFeed{
		url:              cfg.Stream.URL,
		codec:            codec,
		pingInterval:     cfg.Stream.PingInterval,
		readTimeout:      cfg.Stream.ReadTimeout,
		handshakeTimeout: cfg.Stream.HandshakeTimeout,
		logger:           log.ForVenue(logger, cfg.Name, "websocket"),
	}
	if f.pingInterval <= 0 {
		f.pingInterval = defaultPingInterval
	}
	if f.readTimeout <= 0 {
		f.readTimeout = defaultReadTimeout
	}
	if f.handshakeTimeout <= 0 {
		f.handshakeTimeout = defaultHandshakeTimeout
	}
	return f
}

// Run 建立连接、订阅 symbol 并持续解码，直到 ctx 结束或连接出错。
func (f *WSFeed) Run(ctx context.Context, symbol string, emit func(orderbook.OrderBook)) error {
	dialer := websocket.Dialer{HandshakeTimeout: f.handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		acqErr := &AcquisitionError{Kind: KindStreamUnavailable, Err: fmt.Errorf("%w: dial: %v", ErrStreamUnavailable, err)}
		if resp != nil {
			acqErr.StatusCode = resp.StatusCode
		}
		return acqErr
	}
	defer conn.Close()

	var writeMu sync.Mutex
	write := func(messageType int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(messageType, data)
	}

	sub, err := f.codec.SubscribeMessage(symbol)
	if err != nil {
		return err
	}
	if err := write(websocket.TextMessage, sub); err != nil {
		return fmt.Errorf("%w: subscribe: %v", ErrStreamUnavailable, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(f.readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(f.readTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		case <-done:
		}
	}()
	go f.pingLoop(done, write)

	f.logger.Info("推送订阅已发送", zap.String("symbol", symbol))

	decoder := f.codec.NewDecoder(symbol)
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return fmt.Errorf("%w: closed by peer", ErrStreamUnavailable)
			}
			return fmt.Errorf("%w: read: %v", ErrStreamUnavailable, err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(f.readTimeout))

		book, ok, err := decoder.Decode(message)
		if err != nil {
			var protoErr *protocolError
			if errors.As(err, &protoErr) {
				return fmt.Errorf("%w: %v", ErrStreamUnavailable, err)
			}
			f.logger.Debug("忽略无法解析的推送消息", zap.Error(err))
			continue
		}
		if ok {
			emit(book)
		}
	}
}

func (f *WSFeed) pingLoop(done <-chan struct{}, write func(int, []byte) error) {
	ticker := time.NewTicker(f.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			var err error
			if msg := f.codec.PingMessage(); msg != nil {
				err = write(websocket.TextMessage, msg)
			} else {
				err = write(websocket.PingMessage, nil)
			}
			if err != nil {
				f.logger.Debug("发送心跳失败", zap.Error(err))
				return
			}
		}
	}
}

// protocolError 表示对端明确拒绝（例如订阅失败），连接不可继续使用。
type protocolError struct {
	msg string
}

func (e *protocolError) Error() string {
	return e.msg
}
