package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/sony/gobreaker"
)

// ErrorKind 为行情获取失败的分类标签，供报告层展示。
type ErrorKind string

const (
	KindRateLimitTimeout  ErrorKind = "rate_limit_timeout"
	KindNetwork           ErrorKind = "network_error"
	KindStreamUnavailable ErrorKind = "stream_unavailable"
	// KindEmptyBook 仅用于外部适配器报告无法给出任何档位；
	// 内置数据源把卖盘为空视为正常结果，由报告的 EmptyBook 标记表示。
	KindEmptyBook         ErrorKind = "empty_book"
	KindInvalidInput      ErrorKind = "invalid_input"
	KindCanceled          ErrorKind = "canceled"
)

var (
	// ErrMaintenance 表示交易所处于维护状态。
	ErrMaintenance = errors.New("exchange on maintenance")
	// ErrRateLimitTimeout 表示在允许的等待时间内未拿到限流配额。
	ErrRateLimitTimeout = errors.New("rate limit wait exceeded")
	// ErrStreamUnavailable 表示推送源没有可用数据或连接已断开。
	ErrStreamUnavailable = errors.New("stream unavailable")
	// ErrEmptyBook 供外部适配器表示订单簿没有可用档位，内置数据源不会返回。
	ErrEmptyBook = errors.New("order book is empty")
	// ErrSourceClosed 表示数据源已关闭。
	ErrSourceClosed = errors.New("source closed")
)

// AcquisitionError 为单个交易所获取订单簿失败的结构化错误。
type AcquisitionError struct {
	Kind       ErrorKind
	Venue      string
	StatusCode int
	Err        error
}

func (e *AcquisitionError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Venue != "" {
		b.WriteString(" [")
		b.WriteString(e.Venue)
		b.WriteString("]")
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " status=%d", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *AcquisitionError) Unwrap() error {
	return e.Err
}

func newAcquisitionError(kind ErrorKind, venue string, err error) *AcquisitionError {
	return &AcquisitionError{Kind: kind, Venue: venue, Err: err}
}

// KindOf 提取错误分类，无法识别的错误按网络错误处理。
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var acqErr *AcquisitionError
	if errors.As(err, &acqErr) {
		return acqErr.Kind
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, ErrRateLimitTimeout):
		return KindRateLimitTimeout
	case errors.Is(err, ErrStreamUnavailable), errors.Is(err, ErrSourceClosed):
		return KindStreamUnavailable
	case errors.Is(err, ErrEmptyBook):
		return KindEmptyBook
	default:
		return KindNetwork
	}
}

// StatusCodeOf 返回错误携带的 HTTP 状态码，没有则为 0。
func StatusCodeOf(err error) int {
	var acqErr *AcquisitionError
	if errors.As(err, &acqErr) {
		return acqErr.StatusCode
	}
	return 0
}

// classifyError 将底层错误归一为 AcquisitionError。核心层不做自动重试。
func classifyError(venue string, err error) error {
	if err == nil {
		return nil
	}

	var acqErr *AcquisitionError
	if errors.As(err, &acqErr) {
		if acqErr.Venue == "" {
			acqErr.Venue = venue
		}
		return acqErr
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newAcquisitionError(KindCanceled, venue, err)
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &AcquisitionError{Kind: KindNetwork, Venue: venue, StatusCode: http.StatusServiceUnavailable, Err: err}
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		out := &AcquisitionError{Kind: KindNetwork, Venue: venue, Err: err}
		switch ccxtErr.Type {
		case ccxt.RateLimitExceededErrType, ccxt.DDoSProtectionErrType:
			out.StatusCode = http.StatusTooManyRequests
		case ccxt.RequestTimeoutErrType:
			out.StatusCode = http.StatusRequestTimeout
		case ccxt.ExchangeNotAvailableErrType:
			out.StatusCode = http.StatusServiceUnavailable
		case ccxt.OnMaintenanceErrType:
			message := strings.TrimSpace(ccxtErr.Message)
			if message == "" {
				message = "exchange under maintenance"
			}
			out.StatusCode = http.StatusServiceUnavailable
			out.Err = fmt.Errorf("%w: %s", ErrMaintenance, message)
		}
		return out
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &AcquisitionError{Kind: KindNetwork, Venue: venue, StatusCode: http.StatusGatewayTimeout, Err: err}
	}

	return newAcquisitionError(KindNetwork, venue, err)
}
