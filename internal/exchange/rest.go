package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"buycost/internal/config"
	"buycost/internal/log"
	"buycost/internal/orderbook"
)

// DriverWooREST 直接请求 WOO 公共订单簿接口，不经过 ccxt。
const DriverWooREST = "woo_rest"

const defaultWooBaseURL = "https://api.woo.network"

// RESTFetcher 请求 WOO v1 公共订单簿接口 /v1/public/orderbook/{symbol}。
type RESTFetcher struct {
	venue   string
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewRESTFetcher 创建 REST 拉取驱动。
func NewRESTFetcher(cfg config.VenueConfig, client *http.Client, logger *zap.Logger) *RESTFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultWooBaseURL
	}
	return &RESTFetcher{
		venue:   cfg.Name,
		baseURL: base,
		client:  client,
		logger:  log.ForVenue(logger, cfg.Name, DriverWooREST),
	}
}

type wooLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

type wooOrderBookResponse struct {
	Success   bool       `json:"success"`
	Message   string     `json:"message"`
	Asks      []wooLevel `json:"asks"`
	Bids      []wooLevel `json:"bids"`
	Timestamp int64      `json:"timestamp"`
}

// FetchOrderBook 拉取一次订单簿，非 200 状态码返回带状态码的网络错误。
func (f *RESTFetcher) FetchOrderBook(ctx context.Context, symbol string, depth int) (RawBook, error) {
	endpoint := fmt.Sprintf("%s/v1/public/orderbook/%s", f.baseURL, url.PathEscape(symbol))
	if depth > 0 {
		endpoint += "?max_level=" + strconv.Itoa(depth)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return RawBook{}, newAcquisitionError(KindNetwork, f.venue, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return RawBook{}, classifyError(f.venue, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		f.logger.Warn("订单簿接口返回异常状态码",
			zap.String("symbol", symbol),
			zap.Int("status", resp.StatusCode),
		)
		return RawBook{}, &AcquisitionError{
			Kind:       KindNetwork,
			Venue:      f.venue,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("received status code %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	var payload wooOrderBookResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return RawBook{}, classifyError(f.venue, fmt.Errorf("解析订单簿响应失败: %w", err))
	}
	if !payload.Success {
		msg := payload.Message
		if msg == "" {
			msg = "success=false"
		}
		return RawBook{}, &AcquisitionError{
			Kind:       KindNetwork,
			Venue:      f.venue,
			StatusCode: resp.StatusCode,
			Err:        errors.New(msg),
		}
	}

	ts := time.Now().UTC()
	if payload.Timestamp > 0 {
		ts = time.UnixMilli(payload.Timestamp).UTC()
	}

	return RawBook{
		Bids:      convertWooLevels(payload.Bids),
		Asks:      convertWooLevels(payload.Asks),
		Timestamp: ts,
	}, nil
}

func convertWooLevels(levels []wooLevel) []orderbook.PriceLevel {
	out := make([]orderbook.PriceLevel, 0, len(levels))
	for _, lvl := range levels {
		out = append(out, orderbook.PriceLevel{Price: lvl.Price, Quantity: lvl.Quantity})
	}
	return out
}
