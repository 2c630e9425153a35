package exchange

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"buycost/internal/config"
	"buycost/internal/metrics"
	"buycost/internal/ratelimit"
)

// ErrUnknownVenue 表示请求的交易所未配置。
var ErrUnknownVenue = errors.New("unknown venue")

// NewSource 按配置构造数据源：polled 使用 ccxt 或 REST 驱动，streamed 使用 websocket 推送。
func NewSource(cfg config.VenueConfig, logger *zap.Logger, m *metrics.Collector) (Source, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Kind {
	case config.SourcePolled:
		fetcher, err := newFetcher(cfg, logger)
		if err != nil {
			return nil, err
		}
		limiter, err := ratelimit.New(ratelimit.Config{
			MaxRequests: cfg.RateLimit.MaxRequests,
			Window:      cfg.RateLimit.Window,
		})
		if err != nil {
			return nil, fmt.Errorf("交易所 %s 限流配置无效: %w", cfg.Name, err)
		}
		return NewPolledSource(cfg, fetcher, limiter, logger, m), nil
	case config.SourceStreamed:
		codec, err := newCodec(cfg)
		if err != nil {
			return nil, err
		}
		return NewStreamedSource(cfg, NewWSFeed(cfg, codec, logger), logger, m), nil
	default:
		return nil, fmt.Errorf("交易所 %s 的数据源类型 %q 不受支持", cfg.Name, cfg.Kind)
	}
}

func newFetcher(cfg config.VenueConfig, logger *zap.Logger) (Fetcher, error) {
	switch strings.ToLower(cfg.Driver) {
	case DriverWooREST:
		return NewRESTFetcher(cfg, nil, logger), nil
	default:
		return NewCCXTFetcher(cfg, logger)
	}
}

func newCodec(cfg config.VenueConfig) (Codec, error) {
	switch strings.ToLower(cfg.Driver) {
	case DriverBybit:
		return NewBybitCodec(cfg.Depth), nil
	default:
		return nil, fmt.Errorf("交易所 %s 的推送驱动 %q 不受支持", cfg.Name, cfg.Driver)
	}
}

// Registry 按名称持有所有交易所数据源。
type Registry struct {
	sources map[string]Source
}

// NewRegistry 为每个交易所配置构造数据源，任一失败时关闭已创建的数据源。
func NewRegistry(venues []config.VenueConfig, logger *zap.Logger, m *metrics.Collector) (*Registry, error) {
	r := &Registry{sources: make(map[string]Source, len(venues))}
	for _, cfg := range venues {
		src, err := NewSource(cfg, logger, m)
		if err != nil {
			return nil, multierr.Append(err, r.Close())
		}
		r.Add(src)
	}
	return r, nil
}

// NewRegistryFromSources 直接使用已构造的数据源。
func NewRegistryFromSources(sources ...Source) *Registry {
	r := &Registry{sources: make(map[string]Source, len(sources))}
	for _, src := range sources {
		r.Add(src)
	}
	return r
}

// Add 注册数据源，同名覆盖。
func (r *Registry) Add(src Source) {
	r.sources[strings.ToLower(src.Venue())] = src
}

// Get 按名称（不区分大小写）查找数据源。
func (r *Registry) Get(venue string) (Source, error) {
	src, ok := r.sources[strings.ToLower(venue)]
	if !ok {
		return nil, newAcquisitionError(KindInvalidInput, venue, fmt.Errorf("%w %q", ErrUnknownVenue, venue))
	}
	return src, nil
}

// Venues 返回已注册的交易所名称，按字母序。
func (r *Registry) Venues() []string {
	out := make([]string, 0, len(r.sources))
	for _, src := range r.sources {
		out = append(out, src.Venue())
	}
	sort.Strings(out)
	return out
}

// VenueStatus 为监控接口展示的数据源状态。
type VenueStatus struct {
	Venue       string           `json:"venue"`
	Kind        SourceKind       `json:"kind"`
	StreamState string           `json:"stream_state,omitempty"`
	Symbol      string           `json:"symbol,omitempty"`
	RateLimit   *ratelimit.Stats `json:"rate_limit,omitempty"`
}

// Status 返回各数据源的订阅状态与限流计数，按交易所名称排序。
func (r *Registry) Status() []VenueStatus {
	out := make([]VenueStatus, 0, len(r.sources))
	for _, name := range r.Venues() {
		src := r.sources[strings.ToLower(name)]
		st := VenueStatus{Venue: src.Venue(), Kind: src.Kind()}
		switch s := src.(type) {
		case *StreamedSource:
			state, symbol := s.State()
			st.StreamState, st.Symbol = state.String(), symbol
		case *PolledSource:
			if l := s.Limiter(); l != nil {
				stats := l.Stats()
				st.RateLimit = &stats
			}
		}
		out = append(out, st)
	}
	return out
}

// Close 关闭全部数据源并合并错误。
func (r *Registry) Close() error {
	var err error
	for _, src := range r.sources {
		err = multierr.Append(err, src.Close())
	}
	return err
}
