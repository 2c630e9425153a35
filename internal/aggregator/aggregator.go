package aggregator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"buycost/internal/config"
	"buycost/internal/exchange"
	"buycost/internal/log"
	"buycost/internal/metrics"
	"buycost/internal/monitor"
	"buycost/internal/simulation"
)

type venueState struct {
	source     exchange.Source
	defaultFee decimal.Decimal
	// 推送源同一时刻只持有一个订阅，同一交易所的请求需串行。
	serial sync.Mutex
}

// stateReporter 由推送源实现，用于记录订阅状态。
type stateReporter interface {
	State() (exchange.StreamState, string)
}

// Aggregator 并发地向各交易所获取订单簿并模拟成本，单个交易所失败不影响其他交易所。
type Aggregator struct {
	venues      map[string]*venueState
	runTimeout  time.Duration
	concurrency int
	logger      *zap.Logger
	metrics     *metrics.Collector
	monitor     *monitor.Service
}

// New 创建聚合器。metrics 与 monitor 可以为 nil。
func New(cfg config.AggregatorConfig, venues []Venue, logger *zap.Logger, m *metrics.Collector, mon *monitor.Service) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Aggregator{
		venues:      make(map[string]*venueState, len(venues)),
		runTimeout:  cfg.RunTimeout,
		concurrency: cfg.Concurrency,
		logger:      logger,
		metrics:     m,
		monitor:     mon,
	}
	for _, v := range venues {
		a.venues[strings.ToLower(v.Source.Venue())] = &venueState{source: v.Source, defaultFee: v.DefaultFee}
	}
	return a
}

// Run 为每个请求生成一份报告，顺序与输入一致。
// 非法请求在调用任何交易所之前被拒绝；整轮超时后未完成的请求报告为 canceled。
func (a *Aggregator) Run(ctx context.Context, requests []Request) []VenueReport {
	started := time.Now()
	runID := uuid.NewString()

	if a.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.runTimeout)
		defer cancel()
	}

	reports := make([]VenueReport, len(requests))
	var group errgroup.Group
	if a.concurrency > 0 {
		group.SetLimit(a.concurrency)
	}

	for i, req := range requests {
		report := VenueReport{
			RunID:    runID,
			Venue:    req.Venue,
			Symbol:   req.Symbol,
			Notional: req.Notional,
		}

		venue, err := a.validate(req)
		if err != nil {
			report.fail(err)
			reports[i] = report
			continue
		}
		report.FeePercent, report.FeeDefaulted = ParseFee(req.Fee, venue.defaultFee)
		if report.FeeDefaulted && strings.TrimSpace(req.Fee) != "" {
			a.logger.Warn("费率输入无效，使用交易所默认费率",
				zap.String("venue", req.Venue),
				zap.String("fee", req.Fee),
				log.Decimal("default", venue.defaultFee),
			)
		}

		group.Go(func() error {
			reports[i] = a.evaluate(ctx, venue, req, report)
			return nil
		})
	}
	_ = group.Wait()

	elapsed := time.Since(started)
	succeeded := 0
	for i := range reports {
		if reports[i].OK() {
			succeeded++
		}
		a.monitor.RecordVenueReport(context.WithoutCancel(ctx), reportPayload(reports[i]))
	}
	a.metrics.ObserveRun(elapsed)
	a.monitor.RecordRun(context.WithoutCancel(ctx), monitor.RunPayload{
		RunID:      runID,
		Requests:   len(reports),
		Succeeded:  succeeded,
		Failed:     len(reports) - succeeded,
		DurationMS: elapsed.Milliseconds(),
	})

	a.logger.Info("成本模拟完成",
		zap.String("run_id", runID),
		zap.Int("requests", len(reports)),
		zap.Int("succeeded", succeeded),
		zap.Duration("elapsed", elapsed),
	)
	return reports
}

func (a *Aggregator) validate(req Request) (*venueState, error) {
	venue, ok := a.venues[strings.ToLower(req.Venue)]
	if !ok {
		return nil, &exchange.AcquisitionError{
			Kind:  exchange.KindInvalidInput,
			Venue: req.Venue,
			Err:   fmt.Errorf("%w %q", exchange.ErrUnknownVenue, req.Venue),
		}
	}
	if strings.TrimSpace(req.Symbol) == "" {
		return nil, &exchange.AcquisitionError{Kind: exchange.KindInvalidInput, Venue: req.Venue, Err: errors.New("symbol is required")}
	}
	if req.Notional.IsNegative() {
		return nil, &exchange.AcquisitionError{Kind: exchange.KindInvalidInput, Venue: req.Venue, Err: simulation.ErrNegativeNotional}
	}
	return venue, nil
}

func (a *Aggregator) evaluate(ctx context.Context, venue *venueState, req Request, report VenueReport) VenueReport {
	started := time.Now()
	src := venue.source

	if src.Kind() == exchange.KindStreamed {
		venue.serial.Lock()
		defer venue.serial.Unlock()
	}

	book, err := src.Acquire(ctx, req.Symbol)
	report.Latency = time.Since(started)

	if reporter, ok := src.(stateReporter); ok {
		state, symbol := reporter.State()
		a.monitor.RecordStreamState(context.WithoutCancel(ctx), monitor.StreamStatePayload{
			Venue:  src.Venue(),
			Symbol: symbol,
			State:  state.String(),
		})
	}

	if err != nil {
		report.fail(err)
		a.metrics.ObserveAcquisition(src.Venue(), string(report.ErrorKind), report.Latency)
		a.logger.Warn("获取订单簿失败",
			zap.String("venue", src.Venue()),
			zap.String("symbol", req.Symbol),
			zap.String("kind", string(report.ErrorKind)),
			zap.Error(err),
		)
		return report
	}
	a.metrics.ObserveAcquisition(src.Venue(), "ok", report.Latency)

	fill, err := simulation.Simulate(book, req.Notional)
	if err != nil {
		report.fail(&exchange.AcquisitionError{Kind: exchange.KindInvalidInput, Venue: req.Venue, Err: err})
		return report
	}
	cost := simulation.Evaluate(book, fill, report.FeePercent)

	report.Book = &book
	report.Fill = &fill
	report.Cost = &cost
	report.EmptyBook = book.IsEmpty()
	report.InsufficientDepth = !report.EmptyBook && fill.InsufficientDepth()
	switch {
	case report.EmptyBook:
		report.Message = "no ask liquidity"
	case report.InsufficientDepth:
		report.Message = fmt.Sprintf("insufficient depth: spent %s of %s", fill.TotalSpent.String(), fill.Notional.String())
	}

	a.logger.Debug("成本模拟结果",
		zap.String("venue", src.Venue()),
		zap.String("symbol", req.Symbol),
		log.Decimal("filled", fill.FilledQuantity),
		log.Decimal("avg_price", fill.AveragePrice),
		log.Decimal("total_cost", cost.TotalCost),
	)
	a.metrics.ObserveSimulation(src.Venue(), req.Symbol, cost.TotalCost.InexactFloat64(), fill.FilledQuantity.InexactFloat64())
	return report
}

func (r *VenueReport) fail(err error) {
	r.ErrorKind = exchange.KindOf(err)
	r.StatusCode = exchange.StatusCodeOf(err)
	r.Message = err.Error()
	r.Book = nil
	r.Fill = nil
	r.Cost = nil
}

func reportPayload(r VenueReport) monitor.VenueReportPayload {
	p := monitor.VenueReportPayload{
		RunID:             r.RunID,
		Venue:             r.Venue,
		Symbol:            r.Symbol,
		Notional:          r.Notional.String(),
		FeePercent:        r.FeePercent.String(),
		EmptyBook:         r.EmptyBook,
		InsufficientDepth: r.InsufficientDepth,
		ErrorKind:         string(r.ErrorKind),
		StatusCode:        r.StatusCode,
		Message:           r.Message,
		LatencyMS:         r.Latency.Milliseconds(),
	}
	if r.Fill != nil {
		p.FilledQuantity = r.Fill.FilledQuantity.String()
		p.AveragePrice = r.Fill.AveragePrice.String()
		p.TotalSpent = r.Fill.TotalSpent.String()
	}
	if r.Cost != nil {
		p.TotalCost = r.Cost.TotalCost.String()
	}
	return p
}
