package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector 汇总行情获取、限流、推送缓存与模拟结果相关指标。
// 所有方法对 nil 接收者安全，未启用监控时可直接传 nil。
type Collector struct {
	registry *prometheus.Registry

	acquisitions   *prometheus.CounterVec
	acquireLatency *prometheus.HistogramVec
	rateLimitWait  *prometheus.HistogramVec
	breakerState   *prometheus.GaugeVec
	streamUpdates  *prometheus.CounterVec
	streamState    *prometheus.GaugeVec
	simulatedCost  *prometheus.GaugeVec
	filledQuantity *prometheus.GaugeVec
	runs           prometheus.Counter
	runDuration    prometheus.Histogram
}

// New 创建独立 registry 下的指标集合。
func New(namespace string) *Collector {
	if namespace == "" {
		namespace = "buycost"
	}
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		acquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acquisitions_total",
			Help:      "Order book acquisitions by venue and outcome",
		}, []string{"venue", "outcome"}),
		acquireLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "acquisition_duration_seconds",
			Help:      "Order book acquisition latency",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"venue"}),
		rateLimitWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rate_limit_wait_seconds",
			Help:      "Time spent waiting for a rate limit slot",
			Buckets:   []float64{0, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
		}, []string{"venue"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per venue (0 closed, 1 half-open, 2 open)",
		}, []string{"venue"}),
		streamUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_updates_total",
			Help:      "Order book updates received from push feeds",
		}, []string{"venue"}),
		streamState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_state",
			Help:      "Streamed source state (0 idle, 1 subscribing, 2 streaming)",
		}, []string{"venue"}),
		simulatedCost: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "simulated_total_cost",
			Help:      "Last simulated total cost of a market buy",
		}, []string{"venue", "symbol"}),
		filledQuantity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "simulated_filled_quantity",
			Help:      "Last simulated filled quantity of a market buy",
		}, []string{"venue", "symbol"}),
		runs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Aggregator runs",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Aggregator run duration",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	registry.MustRegister(
		c.acquisitions,
		c.acquireLatency,
		c.rateLimitWait,
		c.breakerState,
		c.streamUpdates,
		c.streamState,
		c.simulatedCost,
		c.filledQuantity,
		c.runs,
		c.runDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry 返回底层 registry。
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler 返回 /metrics 处理器。
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveAcquisition 记录一次行情获取结果，outcome 为 ok 或错误类型。
func (c *Collector) ObserveAcquisition(venue, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.acquisitions.WithLabelValues(venue, outcome).Inc()
	c.acquireLatency.WithLabelValues(venue).Observe(d.Seconds())
}

// ObserveRateLimitWait 记录限流等待时长。
func (c *Collector) ObserveRateLimitWait(venue string, d time.Duration) {
	if c == nil {
		return
	}
	c.rateLimitWait.WithLabelValues(venue).Observe(d.Seconds())
}

// SetBreakerState 更新熔断器状态。
func (c *Collector) SetBreakerState(venue string, state int) {
	if c == nil {
		return
	}
	c.breakerState.WithLabelValues(venue).Set(float64(state))
}

// IncStreamUpdate 记录一次推送更新。
func (c *Collector) IncStreamUpdate(venue string) {
	if c == nil {
		return
	}
	c.streamUpdates.WithLabelValues(venue).Inc()
}

// SetStreamState 更新推送源状态。
func (c *Collector) SetStreamState(venue string, state int) {
	if c == nil {
		return
	}
	c.streamState.WithLabelValues(venue).Set(float64(state))
}

// ObserveSimulation 记录最近一次模拟的成本与成交量。
func (c *Collector) ObserveSimulation(venue, symbol string, totalCost, filled float64) {
	if c == nil {
		return
	}
	c.simulatedCost.WithLabelValues(venue, symbol).Set(totalCost)
	c.filledQuantity.WithLabelValues(venue, symbol).Set(filled)
}

// ObserveRun 记录一次聚合运行。
func (c *Collector) ObserveRun(d time.Duration) {
	if c == nil {
		return
	}
	c.runs.Inc()
	c.runDuration.Observe(d.Seconds())
}
