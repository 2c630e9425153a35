package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_RecordsAcquisitions(t *testing.T) {
	c := New("test")

	c.ObserveAcquisition("bybit", "ok", 20*time.Millisecond)
	c.ObserveAcquisition("bybit", "ok", 30*time.Millisecond)
	c.ObserveAcquisition("bybit", "network_error", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.acquisitions.WithLabelValues("bybit", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.acquisitions.WithLabelValues("bybit", "network_error")))
}

func TestCollector_NilIsSafe(t *testing.T) {
	var c *Collector

	assert.NotPanics(t, func() {
		c.ObserveAcquisition("x", "ok", time.Second)
		c.ObserveRateLimitWait("x", time.Second)
		c.SetBreakerState("x", 2)
		c.IncStreamUpdate("x")
		c.SetStreamState("x", 1)
		c.ObserveSimulation("x", "BTCUSDT", 1, 1)
		c.ObserveRun(time.Second)
	})
	assert.Nil(t, c.Registry())
}

func TestCollector_HandlerExposesMetrics(t *testing.T) {
	c := New("test")
	c.ObserveSimulation("woo", "SPOT_BTC_USDT", 4.5, 2)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `test_simulated_total_cost{symbol="SPOT_BTC_USDT",venue="woo"} 4.5`))
}
