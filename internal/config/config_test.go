package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_AppliesVenueDefaults(t *testing.T) {
	path := writeConfig(t, `
venues:
  - name: bybit
    default_type: swap
  - name: bybit-stream
    kind: streamed
    driver: bybit
    depth: 50
    default_fee_percent: 0.02
requests:
  - venue: bybit
    symbol: BTC/USDT:USDT
    notional: 1000
    fee: "0.055"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Venues, 2)

	polled := cfg.Venues[0]
	assert.Equal(t, SourcePolled, polled.Kind)
	assert.Equal(t, "bybit", polled.Driver)
	assert.Equal(t, 50, polled.Depth)
	assert.Equal(t, 10, polled.RateLimit.MaxRequests)
	assert.Equal(t, time.Second, polled.RateLimit.Window)
	assert.Equal(t, "block", polled.RateLimit.Strategy)
	assert.Equal(t, 100*time.Millisecond, polled.RateLimit.PollInterval)
	assert.InDelta(t, 0.055, polled.FeePercent(), 1e-12)

	streamed := cfg.Venues[1]
	assert.Equal(t, SourceStreamed, streamed.Kind)
	assert.Equal(t, DefaultBybitStreamURL, streamed.Stream.URL)
	assert.Equal(t, 5*time.Second, streamed.Stream.WaitTimeout)
	assert.InDelta(t, 0.02, streamed.FeePercent(), 1e-12)

	require.Len(t, cfg.Requests, 1)
	assert.Equal(t, "1000", cfg.Requests[0].Notional)
	assert.Equal(t, "0.055", cfg.Requests[0].Fee)

	assert.Equal(t, "table", cfg.App.Output)
	assert.Equal(t, 30*time.Second, cfg.Aggregator.RunTimeout)
	assert.Equal(t, time.Duration(0), cfg.Scheduler.LoopInterval)
}

func TestLoad_DefaultVenuesWhenNoneConfigured(t *testing.T) {
	path := writeConfig(t, "app:\n  environment: test\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	names := make([]string, 0, len(cfg.Venues))
	for _, v := range cfg.Venues {
		names = append(names, v.Name)
	}
	assert.Equal(t, []string{"bybit", "woo", "binanceusdm"}, names)

	woo, ok := cfg.Venue("WOO")
	require.True(t, ok)
	assert.Equal(t, "woo_rest", woo.Driver)
	assert.InDelta(t, 0.03, woo.FeePercent(), 1e-12)
}

func TestLoad_EnvironmentOverride(t *testing.T) {
	t.Setenv("SIMULATOR_LOGGING_LEVEL", "debug")
	t.Setenv("SIMULATOR_APP_OUTPUT", "json")
	path := writeConfig(t, "app:\n  environment: test\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.App.Output)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidate_AccumulatesProblems(t *testing.T) {
	path := writeConfig(t, `
app:
  output: xml
venues:
  - name: a
    rate_limit:
      strategy: spin
  - name: a
    kind: streamed
    driver: custom
requests:
  - venue: ""
    symbol: ""
`)

	_, err := Load(path)
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, "app.output")
	assert.Contains(t, msg, "venues[0].rate_limit.strategy")
	assert.Contains(t, msg, "venues[1].stream.url")
	assert.Contains(t, msg, "重复")
	assert.Contains(t, msg, "requests[0].venue")
	assert.Contains(t, msg, "requests[0].symbol")
}

func TestFeePercent_UnknownVenueIsZero(t *testing.T) {
	v := VenueConfig{Name: "elsewhere", Driver: "custom"}
	assert.Zero(t, v.FeePercent())
}
