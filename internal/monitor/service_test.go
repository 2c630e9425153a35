package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buycost/internal/store"
)

func newService(t *testing.T, maxEvents int) *Service {
	t.Helper()
	st, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	svc, err := NewService(st, maxEvents, nil)
	require.NoError(t, err)
	return svc
}

func TestService_RecordAndList(t *testing.T) {
	svc := newService(t, 10)
	ctx := context.Background()

	svc.RecordRun(ctx, RunPayload{RunID: "r1", Requests: 2, Succeeded: 1, Failed: 1})
	svc.RecordVenueReport(ctx, VenueReportPayload{RunID: "r1", Venue: "bybit", Symbol: "BTCUSDT", TotalCost: "2.55"})
	svc.RecordError(ctx, "拉取失败", errors.New("boom"), map[string]interface{}{"venue": "woo"})

	all, err := svc.ListEvents(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, EventError, all[0].Type)
	assert.Equal(t, EventRun, all[2].Type)

	reports, err := svc.ListEvents(ctx, EventVenueReport, 10)
	require.NoError(t, err)
	require.Len(t, reports, 1)

	raw, ok := reports[0].Payload.(json.RawMessage)
	require.True(t, ok)
	var payload VenueReportPayload
	require.NoError(t, json.Unmarshal(raw, &payload))
	assert.Equal(t, "bybit", payload.Venue)
	assert.Equal(t, "2.55", payload.TotalCost)
}

func TestService_TrimsToMaxEvents(t *testing.T) {
	svc := newService(t, 3)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		svc.RecordStreamState(ctx, StreamStatePayload{Venue: "bybit", State: "streaming"})
	}

	events, err := svc.ListEvents(ctx, "", 100)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestService_NilReceiverIsNoop(t *testing.T) {
	var svc *Service
	ctx := context.Background()

	assert.NotPanics(t, func() {
		svc.RecordRun(ctx, RunPayload{})
		svc.RecordVenueReport(ctx, VenueReportPayload{})
		svc.RecordStreamState(ctx, StreamStatePayload{})
		svc.RecordError(ctx, "x", errors.New("y"), nil)
	})
}

func TestNewService_RequiresStore(t *testing.T) {
	_, err := NewService(nil, 10, nil)
	require.Error(t, err)
}
