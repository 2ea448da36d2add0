package promexport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petal-labs/eventq/bus"
	"github.com/petal-labs/eventq/bus/bustest"
	"github.com/petal-labs/eventq/core"
)

var pingEvent = core.NewEvent[string]("Ping")

func newBus(t *testing.T) *bus.Bus {
	t.Helper()
	b := bustest.New(t, bus.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	h := core.NewHandler("H", func(_ context.Context, p string, _ core.Publisher) error {
		if p == "bad" {
			return errors.New("rejected")
		}
		return nil
	})
	require.NoError(t, bus.Subscribe[string](b, pingEvent, h))

	core.Publish(b, pingEvent, "ok")
	core.Publish(b, pingEvent, "ok")
	core.Publish(b, pingEvent, "bad")
	bustest.RequireQuiescent(t, b, bustest.DefaultTimeout)
	return b
}

func TestCollector_ReportsLaneCounters(t *testing.T) {
	b := newBus(t)
	c := NewCollector(b, nil)

	expected := `
# HELP eventq_lane_processed_total Deliveries finished by an executor.
# TYPE eventq_lane_processed_total counter
eventq_lane_processed_total{executor="PingForH",outcome="failed"} 1
eventq_lane_processed_total{executor="PingForH",outcome="succeeded"} 2
# HELP eventq_lane_queued_total Deliveries accepted by an executor.
# TYPE eventq_lane_queued_total counter
eventq_lane_queued_total{executor="PingForH"} 3
# HELP eventq_bus_events_total Events published on the bus.
# TYPE eventq_bus_events_total counter
eventq_bus_events_total 3
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"eventq_lane_processed_total", "eventq_lane_queued_total", "eventq_bus_events_total")
	assert.NoError(t, err)

	assert.Equal(t, 8, testutil.CollectAndCount(c))
}

func TestHandler_ServesRegistry(t *testing.T) {
	b := newBus(t)
	reg, err := NewRegistry(b, map[string]string{"cluster": "test"})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `eventq_lane_queued_total{cluster="test",executor="PingForH"} 3`)
	assert.Contains(t, body, "go_goroutines")
}

func TestCollector_FoldsLanesSharingAName(t *testing.T) {
	b := newBus(t)
	pingInt := core.NewEvent[int]("Ping")
	h := core.NewHandler("H", func(context.Context, int, core.Publisher) error { return nil })
	require.NoError(t, bus.Subscribe[int](b, pingInt, h))
	core.Publish(b, pingInt, 7)
	bustest.RequireQuiescent(t, b, bustest.DefaultTimeout)

	reg, err := NewRegistry(b, nil)
	require.NoError(t, err)
	_, err = reg.Gather()
	require.NoError(t, err)

	expected := `
# HELP eventq_lane_queued_total Deliveries accepted by an executor.
# TYPE eventq_lane_queued_total counter
eventq_lane_queued_total{executor="PingForH"} 4
`
	assert.NoError(t, testutil.CollectAndCompare(NewCollector(b, nil), strings.NewReader(expected),
		"eventq_lane_queued_total"))
}
