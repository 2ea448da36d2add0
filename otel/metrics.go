// Package otel exports bus and executor signals to OpenTelemetry.
package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/eventq/bus"
	"github.com/petal-labs/eventq/core"
)

// BusMetrics translates bus signals into OpenTelemetry counters. It
// implements bus.Metrics.
type BusMetrics struct {
	events     metric.Int64Counter
	dispatches metric.Int64Counter
}

// NewBusMetrics creates the bus instruments on meter.
func NewBusMetrics(meter metric.Meter) (*BusMetrics, error) {
	events, err := meter.Int64Counter("eventq.bus.events",
		metric.WithDescription("Number of events published on the bus"),
	)
	if err != nil {
		return nil, err
	}

	dispatches, err := meter.Int64Counter("eventq.bus.dispatches",
		metric.WithDescription("Number of deliveries handed to executors"),
	)
	if err != nil {
		return nil, err
	}

	return &BusMetrics{events: events, dispatches: dispatches}, nil
}

// ObserveEvent counts one published event.
func (m *BusMetrics) ObserveEvent(key core.EventKey) {
	m.events.Add(context.Background(), 1, metric.WithAttributes(eventAttrs(key)...))
}

// ObserveDispatch counts one delivery handed to executor.
func (m *BusMetrics) ObserveDispatch(key core.EventKey, executor string) {
	attrs := append(eventAttrs(key), attribute.String("executor", executor))
	m.dispatches.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

func eventAttrs(key core.EventKey) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("event", key.Name),
		attribute.String("payload_kind", key.PayloadKind),
	}
}

// RegisterLaneGauges reports the queue depth and pending count of every lane
// of b as observable gauges. The returned registration must be unregistered
// once b is closed.
func RegisterLaneGauges(meter metric.Meter, b *bus.Bus) (metric.Registration, error) {
	depth, err := meter.Int64ObservableGauge("eventq.lane.queue_depth",
		metric.WithDescription("Deliveries buffered in a lane"),
	)
	if err != nil {
		return nil, err
	}
	pending, err := meter.Int64ObservableGauge("eventq.lane.pending",
		metric.WithDescription("Deliveries accepted but not yet processed"),
	)
	if err != nil {
		return nil, err
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for _, lane := range b.LanesByName() {
			attrs := metric.WithAttributes(attribute.String("executor", lane.Name))
			o.ObserveInt64(depth, int64(lane.QueueDepth), attrs)
			o.ObserveInt64(pending, int64(lane.Stats.Pending()), attrs)
		}
		return nil
	}, depth, pending)
}

var _ bus.Metrics = (*BusMetrics)(nil)
