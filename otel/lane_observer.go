package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/eventq/executor"
)

// LaneObserver records executor signals into OpenTelemetry. It implements
// executor.Observer and emits one span per finished delivery when a tracer
// is set.
type LaneObserver struct {
	tracer trace.Tracer

	queued     metric.Int64Counter
	deliveries metric.Int64Counter
	queueWait  metric.Float64Histogram
	duration   metric.Float64Histogram
}

// NewLaneObserver creates a lane observer bound to the provided meter/tracer.
// tracer may be nil.
func NewLaneObserver(meter metric.Meter, tracer trace.Tracer) (*LaneObserver, error) {
	queued, err := meter.Int64Counter(
		"eventq.lane.queued",
		metric.WithDescription("Number of deliveries accepted by executors"),
	)
	if err != nil {
		return nil, err
	}
	deliveries, err := meter.Int64Counter(
		"eventq.lane.deliveries",
		metric.WithDescription("Number of finished deliveries"),
	)
	if err != nil {
		return nil, err
	}
	queueWait, err := meter.Float64Histogram(
		"eventq.lane.queue_wait",
		metric.WithDescription("Time a delivery waited in its lane, in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram(
		"eventq.lane.duration",
		metric.WithDescription("Handler execution time in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &LaneObserver{
		tracer:     tracer,
		queued:     queued,
		deliveries: deliveries,
		queueWait:  queueWait,
		duration:   duration,
	}, nil
}

// ObserveQueued records one accepted delivery.
func (o *LaneObserver) ObserveQueued(exec string) {
	if o == nil {
		return
	}
	o.queued.Add(context.Background(), 1, metric.WithAttributes(attribute.String("executor", exec)))
}

// ObserveDelivery records one finished delivery.
func (o *LaneObserver) ObserveDelivery(obs executor.Observation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("executor", obs.Executor),
		attribute.String("handler", obs.Handler),
		attribute.Bool("success", obs.Err == nil),
	}
	if obs.Panicked {
		attrs = append(attrs, attribute.Bool("panicked", true))
	}

	ctx := context.Background()
	options := metric.WithAttributes(attrs...)
	o.deliveries.Add(ctx, 1, options)
	o.queueWait.Record(ctx, obs.QueueWait.Seconds(), options)
	o.duration.Record(ctx, obs.Duration.Seconds(), options)

	if o.tracer == nil {
		return
	}
	end := time.Now()
	_, span := o.tracer.Start(ctx, "eventq.deliver",
		trace.WithAttributes(attrs...),
		trace.WithTimestamp(end.Add(-obs.Duration)),
	)
	if obs.Err != nil {
		span.RecordError(obs.Err)
		span.SetStatus(codes.Error, errorCode(obs))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(end))
}

func errorCode(obs executor.Observation) string {
	if obs.Panicked {
		return "panic"
	}
	return "handler_error"
}

var _ executor.Observer = (*LaneObserver)(nil)
