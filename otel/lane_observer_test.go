package otel_test

import (
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/petal-labs/eventq/executor"
	eventqotel "github.com/petal-labs/eventq/otel"
)

func newTestTracer() (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	return exporter, tp
}

func TestLaneObserverRecordsMetrics(t *testing.T) {
	reader, mp := newTestMeter()
	tracer := noop.NewTracerProvider().Tracer("test-lane-observer")

	observer, err := eventqotel.NewLaneObserver(mp.Meter("test-lane-observer"), tracer)
	if err != nil {
		t.Fatalf("NewLaneObserver() error = %v", err)
	}

	observer.ObserveQueued("FooForH")
	observer.ObserveDelivery(executor.Observation{
		Executor:  "FooForH",
		Handler:   "H",
		QueueWait: 20 * time.Millisecond,
		Duration:  120 * time.Millisecond,
	})

	rm := collectMetrics(t, reader)

	for _, name := range []string{"eventq.lane.queued", "eventq.lane.deliveries"} {
		m := findMetric(rm, name)
		if m == nil {
			t.Fatalf("%s metric not found", name)
		}
		if got := sumTotal(t, m); got != 1 {
			t.Errorf("%s = %d, want 1", name, got)
		}
	}

	duration := findMetric(rm, "eventq.lane.duration")
	if duration == nil {
		t.Fatal("eventq.lane.duration metric not found")
	}
	hist, ok := duration.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("eventq.lane.duration type = %T, want Histogram[float64]", duration.Data)
	}
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Sum != 0.12 {
		t.Errorf("duration data points = %+v", hist.DataPoints)
	}

	if findMetric(rm, "eventq.lane.queue_wait") == nil {
		t.Error("eventq.lane.queue_wait metric not found")
	}
}

func TestLaneObserverSpans(t *testing.T) {
	exporter, tp := newTestTracer()
	_, mp := newTestMeter()

	observer, err := eventqotel.NewLaneObserver(mp.Meter("test"), tp.Tracer("test"))
	if err != nil {
		t.Fatal(err)
	}

	observer.ObserveDelivery(executor.Observation{Executor: "FooForA", Handler: "A", Duration: time.Second})
	observer.ObserveDelivery(executor.Observation{
		Executor: "FooForB",
		Handler:  "B",
		Err:      errors.New("boom"),
	})
	observer.ObserveDelivery(executor.Observation{
		Executor: "FooForC",
		Handler:  "C",
		Err:      &executor.PanicError{Value: "oops"},
		Panicked: true,
	})

	spans := exporter.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("got %d spans, want 3", len(spans))
	}
	for _, s := range spans {
		if s.Name != "eventq.deliver" {
			t.Errorf("span name = %q", s.Name)
		}
	}

	if spans[0].Status.Code != codes.Ok {
		t.Errorf("span 0 status = %v, want Ok", spans[0].Status.Code)
	}
	if got := spans[0].EndTime.Sub(spans[0].StartTime); got != time.Second {
		t.Errorf("span 0 length = %s, want 1s", got)
	}

	if spans[1].Status.Code != codes.Error || spans[1].Status.Description != "handler_error" {
		t.Errorf("span 1 status = %+v", spans[1].Status)
	}
	if len(spans[1].Events) == 0 {
		t.Error("span 1 did not record the error")
	}
	if spans[2].Status.Description != "panic" {
		t.Errorf("span 2 status = %+v, want panic", spans[2].Status)
	}
}

func TestLaneObserverNilSafe(t *testing.T) {
	var observer *eventqotel.LaneObserver
	observer.ObserveQueued("x")
	observer.ObserveDelivery(executor.Observation{})
}
