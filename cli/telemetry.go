package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/multierr"

	"github.com/petal-labs/eventq/bus"
	eventqotel "github.com/petal-labs/eventq/otel"
	"github.com/petal-labs/eventq/promexport"
)

const instrumentationName = "github.com/petal-labs/eventq"

// telemetry holds the exporters enabled for one command run.
type telemetry struct {
	busMetrics   *eventqotel.BusMetrics
	laneObserver *eventqotel.LaneObserver
	shutdown     []func(context.Context) error
}

// setupTracing installs an OTLP/HTTP tracer provider as the global provider.
// An empty endpoint leaves the global provider untouched.
func (t *telemetry) setupTracing(ctx context.Context, endpoint string) error {
	if endpoint == "" {
		return nil
	}
	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return fmt.Errorf("creating otlp exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otelapi.SetTracerProvider(tp)
	t.shutdown = append(t.shutdown, tp.Shutdown)
	return nil
}

// instrument creates the bus metrics and lane observer from the global providers.
func (t *telemetry) instrument() error {
	meter := otelapi.GetMeterProvider().Meter(instrumentationName)
	busMetrics, err := eventqotel.NewBusMetrics(meter)
	if err != nil {
		return fmt.Errorf("initializing bus metrics: %w", err)
	}
	laneObserver, err := eventqotel.NewLaneObserver(meter, otelapi.GetTracerProvider().Tracer(instrumentationName))
	if err != nil {
		return fmt.Errorf("initializing lane observer: %w", err)
	}
	t.busMetrics = busMetrics
	t.laneObserver = laneObserver
	return nil
}

// serveMetrics exposes b on addr at /metrics and returns the bound address.
func (t *telemetry) serveMetrics(addr string, b *bus.Bus, logger *slog.Logger) (string, error) {
	reg, err := promexport.NewRegistry(b, nil)
	if err != nil {
		return "", fmt.Errorf("registering prometheus collectors: %w", err)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listening on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promexport.Handler(reg))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	t.shutdown = append(t.shutdown, srv.Shutdown)
	return ln.Addr().String(), nil
}

// close shuts exporters down in reverse order.
func (t *telemetry) close(ctx context.Context) error {
	var err error
	for i := len(t.shutdown) - 1; i >= 0; i-- {
		err = multierr.Append(err, t.shutdown[i](ctx))
	}
	return err
}
