package bus

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/petal-labs/eventq/core"
	"github.com/petal-labs/eventq/diag"
	"github.com/petal-labs/eventq/executor"
)

const defaultPollInterval = 100 * time.Millisecond

// Metrics receives bus-level signals. Implementations must not block.
type Metrics interface {
	ObserveEvent(key core.EventKey)
	ObserveDispatch(key core.EventKey, executor string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveEvent(core.EventKey)            {}
func (noopMetrics) ObserveDispatch(core.EventKey, string) {}

type options struct {
	logger       *slog.Logger
	lanePrefix   string
	clock        clock.Clock
	pollInterval time.Duration
	describer    *diag.Describer
	metrics      Metrics
	laneOpts     []executor.Option
	silent       bool
}

func newOptions(opts []Option) options {
	o := options{
		logger:       slog.Default(),
		clock:        clock.New(),
		pollInterval: defaultPollInterval,
		metrics:      noopMetrics{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.describer == nil {
		o.describer = diag.New()
	}
	return o
}

// Option configures a Bus.
type Option func(*options)

// WithLogger sets the bus logger. Default lanes log through it too.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithLanePrefix prefixes the profiler label of default-lane workers.
func WithLanePrefix(prefix string) Option {
	return func(o *options) {
		o.lanePrefix = prefix
	}
}

// WithClock sets the clock used by WaitUntilQuiescent.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithPollInterval sets how often WaitUntilQuiescent checks the executors (default 100ms).
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithDescriber sets the payload summarizer used for trace-level logs.
func WithDescriber(d *diag.Describer) Option {
	return func(o *options) {
		o.describer = d
	}
}

// WithMetrics attaches bus-level metrics.
func WithMetrics(m Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithLaneOptions applies executor options to every default lane the bus creates.
func WithLaneOptions(opts ...executor.Option) Option {
	return func(o *options) {
		o.laneOpts = append(o.laneOpts, opts...)
	}
}

// WithSilent starts the bus with the no-handler warning suppressed.
func WithSilent(silent bool) Option {
	return func(o *options) {
		o.silent = silent
	}
}
