// Package executor defines how event handlers run: the Executor contract used by
// the bus, the shared delivery routine with panic recovery and counters, and the
// built-in executors (SingleLane and AffinityPool).
package executor

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/petal-labs/eventq/core"
)

const defaultReleaseGrace = 5 * time.Second

// Executor runs deliveries for the handlers attached to it and owns its counters.
//
// Dispatch must count the delivery as queued synchronously with accepting it and
// must never let a handler failure escape. Release stops accepting work and is
// safe to call more than once.
type Executor interface {
	Name() string
	Dispatch(d core.Delivery, payload any, pub core.Publisher)
	Stats() Stats
	Release() error
}

// Stats is a point-in-time copy of an executor's counters.
type Stats struct {
	Queued        uint64
	Succeeded     uint64
	Failed        uint64
	LongWait      uint64
	LongExecution uint64
}

// Processed returns the number of deliveries that have finished either way.
func (s Stats) Processed() uint64 {
	return s.Succeeded + s.Failed
}

// Idle reports whether every accepted delivery has finished.
func (s Stats) Idle() bool {
	return s.Queued == s.Processed()
}

// Pending returns the deliveries accepted but not yet finished.
func (s Stats) Pending() uint64 {
	if p := s.Processed(); p < s.Queued {
		return s.Queued - p
	}
	return 0
}

// Add returns the field-wise sum of s and o.
func (s Stats) Add(o Stats) Stats {
	return Stats{
		Queued:        s.Queued + o.Queued,
		Succeeded:     s.Succeeded + o.Succeeded,
		Failed:        s.Failed + o.Failed,
		LongWait:      s.LongWait + o.LongWait,
		LongExecution: s.LongExecution + o.LongExecution,
	}
}

// Counters holds monotonically increasing delivery counters. Custom executors
// embed or hold one and report it from Stats.
type Counters struct {
	queued        atomic.Uint64
	succeeded     atomic.Uint64
	failed        atomic.Uint64
	longWait      atomic.Uint64
	longExecution atomic.Uint64
}

// MarkQueued counts one accepted delivery.
func (c *Counters) MarkQueued() { c.queued.Add(1) }

// MarkSucceeded counts one successful delivery.
func (c *Counters) MarkSucceeded() { c.succeeded.Add(1) }

// MarkFailed counts n failed deliveries.
func (c *Counters) MarkFailed(n uint64) { c.failed.Add(n) }

// Snapshot returns the current counter values. Finished counts are loaded
// before Queued, so a snapshot never shows more processed than queued.
func (c *Counters) Snapshot() Stats {
	s := Stats{
		Succeeded:     c.succeeded.Load(),
		Failed:        c.failed.Load(),
		LongWait:      c.longWait.Load(),
		LongExecution: c.longExecution.Load(),
	}
	s.Queued = c.queued.Load()
	return s
}

// Observation describes one finished delivery.
type Observation struct {
	Executor  string
	Handler   string
	Payload   any
	QueueWait time.Duration
	Duration  time.Duration
	Err       error
	Panicked  bool
}

// Observer receives executor lifecycle signals. Implementations must be safe
// for concurrent use and must not block.
type Observer interface {
	ObserveQueued(executor string)
	ObserveDelivery(o Observation)
}

type noopObserver struct{}

func (noopObserver) ObserveQueued(string)        {}
func (noopObserver) ObserveDelivery(Observation) {}

// MultiObserver fans signals out to several observers. Nil entries are skipped.
func MultiObserver(observers ...Observer) Observer {
	out := make(multiObserver, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

type multiObserver []Observer

func (m multiObserver) ObserveQueued(executor string) {
	for _, o := range m {
		o.ObserveQueued(executor)
	}
}

func (m multiObserver) ObserveDelivery(obs Observation) {
	for _, o := range m {
		o.ObserveDelivery(obs)
	}
}

type options struct {
	logger       *slog.Logger
	observer     Observer
	releaseGrace time.Duration
	longWait     time.Duration
	longExec     time.Duration
	labelPrefix  string
}

func newOptions(opts []Option) options {
	o := options{
		logger:       slog.Default(),
		observer:     noopObserver{},
		releaseGrace: defaultReleaseGrace,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Option configures an executor.
type Option func(*options)

// WithLogger sets the logger used for handler failures and release problems.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithObserver attaches an observer, for example an OpenTelemetry lane observer
// or a failure journal.
func WithObserver(observer Observer) Option {
	return func(o *options) {
		if observer != nil {
			o.observer = observer
		}
	}
}

// WithReleaseGrace bounds how long Release waits for queued work to drain (default 5s).
func WithReleaseGrace(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.releaseGrace = d
		}
	}
}

// WithLongWaitThreshold counts deliveries that waited in the queue longer than d.
func WithLongWaitThreshold(d time.Duration) Option {
	return func(o *options) {
		o.longWait = d
	}
}

// WithLongExecutionThreshold counts deliveries whose handler ran longer than d.
func WithLongExecutionThreshold(d time.Duration) Option {
	return func(o *options) {
		o.longExec = d
	}
}

// WithLabelPrefix prefixes the profiler label attached to worker goroutines.
func WithLabelPrefix(prefix string) Option {
	return func(o *options) {
		o.labelPrefix = prefix
	}
}
