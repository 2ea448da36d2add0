package executor

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/petal-labs/eventq/core"
)

// Runner performs the bookkeeping every executor shares: counting accepted
// deliveries, invoking handlers with panic recovery, timing them against the
// configured thresholds, notifying the observer and counting the outcome.
// Custom executors can build on a Runner to satisfy the Executor contract.
type Runner struct {
	name     string
	counters *Counters
	opts     options
}

// NewRunner creates a Runner that reports into counters under the given executor name.
func NewRunner(name string, counters *Counters, opts ...Option) *Runner {
	return newRunner(name, counters, newOptions(opts))
}

func newRunner(name string, counters *Counters, opts options) *Runner {
	return &Runner{name: name, counters: counters, opts: opts}
}

// Accept counts one delivery as queued. Call it as part of accepting the work.
func (r *Runner) Accept() {
	r.counters.MarkQueued()
	r.opts.observer.ObserveQueued(r.name)
}

// Run invokes the delivery and records its outcome. It never panics and never
// returns the handler's error; failures are logged and counted.
func (r *Runner) Run(ctx context.Context, d core.Delivery, payload any, pub core.Publisher, enqueued time.Time) {
	start := time.Now()
	wait := start.Sub(enqueued)
	if r.opts.longWait > 0 && wait > r.opts.longWait {
		r.counters.longWait.Add(1)
		r.opts.logger.Warn("event waited long in queue",
			"executor", r.name,
			"handler", d.HandlerID(),
			"wait", wait,
		)
	}

	err := invoke(ctx, d, payload, pub)
	elapsed := time.Since(start)
	if r.opts.longExec > 0 && elapsed > r.opts.longExec {
		r.counters.longExecution.Add(1)
		r.opts.logger.Warn("event handler ran long",
			"executor", r.name,
			"handler", d.HandlerID(),
			"duration", elapsed,
		)
	}

	var panicErr *PanicError
	panicked := errors.As(err, &panicErr)

	// Observe before counting so anything recorded by observers is visible
	// once the executor reports itself idle.
	r.opts.observer.ObserveDelivery(Observation{
		Executor:  r.name,
		Handler:   d.HandlerID(),
		Payload:   payload,
		QueueWait: wait,
		Duration:  elapsed,
		Err:       err,
		Panicked:  panicked,
	})

	if err != nil {
		r.opts.logger.Error("event handler failed",
			"executor", r.name,
			"handler", d.HandlerID(),
			"error", err,
		)
		if panicked && r.opts.logger.Enabled(ctx, slog.LevelDebug) {
			r.opts.logger.Debug("event handler panic stack",
				"executor", r.name,
				"handler", d.HandlerID(),
				"stack", string(panicErr.Stack),
			)
		}
		r.counters.MarkFailed(1)
		return
	}
	r.counters.MarkSucceeded()
}

func invoke(ctx context.Context, d core.Delivery, payload any, pub core.Publisher) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &PanicError{
				Handler: d.HandlerID(),
				Value:   rec,
				Stack:   debug.Stack(),
			}
		}
	}()
	return d.Deliver(ctx, payload, pub)
}
