// Package bus provides the in-process typed event bus. Producers publish a
// payload for an event; the bus hands it to every executor registered for
// that event, and each executor runs its handlers on its own lane, so a slow
// or failing consumer never blocks another.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/petal-labs/eventq/core"
	"github.com/petal-labs/eventq/executor"
)

// LevelTrace is below debug; at this level Publish logs a JSON summary of
// every payload.
const LevelTrace = slog.LevelDebug - 4

// binding is one executor serving an event, with its handlers in
// registration order.
type binding struct {
	exec       executor.Executor
	deliveries []core.Delivery
}

// registry is immutable once published; Subscribe builds a new one.
type registry struct {
	routes    map[core.EventKey][]binding
	executors []executor.Executor // distinct, in registration order
}

// Stats holds the bus-level counters.
type Stats struct {
	EventsObserved   uint64
	DispatchAttempts uint64
}

// Bus routes published payloads to the executors registered for their event.
// It is safe for concurrent use. The zero value is not usable; call New.
type Bus struct {
	mu  sync.RWMutex
	reg *registry

	closed atomic.Bool
	silent atomic.Bool

	eventsObserved   atomic.Uint64
	dispatchAttempts atomic.Uint64

	opts options
}

// New creates an active bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		reg:  &registry{routes: map[core.EventKey][]binding{}},
		opts: newOptions(opts),
	}
	b.silent.Store(b.opts.silent)
	return b
}

// Subscribe registers h for ev on a new single-lane executor named
// core.ExecutorName(ev, h.ID()).
func Subscribe[P any](b *Bus, ev core.Event[P], h core.Handler[P]) error {
	d, name, err := prepare(ev, h)
	if err != nil {
		return err
	}
	return b.register(ev.Key(), d, nil, name)
}

// SubscribeWith registers h for ev on a caller-supplied executor. The
// executor's name must equal core.ExecutorName(ev, h.ID()). The same executor
// may serve several handlers and events.
func SubscribeWith[P any](b *Bus, ev core.Event[P], exec executor.Executor, h core.Handler[P]) error {
	d, name, err := prepare(ev, h)
	if err != nil {
		return err
	}
	if exec == nil {
		return fmt.Errorf("bus: nil executor for %s", name)
	}
	if exec.Name() != name {
		return fmt.Errorf("%w: expected %q, got %q", ErrExecutorNameMismatch, name, exec.Name())
	}
	return b.register(ev.Key(), d, exec, name)
}

func prepare[P any](ev core.Event[P], h core.Handler[P]) (core.Delivery, string, error) {
	if err := core.ValidateEventName(ev.Name()); err != nil {
		return nil, "", err
	}
	d, err := core.Erase(h)
	if err != nil {
		return nil, "", err
	}
	return d, core.ExecutorName(ev.Key(), d.HandlerID()), nil
}

// register adds d to the routing table. A nil exec means a new default lane.
func (b *Bus) register(key core.EventKey, d core.Delivery, exec executor.Executor, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() {
		b.opts.logger.Warn("subscribe after bus closed, ignoring",
			"event", key.Name,
			"executor", name,
			"handler", d.HandlerID(),
		)
		return nil
	}
	if exec == nil {
		exec = executor.NewSingleLane(name, b.laneOptions()...)
	}

	next := b.reg.clone()
	bindings := next.routes[key]
	found := false
	for i := range bindings {
		if bindings[i].exec == exec {
			bindings[i].deliveries = append(bindings[i].deliveries, d)
			found = true
			break
		}
	}
	if !found {
		bindings = append(bindings, binding{exec: exec, deliveries: []core.Delivery{d}})
	}
	next.routes[key] = bindings
	if !next.has(exec) {
		next.executors = append(next.executors, exec)
	}
	b.reg = next

	b.opts.logger.Debug("handler subscribed",
		"event", key.Name,
		"executor", name,
		"handler", d.HandlerID(),
	)
	return nil
}

func (b *Bus) laneOptions() []executor.Option {
	opts := []executor.Option{
		executor.WithLogger(b.opts.logger),
		executor.WithLabelPrefix(b.opts.lanePrefix),
	}
	return append(opts, b.opts.laneOpts...)
}

// clone copies the table deeply enough that the copy can be modified
// without affecting readers of r.
func (r *registry) clone() *registry {
	out := &registry{
		routes:    make(map[core.EventKey][]binding, len(r.routes)+1),
		executors: append([]executor.Executor(nil), r.executors...),
	}
	for k, bindings := range r.routes {
		cp := make([]binding, len(bindings))
		for i, bd := range bindings {
			cp[i] = binding{exec: bd.exec, deliveries: append([]core.Delivery(nil), bd.deliveries...)}
		}
		out.routes[k] = cp
	}
	return out
}

func (r *registry) has(exec executor.Executor) bool {
	for _, e := range r.executors {
		if e == exec {
			return true
		}
	}
	return false
}

func (b *Bus) snapshot() *registry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.reg
}

// Publish hands payload to every handler registered for key. It returns once
// the payload is queued on each executor, not after handlers ran.
func (b *Bus) Publish(key core.EventKey, payload any) {
	if b.closed.Load() {
		b.opts.logger.Warn("publish after bus closed, dropping event", "event", key.Name)
		return
	}
	b.eventsObserved.Add(1)
	b.opts.metrics.ObserveEvent(key)

	bindings := b.snapshot().routes[key]
	if len(bindings) == 0 {
		if !b.silent.Load() {
			b.opts.logger.Warn("no handlers registered for event", "event", key.Name)
		}
		return
	}
	b.logPayload(key, payload)

	for _, bd := range bindings {
		for _, d := range bd.deliveries {
			b.dispatchAttempts.Add(1)
			b.opts.metrics.ObserveDispatch(key, bd.exec.Name())
			bd.exec.Dispatch(d, payload, b)
		}
	}
}

func (b *Bus) logPayload(key core.EventKey, payload any) {
	ctx := context.Background()
	logger := b.opts.logger
	if logger.Enabled(ctx, LevelTrace) {
		summary, err := b.opts.describer.Describe(payload)
		if err != nil {
			logger.Log(ctx, LevelTrace, "publishing event",
				"event", key.Name,
				"summary_error", err,
			)
			return
		}
		logger.Log(ctx, LevelTrace, "publishing event",
			"event", key.Name,
			"payload", summary,
		)
		return
	}
	if logger.Enabled(ctx, slog.LevelDebug) {
		logger.Debug("publishing event",
			"event", key.Name,
			"kind", fmt.Sprintf("%T", payload),
		)
	}
}

// Close deactivates the bus and releases every distinct executor once.
// Release failures are logged and returned together; every executor is
// released regardless. Calls after the first return nil.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs error
	for _, exec := range b.snapshot().executors {
		if err := exec.Release(); err != nil {
			b.opts.logger.Error("failed to release executor",
				"executor", exec.Name(),
				"error", err,
			)
			errs = multierr.Append(errs, fmt.Errorf("bus: release %s: %w", exec.Name(), err))
		}
	}
	return errs
}

// Closed reports whether Close has been called.
func (b *Bus) Closed() bool {
	return b.closed.Load()
}

// SetSilent toggles the warning for events published with no handlers.
func (b *Bus) SetSilent(silent bool) {
	b.silent.Store(silent)
}

// Silent reports whether the no-handler warning is suppressed.
func (b *Bus) Silent() bool {
	return b.silent.Load()
}

// Stats returns the bus-level counters.
func (b *Bus) Stats() Stats {
	return Stats{
		EventsObserved:   b.eventsObserved.Load(),
		DispatchAttempts: b.dispatchAttempts.Load(),
	}
}

var _ core.Publisher = (*Bus)(nil)
