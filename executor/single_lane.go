package executor

import (
	"fmt"
	"sync"
	"time"

	"github.com/petal-labs/eventq/core"
)

// SingleLane delivers to its handlers on one dedicated worker, strictly in the
// order Dispatch was called. The bus creates one per (event, handler) pair.
//
// Release drains: queued deliveries still run, up to the release grace period.
// Whatever is left after that is abandoned and counted as failed.
type SingleLane struct {
	name     string
	counters Counters
	runner   *Runner
	lane     *lane
	opts     options

	releaseOnce sync.Once
	releaseErr  error
}

// NewSingleLane creates and starts a single-lane executor.
func NewSingleLane(name string, opts ...Option) *SingleLane {
	s := &SingleLane{
		name: name,
		opts: newOptions(opts),
	}
	s.runner = newRunner(name, &s.counters, s.opts)
	s.lane = newLane(s.opts.labelPrefix+name, s.runner)
	return s
}

// Name returns the executor name.
func (s *SingleLane) Name() string {
	return s.name
}

// Dispatch enqueues a delivery. It never blocks on handler execution.
func (s *SingleLane) Dispatch(d core.Delivery, payload any, pub core.Publisher) {
	t := task{delivery: d, payload: payload, pub: pub, enqueued: time.Now()}
	if !s.lane.push(t, s.runner.Accept) {
		s.opts.logger.Warn("executor released, delivery rejected",
			"executor", s.name,
			"handler", d.HandlerID(),
		)
	}
}

// Stats returns the executor counters.
func (s *SingleLane) Stats() Stats {
	return s.counters.Snapshot()
}

// QueueDepth returns the number of deliveries waiting to run.
func (s *SingleLane) QueueDepth() int {
	return s.lane.depth()
}

// Release stops the lane and waits for it to drain within the grace period.
// Calls after the first return the first result.
func (s *SingleLane) Release() error {
	s.releaseOnce.Do(func() {
		s.lane.close()
		abandoned, timedOut := s.lane.wait(time.Now().Add(s.opts.releaseGrace))
		if !timedOut {
			return
		}
		s.counters.MarkFailed(uint64(abandoned))
		s.opts.logger.Warn("executor did not drain in time",
			"executor", s.name,
			"grace", s.opts.releaseGrace,
			"abandoned", abandoned,
		)
		s.releaseErr = fmt.Errorf("%w: %s after %s (%d abandoned)", ErrReleaseTimeout, s.name, s.opts.releaseGrace, abandoned)
	})
	return s.releaseErr
}

var _ Executor = (*SingleLane)(nil)
