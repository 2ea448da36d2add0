package executor

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
	"go.uber.org/multierr"

	"github.com/petal-labs/eventq/core"
)

// AffinityFunc returns the ordering key of a payload. Payloads with equal keys
// are delivered in dispatch order; different keys may run in parallel.
type AffinityFunc func(payload any) string

// AffinityPool spreads deliveries over a fixed set of lanes, choosing the lane
// by a hash of the payload's affinity key. All lanes share one set of counters.
type AffinityPool struct {
	name     string
	affinity AffinityFunc
	counters Counters
	runner   *Runner
	lanes    []*lane
	opts     options

	releaseOnce sync.Once
	releaseErr  error
}

// NewAffinityPool creates a pool with size lanes. A size below 1 is treated as 1;
// a nil affinity routes everything to the first lane.
func NewAffinityPool(name string, size int, affinity AffinityFunc, opts ...Option) *AffinityPool {
	if size < 1 {
		size = 1
	}
	p := &AffinityPool{
		name:     name,
		affinity: affinity,
		opts:     newOptions(opts),
	}
	p.runner = newRunner(name, &p.counters, p.opts)
	p.lanes = make([]*lane, size)
	for i := range p.lanes {
		p.lanes[i] = newLane(p.opts.labelPrefix+name+"-"+strconv.Itoa(i), p.runner)
	}
	return p
}

// Name returns the executor name.
func (p *AffinityPool) Name() string {
	return p.name
}

// Size returns the number of lanes.
func (p *AffinityPool) Size() int {
	return len(p.lanes)
}

// Dispatch enqueues the delivery on the lane owning the payload's key.
func (p *AffinityPool) Dispatch(d core.Delivery, payload any, pub core.Publisher) {
	l := p.lanes[p.laneFor(payload)]
	t := task{delivery: d, payload: payload, pub: pub, enqueued: time.Now()}
	if !l.push(t, p.runner.Accept) {
		p.opts.logger.Warn("executor released, delivery rejected",
			"executor", p.name,
			"handler", d.HandlerID(),
		)
	}
}

// laneFor runs on the publisher's goroutine; a panicking affinity function
// routes the payload to lane 0.
func (p *AffinityPool) laneFor(payload any) (idx int) {
	if p.affinity == nil || len(p.lanes) == 1 {
		return 0
	}
	defer func() {
		if r := recover(); r != nil {
			p.opts.logger.Warn("affinity function panicked, using lane 0",
				"executor", p.name,
				"payload_kind", fmt.Sprintf("%T", payload),
				"panic", r,
			)
			idx = 0
		}
	}()
	return int(murmur3.Sum32([]byte(p.affinity(payload))) % uint32(len(p.lanes)))
}

// Stats returns the counters shared by all lanes.
func (p *AffinityPool) Stats() Stats {
	return p.counters.Snapshot()
}

// QueueDepth returns the number of deliveries waiting across all lanes.
func (p *AffinityPool) QueueDepth() int {
	n := 0
	for _, l := range p.lanes {
		n += l.depth()
	}
	return n
}

// Release closes every lane and waits for them to drain against one shared deadline.
func (p *AffinityPool) Release() error {
	p.releaseOnce.Do(func() {
		for _, l := range p.lanes {
			l.close()
		}
		deadline := time.Now().Add(p.opts.releaseGrace)
		for i, l := range p.lanes {
			abandoned, timedOut := l.wait(deadline)
			if !timedOut {
				continue
			}
			p.counters.MarkFailed(uint64(abandoned))
			p.opts.logger.Warn("executor lane did not drain in time",
				"executor", p.name,
				"lane", i,
				"abandoned", abandoned,
			)
			p.releaseErr = multierr.Append(p.releaseErr,
				fmt.Errorf("%w: %s lane %d after %s (%d abandoned)", ErrReleaseTimeout, p.name, i, p.opts.releaseGrace, abandoned))
		}
	})
	return p.releaseErr
}

var _ Executor = (*AffinityPool)(nil)
