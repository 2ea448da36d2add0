package executor

import (
	"context"
	"runtime/pprof"
	"sync"
	"time"

	"github.com/petal-labs/eventq/core"
)

// task is one pending delivery.
type task struct {
	delivery core.Delivery
	payload  any
	pub      core.Publisher
	enqueued time.Time
}

// lane is an unbounded FIFO drained by a single worker goroutine. Producers
// never block on a lane and nothing is dropped while it is open.
type lane struct {
	label  string
	runner *Runner

	mu     sync.Mutex
	queue  []task
	closed bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newLane(label string, runner *Runner) *lane {
	ctx, cancel := context.WithCancel(context.Background())
	l := &lane{
		label:  label,
		runner: runner,
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go l.loop()
	return l
}

// push appends t unless the lane is closed. accept runs under the lane lock
// right before the append, so counting and enqueueing are one step.
func (l *lane) push(t task, accept func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	accept()
	l.queue = append(l.queue, t)
	l.mu.Unlock()

	l.signal()
	return true
}

func (l *lane) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *lane) loop() {
	defer close(l.done)
	defer l.cancel()
	pprof.Do(l.ctx, pprof.Labels("eventq.lane", l.label), func(ctx context.Context) {
		for {
			t, ok := l.next()
			if !ok {
				return
			}
			l.runner.Run(ctx, t.delivery, t.payload, t.pub, t.enqueued)
		}
	})
}

// next blocks until a task is available. It returns false once the lane is
// closed and drained, or abandoned.
func (l *lane) next() (task, bool) {
	for {
		l.mu.Lock()
		if l.ctx.Err() != nil {
			l.mu.Unlock()
			return task{}, false
		}
		if len(l.queue) > 0 {
			t := l.queue[0]
			l.queue[0] = task{}
			l.queue = l.queue[1:]
			l.mu.Unlock()
			return t, true
		}
		if l.closed {
			l.mu.Unlock()
			return task{}, false
		}
		l.mu.Unlock()

		select {
		case <-l.wake:
		case <-l.ctx.Done():
		}
	}
}

// close stops accepting work; the worker drains what is queued and exits.
func (l *lane) close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.signal()
}

// wait blocks until the worker exits or the deadline passes. On timeout the
// lane context is cancelled and the still-queued tasks are abandoned; their
// count is returned.
func (l *lane) wait(deadline time.Time) (abandoned int, timedOut bool) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-l.done:
		return 0, false
	case <-timer.C:
	}

	l.mu.Lock()
	l.cancel()
	abandoned = len(l.queue)
	l.queue = nil
	l.mu.Unlock()
	return abandoned, true
}

func (l *lane) depth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}
