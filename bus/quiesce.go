package bus

import (
	"time"
)

// WaitUntilQuiescent blocks until every executor has finished all the work
// it accepted, polling at the configured interval. Handlers that publish
// follow-up events are covered: a follow-up is queued before the handler
// that published it counts as processed.
//
// It is meant for tests and tools. On a closed bus it returns nil at once.
func (b *Bus) WaitUntilQuiescent(timeout time.Duration) error {
	if b.closed.Load() {
		b.opts.logger.Warn("quiescence wait on closed bus")
		return nil
	}
	clk := b.opts.clock
	deadline := clk.Now().Add(timeout)
	for {
		queued, processed := b.progress()
		if queued == processed {
			return nil
		}
		if !clk.Now().Before(deadline) {
			return &QuiescenceTimeoutError{Queued: queued, Processed: processed, Timeout: timeout}
		}
		clk.Sleep(b.opts.pollInterval)
	}
}

// progress sums the counters of all executors. Processed counts are read
// before queued counts, so equal totals mean nothing was pending at the
// moment between the two passes.
func (b *Bus) progress() (queued, processed uint64) {
	execs := b.snapshot().executors
	for _, e := range execs {
		processed += e.Stats().Processed()
	}
	for _, e := range execs {
		queued += e.Stats().Queued
	}
	return queued, processed
}
