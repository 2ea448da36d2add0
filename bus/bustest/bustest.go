// Package bustest holds test helpers for code built on the event bus.
package bustest

import (
	"testing"
	"time"

	"github.com/petal-labs/eventq/bus"
)

// DefaultTimeout is a generous quiescence deadline for unit tests.
const DefaultTimeout = 5 * time.Second

// RequireQuiescent waits until b has no pending deliveries and fails the test
// with the observed counters if that does not happen within timeout.
func RequireQuiescent(tb testing.TB, b *bus.Bus, timeout time.Duration) {
	tb.Helper()
	if err := b.WaitUntilQuiescent(timeout); err != nil {
		tb.Fatalf("bus did not quiesce: %v", err)
	}
}

// New creates a bus for a test and closes it during cleanup.
func New(tb testing.TB, opts ...bus.Option) *bus.Bus {
	tb.Helper()
	b := bus.New(opts...)
	tb.Cleanup(func() {
		if err := b.Close(); err != nil {
			tb.Errorf("close bus: %v", err)
		}
	})
	return b
}
