package bus

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrExecutorNameMismatch is returned by SubscribeWith when the executor's
	// name differs from the derived name for the event and handler.
	ErrExecutorNameMismatch = errors.New("bus: executor name mismatch")

	// ErrNotQuiescent matches QuiescenceTimeoutError.
	ErrNotQuiescent = errors.New("bus: not quiescent")
)

// QuiescenceTimeoutError reports the counters observed when WaitUntilQuiescent
// gave up.
type QuiescenceTimeoutError struct {
	Queued    uint64
	Processed uint64
	Timeout   time.Duration
}

func (e *QuiescenceTimeoutError) Error() string {
	return fmt.Sprintf("bus: not quiescent after %s: %d queued, %d processed", e.Timeout, e.Queued, e.Processed)
}

// Unwrap returns ErrNotQuiescent.
func (e *QuiescenceTimeoutError) Unwrap() error {
	return ErrNotQuiescent
}
