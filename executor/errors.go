package executor

import (
	"errors"
	"fmt"
)

var (
	// ErrReleaseTimeout is returned by Release when queued work did not drain
	// within the grace period. Remaining deliveries are abandoned and counted as failed.
	ErrReleaseTimeout = errors.New("executor: release grace period elapsed")

	// ErrHandlerPanic matches any PanicError.
	ErrHandlerPanic = errors.New("executor: handler panicked")
)

// PanicError wraps a value recovered from a panicking handler.
type PanicError struct {
	Handler string
	Value   any
	Stack   []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler %s panicked: %v", e.Handler, e.Value)
}

// Is allows errors.Is to match PanicError with ErrHandlerPanic.
func (e *PanicError) Is(target error) bool {
	return target == ErrHandlerPanic
}
