package core

import (
	"errors"
	"fmt"
	"strings"
)

// ExecutorNameSeparator joins the camel-cased event name and the handler ID in
// executor names. Event names must not contain it.
const ExecutorNameSeparator = "For"

// ErrReservedSeparator is returned when an event name contains ExecutorNameSeparator.
var ErrReservedSeparator = errors.New("core: event name must not contain " + ExecutorNameSeparator)

// ValidateEventName rejects names that would make executor names ambiguous.
func ValidateEventName(name string) error {
	if strings.Contains(name, ExecutorNameSeparator) {
		return fmt.Errorf("%w: %q", ErrReservedSeparator, name)
	}
	return nil
}

// ExecutorName derives the executor name for an event/handler pair:
// CamelCase(event name) + "For" + handler ID.
func ExecutorName(key EventKey, handlerID string) string {
	return CamelCase(key.Name) + ExecutorNameSeparator + handlerID
}

// CamelCase lower-cases s, splits it on underscores and capitalizes each word,
// so "Dead_Node" and "DEAD_NODE" both become "DeadNode".
func CamelCase(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, word := range strings.Split(strings.ToLower(s), "_") {
		if word == "" {
			continue
		}
		b.WriteString(strings.ToUpper(word[:1]))
		b.WriteString(word[1:])
	}
	return b.String()
}
