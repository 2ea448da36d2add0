// Package core provides the foundational types shared by the eventq bus and its executors.
//
// This package contains:
//   - Event identifiers: Event[P] and its comparable EventKey
//   - Handlers: Handler[P], HandlerFunc and the type-erased Delivery
//   - The Publisher capability handed back to handlers for event chaining
//   - Executor naming helpers (CamelCase, ExecutorName)
package core

import (
	"context"
	"errors"
	"fmt"
	"reflect"
)

var (
	// ErrInvalidHandler is returned when a handler is nil or has an empty ID.
	ErrInvalidHandler = errors.New("core: handler must be non-nil with a non-empty ID")

	// ErrPayloadKind is returned when a delivery receives a payload of the wrong type.
	ErrPayloadKind = errors.New("core: payload kind mismatch")
)

// EventKey is the comparable identity of an event: its name and payload kind.
// Two Event values with the same name but different payload types are distinct.
type EventKey struct {
	Name        string
	PayloadKind string
}

// String returns the event name, which is how events appear in logs.
func (k EventKey) String() string {
	return k.Name
}

// Event names a class of occurrences and fixes the Go type of its payload.
// Events are created once with NewEvent and reused for every publish.
type Event[P any] struct {
	key EventKey
}

// NewEvent creates an event identifier for payloads of type P.
func NewEvent[P any](name string) Event[P] {
	return Event[P]{key: EventKey{
		Name:        name,
		PayloadKind: reflect.TypeOf((*P)(nil)).Elem().String(),
	}}
}

// Name returns the event name.
func (e Event[P]) Name() string {
	return e.key.Name
}

// Key returns the comparable identity of the event.
func (e Event[P]) Key() EventKey {
	return e.key
}

// String returns the event name.
func (e Event[P]) String() string {
	return e.key.Name
}

// Publisher is the narrow capability to publish events. The bus implements it
// and passes itself to every handler so handlers can trigger follow-up events.
type Publisher interface {
	Publish(key EventKey, payload any)
}

// Publish sends a typed payload for ev through p.
func Publish[P any](p Publisher, ev Event[P], payload P) {
	p.Publish(ev.Key(), payload)
}

// Handler consumes payloads of one event. ID must be stable across restarts and
// refactors: it becomes part of the executor name used in logs and metrics.
type Handler[P any] interface {
	ID() string
	Handle(ctx context.Context, payload P, pub Publisher) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc[P any] struct {
	id string
	fn func(ctx context.Context, payload P, pub Publisher) error
}

// NewHandler creates a Handler with the given stable ID.
func NewHandler[P any](id string, fn func(ctx context.Context, payload P, pub Publisher) error) *HandlerFunc[P] {
	return &HandlerFunc[P]{id: id, fn: fn}
}

// ID returns the handler identifier.
func (h *HandlerFunc[P]) ID() string {
	return h.id
}

// Handle calls the wrapped function.
func (h *HandlerFunc[P]) Handle(ctx context.Context, payload P, pub Publisher) error {
	return h.fn(ctx, payload, pub)
}

// Delivery is a handler with its payload type erased. Executors work on
// deliveries so a single executor can serve handlers of different events.
type Delivery interface {
	HandlerID() string
	Deliver(ctx context.Context, payload any, pub Publisher) error
}

// Erase wraps a typed handler as a Delivery. A nil handler, including a typed
// nil whose ID method panics, is rejected with ErrInvalidHandler.
func Erase[P any](h Handler[P]) (Delivery, error) {
	id, ok := handlerID(h)
	if !ok || id == "" {
		return nil, ErrInvalidHandler
	}
	return erased[P]{id: id, h: h}, nil
}

func handlerID[P any](h Handler[P]) (id string, ok bool) {
	if h == nil {
		return "", false
	}
	defer func() {
		if recover() != nil {
			id, ok = "", false
		}
	}()
	return h.ID(), true
}

type erased[P any] struct {
	id string
	h  Handler[P]
}

func (e erased[P]) HandlerID() string {
	return e.id
}

func (e erased[P]) Deliver(ctx context.Context, payload any, pub Publisher) error {
	typed, ok := payload.(P)
	if !ok && payload != nil {
		return fmt.Errorf("%w: handler %s got %T", ErrPayloadKind, e.id, payload)
	}
	return e.h.Handle(ctx, typed, pub)
}
