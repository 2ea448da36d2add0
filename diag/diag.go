// Package diag renders event payloads as one-line JSON summaries for trace logs.
//
// Summaries are built field by field from registered functions or from the
// payload's own Summarizer implementation. Nothing walks payloads reflectively,
// so back-references such as a node's parent cannot recurse.
package diag

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/tidwall/sjson"
)

// ErrSummaryPanic is returned when a summary function panics.
var ErrSummaryPanic = errors.New("diag: summary function panicked")

// Summarizer is implemented by payloads that describe themselves.
type Summarizer interface {
	Summarize(f *Fields)
}

// Fields accumulates the JSON summary of one payload. Keys may use sjson dot
// paths ("container.id"). Keys on the skip list are dropped silently.
type Fields struct {
	json string
	skip []string
	err  error
}

func newFields(skip []string) *Fields {
	return &Fields{json: "{}", skip: skip}
}

// Set adds a field. The first error is kept and later calls are ignored.
func (f *Fields) Set(key string, value any) *Fields {
	if f.err != nil || f.skipped(key) {
		return f
	}
	out, err := sjson.Set(f.json, key, value)
	if err != nil {
		f.err = fmt.Errorf("diag: set %q: %w", key, err)
		return f
	}
	f.json = out
	return f
}

func (f *Fields) skipped(key string) bool {
	for _, s := range f.skip {
		if key == s || strings.HasPrefix(key, s+".") {
			return true
		}
	}
	return false
}

// String returns the JSON built so far.
func (f *Fields) String() string {
	return f.json
}

type entry struct {
	fn   func(payload any, f *Fields)
	skip []string
}

// Describer maps payload types to summary functions. It is safe for concurrent use.
type Describer struct {
	mu      sync.RWMutex
	entries map[reflect.Type]entry
}

// New creates an empty Describer.
func New() *Describer {
	return &Describer{entries: make(map[reflect.Type]entry)}
}

// Register installs fn as the summary function for payloads of type P. Fields
// named in skip (and their sub-paths) are never emitted, whatever fn sets.
func Register[P any](d *Describer, fn func(payload P, f *Fields), skip ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[reflect.TypeFor[P]()] = entry{
		fn:   func(payload any, f *Fields) { fn(payload.(P), f) },
		skip: append([]string(nil), skip...),
	}
}

// Describe returns the one-line JSON summary of payload. Registered functions
// win over Summarizer; other payloads yield their kind and, for plain values,
// the value itself.
func (d *Describer) Describe(payload any) (out string, err error) {
	if payload == nil {
		return `{"kind":"nil"}`, nil
	}
	kind := reflect.TypeOf(payload)

	d.mu.RLock()
	e, ok := d.entries[kind]
	d.mu.RUnlock()

	f := newFields(e.skip)
	defer func() {
		if rec := recover(); rec != nil {
			out, err = "", fmt.Errorf("%w: %s: %v", ErrSummaryPanic, kind, rec)
		}
	}()

	switch {
	case ok:
		e.fn(payload, f)
	case implementsSummarizer(payload):
		payload.(Summarizer).Summarize(f)
	default:
		fallback(payload, kind, f)
	}
	if f.err != nil {
		return "", f.err
	}
	return f.String(), nil
}

func implementsSummarizer(payload any) bool {
	_, ok := payload.(Summarizer)
	return ok
}

func fallback(payload any, kind reflect.Type, f *Fields) {
	f.Set("kind", kind.String())
	switch v := payload.(type) {
	case string, bool, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, float32, float64:
		f.Set("value", v)
	case fmt.Stringer:
		f.Set("value", v.String())
	}
}
