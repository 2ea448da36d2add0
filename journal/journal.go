// Package journal records failed event deliveries so they can be inspected
// after a run. Entries are written by Observer, which plugs into executors
// as an executor.Observer.
package journal

import (
	"context"
	"time"
)

// Entry is one failed delivery.
type Entry struct {
	// Seq is assigned by the journal and increases with every append.
	Seq         uint64
	ID          string
	Time        time.Time
	Executor    string
	Handler     string
	PayloadKind string
	Summary     string
	Error       string
	Panicked    bool
	Duration    time.Duration
}

// Journal stores entries.
type Journal interface {
	// Append stores an entry. Seq is ignored and assigned by the journal.
	Append(ctx context.Context, e Entry) error

	// List returns entries in Seq order.
	// executor: only entries of this executor ("" means all)
	// afterSeq: return entries with Seq > afterSeq (0 means all)
	// limit: max entries to return (0 means no limit)
	List(ctx context.Context, executor string, afterSeq uint64, limit int) ([]Entry, error)

	// Executors returns the distinct executor names with entries, sorted.
	Executors(ctx context.Context) ([]string, error)

	// Close releases resources.
	Close() error
}
