package journal

import (
	"context"
	"sort"
	"sync"
)

// MemJournal is a thread-safe in-memory journal.
type MemJournal struct {
	mu      sync.RWMutex
	seq     uint64
	entries []Entry
}

// NewMemJournal creates an empty in-memory journal.
func NewMemJournal() *MemJournal {
	return &MemJournal{}
}

func (j *MemJournal) Append(_ context.Context, e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.seq++
	e.Seq = j.seq
	j.entries = append(j.entries, e)
	return nil
}

func (j *MemJournal) List(_ context.Context, executor string, afterSeq uint64, limit int) ([]Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var result []Entry
	for _, e := range j.entries {
		if e.Seq <= afterSeq || (executor != "" && e.Executor != executor) {
			continue
		}
		result = append(result, e)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (j *MemJournal) Executors(_ context.Context) ([]string, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	seen := make(map[string]struct{})
	var names []string
	for _, e := range j.entries {
		if _, ok := seen[e.Executor]; ok {
			continue
		}
		seen[e.Executor] = struct{}{}
		names = append(names, e.Executor)
	}
	sort.Strings(names)
	return names, nil
}

func (j *MemJournal) Close() error {
	return nil
}

// Compile-time interface check.
var _ Journal = (*MemJournal)(nil)
