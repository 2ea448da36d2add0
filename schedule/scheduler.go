// Package schedule publishes periodic events on cron schedules, for example
// the replication tick that drives dead-node detection.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron/v3"

	"github.com/petal-labs/eventq/core"
)

const defaultPollInterval = time.Second

// Job publishes Event whenever Spec fires.
type Job struct {
	Event core.EventKey
	Spec  string
	// Payload builds the payload for a firing at the given UTC time. Nil
	// publishes the time itself.
	Payload func(at time.Time) any
}

// Config configures a Scheduler.
type Config struct {
	Publisher    core.Publisher
	Jobs         []Job
	PollInterval time.Duration
	Clock        clock.Clock
	Logger       *slog.Logger
}

type entry struct {
	job      Job
	schedule cron.Schedule
	next     time.Time
}

// Scheduler polls its jobs and publishes the ones that are due.
type Scheduler struct {
	pub          core.Publisher
	pollInterval time.Duration
	clock        clock.Clock
	logger       *slog.Logger

	mu      sync.Mutex
	entries []*entry
	cancel  context.CancelFunc
	done    chan struct{}
}

// New validates every job and creates a stopped Scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Publisher == nil {
		return nil, errors.New("schedule: publisher is nil")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Scheduler{
		pub:          cfg.Publisher,
		pollInterval: cfg.PollInterval,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
	}
	now := s.clock.Now().UTC()
	for _, job := range cfg.Jobs {
		if err := core.ValidateEventName(job.Event.Name); err != nil {
			return nil, fmt.Errorf("schedule: %w", err)
		}
		sched, err := Parse(job.Spec)
		if err != nil {
			return nil, fmt.Errorf("schedule: job %s: %w", job.Event.Name, err)
		}
		s.entries = append(s.entries, &entry{job: job, schedule: sched, next: sched.Next(now)})
	}
	return s, nil
}

// Start starts background polling. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(_ context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := s.clock.Ticker(s.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.RunOnce()
			}
		}
	}()
	return nil
}

// Stop stops background polling and waits for the loop to exit or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce publishes every job that is due and returns how many fired.
// A job that fell behind fires once, not once per missed slot.
func (s *Scheduler) RunOnce() int {
	now := s.clock.Now().UTC()

	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if !now.Before(e.next) {
			due = append(due, e)
			e.next = e.schedule.Next(now)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		s.fire(e.job, now)
	}
	return len(due)
}

// RunAll publishes every job immediately, regardless of its schedule.
func (s *Scheduler) RunAll() {
	now := s.clock.Now().UTC()
	s.mu.Lock()
	entries := append([]*entry(nil), s.entries...)
	s.mu.Unlock()

	for _, e := range entries {
		s.fire(e.job, now)
	}
}

func (s *Scheduler) fire(job Job, at time.Time) {
	var payload any = at
	if job.Payload != nil {
		payload = job.Payload(at)
	}
	s.logger.Debug("scheduled event firing", "event", job.Event.Name, "spec", job.Spec)
	s.pub.Publish(job.Event, payload)
}

// Next returns the next firing time of every job, in job order.
func (s *Scheduler) Next() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Time, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.next
	}
	return out
}
