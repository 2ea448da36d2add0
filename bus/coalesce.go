package bus

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/petal-labs/eventq/core"
)

// CoalesceConfig controls a Coalescer.
type CoalesceConfig struct {
	// Interval is how often coalesced events are flushed (default 100ms).
	Interval time.Duration

	// Events maps each coalesced event to the function returning the
	// coalescing key of its payload, for example a node ID.
	Events map[core.EventKey]func(payload any) string

	// Clock drives the flush ticker (default: wall clock).
	Clock clock.Clock
}

type coalesceSlot struct {
	event core.EventKey
	key   string
}

// Coalescer wraps a Publisher and collapses high-frequency events: within each
// interval only the latest payload per (event, key) is forwarded. Other
// events pass through immediately.
type Coalescer struct {
	next     core.Publisher
	events   map[core.EventKey]func(payload any) string
	interval time.Duration
	clock    clock.Clock

	mu      sync.Mutex
	pending map[coalesceSlot]any
	closed  bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewCoalescer starts a Coalescer publishing into next.
func NewCoalescer(next core.Publisher, cfg CoalesceConfig) *Coalescer {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	c := &Coalescer{
		next:     next,
		events:   cfg.Events,
		interval: cfg.Interval,
		clock:    cfg.Clock,
		pending:  make(map[coalesceSlot]any),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go c.run()
	return c
}

// Publish forwards the event or stores it for the next flush.
func (c *Coalescer) Publish(key core.EventKey, payload any) {
	keyFn, ok := c.events[key]
	if !ok {
		c.next.Publish(key, payload)
		return
	}
	slotKey, ok := coalesceKey(keyFn, payload)
	if !ok {
		c.next.Publish(key, payload)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.pending[coalesceSlot{event: key, key: slotKey}] = payload
}

// coalesceKey reports false when keyFn panics; such payloads pass through.
func coalesceKey(keyFn func(any) string, payload any) (key string, ok bool) {
	defer func() {
		if recover() != nil {
			key, ok = "", false
		}
	}()
	return keyFn(payload), true
}

// Close flushes pending events and stops the ticker. Safe to call more than once.
func (c *Coalescer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.stopCh)
	<-c.doneCh
}

func (c *Coalescer) run() {
	defer close(c.doneCh)

	ticker := c.clock.Ticker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Flush()
		case <-c.stopCh:
			c.Flush()
			return
		}
	}
}

// Flush forwards pending events now instead of waiting for the next tick.
func (c *Coalescer) Flush() {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	toFlush := c.pending
	c.pending = make(map[coalesceSlot]any)
	c.mu.Unlock()

	for slot, payload := range toFlush {
		c.next.Publish(slot.event, payload)
	}
}

var _ core.Publisher = (*Coalescer)(nil)
