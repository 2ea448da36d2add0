package bus

import (
	"sort"

	"github.com/petal-labs/eventq/core"
	"github.com/petal-labs/eventq/executor"
)

// Inspect returns the executors serving key with the IDs of their handlers
// in delivery order.
func (b *Bus) Inspect(key core.EventKey) map[executor.Executor][]string {
	out := make(map[executor.Executor][]string)
	for _, bd := range b.snapshot().routes[key] {
		ids := make([]string, len(bd.deliveries))
		for i, d := range bd.deliveries {
			ids[i] = d.HandlerID()
		}
		out[bd.exec] = ids
	}
	return out
}

// InspectEvent is the typed form of Bus.Inspect.
func InspectEvent[P any](b *Bus, ev core.Event[P]) map[executor.Executor][]string {
	return b.Inspect(ev.Key())
}

// LaneSnapshot describes one executor.
type LaneSnapshot struct {
	Name       string
	Stats      executor.Stats
	QueueDepth int
}

type queueDepther interface {
	QueueDepth() int
}

// Lanes returns a snapshot of every distinct executor, sorted by name.
func (b *Bus) Lanes() []LaneSnapshot {
	execs := b.snapshot().executors
	out := make([]LaneSnapshot, 0, len(execs))
	for _, e := range execs {
		s := LaneSnapshot{Name: e.Name(), Stats: e.Stats()}
		if qd, ok := e.(queueDepther); ok {
			s.QueueDepth = qd.QueueDepth()
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LanesByName is Lanes with executors that share a name folded into one
// snapshot. Distinct executors may derive the same name, for example one
// handler ID subscribed to two payload kinds of an event; exporters keyed by
// executor name use this view.
func (b *Bus) LanesByName() []LaneSnapshot {
	lanes := b.Lanes()
	out := lanes[:0]
	for _, l := range lanes {
		if n := len(out); n > 0 && out[n-1].Name == l.Name {
			out[n-1].Stats = out[n-1].Stats.Add(l.Stats)
			out[n-1].QueueDepth += l.QueueDepth
			continue
		}
		out = append(out, l)
	}
	return out
}
