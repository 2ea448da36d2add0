package scm

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/petal-labs/eventq/bus"
	"github.com/petal-labs/eventq/core"
	"github.com/petal-labs/eventq/executor"
)

// Handler IDs. They end up in executor names such as
// "DeadNodeForReplicationManager".
const (
	PlacementManagerID   = "PlacementManager"
	ReplicationManagerID = "ReplicationManager"
	LifecycleManagerID   = "LifecycleManager"
)

var (
	// ErrUnknownNode is returned for heartbeats of nodes that never registered.
	ErrUnknownNode = errors.New("scm: unknown node")

	// ErrNoLiveReplica is returned when a dead node held the last replica of a container.
	ErrNoLiveReplica = errors.New("scm: no live replica")
)

type nodeState struct {
	node   *Node
	seen   bool
	missed int
	dead   bool
}

// PlacementManager tracks node liveness. A node that misses DeadAfter
// consecutive replication ticks without a heartbeat is declared dead.
type PlacementManager struct {
	deadAfter int

	mu    sync.Mutex
	nodes map[string]*nodeState
}

// NewPlacementManager creates a manager declaring nodes dead after deadAfter
// silent ticks (minimum 1).
func NewPlacementManager(deadAfter int) *PlacementManager {
	if deadAfter < 1 {
		deadAfter = 1
	}
	return &PlacementManager{deadAfter: deadAfter, nodes: make(map[string]*nodeState)}
}

// Register subscribes the manager's handlers.
func (m *PlacementManager) Register(b *bus.Bus) error {
	if err := bus.Subscribe[*Node](b, NodeRegistered, core.NewHandler(PlacementManagerID, m.onRegistered)); err != nil {
		return err
	}
	if err := bus.Subscribe[Heartbeat](b, NodeHeartbeat, core.NewHandler(PlacementManagerID, m.onHeartbeat)); err != nil {
		return err
	}
	return bus.Subscribe[time.Time](b, ReplicationTick, core.NewHandler(PlacementManagerID, m.onTick))
}

func (m *PlacementManager) onRegistered(_ context.Context, n *Node, _ core.Publisher) error {
	if n == nil || n.ID == "" {
		return errors.New("scm: node without ID")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[n.ID] = &nodeState{node: n, seen: true}
	return nil
}

func (m *PlacementManager) onHeartbeat(_ context.Context, h Heartbeat, _ core.Publisher) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.nodes[h.Node]
	if !ok {
		return fmt.Errorf("%w: heartbeat from %s", ErrUnknownNode, h.Node)
	}
	if st.dead {
		return fmt.Errorf("scm: heartbeat from dead node %s", h.Node)
	}
	st.seen = true
	st.missed = 0
	return nil
}

func (m *PlacementManager) onTick(_ context.Context, _ time.Time, pub core.Publisher) error {
	var dead []*Node
	m.mu.Lock()
	for _, id := range sortedKeys(m.nodes) {
		st := m.nodes[id]
		if st.dead {
			continue
		}
		if st.seen {
			st.seen = false
			continue
		}
		st.missed++
		if st.missed >= m.deadAfter {
			st.dead = true
			dead = append(dead, st.node)
		}
	}
	m.mu.Unlock()

	for _, n := range dead {
		core.Publish(pub, DeadNode, n)
	}
	return nil
}

// Live returns the IDs of nodes not declared dead, sorted.
func (m *PlacementManager) Live() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, id := range sortedKeys(m.nodes) {
		if !m.nodes[id].dead {
			ids = append(ids, id)
		}
	}
	return ids
}

// ReplicationManager keeps every container at the replication factor. Its
// container reports run on an affinity pool keyed by node, so each node's
// reports stay ordered while different nodes are processed in parallel.
type ReplicationManager struct {
	factor int

	mu       sync.Mutex
	healthy  map[string]bool
	replicas map[uint64]map[string]bool
	issued   []ReplicateCommand
}

// NewReplicationManager creates a manager with the given replication factor (minimum 1).
func NewReplicationManager(factor int) *ReplicationManager {
	if factor < 1 {
		factor = 1
	}
	return &ReplicationManager{
		factor:   factor,
		healthy:  make(map[string]bool),
		replicas: make(map[uint64]map[string]bool),
	}
}

// Register subscribes the manager's handlers. Container reports are spread
// over reportLanes lanes; opts apply to that pool.
func (m *ReplicationManager) Register(b *bus.Bus, reportLanes int, opts ...executor.Option) error {
	if err := bus.Subscribe[*Node](b, NodeRegistered, core.NewHandler(ReplicationManagerID, m.onRegistered)); err != nil {
		return err
	}
	pool := executor.NewAffinityPool(
		core.ExecutorName(ContainerReported.Key(), ReplicationManagerID),
		reportLanes,
		reportNode,
		opts...,
	)
	if err := bus.SubscribeWith[ContainerReport](b, ContainerReported, pool, core.NewHandler(ReplicationManagerID, m.onReport)); err != nil {
		return multierr.Append(err, pool.Release())
	}
	if err := bus.Subscribe[*Node](b, DeadNode, core.NewHandler(ReplicationManagerID, m.onDead)); err != nil {
		return err
	}
	return bus.Subscribe[ReplicateCommand](b, ReplicateContainer, core.NewHandler(ReplicationManagerID, m.onReplicate))
}

// reportNode keys container reports by reporting node. Anything else shares
// the empty key.
func reportNode(payload any) string {
	r, _ := payload.(ContainerReport)
	return r.Node
}

func (m *ReplicationManager) onRegistered(_ context.Context, n *Node, _ core.Publisher) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy[n.ID] = true
	return nil
}

func (m *ReplicationManager) onReport(_ context.Context, r ContainerReport, _ core.Publisher) error {
	if r.Node == "" {
		return fmt.Errorf("%w: container %d reported without a node", ErrUnknownNode, r.Container)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	nodes, ok := m.replicas[r.Container]
	if !ok {
		nodes = make(map[string]bool)
		m.replicas[r.Container] = nodes
	}
	nodes[r.Node] = true
	return nil
}

func (m *ReplicationManager) onDead(_ context.Context, n *Node, pub core.Publisher) error {
	var (
		commands []ReplicateCommand
		errs     []error
	)
	m.mu.Lock()
	m.healthy[n.ID] = false
	for _, c := range sortedKeys(m.replicas) {
		nodes := m.replicas[c]
		if !nodes[n.ID] {
			continue
		}
		delete(nodes, n.ID)
		if len(nodes) >= m.factor {
			continue
		}
		if len(nodes) == 0 {
			errs = append(errs, fmt.Errorf("%w: container %d", ErrNoLiveReplica, c))
			continue
		}
		source := sortedKeys(nodes)[0]
		for _, target := range sortedKeys(m.healthy) {
			if m.healthy[target] && !nodes[target] {
				commands = append(commands, ReplicateCommand{Container: c, Source: source, Target: target})
				break
			}
		}
	}
	m.mu.Unlock()

	for _, cmd := range commands {
		core.Publish(pub, ReplicateContainer, cmd)
	}
	return multierr.Combine(errs...)
}

func (m *ReplicationManager) onReplicate(_ context.Context, cmd ReplicateCommand, _ core.Publisher) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.healthy[cmd.Target] {
		return fmt.Errorf("scm: replication target %s is not healthy", cmd.Target)
	}
	nodes, ok := m.replicas[cmd.Container]
	if !ok {
		nodes = make(map[string]bool)
		m.replicas[cmd.Container] = nodes
	}
	nodes[cmd.Target] = true
	m.issued = append(m.issued, cmd)
	return nil
}

// Replicas returns the sorted holders of a container.
func (m *ReplicationManager) Replicas(container uint64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.replicas[container])
}

// Issued returns the replication commands applied so far.
func (m *ReplicationManager) Issued() []ReplicateCommand {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ReplicateCommand(nil), m.issued...)
}

// LifecycleManager closes containers reported full, once each.
type LifecycleManager struct {
	mu      sync.Mutex
	closing map[uint64]bool
	closed  map[uint64]bool
}

// NewLifecycleManager creates a LifecycleManager.
func NewLifecycleManager() *LifecycleManager {
	return &LifecycleManager{closing: make(map[uint64]bool), closed: make(map[uint64]bool)}
}

// Register subscribes the manager's handlers.
func (m *LifecycleManager) Register(b *bus.Bus) error {
	if err := bus.Subscribe[ContainerReport](b, ContainerReported, core.NewHandler(LifecycleManagerID, m.onReport)); err != nil {
		return err
	}
	return bus.Subscribe[CloseCommand](b, CloseContainer, core.NewHandler(LifecycleManagerID, m.onClose))
}

func (m *LifecycleManager) onReport(_ context.Context, r ContainerReport, pub core.Publisher) error {
	if !r.Full {
		return nil
	}
	m.mu.Lock()
	if m.closing[r.Container] {
		m.mu.Unlock()
		return nil
	}
	m.closing[r.Container] = true
	m.mu.Unlock()

	core.Publish(pub, CloseContainer, CloseCommand{Container: r.Container, Reason: "full"})
	return nil
}

func (m *LifecycleManager) onClose(_ context.Context, cmd CloseCommand, _ core.Publisher) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed[cmd.Container] = true
	return nil
}

// Closed returns the closed containers, sorted.
func (m *LifecycleManager) Closed() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.closed)
}

func sortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	return slices.Sorted(maps.Keys(m))
}
