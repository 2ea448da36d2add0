package scm

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petal-labs/eventq/bus"
	"github.com/petal-labs/eventq/core"
	"github.com/petal-labs/eventq/executor"
)

// SimulationConfig shapes a simulated cluster.
type SimulationConfig struct {
	Nodes             int
	ContainersPerNode int
	ReplicationFactor int
	Rounds            int
	// DeadNodes is how many nodes stop heartbeating after the first round.
	DeadNodes int
	// DeadAfter is the number of silent ticks before a node is declared dead.
	DeadAfter int
	// FullEvery marks every n-th container as full (0 disables).
	FullEvery   int
	ReportLanes int
	// QuiescenceTimeout bounds each wait between simulation phases.
	QuiescenceTimeout time.Duration
}

// WithDefaults returns a copy with zero fields replaced by defaults.
func (c SimulationConfig) WithDefaults() SimulationConfig {
	if c.Nodes <= 0 {
		c.Nodes = 5
	}
	if c.ContainersPerNode <= 0 {
		c.ContainersPerNode = 4
	}
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = 3
	}
	if c.ReplicationFactor > c.Nodes {
		c.ReplicationFactor = c.Nodes
	}
	if c.Rounds <= 0 {
		c.Rounds = 4
	}
	if c.DeadAfter <= 0 {
		c.DeadAfter = 2
	}
	if c.ReportLanes <= 0 {
		c.ReportLanes = 4
	}
	if c.QuiescenceTimeout <= 0 {
		c.QuiescenceTimeout = 10 * time.Second
	}
	return c
}

// Cluster bundles the three managers.
type Cluster struct {
	Placement   *PlacementManager
	Replication *ReplicationManager
	Lifecycle   *LifecycleManager
}

// NewCluster creates the managers for cfg.
func NewCluster(cfg SimulationConfig) *Cluster {
	cfg = cfg.WithDefaults()
	return &Cluster{
		Placement:   NewPlacementManager(cfg.DeadAfter),
		Replication: NewReplicationManager(cfg.ReplicationFactor),
		Lifecycle:   NewLifecycleManager(),
	}
}

// Register subscribes every manager. laneOpts apply to the report pool.
func (c *Cluster) Register(b *bus.Bus, reportLanes int, laneOpts ...executor.Option) error {
	if err := c.Placement.Register(b); err != nil {
		return fmt.Errorf("scm: register placement: %w", err)
	}
	if err := c.Replication.Register(b, reportLanes, laneOpts...); err != nil {
		return fmt.Errorf("scm: register replication: %w", err)
	}
	if err := c.Lifecycle.Register(b); err != nil {
		return fmt.Errorf("scm: register lifecycle: %w", err)
	}
	return nil
}

// Simulation produces node traffic for a Cluster.
type Simulation struct {
	cfg   SimulationConfig
	rack  *Node
	Nodes []*Node
}

// NewSimulation builds the nodes of one rack.
func NewSimulation(cfg SimulationConfig) *Simulation {
	cfg = cfg.WithDefaults()
	rack := &Node{ID: "rack-1"}
	s := &Simulation{cfg: cfg, rack: rack}
	for i := 0; i < cfg.Nodes; i++ {
		n := &Node{
			ID:      fmt.Sprintf("dn-%d", i+1),
			Address: fmt.Sprintf("10.0.0.%d:9858", i+1),
			Parent:  rack,
		}
		rack.Children = append(rack.Children, n)
		s.Nodes = append(s.Nodes, n)
	}
	return s
}

// Config returns the effective configuration.
func (s *Simulation) Config() SimulationConfig {
	return s.cfg
}

// Containers returns the containers held by node index i. Container c lives
// on nodes c, c+1, ... modulo the node count.
func (s *Simulation) Containers(i int) []uint64 {
	total := s.cfg.Nodes * s.cfg.ContainersPerNode / s.cfg.ReplicationFactor
	var out []uint64
	for c := 0; c < total; c++ {
		for k := 0; k < s.cfg.ReplicationFactor; k++ {
			if (c+k)%s.cfg.Nodes == i {
				out = append(out, uint64(c+1))
				break
			}
		}
	}
	return out
}

func (s *Simulation) silent(i, round int) bool {
	return round > 0 && i >= s.cfg.Nodes-s.cfg.DeadNodes
}

// RegisterNodes publishes NodeRegistered for every node.
func (s *Simulation) RegisterNodes(pub core.Publisher) {
	for _, n := range s.Nodes {
		core.Publish(pub, NodeRegistered, n)
	}
}

// Round publishes one heartbeat and the container reports of every live
// node, one producer goroutine per node.
func (s *Simulation) Round(ctx context.Context, pub core.Publisher, round int) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, n := range s.Nodes {
		if s.silent(i, round) {
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			core.Publish(pub, NodeHeartbeat, Heartbeat{Node: n.ID, Seq: round, UsedBytes: int64(round+1) << 20})
			for _, c := range s.Containers(i) {
				full := s.cfg.FullEvery > 0 && c%uint64(s.cfg.FullEvery) == 0
				core.Publish(pub, ContainerReported, ContainerReport{
					Node:      n.ID,
					Container: c,
					UsedBytes: int64(c) << 20,
					Full:      full,
				})
			}
			return nil
		})
	}
	return g.Wait()
}

type flusher interface {
	Flush()
}

// Run drives the whole simulation: registration, then for every round the
// node traffic followed by one tick. It waits for the bus to settle after
// every phase, so the managers see rounds in order. tick publishes
// ReplicationTick; pub may wrap b, for example with a Coalescer.
func (s *Simulation) Run(ctx context.Context, b *bus.Bus, pub core.Publisher, tick func()) error {
	settle := func() error {
		if f, ok := pub.(flusher); ok {
			f.Flush()
		}
		return b.WaitUntilQuiescent(s.cfg.QuiescenceTimeout)
	}

	s.RegisterNodes(pub)
	if err := settle(); err != nil {
		return err
	}
	for round := 0; round < s.cfg.Rounds; round++ {
		if err := s.Round(ctx, pub, round); err != nil {
			return err
		}
		if err := settle(); err != nil {
			return err
		}
		tick()
		if err := settle(); err != nil {
			return err
		}
	}
	return nil
}
