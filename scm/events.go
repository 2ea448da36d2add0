// Package scm is a small storage-container-manager domain built on the event
// bus. Data nodes register and heartbeat, report their containers, and the
// managers react: full containers are closed, nodes that stop heartbeating are
// declared dead and their containers re-replicated.
//
// The CLI simulator and the integration tests drive it.
package scm

import (
	"fmt"
	"time"

	"github.com/petal-labs/eventq/core"
	"github.com/petal-labs/eventq/diag"
)

// Node is a datanode. Parent points at the node's rack, which lists the node
// among its Children.
type Node struct {
	ID       string
	Address  string
	Parent   *Node
	Children []*Node
}

// Heartbeat is sent periodically by every live node.
type Heartbeat struct {
	Node      string
	Seq       int
	UsedBytes int64
}

// HeartbeatNode returns the node of a Heartbeat payload, or "" for anything else.
func HeartbeatNode(payload any) string {
	hb, _ := payload.(Heartbeat)
	return hb.Node
}

// ContainerReport describes one container replica held by a node.
type ContainerReport struct {
	Node      string
	Container uint64
	UsedBytes int64
	Full      bool
}

// CloseCommand asks for a container to be closed.
type CloseCommand struct {
	Container uint64
	Reason    string
}

// ReplicateCommand asks for a container to be copied from Source to Target.
type ReplicateCommand struct {
	Container uint64
	Source    string
	Target    string
}

// Events of the domain.
var (
	NodeRegistered     = core.NewEvent[*Node]("Node_Registered")
	NodeHeartbeat      = core.NewEvent[Heartbeat]("Node_Heartbeat")
	DeadNode           = core.NewEvent[*Node]("Dead_Node")
	ContainerReported  = core.NewEvent[ContainerReport]("Container_Report")
	CloseContainer     = core.NewEvent[CloseCommand]("Close_Container")
	ReplicateContainer = core.NewEvent[ReplicateCommand]("Replicate_Container")
	ReplicationTick    = core.NewEvent[time.Time]("Replication_Tick")
)

// Lookup returns the key of a domain event by name.
func Lookup(name string) (core.EventKey, bool) {
	for _, k := range []core.EventKey{
		NodeRegistered.Key(),
		NodeHeartbeat.Key(),
		DeadNode.Key(),
		ContainerReported.Key(),
		CloseContainer.Key(),
		ReplicateContainer.Key(),
		ReplicationTick.Key(),
	} {
		if k.Name == name {
			return k, true
		}
	}
	return core.EventKey{}, false
}

// RegisterSummaries installs trace-log summaries for the domain payloads.
// A node's parent is skipped: the rack lists the node again as a child.
func RegisterSummaries(d *diag.Describer) {
	diag.Register(d, func(n *Node, f *diag.Fields) {
		f.Set("id", n.ID).Set("address", n.Address)
		if n.Parent != nil {
			f.Set("parent.id", n.Parent.ID)
			f.Set("parent.children", len(n.Parent.Children))
		}
	}, "parent")
	diag.Register(d, func(h Heartbeat, f *diag.Fields) {
		f.Set("node", h.Node).Set("seq", h.Seq).Set("used_bytes", h.UsedBytes)
	})
	diag.Register(d, func(r ContainerReport, f *diag.Fields) {
		f.Set("node", r.Node).Set("container", r.Container).Set("full", r.Full)
	})
	diag.Register(d, func(c CloseCommand, f *diag.Fields) {
		f.Set("container", c.Container).Set("reason", c.Reason)
	})
	diag.Register(d, func(c ReplicateCommand, f *diag.Fields) {
		f.Set("container", c.Container).Set("source", c.Source).Set("target", c.Target)
	})
	diag.Register(d, func(t time.Time, f *diag.Fields) {
		f.Set("time", t.UTC().Format(time.RFC3339))
	})
}

func (c ReplicateCommand) String() string {
	return fmt.Sprintf("container %d: %s -> %s", c.Container, c.Source, c.Target)
}
