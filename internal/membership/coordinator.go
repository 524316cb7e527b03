// Package membership reacts to members joining and leaving the grid.
//
// A join only records the newcomer for discovery and in the durable
// cluster configuration; any task activity it causes flows through
// partition migration and the quorum guard. A departure updates the
// configuration and re-triggers the departed node's tasks whose partition
// is now owned here.
//
// Every survivor handles a departure on its own, in no particular order,
// and they all read the departed node's shared task set. A survivor only
// releases the IDs it owns and has handled; IDs owned elsewhere stay in
// the set for their owner to read.
package membership

import (
	"context"
	"log/slog"

	"github.com/dreamware/tremor/internal/cluster"
	"github.com/dreamware/tremor/internal/logging"
	"github.com/dreamware/tremor/internal/trigger"
)

// Owners answers partition ownership questions.
type Owners interface {
	OwnerOfKey(key string) string
}

// Associations is the node-task association cache.
type Associations interface {
	TasksOf(ctx context.Context, node string) ([]string, error)
	IsAlreadyTriggeredHere(taskID string) bool
	Release(ctx context.Context, node, taskID string) error
}

// ConfigMaintainer updates the durable cluster configuration.
type ConfigMaintainer interface {
	AddMember(ctx context.Context, host string) error
	RemoveMember(ctx context.Context, removed cluster.Member, survivors []cluster.Member, quorumPresent bool) error
}

// Quorum is the local quorum state and its deferred queue.
type Quorum interface {
	Present() bool
	Defer(taskID string)
}

// SeedRecorder remembers addresses used to rejoin the grid.
type SeedRecorder interface {
	AddSeed(addr string)
}

// Decider runs the trigger decision.
type Decider interface {
	Decide(ctx context.Context, taskID string) (trigger.Decision, error)
}

// Sweeper is the deferred reconciliation queue.
type Sweeper interface {
	Add(taskID string)
	Schedule(ctx context.Context)
}

// Deps wires a Coordinator.
type Deps struct {
	Owners  Owners
	Assoc   Associations
	Config  ConfigMaintainer
	Quorum  Quorum
	Seeds   SeedRecorder
	Decider Decider
	Sweeper Sweeper
	Logger  *slog.Logger
	NodeID  string
}

// Coordinator handles membership events for one node.
type Coordinator struct {
	deps Deps
	log  *slog.Logger
}

// NewCoordinator returns a Coordinator for the node deps.NodeID. Every
// dependency except Config, Seeds and Logger is required.
func NewCoordinator(deps Deps) *Coordinator {
	return &Coordinator{deps: deps, log: logging.OrDefault(deps.Logger, "membership")}
}

// Handle processes one membership event.
func (c *Coordinator) Handle(ctx context.Context, ev cluster.MembershipEvent) {
	switch ev.Kind {
	case cluster.MemberAdded:
		c.added(ctx, ev)
	case cluster.MemberRemoved:
		c.removed(ctx, ev)
	default:
		c.log.Warn("unknown membership event", "kind", ev.Kind)
	}
}

func (c *Coordinator) added(ctx context.Context, ev cluster.MembershipEvent) {
	c.log.Info("member joined", "member", ev.Member.ID, "addr", ev.Member.Addr)
	if c.deps.Seeds != nil && ev.Member.Addr != "" {
		c.deps.Seeds.AddSeed(ev.Member.Addr)
	}
	if c.deps.Config != nil && ev.Member.Host != "" {
		if err := c.deps.Config.AddMember(ctx, ev.Member.Host); err != nil {
			c.log.Error("recording member in cluster config failed", "member", ev.Member.ID, "error", err)
		}
	}
}

func (c *Coordinator) removed(ctx context.Context, ev cluster.MembershipEvent) {
	removed := ev.Member
	present := c.deps.Quorum.Present()
	c.log.Info("member removed", "member", removed.ID, "addr", removed.Addr, "quorum", present)

	if c.deps.Config != nil {
		if err := c.deps.Config.RemoveMember(ctx, removed, ev.Members, present); err != nil {
			c.log.Error("removing member from cluster config failed", "member", removed.ID, "error", err)
		}
	}

	ids, err := c.deps.Assoc.TasksOf(ctx, removed.ID)
	if err != nil {
		c.log.Error("loading tasks of removed member failed", "member", removed.ID, "error", err)
	}

	retriggered := 0
	for _, id := range ids {
		if c.deps.Owners.OwnerOfKey(id) != c.deps.NodeID {
			c.deps.Sweeper.Add(id)
			continue
		}
		switch {
		case c.deps.Assoc.IsAlreadyTriggeredHere(id):
		case !c.deps.Quorum.Present():
			c.deps.Quorum.Defer(id)
		default:
			if _, err := c.deps.Decider.Decide(ctx, id); err != nil {
				c.log.Error("re-triggering task of removed member failed", "task", id, "member", removed.ID, "error", err)
				c.deps.Sweeper.Add(id)
				continue
			}
			retriggered++
		}
		if err := c.deps.Assoc.Release(ctx, removed.ID, id); err != nil {
			c.log.Error("releasing task of removed member failed", "task", id, "member", removed.ID, "error", err)
		}
	}
	if len(ids) > 0 {
		c.log.Info("tasks of removed member processed", "member", removed.ID, "tasks", len(ids), "decided", retriggered)
	}
	c.deps.Sweeper.Schedule(ctx)
}
