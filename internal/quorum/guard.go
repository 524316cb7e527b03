package quorum

import (
	"context"
	"log/slog"
	"sync"

	"github.com/dreamware/tremor/internal/cluster"
	"github.com/dreamware/tremor/internal/logging"
	"github.com/dreamware/tremor/internal/trigger"
)

// ConfigMaintainer keeps the durable cluster configuration in step with
// quorum transitions.
type ConfigMaintainer interface {
	SyncFromView(ctx context.Context, view cluster.View, threshold int) error
	StripMembers(ctx context.Context, view cluster.View) error
}

// LocalSchedules exposes the schedules armed on this node.
type LocalSchedules interface {
	LocalIDs() []string
	CancelLocal(id string)
}

// Associations is the node-task association cache.
type Associations interface {
	ForgetLocal(ctx context.Context, taskID string) error
}

// Decider runs the trigger decision.
type Decider interface {
	Decide(ctx context.Context, taskID string) (trigger.Decision, error)
}

// Owners answers partition ownership questions.
type Owners interface {
	OwnsKey(node, key string) bool
}

// Announcer re-delivers a registry entry to its current owner.
type Announcer interface {
	Reannounce(ctx context.Context, key string) error
}

// Purger is anything holding a node-local reconciliation queue.
type Purger interface {
	Purge()
}

// GuardDeps wires a Guard.
type GuardDeps struct {
	Monitor   *Monitor
	Config    ConfigMaintainer
	Schedules LocalSchedules
	Assoc     Associations
	Decider   Decider
	Owners    Owners
	Announcer Announcer
	Metrics   *logging.Metrics
	Logger    *slog.Logger
	// OnFirstPresent runs once, the first time quorum forms on this node.
	OnFirstPresent func(ctx context.Context, view cluster.View)
	Purgers        []Purger
	NodeID         string
}

// Guard reacts to quorum transitions.
type Guard struct {
	deps      GuardDeps
	log       *slog.Logger
	firstOnce sync.Once
}

// NewGuard creates a guard from deps. Config, Announcer and OnFirstPresent
// may be nil.
func NewGuard(deps GuardDeps) *Guard {
	return &Guard{deps: deps, log: logging.OrDefault(deps.Logger, "quorum")}
}

// Handle processes one transition. It is called from the quorum event
// dispatcher.
func (g *Guard) Handle(ctx context.Context, ev cluster.QuorumEvent) {
	g.deps.Metrics.QuorumTransition(ctx, ev.State.String())
	if ev.State == cluster.QuorumPresent {
		g.present(ctx, ev.View)
		return
	}
	g.absent(ctx, ev.View)
}

func (g *Guard) present(ctx context.Context, view cluster.View) {
	if g.deps.Config != nil {
		if err := g.deps.Config.SyncFromView(ctx, view, g.deps.Monitor.Threshold()); err != nil {
			g.log.Error("cluster config sync failed", "error", err)
		}
	}

	if g.deps.OnFirstPresent != nil {
		g.firstOnce.Do(func() { g.deps.OnFirstPresent(ctx, view) })
	}

	deferred := g.deps.Monitor.TakeDeferred()
	if len(deferred) > 0 {
		g.log.Info("resubmitting deferred tasks", "count", len(deferred))
	}
	for _, id := range deferred {
		if g.deps.Owners.OwnsKey(g.deps.NodeID, id) {
			if _, err := g.deps.Decider.Decide(ctx, id); err != nil {
				g.log.Error("deferred task decision failed", "task", id, "error", err)
			}
			continue
		}
		if g.deps.Announcer != nil {
			if err := g.deps.Announcer.Reannounce(ctx, id); err != nil {
				g.log.Warn("re-announcing deferred task failed", "task", id, "error", err)
			}
		}
	}
}

func (g *Guard) absent(ctx context.Context, view cluster.View) {
	ids := g.deps.Schedules.LocalIDs()
	if len(ids) > 0 {
		g.log.Info("quorum lost, cancelling local schedules", "count", len(ids))
	}
	for _, id := range ids {
		g.deps.Schedules.CancelLocal(id)
		if err := g.deps.Assoc.ForgetLocal(ctx, id); err != nil {
			g.log.Error("forgetting cancelled schedule failed", "task", id, "error", err)
		}
		g.deps.Monitor.Defer(id)
	}

	if g.deps.Config != nil {
		if err := g.deps.Config.StripMembers(ctx, view); err != nil {
			g.log.Error("stripping cluster config members failed", "error", err)
		}
	}

	for _, p := range g.deps.Purgers {
		p.Purge()
	}
}
