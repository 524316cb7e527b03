// Package migration reacts to partitions changing owner.
//
// The old owner stops being a source of truth for the recurring tasks of
// a partition as soon as the hand-off starts. The new owner, once the
// hand-off completes, re-triggers what it is now responsible for:
//
//	old owner alive  -> scheduled tasks only; one-shot tasks keep running
//	                    where they are
//	old owner gone   -> every task in the partition
package migration

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dreamware/tremor/internal/cluster"
	"github.com/dreamware/tremor/internal/logging"
	"github.com/dreamware/tremor/internal/storage"
	"github.com/dreamware/tremor/internal/trigger"
)

// Keys lists the registry keys of a partition.
type Keys interface {
	KeysInPartition(ctx context.Context, partition int) ([]string, error)
}

// Associations is the node-task association cache.
type Associations interface {
	IsAlreadyTriggeredHere(taskID string) bool
	ForgetLocal(ctx context.Context, taskID string) error
}

// Schedules is the part of the schedule service used on hand-off.
type Schedules interface {
	IsScheduledLocally(id string) bool
	CancelLocal(id string)
}

// Quorum is the local quorum state and its deferred queue.
type Quorum interface {
	Present() bool
	Defer(taskID string)
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
	Keys      Keys
	Tasks     storage.TaskStore
	Assoc     Associations
	Schedules Schedules
	Quorum    Quorum
	Decider   Decider
	Sweeper   Sweeper
	Metrics   *logging.Metrics
	Logger    *slog.Logger
	NodeID    string
}

// Coordinator handles migration events for one node.
type Coordinator struct {
	deps Deps
	log  *slog.Logger
}

// NewCoordinator creates the migration coordinator of deps.NodeID.
func NewCoordinator(deps Deps) *Coordinator {
	return &Coordinator{deps: deps, log: logging.OrDefault(deps.Logger, "migration")}
}

// Handle processes one migration event. Events for partitions this node
// neither gives up nor receives are ignored.
func (c *Coordinator) Handle(ctx context.Context, ev cluster.MigrationEvent) {
	switch ev.Kind {
	case cluster.MigrationStarted:
		if ev.OldOwner == c.deps.NodeID {
			c.deps.Metrics.Migration(ctx, string(ev.Kind))
			c.started(ctx, ev)
		}
	case cluster.MigrationCompleted:
		if ev.NewOwner == c.deps.NodeID {
			c.deps.Metrics.Migration(ctx, string(ev.Kind))
			c.completed(ctx, ev)
		}
	case cluster.MigrationFailed:
		c.deps.Metrics.Migration(ctx, string(ev.Kind))
		c.log.Warn("partition migration failed", "partition", ev.Partition, "from", ev.OldOwner, "to", ev.NewOwner)
	}
}

func (c *Coordinator) started(ctx context.Context, ev cluster.MigrationEvent) {
	keys, err := c.deps.Keys.KeysInPartition(ctx, ev.Partition)
	if err != nil {
		c.log.Error("listing partition keys failed", "partition", ev.Partition, "error", err)
		return
	}

	released := 0
	for _, id := range keys {
		if !c.deps.Assoc.IsAlreadyTriggeredHere(id) || !c.recurring(ctx, id) {
			continue
		}
		c.deps.Schedules.CancelLocal(id)
		if err := c.deps.Assoc.ForgetLocal(ctx, id); err != nil {
			c.log.Error("forgetting migrated task failed", "task", id, "error", err)
		}
		released++
	}
	c.log.Info("partition leaving this node", "partition", ev.Partition, "to", ev.NewOwner, "released", released)
}

// recurring reports whether id is a scheduled task. Lookup failures count
// as recurring when a schedule is armed here.
func (c *Coordinator) recurring(ctx context.Context, id string) bool {
	if c.deps.Schedules.IsScheduledLocally(id) {
		return true
	}
	t, err := c.deps.Tasks.LoadTask(ctx, id)
	if err != nil {
		return false
	}
	return t.Scheduled
}

func (c *Coordinator) completed(ctx context.Context, ev cluster.MigrationEvent) {
	defer c.deps.Sweeper.Schedule(ctx)

	keys, err := c.deps.Keys.KeysInPartition(ctx, ev.Partition)
	if err != nil {
		c.log.Error("listing partition keys failed", "partition", ev.Partition, "error", err)
		return
	}

	removal := ev.CausedByRemoval()
	decided := 0
	for _, id := range keys {
		if c.deps.Assoc.IsAlreadyTriggeredHere(id) {
			continue
		}
		t, err := c.deps.Tasks.LoadTask(ctx, id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			// the decision drops the dangling entry
		case err != nil:
			c.log.Warn("loading migrated task failed, will retry", "task", id, "error", err)
			c.deps.Sweeper.Add(id)
			continue
		case !removal && !t.Scheduled:
			continue
		}

		if !c.deps.Quorum.Present() {
			c.deps.Quorum.Defer(id)
			continue
		}
		if _, err := c.deps.Decider.Decide(ctx, id); err != nil {
			c.log.Error("re-triggering migrated task failed", "task", id, "error", err)
			continue
		}
		decided++
	}
	c.log.Info("partition now owned here",
		"partition", ev.Partition,
		"from", ev.OldOwner,
		"removal", removal,
		"keys", len(keys),
		"decided", decided)
}
