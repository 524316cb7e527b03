// Package trigger decides whether a task ID found in the registry should
// be submitted for execution on this node, dropped from the registry, or
// ignored.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dreamware/tremor/internal/logging"
	"github.com/dreamware/tremor/internal/storage"
	"github.com/dreamware/tremor/internal/task"
)

// Decision is the outcome of Decide.
type Decision int

const (
	Ignore Decision = iota
	Drop
	Submit
)

func (d Decision) String() string {
	switch d {
	case Drop:
		return "DROP"
	case Submit:
		return "SUBMIT"
	default:
		return "IGNORE"
	}
}

// ErrSubmission wraps executor failures. The task itself is already marked
// FAILED when Decide returns it.
var ErrSubmission = errors.New("trigger: submission failed")

// Quorum gates decisions on the node's quorum state.
type Quorum interface {
	Present() bool
	Defer(taskID string)
}

// Associations is the node-task association cache.
type Associations interface {
	IsAlreadyTriggeredHere(taskID string) bool
	RecordLocal(ctx context.Context, taskID string) error
	ForgetLocal(ctx context.Context, taskID string) error
}

// Schedules is the schedule service.
type Schedules interface {
	Schedule(ctx context.Context, id string) (*task.Schedule, error)
	SetStatus(ctx context.Context, id string, status task.ScheduleStatus) error
	IsScheduledLocally(id string) bool
}

// Executor runs tasks. Submit returns once the task is accepted.
type Executor interface {
	Submit(ctx context.Context, t *task.Task) error
}

// Resolver attaches runtime-only fields to a task before submission.
type Resolver interface {
	Resolve(ctx context.Context, t *task.Task) error
}

// Registry is the part of the task registry the decider writes to.
type Registry interface {
	Remove(ctx context.Context, taskID string) error
}

// Deps wires a Decider.
type Deps struct {
	Tasks        storage.TaskStore
	Schedules    Schedules
	Executor     Executor
	Resolver     Resolver
	Registry     Registry
	Associations Associations
	Quorum       Quorum
	Metrics      *logging.Metrics
	Logger       *slog.Logger
	Now          func() time.Time
	Host         string
}

// Decider runs the trigger decision for one node. All decisions on a node
// go through the same Decider, whose mutex spans the "already triggered"
// check, the decision and the association update.
type Decider struct {
	deps Deps
	log  *slog.Logger
	mu   sync.Mutex
}

// New creates a Decider.
func New(deps Deps) *Decider {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Decider{deps: deps, log: logging.OrDefault(deps.Logger, "trigger")}
}

// Decide runs the decision for taskID and acts on it.
//
// The already-triggered check runs first, so invoking Decide repeatedly
// for the same ID submits at most once. While quorum is absent the ID is
// deferred and nothing is submitted. A DROP removes the ID from the
// registry after the decision lock is released.
func (d *Decider) Decide(ctx context.Context, taskID string) (Decision, error) {
	ctx, span := logging.StartSpan(ctx, "trigger.Decide", trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	decision, err := d.decideLocked(ctx, taskID)
	span.SetAttributes(attribute.String("decision", decision.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	if decision == Drop {
		d.deps.Metrics.TaskDropped(ctx)
		if d.deps.Registry != nil {
			if rerr := d.deps.Registry.Remove(ctx, taskID); rerr != nil && !errors.Is(rerr, storage.ErrNotFound) {
				d.log.Warn("registry removal failed", "task", taskID, "error", rerr)
			}
		}
	}
	return decision, err
}

func (d *Decider) decideLocked(ctx context.Context, taskID string) (Decision, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.deps.Associations.IsAlreadyTriggeredHere(taskID) {
		d.log.Debug("task already triggered on this node", "task", taskID)
		d.deps.Metrics.TaskIgnored(ctx, "already-triggered")
		return Ignore, nil
	}
	if !d.deps.Quorum.Present() {
		d.log.Info("quorum absent, deferring task", "task", taskID)
		d.deps.Quorum.Defer(taskID)
		d.deps.Metrics.TaskIgnored(ctx, "quorum-absent")
		return Ignore, nil
	}

	t, err := d.deps.Tasks.LoadTask(ctx, taskID)
	if errors.Is(err, storage.ErrNotFound) {
		d.log.Warn("task not found, dropping registry entry", "task", taskID)
		return Drop, nil
	}
	if err != nil {
		return Ignore, fmt.Errorf("load task %s: %w", taskID, err)
	}

	if !t.Scheduled && t.HasTriggers() && t.IsTerminal() && !t.RetriggerRequested {
		d.log.Debug("task already finished, dropping", "task", taskID, "status", t.Status)
		return Drop, nil
	}

	if t.Scheduled {
		sched, err := d.deps.Schedules.Schedule(ctx, taskID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return Ignore, fmt.Errorf("load schedule %s: %w", taskID, err)
		}
		active := sched != nil && sched.Status.Active()
		if !active && !d.deps.Schedules.IsScheduledLocally(taskID) {
			d.log.Debug("schedule not active, dropping", "task", taskID)
			return Drop, nil
		}
	}

	// Record first: completion cleanup may run before Submit returns.
	if err := d.deps.Associations.RecordLocal(ctx, taskID); err != nil {
		d.log.Error("recording association failed", "task", taskID, "error", err)
	}
	if err := d.submit(ctx, t); err != nil {
		if ferr := d.deps.Associations.ForgetLocal(ctx, taskID); ferr != nil {
			d.log.Error("forgetting association failed", "task", taskID, "error", ferr)
		}
		return Submit, err
	}
	d.deps.Metrics.TaskSubmitted(ctx)
	d.log.Info("task submitted", "task", taskID, "scheduled", t.Scheduled)
	return Submit, nil
}

func (d *Decider) submit(ctx context.Context, t *task.Task) error {
	err := d.prepare(ctx, t)
	if err == nil {
		err = d.deps.Executor.Submit(ctx, t)
	}
	if err == nil {
		return nil
	}

	d.deps.Metrics.SubmissionFailed(ctx)
	d.log.Error("task submission failed", "task", t.ID, "error", err)
	t.Fail(err.Error(), d.deps.Now())
	if serr := d.deps.Tasks.SaveTask(ctx, t); serr != nil {
		d.log.Error("persisting failed task", "task", t.ID, "error", serr)
	}
	if t.Scheduled {
		if serr := d.deps.Schedules.SetStatus(ctx, t.ID, task.ScheduleFailed); serr != nil {
			d.log.Error("marking schedule failed", "task", t.ID, "error", serr)
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrSubmission, t.ID, err)
}

func (d *Decider) prepare(ctx context.Context, t *task.Task) error {
	if d.deps.Resolver != nil {
		if err := d.deps.Resolver.Resolve(ctx, t); err != nil {
			return err
		}
	}
	t.Start(d.deps.Host, d.deps.Now())
	if err := d.deps.Tasks.SaveTask(ctx, t); err != nil {
		return fmt.Errorf("persist trigger: %w", err)
	}
	return nil
}
