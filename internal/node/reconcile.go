package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/dreamware/tremor/internal/cluster"
	"github.com/dreamware/tremor/internal/storage"
	"github.com/dreamware/tremor/internal/task"
)

// reconcileStartup runs once, when quorum first forms on this node, and
// only on the oldest member. It settles the tasks that were IN_PROGRESS
// when the cluster went down, then re-announces every live schedule.
func (n *Node) reconcileStartup(ctx context.Context, view cluster.View) {
	oldest, ok := view.Oldest()
	if !ok || oldest.ID != n.self.ID {
		return
	}
	n.log.Info("reconciling tasks after startup")

	running, err := n.store.ListTasksByStatus(ctx, task.StatusInProgress)
	if err != nil {
		n.log.Error("listing running tasks failed", "error", err)
	}
	queued := 0
	for _, t := range running {
		requeue, err := n.settle(ctx, t)
		if err != nil {
			n.log.Error("settling task failed", "task", t.ID, "error", err)
			continue
		}
		if requeue {
			n.retrigger.Add(t.ID)
			queued++
		}
	}

	scheduled, err := n.schedules.Scheduled(ctx)
	if err != nil {
		n.log.Error("listing schedules failed", "error", err)
	}
	for _, s := range scheduled {
		if err := n.registry.Put(ctx, s.ID, string(s.Status)); err != nil {
			n.log.Warn("re-announcing schedule failed", "task", s.ID, "error", err)
		}
	}

	if queued > 0 {
		n.log.Info("queued interrupted tasks for retrigger", "count", queued, "delay", n.cfg.Reconcile.SweepDelay)
		n.retrigger.Schedule(ctx)
	}
}

// settle decides what happens to a task found IN_PROGRESS at startup and
// reports whether it should be re-triggered.
func (n *Node) settle(ctx context.Context, t *task.Task) (bool, error) {
	now := n.now()
	last := t.LastTrigger()
	switch {
	case last == nil:
		t.Fail("task was never triggered", now)
	case t.Scheduled:
		t.Finish(task.StatusSkipped, "", now)
	case now.Sub(last.StartTime) < n.cfg.Reconcile.RetriggerThreshold:
		t.RetriggerRequested = true
		if err := n.store.SaveTask(ctx, t); err != nil {
			return false, fmt.Errorf("save %s: %w", t.ID, err)
		}
		return true, nil
	default:
		t.Fail(fmt.Sprintf("Node %s removed from cluster", last.Node), now)
	}
	if err := n.store.SaveTask(ctx, t); err != nil {
		return false, fmt.Errorf("save %s: %w", t.ID, err)
	}
	return false, nil
}

// reput is the sweep of the startup retrigger queue: the task goes back
// into the registry and its owner runs it again.
func (n *Node) reput(ctx context.Context, id string) error {
	t, err := n.store.LoadTask(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return n.registry.Put(ctx, id, string(t.Status))
}
