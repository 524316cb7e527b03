package node

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/tremor/internal/cluster"
	"github.com/dreamware/tremor/internal/storage"
	"github.com/dreamware/tremor/internal/task"
)

// ErrNotAccepting is returned for new tasks while the node is not ACTIVE.
var ErrNotAccepting = errors.New("node: not accepting tasks")

// ErrInvalidRequest marks a malformed task submission.
var ErrInvalidRequest = errors.New("node: invalid task request")

// TaskRequest is a task submission.
type TaskRequest struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Spec      task.FaultSpec `json:"spec"`
	Scheduled bool           `json:"scheduled,omitempty"`
	Interval  time.Duration  `json:"interval,omitempty"`
}

// SubmitTask persists a new task, and its schedule when it recurs, then
// puts its ID in the registry so the partition owner triggers it.
func (n *Node) SubmitTask(ctx context.Context, req TaskRequest) (*task.Task, error) {
	if n.Status() != cluster.StatusActive {
		return nil, fmt.Errorf("%w: status %s", ErrNotAccepting, n.Status())
	}
	if req.Spec.Kind == "" || req.Spec.Target == "" {
		return nil, fmt.Errorf("%w: spec needs kind and target", ErrInvalidRequest)
	}
	if req.Scheduled && req.Interval <= 0 {
		return nil, fmt.Errorf("%w: scheduled task needs an interval", ErrInvalidRequest)
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	t := &task.Task{
		ID:        req.ID,
		Name:      req.Name,
		Status:    task.StatusPending,
		Spec:      req.Spec,
		Scheduled: req.Scheduled,
		UpdatedAt: n.now(),
	}
	if err := n.store.SaveTask(ctx, t); err != nil {
		return nil, fmt.Errorf("save task %s: %w", t.ID, err)
	}

	token := string(task.StatusPending)
	if t.Scheduled {
		sched := &task.Schedule{ID: t.ID, Status: task.ScheduleScheduled, Interval: req.Interval}
		if err := n.schedules.Put(ctx, sched); err != nil {
			return nil, err
		}
		token = string(task.ScheduleScheduled)
	}
	if err := n.registry.Put(ctx, t.ID, token); err != nil {
		n.requeue(ctx, t.ID)
		return t, fmt.Errorf("register task %s: %w", t.ID, err)
	}
	n.log.Info("task accepted", "task", t.ID, "kind", t.Spec.Kind, "scheduled", t.Scheduled)
	return t, nil
}

// CancelTask ends a task: a schedule is cancelled, a one-shot is marked
// SKIPPED. The registry update routes cleanup to the partition owner.
func (n *Node) CancelTask(ctx context.Context, id string) error {
	t, err := n.store.LoadTask(ctx, id)
	if err != nil {
		return fmt.Errorf("cancel %s: %w", id, err)
	}
	token := string(task.StatusSkipped)
	if t.Scheduled {
		if err := n.schedules.SetStatus(ctx, id, task.ScheduleCancelled); err != nil {
			return fmt.Errorf("cancel %s: %w", id, err)
		}
		token = string(task.ScheduleCancelled)
	} else if !t.IsTerminal() {
		t.Finish(task.StatusSkipped, "cancelled by operator", n.now())
		if err := n.store.SaveTask(ctx, t); err != nil {
			return fmt.Errorf("cancel %s: %w", id, err)
		}
	}
	if err := n.registry.Update(ctx, id, token); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			n.requeue(ctx, id)
		}
		return err
	}
	return nil
}

// Task loads a task.
func (n *Node) Task(ctx context.Context, id string) (*task.Task, error) {
	return n.store.LoadTask(ctx, id)
}

// ClusterStatus is this node's picture of the cluster.
type ClusterStatus struct {
	Node       string             `json:"node"`
	Status     cluster.NodeStatus `json:"status"`
	Quorum     string             `json:"quorum"`
	Threshold  int                `json:"threshold"`
	Members    []MemberStatus     `json:"members"`
	Partitions []int              `json:"partitions"`
	Tasks      []string           `json:"tasks"`
	Schedules  []string           `json:"schedules"`
	Pending    int64              `json:"pending_events"`
	Config     *cluster.Config    `json:"config,omitempty"`
}

// MemberStatus is one member of the view.
type MemberStatus struct {
	ID     string `json:"id"`
	Addr   string `json:"addr"`
	Active bool   `json:"active"`
}

// ClusterStatus reports the view, quorum state and local ownership.
func (n *Node) ClusterStatus() ClusterStatus {
	view := n.grid.View()
	members := make([]MemberStatus, 0, len(view.Members))
	for _, m := range view.Members {
		members = append(members, MemberStatus{ID: m.ID, Addr: m.Addr, Active: view.Active[m.ID]})
	}
	tasks := n.assoc.Local()
	sort.Strings(tasks)
	return ClusterStatus{
		Node:       n.self.ID,
		Status:     n.Status(),
		Quorum:     n.monitor.State().String(),
		Threshold:  n.monitor.Threshold(),
		Members:    members,
		Partitions: n.grid.Table().PartitionsOf(n.self.ID),
		Tasks:      tasks,
		Schedules:  n.schedules.LocalIDs(),
		Pending:    n.Pending(),
		Config:     n.clusterCfg.Current(),
	}
}
