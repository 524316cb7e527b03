// Package task defines the persisted fault task and schedule records the
// coordination core reads and mutates.
package task

import (
	"time"

	"golang.org/x/exp/slices"
)

// Status is the execution status of a task.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusSkipped    Status = "SKIPPED"
)

// Terminal reports whether no further execution is expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// ScheduleStatus is the lifecycle status of a recurring task's schedule.
type ScheduleStatus string

const (
	ScheduleInitializing ScheduleStatus = "INITIALIZING"
	ScheduleScheduled    ScheduleStatus = "SCHEDULED"
	SchedulePaused       ScheduleStatus = "PAUSED"
	ScheduleCancelled    ScheduleStatus = "CANCELLED"
	ScheduleFailed       ScheduleStatus = "SCHEDULE_FAILED"
	ScheduleFinished     ScheduleStatus = "FINISHED"
)

// Active reports whether the schedule should be armed somewhere.
func (s ScheduleStatus) Active() bool {
	return s == ScheduleScheduled || s == ScheduleInitializing
}

// IsTerminalToken reports whether a registry status token marks the end of
// a task's life in the registry.
func IsTerminalToken(token string) bool {
	switch token {
	case string(StatusCompleted), string(StatusFailed), string(StatusSkipped),
		string(ScheduleCancelled), string(SchedulePaused), string(ScheduleFailed), string(ScheduleFinished):
		return true
	}
	return false
}

// Trigger is one execution attempt of a task on a node.
type Trigger struct {
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time,omitzero"`
	Node          string    `json:"node"`
	Status        Status    `json:"status"`
	FailureReason string    `json:"failure_reason,omitempty"`
}

// FaultSpec describes the fault to inject. Endpoint names an entry of the
// node's endpoint table; EndpointType and Credentials are attached at
// submission time and never persisted.
type FaultSpec struct {
	Args         map[string]string `json:"args,omitempty"`
	Credentials  map[string]string `json:"-"`
	Kind         string            `json:"kind"`
	Endpoint     string            `json:"endpoint,omitempty"`
	EndpointType string            `json:"-"`
	Target       string            `json:"target"`
	Duration     time.Duration     `json:"duration,omitempty"`
}

// Task is a persisted fault injection task.
type Task struct {
	UpdatedAt          time.Time `json:"updated_at"`
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Status             Status    `json:"status"`
	FailureReason      string    `json:"failure_reason,omitempty"`
	Triggers           []Trigger `json:"triggers,omitempty"`
	Spec               FaultSpec `json:"spec"`
	Scheduled          bool      `json:"scheduled"`
	RetriggerRequested bool      `json:"retrigger_requested,omitempty"`
}

// HasTriggers reports whether the task was ever submitted.
func (t *Task) HasTriggers() bool {
	return len(t.Triggers) > 0
}

// IsTerminal reports whether the task's status is terminal.
func (t *Task) IsTerminal() bool {
	return t.Status.Terminal()
}

// LastTrigger returns the most recent trigger, or nil.
func (t *Task) LastTrigger() *Trigger {
	if len(t.Triggers) == 0 {
		return nil
	}
	return &t.Triggers[len(t.Triggers)-1]
}

// Start appends a new in-progress trigger for node.
func (t *Task) Start(node string, at time.Time) {
	t.Triggers = append(t.Triggers, Trigger{Node: node, StartTime: at, Status: StatusInProgress})
	t.Status = StatusInProgress
	t.FailureReason = ""
	t.RetriggerRequested = false
}

// Finish closes the last trigger with status and reason.
func (t *Task) Finish(status Status, reason string, at time.Time) {
	t.Status = status
	t.FailureReason = reason
	if tr := t.LastTrigger(); tr != nil && tr.EndTime.IsZero() {
		tr.EndTime = at
		tr.Status = status
		tr.FailureReason = reason
	}
}

// Fail marks the task FAILED with reason.
func (t *Task) Fail(reason string, at time.Time) {
	t.Finish(StatusFailed, reason, at)
}

// Clone returns a deep copy.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Triggers = slices.Clone(t.Triggers)
	cp.Spec.Args = cloneMap(t.Spec.Args)
	cp.Spec.Credentials = cloneMap(t.Spec.Credentials)
	return &cp
}

// Schedule is the schedule record of a recurring task. Its ID equals the
// task ID.
type Schedule struct {
	UpdatedAt time.Time      `json:"updated_at"`
	ID        string         `json:"id"`
	Status    ScheduleStatus `json:"status"`
	Interval  time.Duration  `json:"interval"`
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
