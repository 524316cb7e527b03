// Package executor runs fault injection tasks on the local node.
//
// One-shot tasks run asynchronously and, when they finish, persist their
// terminal status and write it to the task registry so the partition owner
// cleans up. Scheduled tasks are armed on the scheduler and fire until
// they are disarmed.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dreamware/tremor/internal/logging"
	"github.com/dreamware/tremor/internal/scheduler"
	"github.com/dreamware/tremor/internal/storage"
	"github.com/dreamware/tremor/internal/task"
)

var (
	ErrInvalidTask      = errors.New("executor: invalid task")
	ErrUnsupportedFault = errors.New("executor: unsupported fault kind")
)

// FaultRunner injects one family of faults.
type FaultRunner interface {
	Kinds() []string
	Run(ctx context.Context, spec task.FaultSpec) error
}

// Scheduler arms recurring tasks.
type Scheduler interface {
	Schedule(ctx context.Context, id string) (*task.Schedule, error)
	Arm(ctx context.Context, id string, interval time.Duration, fire scheduler.FireFunc) bool
}

// Registry receives the terminal status token of finished tasks.
type Registry interface {
	Update(ctx context.Context, key, token string) error
}

// Retrier queues a task ID whose registry event could not be delivered,
// to be announced again later.
type Retrier interface {
	Add(taskID string)
	Schedule(ctx context.Context)
}

// Options wires a Runner. Registry and Retry may be nil.
type Options struct {
	Tasks     storage.TaskStore
	Scheduler Scheduler
	Registry  Registry
	Retry     Retrier
	Logger    *slog.Logger
	Now       func() time.Time
}

// Runner is the task executor of one node.
type Runner struct {
	opts    Options
	log     *slog.Logger
	faults  map[string]FaultRunner
	running map[string]struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
}

// NewRunner returns a Runner executing the given fault families.
func NewRunner(opts Options, faults ...FaultRunner) *Runner {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &Runner{
		opts:    opts,
		faults:  make(map[string]FaultRunner),
		running: make(map[string]struct{}),
		log:     logging.OrDefault(opts.Logger, "executor"),
	}
	for _, f := range faults {
		r.Register(f)
	}
	return r
}

// Register adds a fault runner for each of its kinds.
func (r *Runner) Register(f FaultRunner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, kind := range f.Kinds() {
		r.faults[kind] = f
	}
}

// Submit accepts t for execution. It returns once the task is armed or
// started; execution errors are reported through the task record.
func (r *Runner) Submit(ctx context.Context, t *task.Task) error {
	fault, err := r.validate(t)
	if err != nil {
		return err
	}

	if t.Scheduled {
		sched, err := r.opts.Scheduler.Schedule(ctx, t.ID)
		if err != nil {
			return fmt.Errorf("submit %s: %w", t.ID, err)
		}
		spec := t.Spec
		r.opts.Scheduler.Arm(ctx, t.ID, sched.Interval, func(ctx context.Context) {
			if err := fault.Run(ctx, spec); err != nil {
				r.log.Error("scheduled fault failed", "task", t.ID, "kind", spec.Kind, "error", err)
			}
		})
		return nil
	}

	r.mu.Lock()
	if _, ok := r.running[t.ID]; ok {
		r.mu.Unlock()
		return nil
	}
	r.running[t.ID] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	go r.run(context.WithoutCancel(ctx), t.ID, t.Spec, fault)
	return nil
}

func (r *Runner) validate(t *task.Task) (FaultRunner, error) {
	if t.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrInvalidTask)
	}
	if t.Spec.Target == "" {
		return nil, fmt.Errorf("%w: %s has no target", ErrInvalidTask, t.ID)
	}
	r.mu.Lock()
	fault, ok := r.faults[t.Spec.Kind]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFault, t.Spec.Kind)
	}
	return fault, nil
}

func (r *Runner) run(ctx context.Context, id string, spec task.FaultSpec, fault FaultRunner) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.running, id)
		r.mu.Unlock()
	}()

	runErr := fault.Run(ctx, spec)
	status, reason := task.StatusCompleted, ""
	if runErr != nil {
		status, reason = task.StatusFailed, runErr.Error()
		r.log.Error("fault injection failed", "task", id, "kind", spec.Kind, "error", runErr)
	} else {
		r.log.Info("fault injection completed", "task", id, "kind", spec.Kind)
	}

	if err := r.finish(ctx, id, status, reason); err != nil {
		r.log.Error("recording task result failed", "task", id, "error", err)
	}
}

func (r *Runner) finish(ctx context.Context, id string, status task.Status, reason string) error {
	t, err := r.opts.Tasks.LoadTask(ctx, id)
	if err != nil {
		return fmt.Errorf("load %s: %w", id, err)
	}
	if t.IsTerminal() {
		r.log.Info("task finished elsewhere, keeping recorded result", "task", id, "status", t.Status)
		return nil
	}
	t.Finish(status, reason, r.opts.Now())
	if err := r.opts.Tasks.SaveTask(ctx, t); err != nil {
		return fmt.Errorf("save %s: %w", id, err)
	}
	if r.opts.Registry == nil {
		return nil
	}
	err = r.opts.Registry.Update(ctx, id, string(status))
	if err == nil || errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if r.opts.Retry != nil {
		r.opts.Retry.Add(id)
		r.opts.Retry.Schedule(ctx)
	}
	return fmt.Errorf("registry update %s: %w", id, err)
}

// Running lists the one-shot tasks executing on this node.
func (r *Runner) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.running))
	for id := range r.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Drain polls every poll until at most allowed tasks are running or ceiling
// elapses. It reports whether the node drained.
func (r *Runner) Drain(ctx context.Context, ceiling, poll time.Duration, allowed int) bool {
	if poll <= 0 {
		poll = time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, ceiling)
	defer cancel()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		n := len(r.Running())
		if n <= allowed {
			return true
		}
		r.log.Info("waiting for running tasks", "running", n, "allowed", allowed)
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// Wait blocks until every one-shot task has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}
