// Package scheduler keeps the schedule records of recurring tasks and arms
// them on the node that currently owns them.
//
// Records live in the shared store. Armed schedules are local: a node only
// fires the schedules it armed itself, and CancelLocal disarms one without
// touching the record, so ownership can move to another node.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dreamware/tremor/internal/logging"
	"github.com/dreamware/tremor/internal/storage"
	"github.com/dreamware/tremor/internal/task"
)

// SyncKind is the sync bus kind under which nodes reload schedule records.
const SyncKind = "schedule"

// Publisher announces that other nodes should reload an object.
type Publisher interface {
	Publish(ctx context.Context, kind, id string) error
}

// FireFunc runs one firing of an armed schedule.
type FireFunc func(ctx context.Context)

type armed struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Service is the schedule service of one node.
type Service struct {
	store storage.ScheduleStore
	bus   Publisher
	log   *slog.Logger
	now   func() time.Time
	armed map[string]*armed
	wg    sync.WaitGroup
	mu    sync.Mutex
}

// New creates a Service. bus may be nil.
func New(store storage.ScheduleStore, bus Publisher, logger *slog.Logger) *Service {
	return &Service{
		store: store,
		bus:   bus,
		now:   time.Now,
		armed: make(map[string]*armed),
		log:   logging.OrDefault(logger, "scheduler"),
	}
}

// Schedule returns the record of id, or storage.ErrNotFound.
func (s *Service) Schedule(ctx context.Context, id string) (*task.Schedule, error) {
	return s.store.LoadSchedule(ctx, id)
}

// Put saves a schedule record.
func (s *Service) Put(ctx context.Context, sched *task.Schedule) error {
	sched.UpdatedAt = s.now()
	if err := s.store.SaveSchedule(ctx, sched); err != nil {
		return fmt.Errorf("save schedule %s: %w", sched.ID, err)
	}
	s.publish(ctx, sched.ID)
	return nil
}

// SetStatus changes the status of an existing record.
func (s *Service) SetStatus(ctx context.Context, id string, status task.ScheduleStatus) error {
	sched, err := s.store.LoadSchedule(ctx, id)
	if err != nil {
		return fmt.Errorf("set schedule status %s: %w", id, err)
	}
	sched.Status = status
	return s.Put(ctx, sched)
}

// Scheduled lists the records in SCHEDULED.
func (s *Service) Scheduled(ctx context.Context) ([]*task.Schedule, error) {
	return s.store.ListSchedulesByStatus(ctx, task.ScheduleScheduled)
}

// IsScheduledLocally reports whether id is armed on this node.
func (s *Service) IsScheduledLocally(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.armed[id]
	return ok
}

// Arm starts firing id every interval, the first firing immediately. It
// reports false if id is already armed here.
func (s *Service) Arm(ctx context.Context, id string, interval time.Duration, fire FireFunc) bool {
	if interval <= 0 {
		interval = time.Minute
	}

	s.mu.Lock()
	if _, ok := s.armed[id]; ok {
		s.mu.Unlock()
		return false
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a := &armed{cancel: cancel, done: make(chan struct{})}
	s.armed[id] = a
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer close(a.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			fire(runCtx)
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	s.log.Info("schedule armed", "task", id, "interval", interval)
	return true
}

// CancelLocal disarms id on this node. A firing in progress completes but
// is not repeated.
func (s *Service) CancelLocal(id string) {
	s.mu.Lock()
	a, ok := s.armed[id]
	delete(s.armed, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	a.cancel()
	s.log.Info("schedule disarmed", "task", id)
}

// LocalIDs lists the schedules armed on this node.
func (s *Service) LocalIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.armed))
	for id := range s.armed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Resync reloads the record of id, or of every armed schedule when id is
// empty, and disarms schedules that are no longer active.
func (s *Service) Resync(ctx context.Context, id string) error {
	ids := []string{id}
	if id == "" {
		ids = s.LocalIDs()
	}
	var errs []error
	for _, id := range ids {
		if !s.IsScheduledLocally(id) {
			continue
		}
		sched, err := s.store.LoadSchedule(ctx, id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			s.CancelLocal(id)
		case err != nil:
			errs = append(errs, fmt.Errorf("resync schedule %s: %w", id, err))
		case !sched.Status.Active():
			s.CancelLocal(id)
		}
	}
	return errors.Join(errs...)
}

// Stop disarms everything and waits for firings in progress.
func (s *Service) Stop() {
	for _, id := range s.LocalIDs() {
		s.CancelLocal(id)
	}
	s.wg.Wait()
}

func (s *Service) publish(ctx context.Context, id string) {
	s.mu.Lock()
	bus := s.bus
	s.mu.Unlock()
	if bus == nil {
		return
	}
	if err := bus.Publish(ctx, SyncKind, id); err != nil {
		s.log.Warn("publishing schedule change failed", "task", id, "error", err)
	}
}
