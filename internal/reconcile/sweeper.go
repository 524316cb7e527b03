// Package reconcile holds task IDs whose handling could not complete when
// their event arrived and retries them after a delay.
//
// Membership and migration handling push IDs that are not owned locally,
// or whose lookup failed, into a Sweeper. The sweep runs once per delay
// window no matter how many IDs arrive inside it.
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dreamware/tremor/internal/logging"
)

// DefaultDelay is the time between an ID being queued and its retry.
const DefaultDelay = 5 * time.Minute

// Func retries one task ID.
type Func func(ctx context.Context, taskID string) error

// Sweeper is a deduplicating retry queue with a coalesced timer.
type Sweeper struct {
	retry   Func
	log     *slog.Logger
	timer   *time.Timer
	queued  map[string]struct{}
	pending []string
	delay   time.Duration
	mu      sync.Mutex
	stopped bool
}

// NewSweeper creates a Sweeper. A non-positive delay means DefaultDelay.
func NewSweeper(delay time.Duration, retry Func, logger *slog.Logger) *Sweeper {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Sweeper{
		delay:  delay,
		retry:  retry,
		queued: make(map[string]struct{}),
		log:    logging.OrDefault(logger, "reconcile"),
	}
}

// Add queues taskID. Adding a queued ID again has no effect.
func (s *Sweeper) Add(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queued[taskID]; ok {
		return
	}
	s.queued[taskID] = struct{}{}
	s.pending = append(s.pending, taskID)
}

// Pending returns the queued IDs in insertion order.
func (s *Sweeper) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.pending...)
}

// Schedule arms a sweep after the delay unless one is already armed.
func (s *Sweeper) Schedule(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.timer != nil || len(s.pending) == 0 {
		return
	}
	s.timer = time.AfterFunc(s.delay, func() {
		s.mu.Lock()
		s.timer = nil
		s.mu.Unlock()
		s.Sweep(context.WithoutCancel(ctx))
	})
}

// Sweep retries every queued ID now. IDs whose retry fails are dropped;
// later events re-queue them if still relevant.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.mu.Lock()
	ids := s.pending
	s.pending = nil
	s.queued = make(map[string]struct{})
	s.mu.Unlock()

	if len(ids) == 0 {
		return
	}
	s.log.Info("reconciling tasks", "count", len(ids))
	for _, id := range ids {
		if err := s.retry(ctx, id); err != nil {
			s.log.Warn("reconcile failed", "task", id, "error", err)
		}
	}
}

// Purge discards the queue and any armed sweep.
func (s *Sweeper) Purge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.pending = nil
	s.queued = make(map[string]struct{})
}

// Stop purges the queue and refuses further scheduling.
func (s *Sweeper) Stop() {
	s.Purge()
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}
