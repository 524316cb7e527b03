// Package quorum gates task execution on the size of the visible,
// liveness-confirmed part of the grid.
package quorum

import (
	"log/slog"
	"sync"

	"github.com/dreamware/tremor/internal/cluster"
	"github.com/dreamware/tremor/internal/logging"
)

// IsPresent evaluates the quorum predicate for a view: enough members are
// flagged active, and enough members are visible at all.
func IsPresent(view cluster.View, threshold int) bool {
	return view.CountActive() >= threshold && len(view.Members) >= threshold
}

// Monitor holds the quorum state of one node and the queue of task IDs
// whose trigger attempt happened while quorum was absent.
//
// The state starts NOT_PRESENT and changes only through Evaluate.
type Monitor struct {
	log       *slog.Logger
	deferred  []string
	queued    map[string]struct{}
	view      cluster.View
	threshold int
	state     cluster.QuorumState
	mu        sync.RWMutex
}

// NewMonitor creates a monitor that reports quorum once at least threshold
// members are in the view. A threshold below one is raised to one. The
// monitor starts with quorum not present.
//
// Example:
//
//	monitor := quorum.NewMonitor(2, logger)
//	state, changed := monitor.Evaluate(view)
func NewMonitor(threshold int, logger *slog.Logger) *Monitor {
	if threshold < 1 {
		threshold = 1
	}
	return &Monitor{
		threshold: threshold,
		state:     cluster.QuorumNotPresent,
		queued:    make(map[string]struct{}),
		log:       logging.OrDefault(logger, "quorum"),
	}
}

// Threshold returns the configured quorum size.
func (m *Monitor) Threshold() int {
	return m.threshold
}

// State returns the current quorum state.
func (m *Monitor) State() cluster.QuorumState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Present reports whether quorum is present.
func (m *Monitor) Present() bool {
	return m.State() == cluster.QuorumPresent
}

// View returns the last evaluated view.
func (m *Monitor) View() cluster.View {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view
}

// Evaluate re-computes the quorum state for view and reports whether it
// changed.
func (m *Monitor) Evaluate(view cluster.View) (cluster.QuorumState, bool) {
	next := cluster.QuorumNotPresent
	if IsPresent(view, m.threshold) {
		next = cluster.QuorumPresent
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.view = view
	if next == m.state {
		return next, false
	}
	m.log.Info("quorum state changed",
		"from", m.state.String(),
		"to", next.String(),
		"members", len(view.Members),
		"active", view.CountActive(),
		"threshold", m.threshold)
	m.state = next
	return next, true
}

// Defer queues taskID for resubmission when quorum returns. Queuing the
// same ID twice has no effect.
func (m *Monitor) Defer(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queued[taskID]; ok {
		return
	}
	m.queued[taskID] = struct{}{}
	m.deferred = append(m.deferred, taskID)
}

// Deferred returns the queued IDs in insertion order.
func (m *Monitor) Deferred() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.deferred...)
}

// TakeDeferred empties the queue and returns what it held.
func (m *Monitor) TakeDeferred() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.deferred
	m.deferred = nil
	m.queued = make(map[string]struct{})
	return ids
}
