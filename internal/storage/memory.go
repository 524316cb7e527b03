package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dreamware/tremor/internal/cluster"
	"github.com/dreamware/tremor/internal/task"
)

// MemoryStore implements Store with in-memory maps.
// Uses sync.RWMutex for thread-safe concurrent access. Sharing one
// MemoryStore between several in-process nodes stands in for a shared
// database.
type MemoryStore struct {
	tasks     map[string]*task.Task
	schedules map[string]*task.Schedule
	entries   map[string]RegistryEntry
	nodeTasks map[string]map[string]struct{}
	config    *cluster.Config
	now       func() time.Time
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:     make(map[string]*task.Task),
		schedules: make(map[string]*task.Schedule),
		entries:   make(map[string]RegistryEntry),
		nodeTasks: make(map[string]map[string]struct{}),
		now:       time.Now,
	}
}

// LoadTask returns a copy of the stored task
func (m *MemoryStore) LoadTask(_ context.Context, id string) (*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

// SaveTask stores a copy of t
func (m *MemoryStore) SaveTask(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := t.Clone()
	cp.UpdatedAt = m.now()
	// runtime-only fields are never persisted
	cp.Spec.Credentials = nil
	cp.Spec.EndpointType = ""
	m.tasks[t.ID] = cp
	return nil
}

func (m *MemoryStore) ListTasksByStatus(_ context.Context, status task.Status) ([]*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*task.Task
	for _, t := range m.tasks {
		if t.Status == status {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) LoadSchedule(_ context.Context, id string) (*task.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) SaveSchedule(_ context.Context, s *task.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	cp.UpdatedAt = m.now()
	m.schedules[s.ID] = &cp
	return nil
}

func (m *MemoryStore) ListSchedulesByStatus(_ context.Context, status task.ScheduleStatus) ([]*task.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*task.Schedule
	for _, s := range m.schedules {
		if s.Status == status {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) PutEntry(_ context.Context, e RegistryEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, existed := m.entries[e.Key]
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = m.now()
	}
	m.entries[e.Key] = e
	return existed, nil
}

func (m *MemoryStore) GetEntry(_ context.Context, key string) (RegistryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok {
		return RegistryEntry{}, ErrNotFound
	}
	return e, nil
}

func (m *MemoryStore) DeleteEntry(_ context.Context, key string) (RegistryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return RegistryEntry{}, ErrNotFound
	}
	delete(m.entries, key)
	return e, nil
}

func (m *MemoryStore) EntriesInPartition(_ context.Context, partition int) ([]RegistryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []RegistryEntry
	for _, e := range m.entries {
		if e.Partition == partition {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out, nil
}

func (m *MemoryStore) Entries(_ context.Context) ([]RegistryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RegistryEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

func (m *MemoryStore) AddNodeTask(_ context.Context, node, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.nodeTasks[node]
	if !ok {
		set = make(map[string]struct{})
		m.nodeTasks[node] = set
	}
	set[taskID] = struct{}{}
	return nil
}

func (m *MemoryStore) RemoveNodeTask(_ context.Context, node, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodeTasks[node], taskID)
	return nil
}

func (m *MemoryStore) RemoveTaskEverywhere(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, set := range m.nodeTasks {
		delete(set, taskID)
	}
	return nil
}

func (m *MemoryStore) NodeTasks(_ context.Context, node string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.nodeTasks[node]))
	for id := range m.nodeTasks[node] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) LoadClusterConfig(_ context.Context) (*cluster.Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.config == nil {
		return nil, ErrNotFound
	}
	return m.config.Clone(), nil
}

func (m *MemoryStore) SaveClusterConfig(_ context.Context, cfg *cluster.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = cfg.Clone()
	m.config.UpdatedAt = m.now()
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func sortEntries(entries []RegistryEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
}
