package storage

import (
	"context"
	"errors"
	"time"

	"github.com/dreamware/tremor/internal/cluster"
	"github.com/dreamware/tremor/internal/task"
)

// ErrNotFound is returned when a record doesn't exist in the store
var ErrNotFound = errors.New("storage: not found")

// TaskStore persists fault tasks.
type TaskStore interface {
	// LoadTask returns ErrNotFound if the task doesn't exist
	LoadTask(ctx context.Context, id string) (*task.Task, error)

	// SaveTask inserts or replaces the task
	SaveTask(ctx context.Context, t *task.Task) error

	// ListTasksByStatus returns tasks with the given status, ordered by ID
	ListTasksByStatus(ctx context.Context, status task.Status) ([]*task.Task, error)
}

// ScheduleStore persists schedule records of recurring tasks.
type ScheduleStore interface {
	LoadSchedule(ctx context.Context, id string) (*task.Schedule, error)
	SaveSchedule(ctx context.Context, s *task.Schedule) error
	ListSchedulesByStatus(ctx context.Context, status task.ScheduleStatus) ([]*task.Schedule, error)
}

// RegistryEntry is one key of the partitioned task registry.
type RegistryEntry struct {
	UpdatedAt time.Time `json:"updated_at"`
	Key       string    `json:"key"`
	Token     string    `json:"token"`
	Partition int       `json:"partition"`
}

// RegistryStore backs the partitioned task registry.
type RegistryStore interface {
	// PutEntry inserts or replaces an entry and reports whether it existed
	PutEntry(ctx context.Context, e RegistryEntry) (existed bool, err error)

	// GetEntry returns ErrNotFound if the key doesn't exist
	GetEntry(ctx context.Context, key string) (RegistryEntry, error)

	// DeleteEntry removes the key and returns the removed entry.
	// Returns ErrNotFound if the key doesn't exist
	DeleteEntry(ctx context.Context, key string) (RegistryEntry, error)

	// EntriesInPartition returns the entries of one partition, ordered by key
	EntriesInPartition(ctx context.Context, partition int) ([]RegistryEntry, error)

	// Entries returns every entry, ordered by key
	Entries(ctx context.Context) ([]RegistryEntry, error)
}

// NodeTaskStore persists which node believes it is executing which task.
type NodeTaskStore interface {
	AddNodeTask(ctx context.Context, node, taskID string) error
	RemoveNodeTask(ctx context.Context, node, taskID string) error

	// RemoveTaskEverywhere drops taskID from every node's set
	RemoveTaskEverywhere(ctx context.Context, taskID string) error

	// NodeTasks returns the task IDs of one node, ordered
	NodeTasks(ctx context.Context, node string) ([]string, error)
}

// ClusterConfigStore persists the single cluster configuration record.
type ClusterConfigStore interface {
	// LoadClusterConfig returns ErrNotFound before the first bootstrap
	LoadClusterConfig(ctx context.Context) (*cluster.Config, error)
	SaveClusterConfig(ctx context.Context, cfg *cluster.Config) error
}

// Store is the durable state shared by all nodes of a cluster.
// All implementations must be thread-safe for concurrent access
type Store interface {
	TaskStore
	ScheduleStore
	RegistryStore
	NodeTaskStore
	ClusterConfigStore
	Close() error
}
