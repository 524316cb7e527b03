// Package nodetasks tracks which node believes it is executing which task.
//
// The set of the local node is mirrored in memory so that the "already
// triggered here" check is read-after-write consistent; every mutation is
// written through to the shared store, where other nodes see it eventually.
package nodetasks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/dreamware/tremor/internal/logging"
	"github.com/dreamware/tremor/internal/storage"
)

// SyncKind is the sync bus kind under which the cache reloads its mirror.
const SyncKind = "node-tasks"

// Publisher announces that other nodes should reload an object.
type Publisher interface {
	Publish(ctx context.Context, kind, id string) error
}

// Cache is the node-task association cache of one node.
//
// writeMu orders every write of the local set, mirror and store together,
// against Resync, so a reload never overwrites a record made while the
// store was being read. mu guards the mirror alone.
type Cache struct {
	store   storage.NodeTaskStore
	bus     Publisher
	log     *slog.Logger
	local   map[string]struct{}
	nodeID  string
	writeMu sync.Mutex
	mu      sync.RWMutex
}

// New creates the cache of node nodeID. bus may be nil.
func New(nodeID string, store storage.NodeTaskStore, bus Publisher, logger *slog.Logger) *Cache {
	return &Cache{
		nodeID: nodeID,
		store:  store,
		bus:    bus,
		local:  make(map[string]struct{}),
		log:    logging.OrDefault(logger, "nodetasks"),
	}
}

// NodeID returns the ID of the node owning this cache.
func (c *Cache) NodeID() string {
	return c.nodeID
}

// Warm loads the local set from the store.
func (c *Cache) Warm(ctx context.Context) error {
	return c.Resync(ctx, "")
}

// RecordLocal adds taskID to this node's set.
func (c *Cache) RecordLocal(ctx context.Context, taskID string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	c.local[taskID] = struct{}{}
	c.mu.Unlock()

	if err := c.store.AddNodeTask(ctx, c.nodeID, taskID); err != nil {
		return fmt.Errorf("record %s on %s: %w", taskID, c.nodeID, err)
	}
	return nil
}

// ForgetLocal removes taskID from this node's set.
func (c *Cache) ForgetLocal(ctx context.Context, taskID string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	delete(c.local, taskID)
	c.mu.Unlock()

	if err := c.store.RemoveNodeTask(ctx, c.nodeID, taskID); err != nil {
		return fmt.Errorf("forget %s on %s: %w", taskID, c.nodeID, err)
	}
	return nil
}

// ForgetEverywhere removes taskID from every node's set and asks the
// other nodes to reload their mirrors.
func (c *Cache) ForgetEverywhere(ctx context.Context, taskID string) error {
	c.writeMu.Lock()
	c.mu.Lock()
	delete(c.local, taskID)
	c.mu.Unlock()
	err := c.store.RemoveTaskEverywhere(ctx, taskID)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("forget %s everywhere: %w", taskID, err)
	}
	if c.bus != nil {
		if err := c.bus.Publish(ctx, SyncKind, taskID); err != nil {
			c.log.Warn("node task sync publish failed", "task", taskID, "error", err)
		}
	}
	return nil
}

// IsAlreadyTriggeredHere reports whether this node recorded taskID.
func (c *Cache) IsAlreadyTriggeredHere(taskID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.local[taskID]
	return ok
}

// Local returns this node's task IDs, sorted.
func (c *Cache) Local() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.local))
	for id := range c.local {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// TasksOf returns the task IDs recorded for node. The local node is
// answered from the mirror.
func (c *Cache) TasksOf(ctx context.Context, node string) ([]string, error) {
	if node == c.nodeID {
		return c.Local(), nil
	}
	ids, err := c.store.NodeTasks(ctx, node)
	if err != nil {
		return nil, fmt.Errorf("tasks of %s: %w", node, err)
	}
	return ids, nil
}

// Release removes taskID from the set of another node, typically one that
// left the grid. Releasing from the local node is ForgetLocal.
func (c *Cache) Release(ctx context.Context, node, taskID string) error {
	if node == c.nodeID {
		return c.ForgetLocal(ctx, taskID)
	}
	if err := c.store.RemoveNodeTask(ctx, node, taskID); err != nil {
		return fmt.Errorf("release %s from %s: %w", taskID, node, err)
	}
	return nil
}

// Resync reloads the local mirror from the store. A specific task ID
// only refreshes that entry; "" reloads everything.
func (c *Cache) Resync(ctx context.Context, taskID string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ids, err := c.store.NodeTasks(ctx, c.nodeID)
	if err != nil {
		return fmt.Errorf("resync node tasks: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if taskID == "" {
		c.local = make(map[string]struct{}, len(ids))
		for _, id := range ids {
			c.local[id] = struct{}{}
		}
		return nil
	}
	delete(c.local, taskID)
	for _, id := range ids {
		if id == taskID {
			c.local[id] = struct{}{}
		}
	}
	return nil
}
