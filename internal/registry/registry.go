// Package registry is the partitioned task registry: a shared map from
// task ID to status token whose mutations are announced only to the node
// owning the key's partition.
//
// Entries live in the shared store, so every node reads the same map.
// Notifications do not: after each mutation exactly one EntryEvent is
// routed to the current owner of the key's partition, either onto the
// local entry channel or, for a remote owner, as an "entry" envelope over
// the grid transport.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dreamware/tremor/internal/cluster"
	"github.com/dreamware/tremor/internal/logging"
	"github.com/dreamware/tremor/internal/storage"
	"github.com/dreamware/tremor/internal/task"
)

// ErrNoOwner is returned when an event cannot be routed because no node
// owns the key's partition yet.
var ErrNoOwner = errors.New("registry: partition has no owner")

// Table maps keys to partitions and owners.
type Table interface {
	PartitionOf(key string) int
	OwnerOfKey(key string) string
}

// Members resolves a node ID to a reachable member.
type Members interface {
	Member(id string) (cluster.Member, bool)
}

// DeliverFunc hands an event to the local entry dispatcher.
type DeliverFunc func(ctx context.Context, ev cluster.EntryEvent) error

// Registry is one node's handle on the shared registry.
type Registry struct {
	store     storage.RegistryStore
	table     Table
	members   Members
	transport cluster.Transport
	deliver   DeliverFunc
	log       *slog.Logger
	now       func() time.Time
	nodeID    string
}

// Options wires a Registry.
type Options struct {
	Store     storage.RegistryStore
	Table     Table
	Members   Members
	Transport cluster.Transport
	Deliver   DeliverFunc
	Logger    *slog.Logger
	Now       func() time.Time
	NodeID    string
}

// New creates the registry of the local node. Events for keys owned here go
// to opts.Deliver; the rest are sent over opts.Transport to the owner.
//
// Example:
//
//	reg := registry.New(registry.Options{
//	    Store:     store,
//	    Table:     grid.Table(),
//	    Members:   grid,
//	    Transport: transport,
//	    Deliver:   dispatch,
//	    NodeID:    "node-a",
//	})
func New(opts Options) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		store:     opts.Store,
		table:     opts.Table,
		members:   opts.Members,
		transport: opts.Transport,
		deliver:   opts.Deliver,
		nodeID:    opts.NodeID,
		now:       opts.Now,
		log:       logging.OrDefault(opts.Logger, "registry"),
	}
}

// Put inserts or replaces key. The owner is told "added" for a new key and
// "updated" for an existing one.
func (r *Registry) Put(ctx context.Context, key, token string) error {
	existed, err := r.store.PutEntry(ctx, r.entry(key, token))
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	kind := cluster.EntryAdded
	if existed {
		kind = cluster.EntryUpdated
	}
	return r.route(ctx, cluster.EntryEvent{Kind: kind, Key: key, Value: token})
}

// Update replaces the token of an existing key. A missing key is
// storage.ErrNotFound.
func (r *Registry) Update(ctx context.Context, key, token string) error {
	if _, err := r.store.GetEntry(ctx, key); err != nil {
		return fmt.Errorf("update %s: %w", key, err)
	}
	if _, err := r.store.PutEntry(ctx, r.entry(key, token)); err != nil {
		return fmt.Errorf("update %s: %w", key, err)
	}
	return r.route(ctx, cluster.EntryEvent{Kind: cluster.EntryUpdated, Key: key, Value: token})
}

// Remove deletes key. A missing key is storage.ErrNotFound.
func (r *Registry) Remove(ctx context.Context, key string) error {
	return r.delete(ctx, key, cluster.EntryRemoved)
}

// Evict deletes key as diagnostic expiry.
func (r *Registry) Evict(ctx context.Context, key string) error {
	return r.delete(ctx, key, cluster.EntryEvicted)
}

func (r *Registry) delete(ctx context.Context, key string, kind cluster.EntryKind) error {
	old, err := r.store.DeleteEntry(ctx, key)
	if err != nil {
		return fmt.Errorf("%s %s: %w", kind, key, err)
	}
	return r.route(ctx, cluster.EntryEvent{Kind: kind, Key: key, Value: old.Token})
}

// Reannounce sends an existing key to its current owner again: "updated"
// when its token is terminal, so the owner cleans up, otherwise "added".
func (r *Registry) Reannounce(ctx context.Context, key string) error {
	e, err := r.store.GetEntry(ctx, key)
	if err != nil {
		return fmt.Errorf("reannounce %s: %w", key, err)
	}
	kind := cluster.EntryAdded
	if task.IsTerminalToken(e.Token) {
		kind = cluster.EntryUpdated
	}
	return r.route(ctx, cluster.EntryEvent{Kind: kind, Key: key, Value: e.Token})
}

// Get returns the token of key.
func (r *Registry) Get(ctx context.Context, key string) (string, error) {
	e, err := r.store.GetEntry(ctx, key)
	if err != nil {
		return "", err
	}
	return e.Token, nil
}

// KeysInPartition lists the keys stored in partition pid.
func (r *Registry) KeysInPartition(ctx context.Context, pid int) ([]string, error) {
	entries, err := r.store.EntriesInPartition(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("keys in partition %d: %w", pid, err)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.Key)
	}
	return keys, nil
}

// LocalKeys lists the keys whose partition this node owns.
func (r *Registry) LocalKeys(ctx context.Context) ([]string, error) {
	entries, err := r.store.Entries(ctx)
	if err != nil {
		return nil, fmt.Errorf("local keys: %w", err)
	}
	var keys []string
	for _, e := range entries {
		if r.table.OwnerOfKey(e.Key) == r.nodeID {
			keys = append(keys, e.Key)
		}
	}
	return keys, nil
}

func (r *Registry) entry(key, token string) storage.RegistryEntry {
	return storage.RegistryEntry{
		Key:       key,
		Token:     token,
		Partition: r.table.PartitionOf(key),
		UpdatedAt: r.now(),
	}
}

// route delivers ev to the owner of its key.
func (r *Registry) route(ctx context.Context, ev cluster.EntryEvent) error {
	owner := r.table.OwnerOfKey(ev.Key)
	switch {
	case owner == "":
		r.log.Warn("no owner for registry event", "key", ev.Key, "kind", ev.Kind)
		return ErrNoOwner
	case owner == r.nodeID:
		return r.deliver(ctx, ev)
	}

	m, ok := r.members.Member(owner)
	if !ok {
		return fmt.Errorf("route %s to %s: %w", ev.Key, owner, cluster.ErrUnreachable)
	}
	env, err := cluster.NewEnvelope(cluster.EnvelopeEntry, r.nodeID, ev)
	if err != nil {
		return err
	}
	if err := r.transport.Send(ctx, m, env); err != nil {
		r.log.Warn("routing registry event failed", "key", ev.Key, "kind", ev.Kind, "owner", owner, "error", err)
		return err
	}
	return nil
}

// RunJanitor evicts entries whose token is terminal and older than ttl,
// checking every interval until ctx is cancelled.
func (r *Registry) RunJanitor(ctx context.Context, ttl, interval time.Duration) {
	if ttl <= 0 {
		return
	}
	if interval <= 0 {
		interval = ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.expire(ctx, ttl)
		}
	}
}

func (r *Registry) expire(ctx context.Context, ttl time.Duration) int {
	entries, err := r.store.Entries(ctx)
	if err != nil {
		r.log.Error("janitor listing entries failed", "error", err)
		return 0
	}
	cutoff := r.now().Add(-ttl)
	evicted := 0
	for _, e := range entries {
		if !task.IsTerminalToken(e.Token) || e.UpdatedAt.After(cutoff) {
			continue
		}
		if r.table.OwnerOfKey(e.Key) != r.nodeID {
			continue
		}
		if err := r.Evict(ctx, e.Key); err != nil && !errors.Is(err, storage.ErrNotFound) {
			r.log.Warn("evicting expired entry failed", "key", e.Key, "error", err)
			continue
		}
		evicted++
	}
	return evicted
}
