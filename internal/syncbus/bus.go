// Package syncbus tells the other nodes of the grid to reload an object
// from the shared store.
//
// A component that caches durable state registers itself under a kind.
// After writing, it publishes (kind, id); every other node hands the id
// to the component registered under kind on its side. An empty id asks
// for a full reload and is what a node uses on itself after rejoining
// from a network partition.
package syncbus

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/dreamware/tremor/internal/logging"
)

// ErrStopped is returned by Receive after Run has returned.
var ErrStopped = errors.New("syncbus: stopped")

// Resyncer reloads its in-memory view of one object, or of everything
// when id is empty.
type Resyncer interface {
	Resync(ctx context.Context, id string) error
}

// ResyncFunc adapts a function to Resyncer.
type ResyncFunc func(ctx context.Context, id string) error

func (f ResyncFunc) Resync(ctx context.Context, id string) error { return f(ctx, id) }

// Message is one sync notification.
type Message struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
	From string `json:"from"`
}

// Broadcaster delivers a message to every node except the sender.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg Message) error
}

// DefaultBuffer is the inbox size used when none is given.
const DefaultBuffer = 256

// Bus is the sync bus endpoint of one node.
type Bus struct {
	out      Broadcaster
	log      *slog.Logger
	handlers map[string]Resyncer
	inbox    chan Message
	done     chan struct{}
	local    string
	mu       sync.RWMutex
	stop     sync.Once
}

// New creates the bus of node local. out may be nil for a single node.
func New(local string, out Broadcaster, buffer int, logger *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		local:    local,
		out:      out,
		handlers: make(map[string]Resyncer),
		inbox:    make(chan Message, buffer),
		done:     make(chan struct{}),
		log:      logging.OrDefault(logger, "syncbus"),
	}
}

// Register installs r as the handler of kind, replacing any previous one.
func (b *Bus) Register(kind string, r Resyncer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = r
}

// Kinds returns the registered kinds, sorted.
func (b *Bus) Kinds() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	kinds := make([]string, 0, len(b.handlers))
	for k := range b.handlers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Publish asks every other node to reload (kind, id).
func (b *Bus) Publish(ctx context.Context, kind, id string) error {
	if b.out == nil {
		return nil
	}
	return b.out.Broadcast(ctx, Message{Kind: kind, ID: id, From: b.local})
}

// Receive queues a message from another node. Messages published by this
// node are ignored.
func (b *Bus) Receive(ctx context.Context, msg Message) error {
	if msg.From == b.local {
		return nil
	}
	select {
	case <-b.done:
		return ErrStopped
	default:
	}
	select {
	case b.inbox <- msg:
		return nil
	case <-b.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run dispatches queued messages until ctx is cancelled.
func (b *Bus) Run(ctx context.Context) {
	defer b.stop.Do(func() { close(b.done) })
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.inbox:
			b.dispatch(ctx, msg)
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, msg Message) {
	b.mu.RLock()
	h, ok := b.handlers[msg.Kind]
	b.mu.RUnlock()
	if !ok {
		b.log.Debug("no handler for sync message", "kind", msg.Kind, "from", msg.From)
		return
	}
	if err := h.Resync(ctx, msg.ID); err != nil {
		b.log.Error("resync failed", "kind", msg.Kind, "id", msg.ID, "from", msg.From, "error", err)
	}
}

// ResyncAll reloads every registered component completely.
func (b *Bus) ResyncAll(ctx context.Context) {
	for _, kind := range b.Kinds() {
		b.mu.RLock()
		h := b.handlers[kind]
		b.mu.RUnlock()
		if err := h.Resync(ctx, ""); err != nil {
			b.log.Error("full resync failed", "kind", kind, "error", err)
		}
	}
	b.log.Info("resynced all components", "kinds", len(b.Kinds()))
}
