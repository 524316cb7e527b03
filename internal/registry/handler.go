package registry

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dreamware/tremor/internal/cluster"
	"github.com/dreamware/tremor/internal/logging"
	"github.com/dreamware/tremor/internal/storage"
	"github.com/dreamware/tremor/internal/task"
	"github.com/dreamware/tremor/internal/trigger"
)

// Decider runs the trigger decision.
type Decider interface {
	Decide(ctx context.Context, taskID string) (trigger.Decision, error)
}

// Forgetter clears a task from every node's association set.
type Forgetter interface {
	ForgetEverywhere(ctx context.Context, taskID string) error
}

// Canceller disarms a schedule on this node.
type Canceller interface {
	CancelLocal(id string)
}

// Remover removes a key from the registry.
type Remover interface {
	Remove(ctx context.Context, key string) error
}

// Handler reacts to entry events delivered to this node.
type Handler struct {
	decider   Decider
	assoc     Forgetter
	schedules Canceller
	registry  Remover
	log       *slog.Logger
}

// NewHandler creates the handler for entry events delivered to this node.
// decider runs owned tasks, while assoc, schedules and registry are
// cleaned up when an entry turns terminal or disappears.
func NewHandler(decider Decider, assoc Forgetter, schedules Canceller, registry Remover, logger *slog.Logger) *Handler {
	return &Handler{
		decider:   decider,
		assoc:     assoc,
		schedules: schedules,
		registry:  registry,
		log:       logging.OrDefault(logger, "registry"),
	}
}

// Handle processes one entry event.
func (h *Handler) Handle(ctx context.Context, ev cluster.EntryEvent) {
	switch ev.Kind {
	case cluster.EntryAdded:
		h.decide(ctx, ev.Key)
	case cluster.EntryUpdated:
		if !task.IsTerminalToken(ev.Value) {
			h.decide(ctx, ev.Key)
			return
		}
		h.cleanup(ctx, ev.Key)
		if err := h.registry.Remove(ctx, ev.Key); err != nil && !errors.Is(err, storage.ErrNotFound) {
			h.log.Warn("removing finished entry failed", "task", ev.Key, "error", err)
		}
	case cluster.EntryRemoved:
		h.cleanup(ctx, ev.Key)
	case cluster.EntryEvicted:
		h.log.Info("registry entry evicted", "task", ev.Key, "token", ev.Value)
	}
}

func (h *Handler) decide(ctx context.Context, id string) {
	if _, err := h.decider.Decide(ctx, id); err != nil {
		h.log.Error("task decision failed", "task", id, "error", err)
	}
}

func (h *Handler) cleanup(ctx context.Context, id string) {
	h.schedules.CancelLocal(id)
	if err := h.assoc.ForgetEverywhere(ctx, id); err != nil {
		h.log.Error("clearing task associations failed", "task", id, "error", err)
	}
}
