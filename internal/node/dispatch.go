package node

import (
	"context"
	"fmt"

	"github.com/dreamware/tremor/internal/cluster"
	"github.com/dreamware/tremor/internal/syncbus"
)

// enqueue puts v on ch without blocking the caller. When ch is full the
// send is finished by a goroutine, which gives up once the node stops.
func enqueue[T any](n *Node, ch chan T, v T) {
	n.pending.Add(1)
	select {
	case ch <- v:
		return
	default:
	}
	n.log.Warn("event queue full, delivering asynchronously", "type", fmt.Sprintf("%T", v))
	go func() {
		select {
		case ch <- v:
		case <-n.done:
			n.pending.Add(-1)
		}
	}()
}

// dispatch handles the events of one channel until ctx is cancelled.
func dispatch[T any](ctx context.Context, n *Node, ch chan T, handle func(context.Context, T)) {
	defer n.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case v := <-ch:
			handle(ctx, v)
			n.pending.Add(-1)
		}
	}
}

func (n *Node) startDispatchers(ctx context.Context) {
	n.wg.Add(6)
	go dispatch(ctx, n, n.quorumCh, n.guard.Handle)
	go dispatch(ctx, n, n.membershipCh, n.members.Handle)
	go dispatch(ctx, n, n.migrationCh, n.migrations.Handle)
	go dispatch(ctx, n, n.entryCh, n.entries.Handle)
	go dispatch(ctx, n, n.mergeCh, func(ctx context.Context, _ struct{}) {
		n.bus.ResyncAll(ctx)
	})
	go func() {
		defer n.wg.Done()
		n.bus.Run(ctx)
	}()
}

// Pending returns the number of queued events not yet handled.
func (n *Node) Pending() int64 {
	return n.pending.Load()
}

// ViewChanged re-evaluates quorum and queues a transition when the state
// changed. It is called by the grid.
func (n *Node) ViewChanged(_ context.Context, view cluster.View) {
	state, changed := n.monitor.Evaluate(view)
	if changed {
		enqueue(n, n.quorumCh, cluster.QuorumEvent{View: view, State: state})
	}
}

// Membership queues a membership event. It is called by the grid.
func (n *Node) Membership(_ context.Context, ev cluster.MembershipEvent) {
	enqueue(n, n.membershipCh, ev)
}

// Migration queues a migration event. It is called by the grid.
func (n *Node) Migration(_ context.Context, ev cluster.MigrationEvent) {
	enqueue(n, n.migrationCh, ev)
}

// Merged queues a full resync. It is called by the grid when a removed
// member is seen again.
func (n *Node) Merged(context.Context) {
	enqueue(n, n.mergeCh, struct{}{})
}

// deliverEntry hands a registry event owned by this node to the entry
// dispatcher.
func (n *Node) deliverEntry(_ context.Context, ev cluster.EntryEvent) error {
	enqueue(n, n.entryCh, ev)
	return nil
}

// HandleEnvelope accepts an envelope from a peer.
func (n *Node) HandleEnvelope(ctx context.Context, env cluster.Envelope) error {
	switch env.Kind {
	case cluster.EnvelopeEntry:
		var ev cluster.EntryEvent
		if err := env.Decode(&ev); err != nil {
			return err
		}
		return n.deliverEntry(ctx, ev)
	case cluster.EnvelopeSync:
		var msg syncbus.Message
		if err := env.Decode(&msg); err != nil {
			return err
		}
		return n.bus.Receive(ctx, msg)
	}
	return fmt.Errorf("unknown envelope kind %q from %s", env.Kind, env.From)
}

// HandleHello answers a grid hello.
func (n *Node) HandleHello(ctx context.Context, h cluster.Hello) (cluster.Hello, error) {
	return n.grid.HandleHello(ctx, h)
}
