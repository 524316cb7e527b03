package registry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/tremor/internal/cluster"
	"github.com/dreamware/tremor/internal/partition"
	"github.com/dreamware/tremor/internal/storage"
	"github.com/dreamware/tremor/internal/task"
	"github.com/dreamware/tremor/internal/trigger"
)

type memberMap map[string]cluster.Member

func (m memberMap) Member(id string) (cluster.Member, bool) {
	mem, ok := m[id]
	return mem, ok
}

type sent struct {
	to  string
	env cluster.Envelope
}

type fakeTransport struct {
	err  error
	sent []sent
}

func (f *fakeTransport) Send(_ context.Context, to cluster.Member, env cluster.Envelope) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sent{to: to.ID, env: env})
	return nil
}

type fixture struct {
	store     *storage.MemoryStore
	table     *partition.Table
	transport *fakeTransport
	local     []cluster.EntryEvent
	reg       *Registry
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     storage.NewMemoryStore(),
		table:     partition.NewTable(partition.DefaultCount),
		transport: &fakeTransport{},
		now:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.table.Rebalance([]string{"node-a", "node-b"})
	f.reg = New(Options{
		Store:     f.store,
		Table:     f.table,
		Members:   memberMap{"node-b": {ID: "node-b", Addr: "10.0.0.2:7700"}},
		Transport: f.transport,
		Deliver: func(_ context.Context, ev cluster.EntryEvent) error {
			f.local = append(f.local, ev)
			return nil
		},
		NodeID: "node-a",
		Now:    func() time.Time { return f.now },
	})
	return f
}

// keyOwnedBy finds a task key whose partition belongs to node.
func (f *fixture) keyOwnedBy(t *testing.T, node string) string {
	t.Helper()
	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("task-%d", i)
		if f.table.OwnerOfKey(key) == node {
			return key
		}
	}
	t.Fatalf("no key owned by %s", node)
	return ""
}

func TestPutRoutesToLocalOwner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key := f.keyOwnedBy(t, "node-a")

	require.NoError(t, f.reg.Put(ctx, key, "PENDING"))
	require.NoError(t, f.reg.Put(ctx, key, "IN_PROGRESS"))

	assert.Equal(t, []cluster.EntryEvent{
		{Kind: cluster.EntryAdded, Key: key, Value: "PENDING"},
		{Kind: cluster.EntryUpdated, Key: key, Value: "IN_PROGRESS"},
	}, f.local)
	assert.Empty(t, f.transport.sent)

	e, err := f.store.GetEntry(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, f.table.PartitionOf(key), e.Partition)
}

// TestPutRoutesToRemoteOwner verifies non-owners never see the event
func TestPutRoutesToRemoteOwner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key := f.keyOwnedBy(t, "node-b")

	require.NoError(t, f.reg.Put(ctx, key, "PENDING"))

	assert.Empty(t, f.local)
	require.Len(t, f.transport.sent, 1)
	assert.Equal(t, "node-b", f.transport.sent[0].to)
	assert.Equal(t, cluster.EnvelopeEntry, f.transport.sent[0].env.Kind)
	var ev cluster.EntryEvent
	require.NoError(t, f.transport.sent[0].env.Decode(&ev))
	assert.Equal(t, cluster.EntryEvent{Kind: cluster.EntryAdded, Key: key, Value: "PENDING"}, ev)
}

func TestRouteWithoutOwner(t *testing.T) {
	f := newFixture(t)
	f.table.Rebalance(nil)

	err := f.reg.Put(context.Background(), "task-1", "PENDING")

	assert.ErrorIs(t, err, ErrNoOwner)
	assert.Empty(t, f.local)
}

func TestRouteToUnknownMember(t *testing.T) {
	f := newFixture(t)
	f.reg.members = memberMap{}
	key := f.keyOwnedBy(t, "node-b")

	err := f.reg.Put(context.Background(), key, "PENDING")

	assert.ErrorIs(t, err, cluster.ErrUnreachable)
}

func TestUpdateRemoveEvict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key := f.keyOwnedBy(t, "node-a")

	err := f.reg.Update(ctx, key, "COMPLETED")
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, f.reg.Put(ctx, key, "PENDING"))
	require.NoError(t, f.reg.Update(ctx, key, "COMPLETED"))
	require.NoError(t, f.reg.Remove(ctx, key))
	require.ErrorIs(t, f.reg.Remove(ctx, key), storage.ErrNotFound)
	require.NoError(t, f.reg.Put(ctx, key, "FAILED"))
	require.NoError(t, f.reg.Evict(ctx, key))

	kinds := make([]cluster.EntryKind, 0, len(f.local))
	for _, ev := range f.local {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []cluster.EntryKind{
		cluster.EntryAdded,
		cluster.EntryUpdated,
		cluster.EntryRemoved,
		cluster.EntryAdded,
		cluster.EntryEvicted,
	}, kinds)
	assert.Equal(t, "COMPLETED", f.local[2].Value)
}

func TestReannounceAndKeys(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	mine := f.keyOwnedBy(t, "node-a")
	theirs := f.keyOwnedBy(t, "node-b")
	require.NoError(t, f.reg.Put(ctx, mine, "PENDING"))
	require.NoError(t, f.reg.Put(ctx, theirs, "PENDING"))

	require.NoError(t, f.reg.Reannounce(ctx, theirs))
	require.Len(t, f.transport.sent, 2)
	var ev cluster.EntryEvent
	require.NoError(t, f.transport.sent[1].env.Decode(&ev))
	assert.Equal(t, cluster.EntryAdded, ev.Kind)

	_, err := f.store.PutEntry(ctx, storage.RegistryEntry{Key: theirs, Token: "CANCELLED", Partition: f.table.PartitionOf(theirs)})
	require.NoError(t, err)
	require.NoError(t, f.reg.Reannounce(ctx, theirs))
	require.Len(t, f.transport.sent, 3)
	require.NoError(t, f.transport.sent[2].env.Decode(&ev))
	assert.Equal(t, cluster.EntryUpdated, ev.Kind)

	local, err := f.reg.LocalKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{mine}, local)

	keys, err := f.reg.KeysInPartition(ctx, f.table.PartitionOf(mine))
	require.NoError(t, err)
	assert.Contains(t, keys, mine)

	token, err := f.reg.Get(ctx, mine)
	require.NoError(t, err)
	assert.Equal(t, "PENDING", token)
}

func TestJanitorExpiresTerminalEntries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	done := f.keyOwnedBy(t, "node-a")
	require.NoError(t, f.reg.Put(ctx, done, string(task.StatusCompleted)))
	f.local = nil

	f.now = f.now.Add(2 * time.Hour)
	fresh := "fresh-" + done
	for f.table.OwnerOfKey(fresh) != "node-a" {
		fresh += "x"
	}
	require.NoError(t, f.reg.Put(ctx, fresh, string(task.StatusCompleted)))
	f.local = nil

	assert.Equal(t, 1, f.reg.expire(ctx, time.Hour))
	require.Len(t, f.local, 1)
	assert.Equal(t, cluster.EntryEvicted, f.local[0].Kind)
	assert.Equal(t, done, f.local[0].Key)
}

type recordingDecider struct{ ids []string }

func (d *recordingDecider) Decide(_ context.Context, id string) (trigger.Decision, error) {
	d.ids = append(d.ids, id)
	return trigger.Submit, nil
}

type recordingForgetter struct{ ids []string }

func (r *recordingForgetter) ForgetEverywhere(_ context.Context, id string) error {
	r.ids = append(r.ids, id)
	return nil
}

type recordingCanceller struct{ ids []string }

func (r *recordingCanceller) CancelLocal(id string) { r.ids = append(r.ids, id) }

type recordingRemover struct{ ids []string }

func (r *recordingRemover) Remove(_ context.Context, id string) error {
	r.ids = append(r.ids, id)
	return fmt.Errorf("remove %s: %w", id, storage.ErrNotFound)
}

func TestHandler(t *testing.T) {
	ctx := context.Background()
	decider := &recordingDecider{}
	forget := &recordingForgetter{}
	cancel := &recordingCanceller{}
	remove := &recordingRemover{}
	h := NewHandler(decider, forget, cancel, remove, nil)

	h.Handle(ctx, cluster.EntryEvent{Kind: cluster.EntryAdded, Key: "t1", Value: "PENDING"})
	h.Handle(ctx, cluster.EntryEvent{Kind: cluster.EntryUpdated, Key: "t2", Value: "PENDING"})
	h.Handle(ctx, cluster.EntryEvent{Kind: cluster.EntryUpdated, Key: "t3", Value: "CANCELLED"})
	h.Handle(ctx, cluster.EntryEvent{Kind: cluster.EntryRemoved, Key: "t4"})
	h.Handle(ctx, cluster.EntryEvent{Kind: cluster.EntryEvicted, Key: "t5"})

	assert.Equal(t, []string{"t1", "t2"}, decider.ids)
	assert.Equal(t, []string{"t3", "t4"}, forget.ids)
	assert.Equal(t, []string{"t3", "t4"}, cancel.ids)
	assert.Equal(t, []string{"t3"}, remove.ids)
}
