package syncbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/tremor/internal/cluster"
)

type calls struct {
	ids []string
	mu  sync.Mutex
}

func (c *calls) Resync(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, id)
	return nil
}

func (c *calls) seen() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

type captured struct {
	msgs []Message
}

func (c *captured) Broadcast(_ context.Context, msg Message) error {
	c.msgs = append(c.msgs, msg)
	return nil
}

func TestPublishStampsSender(t *testing.T) {
	out := &captured{}
	b := New("node-a", out, 0, nil)

	require.NoError(t, b.Publish(context.Background(), "node-tasks", "task-1"))

	assert.Equal(t, []Message{{Kind: "node-tasks", ID: "task-1", From: "node-a"}}, out.msgs)
}

func TestPublishWithoutBroadcaster(t *testing.T) {
	b := New("node-a", nil, 0, nil)
	assert.NoError(t, b.Publish(context.Background(), "node-tasks", "task-1"))
}

// TestReceiveDispatchesToHandler verifies routing by kind and self filtering
func TestReceiveDispatchesToHandler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := New("node-b", nil, 4, nil)
	tasks := &calls{}
	config := &calls{}
	b.Register("node-tasks", tasks)
	b.Register("cluster-config", config)
	go b.Run(ctx)

	require.NoError(t, b.Receive(ctx, Message{Kind: "node-tasks", ID: "task-1", From: "node-a"}))
	require.NoError(t, b.Receive(ctx, Message{Kind: "node-tasks", ID: "task-2", From: "node-b"}))
	require.NoError(t, b.Receive(ctx, Message{Kind: "unknown", ID: "x", From: "node-a"}))
	require.NoError(t, b.Receive(ctx, Message{Kind: "cluster-config", From: "node-c"}))

	require.Eventually(t, func() bool { return len(config.seen()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"task-1"}, tasks.seen())
	assert.Equal(t, []string{""}, config.seen())
}

func TestReceiveAfterStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := New("node-b", nil, 1, nil)
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	err := b.Receive(context.Background(), Message{Kind: "k", From: "node-a"})
	assert.ErrorIs(t, err, ErrStopped)
	assert.NoError(t, b.Receive(context.Background(), Message{Kind: "k", From: "node-b"}), "own messages are dropped before the stop check")
}

func TestResyncAll(t *testing.T) {
	b := New("node-a", nil, 0, nil)
	first, second := &calls{}, &calls{}
	b.Register("b-kind", second)
	b.Register("a-kind", first)
	b.Register("func-kind", ResyncFunc(func(context.Context, string) error { return errors.New("boom") }))

	b.ResyncAll(context.Background())

	assert.Equal(t, []string{""}, first.seen())
	assert.Equal(t, []string{""}, second.seen())
	assert.Equal(t, []string{"a-kind", "b-kind", "func-kind"}, b.Kinds())
}

type staticMembers []cluster.Member

func (s staticMembers) Members() []cluster.Member { return s }

type recordingTransport struct {
	fail map[string]bool
	sent []string
	envs []cluster.Envelope
}

func (r *recordingTransport) Send(_ context.Context, to cluster.Member, env cluster.Envelope) error {
	if r.fail[to.ID] {
		return errors.New("unreachable " + to.ID)
	}
	r.sent = append(r.sent, to.ID)
	r.envs = append(r.envs, env)
	return nil
}

func TestClusterBroadcasterSkipsSelf(t *testing.T) {
	members := staticMembers{{ID: "node-a"}, {ID: "node-b"}, {ID: "node-c"}, {ID: "node-d"}}
	tr := &recordingTransport{fail: map[string]bool{"node-c": true}}
	bc := NewClusterBroadcaster("node-a", members, tr)

	err := bc.Broadcast(context.Background(), Message{Kind: "node-tasks", ID: "task-1", From: "node-a"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable node-c")
	assert.Equal(t, []string{"node-b", "node-d"}, tr.sent)

	var msg Message
	require.NoError(t, tr.envs[0].Decode(&msg))
	assert.Equal(t, cluster.EnvelopeSync, tr.envs[0].Kind)
	assert.Equal(t, "task-1", msg.ID)
}

func TestFanout(t *testing.T) {
	a, b := &captured{}, &captured{}
	f := Fanout{a, b}

	require.NoError(t, f.Broadcast(context.Background(), Message{Kind: "k", ID: "1"}))

	assert.Len(t, a.msgs, 1)
	assert.Len(t, b.msgs, 1)
}
