package membership

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/tremor/internal/cluster"
	"github.com/dreamware/tremor/internal/nodetasks"
	"github.com/dreamware/tremor/internal/storage"
	"github.com/dreamware/tremor/internal/task"
	"github.com/dreamware/tremor/internal/trigger"
)

type ownerMap map[string]string

func (o ownerMap) OwnerOfKey(key string) string { return o[key] }

type quorumFlag struct {
	deferred []string
	present  bool
}

func (q *quorumFlag) Present() bool { return q.present }
func (q *quorumFlag) Defer(taskID string) { q.deferred = append(q.deferred, taskID) }

type fakeConfig struct {
	added   []string
	removed []string
	present []bool
}

func (c *fakeConfig) AddMember(_ context.Context, host string) error {
	c.added = append(c.added, host)
	return nil
}

func (c *fakeConfig) RemoveMember(_ context.Context, removed cluster.Member, _ []cluster.Member, quorumPresent bool) error {
	c.removed = append(c.removed, removed.Host)
	c.present = append(c.present, quorumPresent)
	return nil
}

type seeds struct{ addrs []string }

func (s *seeds) AddSeed(addr string) { s.addrs = append(s.addrs, addr) }

type sweeper struct {
	added     []string
	scheduled int
}

func (s *sweeper) Add(id string) { s.added = append(s.added, id) }
func (s *sweeper) Schedule(context.Context) { s.scheduled++ }

type noSchedules struct{}

func (noSchedules) Schedule(context.Context, string) (*task.Schedule, error) {
	return nil, storage.ErrNotFound
}
func (noSchedules) SetStatus(context.Context, string, task.ScheduleStatus) error { return nil }
func (noSchedules) IsScheduledLocally(string) bool { return false }

type executor struct {
	submitted []string
	mu        sync.Mutex
}

func (e *executor) Submit(_ context.Context, t *task.Task) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.submitted = append(e.submitted, t.ID)
	return nil
}

type fixture struct {
	store   *storage.MemoryStore
	quorum  *quorumFlag
	config  *fakeConfig
	seeds   *seeds
	sweeper *sweeper
	exec    *executor
	assoc   *nodetasks.Cache
	coord   *Coordinator
}

func newFixture(t *testing.T, owners ownerMap) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	f := &fixture{
		store:   store,
		quorum:  &quorumFlag{present: true},
		config:  &fakeConfig{},
		seeds:   &seeds{},
		sweeper: &sweeper{},
		exec:    &executor{},
		assoc:   nodetasks.New("node-c", store, nil, nil),
	}
	decider := trigger.New(trigger.Deps{
		Tasks:        store,
		Schedules:    noSchedules{},
		Executor:     f.exec,
		Associations: f.assoc,
		Quorum:       f.quorum,
		Host:         "10.0.0.3",
	})
	f.coord = NewCoordinator(Deps{
		Owners:  owners,
		Assoc:   f.assoc,
		Config:  f.config,
		Quorum:  f.quorum,
		Seeds:   f.seeds,
		Decider: decider,
		Sweeper: f.sweeper,
		NodeID:  "node-c",
	})
	return f
}

var (
	nodeA = cluster.Member{ID: "node-a", Addr: "10.0.0.1:7700", Host: "10.0.0.1"}
	nodeB = cluster.Member{ID: "node-b", Addr: "10.0.0.2:7700", Host: "10.0.0.2"}
	nodeC = cluster.Member{ID: "node-c", Addr: "10.0.0.3:7700", Host: "10.0.0.3"}
)

func TestMemberAddedRecordsSeedAndConfig(t *testing.T) {
	f := newFixture(t, ownerMap{})

	f.coord.Handle(context.Background(), cluster.MembershipEvent{
		Kind:    cluster.MemberAdded,
		Member:  nodeB,
		Members: []cluster.Member{nodeA, nodeB},
	})

	assert.Equal(t, []string{"10.0.0.2:7700"}, f.seeds.addrs)
	assert.Equal(t, []string{"10.0.0.2"}, f.config.added)
	assert.Empty(t, f.exec.submitted)
	assert.Zero(t, f.sweeper.scheduled)
}

// TestRemovedMemberTaskRetriggeredOnce is the forced removal of node B
// with node C owning task-123's partition afterwards.
func TestRemovedMemberTaskRetriggeredOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ownerMap{"task-123": "node-c", "task-456": "node-a"})
	require.NoError(t, f.store.SaveTask(ctx, &task.Task{
		ID:       "task-123",
		Status:   task.StatusInProgress,
		Triggers: []task.Trigger{{Node: "10.0.0.2", Status: task.StatusInProgress}},
	}))
	require.NoError(t, f.store.AddNodeTask(ctx, "node-b", "task-123"))
	require.NoError(t, f.store.AddNodeTask(ctx, "node-b", "task-456"))

	ev := cluster.MembershipEvent{Kind: cluster.MemberRemoved, Member: nodeB, Members: []cluster.Member{nodeA, nodeC}}
	f.coord.Handle(ctx, ev)
	// a stale replica of node B's set arriving late
	require.NoError(t, f.store.AddNodeTask(ctx, "node-b", "task-123"))
	f.coord.Handle(ctx, ev)

	assert.Equal(t, []string{"task-123"}, f.exec.submitted)
	assert.True(t, f.assoc.IsAlreadyTriggeredHere("task-123"))
	assert.Equal(t, []string{"task-456", "task-456"}, f.sweeper.added)
	assert.Equal(t, 2, f.sweeper.scheduled)
	assert.Equal(t, []string{"10.0.0.2", "10.0.0.2"}, f.config.removed)
	assert.Equal(t, []bool{true, true}, f.config.present)

	left, err := f.store.NodeTasks(ctx, "node-b")
	require.NoError(t, err)
	assert.Equal(t, []string{"task-456"}, left)
}

// TestRemovedMemberKeepsTasksOwnedElsewhere handles the same departure on
// a survivor that owns none of the departed node's tasks. The shared set
// must still hold them when the owner handles the departure later.
func TestRemovedMemberKeepsTasksOwnedElsewhere(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ownerMap{"task-123": "node-a", "task-456": "node-a"})
	require.NoError(t, f.store.AddNodeTask(ctx, "node-b", "task-123"))
	require.NoError(t, f.store.AddNodeTask(ctx, "node-b", "task-456"))

	f.coord.Handle(ctx, cluster.MembershipEvent{Kind: cluster.MemberRemoved, Member: nodeB, Members: []cluster.Member{nodeA, nodeC}})

	assert.Empty(t, f.exec.submitted)
	assert.Equal(t, []string{"task-123", "task-456"}, f.sweeper.added)
	left, err := f.store.NodeTasks(ctx, "node-b")
	require.NoError(t, err)
	assert.Equal(t, []string{"task-123", "task-456"}, left)
}

func TestRemovedMemberWithoutQuorumDefers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ownerMap{"task-123": "node-c"})
	f.quorum.present = false
	require.NoError(t, f.store.SaveTask(ctx, &task.Task{ID: "task-123", Status: task.StatusInProgress}))
	require.NoError(t, f.store.AddNodeTask(ctx, "node-b", "task-123"))

	f.coord.Handle(ctx, cluster.MembershipEvent{Kind: cluster.MemberRemoved, Member: nodeB, Members: []cluster.Member{nodeC}})

	assert.Empty(t, f.exec.submitted)
	assert.Equal(t, []string{"task-123"}, f.quorum.deferred)
	assert.Equal(t, []bool{false}, f.config.present)
	assert.Equal(t, 1, f.sweeper.scheduled)

	left, err := f.store.NodeTasks(ctx, "node-b")
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestRemovedMemberSkipsTasksAlreadyHere(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ownerMap{"task-123": "node-c"})
	require.NoError(t, f.store.SaveTask(ctx, &task.Task{ID: "task-123", Status: task.StatusInProgress}))
	require.NoError(t, f.store.AddNodeTask(ctx, "node-b", "task-123"))
	require.NoError(t, f.assoc.RecordLocal(ctx, "task-123"))

	f.coord.Handle(ctx, cluster.MembershipEvent{Kind: cluster.MemberRemoved, Member: nodeB, Members: []cluster.Member{nodeA, nodeC}})

	assert.Empty(t, f.exec.submitted)
	assert.Empty(t, f.quorum.deferred)
}
