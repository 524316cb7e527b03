package node

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/tremor/internal/task"
)

// TestNodeRemovalRetriggersOnNewOwner removes the node running a one-shot
// task and checks that exactly one survivor, the key's new owner, runs it
// again. The trace names nodes by role so it does not depend on which
// survivor the hash picks.
//
// To regenerate the golden file, run:
//
//	go test ./internal/node -run NodeRemoval -update
func TestNodeRemovalRetriggersOnNewOwner(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t)
	a, b, owner := c.startThree()
	id := c.keyOwnedBy(owner.ID())

	var trace bytes.Buffer
	roles := map[string]string{owner.ID(): "owner", owner.self.Host: "owner"}
	role := func(key string) string {
		if r, ok := roles[key]; ok {
			return r
		}
		return "unknown"
	}

	c.faults.hold(owner.ID(), id)
	_, err := a.SubmitTask(ctx, oneShot(id))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.faults.total(id) == 1 }, time.Second, time.Millisecond)
	c.settle()
	for node, runs := range c.faults.runsOf(id) {
		fmt.Fprintf(&trace, "%s runs=%d\n", role(node), runs)
	}

	c.net.Partition(owner.self.Addr)
	c.probe(a.ID(), b.ID())
	c.probe(a.ID(), b.ID())
	c.settle()
	fmt.Fprintln(&trace, "owner partitioned, survivors probed twice")

	for _, s := range []*Node{a, b} {
		require.Len(t, s.grid.Members(), 2, s.ID())
		require.Equal(t, s.monitor.State(), a.monitor.State())
	}
	fmt.Fprintf(&trace, "survivors members=%d quorum=%s\n", len(a.grid.Members()), a.monitor.State())

	newOwner := a.grid.Table().OwnerOfKey(id)
	require.Equal(t, newOwner, b.grid.Table().OwnerOfKey(id))
	require.Contains(t, []string{a.ID(), b.ID()}, newOwner)
	roles[newOwner] = "new-owner"
	roles[c.nodes[newOwner].self.Host] = "new-owner"

	c.waitEntryGone(id)
	c.settle()
	got := c.waitStatus(id, task.StatusCompleted)

	runs := c.faults.runsOf(id)
	assert.Len(t, runs, 2)
	fmt.Fprintf(&trace, "new-owner runs=%d\n", runs[newOwner])
	fmt.Fprintf(&trace, "isolated-owner runs=%d\n", runs[owner.ID()])

	fmt.Fprintf(&trace, "task status=%s triggers=%d\n", got.Status, len(got.Triggers))
	for i, tr := range got.Triggers {
		fmt.Fprintf(&trace, "trigger %d node=%s status=%s\n", i+1, role(tr.Node), tr.Status)
	}
	fmt.Fprintln(&trace, "registry entry removed")

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "node_removal", trace.Bytes())
}
