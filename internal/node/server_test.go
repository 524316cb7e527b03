package node

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/tremor/internal/cluster"
	"github.com/dreamware/tremor/internal/executor"
	"github.com/dreamware/tremor/internal/task"
)

func newTestServer(t *testing.T) (*testCluster, *Node, *httptest.Server) {
	t.Helper()
	c := newTestCluster(t)
	n := c.start("node-a", standalone)
	c.settle()
	srv := httptest.NewServer(n.Handler())
	t.Cleanup(srv.Close)
	return c, n, srv
}

func do(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestServerTasks(t *testing.T) {
	c, _, srv := newTestServer(t)

	resp := do(t, http.MethodPost, srv.URL+"/tasks", TaskRequest{Spec: task.FaultSpec{Kind: testFault}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/tasks", oneShot("task-1"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created task.Task
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, "task-1", created.ID)

	c.waitStatus("task-1", task.StatusCompleted)
	resp = do(t, http.MethodGet, srv.URL+"/tasks/task-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got task.Task
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, task.StatusCompleted, got.Status)

	resp = do(t, http.MethodGet, srv.URL+"/tasks/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = do(t, http.MethodDelete, srv.URL+"/tasks/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	c.faults.hold("node-a", "task-2")
	resp = do(t, http.MethodPost, srv.URL+"/tasks", oneShot("task-2"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = do(t, http.MethodDelete, srv.URL+"/tasks/task-2", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	c.waitStatus("task-2", task.StatusSkipped)
}

func TestServerHealthAndCluster(t *testing.T) {
	_, _, srv := newTestServer(t)

	resp := do(t, http.MethodGet, srv.URL+"/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "node-a", health["node"])
	assert.Equal(t, "ACTIVE", health["status"])
	assert.Equal(t, "PRESENT", health["quorum"])

	var st ClusterStatus
	require.NoError(t, cluster.GetJSON(context.Background(), srv.URL+"/cluster", &st))
	assert.Equal(t, "node-a", st.Node)
	assert.Equal(t, 1, st.Threshold)
	require.Len(t, st.Members, 1)
	assert.Len(t, st.Partitions, 64)
}

func TestServerGridEndpoints(t *testing.T) {
	_, n, srv := newTestServer(t)
	ctx := context.Background()

	hello := cluster.Hello{
		Member:      cluster.Member{ID: "intruder", Addr: "10.9.9.9:7700"},
		Cluster:     "other",
		TokenDigest: cluster.TokenDigest("s3cret"),
		Mode:        cluster.Clustered,
	}
	_, err := cluster.NewHTTPTransport(nil).Hello(ctx, srv.URL, hello)
	var bootErr *cluster.BootstrapError
	require.ErrorAs(t, err, &bootErr)
	assert.Equal(t, "cluster_name", bootErr.Field)

	resp := do(t, http.MethodPost, srv.URL+cluster.EnvelopePath, cluster.Envelope{Kind: "bogus", From: "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	env, err := cluster.NewEnvelope(cluster.EnvelopeEntry, "x", cluster.EntryEvent{Kind: cluster.EntryEvicted, Key: "k", Value: "COMPLETED"})
	require.NoError(t, err)
	require.NoError(t, cluster.NewHTTPTransport(nil).Send(ctx, cluster.Member{ID: n.ID(), Addr: srv.URL}, env))
}

func TestServerMaintenance(t *testing.T) {
	_, n, srv := newTestServer(t)

	resp := do(t, http.MethodPost, srv.URL+"/maintenance", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Eventually(t, func() bool { return n.Status() == cluster.StatusMaintenance }, time.Second, time.Millisecond)

	resp = do(t, http.MethodPost, srv.URL+"/tasks", oneShot("task-1"))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = do(t, http.MethodDelete, srv.URL+"/maintenance", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, cluster.StatusActive, n.Status())
}

// TestHTTPCluster runs two nodes over real HTTP listeners.
func TestHTTPCluster(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t)

	nodes := make(map[string]*Node)
	for i, id := range []string{"node-a", "node-b"} {
		srv := httptest.NewUnstartedServer(nil)
		cfg := testConfig(id)
		cfg.Node.Advertise = srv.Listener.Addr().String()
		n := New(Options{
			Config:    cfg,
			Store:     c.store,
			Transport: cluster.NewHTTPTransport(nil),
			Faults:    []executor.FaultRunner{&recordingFault{node: id, log: c.faults}},
			StartedAt: t0.Add(time.Duration(i) * time.Minute),
		})
		srv.Config.Handler = n.Handler()
		srv.Start()
		t.Cleanup(srv.Close)
		require.NoError(t, n.Start(ctx))
		t.Cleanup(n.Stop)
		c.nodes[id] = n
		c.order = append(c.order, id)
		nodes[id] = n
	}
	c.probe()
	c.settle()
	for _, n := range nodes {
		require.Equal(t, cluster.QuorumPresent, n.monitor.State(), n.ID())
	}

	id := c.keyOwnedBy("node-b")
	_, err := nodes["node-a"].SubmitTask(ctx, oneShot(id))
	require.NoError(t, err)

	got := c.waitStatus(id, task.StatusCompleted)
	assert.Equal(t, nodes["node-b"].self.Host, got.Triggers[0].Node)
	assert.Equal(t, map[string]int{"node-b": 1}, c.faults.runsOf(id))
	c.waitEntryGone(id)
}
