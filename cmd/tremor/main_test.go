package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/tremor/internal/cluster"
	"github.com/dreamware/tremor/internal/node"
	"github.com/dreamware/tremor/internal/task"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCommandPresence(t *testing.T) {
	root := newRootCommand()
	for _, path := range [][]string{
		{"node"},
		{"config", "validate"},
		{"task", "submit"},
		{"task", "get"},
		{"task", "cancel"},
		{"cluster", "status"},
		{"maintenance", "enter"},
		{"maintenance", "exit"},
	} {
		sub, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}

	flag := root.PersistentFlags().Lookup("node")
	require.NotNil(t, flag)
	assert.Equal(t, "127.0.0.1:7700", flag.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "--format", "xml", "cluster", "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid format "xml"`)
}

const sampleConfig = `
node:
  id: node-1
  listen: ":7800"
  public_address: 10.1.0.5
cluster:
  name: chaos
  validation_token: s3cret
  seeds: [10.1.0.6:7800]
store:
  driver: sqlite3
  dsn: /var/lib/tremor/state.db
`

func TestConfigValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	path := filepath.Join(t.TempDir(), "tremor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	out, err := execute(t, "config", "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "advertise: 10.1.0.5:7800")
	assert.Contains(t, out, "quorum: 2")
	assert.NotContains(t, out, "s3cret")
	assert.NotContains(t, out, "/var/lib/tremor/state.db")
}

func TestConfigValidateRejects(t *testing.T) {
	t.Chdir(t.TempDir())
	path := filepath.Join(t.TempDir(), "tremor.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node:\n  public_address: 10.1.0.5\n"), 0o600))

	_, err := execute(t, "config", "validate", "-c", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid validation_token")
}

// fakeNode records the requests it receives.
type fakeNode struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   [][]byte
}

func (f *fakeNode) last() (*http.Request, []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return nil, nil
	}
	return f.requests[len(f.requests)-1], f.bodies[len(f.bodies)-1]
}

func newFakeNode(t *testing.T) (*fakeNode, *httptest.Server) {
	f := &fakeNode{}
	mux := http.NewServeMux()
	record := func(r *http.Request) {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(r.Body)
		f.mu.Lock()
		f.requests = append(f.requests, r)
		f.bodies = append(f.bodies, buf.Bytes())
		f.mu.Unlock()
	}
	reply := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}
	mux.HandleFunc("POST /tasks", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		reply(w, http.StatusCreated, task.Task{ID: "task-1", Name: "stop web", Status: task.StatusPending,
			Spec: task.FaultSpec{Kind: "container-stop", Target: "web-1"}})
	})
	mux.HandleFunc("GET /tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		http.Error(w, "task not found", http.StatusNotFound)
	})
	mux.HandleFunc("DELETE /tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /cluster", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		reply(w, http.StatusOK, node.ClusterStatus{
			Node: "node-a", Status: cluster.StatusActive, Quorum: "PRESENT", Threshold: 2,
			Members: []node.MemberStatus{
				{ID: "node-a", Addr: "10.0.0.1:7700", Active: true},
				{ID: "node-b", Addr: "10.0.0.2:7700", Active: false},
			},
			Partitions: []int{1, 2, 3},
		})
	})
	mux.HandleFunc("POST /maintenance", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		w.WriteHeader(http.StatusAccepted)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func TestTaskSubmit(t *testing.T) {
	f, srv := newFakeNode(t)

	out, err := execute(t, "--node", srv.URL, "task", "submit",
		"--name", "stop web", "--kind", "container-stop", "--target", "web-1",
		"--arg", "signal=SIGTERM", "--scheduled", "--interval", "1h")
	require.NoError(t, err)
	assert.Contains(t, out, "PENDING")
	assert.Contains(t, out, "container-stop web-1")

	_, body := f.last()
	var req node.TaskRequest
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Equal(t, "stop web", req.Name)
	assert.Equal(t, "container-stop", req.Spec.Kind)
	assert.Equal(t, map[string]string{"signal": "SIGTERM"}, req.Spec.Args)
	assert.True(t, req.Scheduled)
	assert.Equal(t, "1h0m0s", req.Interval.String())
}

func TestTaskSubmitRequiresKind(t *testing.T) {
	_, srv := newFakeNode(t)
	_, err := execute(t, "--node", srv.URL, "task", "submit", "--target", "web-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kind")
}

func TestTaskGetAndCancel(t *testing.T) {
	f, srv := newFakeNode(t)

	_, err := execute(t, "--node", srv.URL, "task", "get", "task-9")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node answered 404: task not found")

	out, err := execute(t, "--node", srv.URL, "task", "cancel", "task-9")
	require.NoError(t, err)
	assert.Equal(t, "cancelled task-9\n", out)
	r, _ := f.last()
	assert.Equal(t, http.MethodDelete, r.Method)
	assert.Equal(t, "/tasks/task-9", r.URL.Path)
}

func TestClusterStatus(t *testing.T) {
	_, srv := newFakeNode(t)

	out, err := execute(t, "--node", srv.URL, "cluster", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "node node-a (ACTIVE), quorum PRESENT, threshold 2, 3 partitions")
	assert.Contains(t, out, "node-b")

	out, err = execute(t, "--node", srv.URL, "--format", "json", "cluster", "status")
	require.NoError(t, err)
	var st node.ClusterStatus
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Len(t, st.Members, 2)
}

func TestMaintenanceEnter(t *testing.T) {
	f, srv := newFakeNode(t)

	_, err := execute(t, "--node", srv.URL, "maintenance", "enter", "--task", "task-7")
	require.NoError(t, err)
	r, _ := f.last()
	assert.Equal(t, "task-7", r.URL.Query().Get("task"))
}
