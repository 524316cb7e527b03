package node

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/dreamware/tremor/internal/cluster"
	"github.com/dreamware/tremor/internal/storage"
	"github.com/dreamware/tremor/internal/syncbus"
)

// Handler returns the node's HTTP API, instrumented with OpenTelemetry.
//
// Grid traffic:
//
//	POST   /grid/hello       membership hello (409 + RejectBody on mismatch)
//	POST   /grid/envelope    registry events and sync messages
//
// Operator API:
//
//	GET    /health           liveness and node status
//	GET    /cluster          member view, quorum state, owned partitions
//	POST   /tasks            submit a task
//	GET    /tasks/{id}       read a task
//	DELETE /tasks/{id}       cancel a task
//	POST   /maintenance      drain and enter maintenance mode (async)
//	DELETE /maintenance      resume
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", n.handleHealth)
	mux.HandleFunc("POST "+cluster.HelloPath, n.handleHello)
	mux.HandleFunc("POST "+cluster.EnvelopePath, n.handleEnvelope)
	mux.HandleFunc("GET /cluster", n.handleCluster)
	mux.HandleFunc("POST /tasks", n.handleSubmit)
	mux.HandleFunc("GET /tasks/{id}", n.handleGetTask)
	mux.HandleFunc("DELETE /tasks/{id}", n.handleCancelTask)
	mux.HandleFunc("POST /maintenance", n.handleMaintenance)
	mux.HandleFunc("DELETE /maintenance", n.handleResume)
	return otelhttp.NewHandler(mux, "tremor-node")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (n *Node) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"node":           n.self.ID,
		"status":         n.Status(),
		"quorum":         n.monitor.State().String(),
		"pending_events": n.Pending(),
	})
}

// handleHello answers a grid hello. A peer whose cluster settings do not
// match gets 409 with the offending field.
func (n *Node) handleHello(w http.ResponseWriter, r *http.Request) {
	var h cluster.Hello
	if err := json.NewDecoder(r.Body).Decode(&h); err != nil {
		http.Error(w, "bad hello", http.StatusBadRequest)
		return
	}
	reply, err := n.HandleHello(r.Context(), h)
	var bootErr *cluster.BootstrapError
	if errors.As(err, &bootErr) {
		writeJSON(w, http.StatusConflict, cluster.RejectBody{Field: bootErr.Field, Reason: bootErr.Reason})
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (n *Node) handleEnvelope(w http.ResponseWriter, r *http.Request) {
	var env cluster.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "bad envelope", http.StatusBadRequest)
		return
	}
	err := n.HandleEnvelope(r.Context(), env)
	switch {
	case errors.Is(err, syncbus.ErrStopped):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (n *Node) handleCluster(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, n.ClusterStatus())
}

func (n *Node) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad task request", http.StatusBadRequest)
		return
	}
	t, err := n.SubmitTask(r.Context(), req)
	switch {
	case errors.Is(err, ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrNotAccepting):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case err != nil && t == nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	case err != nil:
		n.log.Warn("task accepted, registry announcement queued for retry", "task", t.ID, "error", err)
		writeJSON(w, http.StatusAccepted, t)
	default:
		writeJSON(w, http.StatusCreated, t)
	}
}

func (n *Node) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := n.Task(r.Context(), r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (n *Node) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	err := n.CancelTask(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, "task not found", http.StatusNotFound)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleMaintenance starts the drain in the background; progress is
// visible through /health.
func (n *Node) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	ctx := n.ctx
	if ctx == nil {
		ctx = context.WithoutCancel(r.Context())
	}
	taskID := r.URL.Query().Get("task")
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.EnterMaintenance(ctx, taskID); err != nil {
			n.log.Error("entering maintenance failed", "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"status": cluster.StatusPause})
}

func (n *Node) handleResume(w http.ResponseWriter, r *http.Request) {
	n.Resume(r.Context())
	w.WriteHeader(http.StatusNoContent)
}
