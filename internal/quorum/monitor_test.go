package quorum

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dreamware/tremor/internal/cluster"
)

func view(ids []string, active ...string) cluster.View {
	v := cluster.View{Active: map[string]bool{}}
	for _, id := range ids {
		v.Members = append(v.Members, cluster.Member{ID: id})
	}
	for _, id := range active {
		v.Active[id] = true
	}
	return v
}

func TestIsPresent(t *testing.T) {
	abc := []string{"a", "b", "c"}
	tests := []struct {
		name      string
		view      cluster.View
		threshold int
		want      bool
	}{
		{name: "all active", view: view(abc, "a", "b", "c"), threshold: 2, want: true},
		{name: "two of three active", view: view(abc, "a", "c"), threshold: 2, want: true},
		{name: "one of three active", view: view(abc, "a"), threshold: 2, want: false},
		{name: "members present but not flagged", view: view(abc), threshold: 2, want: false},
		{name: "too few members", view: view([]string{"a"}, "a"), threshold: 2, want: false},
		{name: "standalone", view: view([]string{"a"}, "a"), threshold: 1, want: true},
		{name: "active flag of non-member ignored", view: view([]string{"a"}, "a", "z"), threshold: 2, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsPresent(tt.view, tt.threshold))
		})
	}
}

// TestMonitorTransitions verifies only real changes are reported
func TestMonitorTransitions(t *testing.T) {
	m := NewMonitor(2, nil)
	assert.Equal(t, cluster.QuorumNotPresent, m.State())

	state, changed := m.Evaluate(view([]string{"a"}, "a"))
	assert.Equal(t, cluster.QuorumNotPresent, state)
	assert.False(t, changed)

	state, changed = m.Evaluate(view([]string{"a", "b"}, "a", "b"))
	assert.Equal(t, cluster.QuorumPresent, state)
	assert.True(t, changed)
	assert.True(t, m.Present())

	_, changed = m.Evaluate(view([]string{"a", "b", "c"}, "a", "b", "c"))
	assert.False(t, changed)
	assert.Len(t, m.View().Members, 3)

	state, changed = m.Evaluate(view([]string{"a", "b", "c"}, "a"))
	assert.Equal(t, cluster.QuorumNotPresent, state)
	assert.True(t, changed)
	assert.False(t, m.Present())
}

func TestMonitorThresholdFloor(t *testing.T) {
	assert.Equal(t, 1, NewMonitor(0, nil).Threshold())
}

// TestDeferredQueue verifies dedupe, ordering and one-shot draining
func TestDeferredQueue(t *testing.T) {
	m := NewMonitor(2, nil)

	m.Defer("task-2")
	m.Defer("task-1")
	m.Defer("task-2")

	assert.Equal(t, []string{"task-2", "task-1"}, m.Deferred())
	assert.Equal(t, []string{"task-2", "task-1"}, m.TakeDeferred())
	assert.Empty(t, m.TakeDeferred())

	m.Defer("task-2")
	assert.Equal(t, []string{"task-2"}, m.Deferred())
}
