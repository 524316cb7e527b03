package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	ids []string
	mu  sync.Mutex
}

func (r *recorder) retry(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	if id == "bad" {
		return errors.New("lookup failed")
	}
	return nil
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func TestSweepDeduplicates(t *testing.T) {
	r := &recorder{}
	s := NewSweeper(time.Hour, r.retry, nil)

	s.Add("a")
	s.Add("bad")
	s.Add("a")
	assert.Equal(t, []string{"a", "bad"}, s.Pending())

	s.Sweep(context.Background())

	assert.Equal(t, []string{"a", "bad"}, r.seen())
	assert.Empty(t, s.Pending())
}

// TestScheduleCoalesces verifies a burst of schedules results in one sweep
func TestScheduleCoalesces(t *testing.T) {
	r := &recorder{}
	s := NewSweeper(20*time.Millisecond, r.retry, nil)
	defer s.Stop()

	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		s.Add(id)
		s.Schedule(ctx)
	}

	require.Eventually(t, func() bool { return len(r.seen()) == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, r.seen())
}

func TestPurgeCancelsArmedSweep(t *testing.T) {
	r := &recorder{}
	s := NewSweeper(20*time.Millisecond, r.retry, nil)

	s.Add("a")
	s.Schedule(context.Background())
	s.Purge()

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, r.seen())
	assert.Empty(t, s.Pending())
}

func TestStopRefusesScheduling(t *testing.T) {
	r := &recorder{}
	s := NewSweeper(time.Millisecond, r.retry, nil)
	s.Stop()

	s.Add("a")
	s.Schedule(context.Background())

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, r.seen())
	assert.Equal(t, []string{"a"}, s.Pending())
}

func TestDefaultDelay(t *testing.T) {
	s := NewSweeper(0, func(context.Context, string) error { return nil }, nil)
	assert.Equal(t, DefaultDelay, s.delay)
}
