package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/promptflow/internal/store"
	"github.com/rendis/promptflow/internal/streaming"
	"github.com/rendis/promptflow/pkg/schema"
)

// mockPruneStore satisfies store.Store for janitor tests.
type mockPruneStore struct {
	store.Store
	mu      sync.Mutex
	cutoffs []time.Time
	removed int64
	err     error
	block   chan struct{}
	entered chan struct{}
}

func (m *mockPruneStore) PruneExecutions(ctx context.Context, before time.Time) (int64, error) {
	if m.entered != nil {
		m.entered <- struct{}{}
	}
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cutoffs = append(m.cutoffs, before)
	return m.removed, m.err
}

func (m *mockPruneStore) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cutoffs)
}

var fixedNow = time.Date(2026, 5, 10, 8, 30, 0, 0, time.UTC)

func TestNewJanitor_Validation(t *testing.T) {
	_, err := NewJanitor(&mockPruneStore{}, 0, "")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = NewJanitor(&mockPruneStore{}, time.Hour, "not a cron")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	j, err := NewJanitor(&mockPruneStore{}, time.Hour, "")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC), j.NextRun(fixedNow))
}

func TestJanitor_NextRunCron(t *testing.T) {
	j, err := NewJanitor(&mockPruneStore{}, time.Hour, "15 3 * * *")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 5, 11, 3, 15, 0, 0, time.UTC), j.NextRun(fixedNow))
}

func TestJanitor_PruneUsesRetentionCutoff(t *testing.T) {
	m := &mockPruneStore{removed: 3}
	hub := streaming.NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), streaming.EventFilter{})
	require.NoError(t, err)
	defer cancel()

	j, err := NewJanitor(m, 24*time.Hour, "@daily",
		WithClock(func() time.Time { return fixedNow }), WithHub(hub))
	require.NoError(t, err)

	n, err := j.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, []time.Time{fixedNow.Add(-24 * time.Hour)}, m.cutoffs)

	ev := <-ch
	assert.Equal(t, schema.EventExecutionsPruned, ev.EventType)
}

func TestJanitor_PruneError(t *testing.T) {
	boom := errors.New("locked")
	j, err := NewJanitor(&mockPruneStore{err: boom}, time.Hour, "")
	require.NoError(t, err)

	_, err = j.Prune(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestJanitor_NoOverlappingRuns(t *testing.T) {
	m := &mockPruneStore{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	j, err := NewJanitor(m, time.Hour, "")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := j.Prune(context.Background())
		done <- err
	}()
	<-m.entered

	_, err = j.Prune(context.Background())
	assert.ErrorIs(t, err, ErrPruneInProgress)

	close(m.block)
	require.NoError(t, <-done)
	assert.Equal(t, 1, m.calls())
}

func TestJanitor_StartRunsImmediatelyAndStops(t *testing.T) {
	m := &mockPruneStore{entered: make(chan struct{}, 1)}
	j, err := NewJanitor(m, time.Hour, "@yearly")
	require.NoError(t, err)

	require.NoError(t, j.Start(context.Background()))
	assert.Error(t, j.Start(context.Background()))

	select {
	case <-m.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("initial prune did not run")
	}

	require.NoError(t, j.Stop())
	require.NoError(t, j.Stop())
	assert.Equal(t, 1, m.calls())
}

func TestJanitor_StopCancelsBlockedPrune(t *testing.T) {
	m := &mockPruneStore{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	j, err := NewJanitor(m, time.Hour, "")
	require.NoError(t, err)

	require.NoError(t, j.Start(context.Background()))
	<-m.entered

	stopped := make(chan struct{})
	go func() {
		_ = j.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return")
	}
}
