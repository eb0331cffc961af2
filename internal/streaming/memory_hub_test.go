package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan StreamEvent) StreamEvent {
	t.Helper()
	select {
	case got, ok := <-ch:
		require.True(t, ok, "channel closed")
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return StreamEvent{}
}

func assertEmpty(t *testing.T, ch <-chan StreamEvent) {
	t.Helper()
	select {
	case got := <-ch:
		t.Fatalf("unexpected event %+v", got)
	default:
	}
}

func TestPublishSubscribe(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	hub := NewMemoryHub(WithHubClock(func() time.Time { return fixed }))
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{
		FlowID:    "flow-1",
		NodeID:    "p1",
		EventType: "node_rendered",
		Payload:   map[string]any{"text": "ok"},
	}))

	got := receive(t, ch)
	assert.Equal(t, "flow-1", got.FlowID)
	assert.Equal(t, "p1", got.NodeID)
	assert.Equal(t, "node_rendered", got.EventType)
	assert.Equal(t, uint64(1), got.Seq)
	assert.Equal(t, fixed, got.Timestamp)
}

func TestFilterByFlowAndSession(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{FlowID: "flow-1", SessionID: "s1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{FlowID: "flow-2", SessionID: "s1", EventType: "x"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{FlowID: "flow-1", SessionID: "s2", EventType: "x"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{FlowID: "flow-1", SessionID: "s1", EventType: "x"}))

	got := receive(t, ch)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, uint64(3), got.Seq)
	assertEmpty(t, ch)
}

func TestFilterByEventType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{EventTypes: []string{"binder_transition", "execution_failed"}})
	require.NoError(t, err)
	defer cancel()

	for _, et := range []string{"binder_transition", "node_rendered", "execution_failed"} {
		require.NoError(t, hub.Publish(ctx, StreamEvent{FlowID: "flow-1", EventType: et}))
	}

	assert.Equal(t, "binder_transition", receive(t, ch).EventType)
	assert.Equal(t, "execution_failed", receive(t, ch).EventType)
	assertEmpty(t, ch)
}

func TestMultipleSubscribers(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch1, cancel1, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel1()
	ch2, cancel2, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel2()

	require.NoError(t, hub.Publish(ctx, StreamEvent{FlowID: "flow-1", EventType: "x"}))

	assert.Equal(t, "flow-1", receive(t, ch1).FlowID)
	assert.Equal(t, "flow-1", receive(t, ch2).FlowID)
	assert.Equal(t, 2, hub.Subscribers())
}

func TestCancelSubscription(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)

	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after cancel")
	assert.Zero(t, hub.Subscribers())
	require.NoError(t, hub.Publish(ctx, StreamEvent{FlowID: "flow-1", EventType: "x"}))
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())

	ch, unsubscribe, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer unsubscribe()

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after context cancel")
	}
	assert.Eventually(t, func() bool { return hub.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestBackpressure(t *testing.T) {
	hub := NewMemoryHub(WithBuffer(4))
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < 10; i++ {
		require.NoError(t, hub.Publish(ctx, StreamEvent{FlowID: "flow-1", EventType: "tick"}))
	}

	drained := 0
	for len(ch) > 0 {
		<-ch
		drained++
	}
	assert.Equal(t, 4, drained)
	assert.Equal(t, uint64(6), hub.Dropped())
}

func TestClose(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	hub.Close()
	_, ok := <-ch
	assert.False(t, ok)

	late, lateCancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	lateCancel()
	_, ok = <-late
	assert.False(t, ok)
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	const goroutines = 20
	const eventsPerGoroutine = 50

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < eventsPerGoroutine; j++ {
				_ = hub.Publish(ctx, StreamEvent{FlowID: "flow-concurrent", EventType: "tick"})
			}
		}()
		go func() {
			defer wg.Done()
			ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
			if err != nil {
				return
			}
			for range 5 {
				select {
				case <-ch:
				case <-time.After(10 * time.Millisecond):
				}
			}
			cancel()
		}()
	}
	wg.Wait()
	assert.Zero(t, hub.Subscribers())
}

func TestPublishCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := hub.Publish(ctx, StreamEvent{FlowID: "flow-1", EventType: "tick"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSubscribeCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}
