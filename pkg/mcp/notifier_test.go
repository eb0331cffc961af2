package mcp

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/promptflow/internal/streaming"
	"github.com/rendis/promptflow/pkg/schema"
)

type sentNotification struct {
	sessionID string
	method    string
	params    map[string]any
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentNotification
	err  error
}

func (f *fakeSender) SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentNotification{sessionID, method, params})
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestNotify_NoSessionIsNoop(t *testing.T) {
	sender := &fakeSender{}
	n := &MCPNotifier{sender: sender, sessions: NewSessionRegistry()}

	require.NoError(t, n.Notify(context.Background(), "essay", map[string]any{"x": 1}))
	assert.Zero(t, sender.count())
}

func TestNotify_SendsToRegisteredSession(t *testing.T) {
	sender := &fakeSender{}
	sessions := NewSessionRegistry()
	sessions.Register("essay", "sess-1")
	n := &MCPNotifier{sender: sender, sessions: sessions}

	require.NoError(t, n.Notify(context.Background(), "essay", map[string]any{"x": 1}))
	require.Equal(t, 1, sender.count())
	assert.Equal(t, "sess-1", sender.sent[0].sessionID)
	assert.Equal(t, "notifications/message", sender.sent[0].method)
}

func TestNotify_ExpiredSessionIsRemoved(t *testing.T) {
	sender := &fakeSender{err: server.ErrSessionNotFound}
	sessions := NewSessionRegistry()
	sessions.Register("essay", "sess-1")
	n := &MCPNotifier{sender: sender, sessions: sessions}

	require.NoError(t, n.Notify(context.Background(), "essay", nil))
	_, ok := sessions.SessionFor("essay")
	assert.False(t, ok)
}

func TestForward_RelaysHubEvents(t *testing.T) {
	sender := &fakeSender{}
	sessions := NewSessionRegistry()
	sessions.Register("essay", "sess-1")
	n := &MCPNotifier{sender: sender, sessions: sessions}
	hub := streaming.NewMemoryHub()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.Forward(ctx, hub, slog.New(slog.DiscardHandler))
		close(done)
	}()

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, hub.Publish(ctx, streaming.StreamEvent{FlowID: "essay", EventType: schema.EventFlowSaved}))
	require.NoError(t, hub.Publish(ctx, streaming.StreamEvent{FlowID: "other", EventType: schema.EventFlowSaved}))

	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 5*time.Millisecond)
	ev := sender.sent[0].params["data"].(streaming.StreamEvent)
	assert.Equal(t, "essay", ev.FlowID)

	cancel()
	<-done
}
