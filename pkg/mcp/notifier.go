package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/promptflow/internal/streaming"
)

// FlowNotifier pushes notifications to the client watching a flow.
type FlowNotifier interface {
	Notify(ctx context.Context, flowID string, payload map[string]any) error
}

// clientSender is the part of MCPServer the notifier needs.
type clientSender interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
}

// MCPNotifier implements FlowNotifier using MCP server push.
type MCPNotifier struct {
	sender   clientSender
	sessions *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes through the MCP server.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{sender: mcpServer, sessions: sessions}
}

// Notify sends a notification to the flow's session.
// Best-effort: returns nil if no session watches the flow.
func (n *MCPNotifier) Notify(_ context.Context, flowID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(flowID)
	if !ok {
		return nil
	}
	err := n.sender.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// Forward relays hub events to their flow's session until ctx is cancelled.
func (n *MCPNotifier) Forward(ctx context.Context, hub streaming.EventHub, logger *slog.Logger) {
	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		logger.WarnContext(ctx, "subscribe to flow events", "error", err)
		return
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			payload := map[string]any{
				"level":  "info",
				"logger": "promptflow",
				"data":   ev,
			}
			if err := n.Notify(ctx, ev.FlowID, payload); err != nil {
				logger.DebugContext(ctx, "notify flow event", "flow_id", ev.FlowID, "event", ev.EventType, "error", err)
			}
		}
	}
}
