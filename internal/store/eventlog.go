package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/promptflow/pkg/schema"
)

// EventLog provides event-sourcing operations over a Store's execution events.
type EventLog struct {
	store Store
}

// NewEventLog wraps a Store to provide event-sourcing operations.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-execution sequence.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	return el.store.AppendEvent(ctx, event)
}

// GetEvents returns events for an execution with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, executionID, since)
}

// ExecutionTrace is an execution reconstructed from its event log.
type ExecutionTrace struct {
	ExecutionID string                 `json:"execution_id"`
	FlowID      string                 `json:"flow_id"`
	Status      schema.ExecutionStatus `json:"status"`
	States      []string               `json:"states"`
	Nodes       map[string]*NodeTrace  `json:"nodes"`
	Rejected    json.RawMessage        `json:"rejected,omitempty"`
	Error       json.RawMessage        `json:"error,omitempty"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// NodeTrace collects what the log recorded for one node.
type NodeTrace struct {
	NodeID     string          `json:"node_id"`
	Events     []string        `json:"events"`
	Iterations int             `json:"iterations,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
}

// TransitionPayload is the payload of a binder_transition event.
type TransitionPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Replay rebuilds an execution from its events. It fails on sequence gaps.
func (el *EventLog) Replay(ctx context.Context, executionID string) (*ExecutionTrace, error) {
	events, err := el.store.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	trace := &ExecutionTrace{
		ExecutionID: executionID,
		Status:      schema.ExecutionStatusPending,
		States:      []string{},
		Nodes:       make(map[string]*NodeTrace),
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", executionID, expected, e.Sequence)
		}
		if trace.FlowID == "" {
			trace.FlowID = e.FlowID
		}
		if e.NodeID != "" {
			nt, ok := trace.Nodes[e.NodeID]
			if !ok {
				nt = &NodeTrace{NodeID: e.NodeID}
				trace.Nodes[e.NodeID] = nt
			}
			nt.Events = append(nt.Events, e.Type)
			switch e.Type {
			case schema.EventNodeRendered, schema.EventConditionEvaluated:
				nt.Output = e.Payload
			case schema.EventLoopIterCompleted:
				nt.Iterations++
			}
			continue
		}

		ts := e.Timestamp
		switch e.Type {
		case schema.EventBinderTransition:
			var p TransitionPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeStore,
					"execution %s event %d: bad transition payload", executionID, e.Sequence).WithCause(err)
			}
			trace.States = append(trace.States, p.To)
		case schema.EventInputRejected:
			trace.Rejected = e.Payload
		case schema.EventExecutionStarted:
			trace.Status = schema.ExecutionStatusRunning
			trace.StartedAt = &ts
		case schema.EventExecutionDone:
			trace.Status = schema.ExecutionStatusCompleted
			trace.CompletedAt = &ts
		case schema.EventExecutionFailed:
			trace.Status = schema.ExecutionStatusFailed
			trace.CompletedAt = &ts
			trace.Error = e.Payload
		case schema.EventResultDiscarded:
			trace.Status = schema.ExecutionStatusCancelled
			trace.CompletedAt = &ts
		}
	}
	return trace, nil
}
