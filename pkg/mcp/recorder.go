package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/promptflow/internal/binder"
	"github.com/rendis/promptflow/internal/store"
	"github.com/rendis/promptflow/pkg/schema"
)

// executionRecorder is the binder's event appender for flow.run. It creates
// the execution record on the first event of a submission, keeps its status
// in step with the log, and forwards every event to the store.
type executionRecorder struct {
	store  store.Store
	logger *slog.Logger

	mu      sync.Mutex
	created map[string]bool
}

func newExecutionRecorder(s store.Store, logger *slog.Logger) *executionRecorder {
	return &executionRecorder{store: s, logger: logger, created: make(map[string]bool)}
}

// AppendEvent implements binder.EventAppender.
func (r *executionRecorder) AppendEvent(ctx context.Context, event *store.Event) error {
	if err := r.ensure(ctx, event); err != nil {
		return err
	}
	if event.Type == schema.EventExecutionStarted {
		var p struct {
			Variables map[string]any `json:"variables"`
		}
		_ = json.Unmarshal(event.Payload, &p)
		running := schema.ExecutionStatusRunning
		ts := event.Timestamp
		if err := r.store.UpdateExecution(ctx, event.ExecutionID, store.ExecutionUpdate{
			Status:    &running,
			Variables: p.Variables,
			StartedAt: &ts,
		}); err != nil {
			return err
		}
	}
	return r.store.AppendEvent(ctx, event)
}

func (r *executionRecorder) ensure(ctx context.Context, event *store.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.created[event.ExecutionID] {
		return nil
	}
	now := event.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}
	err := r.store.CreateExecution(ctx, &store.Execution{
		ID:        event.ExecutionID,
		FlowID:    event.FlowID,
		Status:    schema.ExecutionStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return err
	}
	r.created[event.ExecutionID] = true
	return nil
}

// finish writes the terminal status of a submission. Rejected input ends the
// record as failed with the field errors as its error.
func (r *executionRecorder) finish(ctx context.Context, out *binder.Outcome, runErr error) {
	r.mu.Lock()
	created := r.created[out.ExecutionID]
	r.mu.Unlock()
	if !created {
		return
	}

	var update store.ExecutionUpdate
	switch out.State {
	case binder.StateInvalid:
		failed := schema.ExecutionStatusFailed
		update.Status = &failed
		update.Error, _ = json.Marshal(map[string]any{"fields": out.Errors})
	case binder.StateFailed:
		failed := schema.ExecutionStatusFailed
		update.Status = &failed
		msg := "execution failed"
		if runErr != nil {
			msg = runErr.Error()
		}
		update.Error, _ = json.Marshal(map[string]any{"message": msg})
	case binder.StateCompleted:
		completed := schema.ExecutionStatusCompleted
		update.Status = &completed
		if out.Result != nil {
			update.Output, _ = json.Marshal(out.Result.Output)
		}
	default:
		return
	}
	update.CompletedAt = out.CompletedAt
	if update.CompletedAt == nil {
		now := time.Now().UTC()
		update.CompletedAt = &now
	}

	if err := r.store.UpdateExecution(context.WithoutCancel(ctx), out.ExecutionID, update); err != nil {
		r.logger.WarnContext(ctx, "record execution outcome", "execution_id", out.ExecutionID, "error", err)
	}
}
