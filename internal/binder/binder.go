// Package binder collects, validates and coerces flow variables and hands the
// typed values to an execution collaborator.
package binder

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/promptflow/internal/logging"
	"github.com/rendis/promptflow/internal/store"
	"github.com/rendis/promptflow/internal/streaming"
	"github.com/rendis/promptflow/pkg/schema"
)

// ExecutionRequest is what the binder hands to the execution collaborator.
type ExecutionRequest struct {
	ExecutionID string         `json:"execution_id"`
	FlowID      string         `json:"flow_id"`
	Variables   map[string]any `json:"variables"`
}

// ExecutionResult is whatever the collaborator produced.
type ExecutionResult struct {
	Output   any            `json:"output"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Executor runs a flow with fully typed variables.
type Executor interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	return f(ctx, req)
}

// EventAppender is satisfied by the Store and EventLog.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// Outcome reports how a submission ended.
type Outcome struct {
	ExecutionID string           `json:"execution_id"`
	State       State            `json:"state"`
	Errors      FieldErrors      `json:"errors,omitempty"`
	Variables   map[string]any   `json:"variables,omitempty"`
	Result      *ExecutionResult `json:"result,omitempty"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// Option configures a Binder.
type Option func(*Binder)

// WithHub publishes every transition and execution event to hub.
func WithHub(hub streaming.EventHub) Option {
	return func(b *Binder) { b.hub = hub }
}

// WithAppender appends every transition and execution event to an execution log.
func WithAppender(a EventAppender) Option {
	return func(b *Binder) { b.appender = a }
}

// WithLogger sets the binder logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Binder) { b.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Binder) { b.now = now }
}

// WithSessionID fixes the session id instead of generating one.
func WithSessionID(id string) Option {
	return func(b *Binder) { b.sessionID = id }
}

// Binder drives one flow instance through idle, validation and execution.
// A Binder serves a single form session and is safe for concurrent use.
type Binder struct {
	flowID    string
	sessionID string
	vars      []schema.FlowVariable
	exec      Executor

	hub      streaming.EventHub
	appender EventAppender
	logger   *slog.Logger
	now      func() time.Time

	fsm *machine

	mu     sync.Mutex
	values map[string]string
	errors FieldErrors
	busy   bool
	closed bool
}

// New creates a binder for the resolved variables of flowID. Values are
// prefilled from each variable's default.
func New(flowID string, vars []schema.FlowVariable, exec Executor, opts ...Option) *Binder {
	b := &Binder{
		flowID: flowID,
		vars:   append([]schema.FlowVariable(nil), vars...),
		exec:   exec,
		logger: slog.New(slog.DiscardHandler),
		now:    time.Now,
		fsm:    newMachine(),
		values: make(map[string]string, len(vars)),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.sessionID == "" {
		b.sessionID = uuid.NewString()
	}
	for _, v := range b.vars {
		b.values[v.Name] = v.DefaultValue
	}
	return b
}

// SessionID returns the id that tags this binder's hub events.
func (b *Binder) SessionID() string { return b.sessionID }

// State returns the current lifecycle state.
func (b *Binder) State() State { return b.fsm.current() }

// OnBefore registers a hook run before the given transition.
func (b *Binder) OnBefore(from, to State, hook TransitionHook) { b.fsm.onBefore(from, to, hook) }

// OnAfter registers a hook run after the given transition.
func (b *Binder) OnAfter(from, to State, hook TransitionHook) { b.fsm.onAfter(from, to, hook) }

// Inputs renders one input per variable with its current value.
func (b *Binder) Inputs() []Input {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Input, len(b.vars))
	for i, v := range b.vars {
		out[i] = Input{
			Name:        v.Name,
			Kind:        KindFor(v.Type),
			Type:        v.Type,
			Value:       b.values[v.Name],
			Required:    v.Required,
			Description: v.Description,
			Source:      v.Source,
		}
	}
	return out
}

// Errors returns the field errors of the last rejected submission.
func (b *Binder) Errors() FieldErrors {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(FieldErrors, len(b.errors))
	for k, v := range b.errors {
		out[k] = v
	}
	return out
}

// Set records the raw text for a variable.
func (b *Binder) Set(name, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return schema.NewError(schema.ErrCodeCancelled, "binder is closed")
	}
	if _, ok := b.values[name]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "variable %q not found", name)
	}
	b.values[name] = value
	return nil
}

// Close ends the session. An in-flight execution keeps running but its result
// is discarded and its Submit reports CANCELLED.
func (b *Binder) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

// Submit validates every variable, and when all pass coerces them and invokes
// the executor. Field errors are reported in the Outcome, not as an error.
// When the executor fails, its error is returned unmodified together with an
// Outcome in the failed state.
func (b *Binder) Submit(ctx context.Context) (*Outcome, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, schema.NewError(schema.ErrCodeCancelled, "binder is closed")
	}
	if b.busy {
		b.mu.Unlock()
		return nil, schema.NewError(schema.ErrCodeExecutionInProgress, "an execution is already in progress").
			WithDetails(map[string]any{"flow_id": b.flowID})
	}
	b.busy = true
	values := make(map[string]string, len(b.values))
	for k, v := range b.values {
		values[k] = v
	}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.busy = false
		b.mu.Unlock()
	}()

	execID := uuid.NewString()
	ctx = logging.WithExecutionID(logging.WithSessionID(logging.WithFlowID(ctx, b.flowID), b.sessionID), execID)
	if err := b.transition(ctx, execID, StateValidating); err != nil {
		return nil, err
	}

	errs := Validate(b.vars, values)
	if len(errs) > 0 {
		b.mu.Lock()
		b.errors = errs
		b.mu.Unlock()
		b.emit(ctx, execID, schema.EventInputRejected, errs)
		if err := b.transition(ctx, execID, StateInvalid); err != nil {
			b.abort(ctx, execID)
			return nil, err
		}
		b.logger.DebugContext(ctx, "binder input rejected", "fields", len(errs))
		return &Outcome{ExecutionID: execID, State: StateInvalid, Errors: errs}, nil
	}

	typed, err := Coerce(b.vars, values)
	if err != nil {
		b.abort(ctx, execID)
		return nil, err
	}
	b.mu.Lock()
	b.errors = nil
	b.mu.Unlock()

	if err := b.transition(ctx, execID, StateValid); err != nil {
		b.abort(ctx, execID)
		return nil, err
	}
	if err := b.transition(ctx, execID, StateExecuting); err != nil {
		b.abort(ctx, execID)
		return nil, err
	}

	started := b.now().UTC()
	b.emit(ctx, execID, schema.EventExecutionStarted, map[string]any{"variables": typed})
	b.logger.InfoContext(ctx, "execution dispatched")

	res, execErr := b.exec.Execute(ctx, ExecutionRequest{ExecutionID: execID, FlowID: b.flowID, Variables: typed})
	completed := b.now().UTC()

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()

	if closed {
		b.emit(ctx, execID, schema.EventResultDiscarded, nil)
		b.settle(ctx, execID, StateFailed)
		b.logger.InfoContext(ctx, "execution result discarded")
		return nil, schema.NewError(schema.ErrCodeCancelled, "binder closed during execution").
			WithDetails(map[string]any{"execution_id": execID}).WithCause(execErr)
	}

	out := &Outcome{
		ExecutionID: execID,
		Variables:   typed,
		StartedAt:   &started,
		CompletedAt: &completed,
	}
	if execErr != nil {
		b.emit(ctx, execID, schema.EventExecutionFailed, map[string]any{"message": execErr.Error()})
		b.settle(ctx, execID, StateFailed)
		out.State = StateFailed
		b.logger.InfoContext(ctx, "execution failed", "error", execErr)
		return out, execErr
	}

	b.emit(ctx, execID, schema.EventExecutionDone, res)
	b.settle(ctx, execID, StateCompleted)
	out.State = StateCompleted
	out.Result = res
	b.logger.InfoContext(ctx, "execution completed", "duration", completed.Sub(started))
	return out, nil
}

// Reset returns a finished or rejected binder to idle.
func (b *Binder) Reset(ctx context.Context) error {
	return b.transition(ctx, "", StateIdle)
}

func (b *Binder) abort(ctx context.Context, execID string) {
	switch b.fsm.current() {
	case StateValidating, StateValid:
		_ = b.transition(ctx, execID, StateIdle)
	}
}

func (b *Binder) transition(ctx context.Context, execID string, to State) error {
	from, err := b.fsm.transition(to)
	if err != nil {
		return err
	}
	b.emit(ctx, execID, schema.EventBinderTransition, store.TransitionPayload{From: string(from), To: string(to)})
	return nil
}

// settle leaves executing. Hooks observe the transition but cannot stop it,
// so the binder is never left in executing once the executor returns.
func (b *Binder) settle(ctx context.Context, execID string, to State) {
	from, err := b.fsm.settle(to)
	if !CanTransition(from, to) {
		b.logger.WarnContext(ctx, "binder transition rejected", "error", err)
		return
	}
	if err != nil {
		b.logger.WarnContext(ctx, "binder transition hook failed", "from", from, "to", to, "error", err)
	}
	b.emit(ctx, execID, schema.EventBinderTransition, store.TransitionPayload{From: string(from), To: string(to)})
}

// emit records an event in the execution log and on the hub. Both sinks are
// best effort: a failing sink is logged and never blocks the binder.
func (b *Binder) emit(ctx context.Context, execID, eventType string, payload any) {
	if b.appender != nil && execID != "" {
		var raw json.RawMessage
		if payload != nil {
			var err error
			if raw, err = json.Marshal(payload); err != nil {
				b.logger.WarnContext(ctx, "encode binder event", "event", eventType, "error", err)
			}
		}
		ev := &store.Event{ExecutionID: execID, FlowID: b.flowID, Type: eventType, Payload: raw, Timestamp: b.now().UTC()}
		if err := b.appender.AppendEvent(context.WithoutCancel(ctx), ev); err != nil {
			b.logger.WarnContext(ctx, "append binder event", "event", eventType, "error", err)
		}
	}
	if b.hub != nil {
		ev := streaming.StreamEvent{FlowID: b.flowID, SessionID: b.sessionID, EventType: eventType, Payload: payload}
		if err := b.hub.Publish(context.WithoutCancel(ctx), ev); err != nil {
			b.logger.DebugContext(ctx, "publish binder event", "event", eventType, "error", err)
		}
	}
}
