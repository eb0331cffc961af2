package store

import (
	"context"
	"time"

	"github.com/rendis/promptflow/pkg/schema"
)

// Store persists flows, execution records and execution events.
// All implementations must be safe for concurrent use.
type Store interface {
	// Flows
	SaveFlow(ctx context.Context, flow *schema.PromptFlow) error
	GetFlow(ctx context.Context, id string) (*schema.PromptFlow, error)
	ListFlows(ctx context.Context, filter FlowFilter) ([]*FlowSummary, error)
	DeleteFlow(ctx context.Context, id string) error

	// Executions
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)
	// PruneExecutions deletes finished executions created before the cutoff
	// together with their events and returns how many were removed.
	PruneExecutions(ctx context.Context, before time.Time) (int64, error)

	// Events (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
