package schema

// Event type constants for the execution log and the event hub.
const (
	EventFlowSaved   = "flow_saved"
	EventFlowDeleted = "flow_deleted"

	EventNodeAdded   = "node_added"
	EventNodeUpdated = "node_updated"
	EventNodeRemoved = "node_removed"
	EventEdgeAdded   = "edge_added"
	EventEdgeRemoved = "edge_removed"
	EventEdgeBlocked = "edge_blocked"

	EventBinderTransition = "binder_transition"
	EventInputRejected    = "input_rejected"
	EventExecutionStarted = "execution_started"
	EventExecutionDone    = "execution_completed"
	EventExecutionFailed  = "execution_failed"
	EventResultDiscarded  = "result_discarded"

	EventNodeRendered       = "node_rendered"
	EventConditionEvaluated = "condition_evaluated"
	EventLoopIterCompleted  = "loop_iter_completed"

	EventExecutionsPruned = "executions_pruned"
)

// ExecutionStatus is the persisted status of a flow execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are expected.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}
