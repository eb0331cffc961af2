package diagram

// NodeKind classifies a diagram node by its flow node type.
type NodeKind string

const (
	NodeKindPrompt    NodeKind = "prompt"
	NodeKindVariable  NodeKind = "variable"
	NodeKindCondition NodeKind = "condition"
	NodeKindTransform NodeKind = "transform"
	NodeKindOutput    NodeKind = "output"
	NodeKindLoop      NodeKind = "loop"
	NodeKindTemplate  NodeKind = "template"
	NodeKindLLMCall   NodeKind = "llm_call"
)

// DiagramModel is the intermediate representation used by the renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
	// Acyclic is false when the flow has a cycle; Nodes are then in insertion order.
	Acyclic bool
}

// Node represents a single flow node in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// Overlay statuses derived from an execution trace.
const (
	StatusCompleted = "completed"
	StatusRunning   = "running"
	StatusSkipped   = "skipped"
)

// StatusOverlay carries what an execution recorded for a node.
type StatusOverlay struct {
	Status     string
	Events     int
	Iterations int
}

// Edge represents a connection between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}
