package schema

// Provenance records where a resolved variable was first discovered.
type Provenance string

const (
	ProvenanceVariableNode        Provenance = "variable_node"
	ProvenancePromptReference     Provenance = "prompt_reference"
	ProvenanceTemplatePlaceholder Provenance = "template_placeholder"
)

// FlowVariable is a variable discovered in a flow. It is derived from the
// flow on every resolution pass and never persisted.
type FlowVariable struct {
	Name         string       `json:"name"`
	Type         VariableType `json:"type"`
	DefaultValue string       `json:"defaultValue,omitempty"`
	Required     bool         `json:"required"`
	Description  string       `json:"description,omitempty"`
	Source       Provenance   `json:"source"`
}
