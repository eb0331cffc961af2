package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PromptFlow is the JSON-serializable flow document. It is the save/load unit
// exchanged with editors and persistence collaborators.
type PromptFlow struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Nodes     []FlowNode `json:"nodes"`
	Edges     []FlowEdge `json:"edges"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// NodeType enumerates the kinds of nodes in a flow.
type NodeType string

const (
	NodeTypePrompt      NodeType = "prompt"
	NodeTypeVariable    NodeType = "variable"
	NodeTypeConditional NodeType = "conditional"
	NodeTypeTransform   NodeType = "transform"
	NodeTypeOutput      NodeType = "output"
	NodeTypeForEach     NodeType = "forEach"
	NodeTypeTemplate    NodeType = "template"
	NodeTypeLLMCall     NodeType = "llmCall"
)

// NodeTypes lists every node type in declaration order.
var NodeTypes = []NodeType{
	NodeTypePrompt,
	NodeTypeVariable,
	NodeTypeConditional,
	NodeTypeTransform,
	NodeTypeOutput,
	NodeTypeForEach,
	NodeTypeTemplate,
	NodeTypeLLMCall,
}

// Valid reports whether t is a known node type.
func (t NodeType) Valid() bool {
	for _, nt := range NodeTypes {
		if nt == t {
			return true
		}
	}
	return false
}

// Position is the canvas location of a node.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// FlowNode is a typed vertex in a flow. Data always holds the variant that
// matches Type; the JSON codec enforces this on decode.
type FlowNode struct {
	ID       string   `json:"id"`
	Type     NodeType `json:"type"`
	Position Position `json:"position"`
	Data     NodeData `json:"data"`
}

type flowNodeJSON struct {
	ID       string          `json:"id"`
	Type     NodeType        `json:"type"`
	Position Position        `json:"position"`
	Data     json.RawMessage `json:"data"`
}

// MarshalJSON encodes the node with its variant payload under "data".
func (n FlowNode) MarshalJSON() ([]byte, error) {
	data := n.Data
	if data == nil {
		var err error
		if data, err = NewNodeData(n.Type); err != nil {
			return nil, err
		}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal node %s data: %w", n.ID, err)
	}
	return json.Marshal(flowNodeJSON{ID: n.ID, Type: n.Type, Position: n.Position, Data: raw})
}

// UnmarshalJSON decodes "data" into the variant selected by "type".
func (n *FlowNode) UnmarshalJSON(b []byte) error {
	var raw flowNodeJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	data, err := DecodeNodeData(raw.Type, raw.Data)
	if err != nil {
		return NewErrorf(ErrCodeValidation, "node %q: %s", raw.ID, err.Error()).
			WithNode(raw.ID).WithCause(err)
	}
	n.ID = raw.ID
	n.Type = raw.Type
	n.Position = raw.Position
	n.Data = data
	return nil
}

// Clone returns a deep copy of the node.
func (n FlowNode) Clone() FlowNode {
	out := n
	if n.Data != nil {
		out.Data = n.Data.clone()
	}
	return out
}

// FlowEdge is a directed connection between two nodes.
type FlowEdge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
}

// Clone returns a deep copy of the flow.
func (f *PromptFlow) Clone() *PromptFlow {
	if f == nil {
		return nil
	}
	out := &PromptFlow{
		ID:        f.ID,
		Name:      f.Name,
		Nodes:     make([]FlowNode, len(f.Nodes)),
		Edges:     make([]FlowEdge, len(f.Edges)),
		UpdatedAt: f.UpdatedAt,
	}
	for i, n := range f.Nodes {
		out.Nodes[i] = n.Clone()
	}
	copy(out.Edges, f.Edges)
	return out
}

// NodeByID returns the node with the given ID, or nil.
func (f *PromptFlow) NodeByID(id string) *FlowNode {
	for i := range f.Nodes {
		if f.Nodes[i].ID == id {
			return &f.Nodes[i]
		}
	}
	return nil
}

// DecodeFlow parses a flow document.
func DecodeFlow(b []byte) (*PromptFlow, error) {
	var f PromptFlow
	if err := json.Unmarshal(b, &f); err != nil {
		var fe *FlowError
		if errors.As(err, &fe) {
			return nil, fe
		}
		return nil, NewError(ErrCodeValidation, "invalid flow document").WithCause(err)
	}
	if f.Nodes == nil {
		f.Nodes = []FlowNode{}
	}
	if f.Edges == nil {
		f.Edges = []FlowEdge{}
	}
	return &f, nil
}
