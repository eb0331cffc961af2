package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// NodeData is the type-specific payload of a FlowNode. It is a closed set:
// the unexported clone method keeps implementations inside this package, and
// NodeDataVisitor must grow a method whenever a variant is added, so every
// visitor in the code base fails to compile until it handles the new variant.
type NodeData interface {
	NodeType() NodeType
	Accept(v NodeDataVisitor) error
	clone() NodeData
}

// NodeDataVisitor dispatches on the concrete node variant.
type NodeDataVisitor interface {
	VisitPrompt(d *PromptData) error
	VisitVariable(d *VariableData) error
	VisitConditional(d *ConditionalData) error
	VisitTransform(d *TransformData) error
	VisitOutput(d *OutputData) error
	VisitForEach(d *ForEachData) error
	VisitTemplate(d *TemplateData) error
	VisitLLMCall(d *LLMCallData) error
}

// ModelParameters are sampling parameters shared by prompt-like nodes.
type ModelParameters struct {
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"maxTokens"`
	TopP        float64 `json:"topP"`
}

// ExpectedFormatStructuredList marks a prompt whose output is a list of items.
const ExpectedFormatStructuredList = "StructuredList"

// IsStructuredList reports whether format names the structured-list marker.
// Case, underscores, hyphens and spaces are ignored, so "structured_list"
// and "StructuredList" are the same marker.
func IsStructuredList(format string) bool {
	norm := strings.Map(func(r rune) rune {
		switch r {
		case '_', '-', ' ':
			return -1
		}
		return unicode.ToLower(r)
	}, format)
	return norm == "structuredlist"
}

// PromptData is the payload of a prompt node.
type PromptData struct {
	Content        string          `json:"content"`
	Model          string          `json:"model"`
	SystemMessage  string          `json:"systemMessage,omitempty"`
	Parameters     ModelParameters `json:"parameters"`
	Variables      []string        `json:"variables"`
	ExpectedFormat string          `json:"expectedFormat,omitempty"`
}

// VariableType is the declared type of a flow variable.
type VariableType string

const (
	VariableTypeString  VariableType = "string"
	VariableTypeNumber  VariableType = "number"
	VariableTypeBoolean VariableType = "boolean"
	VariableTypeJSON    VariableType = "json"
)

// Valid reports whether t is a known variable type.
func (t VariableType) Valid() bool {
	switch t {
	case VariableTypeString, VariableTypeNumber, VariableTypeBoolean, VariableTypeJSON:
		return true
	}
	return false
}

// VariableData is the payload of a variable node.
type VariableData struct {
	Name         string       `json:"name"`
	Type         VariableType `json:"type"`
	DefaultValue string       `json:"defaultValue,omitempty"`
	Description  string       `json:"description,omitempty"`
}

// Operator is a comparison used by conditional nodes.
type Operator string

const (
	OperatorEquals      Operator = "equals"
	OperatorContains    Operator = "contains"
	OperatorGreaterThan Operator = "greater_than"
	OperatorLessThan    Operator = "less_than"
	OperatorExists      Operator = "exists"
)

// Valid reports whether o is a known operator.
func (o Operator) Valid() bool {
	switch o {
	case OperatorEquals, OperatorContains, OperatorGreaterThan, OperatorLessThan, OperatorExists:
		return true
	}
	return false
}

// Condition compares two operands. Operands may contain {{name}} placeholders.
type Condition struct {
	LeftOperand  string   `json:"leftOperand"`
	Operator     Operator `json:"operator"`
	RightOperand string   `json:"rightOperand"`
}

// ConditionalData is the payload of a conditional node.
type ConditionalData struct {
	Condition Condition `json:"condition"`
}

// Transform kinds understood by the built-in tooling. Other values are
// accepted and passed through to the execution collaborator.
const (
	TransformFormat = "format"
	TransformSplit  = "split"
	TransformCustom = "custom"
	TransformJQ     = "jq"
)

// TransformData is the payload of a transform node.
type TransformData struct {
	TransformType string         `json:"transformType"`
	Code          string         `json:"code,omitempty"`
	Parameters    map[string]any `json:"parameters"`
}

// OutputData is the payload of an output node.
type OutputData struct {
	Format   string `json:"format"`
	Template string `json:"template"`
}

// IterationMode selects how a for-each body runs over its items.
type IterationMode string

const (
	IterationSequential IterationMode = "sequential"
	IterationParallel   IterationMode = "parallel"
)

// Valid reports whether m is a known iteration mode.
func (m IterationMode) Valid() bool {
	return m == IterationSequential || m == IterationParallel
}

// ForEachData is the payload of a for-each node.
type ForEachData struct {
	SourceVariable string        `json:"sourceVariable"`
	ItemVariable   string        `json:"itemVariable"`
	IterationMode  IterationMode `json:"iterationMode"`
	ItemProperties []string      `json:"itemProperties"`
}

// TemplateData is the payload of a template node: a reference to a stored
// prompt template plus its rendered content.
type TemplateData struct {
	TemplateID string         `json:"templateId"`
	Content    string         `json:"content"`
	Variables  []string       `json:"variables"`
	Settings   map[string]any `json:"settings,omitempty"`
}

// LLMCallData is the payload of an LLM-call node.
type LLMCallData struct {
	Provider      string          `json:"provider"`
	Model         string          `json:"model"`
	Prompt        string          `json:"prompt"`
	SystemMessage string          `json:"systemMessage,omitempty"`
	Parameters    ModelParameters `json:"parameters"`
	Variables     []string        `json:"variables"`
	Settings      map[string]any  `json:"settings,omitempty"`
}

func (*PromptData) NodeType() NodeType      { return NodeTypePrompt }
func (*VariableData) NodeType() NodeType    { return NodeTypeVariable }
func (*ConditionalData) NodeType() NodeType { return NodeTypeConditional }
func (*TransformData) NodeType() NodeType   { return NodeTypeTransform }
func (*OutputData) NodeType() NodeType      { return NodeTypeOutput }
func (*ForEachData) NodeType() NodeType     { return NodeTypeForEach }
func (*TemplateData) NodeType() NodeType    { return NodeTypeTemplate }
func (*LLMCallData) NodeType() NodeType     { return NodeTypeLLMCall }

func (d *PromptData) Accept(v NodeDataVisitor) error      { return v.VisitPrompt(d) }
func (d *VariableData) Accept(v NodeDataVisitor) error    { return v.VisitVariable(d) }
func (d *ConditionalData) Accept(v NodeDataVisitor) error { return v.VisitConditional(d) }
func (d *TransformData) Accept(v NodeDataVisitor) error   { return v.VisitTransform(d) }
func (d *OutputData) Accept(v NodeDataVisitor) error      { return v.VisitOutput(d) }
func (d *ForEachData) Accept(v NodeDataVisitor) error     { return v.VisitForEach(d) }
func (d *TemplateData) Accept(v NodeDataVisitor) error    { return v.VisitTemplate(d) }
func (d *LLMCallData) Accept(v NodeDataVisitor) error     { return v.VisitLLMCall(d) }

func (d *PromptData) clone() NodeData {
	c := *d
	c.Variables = cloneStrings(d.Variables)
	return &c
}

func (d *VariableData) clone() NodeData {
	c := *d
	return &c
}

func (d *ConditionalData) clone() NodeData {
	c := *d
	return &c
}

func (d *TransformData) clone() NodeData {
	c := *d
	c.Parameters = cloneMap(d.Parameters)
	return &c
}

func (d *OutputData) clone() NodeData {
	c := *d
	return &c
}

func (d *ForEachData) clone() NodeData {
	c := *d
	c.ItemProperties = cloneStrings(d.ItemProperties)
	return &c
}

func (d *TemplateData) clone() NodeData {
	c := *d
	c.Variables = cloneStrings(d.Variables)
	c.Settings = cloneMap(d.Settings)
	return &c
}

func (d *LLMCallData) clone() NodeData {
	c := *d
	c.Variables = cloneStrings(d.Variables)
	c.Settings = cloneMap(d.Settings)
	return &c
}

// NewNodeData returns an empty payload for the given node type.
func NewNodeData(t NodeType) (NodeData, error) {
	switch t {
	case NodeTypePrompt:
		return &PromptData{Variables: []string{}}, nil
	case NodeTypeVariable:
		return &VariableData{Type: VariableTypeString}, nil
	case NodeTypeConditional:
		return &ConditionalData{Condition: Condition{Operator: OperatorEquals}}, nil
	case NodeTypeTransform:
		return &TransformData{TransformType: TransformFormat, Parameters: map[string]any{}}, nil
	case NodeTypeOutput:
		return &OutputData{Format: "text"}, nil
	case NodeTypeForEach:
		return &ForEachData{IterationMode: IterationSequential, ItemProperties: []string{}}, nil
	case NodeTypeTemplate:
		return &TemplateData{Variables: []string{}}, nil
	case NodeTypeLLMCall:
		return &LLMCallData{Variables: []string{}}, nil
	default:
		return nil, NewErrorf(ErrCodeValidation, "unknown node type %q", t)
	}
}

// DecodeNodeData decodes a raw payload into the variant for t. Unknown fields
// are rejected so a payload of the wrong shape cannot be silently accepted.
func DecodeNodeData(t NodeType, raw json.RawMessage) (NodeData, error) {
	data, err := NewNodeData(t)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return data, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(data); err != nil {
		return nil, fmt.Errorf("decode %s data: %w", t, err)
	}
	return data, nil
}

// DeclaredVariables returns the variable names a prompt-like node declares.
// Non prompt-like variants declare none.
func DeclaredVariables(d NodeData) []string {
	switch v := d.(type) {
	case *PromptData:
		return v.Variables
	case *TemplateData:
		return v.Variables
	case *LLMCallData:
		return v.Variables
	default:
		return nil
	}
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
