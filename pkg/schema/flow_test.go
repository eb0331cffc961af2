package schema

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleFlow() *PromptFlow {
	return &PromptFlow{
		ID:   "flow-1",
		Name: "Topic digest",
		Nodes: []FlowNode{
			{ID: "v1", Type: NodeTypeVariable, Position: Position{X: 10, Y: 20},
				Data: &VariableData{Name: "topics", Type: VariableTypeString, DefaultValue: "a,b,c"}},
			{ID: "p1", Type: NodeTypePrompt, Position: Position{X: 200.5, Y: 20},
				Data: &PromptData{
					Content:    "Write a numbered list about {{topics}}",
					Model:      "gpt-4o",
					Parameters: ModelParameters{Temperature: 0.7, MaxTokens: 512, TopP: 1},
					Variables:  []string{"topics"},
				}},
			{ID: "c1", Type: NodeTypeConditional, Position: Position{X: 400, Y: 0},
				Data: &ConditionalData{Condition: Condition{LeftOperand: "{{topics}}", Operator: OperatorContains, RightOperand: "a"}}},
			{ID: "t1", Type: NodeTypeTransform, Position: Position{X: 400, Y: 100},
				Data: &TransformData{TransformType: TransformSplit, Parameters: map[string]any{"separator": ",", "limit": float64(3)}}},
			{ID: "f1", Type: NodeTypeForEach, Position: Position{X: 600, Y: 100},
				Data: &ForEachData{SourceVariable: "topics", ItemVariable: "topic", IterationMode: IterationParallel, ItemProperties: []string{"title"}}},
			{ID: "tp1", Type: NodeTypeTemplate, Position: Position{X: 800, Y: 100},
				Data: &TemplateData{TemplateID: "tpl-9", Content: "Summary of {{topic}}", Variables: []string{"topic"}, Settings: map[string]any{"lang": "en"}}},
			{ID: "l1", Type: NodeTypeLLMCall, Position: Position{X: 1000, Y: 100},
				Data: &LLMCallData{Provider: "openai", Model: "gpt-4o-mini", Prompt: "Refine {{topic}}", Variables: []string{}}},
			{ID: "o1", Type: NodeTypeOutput, Position: Position{X: 1200, Y: 100},
				Data: &OutputData{Format: "markdown", Template: "# Result\n{{topic}}"}},
		},
		Edges: []FlowEdge{
			{ID: "e1", Source: "v1", Target: "p1"},
			{ID: "e2", Source: "p1", Target: "t1", SourceHandle: "out", TargetHandle: "in"},
		},
		UpdatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestPromptFlow_RoundTrip(t *testing.T) {
	flow := sampleFlow()

	b, err := json.Marshal(flow)
	require.NoError(t, err)

	decoded, err := DecodeFlow(b)
	require.NoError(t, err)

	assert.Equal(t, flow.ID, decoded.ID)
	assert.Equal(t, flow.Name, decoded.Name)
	assert.True(t, flow.UpdatedAt.Equal(decoded.UpdatedAt))
	assert.Equal(t, flow.Nodes, decoded.Nodes)
	assert.Equal(t, flow.Edges, decoded.Edges)

	again, err := json.Marshal(decoded)
	require.NoError(t, err)
	assert.JSONEq(t, string(b), string(again))
}

func TestFlowNode_DataKeyedByType(t *testing.T) {
	b, err := json.Marshal(sampleFlow().Nodes[1])
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(b, &doc))
	assert.Equal(t, "prompt", doc["type"])
	data := doc["data"].(map[string]any)
	assert.Equal(t, "Write a numbered list about {{topics}}", data["content"])
	assert.Equal(t, float64(512), data["parameters"].(map[string]any)["maxTokens"])
}

func TestFlowNode_UnknownTypeRejected(t *testing.T) {
	_, err := DecodeFlow([]byte(`{"id":"f","name":"x","nodes":[{"id":"n1","type":"webhook","position":{"x":0,"y":0},"data":{}}],"edges":[]}`))
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeValidation))

	var fe *FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "n1", fe.NodeID)
}

func TestFlowNode_WrongShapeRejected(t *testing.T) {
	_, err := DecodeFlow([]byte(`{"id":"f","name":"x","nodes":[{"id":"n1","type":"variable","position":{"x":0,"y":0},"data":{"content":"hi"}}],"edges":[]}`))
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeValidation))
}

func TestFlowNode_MissingDataGetsEmptyVariant(t *testing.T) {
	f, err := DecodeFlow([]byte(`{"id":"f","name":"x","nodes":[{"id":"n1","type":"output","position":{"x":1,"y":2}}]}`))
	require.NoError(t, err)
	require.Len(t, f.Nodes, 1)

	out, ok := f.Nodes[0].Data.(*OutputData)
	require.True(t, ok)
	assert.Equal(t, "text", out.Format)
	assert.NotNil(t, f.Edges)
}

func TestDecodeFlow_InvalidJSON(t *testing.T) {
	_, err := DecodeFlow([]byte(`{"id":`))
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeValidation))
}

func TestPromptFlow_CloneIsDeep(t *testing.T) {
	flow := sampleFlow()
	c := flow.Clone()

	c.Nodes[1].Data.(*PromptData).Variables[0] = "changed"
	c.Nodes[3].Data.(*TransformData).Parameters["separator"] = ";"
	c.Edges[0].Target = "o1"

	assert.Equal(t, "topics", flow.Nodes[1].Data.(*PromptData).Variables[0])
	assert.Equal(t, ",", flow.Nodes[3].Data.(*TransformData).Parameters["separator"])
	assert.Equal(t, "p1", flow.Edges[0].Target)
}

func TestNewNodeData_EveryType(t *testing.T) {
	for _, nt := range NodeTypes {
		d, err := NewNodeData(nt)
		require.NoError(t, err, nt)
		assert.Equal(t, nt, d.NodeType())
	}

	_, err := NewNodeData("webhook")
	assert.True(t, IsCode(err, ErrCodeValidation))
}

type countingVisitor struct {
	seen []NodeType
}

func (v *countingVisitor) VisitPrompt(*PromptData) error {
	v.seen = append(v.seen, NodeTypePrompt)
	return nil
}
func (v *countingVisitor) VisitVariable(*VariableData) error {
	v.seen = append(v.seen, NodeTypeVariable)
	return nil
}
func (v *countingVisitor) VisitConditional(*ConditionalData) error {
	v.seen = append(v.seen, NodeTypeConditional)
	return nil
}
func (v *countingVisitor) VisitTransform(*TransformData) error {
	v.seen = append(v.seen, NodeTypeTransform)
	return nil
}
func (v *countingVisitor) VisitOutput(*OutputData) error {
	v.seen = append(v.seen, NodeTypeOutput)
	return nil
}
func (v *countingVisitor) VisitForEach(*ForEachData) error {
	v.seen = append(v.seen, NodeTypeForEach)
	return nil
}
func (v *countingVisitor) VisitTemplate(*TemplateData) error {
	v.seen = append(v.seen, NodeTypeTemplate)
	return nil
}
func (v *countingVisitor) VisitLLMCall(*LLMCallData) error {
	v.seen = append(v.seen, NodeTypeLLMCall)
	return nil
}

func TestNodeData_AcceptDispatchesByVariant(t *testing.T) {
	v := &countingVisitor{}
	for _, n := range sampleFlow().Nodes {
		require.NoError(t, n.Data.Accept(v))
	}
	assert.Equal(t, []NodeType{
		NodeTypeVariable, NodeTypePrompt, NodeTypeConditional, NodeTypeTransform,
		NodeTypeForEach, NodeTypeTemplate, NodeTypeLLMCall, NodeTypeOutput,
	}, v.seen)
}

func TestDeclaredVariables(t *testing.T) {
	assert.Equal(t, []string{"a"}, DeclaredVariables(&PromptData{Variables: []string{"a"}}))
	assert.Equal(t, []string{"b"}, DeclaredVariables(&TemplateData{Variables: []string{"b"}}))
	assert.Equal(t, []string{"c"}, DeclaredVariables(&LLMCallData{Variables: []string{"c"}}))
	assert.Nil(t, DeclaredVariables(&OutputData{}))
}
