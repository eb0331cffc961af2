package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/promptflow/internal/store"
	"github.com/rendis/promptflow/pkg/schema"
)

func branchingFlow() *schema.PromptFlow {
	return &schema.PromptFlow{
		ID:   "review",
		Name: "Review",
		Nodes: []schema.FlowNode{
			{ID: "out", Type: schema.NodeTypeOutput, Data: &schema.OutputData{Format: "markdown"}},
			{ID: "draft", Type: schema.NodeTypePrompt, Data: &schema.PromptData{Content: "Draft a reply to {{email}}\nBe brief."}},
			{ID: "check", Type: schema.NodeTypeConditional, Data: &schema.ConditionalData{Condition: schema.Condition{
				LeftOperand: "{{draft}}", Operator: schema.OperatorContains, RightOperand: "sorry",
			}}},
			{ID: "email", Type: schema.NodeTypeVariable, Data: &schema.VariableData{Name: "email", Type: schema.VariableTypeString}},
		},
		Edges: []schema.FlowEdge{
			{ID: "e1", Source: "email", Target: "draft"},
			{ID: "e2", Source: "draft", Target: "check"},
			{ID: "e3", Source: "check", Target: "out", SourceHandle: "true"},
		},
	}
}

func TestBuild_TopologicalOrder(t *testing.T) {
	model, err := Build(branchingFlow(), nil)
	require.NoError(t, err)

	var ids []string
	for _, n := range model.Nodes {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{"email", "draft", "check", "out"}, ids)
	assert.True(t, model.Acyclic)
	assert.Equal(t, "Review", model.Title)
	assert.Equal(t, [][]string{{"email"}, {"draft"}, {"check"}, {"out"}}, model.Levels)
	assert.Equal(t, "draft\nDraft a reply to {{email}}", model.Nodes[1].Label)
	assert.Equal(t, NodeKindCondition, model.Nodes[2].Kind)
	assert.Equal(t, "true", model.Edges[2].Label)
}

func TestBuild_CyclicKeepsInsertionOrder(t *testing.T) {
	flow := branchingFlow()
	flow.Edges = append(flow.Edges, schema.FlowEdge{ID: "back", Source: "out", Target: "email"})

	model, err := Build(flow, nil)
	require.NoError(t, err)
	assert.False(t, model.Acyclic)
	assert.Equal(t, "out", model.Nodes[0].ID)
	assert.Nil(t, model.Levels)
}

func TestBuild_TraceOverlay(t *testing.T) {
	trace := &store.ExecutionTrace{
		Status: schema.ExecutionStatusCompleted,
		Nodes: map[string]*store.NodeTrace{
			"draft": {NodeID: "draft", Events: []string{schema.EventNodeRendered}},
		},
	}
	model, err := Build(branchingFlow(), trace)
	require.NoError(t, err)

	byID := map[string]*Node{}
	for _, n := range model.Nodes {
		byID[n.ID] = n
	}
	assert.Equal(t, "completed", byID["draft"].Status.Status)
	assert.Equal(t, 1, byID["draft"].Status.Events)
	assert.Equal(t, "skipped", byID["out"].Status.Status)
}

func TestBuild_NilFlow(t *testing.T) {
	_, err := Build(nil, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestRenderMermaid(t *testing.T) {
	model, err := Build(branchingFlow(), nil)
	require.NoError(t, err)

	output := RenderMermaid(model)
	assert.Contains(t, output, "graph TD\n")
	assert.Contains(t, output, "%% Review")
	assert.Contains(t, output, `email(["email<br/>email: string"])`)
	assert.Contains(t, output, `check{"check<br/>{{draft}} contains sorry"}`)
	assert.Contains(t, output, `out(("out<br/>markdown"))`)
	assert.Contains(t, output, "email --> draft")
	assert.Contains(t, output, "check -->|true| out")
	assert.NotContains(t, output, "class ")
}

func TestRenderMermaid_StatusClasses(t *testing.T) {
	trace := &store.ExecutionTrace{
		Status: schema.ExecutionStatusRunning,
		Nodes:  map[string]*store.NodeTrace{"email": {NodeID: "email"}},
	}
	model, err := Build(branchingFlow(), trace)
	require.NoError(t, err)

	output := RenderMermaid(model)
	assert.Contains(t, output, "class email running")
	assert.NotContains(t, output, "class out")
}

func TestMermaidSafeID(t *testing.T) {
	assert.Equal(t, "a_b_c", mermaidSafeID("a.b.c"))
	assert.Equal(t, "my_step", mermaidSafeID("my-step"))
	assert.Equal(t, "simple", mermaidSafeID("simple"))
}

func TestMermaidEscapeLabel(t *testing.T) {
	assert.Equal(t, "say #quot;hi#quot; #124; bye", mermaidEscapeLabel(`say "hi" | bye`))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate(" short ", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}
