package graph

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/promptflow/internal/connection"
	"github.com/rendis/promptflow/pkg/schema"
)

func newTestGraph(opts ...Option) *Graph {
	base := []Option{WithIDProvider(NewCounterProvider(0)), WithIdentity("flow-1", "test")}
	return New(append(base, opts...)...)
}

func addPrompt(t *testing.T, g *Graph, content string) string {
	t.Helper()
	n, err := g.AddNode(schema.NodeTypePrompt, schema.Position{}, &schema.PromptData{Content: content})
	require.NoError(t, err)
	return n.ID
}

func connect(t *testing.T, g *Graph, from, to string) schema.ConnectionResult {
	t.Helper()
	_, res, err := g.AddEdge(EdgeRequest{Source: from, Target: to})
	require.NoError(t, err)
	return res
}

// recordingChecker returns a fixed result and counts calls.
type recordingChecker struct {
	calls  int
	result schema.ConnectionResult
}

func (c *recordingChecker) Validate(connection.Topology, *schema.FlowNode, *schema.FlowNode, string, string) schema.ConnectionResult {
	c.calls++
	return c.result
}

func TestGraph_AddNodeUsesProvider(t *testing.T) {
	g := newTestGraph()

	n1, err := g.AddNode(schema.NodeTypePrompt, schema.Position{X: 1, Y: 2}, nil)
	require.NoError(t, err)
	n2, err := g.AddNode(schema.NodeTypeOutput, schema.Position{}, nil)
	require.NoError(t, err)

	assert.Equal(t, "prompt-1", n1.ID)
	assert.Equal(t, "output-2", n2.ID)
	assert.IsType(t, &schema.PromptData{}, n1.Data)
	assert.Equal(t, schema.Position{X: 1, Y: 2}, n1.Position)
}

func TestGraph_AddNodeBulkIDsUnique(t *testing.T) {
	for _, p := range []IDProvider{UUIDProvider{}, NewULIDProvider(), NewCounterProvider(0)} {
		g := New(WithIDProvider(p))
		seen := map[string]bool{}
		for i := 0; i < 500; i++ {
			n, err := g.AddNode(schema.NodeTypeVariable, schema.Position{}, nil)
			require.NoError(t, err)
			require.False(t, seen[n.ID], "duplicate id %s", n.ID)
			seen[n.ID] = true
		}
	}
}

func TestGraph_AddNodeRejectsMismatchedData(t *testing.T) {
	g := newTestGraph()
	_, err := g.AddNode(schema.NodeTypePrompt, schema.Position{}, &schema.OutputData{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeTypeMismatch))

	_, err = g.AddNode("webhook", schema.Position{}, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	assert.Empty(t, g.Nodes())
}

func TestGraph_AddNodeSkipsTakenIDs(t *testing.T) {
	g := newTestGraph()
	require.NoError(t, g.InsertNode(schema.FlowNode{ID: "prompt-1", Type: schema.NodeTypePrompt, Data: &schema.PromptData{}}))

	n, err := g.AddNode(schema.NodeTypePrompt, schema.Position{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "prompt-2", n.ID)
}

func TestGraph_InsertNodeDuplicate(t *testing.T) {
	g := newTestGraph()
	n := schema.FlowNode{ID: "a", Type: schema.NodeTypeOutput, Data: &schema.OutputData{}}
	require.NoError(t, g.InsertNode(n))

	err := g.InsertNode(n)
	assert.True(t, schema.IsCode(err, schema.ErrCodeDuplicateID))
	assert.Len(t, g.Nodes(), 1)
}

func TestGraph_UpdateNodeData(t *testing.T) {
	g := newTestGraph()
	id := addPrompt(t, g, "old")

	require.NoError(t, g.UpdateNodeData(id, &schema.PromptData{Content: "new"}))
	n, ok := g.Node(id)
	require.True(t, ok)
	assert.Equal(t, "new", n.Data.(*schema.PromptData).Content)

	err := g.UpdateNodeData(id, &schema.VariableData{Name: "x"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeTypeMismatch))

	err = g.UpdateNodeData("missing", &schema.PromptData{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeNodeNotFound))
}

func TestGraph_ReturnedNodesAreCopies(t *testing.T) {
	g := newTestGraph()
	id := addPrompt(t, g, "original")

	n, _ := g.Node(id)
	n.Data.(*schema.PromptData).Content = "mutated"

	again, _ := g.Node(id)
	assert.Equal(t, "original", again.Data.(*schema.PromptData).Content)
}

func TestGraph_MoveNode(t *testing.T) {
	g := newTestGraph()
	id := addPrompt(t, g, "x")
	require.NoError(t, g.MoveNode(id, schema.Position{X: 40, Y: 50}))
	n, _ := g.Node(id)
	assert.Equal(t, schema.Position{X: 40, Y: 50}, n.Position)
	assert.True(t, schema.IsCode(g.MoveNode("nope", schema.Position{}), schema.ErrCodeNodeNotFound))
}

func TestGraph_RemoveNodeCascadesEdges(t *testing.T) {
	g := newTestGraph()
	a := addPrompt(t, g, "a")
	b := addPrompt(t, g, "b")
	c := addPrompt(t, g, "c")
	connect(t, g, a, b)
	connect(t, g, b, c)
	connect(t, g, a, c)

	removed, err := g.RemoveNode(b)
	require.NoError(t, err)
	require.Len(t, removed, 2)
	assert.Equal(t, b, removed[0].Target)
	assert.Equal(t, b, removed[1].Source)

	edges := g.Edges()
	require.Len(t, edges, 1)
	assert.Equal(t, a, edges[0].Source)
	assert.Equal(t, c, edges[0].Target)

	_, err = g.RemoveNode(b)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNodeNotFound))
}

func TestGraph_AddEdgeStructuralErrors(t *testing.T) {
	g := newTestGraph()
	a := addPrompt(t, g, "a")
	b := addPrompt(t, g, "b")

	_, _, err := g.AddEdge(EdgeRequest{Source: a, Target: "ghost"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeNodeNotFound))

	connect(t, g, a, b)
	_, _, err = g.AddEdge(EdgeRequest{Source: a, Target: b})
	assert.True(t, schema.IsCode(err, schema.ErrCodeDuplicateEdge))

	e, res, err := g.AddEdge(EdgeRequest{Source: a, Target: b, SourceHandle: "alt"})
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, "alt", e.SourceHandle)
	assert.Len(t, g.Edges(), 2)
}

func TestGraph_AddEdgeRejectsCycles(t *testing.T) {
	g := newTestGraph()
	a := addPrompt(t, g, "a")
	b := addPrompt(t, g, "b")
	c := addPrompt(t, g, "c")
	connect(t, g, a, b)
	connect(t, g, b, c)

	e, res, err := g.AddEdge(EdgeRequest{Source: c, Target: a})
	require.NoError(t, err)
	assert.Nil(t, e)
	assert.False(t, res.Valid)
	assert.Equal(t, schema.ErrCodeCycleDetected, res.Code)
	assert.Len(t, g.Edges(), 2)

	e, res, err = g.AddEdge(EdgeRequest{Source: a, Target: a})
	require.NoError(t, err)
	assert.Nil(t, e)
	assert.Equal(t, "self-loop not permitted.", res.Message)
}

func TestGraph_AddEdgeReturnsAdvisory(t *testing.T) {
	g := newTestGraph()
	v, err := g.AddNode(schema.NodeTypeVariable, schema.Position{}, &schema.VariableData{Name: "city"})
	require.NoError(t, err)
	p := addPrompt(t, g, "Weather report")

	e, res, err := g.AddEdge(EdgeRequest{Source: v.ID, Target: p})
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.True(t, res.Valid)
	assert.NotEmpty(t, res.Suggestion)
}

func TestGraph_InjectedChecker(t *testing.T) {
	checker := &recordingChecker{result: schema.Rejected(schema.ErrCodeIncompatible, "no")}
	g := newTestGraph(WithChecker(checker))
	a := addPrompt(t, g, "a")
	b := addPrompt(t, g, "b")

	e, res, err := g.AddEdge(EdgeRequest{Source: a, Target: b})
	require.NoError(t, err)
	assert.Nil(t, e)
	assert.Equal(t, "no", res.Message)
	assert.Equal(t, 1, checker.calls)
	assert.Empty(t, g.Edges())
}

func TestGraph_RemoveEdge(t *testing.T) {
	g := newTestGraph()
	a := addPrompt(t, g, "a")
	b := addPrompt(t, g, "b")
	e, _, err := g.AddEdge(EdgeRequest{Source: a, Target: b})
	require.NoError(t, err)

	require.NoError(t, g.RemoveEdge(e.ID))
	assert.Empty(t, g.Edges())
	assert.True(t, schema.IsCode(g.RemoveEdge(e.ID), schema.ErrCodeEdgeNotFound))
}

func TestGraph_QueriesAndOrder(t *testing.T) {
	g := newTestGraph()
	a := addPrompt(t, g, "a")
	b := addPrompt(t, g, "b")
	c := addPrompt(t, g, "c")
	connect(t, g, c, b)
	connect(t, g, b, a)

	assert.True(t, g.Reachable(c, a))
	assert.False(t, g.Reachable(a, c))
	assert.True(t, g.Reachable(a, a))
	assert.Len(t, g.Outgoing(c), 1)
	assert.Len(t, g.Incoming(a), 1)

	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{c, b, a}, order)
}

func TestTopologicalSort_SortedRootsAndCycle(t *testing.T) {
	order, err := TopologicalSort([]string{"z", "b", "a"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "z"}, order)

	_, err = TopologicalSort([]string{"a", "b"}, []schema.FlowEdge{
		{Source: "a", Target: "b"}, {Source: "b", Target: "a"},
	})
	assert.True(t, schema.IsCode(err, schema.ErrCodeCycleDetected))

	order, err = TopologicalSort([]string{"a"}, []schema.FlowEdge{{Source: "a", Target: "ghost"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, order)
}

func TestLoad(t *testing.T) {
	flow := &schema.PromptFlow{
		ID: "f", Name: "loaded",
		Nodes: []schema.FlowNode{
			{ID: "v", Type: schema.NodeTypeVariable, Data: &schema.VariableData{Name: "x"}},
			{ID: "p", Type: schema.NodeTypePrompt, Data: &schema.PromptData{Content: "{{x}}"}},
		},
		Edges: []schema.FlowEdge{{ID: "e1", Source: "v", Target: "p"}},
	}

	g, err := Load(flow)
	require.NoError(t, err)
	assert.Equal(t, "f", g.ID())
	assert.Len(t, g.Nodes(), 2)
	assert.Len(t, g.Edges(), 1)

	flow.Nodes[1].Data.(*schema.PromptData).Content = "changed"
	n, _ := g.Node("p")
	assert.Equal(t, "{{x}}", n.Data.(*schema.PromptData).Content)
}

func TestLoad_CounterSkipsLoadedIDs(t *testing.T) {
	flow := &schema.PromptFlow{ID: "f"}
	for i := 1; i <= 101; i++ {
		flow.Nodes = append(flow.Nodes, schema.FlowNode{
			ID: fmt.Sprintf("prompt-%d", i), Type: schema.NodeTypePrompt, Data: &schema.PromptData{Content: "x"},
		})
	}
	for i := 1; i <= 100; i++ {
		flow.Edges = append(flow.Edges, schema.FlowEdge{
			ID: fmt.Sprintf("edge-%d", i), Source: fmt.Sprintf("prompt-%d", i), Target: fmt.Sprintf("prompt-%d", i+1),
		})
	}

	g, err := Load(flow, WithIDProvider(NewCounterProvider(0)), WithChecker(&recordingChecker{result: schema.Allowed()}))
	require.NoError(t, err)

	e, res, err := g.AddEdge(EdgeRequest{Source: "prompt-1", Target: "prompt-101"})
	require.NoError(t, err)
	require.True(t, res.Valid)
	assert.Equal(t, "edge-102", e.ID)

	n, err := g.AddNode(schema.NodeTypeOutput, schema.Position{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "output-103", n.ID)
}

func TestLoad_RejectsBrokenFlows(t *testing.T) {
	node := func(id string) schema.FlowNode {
		return schema.FlowNode{ID: id, Type: schema.NodeTypeOutput, Data: &schema.OutputData{}}
	}
	tests := []struct {
		name string
		flow *schema.PromptFlow
		code string
	}{
		{"nil", nil, schema.ErrCodeValidation},
		{"duplicate node", &schema.PromptFlow{Nodes: []schema.FlowNode{node("a"), node("a")}}, schema.ErrCodeDuplicateID},
		{"dangling edge", &schema.PromptFlow{Nodes: []schema.FlowNode{node("a")},
			Edges: []schema.FlowEdge{{ID: "e", Source: "a", Target: "b"}}}, schema.ErrCodeNodeNotFound},
		{"duplicate edge id", &schema.PromptFlow{Nodes: []schema.FlowNode{node("a"), node("b")},
			Edges: []schema.FlowEdge{{ID: "e", Source: "a", Target: "b"}, {ID: "e", Source: "b", Target: "a"}}}, schema.ErrCodeDuplicateID},
		{"mismatched data", &schema.PromptFlow{Nodes: []schema.FlowNode{
			{ID: "a", Type: schema.NodeTypePrompt, Data: &schema.OutputData{}}}}, schema.ErrCodeTypeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := Load(tt.flow)
			assert.Nil(t, g)
			assert.True(t, schema.IsCode(err, tt.code), "got %v", err)
		})
	}
}

func TestGraph_SnapshotRoundTrip(t *testing.T) {
	at := time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC)
	g := newTestGraph(WithClock(func() time.Time { return at }))
	a := addPrompt(t, g, "{{topic}}")
	o, err := g.AddNode(schema.NodeTypeOutput, schema.Position{X: 3}, nil)
	require.NoError(t, err)
	connect(t, g, a, o.ID)

	snap := g.Snapshot()
	assert.Equal(t, at, snap.UpdatedAt)
	assert.Equal(t, "test", snap.Name)

	g2, err := Load(snap)
	require.NoError(t, err)
	assert.Equal(t, snap.Nodes, g2.Nodes())
	assert.Equal(t, snap.Edges, g2.Edges())
}

func TestGraph_NoOrphanEdgesUnderRandomEdits(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	g := newTestGraph()
	var ids []string

	for step := 0; step < 400; step++ {
		switch op := rng.Intn(4); {
		case op == 0 || len(ids) < 2:
			ids = append(ids, addPrompt(t, g, "x"))
		case op == 1:
			i := rng.Intn(len(ids))
			_, err := g.RemoveNode(ids[i])
			require.NoError(t, err)
			ids = append(ids[:i], ids[i+1:]...)
		default:
			_, _, err := g.AddEdge(EdgeRequest{Source: ids[rng.Intn(len(ids))], Target: ids[rng.Intn(len(ids))]})
			if err != nil {
				require.True(t, schema.IsCode(err, schema.ErrCodeDuplicateEdge))
			}
		}

		live := map[string]bool{}
		for _, n := range g.Nodes() {
			live[n.ID] = true
		}
		for _, e := range g.Edges() {
			require.True(t, live[e.Source] && live[e.Target], "orphan edge %+v", e)
		}
		_, err := g.TopologicalOrder()
		require.NoError(t, err, "accepted edges must keep the flow acyclic")
	}
}
