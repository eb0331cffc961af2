package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/promptflow/internal/graph"
	"github.com/rendis/promptflow/internal/store"
	"github.com/rendis/promptflow/pkg/schema"
)

const maxLabelLen = 32

// Build constructs a DiagramModel from a flow and an optional execution trace.
// Nodes are in topological order when the flow is acyclic and in insertion
// order otherwise.
func Build(flow *schema.PromptFlow, trace *store.ExecutionTrace) (*DiagramModel, error) {
	if flow == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "diagram: flow is nil")
	}

	index := make(map[string]*schema.FlowNode, len(flow.Nodes))
	ids := make([]string, len(flow.Nodes))
	for i := range flow.Nodes {
		index[flow.Nodes[i].ID] = &flow.Nodes[i]
		ids[i] = flow.Nodes[i].ID
	}

	order, err := graph.TopologicalSort(ids, flow.Edges)
	acyclic := err == nil
	if !acyclic {
		order = ids
	}

	nodes := make([]*Node, 0, len(order))
	for _, id := range order {
		fn := index[id]
		node := &Node{ID: fn.ID, Label: nodeLabel(fn), Kind: kindOf(fn.Type)}
		overlayStatus(node, trace)
		nodes = append(nodes, node)
	}

	var edges []Edge
	for _, e := range flow.Edges {
		if index[e.Source] == nil || index[e.Target] == nil {
			continue
		}
		edges = append(edges, Edge{From: e.Source, To: e.Target, Label: edgeLabel(e)})
	}

	model := &DiagramModel{
		Title:   titleFromFlow(flow),
		Nodes:   nodes,
		Edges:   edges,
		Acyclic: acyclic,
	}
	if acyclic {
		model.Levels = buildLevels(order, edges)
	}
	return model, nil
}

// kindOf converts a schema.NodeType to a NodeKind.
func kindOf(t schema.NodeType) NodeKind {
	switch t {
	case schema.NodeTypeVariable:
		return NodeKindVariable
	case schema.NodeTypeConditional:
		return NodeKindCondition
	case schema.NodeTypeTransform:
		return NodeKindTransform
	case schema.NodeTypeOutput:
		return NodeKindOutput
	case schema.NodeTypeForEach:
		return NodeKindLoop
	case schema.NodeTypeTemplate:
		return NodeKindTemplate
	case schema.NodeTypeLLMCall:
		return NodeKindLLMCall
	default:
		return NodeKindPrompt
	}
}

// nodeLabel creates a human-readable label: the node id plus a short summary
// of its payload on a second line.
func nodeLabel(n *schema.FlowNode) string {
	var detail string
	switch d := n.Data.(type) {
	case *schema.PromptData:
		detail = d.Content
	case *schema.VariableData:
		detail = fmt.Sprintf("%s: %s", d.Name, d.Type)
	case *schema.ConditionalData:
		detail = strings.TrimSpace(fmt.Sprintf("%s %s %s", d.Condition.LeftOperand, d.Condition.Operator, d.Condition.RightOperand))
	case *schema.TransformData:
		detail = d.TransformType
	case *schema.OutputData:
		detail = d.Format
	case *schema.ForEachData:
		detail = fmt.Sprintf("each %s in %s", d.ItemVariable, d.SourceVariable)
	case *schema.TemplateData:
		detail = d.TemplateID
	case *schema.LLMCallData:
		detail = strings.Trim(d.Provider+"/"+d.Model, "/")
	}
	detail = truncate(firstLine(detail), maxLabelLen)
	if detail == "" {
		return n.ID
	}
	return n.ID + "\n" + detail
}

// edgeLabel names the handles an edge leaves or enters through.
func edgeLabel(e schema.FlowEdge) string {
	switch {
	case e.SourceHandle != "" && e.TargetHandle != "":
		return e.SourceHandle + " → " + e.TargetHandle
	case e.SourceHandle != "":
		return e.SourceHandle
	default:
		return e.TargetHandle
	}
}

// overlayStatus applies what the trace recorded for the node.
func overlayStatus(node *Node, trace *store.ExecutionTrace) {
	if trace == nil {
		return
	}
	nt, ok := trace.Nodes[node.ID]
	if !ok {
		if trace.Status.IsTerminal() {
			node.Status = &StatusOverlay{Status: StatusSkipped}
		}
		return
	}
	status := StatusCompleted
	if trace.Status == schema.ExecutionStatusRunning {
		status = StatusRunning
	}
	node.Status = &StatusOverlay{Status: status, Events: len(nt.Events), Iterations: nt.Iterations}
}

// buildLevels groups nodes by longest distance from a root.
func buildLevels(order []string, edges []Edge) [][]string {
	depth := make(map[string]int, len(order))
	preds := make(map[string][]string)
	for _, e := range edges {
		preds[e.To] = append(preds[e.To], e.From)
	}
	var levels [][]string
	for _, id := range order {
		d := 0
		for _, p := range preds[id] {
			d = max(d, depth[p]+1)
		}
		depth[id] = d
		for len(levels) <= d {
			levels = append(levels, nil)
		}
		levels[d] = append(levels[d], id)
	}
	return levels
}

func titleFromFlow(flow *schema.PromptFlow) string {
	if flow.Name != "" {
		return flow.Name
	}
	if flow.ID != "" {
		return flow.ID
	}
	return "Flow"
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-1]) + "…"
}
