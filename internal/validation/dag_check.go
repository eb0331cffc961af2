package validation

import (
	"fmt"

	"github.com/rendis/promptflow/internal/graph"
	"github.com/rendis/promptflow/pkg/schema"
)

// validateDAG reports cycles as errors and, in multi-node flows, nodes with
// no connection at all as warnings.
func validateDAG(flow *schema.PromptFlow) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	ids := make([]string, len(flow.Nodes))
	for i, n := range flow.Nodes {
		ids[i] = n.ID
	}

	if _, err := graph.TopologicalSort(ids, flow.Edges); err != nil {
		result.AddError("edges", schema.ErrCodeCycleDetected, "flow contains a cycle")
		return result
	}

	if len(flow.Nodes) < 2 {
		return result
	}
	connected := make(map[string]bool, len(flow.Nodes))
	for _, e := range flow.Edges {
		connected[e.Source] = true
		connected[e.Target] = true
	}
	for _, n := range flow.Nodes {
		if !connected[n.ID] {
			result.AddWarning(fmt.Sprintf("nodes[%s]", n.ID), schema.ErrCodeValidation,
				fmt.Sprintf("%s node %q is not connected to any other node", n.Type, n.ID))
		}
	}
	return result
}
