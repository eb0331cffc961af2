package expressions

import (
	"encoding/json"

	"github.com/rendis/promptflow/pkg/schema"
)

// NodeDocument converts a node into the generic map shape that rule
// expressions see: {"id", "type", "position": {...}, "data": {...}}.
// Numbers are float64, matching a JSON decode of the saved flow.
func NodeDocument(n *schema.FlowNode) map[string]any {
	if n == nil {
		return map[string]any{}
	}
	b, err := json.Marshal(n)
	if err != nil {
		return map[string]any{"id": n.ID, "type": string(n.Type)}
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		return map[string]any{"id": n.ID, "type": string(n.Type)}
	}
	return doc
}
