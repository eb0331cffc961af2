package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/promptflow/internal/variables"
	"github.com/rendis/promptflow/pkg/schema"
)

func TestInterpolate(t *testing.T) {
	vars := map[string]any{
		"topic": "Go",
		"n":     3.0,
		"tags":  []any{"a", "b"},
		"on":    true,
		"none":  nil,
	}

	out, missing := Interpolate("{{topic}} x{{ n }} {{tags}} {{on}} [{{none}}] {{gone}} {{gone}}", vars)
	assert.Equal(t, `Go x3 ["a","b"] true []  `, out)
	assert.Equal(t, []string{"gone"}, missing)
}

func TestInterpolate_RendersOnlyResolvedNames(t *testing.T) {
	flow := &schema.PromptFlow{Nodes: []schema.FlowNode{{
		ID: "p1", Type: schema.NodeTypePrompt,
		Data: &schema.PromptData{Content: "Write about {{\ttopic\n}} please"},
	}}}
	scope := map[string]any{}
	for _, v := range variables.Resolve(flow) {
		scope[v.Name] = "go"
	}

	out, missing := Interpolate("Write about {{\ttopic\n}} please", scope)
	assert.Equal(t, "Write about go please", out)
	assert.Empty(t, missing)
}

func TestInterpolate_NoPlaceholders(t *testing.T) {
	out, missing := Interpolate("plain", nil)
	assert.Equal(t, "plain", out)
	assert.Nil(t, missing)
}

func TestNodeDocument(t *testing.T) {
	n := &schema.FlowNode{ID: "v1", Type: schema.NodeTypeVariable, Position: schema.Position{X: 1},
		Data: &schema.VariableData{Name: "topics", Type: schema.VariableTypeString, DefaultValue: "a,b"}}

	doc := NodeDocument(n)
	assert.Equal(t, "variable", doc["type"])
	assert.Equal(t, "topics", doc["data"].(map[string]any)["name"])
	assert.Equal(t, float64(1), doc["position"].(map[string]any)["x"])
	assert.Empty(t, NodeDocument(nil))
}
