// Package variables discovers the variables a prompt flow declares or uses.
package variables

import (
	"bytes"
	"encoding/json"
	"regexp"

	"github.com/rendis/promptflow/pkg/schema"
)

// placeholderRe matches {{identifier}} with optional inner whitespace.
var placeholderRe = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// PlaceholderPattern returns the compiled placeholder expression so renderers
// substitute exactly what the resolver discovers.
func PlaceholderPattern() *regexp.Regexp {
	return placeholderRe
}

// Placeholders returns the distinct placeholder names in text, in order of
// first appearance.
func Placeholders(text string) []string {
	matches := placeholderRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		out = append(out, m[1])
	}
	return out
}

// Resolve returns the flow's variables, deduplicated by name. Sources are
// visited in a fixed order and the first declaration of a name wins:
// variable nodes, then variables declared by prompt-like nodes, then
// placeholders found anywhere in node data. Node order is the flow's node
// order, so resolving an unchanged flow always yields the same list.
func Resolve(flow *schema.PromptFlow) []schema.FlowVariable {
	if flow == nil {
		return []schema.FlowVariable{}
	}

	r := &resolution{seen: make(map[string]bool)}

	for _, n := range flow.Nodes {
		v, ok := n.Data.(*schema.VariableData)
		if !ok || v.Name == "" {
			continue
		}
		typ := v.Type
		if !typ.Valid() {
			typ = schema.VariableTypeString
		}
		r.add(schema.FlowVariable{
			Name:         v.Name,
			Type:         typ,
			DefaultValue: v.DefaultValue,
			Required:     v.DefaultValue == "",
			Description:  v.Description,
			Source:       schema.ProvenanceVariableNode,
		})
	}

	for _, n := range flow.Nodes {
		for _, name := range schema.DeclaredVariables(n.Data) {
			r.addReference(name, schema.ProvenancePromptReference)
		}
	}

	for _, n := range flow.Nodes {
		for _, name := range nodePlaceholders(n) {
			r.addReference(name, schema.ProvenanceTemplatePlaceholder)
		}
	}

	return r.vars
}

// Undeclared returns the names referenced by prompt-like nodes or
// placeholders that no variable node declares, in discovery order.
func Undeclared(flow *schema.PromptFlow) []string {
	var out []string
	for _, v := range Resolve(flow) {
		if v.Source != schema.ProvenanceVariableNode {
			out = append(out, v.Name)
		}
	}
	return out
}

type resolution struct {
	vars []schema.FlowVariable
	seen map[string]bool
}

func (r *resolution) add(v schema.FlowVariable) {
	if r.seen[v.Name] {
		return
	}
	r.seen[v.Name] = true
	r.vars = append(r.vars, v)
}

func (r *resolution) addReference(name string, source schema.Provenance) {
	if name == "" {
		return
	}
	r.add(schema.FlowVariable{
		Name:     name,
		Type:     schema.VariableTypeString,
		Required: true,
		Source:   source,
	})
}

// nodePlaceholders scans every string in the payload, including nested
// parameter maps, in field order. Strings are decoded first so placeholders
// are matched in the raw text a renderer sees, not in its JSON escaping.
func nodePlaceholders(n schema.FlowNode) []string {
	if n.Data == nil {
		return nil
	}
	b, err := json.Marshal(n.Data)
	if err != nil {
		return nil
	}
	var out []string
	dec := json.NewDecoder(bytes.NewReader(b))
	for {
		tok, err := dec.Token()
		if err != nil {
			return out
		}
		if s, ok := tok.(string); ok {
			out = append(out, Placeholders(s)...)
		}
	}
}
