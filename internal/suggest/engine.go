// Package suggest ranks follow-on nodes for a source node.
package suggest

import (
	"sort"
	"strconv"
	"strings"

	"github.com/rendis/promptflow/internal/heuristics"
	"github.com/rendis/promptflow/pkg/schema"
)

// DefaultLimit is the number of suggestions returned when a rule set does
// not set one.
const DefaultLimit = 5

// Env is what a generator may consult besides its source node.
type Env struct {
	Heuristics heuristics.Heuristics
	// Unique returns base, or base with a numeric suffix, so that the name
	// collides with no variable already declared in the flow.
	Unique func(base string) string
}

// Generator emits candidate suggestions for one source node type. Emission
// order breaks priority ties.
type Generator func(source *schema.FlowNode, env Env) []schema.FlowSuggestion

// RuleSet is an immutable bundle of generators, heuristics and a result limit.
type RuleSet struct {
	generators map[schema.NodeType]Generator
	heuristics heuristics.Heuristics
	limit      int
}

// NewRuleSet builds a rule set. A limit of zero or less means DefaultLimit.
func NewRuleSet(h heuristics.Heuristics, limit int, generators map[schema.NodeType]Generator) *RuleSet {
	if limit <= 0 {
		limit = DefaultLimit
	}
	gens := make(map[schema.NodeType]Generator, len(generators))
	for t, g := range generators {
		gens[t] = g
	}
	return &RuleSet{generators: gens, heuristics: h, limit: limit}
}

// DefaultRuleSet returns the built-in generators for prompt, variable,
// conditional and transform sources.
func DefaultRuleSet() *RuleSet {
	return NewRuleSet(heuristics.Default(), DefaultLimit, map[schema.NodeType]Generator{
		schema.NodeTypePrompt:      promptSuggestions,
		schema.NodeTypeVariable:    variableSuggestions,
		schema.NodeTypeConditional: conditionalSuggestions,
		schema.NodeTypeTransform:   transformSuggestions,
	})
}

// Limit returns the maximum number of suggestions.
func (rs *RuleSet) Limit() int {
	return rs.limit
}

// Engine produces ranked suggestions. It is stateless apart from its rule set.
type Engine struct {
	rules *RuleSet
}

// NewEngine creates an engine over rules, or DefaultRuleSet when nil.
func NewEngine(rules *RuleSet) *Engine {
	if rules == nil {
		rules = DefaultRuleSet()
	}
	return &Engine{rules: rules}
}

// Suggest returns suggestions for source sorted by descending priority.
// Equal priorities keep emission order. Source types without a generator
// yield an empty list.
func (e *Engine) Suggest(source *schema.FlowNode, existing []*schema.FlowNode) []schema.FlowSuggestion {
	if source == nil {
		return []schema.FlowSuggestion{}
	}
	gen, ok := e.rules.generators[source.Type]
	if !ok {
		return []schema.FlowSuggestion{}
	}

	env := Env{Heuristics: e.rules.heuristics, Unique: uniqueNamer(existing)}
	out := gen(source, env)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	if len(out) > e.rules.limit {
		out = out[:e.rules.limit]
	}
	if out == nil {
		out = []schema.FlowSuggestion{}
	}
	return out
}

// uniqueNamer collects every variable-like name declared by existing nodes.
// Names handed out are reserved so one suggestion list never repeats a name.
func uniqueNamer(existing []*schema.FlowNode) func(string) string {
	taken := map[string]bool{}
	for _, n := range existing {
		if n == nil {
			continue
		}
		switch d := n.Data.(type) {
		case *schema.VariableData:
			taken[d.Name] = true
		case *schema.ForEachData:
			taken[d.ItemVariable] = true
		default:
			for _, v := range schema.DeclaredVariables(d) {
				taken[v] = true
			}
		}
	}
	return func(base string) string {
		name := base
		for i := 2; taken[name]; i++ {
			name = base + strconv.Itoa(i)
		}
		taken[name] = true
		return name
	}
}

// singular derives an item name from a collection name.
func singular(name string) string {
	if len(name) > 1 && strings.HasSuffix(name, "s") && !strings.HasSuffix(name, "ss") {
		return strings.TrimSuffix(name, "s")
	}
	return "item"
}
