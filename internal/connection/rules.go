// Package connection decides whether a candidate edge may join two nodes.
package connection

import (
	"strings"

	"github.com/rendis/promptflow/internal/heuristics"
	"github.com/rendis/promptflow/internal/variables"
	"github.com/rendis/promptflow/pkg/schema"
)

// Predicate is an optional condition on a node pair.
type Predicate func(source, target *schema.FlowNode) bool

// ConnectionRule attaches an advisory to a (source type, target type) pair
// when its Condition holds. A nil Condition always holds.
type ConnectionRule struct {
	SourceType schema.NodeType
	TargetType schema.NodeType
	Condition  Predicate
	Suggestion string
}

// RuleSet is an immutable, ordered list of connection rules.
type RuleSet struct {
	rules []ConnectionRule
}

// NewRuleSet copies rules into a new rule set. Order is significant: the
// first matching rule wins.
func NewRuleSet(rules ...ConnectionRule) *RuleSet {
	return &RuleSet{rules: append([]ConnectionRule(nil), rules...)}
}

// Rules returns a copy of the rules.
func (rs *RuleSet) Rules() []ConnectionRule {
	if rs == nil {
		return nil
	}
	return append([]ConnectionRule(nil), rs.rules...)
}

// Match returns the suggestion of the first rule whose types match and whose
// condition holds.
func (rs *RuleSet) Match(source, target *schema.FlowNode) (string, bool) {
	if rs == nil {
		return "", false
	}
	for _, r := range rs.rules {
		if r.SourceType != source.Type || r.TargetType != target.Type {
			continue
		}
		if r.Condition == nil || r.Condition(source, target) {
			return r.Suggestion, true
		}
	}
	return "", false
}

// DefaultRuleSet returns the built-in advisories.
func DefaultRuleSet() *RuleSet {
	return DefaultRuleSetWith(heuristics.Default())
}

// DefaultRuleSetWith builds the built-in advisories over h.
func DefaultRuleSetWith(h heuristics.Heuristics) *RuleSet {
	return NewRuleSet(
		ConnectionRule{
			SourceType: schema.NodeTypeVariable,
			TargetType: schema.NodeTypePrompt,
			Condition: func(source, target *schema.FlowNode) bool {
				v, okV := source.Data.(*schema.VariableData)
				p, okP := target.Data.(*schema.PromptData)
				return okV && okP && v.Name != "" && !promptUses(p, v.Name)
			},
			Suggestion: "The prompt does not reference this variable; add a {{name}} placeholder to use it.",
		},
		ConnectionRule{
			SourceType: schema.NodeTypePrompt,
			TargetType: schema.NodeTypeForEach,
			Condition: func(source, _ *schema.FlowNode) bool {
				p, ok := source.Data.(*schema.PromptData)
				return ok && !h.ListShaped(p)
			},
			Suggestion: "Set the prompt's expected format to a structured list so the loop receives items.",
		},
		ConnectionRule{
			SourceType: schema.NodeTypeVariable,
			TargetType: schema.NodeTypeForEach,
			Condition: func(source, _ *schema.FlowNode) bool {
				v, ok := source.Data.(*schema.VariableData)
				return ok && !h.CollectionLike(v)
			},
			Suggestion: "This variable does not look like a collection; for-each expects a list.",
		},
		ConnectionRule{
			SourceType: schema.NodeTypeTransform,
			TargetType: schema.NodeTypeForEach,
			Condition: func(source, _ *schema.FlowNode) bool {
				t, ok := source.Data.(*schema.TransformData)
				return ok && !h.SplitLike(t)
			},
			Suggestion: "Use a split transform to turn text into items before iterating.",
		},
		ConnectionRule{
			SourceType: schema.NodeTypePrompt,
			TargetType: schema.NodeTypePrompt,
			Suggestion: "The second prompt receives the first response; reference it with a placeholder.",
		},
	)
}

func promptUses(p *schema.PromptData, name string) bool {
	for _, v := range p.Variables {
		if v == name {
			return true
		}
	}
	for _, v := range variables.Placeholders(p.Content) {
		if v == name {
			return true
		}
	}
	return strings.Contains(p.SystemMessage, "{{"+name+"}}")
}
