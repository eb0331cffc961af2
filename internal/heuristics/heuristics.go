// Package heuristics holds the keyword tests that classify node content as
// list-shaped, analytical, collection-like or split-like. Connection rules and
// the suggestion engine share one Heuristics value so they never disagree.
package heuristics

import (
	"strings"

	"github.com/rendis/promptflow/pkg/schema"
)

// Heuristics is an immutable set of keyword lists. All matching is
// case-insensitive substring matching.
type Heuristics struct {
	ListKeywords      []string
	AnalysisKeywords  []string
	CollectionHints   []string
	SplitCodeKeywords []string
	// MinListElements is the element count above which comma-separated
	// text counts as a collection.
	MinListElements int
}

// Default returns the built-in keyword lists.
func Default() Heuristics {
	return Heuristics{
		ListKeywords:      []string{"list", "items", "bullet", "numbered"},
		AnalysisKeywords:  []string{"analyze", "sentiment", "classify", "categorize"},
		CollectionHints:   []string{"list", "array", "items"},
		SplitCodeKeywords: []string{"split", "map"},
		MinListElements:   2,
	}
}

// ListShaped reports whether a prompt's output is expected to be a list.
func (h Heuristics) ListShaped(p *schema.PromptData) bool {
	if p == nil {
		return false
	}
	if schema.IsStructuredList(p.ExpectedFormat) {
		return true
	}
	return containsAny(p.Content, h.ListKeywords)
}

// Analytical reports whether a prompt classifies or analyzes its input.
func (h Heuristics) Analytical(p *schema.PromptData) bool {
	return p != nil && containsAny(p.Content, h.AnalysisKeywords)
}

// CollectionLike reports whether a variable's name or default value denotes
// a collection.
func (h Heuristics) CollectionLike(v *schema.VariableData) bool {
	if v == nil {
		return false
	}
	if containsAny(v.Name, h.CollectionHints) {
		return true
	}
	return h.CollectionText(v.DefaultValue)
}

// CollectionText reports whether text is bracket-delimited or
// comma-separated with more than MinListElements elements.
func (h Heuristics) CollectionText(text string) bool {
	s := strings.TrimSpace(text)
	if s == "" {
		return false
	}
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		return true
	}
	return strings.Count(s, ",")+1 > h.MinListElements
}

// SplitLike reports whether a transform splits its input into items.
func (h Heuristics) SplitLike(t *schema.TransformData) bool {
	if t == nil {
		return false
	}
	if t.TransformType == schema.TransformSplit {
		return true
	}
	return containsAny(t.Code, h.SplitCodeKeywords)
}

func containsAny(text string, keywords []string) bool {
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, k := range keywords {
		if k != "" && strings.Contains(lower, strings.ToLower(k)) {
			return true
		}
	}
	return false
}
