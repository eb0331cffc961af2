package connection

import (
	"github.com/rendis/promptflow/pkg/schema"
)

// AnyType matches every node type in a compatibility entry.
const AnyType schema.NodeType = "*"

// Compatibility reports whether source may feed target. A false result
// carries the message shown to the user.
type Compatibility func(source, target *schema.FlowNode) (ok bool, message string)

// CompatibilityRule restricts one (source type, target type) pair. Either
// side may be AnyType.
type CompatibilityRule struct {
	SourceType schema.NodeType
	TargetType schema.NodeType
	Check      Compatibility
}

// CompatibilityTable is an immutable set of pair restrictions. Pairs with no
// entry are compatible.
type CompatibilityTable struct {
	rules []CompatibilityRule
}

// NewCompatibilityTable copies rules into a new table.
func NewCompatibilityTable(rules ...CompatibilityRule) *CompatibilityTable {
	return &CompatibilityTable{rules: append([]CompatibilityRule(nil), rules...)}
}

// Check runs every entry that applies to the pair in table order and returns
// the first rejection.
func (t *CompatibilityTable) Check(source, target *schema.FlowNode) (bool, string) {
	if t == nil {
		return true, ""
	}
	for _, r := range t.rules {
		if !typeMatches(r.SourceType, source.Type) || !typeMatches(r.TargetType, target.Type) {
			continue
		}
		if ok, msg := r.Check(source, target); !ok {
			return false, msg
		}
	}
	return true, ""
}

func typeMatches(pattern, t schema.NodeType) bool {
	return pattern == AnyType || pattern == t
}

// DefaultCompatibility returns the built-in restrictions.
func DefaultCompatibility() *CompatibilityTable {
	return NewCompatibilityTable(
		CompatibilityRule{
			SourceType: schema.NodeTypeOutput,
			TargetType: AnyType,
			Check: func(_, _ *schema.FlowNode) (bool, string) {
				return false, "output nodes have no outgoing connections."
			},
		},
		CompatibilityRule{
			SourceType: AnyType,
			TargetType: schema.NodeTypeVariable,
			Check: func(_, _ *schema.FlowNode) (bool, string) {
				return false, "variable nodes accept no incoming connections."
			},
		},
		CompatibilityRule{
			SourceType: schema.NodeTypeVariable,
			TargetType: schema.NodeTypeForEach,
			Check: func(source, target *schema.FlowNode) (bool, string) {
				v, okV := source.Data.(*schema.VariableData)
				f, okF := target.Data.(*schema.ForEachData)
				if !okV || !okF || f.SourceVariable == "" || f.SourceVariable == v.Name {
					return true, ""
				}
				return false, "for-each iterates " + f.SourceVariable + ", not " + v.Name + "."
			},
		},
	)
}
