package expressions

import "context"

// Engine evaluates expressions used by flow nodes and rule files.
// Three implementations: CEL (rule conditions), Expr (custom transforms and
// conditional nodes), GoJQ (jq transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
	// Check compiles the expression without evaluating it.
	Check(expression string) error
}
