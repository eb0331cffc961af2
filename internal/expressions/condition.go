package expressions

import (
	"context"
	"strings"

	"github.com/rendis/promptflow/pkg/schema"
)

// conditionPrograms maps each operator to an expr program over the rendered
// operands, bound as left and right.
var conditionPrograms = map[schema.Operator]string{
	schema.OperatorEquals:      `left == right`,
	schema.OperatorContains:    `left contains right`,
	schema.OperatorGreaterThan: `float(left) > float(right)`,
	schema.OperatorLessThan:    `float(left) < float(right)`,
	schema.OperatorExists:      `trim(left) != ""`,
}

// ConditionExpression returns the expr program for a conditional node.
func ConditionExpression(c schema.Condition) (string, error) {
	prog, ok := conditionPrograms[c.Operator]
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "unknown operator %q", c.Operator)
	}
	return prog, nil
}

// EvaluateCondition renders both operands against vars and evaluates the
// condition with the expr engine. Unbound placeholders render empty, so
// "exists" is false for a missing variable.
func EvaluateCondition(ctx context.Context, engine *ExprEngine, c schema.Condition, vars map[string]any) (bool, error) {
	prog, err := ConditionExpression(c)
	if err != nil {
		return false, err
	}

	left, _ := Interpolate(c.LeftOperand, vars)
	right, _ := Interpolate(c.RightOperand, vars)

	out, err := engine.Evaluate(ctx, prog, map[string]any{
		"left":  strings.TrimSpace(left),
		"right": strings.TrimSpace(right),
	})
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExpression, "condition returned %T, want bool", out)
	}
	return b, nil
}
