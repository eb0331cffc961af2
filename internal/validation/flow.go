package validation

import (
	"github.com/rendis/promptflow/internal/expressions"
	"github.com/rendis/promptflow/pkg/schema"
)

// FlowValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema, unique ids)
// 2. Semantic (edge references, node payloads, expression compilation)
// 3. DAG (cycles, disconnected nodes)
type FlowValidator struct {
	jsonSchema *JSONSchemaValidator
	exprEng    *expressions.ExprEngine
	jqEng      *expressions.GoJQEngine
}

// NewFlowValidator creates a FlowValidator. Nil engines get fresh instances.
func NewFlowValidator(exprEng *expressions.ExprEngine, jqEng *expressions.GoJQEngine) (*FlowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	if exprEng == nil {
		exprEng = expressions.NewExprEngine()
	}
	if jqEng == nil {
		jqEng = expressions.NewGoJQEngine()
	}
	return &FlowValidator{jsonSchema: jsv, exprEng: exprEng, jqEng: jqEng}, nil
}

// Validate runs the pipeline and returns an aggregated result. Structural
// errors short-circuit the later stages, and semantic errors skip the DAG stage.
func (fv *FlowValidator) Validate(flow *schema.PromptFlow) *schema.ValidationResult {
	if flow == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "flow is nil")
		return r
	}

	result := validateStructural(fv.jsonSchema, flow)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(flow, fv.exprEng, fv.jqEng))

	if result.Valid() {
		result.Merge(validateDAG(flow))
	}
	return result
}

// ValidateFlow satisfies the Validator interface.
func (fv *FlowValidator) ValidateFlow(flow *schema.PromptFlow) error {
	return fv.Validate(flow).ToError()
}

// ValidateDocument decodes raw flow JSON and runs the full pipeline on it.
func (fv *FlowValidator) ValidateDocument(doc []byte) error {
	if err := fv.jsonSchema.ValidateDocument(doc); err != nil {
		return err
	}
	flow, err := schema.DecodeFlow(doc)
	if err != nil {
		return err
	}
	return fv.ValidateFlow(flow)
}

// validateStructural converts JSONSchemaValidator errors into issues, one per
// schema violation.
func validateStructural(v *JSONSchemaValidator, flow *schema.PromptFlow) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateFlow(flow)
	if err == nil {
		return result
	}

	fe, ok := err.(*schema.FlowError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := fe.Details["violations"].([]string); ok {
		for _, msg := range violations {
			result.AddError("/", fe.Code, msg)
		}
		return result
	}
	path := "/"
	if fe.NodeID != "" {
		path = "nodes[" + fe.NodeID + "]"
	}
	result.AddError(path, fe.Code, fe.Message)
	return result
}

var _ Validator = (*FlowValidator)(nil)
