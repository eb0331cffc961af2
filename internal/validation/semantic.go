package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rendis/promptflow/internal/expressions"
	"github.com/rendis/promptflow/internal/variables"
	"github.com/rendis/promptflow/pkg/schema"
)

var identifier = regexp.MustCompile(`^\w+$`)

// compiler is the compile-only view of an expression engine.
type compiler interface {
	Check(expression string) error
}

// validateSemantic checks edge references and every node payload.
func validateSemantic(flow *schema.PromptFlow, exprEng, jqEng compiler) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodeIDs := make(map[string]bool, len(flow.Nodes))
	for _, n := range flow.Nodes {
		nodeIDs[n.ID] = true
	}

	hasInput := make(map[string]bool, len(flow.Nodes))
	type edgeKey struct{ s, t, sh, th string }
	seen := make(map[edgeKey]bool, len(flow.Edges))
	for _, e := range flow.Edges {
		path := fmt.Sprintf("edges[%s]", e.ID)
		if !nodeIDs[e.Source] {
			result.AddError(path+".source", schema.ErrCodeNodeNotFound,
				fmt.Sprintf("references non-existent node %q", e.Source))
		}
		if !nodeIDs[e.Target] {
			result.AddError(path+".target", schema.ErrCodeNodeNotFound,
				fmt.Sprintf("references non-existent node %q", e.Target))
		}
		if e.Source == e.Target {
			result.AddError(path, schema.ErrCodeSelfLoop, "self-loop not permitted.")
		}
		hasInput[e.Target] = true
		k := edgeKey{e.Source, e.Target, e.SourceHandle, e.TargetHandle}
		if seen[k] {
			result.AddError(path, schema.ErrCodeDuplicateEdge,
				fmt.Sprintf("duplicate connection %s -> %s", e.Source, e.Target))
		}
		seen[k] = true
	}

	resolved := make(map[string]bool)
	for _, v := range variables.Resolve(flow) {
		resolved[v.Name] = true
	}

	declaredBy := make(map[string]string)
	for i := range flow.Nodes {
		n := &flow.Nodes[i]
		if n.Data == nil {
			continue
		}
		sv := &semanticVisitor{
			path:       fmt.Sprintf("nodes[%s].data", n.ID),
			result:     result,
			exprEng:    exprEng,
			jqEng:      jqEng,
			resolved:   resolved,
			declaredBy: declaredBy,
			nodeID:     n.ID,
			hasInput:   hasInput[n.ID],
		}
		_ = n.Data.Accept(sv)
	}

	for _, name := range variables.Undeclared(flow) {
		result.AddWarning("variables."+name, schema.ErrCodeValidation,
			fmt.Sprintf("variable %q is referenced but has no variable node", name))
	}
	return result
}

// semanticVisitor checks one node payload. It never returns an error; issues
// are recorded on result.
type semanticVisitor struct {
	path       string
	nodeID     string
	result     *schema.ValidationResult
	exprEng    compiler
	jqEng      compiler
	resolved   map[string]bool
	declaredBy map[string]string
	hasInput   bool
}

func (v *semanticVisitor) VisitPrompt(d *schema.PromptData) error {
	if strings.TrimSpace(d.Content) == "" {
		v.result.AddWarning(v.path+".content", schema.ErrCodeValidation, "prompt content is empty")
	}
	v.checkNames(".variables", d.Variables)
	return nil
}

func (v *semanticVisitor) VisitVariable(d *schema.VariableData) error {
	if !identifier.MatchString(d.Name) {
		v.result.AddError(v.path+".name", schema.ErrCodeValidation,
			fmt.Sprintf("variable name %q must contain only letters, digits and underscores", d.Name))
		return nil
	}
	if other, dup := v.declaredBy[d.Name]; dup {
		v.result.AddWarning(v.path+".name", schema.ErrCodeValidation,
			fmt.Sprintf("variable %q is also declared by node %s; the first declaration wins", d.Name, other))
	} else {
		v.declaredBy[d.Name] = v.nodeID
	}
	return nil
}

func (v *semanticVisitor) VisitConditional(d *schema.ConditionalData) error {
	if strings.TrimSpace(d.Condition.LeftOperand) == "" {
		v.result.AddError(v.path+".condition.leftOperand", schema.ErrCodeValidation, "left operand is required")
	}
	needsRight := d.Condition.Operator != schema.OperatorExists
	if needsRight && strings.TrimSpace(d.Condition.RightOperand) == "" {
		v.result.AddWarning(v.path+".condition.rightOperand", schema.ErrCodeValidation,
			fmt.Sprintf("%s compares against an empty right operand", d.Condition.Operator))
	}
	prog, err := expressions.ConditionExpression(d.Condition)
	if err != nil {
		v.result.AddError(v.path+".condition.operator", schema.ErrCodeValidation, err.Error())
		return nil
	}
	if v.exprEng != nil {
		if err := v.exprEng.Check(prog); err != nil {
			v.result.AddError(v.path+".condition", schema.ErrCodeExpression, err.Error())
		}
	}
	return nil
}

func (v *semanticVisitor) VisitTransform(d *schema.TransformData) error {
	switch d.TransformType {
	case schema.TransformCustom:
		v.checkCode(d.Code, v.exprEng, "expr")
	case schema.TransformJQ:
		v.checkCode(d.Code, v.jqEng, "jq")
	case schema.TransformSplit:
		if sep, ok := d.Parameters["separator"]; ok {
			if s, isStr := sep.(string); !isStr || s == "" {
				v.result.AddError(v.path+".parameters.separator", schema.ErrCodeValidation,
					"split separator must be a non-empty string")
			}
		}
	case schema.TransformFormat:
	default:
		v.result.AddWarning(v.path+".transformType", schema.ErrCodeValidation,
			fmt.Sprintf("transform type %q is not built in and will pass input through", d.TransformType))
	}
	return nil
}

func (v *semanticVisitor) VisitOutput(d *schema.OutputData) error {
	if strings.TrimSpace(d.Template) == "" {
		v.result.AddWarning(v.path+".template", schema.ErrCodeValidation,
			"output template is empty; the upstream value is emitted as is")
	}
	return nil
}

func (v *semanticVisitor) VisitForEach(d *schema.ForEachData) error {
	switch {
	case d.SourceVariable == "":
		v.result.AddError(v.path+".sourceVariable", schema.ErrCodeValidation, "source variable is required")
	case !v.resolved[d.SourceVariable] && !v.hasInput:
		v.result.AddError(v.path+".sourceVariable", schema.ErrCodeValidation,
			fmt.Sprintf("source variable %q is not defined in the flow and no node feeds the loop", d.SourceVariable))
	}
	if d.ItemVariable == "" {
		v.result.AddWarning(v.path+".itemVariable", schema.ErrCodeValidation,
			`item variable is empty; items are bound as "item"`)
	} else if d.ItemVariable == d.SourceVariable {
		v.result.AddError(v.path+".itemVariable", schema.ErrCodeValidation,
			"item variable must differ from the source variable")
	}
	return nil
}

func (v *semanticVisitor) VisitTemplate(d *schema.TemplateData) error {
	if d.TemplateID == "" && strings.TrimSpace(d.Content) == "" {
		v.result.AddWarning(v.path, schema.ErrCodeValidation, "template has neither a template id nor content")
	}
	v.checkNames(".variables", d.Variables)
	return nil
}

func (v *semanticVisitor) VisitLLMCall(d *schema.LLMCallData) error {
	if d.Provider == "" || d.Model == "" {
		v.result.AddWarning(v.path, schema.ErrCodeValidation, "llm call has no provider or model")
	}
	v.checkNames(".variables", d.Variables)
	return nil
}

func (v *semanticVisitor) checkNames(field string, names []string) {
	for i, name := range names {
		if !identifier.MatchString(name) {
			v.result.AddError(fmt.Sprintf("%s%s[%d]", v.path, field, i), schema.ErrCodeValidation,
				fmt.Sprintf("variable name %q must contain only letters, digits and underscores", name))
		}
	}
}

func (v *semanticVisitor) checkCode(code string, eng compiler, lang string) {
	if strings.TrimSpace(code) == "" {
		v.result.AddError(v.path+".code", schema.ErrCodeValidation, lang+" transform requires code")
		return
	}
	if eng == nil {
		return
	}
	if err := eng.Check(code); err != nil {
		v.result.AddError(v.path+".code", schema.ErrCodeExpression, err.Error())
	}
}
