package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/rendis/promptflow/internal/expressions"
	"github.com/rendis/promptflow/pkg/schema"
)

// RuleFile is the YAML layout of a connection rule file:
//
//	rules:
//	  - source: variable
//	    target: prompt
//	    when: '!(source.data.name in target.data.variables)'
//	    suggestion: Reference the variable in the prompt.
type RuleFile struct {
	Rules []RuleSpec `yaml:"rules" validate:"required,min=1,dive"`
}

// RuleSpec is one rule in a RuleFile. When is a CEL predicate over the node
// documents bound as source and target.
type RuleSpec struct {
	Source     string `yaml:"source" validate:"required,node_type"`
	Target     string `yaml:"target" validate:"required,node_type"`
	When       string `yaml:"when,omitempty"`
	Suggestion string `yaml:"suggestion" validate:"required,max=500"`
}

var ruleValidate = newRuleValidate()

func newRuleValidate() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("node_type", func(fl validator.FieldLevel) bool {
		return schema.NodeType(fl.Field().String()).Valid()
	})
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// LoadRuleSet reads a YAML rule file, validates it and compiles every when
// expression. Rule order in the file is preserved.
func LoadRuleSet(r io.Reader) (*RuleSet, error) {
	var file RuleFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, schema.NewError(schema.ErrCodeValidation, "rule file is empty")
		}
		return nil, schema.NewError(schema.ErrCodeValidation, "decode rule file").WithCause(err)
	}

	if err := ruleValidate.Struct(&file); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, describeRuleErrors(err)).WithCause(err)
	}

	cel, err := expressions.NewCELEngine("source", "target")
	if err != nil {
		return nil, err
	}

	rules := make([]ConnectionRule, 0, len(file.Rules))
	for i, spec := range file.Rules {
		rule := ConnectionRule{
			SourceType: schema.NodeType(spec.Source),
			TargetType: schema.NodeType(spec.Target),
			Suggestion: spec.Suggestion,
		}
		if spec.When != "" {
			if err := cel.Check(spec.When); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "rules[%d].when: %s", i, err.Error()).WithCause(err)
			}
			rule.Condition = celPredicate(cel, spec.When)
		}
		rules = append(rules, rule)
	}
	return NewRuleSet(rules...), nil
}

// celPredicate evaluates a compiled rule condition. Evaluation errors and
// non-boolean results count as "does not hold".
func celPredicate(cel *expressions.CELEngine, when string) Predicate {
	return func(source, target *schema.FlowNode) bool {
		ok, err := cel.EvaluateBool(context.Background(), when, map[string]any{
			"source": expressions.NodeDocument(source),
			"target": expressions.NodeDocument(target),
		})
		return err == nil && ok
	}
}

func describeRuleErrors(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "RuleFile.")
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "node_type":
			msgs = append(msgs, fmt.Sprintf("%s: unknown node type %q", field, fe.Value()))
		case "min":
			msgs = append(msgs, field+" must not be empty")
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return "invalid rule file: " + strings.Join(msgs, "; ")
}
