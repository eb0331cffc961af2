package binder

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rendis/promptflow/pkg/schema"
)

// InputKind is the form control used to collect a variable.
type InputKind string

const (
	InputText     InputKind = "text"
	InputNumber   InputKind = "number"
	InputCheckbox InputKind = "checkbox"
	InputJSON     InputKind = "json"
)

// KindFor maps a declared variable type to its input kind. Unknown types
// collect text.
func KindFor(t schema.VariableType) InputKind {
	switch t {
	case schema.VariableTypeNumber:
		return InputNumber
	case schema.VariableTypeBoolean:
		return InputCheckbox
	case schema.VariableTypeJSON:
		return InputJSON
	default:
		return InputText
	}
}

// Input is one rendered field of the binder form.
type Input struct {
	Name        string              `json:"name"`
	Kind        InputKind           `json:"kind"`
	Type        schema.VariableType `json:"type"`
	Value       string              `json:"value"`
	Required    bool                `json:"required"`
	Description string              `json:"description,omitempty"`
	Source      schema.Provenance   `json:"source"`
}

// FieldErrors maps a variable name to its validation message.
type FieldErrors map[string]string

// Validate checks every variable against its raw value and reports all
// failures at once.
func Validate(vars []schema.FlowVariable, values map[string]string) FieldErrors {
	errs := FieldErrors{}
	for _, v := range vars {
		raw := values[v.Name]
		empty := strings.TrimSpace(raw) == ""
		switch {
		case v.Required && empty:
			errs[v.Name] = fmt.Sprintf("%s is required", v.Name)
		case empty:
		case v.Type == schema.VariableTypeNumber:
			if _, ok := parseNumber(raw); !ok {
				errs[v.Name] = fmt.Sprintf("%s must be a number", v.Name)
			}
		case v.Type == schema.VariableTypeJSON:
			if !json.Valid([]byte(raw)) {
				errs[v.Name] = fmt.Sprintf("%s must be valid JSON", v.Name)
			}
		}
	}
	return errs
}

// Coerce converts validated raw values to their declared types. Strings pass
// through unchanged; empty optional values of other types become nil.
func Coerce(vars []schema.FlowVariable, values map[string]string) (map[string]any, error) {
	out := make(map[string]any, len(vars))
	for _, v := range vars {
		raw := values[v.Name]
		if v.Type != schema.VariableTypeString && v.Type.Valid() && strings.TrimSpace(raw) == "" {
			if v.Type == schema.VariableTypeBoolean {
				out[v.Name] = false
				continue
			}
			out[v.Name] = nil
			continue
		}
		switch v.Type {
		case schema.VariableTypeNumber:
			n, ok := parseNumber(raw)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s must be a number", v.Name)
			}
			out[v.Name] = n
		case schema.VariableTypeBoolean:
			out[v.Name] = parseBool(raw)
		case schema.VariableTypeJSON:
			var decoded any
			if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s must be valid JSON", v.Name).WithCause(err)
			}
			out[v.Name] = decoded
		default:
			out[v.Name] = raw
		}
	}
	return out, nil
}

func parseNumber(raw string) (float64, bool) {
	n, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}

// parseBool accepts strconv forms plus on/off and yes/no. Any other non-empty
// text counts as true.
func parseBool(raw string) bool {
	s := strings.ToLower(strings.TrimSpace(raw))
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	switch s {
	case "on", "yes":
		return true
	case "", "off", "no":
		return false
	}
	return true
}
