package connection

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/promptflow/pkg/schema"
)

const ruleYAML = `
rules:
  - source: variable
    target: prompt
    when: '!(source.data.name in target.data.variables)'
    suggestion: Declare the variable on the prompt.
  - source: prompt
    target: output
    suggestion: Outputs render the final response.
`

func TestLoadRuleSet(t *testing.T) {
	rs, err := LoadRuleSet(strings.NewReader(ruleYAML))
	require.NoError(t, err)
	require.Len(t, rs.Rules(), 2)

	v := NewValidator(rs, DefaultCompatibility())
	variable := mk("v", &schema.VariableData{Name: "city"})

	res := v.Validate(nil, variable, mk("p", &schema.PromptData{Variables: []string{}}), "", "")
	assert.True(t, res.Valid)
	assert.Equal(t, "Declare the variable on the prompt.", res.Suggestion)

	res = v.Validate(nil, variable, mk("p", &schema.PromptData{Variables: []string{"city"}}), "", "")
	assert.Empty(t, res.Suggestion)

	res = v.Validate(nil, mk("p", &schema.PromptData{}), mk("o", &schema.OutputData{}), "", "")
	assert.Equal(t, "Outputs render the final response.", res.Suggestion)
}

func TestLoadRuleSet_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"empty", "", "empty"},
		{"no rules", "rules: []", "invalid rule file: rules"},
		{"unknown type", "rules:\n  - source: webhook\n    target: prompt\n    suggestion: x\n", `unknown node type "webhook"`},
		{"missing suggestion", "rules:\n  - source: prompt\n    target: output\n", "rules[0].suggestion is required"},
		{"unknown field", "rules:\n  - source: prompt\n    target: output\n    suggestion: x\n    priority: 3\n", "decode rule file"},
		{"bad cel", "rules:\n  - source: prompt\n    target: output\n    when: 'source.type =='\n    suggestion: x\n", "rules[0].when"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadRuleSet(strings.NewReader(tt.yaml))
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
