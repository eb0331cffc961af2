package suggest

import (
	"github.com/rendis/promptflow/pkg/schema"
)

func promptSuggestions(source *schema.FlowNode, env Env) []schema.FlowSuggestion {
	p, ok := source.Data.(*schema.PromptData)
	if !ok {
		return nil
	}
	var out []schema.FlowSuggestion

	if env.Heuristics.ListShaped(p) {
		items := env.Unique("items")
		item := env.Unique("item")
		out = append(out,
			schema.FlowSuggestion{
				NodeType:    schema.NodeTypeForEach,
				Reason:      "The prompt returns a list; iterate over each item.",
				Priority:    95,
				AutoConnect: true,
				DefaultConfig: &schema.ForEachData{
					SourceVariable: items,
					ItemVariable:   item,
					IterationMode:  schema.IterationSequential,
					ItemProperties: []string{},
				},
			},
			schema.FlowSuggestion{
				NodeType:    schema.NodeTypeTransform,
				Reason:      "Split the list response into separate items.",
				Priority:    90,
				AutoConnect: true,
				DefaultConfig: &schema.TransformData{
					TransformType: schema.TransformSplit,
					Parameters:    map[string]any{"separator": "\n"},
				},
			},
			schema.FlowSuggestion{
				NodeType: schema.NodeTypeConditional,
				Reason:   "Filter list items before further processing.",
				Priority: 85,
				DefaultConfig: &schema.ConditionalData{Condition: schema.Condition{
					LeftOperand: "{{" + item + "}}",
					Operator:    schema.OperatorExists,
				}},
			},
		)
	}

	if env.Heuristics.Analytical(p) {
		out = append(out, schema.FlowSuggestion{
			NodeType: schema.NodeTypeConditional,
			Reason:   "Branch on the analysis result.",
			Priority: 80,
			DefaultConfig: &schema.ConditionalData{Condition: schema.Condition{
				LeftOperand:  "{{" + env.Unique("result") + "}}",
				Operator:     schema.OperatorContains,
				RightOperand: "positive",
			}},
		})
	}

	return append(out, schema.FlowSuggestion{
		NodeType:      schema.NodeTypeOutput,
		Reason:        "Show the prompt response.",
		Priority:      70,
		AutoConnect:   true,
		DefaultConfig: &schema.OutputData{Format: "text", Template: "{{" + env.Unique("response") + "}}"},
	})
}

func variableSuggestions(source *schema.FlowNode, env Env) []schema.FlowSuggestion {
	v, ok := source.Data.(*schema.VariableData)
	if !ok {
		return nil
	}
	var out []schema.FlowSuggestion

	if env.Heuristics.CollectionLike(v) {
		out = append(out, schema.FlowSuggestion{
			NodeType:    schema.NodeTypeForEach,
			Reason:      "The variable holds a collection; iterate over its elements.",
			Priority:    95,
			AutoConnect: true,
			DefaultConfig: &schema.ForEachData{
				SourceVariable: v.Name,
				ItemVariable:   env.Unique(singular(v.Name)),
				IterationMode:  schema.IterationSequential,
				ItemProperties: []string{},
			},
		})
	}

	ref := "{{" + v.Name + "}}"
	return append(out,
		schema.FlowSuggestion{
			NodeType:    schema.NodeTypePrompt,
			Reason:      "Use the variable in a prompt.",
			Priority:    95,
			AutoConnect: true,
			DefaultConfig: &schema.PromptData{
				Content:   "Using " + ref + ", ",
				Variables: []string{v.Name},
			},
		},
		schema.FlowSuggestion{
			NodeType: schema.NodeTypeConditional,
			Reason:   "Check that the variable has a value.",
			Priority: 80,
			DefaultConfig: &schema.ConditionalData{Condition: schema.Condition{
				LeftOperand: ref,
				Operator:    schema.OperatorExists,
			}},
		},
	)
}

func conditionalSuggestions(source *schema.FlowNode, env Env) []schema.FlowSuggestion {
	if _, ok := source.Data.(*schema.ConditionalData); !ok {
		return nil
	}
	return []schema.FlowSuggestion{
		{
			NodeType:      schema.NodeTypePrompt,
			Reason:        "Handle this branch with a dedicated prompt.",
			Priority:      85,
			DefaultConfig: &schema.PromptData{Variables: []string{}},
		},
		{
			NodeType:      schema.NodeTypeTransform,
			Reason:        "Reshape data for this branch.",
			Priority:      80,
			DefaultConfig: &schema.TransformData{TransformType: schema.TransformFormat, Parameters: map[string]any{}},
		},
		{
			NodeType:      schema.NodeTypeOutput,
			Reason:        "End this branch with an output.",
			Priority:      75,
			DefaultConfig: &schema.OutputData{Format: "text"},
		},
	}
}

func transformSuggestions(source *schema.FlowNode, env Env) []schema.FlowSuggestion {
	t, ok := source.Data.(*schema.TransformData)
	if !ok {
		return nil
	}
	var out []schema.FlowSuggestion

	if env.Heuristics.SplitLike(t) {
		item := env.Unique("item")
		ref := "{{" + item + "}}"
		out = append(out,
			schema.FlowSuggestion{
				NodeType:    schema.NodeTypeConditional,
				Reason:      "Filter the split items.",
				Priority:    85,
				AutoConnect: true,
				DefaultConfig: &schema.ConditionalData{Condition: schema.Condition{
					LeftOperand: ref,
					Operator:    schema.OperatorExists,
				}},
			},
			schema.FlowSuggestion{
				NodeType:    schema.NodeTypePrompt,
				Reason:      "Process each item with a prompt.",
				Priority:    80,
				AutoConnect: true,
				DefaultConfig: &schema.PromptData{
					Content:   "For " + ref + ", ",
					Variables: []string{item},
				},
			},
		)
	}

	return append(out, schema.FlowSuggestion{
		NodeType:      schema.NodeTypeOutput,
		Reason:        "Show the transformed result.",
		Priority:      70,
		AutoConnect:   true,
		DefaultConfig: &schema.OutputData{Format: "text"},
	})
}
