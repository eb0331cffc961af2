package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/promptflow/pkg/schema"
)

const flowSchemaURL = "https://promptflow.dev/schemas/flow.json"

// flowSchemaJSON is the JSON Schema for PromptFlow documents. Node data is
// checked per node type.
const flowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://promptflow.dev/schemas/flow.json",
  "type": "object",
  "required": ["id", "nodes", "edges"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "name": { "type": "string" },
    "nodes": { "type": "array", "items": { "$ref": "#/$defs/node" } },
    "edges": { "type": "array", "items": { "$ref": "#/$defs/edge" } },
    "updatedAt": { "type": "string" }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "type", "position", "data"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": {
          "enum": ["prompt", "variable", "conditional", "transform", "output", "forEach", "template", "llmCall"]
        },
        "position": {
          "type": "object",
          "required": ["x", "y"],
          "properties": { "x": { "type": "number" }, "y": { "type": "number" } },
          "additionalProperties": false
        },
        "data": { "type": "object" }
      },
      "additionalProperties": false,
      "allOf": [
        { "if": { "properties": { "type": { "const": "prompt" } } },
          "then": { "properties": { "data": { "$ref": "#/$defs/prompt" } } } },
        { "if": { "properties": { "type": { "const": "variable" } } },
          "then": { "properties": { "data": { "$ref": "#/$defs/variable" } } } },
        { "if": { "properties": { "type": { "const": "conditional" } } },
          "then": { "properties": { "data": { "$ref": "#/$defs/conditional" } } } },
        { "if": { "properties": { "type": { "const": "transform" } } },
          "then": { "properties": { "data": { "$ref": "#/$defs/transform" } } } },
        { "if": { "properties": { "type": { "const": "forEach" } } },
          "then": { "properties": { "data": { "$ref": "#/$defs/forEach" } } } },
        { "if": { "properties": { "type": { "const": "llmCall" } } },
          "then": { "properties": { "data": { "$ref": "#/$defs/llmCall" } } } }
      ]
    },
    "edge": {
      "type": "object",
      "required": ["id", "source", "target"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "source": { "type": "string", "minLength": 1 },
        "target": { "type": "string", "minLength": 1 },
        "sourceHandle": { "type": "string" },
        "targetHandle": { "type": "string" }
      },
      "additionalProperties": false
    },
    "parameters": {
      "type": "object",
      "properties": {
        "temperature": { "type": "number", "minimum": 0, "maximum": 2 },
        "maxTokens": { "type": "integer", "minimum": 0 },
        "topP": { "type": "number", "minimum": 0, "maximum": 1 }
      }
    },
    "names": { "type": ["array", "null"], "items": { "type": "string" } },
    "prompt": {
      "properties": {
        "content": { "type": "string" },
        "parameters": { "$ref": "#/$defs/parameters" },
        "variables": { "$ref": "#/$defs/names" }
      }
    },
    "variable": {
      "required": ["name"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "type": { "enum": ["string", "number", "boolean", "json"] }
      }
    },
    "conditional": {
      "required": ["condition"],
      "properties": {
        "condition": {
          "type": "object",
          "required": ["operator"],
          "properties": {
            "leftOperand": { "type": "string" },
            "operator": { "enum": ["equals", "contains", "greater_than", "less_than", "exists"] },
            "rightOperand": { "type": "string" }
          }
        }
      }
    },
    "transform": {
      "required": ["transformType"],
      "properties": {
        "transformType": { "type": "string", "minLength": 1 },
        "code": { "type": "string" },
        "parameters": { "type": ["object", "null"] }
      }
    },
    "forEach": {
      "properties": {
        "sourceVariable": { "type": "string" },
        "itemVariable": { "type": "string" },
        "iterationMode": { "enum": ["sequential", "parallel"] },
        "itemProperties": { "$ref": "#/$defs/names" }
      }
    },
    "llmCall": {
      "properties": {
        "parameters": { "$ref": "#/$defs/parameters" },
        "variables": { "$ref": "#/$defs/names" }
      }
    }
  }
}`

// JSONSchemaValidator checks flow documents against the flow JSON Schema
// (Draft 2020-12). It is safe for concurrent use.
type JSONSchemaValidator struct {
	flowSchema *jsonschema.Schema
}

// NewJSONSchemaValidator compiles the flow schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(flowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal flow schema: %w", err)
	}
	if err := c.AddResource(flowSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add flow schema resource: %w", err)
	}
	compiled, err := c.Compile(flowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile flow schema: %w", err)
	}
	return &JSONSchemaValidator{flowSchema: compiled}, nil
}

// ValidateDocument validates raw flow JSON before it is decoded.
func (v *JSONSchemaValidator) ValidateDocument(raw []byte) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "flow document is not valid JSON").WithCause(err)
	}
	if err := v.flowSchema.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// ValidateFlow validates an in-memory flow by its JSON encoding, then checks
// what JSON Schema cannot express: unique node and edge ids.
func (v *JSONSchemaValidator) ValidateFlow(flow *schema.PromptFlow) error {
	if flow == nil {
		return schema.NewError(schema.ErrCodeValidation, "flow is nil")
	}
	raw, err := json.Marshal(flow)
	if err != nil {
		var fe *schema.FlowError
		if errors.As(err, &fe) {
			return fe
		}
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize flow").WithCause(err)
	}
	if err := v.ValidateDocument(raw); err != nil {
		return err
	}

	nodes := make(map[string]struct{}, len(flow.Nodes))
	for _, n := range flow.Nodes {
		if _, dup := nodes[n.ID]; dup {
			return schema.NewErrorf(schema.ErrCodeDuplicateID, "duplicate node id %q", n.ID).WithNode(n.ID)
		}
		nodes[n.ID] = struct{}{}
	}
	edges := make(map[string]struct{}, len(flow.Edges))
	for _, e := range flow.Edges {
		if _, dup := edges[e.ID]; dup {
			return schema.NewErrorf(schema.ErrCodeDuplicateID, "duplicate edge id %q", e.ID)
		}
		edges[e.ID] = struct{}{}
	}
	return nil
}

// toFlowError converts a jsonschema.ValidationError into a FlowError whose
// details list every leaf violation with its instance location.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	msg := violations[0]
	if len(violations) > 1 {
		msg = fmt.Sprintf("flow document has %d schema violations", len(violations))
	}
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
