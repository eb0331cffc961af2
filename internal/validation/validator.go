package validation

import "github.com/rendis/promptflow/pkg/schema"

// Validator checks flows for correctness before they are saved or executed.
type Validator interface {
	ValidateFlow(flow *schema.PromptFlow) error
	ValidateDocument(doc []byte) error
}
