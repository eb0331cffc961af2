package schema

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationSeverity tells errors, which block saving and running a flow,
// from warnings, which never do.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue locates one problem in a flow document. Path follows the
// document layout with ids in brackets, e.g. "nodes[n1].data.condition" or
// "edges[e2].target".
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// NodeID returns the node an issue points at, or "" for issues on edges or
// the flow itself.
func (i ValidationIssue) NodeID() string {
	rest, ok := strings.CutPrefix(i.Path, "nodes[")
	if !ok {
		return ""
	}
	id, _, ok := strings.Cut(rest, "]")
	if !ok {
		return ""
	}
	return id
}

// ValidationResult collects issues from every validation stage in the order
// they were found, so validating an unchanged flow reports identically.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

func (r *ValidationResult) Valid() bool { return len(r.Errors) == 0 }

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityError})
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityWarning})
}

// Merge appends the issues of a later stage.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other != nil {
		r.Errors = append(r.Errors, other.Errors...)
		r.Warnings = append(r.Warnings, other.Warnings...)
	}
}

// ToError folds the errors into one FlowError, or returns nil for a valid
// result. A single error keeps its own code and node; several collapse into
// VALIDATION_ERROR with the affected node ids in the details.
func (r *ValidationResult) ToError() error {
	switch len(r.Errors) {
	case 0:
		return nil
	case 1:
		only := r.Errors[0]
		code := only.Code
		if code == "" {
			code = ErrCodeValidation
		}
		return NewError(code, only.Message).WithNode(only.NodeID()).WithDetails(r.details())
	default:
		msg := fmt.Sprintf("flow validation failed with %d errors", len(r.Errors))
		return NewError(ErrCodeValidation, msg).WithDetails(r.details())
	}
}

func (r *ValidationResult) details() map[string]any {
	var nodes []string
	for _, issue := range r.Errors {
		if id := issue.NodeID(); id != "" && !slices.Contains(nodes, id) {
			nodes = append(nodes, id)
		}
	}
	d := map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	}
	if len(nodes) > 0 {
		d["node_ids"] = nodes
	}
	return d
}
