package connection

import (
	"log/slog"

	"github.com/rendis/promptflow/pkg/schema"
)

// Topology answers reachability over the edges already in a graph.
type Topology interface {
	Reachable(from, to string) bool
}

// Validator checks candidate edges. It holds no mutable state and is safe
// for concurrent use.
type Validator struct {
	rules  *RuleSet
	compat *CompatibilityTable
	logger *slog.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithLogger sets the logger used for rejected connections.
func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) { v.logger = l }
}

// NewValidator creates a Validator. A nil rules or compat disables that stage.
func NewValidator(rules *RuleSet, compat *CompatibilityTable, opts ...Option) *Validator {
	v := &Validator{rules: rules, compat: compat, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate checks a candidate edge from source to target. Checks run in
// order and stop at the first failure: self-loop, cycle, compatibility.
// A passing edge may carry the advisory of the first matching rule.
// Handles are recorded in logs only.
func (v *Validator) Validate(topo Topology, source, target *schema.FlowNode, sourceHandle, targetHandle string) schema.ConnectionResult {
	if source == nil || target == nil {
		return schema.Rejected(schema.ErrCodeNodeNotFound, "connection endpoints must exist.")
	}

	if source.ID == target.ID {
		return v.reject(source, target, sourceHandle, targetHandle, schema.ErrCodeSelfLoop, "self-loop not permitted.")
	}

	if topo != nil && topo.Reachable(target.ID, source.ID) {
		return v.reject(source, target, sourceHandle, targetHandle, schema.ErrCodeCycleDetected,
			"connection would create a cycle: "+target.ID+" already leads to "+source.ID+".")
	}

	if ok, msg := v.compat.Check(source, target); !ok {
		return v.reject(source, target, sourceHandle, targetHandle, schema.ErrCodeIncompatible, msg)
	}

	res := schema.Allowed()
	if s, ok := v.rules.Match(source, target); ok {
		res.Suggestion = s
	}
	return res
}

func (v *Validator) reject(source, target *schema.FlowNode, sh, th, code, msg string) schema.ConnectionResult {
	v.logger.Debug("connection rejected",
		slog.String("source", source.ID),
		slog.String("target", target.ID),
		slog.String("source_handle", sh),
		slog.String("target_handle", th),
		slog.String("code", code),
	)
	return schema.Rejected(code, msg)
}
