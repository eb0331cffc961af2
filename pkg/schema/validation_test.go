package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
	assert.Nil(t, r.ToError())
}

func TestValidationResult_WarningsDoNotBlock(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("nodes[p1].data.content", ErrCodeValidation, "placeholder {{topic}} has no variable node")

	assert.True(t, r.Valid())
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
	assert.Nil(t, r.ToError())
}

func TestValidationResult_MergeKeepsOrder(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("nodes[a]", ErrCodeDuplicateID, "first")

	r2 := &ValidationResult{}
	r2.AddError("edges[e1]", ErrCodeCycleDetected, "second")
	r2.AddWarning("nodes[b]", ErrCodeValidation, "isolated")

	r1.Merge(r2)
	r1.Merge(nil)

	require.Len(t, r1.Errors, 2)
	assert.Equal(t, "first", r1.Errors[0].Message)
	assert.Equal(t, "second", r1.Errors[1].Message)
	assert.Len(t, r1.Warnings, 1)
}

func TestValidationResult_ToError_SingleErrorKeepsCode(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("edges", ErrCodeCycleDetected, "flow contains a cycle")

	err := r.ToError()
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeCycleDetected))

	var fe *FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "flow contains a cycle", fe.Message)
	assert.Equal(t, 1, fe.Details["error_count"])
}

func TestValidationResult_ToError_MultipleErrors(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("nodes[a]", ErrCodeDuplicateID, "err1")
	r.AddError("edges[e]", ErrCodeNodeNotFound, "err2")
	r.AddWarning("nodes[b]", ErrCodeValidation, "warn1")

	err := r.ToError()
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeValidation))

	var fe *FlowError
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, fe.Message, "2 errors")
	assert.Equal(t, 2, fe.Details["error_count"])
	assert.Equal(t, 1, fe.Details["warning_count"])
}

func TestValidationIssue_NodeID(t *testing.T) {
	assert.Equal(t, "p1", ValidationIssue{Path: "nodes[p1].data.content"}.NodeID())
	assert.Equal(t, "p1", ValidationIssue{Path: "nodes[p1]"}.NodeID())
	assert.Empty(t, ValidationIssue{Path: "edges[e1].source"}.NodeID())
	assert.Empty(t, ValidationIssue{Path: "nodes[broken"}.NodeID())
}

func TestValidationResult_ToError_CarriesNodes(t *testing.T) {
	single := &ValidationResult{}
	single.AddError("nodes[c1].data.condition", ErrCodeExpression, "bad operator")
	var fe *FlowError
	require.ErrorAs(t, single.ToError(), &fe)
	assert.Equal(t, "c1", fe.NodeID)
	assert.Equal(t, "[EXPRESSION_ERROR] node c1: bad operator", fe.Error())

	many := &ValidationResult{}
	many.AddError("nodes[a].data", ErrCodeValidation, "x")
	many.AddError("edges[e1]", ErrCodeSelfLoop, "y")
	many.AddError("nodes[b].data", ErrCodeValidation, "z")
	many.AddError("nodes[a].data.name", ErrCodeValidation, "w")
	require.ErrorAs(t, many.ToError(), &fe)
	assert.Empty(t, fe.NodeID)
	assert.Equal(t, []string{"a", "b"}, fe.Details["node_ids"])
}

func TestFlowError_Format(t *testing.T) {
	err := NewError(ErrCodeTypeMismatch, "data does not match node type").WithNode("n1")
	assert.Equal(t, "[TYPE_MISMATCH] node n1: data does not match node type", err.Error())

	plain := NewErrorf(ErrCodeNotFound, "flow %s not found", "f1")
	assert.Equal(t, "[NOT_FOUND] flow f1 not found", plain.Error())
}

func TestIsCode_Wrapped(t *testing.T) {
	inner := NewError(ErrCodeStore, "disk full")
	outer := NewError(ErrCodeExecution, "run failed").WithCause(inner)

	assert.True(t, IsCode(outer, ErrCodeExecution))
	assert.ErrorIs(t, outer, inner)
	assert.False(t, IsCode(nil, ErrCodeExecution))
}
