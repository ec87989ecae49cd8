package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
	assert.NoError(t, r.ToError())
}

func TestValidationResult_AddStepError(t *testing.T) {
	r := &ValidationResult{}
	r.AddStepError(2, "action_config.tool", "tool is required")

	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "steps[2].action_config.tool", r.Errors[0].Path)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
}

func TestValidationResult_WarningsStayValid(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("steps[0].parallel_group", ErrCodeValidation, "parallel_group is advisory")

	assert.True(t, r.Valid())
	require.Len(t, r.Warnings, 1)
}

func TestValidationResult_MergeNil(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("/", ErrCodeValidation, "err")
	r.Merge(nil)
	assert.Len(t, r.Errors, 1)
}

func TestValidationResult_ToError(t *testing.T) {
	r := &ValidationResult{}
	r.AddStepError(0, "step_order", "must be positive")
	r.AddStepError(1, "action_type", "unknown action type")

	err := r.ToError()
	require.Error(t, err)

	var ce *CRMError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ErrCodeValidation, ce.Code)
	assert.Contains(t, ce.Message, "2 validation errors")
	assert.Contains(t, ce.Message, "steps[1].action_type")
	assert.Equal(t, 2, ce.Details["error_count"])
}
