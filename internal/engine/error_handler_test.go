package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/connorprovines-code/headless-crm/pkg/schema"
)

func TestHandleStepError_DefaultStops(t *testing.T) {
	step := &schema.WorkflowStep{StepOrder: 2, OutputVariable: "enriched"}
	result := HandleStepError(step, "boom")
	assert.False(t, result.Handled)
	assert.True(t, result.ShouldFailRun)
	assert.Nil(t, result.Marker)
}

func TestHandleStepError_ExplicitStop(t *testing.T) {
	step := &schema.WorkflowStep{StepOrder: 2, OnError: schema.OnErrorStop}
	assert.True(t, HandleStepError(step, "boom").ShouldFailRun)
}

func TestHandleStepError_ContinueUsesOutputVariable(t *testing.T) {
	step := &schema.WorkflowStep{StepOrder: 2, OutputVariable: "enriched", OnError: schema.OnErrorContinue}
	result := HandleStepError(step, "provider down")
	assert.True(t, result.Handled)
	assert.False(t, result.ShouldFailRun)
	assert.Equal(t, "enriched", result.Variable)
	assert.Equal(t, map[string]any{"error": true, "message": "provider down"}, result.Marker)
}

func TestHandleStepError_ContinueSynthesizesVariable(t *testing.T) {
	step := &schema.WorkflowStep{StepOrder: 4, OnError: schema.OnErrorContinue}
	result := HandleStepError(step, "boom")
	assert.Equal(t, "step_4_error", result.Variable)
}
