package engine

import (
	"github.com/connorprovines-code/headless-crm/pkg/schema"
)

// ErrorHandlerResult describes what a step failure does to the run.
type ErrorHandlerResult struct {
	// Handled is true when on_error=continue absorbs the failure.
	Handled bool
	// Variable receives Marker in the execution context when Handled.
	Variable string
	Marker   map[string]any
	// ShouldFailRun is true when the failure terminates the run.
	ShouldFailRun bool
}

// HandleStepError applies the step's on_error policy to a failure message.
func HandleStepError(step *schema.WorkflowStep, message string) *ErrorHandlerResult {
	if step.ContinueOnError() {
		return &ErrorHandlerResult{
			Handled:  true,
			Variable: step.ErrorVariable(),
			Marker:   map[string]any{"error": true, "message": message},
		}
	}
	return &ErrorHandlerResult{ShouldFailRun: true}
}
