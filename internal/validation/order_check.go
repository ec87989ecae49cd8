package validation

import (
	"fmt"

	"github.com/connorprovines-code/headless-crm/pkg/schema"
)

// validateOrder checks that step_order values are positive and unique.
// Gaps are allowed; only relative order matters at run time.
func validateOrder(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	seen := make(map[int]int, len(def.Steps))
	for i, step := range def.Steps {
		if step.StepOrder < 1 {
			result.AddStepError(i, "step_order", fmt.Sprintf("step_order must be >= 1, got %d", step.StepOrder))
			continue
		}
		if prev, dup := seen[step.StepOrder]; dup {
			result.AddStepError(i, "step_order",
				fmt.Sprintf("step_order %d duplicates steps[%d]", step.StepOrder, prev))
			continue
		}
		seen[step.StepOrder] = i
	}
	return result
}
