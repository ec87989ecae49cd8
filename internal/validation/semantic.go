package validation

import (
	"fmt"
	"time"

	"github.com/connorprovines-code/headless-crm/internal/engine"
	"github.com/connorprovines-code/headless-crm/internal/expressions"
	"github.com/connorprovines-code/headless-crm/internal/tools"
	"github.com/connorprovines-code/headless-crm/pkg/schema"
)

// validateSemantic checks what the JSON schema cannot: configs decode into
// their typed step, conditions compile, tools resolve and durations parse.
func validateSemantic(def *schema.WorkflowDefinition, lookup ToolLookup, exprs *expressions.ExprEngine) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if def.Timeout != "" {
		if d, err := time.ParseDuration(def.Timeout); err != nil || d <= 0 {
			result.AddError("timeout", schema.ErrCodeValidation,
				fmt.Sprintf("invalid timeout %q", def.Timeout))
		}
	}

	outputs := make(map[string]int)
	for i := range def.Steps {
		step := &def.Steps[i]
		validateStepSemantic(step, i, lookup, exprs, result)

		if v := step.OutputVariable; v != "" {
			if prev, dup := outputs[v]; dup {
				result.AddWarning(fmt.Sprintf("steps[%d].output_variable", i), schema.ErrCodeValidation,
					fmt.Sprintf("output_variable %q also written by steps[%d]; the later step wins", v, prev))
			}
			outputs[v] = i
			if reservedVariable(v) {
				result.AddWarning(fmt.Sprintf("steps[%d].output_variable", i), schema.ErrCodeValidation,
					fmt.Sprintf("output_variable %q shadows a trigger variable", v))
			}
		}
	}
	return result
}

func validateStepSemantic(step *schema.WorkflowStep, idx int, lookup ToolLookup, exprs *expressions.ExprEngine, result *schema.ValidationResult) {
	built, err := engine.BuildStep(*step)
	if err != nil {
		result.AddStepError(idx, "action_config", err.Error())
		return
	}

	switch s := built.(type) {
	case *engine.ToolCallStep:
		validateToolCall(&s.Config, idx, lookup, result)
	case *engine.ConditionStep:
		checkCondition(exprs, s.Config.Condition, idx, "action_config.condition", result)
		checkActionTool(s.Config.OnTrue, idx, "action_config.on_true.tool", lookup, result)
		checkActionTool(s.Config.OnFalse, idx, "action_config.on_false.tool", lookup, result)
	case *engine.BranchStep:
		if len(s.Config.Branches) == 0 {
			result.AddWarning(fmt.Sprintf("steps[%d].action_config.branches", idx), schema.ErrCodeValidation,
				"branch step has no branches and always records no_match")
		}
		for j := range s.Config.Branches {
			b := &s.Config.Branches[j]
			field := fmt.Sprintf("action_config.branches[%d]", j)
			checkCondition(exprs, b.Condition, idx, field+".condition", result)
			checkActionTool(&b.Action, idx, field+".tool", lookup, result)
		}
	}
}

func validateToolCall(cfg *schema.ToolCallConfig, idx int, lookup ToolLookup, result *schema.ValidationResult) {
	if cfg.Tool == tools.EmitEventTool {
		if _, ok := cfg.InputMapping["event_type"]; !ok {
			result.AddStepError(idx, "action_config.input_mapping.event_type", "emit_event requires an event_type")
		}
	} else {
		checkToolExists(cfg.Tool, idx, "action_config.tool", lookup, result)
	}

	if r := cfg.Retry; r != nil {
		for _, d := range []struct{ field, value string }{
			{"delay", r.Delay}, {"max_delay", r.MaxDelay},
		} {
			if d.value == "" {
				continue
			}
			if _, err := time.ParseDuration(d.value); err != nil {
				result.AddStepError(idx, "action_config.retry."+d.field, fmt.Sprintf("invalid duration %q", d.value))
			}
		}
	}
}

func checkCondition(exprs *expressions.ExprEngine, condition string, idx int, field string, result *schema.ValidationResult) {
	if condition == "" {
		result.AddStepError(idx, field, "condition is empty")
		return
	}
	if err := exprs.Check(condition); err != nil {
		result.AddStepError(idx, field, fmt.Sprintf("invalid condition %q: %v", condition, err))
	}
}

func checkActionTool(a *schema.BranchAction, idx int, field string, lookup ToolLookup, result *schema.ValidationResult) {
	if a == nil || a.Tool == "" {
		return
	}
	checkToolExists(a.Tool, idx, field, lookup, result)
}

// checkToolExists warns rather than errors: a provider may simply be
// unconfigured in this process.
func checkToolExists(name string, idx int, field string, lookup ToolLookup, result *schema.ValidationResult) {
	if lookup == nil || lookup.Has(name) {
		return
	}
	result.AddWarning(fmt.Sprintf("steps[%d].%s", idx, field), schema.ErrCodeToolNotFound,
		fmt.Sprintf("tool %q is not registered", name))
}

func reservedVariable(name string) bool {
	switch name {
	case "event", "team_id":
		return true
	}
	return false
}
