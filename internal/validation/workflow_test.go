package validation

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connorprovines-code/headless-crm/pkg/schema"
)

type toolSet map[string]bool

func (s toolSet) Has(name string) bool { return s[name] }

func newValidator(t *testing.T) *WorkflowValidator {
	t.Helper()
	v, err := NewWorkflowValidator(toolSet{"email.classify": true, "crm.delete_record": true})
	require.NoError(t, err)
	return v
}

func validDefinition() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Slug:         "intake-agent",
		Name:         "Intake",
		TriggerEvent: "contact.created",
		IsActive:     true,
		Timeout:      "2m",
		Steps: []schema.WorkflowStep{
			{
				StepOrder:      1,
				Name:           "classify",
				ActionType:     schema.ActionToolCall,
				ActionConfig:   map[string]any{"tool": "email.classify", "input_mapping": map[string]any{"email": "{{event.payload.email}}"}},
				OutputVariable: "email_class",
				RunConditions: []schema.Condition{
					{Field: "event.payload.email", Operator: schema.OpIsNotEmpty},
				},
			},
			{
				StepOrder:    2,
				ActionType:   schema.ActionConditionCheck,
				ActionConfig: map[string]any{"condition": "{{email_class.type}} == 'personal'", "on_true": "stop"},
			},
			{
				StepOrder:  3,
				ActionType: schema.ActionToolCall,
				ActionConfig: map[string]any{
					"tool":          "emit_event",
					"input_mapping": map[string]any{"event_type": "intake.completed"},
				},
				OnError: schema.OnErrorContinue,
			},
		},
	}
}

func messages(issues []schema.ValidationIssue) string {
	parts := make([]string, 0, len(issues))
	for _, i := range issues {
		parts = append(parts, i.String())
	}
	return strings.Join(parts, "\n")
}

func TestValidate_Valid(t *testing.T) {
	res := newValidator(t).Validate(validDefinition())
	assert.True(t, res.Valid(), messages(res.Errors))
	assert.Empty(t, res.Warnings)
}

func TestValidate_Nil(t *testing.T) {
	res := newValidator(t).Validate(nil)
	assert.False(t, res.Valid())
}

func TestValidate_Structural(t *testing.T) {
	cases := map[string]func(d *schema.WorkflowDefinition){
		"missing trigger":    func(d *schema.WorkflowDefinition) { d.TriggerEvent = "" },
		"bad slug":           func(d *schema.WorkflowDefinition) { d.Slug = "Intake Agent" },
		"no steps":           func(d *schema.WorkflowDefinition) { d.Steps = nil },
		"unknown action":     func(d *schema.WorkflowDefinition) { d.Steps[0].ActionType = "shell" },
		"tool_call no tool":  func(d *schema.WorkflowDefinition) { d.Steps[0].ActionConfig = map[string]any{} },
		"zero step_order":    func(d *schema.WorkflowDefinition) { d.Steps[1].StepOrder = 0 },
		"bad on_error":       func(d *schema.WorkflowDefinition) { d.Steps[0].OnError = "retry" },
		"bad operator":       func(d *schema.WorkflowDefinition) { d.Steps[0].RunConditions[0].Operator = "matches" },
		"bad timeout":        func(d *schema.WorkflowDefinition) { d.Timeout = "soon" },
		"prompt no template": func(d *schema.WorkflowDefinition) { d.Steps[0] = schema.WorkflowStep{StepOrder: 1, ActionType: schema.ActionAIPrompt, ActionConfig: map[string]any{"output_type": "json"}} },
		"bad output var":     func(d *schema.WorkflowDefinition) { d.Steps[0].OutputVariable = "email-class" },
	}
	v := newValidator(t)
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			def := validDefinition()
			mutate(def)
			res := v.Validate(def)
			assert.False(t, res.Valid())
			for _, issue := range res.Errors {
				assert.Equal(t, schema.ErrCodeValidation, issue.Code)
			}
		})
	}
}

func TestValidate_DuplicateStepOrder(t *testing.T) {
	def := validDefinition()
	def.Steps[2].StepOrder = 1
	res := newValidator(t).Validate(def)
	require.False(t, res.Valid())
	assert.Equal(t, "steps[2].step_order", res.Errors[0].Path)
	assert.Contains(t, res.Errors[0].Message, "duplicates steps[0]")
}

func TestValidate_InvalidCondition(t *testing.T) {
	def := validDefinition()
	def.Steps[1].ActionConfig["condition"] = "{{email_class.type}} == 'x'; exit()"
	res := newValidator(t).Validate(def)
	require.False(t, res.Valid())
	assert.Equal(t, "steps[1].action_config.condition", res.Errors[0].Path)
}

func TestValidate_BranchChecks(t *testing.T) {
	def := validDefinition()
	def.Steps[1] = schema.WorkflowStep{
		StepOrder:  2,
		ActionType: schema.ActionBranch,
		ActionConfig: map[string]any{"branches": []any{
			map[string]any{"condition": "{{score}} >= 8", "action": map[string]any{"action": "stop", "tool": "crm.archive"}},
			map[string]any{"condition": "", "action": "stop"},
		}},
	}
	res := newValidator(t).Validate(def)
	require.False(t, res.Valid())
	assert.Contains(t, messages(res.Errors), "steps[1].action_config.branches[1].condition")
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, schema.ErrCodeToolNotFound, res.Warnings[0].Code)
	assert.Contains(t, res.Warnings[0].Message, "crm.archive")

	def.Steps[1].ActionConfig = map[string]any{"branches": []any{
		map[string]any{"condition": "true", "action": "explode"},
	}}
	res = newValidator(t).Validate(def)
	require.False(t, res.Valid())
	assert.Equal(t, "steps[1].action_config", res.Errors[0].Path)
}

func TestValidate_UnknownToolIsWarning(t *testing.T) {
	def := validDefinition()
	def.Steps[0].ActionConfig["tool"] = "enrich.person"
	res := newValidator(t).Validate(def)
	assert.True(t, res.Valid(), messages(res.Errors))
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, "steps[0].action_config.tool", res.Warnings[0].Path)

	noLookup, err := NewWorkflowValidator(nil)
	require.NoError(t, err)
	assert.Empty(t, noLookup.Validate(def).Warnings)
}

func TestValidate_EmitEventRequiresType(t *testing.T) {
	def := validDefinition()
	def.Steps[2].ActionConfig["input_mapping"] = map[string]any{"payload": map[string]any{}}
	res := newValidator(t).Validate(def)
	require.False(t, res.Valid())
	assert.Equal(t, "steps[2].action_config.input_mapping.event_type", res.Errors[0].Path)
}

func TestValidate_OutputVariableWarnings(t *testing.T) {
	def := validDefinition()
	def.Steps[1].OutputVariable = "email_class"
	def.Steps[2].OutputVariable = "event"
	res := newValidator(t).Validate(def)
	assert.True(t, res.Valid())
	assert.Len(t, res.Warnings, 2)
}

func TestValidate_RetryDurations(t *testing.T) {
	def := validDefinition()
	def.Steps[0].ActionConfig["retry"] = map[string]any{"max_attempts": 3, "delay": "250ms", "max_delay": "2s"}
	assert.True(t, newValidator(t).Validate(def).Valid())

	def.Steps[0].ActionConfig["retry"] = map[string]any{"max_attempts": 0}
	assert.False(t, newValidator(t).Validate(def).Valid())
}

func TestValidateDefinition_ReturnsCRMError(t *testing.T) {
	def := validDefinition()
	def.Name = ""
	err := newValidator(t).ValidateDefinition(def)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))

	assert.NoError(t, newValidator(t).ValidateDefinition(validDefinition()))
}

func TestValidateInput(t *testing.T) {
	v := newValidator(t)
	inputSchema := json.RawMessage(`{
		"type": "object",
		"required": ["email"],
		"properties": {"email": {"type": "string"}, "limit": {"type": "integer", "minimum": 1}}
	}`)

	assert.NoError(t, v.ValidateInput("email.classify", inputSchema, map[string]any{"email": "a@corp.com", "limit": 5}))
	assert.NoError(t, v.ValidateInput("email.classify", nil, nil))

	err := v.ValidateInput("email.classify", inputSchema, map[string]any{"limit": 0})
	require.Error(t, err)
	var ce *schema.CRMError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Message, `tool "email.classify" input`)
	assert.NotEmpty(t, ce.Details["violations"])

	err = v.ValidateInput("broken", json.RawMessage(`{"type": 12}`), map[string]any{})
	assert.Error(t, err)
}

func TestValidateInput_ConcurrentCache(t *testing.T) {
	v := newValidator(t)
	inputSchema := json.RawMessage(`{"type":"object","required":["id"]}`)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, v.ValidateInput("crm.get_record", inputSchema, map[string]any{"id": "C1"}))
		}()
	}
	wg.Wait()
	assert.Len(t, v.jsonSchema.cache, 1)
}
