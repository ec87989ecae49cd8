package seed

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connorprovines-code/headless-crm/internal/store"
	"github.com/connorprovines-code/headless-crm/internal/tools"
	"github.com/connorprovines-code/headless-crm/internal/validation"
	"github.com/connorprovines-code/headless-crm/pkg/schema"
)

func newValidator(t *testing.T) *validation.WorkflowValidator {
	t.Helper()
	cat := tools.NewCatalog()
	require.NoError(t, tools.RegisterBuiltins(cat, tools.BuiltinConfig{Records: store.NewMemoryStore()}))
	v, err := validation.NewWorkflowValidator(cat)
	require.NoError(t, err)
	return v
}

func TestAgents_AreValid(t *testing.T) {
	defs, err := Agents()
	require.NoError(t, err)
	require.Len(t, defs, 3)

	triggers := map[string]string{}
	for _, def := range defs {
		triggers[def.Slug] = def.TriggerEvent
	}
	assert.Equal(t, map[string]string{
		"contact-agent": schema.EventSDRQualified,
		"intake-agent":  schema.EventContactCreated,
		"sdr-agent":     schema.EventIntakeNewLead,
	}, triggers)

	v := newValidator(t)
	for _, def := range defs {
		res := v.Validate(def)
		assert.True(t, res.Valid(), "%s: %v", def.Slug, res.Errors)
	}
}

func TestAgents_SDRReferencesUnconfiguredProvider(t *testing.T) {
	defs, err := Agents()
	require.NoError(t, err)
	var sdr *schema.WorkflowDefinition
	for _, def := range defs {
		if def.Slug == "sdr-agent" {
			sdr = def
		}
	}
	require.NotNil(t, sdr)

	res := newValidator(t).Validate(sdr)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0].Message, "enrich.company")
}

func TestParse(t *testing.T) {
	def, err := Parse([]byte(`
slug: demo
name: Demo
trigger_event: company.created
is_active: true
steps:
  - step_order: 1
    action_type: condition_check
    action_config:
      condition: "{{event.payload.size}} > 10"
      on_true: stop
    run_conditions:
      - field: event.payload.size
        operator: greater_than
        value: 0
`))
	require.NoError(t, err)
	assert.Equal(t, "demo", def.Slug)
	require.Len(t, def.Steps, 1)
	step := def.Steps[0]
	assert.Equal(t, schema.ActionConditionCheck, step.ActionType)
	assert.Equal(t, "stop", step.ActionConfig["on_true"])
	assert.Equal(t, schema.OpGreaterThan, step.RunConditions[0].Operator)
	assert.Equal(t, float64(0), step.RunConditions[0].Value)

	_, err = Parse([]byte("slug: [unterminated"))
	assert.Error(t, err)
	_, err = Parse([]byte(""))
	assert.Error(t, err)
	_, err = Parse([]byte("steps: nope"))
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "wf.json")
	require.NoError(t, os.WriteFile(name, []byte(`{"slug":"j","name":"J","trigger_event":"a.b","steps":[]}`), 0o600))

	def, err := LoadFile(name)
	require.NoError(t, err)
	assert.Equal(t, "j", def.Slug)

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestInstall(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	defs, err := Agents()
	require.NoError(t, err)

	installed, err := Install(ctx, st, newValidator(t), defs)
	require.NoError(t, err)
	require.Len(t, installed, 3)
	for _, in := range installed {
		assert.NotEmpty(t, in.ID)
	}

	active, err := st.FindActiveWorkflowsByTrigger(ctx, schema.EventContactCreated)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "intake-agent", active[0].Slug)

	// Reinstalling keeps ids stable.
	again, err := Install(ctx, st, nil, defs)
	require.NoError(t, err)
	assert.Equal(t, installed[0].ID, again[0].ID)
}

func TestInstall_InvalidWritesNothing(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	defs, err := Agents()
	require.NoError(t, err)
	broken := *defs[0]
	broken.TriggerEvent = ""

	_, err = Install(ctx, st, newValidator(t), append(defs[1:], &broken))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))

	all, err := st.ListWorkflows(ctx, store.WorkflowFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}
