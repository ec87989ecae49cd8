package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connorprovines-code/headless-crm/pkg/schema"
)

// runStoreContract exercises the Store contract against one backend.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("Events", func(t *testing.T) { testEvents(t, newStore(t)) })
	t.Run("Workflows", func(t *testing.T) { testWorkflows(t, newStore(t)) })
	t.Run("Runs", func(t *testing.T) { testRuns(t, newStore(t)) })
	t.Run("Records", func(t *testing.T) { testRecords(t, newStore(t)) })
}

func testEvents(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.InsertEvent(ctx, &schema.Event{
			ID:         fmt.Sprintf("evt-%d", i),
			Type:       schema.EventContactCreated,
			EntityType: schema.EntityContact,
			EntityID:   fmt.Sprintf("C%d", i),
			Payload:    map[string]any{"email": "a@corp.com", "score": 7},
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		}))
	}

	err := s.InsertEvent(ctx, &schema.Event{ID: "evt-0", Type: "x"})
	assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCode(err))

	got, err := s.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, schema.EventContactCreated, got.Type)
	assert.Equal(t, "C1", got.EntityID)
	assert.Equal(t, "a@corp.com", got.Payload["email"])
	assert.Equal(t, float64(7), got.Payload["score"])
	assert.False(t, got.Processed)
	assert.Nil(t, got.ProcessedAt)

	_, err = s.GetEvent(ctx, "missing")
	assert.True(t, schema.IsNotFound(err))

	pending, err := s.FetchUnprocessedEvents(ctx, 2)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "evt-0", pending[0].ID)
	assert.Equal(t, "evt-1", pending[1].ID)

	require.NoError(t, s.MarkEventProcessed(ctx, "evt-0"))
	first, err := s.GetEvent(ctx, "evt-0")
	require.NoError(t, err)
	assert.True(t, first.Processed)
	require.NotNil(t, first.ProcessedAt)

	// Marking twice keeps the first timestamp.
	require.NoError(t, s.MarkEventProcessed(ctx, "evt-0"))
	again, err := s.GetEvent(ctx, "evt-0")
	require.NoError(t, err)
	assert.True(t, first.ProcessedAt.Equal(*again.ProcessedAt))

	pending, err = s.FetchUnprocessedEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "evt-1", pending[0].ID)

	assert.True(t, schema.IsNotFound(s.MarkEventProcessed(ctx, "missing")))
}

func sampleWorkflow(slug, trigger string, active bool) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Slug:         slug,
		Name:         slug,
		TriggerEvent: trigger,
		IsActive:     active,
		Timeout:      "2m",
		Steps: []schema.WorkflowStep{
			{
				StepOrder:      1,
				Name:           "classify",
				ActionType:     schema.ActionToolCall,
				ActionConfig:   map[string]any{"tool": "email.classify", "input_mapping": map[string]any{"email": "{{event.payload.email}}"}},
				OutputVariable: "email_type",
			},
			{
				StepOrder:     2,
				Name:          "route",
				ActionType:    schema.ActionConditionCheck,
				ActionConfig:  map[string]any{"condition": "{{email_type.is_personal}} == true"},
				RunConditions: []schema.Condition{{Field: "{{email_type.is_valid}}", Operator: schema.OpEquals, Value: true}},
				OnError:       schema.OnErrorContinue,
			},
		},
	}
}

func testWorkflows(t *testing.T, s Store) {
	ctx := context.Background()

	intake := sampleWorkflow("intake-agent", schema.EventContactCreated, true)
	require.NoError(t, s.UpsertWorkflow(ctx, intake))
	require.NotEmpty(t, intake.ID)
	require.NoError(t, s.UpsertWorkflow(ctx, sampleWorkflow("dormant", schema.EventContactCreated, false)))
	require.NoError(t, s.UpsertWorkflow(ctx, sampleWorkflow("sdr-agent", schema.EventIntakeNewLead, true)))

	active, err := s.FindActiveWorkflowsByTrigger(ctx, schema.EventContactCreated)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "intake-agent", active[0].Slug)
	require.Len(t, active[0].Steps, 2)
	assert.Equal(t, schema.ActionConditionCheck, active[0].Steps[1].ActionType)
	assert.Equal(t, schema.OnErrorContinue, active[0].Steps[1].OnError)
	require.Len(t, active[0].Steps[1].RunConditions, 1)
	assert.Equal(t, "2m", active[0].Timeout)

	none, err := s.FindActiveWorkflowsByTrigger(ctx, "nobody.listens")
	require.NoError(t, err)
	assert.Empty(t, none)

	// Upsert by slug keeps the id.
	updated := sampleWorkflow("intake-agent", schema.EventContactCreated, false)
	require.NoError(t, s.UpsertWorkflow(ctx, updated))
	assert.Equal(t, intake.ID, updated.ID)
	got, err := s.GetWorkflow(ctx, "intake-agent")
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	all, err := s.ListWorkflows(ctx, WorkflowFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
	activeOnly, err := s.ListWorkflows(ctx, WorkflowFilter{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, activeOnly, 1)
	assert.Equal(t, "sdr-agent", activeOnly[0].Slug)

	_, err = s.GetWorkflow(ctx, "missing")
	assert.True(t, schema.IsNotFound(err))
}

func testRuns(t *testing.T, s Store) {
	ctx := context.Background()

	run := &WorkflowRun{
		WorkflowID:   uuid.NewString(),
		WorkflowSlug: "intake-agent",
		TriggeredBy:  "evt-1",
		EntityType:   schema.EntityContact,
		EntityID:     "C1",
		Context:      map[string]any{"event": map[string]any{"id": "evt-1"}},
	}
	require.NoError(t, s.InsertRun(ctx, run))
	require.NotEmpty(t, run.ID)
	assert.Equal(t, schema.RunStatusRunning, run.Status)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusRunning, got.Status)
	assert.Nil(t, got.CompletedAt)
	assert.Equal(t, "evt-1", got.Context["event"].(map[string]any)["id"])

	for i, status := range []schema.StepStatus{schema.StepStatusCompleted, schema.StepStatusSkipped, schema.StepStatusFailed} {
		l := &RunLog{
			RunID:     run.ID,
			StepOrder: i + 1,
			StepName:  fmt.Sprintf("step-%d", i+1),
			Status:    status,
		}
		if status == schema.StepStatusCompleted {
			l.Input = map[string]any{"email": "a@corp.com"}
			l.Output = map[string]any{"is_personal": false}
		}
		if status == schema.StepStatusFailed {
			l.ErrorMessage = "boom"
		}
		require.NoError(t, s.InsertRunLog(ctx, l))
		assert.NotZero(t, l.ID)
	}

	logs, err := s.ListRunLogs(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{logs[0].StepOrder, logs[1].StepOrder, logs[2].StepOrder})
	assert.Equal(t, schema.StepStatusSkipped, logs[1].Status)
	assert.Equal(t, map[string]any{"is_personal": false}, logs[0].Output)
	assert.Nil(t, logs[1].Output)
	assert.Equal(t, "boom", logs[2].ErrorMessage)

	require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{
		Status:       schema.RunStatusFailed,
		FinalContext: map[string]any{"email_type": map[string]any{"is_personal": false}},
		ErrorMessage: "boom",
	}))
	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, "boom", got.ErrorMessage)
	assert.Contains(t, got.FinalContext, "email_type")

	other := &WorkflowRun{WorkflowID: run.WorkflowID, WorkflowSlug: "sdr-agent", TriggeredBy: "evt-2", EntityID: "C2"}
	require.NoError(t, s.InsertRun(ctx, other))

	failed, err := s.ListRuns(ctx, RunFilter{Status: schema.RunStatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, run.ID, failed[0].ID)

	bySlug, err := s.ListRuns(ctx, RunFilter{WorkflowSlug: "sdr-agent"})
	require.NoError(t, err)
	require.Len(t, bySlug, 1)
	assert.Equal(t, other.ID, bySlug[0].ID)

	byEvent, err := s.ListRuns(ctx, RunFilter{TriggeredBy: "evt-1"})
	require.NoError(t, err)
	assert.Len(t, byEvent, 1)

	limited, err := s.ListRuns(ctx, RunFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	_, err = s.GetRun(ctx, "missing")
	assert.True(t, schema.IsNotFound(err))
	assert.True(t, schema.IsNotFound(s.UpdateRun(ctx, "missing", RunUpdate{Status: schema.RunStatusFailed})))
}

func testRecords(t *testing.T, s Store) {
	ctx := context.Background()

	rec := &schema.Record{
		EntityType: schema.EntityContact,
		TeamID:     "team-1",
		Data:       map[string]any{"email": "ada@acme.io", "lead_score": 3},
	}
	require.NoError(t, s.CreateRecord(ctx, rec))
	require.NotEmpty(t, rec.ID)

	got, err := s.GetRecord(ctx, schema.EntityContact, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "team-1", got.TeamID)
	assert.Equal(t, "ada@acme.io", got.Data["email"])

	updated, err := s.UpdateRecord(ctx, schema.EntityContact, rec.ID, map[string]any{"lead_score": 9, "tier": "deep"})
	require.NoError(t, err)
	assert.Equal(t, float64(9), updated.Data["lead_score"])
	assert.Equal(t, "deep", updated.Data["tier"])
	assert.Equal(t, "ada@acme.io", updated.Data["email"])

	_, err = s.UpdateRecord(ctx, schema.EntityContact, "missing", map[string]any{"x": 1})
	assert.True(t, schema.IsNotFound(err))

	// Same id under another entity type is a different record.
	_, err = s.GetRecord(ctx, schema.EntityCompany, rec.ID)
	assert.True(t, schema.IsNotFound(err))

	err = s.CreateRecord(ctx, &schema.Record{ID: rec.ID, EntityType: schema.EntityContact})
	assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCode(err))

	require.NoError(t, s.DeleteRecord(ctx, schema.EntityContact, rec.ID))
	_, err = s.GetRecord(ctx, schema.EntityContact, rec.ID)
	assert.True(t, schema.IsNotFound(err))
	assert.True(t, schema.IsNotFound(s.DeleteRecord(ctx, schema.EntityContact, rec.ID)))
}
