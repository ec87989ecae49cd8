package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connorprovines-code/headless-crm/internal/dispatch"
	"github.com/connorprovines-code/headless-crm/internal/engine"
	"github.com/connorprovines-code/headless-crm/internal/store"
	"github.com/connorprovines-code/headless-crm/internal/tools"
	"github.com/connorprovines-code/headless-crm/pkg/schema"
)

const gateWorkflow = `{
	"slug": "intake-agent",
	"name": "Intake",
	"trigger_event": "contact.created",
	"is_active": true,
	"steps": [
		{"step_order": 1, "name": "spam_gate", "action_type": "condition_check",
		 "action_config": {"condition": "{{event.payload.email}} == 'spam@x.com'", "on_true": {"action": "stop", "reason": "spam"}}},
		{"step_order": 2, "name": "announce", "action_type": "tool_call",
		 "action_config": {"tool": "emit_event", "input_mapping": {"event_type": "intake.new_lead"}}}
	]
}`

func newTestServer(t *testing.T) (*CRMServer, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	exec := engine.NewExecutor(st, tools.NewCatalog(), engine.Config{RunTimeout: 5 * time.Second, CallTimeout: time.Second})

	var def schema.WorkflowDefinition
	require.NoError(t, json.Unmarshal([]byte(gateWorkflow), &def))
	require.NoError(t, st.UpsertWorkflow(context.Background(), &def))

	s := NewCRMServer(CRMServerDeps{
		Store:      st,
		Dispatcher: dispatch.NewDispatcher(st, st, exec, dispatch.Config{}),
	})
	return s, st
}

// --- Helper ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

// --- Tests ---

func TestDispatchEventTool(t *testing.T) {
	s, st := newTestServer(t)

	req := buildRequest("crm.dispatch_event", map[string]any{
		"id":          "evt-1",
		"type":        "contact.created",
		"entity_type": "contact",
		"entity_id":   "C1",
		"payload":     map[string]any{"email": "a@corp.com"},
	})

	result, err := s.handleDispatchEvent(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var res dispatch.DispatchResult
	unmarshalResult(t, result, &res)
	assert.Equal(t, "evt-1", res.EventID)
	assert.Equal(t, 1, res.WorkflowsRun)
	require.Len(t, res.Results, 1)
	assert.Equal(t, schema.RunStatusCompleted, res.Results[0].Status)

	evt, err := st.GetEvent(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.True(t, evt.Processed)

	pending, err := st.FetchUnprocessedEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1, "emitted event is queued")
	assert.Equal(t, "intake.new_lead", pending[0].Type)
}

func TestDispatchEventToolRedelivery(t *testing.T) {
	s, _ := newTestServer(t)
	args := map[string]any{"id": "evt-1", "type": "contact.created"}

	_, err := s.handleDispatchEvent(context.Background(), buildRequest("crm.dispatch_event", args))
	require.NoError(t, err)

	result, err := s.handleDispatchEvent(context.Background(), buildRequest("crm.dispatch_event", args))
	require.NoError(t, err)

	var res dispatch.DispatchResult
	unmarshalResult(t, result, &res)
	assert.True(t, res.Skipped)
	assert.Equal(t, dispatch.ReasonProcessed, res.Reason)
	assert.Zero(t, res.WorkflowsRun)
}

func TestDispatchEventToolMissingType(t *testing.T) {
	s, _ := newTestServer(t)

	result, err := s.handleDispatchEvent(context.Background(), buildRequest("crm.dispatch_event", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "type is required")
}

func TestDispatchEventToolNoDispatcher(t *testing.T) {
	s := NewCRMServer(CRMServerDeps{Store: store.NewMemoryStore()})

	result, err := s.handleDispatchEvent(context.Background(), buildRequest("crm.dispatch_event", map[string]any{"type": "contact.created"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestDispatchEventToolBackground(t *testing.T) {
	s, st := newTestServer(t)

	result, err := s.handleDispatchEvent(context.Background(), buildRequest("crm.dispatch_event", map[string]any{
		"type":      "contact.created",
		"entity_id": "C9",
		"payload":   map[string]any{"email": "spam@x.com"},
		"wait":      false,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var accepted DispatchAccepted
	unmarshalResult(t, result, &accepted)
	assert.True(t, accepted.Accepted)
	require.NotEmpty(t, accepted.EventID)

	s.Wait()

	evt, err := st.GetEvent(context.Background(), accepted.EventID)
	require.NoError(t, err)
	assert.True(t, evt.Processed)

	runs, err := st.ListRuns(context.Background(), store.RunFilter{TriggeredBy: accepted.EventID})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, schema.RunStatusStopped, runs[0].Status)
	assert.Zero(t, s.sessions.Len())
}

func TestListRunsAndGetRunTools(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	for _, args := range []map[string]any{
		{"id": "evt-ok", "type": "contact.created", "entity_id": "C1", "payload": map[string]any{"email": "a@corp.com"}},
		{"id": "evt-spam", "type": "contact.created", "entity_id": "C2", "payload": map[string]any{"email": "spam@x.com"}},
	} {
		_, err := s.handleDispatchEvent(ctx, buildRequest("crm.dispatch_event", args))
		require.NoError(t, err)
	}

	result, err := s.handleListRuns(ctx, buildRequest("crm.list_runs", map[string]any{}))
	require.NoError(t, err)
	var all []store.WorkflowRun
	unmarshalResult(t, result, &all)
	assert.Len(t, all, 2)

	result, err = s.handleListRuns(ctx, buildRequest("crm.list_runs", map[string]any{"status": "stopped"}))
	require.NoError(t, err)
	var stopped []store.WorkflowRun
	unmarshalResult(t, result, &stopped)
	require.Len(t, stopped, 1)
	assert.Equal(t, "C2", stopped[0].EntityID)

	result, err = s.handleListRuns(ctx, buildRequest("crm.list_runs", map[string]any{"limit": float64(1)}))
	require.NoError(t, err)
	var limited []store.WorkflowRun
	unmarshalResult(t, result, &limited)
	assert.Len(t, limited, 1)

	result, err = s.handleGetRun(ctx, buildRequest("crm.get_run", map[string]any{"run_id": stopped[0].ID}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	var detail RunDetail
	unmarshalResult(t, result, &detail)
	assert.Equal(t, stopped[0].ID, detail.Run.ID)
	require.Len(t, detail.Logs, 1)
	assert.Equal(t, "spam_gate", detail.Logs[0].StepName)
}

func TestListRunsToolInvalidArgs(t *testing.T) {
	s, _ := newTestServer(t)

	result, err := s.handleListRuns(context.Background(), buildRequest("crm.list_runs", map[string]any{"status": "paused"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleListRuns(context.Background(), buildRequest("crm.list_runs", map[string]any{"limit": float64(0)}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestGetRunTool(t *testing.T) {
	s, _ := newTestServer(t)

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing id", map[string]any{}, "run_id is required"},
		{"unknown run", map[string]any{"run_id": "nope"}, "not found"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := s.handleGetRun(context.Background(), buildRequest("crm.get_run", tc.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, extractText(t, result), tc.want)
		})
	}
}

func TestListWorkflowsTool(t *testing.T) {
	s, st := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertWorkflow(ctx, &schema.WorkflowDefinition{
		Slug:         "paused-agent",
		Name:         "Paused",
		TriggerEvent: "sdr.qualified",
		IsActive:     false,
		Steps: []schema.WorkflowStep{
			{StepOrder: 1, Name: "noop", ActionType: schema.ActionConditionCheck, ActionConfig: map[string]any{"condition": "true"}},
		},
	}))

	result, err := s.handleListWorkflows(ctx, buildRequest("crm.list_workflows", map[string]any{}))
	require.NoError(t, err)
	var all []schema.WorkflowDefinition
	unmarshalResult(t, result, &all)
	assert.Len(t, all, 2)

	result, err = s.handleListWorkflows(ctx, buildRequest("crm.list_workflows", map[string]any{"active_only": true}))
	require.NoError(t, err)
	var active []schema.WorkflowDefinition
	unmarshalResult(t, result, &active)
	require.Len(t, active, 1)
	assert.Equal(t, "intake-agent", active[0].Slug)

	result, err = s.handleListWorkflows(ctx, buildRequest("crm.list_workflows", map[string]any{"trigger": "sdr.qualified"}))
	require.NoError(t, err)
	var byTrigger []schema.WorkflowDefinition
	unmarshalResult(t, result, &byTrigger)
	require.Len(t, byTrigger, 1)
	assert.Equal(t, "paused-agent", byTrigger[0].Slug)
}

// --- Test helpers ---

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}
