package seed

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connorprovines-code/headless-crm/internal/dispatch"
	"github.com/connorprovines-code/headless-crm/internal/engine"
	"github.com/connorprovines-code/headless-crm/internal/llm"
	"github.com/connorprovines-code/headless-crm/internal/store"
	"github.com/connorprovines-code/headless-crm/internal/tools"
	"github.com/connorprovines-code/headless-crm/pkg/schema"
)

// scriptedCompleter answers each agent prompt with a canned JSON document.
type scriptedCompleter struct {
	spam string
}

func (scriptedCompleter) Available() bool { return true }

func (s scriptedCompleter) Complete(_ context.Context, req llm.Request) (*llm.Completion, error) {
	switch {
	case strings.Contains(req.Prompt, "screen inbound CRM contacts"):
		return &llm.Completion{Text: s.spam}, nil
	case strings.Contains(req.Prompt, "sales development rep"):
		return &llm.Completion{Text: "```json\n{\"score\": 8, \"tier\": \"standard\", \"reason\": \"good fit\"}\n```"}, nil
	}
	return &llm.Completion{Text: "{}"}, nil
}

func runAgents(t *testing.T, spam string) (*store.MemoryStore, *dispatch.DispatchResult) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	cat := tools.NewCatalog()
	require.NoError(t, tools.RegisterBuiltins(cat, tools.BuiltinConfig{Records: st}))

	defs, err := Agents()
	require.NoError(t, err)
	_, err = Install(ctx, st, nil, defs)
	require.NoError(t, err)

	require.NoError(t, st.CreateRecord(ctx, &schema.Record{
		ID: "C1", EntityType: schema.EntityContact, Data: map[string]any{"email": "ada@corp.com"},
	}))

	exec := engine.NewExecutor(st, cat, engine.Config{RunTimeout: 5 * time.Second, CallTimeout: time.Second},
		engine.WithCompleter(scriptedCompleter{spam: spam}))
	disp := dispatch.NewDispatcher(st, st, exec, dispatch.Config{EmitMode: dispatch.EmitInline})

	res, err := disp.Dispatch(ctx, &schema.Event{
		ID:         "evt-1",
		Type:       schema.EventContactCreated,
		EntityType: schema.EntityContact,
		EntityID:   "C1",
		Payload:    map[string]any{"email": "ada@corp.com", "name": "Ada"},
	})
	require.NoError(t, err)
	return st, res
}

func TestAgents_QualifiedLeadPipeline(t *testing.T) {
	st, res := runAgents(t, `{"is_spam": false, "confidence": 0.05, "reason": "real person"}`)
	require.Len(t, res.Results, 1)
	assert.Equal(t, schema.RunStatusCompleted, res.Results[0].Status)

	ctx := context.Background()
	for _, slug := range []string{"intake-agent", "sdr-agent", "contact-agent"} {
		runs, err := st.ListRuns(ctx, store.RunFilter{WorkflowSlug: slug})
		require.NoError(t, err)
		require.Len(t, runs, 1, slug)
		assert.Equal(t, schema.RunStatusCompleted, runs[0].Status, "%s: %s", slug, runs[0].ErrorMessage)
	}

	// The unconfigured enrichment provider fails under on_error=continue.
	sdr, err := st.ListRuns(ctx, store.RunFilter{WorkflowSlug: "sdr-agent"})
	require.NoError(t, err)
	logs, err := st.ListRunLogs(ctx, sdr[0].ID)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, schema.StepStatusFailed, logs[1].Status)
	assert.Equal(t, schema.StepStatusCompleted, logs[2].Status)

	contact, err := st.ListRuns(ctx, store.RunFilter{WorkflowSlug: "contact-agent"})
	require.NoError(t, err)
	task, ok := contact[0].FinalContext["task"].(map[string]any)
	require.True(t, ok, "task output missing: %v", contact[0].FinalContext)
	assert.Equal(t, schema.EntityTask, task["entity_type"])

	pending, err := st.FetchUnprocessedEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestAgents_SpamIsDeleted(t *testing.T) {
	st, res := runAgents(t, `{"is_spam": true, "confidence": 0.95, "reason": "bot"}`)
	require.Len(t, res.Results, 1)
	out := res.Results[0]
	assert.Equal(t, schema.RunStatusStopped, out.Status)
	assert.Equal(t, "spam (0.95)", out.StopReason)
	assert.Empty(t, out.Emitted)

	_, err := st.GetRecord(context.Background(), schema.EntityContact, "C1")
	assert.True(t, schema.IsNotFound(err))

	runs, err := st.ListRuns(context.Background(), store.RunFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}
