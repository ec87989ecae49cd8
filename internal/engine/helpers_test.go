package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/connorprovines-code/headless-crm/internal/llm"
	"github.com/connorprovines-code/headless-crm/internal/store"
	"github.com/connorprovines-code/headless-crm/internal/tools"
	"github.com/connorprovines-code/headless-crm/pkg/schema"
)

// stubTool is a Tool whose behavior is supplied by the test.
type stubTool struct {
	name        string
	unavailable bool
	fn          func(ctx context.Context, input map[string]any) (*tools.Result, error)

	mu     sync.Mutex
	inputs []map[string]any
}

func (s *stubTool) Name() string         { return s.name }
func (s *stubTool) Schema() tools.Schema { return tools.Schema{} }
func (s *stubTool) Available() bool      { return !s.unavailable }

func (s *stubTool) Execute(ctx context.Context, input map[string]any) (*tools.Result, error) {
	s.mu.Lock()
	s.inputs = append(s.inputs, input)
	s.mu.Unlock()
	if s.fn == nil {
		return tools.OK(input), nil
	}
	return s.fn(ctx, input)
}

func (s *stubTool) calls() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.inputs...)
}

// fakeCompleter returns canned text.
type fakeCompleter struct {
	text        string
	err         error
	unavailable bool

	mu       sync.Mutex
	requests []llm.Request
}

func (f *fakeCompleter) Available() bool { return !f.unavailable }

func (f *fakeCompleter) Complete(_ context.Context, req llm.Request) (*llm.Completion, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Completion{Text: f.text, TokensUsed: 42}, nil
}

// recordingEmitter captures emitted events.
type recordingEmitter struct {
	mu     sync.Mutex
	events []schema.EmitEvent
	err    error
}

func (r *recordingEmitter) Emit(_ context.Context, _ *schema.Event, emit schema.EmitEvent) error {
	if r.err != nil {
		return r.err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, emit)
	return nil
}

func (r *recordingEmitter) emitted() []schema.EmitEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schema.EmitEvent(nil), r.events...)
}

type testHarness struct {
	store   *store.MemoryStore
	catalog *tools.Catalog
	emitter *recordingEmitter
	exec    *Executor
}

func newHarness(t *testing.T, completer llm.Completer, extra ...tools.Tool) *testHarness {
	t.Helper()
	cat := tools.NewCatalog()
	require.NoError(t, tools.RegisterBuiltins(cat, tools.BuiltinConfig{}))
	for _, tool := range extra {
		require.NoError(t, cat.Tools.Register(tool))
	}
	ms := store.NewMemoryStore()
	opts := []Option{}
	if completer != nil {
		opts = append(opts, WithCompleter(completer))
	}
	return &testHarness{
		store:   ms,
		catalog: cat,
		emitter: &recordingEmitter{},
		exec:    NewExecutor(ms, cat, Config{RunTimeout: 5 * time.Second, CallTimeout: time.Second}, opts...),
	}
}

func (h *testHarness) run(t *testing.T, def *schema.WorkflowDefinition, evt *schema.Event) (*RunOutcome, *store.WorkflowRun, []*store.RunLog) {
	t.Helper()
	ctx := context.Background()
	outcome := h.exec.Run(ctx, def, evt, h.emitter)
	require.NotEmpty(t, outcome.RunID)
	run, err := h.store.GetRun(ctx, outcome.RunID)
	require.NoError(t, err)
	logs, err := h.store.ListRunLogs(ctx, outcome.RunID)
	require.NoError(t, err)
	return outcome, run, logs
}

func contactCreated() *schema.Event {
	return &schema.Event{
		ID:         "evt-1",
		Type:       schema.EventContactCreated,
		EntityType: schema.EntityContact,
		EntityID:   "C1",
		Payload:    map[string]any{"email": "a@corp.com"},
	}
}

func workflow(steps ...schema.WorkflowStep) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:           "wf-1",
		Slug:         "intake-agent",
		Name:         "Intake",
		TriggerEvent: schema.EventContactCreated,
		IsActive:     true,
		Steps:        steps,
	}
}

func toolStep(order int, tool string, mapping map[string]any, outputVar string) schema.WorkflowStep {
	return schema.WorkflowStep{
		StepOrder:      order,
		Name:           tool,
		ActionType:     schema.ActionToolCall,
		ActionConfig:   map[string]any{"tool": tool, "input_mapping": mapping},
		OutputVariable: outputVar,
	}
}

func logStatuses(logs []*store.RunLog) []schema.StepStatus {
	out := make([]schema.StepStatus, len(logs))
	for i, l := range logs {
		out[i] = l.Status
	}
	return out
}
