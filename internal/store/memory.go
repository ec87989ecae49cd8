package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/connorprovines-code/headless-crm/pkg/schema"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory Store for tests and local development.
// Values are deep-copied on the way in and out so callers never share maps
// with the store.
type MemoryStore struct {
	mu sync.RWMutex

	events    map[string]*schema.Event
	workflows map[string]*schema.WorkflowDefinition // keyed by slug
	runs      map[string]*WorkflowRun
	logs      map[string][]*RunLog
	records   map[string]*schema.Record // key: "entityType/id"
	nextLogID int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:    make(map[string]*schema.Event),
		workflows: make(map[string]*schema.WorkflowDefinition),
		runs:      make(map[string]*WorkflowRun),
		logs:      make(map[string][]*RunLog),
		records:   make(map[string]*schema.Record),
	}
}

// Migrate is a no-op.
func (m *MemoryStore) Migrate(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

// clone deep-copies v through JSON, the same encoding the SQL backends
// use, so numbers come back as float64 exactly as they would from a table.
func clone[T any](v *T) (*T, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "value is not JSON-encodable").WithCause(err)
	}
	out := new(T)
	if err := json.Unmarshal(b, out); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "decode stored value").WithCause(err)
	}
	return out, nil
}

// copyOut clones a value that already went through clone on the way in.
func copyOut[T any](v *T) *T {
	out, err := clone(v)
	if err != nil {
		panic(err)
	}
	return out
}

// --- Events ---

func (m *MemoryStore) InsertEvent(_ context.Context, evt *schema.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	evt.ID = idOrNew(evt.ID)
	evt.CreatedAt = timeOrNow(evt.CreatedAt)
	if _, exists := m.events[evt.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "event %q already exists", evt.ID)
	}
	stored, err := clone(evt)
	if err != nil {
		return err
	}
	m.events[evt.ID] = stored
	return nil
}

func (m *MemoryStore) GetEvent(_ context.Context, id string) (*schema.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.events[id]
	if !ok {
		return nil, storeNotFound("event", id)
	}
	return copyOut(e), nil
}

func (m *MemoryStore) MarkEventProcessed(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return storeNotFound("event", id)
	}
	if !e.Processed {
		now := time.Now().UTC()
		e.Processed = true
		e.ProcessedAt = &now
	}
	return nil
}

func (m *MemoryStore) FetchUnprocessedEvents(_ context.Context, limit int) ([]*schema.Event, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*schema.Event
	for _, e := range m.events {
		if !e.Processed {
			out = append(out, copyOut(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Workflow definitions ---

func (m *MemoryStore) UpsertWorkflow(_ context.Context, def *schema.WorkflowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := m.workflows[def.Slug]; ok {
		def.ID = existing.ID
		def.CreatedAt = existing.CreatedAt
	}
	def.ID = idOrNew(def.ID)
	def.CreatedAt = timeOrNow(def.CreatedAt)
	def.UpdatedAt = now
	stored, err := clone(def)
	if err != nil {
		return err
	}
	m.workflows[def.Slug] = stored
	return nil
}

func (m *MemoryStore) GetWorkflow(_ context.Context, slug string) (*schema.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.workflows[slug]
	if !ok {
		return nil, storeNotFound("workflow", slug)
	}
	return copyOut(d), nil
}

func (m *MemoryStore) FindActiveWorkflowsByTrigger(ctx context.Context, eventType string) ([]*schema.WorkflowDefinition, error) {
	return m.ListWorkflows(ctx, WorkflowFilter{ActiveOnly: true, TriggerEvent: eventType})
}

func (m *MemoryStore) ListWorkflows(_ context.Context, filter WorkflowFilter) ([]*schema.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*schema.WorkflowDefinition
	for _, d := range m.workflows {
		if filter.ActiveOnly && !d.IsActive {
			continue
		}
		if filter.TriggerEvent != "" && d.TriggerEvent != filter.TriggerEvent {
			continue
		}
		out = append(out, copyOut(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

// --- Runs ---

func (m *MemoryStore) InsertRun(_ context.Context, run *WorkflowRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run.ID = idOrNew(run.ID)
	run.StartedAt = timeOrNow(run.StartedAt)
	if run.Status == "" {
		run.Status = schema.RunStatusRunning
	}
	if _, exists := m.runs[run.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q already exists", run.ID)
	}
	stored, err := clone(run)
	if err != nil {
		return err
	}
	m.runs[run.ID] = stored
	return nil
}

func (m *MemoryStore) UpdateRun(_ context.Context, id string, update RunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return storeNotFound("run", id)
	}
	var final map[string]any
	if update.FinalContext != nil {
		copied, err := clone(&update.FinalContext)
		if err != nil {
			return err
		}
		final = *copied
	}
	completed := timeOrNow(update.CompletedAt)
	r.Status = update.Status
	r.CompletedAt = &completed
	r.ErrorMessage = update.ErrorMessage
	r.FinalContext = final
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id string) (*WorkflowRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, storeNotFound("run", id)
	}
	return copyOut(r), nil
}

func (m *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*WorkflowRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*WorkflowRun
	for _, r := range m.runs {
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.WorkflowSlug != "" && r.WorkflowSlug != filter.WorkflowSlug {
			continue
		}
		if filter.TriggeredBy != "" && r.TriggeredBy != filter.TriggeredBy {
			continue
		}
		if filter.EntityID != "" && r.EntityID != filter.EntityID {
			continue
		}
		out = append(out, copyOut(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit := filter.limit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) InsertRunLog(_ context.Context, log *RunLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[log.RunID]; !ok {
		return storeNotFound("run", log.RunID)
	}
	log.ExecutedAt = timeOrNow(log.ExecutedAt)
	stored, err := clone(log)
	if err != nil {
		return err
	}
	m.nextLogID++
	log.ID = m.nextLogID
	stored.ID = log.ID
	m.logs[log.RunID] = append(m.logs[log.RunID], stored)
	return nil
}

func (m *MemoryStore) ListRunLogs(_ context.Context, runID string) ([]*RunLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.logs[runID]
	out := make([]*RunLog, 0, len(src))
	for _, l := range src {
		out = append(out, copyOut(l))
	}
	return out, nil
}

// --- Records ---

func recordKey(entityType, id string) string { return entityType + "/" + id }

func (m *MemoryStore) CreateRecord(_ context.Context, rec *schema.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = idOrNew(rec.ID)
	rec.CreatedAt = timeOrNow(rec.CreatedAt)
	rec.UpdatedAt = rec.CreatedAt
	if rec.Data == nil {
		rec.Data = map[string]any{}
	}
	key := recordKey(rec.EntityType, rec.ID)
	if _, exists := m.records[key]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "%s %q already exists", rec.EntityType, rec.ID)
	}
	stored, err := clone(rec)
	if err != nil {
		return err
	}
	m.records[key] = stored
	return nil
}

func (m *MemoryStore) GetRecord(_ context.Context, entityType, id string) (*schema.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[recordKey(entityType, id)]
	if !ok {
		return nil, storeNotFound(entityType, id)
	}
	return copyOut(r), nil
}

func (m *MemoryStore) UpdateRecord(_ context.Context, entityType, id string, fields map[string]any) (*schema.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[recordKey(entityType, id)]
	if !ok {
		return nil, storeNotFound(entityType, id)
	}
	merged := mergeFields(r.Data, fields)
	copied, err := clone(&merged)
	if err != nil {
		return nil, err
	}
	r.Data = *copied
	r.UpdatedAt = time.Now().UTC()
	return copyOut(r), nil
}

func (m *MemoryStore) DeleteRecord(_ context.Context, entityType, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := recordKey(entityType, id)
	if _, ok := m.records[key]; !ok {
		return storeNotFound(entityType, id)
	}
	delete(m.records, key)
	return nil
}
