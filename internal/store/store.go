package store

import (
	"context"

	"github.com/connorprovines-code/headless-crm/pkg/schema"
)

// EventStore persists CRM events. Only the processed flag ever changes.
type EventStore interface {
	InsertEvent(ctx context.Context, evt *schema.Event) error
	GetEvent(ctx context.Context, id string) (*schema.Event, error)
	// MarkEventProcessed sets processed=true and processed_at=now. Marking an
	// already processed event is a no-op.
	MarkEventProcessed(ctx context.Context, id string) error
	// FetchUnprocessedEvents returns up to limit unprocessed events, oldest first.
	FetchUnprocessedEvents(ctx context.Context, limit int) ([]*schema.Event, error)
}

// WorkflowStore persists workflow definitions.
type WorkflowStore interface {
	// FindActiveWorkflowsByTrigger returns active definitions whose
	// trigger_event equals eventType.
	FindActiveWorkflowsByTrigger(ctx context.Context, eventType string) ([]*schema.WorkflowDefinition, error)
	// UpsertWorkflow inserts or replaces the definition keyed by slug.
	UpsertWorkflow(ctx context.Context, def *schema.WorkflowDefinition) error
	GetWorkflow(ctx context.Context, slug string) (*schema.WorkflowDefinition, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.WorkflowDefinition, error)
}

// RunStore persists workflow runs and their step audit trail.
type RunStore interface {
	InsertRun(ctx context.Context, run *WorkflowRun) error
	// UpdateRun finalizes a run. It is called exactly once per run.
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	GetRun(ctx context.Context, id string) (*WorkflowRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*WorkflowRun, error)
	InsertRunLog(ctx context.Context, log *RunLog) error
	ListRunLogs(ctx context.Context, runID string) ([]*RunLog, error)
}

// RecordStore persists CRM entities (contacts, companies, tasks,
// notifications) as JSON documents.
type RecordStore interface {
	CreateRecord(ctx context.Context, rec *schema.Record) error
	GetRecord(ctx context.Context, entityType, id string) (*schema.Record, error)
	UpdateRecord(ctx context.Context, entityType, id string, fields map[string]any) (*schema.Record, error)
	DeleteRecord(ctx context.Context, entityType, id string) error
}

// Store is the full persistence contract. Implementations must be safe for
// concurrent use.
type Store interface {
	EventStore
	WorkflowStore
	RunStore
	RecordStore

	Migrate(ctx context.Context) error
	Close() error
}
