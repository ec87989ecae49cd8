package store

import (
	"time"

	"github.com/connorprovines-code/headless-crm/pkg/schema"
)

// WorkflowRun is one execution of one workflow for one event.
type WorkflowRun struct {
	ID           string           `json:"id"`
	WorkflowID   string           `json:"workflow_template_id"`
	WorkflowSlug string           `json:"workflow_slug"`
	TriggeredBy  string           `json:"triggered_by"` // event id
	EntityType   string           `json:"entity_type"`
	EntityID     string           `json:"entity_id"`
	Status       schema.RunStatus `json:"status"`
	StartedAt    time.Time        `json:"started_at"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	Context      map[string]any   `json:"context,omitempty"`
	FinalContext map[string]any   `json:"final_context,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
}

// RunUpdate is the terminal patch applied to a run.
type RunUpdate struct {
	Status       schema.RunStatus
	CompletedAt  time.Time
	FinalContext map[string]any
	ErrorMessage string
}

// RunLog is one audit row per executed or skipped step.
type RunLog struct {
	ID           int64             `json:"id,omitempty"`
	RunID        string            `json:"workflow_run_id"`
	StepOrder    int               `json:"step_order"`
	StepName     string            `json:"step_name"`
	Status       schema.StepStatus `json:"status"`
	Input        any               `json:"input,omitempty"`
	Output       any               `json:"output,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	ExecutedAt   time.Time         `json:"executed_at"`
}

// RunFilter narrows ListRuns. Zero values match everything.
type RunFilter struct {
	Status       schema.RunStatus
	WorkflowSlug string
	TriggeredBy  string
	EntityID     string
	Limit        int
}

// WorkflowFilter narrows ListWorkflows.
type WorkflowFilter struct {
	ActiveOnly   bool
	TriggerEvent string
}

const defaultListLimit = 100

func (f RunFilter) limit() int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	return f.Limit
}
