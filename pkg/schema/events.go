package schema

import (
	"strconv"
	"strings"
	"time"
)

// Well-known CRM event types fired by record hooks and the seeded agents.
const (
	EventContactCreated = "contact.created"
	EventCompanyCreated = "company.created"
	EventIntakeNewLead  = "intake.new_lead"
	EventSDRQualified   = "sdr.qualified"
	EventSDRDisqualify  = "sdr.disqualified"
)

// PayloadDelayUntil is the payload key that defers dispatch of an event.
const PayloadDelayUntil = "delay_until"

// Event is a CRM event row. Only Processed and ProcessedAt ever change after
// the row is written.
type Event struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	EntityType  string         `json:"entity_type"`
	EntityID    string         `json:"entity_id"`
	Payload     map[string]any `json:"payload,omitempty"`
	TeamID      string         `json:"team_id,omitempty"`
	Processed   bool           `json:"processed"`
	ProcessedAt *time.Time     `json:"processed_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at,omitzero"`
}

// DelayUntil returns the payload's delay_until instant. Accepted forms are an
// RFC 3339 string or unix seconds.
func (e *Event) DelayUntil() (time.Time, bool) {
	if e.Payload == nil {
		return time.Time{}, false
	}
	switch v := e.Payload[PayloadDelayUntil].(type) {
	case string:
		s := strings.TrimSpace(v)
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t, true
		}
		if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.Unix(secs, 0), true
		}
	case float64:
		return time.Unix(int64(v), 0), true
	case int64:
		return time.Unix(v, 0), true
	case int:
		return time.Unix(int64(v), 0), true
	case time.Time:
		return v, true
	}
	return time.Time{}, false
}

// Seed builds the initial execution context of a run triggered by e.
func (e *Event) Seed() map[string]any {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	var teamID any
	if e.TeamID != "" {
		teamID = e.TeamID
	}
	return map[string]any{
		"event": map[string]any{
			"id":          e.ID,
			"type":        e.Type,
			"entity_type": e.EntityType,
			"entity_id":   e.EntityID,
			"payload":     payload,
		},
		"team_id": teamID,
	}
}

// EmitEvent is a step's request to enqueue a follow-up event. Empty entity
// fields inherit the triggering event's values.
type EmitEvent struct {
	EventType  string         `json:"event_type"`
	EntityType string         `json:"entity_type,omitempty"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusStopped   RunStatus = "stopped"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusStopped || s == RunStatusFailed
}

// StepStatus is the outcome recorded in a run-log row.
type StepStatus string

const (
	StepStatusCompleted StepStatus = "completed"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusFailed    StepStatus = "failed"
)
