package schema

import "time"

// CRM entity types stored in the generic records table.
const (
	EntityContact      = "contact"
	EntityCompany      = "company"
	EntityTask         = "task"
	EntityNotification = "notification"
)

// Record is a CRM entity stored as a JSON document keyed by entity type.
type Record struct {
	ID         string         `json:"id"`
	TeamID     string         `json:"team_id,omitempty"`
	EntityType string         `json:"entity_type"`
	Data       map[string]any `json:"data"`
	CreatedAt  time.Time      `json:"created_at,omitzero"`
	UpdatedAt  time.Time      `json:"updated_at,omitzero"`
}
