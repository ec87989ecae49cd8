package dispatch

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/connorprovines-code/headless-crm/pkg/schema"
)

// Intake is a normalized trigger delivery.
type Intake struct {
	Event *schema.Event
	// Ignored is set for deliveries that must not be dispatched, such as
	// DELETE envelopes or updates of already processed rows.
	Ignored bool
	Reason  string
}

// envelope is a database webhook delivery wrapping an events row.
type envelope struct {
	Op     string          `json:"type"`
	Table  string          `json:"table"`
	Record json.RawMessage `json:"record"`
}

const eventsTable = "events"

// eventRecord is an events row as delivered over the wire. Both event_type
// and type name the event type.
type eventRecord struct {
	ID          string          `json:"id"`
	EventType   string          `json:"event_type"`
	Type        string          `json:"type"`
	EntityType  string          `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	Payload     json.RawMessage `json:"payload"`
	TeamID      string          `json:"team_id"`
	Processed   bool            `json:"processed"`
	ProcessedAt *time.Time      `json:"processed_at"`
	CreatedAt   *time.Time      `json:"created_at"`
}

// NormalizeEnvelope accepts a database webhook envelope
// ({"type":"INSERT","table":"events","record":{...}}), a bare {"record":{...}}
// or a direct event object, and returns the event it carries.
func NormalizeEnvelope(body []byte) (*Intake, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "intake body must be a JSON object").WithCause(err)
	}

	raw, wrapped := probe["record"]
	if !wrapped {
		evt, err := decodeRecord(body)
		if err != nil {
			return nil, err
		}
		return &Intake{Event: evt}, nil
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "malformed envelope").WithCause(err)
	}
	op := strings.ToUpper(strings.TrimSpace(env.Op))
	if env.Table != "" && env.Table != eventsTable {
		return &Intake{Ignored: true, Reason: "table " + env.Table + " does not carry events"}, nil
	}
	if isNull(raw) {
		return &Intake{Ignored: true, Reason: "envelope has no record (" + strings.ToLower(op) + ")"}, nil
	}
	evt, err := decodeRecord(raw)
	if err != nil {
		return nil, err
	}
	switch op {
	case "", "INSERT":
		return &Intake{Event: evt}, nil
	case "UPDATE", "DELETE":
		if evt.Processed {
			return &Intake{Event: evt, Ignored: true, Reason: strings.ToLower(op) + " of processed event"}, nil
		}
		return &Intake{Event: evt}, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown envelope type %q", env.Op)
	}
}

func decodeRecord(raw []byte) (*schema.Event, error) {
	var rec eventRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "malformed event record").WithCause(err)
	}
	evt := &schema.Event{
		ID:          rec.ID,
		Type:        rec.EventType,
		EntityType:  rec.EntityType,
		EntityID:    rec.EntityID,
		TeamID:      rec.TeamID,
		Processed:   rec.Processed,
		ProcessedAt: rec.ProcessedAt,
	}
	if evt.Type == "" {
		evt.Type = rec.Type
	}
	if evt.Type == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "event record has no event_type")
	}
	if rec.CreatedAt != nil {
		evt.CreatedAt = *rec.CreatedAt
	}

	payload, err := decodePayload(rec.Payload)
	if err != nil {
		return nil, err
	}
	evt.Payload = payload
	return evt, nil
}

// decodePayload reads an object payload, or a JSON string holding one as
// some database webhooks deliver jsonb columns.
func decodePayload(raw json.RawMessage) (map[string]any, error) {
	if isNull(raw) {
		return map[string]any{}, nil
	}
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err == nil {
		if strings.TrimSpace(encoded) == "" {
			return map[string]any{}, nil
		}
		raw = json.RawMessage(encoded)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "event payload must be an object").WithCause(err)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return payload, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
