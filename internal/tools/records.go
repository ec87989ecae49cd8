package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/connorprovines-code/headless-crm/pkg/schema"
)

// RecordStore is the slice of persistence the CRM record tools need.
type RecordStore interface {
	CreateRecord(ctx context.Context, rec *schema.Record) error
	GetRecord(ctx context.Context, entityType, id string) (*schema.Record, error)
	UpdateRecord(ctx context.Context, entityType, id string, fields map[string]any) (*schema.Record, error)
	DeleteRecord(ctx context.Context, entityType, id string) error
}

// RecordTools returns crm.update_record, crm.delete_record, crm.create_task
// and crm.notify bound to store. When notifyURL is set crm.notify also posts
// the notification there.
func RecordTools(store RecordStore, notifyURL string, httpCfg HTTPConfig) []Tool {
	return []Tool{
		&updateRecordTool{store: store},
		&deleteRecordTool{store: store},
		&createTaskTool{store: store},
		&notifyTool{store: store, url: notifyURL, http: httpCfg.withDefaults()},
	}
}

// notFound turns a missing record into a provider answer instead of a
// transport failure.
func notFound(err error, entityType, id string) (*Result, error) {
	if schema.IsNotFound(err) {
		return Fail("%s %s not found", entityType, id), nil
	}
	return nil, err
}

const updateRecordInputSchema = `{
  "type": "object",
  "properties": {
    "entity_type": {"type": "string", "minLength": 1},
    "id": {"type": "string", "minLength": 1},
    "fields": {"type": "object"}
  },
  "required": ["entity_type", "id", "fields"]
}`

type updateRecordTool struct{ store RecordStore }

func (t *updateRecordTool) Name() string { return "crm.update_record" }

func (t *updateRecordTool) Schema() Schema {
	return Schema{
		Description: "Merge fields into a CRM record.",
		InputSchema: json.RawMessage(updateRecordInputSchema),
	}
}

func (t *updateRecordTool) Execute(ctx context.Context, input map[string]any) (*Result, error) {
	entityType := stringParam(input, "entity_type", "")
	id := stringParam(input, "id", "")
	fields := mapParam(input, "fields")
	if entityType == "" || id == "" {
		return Fail("entity_type and id are required"), nil
	}
	if len(fields) == 0 {
		return Fail("fields must be a non-empty object"), nil
	}
	rec, err := t.store.UpdateRecord(ctx, entityType, id, fields)
	if err != nil {
		return notFound(err, entityType, id)
	}
	return OK(rec), nil
}

const deleteRecordInputSchema = `{
  "type": "object",
  "properties": {
    "entity_type": {"type": "string", "minLength": 1},
    "id": {"type": "string", "minLength": 1}
  },
  "required": ["entity_type", "id"]
}`

type deleteRecordTool struct{ store RecordStore }

func (t *deleteRecordTool) Name() string { return "crm.delete_record" }

func (t *deleteRecordTool) Schema() Schema {
	return Schema{
		Description: "Delete a CRM record.",
		InputSchema: json.RawMessage(deleteRecordInputSchema),
	}
}

func (t *deleteRecordTool) Execute(ctx context.Context, input map[string]any) (*Result, error) {
	entityType := stringParam(input, "entity_type", "")
	id := stringParam(input, "id", "")
	if entityType == "" || id == "" {
		return Fail("entity_type and id are required"), nil
	}
	if err := t.store.DeleteRecord(ctx, entityType, id); err != nil {
		return notFound(err, entityType, id)
	}
	return OK(map[string]any{"deleted": true, "entity_type": entityType, "id": id}), nil
}

const createTaskInputSchema = `{
  "type": "object",
  "properties": {
    "title": {"type": "string", "minLength": 1},
    "contact_id": {"type": "string"},
    "company_id": {"type": "string"},
    "assignee": {"type": "string"},
    "due_in_days": {"type": "integer", "minimum": 0},
    "notes": {"type": "string"},
    "team_id": {"type": "string"}
  },
  "required": ["title"]
}`

type createTaskTool struct {
	store RecordStore
	now   func() time.Time
}

func (t *createTaskTool) Name() string { return "crm.create_task" }

func (t *createTaskTool) Schema() Schema {
	return Schema{
		Description: "Create a follow-up task, optionally linked to a contact or company.",
		InputSchema: json.RawMessage(createTaskInputSchema),
	}
}

func (t *createTaskTool) Execute(ctx context.Context, input map[string]any) (*Result, error) {
	title := stringParam(input, "title", "")
	if title == "" {
		return Fail("title is required"), nil
	}
	now := time.Now
	if t.now != nil {
		now = t.now
	}

	data := map[string]any{"title": title, "status": "open"}
	for _, k := range []string{"contact_id", "company_id", "assignee", "notes"} {
		if v := stringParam(input, k, ""); v != "" {
			data[k] = v
		}
	}
	if days := intParam(input, "due_in_days", -1); days >= 0 {
		data["due_at"] = now().UTC().AddDate(0, 0, days).Format(time.RFC3339)
	}

	rec := &schema.Record{
		ID:         uuid.NewString(),
		TeamID:     stringParam(input, "team_id", ""),
		EntityType: schema.EntityTask,
		Data:       data,
	}
	if err := t.store.CreateRecord(ctx, rec); err != nil {
		return nil, err
	}
	return OK(rec), nil
}

const notifyInputSchema = `{
  "type": "object",
  "properties": {
    "message": {"type": "string", "minLength": 1},
    "channel": {"type": "string"},
    "recipient": {"type": "string"},
    "entity_type": {"type": "string"},
    "entity_id": {"type": "string"},
    "team_id": {"type": "string"}
  },
  "required": ["message"]
}`

type notifyTool struct {
	store RecordStore
	url   string
	http  HTTPConfig
}

func (t *notifyTool) Name() string { return "crm.notify" }

func (t *notifyTool) Schema() Schema {
	return Schema{
		Description: "Record a notification and forward it to the configured notification webhook.",
		InputSchema: json.RawMessage(notifyInputSchema),
	}
}

func (t *notifyTool) Execute(ctx context.Context, input map[string]any) (*Result, error) {
	message := stringParam(input, "message", "")
	if message == "" {
		return Fail("message is required"), nil
	}
	data := map[string]any{
		"message": message,
		"channel": stringParam(input, "channel", "default"),
	}
	for _, k := range []string{"recipient", "entity_type", "entity_id"} {
		if v := stringParam(input, k, ""); v != "" {
			data[k] = v
		}
	}

	rec := &schema.Record{
		ID:         uuid.NewString(),
		TeamID:     stringParam(input, "team_id", ""),
		EntityType: schema.EntityNotification,
		Data:       data,
	}
	if err := t.store.CreateRecord(ctx, rec); err != nil {
		return nil, err
	}

	out := map[string]any{"notification_id": rec.ID, "delivered": false}
	if t.url == "" {
		return OK(out), nil
	}
	resp, err := doJSON(ctx, t.http, http.MethodPost, t.url, nil, data)
	if err != nil {
		var ce *schema.CRMError
		if errors.As(err, &ce) {
			return &Result{Success: false, Data: out, Error: ce.Message}, nil
		}
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return &Result{Success: false, Data: out, Error: "notification webhook rejected the message"}, nil
	}
	out["delivered"] = true
	return OK(out), nil
}
