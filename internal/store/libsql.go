package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/connorprovines-code/headless-crm/pkg/schema"
)

var _ Store = (*LibSQLStore)(nil)

// LibSQLStore implements Store on libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path, e.g.
// "file:/var/lib/crm/crm.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so QueryRow is used.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Events ---

func (s *LibSQLStore) InsertEvent(ctx context.Context, evt *schema.Event) error {
	evt.ID = idOrNew(evt.ID)
	evt.CreatedAt = timeOrNow(evt.CreatedAt)
	payload, err := mapJSON(evt.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	var processedAt any
	if evt.ProcessedAt != nil {
		processedAt = evt.ProcessedAt.UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (id, type, entity_type, entity_id, payload, team_id, processed, processed_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.ID, evt.Type, evt.EntityType, evt.EntityID, payload, nullStr(evt.TeamID),
		evt.Processed, processedAt, evt.CreatedAt,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return schema.NewErrorf(schema.ErrCodeConflict, "event %q already exists", evt.ID).WithCause(err)
	}
	return err
}

const eventColumns = `id, type, entity_type, entity_id, payload, team_id, processed, processed_at, created_at`

func scanEvent(sc interface{ Scan(...any) error }) (*schema.Event, error) {
	e := &schema.Event{}
	var (
		payload     sql.NullString
		teamID      sql.NullString
		processedAt sql.NullTime
	)
	if err := sc.Scan(&e.ID, &e.Type, &e.EntityType, &e.EntityID, &payload, &teamID,
		&e.Processed, &processedAt, &e.CreatedAt); err != nil {
		return nil, err
	}
	m, err := decodeMap(payload)
	if err != nil {
		return nil, fmt.Errorf("unmarshal event payload: %w", err)
	}
	e.Payload = m
	e.TeamID = teamID.String
	if processedAt.Valid {
		t := processedAt.Time
		e.ProcessedAt = &t
	}
	return e, nil
}

func (s *LibSQLStore) GetEvent(ctx context.Context, id string) (*schema.Event, error) {
	e, err := scanEvent(s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("event", id)
	}
	return e, err
}

func (s *LibSQLStore) MarkEventProcessed(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET processed = 1, processed_at = COALESCE(processed_at, ?) WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "event", id)
}

func (s *LibSQLStore) FetchUnprocessedEvents(ctx context.Context, limit int) ([]*schema.Event, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE processed = 0 ORDER BY created_at ASC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*schema.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Workflow definitions ---

func (s *LibSQLStore) UpsertWorkflow(ctx context.Context, def *schema.WorkflowDefinition) error {
	steps, err := json.Marshal(def.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	now := time.Now().UTC()
	def.ID = idOrNew(def.ID)
	def.CreatedAt = timeOrNow(def.CreatedAt)
	def.UpdatedAt = now
	// On conflict the existing id is kept so runs keep pointing at it.
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_templates (id, slug, name, description, trigger_event, is_active, steps, timeout, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(slug) DO UPDATE SET name=excluded.name, description=excluded.description,
		   trigger_event=excluded.trigger_event, is_active=excluded.is_active, steps=excluded.steps,
		   timeout=excluded.timeout, updated_at=excluded.updated_at`,
		def.ID, def.Slug, def.Name, nullStr(def.Description), def.TriggerEvent, def.IsActive,
		string(steps), nullStr(def.Timeout), def.CreatedAt, now,
	)
	if err != nil {
		return err
	}
	return s.db.QueryRowContext(ctx, `SELECT id FROM workflow_templates WHERE slug = ?`, def.Slug).Scan(&def.ID)
}

const workflowColumns = `id, slug, name, description, trigger_event, is_active, steps, timeout, created_at, updated_at`

func scanWorkflow(sc interface{ Scan(...any) error }) (*schema.WorkflowDefinition, error) {
	d := &schema.WorkflowDefinition{}
	var (
		desc, timeout sql.NullString
		steps         string
	)
	if err := sc.Scan(&d.ID, &d.Slug, &d.Name, &desc, &d.TriggerEvent, &d.IsActive,
		&steps, &timeout, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Description = desc.String
	d.Timeout = timeout.String
	parsed, err := decodeSteps([]byte(steps))
	if err != nil {
		return nil, fmt.Errorf("workflow %q: %w", d.Slug, err)
	}
	d.Steps = parsed
	return d, nil
}

func (s *LibSQLStore) queryWorkflows(ctx context.Context, query string, args ...any) ([]*schema.WorkflowDefinition, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*schema.WorkflowDefinition
	for rows.Next() {
		d, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

func (s *LibSQLStore) FindActiveWorkflowsByTrigger(ctx context.Context, eventType string) ([]*schema.WorkflowDefinition, error) {
	return s.queryWorkflows(ctx,
		`SELECT `+workflowColumns+` FROM workflow_templates WHERE is_active = 1 AND trigger_event = ? ORDER BY slug`,
		eventType)
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, slug string) (*schema.WorkflowDefinition, error) {
	d, err := scanWorkflow(s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflow_templates WHERE slug = ?`, slug))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("workflow", slug)
	}
	return d, err
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.WorkflowDefinition, error) {
	var where []string
	var args []any
	if filter.ActiveOnly {
		where = append(where, "is_active = 1")
	}
	if filter.TriggerEvent != "" {
		where = append(where, "trigger_event = ?")
		args = append(args, filter.TriggerEvent)
	}
	query := `SELECT ` + workflowColumns + ` FROM workflow_templates`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	return s.queryWorkflows(ctx, query+" ORDER BY slug", args...)
}

// --- Runs ---

func (s *LibSQLStore) InsertRun(ctx context.Context, run *WorkflowRun) error {
	run.ID = idOrNew(run.ID)
	run.StartedAt = timeOrNow(run.StartedAt)
	if run.Status == "" {
		run.Status = schema.RunStatusRunning
	}
	initial, err := nullJSON(run.Context)
	if err != nil {
		return fmt.Errorf("marshal run context: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_runs (id, workflow_template_id, workflow_slug, triggered_by, entity_type, entity_id, status, started_at, context)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.WorkflowSlug, run.TriggeredBy, run.EntityType, run.EntityID,
		string(run.Status), run.StartedAt, initial,
	)
	return err
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	final, err := nullJSON(update.FinalContext)
	if err != nil {
		return fmt.Errorf("marshal final context: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_runs SET status = ?, completed_at = ?, final_context = ?, error_message = ? WHERE id = ?`,
		string(update.Status), timeOrNow(update.CompletedAt), final, nullStr(update.ErrorMessage), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

const runColumns = `id, workflow_template_id, workflow_slug, triggered_by, entity_type, entity_id, status, started_at, completed_at, context, final_context, error_message`

func scanRun(sc interface{ Scan(...any) error }) (*WorkflowRun, error) {
	r := &WorkflowRun{}
	var (
		status                  string
		completedAt             sql.NullTime
		initial, final, errText sql.NullString
	)
	if err := sc.Scan(&r.ID, &r.WorkflowID, &r.WorkflowSlug, &r.TriggeredBy, &r.EntityType, &r.EntityID,
		&status, &r.StartedAt, &completedAt, &initial, &final, &errText); err != nil {
		return nil, err
	}
	r.Status = schema.RunStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	var err error
	if r.Context, err = decodeMap(initial); err != nil {
		return nil, fmt.Errorf("unmarshal run context: %w", err)
	}
	if r.FinalContext, err = decodeMap(final); err != nil {
		return nil, fmt.Errorf("unmarshal final context: %w", err)
	}
	r.ErrorMessage = errText.String
	return r, nil
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*WorkflowRun, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("run", id)
	}
	return r, err
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*WorkflowRun, error) {
	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.WorkflowSlug != "" {
		where = append(where, "workflow_slug = ?")
		args = append(args, filter.WorkflowSlug)
	}
	if filter.TriggeredBy != "" {
		where = append(where, "triggered_by = ?")
		args = append(args, filter.TriggeredBy)
	}
	if filter.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	query := `SELECT ` + runColumns + ` FROM workflow_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id LIMIT ?"
	args = append(args, filter.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*WorkflowRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) InsertRunLog(ctx context.Context, log *RunLog) error {
	log.ExecutedAt = timeOrNow(log.ExecutedAt)
	input, err := nullJSON(log.Input)
	if err != nil {
		return fmt.Errorf("marshal step input: %w", err)
	}
	output, err := nullJSON(log.Output)
	if err != nil {
		return fmt.Errorf("marshal step output: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_run_logs (workflow_run_id, step_order, step_name, status, input, output, error_message, executed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		log.RunID, log.StepOrder, log.StepName, string(log.Status), input, output,
		nullStr(log.ErrorMessage), log.ExecutedAt,
	)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		log.ID = id
	}
	return nil
}

func (s *LibSQLStore) ListRunLogs(ctx context.Context, runID string) ([]*RunLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_run_id, step_order, step_name, status, input, output, error_message, executed_at
		 FROM workflow_run_logs WHERE workflow_run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*RunLog
	for rows.Next() {
		l := &RunLog{}
		var (
			status                 string
			input, output, errText sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.RunID, &l.StepOrder, &l.StepName, &status,
			&input, &output, &errText, &l.ExecutedAt); err != nil {
			return nil, err
		}
		l.Status = schema.StepStatus(status)
		l.Input = decodeAny(input)
		l.Output = decodeAny(output)
		l.ErrorMessage = errText.String
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// --- Records ---

func (s *LibSQLStore) CreateRecord(ctx context.Context, rec *schema.Record) error {
	rec.ID = idOrNew(rec.ID)
	rec.CreatedAt = timeOrNow(rec.CreatedAt)
	rec.UpdatedAt = rec.CreatedAt
	data, err := mapJSON(rec.Data)
	if err != nil {
		return fmt.Errorf("marshal record data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (entity_type, id, team_id, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.EntityType, rec.ID, nullStr(rec.TeamID), data, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return schema.NewErrorf(schema.ErrCodeConflict, "%s %q already exists", rec.EntityType, rec.ID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetRecord(ctx context.Context, entityType, id string) (*schema.Record, error) {
	r := &schema.Record{}
	var (
		teamID sql.NullString
		data   sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT entity_type, id, team_id, data, created_at, updated_at FROM records WHERE entity_type = ? AND id = ?`,
		entityType, id,
	).Scan(&r.EntityType, &r.ID, &teamID, &data, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound(entityType, id)
	}
	if err != nil {
		return nil, err
	}
	r.TeamID = teamID.String
	if r.Data, err = decodeMap(data); err != nil {
		return nil, fmt.Errorf("unmarshal record data: %w", err)
	}
	if r.Data == nil {
		r.Data = map[string]any{}
	}
	return r, nil
}

// UpdateRecord merges fields into the record's data. The read-modify-write
// runs in one transaction.
func (s *LibSQLStore) UpdateRecord(ctx context.Context, entityType, id string, fields map[string]any) (*schema.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var data sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT data FROM records WHERE entity_type = ? AND id = ?`, entityType, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound(entityType, id)
	}
	if err != nil {
		return nil, err
	}
	current, err := decodeMap(data)
	if err != nil {
		return nil, fmt.Errorf("unmarshal record data: %w", err)
	}
	merged, err := mapJSON(mergeFields(current, fields))
	if err != nil {
		return nil, fmt.Errorf("marshal record data: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE records SET data = ?, updated_at = ? WHERE entity_type = ? AND id = ?`,
		merged, time.Now().UTC(), entityType, id,
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetRecord(ctx, entityType, id)
}

func (s *LibSQLStore) DeleteRecord(ctx context.Context, entityType, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE entity_type = ? AND id = ?`, entityType, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, entityType, id)
}
