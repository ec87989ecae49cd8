package api

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/connorprovines-code/headless-crm/internal/dispatch"
	"github.com/connorprovines-code/headless-crm/internal/logging"
	"github.com/connorprovines-code/headless-crm/internal/store"
	"github.com/connorprovines-code/headless-crm/pkg/schema"
)

const maxIntakeBody = 1 << 20

// Health reports liveness.
// (GET /healthz)
func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

// IntakeResponse is returned by event intake when the dispatch runs in the
// background or the delivery is ignored.
type IntakeResponse struct {
	Accepted bool   `json:"accepted"`
	EventID  string `json:"event_id,omitempty"`
	Ignored  bool   `json:"ignored,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// PostEvent accepts a database webhook envelope or a direct event object.
// Dispatch runs in the background unless wait=true, in which case the
// dispatch summary is returned.
// (POST /v1/events)
func (s *Server) PostEvent(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxIntakeBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body: "+err.Error())
	}
	in, err := dispatch.NormalizeEnvelope(body)
	if err != nil {
		return httpError(err)
	}
	if in.Ignored {
		return c.JSON(http.StatusAccepted, IntakeResponse{Ignored: true, Reason: in.Reason})
	}

	evt := in.Event
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	ctx := logging.WithEventID(c.Request().Context(), evt.ID)

	if wait, _ := strconv.ParseBool(c.QueryParam("wait")); wait {
		res, err := s.deps.Dispatcher.Dispatch(ctx, evt)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, res)
	}

	// The request context ends with the response; the dispatch must not.
	bg := context.WithoutCancel(ctx)
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		if _, err := s.deps.Dispatcher.Dispatch(bg, evt); err != nil {
			logging.LogWith(bg, s.deps.Logger).Error("background dispatch failed", "type", evt.Type, "error", err)
		}
	}()
	return c.JSON(http.StatusAccepted, IntakeResponse{Accepted: true, EventID: evt.ID})
}

// ListRuns lists runs newest first, filtered by status, workflow, entity or
// triggering event.
// (GET /v1/runs)
func (s *Server) ListRuns(c echo.Context) error {
	filter := store.RunFilter{
		Status:       schema.RunStatus(c.QueryParam("status")),
		WorkflowSlug: c.QueryParam("workflow"),
		EntityID:     c.QueryParam("entity_id"),
		TriggeredBy:  c.QueryParam("event_id"),
	}
	switch filter.Status {
	case "", schema.RunStatusRunning, schema.RunStatusCompleted, schema.RunStatusStopped, schema.RunStatusFailed:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown status "+strconv.Quote(string(filter.Status)))
	}
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		filter.Limit = n
	}

	runs, err := s.deps.Store.ListRuns(c.Request().Context(), filter)
	if err != nil {
		return httpError(err)
	}
	if runs == nil {
		runs = []*store.WorkflowRun{}
	}
	return c.JSON(http.StatusOK, runs)
}

// RunDetail is a run with its step audit trail.
type RunDetail struct {
	Run  *store.WorkflowRun `json:"run"`
	Logs []*store.RunLog    `json:"logs"`
}

// GetRun returns one run and its logs.
// (GET /v1/runs/:id)
func (s *Server) GetRun(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	run, err := s.deps.Store.GetRun(ctx, id)
	if err != nil {
		return httpError(err)
	}
	logs, err := s.deps.Store.ListRunLogs(ctx, id)
	if err != nil {
		return httpError(err)
	}
	if logs == nil {
		logs = []*store.RunLog{}
	}
	return c.JSON(http.StatusOK, RunDetail{Run: run, Logs: logs})
}

// ListWorkflows lists stored definitions.
// (GET /v1/workflows)
func (s *Server) ListWorkflows(c echo.Context) error {
	active, _ := strconv.ParseBool(c.QueryParam("active"))
	defs, err := s.deps.Store.ListWorkflows(c.Request().Context(), store.WorkflowFilter{
		ActiveOnly:   active,
		TriggerEvent: c.QueryParam("trigger"),
	})
	if err != nil {
		return httpError(err)
	}
	if defs == nil {
		defs = []*schema.WorkflowDefinition{}
	}
	return c.JSON(http.StatusOK, defs)
}

// PutWorkflowResponse echoes the stored definition with any validation
// warnings.
type PutWorkflowResponse struct {
	Workflow *schema.WorkflowDefinition `json:"workflow"`
	Warnings []schema.ValidationIssue   `json:"warnings,omitempty"`
}

// PutWorkflow validates and upserts a definition keyed by slug.
// (PUT /v1/workflows)
func (s *Server) PutWorkflow(c echo.Context) error {
	var def schema.WorkflowDefinition
	if err := c.Bind(&def); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}

	var warnings []schema.ValidationIssue
	if s.deps.Validator != nil {
		result := s.deps.Validator.Validate(&def)
		if !result.Valid() {
			return c.JSON(http.StatusUnprocessableEntity, result)
		}
		warnings = result.Warnings
	}

	if err := s.deps.Store.UpsertWorkflow(c.Request().Context(), &def); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, PutWorkflowResponse{Workflow: &def, Warnings: warnings})
}
