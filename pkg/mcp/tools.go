package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/connorprovines-code/headless-crm/internal/logging"
	"github.com/connorprovines-code/headless-crm/internal/store"
	"github.com/connorprovines-code/headless-crm/pkg/schema"
)

const defaultRunLimit = 50

// DispatchAccepted is returned when a dispatch runs in the background.
type DispatchAccepted struct {
	Accepted bool   `json:"accepted"`
	EventID  string `json:"event_id"`
}

// RunDetail is a run with its step log.
type RunDetail struct {
	Run  *store.WorkflowRun `json:"run"`
	Logs []*store.RunLog    `json:"logs"`
}

// handleDispatchEvent stores and dispatches an event.
func (s *CRMServer) handleDispatchEvent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	eventType, err := req.RequireString("type")
	if err != nil {
		return mcp.NewToolResultError("type is required"), nil
	}
	if s.dispatcher == nil {
		return mcp.NewToolResultError("dispatcher not configured"), nil
	}

	evt := &schema.Event{
		ID:         req.GetString("id", ""),
		Type:       eventType,
		EntityType: req.GetString("entity_type", ""),
		EntityID:   req.GetString("entity_id", ""),
		TeamID:     req.GetString("team_id", ""),
		Payload:    mcp.ParseStringMap(req, "payload", map[string]any{}),
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	ctx = logging.WithEventID(ctx, evt.ID)

	if req.GetBool("wait", true) {
		res, dispatchErr := s.dispatcher.Dispatch(ctx, evt)
		if dispatchErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("dispatch failed: %v", dispatchErr)), nil
		}
		return marshalResult(res)
	}

	// Capture session mapping so the caller hears when the dispatch ends.
	s.captureSession(ctx, evt.ID)

	bg := context.WithoutCancel(ctx)
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		payload := map[string]any{"event_id": evt.ID, "type": evt.Type}
		res, dispatchErr := s.dispatcher.Dispatch(bg, evt)
		if dispatchErr != nil {
			logging.LogWith(bg, s.logger).Error("background dispatch failed", "type", evt.Type, "error", dispatchErr)
			payload["error"] = dispatchErr.Error()
		} else {
			payload["result"] = res
		}
		if notifyErr := s.notifier.Notify(bg, evt.ID, payload); notifyErr != nil {
			s.logger.Warn("dispatch notification failed", "event_id", evt.ID, "error", notifyErr)
		}
	}()
	return marshalResult(DispatchAccepted{Accepted: true, EventID: evt.ID})
}

// handleListRuns lists runs matching the filter arguments.
func (s *CRMServer) handleListRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.RunFilter{
		Status:       schema.RunStatus(req.GetString("status", "")),
		WorkflowSlug: req.GetString("workflow", ""),
		EntityID:     req.GetString("entity_id", ""),
		TriggeredBy:  req.GetString("event_id", ""),
		Limit:        req.GetInt("limit", defaultRunLimit),
	}
	switch filter.Status {
	case "", schema.RunStatusRunning, schema.RunStatusCompleted, schema.RunStatusStopped, schema.RunStatusFailed:
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown status %q", filter.Status)), nil
	}
	if filter.Limit < 1 {
		return mcp.NewToolResultError("limit must be positive"), nil
	}

	runs, err := s.store.ListRuns(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list runs failed: %v", err)), nil
	}
	if runs == nil {
		runs = []*store.WorkflowRun{}
	}
	return marshalResult(runs)
}

// handleGetRun returns one run and its logs.
func (s *CRMServer) handleGetRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		if schema.IsNotFound(err) {
			return mcp.NewToolResultError(fmt.Sprintf("run %s not found", runID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("get run failed: %v", err)), nil
	}
	logs, err := s.store.ListRunLogs(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list run logs failed: %v", err)), nil
	}
	if logs == nil {
		logs = []*store.RunLog{}
	}
	return marshalResult(RunDetail{Run: run, Logs: logs})
}

// handleListWorkflows lists stored definitions.
func (s *CRMServer) handleListWorkflows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defs, err := s.store.ListWorkflows(ctx, store.WorkflowFilter{
		ActiveOnly:   req.GetBool("active_only", false),
		TriggerEvent: req.GetString("trigger", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list workflows failed: %v", err)), nil
	}
	if defs == nil {
		defs = []*schema.WorkflowDefinition{}
	}
	return marshalResult(defs)
}

// captureSession records which MCP session waits on eventID.
func (s *CRMServer) captureSession(ctx context.Context, eventID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(eventID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
