package mcp

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/connorprovines-code/headless-crm/internal/dispatch"
	"github.com/connorprovines-code/headless-crm/internal/store"
)

// Version is reported to MCP clients.
var Version = "dev"

// Store is the persistence the MCP tools read.
type Store interface {
	store.WorkflowStore
	store.RunStore
}

// CRMServerDeps holds the dependencies for creating a CRMServer.
type CRMServerDeps struct {
	Store      Store
	Dispatcher dispatch.EventDispatcher
	Logger     *slog.Logger
}

// CRMServer wraps an MCP server with CRM tool handlers.
type CRMServer struct {
	store      Store
	dispatcher dispatch.EventDispatcher
	logger     *slog.Logger
	sessions   *SessionRegistry
	notifier   DispatchNotifier
	mcpServer  *server.MCPServer

	// background tracks dispatches started without wait.
	background sync.WaitGroup
}

// NewCRMServer creates a new CRMServer with all 4 tools registered.
func NewCRMServer(deps CRMServerDeps) *CRMServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &CRMServer{
		store:      deps.Store,
		dispatcher: deps.Dispatcher,
		logger:     logger,
		sessions:   NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"headless-crm",
		Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Headless CRM runs event-driven agent workflows. Use crm.dispatch_event to feed an event through the matching workflows, crm.list_runs and crm.get_run to inspect what happened, and crm.list_workflows to see which workflows react to which events."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *CRMServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	err := stdio.Listen(ctx, os.Stdin, os.Stdout)
	s.background.Wait()
	return err
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *CRMServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Wait blocks until every background dispatch has finished.
func (s *CRMServer) Wait() {
	s.background.Wait()
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *CRMServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: dispatchEventTool(), Handler: s.handleDispatchEvent},
		{Tool: listRunsTool(), Handler: s.handleListRuns},
		{Tool: getRunTool(), Handler: s.handleGetRun},
		{Tool: listWorkflowsTool(), Handler: s.handleListWorkflows},
	}
}

// --- Tool definitions ---

func dispatchEventTool() mcp.Tool {
	return mcp.NewTool("crm.dispatch_event",
		mcp.WithDescription("Dispatch a CRM event through every active workflow it triggers"),
		mcp.WithString("type", mcp.Required(), mcp.Description("Event type, e.g. contact.created")),
		mcp.WithString("entity_type", mcp.Description("Type of the record the event is about")),
		mcp.WithString("entity_id", mcp.Description("ID of the record the event is about")),
		mcp.WithObject("payload", mcp.Description("Event payload")),
		mcp.WithString("id", mcp.Description("Event ID; redelivering a processed ID is a no-op")),
		mcp.WithString("team_id", mcp.Description("Owning team")),
		mcp.WithBoolean("wait", mcp.Description("Wait for the dispatch and return its summary (default: true)")),
	)
}

func listRunsTool() mcp.Tool {
	return mcp.NewTool("crm.list_runs",
		mcp.WithDescription("List workflow runs, newest first"),
		mcp.WithString("status",
			mcp.Enum("running", "completed", "stopped", "failed"),
			mcp.Description("Only runs in this status"),
		),
		mcp.WithString("workflow", mcp.Description("Only runs of this workflow slug")),
		mcp.WithString("entity_id", mcp.Description("Only runs about this record")),
		mcp.WithString("event_id", mcp.Description("Only runs triggered by this event")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of runs (default: 50)")),
	)
}

func getRunTool() mcp.Tool {
	return mcp.NewTool("crm.get_run",
		mcp.WithDescription("Get a workflow run with its step log"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
	)
}

func listWorkflowsTool() mcp.Tool {
	return mcp.NewTool("crm.list_workflows",
		mcp.WithDescription("List workflow definitions"),
		mcp.WithBoolean("active_only", mcp.Description("Only active workflows")),
		mcp.WithString("trigger", mcp.Description("Only workflows triggered by this event type")),
	)
}
