package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
)

// DispatchNotifier tells the client that started a background dispatch how
// it ended.
type DispatchNotifier interface {
	Notify(ctx context.Context, eventID string, payload map[string]any) error
}

// MCPNotifier implements DispatchNotifier with MCP log-message notifications.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes to the waiting session.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends payload to the session waiting on eventID and forgets the
// mapping. Best-effort: returns nil if nobody is waiting.
func (n *MCPNotifier) Notify(_ context.Context, eventID string, payload map[string]any) error {
	sessionID, ok := n.sessions.Take(eventID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", map[string]any{
		"level":  "info",
		"logger": "crm.dispatch",
		"data":   payload,
	})
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session closed while the dispatch ran.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}
