package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/orchestra/internal/store"
)

// AgentNotifier pushes notifications to connected agents.
type AgentNotifier interface {
	Notify(ctx context.Context, agentID string, payload map[string]any) error
}

// MCPNotifier implements AgentNotifier using MCP push.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes via MCP.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the agent's session.
// Best-effort: returns nil if the agent is not connected.
func (n *MCPNotifier) Notify(_ context.Context, agentID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(agentID)
	if !ok {
		return nil // agent not connected, best-effort
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// PlanFinishedNotifier tells the submitting agent that its plan execution
// reached a final status. It is registered as an engine plan observer.
type PlanFinishedNotifier struct {
	sessions *SessionRegistry
	notifier AgentNotifier
}

func NewPlanFinishedNotifier(sessions *SessionRegistry, notifier AgentNotifier) *PlanFinishedNotifier {
	return &PlanFinishedNotifier{sessions: sessions, notifier: notifier}
}

func (p *PlanFinishedNotifier) OnPlanFinished(ctx context.Context, pe *store.PlanExecution) error {
	agentID, ok := p.sessions.Release(pe.ID)
	if !ok {
		return nil
	}
	return p.notifier.Notify(ctx, agentID, map[string]any{
		"level": "info",
		"data": map[string]any{
			"event":             "plan_finished",
			"plan_execution_id": pe.ID,
			"status":            string(pe.Status),
		},
	})
}
