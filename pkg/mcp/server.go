package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/orchestra/internal/engine"
	"github.com/rendis/orchestra/internal/interrupt"
	"github.com/rendis/orchestra/internal/planfile"
	"github.com/rendis/orchestra/internal/steps"
	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/pkg/schema"
)

// PlanEngine is the part of the engine the tools drive.
type PlanEngine interface {
	Submit(ctx context.Context, plan *schema.Plan, setup map[string]string) (string, error)
	GetStatus(ctx context.Context, planExecutionID string) (*engine.Snapshot, error)
	Notify(ctx context.Context, planExecutionID string, resp schema.ResponseData) error
}

// InterruptRaiser registers interrupts.
type InterruptRaiser interface {
	Raise(ctx context.Context, req interrupt.Request) (*store.Interrupt, error)
}

// RestraintController manages resource restraints.
type RestraintController interface {
	Declare(ctx context.Context, resourceID string, capacity int) error
	Acquire(ctx context.Context, resourceID, consumerID, planExecutionID string) (*store.RestraintInstance, error)
	Release(ctx context.Context, resourceID, consumerID string) (bool, error)
	Claims(ctx context.Context, resourceID string) ([]*store.RestraintInstance, error)
}

// EventHistory reads the event log of a plan execution.
type EventHistory interface {
	History(ctx context.Context, planExecutionID string) ([]*store.Event, error)
}

// PlanLoader resolves named plan documents.
type PlanLoader interface {
	Load(name string) (*planfile.Document, error)
}

// OrchestraServerDeps holds the dependencies for creating an OrchestraServer.
type OrchestraServerDeps struct {
	Engine     PlanEngine
	Interrupts InterruptRaiser
	Restraints RestraintController
	Events     EventHistory
	Plans      PlanLoader
	Steps      *steps.Registry
	Sessions   *SessionRegistry
	Logger     *slog.Logger
}

// OrchestraServer wraps an MCP server with orchestra tool handlers.
type OrchestraServer struct {
	engine     PlanEngine
	interrupts InterruptRaiser
	restraints RestraintController
	events     EventHistory
	plans      PlanLoader
	steps      *steps.Registry
	sessions   *SessionRegistry
	logger     *slog.Logger
	mcpServer  *server.MCPServer
}

// NewOrchestraServer creates a new OrchestraServer with all tools registered.
func NewOrchestraServer(deps OrchestraServerDeps) *OrchestraServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = NewSessionRegistry()
	}

	s := &OrchestraServer{
		engine:     deps.Engine,
		interrupts: deps.Interrupts,
		restraints: deps.Restraints,
		events:     deps.Events,
		plans:      deps.Plans,
		steps:      deps.Steps,
		sessions:   sessions,
		logger:     logger,
	}

	mcpSrv := server.NewMCPServer(
		"orchestra",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Orchestra executes resumable plans. Use orchestra.submit to start a plan, orchestra.status to inspect it, orchestra.interrupt to abort, pause, resume, retry or resolve nodes, orchestra.notify to deliver external responses, orchestra.acquire and orchestra.release to manage resource restraints, and orchestra.query to read events, step types and restraint claims."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *OrchestraServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *OrchestraServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the agent session registry.
func (s *OrchestraServer) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *OrchestraServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: submitTool(), Handler: s.handleSubmit},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: interruptTool(), Handler: s.handleInterrupt},
		{Tool: notifyTool(), Handler: s.handleNotify},
		{Tool: acquireTool(), Handler: s.handleAcquire},
		{Tool: releaseTool(), Handler: s.handleRelease},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func submitTool() mcp.Tool {
	return mcp.NewTool("orchestra.submit",
		mcp.WithDescription("Submit a plan for execution"),
		mcp.WithObject("plan", mcp.Description("Plan document: startingNodeId and nodes keyed by id")),
		mcp.WithString("plan_name", mcp.Description("Name of a plan document in the plan directory, used when plan is absent")),
		mcp.WithObject("setup", mcp.Description("Setup abstractions (string values) visible to expressions")),
		mcp.WithString("agent_id", mcp.Description("ID of the submitting agent; it is notified when the plan finishes")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("orchestra.status",
		mcp.WithDescription("Get a plan execution with its node executions, interrupts and outcomes"),
		mcp.WithString("plan_execution_id", mcp.Required(), mcp.Description("ID of the plan execution")),
	)
}

func interruptTool() mcp.Tool {
	return mcp.NewTool("orchestra.interrupt",
		mcp.WithDescription("Register an interrupt against a plan execution or one of its nodes"),
		mcp.WithString("plan_execution_id", mcp.Required(), mcp.Description("ID of the target plan execution")),
		mcp.WithString("type", mcp.Required(),
			mcp.Enum("ABORT_ALL", "ABORT", "PAUSE_ALL", "RESUME_ALL", "RETRY", "CUSTOM_FAILURE", "MARK_SUCCESS", "IGNORE"),
			mcp.Description("Interrupt type"),
		),
		mcp.WithString("node_execution_id", mcp.Description("Target node execution (required for node-scoped types)")),
		mcp.WithObject("parameters", mcp.Description("Interrupt parameters, e.g. errorMessage and failureTypes for CUSTOM_FAILURE")),
	)
}

func notifyTool() mcp.Tool {
	return mcp.NewTool("orchestra.notify",
		mcp.WithDescription("Deliver an external response to the node waiting on a correlation id"),
		mcp.WithString("plan_execution_id", mcp.Required(), mcp.Description("ID of the plan execution")),
		mcp.WithString("correlation_id", mcp.Required(), mcp.Description("Correlation id the node waits on")),
		mcp.WithString("status", mcp.Description("Terminal status reported by the responder (default SUCCEEDED)")),
		mcp.WithObject("data", mcp.Description("Response payload")),
		mcp.WithString("error_message", mcp.Description("Failure message; marks the response as an error")),
	)
}

func acquireTool() mcp.Tool {
	return mcp.NewTool("orchestra.acquire",
		mcp.WithDescription("Queue a consumer on a resource restraint"),
		mcp.WithString("resource_id", mcp.Required(), mcp.Description("Resource restraint id")),
		mcp.WithString("consumer_id", mcp.Required(), mcp.Description("Consumer id")),
		mcp.WithString("plan_execution_id", mcp.Description("Plan execution that owns the claim")),
		mcp.WithNumber("capacity", mcp.Description("Declare or resize the resource before acquiring")),
	)
}

func releaseTool() mcp.Tool {
	return mcp.NewTool("orchestra.release",
		mcp.WithDescription("Release a consumer's claim on a resource restraint"),
		mcp.WithString("resource_id", mcp.Required(), mcp.Description("Resource restraint id")),
		mcp.WithString("consumer_id", mcp.Required(), mcp.Description("Consumer id")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("orchestra.query",
		mcp.WithDescription("Query events, step types, or restraint claims"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("events", "steps", "claims"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (plan_execution_id, event_type, node_execution_id, resource_id, limit)")),
	)
}
