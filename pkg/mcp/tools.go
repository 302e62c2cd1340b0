package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/orchestra/internal/interrupt"
	"github.com/rendis/orchestra/internal/planfile"
	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/pkg/schema"
)

// handleSubmit starts a plan given inline or by name.
func (s *OrchestraServer) handleSubmit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	doc, err := s.planDocument(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	setup := doc.Setup
	if raw := mcp.ParseStringMap(req, "setup", nil); raw != nil {
		setup = make(map[string]string, len(raw))
		for k, v := range doc.Setup {
			setup[k] = v
		}
		for k, v := range raw {
			setup[k] = fmt.Sprint(v)
		}
	}

	planID, submitErr := s.engine.Submit(ctx, &doc.Plan, setup)
	if planID == "" && submitErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("submit failed: %v", submitErr)), nil
	}

	// Capture session mapping for notifications.
	if agentID := req.GetString("agent_id", ""); agentID != "" {
		s.captureSession(ctx, agentID)
		s.sessions.Track(planID, agentID)
	}

	result := map[string]any{"plan_execution_id": planID}
	if submitErr != nil {
		result["error"] = submitErr.Error()
	}
	return marshalResult(result)
}

func (s *OrchestraServer) planDocument(req mcp.CallToolRequest) (*planfile.Document, error) {
	if raw := mcp.ParseStringMap(req, "plan", nil); raw != nil {
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid plan: %v", err)
		}
		doc, err := planfile.Parse(data)
		if err != nil {
			return nil, fmt.Errorf("invalid plan: %v", err)
		}
		return doc, nil
	}
	name := req.GetString("plan_name", "")
	if name == "" {
		return nil, fmt.Errorf("one of plan or plan_name is required")
	}
	if s.plans == nil {
		return nil, fmt.Errorf("named plans are not configured")
	}
	doc, err := s.plans.Load(name)
	if err != nil {
		return nil, fmt.Errorf("plan lookup failed: %v", err)
	}
	return doc, nil
}

// handleStatus returns a snapshot of a plan execution.
func (s *OrchestraServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	planID, err := req.RequireString("plan_execution_id")
	if err != nil {
		return mcp.NewToolResultError("plan_execution_id is required"), nil
	}

	snapshot, statusErr := s.engine.GetStatus(ctx, planID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	return marshalResult(snapshot)
}

// handleInterrupt registers an interrupt and reports its resulting state.
func (s *OrchestraServer) handleInterrupt(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	planID, err := req.RequireString("plan_execution_id")
	if err != nil {
		return mcp.NewToolResultError("plan_execution_id is required"), nil
	}
	typ, err := req.RequireString("type")
	if err != nil {
		return mcp.NewToolResultError("type is required"), nil
	}
	if s.interrupts == nil {
		return mcp.NewToolResultError("interrupts are not configured"), nil
	}

	in, raiseErr := s.interrupts.Raise(ctx, interrupt.Request{
		PlanExecutionID: planID,
		NodeExecutionID: req.GetString("node_execution_id", ""),
		Type:            schema.InterruptType(typ),
		Parameters:      mcp.ParseStringMap(req, "parameters", nil),
	})
	if raiseErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("interrupt failed: %v", raiseErr)), nil
	}
	return marshalResult(map[string]any{
		"interrupt_id": in.ID,
		"type":         in.Type,
		"state":        in.State,
	})
}

// handleNotify delivers an external response.
func (s *OrchestraServer) handleNotify(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	planID, err := req.RequireString("plan_execution_id")
	if err != nil {
		return mcp.NewToolResultError("plan_execution_id is required"), nil
	}
	correlationID, err := req.RequireString("correlation_id")
	if err != nil {
		return mcp.NewToolResultError("correlation_id is required"), nil
	}

	resp := schema.ResponseData{
		CorrelationID: correlationID,
		Status:        schema.Status(req.GetString("status", "")),
		Data:          mcp.ParseStringMap(req, "data", nil),
	}
	if msg := req.GetString("error_message", ""); msg != "" {
		resp.Error = true
		resp.FailureInfo = &schema.FailureInfo{ErrorMessage: msg, FailureTypes: []schema.FailureType{schema.FailureApplication}}
	}
	if resp.Status != "" && !resp.Status.IsFinal() {
		return mcp.NewToolResultError(fmt.Sprintf("status %q is not a final status", resp.Status)), nil
	}

	if notifyErr := s.engine.Notify(ctx, planID, resp); notifyErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("notify failed: %v", notifyErr)), nil
	}
	return marshalResult(map[string]any{
		"ok":             true,
		"correlation_id": correlationID,
	})
}

// handleAcquire queues a consumer on a resource restraint.
func (s *OrchestraServer) handleAcquire(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resourceID, err := req.RequireString("resource_id")
	if err != nil {
		return mcp.NewToolResultError("resource_id is required"), nil
	}
	consumerID, err := req.RequireString("consumer_id")
	if err != nil {
		return mcp.NewToolResultError("consumer_id is required"), nil
	}
	if s.restraints == nil {
		return mcp.NewToolResultError("restraints are not configured"), nil
	}

	if capacity := extractInt(req.GetArguments(), "capacity", 0); capacity > 0 {
		if declErr := s.restraints.Declare(ctx, resourceID, capacity); declErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("declare failed: %v", declErr)), nil
		}
	}
	ri, acqErr := s.restraints.Acquire(ctx, resourceID, consumerID, req.GetString("plan_execution_id", ""))
	if acqErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("acquire failed: %v", acqErr)), nil
	}
	return marshalResult(ri)
}

// handleRelease finishes a consumer's claim.
func (s *OrchestraServer) handleRelease(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resourceID, err := req.RequireString("resource_id")
	if err != nil {
		return mcp.NewToolResultError("resource_id is required"), nil
	}
	consumerID, err := req.RequireString("consumer_id")
	if err != nil {
		return mcp.NewToolResultError("consumer_id is required"), nil
	}
	if s.restraints == nil {
		return mcp.NewToolResultError("restraints are not configured"), nil
	}

	released, relErr := s.restraints.Release(ctx, resourceID, consumerID)
	if relErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("release failed: %v", relErr)), nil
	}
	return marshalResult(map[string]any{
		"resource_id": resourceID,
		"consumer_id": consumerID,
		"released":    released,
	})
}

// handleQuery lists events, step types or restraint claims.
func (s *OrchestraServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "events":
		return s.queryEvents(ctx, filter)
	case "steps":
		if s.steps == nil {
			return mcp.NewToolResultError("step registry is not configured"), nil
		}
		return marshalResult(map[string]any{"steps": s.steps.List()})
	case "claims":
		return s.queryClaims(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *OrchestraServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	planID, _ := filter["plan_execution_id"].(string)
	if planID == "" {
		return mcp.NewToolResultError("event query requires 'plan_execution_id' in filter"), nil
	}
	if s.events == nil {
		return mcp.NewToolResultError("event log is not configured"), nil
	}
	events, err := s.events.History(ctx, planID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}

	eventType, _ := filter["event_type"].(string)
	nodeID, _ := filter["node_execution_id"].(string)
	limit := extractInt(filter, "limit", 100)
	out := make([]*store.Event, 0, len(events))
	for _, ev := range events {
		if eventType != "" && ev.Type != eventType {
			continue
		}
		if nodeID != "" && ev.NodeExecutionID != nodeID {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return marshalResult(map[string]any{"events": out})
}

func (s *OrchestraServer) queryClaims(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	resourceID, _ := filter["resource_id"].(string)
	if resourceID == "" {
		return mcp.NewToolResultError("claim query requires 'resource_id' in filter"), nil
	}
	if s.restraints == nil {
		return mcp.NewToolResultError("restraints are not configured"), nil
	}
	claims, err := s.restraints.Claims(ctx, resourceID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"claims": claims})
}

// --- Internal helpers ---

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the agent ID to its current MCP session for notifications.
func (s *OrchestraServer) captureSession(ctx context.Context, agentID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(agentID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
