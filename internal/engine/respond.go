package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/orchestra/internal/adviser"
	"github.com/rendis/orchestra/internal/metrics"
	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/internal/waiter"
	"github.com/rendis/orchestra/pkg/schema"
)

// concludeNode persists a step response on the node and hands the node to
// its advisers. A node that already left a status the response can
// conclude (an abort got there first) is left alone.
func (e *Engine) concludeNode(ctx context.Context, pe *store.PlanExecution, node *schema.PlanNode, id string, resp *schema.StepResponse, rec schema.ExecutableResponse) error {
	if resp == nil {
		resp = schema.Failed("step returned no response")
	}
	if !resp.Status.IsFinal() {
		resp = &schema.StepResponse{
			Status:      schema.StatusErrored,
			FailureInfo: &schema.FailureInfo{ErrorMessage: fmt.Sprintf("step returned non-final status %q", resp.Status)},
		}
	}
	reason := ""
	if resp.FailureInfo != nil {
		reason = resp.FailureInfo.ErrorMessage
	}
	ne, ok, err := e.transitionNode(ctx, id, resp.Status, reason, func(ne *store.NodeExecution) {
		ne.FailureInfo = resp.FailureInfo
		ne.TimeoutAt = nil
		if rec != nil {
			ne.ExecutableResponses = append(ne.ExecutableResponses, rec)
		}
	})
	if err != nil || !ok {
		return err
	}
	if ne.StartedAt != nil && ne.EndedAt != nil {
		metrics.NodeDuration.WithLabelValues(ne.StepType, string(ne.Mode)).Observe(ne.EndedAt.Sub(*ne.StartedAt).Seconds())
	}
	if len(resp.Outcomes) > 0 {
		if err := e.store.SaveOutcomes(ctx, pe.ID, ne.ID, resp.Outcomes); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "save outcomes: %s", err.Error()).WithNode(ne.ID).WithCause(err)
		}
	}
	e.logNode(ctx, ne, "node concluded", slog.String("status", string(ne.Status)))
	return e.advise(ctx, pe, node, ne)
}

// advise runs the node's adviser obtainments and applies the winning
// advise. Without one, a positive node follows its nextNodeId parameter
// and anything else ends its flow.
func (e *Engine) advise(ctx context.Context, pe *store.PlanExecution, node *schema.PlanNode, ne *store.NodeExecution) error {
	var decision *adviser.Decision
	if node != nil && len(node.AdviserObtainments) > 0 {
		scope, err := e.buildScope(ctx, pe, ne)
		if err != nil {
			return err
		}
		scope.SetParams(ne.ResolvedStepParameters)
		decision, err = e.advisers.Advise(ctx, node.AdviserObtainments, adviser.Event{
			Ambiance:        ne.Ambiance,
			NodeExecutionID: ne.ID,
			Node:            node,
			Status:          ne.Status,
			FailureInfo:     ne.FailureInfo,
			RetryCount:      ne.RetryCount(),
			StepParameters:  ne.ResolvedStepParameters,
			Vars:            scope.Vars(),
		})
		if err != nil {
			e.log(ctx).ErrorContext(ctx, "adviser failed",
				slog.String("node_execution_id", ne.ID),
				slog.String("error", err.Error()))
			if endErr := e.endTransition(ctx, ne); endErr != nil {
				return endErr
			}
			return err
		}
	}
	if decision == nil {
		decision = &adviser.Decision{Advise: defaultAdvise(ne)}
	}

	metrics.AdviseTotal.WithLabelValues(string(decision.Advise.Type())).Inc()
	e.appendEvent(ctx, pe.ID, ne.ID, schema.EventNodeAdvised, map[string]any{
		"advise":  decision.Advise.Type(),
		"adviser": decision.AdviserType,
	})

	switch a := decision.Advise.(type) {
	case *schema.NextStepAdvise:
		return e.nextStep(ctx, pe, ne, a.NextNodeID)
	case *schema.RetryAdvise:
		return e.retry(ctx, pe, ne, a.WaitInterval, nil)
	case *schema.InterventionWaitAdvise:
		return e.interventionWait(ctx, pe, ne, a.Timeout)
	case *schema.EndPlanAdvise:
		return e.endTransition(ctx, ne)
	case *schema.RollbackAdvise:
		return e.rollback(ctx, pe, ne, a)
	default:
		return fmt.Errorf("unhandled advise %T", a)
	}
}

func defaultAdvise(ne *store.NodeExecution) schema.Advise {
	if ne.Status.IsPositive() {
		if next, _ := ne.ResolvedStepParameters[schema.ParamNextNodeID].(string); next != "" {
			return &schema.NextStepAdvise{NextNodeID: next}
		}
	}
	return &schema.EndPlanAdvise{}
}

// nextStep queues the plan node nextNodeID as the successor of ne, within
// the same parent and flow.
func (e *Engine) nextStep(ctx context.Context, pe *store.PlanExecution, ne *store.NodeExecution, nextNodeID string) error {
	next := pe.Plan.FetchNode(nextNodeID)
	if next == nil {
		e.log(ctx).ErrorContext(ctx, "next node not found",
			slog.String("node_execution_id", ne.ID),
			slog.String("next_node_id", nextNodeID))
		return e.endTransition(ctx, ne)
	}
	_, err := e.triggerExecution(ctx, ne.Ambiance.CloneForFinish(), next, links{
		parentID:   ne.ParentID,
		previousID: ne.ID,
		notifyID:   ne.NotifyID,
	})
	return err
}

// retry replaces old with a fresh QUEUED execution of the same plan node.
// The replacement inherits old's links and prepends old to its retry ids;
// old is marked as an old retry. Marking is conditional, so a node is
// replaced at most once.
func (e *Engine) retry(ctx context.Context, pe *store.PlanExecution, old *store.NodeExecution, wait time.Duration, eff *schema.InterruptEffect) error {
	node, err := planNode(pe, old)
	if err != nil {
		return err
	}
	old, err = e.mutateNode(ctx, old.ID, func(ne *store.NodeExecution) error {
		if ne.OldRetry {
			return errUnchanged
		}
		ne.OldRetry = true
		effectHistory(ne, eff)
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return schema.NewErrorf(schema.ErrCodeConflict, "node execution %q was already retried", old.ID).WithNode(old.ID)
	}
	if err != nil {
		return err
	}

	id := uuid.New().String()
	clone := &store.NodeExecution{
		ID:              id,
		PlanExecutionID: old.PlanExecutionID,
		NodeID:          old.NodeID,
		Identifier:      old.Identifier,
		StepType:        old.StepType,
		Ambiance:        old.Ambiance.CloneForFinish().CloneForChild(schema.LevelFromPlanNode(id, node)),
		Status:          schema.StatusQueued,
		ParentID:        old.ParentID,
		PreviousID:      old.PreviousID,
		NextID:          old.NextID,
		NotifyID:        old.NotifyID,
		RetryIDs:        append([]string{old.ID}, old.RetryIDs...),
	}
	if err := e.store.CreateNodeExecution(ctx, clone); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create retry execution: %s", err.Error()).WithCause(err)
	}
	e.appendEvent(ctx, pe.ID, old.ID, schema.EventNodeRetried, map[string]any{
		"retry_node_execution_id": id,
		"retry_count":             len(clone.RetryIDs),
		"wait":                    wait.String(),
	})
	if err := e.nodes.Record(ctx, Transition{PlanExecutionID: pe.ID, NodeExecutionID: id, StepType: clone.StepType, To: schema.StatusQueued, Reason: "retry"}); err != nil {
		e.log(ctx).WarnContext(ctx, "record node queued", slog.String("error", err.Error()))
	}
	e.logNode(ctx, clone, "node retried",
		slog.String("old_node_execution_id", old.ID),
		slog.Int("retry_count", len(clone.RetryIDs)),
		slog.Duration("wait", wait))

	if wait > 0 {
		return e.deferStart(ctx, pe.ID, id, wait, "retry wait", nil)
	}
	e.enqueue(pe.ID, id, func(ctx context.Context) error {
		return e.startNode(ctx, id, false)
	})
	return nil
}

// interventionWait parks a concluded node until an operator acts or the
// timeout expires it.
func (e *Engine) interventionWait(ctx context.Context, pe *store.PlanExecution, ne *store.NodeExecution, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = schema.DefaultInterventionTimeout
	}
	_, ok, err := e.transitionNode(ctx, ne.ID, schema.StatusInterventionWaiting, "awaiting intervention", nil)
	if err != nil || !ok {
		return err
	}
	e.setPlanStatus(ctx, pe.ID, schema.StatusInterventionWaiting, []schema.Status{schema.StatusRunning}, "node awaiting intervention")
	cid := waiter.NewCorrelationID("expire")
	if _, err := e.waiter.WaitFor(ctx, pe.ID, ne.ID, store.CallbackExpire, cid); err != nil {
		return err
	}
	return e.waiter.Delay(ctx, pe.ID, cid, timeout)
}

// rollback publishes the plan's rollback marker, first write wins, and
// routes to the strategy's node.
func (e *Engine) rollback(ctx context.Context, pe *store.PlanExecution, ne *store.NodeExecution, a *schema.RollbackAdvise) error {
	published, err := e.store.PublishSweepingOutput(ctx, pe.ID, schema.RollbackOutputName, map[string]any{
		"strategy":   string(a.Strategy),
		"nextNodeId": a.NextNodeID,
	})
	if err != nil {
		return err
	}
	e.logNode(ctx, ne, "rollback",
		slog.String("strategy", string(a.Strategy)),
		slog.String("next_node_id", a.NextNodeID),
		slog.Bool("published", published))
	return e.nextStep(ctx, pe, ne, a.NextNodeID)
}

// endTransition ends the flow ne belongs to: a child flow notifies its
// parent's correlation id, a top-level flow concludes the plan.
func (e *Engine) endTransition(ctx context.Context, ne *store.NodeExecution) error {
	if ne.NotifyID != "" {
		outcomes, err := e.nodeOutcomes(ctx, ne)
		if err != nil {
			return err
		}
		return e.waiter.DoneWith(ctx, ne.PlanExecutionID, schema.ResponseData{
			CorrelationID:   ne.NotifyID,
			NodeExecutionID: ne.ID,
			Identifier:      ne.Identifier,
			Status:          ne.Status,
			FailureInfo:     ne.FailureInfo,
			Outcomes:        outcomes,
			Error:           ne.Status.IsBroke(),
		})
	}
	return e.finishPlan(ctx, ne.PlanExecutionID, ne.Status)
}

// finishPlan moves a flowing plan to status and notifies observers.
func (e *Engine) finishPlan(ctx context.Context, planExecutionID string, status schema.Status) error {
	if !status.IsFinal() {
		return nil
	}
	switch status {
	case schema.StatusSkipped, schema.StatusSuspended:
		status = schema.StatusSucceeded
	}
	ok := e.setPlanStatus(ctx, planExecutionID, status,
		[]schema.Status{schema.StatusRunning, schema.StatusPaused, schema.StatusInterventionWaiting}, "flow ended")
	if !ok {
		return nil
	}
	return e.planFinished(ctx, planExecutionID)
}

// setPlanStatus conditionally moves a plan and records the transition.
func (e *Engine) setPlanStatus(ctx context.Context, planExecutionID string, to schema.Status, from []schema.Status, reason string) bool {
	pe, err := e.store.GetPlanExecution(ctx, planExecutionID)
	if err != nil {
		e.log(ctx).ErrorContext(ctx, "load plan execution", slog.String("error", err.Error()))
		return false
	}
	if !schema.CanPlanTransition(pe.Status, to) {
		return false
	}
	ok, err := e.store.UpdatePlanStatus(ctx, planExecutionID, to, from)
	if err != nil {
		e.log(ctx).ErrorContext(ctx, "update plan status", slog.String("to", string(to)), slog.String("error", err.Error()))
		return false
	}
	if !ok {
		return false
	}
	if err := e.plans.Record(ctx, Transition{PlanExecutionID: planExecutionID, From: pe.Status, To: to, Reason: reason}); err != nil {
		e.log(ctx).WarnContext(ctx, "record plan transition", slog.String("error", err.Error()))
	}
	return true
}

// planFinished runs the observers of a plan that reached a final status.
func (e *Engine) planFinished(ctx context.Context, planExecutionID string) error {
	pe, err := e.store.GetPlanExecution(ctx, planExecutionID)
	if err != nil {
		return err
	}
	end := e.now()
	if pe.EndedAt != nil {
		end = *pe.EndedAt
	}
	metrics.PlanDuration.WithLabelValues(string(pe.Status)).Observe(end.Sub(pe.CreatedAt).Seconds())
	e.log(ctx).InfoContext(ctx, "plan finished", slog.String("status", string(pe.Status)))
	for _, o := range e.observers {
		if err := o.OnPlanFinished(ctx, pe); err != nil {
			e.log(ctx).ErrorContext(ctx, "plan observer failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// appendEvent writes an event log entry. A failed write is logged and the
// flow continues.
func (e *Engine) appendEvent(ctx context.Context, planExecutionID, nodeExecutionID, eventType string, payload any) {
	if e.events == nil {
		return
	}
	if _, err := e.events.Append(ctx, planExecutionID, nodeExecutionID, eventType, payload); err != nil {
		e.log(ctx).WarnContext(ctx, "append event",
			slog.String("event_type", eventType),
			slog.String("node_execution_id", nodeExecutionID),
			slog.String("error", err.Error()))
	}
}

func (e *Engine) nodeOutcomes(ctx context.Context, ne *store.NodeExecution) ([]schema.StepOutcome, error) {
	all, err := e.store.ListOutcomes(ctx, ne.PlanExecutionID)
	if err != nil {
		return nil, err
	}
	var out []schema.StepOutcome
	for _, o := range all {
		if o.NodeExecutionID == ne.ID {
			out = append(out, schema.StepOutcome{Name: o.Name, Group: o.Group, Data: o.Data})
		}
	}
	return out, nil
}
