package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/rendis/orchestra/internal/steps"
	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/pkg/schema"
)

// OnWaitDone receives completed waits from the waiter and queues the
// matching callback on the worker pool. The wait is reported handled once
// the callback returns without error.
func (e *Engine) OnWaitDone(_ context.Context, wi *store.WaitInstance, responses map[string]schema.ResponseData) error {
	e.enqueue(wi.PlanExecutionID, wi.NodeExecutionID, func(ctx context.Context) error {
		var err error
		switch wi.Callback {
		case store.CallbackStart:
			err = e.startNode(ctx, wi.NodeExecutionID, true)
		case store.CallbackExpire:
			err = e.expireIntervention(ctx, wi.NodeExecutionID)
		case store.CallbackResume:
			err = e.resume(ctx, wi.NodeExecutionID, responses)
		default:
			err = fmt.Errorf("unknown wait callback %q", wi.Callback)
		}
		if err != nil {
			return err
		}
		if err := e.waiter.Handled(ctx, wi); err != nil {
			e.log(ctx).WarnContext(ctx, "mark wait handled",
				slog.String("wait_id", wi.ID),
				slog.String("error", err.Error()))
		}
		return nil
	})
	return nil
}

// resume continues a waiting node with the responses it waited for. Only
// a node in a resumable status proceeds; a resume for a node that was
// aborted, expired or concluded meanwhile is dropped.
func (e *Engine) resume(ctx context.Context, id string, responses map[string]schema.ResponseData) error {
	ne, err := e.store.GetNodeExecution(ctx, id)
	if err != nil {
		return err
	}
	if !schema.ResumableStatuses().Contains(ne.Status) {
		e.log(ctx).DebugContext(ctx, "resume ignored",
			slog.String("node_execution_id", id),
			slog.String("status", string(ne.Status)))
		return nil
	}
	pe, err := e.loadPlan(ctx, ne.PlanExecutionID)
	if err != nil {
		return err
	}
	node, err := planNode(pe, ne)
	if err != nil {
		return err
	}

	if ne.Mode == schema.ModeChild || (ne.Mode == schema.ModeChildChain && !chainSuspended(ne)) {
		responses, err = e.childResponses(ctx, ne.ID)
		if err != nil {
			return err
		}
	}

	ne, ok, err := e.transitionNode(ctx, id, schema.StatusRunning, "resumed", func(ne *store.NodeExecution) {
		ne.TimeoutAt = nil
	})
	if err != nil || !ok {
		return err
	}
	step, err := e.steps.Get(node.StepType)
	if err != nil {
		return e.concludeNode(ctx, pe, node, id, failureFromError(err), nil)
	}
	in, err := e.stepInput(ctx, pe, node, ne)
	if err != nil {
		return err
	}

	var resp *schema.StepResponse
	switch ne.Mode {
	case schema.ModeAsync:
		resp, err = step.(steps.AsyncStep).HandleAsyncResponse(ctx, in, responses)
	case schema.ModeTask:
		resp, err = step.(steps.TaskStep).HandleTaskResult(ctx, in, responses)
	case schema.ModeChild:
		resp, err = step.(steps.ChildStep).HandleChildResponse(ctx, in, responses)
	case schema.ModeChildChain:
		return e.continueChain(ctx, pe, node, ne, step.(steps.ChildChainStep), in, responses)
	default:
		err = fmt.Errorf("node in mode %q cannot be resumed", ne.Mode)
	}
	if err != nil {
		resp = failureFromError(err)
	}
	return e.concludeNode(ctx, pe, node, id, resp, nil)
}

// continueChain spawns the next link of a child chain, or finalizes it
// once every link ran or a link broke and the chain does not proceed past
// failures.
func (e *Engine) continueChain(ctx context.Context, pe *store.PlanExecution, node *schema.PlanNode, ne *store.NodeExecution, step steps.ChildChainStep, in steps.Input, responses map[string]schema.ResponseData) error {
	chain, err := step.ObtainChain(ctx, in)
	if err != nil {
		return e.concludeNode(ctx, pe, node, ne.ID, failureFromError(err), nil)
	}
	var last *schema.ChildChainResponse
	spawned := 0
	for _, r := range ne.ExecutableResponses {
		if cr, ok := r.(*schema.ChildChainResponse); ok {
			spawned++
			last = cr
		}
	}

	broke := !steps.Aggregate(responses).Status.IsPositive()
	if spawned < len(chain.Links) && (!broke || chain.ProceedIfFailed) {
		childID := uuid.New().String()
		rec := &schema.ChildChainResponse{
			NextChildID:      chain.Links[spawned],
			ChildExecutionID: childID,
			LastLink:         spawned == len(chain.Links)-1,
		}
		if last != nil {
			rec.PreviousChildID = last.ChildExecutionID
		}
		return e.spawnChild(ctx, pe, node, ne, chain.Links[spawned], childID, rec)
	}

	resp, err := step.FinalizeChain(ctx, in, responses)
	if err != nil {
		resp = failureFromError(err)
	}
	final := &schema.ChildChainResponse{LastLink: true, Suspend: true}
	if last != nil {
		final.PreviousChildID = last.ChildExecutionID
	}
	return e.concludeNode(ctx, pe, node, ne.ID, resp, final)
}

func chainSuspended(ne *store.NodeExecution) bool {
	if cr, ok := ne.LastExecutableResponse().(*schema.ChildChainResponse); ok {
		return cr.Suspend
	}
	return false
}

// childResponses rebuilds a parent's response map from every current
// (non old-retry) child execution, keyed by child execution id.
func (e *Engine) childResponses(ctx context.Context, parentID string) (map[string]schema.ResponseData, error) {
	children, err := e.store.ListNodeExecutions(ctx, store.NodeExecutionFilter{ParentID: parentID, ExcludeOldRetry: true})
	if err != nil {
		return nil, err
	}
	out := make(map[string]schema.ResponseData, len(children))
	for _, c := range children {
		outcomes, err := e.nodeOutcomes(ctx, c)
		if err != nil {
			return nil, err
		}
		out[c.ID] = schema.ResponseData{
			CorrelationID:   c.ID,
			NodeExecutionID: c.ID,
			Identifier:      c.Identifier,
			Status:          c.Status,
			FailureInfo:     c.FailureInfo,
			Outcomes:        outcomes,
			Error:           c.Status.IsBroke(),
		}
	}
	return out, nil
}

// expireIntervention ends an intervention wait that nobody acted on. The
// node's advisers already chose to wait, so the flow ends without asking
// them again.
func (e *Engine) expireIntervention(ctx context.Context, id string) error {
	ne, err := e.store.GetNodeExecution(ctx, id)
	if err != nil {
		return err
	}
	if ne.Status != schema.StatusInterventionWaiting {
		return nil
	}
	info := &schema.FailureInfo{ErrorMessage: "intervention timed out", FailureTypes: []schema.FailureType{schema.FailureExpired}}
	expired, ok, err := e.transitionNode(ctx, id, schema.StatusExpired, info.ErrorMessage, func(ne *store.NodeExecution) {
		ne.FailureInfo = info
	})
	if err != nil || !ok {
		return err
	}
	e.setPlanStatus(ctx, expired.PlanExecutionID, schema.StatusRunning, []schema.Status{schema.StatusInterventionWaiting}, "intervention expired")
	return e.endTransition(ctx, expired)
}
