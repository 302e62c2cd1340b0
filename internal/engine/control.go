package engine

import (
	"context"
	"log/slog"

	"github.com/rendis/orchestra/internal/steps"
	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/pkg/schema"
)

// The methods in this file apply interrupts. They return an
// INVALID_TRANSITION or NOT_FOUND error when the interrupt does not apply
// to the target's current state.

var abortableFrom = []schema.Status{schema.StatusRunning, schema.StatusPaused, schema.StatusInterventionWaiting}

// AbortPlan moves the plan to DISCONTINUING, aborts every unfinished node
// execution and then records the plan as ABORTED.
func (e *Engine) AbortPlan(ctx context.Context, planExecutionID string, eff schema.InterruptEffect) error {
	pe, err := e.loadPlan(ctx, planExecutionID)
	if err != nil {
		return err
	}
	if !e.setPlanStatus(ctx, pe.ID, schema.StatusDiscontinuing, abortableFrom, "abort requested") {
		return invalidf("plan execution %q is %s", pe.ID, pe.Status)
	}

	nodes, err := e.store.ListNodeExecutions(ctx, store.NodeExecutionFilter{PlanExecutionID: pe.ID})
	if err != nil {
		return err
	}
	for _, ne := range nodes {
		if ne.Status.IsFinal() {
			continue
		}
		if err := e.abortExecution(ctx, pe, ne, &eff); err != nil {
			e.log(ctx).ErrorContext(ctx, "abort node execution",
				slog.String("node_execution_id", ne.ID),
				slog.String("error", err.Error()))
		}
	}

	if e.setPlanStatus(ctx, pe.ID, schema.StatusAborted, []schema.Status{schema.StatusDiscontinuing}, "aborted") {
		return e.planFinished(ctx, pe.ID)
	}
	return nil
}

// AbortNode aborts one node execution and its in-flight descendants, then
// lets its advisers route the aborted node.
func (e *Engine) AbortNode(ctx context.Context, nodeExecutionID string, eff schema.InterruptEffect) error {
	ne, err := e.store.GetNodeExecution(ctx, nodeExecutionID)
	if err != nil {
		return err
	}
	if ne.Status.IsFinal() {
		return invalidf("node execution %q is %s", ne.ID, ne.Status)
	}
	pe, err := e.loadPlan(ctx, ne.PlanExecutionID)
	if err != nil {
		return err
	}

	descendants, err := e.descendants(ctx, ne.ID)
	if err != nil {
		return err
	}
	for _, d := range descendants {
		if d.Status.IsFinal() {
			continue
		}
		if err := e.abortExecution(ctx, pe, d, &eff); err != nil {
			e.log(ctx).ErrorContext(ctx, "abort descendant",
				slog.String("node_execution_id", d.ID),
				slog.String("error", err.Error()))
		}
	}
	if err := e.abortExecution(ctx, pe, ne, &eff); err != nil {
		return err
	}
	aborted, err := e.store.GetNodeExecution(ctx, ne.ID)
	if err != nil {
		return err
	}
	if aborted.Status != schema.StatusAborted {
		return nil
	}
	node, _ := planNode(pe, aborted)
	return e.advise(ctx, pe, node, aborted)
}

// abortExecution marks ne DISCONTINUING then ABORTED and fires the step's
// abort hooks in the background.
func (e *Engine) abortExecution(ctx context.Context, pe *store.PlanExecution, ne *store.NodeExecution, eff *schema.InterruptEffect) error {
	if schema.CanTransition(ne.Status, schema.StatusDiscontinuing) {
		if _, _, err := e.transitionNode(ctx, ne.ID, schema.StatusDiscontinuing, "aborting", func(ne *store.NodeExecution) {
			effectHistory(ne, eff)
		}); err != nil {
			return err
		}
	}
	aborted, ok, err := e.transitionNode(ctx, ne.ID, schema.StatusAborted, "aborted", func(ne *store.NodeExecution) {
		ne.TimeoutAt = nil
	})
	if err != nil || !ok {
		return err
	}
	e.runAbortHooks(pe, aborted)
	return nil
}

// runAbortHooks tells the step and the task transport about an abort.
// Failures are logged; local bookkeeping never waits on them.
func (e *Engine) runAbortHooks(pe *store.PlanExecution, ne *store.NodeExecution) {
	node := pe.Plan.FetchNode(ne.NodeID)
	e.enqueue(pe.ID, ne.ID, func(ctx context.Context) error {
		if task, ok := ne.LastExecutableResponse().(*schema.TaskResponse); ok && e.dispatcher != nil {
			e.dispatcher.Cancel(ctx, task.TaskID)
		}
		if node == nil {
			return nil
		}
		step, err := e.steps.Get(node.StepType)
		if err != nil {
			return nil
		}
		abortable, ok := step.(steps.Abortable)
		if !ok {
			return nil
		}
		in, err := e.stepInput(ctx, pe, node, ne)
		if err != nil {
			return err
		}
		if err := abortable.HandleAbort(ctx, in, ne.ExecutableResponses); err != nil {
			e.log(ctx).WarnContext(ctx, "abort hook failed", slog.String("error", err.Error()))
		}
		return nil
	})
}

// descendants returns every node execution below id, breadth first.
func (e *Engine) descendants(ctx context.Context, id string) ([]*store.NodeExecution, error) {
	var out []*store.NodeExecution
	queue := []string{id}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		children, err := e.store.ListNodeExecutions(ctx, store.NodeExecutionFilter{ParentID: parent})
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			out = append(out, c)
			queue = append(queue, c.ID)
		}
	}
	return out, nil
}

// PausePlan stops new node executions of the plan from starting.
func (e *Engine) PausePlan(ctx context.Context, planExecutionID string, _ schema.InterruptEffect) error {
	pe, err := e.store.GetPlanExecution(ctx, planExecutionID)
	if err != nil {
		return err
	}
	if !e.setPlanStatus(ctx, pe.ID, schema.StatusPaused, []schema.Status{schema.StatusRunning}, "paused") {
		return invalidf("plan execution %q is %s", pe.ID, pe.Status)
	}
	return nil
}

// ResumePlan re-queues the node executions parked while the plan was paused.
// A node parked after its start delay fired starts without waiting again.
func (e *Engine) ResumePlan(ctx context.Context, planExecutionID string, eff schema.InterruptEffect) error {
	pe, err := e.store.GetPlanExecution(ctx, planExecutionID)
	if err != nil {
		return err
	}
	if !e.setPlanStatus(ctx, pe.ID, schema.StatusRunning, []schema.Status{schema.StatusPaused}, "resumed") {
		return invalidf("plan execution %q is %s", pe.ID, pe.Status)
	}
	parked, err := e.store.ListNodeExecutions(ctx, store.NodeExecutionFilter{
		PlanExecutionID: pe.ID,
		Statuses:        []schema.Status{schema.StatusPaused},
	})
	if err != nil {
		return err
	}
	for _, ne := range parked {
		_, ok, err := e.transitionNode(ctx, ne.ID, schema.StatusQueued, "plan resumed", func(ne *store.NodeExecution) {
			effectHistory(ne, &eff)
		})
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		delay, err := e.startDelayState(ctx, ne.ID)
		if err != nil {
			return err
		}
		id, deferred := ne.ID, delay != startUndeferred
		e.enqueue(pe.ID, id, func(ctx context.Context) error {
			return e.startNode(ctx, id, deferred)
		})
	}
	return nil
}

// RetryNode replaces a broke or intervention-waiting node execution with a
// fresh one regardless of the retry adviser's attempt limit.
func (e *Engine) RetryNode(ctx context.Context, nodeExecutionID string, eff schema.InterruptEffect) error {
	ne, err := e.store.GetNodeExecution(ctx, nodeExecutionID)
	if err != nil {
		return err
	}
	if ne.OldRetry {
		return invalidf("node execution %q was already retried", ne.ID)
	}
	if !ne.Status.IsBroke() && ne.Status != schema.StatusInterventionWaiting {
		return invalidf("node execution %q is %s", ne.ID, ne.Status)
	}
	pe, err := e.loadPlan(ctx, ne.PlanExecutionID)
	if err != nil {
		return err
	}
	switch pe.Status {
	case schema.StatusRunning, schema.StatusInterventionWaiting,
		schema.StatusFailed, schema.StatusExpired, schema.StatusErrored:
	default:
		return invalidf("plan execution %q is %s", pe.ID, pe.Status)
	}
	if ne.ParentID != "" {
		parent, err := e.store.GetNodeExecution(ctx, ne.ParentID)
		if err != nil {
			return err
		}
		if parent.Status.IsFinal() {
			return invalidf("parent of node execution %q already concluded", ne.ID)
		}
	}

	if ne.Status == schema.StatusInterventionWaiting {
		if _, _, err := e.transitionNode(ctx, ne.ID, schema.StatusFailed, "retried from intervention", nil); err != nil {
			return err
		}
	}
	e.setPlanStatus(ctx, pe.ID, schema.StatusRunning,
		[]schema.Status{schema.StatusInterventionWaiting, schema.StatusFailed, schema.StatusExpired, schema.StatusErrored},
		"node retried")
	if err := e.retry(ctx, pe, ne, 0, &eff); err != nil {
		if schema.IsCode(err, schema.ErrCodeConflict) {
			return invalidf("%s", err.Error())
		}
		return err
	}
	return nil
}

// FailNode forces a flowing node execution to fail with info and lets its
// advisers decide what follows. An EXPIRED failure type expires the node
// where its status allows it.
func (e *Engine) FailNode(ctx context.Context, nodeExecutionID string, info *schema.FailureInfo, eff schema.InterruptEffect) error {
	ne, err := e.store.GetNodeExecution(ctx, nodeExecutionID)
	if err != nil {
		return err
	}
	if !ne.Status.IsFlowing() {
		return invalidf("node execution %q is %s", ne.ID, ne.Status)
	}
	pe, err := e.loadPlan(ctx, ne.PlanExecutionID)
	if err != nil {
		return err
	}
	node, err := planNode(pe, ne)
	if err != nil {
		return err
	}
	if info == nil {
		info = &schema.FailureInfo{ErrorMessage: "failed by interrupt", FailureTypes: []schema.FailureType{schema.FailureApplication}}
	}
	status := schema.StatusFailed
	if info.HasAnyType([]schema.FailureType{schema.FailureExpired}) && schema.CanTransition(ne.Status, schema.StatusExpired) {
		status = schema.StatusExpired
	}

	if task, ok := ne.LastExecutableResponse().(*schema.TaskResponse); ok && e.dispatcher != nil && ne.Status == schema.StatusTaskWaiting {
		e.dispatcher.Cancel(ctx, task.TaskID)
	}
	if step, err := e.steps.Get(node.StepType); err == nil {
		if failable, ok := step.(steps.Failable); ok {
			if in, err := e.stepInput(ctx, pe, node, ne); err == nil {
				if err := failable.HandleFailure(ctx, in, info); err != nil {
					e.log(ctx).WarnContext(ctx, "failure hook failed", slog.String("error", err.Error()))
				}
			}
		}
	}

	if _, err := e.mutateNode(ctx, ne.ID, func(n *store.NodeExecution) error {
		effectHistory(n, &eff)
		return nil
	}); err != nil {
		return err
	}
	if ne.Status == schema.StatusInterventionWaiting {
		e.setPlanStatus(ctx, pe.ID, schema.StatusRunning, []schema.Status{schema.StatusInterventionWaiting}, "intervention failed")
	}
	return e.concludeNode(ctx, pe, node, ne.ID, &schema.StepResponse{Status: status, FailureInfo: info}, nil)
}

// MarkSuccess resolves an intervention wait as SUCCEEDED.
func (e *Engine) MarkSuccess(ctx context.Context, nodeExecutionID string, eff schema.InterruptEffect) error {
	return e.resolveIntervention(ctx, nodeExecutionID, schema.StatusSucceeded, eff)
}

// IgnoreFailure resolves an intervention wait as IGNORE_FAILED.
func (e *Engine) IgnoreFailure(ctx context.Context, nodeExecutionID string, eff schema.InterruptEffect) error {
	return e.resolveIntervention(ctx, nodeExecutionID, schema.StatusIgnoreFailed, eff)
}

func (e *Engine) resolveIntervention(ctx context.Context, id string, to schema.Status, eff schema.InterruptEffect) error {
	ne, err := e.store.GetNodeExecution(ctx, id)
	if err != nil {
		return err
	}
	if ne.Status != schema.StatusInterventionWaiting {
		return invalidf("node execution %q is %s", ne.ID, ne.Status)
	}
	pe, err := e.loadPlan(ctx, ne.PlanExecutionID)
	if err != nil {
		return err
	}
	node, err := planNode(pe, ne)
	if err != nil {
		return err
	}
	e.setPlanStatus(ctx, pe.ID, schema.StatusRunning, []schema.Status{schema.StatusInterventionWaiting}, "intervention resolved")

	resolved, ok, err := e.transitionNode(ctx, id, to, string(eff.InterruptType), func(ne *store.NodeExecution) {
		effectHistory(ne, &eff)
		if to.IsPositive() {
			ne.FailureInfo = nil
		}
	})
	if err != nil {
		return err
	}
	if !ok {
		return invalidf("node execution %q left intervention", id)
	}
	return e.advise(ctx, pe, node, resolved)
}

func invalidf(format string, args ...any) error {
	return schema.NewErrorf(schema.ErrCodeInvalidTransition, format, args...)
}
