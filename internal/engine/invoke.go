package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/orchestra/internal/dispatch"
	"github.com/rendis/orchestra/internal/expressions"
	"github.com/rendis/orchestra/internal/steps"
	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/internal/tracing"
	"github.com/rendis/orchestra/internal/waiter"
	"github.com/rendis/orchestra/pkg/schema"
)

// startNode prepares and invokes a QUEUED node execution. deferred is set
// when the node's start delay was already spent, either because the delay
// fired for a WAITING node or because a node parked after its delay is
// being resumed. A paused plan parks the node either way.
func (e *Engine) startNode(ctx context.Context, id string, deferred bool) (err error) {
	ne, err := e.store.GetNodeExecution(ctx, id)
	if err != nil {
		return err
	}
	startable := []schema.Status{schema.StatusQueued}
	if deferred {
		startable = append(startable, schema.StatusWaiting)
	}
	if !slices.Contains(startable, ne.Status) {
		e.log(ctx).DebugContext(ctx, "start ignored",
			slog.String("node_execution_id", id),
			slog.String("status", string(ne.Status)))
		return nil
	}
	pe, err := e.loadPlan(ctx, ne.PlanExecutionID)
	if err != nil {
		return err
	}

	switch pe.Status {
	case schema.StatusPaused:
		_, _, err := e.transitionNodeFrom(ctx, id, startable, schema.StatusPaused, "plan paused", nil)
		return err
	case schema.StatusAborted, schema.StatusDiscontinuing:
		_, _, err := e.transitionNode(ctx, id, schema.StatusAborted, "plan aborted", nil)
		return err
	}

	node, err := planNode(pe, ne)
	if err != nil {
		return e.concludeNode(ctx, pe, nil, id, schema.Failed(err.Error()), nil)
	}

	ctx, span := tracing.StartNodeSpan(ctx, pe.ID, ne.ID, ne.StepType)
	defer func() { tracing.End(span, err) }()

	scope, err := e.buildScope(ctx, pe, ne)
	if err != nil {
		return err
	}
	params, err := e.resolver.Resolve(ctx, node.StepParameters, scope)
	if err != nil {
		return e.concludeNode(ctx, pe, node, id, failureFromError(err), nil)
	}
	mode, err := e.steps.ModeFor(node)
	if err != nil {
		return e.concludeNode(ctx, pe, node, id, failureFromError(err), nil)
	}
	prepare := func(ne *store.NodeExecution) {
		ne.ResolvedStepParameters = params
		ne.Mode = mode
	}

	if !deferred {
		wait, err := steps.ParseDuration(node.FacilitatorObtainment.InitialWait)
		if err != nil {
			return e.concludeNode(ctx, pe, node, id, schema.Failed("initialWait: "+err.Error(), schema.FailureVerification), nil)
		}
		if wait > 0 {
			return e.deferStart(ctx, pe.ID, id, wait, "initial wait", prepare)
		}
	}

	ne, ok, err := e.transitionNodeFrom(ctx, id, startable, schema.StatusRunning, "started", prepare)
	if err != nil || !ok {
		return err
	}
	return e.invoke(ctx, pe, node, ne)
}

// deferStart parks a node as WAITING until a start delay fires.
func (e *Engine) deferStart(ctx context.Context, planExecutionID, id string, wait time.Duration, reason string, apply func(ne *store.NodeExecution)) error {
	_, ok, err := e.transitionNode(ctx, id, schema.StatusWaiting, reason, apply)
	if err != nil || !ok {
		return err
	}
	cid := waiter.NewCorrelationID("start")
	if _, err := e.waiter.WaitFor(ctx, planExecutionID, id, store.CallbackStart, cid); err != nil {
		return err
	}
	return e.waiter.Delay(ctx, planExecutionID, cid, wait)
}

// invoke runs a RUNNING node through the invoker for its execution mode.
func (e *Engine) invoke(ctx context.Context, pe *store.PlanExecution, node *schema.PlanNode, ne *store.NodeExecution) error {
	step, err := e.steps.Get(node.StepType)
	if err != nil {
		return e.concludeNode(ctx, pe, node, ne.ID, failureFromError(err), nil)
	}
	in, err := e.stepInput(ctx, pe, node, ne)
	if err != nil {
		return err
	}

	switch ne.Mode {
	case schema.ModeSync:
		return e.invokeSync(ctx, pe, node, ne, step.(steps.SyncStep), in)
	case schema.ModeAsync:
		return e.invokeAsync(ctx, pe, node, ne, step.(steps.AsyncStep), in)
	case schema.ModeTask:
		return e.invokeTask(ctx, pe, node, ne, step.(steps.TaskStep), in)
	case schema.ModeChild:
		return e.invokeChild(ctx, pe, node, ne, step.(steps.ChildStep), in)
	case schema.ModeChildChain:
		return e.invokeChildChain(ctx, pe, node, ne, step.(steps.ChildChainStep), in)
	default:
		return e.concludeNode(ctx, pe, node, ne.ID,
			schema.Failed(fmt.Sprintf("unsupported execution mode %q", ne.Mode), schema.FailureVerification), nil)
	}
}

func (e *Engine) invokeSync(ctx context.Context, pe *store.PlanExecution, node *schema.PlanNode, ne *store.NodeExecution, step steps.SyncStep, in steps.Input) error {
	resp, err := step.ExecuteSync(ctx, in)
	if err != nil {
		resp = failureFromError(err)
	}
	return e.concludeNode(ctx, pe, node, ne.ID, resp, &schema.SyncResponse{})
}

func (e *Engine) invokeAsync(ctx context.Context, pe *store.PlanExecution, node *schema.PlanNode, ne *store.NodeExecution, step steps.AsyncStep, in steps.Input) error {
	res, err := step.ExecuteAsync(ctx, in)
	if err != nil {
		return e.concludeNode(ctx, pe, node, ne.ID, failureFromError(err), nil)
	}
	if res == nil || (res.Response == nil && len(res.CallbackIDs) == 0) {
		return e.concludeNode(ctx, pe, node, ne.ID, schema.Failed("async step returned no callback ids"), nil)
	}
	if res.Response != nil {
		return e.concludeNode(ctx, pe, node, ne.ID, res.Response, &schema.AsyncResponse{CallbackIDs: res.CallbackIDs})
	}

	var timeoutAt *time.Time
	if res.Timeout > 0 {
		t := e.now().Add(res.Timeout)
		timeoutAt = &t
	}
	_, ok, err := e.transitionNode(ctx, ne.ID, schema.StatusAsyncWaiting, "awaiting callbacks", func(ne *store.NodeExecution) {
		ne.ExecutableResponses = append(ne.ExecutableResponses, &schema.AsyncResponse{CallbackIDs: res.CallbackIDs})
		ne.TimeoutAt = timeoutAt
	})
	if err != nil || !ok {
		return err
	}
	if _, err := e.waiter.WaitFor(ctx, pe.ID, ne.ID, store.CallbackResume, res.CallbackIDs...); err != nil {
		return err
	}
	if res.WakeAfter > 0 {
		for _, cid := range res.CallbackIDs {
			if err := e.waiter.Delay(ctx, pe.ID, cid, res.WakeAfter); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) invokeTask(ctx context.Context, pe *store.PlanExecution, node *schema.PlanNode, ne *store.NodeExecution, step steps.TaskStep, in steps.Input) error {
	spec, err := step.ObtainTask(ctx, in)
	if err != nil {
		return e.concludeNode(ctx, pe, node, ne.ID, failureFromError(err), nil)
	}
	if e.dispatcher == nil {
		return e.concludeNode(ctx, pe, node, ne.ID,
			schema.Failed("no dispatch transport configured", schema.FailureConnectivity), nil)
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = steps.DefaultTaskTimeout
	}
	taskID := uuid.New().String()
	deadline := e.now().Add(timeout)

	_, ok, err := e.transitionNode(ctx, ne.ID, schema.StatusTaskWaiting, "task dispatched", func(ne *store.NodeExecution) {
		ne.ExecutableResponses = append(ne.ExecutableResponses, &schema.TaskResponse{TaskID: taskID, Deadline: deadline})
		ne.TimeoutAt = &deadline
	})
	if err != nil || !ok {
		return err
	}
	wi, err := e.waiter.WaitFor(ctx, pe.ID, ne.ID, store.CallbackResume, taskID)
	if err != nil {
		return err
	}

	err = e.dispatcher.Send(ctx, &dispatch.TaskRequest{
		TaskID:          taskID,
		PlanExecutionID: pe.ID,
		NodeExecutionID: ne.ID,
		Kind:            spec.Kind,
		Payload:         spec.Payload,
		Ambiance:        ne.Ambiance,
		Deadline:        deadline,
	})
	if err != nil {
		if cerr := e.waiter.Cancel(ctx, wi); cerr != nil {
			e.log(ctx).WarnContext(ctx, "cancel task wait",
				slog.String("task_id", taskID),
				slog.String("error", cerr.Error()))
		}
		return e.concludeNode(ctx, pe, node, ne.ID, schema.Failed(err.Error(), schema.FailureConnectivity), nil)
	}
	return nil
}

func (e *Engine) invokeChild(ctx context.Context, pe *store.PlanExecution, node *schema.PlanNode, ne *store.NodeExecution, step steps.ChildStep, in steps.Input) error {
	childNodeID, err := step.ObtainChild(ctx, in)
	if err != nil {
		return e.concludeNode(ctx, pe, node, ne.ID, failureFromError(err), nil)
	}
	childID := uuid.New().String()
	return e.spawnChild(ctx, pe, node, ne, childNodeID, childID, &schema.ChildResponse{
		ChildNodeID:      childNodeID,
		ChildExecutionID: childID,
	})
}

func (e *Engine) invokeChildChain(ctx context.Context, pe *store.PlanExecution, node *schema.PlanNode, ne *store.NodeExecution, step steps.ChildChainStep, in steps.Input) error {
	chain, err := step.ObtainChain(ctx, in)
	if err != nil {
		return e.concludeNode(ctx, pe, node, ne.ID, failureFromError(err), nil)
	}
	if len(chain.Links) == 0 {
		return e.concludeNode(ctx, pe, node, ne.ID, schema.Failed("child chain has no links", schema.FailureVerification), nil)
	}
	childID := uuid.New().String()
	return e.spawnChild(ctx, pe, node, ne, chain.Links[0], childID, &schema.ChildChainResponse{
		NextChildID:      chain.Links[0],
		ChildExecutionID: childID,
		LastLink:         len(chain.Links) == 1,
	})
}

// spawnChild records rec on the parent, registers the parent's wait on the
// child and queues the child. The child's notify id is its own id, which
// every node of its flow inherits.
func (e *Engine) spawnChild(ctx context.Context, pe *store.PlanExecution, node *schema.PlanNode, parent *store.NodeExecution, childNodeID, childID string, rec schema.ExecutableResponse) error {
	child := pe.Plan.FetchNode(childNodeID)
	if child == nil {
		return e.concludeNode(ctx, pe, node, parent.ID,
			schema.Failed(fmt.Sprintf("child node %q not found", childNodeID), schema.FailureVerification), nil)
	}
	updated, err := e.mutateNode(ctx, parent.ID, func(ne *store.NodeExecution) error {
		if ne.Status != schema.StatusRunning {
			return errUnchanged
		}
		ne.ExecutableResponses = append(ne.ExecutableResponses, rec)
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := e.waiter.WaitFor(ctx, pe.ID, parent.ID, store.CallbackResume, childID); err != nil {
		return err
	}
	ce, err := e.createNode(ctx, childID, updated.Ambiance, child, links{parentID: parent.ID, notifyID: childID})
	if err != nil {
		return err
	}
	e.enqueue(pe.ID, ce.ID, func(ctx context.Context) error {
		return e.startNode(ctx, ce.ID, false)
	})
	return nil
}

// stepInput builds what a step sees for ne.
func (e *Engine) stepInput(ctx context.Context, pe *store.PlanExecution, node *schema.PlanNode, ne *store.NodeExecution) (steps.Input, error) {
	scope, err := e.buildScope(ctx, pe, ne)
	if err != nil {
		return steps.Input{}, err
	}
	scope.SetParams(ne.ResolvedStepParameters)
	return steps.Input{
		Ambiance:        ne.Ambiance,
		NodeExecutionID: ne.ID,
		Node:            node,
		Params:          ne.ResolvedStepParameters,
		Vars:            scope.Vars(),
	}, nil
}

// buildScope loads the plan's outcomes into a fresh expression scope.
// Outcomes are keyed by the identifier of the node that produced them.
func (e *Engine) buildScope(ctx context.Context, pe *store.PlanExecution, ne *store.NodeExecution) (*expressions.Scope, error) {
	scope := expressions.NewScope(pe.ID, pe.Status, pe.SetupAbstractions)
	outcomes, err := e.store.ListOutcomes(ctx, pe.ID)
	if err != nil {
		return nil, err
	}
	if len(outcomes) > 0 {
		nodes, err := e.store.ListNodeExecutions(ctx, store.NodeExecutionFilter{PlanExecutionID: pe.ID})
		if err != nil {
			return nil, err
		}
		identifiers := make(map[string]string, len(nodes))
		for _, n := range nodes {
			identifiers[n.ID] = n.Identifier
		}
		for _, o := range outcomes {
			if ident := identifiers[o.NodeExecutionID]; ident != "" {
				scope.AddOutcome(ident, o.Name, o.Data)
			}
		}
	}
	scope.SetNode(expressions.NodeVars(ne.ID, ne.Identifier, ne.StepType, ne.Status, ne.RetryCount(), ne.FailureInfo))
	return scope, nil
}

// failureFromError maps a step or engine error to a failed response.
func failureFromError(err error) *schema.StepResponse {
	var oe *schema.OrchestraError
	if errors.As(err, &oe) {
		switch oe.Code {
		case schema.ErrCodeTimeout:
			return schema.Failed(err.Error(), schema.FailureTimeout)
		case schema.ErrCodeDispatch, schema.ErrCodeCircuitOpen:
			return schema.Failed(err.Error(), schema.FailureConnectivity)
		case schema.ErrCodeValidation, schema.ErrCodeInterpolation, schema.ErrCodeUnknownStep:
			return schema.Failed(err.Error(), schema.FailureVerification)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return schema.Failed(err.Error(), schema.FailureTimeout)
	}
	return schema.Failed(err.Error())
}

func (e *Engine) logNode(ctx context.Context, ne *store.NodeExecution, msg string, attrs ...slog.Attr) {
	args := make([]any, 0, len(attrs)+2)
	args = append(args, slog.String("node_execution_id", ne.ID), slog.String("identifier", ne.Identifier))
	for _, a := range attrs {
		args = append(args, a)
	}
	e.log(ctx).InfoContext(ctx, msg, args...)
}
