package engine

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"github.com/rendis/orchestra/internal/backoff"
	"github.com/rendis/orchestra/internal/metrics"
	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/pkg/schema"
)

// errUnchanged stops a mutation without writing.
var errUnchanged = schema.NewError(schema.ErrCodeConflict, "node execution unchanged")

// links are the graph references a new node execution inherits.
type links struct {
	parentID   string
	previousID string
	notifyID   string
}

// mutateNode reloads the node execution, applies fn and writes it back
// under the optimistic version check, retrying stale writes. When fn
// returns errUnchanged nothing is written and the loaded record is returned
// with errUnchanged.
func (e *Engine) mutateNode(ctx context.Context, id string, fn func(ne *store.NodeExecution) error) (*store.NodeExecution, error) {
	var out *store.NodeExecution
	err := backoff.Retry(ctx, e.cfg.ConflictPolicy, func(attempt int) error {
		if attempt > 0 {
			metrics.ConflictRetries.WithLabelValues("node").Inc()
		}
		ne, err := e.store.GetNodeExecution(ctx, id)
		if err != nil {
			return err
		}
		out = ne
		if err := fn(ne); err != nil {
			return err
		}
		return e.store.UpdateNodeExecution(ctx, ne)
	})
	return out, err
}

// transitionNode moves a node execution to `to` when its current status
// allows it, applying extra changes in the same write. It reports whether
// the transition happened; a node that already moved elsewhere is left
// alone. Exhausted conflict retries mark the node ERRORED.
func (e *Engine) transitionNode(ctx context.Context, id string, to schema.Status, reason string, apply func(ne *store.NodeExecution)) (*store.NodeExecution, bool, error) {
	return e.transitionNodeFrom(ctx, id, nil, to, reason, apply)
}

// transitionNodeFrom is transitionNode restricted to nodes currently in one
// of the from statuses. A nil from allows any valid source status.
func (e *Engine) transitionNodeFrom(ctx context.Context, id string, from []schema.Status, to schema.Status, reason string, apply func(ne *store.NodeExecution)) (*store.NodeExecution, bool, error) {
	var t Transition
	ne, err := e.mutateNode(ctx, id, func(ne *store.NodeExecution) error {
		if from != nil && !slices.Contains(from, ne.Status) {
			return errUnchanged
		}
		t = Transition{
			PlanExecutionID: ne.PlanExecutionID,
			NodeExecutionID: ne.ID,
			StepType:        ne.StepType,
			Mode:            ne.Mode,
			From:            ne.Status,
			To:              to,
			Reason:          reason,
		}
		if err := e.nodes.Check(ctx, t); err != nil {
			if schema.IsCode(err, schema.ErrCodeInvalidTransition) {
				return errUnchanged
			}
			return err
		}
		now := e.now()
		ne.Status = to
		if to == schema.StatusRunning && ne.StartedAt == nil {
			ne.StartedAt = &now
		}
		if to.IsFinal() {
			ne.EndedAt = &now
		}
		if apply != nil {
			apply(ne)
		}
		t.Mode = ne.Mode
		return nil
	})
	switch {
	case errors.Is(err, errUnchanged):
		e.log(ctx).DebugContext(ctx, "node transition skipped",
			slog.String("node_execution_id", id),
			slog.String("status", string(ne.Status)),
			slog.String("to", string(to)))
		return ne, false, nil
	case schema.IsCode(err, schema.ErrCodeStaleVersion):
		e.markErrored(ctx, id, err)
		return ne, false, err
	case err != nil:
		return ne, false, err
	}
	if err := e.nodes.Record(ctx, t); err != nil {
		e.log(ctx).WarnContext(ctx, "record node transition", slog.String("error", err.Error()))
	}
	return ne, true, nil
}

// markErrored force-ends a node whose updates kept conflicting and ends
// its flow.
func (e *Engine) markErrored(ctx context.Context, id string, cause error) {
	metrics.ConflictRetries.WithLabelValues("node_exhausted").Inc()
	var from []schema.Status
	for st, targets := range schema.ValidNodeTransitions {
		for _, to := range targets {
			if to == schema.StatusErrored && !st.IsFinal() {
				from = append(from, st)
			}
		}
	}
	ok, err := e.store.UpdateNodeStatus(ctx, id, schema.StatusErrored, from)
	if err != nil || !ok {
		return
	}
	ne, err := e.store.GetNodeExecution(ctx, id)
	if err != nil {
		return
	}
	e.log(ctx).ErrorContext(ctx, "node errored after conflicting updates",
		slog.String("node_execution_id", id),
		slog.String("error", cause.Error()))
	if err := e.nodes.Record(ctx, Transition{
		PlanExecutionID: ne.PlanExecutionID,
		NodeExecutionID: ne.ID,
		StepType:        ne.StepType,
		Mode:            ne.Mode,
		To:              schema.StatusErrored,
		Reason:          cause.Error(),
	}); err != nil {
		e.log(ctx).WarnContext(ctx, "record node errored", slog.String("error", err.Error()))
	}
	if err := e.endTransition(ctx, ne); err != nil {
		e.log(ctx).ErrorContext(ctx, "end errored node", slog.String("error", err.Error()))
	}
}

// createNode persists a QUEUED node execution for node under parent
// ambiance amb. An empty id gets a fresh uuid.
func (e *Engine) createNode(ctx context.Context, id string, amb schema.Ambiance, node *schema.PlanNode, l links) (*store.NodeExecution, error) {
	if id == "" {
		id = uuid.New().String()
	}
	ne := &store.NodeExecution{
		ID:              id,
		PlanExecutionID: amb.PlanExecutionID,
		NodeID:          node.UUID,
		Identifier:      node.Identifier,
		StepType:        node.StepType,
		Ambiance:        amb.CloneForChild(schema.LevelFromPlanNode(id, node)),
		Status:          schema.StatusQueued,
		ParentID:        l.parentID,
		PreviousID:      l.previousID,
		NotifyID:        l.notifyID,
	}
	if err := e.store.CreateNodeExecution(ctx, ne); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create node execution: %s", err.Error()).WithCause(err)
	}
	if err := e.nodes.Record(ctx, Transition{
		PlanExecutionID: ne.PlanExecutionID,
		NodeExecutionID: ne.ID,
		StepType:        ne.StepType,
		To:              schema.StatusQueued,
	}); err != nil {
		e.log(ctx).WarnContext(ctx, "record node queued", slog.String("error", err.Error()))
	}
	if l.previousID != "" {
		_, err := e.mutateNode(ctx, l.previousID, func(prev *store.NodeExecution) error {
			prev.NextID = ne.ID
			return nil
		})
		if err != nil {
			e.log(ctx).WarnContext(ctx, "link previous node", slog.String("error", err.Error()))
		}
	}
	return ne, nil
}

// triggerExecution creates a node execution and queues its start.
func (e *Engine) triggerExecution(ctx context.Context, amb schema.Ambiance, node *schema.PlanNode, l links) (*store.NodeExecution, error) {
	ne, err := e.createNode(ctx, "", amb, node, l)
	if err != nil {
		return nil, err
	}
	e.enqueue(ne.PlanExecutionID, ne.ID, func(ctx context.Context) error {
		return e.startNode(ctx, ne.ID, false)
	})
	return ne, nil
}

func effectHistory(ne *store.NodeExecution, eff *schema.InterruptEffect) {
	if eff != nil && eff.InterruptID != "" {
		ne.InterruptHistories = append(ne.InterruptHistories, *eff)
	}
}
