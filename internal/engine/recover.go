package engine

import (
	"context"
	"log/slog"

	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/pkg/schema"
)

// Recovered counts what Recover put back to work.
type Recovered struct {
	Nodes int `json:"nodes"`
	Waits int `json:"waits"`
}

// Recover resumes work a previous process left behind. QUEUED node
// executions only lived in that process's worker pool and are queued
// again; waits that were claimed but whose callback never completed are
// redelivered, as are waits whose responses all arrived unobserved. Call
// it once at startup, before taking new requests.
func (e *Engine) Recover(ctx context.Context) (Recovered, error) {
	var out Recovered
	queued, err := e.store.ListNodeExecutions(ctx, store.NodeExecutionFilter{
		Statuses: []schema.Status{schema.StatusQueued},
	})
	if err != nil {
		return out, err
	}
	for _, ne := range queued {
		delay, err := e.startDelayState(ctx, ne.ID)
		if err != nil {
			return out, err
		}
		if delay == startPending {
			// The start wait is redelivered below.
			continue
		}
		id, deferred := ne.ID, delay == startSpent
		e.enqueue(ne.PlanExecutionID, id, func(ctx context.Context) error {
			return e.startNode(ctx, id, deferred)
		})
		out.Nodes++
	}

	out.Waits, err = e.waiter.Recover(ctx)
	if err != nil {
		return out, err
	}
	if out.Nodes > 0 || out.Waits > 0 {
		e.logger.InfoContext(ctx, "recovered engine work",
			slog.Int("nodes", out.Nodes),
			slog.Int("waits", out.Waits))
	}
	return out, nil
}

type startDelay int

const (
	startUndeferred startDelay = iota
	startPending
	startSpent
)

// startDelayState reports whether the node's start delay, if it had one,
// already fired. A claimed start wait whose callback has not completed is
// pending.
func (e *Engine) startDelayState(ctx context.Context, id string) (startDelay, error) {
	waits, err := e.store.ListWaitInstances(ctx, store.WaitInstanceFilter{
		NodeExecutionID: id,
		Callback:        store.CallbackStart,
	})
	if err != nil || len(waits) == 0 {
		return startUndeferred, err
	}
	switch waits[len(waits)-1].Status {
	case store.WaitHandled:
		return startSpent, nil
	case store.WaitDone:
		return startPending, nil
	default:
		return startUndeferred, nil
	}
}
