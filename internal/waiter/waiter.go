// Package waiter implements durable notify-by-correlation-id: nodes register
// wait instances on correlation ids, producers record responses, and the
// wait fires exactly once when every id has a response.
package waiter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/orchestra/internal/logging"
	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/pkg/schema"
)

// Handler receives completed waits.
type Handler interface {
	OnWaitDone(ctx context.Context, wi *store.WaitInstance, responses map[string]schema.ResponseData) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, wi *store.WaitInstance, responses map[string]schema.ResponseData) error

func (f HandlerFunc) OnWaitDone(ctx context.Context, wi *store.WaitInstance, responses map[string]schema.ResponseData) error {
	return f(ctx, wi, responses)
}

// Waiter persists waits, responses and delays in the Store.
type Waiter struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	handler Handler
}

func New(s store.Store, logger *slog.Logger) *Waiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Waiter{store: s, logger: logger, now: time.Now}
}

// SetHandler installs the handler that completed waits are delivered to.
func (w *Waiter) SetHandler(h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handler = h
}

// SetClock replaces the clock used to schedule and sweep delays.
func (w *Waiter) SetClock(now func() time.Time) {
	w.now = now
}

func (w *Waiter) getHandler() Handler {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.handler
}

// WaitFor registers a wait for nodeExecutionID on correlationIDs. Responses
// that arrived before the wait was registered are honored.
func (w *Waiter) WaitFor(ctx context.Context, planExecutionID, nodeExecutionID string, cb store.WaitCallback, correlationIDs ...string) (*store.WaitInstance, error) {
	if len(correlationIDs) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "wait requires at least one correlation id")
	}
	wi := &store.WaitInstance{
		ID:              uuid.New().String(),
		NodeExecutionID: nodeExecutionID,
		PlanExecutionID: planExecutionID,
		Callback:        cb,
		CorrelationIDs:  correlationIDs,
		Status:          store.WaitWaiting,
	}
	if err := w.store.CreateWaitInstance(ctx, wi); err != nil {
		return nil, err
	}
	if err := w.tryFire(ctx, wi); err != nil {
		return wi, err
	}
	return wi, nil
}

// DoneWith records resp under its correlation id and fires every wait that
// is now complete. A second response for the same id is ignored.
func (w *Waiter) DoneWith(ctx context.Context, planExecutionID string, resp schema.ResponseData) error {
	if resp.CorrelationID == "" {
		return schema.NewError(schema.ErrCodeValidation, "response has no correlation id")
	}
	saved, err := w.store.SaveNotifyResponse(ctx, planExecutionID, resp)
	if err != nil {
		return err
	}
	if !saved {
		w.logger.DebugContext(ctx, "duplicate notify ignored", slog.String("correlation_id", resp.CorrelationID))
		return nil
	}
	waits, err := w.store.ListWaitInstancesByCorrelation(ctx, resp.CorrelationID)
	if err != nil {
		return err
	}
	var firstErr error
	for _, wi := range waits {
		if err := w.tryFire(ctx, wi); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// tryFire claims wi when all its correlation ids have responses and hands
// it to the handler. The claim makes delivery at-most-once; an instance
// whose callback never reports Handled stays DONE and is redelivered by
// Recover.
func (w *Waiter) tryFire(ctx context.Context, wi *store.WaitInstance) error {
	_, err := w.fire(ctx, wi)
	return err
}

// fire reports whether wi was claimed and delivered.
func (w *Waiter) fire(ctx context.Context, wi *store.WaitInstance) (bool, error) {
	responses, err := w.store.GetNotifyResponses(ctx, wi.CorrelationIDs)
	if err != nil {
		return false, err
	}
	if len(responses) < len(wi.CorrelationIDs) {
		return false, nil
	}
	claimed, err := w.store.CompleteWaitInstance(ctx, wi.ID)
	if err != nil || !claimed {
		return false, err
	}
	if err := w.deliver(ctx, wi, responses); err != nil {
		return false, err
	}
	return true, nil
}

func (w *Waiter) deliver(ctx context.Context, wi *store.WaitInstance, responses map[string]schema.ResponseData) error {
	h := w.getHandler()
	if h == nil {
		w.logger.WarnContext(ctx, "wait completed without handler", slog.String("wait_id", wi.ID))
		return nil
	}
	ctx = logging.WithIDs(ctx, wi.PlanExecutionID, wi.NodeExecutionID)
	if err := h.OnWaitDone(ctx, wi, responses); err != nil {
		logging.LogWith(ctx, w.logger).ErrorContext(ctx, "wait handler failed",
			slog.String("wait_id", wi.ID),
			slog.String("callback", string(wi.Callback)),
			slog.String("error", err.Error()))
		return err
	}
	return nil
}

// Handled records that the callback of a delivered wait completed.
func (w *Waiter) Handled(ctx context.Context, wi *store.WaitInstance) error {
	_, err := w.store.MarkWaitHandled(ctx, wi.ID)
	return err
}

// Cancel retires a wait nobody will answer. A wait that already fired is
// left alone.
func (w *Waiter) Cancel(ctx context.Context, wi *store.WaitInstance) error {
	claimed, err := w.store.CompleteWaitInstance(ctx, wi.ID)
	if err != nil || !claimed {
		return err
	}
	_, err = w.store.MarkWaitHandled(ctx, wi.ID)
	return err
}

// Recover redelivers waits that were claimed but never reported handled,
// then fires waiting instances whose responses all arrived while nobody
// was listening. It returns how many waits were delivered.
func (w *Waiter) Recover(ctx context.Context) (int, error) {
	done, err := w.store.ListWaitInstances(ctx, store.WaitInstanceFilter{Statuses: []store.WaitStatus{store.WaitDone}})
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, wi := range done {
		latest, err := w.latestWait(ctx, wi.NodeExecutionID)
		if err != nil {
			return delivered, err
		}
		if latest != wi.ID {
			// The node registered a newer wait after this one fired, so
			// its callback already ran.
			if _, err := w.store.MarkWaitHandled(ctx, wi.ID); err != nil {
				return delivered, err
			}
			continue
		}
		responses, err := w.store.GetNotifyResponses(ctx, wi.CorrelationIDs)
		if err != nil {
			return delivered, err
		}
		if err := w.deliver(ctx, wi, responses); err != nil {
			continue
		}
		delivered++
	}

	waiting, err := w.store.ListWaitInstances(ctx, store.WaitInstanceFilter{Statuses: []store.WaitStatus{store.WaitWaiting}})
	if err != nil {
		return delivered, err
	}
	for _, wi := range waiting {
		fired, err := w.fire(ctx, wi)
		if err != nil {
			continue
		}
		if fired {
			delivered++
		}
	}
	return delivered, nil
}

func (w *Waiter) latestWait(ctx context.Context, nodeExecutionID string) (string, error) {
	waits, err := w.store.ListWaitInstances(ctx, store.WaitInstanceFilter{NodeExecutionID: nodeExecutionID})
	if err != nil || len(waits) == 0 {
		return "", err
	}
	return waits[len(waits)-1].ID, nil
}

// Delay schedules a durable timer. When it fires, correlationID is notified
// with an empty response.
func (w *Waiter) Delay(ctx context.Context, planExecutionID, correlationID string, d time.Duration) error {
	return w.store.CreateDelay(ctx, &store.Delay{
		CorrelationID:   correlationID,
		PlanExecutionID: planExecutionID,
		FireAt:          w.now().Add(d),
	})
}

// NewCorrelationID returns a fresh id with the given prefix.
func NewCorrelationID(prefix string) string {
	return prefix + "-" + uuid.New().String()
}

// FireDueDelays notifies up to limit due delays and returns how many fired.
// Each delay is claimed before it is notified, so concurrent sweeps never
// fire the same delay twice.
func (w *Waiter) FireDueDelays(ctx context.Context, limit int) (int, error) {
	due, err := w.store.ListDueDelays(ctx, w.now(), limit)
	if err != nil {
		return 0, err
	}
	fired := 0
	for _, d := range due {
		ok, err := w.store.MarkDelayFired(ctx, d.CorrelationID)
		if err != nil {
			return fired, err
		}
		if !ok {
			continue
		}
		fired++
		if err := w.DoneWith(ctx, d.PlanExecutionID, schema.ResponseData{CorrelationID: d.CorrelationID}); err != nil {
			w.logger.ErrorContext(ctx, "delay notify failed",
				slog.String("correlation_id", d.CorrelationID),
				slog.String("error", err.Error()))
		}
	}
	return fired, nil
}
