package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/internal/streaming"
	"github.com/rendis/orchestra/pkg/schema"
)

// Transition describes one status change of a node or plan execution.
type Transition struct {
	PlanExecutionID string
	NodeExecutionID string
	StepType        string
	Mode            schema.ExecutionMode
	From            schema.Status
	To              schema.Status
	Reason          string
}

// TransitionHook is called before or after a status transition. A before
// hook that returns an error vetoes the transition.
type TransitionHook func(ctx context.Context, t Transition) error

// EventAppender is satisfied by *store.EventLog.
type EventAppender interface {
	Append(ctx context.Context, planExecutionID, nodeExecutionID, eventType string, payload any) (*store.Event, error)
}

type hookKey struct {
	from, to schema.Status
}

// StatusFSM validates status transitions for one kind of execution and
// records each applied transition in the event log and the event hub.
// Persisting the new status is the caller's job: Check runs before the
// write, Record after it.
type StatusFSM struct {
	kind      string
	valid     func(from, to schema.Status) bool
	eventType func(from, to schema.Status) string
	appender  EventAppender
	hub       streaming.EventHub

	mu     sync.RWMutex
	before map[hookKey][]TransitionHook
	after  map[hookKey][]TransitionHook
}

// NewNodeFSM creates the FSM for node executions.
func NewNodeFSM(appender EventAppender, hub streaming.EventHub) *StatusFSM {
	return newStatusFSM("node", schema.CanTransition, nodeEventType, appender, hub)
}

// NewPlanFSM creates the FSM for plan executions.
func NewPlanFSM(appender EventAppender, hub streaming.EventHub) *StatusFSM {
	return newStatusFSM("plan", schema.CanPlanTransition, planEventType, appender, hub)
}

func newStatusFSM(kind string, valid func(from, to schema.Status) bool, eventType func(from, to schema.Status) string, appender EventAppender, hub streaming.EventHub) *StatusFSM {
	return &StatusFSM{
		kind:      kind,
		valid:     valid,
		eventType: eventType,
		appender:  appender,
		hub:       hub,
		before:    make(map[hookKey][]TransitionHook),
		after:     make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook run before a transition. An empty from or to
// matches any status.
func (f *StatusFSM) OnBefore(from, to schema.Status, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook run after a transition was persisted. An empty
// from or to matches any status.
func (f *StatusFSM) OnAfter(from, to schema.Status, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Check validates t and runs the before hooks.
func (f *StatusFSM) Check(ctx context.Context, t Transition) error {
	if !f.valid(t.From, t.To) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid %s transition: %s -> %s", f.kind, t.From, t.To).
			WithNode(t.NodeExecutionID).
			WithDetails(map[string]any{"plan_execution_id": t.PlanExecutionID, "from": string(t.From), "to": string(t.To)})
	}
	for _, hook := range f.hooks(f.before, t) {
		if err := hook(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// Record appends the transition event, publishes it and runs the after hooks.
func (f *StatusFSM) Record(ctx context.Context, t Transition) error {
	eventType := f.eventType(t.From, t.To)
	payload := store.StatusPayload{From: t.From, To: t.To, Reason: t.Reason}

	var seq int64
	if f.appender != nil {
		ev, err := f.appender.Append(ctx, t.PlanExecutionID, t.NodeExecutionID, eventType, payload)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit %s event: %s", f.kind, err.Error()).
				WithNode(t.NodeExecutionID).WithCause(err)
		}
		seq = ev.Sequence
	}
	if f.hub != nil {
		_ = f.hub.Publish(ctx, streaming.StreamEvent{
			PlanExecutionID: t.PlanExecutionID,
			NodeExecutionID: t.NodeExecutionID,
			EventType:       eventType,
			Sequence:        seq,
			From:            t.From,
			To:              t.To,
			Reason:          t.Reason,
			Timestamp:       time.Now().UTC(),
		})
	}

	var firstErr error
	for _, hook := range f.hooks(f.after, t) {
		if err := hook(ctx, t); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *StatusFSM) hooks(m map[hookKey][]TransitionHook, t Transition) []TransitionHook {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []TransitionHook
	seen := make(map[hookKey]bool, 4)
	for _, key := range []hookKey{{t.From, t.To}, {"", t.To}, {t.From, ""}, {"", ""}} {
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, m[key]...)
	}
	return out
}

func nodeEventType(from, to schema.Status) string {
	switch {
	case to == schema.StatusQueued && from == "":
		return schema.EventNodeQueued
	case to.IsFinal():
		return schema.EventNodeCompleted
	case to == schema.StatusRunning && from != schema.StatusQueued && from != schema.StatusRunning:
		return schema.EventNodeResumed
	default:
		return schema.EventNodeStatus
	}
}

func planEventType(from, to schema.Status) string {
	switch {
	case to == schema.StatusRunning && from == "":
		return schema.EventPlanStarted
	case to == schema.StatusPaused:
		return schema.EventPlanPaused
	case to == schema.StatusRunning && from == schema.StatusPaused:
		return schema.EventPlanResumed
	case to == schema.StatusAborted:
		return schema.EventPlanAborted
	case to.IsFinal():
		return schema.EventPlanCompleted
	default:
		return schema.EventPlanStatus
	}
}
