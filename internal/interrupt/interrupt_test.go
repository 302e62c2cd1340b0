package interrupt

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/pkg/schema"
)

type call struct {
	method string
	target string
	eff    schema.InterruptEffect
	info   *schema.FailureInfo
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls []call
	errs  map[string]error
}

func (f *fakeExecutor) record(method, target string, eff schema.InterruptEffect, info *schema.FailureInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{method: method, target: target, eff: eff, info: info})
	return f.errs[method]
}

func (f *fakeExecutor) AbortPlan(_ context.Context, id string, eff schema.InterruptEffect) error {
	return f.record("AbortPlan", id, eff, nil)
}

func (f *fakeExecutor) AbortNode(_ context.Context, id string, eff schema.InterruptEffect) error {
	return f.record("AbortNode", id, eff, nil)
}

func (f *fakeExecutor) PausePlan(_ context.Context, id string, eff schema.InterruptEffect) error {
	return f.record("PausePlan", id, eff, nil)
}

func (f *fakeExecutor) ResumePlan(_ context.Context, id string, eff schema.InterruptEffect) error {
	return f.record("ResumePlan", id, eff, nil)
}

func (f *fakeExecutor) RetryNode(_ context.Context, id string, eff schema.InterruptEffect) error {
	return f.record("RetryNode", id, eff, nil)
}

func (f *fakeExecutor) FailNode(_ context.Context, id string, info *schema.FailureInfo, eff schema.InterruptEffect) error {
	return f.record("FailNode", id, eff, info)
}

func (f *fakeExecutor) MarkSuccess(_ context.Context, id string, eff schema.InterruptEffect) error {
	return f.record("MarkSuccess", id, eff, nil)
}

func (f *fakeExecutor) IgnoreFailure(_ context.Context, id string, eff schema.InterruptEffect) error {
	return f.record("IgnoreFailure", id, eff, nil)
}

func (f *fakeExecutor) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

type fixture struct {
	store *store.LibSQLStore
	exec  *fakeExecutor
	svc   *Service
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "interrupts.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	f := &fixture{
		store: s,
		exec:  &fakeExecutor{errs: map[string]error{}},
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(s, f.exec, store.NewEventLog(s), slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.svc.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) plan(t *testing.T) *store.PlanExecution {
	t.Helper()
	pe := &store.PlanExecution{
		ID: uuid.New().String(),
		Plan: &schema.Plan{
			StartingNodeID: "a",
			Nodes: map[string]*schema.PlanNode{
				"a": {UUID: "a", Identifier: "call", StepType: "remote"},
			},
		},
		Status:     schema.StatusRunning,
		ValidUntil: f.now.Add(time.Hour),
	}
	require.NoError(t, f.store.CreatePlanExecution(context.Background(), pe))
	return pe
}

func (f *fixture) node(t *testing.T, pe *store.PlanExecution, status schema.Status, timeoutAt *time.Time) *store.NodeExecution {
	t.Helper()
	id := uuid.New().String()
	ne := &store.NodeExecution{
		ID:              id,
		PlanExecutionID: pe.ID,
		NodeID:          "a",
		Identifier:      "call",
		StepType:        "remote",
		Ambiance:        schema.NewAmbiance(pe.ID, nil).CloneForChild(schema.LevelFromPlanNode(id, pe.Plan.Nodes["a"])),
		Mode:            schema.ModeTask,
		Status:          status,
		TimeoutAt:       timeoutAt,
	}
	require.NoError(t, f.store.CreateNodeExecution(context.Background(), ne))
	return ne
}

func TestRaiseValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pe := f.plan(t)
	ne := f.node(t, pe, schema.StatusRunning, nil)
	other := f.plan(t)

	cases := []struct {
		name string
		req  Request
		code string
	}{
		{"unknown type", Request{PlanExecutionID: pe.ID, Type: "EXPLODE"}, schema.ErrCodeValidation},
		{"missing plan", Request{Type: schema.InterruptPauseAll}, schema.ErrCodeValidation},
		{"node scoped without node", Request{PlanExecutionID: pe.ID, Type: schema.InterruptRetry}, schema.ErrCodeValidation},
		{"plan scoped with node", Request{PlanExecutionID: pe.ID, NodeExecutionID: ne.ID, Type: schema.InterruptAbortAll}, schema.ErrCodeValidation},
		{"unknown plan", Request{PlanExecutionID: "nope", Type: schema.InterruptAbortAll}, schema.ErrCodeNotFound},
		{"unknown node", Request{PlanExecutionID: pe.ID, NodeExecutionID: "nope", Type: schema.InterruptAbort}, schema.ErrCodeNotFound},
		{"node of another plan", Request{PlanExecutionID: other.ID, NodeExecutionID: ne.ID, Type: schema.InterruptAbort}, schema.ErrCodeValidation},
		{"bad failure types", Request{PlanExecutionID: pe.ID, NodeExecutionID: ne.ID, Type: schema.InterruptCustomFailure,
			Parameters: map[string]any{ParamFailureTypes: "EXPIRED"}}, schema.ErrCodeValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Raise(ctx, tc.req)
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, tc.code), err.Error())
		})
	}
	assert.Empty(t, f.exec.Calls())
}

func TestRaiseProcessesSynchronously(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pe := f.plan(t)

	in, err := f.svc.Raise(ctx, Request{PlanExecutionID: pe.ID, Type: schema.InterruptPauseAll})
	require.NoError(t, err)
	assert.Equal(t, schema.InterruptProcessed, in.State)

	calls := f.exec.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "PausePlan", calls[0].method)
	assert.Equal(t, pe.ID, calls[0].target)
	assert.Equal(t, in.ID, calls[0].eff.InterruptID)
	assert.Equal(t, schema.InterruptPauseAll, calls[0].eff.InterruptType)
	assert.Equal(t, f.now.UnixMilli(), calls[0].eff.TookEffectAt)

	events, err := f.store.GetEvents(ctx, pe.ID, 0)
	require.NoError(t, err)
	var types []string
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{schema.EventInterruptRegistered, schema.EventInterruptProcessed}, types)
}

func TestRaiseDiscardsInvalidTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pe := f.plan(t)
	ne := f.node(t, pe, schema.StatusSucceeded, nil)
	f.exec.errs["MarkSuccess"] = schema.NewError(schema.ErrCodeInvalidTransition, "node is not waiting for intervention")

	in, err := f.svc.Raise(ctx, Request{PlanExecutionID: pe.ID, NodeExecutionID: ne.ID, Type: schema.InterruptMarkSuccess})
	require.NoError(t, err)
	assert.Equal(t, schema.InterruptDiscarded, in.State)
}

func TestRaiseHookErrorStillProcessed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pe := f.plan(t)
	f.exec.errs["AbortPlan"] = schema.NewError(schema.ErrCodeStore, "disk full")

	in, err := f.svc.Raise(ctx, Request{PlanExecutionID: pe.ID, Type: schema.InterruptAbortAll})
	require.NoError(t, err)
	assert.Equal(t, schema.InterruptProcessed, in.State)
}

func TestOneInterruptInFlightPerPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pe := f.plan(t)

	busy := &store.Interrupt{
		ID:              uuid.New().String(),
		PlanExecutionID: pe.ID,
		Type:            schema.InterruptPauseAll,
		State:           schema.InterruptRegistered,
	}
	require.NoError(t, f.store.CreateInterrupt(ctx, busy))
	ok, err := f.store.ClaimInterrupt(ctx, busy.ID)
	require.NoError(t, err)
	require.True(t, ok)

	in, err := f.svc.Raise(ctx, Request{PlanExecutionID: pe.ID, Type: schema.InterruptAbortAll})
	require.NoError(t, err)
	assert.Equal(t, schema.InterruptRegistered, in.State)
	assert.Empty(t, f.exec.Calls())

	n, err := f.svc.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = f.store.TransitionInterrupt(ctx, busy.ID, schema.InterruptProcessing, schema.InterruptProcessed)
	require.NoError(t, err)
	n, err = f.svc.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.svc.Get(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InterruptProcessed, got.State)
	require.Len(t, f.exec.Calls(), 1)
	assert.Equal(t, "AbortPlan", f.exec.Calls()[0].method)
}

func TestDuplicatePendingInterruptDiscarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pe := f.plan(t)
	pending := &store.Interrupt{
		ID:              uuid.New().String(),
		PlanExecutionID: pe.ID,
		Type:            schema.InterruptResumeAll,
		State:           schema.InterruptRegistered,
	}
	require.NoError(t, f.store.CreateInterrupt(ctx, pending))
	_, err := f.store.ClaimInterrupt(ctx, pending.ID)
	require.NoError(t, err)

	in, err := f.svc.Raise(ctx, Request{PlanExecutionID: pe.ID, Type: schema.InterruptResumeAll})
	require.NoError(t, err)
	assert.Equal(t, schema.InterruptDiscarded, in.State)
	assert.Empty(t, f.exec.Calls())
}

func TestCustomFailureParameters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pe := f.plan(t)
	ne := f.node(t, pe, schema.StatusTaskWaiting, nil)

	_, err := f.svc.Raise(ctx, Request{
		PlanExecutionID: pe.ID,
		NodeExecutionID: ne.ID,
		Type:            schema.InterruptCustomFailure,
		Parameters: map[string]any{
			ParamErrorMessage: "operator gave up",
			ParamFailureTypes: []any{"AUTHORIZATION", "VERIFICATION"},
		},
	})
	require.NoError(t, err)

	calls := f.exec.Calls()
	require.Len(t, calls, 1)
	require.NotNil(t, calls[0].info)
	assert.Equal(t, "operator gave up", calls[0].info.ErrorMessage)
	assert.Equal(t, []schema.FailureType{schema.FailureAuthorization, schema.FailureVerification}, calls[0].info.FailureTypes)
}

func TestFailureFromParamsDefaults(t *testing.T) {
	info, err := FailureFromParams(nil)
	require.NoError(t, err)
	assert.Equal(t, []schema.FailureType{schema.FailureApplication}, info.FailureTypes)
	assert.NotEmpty(t, info.ErrorMessage)

	_, err = FailureFromParams(map[string]any{ParamFailureTypes: []any{"MAYBE"}})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = FailureFromParams(map[string]any{ParamFailureTypes: []any{42}})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestExpireOverdue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pe := f.plan(t)
	past := f.now.Add(-time.Minute)
	future := f.now.Add(time.Minute)
	overdue := f.node(t, pe, schema.StatusTaskWaiting, &past)
	f.node(t, pe, schema.StatusTaskWaiting, &future)
	f.node(t, pe, schema.StatusSucceeded, &past)

	n, err := f.svc.ExpireOverdue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	calls := f.exec.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "FailNode", calls[0].method)
	assert.Equal(t, overdue.ID, calls[0].target)
	assert.Equal(t, []schema.FailureType{schema.FailureExpired}, calls[0].info.FailureTypes)
}

func TestRecoverRequeuesProcessing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pe := f.plan(t)
	stuck := &store.Interrupt{
		ID:              uuid.New().String(),
		PlanExecutionID: pe.ID,
		Type:            schema.InterruptPauseAll,
		State:           schema.InterruptRegistered,
	}
	require.NoError(t, f.store.CreateInterrupt(ctx, stuck))
	_, err := f.store.ClaimInterrupt(ctx, stuck.ID)
	require.NoError(t, err)

	n, err := f.svc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.svc.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := f.svc.Get(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InterruptProcessed, got.State)
}
