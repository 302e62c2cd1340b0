package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/orchestra/internal/adviser"
	"github.com/rendis/orchestra/internal/backoff"
	"github.com/rendis/orchestra/internal/dispatch"
	"github.com/rendis/orchestra/internal/expressions"
	"github.com/rendis/orchestra/internal/steps"
	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/internal/streaming"
	"github.com/rendis/orchestra/internal/waiter"
	"github.com/rendis/orchestra/pkg/schema"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// flakyStep fails its first `failures` invocations.
type flakyStep struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *flakyStep) Type() string { return "flaky" }

func (s *flakyStep) Schema() steps.Schema {
	return steps.Schema{Modes: []schema.ExecutionMode{schema.ModeSync}}
}

func (s *flakyStep) ExecuteSync(context.Context, steps.Input) (*schema.StepResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return schema.Failed("flaky failure"), nil
	}
	return schema.Succeeded(), nil
}

func (s *flakyStep) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// holdStep waits on the correlation id in its callbackId parameter.
type holdStep struct {
	mu      sync.Mutex
	handled int
	aborts  int
}

func (s *holdStep) Type() string { return "hold" }

func (s *holdStep) Schema() steps.Schema {
	return steps.Schema{Modes: []schema.ExecutionMode{schema.ModeAsync}}
}

func (s *holdStep) ExecuteAsync(_ context.Context, in steps.Input) (*steps.AsyncResult, error) {
	return &steps.AsyncResult{CallbackIDs: []string{in.String("callbackId")}}, nil
}

func (s *holdStep) HandleAsyncResponse(_ context.Context, _ steps.Input, responses map[string]schema.ResponseData) (*schema.StepResponse, error) {
	s.mu.Lock()
	s.handled++
	s.mu.Unlock()
	for _, r := range responses {
		if r.Error {
			return schema.Failed("callback reported an error"), nil
		}
	}
	return schema.Succeeded(), nil
}

func (s *holdStep) HandleAbort(context.Context, steps.Input, []schema.ExecutableResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborts++
	return nil
}

func (s *holdStep) counts() (handled, aborts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handled, s.aborts
}

type harness struct {
	t         *testing.T
	ctx       context.Context
	store     *store.LibSQLStore
	events    *store.EventLog
	steps     *steps.Registry
	waiter    *waiter.Waiter
	clock     *fakeClock
	transport *dispatch.MemoryTransport
	engine    *Engine
	flaky     *flakyStep
	hold      *holdStep

	// deps are reused by restart; Waiter is rebuilt each time.
	deps Deps

	mu       sync.Mutex
	finished []schema.Status
}

// newHarness builds an engine over a fresh libSQL store. opts adjust the
// engine dependencies before the engine is built.
func newHarness(t *testing.T, flakyFailures int, opts ...func(*Deps)) *harness {
	t.Helper()
	ctx := context.Background()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { _ = s.Close() })

	engines, err := expressions.NewEngines()
	require.NoError(t, err)
	reg := steps.NewRegistry()
	require.NoError(t, steps.RegisterBuiltins(reg, engines))
	h := &harness{
		t:         t,
		ctx:       ctx,
		store:     s,
		events:    store.NewEventLog(s),
		steps:     reg,
		clock:     &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		transport: dispatch.NewMemoryTransport(nil),
		flaky:     &flakyStep{failures: flakyFailures},
		hold:      &holdStep{},
	}
	require.NoError(t, reg.Register(h.flaky))
	require.NoError(t, reg.Register(h.hold))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := dispatch.DefaultConfig()
	cfg.QPS = 0
	h.deps = Deps{
		Store:      s,
		Events:     h.events,
		Hub:        streaming.NewMemoryHub(),
		Steps:      reg,
		Advisers:   adviser.NewEvaluator(adviser.NewDefaultRegistry(), engines.CEL),
		Resolver:   expressions.NewResolver(engines.Expr),
		Dispatcher: dispatch.NewDispatcher(h.transport, cfg, logger),
		Logger:     logger,
		Now:        h.clock.Now,
	}
	for _, opt := range opts {
		opt(&h.deps)
	}
	h.start()
	return h
}

// start builds a waiter and an engine over h.deps.
func (h *harness) start() {
	h.t.Helper()
	h.waiter = waiter.New(h.deps.Store, h.deps.Logger)
	h.waiter.SetClock(h.clock.Now)
	deps := h.deps
	deps.Waiter = h.waiter

	e, err := NewEngine(deps, DefaultConfig())
	require.NoError(h.t, err)
	e.AddObserver(PlanObserverFunc(func(_ context.Context, pe *store.PlanExecution) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.finished = append(h.finished, pe.Status)
		return nil
	}))
	h.t.Cleanup(e.Shutdown)
	h.engine = e
}

// restart stops the engine and brings up a new one on the same store, the
// way a new process would, then runs recovery.
func (h *harness) restart() Recovered {
	h.t.Helper()
	h.engine.Shutdown()
	h.start()
	rec, err := h.engine.Recover(h.ctx)
	require.NoError(h.t, err)
	h.settle()
	return rec
}

func (h *harness) submit(plan *schema.Plan) string {
	h.t.Helper()
	id, err := h.engine.Submit(h.ctx, plan, nil)
	require.NoError(h.t, err)
	h.settle()
	return id
}

func (h *harness) settle() { h.engine.WaitIdle() }

// advance moves the clock and fires whatever delays became due.
func (h *harness) advance(d time.Duration) int {
	h.t.Helper()
	h.clock.Advance(d)
	fired, err := h.waiter.FireDueDelays(h.ctx, 100)
	require.NoError(h.t, err)
	h.settle()
	return fired
}

func (h *harness) notify(planID, correlationID string) {
	h.t.Helper()
	require.NoError(h.t, h.engine.Notify(h.ctx, planID, schema.ResponseData{CorrelationID: correlationID}))
	h.settle()
}

func (h *harness) planStatus(planID string) schema.Status {
	h.t.Helper()
	pe, err := h.store.GetPlanExecution(h.ctx, planID)
	require.NoError(h.t, err)
	return pe.Status
}

// nodes returns node executions grouped by identifier, oldest first.
func (h *harness) nodes(planID string) map[string][]*store.NodeExecution {
	h.t.Helper()
	all, err := h.store.ListNodeExecutions(h.ctx, store.NodeExecutionFilter{PlanExecutionID: planID})
	require.NoError(h.t, err)
	out := make(map[string][]*store.NodeExecution)
	for _, ne := range all {
		out[ne.Identifier] = append(out[ne.Identifier], ne)
	}
	return out
}

// latest returns the newest execution of identifier.
func (h *harness) latest(planID, identifier string) *store.NodeExecution {
	h.t.Helper()
	list := h.nodes(planID)[identifier]
	require.NotEmpty(h.t, list, "no execution of %s", identifier)
	return list[len(list)-1]
}

func (h *harness) finishedStatuses() []schema.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]schema.Status(nil), h.finished...)
}

func node(id, stepType string, params map[string]any, advisers ...schema.AdviserObtainment) *schema.PlanNode {
	return &schema.PlanNode{UUID: id, Identifier: id, StepType: stepType, StepParameters: params, AdviserObtainments: advisers}
}

func plan(start string, nodes ...*schema.PlanNode) *schema.Plan {
	p := &schema.Plan{StartingNodeID: start, Nodes: make(map[string]*schema.PlanNode, len(nodes))}
	for _, n := range nodes {
		p.Nodes[n.UUID] = n
	}
	return p
}

func effect(id string, t schema.InterruptType) schema.InterruptEffect {
	return schema.InterruptEffect{InterruptID: id, InterruptType: t, TookEffectAt: 1}
}

func TestEngine_SyncAsyncSyncFlow(t *testing.T) {
	h := newHarness(t, 0)
	id := h.submit(plan("a",
		node("a", "noop", map[string]any{"nextNodeId": "b"}),
		node("b", "hold", map[string]any{"callbackId": "cb-b", "nextNodeId": "c"}),
		node("c", "noop", map[string]any{"output": map[string]any{"k": "v"}}),
	))

	assert.Equal(t, schema.StatusRunning, h.planStatus(id))
	assert.Equal(t, schema.StatusSucceeded, h.latest(id, "a").Status)
	assert.Equal(t, schema.StatusAsyncWaiting, h.latest(id, "b").Status)
	assert.Empty(t, h.nodes(id)["c"])

	h.notify(id, "cb-b")

	assert.Equal(t, schema.StatusSucceeded, h.planStatus(id))
	a, b, c := h.latest(id, "a"), h.latest(id, "b"), h.latest(id, "c")
	assert.Equal(t, schema.StatusSucceeded, b.Status)
	assert.Equal(t, schema.StatusSucceeded, c.Status)
	assert.Equal(t, a.ID, b.PreviousID)
	assert.Equal(t, c.ID, b.NextID)
	assert.Equal(t, []schema.Status{schema.StatusSucceeded}, h.finishedStatuses())

	timelines, err := h.events.NodeTimelines(h.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []schema.Status{
		schema.StatusQueued, schema.StatusRunning, schema.StatusAsyncWaiting,
		schema.StatusRunning, schema.StatusSucceeded,
	}, timelines[b.ID])

	outcomes, err := h.store.ListOutcomes(h.ctx, id)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, c.ID, outcomes[0].NodeExecutionID)
	assert.Equal(t, "v", outcomes[0].Data["k"])
}

func TestEngine_RetryWithWaitIntervals(t *testing.T) {
	h := newHarness(t, 100)
	id := h.submit(plan("f", node("f", "flaky", nil, schema.AdviserObtainment{
		Type: adviser.TypeRetry,
		Parameters: map[string]any{
			"maxRetries":                 2,
			"waitIntervals":              []any{"1s", "5s"},
			"repairActionCodeAfterRetry": "END_EXECUTION",
		},
	})))

	assert.Equal(t, 1, h.flaky.Calls())
	runs := h.nodes(id)["f"]
	require.Len(t, runs, 2)
	assert.True(t, runs[0].OldRetry)
	assert.Equal(t, schema.StatusWaiting, runs[1].Status)

	assert.Zero(t, h.advance(500*time.Millisecond))
	assert.Equal(t, 1, h.flaky.Calls())

	assert.Equal(t, 1, h.advance(500*time.Millisecond))
	assert.Equal(t, 2, h.flaky.Calls())
	assert.Zero(t, h.advance(4*time.Second))
	assert.Equal(t, 1, h.advance(time.Second))
	assert.Equal(t, 3, h.flaky.Calls())

	assert.Equal(t, schema.StatusFailed, h.planStatus(id))
	runs = h.nodes(id)["f"]
	require.Len(t, runs, 3)
	assert.True(t, runs[0].OldRetry)
	assert.True(t, runs[1].OldRetry)
	assert.False(t, runs[2].OldRetry)
	assert.Equal(t, []string{runs[1].ID, runs[0].ID}, runs[2].RetryIDs)
	assert.Equal(t, schema.StatusFailed, runs[2].Status)
}

func TestEngine_AbortPlanWithRunningChild(t *testing.T) {
	h := newHarness(t, 0)
	id := h.submit(plan("s",
		node("s", "section", map[string]any{"childNodeId": "h"}),
		node("h", "hold", map[string]any{"callbackId": "cb-h"}),
	))
	require.Equal(t, schema.StatusAsyncWaiting, h.latest(id, "h").Status)
	require.Equal(t, schema.StatusRunning, h.latest(id, "s").Status)

	require.NoError(t, h.engine.AbortPlan(h.ctx, id, effect("int-1", schema.InterruptAbortAll)))
	h.settle()

	assert.Equal(t, schema.StatusAborted, h.planStatus(id))
	s, child := h.latest(id, "s"), h.latest(id, "h")
	assert.Equal(t, schema.StatusAborted, s.Status)
	assert.Equal(t, schema.StatusAborted, child.Status)
	require.Len(t, child.InterruptHistories, 1)
	assert.Equal(t, "int-1", child.InterruptHistories[0].InterruptID)
	_, aborts := h.hold.counts()
	assert.Equal(t, 1, aborts)
	assert.Equal(t, []schema.Status{schema.StatusAborted}, h.finishedStatuses())

	// A late callback finds the node aborted.
	h.notify(id, "cb-h")
	handled, _ := h.hold.counts()
	assert.Zero(t, handled)
	assert.Equal(t, schema.StatusAborted, h.latest(id, "h").Status)

	err := h.engine.AbortPlan(h.ctx, id, effect("int-2", schema.InterruptAbortAll))
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))
}

func TestEngine_ResumeIsAtMostOnce(t *testing.T) {
	h := newHarness(t, 0)
	id := h.submit(plan("a", node("a", "hold", map[string]any{"callbackId": "cb-a"})))

	require.NoError(t, h.engine.Notify(h.ctx, id, schema.ResponseData{CorrelationID: "cb-a"}))
	require.NoError(t, h.engine.Notify(h.ctx, id, schema.ResponseData{CorrelationID: "cb-a"}))
	h.settle()

	handled, _ := h.hold.counts()
	assert.Equal(t, 1, handled)
	assert.Equal(t, schema.StatusSucceeded, h.planStatus(id))
	assert.Len(t, h.finishedStatuses(), 1)
}

func TestEngine_ChildChainStopsOnFailure(t *testing.T) {
	h := newHarness(t, 100)
	id := h.submit(plan("p",
		node("p", "section_chain", map[string]any{"childNodeIds": []any{"x", "y"}}),
		node("x", "flaky", nil),
		node("y", "noop", nil),
	))

	assert.Equal(t, schema.StatusFailed, h.planStatus(id))
	assert.Equal(t, schema.StatusFailed, h.latest(id, "p").Status)
	assert.Equal(t, schema.StatusFailed, h.latest(id, "x").Status)
	assert.Empty(t, h.nodes(id)["y"])
}

func TestEngine_ChildChainProceedsIfFailed(t *testing.T) {
	h := newHarness(t, 100)
	id := h.submit(plan("p",
		node("p", "section_chain", map[string]any{"childNodeIds": []any{"x", "y"}, "proceedIfFailed": true}),
		node("x", "flaky", nil),
		node("y", "noop", nil),
	))

	assert.Equal(t, schema.StatusFailed, h.planStatus(id))
	p, x, y := h.latest(id, "p"), h.latest(id, "x"), h.latest(id, "y")
	assert.Equal(t, schema.StatusFailed, p.Status)
	assert.Equal(t, schema.StatusFailed, x.Status)
	assert.Equal(t, schema.StatusSucceeded, y.Status)
	assert.Equal(t, p.ID, x.ParentID)
	assert.Equal(t, p.ID, y.ParentID)
	last, ok := p.LastExecutableResponse().(*schema.ChildChainResponse)
	require.True(t, ok)
	assert.True(t, last.Suspend)
	assert.Equal(t, y.ID, last.PreviousChildID)
}

func TestEngine_SectionAggregatesChild(t *testing.T) {
	h := newHarness(t, 0)
	id := h.submit(plan("s",
		node("s", "section", map[string]any{"childNodeId": "c1", "nextNodeId": "after"}),
		node("c1", "noop", map[string]any{"nextNodeId": "c2"}),
		node("c2", "noop", nil),
		node("after", "noop", nil),
	))

	assert.Equal(t, schema.StatusSucceeded, h.planStatus(id))
	s, c1, c2, after := h.latest(id, "s"), h.latest(id, "c1"), h.latest(id, "c2"), h.latest(id, "after")
	assert.Equal(t, schema.StatusSucceeded, s.Status)
	assert.Equal(t, c1.ID, c2.NotifyID)
	assert.Equal(t, s.ID, c2.ParentID)
	assert.Equal(t, s.ID, after.PreviousID)
	assert.Empty(t, after.ParentID)
}

func TestEngine_RollbackPublishesOnce(t *testing.T) {
	h := newHarness(t, 100)
	id := h.submit(plan("a",
		node("a", "flaky", map[string]any{"rollbackStrategy": "STEP"}, schema.AdviserObtainment{
			Type:       adviser.TypeRollback,
			Parameters: map[string]any{"strategyToNodeId": map[string]any{"STEP": "undo"}},
		}),
		node("undo", "noop", nil),
	))

	assert.Equal(t, schema.StatusSucceeded, h.planStatus(id))
	assert.Equal(t, schema.StatusSucceeded, h.latest(id, "undo").Status)

	out, err := h.store.GetSweepingOutput(h.ctx, id, schema.RollbackOutputName)
	require.NoError(t, err)
	assert.Equal(t, "STEP", out["strategy"])
	assert.Equal(t, "undo", out["nextNodeId"])

	published, err := h.store.PublishSweepingOutput(h.ctx, id, schema.RollbackOutputName, map[string]any{"strategy": "STAGE"})
	require.NoError(t, err)
	assert.False(t, published)
	out, err = h.store.GetSweepingOutput(h.ctx, id, schema.RollbackOutputName)
	require.NoError(t, err)
	assert.Equal(t, "STEP", out["strategy"])
}

func TestEngine_PauseAndResumePlan(t *testing.T) {
	h := newHarness(t, 0)
	id := h.submit(plan("a",
		node("a", "hold", map[string]any{"callbackId": "cb-a", "nextNodeId": "b"}),
		node("b", "noop", nil),
	))

	require.NoError(t, h.engine.PausePlan(h.ctx, id, effect("p-1", schema.InterruptPauseAll)))
	assert.Equal(t, schema.StatusPaused, h.planStatus(id))

	h.notify(id, "cb-a")
	assert.Equal(t, schema.StatusSucceeded, h.latest(id, "a").Status)
	assert.Equal(t, schema.StatusPaused, h.latest(id, "b").Status)
	assert.Equal(t, schema.StatusPaused, h.planStatus(id))

	require.NoError(t, h.engine.ResumePlan(h.ctx, id, effect("r-1", schema.InterruptResumeAll)))
	h.settle()
	b := h.latest(id, "b")
	assert.Equal(t, schema.StatusSucceeded, b.Status)
	require.Len(t, b.InterruptHistories, 1)
	assert.Equal(t, "r-1", b.InterruptHistories[0].InterruptID)
	assert.Equal(t, schema.StatusSucceeded, h.planStatus(id))

	err := h.engine.PausePlan(h.ctx, id, effect("p-2", schema.InterruptPauseAll))
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))
}

func interventionPlan() *schema.Plan {
	return plan("a",
		node("a", "flaky", map[string]any{"nextNodeId": "b"}, schema.AdviserObtainment{
			Type:       adviser.TypeManualIntervention,
			Parameters: map[string]any{"timeout": "1h"},
		}),
		node("b", "noop", nil),
	)
}

func TestEngine_MarkSuccessResolvesIntervention(t *testing.T) {
	h := newHarness(t, 100)
	id := h.submit(interventionPlan())

	a := h.latest(id, "a")
	require.Equal(t, schema.StatusInterventionWaiting, a.Status)
	assert.Equal(t, schema.StatusInterventionWaiting, h.planStatus(id))

	require.NoError(t, h.engine.MarkSuccess(h.ctx, a.ID, effect("m-1", schema.InterruptMarkSuccess)))
	h.settle()

	assert.Equal(t, schema.StatusSucceeded, h.latest(id, "a").Status)
	assert.Equal(t, schema.StatusSucceeded, h.latest(id, "b").Status)
	assert.Equal(t, schema.StatusSucceeded, h.planStatus(id))

	// The expiry delay still fires but finds nothing to expire.
	h.advance(time.Hour)
	assert.Equal(t, schema.StatusSucceeded, h.latest(id, "a").Status)
}

func TestEngine_InterventionExpires(t *testing.T) {
	h := newHarness(t, 100)
	id := h.submit(interventionPlan())
	require.Equal(t, schema.StatusInterventionWaiting, h.latest(id, "a").Status)

	assert.Zero(t, h.advance(59*time.Minute))
	assert.Equal(t, 1, h.advance(time.Minute))

	a := h.latest(id, "a")
	assert.Equal(t, schema.StatusExpired, a.Status)
	require.NotNil(t, a.FailureInfo)
	assert.True(t, a.FailureInfo.HasAnyType([]schema.FailureType{schema.FailureExpired}))
	assert.Equal(t, schema.StatusExpired, h.planStatus(id))
	assert.Empty(t, h.nodes(id)["b"])
}

func TestEngine_ForcedRetryRevivesPlan(t *testing.T) {
	h := newHarness(t, 1)
	id := h.submit(plan("a", node("a", "flaky", nil)))
	require.Equal(t, schema.StatusFailed, h.planStatus(id))
	failed := h.latest(id, "a")

	require.NoError(t, h.engine.RetryNode(h.ctx, failed.ID, effect("rt-1", schema.InterruptRetry)))
	h.settle()

	assert.Equal(t, schema.StatusSucceeded, h.planStatus(id))
	runs := h.nodes(id)["a"]
	require.Len(t, runs, 2)
	assert.True(t, runs[0].OldRetry)
	assert.Equal(t, schema.StatusSucceeded, runs[1].Status)

	err := h.engine.RetryNode(h.ctx, failed.ID, effect("rt-2", schema.InterruptRetry))
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))
}

func TestEngine_AbortNodeFollowsAbortAdviser(t *testing.T) {
	h := newHarness(t, 0)
	id := h.submit(plan("a",
		node("a", "hold", map[string]any{"callbackId": "cb-a"}, schema.AdviserObtainment{
			Type:       adviser.TypeAbort,
			Parameters: map[string]any{"nextNodeId": "cleanup"},
		}),
		node("cleanup", "noop", nil),
	))
	a := h.latest(id, "a")

	require.NoError(t, h.engine.AbortNode(h.ctx, a.ID, effect("ab-1", schema.InterruptAbort)))
	h.settle()

	assert.Equal(t, schema.StatusAborted, h.latest(id, "a").Status)
	assert.Equal(t, schema.StatusSucceeded, h.latest(id, "cleanup").Status)
	assert.Equal(t, schema.StatusSucceeded, h.planStatus(id))
}

func TestEngine_TaskRoundTrip(t *testing.T) {
	h := newHarness(t, 0)
	id := h.submit(plan("r", node("r", "remote", map[string]any{"task": "build", "payload": map[string]any{"ref": "main"}})))

	r := h.latest(id, "r")
	require.Equal(t, schema.StatusTaskWaiting, r.Status)
	require.NotNil(t, r.TimeoutAt)
	sent := h.transport.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "build", sent[0].Kind)
	assert.Equal(t, r.ID, sent[0].NodeExecutionID)

	require.NoError(t, h.engine.HandleTaskResult(h.ctx, dispatch.TaskResult{
		PlanExecutionID: id,
		Response:        schema.ResponseData{CorrelationID: sent[0].TaskID, Data: map[string]any{"artifact": "a.tgz"}},
	}))
	h.settle()

	r = h.latest(id, "r")
	assert.Equal(t, schema.StatusSucceeded, r.Status)
	assert.Nil(t, r.TimeoutAt)
	assert.Equal(t, schema.StatusSucceeded, h.planStatus(id))
}

func TestEngine_FailNodeExpiresTask(t *testing.T) {
	h := newHarness(t, 0)
	id := h.submit(plan("r", node("r", "remote", map[string]any{"task": "build"})))
	r := h.latest(id, "r")
	task := h.transport.Sent()[0].TaskID

	info := &schema.FailureInfo{ErrorMessage: "deadline passed", FailureTypes: []schema.FailureType{schema.FailureExpired}}
	require.NoError(t, h.engine.FailNode(h.ctx, r.ID, info, effect("cf-1", schema.InterruptCustomFailure)))
	h.settle()

	r = h.latest(id, "r")
	assert.Equal(t, schema.StatusExpired, r.Status)
	assert.Contains(t, h.transport.Cancelled(), task)
	assert.Equal(t, schema.StatusExpired, h.planStatus(id))

	// A late result is ignored.
	require.NoError(t, h.engine.HandleTaskResult(h.ctx, dispatch.TaskResult{
		PlanExecutionID: id,
		Response:        schema.ResponseData{CorrelationID: task},
	}))
	h.settle()
	assert.Equal(t, schema.StatusExpired, h.latest(id, "r").Status)
}

func TestEngine_InitialWaitDefersStart(t *testing.T) {
	h := newHarness(t, 0)
	n := node("a", "noop", nil)
	n.FacilitatorObtainment.InitialWait = "30s"
	id := h.submit(plan("a", n))

	assert.Equal(t, schema.StatusWaiting, h.latest(id, "a").Status)
	h.advance(30 * time.Second)
	assert.Equal(t, schema.StatusSucceeded, h.latest(id, "a").Status)
	assert.Equal(t, schema.StatusSucceeded, h.planStatus(id))
}

func TestEngine_PurgeExpired(t *testing.T) {
	h := newHarness(t, 0)
	id := h.submit(plan("a", node("a", "noop", nil)))

	n, err := h.engine.PurgeExpired(h.ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(DefaultPlanTTL + time.Minute)
	n, err = h.engine.PurgeExpired(h.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = h.store.GetPlanExecution(h.ctx, id)
	assert.Error(t, err)
}

func TestEngine_RecoverAfterRestart(t *testing.T) {
	t.Run("claimed wait", func(t *testing.T) {
		h := newHarness(t, 0)
		id := h.submit(plan("a", node("a", "hold", map[string]any{"callbackId": "cb-a"})))
		require.Equal(t, schema.StatusAsyncWaiting, h.latest(id, "a").Status)

		// The wait is claimed but the stopped engine drops the resume.
		h.engine.Shutdown()
		require.NoError(t, h.engine.Notify(h.ctx, id, schema.ResponseData{CorrelationID: "cb-a"}))
		assert.Equal(t, schema.StatusAsyncWaiting, h.latest(id, "a").Status)

		assert.Equal(t, Recovered{Waits: 1}, h.restart())
		assert.Equal(t, schema.StatusSucceeded, h.latest(id, "a").Status)
		assert.Equal(t, schema.StatusSucceeded, h.planStatus(id))
		handled, _ := h.hold.counts()
		assert.Equal(t, 1, handled)

		assert.Equal(t, Recovered{}, h.restart())
		handled, _ = h.hold.counts()
		assert.Equal(t, 1, handled)
	})

	t.Run("unfired wait", func(t *testing.T) {
		h := newHarness(t, 0)
		id := h.submit(plan("a", node("a", "hold", map[string]any{"callbackId": "cb-a"})))
		h.engine.Shutdown()

		saved, err := h.store.SaveNotifyResponse(h.ctx, id, schema.ResponseData{CorrelationID: "cb-a"})
		require.NoError(t, err)
		require.True(t, saved)

		assert.Equal(t, Recovered{Waits: 1}, h.restart())
		assert.Equal(t, schema.StatusSucceeded, h.latest(id, "a").Status)
		assert.Equal(t, schema.StatusSucceeded, h.planStatus(id))
	})

	t.Run("queued node", func(t *testing.T) {
		h := newHarness(t, 0)
		h.engine.Shutdown()
		id, err := h.engine.Submit(h.ctx, plan("a", node("a", "noop", map[string]any{"nextNodeId": "b"}), node("b", "noop", nil)), nil)
		require.NoError(t, err)
		require.Equal(t, schema.StatusQueued, h.latest(id, "a").Status)

		assert.Equal(t, Recovered{Nodes: 1}, h.restart())
		assert.Equal(t, schema.StatusSucceeded, h.latest(id, "a").Status)
		assert.Equal(t, schema.StatusSucceeded, h.latest(id, "b").Status)
		assert.Equal(t, schema.StatusSucceeded, h.planStatus(id))
		assert.Equal(t, []schema.Status{schema.StatusSucceeded}, h.finishedStatuses())
	})
}

func TestEngine_PauseHoldsRetryWait(t *testing.T) {
	h := newHarness(t, 1)
	id := h.submit(plan("f", node("f", "flaky", nil, schema.AdviserObtainment{
		Type: adviser.TypeRetry,
		Parameters: map[string]any{
			"maxRetries":    2,
			"waitIntervals": []any{"10s"},
		},
	})))
	require.Equal(t, schema.StatusWaiting, h.latest(id, "f").Status)

	require.NoError(t, h.engine.PausePlan(h.ctx, id, effect("p-1", schema.InterruptPauseAll)))
	assert.Equal(t, 1, h.advance(11*time.Second))
	assert.Equal(t, 1, h.flaky.Calls())
	assert.Equal(t, schema.StatusPaused, h.latest(id, "f").Status)
	assert.Equal(t, schema.StatusPaused, h.planStatus(id))

	// A parked node is not restarted by recovery.
	assert.Equal(t, Recovered{}, h.restart())
	assert.Equal(t, 1, h.flaky.Calls())

	require.NoError(t, h.engine.ResumePlan(h.ctx, id, effect("r-1", schema.InterruptResumeAll)))
	h.settle()
	assert.Equal(t, 2, h.flaky.Calls())
	assert.Equal(t, schema.StatusSucceeded, h.latest(id, "f").Status)
	assert.Equal(t, schema.StatusSucceeded, h.planStatus(id))
	assert.Zero(t, h.advance(time.Minute))
	assert.Equal(t, 2, h.flaky.Calls())
}

// staleStore rejects every node execution update as stale.
type staleStore struct {
	store.Store
	mu       sync.Mutex
	attempts int
}

func (s *staleStore) UpdateNodeExecution(context.Context, *store.NodeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	return schema.NewError(schema.ErrCodeStaleVersion, "node execution version changed")
}

func (s *staleStore) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func TestEngine_ExhaustedConflictsErrorNode(t *testing.T) {
	stale := &staleStore{}
	h := newHarness(t, 0, func(d *Deps) {
		stale.Store = d.Store
		d.Store = stale
	})
	id := h.submit(plan("a", node("a", "noop", nil)))

	a := h.latest(id, "a")
	assert.Equal(t, schema.StatusErrored, a.Status)
	assert.Equal(t, schema.StatusErrored, h.planStatus(id))
	assert.Equal(t, []schema.Status{schema.StatusErrored}, h.finishedStatuses())
	assert.Equal(t, backoff.DefaultConflictPolicy().MaxAttempts, stale.Attempts())
}

// gatherStep spawns the child named in childNodeId and keeps the
// responses it is resumed with.
type gatherStep struct {
	mu    sync.Mutex
	calls int
	got   map[string]schema.ResponseData
}

func (s *gatherStep) Type() string { return "gather" }

func (s *gatherStep) Schema() steps.Schema {
	return steps.Schema{Modes: []schema.ExecutionMode{schema.ModeChild}}
}

func (s *gatherStep) ObtainChild(_ context.Context, in steps.Input) (string, error) {
	return in.String("childNodeId"), nil
}

func (s *gatherStep) HandleChildResponse(_ context.Context, _ steps.Input, responses map[string]schema.ResponseData) (*schema.StepResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.got = responses
	return schema.Succeeded(), nil
}

func (s *gatherStep) result() (int, map[string]schema.ResponseData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, s.got
}

func TestEngine_ChildResponsesAggregateOutOfOrder(t *testing.T) {
	h := newHarness(t, 0)
	gather := &gatherStep{}
	require.NoError(t, h.steps.Register(gather))
	id := h.submit(plan("g",
		node("g", "gather", map[string]any{"childNodeId": "c1"}),
		node("c1", "hold", map[string]any{"callbackId": "cb-1"}),
		node("c2", "hold", map[string]any{"callbackId": "cb-2"}),
		node("c3", "hold", map[string]any{"callbackId": "cb-3"}),
	))
	g := h.latest(id, "g")
	pe, err := h.store.GetPlanExecution(h.ctx, id)
	require.NoError(t, err)

	// Two more children of g, each notifying under its own id.
	for _, nodeID := range []string{"c2", "c3"} {
		childID := uuid.New().String()
		ce, err := h.engine.createNode(h.ctx, childID, g.Ambiance, pe.Plan.FetchNode(nodeID),
			links{parentID: g.ID, notifyID: childID})
		require.NoError(t, err)
		h.engine.enqueue(id, ce.ID, func(ctx context.Context) error {
			return h.engine.startNode(ctx, ce.ID, false)
		})
	}
	h.settle()
	c1, c2, c3 := h.latest(id, "c1"), h.latest(id, "c2"), h.latest(id, "c3")
	for _, c := range []*store.NodeExecution{c1, c2, c3} {
		require.Equal(t, schema.StatusAsyncWaiting, c.Status, c.Identifier)
	}

	h.notify(id, "cb-3")
	h.notify(id, "cb-2")
	calls, _ := gather.result()
	assert.Zero(t, calls)
	h.notify(id, "cb-1")
	h.notify(id, "cb-1")
	require.NoError(t, h.engine.Notify(h.ctx, id, schema.ResponseData{CorrelationID: c1.ID}))
	h.settle()

	calls, got := gather.result()
	assert.Equal(t, 1, calls)
	require.Len(t, got, 3)
	for _, c := range []*store.NodeExecution{c1, c2, c3} {
		r, ok := got[c.ID]
		require.True(t, ok, c.Identifier)
		assert.Equal(t, c.ID, r.CorrelationID)
		assert.Equal(t, c.Identifier, r.Identifier)
		assert.Equal(t, schema.StatusSucceeded, r.Status)
	}
	assert.Equal(t, schema.StatusSucceeded, h.latest(id, "g").Status)
	assert.Equal(t, schema.StatusSucceeded, h.planStatus(id))
	assert.Equal(t, []schema.Status{schema.StatusSucceeded}, h.finishedStatuses())
}

func TestEngine_TaskSendFailureRetiresWait(t *testing.T) {
	h := newHarness(t, 0)
	h.transport.FailNext(10)
	id := h.submit(plan("r", node("r", "remote", map[string]any{"task": "build"})))

	r := h.latest(id, "r")
	assert.Equal(t, schema.StatusFailed, r.Status)
	assert.Equal(t, schema.StatusFailed, h.planStatus(id))
	assert.Empty(t, h.transport.Sent())

	waits, err := h.store.ListWaitInstances(h.ctx, store.WaitInstanceFilter{NodeExecutionID: r.ID})
	require.NoError(t, err)
	require.Len(t, waits, 1)
	assert.Equal(t, store.WaitHandled, waits[0].Status)

	// A late result finds nothing waiting.
	require.NoError(t, h.engine.HandleTaskResult(h.ctx, dispatch.TaskResult{
		PlanExecutionID: id,
		Response:        schema.ResponseData{CorrelationID: waits[0].CorrelationIDs[0]},
	}))
	h.settle()
	assert.Equal(t, schema.StatusFailed, h.latest(id, "r").Status)
	assert.Equal(t, []schema.Status{schema.StatusFailed}, h.finishedStatuses())
	assert.Equal(t, Recovered{}, h.restart())
}

type failingAppender struct{}

func (failingAppender) Append(context.Context, string, string, string, any) (*store.Event, error) {
	return nil, errors.New("event log unavailable")
}

func TestEngine_EventLogFailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	h := newHarness(t, 1, func(d *Deps) {
		d.Events = failingAppender{}
		d.Logger = slog.New(slog.NewTextHandler(&buf, nil))
	})
	id := h.submit(plan("f", node("f", "flaky", nil, schema.AdviserObtainment{
		Type:       adviser.TypeRetry,
		Parameters: map[string]any{"maxRetries": 1},
	})))

	assert.Equal(t, 2, h.flaky.Calls())
	assert.Equal(t, schema.StatusSucceeded, h.planStatus(id))
	out := buf.String()
	assert.Contains(t, out, `msg="append event"`)
	assert.Contains(t, out, "event_type="+schema.EventNodeAdvised)
	assert.Contains(t, out, "event_type="+schema.EventNodeRetried)
	assert.Contains(t, out, "event log unavailable")
}
