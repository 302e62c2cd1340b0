// Package engine drives plan executions: it instantiates plan nodes as node
// executions, invokes their steps through the execution mode invokers,
// applies adviser decisions and resumes waiting nodes when their
// correlation ids are notified.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/orchestra/internal/adviser"
	"github.com/rendis/orchestra/internal/backoff"
	"github.com/rendis/orchestra/internal/dispatch"
	"github.com/rendis/orchestra/internal/expressions"
	"github.com/rendis/orchestra/internal/logging"
	"github.com/rendis/orchestra/internal/metrics"
	"github.com/rendis/orchestra/internal/steps"
	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/internal/streaming"
	"github.com/rendis/orchestra/internal/validation"
	"github.com/rendis/orchestra/internal/waiter"
	"github.com/rendis/orchestra/pkg/schema"
)

// DefaultPoolSize is the default worker pool concurrency.
const DefaultPoolSize = 10

// DefaultPlanTTL is how long a plan execution is kept before it is purged.
const DefaultPlanTTL = 21 * 24 * time.Hour

// Config tunes the engine.
type Config struct {
	PoolSize       int            `mapstructure:"pool_size"`
	PlanTTL        time.Duration  `mapstructure:"plan_ttl"`
	ConflictPolicy backoff.Policy `mapstructure:"conflict"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		PoolSize:       DefaultPoolSize,
		PlanTTL:        DefaultPlanTTL,
		ConflictPolicy: backoff.DefaultConflictPolicy(),
	}
}

// PlanObserver is told when a plan execution reaches a final status.
type PlanObserver interface {
	OnPlanFinished(ctx context.Context, pe *store.PlanExecution) error
}

// PlanObserverFunc adapts a function to PlanObserver.
type PlanObserverFunc func(ctx context.Context, pe *store.PlanExecution) error

func (f PlanObserverFunc) OnPlanFinished(ctx context.Context, pe *store.PlanExecution) error {
	return f(ctx, pe)
}

// Deps are the collaborators the engine is built from. Store, Steps,
// Advisers, Resolver and Waiter are required.
type Deps struct {
	Store      store.Store
	Events     EventAppender
	Hub        streaming.EventHub
	Steps      *steps.Registry
	Advisers   *adviser.Evaluator
	Resolver   *expressions.Resolver
	Validator  validation.Validator
	Waiter     *waiter.Waiter
	Dispatcher *dispatch.Dispatcher
	Observers  []PlanObserver
	Logger     *slog.Logger
	Now        func() time.Time
}

// Snapshot is the state of one plan execution.
type Snapshot struct {
	Plan       *store.PlanExecution   `json:"plan"`
	Nodes      []*store.NodeExecution `json:"nodes"`
	Interrupts []*store.Interrupt     `json:"interrupts,omitempty"`
	Outcomes   []*store.Outcome       `json:"outcomes,omitempty"`
}

// Engine is the orchestration engine.
type Engine struct {
	store      store.Store
	events     EventAppender
	steps      *steps.Registry
	advisers   *adviser.Evaluator
	resolver   *expressions.Resolver
	validator  validation.Validator
	waiter     *waiter.Waiter
	dispatcher *dispatch.Dispatcher
	observers  []PlanObserver
	logger     *slog.Logger
	now        func() time.Time

	nodes *StatusFSM
	plans *StatusFSM
	pool  *WorkerPool
	cfg   Config

	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewEngine wires an engine and installs it as the waiter's handler.
func NewEngine(deps Deps, cfg Config) (*Engine, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("engine: store is required")
	case deps.Steps == nil:
		return nil, errors.New("engine: step registry is required")
	case deps.Advisers == nil:
		return nil, errors.New("engine: adviser evaluator is required")
	case deps.Resolver == nil:
		return nil, errors.New("engine: resolver is required")
	case deps.Waiter == nil:
		return nil, errors.New("engine: waiter is required")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.PlanTTL <= 0 {
		cfg.PlanTTL = DefaultPlanTTL
	}
	if cfg.ConflictPolicy.MaxAttempts <= 0 {
		cfg.ConflictPolicy = backoff.DefaultConflictPolicy()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:      deps.Store,
		events:     deps.Events,
		steps:      deps.Steps,
		advisers:   deps.Advisers,
		resolver:   deps.Resolver,
		validator:  deps.Validator,
		waiter:     deps.Waiter,
		dispatcher: deps.Dispatcher,
		observers:  deps.Observers,
		logger:     logger,
		now:        now,
		nodes:      NewNodeFSM(deps.Events, deps.Hub),
		plans:      NewPlanFSM(deps.Events, deps.Hub),
		pool:       NewWorkerPool(cfg.PoolSize),
		cfg:        cfg,
		baseCtx:    baseCtx,
		cancel:     cancel,
	}
	e.pool.onPanic = func(r any) {
		logger.Error("node work panicked", slog.String("error", panicError(r).Error()))
	}
	e.pool.onError = func(err error) {
		logger.Error("node work failed", slog.String("error", err.Error()))
	}

	e.nodes.OnAfter("", "", func(_ context.Context, t Transition) error {
		if t.To.IsFinal() {
			metrics.NodeTotal.WithLabelValues(string(t.To), string(t.Mode)).Inc()
		}
		return nil
	})
	e.plans.OnAfter("", "", func(_ context.Context, t Transition) error {
		if t.To.IsFinal() {
			metrics.PlanTotal.WithLabelValues(string(t.To)).Inc()
		}
		return nil
	})

	deps.Waiter.SetHandler(e)
	return e, nil
}

// AddObserver registers a plan observer. Call before submitting plans.
func (e *Engine) AddObserver(o PlanObserver) {
	e.observers = append(e.observers, o)
}

// Submit validates plan, creates a RUNNING plan execution and queues its
// starting node. It returns the plan execution id.
func (e *Engine) Submit(ctx context.Context, plan *schema.Plan, setup map[string]string) (string, error) {
	if plan == nil {
		return "", schema.NewError(schema.ErrCodeValidation, "plan is nil")
	}
	if e.validator != nil {
		if err := e.validator.ValidatePlan(plan); err != nil {
			return "", err
		}
	}
	start := plan.FetchStartingNode()
	if start == nil {
		return "", schema.NewErrorf(schema.ErrCodeNotFound, "starting node %q not found", plan.StartingNodeID)
	}

	now := e.now()
	pe := &store.PlanExecution{
		ID:                uuid.New().String(),
		Plan:              plan,
		Status:            schema.StatusRunning,
		SetupAbstractions: setup,
		ValidUntil:        now.Add(e.cfg.PlanTTL),
	}
	if err := e.store.CreatePlanExecution(ctx, pe); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeStore, "create plan execution: %s", err.Error()).WithCause(err)
	}
	ctx = logging.WithPlanExecutionID(ctx, pe.ID)
	if err := e.plans.Record(ctx, Transition{PlanExecutionID: pe.ID, To: schema.StatusRunning, Reason: "submitted"}); err != nil {
		e.log(ctx).WarnContext(ctx, "record plan start", slog.String("error", err.Error()))
	}

	root := schema.NewAmbiance(pe.ID, setup)
	if _, err := e.triggerExecution(ctx, root, start, links{}); err != nil {
		return pe.ID, err
	}
	e.log(ctx).InfoContext(ctx, "plan submitted",
		slog.String("starting_node", start.Identifier),
		slog.Int("nodes", len(plan.Nodes)))
	return pe.ID, nil
}

// GetStatus returns a snapshot of a plan execution, including old retries.
func (e *Engine) GetStatus(ctx context.Context, planExecutionID string) (*Snapshot, error) {
	pe, err := e.store.GetPlanExecution(ctx, planExecutionID)
	if err != nil {
		return nil, err
	}
	nodes, err := e.store.ListNodeExecutions(ctx, store.NodeExecutionFilter{PlanExecutionID: planExecutionID})
	if err != nil {
		return nil, err
	}
	interrupts, err := e.store.ListInterrupts(ctx, store.InterruptFilter{PlanExecutionID: planExecutionID})
	if err != nil {
		return nil, err
	}
	outcomes, err := e.store.ListOutcomes(ctx, planExecutionID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Plan: pe, Nodes: nodes, Interrupts: interrupts, Outcomes: outcomes}, nil
}

// Notify delivers an external response to whatever waits on its
// correlation id. Duplicate responses are ignored.
func (e *Engine) Notify(ctx context.Context, planExecutionID string, resp schema.ResponseData) error {
	return e.waiter.DoneWith(ctx, planExecutionID, resp)
}

// HandleTaskResult adapts Notify to a dispatch.ResultHandler.
func (e *Engine) HandleTaskResult(ctx context.Context, result dispatch.TaskResult) error {
	return e.Notify(ctx, result.PlanExecutionID, result.Response)
}

// PurgeExpired deletes up to limit plan executions past their validity and
// returns how many were removed.
func (e *Engine) PurgeExpired(ctx context.Context, limit int) (int, error) {
	now := e.now()
	expired, err := e.store.ListPlanExecutions(ctx, store.PlanExecutionFilter{ValidBefore: &now, Limit: limit})
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, pe := range expired {
		if err := e.store.DeletePlanExecution(ctx, pe.ID); err != nil {
			e.logger.ErrorContext(ctx, "purge plan execution",
				slog.String("plan_execution_id", pe.ID),
				slog.String("error", err.Error()))
			continue
		}
		purged++
	}
	return purged, nil
}

// WaitIdle blocks until no node work is queued or running.
func (e *Engine) WaitIdle() {
	e.pool.Wait()
}

// PoolMetrics returns the worker pool counters.
func (e *Engine) PoolMetrics() PoolMetrics {
	return e.pool.Metrics()
}

// Shutdown stops accepting node work and waits for running work to finish.
func (e *Engine) Shutdown() {
	e.pool.Shutdown()
	e.cancel()
}

// enqueue runs fn on the worker pool, detached from the caller's context.
func (e *Engine) enqueue(planExecutionID, nodeExecutionID string, fn WorkFunc) {
	ctx := logging.WithIDs(e.baseCtx, planExecutionID, nodeExecutionID)
	if err := e.pool.Go(ctx, fn); err != nil {
		e.log(ctx).WarnContext(ctx, "node work dropped", slog.String("error", err.Error()))
	}
}

func (e *Engine) log(ctx context.Context) *slog.Logger {
	return logging.LogWith(ctx, e.logger)
}

func (e *Engine) loadPlan(ctx context.Context, id string) (*store.PlanExecution, error) {
	pe, err := e.store.GetPlanExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if pe.Plan == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "plan execution %q has no plan", id)
	}
	return pe, nil
}

func planNode(pe *store.PlanExecution, ne *store.NodeExecution) (*schema.PlanNode, error) {
	node := pe.Plan.FetchNode(ne.NodeID)
	if node == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "plan node %q not found", ne.NodeID).WithNode(ne.ID)
	}
	return node, nil
}
