// Package interrupt registers control-plane signals against running plan
// executions and applies them one at a time per plan execution.
package interrupt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/orchestra/internal/logging"
	"github.com/rendis/orchestra/internal/metrics"
	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/internal/tracing"
	"github.com/rendis/orchestra/pkg/schema"
)

// Parameter keys read from CUSTOM_FAILURE interrupts.
const (
	ParamErrorMessage = "errorMessage"
	ParamFailureTypes = "failureTypes"
)

// Executor applies interrupts to execution state. Methods return an
// INVALID_TRANSITION, NOT_FOUND or CONFLICT error when the target cannot
// take the interrupt; the interrupt is then discarded.
type Executor interface {
	AbortPlan(ctx context.Context, planExecutionID string, eff schema.InterruptEffect) error
	AbortNode(ctx context.Context, nodeExecutionID string, eff schema.InterruptEffect) error
	PausePlan(ctx context.Context, planExecutionID string, eff schema.InterruptEffect) error
	ResumePlan(ctx context.Context, planExecutionID string, eff schema.InterruptEffect) error
	RetryNode(ctx context.Context, nodeExecutionID string, eff schema.InterruptEffect) error
	FailNode(ctx context.Context, nodeExecutionID string, info *schema.FailureInfo, eff schema.InterruptEffect) error
	MarkSuccess(ctx context.Context, nodeExecutionID string, eff schema.InterruptEffect) error
	IgnoreFailure(ctx context.Context, nodeExecutionID string, eff schema.InterruptEffect) error
}

// EventAppender records interrupt lifecycle events.
type EventAppender interface {
	Append(ctx context.Context, planExecutionID, nodeExecutionID, eventType string, payload any) (*store.Event, error)
}

// Request describes an interrupt to raise.
type Request struct {
	PlanExecutionID string               `json:"planExecutionId"`
	NodeExecutionID string               `json:"nodeExecutionId,omitempty"`
	Type            schema.InterruptType `json:"type"`
	Parameters      map[string]any       `json:"parameters,omitempty"`
}

// Service persists and processes interrupts.
type Service struct {
	store  store.Store
	exec   Executor
	events EventAppender
	logger *slog.Logger
	now    func() time.Time
}

func NewService(s store.Store, exec Executor, events EventAppender, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, exec: exec, events: events, logger: logger, now: time.Now}
}

// Raise validates req, registers it and tries to apply it right away. An
// interrupt that duplicates a pending one is discarded. When another
// interrupt of the same plan execution is being processed the new one
// stays REGISTERED until a later Drain.
func (s *Service) Raise(ctx context.Context, req Request) (*store.Interrupt, error) {
	if err := s.validate(ctx, req); err != nil {
		return nil, err
	}
	in := &store.Interrupt{
		ID:              uuid.New().String(),
		PlanExecutionID: req.PlanExecutionID,
		NodeExecutionID: req.NodeExecutionID,
		Type:            req.Type,
		State:           schema.InterruptRegistered,
		Parameters:      req.Parameters,
	}
	ctx = logging.WithInterruptID(logging.WithIDs(ctx, in.PlanExecutionID, in.NodeExecutionID), in.ID)

	dup, err := s.pendingDuplicate(ctx, in)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateInterrupt(ctx, in); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create interrupt: %s", err.Error()).WithCause(err)
	}
	s.emit(ctx, in, schema.EventInterruptRegistered)
	if dup {
		s.log(ctx).InfoContext(ctx, "duplicate interrupt discarded", slog.String("type", string(in.Type)))
		if ok, err := s.store.TransitionInterrupt(ctx, in.ID, schema.InterruptRegistered, schema.InterruptDiscarded); err == nil && ok {
			s.finish(ctx, in, schema.InterruptDiscarded)
		}
		return s.store.GetInterrupt(ctx, in.ID)
	}

	if _, err := s.Process(ctx, in.ID); err != nil {
		return nil, err
	}
	if _, err := s.drainPlan(ctx, in.PlanExecutionID); err != nil {
		s.log(ctx).WarnContext(ctx, "drain pending interrupts", slog.String("error", err.Error()))
	}
	return s.store.GetInterrupt(ctx, in.ID)
}

func (s *Service) validate(ctx context.Context, req Request) error {
	if !req.Type.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown interrupt type %q", req.Type)
	}
	if req.PlanExecutionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "interrupt requires a plan execution id")
	}
	if req.Type.NodeScoped() && req.NodeExecutionID == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s requires a node execution id", req.Type)
	}
	if !req.Type.NodeScoped() && req.NodeExecutionID != "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s applies to the whole plan execution", req.Type)
	}
	if req.Type == schema.InterruptCustomFailure {
		if _, err := FailureFromParams(req.Parameters); err != nil {
			return err
		}
	}
	if _, err := s.store.GetPlanExecution(ctx, req.PlanExecutionID); err != nil {
		return err
	}
	if req.NodeExecutionID != "" {
		ne, err := s.store.GetNodeExecution(ctx, req.NodeExecutionID)
		if err != nil {
			return err
		}
		if ne.PlanExecutionID != req.PlanExecutionID {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"node execution %q does not belong to plan execution %q", ne.ID, req.PlanExecutionID)
		}
	}
	return nil
}

// pendingDuplicate reports whether an interrupt of the same type and target
// is still registered or processing.
func (s *Service) pendingDuplicate(ctx context.Context, in *store.Interrupt) (bool, error) {
	pending, err := s.store.ListInterrupts(ctx, store.InterruptFilter{
		PlanExecutionID: in.PlanExecutionID,
		States:          []schema.InterruptState{schema.InterruptRegistered, schema.InterruptProcessing},
	})
	if err != nil {
		return false, err
	}
	for _, p := range pending {
		if p.Type == in.Type && p.NodeExecutionID == in.NodeExecutionID {
			return true, nil
		}
	}
	return false, nil
}

// Process claims a REGISTERED interrupt and applies it. It reports false
// when the interrupt could not be claimed, either because it is no longer
// REGISTERED or because its plan execution has one in progress.
func (s *Service) Process(ctx context.Context, id string) (bool, error) {
	claimed, err := s.store.ClaimInterrupt(ctx, id)
	if err != nil || !claimed {
		return false, err
	}
	in, err := s.store.GetInterrupt(ctx, id)
	if err != nil {
		return true, err
	}
	ctx = logging.WithInterruptID(logging.WithIDs(ctx, in.PlanExecutionID, in.NodeExecutionID), in.ID)
	ctx, span := tracing.StartInterruptSpan(ctx, in.ID, string(in.Type))

	applyErr := s.apply(ctx, in)
	state := schema.InterruptProcessed
	switch {
	case applyErr == nil:
	case superseded(applyErr):
		state = schema.InterruptDiscarded
		s.log(ctx).InfoContext(ctx, "interrupt discarded",
			slog.String("type", string(in.Type)),
			slog.String("reason", applyErr.Error()))
		applyErr = nil
	default:
		s.log(ctx).ErrorContext(ctx, "interrupt applied with errors",
			slog.String("type", string(in.Type)),
			slog.String("error", applyErr.Error()))
	}
	tracing.End(span, applyErr)

	ok, err := s.store.TransitionInterrupt(ctx, in.ID, schema.InterruptProcessing, state)
	if err != nil {
		return true, schema.NewErrorf(schema.ErrCodeStore, "finish interrupt: %s", err.Error()).WithCause(err)
	}
	if ok {
		s.finish(ctx, in, state)
	}
	return true, nil
}

func (s *Service) apply(ctx context.Context, in *store.Interrupt) error {
	eff := schema.InterruptEffect{InterruptID: in.ID, InterruptType: in.Type, TookEffectAt: s.now().UnixMilli()}
	switch in.Type {
	case schema.InterruptAbortAll:
		return s.exec.AbortPlan(ctx, in.PlanExecutionID, eff)
	case schema.InterruptAbort:
		return s.exec.AbortNode(ctx, in.NodeExecutionID, eff)
	case schema.InterruptPauseAll:
		return s.exec.PausePlan(ctx, in.PlanExecutionID, eff)
	case schema.InterruptResumeAll:
		return s.exec.ResumePlan(ctx, in.PlanExecutionID, eff)
	case schema.InterruptRetry:
		return s.exec.RetryNode(ctx, in.NodeExecutionID, eff)
	case schema.InterruptCustomFailure:
		info, err := FailureFromParams(in.Parameters)
		if err != nil {
			return err
		}
		return s.exec.FailNode(ctx, in.NodeExecutionID, info, eff)
	case schema.InterruptMarkSuccess:
		return s.exec.MarkSuccess(ctx, in.NodeExecutionID, eff)
	case schema.InterruptIgnore:
		return s.exec.IgnoreFailure(ctx, in.NodeExecutionID, eff)
	default:
		return schema.NewErrorf(schema.ErrCodeInterrupt, "unhandled interrupt type %q", in.Type)
	}
}

func superseded(err error) bool {
	return schema.IsCode(err, schema.ErrCodeInvalidTransition) ||
		schema.IsCode(err, schema.ErrCodeNotFound) ||
		schema.IsCode(err, schema.ErrCodeConflict)
}

func (s *Service) finish(ctx context.Context, in *store.Interrupt, state schema.InterruptState) {
	metrics.InterruptTotal.WithLabelValues(string(in.Type), string(state)).Inc()
	eventType := schema.EventInterruptProcessed
	if state == schema.InterruptDiscarded {
		eventType = schema.EventInterruptDiscarded
	}
	s.emit(ctx, in, eventType)
}

func (s *Service) emit(ctx context.Context, in *store.Interrupt, eventType string) {
	if s.events == nil {
		return
	}
	_, err := s.events.Append(ctx, in.PlanExecutionID, in.NodeExecutionID, eventType, map[string]any{
		"interrupt_id": in.ID,
		"type":         string(in.Type),
	})
	if err != nil {
		s.log(ctx).WarnContext(ctx, "record interrupt event", slog.String("error", err.Error()))
	}
}

func (s *Service) Get(ctx context.Context, id string) (*store.Interrupt, error) {
	return s.store.GetInterrupt(ctx, id)
}

// Drain processes up to limit REGISTERED interrupts, oldest first, and
// returns how many were applied.
func (s *Service) Drain(ctx context.Context, limit int) (int, error) {
	pending, err := s.store.ListInterrupts(ctx, store.InterruptFilter{
		States: []schema.InterruptState{schema.InterruptRegistered},
		Limit:  limit,
	})
	if err != nil {
		return 0, err
	}
	return s.processAll(ctx, pending)
}

func (s *Service) drainPlan(ctx context.Context, planExecutionID string) (int, error) {
	pending, err := s.store.ListInterrupts(ctx, store.InterruptFilter{
		PlanExecutionID: planExecutionID,
		States:          []schema.InterruptState{schema.InterruptRegistered},
	})
	if err != nil {
		return 0, err
	}
	return s.processAll(ctx, pending)
}

func (s *Service) processAll(ctx context.Context, pending []*store.Interrupt) (int, error) {
	n := 0
	for _, in := range pending {
		ok, err := s.Process(ctx, in.ID)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// Recover returns interrupts left PROCESSING by a crashed process to
// REGISTERED so the next Drain applies them again.
func (s *Service) Recover(ctx context.Context) (int, error) {
	stuck, err := s.store.ListInterrupts(ctx, store.InterruptFilter{
		States: []schema.InterruptState{schema.InterruptProcessing},
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, in := range stuck {
		ok, err := s.store.TransitionInterrupt(ctx, in.ID, schema.InterruptProcessing, schema.InterruptRegistered)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// ExpireOverdue raises an EXPIRED CUSTOM_FAILURE for up to limit async or
// task nodes whose deadline passed, and returns how many were raised.
func (s *Service) ExpireOverdue(ctx context.Context, limit int) (int, error) {
	now := s.now()
	overdue, err := s.store.ListNodeExecutions(ctx, store.NodeExecutionFilter{
		Statuses:      []schema.Status{schema.StatusAsyncWaiting, schema.StatusTaskWaiting},
		TimeoutBefore: &now,
		Limit:         limit,
	})
	if err != nil {
		return 0, err
	}
	raised := 0
	for _, ne := range overdue {
		in, err := s.Raise(ctx, Request{
			PlanExecutionID: ne.PlanExecutionID,
			NodeExecutionID: ne.ID,
			Type:            schema.InterruptCustomFailure,
			Parameters: map[string]any{
				ParamErrorMessage: fmt.Sprintf("deadline %s exceeded", ne.TimeoutAt.UTC().Format(time.RFC3339)),
				ParamFailureTypes: []any{string(schema.FailureExpired)},
			},
		})
		if err != nil {
			s.log(ctx).ErrorContext(ctx, "expire overdue node",
				slog.String("node_execution_id", ne.ID),
				slog.String("error", err.Error()))
			continue
		}
		if in.State != schema.InterruptDiscarded {
			raised++
		}
	}
	return raised, nil
}

// FailureFromParams builds the failure a CUSTOM_FAILURE interrupt applies.
// Without failure types the failure is an APPLICATION failure.
func FailureFromParams(params map[string]any) (*schema.FailureInfo, error) {
	info := &schema.FailureInfo{ErrorMessage: "failed by interrupt"}
	if msg, ok := params[ParamErrorMessage].(string); ok && msg != "" {
		info.ErrorMessage = msg
	}
	switch raw := params[ParamFailureTypes].(type) {
	case nil:
	case []string:
		for _, t := range raw {
			info.FailureTypes = append(info.FailureTypes, schema.FailureType(t))
		}
	case []any:
		for i, v := range raw {
			t, ok := v.(string)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s[%d] must be a string", ParamFailureTypes, i)
			}
			info.FailureTypes = append(info.FailureTypes, schema.FailureType(t))
		}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s must be a list", ParamFailureTypes)
	}
	for _, t := range info.FailureTypes {
		if !knownFailureType(t) {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown failure type %q", t)
		}
	}
	if len(info.FailureTypes) == 0 {
		info.FailureTypes = []schema.FailureType{schema.FailureApplication}
	}
	return info, nil
}

func knownFailureType(t schema.FailureType) bool {
	switch t {
	case schema.FailureApplication, schema.FailureConnectivity, schema.FailureTimeout, schema.FailureExpired,
		schema.FailureVerification, schema.FailureAuthorization, schema.FailureUnknown:
		return true
	default:
		return false
	}
}

func (s *Service) log(ctx context.Context) *slog.Logger {
	return logging.LogWith(ctx, s.logger)
}
