// Package restraint implements capacity-bounded FIFO semaphores over named
// shared resources. Consumers queue as BLOCKED claims and a periodic monitor
// promotes the oldest ones to ACTIVE while the resource has free capacity.
package restraint

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/rendis/orchestra/internal/logging"
	"github.com/rendis/orchestra/internal/metrics"
	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/pkg/schema"
)

// Notifier delivers a response to whoever waits on its correlation id.
type Notifier interface {
	DoneWith(ctx context.Context, planExecutionID string, resp schema.ResponseData) error
}

// EventAppender records restraint events.
type EventAppender interface {
	Append(ctx context.Context, planExecutionID, nodeExecutionID, eventType string, payload any) (*store.Event, error)
}

// Service owns the restraint lifecycle.
type Service struct {
	store    store.Store
	notifier Notifier
	events   EventAppender
	logger   *slog.Logger
}

func NewService(s store.Store, notifier Notifier, events EventAppender, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, notifier: notifier, events: events, logger: logger}
}

// CorrelationID is the id a consumer waits on until its claim on
// resourceID turns ACTIVE.
func CorrelationID(resourceID, consumerID string) string {
	return "restraint:" + resourceID + ":" + consumerID
}

// Declare creates resourceID or changes its capacity. Raising the capacity
// takes effect on the next promotion.
func (s *Service) Declare(ctx context.Context, resourceID string, capacity int) error {
	if resourceID == "" {
		return schema.NewError(schema.ErrCodeValidation, "resource id is required")
	}
	return s.store.UpsertResourceRestraint(ctx, resourceID, capacity)
}

// Acquire queues consumerID on resourceID and returns the claim's state
// after an immediate promotion attempt. Acquiring twice returns the
// existing claim without moving it in the queue.
func (s *Service) Acquire(ctx context.Context, resourceID, consumerID, planExecutionID string) (*store.RestraintInstance, error) {
	if resourceID == "" || consumerID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "resource id and consumer id are required")
	}
	if _, err := s.store.GetResourceRestraint(ctx, resourceID); err != nil {
		return nil, err
	}
	ri := &store.RestraintInstance{
		ID:                  uuid.New().String(),
		ResourceRestraintID: resourceID,
		ConsumerID:          consumerID,
		PlanExecutionID:     planExecutionID,
		State:               schema.RestraintBlocked,
		OrderKey:            ulid.Make().String(),
	}
	created, err := s.store.CreateRestraintInstance(ctx, ri)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "queue restraint: %s", err.Error()).WithCause(err)
	}
	if created {
		s.log(ctx).DebugContext(ctx, "restraint queued",
			slog.String("resource", resourceID),
			slog.String("consumer", consumerID))
	} else {
		existing, err := s.store.GetRestraintInstance(ctx, resourceID, consumerID)
		if err != nil {
			return nil, err
		}
		if existing.State == schema.RestraintFinished {
			return nil, schema.NewErrorf(schema.ErrCodeConflict,
				"consumer %q already released resource %q", consumerID, resourceID)
		}
	}
	if _, err := s.Promote(ctx, resourceID); err != nil {
		s.log(ctx).WarnContext(ctx, "promote after acquire",
			slog.String("resource", resourceID),
			slog.String("error", err.Error()))
	}
	return s.store.GetRestraintInstance(ctx, resourceID, consumerID)
}

// Release finishes consumerID's claim and hands its capacity to the next
// consumers in line. Releasing an unknown or finished claim reports false.
func (s *Service) Release(ctx context.Context, resourceID, consumerID string) (bool, error) {
	ri, err := s.store.GetRestraintInstance(ctx, resourceID, consumerID)
	if schema.IsCode(err, schema.ErrCodeNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	ok, err := s.store.FinishRestraintInstance(ctx, resourceID, consumerID)
	if err != nil || !ok {
		return false, err
	}
	s.emit(ctx, ri, schema.EventRestraintReleased)
	if _, err := s.Promote(ctx, resourceID); err != nil {
		s.log(ctx).WarnContext(ctx, "promote after release",
			slog.String("resource", resourceID),
			slog.String("error", err.Error()))
	}
	return true, nil
}

// ReleasePlan finishes the open claims plan execution planExecutionID holds
// on resourceID and returns how many were released.
func (s *Service) ReleasePlan(ctx context.Context, resourceID, planExecutionID string) (int, error) {
	claims, err := s.store.ListRestraintInstances(ctx, resourceID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ri := range claims {
		if ri.PlanExecutionID != planExecutionID || ri.State == schema.RestraintFinished {
			continue
		}
		ok, err := s.Release(ctx, resourceID, ri.ConsumerID)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// OnPlanFinished releases every claim of a finished plan execution.
func (s *Service) OnPlanFinished(ctx context.Context, pe *store.PlanExecution) error {
	resources, err := s.store.FinishRestraintsForPlan(ctx, pe.ID)
	if err != nil {
		return err
	}
	for _, resourceID := range resources {
		if _, err := s.Promote(ctx, resourceID); err != nil {
			s.log(ctx).WarnContext(ctx, "promote after plan finished",
				slog.String("resource", resourceID),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// Promote activates the oldest BLOCKED claims of resourceID up to its free
// capacity and notifies each promoted consumer. Running it with nothing to
// promote changes nothing.
func (s *Service) Promote(ctx context.Context, resourceID string) (int, error) {
	promoted, err := s.store.PromoteRestraints(ctx, resourceID)
	if err != nil {
		return 0, err
	}
	for _, ri := range promoted {
		metrics.RestraintPromotions.WithLabelValues(resourceID).Inc()
		s.emit(ctx, ri, schema.EventRestraintPromoted)
		if s.notifier == nil {
			continue
		}
		err := s.notifier.DoneWith(ctx, ri.PlanExecutionID, schema.ResponseData{
			CorrelationID: CorrelationID(ri.ResourceRestraintID, ri.ConsumerID),
			Data:          claimData(ri),
		})
		if err != nil {
			s.log(ctx).ErrorContext(ctx, "notify promoted consumer",
				slog.String("resource", resourceID),
				slog.String("consumer", ri.ConsumerID),
				slog.String("error", err.Error()))
		}
	}
	s.gauge(ctx, resourceID)
	return len(promoted), nil
}

// Tick runs one monitor pass over every resource with BLOCKED claims. A
// failing resource is logged and does not stop the pass; it is retried on
// the next tick.
func (s *Service) Tick(ctx context.Context) (int, error) {
	resources, err := s.store.ListBlockedResources(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	var errs []error
	for _, resourceID := range resources {
		n, err := s.Promote(ctx, resourceID)
		if err != nil {
			s.logger.ErrorContext(ctx, "restraint promotion failed",
				slog.String("resource", resourceID),
				slog.String("error", err.Error()))
			errs = append(errs, err)
			continue
		}
		total += n
	}
	return total, errors.Join(errs...)
}

// Claims lists every claim on resourceID in queue order.
func (s *Service) Claims(ctx context.Context, resourceID string) ([]*store.RestraintInstance, error) {
	return s.store.ListRestraintInstances(ctx, resourceID)
}

func (s *Service) gauge(ctx context.Context, resourceID string) {
	claims, err := s.store.ListRestraintInstances(ctx, resourceID)
	if err != nil {
		return
	}
	active := 0
	for _, ri := range claims {
		if ri.State == schema.RestraintActive {
			active++
		}
	}
	metrics.RestraintActive.WithLabelValues(resourceID).Set(float64(active))
}

func (s *Service) emit(ctx context.Context, ri *store.RestraintInstance, eventType string) {
	if s.events == nil || ri.PlanExecutionID == "" {
		return
	}
	if _, err := s.events.Append(ctx, ri.PlanExecutionID, "", eventType, claimData(ri)); err != nil {
		s.log(ctx).WarnContext(ctx, "record restraint event", slog.String("error", err.Error()))
	}
}

func claimData(ri *store.RestraintInstance) map[string]any {
	data := map[string]any{
		"resourceId": ri.ResourceRestraintID,
		"consumerId": ri.ConsumerID,
		"state":      string(ri.State),
	}
	if ri.AcquiredAt != nil {
		data["acquiredAt"] = ri.AcquiredAt.UTC().Format(time.RFC3339Nano)
	}
	return data
}

func (s *Service) log(ctx context.Context) *slog.Logger {
	return logging.LogWith(ctx, s.logger)
}
