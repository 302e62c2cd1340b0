package store

import (
	"context"
	"time"

	"github.com/rendis/orchestra/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
//
// Methods returning a bool report whether a conditional write took effect;
// a false result with a nil error means the precondition did not hold.
type Store interface {
	// Plan executions
	CreatePlanExecution(ctx context.Context, pe *PlanExecution) error
	GetPlanExecution(ctx context.Context, id string) (*PlanExecution, error)
	UpdatePlanStatus(ctx context.Context, id string, to schema.Status, from []schema.Status) (bool, error)
	ListPlanExecutions(ctx context.Context, filter PlanExecutionFilter) ([]*PlanExecution, error)
	DeletePlanExecution(ctx context.Context, id string) error

	// Node executions
	CreateNodeExecution(ctx context.Context, ne *NodeExecution) error
	GetNodeExecution(ctx context.Context, id string) (*NodeExecution, error)
	UpdateNodeExecution(ctx context.Context, ne *NodeExecution) error
	UpdateNodeStatus(ctx context.Context, id string, to schema.Status, from []schema.Status) (bool, error)
	ListNodeExecutions(ctx context.Context, filter NodeExecutionFilter) ([]*NodeExecution, error)

	// Outcomes and sweeping outputs
	SaveOutcomes(ctx context.Context, planExecutionID, nodeExecutionID string, outcomes []schema.StepOutcome) error
	ListOutcomes(ctx context.Context, planExecutionID string) ([]*Outcome, error)
	PublishSweepingOutput(ctx context.Context, planExecutionID, name string, data map[string]any) (bool, error)
	GetSweepingOutput(ctx context.Context, planExecutionID, name string) (map[string]any, error)

	// Interrupts
	CreateInterrupt(ctx context.Context, in *Interrupt) error
	GetInterrupt(ctx context.Context, id string) (*Interrupt, error)
	ListInterrupts(ctx context.Context, filter InterruptFilter) ([]*Interrupt, error)
	ClaimInterrupt(ctx context.Context, id string) (bool, error)
	TransitionInterrupt(ctx context.Context, id string, from, to schema.InterruptState) (bool, error)

	// Resource restraints
	UpsertResourceRestraint(ctx context.Context, id string, capacity int) error
	GetResourceRestraint(ctx context.Context, id string) (*ResourceRestraint, error)
	CreateRestraintInstance(ctx context.Context, ri *RestraintInstance) (bool, error)
	GetRestraintInstance(ctx context.Context, resourceID, consumerID string) (*RestraintInstance, error)
	ListRestraintInstances(ctx context.Context, resourceID string) ([]*RestraintInstance, error)
	PromoteRestraints(ctx context.Context, resourceID string) ([]*RestraintInstance, error)
	FinishRestraintInstance(ctx context.Context, resourceID, consumerID string) (bool, error)
	FinishRestraintsForPlan(ctx context.Context, planExecutionID string) ([]string, error)
	ListBlockedResources(ctx context.Context) ([]string, error)

	// Waits, notifications and delays
	CreateWaitInstance(ctx context.Context, wi *WaitInstance) error
	GetWaitInstance(ctx context.Context, id string) (*WaitInstance, error)
	ListWaitInstancesByCorrelation(ctx context.Context, correlationID string) ([]*WaitInstance, error)
	ListWaitInstances(ctx context.Context, filter WaitInstanceFilter) ([]*WaitInstance, error)
	CompleteWaitInstance(ctx context.Context, id string) (bool, error)
	MarkWaitHandled(ctx context.Context, id string) (bool, error)
	SaveNotifyResponse(ctx context.Context, planExecutionID string, resp schema.ResponseData) (bool, error)
	GetNotifyResponses(ctx context.Context, correlationIDs []string) (map[string]schema.ResponseData, error)
	CreateDelay(ctx context.Context, d *Delay) error
	ListDueDelays(ctx context.Context, now time.Time, limit int) ([]*Delay, error)
	MarkDelayFired(ctx context.Context, correlationID string) (bool, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, planExecutionID string, since int64) ([]*Event, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
