package schema

import "time"

// AdviseType names the variants of Advise.
type AdviseType string

const (
	AdviseNextStep         AdviseType = "NEXT_STEP"
	AdviseRetry            AdviseType = "RETRY"
	AdviseInterventionWait AdviseType = "INTERVENTION_WAIT"
	AdviseEndPlan          AdviseType = "END_PLAN"
	AdviseRollback         AdviseType = "ROLLBACK"
)

// Advise is the decision taken after a node reaches a status.
// Implementations: *NextStepAdvise, *RetryAdvise, *InterventionWaitAdvise,
// *EndPlanAdvise, *RollbackAdvise.
type Advise interface {
	Type() AdviseType
	advise()
}

// NextStepAdvise continues with another plan node.
type NextStepAdvise struct {
	NextNodeID string `json:"nextNodeId"`
}

// RetryAdvise re-runs the failed node after WaitInterval.
type RetryAdvise struct {
	RetryNodeExecutionID string         `json:"retryNodeExecutionId"`
	WaitInterval         time.Duration  `json:"waitInterval"`
	Parameters           map[string]any `json:"parameters,omitempty"`
}

// InterventionWaitAdvise parks the node until a user acts or Timeout elapses.
type InterventionWaitAdvise struct {
	Timeout time.Duration `json:"timeout"`
}

// EndPlanAdvise ends the current flow with the node's status.
type EndPlanAdvise struct{}

// RollbackAdvise routes to the node chosen for the active rollback strategy.
type RollbackAdvise struct {
	NextNodeID string           `json:"nextNodeId"`
	Strategy   RollbackStrategy `json:"strategy"`
}

func (*NextStepAdvise) Type() AdviseType         { return AdviseNextStep }
func (*RetryAdvise) Type() AdviseType            { return AdviseRetry }
func (*InterventionWaitAdvise) Type() AdviseType { return AdviseInterventionWait }
func (*EndPlanAdvise) Type() AdviseType          { return AdviseEndPlan }
func (*RollbackAdvise) Type() AdviseType         { return AdviseRollback }

func (*NextStepAdvise) advise()         {}
func (*RetryAdvise) advise()            {}
func (*InterventionWaitAdvise) advise() {}
func (*EndPlanAdvise) advise()          {}
func (*RollbackAdvise) advise()         {}

// RollbackStrategy selects the scope of a rollback.
type RollbackStrategy string

const (
	RollbackStep     RollbackStrategy = "STEP"
	RollbackStage    RollbackStrategy = "STAGE"
	RollbackPipeline RollbackStrategy = "PIPELINE"
)

// RollbackOutputName is the sweeping output that marks a plan execution as rolling back.
const RollbackOutputName = "rollbackInfo"

// RepairAction is what the retry adviser does once retries are exhausted.
type RepairAction string

const (
	RepairManualIntervention RepairAction = "MANUAL_INTERVENTION"
	RepairEndExecution       RepairAction = "END_EXECUTION"
	RepairIgnore             RepairAction = "IGNORE"
	RepairOnFail             RepairAction = "ON_FAIL"
)

// DefaultInterventionTimeout is the wait used when manual intervention has no explicit timeout.
const DefaultInterventionTimeout = 24 * time.Hour
