package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/orchestra/pkg/schema"
)

// PlanExecution is the persisted state of one plan submission.
type PlanExecution struct {
	ID                string            `json:"id"`
	Plan              *schema.Plan      `json:"plan"`
	Status            schema.Status     `json:"status"`
	SetupAbstractions map[string]string `json:"setup_abstractions,omitempty"`
	Version           int64             `json:"version"`
	ValidUntil        time.Time         `json:"valid_until"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	EndedAt           *time.Time        `json:"ended_at,omitempty"`
}

// NodeExecution is one runtime instantiation of a plan node.
type NodeExecution struct {
	ID                     string                      `json:"id"`
	PlanExecutionID        string                      `json:"plan_execution_id"`
	NodeID                 string                      `json:"node_id"`
	Identifier             string                      `json:"identifier,omitempty"`
	StepType               string                      `json:"step_type"`
	Ambiance               schema.Ambiance             `json:"ambiance"`
	Status                 schema.Status               `json:"status"`
	Mode                   schema.ExecutionMode        `json:"mode,omitempty"`
	ResolvedStepParameters map[string]any              `json:"resolved_step_parameters,omitempty"`
	ExecutableResponses    []schema.ExecutableResponse `json:"-"`
	FailureInfo            *schema.FailureInfo         `json:"failure_info,omitempty"`
	ParentID               string                      `json:"parent_id,omitempty"`
	PreviousID             string                      `json:"previous_id,omitempty"`
	NextID                 string                      `json:"next_id,omitempty"`
	NotifyID               string                      `json:"notify_id,omitempty"`
	RetryIDs               []string                    `json:"retry_ids,omitempty"`
	OldRetry               bool                        `json:"old_retry,omitempty"`
	InterruptHistories     []schema.InterruptEffect    `json:"interrupt_histories,omitempty"`
	TimeoutAt              *time.Time                  `json:"timeout_at,omitempty"`
	StartedAt              *time.Time                  `json:"started_at,omitempty"`
	EndedAt                *time.Time                  `json:"ended_at,omitempty"`
	Version                int64                       `json:"version"`
	CreatedAt              time.Time                   `json:"created_at"`
	UpdatedAt              time.Time                   `json:"updated_at"`
}

// LastExecutableResponse returns the most recent invoker record, or nil.
func (n *NodeExecution) LastExecutableResponse() schema.ExecutableResponse {
	if len(n.ExecutableResponses) == 0 {
		return nil
	}
	return n.ExecutableResponses[len(n.ExecutableResponses)-1]
}

// RetryCount is the number of earlier attempts of this node.
func (n *NodeExecution) RetryCount() int { return len(n.RetryIDs) }

// NodeExecutionFilter narrows ListNodeExecutions.
type NodeExecutionFilter struct {
	PlanExecutionID string
	ParentID        string
	NodeID          string
	Statuses        []schema.Status
	ExcludeOldRetry bool
	TimeoutBefore   *time.Time
	Limit           int
}

// PlanExecutionFilter narrows ListPlanExecutions.
type PlanExecutionFilter struct {
	Statuses    []schema.Status
	ValidBefore *time.Time
	Limit       int
}

// Outcome is a persisted named output of a node execution.
type Outcome struct {
	PlanExecutionID string         `json:"plan_execution_id"`
	NodeExecutionID string         `json:"node_execution_id"`
	Name            string         `json:"name"`
	Group           string         `json:"group,omitempty"`
	Data            map[string]any `json:"data,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Interrupt is a registered control-plane signal.
type Interrupt struct {
	ID              string                `json:"id"`
	PlanExecutionID string                `json:"plan_execution_id"`
	NodeExecutionID string                `json:"node_execution_id,omitempty"`
	Type            schema.InterruptType  `json:"type"`
	State           schema.InterruptState `json:"state"`
	Parameters      map[string]any        `json:"parameters,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// InterruptFilter narrows ListInterrupts.
type InterruptFilter struct {
	PlanExecutionID string
	States          []schema.InterruptState
	Limit           int
}

// ResourceRestraint is a named capacity shared by consumers.
type ResourceRestraint struct {
	ID        string    `json:"id"`
	Capacity  int       `json:"capacity"`
	CreatedAt time.Time `json:"created_at"`
}

// RestraintInstance is one consumer's claim on a resource restraint.
type RestraintInstance struct {
	ID                  string                `json:"id"`
	ResourceRestraintID string                `json:"resource_restraint_id"`
	ConsumerID          string                `json:"consumer_id"`
	PlanExecutionID     string                `json:"plan_execution_id,omitempty"`
	State               schema.RestraintState `json:"state"`
	OrderKey            string                `json:"order_key"`
	AcquiredAt          *time.Time            `json:"acquired_at,omitempty"`
	CreatedAt           time.Time             `json:"created_at"`
	UpdatedAt           time.Time             `json:"updated_at"`
}

// WaitCallback selects what happens when a wait instance completes.
type WaitCallback string

const (
	// CallbackResume resumes the waiting node with the collected responses.
	CallbackResume WaitCallback = "resume"
	// CallbackStart starts a node whose invocation was deferred.
	CallbackStart WaitCallback = "start"
	// CallbackExpire expires a node still waiting for intervention.
	CallbackExpire WaitCallback = "expire"
)

// WaitStatus is the lifecycle of a wait instance.
type WaitStatus string

const (
	WaitWaiting WaitStatus = "WAITING"
	// WaitDone is claimed but its callback has not yet completed.
	WaitDone    WaitStatus = "DONE"
	WaitHandled WaitStatus = "HANDLED"
)

// WaitInstanceFilter narrows ListWaitInstances.
type WaitInstanceFilter struct {
	NodeExecutionID string
	Callback        WaitCallback
	Statuses        []WaitStatus
	Limit           int
}

// WaitInstance registers a node execution's interest in a set of correlation ids.
type WaitInstance struct {
	ID              string       `json:"id"`
	NodeExecutionID string       `json:"node_execution_id"`
	PlanExecutionID string       `json:"plan_execution_id"`
	Callback        WaitCallback `json:"callback"`
	CorrelationIDs  []string     `json:"correlation_ids"`
	Status          WaitStatus   `json:"status"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Delay is a durable timer that notifies its correlation id at FireAt.
type Delay struct {
	CorrelationID   string    `json:"correlation_id"`
	PlanExecutionID string    `json:"plan_execution_id,omitempty"`
	FireAt          time.Time `json:"fire_at"`
	Fired           bool      `json:"fired"`
	CreatedAt       time.Time `json:"created_at"`
}

// Event is an immutable entry in the execution event log.
type Event struct {
	ID              int64           `json:"id"`
	PlanExecutionID string          `json:"plan_execution_id"`
	NodeExecutionID string          `json:"node_execution_id,omitempty"`
	Type            string          `json:"event_type"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
	Sequence        int64           `json:"sequence"`
}
