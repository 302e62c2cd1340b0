package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// FailureType tags a failure for adviser decisioning.
type FailureType string

const (
	FailureApplication   FailureType = "APPLICATION"
	FailureConnectivity  FailureType = "CONNECTIVITY"
	FailureTimeout       FailureType = "TIMEOUT"
	FailureExpired       FailureType = "EXPIRED"
	FailureVerification  FailureType = "VERIFICATION"
	FailureAuthorization FailureType = "AUTHORIZATION"
	FailureUnknown       FailureType = "UNKNOWN"
)

// FailureInfo describes why a node did not succeed.
type FailureInfo struct {
	ErrorMessage string        `json:"errorMessage"`
	FailureTypes []FailureType `json:"failureTypes,omitempty"`
}

// HasAnyType reports whether f carries at least one of types.
func (f *FailureInfo) HasAnyType(types []FailureType) bool {
	if f == nil {
		return false
	}
	for _, have := range f.FailureTypes {
		for _, want := range types {
			if have == want {
				return true
			}
		}
	}
	return false
}

// StepOutcome is a named output of a step.
type StepOutcome struct {
	Name  string         `json:"name"`
	Group string         `json:"group,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

// StepResponse is the terminal result of a step.
type StepResponse struct {
	Status      Status        `json:"status"`
	FailureInfo *FailureInfo  `json:"failureInfo,omitempty"`
	Outcomes    []StepOutcome `json:"outcomes,omitempty"`
}

// Succeeded builds a successful response with optional outcomes.
func Succeeded(outcomes ...StepOutcome) *StepResponse {
	return &StepResponse{Status: StatusSucceeded, Outcomes: outcomes}
}

// Failed builds a failed response.
func Failed(message string, types ...FailureType) *StepResponse {
	if len(types) == 0 {
		types = []FailureType{FailureApplication}
	}
	return &StepResponse{
		Status:      StatusFailed,
		FailureInfo: &FailureInfo{ErrorMessage: message, FailureTypes: types},
	}
}

// OutcomeMap returns outcomes keyed by name.
func (r *StepResponse) OutcomeMap() map[string]map[string]any {
	out := make(map[string]map[string]any, len(r.Outcomes))
	for _, o := range r.Outcomes {
		out[o.Name] = o.Data
	}
	return out
}

// ResponseData is a notification payload delivered to a waiting node. It is
// produced by external executors, by finished child nodes and by fired delays.
type ResponseData struct {
	CorrelationID   string         `json:"correlationId"`
	NodeExecutionID string         `json:"nodeExecutionId,omitempty"`
	Identifier      string         `json:"identifier,omitempty"`
	Status          Status         `json:"status,omitempty"`
	FailureInfo     *FailureInfo   `json:"failureInfo,omitempty"`
	Outcomes        []StepOutcome  `json:"outcomes,omitempty"`
	Data            map[string]any `json:"data,omitempty"`
	Error           bool           `json:"error,omitempty"`
}

// ExecutableResponse is the record an invoker leaves on a node execution.
// Implementations: *SyncResponse, *AsyncResponse, *TaskResponse,
// *ChildResponse, *ChildChainResponse.
type ExecutableResponse interface {
	Mode() ExecutionMode
	executableResponse()
}

// SyncResponse marks a node that ran inline.
type SyncResponse struct{}

// AsyncResponse lists the correlation ids an async step waits on.
type AsyncResponse struct {
	CallbackIDs []string `json:"callbackIds"`
}

// TaskResponse records a task sent to an external executor.
type TaskResponse struct {
	TaskID   string    `json:"taskId"`
	Deadline time.Time `json:"deadline,omitempty"`
}

// ChildResponse records the single child spawned by a node.
type ChildResponse struct {
	ChildNodeID      string `json:"childNodeId"`
	ChildExecutionID string `json:"childExecutionId,omitempty"`
}

// ChildChainResponse records one link of a child chain.
type ChildChainResponse struct {
	NextChildID      string         `json:"nextChildId,omitempty"`
	ChildExecutionID string         `json:"childExecutionId,omitempty"`
	PreviousChildID  string         `json:"previousChildId,omitempty"`
	PassThroughData  map[string]any `json:"passThroughData,omitempty"`
	LastLink         bool           `json:"lastLink,omitempty"`
	Suspend          bool           `json:"suspend,omitempty"`
}

func (*SyncResponse) Mode() ExecutionMode       { return ModeSync }
func (*AsyncResponse) Mode() ExecutionMode      { return ModeAsync }
func (*TaskResponse) Mode() ExecutionMode       { return ModeTask }
func (*ChildResponse) Mode() ExecutionMode      { return ModeChild }
func (*ChildChainResponse) Mode() ExecutionMode { return ModeChildChain }

func (*SyncResponse) executableResponse()       {}
func (*AsyncResponse) executableResponse()      {}
func (*TaskResponse) executableResponse()       {}
func (*ChildResponse) executableResponse()      {}
func (*ChildChainResponse) executableResponse() {}

type executableEnvelope struct {
	Mode ExecutionMode   `json:"mode"`
	Body json.RawMessage `json:"body"`
}

// MarshalExecutableResponses encodes a list of tagged executable responses.
func MarshalExecutableResponses(list []ExecutableResponse) ([]byte, error) {
	envs := make([]executableEnvelope, 0, len(list))
	for _, r := range list {
		body, err := json.Marshal(r)
		if err != nil {
			return nil, err
		}
		envs = append(envs, executableEnvelope{Mode: r.Mode(), Body: body})
	}
	return json.Marshal(envs)
}

// UnmarshalExecutableResponses decodes the output of MarshalExecutableResponses.
func UnmarshalExecutableResponses(data []byte) ([]ExecutableResponse, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var envs []executableEnvelope
	if err := json.Unmarshal(data, &envs); err != nil {
		return nil, err
	}
	out := make([]ExecutableResponse, 0, len(envs))
	for _, env := range envs {
		var r ExecutableResponse
		switch env.Mode {
		case ModeSync:
			r = &SyncResponse{}
		case ModeAsync:
			r = &AsyncResponse{}
		case ModeTask:
			r = &TaskResponse{}
		case ModeChild:
			r = &ChildResponse{}
		case ModeChildChain:
			r = &ChildChainResponse{}
		default:
			return nil, fmt.Errorf("unknown executable response mode %q", env.Mode)
		}
		if err := json.Unmarshal(env.Body, r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
