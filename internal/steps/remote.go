package steps

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/orchestra/pkg/schema"
)

// --- remote ---

// DefaultTaskTimeout bounds a remote task that declares no timeout.
const DefaultTaskTimeout = 30 * time.Minute

type remoteStep struct{}

func (s *remoteStep) Type() string { return "remote" }

func (s *remoteStep) Schema() Schema {
	return Schema{
		Description: "Send 'task' with 'payload' to an external executor and wait for its result",
		Modes:       []schema.ExecutionMode{schema.ModeTask},
		Parameters: json.RawMessage(`{"type":"object","required":["task"],
			"properties":{"task":{"type":"string","minLength":1},"payload":{"type":["object","string"]},
			"timeout":{"type":["string","number"]}}}`),
	}
}

func (s *remoteStep) ObtainTask(_ context.Context, in Input) (*TaskSpec, error) {
	kind := in.String("task")
	if kind == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "remote requires non-empty 'task' string parameter")
	}
	timeout, err := in.Duration("timeout")
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}
	payload, _ := in.Params["payload"].(map[string]any)
	return &TaskSpec{Kind: kind, Payload: payload, Timeout: timeout}, nil
}

func (s *remoteStep) HandleTaskResult(_ context.Context, _ Input, responses map[string]schema.ResponseData) (*schema.StepResponse, error) {
	for _, r := range responses {
		return taskResponse(r), nil
	}
	return schema.Failed("task finished without a result", schema.FailureUnknown), nil
}

func taskResponse(r schema.ResponseData) *schema.StepResponse {
	if r.Status != "" {
		return &schema.StepResponse{Status: r.Status, FailureInfo: r.FailureInfo, Outcomes: r.Outcomes}
	}
	if r.Error {
		if r.FailureInfo != nil {
			return &schema.StepResponse{Status: schema.StatusFailed, FailureInfo: r.FailureInfo}
		}
		msg, _ := r.Data["error"].(string)
		if msg == "" {
			msg = "task reported an error"
		}
		return schema.Failed(msg)
	}
	resp := schema.Succeeded(r.Outcomes...)
	if len(r.Data) > 0 {
		resp.Outcomes = append(resp.Outcomes, schema.StepOutcome{Name: OutcomeResult, Data: r.Data})
	}
	return resp
}

// --- wait ---

type waitStep struct{}

func (s *waitStep) Type() string { return "wait" }

func (s *waitStep) Schema() Schema {
	return Schema{
		Description: "Park the node for 'duration' using a durable delay",
		Modes:       []schema.ExecutionMode{schema.ModeAsync},
		Parameters: json.RawMessage(`{"type":"object","required":["duration"],
			"properties":{"duration":{"type":["string","number"]}}}`),
	}
}

func (s *waitStep) ExecuteAsync(_ context.Context, in Input) (*AsyncResult, error) {
	d, err := in.Duration("duration")
	if err != nil {
		return nil, err
	}
	if d <= 0 {
		return &AsyncResult{Response: schema.Succeeded()}, nil
	}
	return &AsyncResult{CallbackIDs: []string{"wait-" + uuid.New().String()}, WakeAfter: d}, nil
}

func (s *waitStep) HandleAsyncResponse(_ context.Context, _ Input, _ map[string]schema.ResponseData) (*schema.StepResponse, error) {
	return schema.Succeeded(), nil
}
