package restraint

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rendis/orchestra/internal/steps"
	"github.com/rendis/orchestra/pkg/schema"
)

// OutcomeRestraint names the outcome a granted claim publishes.
const OutcomeRestraint = "restraint"

// RegisterSteps adds the resource_restraint and resource_release step
// types backed by svc.
func RegisterSteps(reg *steps.Registry, svc *Service) error {
	for _, s := range []steps.Step{&acquireStep{svc: svc}, &releaseStep{svc: svc}} {
		if err := reg.Register(s); err != nil {
			return err
		}
	}
	return nil
}

// --- resource_restraint ---

type acquireStep struct {
	svc *Service
}

func (s *acquireStep) Type() string { return "resource_restraint" }

func (s *acquireStep) Schema() steps.Schema {
	return steps.Schema{
		Description: "Wait until 'resourceId' has capacity for this node, then hold it until released",
		Modes:       []schema.ExecutionMode{schema.ModeAsync},
		Parameters: json.RawMessage(`{"type":"object","required":["resourceId"],
			"properties":{"resourceId":{"type":"string","minLength":1},"consumerId":{"type":"string"},
			"capacity":{"type":"integer","minimum":1},"timeout":{"type":["string","number"]}}}`),
	}
}

func consumerOf(in steps.Input) string {
	if c := in.String("consumerId"); c != "" {
		return c
	}
	return in.NodeExecutionID
}

func (s *acquireStep) ExecuteAsync(ctx context.Context, in steps.Input) (*steps.AsyncResult, error) {
	resourceID := in.String("resourceId")
	if resourceID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "resource_restraint requires non-empty 'resourceId' string parameter")
	}
	timeout, err := in.Duration("timeout")
	if err != nil {
		return nil, err
	}
	if capacity, ok := intParam(in.Params["capacity"]); ok {
		if err := s.svc.Declare(ctx, resourceID, capacity); err != nil {
			return nil, err
		}
	}
	consumer := consumerOf(in)
	if _, err := s.svc.Acquire(ctx, resourceID, consumer, in.Ambiance.PlanExecutionID); err != nil {
		return nil, err
	}
	// A claim promoted during Acquire has already been notified; the wait
	// picks that response up when it is registered.
	return &steps.AsyncResult{
		CallbackIDs: []string{CorrelationID(resourceID, consumer)},
		Timeout:     timeout,
	}, nil
}

func (s *acquireStep) HandleAsyncResponse(_ context.Context, in steps.Input, responses map[string]schema.ResponseData) (*schema.StepResponse, error) {
	r, ok := responses[CorrelationID(in.String("resourceId"), consumerOf(in))]
	if !ok {
		return schema.Failed("restraint granted without a claim", schema.FailureUnknown), nil
	}
	return schema.Succeeded(schema.StepOutcome{Name: OutcomeRestraint, Data: r.Data}), nil
}

func (s *acquireStep) HandleAbort(ctx context.Context, in steps.Input, _ []schema.ExecutableResponse) error {
	return s.drop(ctx, in)
}

func (s *acquireStep) HandleFailure(ctx context.Context, in steps.Input, _ *schema.FailureInfo) error {
	return s.drop(ctx, in)
}

// drop gives up the claim of a node that stopped waiting for it.
func (s *acquireStep) drop(ctx context.Context, in steps.Input) error {
	resourceID := in.String("resourceId")
	if resourceID == "" {
		return nil
	}
	ok, err := s.svc.Release(ctx, resourceID, consumerOf(in))
	if ok {
		s.svc.log(ctx).InfoContext(ctx, "restraint dropped",
			slog.String("resource", resourceID),
			slog.String("consumer", consumerOf(in)))
	}
	return err
}

// --- resource_release ---

type releaseStep struct {
	svc *Service
}

func (s *releaseStep) Type() string { return "resource_release" }

func (s *releaseStep) Schema() steps.Schema {
	return steps.Schema{
		Description: "Release the claim of 'consumerId' on 'resourceId', or every claim this plan holds on it",
		Modes:       []schema.ExecutionMode{schema.ModeSync},
		Parameters: json.RawMessage(`{"type":"object","required":["resourceId"],
			"properties":{"resourceId":{"type":"string","minLength":1},"consumerId":{"type":"string"}}}`),
	}
}

func (s *releaseStep) ExecuteSync(ctx context.Context, in steps.Input) (*schema.StepResponse, error) {
	resourceID := in.String("resourceId")
	if resourceID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "resource_release requires non-empty 'resourceId' string parameter")
	}
	released := 0
	if consumer := in.String("consumerId"); consumer != "" {
		ok, err := s.svc.Release(ctx, resourceID, consumer)
		if err != nil {
			return nil, err
		}
		if ok {
			released = 1
		}
	} else {
		n, err := s.svc.ReleasePlan(ctx, resourceID, in.Ambiance.PlanExecutionID)
		if err != nil {
			return nil, err
		}
		released = n
	}
	return schema.Succeeded(schema.StepOutcome{
		Name: OutcomeRestraint,
		Data: map[string]any{"resourceId": resourceID, "released": released},
	}), nil
}

func intParam(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		n, err := t.Int64()
		return int(n), err == nil
	default:
		return 0, false
	}
}
