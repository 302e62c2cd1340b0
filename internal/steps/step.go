// Package steps defines the step contracts the engine invokes, the step
// registry and the built-in step types.
package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/orchestra/pkg/schema"
)

// Step is the common surface of every step type. A step implements one mode
// interface per execution mode listed in its Schema.
type Step interface {
	Type() string
	Schema() Schema
}

// Schema describes a step type. Modes[0] is the default execution mode.
type Schema struct {
	Description string                 `json:"description,omitempty"`
	Modes       []schema.ExecutionMode `json:"modes"`
	Parameters  json.RawMessage        `json:"parameters,omitempty"`
}

// Input is what a step sees when invoked: the node lineage, the plan node,
// its resolved parameters and a snapshot of the expression scope.
type Input struct {
	Ambiance        schema.Ambiance
	NodeExecutionID string
	Node            *schema.PlanNode
	Params          map[string]any
	Vars            map[string]any
}

// String returns a string parameter or "".
func (in Input) String(key string) string {
	s, _ := in.Params[key].(string)
	return s
}

// Bool returns a boolean parameter or false.
func (in Input) Bool(key string) bool {
	b, _ := in.Params[key].(bool)
	return b
}

// Duration reads a duration parameter. Strings use time.ParseDuration,
// numbers are seconds. A missing key yields 0.
func (in Input) Duration(key string) (time.Duration, error) {
	return ParseDuration(in.Params[key])
}

// ParseDuration converts a parameter value to a duration.
func ParseDuration(v any) (time.Duration, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case string:
		if t == "" {
			return 0, nil
		}
		d, err := time.ParseDuration(t)
		if err != nil {
			return 0, schema.NewErrorf(schema.ErrCodeValidation, "invalid duration %q", t)
		}
		return d, nil
	case int:
		return time.Duration(t) * time.Second, nil
	case int64:
		return time.Duration(t) * time.Second, nil
	case float64:
		return time.Duration(t * float64(time.Second)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, schema.NewErrorf(schema.ErrCodeValidation, "invalid duration %q", t.String())
		}
		return time.Duration(f * float64(time.Second)), nil
	default:
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "invalid duration of type %T", v)
	}
}

// StringList reads a list of strings from a parameter holding []string or []any.
func StringList(v any) ([]string, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for i, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("element %d is %T, not string", i, e)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected list of strings, got %T", v)
	}
}

// SyncStep runs inline and returns its result.
type SyncStep interface {
	Step
	ExecuteSync(ctx context.Context, in Input) (*schema.StepResponse, error)
}

// AsyncResult is the outcome of starting an async step.
type AsyncResult struct {
	// CallbackIDs are the correlation ids the node waits on; all must be notified.
	CallbackIDs []string
	// Timeout bounds the wait; zero means no deadline.
	Timeout time.Duration
	// WakeAfter makes the engine notify every callback id once it elapses.
	WakeAfter time.Duration
	// Response completes the node immediately when set.
	Response *schema.StepResponse
}

// AsyncStep starts work that completes through notifications.
type AsyncStep interface {
	Step
	ExecuteAsync(ctx context.Context, in Input) (*AsyncResult, error)
	HandleAsyncResponse(ctx context.Context, in Input, responses map[string]schema.ResponseData) (*schema.StepResponse, error)
}

// TaskSpec is the work a task step asks an external executor to perform.
type TaskSpec struct {
	Kind    string
	Payload map[string]any
	Timeout time.Duration
}

// TaskStep hands work to an external executor through the dispatch transport.
type TaskStep interface {
	Step
	ObtainTask(ctx context.Context, in Input) (*TaskSpec, error)
	HandleTaskResult(ctx context.Context, in Input, responses map[string]schema.ResponseData) (*schema.StepResponse, error)
}

// ChildStep spawns exactly one child node and completes when it finishes.
type ChildStep interface {
	Step
	ObtainChild(ctx context.Context, in Input) (string, error)
	HandleChildResponse(ctx context.Context, in Input, responses map[string]schema.ResponseData) (*schema.StepResponse, error)
}

// ChainSpec lists the children of a child chain in execution order.
type ChainSpec struct {
	Links []string
	// ProceedIfFailed keeps spawning links after a failed child.
	ProceedIfFailed bool
}

// ChildChainStep runs its children strictly one after another.
type ChildChainStep interface {
	Step
	ObtainChain(ctx context.Context, in Input) (*ChainSpec, error)
	FinalizeChain(ctx context.Context, in Input, responses map[string]schema.ResponseData) (*schema.StepResponse, error)
}

// Abortable steps are told, best-effort, when their node is aborted.
type Abortable interface {
	HandleAbort(ctx context.Context, in Input, responses []schema.ExecutableResponse) error
}

// Failable steps are told when their node expires or is force-failed while waiting.
type Failable interface {
	HandleFailure(ctx context.Context, in Input, info *schema.FailureInfo) error
}

// Supports reports whether s implements the interface for mode.
func Supports(s Step, mode schema.ExecutionMode) bool {
	switch mode {
	case schema.ModeSync:
		_, ok := s.(SyncStep)
		return ok
	case schema.ModeAsync:
		_, ok := s.(AsyncStep)
		return ok
	case schema.ModeTask:
		_, ok := s.(TaskStep)
		return ok
	case schema.ModeChild:
		_, ok := s.(ChildStep)
		return ok
	case schema.ModeChildChain:
		_, ok := s.(ChildChainStep)
		return ok
	default:
		return false
	}
}
