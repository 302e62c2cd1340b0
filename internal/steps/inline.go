package steps

import (
	"context"
	"encoding/json"

	"github.com/rendis/orchestra/internal/expressions"
	"github.com/rendis/orchestra/pkg/schema"
)

// OutcomeResult is the outcome name used by the expression steps.
const OutcomeResult = "result"

// --- noop ---

type noopStep struct{}

func (s *noopStep) Type() string { return "noop" }

func (s *noopStep) Schema() Schema {
	return Schema{
		Description: "Succeed immediately, publishing the optional 'output' map as an outcome",
		Modes:       []schema.ExecutionMode{schema.ModeSync},
		Parameters:  json.RawMessage(`{"type":"object","properties":{"output":{"type":["object","string"]}}}`),
	}
}

func (s *noopStep) ExecuteSync(_ context.Context, in Input) (*schema.StepResponse, error) {
	out, _ := in.Params["output"].(map[string]any)
	if out == nil {
		return schema.Succeeded(), nil
	}
	return schema.Succeeded(schema.StepOutcome{Name: "output", Data: out}), nil
}

// --- assert ---

type assertStep struct {
	cel *expressions.CELEngine
}

func (s *assertStep) Type() string { return "assert" }

func (s *assertStep) Schema() Schema {
	return Schema{
		Description: "Fail with VERIFICATION unless the CEL 'condition' holds",
		Modes:       []schema.ExecutionMode{schema.ModeSync},
		Parameters: json.RawMessage(`{"type":"object","required":["condition"],
			"properties":{"condition":{"type":"string","minLength":1},"message":{"type":"string"}}}`),
	}
}

func (s *assertStep) ExecuteSync(ctx context.Context, in Input) (*schema.StepResponse, error) {
	cond := in.String("condition")
	if cond == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "assert requires non-empty 'condition' string parameter")
	}
	ok, err := s.cel.EvaluateBool(ctx, cond, in.Vars)
	if err != nil {
		return nil, err
	}
	if ok {
		return schema.Succeeded(), nil
	}
	msg := in.String("message")
	if msg == "" {
		msg = "assertion failed: " + cond
	}
	return schema.Failed(msg, schema.FailureVerification), nil
}

// --- expr ---

type exprStep struct {
	engine *expressions.ExprEngine
}

func (s *exprStep) Type() string { return "expr" }

func (s *exprStep) Schema() Schema {
	return Schema{
		Description: "Evaluate an Expr expression against the scope or explicit 'data'",
		Modes:       []schema.ExecutionMode{schema.ModeSync},
		Parameters: json.RawMessage(`{"type":"object","required":["expression"],
			"properties":{"expression":{"type":"string","minLength":1}}}`),
	}
}

func (s *exprStep) ExecuteSync(ctx context.Context, in Input) (*schema.StepResponse, error) {
	expression := in.String("expression")
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "expr requires non-empty 'expression' string parameter")
	}
	env := make(map[string]any, len(in.Vars)+1)
	for k, v := range in.Vars {
		env[k] = v
	}
	if data, ok := in.Params["data"]; ok {
		env["data"] = data
	}
	result, err := s.engine.Evaluate(ctx, expression, env)
	if err != nil {
		return nil, err
	}
	return schema.Succeeded(schema.StepOutcome{Name: OutcomeResult, Data: map[string]any{"value": result}}), nil
}

// --- jq ---

type jqStep struct {
	engine *expressions.GoJQEngine
}

func (s *jqStep) Type() string { return "jq" }

func (s *jqStep) Schema() Schema {
	return Schema{
		Description: "Run a jq 'query' over 'input' (default: the scope)",
		Modes:       []schema.ExecutionMode{schema.ModeSync},
		Parameters: json.RawMessage(`{"type":"object","required":["query"],
			"properties":{"query":{"type":"string","minLength":1}}}`),
	}
}

func (s *jqStep) ExecuteSync(ctx context.Context, in Input) (*schema.StepResponse, error) {
	query := in.String("query")
	if query == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "jq requires non-empty 'query' string parameter")
	}
	data := in.Vars
	if input, ok := in.Params["input"]; ok {
		data = map[string]any{"input": input}
		query = ".input | " + query
	}
	result, err := s.engine.Evaluate(ctx, query, data)
	if err != nil {
		return nil, err
	}
	return schema.Succeeded(schema.StepOutcome{Name: OutcomeResult, Data: map[string]any{"value": result}}), nil
}
