package steps

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/rendis/orchestra/internal/expressions"
	"github.com/rendis/orchestra/pkg/schema"
)

// Aggregate folds child responses into a parent response. The first broke
// child, in correlation id order, decides the failure.
func Aggregate(responses map[string]schema.ResponseData) *schema.StepResponse {
	keys := make([]string, 0, len(responses))
	for k := range responses {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		r := responses[k]
		if r.Error || r.Status.IsBroke() {
			info := r.FailureInfo
			if info == nil {
				info = &schema.FailureInfo{
					ErrorMessage: "child " + r.Identifier + " ended " + string(r.Status),
					FailureTypes: []schema.FailureType{schema.FailureApplication},
				}
			}
			return &schema.StepResponse{Status: schema.StatusFailed, FailureInfo: info}
		}
	}
	return schema.Succeeded()
}

// --- section ---

type sectionStep struct{}

func (s *sectionStep) Type() string { return "section" }

func (s *sectionStep) Schema() Schema {
	return Schema{
		Description: "Run the subgraph starting at 'childNodeId' as a single child",
		Modes:       []schema.ExecutionMode{schema.ModeChild},
		Parameters: json.RawMessage(`{"type":"object","required":["childNodeId"],
			"properties":{"childNodeId":{"type":"string","minLength":1}}}`),
	}
}

func (s *sectionStep) ObtainChild(_ context.Context, in Input) (string, error) {
	id := in.String(schema.ParamChildNodeID)
	if id == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "section requires 'childNodeId'")
	}
	return id, nil
}

func (s *sectionStep) HandleChildResponse(_ context.Context, _ Input, responses map[string]schema.ResponseData) (*schema.StepResponse, error) {
	return Aggregate(responses), nil
}

// --- section_chain ---

type sectionChainStep struct {
	jq *expressions.GoJQEngine
}

func (s *sectionChainStep) Type() string { return "section_chain" }

func (s *sectionChainStep) Schema() Schema {
	return Schema{
		Description: "Run 'childNodeIds' one after another; 'collect' is a jq expression over the children's outcomes",
		Modes:       []schema.ExecutionMode{schema.ModeChildChain},
		Parameters: json.RawMessage(`{"type":"object","required":["childNodeIds"],
			"properties":{"childNodeIds":{"type":"array","minItems":1,"items":{"type":"string"}},
			"proceedIfFailed":{"type":"boolean"},"collect":{"type":"string"}}}`),
	}
}

func (s *sectionChainStep) ObtainChain(_ context.Context, in Input) (*ChainSpec, error) {
	links, err := StringList(in.Params[schema.ParamChildNodeIDs])
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "section_chain 'childNodeIds': %v", err)
	}
	if len(links) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "section_chain requires at least one child")
	}
	return &ChainSpec{Links: links, ProceedIfFailed: in.Bool("proceedIfFailed")}, nil
}

func (s *sectionChainStep) FinalizeChain(ctx context.Context, in Input, responses map[string]schema.ResponseData) (*schema.StepResponse, error) {
	resp := Aggregate(responses)
	if !resp.Status.IsPositive() {
		return resp, nil
	}
	collect := in.String("collect")
	if collect == "" {
		return resp, nil
	}

	children := make(map[string]any, len(responses))
	for _, r := range responses {
		outcomes := make(map[string]any, len(r.Outcomes))
		for _, o := range r.Outcomes {
			outcomes[o.Name] = o.Data
		}
		children[r.Identifier] = map[string]any{"status": string(r.Status), "outcomes": outcomes}
	}
	value, err := s.jq.Evaluate(ctx, collect, map[string]any{"children": children})
	if err != nil {
		return nil, err
	}
	resp.Outcomes = append(resp.Outcomes, schema.StepOutcome{Name: "collected", Data: map[string]any{"value": value}})
	return resp, nil
}
