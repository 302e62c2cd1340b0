package validation

import (
	"fmt"
	"sort"
	"time"

	"github.com/rendis/orchestra/pkg/schema"
)

// validateSemantic checks references and registries: the starting node
// exists, node keys match their uuid, identifiers are unique, every edge
// resolves, step and adviser types are registered, execution modes are
// supported and step parameters satisfy the step's parameter schema.
func validateSemantic(plan *schema.Plan, lookups Lookups, params *JSONSchemaValidator) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if plan.FetchStartingNode() == nil {
		result.AddErrorf("startingNodeId", schema.ErrCodeNotFound,
			"starting node %q not found", plan.StartingNodeID)
	}

	ids := make([]string, 0, len(plan.Nodes))
	for id := range plan.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	identifiers := make(map[string]string, len(plan.Nodes))
	for _, id := range ids {
		node := plan.Nodes[id]
		path := "nodes." + id
		if node == nil {
			result.AddError(path, schema.ErrCodeValidation, "node is null")
			continue
		}
		if node.UUID != id {
			result.AddErrorf(path+".uuid", schema.ErrCodeValidation,
				"node key %q does not match uuid %q", id, node.UUID)
		}
		if prev, dup := identifiers[node.Identifier]; dup {
			result.AddErrorf(path+".identifier", schema.ErrCodeValidation,
				"identifier %q already used by node %q", node.Identifier, prev)
		} else {
			identifiers[node.Identifier] = id
		}
		validateNodeSemantic(plan, node, path, lookups, params, result)
	}

	return result
}

func validateNodeSemantic(plan *schema.Plan, node *schema.PlanNode, path string, lookups Lookups, params *JSONSchemaValidator, result *schema.ValidationResult) {
	for _, to := range schema.EdgesOf(node) {
		if plan.FetchNode(to) == nil {
			result.AddErrorf(path, schema.ErrCodeNotFound, "references non-existent node %q", to)
		}
	}

	if lookups.Steps != nil {
		if !lookups.Steps.Has(node.StepType) {
			result.AddErrorf(path+".stepType", schema.ErrCodeUnknownStep,
				"step type %q not registered", node.StepType)
		} else if node.ExecutionMode != "" && !containsMode(lookups.Steps.Modes(node.StepType), node.ExecutionMode) {
			result.AddErrorf(path+".executionMode", schema.ErrCodeValidation,
				"step type %q does not support execution mode %s", node.StepType, node.ExecutionMode)
		}
		if ps, ok := lookups.Steps.(ParameterSchemaLookup); ok && params != nil {
			if err := params.ValidateParameters(node.StepParameters, ps.ParameterSchema(node.StepType)); err != nil {
				result.AddError(path+".stepParameters", schema.ErrCodeValidation, err.Error())
			}
		}
	}

	if wait := node.FacilitatorObtainment.InitialWait; wait != "" {
		if d, err := time.ParseDuration(wait); err != nil || d < 0 {
			result.AddErrorf(path+".facilitatorObtainment.initialWait", schema.ErrCodeValidation,
				"invalid initial wait %q", wait)
		}
	}

	for i, ob := range node.AdviserObtainments {
		apath := fmt.Sprintf("%s.adviserObtainments[%d]", path, i)
		if lookups.Advisers != nil {
			if !lookups.Advisers.Has(ob.Type) {
				result.AddErrorf(apath+".type", schema.ErrCodeValidation, "adviser type %q not registered", ob.Type)
			} else if err := lookups.Advisers.ValidateParams(ob.Type, ob.Parameters); err != nil {
				result.AddError(apath+".parameters", schema.ErrCodeValidation, err.Error())
			}
		}
		if ob.When != "" && lookups.Guards != nil {
			if err := lookups.Guards.Check(ob.When); err != nil {
				result.AddError(apath+".when", schema.ErrCodeValidation, err.Error())
			}
		}
	}
}

// ParameterSchemaLookup is implemented by step lookups that expose per-step
// JSON Schemas for stepParameters. An empty schema skips the check.
type ParameterSchemaLookup interface {
	ParameterSchema(stepType string) []byte
}

func containsMode(modes []schema.ExecutionMode, m schema.ExecutionMode) bool {
	for _, have := range modes {
		if have == m {
			return true
		}
	}
	return false
}
