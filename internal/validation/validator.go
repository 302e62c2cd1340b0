package validation

import "github.com/rendis/orchestra/pkg/schema"

// Validator checks plans for correctness before a plan execution is created.
type Validator interface {
	ValidatePlan(plan *schema.Plan) error
	ValidateParameters(params map[string]any, paramSchema []byte) error
}

// StepLookup reports whether a step type is registered and which execution
// modes it supports.
type StepLookup interface {
	Has(stepType string) bool
	Modes(stepType string) []schema.ExecutionMode
}

// AdviserLookup reports whether an adviser type is registered and checks
// its parameters.
type AdviserLookup interface {
	Has(adviserType string) bool
	ValidateParams(adviserType string, params map[string]any) error
}

// GuardChecker compiles adviser guard expressions.
type GuardChecker interface {
	Check(expression string) error
}

// PlanValidator runs the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (references, registries, parameters)
// 3. Graph (cycles, reachability)
type PlanValidator struct {
	jsonSchema *JSONSchemaValidator
	lookups    Lookups
}

// Lookups carries the optional registries consulted by semantic checks.
// Nil members skip the corresponding checks.
type Lookups struct {
	Steps    StepLookup
	Advisers AdviserLookup
	Guards   GuardChecker
}

var _ Validator = (*PlanValidator)(nil)

func NewPlanValidator(lookups Lookups) (*PlanValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &PlanValidator{jsonSchema: jsv, lookups: lookups}, nil
}

// Validate runs every stage and returns the aggregated result. Structural
// errors skip the later stages; semantic errors skip the graph stage.
func (pv *PlanValidator) Validate(plan *schema.Plan) *schema.ValidationResult {
	if plan == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "plan is nil")
		return r
	}

	result := validateStructural(pv.jsonSchema, plan)
	if !result.Valid() {
		return result
	}
	result.Merge(validateSemantic(plan, pv.lookups, pv.jsonSchema))
	if result.Valid() {
		result.Merge(validateGraph(plan))
	}
	return result
}

func (pv *PlanValidator) ValidatePlan(plan *schema.Plan) error {
	return pv.Validate(plan).ToError()
}

func (pv *PlanValidator) ValidateParameters(params map[string]any, paramSchema []byte) error {
	return pv.jsonSchema.ValidateParameters(params, paramSchema)
}

func validateStructural(v *JSONSchemaValidator, plan *schema.Plan) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	err := v.ValidateDocument(plan)
	if err == nil {
		return result
	}
	oe, ok := err.(*schema.OrchestraError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := oe.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", schema.ErrCodeValidation, v)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, oe.Message)
	return result
}
