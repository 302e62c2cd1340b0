package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/orchestra/pkg/schema"
)

const planSchemaURL = "https://orchestra.dev/schemas/plan.json"

// planSchemaJSON is the JSON Schema for plan documents.
const planSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://orchestra.dev/schemas/plan.json",
  "type": "object",
  "required": ["startingNodeId", "nodes"],
  "properties": {
    "uuid": { "type": "string" },
    "startingNodeId": { "type": "string", "minLength": 1 },
    "nodes": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": { "$ref": "#/$defs/node" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "duration": {
      "type": "string",
      "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
    },
    "node": {
      "type": "object",
      "required": ["uuid", "identifier", "stepType"],
      "properties": {
        "uuid": { "type": "string", "minLength": 1 },
        "identifier": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "stepType": { "type": "string", "minLength": 1 },
        "group": { "type": "string" },
        "executionMode": {
          "type": "string",
          "enum": ["SYNC", "ASYNC", "TASK", "CHILD", "CHILD_CHAIN"]
        },
        "stepParameters": { "type": "object" },
        "facilitatorObtainment": {
          "type": "object",
          "properties": {
            "initialWait": { "$ref": "#/$defs/duration" },
            "parameters": { "type": "object" }
          },
          "additionalProperties": false
        },
        "adviserObtainments": {
          "type": "array",
          "items": { "$ref": "#/$defs/adviser" }
        }
      },
      "additionalProperties": false
    },
    "adviser": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": { "type": "string", "minLength": 1 },
        "when": { "type": "string" },
        "parameters": { "type": "object" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates plan documents and step parameters with
// JSON Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	planSchema *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(planSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal plan schema: %w", err)
	}
	if err := c.AddResource(planSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add plan schema resource: %w", err)
	}
	compiled, err := c.Compile(planSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}
	return &JSONSchemaValidator{
		planSchema: compiled,
		cache:      make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDocument validates a plan against the plan schema.
func (v *JSONSchemaValidator) ValidateDocument(plan *schema.Plan) error {
	doc, err := toJSONValue(plan)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize plan").WithCause(err)
	}
	if err := v.planSchema.Validate(doc); err != nil {
		return toOrchestraError(err)
	}
	return nil
}

// ValidateParameters validates step parameters against a schema supplied by
// the step. An empty schema accepts anything.
func (v *JSONSchemaValidator) ValidateParameters(params map[string]any, paramSchema []byte) error {
	if len(paramSchema) == 0 {
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}
	compiled, err := v.getOrCompile(paramSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid parameter schema").WithCause(err)
	}
	doc, err := toJSONValue(params)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize parameters").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toOrchestraError(err)
	}
	return nil
}

func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	url := fmt.Sprintf("orchestra://parameter-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through JSON so numbers become json.Number.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func toOrchestraError(err error) *schema.OrchestraError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}
	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
			WithDetails(map[string]any{"violations": violations})
	}
}

// collectViolations flattens a ValidationError tree into "location: message" leaves.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
