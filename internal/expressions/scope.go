package expressions

import (
	"encoding/json"
	"sync"

	"github.com/rendis/orchestra/pkg/schema"
)

// Scope variable names.
const (
	VarPlan     = "plan"
	VarNode     = "node"
	VarOutcomes = "outcomes"
	VarSetup    = "setup"
	VarParams   = "params"
)

// Scope is the data visible to expressions while a node runs:
//
//	plan.id, plan.status
//	node.id, node.identifier, node.stepType, node.status, node.retryCount, ...
//	outcomes.<identifier>.<outcomeName>
//	setup.<key>
//	params.<key>
//
// Outcomes are frozen when added; a later execution of the same node
// identifier replaces the earlier one's outcome of the same name.
type Scope struct {
	mu       sync.RWMutex
	plan     map[string]any
	node     map[string]any
	outcomes map[string]any
	setup    map[string]any
	params   map[string]any
}

// NewScope creates a scope for a plan execution.
func NewScope(planExecutionID string, status schema.Status, setup map[string]string) *Scope {
	s := &Scope{
		plan:     map[string]any{"id": planExecutionID, "status": string(status)},
		outcomes: map[string]any{},
		setup:    make(map[string]any, len(setup)),
	}
	for k, v := range setup {
		s.setup[k] = v
	}
	return s
}

// AddOutcome records an outcome under outcomes.<identifier>.<name>.
func (s *Scope) AddOutcome(identifier, name string, data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byNode, _ := s.outcomes[identifier].(map[string]any)
	if byNode == nil {
		byNode = map[string]any{}
		s.outcomes[identifier] = byNode
	}
	byNode[name] = deepCopyMap(data)
}

// SetNode replaces the node variables.
func (s *Scope) SetNode(node map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.node = deepCopyMap(node)
}

// SetParams replaces the params variables.
func (s *Scope) SetParams(params map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = deepCopyMap(params)
}

// Vars returns a deep copy of the scope as an expression environment.
func (s *Scope) Vars() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]any{
		VarPlan:     deepCopyMap(s.plan),
		VarNode:     orEmpty(deepCopyMap(s.node)),
		VarOutcomes: deepCopyMap(s.outcomes),
		VarSetup:    deepCopyMap(s.setup),
		VarParams:   orEmpty(deepCopyMap(s.params)),
	}
}

// NodeVars builds the node variables for a node execution.
func NodeVars(id, identifier, stepType string, status schema.Status, retryCount int, failure *schema.FailureInfo) map[string]any {
	m := map[string]any{
		"id":         id,
		"identifier": identifier,
		"stepType":   stepType,
		"status":     string(status),
		"retryCount": retryCount,
	}
	if failure != nil {
		types := make([]any, len(failure.FailureTypes))
		for i, t := range failure.FailureTypes {
			types[i] = string(t)
		}
		m["errorMessage"] = failure.ErrorMessage
		m["failureTypes"] = types
	}
	return m
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// --- Deep copy utilities ---

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
