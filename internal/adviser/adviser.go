// Package adviser decides what happens after a node execution reaches a
// status: continue, retry, wait for intervention, end the flow or roll back.
package adviser

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/orchestra/pkg/schema"
)

// Event is what an adviser sees.
type Event struct {
	Ambiance        schema.Ambiance
	NodeExecutionID string
	Node            *schema.PlanNode
	Status          schema.Status
	FailureInfo     *schema.FailureInfo
	RetryCount      int
	// StepParameters are the node's resolved parameters.
	StepParameters map[string]any
	// Parameters are the adviser obtainment's parameters.
	Parameters map[string]any
	// Vars is the expression scope used by obtainment guards.
	Vars map[string]any
}

// Adviser returns an advise, or nil when it does not apply.
type Adviser interface {
	Type() string
	OnAdviseEvent(ctx context.Context, ev Event) (schema.Advise, error)
	ValidateParams(params map[string]any) error
}

// Registry holds adviser types by name.
type Registry struct {
	mu       sync.RWMutex
	advisers map[string]Adviser
}

func NewRegistry() *Registry {
	return &Registry{advisers: make(map[string]Adviser)}
}

// NewDefaultRegistry returns a registry with every built-in adviser.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, a := range []Adviser{
		&retryAdviser{},
		&rollbackAdviser{},
		&onSuccessAdviser{},
		&onFailAdviser{},
		&ignoreAdviser{},
		&manualInterventionAdviser{},
		&abortAdviser{},
	} {
		_ = r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Adviser) error {
	if a == nil || a.Type() == "" {
		return schema.NewError(schema.ErrCodeValidation, "adviser is nil or has no type")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.advisers[a.Type()]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "adviser %q already registered", a.Type())
	}
	r.advisers[a.Type()] = a
	return nil
}

func (r *Registry) Get(adviserType string) (Adviser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.advisers[adviserType]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "adviser %q not registered", adviserType)
	}
	return a, nil
}

func (r *Registry) Has(adviserType string) bool {
	_, err := r.Get(adviserType)
	return err == nil
}

// ValidateParams checks obtainment parameters for an adviser type.
func (r *Registry) ValidateParams(adviserType string, params map[string]any) error {
	a, err := r.Get(adviserType)
	if err != nil {
		return err
	}
	return a.ValidateParams(params)
}

// Types lists registered adviser types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.advisers))
	for t := range r.advisers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
