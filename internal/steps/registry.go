package steps

import (
	"sort"
	"sync"

	"github.com/rendis/orchestra/pkg/schema"
)

// Registry is the thread-safe step type registry. It is built at startup
// and shared by the engine and the plan validator.
type Registry struct {
	mu    sync.RWMutex
	steps map[string]Step
}

// Info summarizes a registered step type for listing.
type Info struct {
	Type        string                 `json:"type"`
	Description string                 `json:"description,omitempty"`
	Modes       []schema.ExecutionMode `json:"modes"`
}

func NewRegistry() *Registry {
	return &Registry{steps: make(map[string]Step)}
}

// Register adds a step type. Every declared mode must be implemented.
func (r *Registry) Register(s Step) error {
	if s == nil {
		return schema.NewError(schema.ErrCodeValidation, "step is nil")
	}
	name := s.Type()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "step type is empty")
	}
	modes := s.Schema().Modes
	if len(modes) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "step %q declares no execution modes", name)
	}
	for _, m := range modes {
		if !Supports(s, m) {
			return schema.NewErrorf(schema.ErrCodeValidation, "step %q declares mode %s but does not implement it", name, m)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.steps[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "step %q already registered", name)
	}
	r.steps[name] = s
	return nil
}

// Get retrieves a step by type.
func (r *Registry) Get(stepType string) (Step, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.steps[stepType]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownStep, "step %q not registered", stepType)
	}
	return s, nil
}

func (r *Registry) Has(stepType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.steps[stepType]
	return ok
}

// Modes returns the execution modes a step type supports.
func (r *Registry) Modes(stepType string) []schema.ExecutionMode {
	s, err := r.Get(stepType)
	if err != nil {
		return nil
	}
	return s.Schema().Modes
}

// ParameterSchema returns the JSON Schema for a step type's parameters.
func (r *Registry) ParameterSchema(stepType string) []byte {
	s, err := r.Get(stepType)
	if err != nil {
		return nil
	}
	return s.Schema().Parameters
}

// ModeFor returns the node's execution mode, falling back to the step's default.
func (r *Registry) ModeFor(node *schema.PlanNode) (schema.ExecutionMode, error) {
	s, err := r.Get(node.StepType)
	if err != nil {
		return "", err
	}
	if node.ExecutionMode != "" {
		if !Supports(s, node.ExecutionMode) {
			return "", schema.NewErrorf(schema.ErrCodeValidation,
				"step %q does not support execution mode %s", node.StepType, node.ExecutionMode)
		}
		return node.ExecutionMode, nil
	}
	return s.Schema().Modes[0], nil
}

// List returns info for all registered steps, sorted by type.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.steps))
	for _, s := range r.steps {
		sc := s.Schema()
		infos = append(infos, Info{Type: s.Type(), Description: sc.Description, Modes: sc.Modes})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Type < infos[j].Type })
	return infos
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.steps)
}
