package adviser

import (
	"context"

	"github.com/rendis/orchestra/pkg/schema"
)

// GuardEvaluator evaluates obtainment `when` guards.
type GuardEvaluator interface {
	EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error)
}

// Evaluator runs a node's adviser obtainments in order.
type Evaluator struct {
	registry *Registry
	guards   GuardEvaluator
}

func NewEvaluator(registry *Registry, guards GuardEvaluator) *Evaluator {
	return &Evaluator{registry: registry, guards: guards}
}

// Decision is the winning advise and the adviser that produced it.
type Decision struct {
	Advise      schema.Advise
	AdviserType string
}

// Advise returns the first non-nil advise among obtainments, or nil when no
// obtainment applies. Guards that evaluate to false skip their obtainment.
func (e *Evaluator) Advise(ctx context.Context, obtainments []schema.AdviserObtainment, ev Event) (*Decision, error) {
	for _, ob := range obtainments {
		if ob.When != "" && e.guards != nil {
			ok, err := e.guards.EvaluateBool(ctx, ob.When, ev.Vars)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		a, err := e.registry.Get(ob.Type)
		if err != nil {
			return nil, err
		}
		ev.Parameters = ob.Parameters
		advise, err := a.OnAdviseEvent(ctx, ev)
		if err != nil {
			return nil, err
		}
		if advise != nil {
			return &Decision{Advise: advise, AdviserType: ob.Type}, nil
		}
	}
	return nil, nil
}
