package adviser

import (
	"context"
	"errors"

	"github.com/rendis/orchestra/pkg/schema"
)

// TypeRollback routes broke nodes to the node mapped for the active
// rollback strategy.
const TypeRollback = "ROLLBACK"

type rollbackAdviser struct{}

func (a *rollbackAdviser) Type() string { return TypeRollback }

func (a *rollbackAdviser) OnAdviseEvent(_ context.Context, ev Event) (schema.Advise, error) {
	if !ev.Status.IsBroke() {
		return nil, nil
	}
	return ResolveRollback(ev)
}

func (a *rollbackAdviser) ValidateParams(params map[string]any) error {
	m, err := strategyMapParam(params)
	if err != nil {
		return validationError(TypeRollback, err)
	}
	if len(m) == 0 {
		return validationError(TypeRollback, errors.New("strategyToNodeId is required"))
	}
	return nil
}

// ResolveRollback picks the strategy from the step parameters, then the
// setup abstractions, and maps it to a node. A missing strategy or mapping
// is a ROLLBACK_STRATEGY error.
func ResolveRollback(ev Event) (*schema.RollbackAdvise, error) {
	strategy := schema.RollbackStrategy(stringParam(ev.StepParameters, ParamRollbackStrategy))
	if strategy == "" {
		if s, ok := ev.Ambiance.Setup(ParamRollbackStrategy); ok {
			strategy = schema.RollbackStrategy(s)
		}
	}
	if strategy == "" {
		return nil, schema.NewError(schema.ErrCodeRollbackStrategy,
			"no rollback strategy in step parameters or setup abstractions").WithNode(ev.NodeExecutionID)
	}
	m, err := strategyMapParam(ev.Parameters)
	if err != nil {
		return nil, validationError(TypeRollback, err)
	}
	next, ok := m[strategy]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeRollbackStrategy,
			"no rollback node mapped for strategy %s", strategy).WithNode(ev.NodeExecutionID)
	}
	return &schema.RollbackAdvise{NextNodeID: next, Strategy: strategy}, nil
}
