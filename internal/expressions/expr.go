package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/orchestra/pkg/schema"
)

// maxPrograms bounds the compiled program cache. Plans resolve the same
// parameter expressions on every node execution, so a full cache is
// dropped wholesale rather than tracked per entry.
const maxPrograms = 1024

// ExprEngine evaluates the ${{ }} expressions in step parameters and the
// expr step. Every program is compiled against an untyped map, so unknown
// variables are nil and one program serves every scope shape.
//
// Besides the expr-lang builtins, expressions can classify node and plan
// statuses: positive(s), broke(s), final(s) and resumable(s), e.g.
//
//	${{ broke(node.status) ? "cleanup" : "publish" }}
type ExprEngine struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: make(map[string]*vm.Program)}
}

func (e *ExprEngine) Name() string { return "expr" }

// Evaluate runs expression with data as its environment.
func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}
	prg, err := e.program(expression)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "evaluate %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

func (e *ExprEngine) program(expression string) (*vm.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[expression]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	opts := append([]expr.Option{expr.Env(map[string]any{}), expr.AllowUndefinedVariables()}, statusFunctions...)
	prg, err := expr.Compile(expression, opts...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "compile %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.programs) >= maxPrograms {
		e.programs = make(map[string]*vm.Program)
	}
	e.programs[expression] = prg
	return prg, nil
}

var statusFunctions = []expr.Option{
	statusFunction("positive", schema.Status.IsPositive),
	statusFunction("broke", schema.Status.IsBroke),
	statusFunction("final", schema.Status.IsFinal),
	statusFunction("resumable", func(s schema.Status) bool { return schema.ResumableStatuses().Contains(s) }),
}

// statusFunction exposes a status predicate. It accepts a status string;
// nil, as produced by an unknown variable, is false.
func statusFunction(name string, pred func(schema.Status) bool) expr.Option {
	return expr.Function(name, func(params ...any) (any, error) {
		if len(params) != 1 {
			return nil, fmt.Errorf("%s: want 1 argument, got %d", name, len(params))
		}
		switch v := params[0].(type) {
		case nil:
			return false, nil
		case string:
			return pred(schema.Status(v)), nil
		case schema.Status:
			return pred(v), nil
		default:
			return nil, fmt.Errorf("%s: want a status string, got %T", name, v)
		}
	})
}

var _ Engine = (*ExprEngine)(nil)
