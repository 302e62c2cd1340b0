package expressions

import "context"

// Engine evaluates expressions against a variable map.
// Three implementations: CEL (guards and assertions), Expr (parameter
// resolution and logic), GoJQ (JSON transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Engines bundles the three evaluators so callers can share compiled caches.
type Engines struct {
	CEL  *CELEngine
	Expr *ExprEngine
	JQ   *GoJQEngine
}

// NewEngines constructs all three engines.
func NewEngines() (*Engines, error) {
	c, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Engines{CEL: c, Expr: NewExprEngine(), JQ: NewGoJQEngine()}, nil
}
