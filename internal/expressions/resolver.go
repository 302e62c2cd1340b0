package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/orchestra/pkg/schema"
)

// Resolver replaces ${{ expr }} tokens in step parameters. Each token is an
// expr-lang expression over Scope.Vars. A string that is exactly one token
// takes the expression's typed result; tokens embedded in longer strings are
// rendered as text.
type Resolver struct {
	engine *ExprEngine
}

func NewResolver(engine *ExprEngine) *Resolver {
	return &Resolver{engine: engine}
}

// Resolve returns a resolved copy of params. params itself is not modified.
func (r *Resolver) Resolve(ctx context.Context, params map[string]any, scope *Scope) (map[string]any, error) {
	if params == nil {
		return nil, nil
	}
	vars := scope.Vars()
	out, err := r.resolveValue(ctx, params, vars)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

// ResolveString resolves a single string against scope.
func (r *Resolver) ResolveString(ctx context.Context, s string, scope *Scope) (any, error) {
	return r.resolveString(ctx, s, scope.Vars())
}

func (r *Resolver) resolveValue(ctx context.Context, v any, vars map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return r.resolveString(ctx, val, vars)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			res, err := r.resolveValue(ctx, item, vars)
			if err != nil {
				return nil, err
			}
			out[k] = res
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			res, err := r.resolveValue(ctx, item, vars)
			if err != nil {
				return nil, err
			}
			out[i] = res
		}
		return out, nil
	default:
		return v, nil
	}
}

type token struct {
	start, end int // byte offsets of "${{" and just past "}}"
	expr       string
}

func scanTokens(s string) ([]token, error) {
	var toks []token
	i := 0
	for {
		idx := strings.Index(s[i:], "${{")
		if idx == -1 {
			return toks, nil
		}
		start := i + idx
		body := start + 3
		end := strings.Index(s[body:], "}}")
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ expression")
		}
		end += body
		expr := strings.TrimSpace(s[body:end])
		if strings.Contains(expr, "${{") {
			return nil, schema.NewError(schema.ErrCodeInterpolation, "nested ${{ }} is not allowed")
		}
		if expr == "" {
			return nil, schema.NewError(schema.ErrCodeInterpolation, "empty ${{ }} expression")
		}
		toks = append(toks, token{start: start, end: end + 2, expr: expr})
		i = end + 2
	}
}

func (r *Resolver) resolveString(ctx context.Context, s string, vars map[string]any) (any, error) {
	toks, err := scanTokens(s)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return s, nil
	}
	if len(toks) == 1 && toks[0].start == 0 && toks[0].end == len(s) {
		return r.eval(ctx, toks[0].expr, vars)
	}

	var b strings.Builder
	b.Grow(len(s))
	last := 0
	for _, t := range toks {
		b.WriteString(s[last:t.start])
		v, err := r.eval(ctx, t.expr, vars)
		if err != nil {
			return nil, err
		}
		b.WriteString(renderInline(v))
		last = t.end
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

func (r *Resolver) eval(ctx context.Context, expr string, vars map[string]any) (any, error) {
	v, err := r.engine.Evaluate(ctx, expr, vars)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "resolve ${{ %s }}: %s", expr, err.Error()).
			WithCause(err)
	}
	return v, nil
}

// renderInline formats a value embedded in a longer string.
func renderInline(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	default:
		return fmt.Sprint(val)
	}
}
