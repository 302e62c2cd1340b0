package steps

import "github.com/rendis/orchestra/internal/expressions"

// RegisterBuiltins registers the built-in step types in reg.
func RegisterBuiltins(reg *Registry, engines *expressions.Engines) error {
	all := []Step{
		&noopStep{},
		&assertStep{cel: engines.CEL},
		&exprStep{engine: engines.Expr},
		&jqStep{engine: engines.JQ},
		&sectionStep{},
		&sectionChainStep{jq: engines.JQ},
		&remoteStep{},
		&waitStep{},
	}
	for _, s := range all {
		if err := reg.Register(s); err != nil {
			return err
		}
	}
	return nil
}
