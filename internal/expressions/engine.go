package expressions

import "context"

// Engine evaluates expressions against the runtime context.
// Three implementations: path queries (gojq) for data binding, CEL for guards
// and expression-form conditionals, Expr for transform logic.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
