package engine

import (
	"context"

	"github.com/conveyorhq/conveyor/internal/expressions"
	"github.com/conveyorhq/conveyor/pkg/schema"
)

// Transformer runs transform steps: local data-shaping programs evaluated
// against the runtime context, with no external call involved.
type Transformer struct {
	queries *expressions.PathQueryEngine
	exprs   *expressions.ExprEngine
}

// NewTransformer creates a transformer over the shared engines.
func NewTransformer(queries *expressions.PathQueryEngine, exprs *expressions.ExprEngine) *Transformer {
	return &Transformer{queries: queries, exprs: exprs}
}

// Run evaluates the step's transform program against data and returns the
// result wrapped under the configured output key (default "result").
func (t *Transformer) Run(ctx context.Context, step *schema.StepTemplate, data map[string]any) (map[string]any, error) {
	cfg := step.Transform
	if cfg == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "step has no transform config").WithStep(step.ID)
	}

	var (
		out any
		err error
	)
	switch {
	case cfg.Query != "":
		out, err = t.queries.EvaluatePath(ctx, cfg.Query, data)
	case cfg.Expression != "":
		out, err = t.exprs.Evaluate(ctx, cfg.Expression, data)
	default:
		return nil, schema.NewError(schema.ErrCodeValidation,
			"transform config needs a query or an expression").WithStep(step.ID)
	}
	if err != nil {
		return nil, err
	}

	key := cfg.OutputKey
	if key == "" {
		key = "result"
	}
	return map[string]any{key: out}, nil
}
