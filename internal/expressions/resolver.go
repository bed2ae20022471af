package expressions

import (
	"context"
	"log/slog"
)

// Resolver walks binding values and evaluates any string leaves that are
// path queries or templates. Non-string values and plain strings pass
// through unchanged.
type Resolver struct {
	queries   *PathQueryEngine
	templates *TemplateEngine
	logger    *slog.Logger
}

// NewResolver creates a resolver sharing the given path-query engine's
// compile cache.
func NewResolver(queries *PathQueryEngine, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		queries:   queries,
		templates: NewTemplateEngine(queries),
		logger:    logger,
	}
}

// Queries exposes the underlying path-query engine.
func (r *Resolver) Queries() *PathQueryEngine {
	return r.queries
}

// Templates exposes the underlying template engine.
func (r *Resolver) Templates() *TemplateEngine {
	return r.templates
}

// ResolveBindings resolves every binding against the runtime context. A
// binding that fails to resolve is logged and set to nil; it does not abort
// the others.
func (r *Resolver) ResolveBindings(ctx context.Context, bindings map[string]any, data map[string]any) map[string]any {
	resolved := make(map[string]any, len(bindings))
	for name, value := range bindings {
		out, err := r.ResolveValue(ctx, value, data)
		if err != nil {
			r.logger.ErrorContext(ctx, "binding resolution failed",
				"binding", name, "error", err)
			resolved[name] = nil
			continue
		}
		resolved[name] = out
	}
	return resolved
}

// ResolveValue recursively resolves a value that may contain path queries or
// templates. Maps and slices are resolved element-wise.
func (r *Resolver) ResolveValue(ctx context.Context, value any, data map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		if IsPathQuery(v) {
			return r.queries.Evaluate(ctx, v, data)
		}
		if ContainsPlaceholder(v) {
			return r.templates.Process(ctx, v, data), nil
		}
		return v, nil

	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			resolved, err := r.ResolveValue(ctx, item, data)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil

	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := r.ResolveValue(ctx, item, data)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil

	default:
		return value, nil
	}
}

// ResolveStepInput merges a step's static defaults with its resolved
// bindings; bindings win on key collision.
func (r *Resolver) ResolveStepInput(ctx context.Context, static, bindings, data map[string]any) map[string]any {
	input := make(map[string]any, len(static)+len(bindings))
	for k, v := range static {
		input[k] = v
	}
	for k, v := range r.ResolveBindings(ctx, bindings, data) {
		input[k] = v
	}
	return input
}
