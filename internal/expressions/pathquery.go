package expressions

import (
	"context"
	"strings"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/conveyorhq/conveyor/pkg/schema"
)

// ExprPrefix tags a binding string as a path query. Strings without the
// prefix are literals and pass through resolution unchanged.
const ExprPrefix = "expr: "

// IsPathQuery reports whether the string carries the expression prefix.
func IsPathQuery(s string) bool {
	return strings.HasPrefix(s, ExprPrefix)
}

// PathQueryEngine evaluates prefixed path-query expressions against the
// runtime context. Queries use dot/bracket navigation with two sugars that
// are rewritten before compilation: "$." for the context root and "@" for
// the current document. Single-quoted string literals and the "||" fallback
// operator are normalized to their jq equivalents.
// Thread-safe: compiled *Code objects are cached and reused across goroutines.
type PathQueryEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewPathQueryEngine creates a new path-query engine.
func NewPathQueryEngine() *PathQueryEngine {
	return &PathQueryEngine{
		cache: make(map[string]*gojq.Code),
	}
}

// Name returns the engine identifier.
func (e *PathQueryEngine) Name() string {
	return "pathquery"
}

// Evaluate resolves a prefixed path query against data. A string without
// the expression prefix is returned unchanged. A malformed query returns an
// evaluation error carrying the original expression text; a well-formed
// query that matches nothing returns nil.
//
// A query producing exactly one value returns it directly; multiple values
// are collected into a []any.
func (e *PathQueryEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if !IsPathQuery(expression) {
		return expression, nil
	}
	return e.EvaluatePath(ctx, expression, data)
}

// EvaluatePath treats the expression as a path query whether or not it
// carries the prefix. Used for configured extraction paths (task id, result,
// progress) where the query form is implied by position.
func (e *PathQueryEngine) EvaluatePath(ctx context.Context, expression string, data map[string]any) (any, error) {
	code, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, data)

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if _, isErr := val.(error); isErr {
			// A well-formed query that cannot navigate the data resolves
			// to nothing, it does not fail the caller.
			return nil, nil
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// ValidateExpression compiles the expression without evaluating it. Strings
// without the expression prefix are always valid (they are literals).
func (e *PathQueryEngine) ValidateExpression(expression string) error {
	if !IsPathQuery(expression) {
		return nil
	}
	_, err := e.getOrCompile(expression)
	return err
}

// getOrCompile returns a cached compiled code or compiles and caches a new one.
func (e *PathQueryEngine) getOrCompile(expression string) (*gojq.Code, error) {
	e.mu.RLock()
	if code, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return code, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if code, ok := e.cache[expression]; ok {
		return code, nil
	}

	program := normalizeQuery(strings.TrimPrefix(expression, ExprPrefix))

	query, err := gojq.Parse(program)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"invalid path query %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	code, err := gojq.Compile(query,
		// Sandbox: return empty env to block $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"invalid path query %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = code
	return code, nil
}

// normalizeQuery rewrites the authored query dialect into a jq program:
//   - "$." (context root) and "@" (current document) become "."
//   - single-quoted string literals become double-quoted
//   - "||" (fallback) becomes "//"
//   - a bare field path gains a leading "."
func normalizeQuery(q string) string {
	var b strings.Builder
	inStr := false
	var quote byte

	for i := 0; i < len(q); i++ {
		c := q[i]
		if inStr {
			if c == '\\' && i+1 < len(q) {
				b.WriteByte(c)
				i++
				b.WriteByte(q[i])
				continue
			}
			if c == quote {
				inStr = false
				if quote == '\'' {
					b.WriteByte('"')
				} else {
					b.WriteByte(c)
				}
				continue
			}
			b.WriteByte(c)
			continue
		}

		switch c {
		case '\'':
			inStr, quote = true, '\''
			b.WriteByte('"')
		case '"':
			inStr, quote = true, '"'
			b.WriteByte(c)
		case '@':
			b.WriteByte('.')
			if i+1 < len(q) && q[i+1] == '.' {
				i++
			}
		case '$':
			if i+1 < len(q) && q[i+1] == '.' {
				b.WriteByte('.')
				i++
			} else {
				b.WriteByte(c)
			}
		case '|':
			if i+1 < len(q) && q[i+1] == '|' {
				b.WriteString("//")
				i++
			} else {
				b.WriteByte(c)
			}
		default:
			b.WriteByte(c)
		}
	}

	out := strings.TrimSpace(b.String())
	if out == "" {
		return "."
	}
	if !strings.HasPrefix(out, ".") && !strings.HasPrefix(out, "[") {
		out = "." + out
	}
	return out
}

var _ Engine = (*PathQueryEngine)(nil)
