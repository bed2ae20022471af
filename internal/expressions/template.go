package expressions

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// placeholderPattern matches {{ ... }} placeholders in template strings.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)

// fallbackSep splits a placeholder expression from its fallback literal.
const fallbackSep = " || "

// TemplateEngine processes template strings with {{ }} placeholders.
// Placeholders hold either a "$."-rooted path query or a bare context key,
// optionally followed by a fallback literal: {{ $.inputs.tone || 'neutral' }}.
// A placeholder that cannot be resolved is left verbatim in the output.
type TemplateEngine struct {
	queries *PathQueryEngine
}

// NewTemplateEngine creates a template engine backed by the given path-query
// engine (sharing its compile cache).
func NewTemplateEngine(queries *PathQueryEngine) *TemplateEngine {
	return &TemplateEngine{queries: queries}
}

// Process replaces every {{ }} placeholder in template with its resolved
// value, stringified. Unresolvable placeholders stay verbatim.
func (t *TemplateEngine) Process(ctx context.Context, template string, data map[string]any) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		inner := strings.TrimSpace(placeholderPattern.FindStringSubmatch(match)[1])
		return t.resolvePlaceholder(ctx, inner, data)
	})
}

// ContainsPlaceholder reports whether s holds at least one {{ }} placeholder.
func ContainsPlaceholder(s string) bool {
	return strings.Contains(s, "{{") && strings.Contains(s, "}}")
}

// Variables returns the placeholder expressions found in template, in order.
func (t *TemplateEngine) Variables(template string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(template, -1)
	vars := make([]string, 0, len(matches))
	for _, m := range matches {
		vars = append(vars, strings.TrimSpace(m[1]))
	}
	return vars
}

func (t *TemplateEngine) resolvePlaceholder(ctx context.Context, expr string, data map[string]any) string {
	verbatim := "{{ " + expr + " }}"

	main := expr
	fallback := ""
	hasFallback := false
	if idx := strings.Index(expr, fallbackSep); idx >= 0 {
		main = strings.TrimSpace(expr[:idx])
		fallback = strings.Trim(strings.TrimSpace(expr[idx+len(fallbackSep):]), `'"`)
		hasFallback = true
	}

	var value any
	if strings.HasPrefix(main, "$.") {
		result, err := t.queries.EvaluatePath(ctx, main, data)
		if err != nil {
			return verbatim
		}
		value = result
	} else if v, ok := data[main]; ok {
		value = v
	}

	if value == nil {
		if hasFallback {
			return fallback
		}
		return verbatim
	}
	return stringify(value)
}

// stringify renders a resolved value for template output. Floats that carry
// no fraction print as integers so numeric step outputs read naturally.
func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%v", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
