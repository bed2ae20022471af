package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/conveyorhq/conveyor/internal/expressions"
	"github.com/conveyorhq/conveyor/pkg/schema"
)

// EvaluateConditions evaluates an ordered condition list against the runtime
// context. Each condition's Logic joins it with the accumulated result of
// everything before it, strictly left to right; no precedence, no grouping.
// An empty list evaluates to true (validation rejects it in new templates).
func EvaluateConditions(ctx context.Context, resolver *expressions.Resolver, conditions []schema.Condition, data map[string]any) (bool, error) {
	if len(conditions) == 0 {
		return true, nil
	}

	result, err := evaluateCondition(ctx, resolver, conditions[0], data)
	if err != nil {
		return false, err
	}

	for _, cond := range conditions[1:] {
		next, err := evaluateCondition(ctx, resolver, cond, data)
		if err != nil {
			return false, err
		}
		switch strings.ToUpper(cond.Logic) {
		case "OR":
			result = result || next
		default: // AND
			result = result && next
		}
	}
	return result, nil
}

func evaluateCondition(ctx context.Context, resolver *expressions.Resolver, cond schema.Condition, data map[string]any) (bool, error) {
	left, err := resolver.ResolveValue(ctx, cond.Left, data)
	if err != nil {
		return false, err
	}
	right, err := resolver.ResolveValue(ctx, cond.Right, data)
	if err != nil {
		return false, err
	}
	return compare(left, cond.Op, right)
}

func compare(left any, op string, right any) (bool, error) {
	switch op {
	case schema.OpEquals:
		return valuesEqual(left, right), nil
	case schema.OpNotEquals:
		return !valuesEqual(left, right), nil

	case schema.OpGreater, schema.OpLess, schema.OpGreaterEquals, schema.OpLessEquals:
		lf, lok := toFloat(left)
		rf, rok := toFloat(right)
		if !lok || !rok {
			return false, schema.NewErrorf(schema.ErrCodeEvaluation,
				"operator %q requires numeric operands, got %T and %T", op, left, right)
		}
		switch op {
		case schema.OpGreater:
			return lf > rf, nil
		case schema.OpLess:
			return lf < rf, nil
		case schema.OpGreaterEquals:
			return lf >= rf, nil
		default:
			return lf <= rf, nil
		}

	case schema.OpContains, schema.OpNotContains:
		found, err := containsValue(left, right)
		if err != nil {
			return false, err
		}
		if op == schema.OpNotContains {
			return !found, nil
		}
		return found, nil

	case schema.OpStartsWith:
		return strings.HasPrefix(toString(left), toString(right)), nil
	case schema.OpEndsWith:
		return strings.HasSuffix(toString(left), toString(right)), nil

	case schema.OpIsEmpty:
		return isEmptyValue(left), nil
	case schema.OpIsNotEmpty:
		return !isEmptyValue(left), nil

	default:
		return false, schema.NewErrorf(schema.ErrCodeEvaluation, "unknown condition operator %q", op)
	}
}

func valuesEqual(left, right any) bool {
	// Numbers compare by value so 10 == 10.0 regardless of JSON decoding.
	if lf, lok := toFloat(left); lok {
		if rf, rok := toFloat(right); rok {
			return lf == rf
		}
	}
	return fmt.Sprintf("%v", left) == fmt.Sprintf("%v", right)
}

func containsValue(left, right any) (bool, error) {
	switch l := left.(type) {
	case string:
		return strings.Contains(l, toString(right)), nil
	case []any:
		for _, item := range l {
			if valuesEqual(item, right) {
				return true, nil
			}
		}
		return false, nil
	case map[string]any:
		_, ok := l[toString(right)]
		return ok, nil
	case nil:
		return false, nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeEvaluation,
			"contains requires a string, list, or object left operand, got %T", left)
	}
}

func isEmptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func toString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
