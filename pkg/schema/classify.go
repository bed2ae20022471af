package schema

import "strings"

// ExecutionCategory is the closed set of execution routes a step can take.
// Raw template types (e.g. "seo_serp_analyze", "ai_openai_task") are mapped
// onto a category once, at validation time, via the ordered rule table below.
type ExecutionCategory string

const (
	CategoryTrigger        ExecutionCategory = "trigger"
	CategorySEO            ExecutionCategory = "seo"
	CategoryAI             ExecutionCategory = "ai"
	CategoryDataExtraction ExecutionCategory = "data_extraction"
	CategoryEmail          ExecutionCategory = "email"
	CategoryAPICall        ExecutionCategory = "api_call"
	CategoryTransform      ExecutionCategory = "transform"
	CategoryConditional    ExecutionCategory = "conditional"
	CategoryReview         ExecutionCategory = "review"
	CategoryOptions        ExecutionCategory = "options"
	CategoryTask           ExecutionCategory = "task"
)

// Integration reports whether steps of this category are dispatched to the
// integration executor (sync or async).
func (c ExecutionCategory) Integration() bool {
	switch c {
	case CategorySEO, CategoryAI, CategoryDataExtraction, CategoryEmail,
		CategoryAPICall, CategoryTask:
		return true
	}
	return false
}

type classificationRule struct {
	match    func(string) bool
	category ExecutionCategory
}

func prefixRule(prefix string, cat ExecutionCategory) classificationRule {
	return classificationRule{
		match:    func(t string) bool { return strings.HasPrefix(t, prefix) },
		category: cat,
	}
}

func prefixOrExactRule(prefix, exact string, cat ExecutionCategory) classificationRule {
	return classificationRule{
		match: func(t string) bool {
			return strings.HasPrefix(t, prefix) || t == exact
		},
		category: cat,
	}
}

// classificationRules is evaluated top to bottom; the first match wins. The
// order is load-bearing: it resolves ambiguous raw types (an "ai_webhook_x"
// step is AI, not an API call) and must not be re-sorted.
var classificationRules = []classificationRule{
	{func(t string) bool { return t == "trigger" || strings.Contains(t, "trigger") }, CategoryTrigger},
	prefixRule("seo_", CategorySEO),
	{func(t string) bool {
		return strings.HasPrefix(t, "ai_") ||
			strings.Contains(t, "openai") ||
			strings.Contains(t, "claude") ||
			strings.Contains(t, "anthropic")
	}, CategoryAI},
	prefixRule("content_extract", CategoryDataExtraction),
	prefixOrExactRule("email_", "email", CategoryEmail),
	prefixRule("webhook_", CategoryAPICall),
	prefixRule("wordpress_", CategoryAPICall),
	prefixOrExactRule("transform_", "transform", CategoryTransform),
	prefixRule("filter_", CategoryAPICall),
	prefixRule("foreach_", CategoryAPICall),
	prefixRule("loop_", CategoryAPICall),
	prefixRule("delay_", CategoryAPICall),
	prefixOrExactRule("condition_", "conditional", CategoryConditional),
	prefixRule("gate_", CategoryConditional),
	prefixOrExactRule("review_", "review", CategoryReview),
	prefixOrExactRule("options_", "options", CategoryOptions),
	{func(t string) bool {
		return strings.HasPrefix(t, "api_") ||
			strings.Contains(t, "integration") ||
			strings.Contains(t, ".")
	}, CategoryAPICall},
}

// Classify maps a raw step type onto its execution category. Unknown types
// fall through to CategoryTask.
func Classify(rawType string) ExecutionCategory {
	if rawType == "" {
		return CategoryTask
	}
	t := strings.ToLower(strings.TrimSpace(rawType))
	for _, rule := range classificationRules {
		if rule.match(t) {
			return rule.category
		}
	}
	return CategoryTask
}
