package validation

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorhq/conveyor/pkg/schema"
)

type stubChecker struct{}

func (stubChecker) ValidateExpression(expression string) error {
	if strings.Contains(expression, "((") {
		return fmt.Errorf("unbalanced expression: %s", expression)
	}
	return nil
}

func newValidator(t *testing.T) *TemplateValidator {
	t.Helper()
	v, err := NewTemplateValidator(stubChecker{})
	require.NoError(t, err)
	return v
}

func minimalTemplate() *schema.WorkflowTemplate {
	return &schema.WorkflowTemplate{
		ID: "tpl-1",
		Steps: []schema.StepTemplate{
			{ID: "start", Type: "trigger"},
			{ID: "fetch", Type: "api_fetch"},
		},
	}
}

func TestValidateTemplate_Minimal(t *testing.T) {
	v := newValidator(t)

	result := v.ValidateTemplate(minimalTemplate())
	require.True(t, result.Valid(), "errors: %v", result.Errors)
	assert.Equal(t, schema.CategoryTrigger, result.Categories["start"])
	assert.Equal(t, schema.CategoryAPICall, result.Categories["fetch"])
}

func TestValidateTemplate_NilTemplate(t *testing.T) {
	v := newValidator(t)
	result := v.ValidateTemplate(nil)
	assert.False(t, result.Valid())
}

func TestValidateTemplate_NoSteps(t *testing.T) {
	v := newValidator(t)
	result := v.ValidateTemplate(&schema.WorkflowTemplate{ID: "tpl-1"})
	assert.False(t, result.Valid())
}

func TestValidateTemplate_DuplicateStepIDs(t *testing.T) {
	v := newValidator(t)
	tpl := minimalTemplate()
	tpl.Steps = append(tpl.Steps, schema.StepTemplate{ID: "fetch", Type: "task"})

	result := v.ValidateTemplate(tpl)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "duplicate step id")
}

func TestValidateTemplate_ConditionalRequiresConditions(t *testing.T) {
	v := newValidator(t)
	tpl := minimalTemplate()
	tpl.Steps = append(tpl.Steps, schema.StepTemplate{
		ID:       "branch",
		Type:     "conditional",
		TruePath: "fetch",
	})

	result := v.ValidateTemplate(tpl)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "no conditions")
}

func TestValidateTemplate_ConditionalBranchTargetsMustExist(t *testing.T) {
	v := newValidator(t)
	tpl := minimalTemplate()
	tpl.Steps = append(tpl.Steps, schema.StepTemplate{
		ID:   "branch",
		Type: "conditional",
		Conditions: []schema.Condition{
			{Left: "{{ steps.fetch.output.count }}", Op: schema.OpGreater, Right: 0},
		},
		TruePath:  "nowhere",
		FalsePath: "fetch",
	})

	result := v.ValidateTemplate(tpl)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, `"nowhere"`)
}

func TestValidateTemplate_ConditionalMissingRightOperand(t *testing.T) {
	v := newValidator(t)
	tpl := minimalTemplate()
	tpl.Steps = append(tpl.Steps, schema.StepTemplate{
		ID:   "branch",
		Type: "conditional",
		Conditions: []schema.Condition{
			{Left: "x", Op: schema.OpGreater},
		},
		TruePath: "fetch",
	})

	result := v.ValidateTemplate(tpl)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "right operand")
}

func TestValidateTemplate_IsEmptyNeedsNoRightOperand(t *testing.T) {
	v := newValidator(t)
	tpl := minimalTemplate()
	tpl.Steps = append(tpl.Steps, schema.StepTemplate{
		ID:   "branch",
		Type: "conditional",
		Conditions: []schema.Condition{
			{Left: "expr: $.steps.fetch.output.items", Op: schema.OpIsEmpty},
		},
		TruePath: "fetch",
	})

	result := v.ValidateTemplate(tpl)
	assert.True(t, result.Valid(), "errors: %v", result.Errors)
}

func TestValidateTemplate_OptionsRequiresDataSource(t *testing.T) {
	v := newValidator(t)
	tpl := minimalTemplate()
	tpl.Steps = append(tpl.Steps, schema.StepTemplate{
		ID:            "pick",
		Type:          "options",
		SelectionMode: "single",
	})

	result := v.ValidateTemplate(tpl)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "dataSource")
}

func TestValidateTemplate_ReviewWithoutReviewerWarnsOnly(t *testing.T) {
	v := newValidator(t)
	tpl := minimalTemplate()
	tpl.Steps = append(tpl.Steps, schema.StepTemplate{ID: "check", Type: "review"})

	result := v.ValidateTemplate(tpl)
	assert.True(t, result.Valid())
	assert.NotEmpty(t, result.Warnings)
}

func TestValidateTemplate_TransformNeedsExactlyOneProgram(t *testing.T) {
	v := newValidator(t)

	tpl := minimalTemplate()
	tpl.Steps = append(tpl.Steps, schema.StepTemplate{
		ID:        "shape",
		Type:      "transform",
		Transform: &schema.TransformConfig{},
	})
	result := v.ValidateTemplate(tpl)
	require.False(t, result.Valid())

	tpl = minimalTemplate()
	tpl.Steps = append(tpl.Steps, schema.StepTemplate{
		ID:   "shape",
		Type: "transform",
		Transform: &schema.TransformConfig{
			Query:      ".items | length",
			Expression: "len(items)",
		},
	})
	result = v.ValidateTemplate(tpl)
	require.False(t, result.Valid())

	tpl = minimalTemplate()
	tpl.Steps = append(tpl.Steps, schema.StepTemplate{
		ID:        "shape",
		Type:      "transform",
		Transform: &schema.TransformConfig{Query: ".items | length"},
	})
	result = v.ValidateTemplate(tpl)
	assert.True(t, result.Valid(), "errors: %v", result.Errors)
}

func TestValidateTemplate_AsyncConfigMissingRequiredFields(t *testing.T) {
	v := newValidator(t)
	tpl := minimalTemplate()
	tpl.Steps = append(tpl.Steps, schema.StepTemplate{
		ID:   "long",
		Type: "ai_openai_task",
		AsyncConfig: &schema.AsyncConfig{
			SubmitOperation: "submit",
			// check_operation, task_id_path, completion_check missing
		},
	})

	result := v.ValidateTemplate(tpl)
	assert.False(t, result.Valid())
}

func TestValidateTemplate_InvalidBindingExpression(t *testing.T) {
	v := newValidator(t)
	tpl := minimalTemplate()
	tpl.Steps[1].Input.Bindings = map[string]any{
		"query": "expr: $.inputs.((broken",
	}

	result := v.ValidateTemplate(tpl)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Path, "/input/bindings/query")
}

func TestValidateStepInput_SchemaEnforced(t *testing.T) {
	v := newValidator(t)
	inputSchema := []byte(`{"type":"object","required":["url"],"properties":{"url":{"type":"string"}}}`)

	err := v.ValidateStepInput(map[string]any{"url": "https://example.com"}, inputSchema)
	require.NoError(t, err)

	err = v.ValidateStepInput(map[string]any{"other": 1}, inputSchema)
	require.Error(t, err)
	var cerr *schema.ConveyorError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, schema.ErrCodeValidation, cerr.Code)
}
