package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/conveyorhq/conveyor/pkg/schema"
)

// templateSchemaJSON is the JSON Schema for WorkflowTemplate documents.
// Embedded as a constant to avoid filesystem dependencies.
const templateSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://conveyor.dev/schemas/template.json",
  "type": "object",
  "required": ["id", "steps"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "name": { "type": "string" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "inputs": { "type": "object" },
    "globals": { "type": "object" },
    "schedule": { "type": "string" },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": { "type": "string", "minLength": 1 },
        "input": {
          "type": "object",
          "properties": {
            "bindings": { "type": "object" },
            "static": { "type": "object" }
          },
          "additionalProperties": false
        },
        "async_config": { "$ref": "#/$defs/async_config" },
        "conditions": {
          "type": "array",
          "items": { "$ref": "#/$defs/condition" }
        },
        "truePath": { "type": "string" },
        "falsePath": { "type": "string" },
        "guard": { "type": "string" },
        "reviewerType": { "type": "string" },
        "editableFields": {
          "type": "array",
          "items": { "type": "string" }
        },
        "dataSource": { "type": "string" },
        "selectionMode": { "type": "string", "enum": ["single", "multiple"] },
        "transform": { "$ref": "#/$defs/transform" },
        "estimated_credits": { "type": "number", "minimum": 0 },
        "input_schema": {}
      },
      "additionalProperties": false
    },
    "async_config": {
      "type": "object",
      "required": ["submit_operation", "check_operation", "task_id_path", "completion_check"],
      "properties": {
        "submit_operation": { "type": "string", "minLength": 1 },
        "check_operation": { "type": "string", "minLength": 1 },
        "cancel_operation": { "type": "string" },
        "task_id_path": { "type": "string", "minLength": 1 },
        "completion_check": { "type": "string", "minLength": 1 },
        "error_check": { "type": "string" },
        "error_message_path": { "type": "string" },
        "result_path": { "type": "string" },
        "progress_path": { "type": "string" },
        "polling_interval_seconds": { "type": "integer", "minimum": 0 },
        "max_wait_seconds": { "type": "integer", "minimum": 0 },
        "max_attempts": { "type": "integer", "minimum": 0 }
      },
      "additionalProperties": false
    },
    "condition": {
      "type": "object",
      "required": ["left", "op"],
      "properties": {
        "left": {},
        "op": {
          "type": "string",
          "enum": ["==", "!=", ">", "<", ">=", "<=", "contains", "not_contains", "starts_with", "ends_with", "is_empty", "is_not_empty"]
        },
        "right": {},
        "logic": { "type": "string", "enum": ["AND", "OR"] }
      },
      "additionalProperties": false
    },
    "transform": {
      "type": "object",
      "properties": {
        "query": { "type": "string" },
        "expression": { "type": "string" },
        "output_key": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// ExpressionChecker reports whether an expression compiles. Satisfied by the
// path-query engine; kept as an interface so validation does not depend on
// the expressions package.
type ExpressionChecker interface {
	ValidateExpression(expression string) error
}

// TemplateValidator validates authored workflow templates: JSON Schema shape
// first, then the structural rules JSON Schema cannot express. Safe for
// concurrent use.
type TemplateValidator struct {
	templateSchema *jsonschema.Schema
	exprChecker    ExpressionChecker

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewTemplateValidator compiles the embedded template schema.
func NewTemplateValidator(exprChecker ExpressionChecker) (*TemplateValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(templateSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal template schema: %w", err)
	}
	if err := c.AddResource("https://conveyor.dev/schemas/template.json", doc); err != nil {
		return nil, fmt.Errorf("add template schema resource: %w", err)
	}

	compiled, err := c.Compile("https://conveyor.dev/schemas/template.json")
	if err != nil {
		return nil, fmt.Errorf("compile template schema: %w", err)
	}

	return &TemplateValidator{
		templateSchema: compiled,
		exprChecker:    exprChecker,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateTemplate runs the full validation pipeline and returns the
// aggregated result, including the step id to execution category mapping
// used by dispatch.
func (v *TemplateValidator) ValidateTemplate(tpl *schema.WorkflowTemplate) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if tpl == nil {
		result.AddError("/", schema.ErrCodeValidation, "template is nil")
		return result
	}

	if err := v.validateShape(tpl); err != nil {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	stepIDs := make(map[string]struct{}, len(tpl.Steps))
	for _, step := range tpl.Steps {
		if step.ID == "" {
			continue
		}
		if _, dup := stepIDs[step.ID]; dup {
			result.AddError(stepPath(step.ID), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step id %q", step.ID))
		}
		stepIDs[step.ID] = struct{}{}
	}

	result.Categories = make(map[string]schema.ExecutionCategory, len(tpl.Steps))
	for _, step := range tpl.Steps {
		cat := schema.Classify(step.Type)
		result.Categories[step.ID] = cat
		v.validateStep(&step, cat, stepIDs, result)
	}

	return result
}

func (v *TemplateValidator) validateStep(step *schema.StepTemplate, cat schema.ExecutionCategory, stepIDs map[string]struct{}, result *schema.ValidationResult) {
	path := stepPath(step.ID)

	switch cat {
	case schema.CategoryConditional:
		// An empty condition list would silently take the true path at
		// runtime; reject it up front.
		if len(step.Conditions) == 0 {
			result.AddError(path, schema.ErrCodeValidation,
				"conditional step has no conditions")
		}
		if step.TruePath == "" && step.FalsePath == "" {
			result.AddError(path, schema.ErrCodeValidation,
				"conditional step declares neither truePath nor falsePath")
		}
		for _, target := range []string{step.TruePath, step.FalsePath} {
			if target == "" {
				continue
			}
			if _, ok := stepIDs[target]; !ok {
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("branch target %q is not a step in this template", target))
			}
		}
		for i, cond := range step.Conditions {
			if cond.Op == schema.OpIsEmpty || cond.Op == schema.OpIsNotEmpty {
				continue
			}
			if cond.Right == nil {
				result.AddError(fmt.Sprintf("%s/conditions/%d", path, i),
					schema.ErrCodeValidation,
					fmt.Sprintf("operator %q requires a right operand", cond.Op))
			}
		}

	case schema.CategoryReview:
		if step.ReviewerType == "" {
			result.AddWarning(path, schema.ErrCodeValidation,
				"review step has no reviewerType; defaulting to manual")
		}

	case schema.CategoryOptions:
		if step.DataSource == "" {
			result.AddError(path, schema.ErrCodeValidation,
				"options step requires a dataSource path")
		}
		if step.SelectionMode == "" {
			result.AddWarning(path, schema.ErrCodeValidation,
				"options step has no selectionMode; defaulting to single")
		}

	case schema.CategoryTransform:
		if step.Transform == nil {
			result.AddError(path, schema.ErrCodeValidation,
				"transform step requires a transform block")
		} else if (step.Transform.Query == "") == (step.Transform.Expression == "") {
			result.AddError(path, schema.ErrCodeValidation,
				"transform block must set exactly one of query or expression")
		}
	}

	if step.AsyncConfig != nil && !cat.Integration() {
		result.AddWarning(path, schema.ErrCodeValidation,
			fmt.Sprintf("async_config is ignored for %s steps", cat))
	}

	if v.exprChecker != nil {
		for name, binding := range step.Input.Bindings {
			expr, ok := binding.(string)
			if !ok {
				continue
			}
			if err := v.exprChecker.ValidateExpression(expr); err != nil {
				result.AddError(fmt.Sprintf("%s/input/bindings/%s", path, name),
					schema.ErrCodeValidation, err.Error())
			}
		}
	}

	if len(step.InputSchema) > 0 {
		if _, err := v.getOrCompile(step.InputSchema); err != nil {
			result.AddError(path+"/input_schema", schema.ErrCodeValidation,
				fmt.Sprintf("invalid input schema: %v", err))
		}
	}
}

// ValidateStepInput validates a resolved step input document against the
// step's declared input schema, if any.
func (v *TemplateValidator) ValidateStepInput(input map[string]any, inputSchema []byte) error {
	if len(inputSchema) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}

	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize step input").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toValidationError(err)
	}
	return nil
}

func (v *TemplateValidator) validateShape(tpl *schema.WorkflowTemplate) error {
	doc, err := toJSONValue(tpl)
	if err != nil {
		return fmt.Errorf("serialize template: %w", err)
	}
	if err := v.templateSchema.Validate(doc); err != nil {
		return toValidationError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *TemplateValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid compiler collisions.
	url := fmt.Sprintf("conveyor://input-schema/%d", len(v.cache))
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func stepPath(id string) string {
	return "/steps/" + id
}

// toJSONValue round-trips a Go value through JSON encoding so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toValidationError converts a jsonschema.ValidationError into a
// ConveyorError with leaf-level messages.
func toValidationError(err error) *schema.ConveyorError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation,
		"validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
