package schema

import "encoding/json"

// WorkflowTemplate is the authored, immutable workflow format. Templates are
// produced by external authoring tooling; the engine only validates and
// executes them.
type WorkflowTemplate struct {
	ID       string         `json:"id"`
	Name     string         `json:"name,omitempty"`
	Steps    []StepTemplate `json:"steps"`
	Inputs   map[string]any `json:"inputs,omitempty"`
	Globals  map[string]any `json:"globals,omitempty"`
	Schedule string         `json:"schedule,omitempty"` // cron expression for scheduled runs
	Metadata map[string]any `json:"metadata,omitempty"`
}

// StepTemplate describes a single step in a workflow template.
type StepTemplate struct {
	ID    string    `json:"id"`
	Type  string    `json:"type"`
	Input StepInput `json:"input,omitempty"`

	// Async submit/poll protocol; presence routes the step through the
	// async executor instead of a single synchronous call.
	AsyncConfig *AsyncConfig `json:"async_config,omitempty"`

	// Conditional steps.
	Conditions []Condition `json:"conditions,omitempty"`
	TruePath   string      `json:"truePath,omitempty"`
	FalsePath  string      `json:"falsePath,omitempty"`

	// Guard: CEL expression evaluated before dispatch; false skips the step.
	Guard string `json:"guard,omitempty"`

	// Review steps.
	ReviewerType   string   `json:"reviewerType,omitempty"`
	EditableFields []string `json:"editableFields,omitempty"`

	// Options steps.
	DataSource    string `json:"dataSource,omitempty"`
	SelectionMode string `json:"selectionMode,omitempty"` // single | multiple

	// Transform steps: local data-shaping program.
	Transform *TransformConfig `json:"transform,omitempty"`

	// Estimated credit cost checked against the pool before dispatch.
	EstimatedCredits float64 `json:"estimated_credits,omitempty"`

	// JSON Schema constraining the resolved step input, if present.
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// StepInput declares how a step's input document is assembled: static holds
// literal defaults, bindings hold expressions (or literals) resolved against
// the runtime context. Bindings win over static on key collision.
type StepInput struct {
	Bindings map[string]any `json:"bindings,omitempty"`
	Static   map[string]any `json:"static,omitempty"`
}

// AsyncConfig configures the two-phase submit-then-poll protocol.
type AsyncConfig struct {
	SubmitOperation string `json:"submit_operation"`
	CheckOperation  string `json:"check_operation"`
	CancelOperation string `json:"cancel_operation,omitempty"`

	// Path query extracting the task id from the submit response.
	TaskIDPath string `json:"task_id_path"`

	// Expressions evaluated against each check response.
	CompletionCheck string `json:"completion_check"`
	ErrorCheck      string `json:"error_check,omitempty"`
	ErrorMessage    string `json:"error_message_path,omitempty"`
	ResultPath      string `json:"result_path,omitempty"`
	ProgressPath    string `json:"progress_path,omitempty"`

	PollingIntervalSeconds int `json:"polling_interval_seconds,omitempty"`
	MaxWaitSeconds         int `json:"max_wait_seconds,omitempty"`
	MaxAttempts            int `json:"max_attempts,omitempty"`
}

// Condition is one binary comparison in a conditional step's ordered list.
// Logic joins this condition with the PREVIOUS result, strictly left to
// right; the first condition's Logic is ignored.
type Condition struct {
	Left  any    `json:"left"`
	Op    string `json:"op"`
	Right any    `json:"right,omitempty"`
	Logic string `json:"logic,omitempty"` // AND | OR (default AND)
}

// Condition operators.
const (
	OpEquals        = "=="
	OpNotEquals     = "!="
	OpGreater       = ">"
	OpLess          = "<"
	OpGreaterEquals = ">="
	OpLessEquals    = "<="
	OpContains      = "contains"
	OpNotContains   = "not_contains"
	OpStartsWith    = "starts_with"
	OpEndsWith      = "ends_with"
	OpIsEmpty       = "is_empty"
	OpIsNotEmpty    = "is_not_empty"
)

// TransformConfig configures a local data-shaping step. Exactly one of
// Query (jq program) or Expression (expr program) is set.
type TransformConfig struct {
	Query      string `json:"query,omitempty"`
	Expression string `json:"expression,omitempty"`
	// OutputKey names the result field; defaults to "result".
	OutputKey string `json:"output_key,omitempty"`
}
