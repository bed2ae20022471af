package store

import (
	"encoding/json"
	"time"

	"github.com/conveyorhq/conveyor/pkg/schema"
)

// Execution is the persisted representation of one workflow run.
type Execution struct {
	ID             string            `json:"id"`
	TemplateID     string            `json:"template_id"`
	BusinessID     string            `json:"business_id"`
	UserID         string            `json:"user_id,omitempty"`
	Status         schema.RunStatus  `json:"status"`
	FlowStatus     schema.FlowStatus `json:"flow_status"`
	CurrentStep    string            `json:"current_step,omitempty"`
	CompletedSteps int               `json:"completed_steps"`
	TotalSteps     int               `json:"total_steps"`
	RuntimeState   map[string]any    `json:"runtime_state"`
	StepResults    map[string]any    `json:"step_results"`
	CreditsUsed    float64           `json:"credits_used"`
	FailedStep     string            `json:"failed_step,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// StepExecution is one step attempt. Reruns create new records linked via
// ParentStepExecutionID; terminal records are never mutated afterwards.
type StepExecution struct {
	ID                    string                   `json:"id"`
	ExecutionID           string                   `json:"execution_id"`
	StepID                string                   `json:"step_id"`
	StepType              schema.ExecutionCategory `json:"step_type"`
	Status                schema.StepStatus        `json:"status"`
	InputData             json.RawMessage          `json:"input_data,omitempty"`
	OutputData            json.RawMessage          `json:"output_data,omitempty"`
	ErrorData             json.RawMessage          `json:"error_data,omitempty"`
	RerunCount            int                      `json:"rerun_count"`
	ParentStepExecutionID string                   `json:"parent_step_execution_id,omitempty"`
	ModifiedInputData     json.RawMessage          `json:"modified_input_data,omitempty"`
	CreatedAt             time.Time                `json:"created_at"`
	StartedAt             *time.Time               `json:"started_at,omitempty"`
	CompletedAt           *time.Time               `json:"completed_at,omitempty"`
}

// ReviewApproval is an open or resolved review pause record. At most one
// open record (ReviewedAt IS NULL) exists per (execution, step); a partial
// unique index enforces this at the schema level.
type ReviewApproval struct {
	ID                   string          `json:"id"`
	ExecutionID          string          `json:"execution_id"`
	StepID               string          `json:"step_id"`
	ReviewerType         string          `json:"reviewer_type,omitempty"`
	EditableFields       json.RawMessage `json:"editable_fields,omitempty"`
	Approved             *bool           `json:"approved,omitempty"`
	Comments             string          `json:"comments,omitempty"`
	EditedSteps          json.RawMessage `json:"edited_steps,omitempty"`
	EditedData           json.RawMessage `json:"edited_data,omitempty"`
	RerunSteps           json.RawMessage `json:"rerun_steps,omitempty"`
	SubmittedForReviewAt time.Time       `json:"submitted_for_review_at"`
	ReviewedBy           string          `json:"reviewed_by,omitempty"`
	ReviewedAt           *time.Time      `json:"reviewed_at,omitempty"`
}

// OptionsSelection is an open or resolved option-selection pause record.
// Same single-open-record rule as ReviewApproval, keyed on SelectedAt.
type OptionsSelection struct {
	ID               string          `json:"id"`
	ExecutionID      string          `json:"execution_id"`
	StepID           string          `json:"step_id"`
	AvailableOptions json.RawMessage `json:"available_options"`
	SelectedOptions  json.RawMessage `json:"selected_options,omitempty"`
	SelectionMode    string          `json:"selection_mode"`
	CreatedAt        time.Time       `json:"created_at"`
	SelectedBy       string          `json:"selected_by,omitempty"`
	SelectedAt       *time.Time      `json:"selected_at,omitempty"`
}

// TemplateRecord is a stored authored template, kept as its JSON document.
type TemplateRecord struct {
	ID        string                   `json:"id"`
	Name      string                   `json:"name,omitempty"`
	Document  *schema.WorkflowTemplate `json:"document"`
	Schedule  string                   `json:"schedule,omitempty"`
	CreatedAt time.Time                `json:"created_at"`
	UpdatedAt time.Time                `json:"updated_at"`
}

// CreditPool is the shared per-business credit balance. Balance may go
// negative down to -OverageThreshold.
type CreditPool struct {
	BusinessID       string    `json:"business_id"`
	Balance          float64   `json:"balance"`
	OverageThreshold float64   `json:"overage_threshold"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// CreditTransaction is one ledger entry: a deduction or a refund.
type CreditTransaction struct {
	ID          string    `json:"id"`
	BusinessID  string    `json:"business_id"`
	ExecutionID string    `json:"execution_id,omitempty"`
	Amount      float64   `json:"amount"`
	Kind        string    `json:"kind"` // deduct | refund
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Event is an immutable entry in the per-execution event log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Actor       string          `json:"actor,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// ScheduledJob is a cron-triggered template run.
type ScheduledJob struct {
	ID             string          `json:"id"`
	TemplateID     string          `json:"template_id"`
	BusinessID     string          `json:"business_id"`
	CronExpression string          `json:"cron_expression"`
	Inputs         json.RawMessage `json:"inputs,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	Status     *schema.RunStatus  `json:"status,omitempty"`
	FlowStatus *schema.FlowStatus `json:"flow_status,omitempty"`
	BusinessID string             `json:"business_id,omitempty"`
	TemplateID string             `json:"template_id,omitempty"`
	Since      *time.Time         `json:"since,omitempty"`
	Limit      int                `json:"limit,omitempty"`
	Offset     int                `json:"offset,omitempty"`
}

// ExecutionUpdate specifies mutable fields of an execution.
type ExecutionUpdate struct {
	Status         *schema.RunStatus  `json:"status,omitempty"`
	FlowStatus     *schema.FlowStatus `json:"flow_status,omitempty"`
	CurrentStep    *string            `json:"current_step,omitempty"`
	CompletedSteps *int               `json:"completed_steps,omitempty"`
	RuntimeState   map[string]any     `json:"runtime_state,omitempty"`
	StepResults    map[string]any     `json:"step_results,omitempty"`
	CreditsUsed    *float64           `json:"credits_used,omitempty"`
	FailedStep     *string            `json:"failed_step,omitempty"`
	ErrorMessage   *string            `json:"error_message,omitempty"`
	StartedAt      *time.Time         `json:"started_at,omitempty"`
	CompletedAt    *time.Time         `json:"completed_at,omitempty"`
}

// StepExecutionUpdate specifies mutable fields of a step execution.
type StepExecutionUpdate struct {
	Status            *schema.StepStatus `json:"status,omitempty"`
	OutputData        json.RawMessage    `json:"output_data,omitempty"`
	ErrorData         json.RawMessage    `json:"error_data,omitempty"`
	ModifiedInputData json.RawMessage    `json:"modified_input_data,omitempty"`
	StartedAt         *time.Time         `json:"started_at,omitempty"`
	CompletedAt       *time.Time         `json:"completed_at,omitempty"`
}

// ReviewResolution closes an open review record.
type ReviewResolution struct {
	Approved    bool            `json:"approved"`
	Comments    string          `json:"comments,omitempty"`
	EditedSteps json.RawMessage `json:"edited_steps,omitempty"`
	EditedData  json.RawMessage `json:"edited_data,omitempty"`
	RerunSteps  json.RawMessage `json:"rerun_steps,omitempty"`
	ReviewedBy  string          `json:"reviewed_by"`
}

// SelectionResolution closes an open options record.
type SelectionResolution struct {
	SelectedOptions json.RawMessage `json:"selected_options"`
	SelectedBy      string          `json:"selected_by"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}
