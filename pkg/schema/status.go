package schema

// RunStatus is the coarse lifecycle state of a workflow execution.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// FlowStatus is the fine-grained suspend/resume state of an execution.
// Complete and error are terminal; no transition leaves them.
type FlowStatus string

const (
	FlowStatusNew           FlowStatus = "new"
	FlowStatusScheduled     FlowStatus = "scheduled"
	FlowStatusInProgress    FlowStatus = "in_progress"
	FlowStatusInReview      FlowStatus = "in_review"
	FlowStatusInputRequired FlowStatus = "input_required"
	FlowStatusComplete      FlowStatus = "complete"
	FlowStatusError         FlowStatus = "error"
)

// Terminal reports whether the flow status is a terminal state.
func (s FlowStatus) Terminal() bool {
	return s == FlowStatusComplete || s == FlowStatusError
}

// StepStatus is the lifecycle state of a step execution attempt.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// Event type constants for the append-only execution event log.
const (
	EventExecutionScheduled = "execution_scheduled"
	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionPaused    = "execution_paused"
	EventExecutionResumed   = "execution_resumed"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"

	EventReviewRequested = "review_requested"
	EventReviewResolved  = "review_resolved"
	EventOptionsOffered  = "options_offered"
	EventOptionsSelected = "options_selected"

	EventConditionEvaluated = "condition_evaluated"
	EventStepRerunQueued    = "step_rerun_queued"

	EventAsyncTaskSubmitted = "async_task_submitted"
	EventAsyncTaskCompleted = "async_task_completed"
	EventAsyncTaskFailed    = "async_task_failed"

	EventCreditsDeducted = "credits_deducted"
	EventCreditsRefunded = "credits_refunded"
)
