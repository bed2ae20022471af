package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Executions
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	// Step executions (append-per-attempt; reruns create new rows)
	CreateStepExecution(ctx context.Context, step *StepExecution) error
	GetStepExecution(ctx context.Context, id string) (*StepExecution, error)
	UpdateStepExecution(ctx context.Context, id string, update StepExecutionUpdate) error
	GetLatestStepExecution(ctx context.Context, executionID, stepID string) (*StepExecution, error)
	ListStepExecutions(ctx context.Context, executionID string) ([]*StepExecution, error)
	ListPendingStepExecutions(ctx context.Context, limit int) ([]*StepExecution, error)

	// Review pause records
	CreateReviewApproval(ctx context.Context, rec *ReviewApproval) error
	GetOpenReviewApproval(ctx context.Context, executionID, stepID string) (*ReviewApproval, error)
	ResolveReviewApproval(ctx context.Context, id string, res *ReviewResolution) error

	// Options pause records
	CreateOptionsSelection(ctx context.Context, rec *OptionsSelection) error
	GetOpenOptionsSelection(ctx context.Context, executionID, stepID string) (*OptionsSelection, error)
	ResolveOptionsSelection(ctx context.Context, id string, res *SelectionResolution) error

	// Event log (append-only, per-execution sequence)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)

	// Templates
	StoreTemplate(ctx context.Context, tpl *TemplateRecord) error
	GetTemplate(ctx context.Context, id string) (*TemplateRecord, error)
	ListTemplates(ctx context.Context) ([]*TemplateRecord, error)

	// Credit pools and ledger
	UpsertCreditPool(ctx context.Context, pool *CreditPool) error
	GetCreditPool(ctx context.Context, businessID string) (*CreditPool, error)
	// DeductCredits atomically subtracts amount when the pool covers it
	// (balance + overage_threshold >= amount). Returns ErrCodeInsufficientCredits
	// when it does not; concurrent deductions never double-spend.
	DeductCredits(ctx context.Context, businessID string, amount float64) error
	// RefundCredits adds amount back unconditionally.
	RefundCredits(ctx context.Context, businessID string, amount float64) error
	CreateCreditTransaction(ctx context.Context, tx *CreditTransaction) error
	ListCreditTransactions(ctx context.Context, businessID string, limit int) ([]*CreditTransaction, error)

	// Scheduled jobs
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, enabledOnly bool) ([]*ScheduledJob, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
