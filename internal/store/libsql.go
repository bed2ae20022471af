package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/conveyorhq/conveyor/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Executions ---

const executionColumns = `id, template_id, business_id, user_id, status, flow_status, current_step,
	completed_steps, total_steps, runtime_state, step_results, credits_used,
	failed_step, error_message, created_at, started_at, completed_at, updated_at`

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	runtimeState, err := marshalMapOrDefault(exec.RuntimeState)
	if err != nil {
		return fmt.Errorf("marshal runtime_state: %w", err)
	}
	stepResults, err := marshalMapOrDefault(exec.StepResults)
	if err != nil {
		return fmt.Errorf("marshal step_results: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_executions (`+executionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.TemplateID, exec.BusinessID, nullStr(exec.UserID),
		string(exec.Status), string(exec.FlowStatus), nullStr(exec.CurrentStep),
		exec.CompletedSteps, exec.TotalSteps, string(runtimeState), string(stepResults),
		exec.CreditsUsed, nullStr(exec.FailedStep), nullStr(exec.ErrorMessage),
		timeOrNow(exec.CreatedAt), nullTime(exec.StartedAt), nullTime(exec.CompletedAt),
		timeOrNow(exec.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM workflow_executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	return exec, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	exec := &Execution{}
	var (
		userID, currentStep, failedStep, errMsg sql.NullString
		status, flowStatus                      string
		runtimeJSON, resultsJSON                string
		startedAt, completedAt                  sql.NullTime
	)
	err := row.Scan(&exec.ID, &exec.TemplateID, &exec.BusinessID, &userID,
		&status, &flowStatus, &currentStep,
		&exec.CompletedSteps, &exec.TotalSteps, &runtimeJSON, &resultsJSON,
		&exec.CreditsUsed, &failedStep, &errMsg,
		&exec.CreatedAt, &startedAt, &completedAt, &exec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	exec.UserID = userID.String
	exec.CurrentStep = currentStep.String
	exec.FailedStep = failedStep.String
	exec.ErrorMessage = errMsg.String
	exec.Status = schema.RunStatus(status)
	exec.FlowStatus = schema.FlowStatus(flowStatus)
	if runtimeJSON != "" {
		_ = json.Unmarshal([]byte(runtimeJSON), &exec.RuntimeState)
	}
	if resultsJSON != "" {
		_ = json.Unmarshal([]byte(resultsJSON), &exec.StepResults)
	}
	if startedAt.Valid {
		exec.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}
	return exec, nil
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.FlowStatus != nil {
		sets = append(sets, "flow_status = ?")
		args = append(args, string(*update.FlowStatus))
	}
	if update.CurrentStep != nil {
		sets = append(sets, "current_step = ?")
		args = append(args, nullStr(*update.CurrentStep))
	}
	if update.CompletedSteps != nil {
		sets = append(sets, "completed_steps = ?")
		args = append(args, *update.CompletedSteps)
	}
	if update.RuntimeState != nil {
		runtimeState, err := marshalMapOrDefault(update.RuntimeState)
		if err != nil {
			return fmt.Errorf("marshal runtime_state: %w", err)
		}
		sets = append(sets, "runtime_state = ?")
		args = append(args, string(runtimeState))
	}
	if update.StepResults != nil {
		stepResults, err := marshalMapOrDefault(update.StepResults)
		if err != nil {
			return fmt.Errorf("marshal step_results: %w", err)
		}
		sets = append(sets, "step_results = ?")
		args = append(args, string(stepResults))
	}
	if update.CreditsUsed != nil {
		sets = append(sets, "credits_used = ?")
		args = append(args, *update.CreditsUsed)
	}
	if update.FailedStep != nil {
		sets = append(sets, "failed_step = ?")
		args = append(args, nullStr(*update.FailedStep))
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, nullStr(*update.ErrorMessage))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE workflow_executions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", id)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.FlowStatus != nil {
		where = append(where, "flow_status = ?")
		args = append(args, string(*filter.FlowStatus))
	}
	if filter.BusinessID != "" {
		where = append(where, "business_id = ?")
		args = append(args, filter.BusinessID)
	}
	if filter.TemplateID != "" {
		where = append(where, "template_id = ?")
		args = append(args, filter.TemplateID)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + executionColumns + ` FROM workflow_executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, exec)
	}
	return executions, rows.Err()
}

// --- Step executions ---

const stepExecutionColumns = `id, execution_id, step_id, step_type, status, input_data, output_data,
	error_data, rerun_count, parent_step_execution_id, modified_input_data,
	created_at, started_at, completed_at`

func (s *LibSQLStore) CreateStepExecution(ctx context.Context, step *StepExecution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_executions (`+stepExecutionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.ExecutionID, step.StepID, string(step.StepType), string(step.Status),
		nullRaw(step.InputData), nullRaw(step.OutputData), nullRaw(step.ErrorData),
		step.RerunCount, nullStr(step.ParentStepExecutionID), nullRaw(step.ModifiedInputData),
		timeOrNow(step.CreatedAt), nullTime(step.StartedAt), nullTime(step.CompletedAt),
	)
	return err
}

func scanStepExecution(row rowScanner) (*StepExecution, error) {
	st := &StepExecution{}
	var (
		stepType, status                 string
		input, output, errData, modified sql.NullString
		parentID                         sql.NullString
		startedAt, completedAt           sql.NullTime
	)
	err := row.Scan(&st.ID, &st.ExecutionID, &st.StepID, &stepType, &status,
		&input, &output, &errData, &st.RerunCount, &parentID, &modified,
		&st.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	st.StepType = schema.ExecutionCategory(stepType)
	st.Status = schema.StepStatus(status)
	st.InputData = rawOrNil(input)
	st.OutputData = rawOrNil(output)
	st.ErrorData = rawOrNil(errData)
	st.ModifiedInputData = rawOrNil(modified)
	st.ParentStepExecutionID = parentID.String
	if startedAt.Valid {
		st.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		st.CompletedAt = &completedAt.Time
	}
	return st, nil
}

func (s *LibSQLStore) GetStepExecution(ctx context.Context, id string) (*StepExecution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepExecutionColumns+` FROM step_executions WHERE id = ?`, id)
	st, err := scanStepExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("step_execution", id)
	}
	return st, err
}

func (s *LibSQLStore) UpdateStepExecution(ctx context.Context, id string, update StepExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.OutputData != nil {
		sets = append(sets, "output_data = ?")
		args = append(args, string(update.OutputData))
	}
	if update.ErrorData != nil {
		sets = append(sets, "error_data = ?")
		args = append(args, string(update.ErrorData))
	}
	if update.ModifiedInputData != nil {
		sets = append(sets, "modified_input_data = ?")
		args = append(args, string(update.ModifiedInputData))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE step_executions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "step_execution", id)
}

func (s *LibSQLStore) GetLatestStepExecution(ctx context.Context, executionID, stepID string) (*StepExecution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepExecutionColumns+` FROM step_executions
		 WHERE execution_id = ? AND step_id = ?
		 ORDER BY created_at DESC, rerun_count DESC LIMIT 1`, executionID, stepID)
	st, err := scanStepExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("step_execution", executionID+"/"+stepID)
	}
	return st, err
}

func (s *LibSQLStore) ListStepExecutions(ctx context.Context, executionID string) ([]*StepExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepExecutionColumns+` FROM step_executions
		 WHERE execution_id = ? ORDER BY created_at ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStepExecutions(rows)
}

func (s *LibSQLStore) ListPendingStepExecutions(ctx context.Context, limit int) ([]*StepExecution, error) {
	query := `SELECT ` + stepExecutionColumns + ` FROM step_executions
		 WHERE status = 'pending' ORDER BY created_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStepExecutions(rows)
}

func collectStepExecutions(rows *sql.Rows) ([]*StepExecution, error) {
	var steps []*StepExecution
	for rows.Next() {
		st, err := scanStepExecution(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// --- Review approvals ---

func (s *LibSQLStore) CreateReviewApproval(ctx context.Context, rec *ReviewApproval) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO review_approvals (id, execution_id, step_id, reviewer_type, editable_fields, submitted_for_review_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ExecutionID, rec.StepID, nullStr(rec.ReviewerType),
		nullRaw(rec.EditableFields), timeOrNow(rec.SubmittedForReviewAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"open review already exists for step %q", rec.StepID)
	}
	return err
}

func (s *LibSQLStore) GetOpenReviewApproval(ctx context.Context, executionID, stepID string) (*ReviewApproval, error) {
	rec := &ReviewApproval{}
	var (
		reviewerType, comments, reviewedBy             sql.NullString
		editableFields, editedSteps, editedData, rerun sql.NullString
		approved                                       sql.NullBool
		reviewedAt                                     sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, execution_id, step_id, reviewer_type, editable_fields, approved, comments,
		        edited_steps, edited_data, rerun_steps, submitted_for_review_at, reviewed_by, reviewed_at
		 FROM review_approvals
		 WHERE execution_id = ? AND step_id = ? AND reviewed_at IS NULL`, executionID, stepID,
	).Scan(&rec.ID, &rec.ExecutionID, &rec.StepID, &reviewerType, &editableFields,
		&approved, &comments, &editedSteps, &editedData, &rerun,
		&rec.SubmittedForReviewAt, &reviewedBy, &reviewedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("review_approval", executionID+"/"+stepID)
	}
	if err != nil {
		return nil, err
	}
	rec.ReviewerType = reviewerType.String
	rec.EditableFields = rawOrNil(editableFields)
	if approved.Valid {
		rec.Approved = &approved.Bool
	}
	rec.Comments = comments.String
	rec.EditedSteps = rawOrNil(editedSteps)
	rec.EditedData = rawOrNil(editedData)
	rec.RerunSteps = rawOrNil(rerun)
	rec.ReviewedBy = reviewedBy.String
	if reviewedAt.Valid {
		rec.ReviewedAt = &reviewedAt.Time
	}
	return rec, nil
}

func (s *LibSQLStore) ResolveReviewApproval(ctx context.Context, id string, res *ReviewResolution) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE review_approvals
		 SET approved = ?, comments = ?, edited_steps = ?, edited_data = ?, rerun_steps = ?,
		     reviewed_by = ?, reviewed_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND reviewed_at IS NULL`,
		res.Approved, nullStr(res.Comments), nullRaw(res.EditedSteps),
		nullRaw(res.EditedData), nullRaw(res.RerunSteps), res.ReviewedBy, id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "review_approval", id)
}

// --- Options selections ---

func (s *LibSQLStore) CreateOptionsSelection(ctx context.Context, rec *OptionsSelection) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO options_selections (id, execution_id, step_id, available_options, selection_mode, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ExecutionID, rec.StepID, string(rec.AvailableOptions),
		rec.SelectionMode, timeOrNow(rec.CreatedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"open options selection already exists for step %q", rec.StepID)
	}
	return err
}

func (s *LibSQLStore) GetOpenOptionsSelection(ctx context.Context, executionID, stepID string) (*OptionsSelection, error) {
	rec := &OptionsSelection{}
	var (
		available            string
		selected, selectedBy sql.NullString
		selectedAt           sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, execution_id, step_id, available_options, selected_options, selection_mode,
		        created_at, selected_by, selected_at
		 FROM options_selections
		 WHERE execution_id = ? AND step_id = ? AND selected_at IS NULL`, executionID, stepID,
	).Scan(&rec.ID, &rec.ExecutionID, &rec.StepID, &available, &selected,
		&rec.SelectionMode, &rec.CreatedAt, &selectedBy, &selectedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("options_selection", executionID+"/"+stepID)
	}
	if err != nil {
		return nil, err
	}
	rec.AvailableOptions = json.RawMessage(available)
	rec.SelectedOptions = rawOrNil(selected)
	rec.SelectedBy = selectedBy.String
	if selectedAt.Valid {
		rec.SelectedAt = &selectedAt.Time
	}
	return rec, nil
}

func (s *LibSQLStore) ResolveOptionsSelection(ctx context.Context, id string, res *SelectionResolution) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE options_selections
		 SET selected_options = ?, selected_by = ?, selected_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND selected_at IS NULL`,
		string(res.SelectedOptions), res.SelectedBy, id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "options_selection", id)
}

// --- Templates ---

func (s *LibSQLStore) StoreTemplate(ctx context.Context, tpl *TemplateRecord) error {
	doc, err := json.Marshal(tpl.Document)
	if err != nil {
		return fmt.Errorf("marshal template document: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_templates (id, name, document, schedule, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, document=excluded.document, schedule=excluded.schedule,
		   updated_at=CURRENT_TIMESTAMP`,
		tpl.ID, nullStr(tpl.Name), string(doc), nullStr(tpl.Schedule),
		timeOrNow(tpl.CreatedAt), timeOrNow(tpl.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetTemplate(ctx context.Context, id string) (*TemplateRecord, error) {
	t := &TemplateRecord{}
	var name, schedule sql.NullString
	var docJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, document, schedule, created_at, updated_at
		 FROM workflow_templates WHERE id = ?`, id,
	).Scan(&t.ID, &name, &docJSON, &schedule, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("template", id)
	}
	if err != nil {
		return nil, err
	}
	t.Name = name.String
	t.Schedule = schedule.String
	if err := json.Unmarshal([]byte(docJSON), &t.Document); err != nil {
		return nil, fmt.Errorf("unmarshal template document: %w", err)
	}
	return t, nil
}

func (s *LibSQLStore) ListTemplates(ctx context.Context) ([]*TemplateRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, document, schedule, created_at, updated_at
		 FROM workflow_templates ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []*TemplateRecord
	for rows.Next() {
		t := &TemplateRecord{}
		var name, schedule sql.NullString
		var docJSON string
		if err := rows.Scan(&t.ID, &name, &docJSON, &schedule, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Name = name.String
		t.Schedule = schedule.String
		if err := json.Unmarshal([]byte(docJSON), &t.Document); err != nil {
			return nil, fmt.Errorf("unmarshal template document: %w", err)
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

// --- Credit pools ---

func (s *LibSQLStore) UpsertCreditPool(ctx context.Context, pool *CreditPool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credit_pools (business_id, balance, overage_threshold, updated_at)
		 VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(business_id) DO UPDATE SET
		   balance=excluded.balance, overage_threshold=excluded.overage_threshold,
		   updated_at=CURRENT_TIMESTAMP`,
		pool.BusinessID, pool.Balance, pool.OverageThreshold,
	)
	return err
}

func (s *LibSQLStore) GetCreditPool(ctx context.Context, businessID string) (*CreditPool, error) {
	pool := &CreditPool{}
	err := s.db.QueryRowContext(ctx,
		`SELECT business_id, balance, overage_threshold, updated_at
		 FROM credit_pools WHERE business_id = ?`, businessID,
	).Scan(&pool.BusinessID, &pool.Balance, &pool.OverageThreshold, &pool.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("credit_pool", businessID)
	}
	return pool, err
}

// DeductCredits performs the balance check and write as one conditional
// UPDATE, so concurrent deductions on the same pool cannot double-spend.
func (s *LibSQLStore) DeductCredits(ctx context.Context, businessID string, amount float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE credit_pools
		 SET balance = balance - ?, updated_at = CURRENT_TIMESTAMP
		 WHERE business_id = ? AND balance + overage_threshold >= ?`,
		amount, businessID, amount,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, getErr := s.GetCreditPool(ctx, businessID); getErr != nil {
			return getErr
		}
		return schema.NewErrorf(schema.ErrCodeInsufficientCredits,
			"credit pool for business %q cannot cover %.2f credits", businessID, amount)
	}
	return nil
}

func (s *LibSQLStore) RefundCredits(ctx context.Context, businessID string, amount float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE credit_pools
		 SET balance = balance + ?, updated_at = CURRENT_TIMESTAMP
		 WHERE business_id = ?`,
		amount, businessID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "credit_pool", businessID)
}

func (s *LibSQLStore) CreateCreditTransaction(ctx context.Context, tx *CreditTransaction) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credit_transactions (id, business_id, execution_id, amount, kind, description, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.BusinessID, nullStr(tx.ExecutionID), tx.Amount, tx.Kind,
		nullStr(tx.Description), timeOrNow(tx.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ListCreditTransactions(ctx context.Context, businessID string, limit int) ([]*CreditTransaction, error) {
	query := `SELECT id, business_id, execution_id, amount, kind, description, created_at
		 FROM credit_transactions WHERE business_id = ? ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, businessID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []*CreditTransaction
	for rows.Next() {
		tx := &CreditTransaction{}
		var executionID, description sql.NullString
		if err := rows.Scan(&tx.ID, &tx.BusinessID, &executionID, &tx.Amount,
			&tx.Kind, &description, &tx.CreatedAt); err != nil {
			return nil, err
		}
		tx.ExecutionID = executionID.String
		tx.Description = description.String
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// --- Scheduled jobs ---

func (s *LibSQLStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, template_id, business_id, cron_expression, inputs, enabled, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.TemplateID, job.BusinessID, job.CronExpression,
		nullRaw(job.Inputs), job.Enabled, nullTime(job.NextRunAt), timeOrNow(job.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_jobs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_job", id)
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, enabledOnly bool) ([]*ScheduledJob, error) {
	query := `SELECT id, template_id, business_id, cron_expression, inputs, enabled,
		        last_run_at, next_run_at, last_run_status, created_at
		 FROM scheduled_jobs`
	if enabledOnly {
		query += " WHERE enabled = 1"
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		job := &ScheduledJob{}
		var inputs, lastStatus sql.NullString
		var lastRun, nextRun sql.NullTime
		if err := rows.Scan(&job.ID, &job.TemplateID, &job.BusinessID, &job.CronExpression,
			&inputs, &job.Enabled, &lastRun, &nextRun, &lastStatus, &job.CreatedAt); err != nil {
			return nil, err
		}
		job.Inputs = rawOrNil(inputs)
		job.LastRunStatus = lastStatus.String
		if lastRun.Valid {
			job.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			job.NextRunAt = &nextRun.Time
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.ConveyorError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
