package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/conveyorhq/conveyor/internal/expressions"
	"github.com/conveyorhq/conveyor/internal/store"
	"github.com/conveyorhq/conveyor/pkg/schema"
)

// FlowControl manages the human-in-the-loop pause points: review approvals
// and option selections. Pausing is idempotent; at most one open record
// exists per (execution, step), enforced both here and by the store schema.
type FlowControl struct {
	store    store.Store
	fsm      *FlowFSM
	resolver *expressions.Resolver
	logger   *slog.Logger
}

// NewFlowControl creates a flow control service.
func NewFlowControl(s store.Store, fsm *FlowFSM, resolver *expressions.Resolver, logger *slog.Logger) *FlowControl {
	if logger == nil {
		logger = slog.Default()
	}
	return &FlowControl{store: s, fsm: fsm, resolver: resolver, logger: logger}
}

// PauseForReview suspends the execution at a review step. Re-pausing a step
// that already has an open review reuses the existing record.
func (f *FlowControl) PauseForReview(ctx context.Context, exec *store.Execution, step *schema.StepTemplate) (*store.ReviewApproval, error) {
	if open, err := f.store.GetOpenReviewApproval(ctx, exec.ID, step.ID); err == nil {
		return open, f.markPaused(ctx, exec, step.ID, schema.FlowStatusInReview)
	}

	rec := &store.ReviewApproval{
		ID:           uuid.New().String(),
		ExecutionID:  exec.ID,
		StepID:       step.ID,
		ReviewerType: step.ReviewerType,
	}
	if len(step.EditableFields) > 0 {
		fields, err := json.Marshal(step.EditableFields)
		if err == nil {
			rec.EditableFields = fields
		}
	}
	if err := f.store.CreateReviewApproval(ctx, rec); err != nil {
		return nil, err
	}

	f.emit(ctx, exec.ID, step.ID, schema.EventReviewRequested, map[string]any{
		"reviewer_type": step.ReviewerType,
	})
	return rec, f.markPaused(ctx, exec, step.ID, schema.FlowStatusInReview)
}

// ProcessReviewApproval resolves an open review. Approval moves the
// execution back to in_progress and queues reruns for any steps the reviewer
// sent back; rejection terminates the execution with the decline comments.
func (f *FlowControl) ProcessReviewApproval(ctx context.Context, executionID, stepID string, res *store.ReviewResolution) error {
	exec, err := f.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	open, err := f.store.GetOpenReviewApproval(ctx, executionID, stepID)
	if err != nil {
		return err
	}

	if err := f.store.ResolveReviewApproval(ctx, open.ID, res); err != nil {
		return err
	}
	f.emit(ctx, executionID, stepID, schema.EventReviewResolved, map[string]any{
		"approved":    res.Approved,
		"reviewed_by": res.ReviewedBy,
	})

	if !res.Approved {
		msg := "review rejected"
		if res.Comments != "" {
			msg = "review rejected: " + res.Comments
		}
		return f.failExecution(ctx, exec, stepID, msg)
	}

	// Queue reruns for steps the reviewer sent back, with any edited data.
	var rerunSteps []string
	if len(res.RerunSteps) > 0 {
		if err := json.Unmarshal(res.RerunSteps, &rerunSteps); err != nil {
			f.logger.WarnContext(ctx, "invalid rerun_steps payload", "error", err)
		}
	}
	editedData := map[string]json.RawMessage{}
	if len(res.EditedData) > 0 {
		_ = json.Unmarshal(res.EditedData, &editedData)
	}
	for _, sid := range rerunSteps {
		if _, err := f.RerunStep(ctx, executionID, sid, editedData[sid]); err != nil {
			return err
		}
	}

	return f.markResumed(ctx, exec, schema.FlowStatusInReview)
}

// PauseForOptions suspends the execution at an options step. The offered
// options are read from the step's dataSource path against the runtime
// context; a single non-list value becomes a one-element list.
func (f *FlowControl) PauseForOptions(ctx context.Context, exec *store.Execution, step *schema.StepTemplate, data map[string]any) (*store.OptionsSelection, error) {
	if open, err := f.store.GetOpenOptionsSelection(ctx, exec.ID, step.ID); err == nil {
		return open, f.markPaused(ctx, exec, step.ID, schema.FlowStatusInputRequired)
	}

	raw, err := f.resolver.Queries().EvaluatePath(ctx, step.DataSource, data)
	if err != nil {
		return nil, err
	}
	options, ok := raw.([]any)
	if !ok {
		if raw == nil {
			options = []any{}
		} else {
			options = []any{raw}
		}
	}
	optionsJSON, err := json.Marshal(options)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"marshal options for step %s: %s", step.ID, err.Error()).WithStep(step.ID)
	}

	mode := step.SelectionMode
	if mode == "" {
		mode = "single"
	}
	rec := &store.OptionsSelection{
		ID:               uuid.New().String(),
		ExecutionID:      exec.ID,
		StepID:           step.ID,
		AvailableOptions: optionsJSON,
		SelectionMode:    mode,
	}
	if err := f.store.CreateOptionsSelection(ctx, rec); err != nil {
		return nil, err
	}

	f.emit(ctx, exec.ID, step.ID, schema.EventOptionsOffered, map[string]any{
		"option_count":   len(options),
		"selection_mode": mode,
	})
	return rec, f.markPaused(ctx, exec, step.ID, schema.FlowStatusInputRequired)
}

// ProcessOptionsSelection resolves an open selection. The chosen options are
// written to runtime_state under "<stepId>_selected" and recorded as the
// step's output, then the execution moves back to in_progress.
func (f *FlowControl) ProcessOptionsSelection(ctx context.Context, executionID, stepID string, res *store.SelectionResolution) error {
	exec, err := f.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	open, err := f.store.GetOpenOptionsSelection(ctx, executionID, stepID)
	if err != nil {
		return err
	}

	var selected any
	if err := json.Unmarshal(res.SelectedOptions, &selected); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid selected options payload: %s", err.Error()).WithStep(stepID)
	}

	if err := f.store.ResolveOptionsSelection(ctx, open.ID, res); err != nil {
		return err
	}
	f.emit(ctx, executionID, stepID, schema.EventOptionsSelected, map[string]any{
		"selected_by": res.SelectedBy,
	})

	// Surface the selection to later steps through runtime_state, and record
	// it as the options step's own output.
	runtimeState := exec.RuntimeState
	if runtimeState == nil {
		runtimeState = map[string]any{}
	}
	runtimeState[stepID+"_selected"] = selected

	stepResults := exec.StepResults
	if stepResults == nil {
		stepResults = map[string]any{}
	}
	stepResults[stepID] = map[string]any{"selected": selected}

	if err := f.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{
		RuntimeState: runtimeState,
		StepResults:  stepResults,
	}); err != nil {
		return err
	}

	return f.markResumed(ctx, exec, schema.FlowStatusInputRequired)
}

// RerunStep queues a fresh attempt of a step: a new pending step-execution
// row linked to the latest attempt, with rerun_count incremented and the
// modified input (or the parent's input when nil). It never dispatches.
func (f *FlowControl) RerunStep(ctx context.Context, executionID, stepID string, modifiedInput json.RawMessage) (*store.StepExecution, error) {
	parent, err := f.store.GetLatestStepExecution(ctx, executionID, stepID)
	if err != nil {
		return nil, err
	}

	inputData := parent.InputData
	if len(modifiedInput) > 0 {
		inputData = modifiedInput
	}

	rerun := &store.StepExecution{
		ID:                    uuid.New().String(),
		ExecutionID:           executionID,
		StepID:                stepID,
		StepType:              parent.StepType,
		Status:                schema.StepStatusPending,
		InputData:             inputData,
		RerunCount:            parent.RerunCount + 1,
		ParentStepExecutionID: parent.ID,
		ModifiedInputData:     modifiedInput,
	}
	if err := f.store.CreateStepExecution(ctx, rerun); err != nil {
		return nil, err
	}

	f.emit(ctx, executionID, stepID, schema.EventStepRerunQueued, map[string]any{
		"rerun_count": rerun.RerunCount,
		"parent_id":   parent.ID,
	})
	return rerun, nil
}

// --- helpers ---

func (f *FlowControl) markPaused(ctx context.Context, exec *store.Execution, stepID string, paused schema.FlowStatus) error {
	if exec.FlowStatus == paused {
		return nil
	}
	if err := f.fsm.Transition(ctx, exec.ID, exec.FlowStatus, paused); err != nil {
		return err
	}
	current := stepID
	if err := f.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		FlowStatus:  &paused,
		CurrentStep: &current,
	}); err != nil {
		return err
	}
	exec.FlowStatus = paused
	return nil
}

func (f *FlowControl) markResumed(ctx context.Context, exec *store.Execution, from schema.FlowStatus) error {
	inProgress := schema.FlowStatusInProgress
	if err := f.fsm.Transition(ctx, exec.ID, from, inProgress); err != nil {
		return err
	}
	return f.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		FlowStatus: &inProgress,
	})
}

func (f *FlowControl) failExecution(ctx context.Context, exec *store.Execution, stepID, message string) error {
	if err := f.fsm.Transition(ctx, exec.ID, exec.FlowStatus, schema.FlowStatusError); err != nil {
		return err
	}
	failed := schema.RunStatusFailed
	flowErr := schema.FlowStatusError
	now := time.Now().UTC()
	return f.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		Status:       &failed,
		FlowStatus:   &flowErr,
		FailedStep:   &stepID,
		ErrorMessage: &message,
		CompletedAt:  &now,
	})
}

func (f *FlowControl) emit(ctx context.Context, executionID, stepID, eventType string, payload map[string]any) {
	body, _ := json.Marshal(payload)
	ev := &store.Event{
		ExecutionID: executionID,
		StepID:      stepID,
		Type:        eventType,
		Payload:     body,
	}
	if err := f.store.AppendEvent(ctx, ev); err != nil {
		f.logger.WarnContext(ctx, "emit flow event failed",
			"event_type", eventType, "error", err)
	}
}

// conditionTarget picks the conditional step's jump target.
func conditionTarget(step *schema.StepTemplate, result bool) string {
	if result {
		return strings.TrimSpace(step.TruePath)
	}
	return strings.TrimSpace(step.FalsePath)
}
