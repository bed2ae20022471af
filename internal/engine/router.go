package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/conveyorhq/conveyor/internal/credits"
	"github.com/conveyorhq/conveyor/internal/expressions"
	"github.com/conveyorhq/conveyor/internal/integration"
	"github.com/conveyorhq/conveyor/internal/logging"
	"github.com/conveyorhq/conveyor/internal/store"
	"github.com/conveyorhq/conveyor/internal/validation"
	"github.com/conveyorhq/conveyor/pkg/schema"
)

// runtimeInputsKey is the reserved runtime_state key holding the merged input
// document for an execution. It is stripped from the runtime branch when the
// evaluation context is built; inputs surface under the inputs branch instead.
const runtimeInputsKey = "inputs"

// Config wires an Engine's collaborators.
type Config struct {
	Store        store.Store
	Validator    *validation.TemplateValidator
	Resolver     *expressions.Resolver
	CEL          *expressions.CELEngine
	Integrations integration.Executor
	Async        *AsyncExecutor
	Flow         *FlowControl
	Transformer  *Transformer
	FSM          *FlowFSM
	Credits      *credits.Gate
	Logger       *slog.Logger

	// Max distinct executions running concurrently. Steps inside one
	// execution always run sequentially.
	Concurrency int
}

// Engine drives workflow executions: it resolves step inputs, routes each
// step by its execution category, and persists progress so a run can be
// suspended and resumed at any step boundary. All per-run state lives in the
// run struct; the engine itself holds no mutable execution state.
type Engine struct {
	store        store.Store
	validator    *validation.TemplateValidator
	resolver     *expressions.Resolver
	cel          *expressions.CELEngine
	integrations integration.Executor
	async        *AsyncExecutor
	flow         *FlowControl
	transformer  *Transformer
	fsm          *FlowFSM
	credits      *credits.Gate
	logger       *slog.Logger
	pool         *WorkerPool
}

// New creates an engine from the given config.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Engine{
		store:        cfg.Store,
		validator:    cfg.Validator,
		resolver:     cfg.Resolver,
		cel:          cfg.CEL,
		integrations: cfg.Integrations,
		async:        cfg.Async,
		flow:         cfg.Flow,
		transformer:  cfg.Transformer,
		fsm:          cfg.FSM,
		credits:      cfg.Credits,
		logger:       logger,
		pool:         NewWorkerPool(concurrency),
	}
}

// Flow exposes the flow control service for review and options resolution.
func (e *Engine) Flow() *FlowControl {
	return e.flow
}

// Shutdown stops the worker pool after in-flight runs finish.
func (e *Engine) Shutdown() {
	e.pool.Shutdown()
}

// StartExecution validates the stored template and creates a new execution
// in flow status new. Run inputs overlay the template's declared defaults.
// The execution is not dispatched; call Run or Submit.
func (e *Engine) StartExecution(ctx context.Context, templateID, businessID, userID string, inputs map[string]any) (*store.Execution, error) {
	rec, err := e.store.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	res := e.validator.ValidateTemplate(rec.Document)
	if !res.Valid() {
		return nil, res.ToError()
	}

	merged := expressions.DeepCopyMap(rec.Document.Inputs)
	if merged == nil {
		merged = map[string]any{}
	}
	for k, v := range inputs {
		merged[k] = expressions.DeepCopyAny(v)
	}

	exec := &store.Execution{
		ID:           uuid.New().String(),
		TemplateID:   templateID,
		BusinessID:   businessID,
		UserID:       userID,
		Status:       schema.RunStatusPending,
		FlowStatus:   schema.FlowStatusNew,
		TotalSteps:   len(rec.Document.Steps),
		RuntimeState: map[string]any{runtimeInputsKey: merged},
		StepResults:  map[string]any{},
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}
	return exec, nil
}

// MarkScheduled moves a fresh execution into the scheduled flow state. The
// scheduler calls this when it creates an execution for a cron job.
func (e *Engine) MarkScheduled(ctx context.Context, executionID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if err := e.fsm.Transition(ctx, exec.ID, exec.FlowStatus, schema.FlowStatusScheduled); err != nil {
		return err
	}
	scheduled := schema.FlowStatusScheduled
	return e.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		FlowStatus: &scheduled,
	})
}

// Submit enqueues a run on the worker pool.
func (e *Engine) Submit(ctx context.Context, executionID string) error {
	return e.pool.Submit(ctx, func(ctx context.Context) error {
		if err := e.Run(ctx, executionID); err != nil {
			e.logger.ErrorContext(ctx, "execution run failed",
				"execution_id", executionID, "error", err)
			return err
		}
		return nil
	})
}

// Run drives the execution forward from its persisted position until it
// completes, fails, or pauses at a review or options step. Calling Run on a
// paused or terminal execution is a no-op.
func (e *Engine) Run(ctx context.Context, executionID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	ctx = logging.WithIDs(ctx, exec.ID, "", exec.BusinessID)

	if exec.FlowStatus.Terminal() {
		return nil
	}
	if exec.FlowStatus == schema.FlowStatusInReview || exec.FlowStatus == schema.FlowStatusInputRequired {
		e.logger.InfoContext(ctx, "execution awaiting human input", "flow_status", exec.FlowStatus)
		return nil
	}

	rec, err := e.store.GetTemplate(ctx, exec.TemplateID)
	if err != nil {
		return err
	}
	res := e.validator.ValidateTemplate(rec.Document)
	if !res.Valid() {
		verr := res.ToError()
		return e.failRun(ctx, exec, "", verr)
	}

	if exec.FlowStatus == schema.FlowStatusNew || exec.FlowStatus == schema.FlowStatusScheduled {
		if err := e.fsm.Transition(ctx, exec.ID, exec.FlowStatus, schema.FlowStatusInProgress); err != nil {
			return err
		}
		running := schema.RunStatusRunning
		inProgress := schema.FlowStatusInProgress
		now := time.Now().UTC()
		if err := e.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
			Status:     &running,
			FlowStatus: &inProgress,
			StartedAt:  &now,
		}); err != nil {
			return err
		}
		exec.FlowStatus = inProgress
		exec.Status = running
	}

	r := &run{
		engine:     e,
		exec:       exec,
		template:   rec.Document,
		categories: res.Categories,
		data:       e.buildRunContext(exec, rec.Document),
		biz:        integration.BusinessContext{BusinessID: exec.BusinessID, UserID: exec.UserID},
	}
	return r.loop(ctx)
}

// RunPendingStep executes a single queued step attempt, typically a rerun
// created by a review resolution. The attempt's input document is already
// resolved; the step runs in isolation through the same credit lifecycle as
// the main loop, and its output replaces the step's entry in the execution's
// results.
func (e *Engine) RunPendingStep(ctx context.Context, attempt *store.StepExecution) error {
	exec, err := e.store.GetExecution(ctx, attempt.ExecutionID)
	if err != nil {
		return err
	}
	ctx = logging.WithIDs(ctx, exec.ID, attempt.StepID, exec.BusinessID)

	rec, err := e.store.GetTemplate(ctx, exec.TemplateID)
	if err != nil {
		return err
	}
	step := findStep(rec.Document, attempt.StepID)
	if step == nil {
		return schema.NewErrorf(schema.ErrCodeNotFound,
			"step %q not in template %q", attempt.StepID, exec.TemplateID).WithStep(attempt.StepID)
	}

	var input map[string]any
	if len(attempt.InputData) > 0 {
		if err := json.Unmarshal(attempt.InputData, &input); err != nil {
			return schema.NewErrorf(schema.ErrCodeExecution,
				"decode queued input for step %s: %s", attempt.StepID, err.Error()).WithStep(attempt.StepID)
		}
	}

	data := e.buildRunContext(exec, rec.Document)
	biz := integration.BusinessContext{BusinessID: exec.BusinessID, UserID: exec.UserID}
	output, charged, err := e.runCharged(ctx, exec, step, schema.Classify(step.Type), input, data, biz, func() (string, error) {
		running := schema.StepStatusRunning
		now := time.Now().UTC()
		if uerr := e.store.UpdateStepExecution(ctx, attempt.ID, store.StepExecutionUpdate{
			Status:    &running,
			StartedAt: &now,
		}); uerr != nil {
			return "", uerr
		}
		return attempt.ID, nil
	})
	if err != nil {
		if cerr, ok := err.(*schema.ConveyorError); ok && cerr.Code == schema.ErrCodeInsufficientCredits {
			// The row must leave the pending set or the queue would retry
			// it every tick.
			e.recordStepFailure(ctx, attempt.ID, exec.ID, step.ID, err)
		}
		return err
	}

	// Fold the fresh output back into the execution's results.
	expressions.AddStepOutput(data, step.ID, output)
	update := store.ExecutionUpdate{StepResults: expressions.StepOutputs(data)}
	if charged > 0 {
		used := exec.CreditsUsed + charged
		update.CreditsUsed = &used
	}
	return e.store.UpdateExecution(ctx, exec.ID, update)
}

// buildRunContext assembles the evaluation context from persisted state. The
// reserved inputs key moves from the runtime branch to the inputs branch.
func (e *Engine) buildRunContext(exec *store.Execution, tpl *schema.WorkflowTemplate) map[string]any {
	inputs, _ := exec.RuntimeState[runtimeInputsKey].(map[string]any)
	runtime := make(map[string]any, len(exec.RuntimeState))
	for k, v := range exec.RuntimeState {
		if k == runtimeInputsKey {
			continue
		}
		runtime[k] = v
	}
	return expressions.BuildContext(inputs, tpl.Globals, exec.StepResults, runtime)
}

// run holds the in-flight state for one execution drive. It exists only for
// the duration of a Run call.
type run struct {
	engine     *Engine
	exec       *store.Execution
	template   *schema.WorkflowTemplate
	categories map[string]schema.ExecutionCategory
	data       map[string]any
	biz        integration.BusinessContext
}

// loop walks the template steps from the current position, dispatching each
// until the run completes, fails, or pauses.
func (r *run) loop(ctx context.Context) error {
	e := r.engine
	steps := r.template.Steps

	idx := 0
	if r.exec.CurrentStep != "" {
		idx = findStepIndex(r.template, r.exec.CurrentStep)
		if idx < 0 {
			return e.failRun(ctx, r.exec, r.exec.CurrentStep,
				schema.NewErrorf(schema.ErrCodeExecution,
					"current step %q not in template", r.exec.CurrentStep))
		}
	}

	for idx < len(steps) {
		if err := ctx.Err(); err != nil {
			return err
		}

		step := &steps[idx]
		stepCtx := logging.WithStepID(ctx, step.ID)
		cat := r.categories[step.ID]

		current := step.ID
		if err := e.store.UpdateExecution(stepCtx, r.exec.ID, store.ExecutionUpdate{
			CurrentStep: &current,
		}); err != nil {
			return err
		}
		r.exec.CurrentStep = current

		// Guard: a false guard skips the step without an attempt.
		if step.Guard != "" {
			pass, err := e.cel.EvaluateBool(stepCtx, step.Guard, r.data)
			if err != nil {
				return e.failRun(stepCtx, r.exec, step.ID, err)
			}
			if !pass {
				if err := r.recordSkipped(stepCtx, step); err != nil {
					return err
				}
				idx++
				continue
			}
		}

		switch cat {
		case schema.CategoryConditional:
			next, err := r.runConditional(stepCtx, step, idx)
			if err != nil {
				return e.failRun(stepCtx, r.exec, step.ID, err)
			}
			idx = next

		case schema.CategoryReview:
			paused, err := r.runReview(stepCtx, step)
			if err != nil {
				return e.failRun(stepCtx, r.exec, step.ID, err)
			}
			if paused {
				return nil
			}
			idx++

		case schema.CategoryOptions:
			paused, err := r.runOptions(stepCtx, step)
			if err != nil {
				return e.failRun(stepCtx, r.exec, step.ID, err)
			}
			if paused {
				return nil
			}
			idx++

		default:
			if err := r.runStep(stepCtx, step, cat); err != nil {
				return e.failRun(stepCtx, r.exec, step.ID, err)
			}
			idx++
		}
	}

	return r.complete(ctx)
}

// runStep executes a trigger, transform, or integration step end to end:
// input resolution, credit pre-flight, attempt record, dispatch, settlement.
func (r *run) runStep(ctx context.Context, step *schema.StepTemplate, cat schema.ExecutionCategory) error {
	e := r.engine

	input := e.resolver.ResolveStepInput(ctx, step.Input.Static, step.Input.Bindings, r.data)
	if err := e.validator.ValidateStepInput(input, step.InputSchema); err != nil {
		return err
	}

	output, charged, err := e.runCharged(ctx, r.exec, step, cat, input, r.data, r.biz, func() (string, error) {
		attempt, err := r.createAttempt(ctx, step, cat, input)
		if err != nil {
			return "", err
		}
		return attempt.ID, nil
	})
	if err != nil {
		return err
	}
	return r.advance(ctx, step.ID, output, charged)
}

// runCharged wraps a step dispatch in the credit lifecycle: the pool must
// cover the estimate before any work starts, a failed dispatch refunds the
// estimate, and a success settles it against the reported usage. begin writes
// the running attempt record between the pre-flight and the dispatch and
// returns its id. The rerun path shares this with the main loop so queued
// attempts are admission-gated the same way. Returns the output and the
// amount billed to the execution.
func (e *Engine) runCharged(ctx context.Context, exec *store.Execution, step *schema.StepTemplate, cat schema.ExecutionCategory, input, data map[string]any, biz integration.BusinessContext, begin func() (string, error)) (map[string]any, float64, error) {
	if step.EstimatedCredits > 0 {
		if err := e.credits.CheckAndDeduct(ctx, exec.BusinessID, exec.ID,
			step.EstimatedCredits, "step "+step.ID); err != nil {
			return nil, 0, err
		}
	}

	refund := func(reason string) {
		if step.EstimatedCredits <= 0 {
			return
		}
		if rerr := e.credits.Refund(ctx, exec.BusinessID, exec.ID,
			step.EstimatedCredits, reason); rerr != nil {
			e.logger.WarnContext(ctx, "refund after step failure failed", "error", rerr)
		}
	}

	attemptID, err := begin()
	if err != nil {
		refund("step " + step.ID + " not started")
		return nil, 0, err
	}

	output, execErr := e.dispatch(ctx, exec, step, cat, input, data, biz)
	if execErr != nil {
		refund("step " + step.ID + " failed")
		e.recordStepFailure(ctx, attemptID, exec.ID, step.ID, execErr)
		return nil, 0, execErr
	}

	actual := creditsUsed(output)
	if step.EstimatedCredits > 0 && actual > 0 {
		if err := e.credits.Settle(ctx, exec.BusinessID, exec.ID,
			step.EstimatedCredits, actual, "step "+step.ID); err != nil {
			e.logger.WarnContext(ctx, "credit settlement failed", "error", err)
		}
	}

	if err := e.recordStepSuccess(ctx, attemptID, exec.ID, step.ID, output); err != nil {
		return nil, 0, err
	}
	return output, chargedAmount(step.EstimatedCredits, actual), nil
}

// dispatch routes one step to its executor by category and returns the
// step's output document.
func (e *Engine) dispatch(ctx context.Context, exec *store.Execution, step *schema.StepTemplate, cat schema.ExecutionCategory, input, data map[string]any, biz integration.BusinessContext) (map[string]any, error) {
	switch {
	case cat == schema.CategoryTrigger:
		// Triggers carry their resolved input through as output.
		return input, nil

	case cat == schema.CategoryTransform:
		return e.transformer.Run(ctx, step, data)

	case cat.Integration() && step.AsyncConfig != nil:
		res, err := e.async.Execute(ctx, exec.ID, step, biz, input)
		if err != nil {
			return nil, err
		}
		if !res.Success {
			return nil, schema.NewError(schema.ErrCodeAsyncExecution, res.ErrorMessage).WithStep(step.ID)
		}
		return map[string]any{
			"result":       res.ResultData,
			"task_id":      res.TaskID,
			"attempts":     res.Attempts,
			"elapsed_ms":   res.ElapsedMs,
			"credits_used": res.CreditsUsed,
		}, nil

	case cat.Integration():
		res, err := e.integrations.Execute(ctx, step.Type, biz, nil, input)
		if err != nil {
			return nil, err
		}
		if !res.Success {
			return nil, schema.NewError(schema.ErrCodeStepFailed, res.Error).WithStep(step.ID)
		}
		out := res.Data
		if out == nil {
			out = map[string]any{}
		}
		if res.CreditsUsed > 0 {
			out["credits_used"] = res.CreditsUsed
		}
		return out, nil

	default:
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"no executor for category %q", cat).WithStep(step.ID)
	}
}

// runConditional evaluates the step's condition list and returns the index
// of the next step. Forward jumps record every bypassed step as skipped.
func (r *run) runConditional(ctx context.Context, step *schema.StepTemplate, idx int) (int, error) {
	e := r.engine

	if len(step.Conditions) == 0 {
		// Stored templates may predate the empty-list validation rule.
		e.logger.WarnContext(ctx, "conditional step has no conditions, taking true path")
	}
	result, err := EvaluateConditions(ctx, e.resolver, step.Conditions, r.data)
	if err != nil {
		return 0, err
	}
	target := conditionTarget(step, result)

	attempt, err := r.createAttempt(ctx, step, schema.CategoryConditional, nil)
	if err != nil {
		return 0, err
	}
	output := map[string]any{"result": result, "target": target}
	if err := e.recordStepSuccess(ctx, attempt.ID, r.exec.ID, step.ID, output); err != nil {
		return 0, err
	}
	r.emitEvent(ctx, step.ID, schema.EventConditionEvaluated, output)

	if err := r.advance(ctx, step.ID, output, 0); err != nil {
		return 0, err
	}

	if target == "" {
		return idx + 1, nil
	}
	tIdx := findStepIndex(r.template, target)
	if tIdx < 0 {
		return 0, schema.NewErrorf(schema.ErrCodeExecution,
			"branch target %q not in template", target).WithStep(step.ID)
	}
	if tIdx <= idx {
		return 0, schema.NewErrorf(schema.ErrCodeExecution,
			"branch target %q is behind the conditional step", target).WithStep(step.ID)
	}

	for _, skipped := range r.template.Steps[idx+1 : tIdx] {
		if err := r.recordSkipped(ctx, &skipped); err != nil {
			return 0, err
		}
	}
	return tIdx, nil
}

// runReview pauses at a review step or, on re-entry after resolution,
// completes it. Returns true while the execution is suspended.
func (r *run) runReview(ctx context.Context, step *schema.StepTemplate) (bool, error) {
	e := r.engine

	if _, err := e.store.GetOpenReviewApproval(ctx, r.exec.ID, step.ID); err == nil {
		// Still awaiting the reviewer.
		if _, perr := e.flow.PauseForReview(ctx, r.exec, step); perr != nil {
			return false, perr
		}
		return true, nil
	}

	latest, err := e.store.GetLatestStepExecution(ctx, r.exec.ID, step.ID)
	if err == nil && latest.Status == schema.StepStatusRunning {
		// Re-entry after an approval: close out the attempt.
		output := map[string]any{"approved": true}
		if err := e.recordStepSuccess(ctx, latest.ID, r.exec.ID, step.ID, output); err != nil {
			return false, err
		}
		return false, r.advance(ctx, step.ID, output, 0)
	}

	if _, err := r.createAttempt(ctx, step, schema.CategoryReview, nil); err != nil {
		return false, err
	}
	if _, err := e.flow.PauseForReview(ctx, r.exec, step); err != nil {
		return false, err
	}
	return true, nil
}

// runOptions pauses at an options step or, on re-entry after a selection,
// completes it with the selected values.
func (r *run) runOptions(ctx context.Context, step *schema.StepTemplate) (bool, error) {
	e := r.engine

	if _, err := e.store.GetOpenOptionsSelection(ctx, r.exec.ID, step.ID); err == nil {
		if _, perr := e.flow.PauseForOptions(ctx, r.exec, step, r.data); perr != nil {
			return false, perr
		}
		return true, nil
	}

	latest, err := e.store.GetLatestStepExecution(ctx, r.exec.ID, step.ID)
	if err == nil && latest.Status == schema.StepStatusRunning {
		output, _ := r.exec.StepResults[step.ID].(map[string]any)
		if output == nil {
			output = map[string]any{"selected": r.exec.RuntimeState[step.ID+"_selected"]}
		}
		expressions.SetRuntimeValue(r.data, step.ID+"_selected", output["selected"])
		if err := e.recordStepSuccess(ctx, latest.ID, r.exec.ID, step.ID, output); err != nil {
			return false, err
		}
		return false, r.advance(ctx, step.ID, output, 0)
	}

	if _, err := r.createAttempt(ctx, step, schema.CategoryOptions, nil); err != nil {
		return false, err
	}
	if _, err := e.flow.PauseForOptions(ctx, r.exec, step, r.data); err != nil {
		return false, err
	}
	return true, nil
}

// createAttempt writes a running step-execution record and emits the start
// event.
func (r *run) createAttempt(ctx context.Context, step *schema.StepTemplate, cat schema.ExecutionCategory, input map[string]any) (*store.StepExecution, error) {
	now := time.Now().UTC()
	attempt := &store.StepExecution{
		ID:          uuid.New().String(),
		ExecutionID: r.exec.ID,
		StepID:      step.ID,
		StepType:    cat,
		Status:      schema.StepStatusRunning,
		InputData:   marshalOrNil(input),
		StartedAt:   &now,
	}
	if err := r.engine.store.CreateStepExecution(ctx, attempt); err != nil {
		return nil, err
	}
	r.emitEvent(ctx, step.ID, schema.EventStepStarted, map[string]any{"category": string(cat)})
	return attempt, nil
}

// advance folds the step output into the context and persists progress.
func (r *run) advance(ctx context.Context, stepID string, output map[string]any, charged float64) error {
	expressions.AddStepOutput(r.data, stepID, output)

	r.exec.CompletedSteps++
	completed := r.exec.CompletedSteps
	update := store.ExecutionUpdate{
		CompletedSteps: &completed,
		StepResults:    expressions.StepOutputs(r.data),
	}
	if charged > 0 {
		r.exec.CreditsUsed += charged
		used := r.exec.CreditsUsed
		update.CreditsUsed = &used
	}
	return r.engine.store.UpdateExecution(ctx, r.exec.ID, update)
}

func (r *run) recordSkipped(ctx context.Context, step *schema.StepTemplate) error {
	now := time.Now().UTC()
	attempt := &store.StepExecution{
		ID:          uuid.New().String(),
		ExecutionID: r.exec.ID,
		StepID:      step.ID,
		StepType:    r.categories[step.ID],
		Status:      schema.StepStatusSkipped,
		CompletedAt: &now,
	}
	if err := r.engine.store.CreateStepExecution(ctx, attempt); err != nil {
		return err
	}
	r.emitEvent(ctx, step.ID, schema.EventStepSkipped, nil)

	r.exec.CompletedSteps++
	completed := r.exec.CompletedSteps
	return r.engine.store.UpdateExecution(ctx, r.exec.ID, store.ExecutionUpdate{
		CompletedSteps: &completed,
	})
}

func (r *run) complete(ctx context.Context) error {
	e := r.engine
	if err := e.fsm.Transition(ctx, r.exec.ID, r.exec.FlowStatus, schema.FlowStatusComplete); err != nil {
		return err
	}
	done := schema.RunStatusCompleted
	flowDone := schema.FlowStatusComplete
	now := time.Now().UTC()
	empty := ""
	return e.store.UpdateExecution(ctx, r.exec.ID, store.ExecutionUpdate{
		Status:      &done,
		FlowStatus:  &flowDone,
		CurrentStep: &empty,
		CompletedAt: &now,
	})
}

func (r *run) emitEvent(ctx context.Context, stepID, eventType string, payload map[string]any) {
	body := marshalOrNil(payload)
	ev := &store.Event{ExecutionID: r.exec.ID, StepID: stepID, Type: eventType, Payload: body}
	if err := r.engine.store.AppendEvent(ctx, ev); err != nil {
		r.engine.logger.WarnContext(ctx, "emit step event failed",
			"event_type", eventType, "error", err)
	}
}

// recordStepSuccess marks an attempt completed with its output and emits the
// completion event.
func (e *Engine) recordStepSuccess(ctx context.Context, attemptID, executionID, stepID string, output map[string]any) error {
	done := schema.StepStatusCompleted
	now := time.Now().UTC()
	if err := e.store.UpdateStepExecution(ctx, attemptID, store.StepExecutionUpdate{
		Status:      &done,
		OutputData:  marshalOrNil(output),
		CompletedAt: &now,
	}); err != nil {
		return err
	}
	ev := &store.Event{ExecutionID: executionID, StepID: stepID, Type: schema.EventStepCompleted}
	if err := e.store.AppendEvent(ctx, ev); err != nil {
		e.logger.WarnContext(ctx, "emit step event failed", "error", err)
	}
	return nil
}

// recordStepFailure marks an attempt failed with structured error data.
// Persistence problems are logged; the original failure wins.
func (e *Engine) recordStepFailure(ctx context.Context, attemptID, executionID, stepID string, execErr error) {
	errorData := map[string]any{"message": execErr.Error()}
	if cerr, ok := execErr.(*schema.ConveyorError); ok {
		errorData["code"] = cerr.Code
		if len(cerr.Details) > 0 {
			errorData["details"] = cerr.Details
		}
	}

	failed := schema.StepStatusFailed
	now := time.Now().UTC()
	if err := e.store.UpdateStepExecution(ctx, attemptID, store.StepExecutionUpdate{
		Status:      &failed,
		ErrorData:   marshalOrNil(errorData),
		CompletedAt: &now,
	}); err != nil {
		e.logger.ErrorContext(ctx, "record step failure failed", "error", err)
	}
	ev := &store.Event{ExecutionID: executionID, StepID: stepID, Type: schema.EventStepFailed, Payload: marshalOrNil(errorData)}
	if err := e.store.AppendEvent(ctx, ev); err != nil {
		e.logger.WarnContext(ctx, "emit step event failed", "error", err)
	}
}

// failRun moves the execution to its terminal error state.
func (e *Engine) failRun(ctx context.Context, exec *store.Execution, stepID string, cause error) error {
	e.logger.ErrorContext(ctx, "execution failed",
		"step_id", stepID, "error", cause)

	if err := e.fsm.Transition(ctx, exec.ID, exec.FlowStatus, schema.FlowStatusError); err != nil {
		e.logger.ErrorContext(ctx, "error transition failed", "error", err)
	}
	failed := schema.RunStatusFailed
	flowErr := schema.FlowStatusError
	msg := cause.Error()
	now := time.Now().UTC()
	if err := e.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		Status:       &failed,
		FlowStatus:   &flowErr,
		FailedStep:   &stepID,
		ErrorMessage: &msg,
		CompletedAt:  &now,
	}); err != nil {
		e.logger.ErrorContext(ctx, "persist failed execution failed", "error", err)
	}
	return cause
}

// --- helpers ---

func findStep(tpl *schema.WorkflowTemplate, stepID string) *schema.StepTemplate {
	for i := range tpl.Steps {
		if tpl.Steps[i].ID == stepID {
			return &tpl.Steps[i]
		}
	}
	return nil
}

func findStepIndex(tpl *schema.WorkflowTemplate, stepID string) int {
	for i := range tpl.Steps {
		if tpl.Steps[i].ID == stepID {
			return i
		}
	}
	return -1
}

func marshalOrNil(m map[string]any) json.RawMessage {
	if m == nil {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return b
}

func creditsUsed(output map[string]any) float64 {
	if output == nil {
		return 0
	}
	if v, ok := output["credits_used"].(float64); ok {
		return v
	}
	return 0
}

// chargedAmount is what the execution is billed for a step: the actual usage
// when reported, otherwise the estimate.
func chargedAmount(estimated, actual float64) float64 {
	if actual > 0 {
		return actual
	}
	return estimated
}
