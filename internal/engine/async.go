package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/conveyorhq/conveyor/internal/expressions"
	"github.com/conveyorhq/conveyor/internal/integration"
	"github.com/conveyorhq/conveyor/internal/store"
	"github.com/conveyorhq/conveyor/pkg/schema"
)

// Default polling cadence when the template does not set one.
const DefaultPollingInterval = 5 * time.Second

// PollingPolicy bounds an async poll loop. Whichever bound fires first wins.
// MaxAttempts 0 disables the attempt bound; MaxWait always applies.
type PollingPolicy struct {
	Interval    time.Duration
	MaxWait     time.Duration
	MaxAttempts int
}

// policyFromConfig derives the polling policy from a step's async config.
func policyFromConfig(cfg *schema.AsyncConfig) PollingPolicy {
	p := PollingPolicy{
		Interval:    DefaultPollingInterval,
		MaxWait:     time.Duration(cfg.MaxWaitSeconds) * time.Second,
		MaxAttempts: cfg.MaxAttempts,
	}
	if cfg.PollingIntervalSeconds > 0 {
		p.Interval = time.Duration(cfg.PollingIntervalSeconds) * time.Second
	}
	return p
}

// AsyncResult is the outcome of one submit/poll cycle.
type AsyncResult struct {
	Success        bool             `json:"success"`
	TaskID         string           `json:"task_id,omitempty"`
	ResultData     any              `json:"result_data,omitempty"`
	ErrorMessage   string           `json:"error_message,omitempty"`
	ElapsedMs      int64            `json:"elapsed_ms"`
	Attempts       int              `json:"attempts"`
	SubmitResponse map[string]any   `json:"submit_response,omitempty"`
	CheckResponses []map[string]any `json:"check_responses,omitempty"`
	CreditsUsed    float64          `json:"credits_used"`
}

type asyncKey struct {
	executionID, stepID string
}

// AsyncExecutor runs the two-phase submit-then-poll protocol against the
// integration executor. Active tasks are tracked per instance; there is no
// process-global registry.
type AsyncExecutor struct {
	integrations integration.Executor
	queries      *expressions.PathQueryEngine
	appender     EventAppender
	logger       *slog.Logger

	mu     sync.Mutex
	active map[asyncKey]string // -> task id, for cancel

	pollOverride time.Duration
}

// NewAsyncExecutor creates an async executor. appender may be nil (no events).
func NewAsyncExecutor(integrations integration.Executor, queries *expressions.PathQueryEngine, appender EventAppender, logger *slog.Logger) *AsyncExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &AsyncExecutor{
		integrations: integrations,
		queries:      queries,
		appender:     appender,
		logger:       logger,
		active:       make(map[asyncKey]string),
	}
}

// SetPollingInterval forces a fixed polling interval, overriding per-step
// configuration. Zero restores the configured cadence.
func (a *AsyncExecutor) SetPollingInterval(d time.Duration) {
	a.pollOverride = d
}

// Execute submits the async operation, extracts the task id, and polls until
// completion, error, or a polling bound fires. A second Execute for a step
// already in flight on this instance returns CONFLICT.
func (a *AsyncExecutor) Execute(ctx context.Context, executionID string, step *schema.StepTemplate, biz integration.BusinessContext, input map[string]any) (*AsyncResult, error) {
	cfg := step.AsyncConfig
	if cfg == nil {
		return nil, schema.NewError(schema.ErrCodeAsyncExecution, "step has no async config").WithStep(step.ID)
	}

	key := asyncKey{executionID, step.ID}
	a.mu.Lock()
	if _, inFlight := a.active[key]; inFlight {
		a.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"async task already in flight for step %q", step.ID).WithStep(step.ID)
	}
	a.active[key] = ""
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.active, key)
		a.mu.Unlock()
	}()

	started := time.Now()
	result := &AsyncResult{}

	// Phase 1: submit.
	submitRes, err := a.integrations.Execute(ctx, cfg.SubmitOperation, biz, nil, input)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAsyncExecution,
			"submit operation %q: %s", cfg.SubmitOperation, err.Error()).
			WithStep(step.ID).WithCause(err)
	}
	result.SubmitResponse = submitRes.Data
	result.CreditsUsed += submitRes.CreditsUsed

	// Task id extraction failure is immediate and non-retryable.
	taskVal, err := a.queries.EvaluatePath(ctx, cfg.TaskIDPath, submitRes.Data)
	if err != nil {
		return nil, err
	}
	taskID := toString(taskVal)
	if taskID == "" {
		result.Success = false
		result.ErrorMessage = "submit response has no task id at " + cfg.TaskIDPath
		result.ElapsedMs = time.Since(started).Milliseconds()
		a.emit(ctx, executionID, step.ID, schema.EventAsyncTaskFailed, result)
		return result, nil
	}
	result.TaskID = taskID

	a.mu.Lock()
	a.active[key] = taskID
	a.mu.Unlock()

	a.emit(ctx, executionID, step.ID, schema.EventAsyncTaskSubmitted, result)

	// Phase 2: poll.
	policy := policyFromConfig(cfg)
	if a.pollOverride > 0 {
		policy.Interval = a.pollOverride
	}
	checkInput := map[string]any{"task_id": taskID}

	for {
		if time.Since(started) >= policy.MaxWait {
			result.ElapsedMs = time.Since(started).Milliseconds()
			a.emit(ctx, executionID, step.ID, schema.EventAsyncTaskFailed, result)
			return nil, schema.NewErrorf(schema.ErrCodeAsyncTimeout,
				"async task %s exceeded max wait %s after %d checks", taskID, policy.MaxWait, result.Attempts).
				WithStep(step.ID).
				WithDetails(map[string]any{"task_id": taskID, "attempts": result.Attempts})
		}
		if policy.MaxAttempts > 0 && result.Attempts >= policy.MaxAttempts {
			result.ElapsedMs = time.Since(started).Milliseconds()
			a.emit(ctx, executionID, step.ID, schema.EventAsyncTaskFailed, result)
			return nil, schema.NewErrorf(schema.ErrCodeAsyncTimeout,
				"async task %s exceeded %d check attempts", taskID, policy.MaxAttempts).
				WithStep(step.ID).
				WithDetails(map[string]any{"task_id": taskID, "attempts": result.Attempts})
		}

		// The first status check fires immediately after submit; only the
		// later checks wait out the interval.
		if result.Attempts > 0 {
			if err := waitInterval(ctx, policy.Interval); err != nil {
				return nil, err
			}
		}

		checkRes, err := a.integrations.Execute(ctx, cfg.CheckOperation, biz, nil, checkInput)
		result.Attempts++
		if err != nil {
			// A failed check does not fail the task; the bounds do.
			a.logger.WarnContext(ctx, "async status check failed",
				"task_id", taskID, "attempt", result.Attempts, "error", err)
			continue
		}
		result.CheckResponses = append(result.CheckResponses, checkRes.Data)
		result.CreditsUsed += checkRes.CreditsUsed

		// Error expression first: a reported error beats a reported completion.
		if cfg.ErrorCheck != "" {
			failed, evalErr := a.evalBool(ctx, cfg.ErrorCheck, checkRes.Data)
			if evalErr != nil {
				return nil, evalErr
			}
			if failed {
				result.Success = false
				result.ErrorMessage = a.extractErrorMessage(ctx, cfg, checkRes.Data)
				result.ElapsedMs = time.Since(started).Milliseconds()
				a.emit(ctx, executionID, step.ID, schema.EventAsyncTaskFailed, result)
				return result, nil
			}
		}

		done, evalErr := a.evalBool(ctx, cfg.CompletionCheck, checkRes.Data)
		if evalErr != nil {
			return nil, evalErr
		}
		if done {
			result.Success = true
			result.ResultData = checkRes.Data
			if cfg.ResultPath != "" {
				extracted, err := a.queries.EvaluatePath(ctx, cfg.ResultPath, checkRes.Data)
				if err != nil {
					return nil, err
				}
				result.ResultData = extracted
			}
			result.ElapsedMs = time.Since(started).Milliseconds()
			a.emit(ctx, executionID, step.ID, schema.EventAsyncTaskCompleted, result)
			return result, nil
		}

		if cfg.ProgressPath != "" {
			if progress, err := a.queries.EvaluatePath(ctx, cfg.ProgressPath, checkRes.Data); err == nil && progress != nil {
				a.logger.InfoContext(ctx, "async task progress",
					"task_id", taskID, "attempt", result.Attempts, "progress", progress)
			}
		}
	}
}

// Cancel attempts to cancel the in-flight task for a step. Best effort:
// failures are logged, never returned.
func (a *AsyncExecutor) Cancel(ctx context.Context, executionID, stepID string, cfg *schema.AsyncConfig, biz integration.BusinessContext) {
	if cfg == nil || cfg.CancelOperation == "" {
		return
	}

	a.mu.Lock()
	taskID := a.active[asyncKey{executionID, stepID}]
	a.mu.Unlock()
	if taskID == "" {
		return
	}

	if _, err := a.integrations.Execute(ctx, cfg.CancelOperation, biz, nil, map[string]any{"task_id": taskID}); err != nil {
		a.logger.WarnContext(ctx, "async task cancel failed",
			"task_id", taskID, "step_id", stepID, "error", err)
	}
}

// ActiveTasks returns a snapshot of in-flight task ids keyed by step id for
// the given execution.
func (a *AsyncExecutor) ActiveTasks(executionID string) map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]string)
	for key, taskID := range a.active {
		if key.executionID == executionID {
			out[key.stepID] = taskID
		}
	}
	return out
}

func (a *AsyncExecutor) evalBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	val, err := a.queries.EvaluatePath(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := val.(bool)
	return ok && b, nil
}

func (a *AsyncExecutor) extractErrorMessage(ctx context.Context, cfg *schema.AsyncConfig, data map[string]any) string {
	if cfg.ErrorMessage != "" {
		if msg, err := a.queries.EvaluatePath(ctx, cfg.ErrorMessage, data); err == nil && msg != nil {
			return toString(msg)
		}
	}
	return "async task reported failure"
}

func (a *AsyncExecutor) emit(ctx context.Context, executionID, stepID, eventType string, result *AsyncResult) {
	if a.appender == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"task_id":  result.TaskID,
		"attempts": result.Attempts,
		"success":  result.Success,
	})
	ev := &store.Event{
		ExecutionID: executionID,
		StepID:      stepID,
		Type:        eventType,
		Payload:     payload,
	}
	if err := a.appender.AppendEvent(ctx, ev); err != nil {
		a.logger.WarnContext(ctx, "emit async event failed", "event_type", eventType, "error", err)
	}
}

// waitInterval sleeps for the polling interval, aborting early if the
// context is cancelled.
func waitInterval(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
