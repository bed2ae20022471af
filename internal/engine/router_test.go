package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorhq/conveyor/internal/credits"
	"github.com/conveyorhq/conveyor/internal/expressions"
	"github.com/conveyorhq/conveyor/internal/integration"
	"github.com/conveyorhq/conveyor/internal/store"
	"github.com/conveyorhq/conveyor/internal/validation"
	"github.com/conveyorhq/conveyor/pkg/schema"
)

type routerHarness struct {
	s      *store.LibSQLStore
	engine *Engine
	stub   *scriptedExecutor
}

func newRouterHarness(t *testing.T) *routerHarness {
	t.Helper()
	s := newEngineStore(t)

	queries := expressions.NewPathQueryEngine()
	resolver := expressions.NewResolver(queries, slog.Default())
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	validator, err := validation.NewTemplateValidator(queries)
	require.NoError(t, err)

	fsm := NewFlowFSM(s)
	stub := newScriptedExecutor()
	async := NewAsyncExecutor(stub, queries, s, nil)
	async.SetPollingInterval(time.Millisecond)

	eng := New(Config{
		Store:        s,
		Validator:    validator,
		Resolver:     resolver,
		CEL:          cel,
		Integrations: stub,
		Async:        async,
		Flow:         NewFlowControl(s, fsm, resolver, nil),
		Transformer:  NewTransformer(queries, expressions.NewExprEngine()),
		FSM:          fsm,
		Credits:      credits.NewGate(s, nil),
	})
	t.Cleanup(eng.Shutdown)

	return &routerHarness{s: s, engine: eng, stub: stub}
}

func (h *routerHarness) storeTemplate(t *testing.T, tpl *schema.WorkflowTemplate) {
	t.Helper()
	require.NoError(t, h.s.StoreTemplate(context.Background(), &store.TemplateRecord{
		ID:       tpl.ID,
		Name:     tpl.Name,
		Document: tpl,
	}))
}

func (h *routerHarness) seedPool(t *testing.T, businessID string, balance float64) {
	t.Helper()
	require.NoError(t, h.s.UpsertCreditPool(context.Background(), &store.CreditPool{
		BusinessID: businessID,
		Balance:    balance,
	}))
}

func (h *routerHarness) start(t *testing.T, templateID string, inputs map[string]any) *store.Execution {
	t.Helper()
	exec, err := h.engine.StartExecution(context.Background(), templateID, "biz-1", "user-1", inputs)
	require.NoError(t, err)
	return exec
}

func TestRun_HappyPath(t *testing.T) {
	h := newRouterHarness(t)
	ctx := context.Background()
	h.seedPool(t, "biz-1", 100)

	h.stub.on("api_fetch", func(_ int, input map[string]any) (*integration.Result, error) {
		assert.Equal(t, "go", input["topic"])
		return &integration.Result{
			Success:     true,
			Data:        map[string]any{"items": []any{"a", "b"}},
			CreditsUsed: 2,
		}, nil
	})

	h.storeTemplate(t, &schema.WorkflowTemplate{
		ID: "tpl-happy",
		Steps: []schema.StepTemplate{
			{ID: "start", Type: "trigger", Input: schema.StepInput{Static: map[string]any{"topic": "go"}}},
			{
				ID:   "fetch",
				Type: "api_fetch",
				Input: schema.StepInput{
					Bindings: map[string]any{"topic": "expr: .steps.start.output.topic"},
				},
				EstimatedCredits: 5,
			},
			{ID: "shape", Type: "transform", Transform: &schema.TransformConfig{
				Query: ".steps.fetch.output.items | length",
			}},
		},
	})

	exec := h.start(t, "tpl-happy", nil)
	require.NoError(t, h.engine.Run(ctx, exec.ID))

	got, err := h.s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, got.Status)
	assert.Equal(t, schema.FlowStatusComplete, got.FlowStatus)
	assert.Equal(t, 3, got.CompletedSteps)
	assert.Equal(t, 2.0, got.CreditsUsed)
	assert.NotNil(t, got.CompletedAt)

	shape, ok := got.StepResults["shape"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 2.0, shape["result"])

	// Estimate 5 deducted up front, 3 refunded on settlement.
	pool, err := h.s.GetCreditPool(ctx, "biz-1")
	require.NoError(t, err)
	assert.InDelta(t, 98, pool.Balance, 0.001)

	rows, err := h.s.ListStepExecutions(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, row := range rows {
		assert.Equal(t, schema.StepStatusCompleted, row.Status)
	}
}

func TestRun_GuardSkipsStep(t *testing.T) {
	h := newRouterHarness(t)
	ctx := context.Background()

	h.storeTemplate(t, &schema.WorkflowTemplate{
		ID: "tpl-guard",
		Steps: []schema.StepTemplate{
			{ID: "start", Type: "trigger"},
			{ID: "never", Type: "transform", Guard: "false", Transform: &schema.TransformConfig{Expression: "1"}},
			{ID: "always", Type: "transform", Guard: "true", Transform: &schema.TransformConfig{Expression: "2"}},
		},
	})

	exec := h.start(t, "tpl-guard", nil)
	require.NoError(t, h.engine.Run(ctx, exec.ID))

	got, err := h.s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.FlowStatusComplete, got.FlowStatus)
	assert.NotContains(t, got.StepResults, "never")

	latest, err := h.s.GetLatestStepExecution(ctx, exec.ID, "never")
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusSkipped, latest.Status)
}

func TestRun_ConditionalFalsePathSkipsBypassedSteps(t *testing.T) {
	h := newRouterHarness(t)
	ctx := context.Background()

	h.storeTemplate(t, &schema.WorkflowTemplate{
		ID: "tpl-branch",
		Steps: []schema.StepTemplate{
			{ID: "start", Type: "trigger", Input: schema.StepInput{Static: map[string]any{"score": 5}}},
			{
				ID:   "gate",
				Type: "condition_score",
				Conditions: []schema.Condition{
					{Left: "expr: .steps.start.output.score", Op: schema.OpGreater, Right: 10},
				},
				TruePath:  "high",
				FalsePath: "low",
			},
			{ID: "high", Type: "transform", Transform: &schema.TransformConfig{Expression: `"high road"`}},
			{ID: "low", Type: "transform", Transform: &schema.TransformConfig{Expression: `"low road"`}},
		},
	})

	exec := h.start(t, "tpl-branch", nil)
	require.NoError(t, h.engine.Run(ctx, exec.ID))

	got, err := h.s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.FlowStatusComplete, got.FlowStatus)

	gate, ok := got.StepResults["gate"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, false, gate["result"])
	assert.Equal(t, "low", gate["target"])

	skipped, err := h.s.GetLatestStepExecution(ctx, exec.ID, "high")
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusSkipped, skipped.Status)

	low, ok := got.StepResults["low"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "low road", low["result"])
}

func TestRun_ConditionalTruePathContinuesInline(t *testing.T) {
	h := newRouterHarness(t)
	ctx := context.Background()

	h.storeTemplate(t, &schema.WorkflowTemplate{
		ID: "tpl-branch-true",
		Steps: []schema.StepTemplate{
			{ID: "start", Type: "trigger", Input: schema.StepInput{Static: map[string]any{"score": 50}}},
			{
				ID:   "gate",
				Type: "condition_score",
				Conditions: []schema.Condition{
					{Left: "expr: .steps.start.output.score", Op: schema.OpGreater, Right: 10},
				},
				TruePath: "high",
			},
			{ID: "high", Type: "transform", Transform: &schema.TransformConfig{Expression: `"high road"`}},
		},
	})

	exec := h.start(t, "tpl-branch-true", nil)
	require.NoError(t, h.engine.Run(ctx, exec.ID))

	got, err := h.s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.FlowStatusComplete, got.FlowStatus)
	high, ok := got.StepResults["high"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "high road", high["result"])
}

func TestRun_IntegrationFailureHaltsExecution(t *testing.T) {
	h := newRouterHarness(t)
	ctx := context.Background()

	h.stub.on("api_fetch", func(int, map[string]any) (*integration.Result, error) {
		return nil, errors.New("upstream 500")
	})

	h.storeTemplate(t, &schema.WorkflowTemplate{
		ID: "tpl-fail",
		Steps: []schema.StepTemplate{
			{ID: "start", Type: "trigger"},
			{ID: "fetch", Type: "api_fetch"},
			{ID: "after", Type: "transform", Transform: &schema.TransformConfig{Expression: "1"}},
		},
	})

	exec := h.start(t, "tpl-fail", nil)
	err := h.engine.Run(ctx, exec.ID)
	require.Error(t, err)

	got, gerr := h.s.GetExecution(ctx, exec.ID)
	require.NoError(t, gerr)
	assert.Equal(t, schema.RunStatusFailed, got.Status)
	assert.Equal(t, schema.FlowStatusError, got.FlowStatus)
	assert.Equal(t, "fetch", got.FailedStep)
	assert.Contains(t, got.ErrorMessage, "upstream 500")

	failed, ferr := h.s.GetLatestStepExecution(ctx, exec.ID, "fetch")
	require.NoError(t, ferr)
	assert.Equal(t, schema.StepStatusFailed, failed.Status)

	var errorData map[string]any
	require.NoError(t, json.Unmarshal(failed.ErrorData, &errorData))
	assert.Contains(t, errorData["message"], "upstream 500")

	// The step after the failure never ran.
	_, err = h.s.GetLatestStepExecution(ctx, exec.ID, "after")
	require.Error(t, err)
}

func TestRun_InsufficientCreditsBlocksStep(t *testing.T) {
	h := newRouterHarness(t)
	ctx := context.Background()
	h.seedPool(t, "biz-1", 1)

	h.storeTemplate(t, &schema.WorkflowTemplate{
		ID: "tpl-broke",
		Steps: []schema.StepTemplate{
			{ID: "start", Type: "trigger"},
			{ID: "fetch", Type: "api_fetch", EstimatedCredits: 10},
		},
	})

	exec := h.start(t, "tpl-broke", nil)
	err := h.engine.Run(ctx, exec.ID)
	require.Error(t, err)
	cerr, ok := err.(*schema.ConveyorError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeInsufficientCredits, cerr.Code)

	got, gerr := h.s.GetExecution(ctx, exec.ID)
	require.NoError(t, gerr)
	assert.Equal(t, schema.FlowStatusError, got.FlowStatus)

	// No attempt record was written for the unaffordable step.
	_, err = h.s.GetLatestStepExecution(ctx, exec.ID, "fetch")
	require.Error(t, err)

	// The pool was never touched.
	pool, perr := h.s.GetCreditPool(ctx, "biz-1")
	require.NoError(t, perr)
	assert.InDelta(t, 1, pool.Balance, 0.001)
}

func TestRun_RefundsEstimateWhenStepFails(t *testing.T) {
	h := newRouterHarness(t)
	ctx := context.Background()
	h.seedPool(t, "biz-1", 50)

	h.stub.on("api_fetch", func(int, map[string]any) (*integration.Result, error) {
		return nil, errors.New("boom")
	})

	h.storeTemplate(t, &schema.WorkflowTemplate{
		ID: "tpl-refund",
		Steps: []schema.StepTemplate{
			{ID: "fetch", Type: "api_fetch", EstimatedCredits: 10},
		},
	})

	exec := h.start(t, "tpl-refund", nil)
	require.Error(t, h.engine.Run(ctx, exec.ID))

	pool, err := h.s.GetCreditPool(ctx, "biz-1")
	require.NoError(t, err)
	assert.InDelta(t, 50, pool.Balance, 0.001)
}

func TestRun_ReviewPauseAndResume(t *testing.T) {
	h := newRouterHarness(t)
	ctx := context.Background()

	h.storeTemplate(t, &schema.WorkflowTemplate{
		ID: "tpl-review",
		Steps: []schema.StepTemplate{
			{ID: "start", Type: "trigger", Input: schema.StepInput{Static: map[string]any{"doc": "draft"}}},
			{ID: "approve", Type: "review", ReviewerType: "human"},
			{ID: "publish", Type: "transform", Transform: &schema.TransformConfig{Expression: `"published"`}},
		},
	})

	exec := h.start(t, "tpl-review", nil)
	require.NoError(t, h.engine.Run(ctx, exec.ID))

	got, err := h.s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.FlowStatusInReview, got.FlowStatus)
	assert.Equal(t, "approve", got.CurrentStep)

	open, err := h.s.GetOpenReviewApproval(ctx, exec.ID, "approve")
	require.NoError(t, err)
	assert.Equal(t, "human", open.ReviewerType)

	// Running while paused is a no-op.
	require.NoError(t, h.engine.Run(ctx, exec.ID))
	got, err = h.s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.FlowStatusInReview, got.FlowStatus)

	require.NoError(t, h.engine.Flow().ProcessReviewApproval(ctx, exec.ID, "approve", &store.ReviewResolution{
		Approved:   true,
		ReviewedBy: "alice",
	}))

	require.NoError(t, h.engine.Run(ctx, exec.ID))

	got, err = h.s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, got.Status)
	assert.Equal(t, schema.FlowStatusComplete, got.FlowStatus)

	review, ok := got.StepResults["approve"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, review["approved"])

	publish, ok := got.StepResults["publish"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "published", publish["result"])
}

func TestRun_ReviewRejectionFailsExecution(t *testing.T) {
	h := newRouterHarness(t)
	ctx := context.Background()

	h.storeTemplate(t, &schema.WorkflowTemplate{
		ID: "tpl-reject",
		Steps: []schema.StepTemplate{
			{ID: "approve", Type: "review"},
			{ID: "publish", Type: "transform", Transform: &schema.TransformConfig{Expression: "1"}},
		},
	})

	exec := h.start(t, "tpl-reject", nil)
	require.NoError(t, h.engine.Run(ctx, exec.ID))

	require.NoError(t, h.engine.Flow().ProcessReviewApproval(ctx, exec.ID, "approve", &store.ReviewResolution{
		Approved:   false,
		Comments:   "needs a rewrite",
		ReviewedBy: "alice",
	}))

	got, err := h.s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "needs a rewrite")

	// Running a terminal execution is a no-op.
	require.NoError(t, h.engine.Run(ctx, exec.ID))
}

func TestRun_OptionsPauseSelectionResume(t *testing.T) {
	h := newRouterHarness(t)
	ctx := context.Background()

	h.storeTemplate(t, &schema.WorkflowTemplate{
		ID: "tpl-options",
		Steps: []schema.StepTemplate{
			{ID: "start", Type: "trigger", Input: schema.StepInput{Static: map[string]any{
				"titles": []any{"A", "B", "C"},
			}}},
			{ID: "choose", Type: "options", DataSource: ".steps.start.output.titles"},
			{ID: "use", Type: "transform", Transform: &schema.TransformConfig{
				Query: ".runtime.choose_selected",
			}},
		},
	})

	exec := h.start(t, "tpl-options", nil)
	require.NoError(t, h.engine.Run(ctx, exec.ID))

	got, err := h.s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.FlowStatusInputRequired, got.FlowStatus)

	open, err := h.s.GetOpenOptionsSelection(ctx, exec.ID, "choose")
	require.NoError(t, err)
	var options []any
	require.NoError(t, json.Unmarshal(open.AvailableOptions, &options))
	assert.Equal(t, []any{"A", "B", "C"}, options)

	require.NoError(t, h.engine.Flow().ProcessOptionsSelection(ctx, exec.ID, "choose", &store.SelectionResolution{
		SelectedOptions: json.RawMessage(`["B"]`),
		SelectedBy:      "bob",
	}))

	require.NoError(t, h.engine.Run(ctx, exec.ID))

	got, err = h.s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.FlowStatusComplete, got.FlowStatus)
	assert.Equal(t, []any{"B"}, got.RuntimeState["choose_selected"])

	use, ok := got.StepResults["use"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{"B"}, use["result"])
}

func TestRun_AsyncStepFoldsResult(t *testing.T) {
	h := newRouterHarness(t)
	ctx := context.Background()

	h.stub.on("submit_gen", func(int, map[string]any) (*integration.Result, error) {
		return &integration.Result{Success: true, Data: map[string]any{"task_id": "t-42"}}, nil
	})
	h.stub.on("check_gen", func(call int, _ map[string]any) (*integration.Result, error) {
		if call < 2 {
			return &integration.Result{Success: true, Data: map[string]any{"status": "running"}}, nil
		}
		return &integration.Result{Success: true, Data: map[string]any{
			"status": "done",
			"output": map[string]any{"text": "generated"},
		}}, nil
	})

	h.storeTemplate(t, &schema.WorkflowTemplate{
		ID: "tpl-async",
		Steps: []schema.StepTemplate{
			{ID: "gen", Type: "ai_generate", AsyncConfig: &schema.AsyncConfig{
				SubmitOperation: "submit_gen",
				CheckOperation:  "check_gen",
				TaskIDPath:      ".task_id",
				CompletionCheck: `.status == "done"`,
				ResultPath:      ".output",
				MaxWaitSeconds:  60,
			}},
		},
	})

	exec := h.start(t, "tpl-async", nil)
	require.NoError(t, h.engine.Run(ctx, exec.ID))

	got, err := h.s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.FlowStatusComplete, got.FlowStatus)

	gen, ok := got.StepResults["gen"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "t-42", gen["task_id"])
	assert.Equal(t, map[string]any{"text": "generated"}, gen["result"])
	assert.Equal(t, 2.0, gen["attempts"])
}

func TestRun_InvalidTemplateFailsBeforeSteps(t *testing.T) {
	h := newRouterHarness(t)
	ctx := context.Background()

	// Conditional with no conditions is rejected at validation time.
	tpl := &schema.WorkflowTemplate{
		ID: "tpl-invalid",
		Steps: []schema.StepTemplate{
			{ID: "gate", Type: "condition_x", TruePath: "gate"},
		},
	}
	require.NoError(t, h.s.StoreTemplate(ctx, &store.TemplateRecord{ID: tpl.ID, Document: tpl}))

	_, err := h.engine.StartExecution(ctx, "tpl-invalid", "biz-1", "user-1", nil)
	require.Error(t, err)
}

func TestRunPendingStep_RerunReplacesStepResult(t *testing.T) {
	h := newRouterHarness(t)
	ctx := context.Background()

	h.stub.on("api_fetch", func(call int, input map[string]any) (*integration.Result, error) {
		return &integration.Result{Success: true, Data: map[string]any{
			"topic": input["topic"],
			"call":  call,
		}}, nil
	})

	h.storeTemplate(t, &schema.WorkflowTemplate{
		ID: "tpl-rerun",
		Steps: []schema.StepTemplate{
			{ID: "fetch", Type: "api_fetch", Input: schema.StepInput{Static: map[string]any{"topic": "go"}}},
		},
	})

	exec := h.start(t, "tpl-rerun", nil)
	require.NoError(t, h.engine.Run(ctx, exec.ID))

	attempt, err := h.engine.Flow().RerunStep(ctx, exec.ID, "fetch", json.RawMessage(`{"topic":"rust"}`))
	require.NoError(t, err)
	require.NoError(t, h.engine.RunPendingStep(ctx, attempt))

	got, err := h.s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	fetch, ok := got.StepResults["fetch"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "rust", fetch["topic"])
	assert.Equal(t, 2.0, fetch["call"])

	latest, lerr := h.s.GetLatestStepExecution(ctx, exec.ID, "fetch")
	require.NoError(t, lerr)
	assert.Equal(t, attempt.ID, latest.ID)
	assert.Equal(t, schema.StepStatusCompleted, latest.Status)
}

func TestRunPendingStep_RerunSettlesCredits(t *testing.T) {
	h := newRouterHarness(t)
	ctx := context.Background()
	h.seedPool(t, "biz-1", 100)

	h.stub.on("api_fetch", func(int, map[string]any) (*integration.Result, error) {
		return &integration.Result{Success: true, Data: map[string]any{"ok": true}, CreditsUsed: 4}, nil
	})

	h.storeTemplate(t, &schema.WorkflowTemplate{
		ID: "tpl-rerun-credits",
		Steps: []schema.StepTemplate{
			{ID: "fetch", Type: "api_fetch", EstimatedCredits: 10},
		},
	})

	exec := h.start(t, "tpl-rerun-credits", nil)
	require.NoError(t, h.engine.Run(ctx, exec.ID))

	attempt, err := h.engine.Flow().RerunStep(ctx, exec.ID, "fetch", nil)
	require.NoError(t, err)
	require.NoError(t, h.engine.RunPendingStep(ctx, attempt))

	// Both the original run and the rerun billed their actual usage.
	got, err := h.s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.InDelta(t, 8, got.CreditsUsed, 0.001)

	pool, perr := h.s.GetCreditPool(ctx, "biz-1")
	require.NoError(t, perr)
	assert.InDelta(t, 92, pool.Balance, 0.001)
}

func TestRunPendingStep_RerunIsCreditGated(t *testing.T) {
	h := newRouterHarness(t)
	ctx := context.Background()
	h.seedPool(t, "biz-1", 100)

	h.stub.on("api_fetch", func(int, map[string]any) (*integration.Result, error) {
		return &integration.Result{Success: true, Data: map[string]any{"ok": true}, CreditsUsed: 7}, nil
	})

	h.storeTemplate(t, &schema.WorkflowTemplate{
		ID: "tpl-rerun-broke",
		Steps: []schema.StepTemplate{
			{ID: "fetch", Type: "api_fetch", EstimatedCredits: 50},
		},
	})

	exec := h.start(t, "tpl-rerun-broke", nil)
	require.NoError(t, h.engine.Run(ctx, exec.ID))

	// Drain the pool before the rerun is picked up.
	h.seedPool(t, "biz-1", 1)

	attempt, err := h.engine.Flow().RerunStep(ctx, exec.ID, "fetch", nil)
	require.NoError(t, err)

	err = h.engine.RunPendingStep(ctx, attempt)
	require.Error(t, err)
	cerr, ok := err.(*schema.ConveyorError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeInsufficientCredits, cerr.Code)

	// The step never dispatched and the pool was never touched.
	assert.Equal(t, 1, h.stub.callCount("api_fetch"))
	pool, perr := h.s.GetCreditPool(ctx, "biz-1")
	require.NoError(t, perr)
	assert.InDelta(t, 1, pool.Balance, 0.001)

	got, gerr := h.s.GetExecution(ctx, exec.ID)
	require.NoError(t, gerr)
	assert.InDelta(t, 7, got.CreditsUsed, 0.001)

	// The queued row is marked failed, not left pending.
	latest, lerr := h.s.GetLatestStepExecution(ctx, exec.ID, "fetch")
	require.NoError(t, lerr)
	assert.Equal(t, attempt.ID, latest.ID)
	assert.Equal(t, schema.StepStatusFailed, latest.Status)
}

func TestStartExecution_MergesInputsOverDefaults(t *testing.T) {
	h := newRouterHarness(t)
	ctx := context.Background()

	h.storeTemplate(t, &schema.WorkflowTemplate{
		ID:     "tpl-inputs",
		Inputs: map[string]any{"lang": "en", "tone": "neutral"},
		Steps: []schema.StepTemplate{
			{ID: "echo", Type: "transform", Transform: &schema.TransformConfig{
				Query: ".inputs.tone",
			}},
		},
	})

	exec := h.start(t, "tpl-inputs", map[string]any{"tone": "formal"})
	require.NoError(t, h.engine.Run(ctx, exec.ID))

	got, err := h.s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	echo, ok := got.StepResults["echo"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "formal", echo["result"])
}
