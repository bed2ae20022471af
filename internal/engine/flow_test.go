package engine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorhq/conveyor/internal/store"
	"github.com/conveyorhq/conveyor/pkg/schema"
)

func newEngineStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newFlowUnderTest(t *testing.T) (*FlowControl, *store.LibSQLStore) {
	t.Helper()
	s := newEngineStore(t)
	fsm := NewFlowFSM(s)
	return NewFlowControl(s, fsm, newTestResolver(), nil), s
}

func seedRunningExecution(t *testing.T, s *store.LibSQLStore) *store.Execution {
	t.Helper()
	exec := &store.Execution{
		ID:         uuid.New().String(),
		TemplateID: "tpl-1",
		BusinessID: "biz-1",
		Status:     schema.RunStatusRunning,
		FlowStatus: schema.FlowStatusInProgress,
		TotalSteps: 3,
	}
	require.NoError(t, s.CreateExecution(context.Background(), exec))
	return exec
}

func TestPauseForReview_CreatesRecordAndPauses(t *testing.T) {
	flow, s := newFlowUnderTest(t)
	ctx := context.Background()
	exec := seedRunningExecution(t, s)
	step := &schema.StepTemplate{ID: "reviewStep", Type: "review", ReviewerType: "human", EditableFields: []string{"title"}}

	rec, err := flow.PauseForReview(ctx, exec, step)
	require.NoError(t, err)
	assert.Equal(t, "human", rec.ReviewerType)
	assert.Nil(t, rec.ReviewedAt)

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.FlowStatusInReview, got.FlowStatus)
	assert.Equal(t, "reviewStep", got.CurrentStep)
}

func TestPauseForReview_Idempotent(t *testing.T) {
	flow, s := newFlowUnderTest(t)
	ctx := context.Background()
	exec := seedRunningExecution(t, s)
	step := &schema.StepTemplate{ID: "reviewStep", Type: "review"}

	first, err := flow.PauseForReview(ctx, exec, step)
	require.NoError(t, err)

	second, err := flow.PauseForReview(ctx, exec, step)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	events, err := s.GetEvents(ctx, exec.ID, 0)
	require.NoError(t, err)
	requested := 0
	for _, ev := range events {
		if ev.Type == schema.EventReviewRequested {
			requested++
		}
	}
	assert.Equal(t, 1, requested)
}

func TestProcessReviewApproval_Approve(t *testing.T) {
	flow, s := newFlowUnderTest(t)
	ctx := context.Background()
	exec := seedRunningExecution(t, s)
	step := &schema.StepTemplate{ID: "reviewStep", Type: "review"}

	_, err := flow.PauseForReview(ctx, exec, step)
	require.NoError(t, err)

	err = flow.ProcessReviewApproval(ctx, exec.ID, step.ID, &store.ReviewResolution{
		Approved:   true,
		ReviewedBy: "alice",
	})
	require.NoError(t, err)

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.FlowStatusInProgress, got.FlowStatus)

	_, err = s.GetOpenReviewApproval(ctx, exec.ID, step.ID)
	require.Error(t, err)
}

func TestProcessReviewApproval_ApproveWithRerunsQueuesAttempts(t *testing.T) {
	flow, s := newFlowUnderTest(t)
	ctx := context.Background()
	exec := seedRunningExecution(t, s)

	// A prior attempt for the step being sent back.
	parent := &store.StepExecution{
		ID:          uuid.New().String(),
		ExecutionID: exec.ID,
		StepID:      "draft",
		StepType:    schema.CategoryAI,
		Status:      schema.StepStatusCompleted,
		InputData:   json.RawMessage(`{"prompt":"v1"}`),
	}
	require.NoError(t, s.CreateStepExecution(ctx, parent))

	step := &schema.StepTemplate{ID: "reviewStep", Type: "review"}
	_, err := flow.PauseForReview(ctx, exec, step)
	require.NoError(t, err)

	err = flow.ProcessReviewApproval(ctx, exec.ID, step.ID, &store.ReviewResolution{
		Approved:   true,
		ReviewedBy: "alice",
		RerunSteps: json.RawMessage(`["draft"]`),
		EditedData: json.RawMessage(`{"draft":{"prompt":"v2"}}`),
	})
	require.NoError(t, err)

	latest, err := s.GetLatestStepExecution(ctx, exec.ID, "draft")
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusPending, latest.Status)
	assert.Equal(t, 1, latest.RerunCount)
	assert.Equal(t, parent.ID, latest.ParentStepExecutionID)
	assert.JSONEq(t, `{"prompt":"v2"}`, string(latest.InputData))
}

func TestProcessReviewApproval_RejectTerminates(t *testing.T) {
	flow, s := newFlowUnderTest(t)
	ctx := context.Background()
	exec := seedRunningExecution(t, s)
	step := &schema.StepTemplate{ID: "reviewStep", Type: "review"}

	_, err := flow.PauseForReview(ctx, exec, step)
	require.NoError(t, err)

	err = flow.ProcessReviewApproval(ctx, exec.ID, step.ID, &store.ReviewResolution{
		Approved:   false,
		Comments:   "tone is off",
		ReviewedBy: "alice",
	})
	require.NoError(t, err)

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, got.Status)
	assert.Equal(t, schema.FlowStatusError, got.FlowStatus)
	assert.Equal(t, "reviewStep", got.FailedStep)
	assert.Contains(t, got.ErrorMessage, "tone is off")
	assert.NotNil(t, got.CompletedAt)
}

func TestPauseForOptions_ListFromDataSource(t *testing.T) {
	flow, s := newFlowUnderTest(t)
	ctx := context.Background()
	exec := seedRunningExecution(t, s)
	step := &schema.StepTemplate{
		ID:            "chooseTitle",
		Type:          "options",
		DataSource:    ".steps.brainstorm.output.titles",
		SelectionMode: "multiple",
	}
	data := map[string]any{
		"steps": map[string]any{
			"brainstorm": map[string]any{"output": map[string]any{"titles": []any{"A", "B", "C"}}},
		},
	}

	rec, err := flow.PauseForOptions(ctx, exec, step, data)
	require.NoError(t, err)
	assert.Equal(t, "multiple", rec.SelectionMode)

	var options []any
	require.NoError(t, json.Unmarshal(rec.AvailableOptions, &options))
	assert.Equal(t, []any{"A", "B", "C"}, options)

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.FlowStatusInputRequired, got.FlowStatus)
}

func TestPauseForOptions_SingleValueBecomesList(t *testing.T) {
	flow, s := newFlowUnderTest(t)
	ctx := context.Background()
	exec := seedRunningExecution(t, s)
	step := &schema.StepTemplate{ID: "chooseOne", Type: "options", DataSource: ".steps.pick.output.best"}
	data := map[string]any{
		"steps": map[string]any{
			"pick": map[string]any{"output": map[string]any{"best": "only-option"}},
		},
	}

	rec, err := flow.PauseForOptions(ctx, exec, step, data)
	require.NoError(t, err)

	var options []any
	require.NoError(t, json.Unmarshal(rec.AvailableOptions, &options))
	assert.Equal(t, []any{"only-option"}, options)
	// Unset mode defaults to single.
	assert.Equal(t, "single", rec.SelectionMode)
}

func TestProcessOptionsSelection_WritesRuntimeState(t *testing.T) {
	flow, s := newFlowUnderTest(t)
	ctx := context.Background()
	exec := seedRunningExecution(t, s)
	step := &schema.StepTemplate{ID: "chooseTitle", Type: "options", DataSource: ".steps.brainstorm.output.titles"}
	data := map[string]any{
		"steps": map[string]any{
			"brainstorm": map[string]any{"output": map[string]any{"titles": []any{"A", "B"}}},
		},
	}

	_, err := flow.PauseForOptions(ctx, exec, step, data)
	require.NoError(t, err)

	err = flow.ProcessOptionsSelection(ctx, exec.ID, step.ID, &store.SelectionResolution{
		SelectedOptions: json.RawMessage(`["B"]`),
		SelectedBy:      "bob",
	})
	require.NoError(t, err)

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.FlowStatusInProgress, got.FlowStatus)
	assert.Equal(t, []any{"B"}, got.RuntimeState["chooseTitle_selected"])

	result, ok := got.StepResults["chooseTitle"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{"B"}, result["selected"])

	_, err = s.GetOpenOptionsSelection(ctx, exec.ID, step.ID)
	require.Error(t, err)
}

func TestRerunStep_UsesParentInputWhenNoModification(t *testing.T) {
	flow, s := newFlowUnderTest(t)
	ctx := context.Background()
	exec := seedRunningExecution(t, s)

	parent := &store.StepExecution{
		ID:          uuid.New().String(),
		ExecutionID: exec.ID,
		StepID:      "draft",
		StepType:    schema.CategoryAI,
		Status:      schema.StepStatusFailed,
		InputData:   json.RawMessage(`{"prompt":"original"}`),
	}
	require.NoError(t, s.CreateStepExecution(ctx, parent))

	rerun, err := flow.RerunStep(ctx, exec.ID, "draft", nil)
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusPending, rerun.Status)
	assert.Equal(t, 1, rerun.RerunCount)
	assert.JSONEq(t, `{"prompt":"original"}`, string(rerun.InputData))
	assert.Empty(t, rerun.ModifiedInputData)
}

func TestRerunStep_ChainsRerunCounts(t *testing.T) {
	flow, s := newFlowUnderTest(t)
	ctx := context.Background()
	exec := seedRunningExecution(t, s)

	parent := &store.StepExecution{
		ID:          uuid.New().String(),
		ExecutionID: exec.ID,
		StepID:      "draft",
		StepType:    schema.CategoryAI,
		Status:      schema.StepStatusCompleted,
		InputData:   json.RawMessage(`{"prompt":"v1"}`),
	}
	require.NoError(t, s.CreateStepExecution(ctx, parent))

	first, err := flow.RerunStep(ctx, exec.ID, "draft", json.RawMessage(`{"prompt":"v2"}`))
	require.NoError(t, err)
	second, err := flow.RerunStep(ctx, exec.ID, "draft", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, first.RerunCount)
	assert.Equal(t, 2, second.RerunCount)
	assert.Equal(t, first.ID, second.ParentStepExecutionID)
	// The second rerun inherits the first rerun's (modified) input.
	assert.JSONEq(t, `{"prompt":"v2"}`, string(second.InputData))
}

func TestRerunStep_UnknownStepFails(t *testing.T) {
	flow, s := newFlowUnderTest(t)
	exec := seedRunningExecution(t, s)

	_, err := flow.RerunStep(context.Background(), exec.ID, "ghost", nil)
	require.Error(t, err)
	cerr, ok := err.(*schema.ConveyorError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, cerr.Code)
}
