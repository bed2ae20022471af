package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildContext_Branches(t *testing.T) {
	ctx := BuildContext(
		map[string]any{"a": 1.0},
		map[string]any{"g": "v"},
		map[string]any{"s0": map[string]any{"ok": true}},
		map[string]any{"execution_id": "exec-1"},
	)

	assert.Equal(t, map[string]any{"a": 1.0}, ctx[BranchInputs])
	assert.Equal(t, map[string]any{"g": "v"}, ctx[BranchGlobals])
	assert.Equal(t, map[string]any{"execution_id": "exec-1"}, ctx[BranchRuntime])

	steps := ctx[BranchSteps].(map[string]any)
	assert.Equal(t, map[string]any{"output": map[string]any{"ok": true}}, steps["s0"])
}

func TestBuildContext_NilBranchesBecomeEmpty(t *testing.T) {
	ctx := BuildContext(nil, nil, nil, nil)

	assert.Equal(t, map[string]any{}, ctx[BranchInputs])
	assert.Equal(t, map[string]any{}, ctx[BranchGlobals])
	assert.Equal(t, map[string]any{}, ctx[BranchRuntime])
	assert.Empty(t, ctx[BranchSteps])
}

func TestAddStepOutput_VisibleToPathQueries(t *testing.T) {
	e := NewPathQueryEngine()
	data := BuildContext(map[string]any{"a": 1.0}, nil, nil, nil)

	AddStepOutput(data, "s1", map[string]any{"x": 2.0})

	out, err := e.Evaluate(context.Background(), "expr: $.steps.s1.output.x", data)
	require.NoError(t, err)
	assert.Equal(t, 2.0, out)
}

func TestAddStepOutput_FreezesValue(t *testing.T) {
	data := BuildContext(nil, nil, nil, nil)
	output := map[string]any{"x": 1.0}

	AddStepOutput(data, "s1", output)
	output["x"] = 99.0

	steps := data[BranchSteps].(map[string]any)
	frozen := steps["s1"].(map[string]any)["output"].(map[string]any)
	assert.Equal(t, 1.0, frozen["x"])
}

func TestSetRuntimeValue(t *testing.T) {
	data := BuildContext(nil, nil, nil, nil)

	SetRuntimeValue(data, "optionsStep_selected", []any{map[string]any{"id": 1.0}})

	runtime := data[BranchRuntime].(map[string]any)
	assert.Equal(t, []any{map[string]any{"id": 1.0}}, runtime["optionsStep_selected"])
}

func TestStepOutputs_RoundTrip(t *testing.T) {
	data := BuildContext(nil, nil, nil, nil)
	AddStepOutput(data, "s1", map[string]any{"x": 1.0})
	AddStepOutput(data, "s2", "plain")

	outputs := StepOutputs(data)
	assert.Equal(t, map[string]any{"x": 1.0}, outputs["s1"])
	assert.Equal(t, "plain", outputs["s2"])

	rebuilt := BuildContext(nil, nil, outputs, nil)
	steps := rebuilt[BranchSteps].(map[string]any)
	assert.Equal(t, map[string]any{"output": "plain"}, steps["s2"])
}

func TestAvailablePaths(t *testing.T) {
	data := map[string]any{
		"inputs": map[string]any{"url": "x"},
		"steps": map[string]any{
			"s1": map[string]any{
				"output": map[string]any{
					"items": []any{
						map[string]any{"id": 1.0},
						map[string]any{"id": 2.0},
					},
				},
			},
		},
	}

	paths := AvailablePaths(data, 5)
	assert.Contains(t, paths, "$.inputs")
	assert.Contains(t, paths, "$.inputs.url")
	assert.Contains(t, paths, "$.steps.s1.output.items[]")
	assert.Contains(t, paths, "$.steps.s1.output.items[0]")
	assert.Contains(t, paths, "$.steps.s1.output.items[-1]")
	assert.Contains(t, paths, "$.steps.s1.output.items[].id")
}

func TestAvailablePaths_DepthBound(t *testing.T) {
	data := map[string]any{
		"a": map[string]any{"b": map[string]any{"c": map[string]any{"d": 1.0}}},
	}

	paths := AvailablePaths(data, 2)
	assert.Contains(t, paths, "$.a.b.c")
	assert.NotContains(t, paths, "$.a.b.c.d")
}

func TestResolver_BindingsErrorsBecomeNil(t *testing.T) {
	r := NewResolver(NewPathQueryEngine(), nil)

	resolved := r.ResolveBindings(context.Background(), map[string]any{
		"good":   "expr: $.inputs.site_url",
		"broken": "expr: $.inputs.[[[",
		"plain":  42,
	}, testContext())

	assert.Equal(t, "https://example.com", resolved["good"])
	assert.Nil(t, resolved["broken"])
	assert.Equal(t, 42, resolved["plain"])
}

func TestResolver_RecursesIntoStructures(t *testing.T) {
	r := NewResolver(NewPathQueryEngine(), nil)

	out, err := r.ResolveValue(context.Background(), map[string]any{
		"url":   "expr: $.inputs.site_url",
		"label": "Region {{ $.globals.region }}",
		"list":  []any{"expr: $.inputs.limit", "literal"},
	}, testContext())
	require.NoError(t, err)

	m := out.(map[string]any)
	assert.Equal(t, "https://example.com", m["url"])
	assert.Equal(t, "Region us", m["label"])
	assert.Equal(t, []any{10.0, "literal"}, m["list"])
}

func TestResolver_StepInputMerge(t *testing.T) {
	r := NewResolver(NewPathQueryEngine(), nil)

	input := r.ResolveStepInput(context.Background(),
		map[string]any{"limit": 5, "region": "eu"},
		map[string]any{"region": "expr: $.globals.region"},
		testContext())

	// Bindings win over static defaults.
	assert.Equal(t, "us", input["region"])
	assert.Equal(t, 5, input["limit"])
}
