package expressions

import "encoding/json"

// Runtime-context branch keys. The runtime context is the per-execution
// value tree every expression evaluates against.
const (
	BranchInputs  = "inputs"
	BranchGlobals = "globals"
	BranchSteps   = "steps"
	BranchRuntime = "runtime"
)

// BuildContext assembles a fresh runtime context from the template's
// declared inputs/globals, previously persisted step outputs, and execution
// metadata (owning business/user, execution id, start time). All branches
// are deep-copied so callers cannot mutate the context from outside.
func BuildContext(inputs, globals, stepOutputs, runtime map[string]any) map[string]any {
	steps := make(map[string]any, len(stepOutputs))
	for stepID, output := range stepOutputs {
		steps[stepID] = map[string]any{"output": DeepCopyAny(output)}
	}

	return map[string]any{
		BranchInputs:  orEmpty(DeepCopyMap(inputs)),
		BranchGlobals: orEmpty(DeepCopyMap(globals)),
		BranchSteps:   steps,
		BranchRuntime: orEmpty(DeepCopyMap(runtime)),
	}
}

// AddStepOutput inserts (or overwrites) steps[stepID].output. This is the
// only sanctioned mutation path into the context's steps branch; the output
// is frozen with a deep copy on insert.
func AddStepOutput(data map[string]any, stepID string, output any) {
	steps, ok := data[BranchSteps].(map[string]any)
	if !ok {
		steps = make(map[string]any)
		data[BranchSteps] = steps
	}
	steps[stepID] = map[string]any{"output": DeepCopyAny(output)}
}

// SetRuntimeValue writes a key into the runtime branch. Flow control uses
// this to surface option selections to later steps.
func SetRuntimeValue(data map[string]any, key string, value any) {
	runtime, ok := data[BranchRuntime].(map[string]any)
	if !ok {
		runtime = make(map[string]any)
		data[BranchRuntime] = runtime
	}
	runtime[key] = DeepCopyAny(value)
}

// StepOutputs extracts the flat stepID -> output map from a context, for
// persistence.
func StepOutputs(data map[string]any) map[string]any {
	steps, ok := data[BranchSteps].(map[string]any)
	if !ok {
		return map[string]any{}
	}
	out := make(map[string]any, len(steps))
	for stepID, entry := range steps {
		if m, ok := entry.(map[string]any); ok {
			out[stepID] = m["output"]
		}
	}
	return out
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// DeepCopyMap creates a deep copy of a map[string]any.
func DeepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = DeepCopyAny(v)
	}
	return cp
}

// DeepCopyAny recursively deep-copies a value. Maps and slices are copied;
// primitives are value types and pass through.
func DeepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return DeepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = DeepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
