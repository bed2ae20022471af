package engine

import (
	"context"
	"sync"

	"github.com/conveyorhq/conveyor/internal/store"
	"github.com/conveyorhq/conveyor/pkg/schema"
)

// TransitionHook is called before or after a flow-status transition.
type TransitionHook func(from, to string) error

// EventAppender is satisfied by the store; FSM transitions emit events
// through it.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// ValidFlowTransitions defines the allowed flow_status transitions.
// Complete and error are terminal; nothing leaves them.
var ValidFlowTransitions = map[schema.FlowStatus][]schema.FlowStatus{
	schema.FlowStatusNew:           {schema.FlowStatusScheduled, schema.FlowStatusInProgress},
	schema.FlowStatusScheduled:     {schema.FlowStatusInProgress, schema.FlowStatusError},
	schema.FlowStatusInProgress:    {schema.FlowStatusInReview, schema.FlowStatusInputRequired, schema.FlowStatusComplete, schema.FlowStatusError},
	schema.FlowStatusInReview:      {schema.FlowStatusInProgress, schema.FlowStatusError},
	schema.FlowStatusInputRequired: {schema.FlowStatusInProgress, schema.FlowStatusError},
	schema.FlowStatusComplete:      {},
	schema.FlowStatusError:         {},
}

type flowHookKey struct {
	from, to schema.FlowStatus
}

// FlowFSM validates and executes execution flow-status transitions.
type FlowFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[flowHookKey][]TransitionHook
	after    map[flowHookKey][]TransitionHook
}

// NewFlowFSM creates a FlowFSM that emits events via the given appender.
func NewFlowFSM(appender EventAppender) *FlowFSM {
	return &FlowFSM{
		appender: appender,
		before:   make(map[flowHookKey][]TransitionHook),
		after:    make(map[flowHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition.
func (f *FlowFSM) OnBefore(from, to schema.FlowStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := flowHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition.
func (f *FlowFSM) OnAfter(from, to schema.FlowStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := flowHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a flow-status transition, emitting the
// corresponding event. The caller persists the new status to the store.
func (f *FlowFSM) Transition(ctx context.Context, executionID string, from, to schema.FlowStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !IsValidFlowTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid flow transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	key := flowHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	eventType := flowEventType(from, to)
	if eventType != "" {
		event := &store.Event{
			ExecutionID: executionID,
			Type:        eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit flow event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

// IsValidFlowTransition reports whether from -> to appears in the table.
func IsValidFlowTransition(from, to schema.FlowStatus) bool {
	allowed, ok := ValidFlowTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func flowEventType(from, to schema.FlowStatus) string {
	switch to {
	case schema.FlowStatusScheduled:
		return schema.EventExecutionScheduled
	case schema.FlowStatusInProgress:
		if from == schema.FlowStatusInReview || from == schema.FlowStatusInputRequired {
			return schema.EventExecutionResumed
		}
		return schema.EventExecutionStarted
	case schema.FlowStatusInReview, schema.FlowStatusInputRequired:
		return schema.EventExecutionPaused
	case schema.FlowStatusComplete:
		return schema.EventExecutionCompleted
	case schema.FlowStatusError:
		return schema.EventExecutionFailed
	default:
		return ""
	}
}
