// Package integration defines the contract to the external Integration
// Executor that performs provider operations (HTTP construction, credential
// handling). The engine consumes this interface; implementations live
// outside this module. A small in-memory registry backs tests and stubs.
package integration

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/conveyorhq/conveyor/pkg/schema"
)

// BusinessContext identifies whose credentials and quotas an operation runs under.
type BusinessContext struct {
	BusinessID string `json:"business_id"`
	UserID     string `json:"user_id,omitempty"`
}

// Result is the outcome of one integration operation.
type Result struct {
	Success     bool            `json:"success"`
	Data        map[string]any  `json:"data,omitempty"`
	RawResponse json.RawMessage `json:"raw_response,omitempty"`
	CreditsUsed float64         `json:"credits_used"`
	Error       string          `json:"error,omitempty"`
}

// Executor runs a named provider operation with resolved input.
type Executor interface {
	Execute(ctx context.Context, operation string, biz BusinessContext, config map[string]any, input map[string]any) (*Result, error)
}

// OperationFunc adapts a function to a single-operation Executor.
type OperationFunc func(ctx context.Context, biz BusinessContext, config map[string]any, input map[string]any) (*Result, error)

// Registry maps operation names to executors. Instances are independent;
// there is no process-global registry.
type Registry struct {
	mu  sync.RWMutex
	ops map[string]OperationFunc
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]OperationFunc)}
}

// Register adds an operation. Returns an error on duplicate or empty name.
func (r *Registry) Register(operation string, fn OperationFunc) error {
	if operation == "" {
		return schema.NewError(schema.ErrCodeValidation, "operation name is empty")
	}
	if fn == nil {
		return schema.NewError(schema.ErrCodeValidation, "operation func is nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.ops[operation]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "operation %q already registered", operation)
	}
	r.ops[operation] = fn
	return nil
}

// Has checks whether an operation is registered.
func (r *Registry) Has(operation string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ops[operation]
	return ok
}

// List returns registered operation names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute dispatches to the registered operation.
func (r *Registry) Execute(ctx context.Context, operation string, biz BusinessContext, config map[string]any, input map[string]any) (*Result, error) {
	r.mu.RLock()
	fn, ok := r.ops[operation]
	r.mu.RUnlock()

	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeIntegration, "operation %q not registered", operation)
	}
	return fn(ctx, biz, config, input)
}
