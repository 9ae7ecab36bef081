// Package registry implements the function-call dispatch registry: a
// name->handler map replacing the coordinator's former name-matching
// cascade, so new intents can be added without touching the coordinator.
package registry

import (
	"context"
	"fmt"
	"log/slog"
)

// Handler executes one recognized function call for a user and returns a
// result value or an error. Errors are logged by the caller and never fail
// the pipeline.
type Handler func(ctx context.Context, userID string, arguments map[string]any) (any, error)

// Registry maps a function-call name to its handler.
type Registry struct {
	handlers map[string]Handler
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds name to handler, overwriting any prior binding.
func (r *Registry) Register(name string, handler Handler) {
	r.handlers[name] = handler
}

// Dispatch runs the handler bound to name. An unknown name is logged and
// ignored (not an error) per the spec's function-call isolation contract.
// A handler error is returned to the caller, which must treat it as
// logged-not-fatal.
func (r *Registry) Dispatch(ctx context.Context, name string, userID string, arguments map[string]any) (any, error) {
	handler, ok := r.handlers[name]
	if !ok {
		slog.Warn("unknown function call", "name", name)
		return nil, nil
	}
	result, err := handler(ctx, userID, arguments)
	if err != nil {
		return nil, fmt.Errorf("function %s: %w", name, err)
	}
	return result, nil
}

// Names returns every registered function-call name.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}
