// Package handler defines the boundary between the executor and the code
// that actually performs an action.
package handler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Handler performs one action with validated arguments.
type Handler interface {
	Handle(ctx context.Context, args map[string]any) (any, error)
}

// Func adapts a function to Handler.
type Func func(ctx context.Context, args map[string]any) (any, error)

// Handle calls f.
func (f Func) Handle(ctx context.Context, args map[string]any) (any, error) {
	return f(ctx, args)
}

// RetryableError marks a handler failure the caller may retry.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err as retryable. A nil err stays nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err or anything it wraps is retryable.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// Registry maps action names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds h to action. Binding the same action twice is an error.
func (r *Registry) Register(action string, h Handler) error {
	if h == nil {
		return fmt.Errorf("handler for %q is nil", action)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[action]; dup {
		return fmt.Errorf("handler for %q already registered", action)
	}
	r.handlers[action] = h
	return nil
}

// Lookup returns the handler bound to action.
func (r *Registry) Lookup(action string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[action]
	return h, ok
}

// Names returns the bound action names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
