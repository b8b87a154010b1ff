package call

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Result is what a function handler reports back to the model.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Handler executes one model-invoked function. args is the decoded argument
// object from the model; callCtx identifies the call the invocation belongs
// to. Handlers return an error only for infrastructure failures; a business
// "no" is a Result with Success=false.
type Handler func(ctx context.Context, args map[string]any, callCtx *Context) (Result, error)

// Registry maps function names to handlers. Registration happens at boot;
// lookups happen on the reverse loop.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler under name, replacing any previous one.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	r.handlers[name] = h
	r.mu.Unlock()
}

// Lookup returns the handler for name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered function names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that every function a call declares has a handler.
func (r *Registry) Validate(callCtx *Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, spec := range callCtx.Functions {
		if _, ok := r.handlers[spec.Name]; !ok {
			return fmt.Errorf("call %s declares function %q with no registered handler", callCtx.CallID, spec.Name)
		}
	}
	return nil
}
