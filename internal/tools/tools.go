// Package tools holds the registry of tools the agent can offer to the
// model and invoke on its behalf.
package tools

import (
	"context"
	"encoding/json"
	"sync"
)

// Handler runs a tool with decoded arguments and returns its result as
// raw JSON.
type Handler func(ctx context.Context, args map[string]any) (json.RawMessage, error)

// Tool is one invokable capability bound to a name.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     Handler        `json:"-"`
}

// Registry maps tool names to tools. Tools are listed in the order they
// were first registered. All methods are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool, replacing any existing tool of the same name
// in place.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get returns the named tool, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Len reports how many tools are registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// AllToolNames returns tool names in registration order.
func (r *Registry) AllToolNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// List returns the registered tools in registration order.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Execute runs the named tool. An unknown name fails with
// *ErrToolUnavailable without doing any work.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	tool := r.Get(name)
	if tool == nil || tool.Handler == nil {
		return nil, &ErrToolUnavailable{ToolName: name}
	}
	if args == nil {
		args = map[string]any{}
	}
	return tool.Handler(ctx, args)
}

// FilteredCopy returns a new registry holding only the named tools.
// Names that are not registered are skipped.
func (r *Registry) FilteredCopy(include []string) *Registry {
	keep := make(map[string]bool, len(include))
	for _, name := range include {
		keep[name] = true
	}
	return r.copyWhere(func(name string) bool { return keep[name] })
}

// FilteredCopyExcluding returns a new registry without the named tools.
func (r *Registry) FilteredCopyExcluding(exclude []string) *Registry {
	drop := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		drop[name] = true
	}
	return r.copyWhere(func(name string) bool { return !drop[name] })
}

func (r *Registry) copyWhere(keep func(name string) bool) *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := NewRegistry()
	for _, name := range r.order {
		if keep(name) {
			out.tools[name] = r.tools[name]
			out.order = append(out.order, name)
		}
	}
	return out
}
