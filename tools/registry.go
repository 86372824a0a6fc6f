// Package tools maps tool names to invocable handlers and carries the
// per-tool authorization flag the turn executor gates dispatch on.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/loomworks/loom/core/protocol"
)

// Handler is the function signature for tool implementations.
// Handlers receive the invocation context and JSON-encoded arguments.
type Handler func(ctx context.Context, args json.RawMessage) (Result, error)

// Result is the tool execution output that feeds back into the next model
// round. IsError signals to the model that the invocation failed.
type Result struct {
	Content string
	IsError bool
}

type entry struct {
	tool    protocol.Tool
	handler Handler
}

// Registry maps tool names to handlers. Each session backend holds its own
// Registry, so independent sessions (and tests) never share tool state.
// Thread-safe for concurrent access.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a new tool. Returns ErrAlreadyExists if a tool with the
// same name is registered; use Replace to update an existing handler.
func (r *Registry) Register(tool protocol.Tool, handler Handler) error {
	if tool.Name == "" {
		return ErrEmptyName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[tool.Name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, tool.Name)
	}

	r.entries[tool.Name] = entry{tool: tool, handler: handler}
	return nil
}

// Replace updates an existing tool's definition and handler.
// Returns ErrNotFound if no tool with the given name is registered.
func (r *Registry) Replace(tool protocol.Tool, handler Handler) error {
	if tool.Name == "" {
		return ErrEmptyName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[tool.Name]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, tool.Name)
	}

	r.entries[tool.Name] = entry{tool: tool, handler: handler}
	return nil
}

// Get retrieves a handler by tool name.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.entries[name]
	if !exists {
		return nil, false
	}
	return e.handler, true
}

// RequiresApproval reports whether the named tool is gated behind a human
// authorization decision. Unknown tools require approval; the executor
// fails them rather than dispatching blind.
func (r *Registry) RequiresApproval(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.entries[name]
	if !exists {
		return true
	}
	return e.tool.RequiresApproval
}

// List returns the definitions of all registered tools, sorted by name.
func (r *Registry) List() []protocol.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]protocol.Tool, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute dispatches a tool call to the registered handler by name.
// Returns ErrNotFound if the tool is not registered. Handler errors are
// wrapped with the tool name for context.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (Result, error) {
	r.mu.RLock()
	e, exists := r.entries[name]
	r.mu.RUnlock()

	if !exists {
		return Result{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	result, err := e.handler(ctx, args)
	if err != nil {
		return Result{}, fmt.Errorf("tool %s execution failed: %w", name, err)
	}

	return result, nil
}
