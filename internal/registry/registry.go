// Package registry holds the process-lifetime mapping from tool name to
// handler and input schema. The registry is write-once-before-serve: it is
// populated during startup and never mutated once the gateway begins
// accepting invocations (§4.1, §5 Shared state).
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/agentguard/mcp-gateway/internal/gatewayerr"
	"github.com/agentguard/mcp-gateway/internal/schema"
)

// Handler is a function from validated arguments to a result value or a
// typed failure. Handlers must observe ctx for cancellation; the harness
// derives a deadline from the tool's envelope and expects handlers to stop
// promptly once ctx is done.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool is a named, schema-validated operation exposed by the gateway.
type Tool struct {
	Name        string
	Description string
	InputSchema *schema.Schema
	Handler     Handler
}

// Metadata is the external, wire-shaped description of a tool.
type Metadata struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	JSONSchema  map[string]any `json:"json_schema"`
}

// Registry is the process-lifetime tool table.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
	order []string
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool, failing with a duplicate_tool error if the name is
// already registered.
func (r *Registry) Register(t *Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[t.Name]; exists {
		return gatewayerr.New(gatewayerr.InternalError, fmt.Sprintf("duplicate_tool: %s", t.Name))
	}
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

// RegisterMany registers a sequence of tools in order, stopping at the first
// failure.
func (r *Registry) RegisterMany(tools []*Tool) error {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// ListNames returns tool names in registration order.
func (r *Registry) ListNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Metadata returns the {name, description, json_schema} triple for every
// registered tool, in registration order.
func (r *Registry) Metadata() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Metadata, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		out = append(out, Metadata{
			Name:        t.Name,
			Description: t.Description,
			JSONSchema:  t.InputSchema.JSONSchema(),
		})
	}
	return out
}

// Lookup returns the tool registered under name, or (nil, false) if absent.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	return t, ok
}
