// Package tooldispatch registers named tool handlers and executes them by
// name with a JSON argument object (spec.md §4.3 Tool Dispatcher, §6 Tool
// handler contract). The registry shape is adapted from the teacher's
// internal/agent.ToolRegistry, dropping the async-job queue, approval
// gate, and policy-based name filtering — none of those are named by the
// spec's dispatcher contract.
package tooldispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kitchener-systems/kitchener/internal/metrics"
	"github.com/kitchener-systems/kitchener/internal/provider"
)

// MaxToolNameLength bounds a registered tool's name, mirroring the
// teacher's registry guard against malformed plugin input.
const MaxToolNameLength = 256

// MaxParamsSize bounds the serialized size of a tool call's arguments.
const MaxParamsSize = 10 << 20

// Status is the outcome of one tool execution.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Result is what a tool handler call returns to the executor: status plus
// either an output payload or an error message.
type Result struct {
	Status Status          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Handler is one named tool implementation.
type Handler interface {
	// Name is the stable tool ID the LLM sees in tools_allowed and in its
	// tool_use content blocks.
	Name() string
	// Description is shown to the LLM as part of the tool's schema.
	Description() string
	// Schema is the JSON Schema describing the tool's argument object.
	Schema() json.RawMessage
	// Execute runs the tool against a JSON argument object.
	Execute(ctx context.Context, args json.RawMessage) Result
}

// Registry stores tool handlers keyed by name and exposes their schemas
// for the executor to pass to the gateway/provider.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Handler
	metrics *metrics.Recorder
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{tools: make(map[string]Handler)}
}

// SetMetrics attaches a metrics Recorder the registry reports dispatches
// to. Optional — a Registry with no Recorder attached records nothing.
func (r *Registry) SetMetrics(rec *metrics.Recorder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = rec
}

// Register adds a handler, replacing any previous handler with the same
// name.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("tooldispatch: nil handler")
	}
	name := h.Name()
	if name == "" {
		return fmt.Errorf("tooldispatch: handler has empty name")
	}
	if len(name) > MaxToolNameLength {
		return fmt.Errorf("tooldispatch: tool name %q exceeds %d bytes", name, MaxToolNameLength)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = h
	return nil
}

// Get returns the handler registered under name, if any.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.tools[name]
	return h, ok
}

// Execute dispatches one tool call by name. An unknown tool or an
// oversized argument payload is returned as a Result{Status: error}
// rather than a Go error, matching the dispatcher contract's
// {status, output|error} shape (§6).
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) Result {
	r.mu.RLock()
	rec := r.metrics
	r.mu.RUnlock()
	if rec != nil {
		rec.IncToolCall(name)
	}
	if len(args) > MaxParamsSize {
		return Result{Status: StatusError, Error: fmt.Sprintf("tooldispatch: arguments exceed %d bytes", MaxParamsSize)}
	}
	h, ok := r.Get(name)
	if !ok {
		return Result{Status: StatusError, Error: fmt.Sprintf("tooldispatch: unknown tool %q", name)}
	}
	return h.Execute(ctx, args)
}

// AsProviderTools returns the JSON-Schema tool descriptions for the given
// tool IDs, in the shape provider.Provider.Send expects. Unknown IDs are
// silently skipped; a work order naming a tool the registry does not have
// is not rejected, the tool is just not offered to the provider.
func (r *Registry) AsProviderTools(ids []string) []provider.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]provider.Tool, 0, len(ids))
	for _, id := range ids {
		h, ok := r.tools[id]
		if !ok {
			continue
		}
		out = append(out, provider.Tool{
			Name:        h.Name(),
			Description: h.Description(),
			Schema:      h.Schema(),
		})
	}
	return out
}

// GetAPITools returns every registered tool's schema, regardless of any
// work order's tools_allowed filter — this is the dispatcher's
// get_api_tools() entry point named in §6.
func (r *Registry) GetAPITools() []provider.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]provider.Tool, 0, len(r.tools))
	for _, h := range r.tools {
		out = append(out, provider.Tool{
			Name:        h.Name(),
			Description: h.Description(),
			Schema:      h.Schema(),
		})
	}
	return out
}
