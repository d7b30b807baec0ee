// Package provider abstracts LLM backends behind one contract:
// send(model, prompt, max_tokens, temperature, timeout_ms, structured_output,
// tools) -> response. The interface shape is adapted from the teacher's
// internal/agent.LLMProvider, collapsed from a streaming-channel API to a
// single synchronous call — the gateway's contract (spec.md §4.3) is
// synchronous request/response, not streaming.
package provider

import (
	"context"
	"encoding/json"
	"time"
)

// Tool is one callable the provider may invoke mid-completion.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// ContentBlockType distinguishes the typed content blocks a response may
// carry.
type ContentBlockType string

const (
	BlockText     ContentBlockType = "text"
	BlockToolUse  ContentBlockType = "tool_use"
)

// ContentBlock is one structured piece of a provider response, preserving
// tool-use entries alongside plain text.
type ContentBlock struct {
	Type     ContentBlockType `json:"type"`
	Text     string           `json:"text,omitempty"`
	ToolID   string           `json:"tool_id,omitempty"`
	ToolName string           `json:"tool_name,omitempty"`
	ToolArgs json.RawMessage  `json:"tool_args,omitempty"`
}

// FinishReason is why the provider stopped generating.
type FinishReason string

const (
	FinishStop     FinishReason = "stop"
	FinishLength   FinishReason = "length"
	FinishToolUse  FinishReason = "tool_use"
)

// StructuredOutput requests that the response content validate against a
// JSON schema (mutually exclusive with Tools on one request, per §4.4).
type StructuredOutput struct {
	Schema json.RawMessage `json:"schema"`
}

// Request is sent from the gateway to a provider implementation.
type Request struct {
	ModelID          string
	Prompt           string
	MaxTokens        int
	Temperature      float64
	TimeoutMS        int
	StructuredOutput *StructuredOutput
	Tools            []Tool
}

// Response is what a provider returns on success.
type Response struct {
	Content       string
	ContentBlocks []ContentBlock // nil when the backend does not support them
	FinishReason  FinishReason
	InputTokens   int
	OutputTokens  int
	ModelID       string
	RequestID     string
	LatencyMS     int64
}

// Provider is the abstract LLM backend contract every gateway-routable
// model implements.
type Provider interface {
	// Name is the stable lowercase provider identifier used for routing
	// and logging (e.g. "anthropic", "openai").
	Name() string
	// Send issues one completion request and blocks until a response or a
	// classified *Error is available.
	Send(ctx context.Context, req Request) (*Response, error)
}

// timed is a small helper so adapters can report LatencyMS consistently.
func timed(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
