// Package executor is the single canonical LLM-call point: it loads a
// prompt contract, builds a request, runs a bounded tool-use loop through
// the gateway and tool dispatcher, validates output, and writes the
// execution trace (spec.md §4.4). It is structured as a straight-line
// sequential algorithm per work order, following the teacher's
// internal/agent agentic-loop shape but collapsed to the executor's
// fixed load→call→tool-loop→validate pipeline rather than an
// open-ended agent loop.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/kitchener-systems/kitchener/internal/budget"
	"github.com/kitchener-systems/kitchener/internal/contract"
	"github.com/kitchener-systems/kitchener/internal/gateway"
	"github.com/kitchener-systems/kitchener/internal/ledger"
	"github.com/kitchener-systems/kitchener/internal/metrics"
	"github.com/kitchener-systems/kitchener/internal/provider"
	"github.com/kitchener-systems/kitchener/internal/tooldispatch"
	"github.com/kitchener-systems/kitchener/pkg/wo"
)

// Executor runs work orders to completion.
type Executor struct {
	contracts *contract.Loader
	gateway   *gateway.Gateway
	tools     *tooldispatch.Registry
	budgeter  *budget.Budgeter
	trace     *ledger.Stream // the "ho1" tier stream
	metrics   *metrics.Recorder
}

// New creates an Executor. trace is the ho1-tier ledger stream.
func New(contracts *contract.Loader, gw *gateway.Gateway, tools *tooldispatch.Registry, budgeter *budget.Budgeter, trace *ledger.Stream) *Executor {
	return &Executor{contracts: contracts, gateway: gw, tools: tools, budgeter: budgeter, trace: trace}
}

// SetMetrics attaches a metrics Recorder the executor reports terminal
// work-order states to. Optional.
func (e *Executor) SetMetrics(r *metrics.Recorder) {
	e.metrics = r
}

// toolUse is one extracted tool invocation pending dispatch.
type toolUse struct {
	ID   string
	Name string
	Args json.RawMessage
}

// Execute runs w.Type-appropriate handling to completion and returns the
// same *wo.WO, now terminal (completed or failed).
func (e *Executor) Execute(ctx context.Context, w *wo.WO) *wo.WO {
	w.State = wo.StateExecuting
	e.logTrace("WO_EXECUTING", w, "", nil)

	if w.Type == wo.TypeToolCall {
		return e.executeToolCall(ctx, w)
	}

	c, err := e.contracts.Load(w.Constraints.PromptContractID)
	if err != nil {
		return e.fail(w, "contract_not_found", err.Error())
	}

	if err := c.ValidateInput(w.InputContext); err != nil {
		return e.fail(w, "input_schema_invalid", err.Error())
	}

	templateVars, err := flattenToTemplateVars(w.InputContext)
	if err != nil {
		return e.fail(w, "input_schema_invalid", err.Error())
	}

	tools := e.tools.AsProviderTools(w.Constraints.ToolsAllowed)
	var structuredOut *provider.StructuredOutput
	if len(tools) == 0 && c.StructuredOutput != nil {
		structuredOut = &provider.StructuredOutput{Schema: c.StructuredOutput.Schema}
	}

	req := gateway.Request{
		ContractID:        w.Constraints.PromptContractID,
		MaxTokens:         c.Boundary.MaxTokens,
		Temperature:       c.Boundary.Temperature,
		PromptTemplate:    renderInputContext(templateVars),
		TemplateVariables: templateVars,
		Tools:             tools,
		StructuredOutput:  structuredOut,
		DomainTags:        w.Constraints.DomainTags,
		SessionID:         w.SessionID,
		WorkOrderID:       w.ID,
		PromptPackID:      c.PromptPackID,
	}

	finalText, failure := e.toolLoop(ctx, w, req)
	if failure != nil {
		return e.fail(w, failure.Kind, failure.Message)
	}

	result := parseOutput(finalText, c)
	w.Complete(result)
	e.logTrace("WO_COMPLETED", w, "", nil)
	e.recordCompletion(w)
	return w
}

// executeToolCall handles wo_type == "tool_call": resolve the tool and
// dispatch directly, no LLM involved (§4.4 step 2).
func (e *Executor) executeToolCall(ctx context.Context, w *wo.WO) *wo.WO {
	var call struct {
		ToolID string          `json:"tool_id"`
		Args   json.RawMessage `json:"args"`
	}
	if err := json.Unmarshal(w.InputContext, &call); err != nil {
		return e.fail(w, "input_schema_invalid", err.Error())
	}

	result := e.tools.Execute(ctx, call.ToolID, call.Args)
	e.logTrace("TOOL_CALL", w, "", map[string]any{
		"tool_id":      call.ToolID,
		"arguments":    string(call.Args),
		"result":       string(result.Output),
		"tool_error":   result.Error,
		"args_bytes":   len(call.Args),
		"result_bytes": len(result.Output),
		"status":       string(result.Status),
	})
	w.Cost.ToolIDsUsed = append(w.Cost.ToolIDsUsed, call.ToolID)

	if result.Status == tooldispatch.StatusError {
		return e.fail(w, "tool_error", result.Error)
	}

	out, _ := json.Marshal(map[string]json.RawMessage{"output": result.Output})
	w.Complete(out)
	e.logTrace("WO_COMPLETED", w, "", nil)
	e.recordCompletion(w)
	return w
}

type toolLoopFailure struct {
	Kind    string
	Message string
}

// toolLoop runs the bounded gateway/tool-dispatch loop of §4.4 step 6.
func (e *Executor) toolLoop(ctx context.Context, w *wo.WO, req gateway.Request) (string, *toolLoopFailure) {
	turnLimit := w.Constraints.TurnLimit
	if turnLimit <= 0 {
		turnLimit = 1
	}

	var finalText string
	resolved := false
	for turn := 0; turn < turnLimit; turn++ {
		resp := e.gateway.Route(ctx, req)
		e.logTrace("LLM_CALL", w, "", map[string]any{
			"prompt_size":   len(req.PromptTemplate),
			"response_size": len(resp.Content),
			"input_tokens":  resp.InputTokens,
			"output_tokens": resp.OutputTokens,
			"model_id":      resp.ModelID,
			"latency_ms":    resp.LatencyMS,
		})
		w.Cost.InputTokens += resp.InputTokens
		w.Cost.OutputTokens += resp.OutputTokens
		w.Cost.LLMCalls++

		if resp.Outcome != gateway.OutcomeSuccess {
			mode := e.budgeter.Mode()
			if mode == budget.ModeEnforce {
				return "", &toolLoopFailure{Kind: resp.ErrorKind, Message: resp.ErrorMessage}
			}
			if mode == budget.ModeWarn {
				e.logTrace("BUDGET_WARNING", w, resp.ErrorMessage, map[string]any{"error_kind": resp.ErrorKind})
			}
			// warn/off: treat as success with empty content, loop exits below
			finalText = resp.Content
			resolved = true
			break
		}

		uses := extractToolUses(resp, w.Constraints.ToolsAllowed)
		if len(uses) == 0 {
			finalText = resp.Content
			resolved = true
			break
		}

		toolResults := make([]string, 0, len(uses))
		for _, use := range uses {
			result := e.tools.Execute(ctx, use.Name, use.Args)
			e.logTrace("TOOL_CALL", w, "", map[string]any{
				"tool_id":      use.Name,
				"arguments":    string(use.Args),
				"result":       string(result.Output),
				"tool_error":   result.Error,
				"args_bytes":   len(use.Args),
				"result_bytes": len(result.Output),
				"status":       string(result.Status),
			})
			w.Cost.ToolIDsUsed = append(w.Cost.ToolIDsUsed, use.Name)
			toolResults = append(toolResults, fmt.Sprintf("[tool_result %s]: %s%s", use.Name, result.Output, result.Error))
		}
		req.PromptTemplate = req.PromptTemplate + "\n" + strings.Join(toolResults, "\n")

		if remaining, ok := e.budgeter.Remaining(w.ID); ok && remaining < w.Constraints.FollowupMinRemain {
			mode := e.budgeter.Mode()
			switch budget.ApplyPolicy(true, mode) {
			case budget.OutcomeFail:
				return "", &toolLoopFailure{Kind: "budget_exhausted", Message: "remaining budget below followup_min_remaining"}
			case budget.OutcomeWarnOutcome:
				e.logTrace("BUDGET_WARNING", w, "remaining budget below followup_min_remaining", map[string]any{"remaining": remaining})
			}
		}
	}
	if !resolved {
		return "", &toolLoopFailure{Kind: "turn_limit_exceeded", Message: fmt.Sprintf("tool-use loop did not settle within turn_limit=%d", turnLimit)}
	}
	return finalText, nil
}

// extractToolUses pulls tool_use content blocks, preferring the
// structured ContentBlocks and falling back to a finish_reason heuristic
// when the provider does not supply blocks (§4.4 step 6c; also resolves
// the Open Question on that fallback's exact shape: scan for a single
// trailing JSON object naming "tool" and "arguments" keys).
func extractToolUses(resp *gateway.Response, allowed []string) []toolUse {
	allowedSet := make(map[string]bool, len(allowed))
	for _, id := range allowed {
		allowedSet[id] = true
	}
	if len(allowedSet) == 0 {
		return nil
	}

	var uses []toolUse
	if resp.ContentBlocks != nil {
		for _, b := range resp.ContentBlocks {
			if b.Type != provider.BlockToolUse {
				continue
			}
			if !allowedSet[b.ToolName] {
				continue
			}
			uses = append(uses, toolUse{ID: b.ToolID, Name: b.ToolName, Args: b.ToolArgs})
		}
		return uses
	}

	if resp.FinishReason == provider.FinishToolUse {
		if name, args, ok := heuristicToolUse(resp.Content); ok && allowedSet[name] {
			uses = append(uses, toolUse{Name: name, Args: args})
		}
	}
	return uses
}

// heuristicToolUse looks for a trailing JSON object of the shape
// {"tool": "<name>", "arguments": {...}} in free text, the fallback path
// for providers that signal tool_use via finish_reason without
// structured content blocks.
func heuristicToolUse(content string) (string, json.RawMessage, bool) {
	for start := strings.LastIndex(content, "{"); start != -1; start = strings.LastIndex(content[:start], "{") {
		var parsed struct {
			Tool      string          `json:"tool"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal([]byte(content[start:]), &parsed); err == nil && parsed.Tool != "" {
			return parsed.Tool, parsed.Arguments, true
		}
	}
	return "", nil, false
}

// parseOutput implements §4.4 step 7: strip code fences, parse as JSON
// against the contract's output_schema, and wrap as response_text on any
// failure.
func parseOutput(text string, c *contract.Contract) json.RawMessage {
	stripped := stripCodeFences(text)
	raw := json.RawMessage(stripped)

	var probe any
	if json.Unmarshal(raw, &probe) == nil {
		if err := c.ValidateOutput(raw); err == nil {
			return raw
		}
	}

	wrapped, _ := json.Marshal(map[string]string{"response_text": text})
	return wrapped
}

func stripCodeFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.Index(trimmed, "\n"); idx != -1 {
		firstLine := trimmed[:idx]
		if !strings.Contains(firstLine, "{") && !strings.Contains(firstLine, "[") {
			trimmed = trimmed[idx+1:]
		}
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

func (e *Executor) fail(w *wo.WO, kind, message string) *wo.WO {
	w.Fail(kind, message)
	e.logTrace("WO_FAILED", w, message, map[string]any{"error_kind": kind})
	e.recordCompletion(w)
	return w
}

// recordCompletion reports w's terminal state to the attached metrics
// Recorder, if any.
func (e *Executor) recordCompletion(w *wo.WO) {
	if e.metrics == nil {
		return
	}
	e.metrics.IncWOCompleted(string(w.State), string(w.Type))
}

func (e *Executor) logTrace(eventType string, w *wo.WO, reason string, metadata map[string]any) {
	if e.trace == nil {
		return
	}
	_, _ = e.trace.Write(ledger.Entry{
		EventType:    eventType,
		SubmissionID: w.ID,
		Decision:     string(w.State),
		Reason:       reason,
		Metadata:     metadata,
	})
}

// flattenToTemplateVars turns a JSON object's top-level fields into the
// string-keyed template variable map the gateway's naive {{var}}
// substitution expects.
func flattenToTemplateVars(inputContext json.RawMessage) (map[string]string, error) {
	if len(inputContext) == 0 {
		return nil, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(inputContext, &obj); err != nil {
		return nil, fmt.Errorf("executor: input_context must be a JSON object: %w", err)
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		out[k] = stringify(v)
	}
	return out, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

// renderInputContext builds the prompt text directly from the work
// order's flattened input fields. Prompt-pack storage and its templating
// syntax are not part of §6's external interfaces, so the contract's
// prompt_pack_id is recorded in the ledger's prompts_used for provenance
// while the actual prompt body is assembled from input_context here.
func renderInputContext(vars map[string]string) string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %s", k, vars[k]))
	}
	return strings.Join(lines, "\n")
}
