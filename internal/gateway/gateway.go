// Package gateway resolves a provider for a prompt request, enforces
// budget, renders the prompt template, sends through the resolved
// provider, and writes the EXCHANGE ledger event (spec.md §4.3). It is
// the single authoritative point of budget debit: the executor must
// never debit directly.
package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kitchener-systems/kitchener/internal/budget"
	"github.com/kitchener-systems/kitchener/internal/ledger"
	"github.com/kitchener-systems/kitchener/internal/provider"
)

// Outcome is the high-level result of routing one request.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeRejected Outcome = "rejected"
	OutcomeError    Outcome = "error"
)

// Route carries a provider_id/model_id pair resolved for a domain tag.
type Route struct {
	ProviderID string
	ModelID    string
}

// Request is what the executor sends the gateway.
type Request struct {
	ContractID         string
	ProviderID         string // optional explicit override
	ModelID            string // optional explicit override
	MaxTokens          int
	Temperature        float64
	PromptTemplate     string
	TemplateVariables  map[string]string
	Tools              []provider.Tool
	StructuredOutput   *provider.StructuredOutput
	DomainTags         []string
	SessionID          string
	WorkOrderID        string
	PromptPackID       string
	TimeoutMS          int
}

// Response is what the gateway returns to the executor.
type Response struct {
	Content         string
	ContentBlocks   []provider.ContentBlock
	FinishReason    provider.FinishReason
	InputTokens     int
	OutputTokens    int
	ModelID         string
	ProviderID      string
	LatencyMS       int64
	Outcome         Outcome
	ExchangeEntryID string
	CostIncurred    int
	BudgetRemaining int
	ErrorKind       string
	ErrorMessage    string
}

// Gateway routes requests to the provider resolved by explicit ID,
// domain-tag map, or configured default.
type Gateway struct {
	providers       map[string]provider.Provider
	domainTagRoutes map[string]Route
	defaultProvider string
	budgeter        *budget.Budgeter
	events          *ledger.Stream
}

// Config configures provider resolution.
type Config struct {
	DomainTagRoutes map[string]Route
	DefaultProvider string
}

// New creates a Gateway. events is the "hot" tier ledger stream the
// gateway writes EXCHANGE entries to.
func New(cfg Config, budgeter *budget.Budgeter, events *ledger.Stream) *Gateway {
	return &Gateway{
		providers:       make(map[string]provider.Provider),
		domainTagRoutes: cfg.DomainTagRoutes,
		defaultProvider: cfg.DefaultProvider,
		budgeter:        budgeter,
		events:          events,
	}
}

// RegisterProvider makes a provider available for routing under its
// Name().
func (g *Gateway) RegisterProvider(p provider.Provider) {
	g.providers[p.Name()] = p
}

// resolve implements §4.3 step 1: explicit ID, then domain-tag map, then
// default.
func (g *Gateway) resolve(req Request) Route {
	if req.ProviderID != "" {
		return Route{ProviderID: req.ProviderID, ModelID: req.ModelID}
	}
	for _, tag := range req.DomainTags {
		if route, ok := g.domainTagRoutes[tag]; ok {
			return route
		}
	}
	return Route{ProviderID: g.defaultProvider, ModelID: req.ModelID}
}

func renderTemplate(template string, vars map[string]string) string {
	out := template
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{{"+k+"}}", v)
	}
	return out
}

// Route implements the full §4.3 algorithm.
func (g *Gateway) Route(ctx context.Context, req Request) *Response {
	route := g.resolve(req)

	p, ok := g.providers[route.ProviderID]
	if !ok {
		return &Response{Outcome: OutcomeRejected, ErrorKind: "unknown_provider", ErrorMessage: fmt.Sprintf("no provider registered for %q", route.ProviderID)}
	}

	callScope := req.WorkOrderID + ":" + shortCallID()
	mode := g.budgeter.Mode()
	check := g.budgeter.Check(req.WorkOrderID, req.MaxTokens)
	if !check.Allowed {
		switch budget.ApplyPolicy(true, mode) {
		case budget.OutcomeFail:
			return &Response{Outcome: OutcomeRejected, ErrorKind: "budget_exceeded", ErrorMessage: check.Reason}
		case budget.OutcomeWarnOutcome:
			g.writeBudgetWarning(req.WorkOrderID, check.Reason)
		}
	}

	prompt := renderTemplate(req.PromptTemplate, req.TemplateVariables)

	start := time.Now()
	providerReq := provider.Request{
		ModelID:          route.ModelID,
		Prompt:           prompt,
		MaxTokens:        req.MaxTokens,
		Temperature:      req.Temperature,
		TimeoutMS:        req.TimeoutMS,
		StructuredOutput: req.StructuredOutput,
		Tools:            req.Tools,
	}
	resp, err := p.Send(ctx, providerReq)
	if err != nil {
		kind, msg := classifyProviderErr(err)
		g.writeExchange(req, route, prompt, "", 0, 0, time.Since(start).Milliseconds(), OutcomeError, kind, msg)
		return &Response{Outcome: OutcomeError, ErrorKind: kind, ErrorMessage: msg, LatencyMS: time.Since(start).Milliseconds()}
	}

	debitScope := callScope
	if err := g.budgeter.Allocate(budget.ScopeLLMCall, callScope, req.WorkOrderID, resp.OutputTokens+resp.InputTokens); err != nil {
		// allocation past session/WO ceiling: debit the work-order scope
		// directly so usage it could not reserve ahead of time is still
		// tracked.
		debitScope = req.WorkOrderID
	}
	debit, _ := g.budgeter.Debit(debitScope, resp.OutputTokens+resp.InputTokens)

	entryID := g.writeExchange(req, route, prompt, resp.Content, resp.InputTokens, resp.OutputTokens, resp.LatencyMS, OutcomeSuccess, "", "")

	return &Response{
		Content:         resp.Content,
		ContentBlocks:   resp.ContentBlocks,
		FinishReason:    resp.FinishReason,
		InputTokens:     resp.InputTokens,
		OutputTokens:    resp.OutputTokens,
		ModelID:         resp.ModelID,
		ProviderID:      p.Name(),
		LatencyMS:       resp.LatencyMS,
		Outcome:         OutcomeSuccess,
		ExchangeEntryID: entryID,
		CostIncurred:    resp.InputTokens + resp.OutputTokens,
		BudgetRemaining: debit.Remaining,
	}
}

// classifyProviderErr maps a provider error (§4.3 step 8) to the kind and
// message the executor surfaces.
func classifyProviderErr(err error) (string, string) {
	if pe, ok := provider.AsProviderError(err); ok {
		return string(pe.Kind), pe.Error()
	}
	return "unknown", err.Error()
}

func (g *Gateway) writeExchange(req Request, route Route, prompt, responseContent string, inputTokens, outputTokens int, latencyMS int64, outcome Outcome, errKind, errMsg string) string {
	if g.events == nil {
		return ""
	}
	meta := map[string]any{
		"prompt":          prompt,
		"response":        responseContent,
		"provider_id":     route.ProviderID,
		"model_id":        route.ModelID,
		"input_tokens":    inputTokens,
		"output_tokens":   outputTokens,
		"latency_ms":      latencyMS,
		"provenance": map[string]any{
			"session_id":     req.SessionID,
			"work_order_id":  req.WorkOrderID,
		},
	}
	if errKind != "" {
		meta["error_kind"] = errKind
		meta["error_message"] = errMsg
	}
	var prompts []string
	if req.PromptPackID != "" {
		prompts = []string{req.PromptPackID}
	}
	id, err := g.events.Write(ledger.Entry{
		EventType:    "EXCHANGE",
		SubmissionID: req.WorkOrderID,
		Decision:     string(outcome),
		Reason:       errMsg,
		PromptsUsed:  prompts,
		Metadata:     meta,
	})
	if err != nil {
		return ""
	}
	return id
}

// writeBudgetWarning logs a BUDGET_WARNING event when a pre-call budget
// check fails in warn mode but the call proceeds anyway.
func (g *Gateway) writeBudgetWarning(scopeID, reason string) {
	if g.events == nil {
		return
	}
	_, _ = g.events.Write(ledger.Entry{
		EventType:    "BUDGET_WARNING",
		SubmissionID: scopeID,
		Decision:     "warn",
		Reason:       reason,
	})
}

var callCounter uint64

// shortCallID returns a unique per-process call identifier. Concurrent
// sessions (§5) may route calls in parallel, so the counter is bumped
// atomically rather than relying on UnixNano alone to avoid collisions.
func shortCallID() string {
	n := atomic.AddUint64(&callCounter, 1)
	return fmt.Sprintf("call-%d-%d", time.Now().UnixNano(), n)
}
