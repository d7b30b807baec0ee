package gateway

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/kitchener-systems/kitchener/internal/budget"
	"github.com/kitchener-systems/kitchener/internal/ledger"
	"github.com/kitchener-systems/kitchener/internal/provider"
)

type stubProvider struct {
	name string
	resp *provider.Response
	err  error
}

func (s *stubProvider) Name() string { return s.name }
func (s *stubProvider) Send(ctx context.Context, req provider.Request) (*provider.Response, error) {
	return s.resp, s.err
}

func newTestGateway(t *testing.T, mode budget.Mode, cfg Config) (*Gateway, *budget.Budgeter) {
	t.Helper()
	stream, err := ledger.Open(filepath.Join(t.TempDir(), "hot", "exchange.jsonl"))
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() { stream.Close() })

	b := budget.New(mode, stream)
	b.OpenSession("SES-1", 10000)
	if err := b.Allocate(budget.ScopeWorkOrder, "WO-1", "SES-1", 500); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	return New(cfg, b, stream), b
}

func TestRouteResolvesExplicitProvider(t *testing.T) {
	g, _ := newTestGateway(t, budget.ModeEnforce, Config{DefaultProvider: "anthropic"})
	g.RegisterProvider(&stubProvider{name: "openai", resp: &provider.Response{Content: "hi", InputTokens: 5, OutputTokens: 5}})

	resp := g.Route(context.Background(), Request{ProviderID: "openai", WorkOrderID: "WO-1", MaxTokens: 100})
	if resp.Outcome != OutcomeSuccess {
		t.Fatalf("expected success, got %v (%s)", resp.Outcome, resp.ErrorMessage)
	}
	if resp.ProviderID != "openai" {
		t.Errorf("ProviderID = %q, want openai", resp.ProviderID)
	}
	if resp.ExchangeEntryID == "" {
		t.Error("expected an exchange_entry_id to be recorded")
	}
}

func TestRouteResolvesByDomainTag(t *testing.T) {
	g, _ := newTestGateway(t, budget.ModeEnforce, Config{
		DomainTagRoutes: map[string]Route{"consolidation": {ProviderID: "cheap-model", ModelID: "small"}},
		DefaultProvider: "anthropic",
	})
	g.RegisterProvider(&stubProvider{name: "cheap-model", resp: &provider.Response{Content: "ok"}})

	resp := g.Route(context.Background(), Request{DomainTags: []string{"consolidation"}, WorkOrderID: "WO-1", MaxTokens: 100})
	if resp.ProviderID != "cheap-model" {
		t.Errorf("ProviderID = %q, want cheap-model", resp.ProviderID)
	}
}

func TestRouteUnknownProviderIsRejected(t *testing.T) {
	g, _ := newTestGateway(t, budget.ModeEnforce, Config{DefaultProvider: "ghost"})

	resp := g.Route(context.Background(), Request{WorkOrderID: "WO-1", MaxTokens: 100})
	if resp.Outcome != OutcomeRejected || resp.ErrorKind != "unknown_provider" {
		t.Fatalf("expected unknown_provider rejection, got %+v", resp)
	}
}

func TestRouteEnforceRejectsOverBudget(t *testing.T) {
	g, _ := newTestGateway(t, budget.ModeEnforce, Config{DefaultProvider: "anthropic"})
	g.RegisterProvider(&stubProvider{name: "anthropic", resp: &provider.Response{Content: "hi"}})

	resp := g.Route(context.Background(), Request{WorkOrderID: "WO-1", MaxTokens: 100000})
	if resp.Outcome != OutcomeRejected || resp.ErrorKind != "budget_exceeded" {
		t.Fatalf("expected budget_exceeded rejection, got %+v", resp)
	}
}

func TestRouteClassifiesProviderError(t *testing.T) {
	g, _ := newTestGateway(t, budget.ModeEnforce, Config{DefaultProvider: "anthropic"})
	g.RegisterProvider(&stubProvider{name: "anthropic", err: provider.Wrap("anthropic", "claude", 429, errors.New("rate limit"))})

	resp := g.Route(context.Background(), Request{WorkOrderID: "WO-1", MaxTokens: 100})
	if resp.Outcome != OutcomeError || resp.ErrorKind != string(provider.KindRateLimited) {
		t.Fatalf("expected rate_limited error outcome, got %+v", resp)
	}
}

func TestRouteDebitsBudgetOnSuccess(t *testing.T) {
	g, b := newTestGateway(t, budget.ModeEnforce, Config{DefaultProvider: "anthropic"})
	g.RegisterProvider(&stubProvider{name: "anthropic", resp: &provider.Response{Content: "hi", InputTokens: 50, OutputTokens: 25}})

	resp := g.Route(context.Background(), Request{WorkOrderID: "WO-1", MaxTokens: 100})
	if resp.Outcome != OutcomeSuccess {
		t.Fatalf("expected success, got %+v", resp)
	}
	if resp.CostIncurred != 75 {
		t.Errorf("CostIncurred = %d, want 75", resp.CostIncurred)
	}
	remaining, ok := b.Remaining("WO-1")
	if !ok {
		t.Fatal("expected WO-1 scope to exist")
	}
	if remaining != 500-75 {
		t.Errorf("WO-1 remaining = %d, want %d", remaining, 500-75)
	}
}
