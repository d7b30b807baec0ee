package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/kitchener-systems/kitchener/internal/budget"
	"github.com/kitchener-systems/kitchener/internal/contract"
	"github.com/kitchener-systems/kitchener/internal/executor"
	"github.com/kitchener-systems/kitchener/internal/gateway"
	"github.com/kitchener-systems/kitchener/internal/ledger"
	"github.com/kitchener-systems/kitchener/internal/memory"
	"github.com/kitchener-systems/kitchener/internal/provider"
	"github.com/kitchener-systems/kitchener/internal/qualitygate"
	"github.com/kitchener-systems/kitchener/internal/session"
	"github.com/kitchener-systems/kitchener/internal/tooldispatch"
)

var errProviderDown = errors.New("provider unreachable")

// stubProvider returns its queued responses in order (repeating the last
// one once the queue is used up), or fails with failErr if it is set, so
// tests can drive classify/synthesize/consolidate outcomes without a
// network call.
type stubProvider struct {
	name    string
	queue   []provider.Response
	i       int
	failErr error
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Send(ctx context.Context, req provider.Request) (*provider.Response, error) {
	if p.failErr != nil {
		return nil, p.failErr
	}
	if p.i >= len(p.queue) {
		return &p.queue[len(p.queue)-1], nil
	}
	r := p.queue[p.i]
	p.i++
	return &r, nil
}

func writeContract(t *testing.T, dir, id string, boundary map[string]any, outputSchema json.RawMessage) {
	t.Helper()
	body := map[string]any{
		"contract_id":    id,
		"version":        "1.0.0",
		"prompt_pack_id": "PP-test-1",
		"boundary":       boundary,
	}
	if outputSchema != nil {
		body["output_schema"] = json.RawMessage(outputSchema)
	}
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, id+".json")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatal(err)
	}
}

func newHarnessWithProvider(t *testing.T, p provider.Provider) (*Supervisor, *session.Manager, string) {
	t.Helper()
	dir := t.TempDir()
	contractsDir := filepath.Join(dir, "contracts")
	if err := os.MkdirAll(contractsDir, 0o755); err != nil {
		t.Fatal(err)
	}

	writeContract(t, contractsDir, "PRC-CLASSIFY-001", map[string]any{"max_tokens": 256, "temperature": 0}, nil)
	writeContract(t, contractsDir, "PRC-SYNTH-001", map[string]any{"max_tokens": 512, "temperature": 0.2}, nil)
	writeContract(t, contractsDir, "PRC-CONSOL-001", map[string]any{"max_tokens": 256, "temperature": 0}, nil)

	hot, err := ledger.Open(filepath.Join(dir, "hot", "hot.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	ho1, err := ledger.Open(filepath.Join(dir, "ho1", "ho1.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	ho2, err := ledger.Open(filepath.Join(dir, "ho2", "ho2.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	signals, err := ledger.Open(filepath.Join(dir, "signals", "signals.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	overlays, err := ledger.Open(filepath.Join(dir, "overlays", "overlays.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		hot.Close()
		ho1.Close()
		ho2.Close()
		signals.Close()
		overlays.Close()
	})

	budgeter := budget.New(budget.ModeEnforce, hot)
	sessions := session.New(ho2)
	sessionID, err := sessions.StartSession()
	if err != nil {
		t.Fatal(err)
	}
	budgeter.OpenSession(sessionID, 1_000_000)

	loader := contract.NewLoader(contractsDir)

	gw := gateway.New(gateway.Config{DefaultProvider: "stub"}, budgeter, hot)
	gw.RegisterProvider(p)

	tools := tooldispatch.New()
	exec := executor.New(loader, gw, tools, budgeter, ho1)
	mem := memory.New(signals, overlays, memory.GateConfig{
		CountThreshold:   2,
		SessionThreshold: 1,
		WindowHours:      24,
		DecayHalfLife:    12,
		SalienceMin:      0.01,
	})

	cfg := Config{
		AgentClass:            "kitchener",
		ClassifyContractID:    "PRC-CLASSIFY-001",
		SynthesizeContractID:  "PRC-SYNTH-001",
		ConsolidateContractID: "PRC-CONSOL-001",
		ClassifyBudget:        256,
		SynthesizeBudget:      512,
		ConsolidationBudget:   256,
		MaxRetries:            1,
	}
	sup := New(sessions, exec, mem, budgeter, ho2, qgCriteria(), cfg)
	return sup, sessions, sessionID
}

func newHarness(t *testing.T, classifyResp, synthResp provider.Response) (*Supervisor, *session.Manager, string) {
	t.Helper()
	return newHarnessWithProvider(t, &stubProvider{name: "stub", queue: []provider.Response{classifyResp, synthResp}})
}

func TestHandleTurnHappyPath(t *testing.T) {
	classifyResp := provider.Response{Content: `{"speech_act":"request"}`, FinishReason: provider.FinishStop}
	synthResp := provider.Response{Content: `{"response_text":"hello there, how can I help"}`, FinishReason: provider.FinishStop}

	sup, sessions, sessionID := newHarness(t, classifyResp, synthResp)

	result, err := sup.HandleTurn(context.Background(), sessionID, "hi")
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if result.Response != "hello there, how can I help" {
		t.Errorf("unexpected response: %q", result.Response)
	}
	if len(result.WOChainSummary) != 2 {
		t.Errorf("expected 2 WOs in chain, got %d", len(result.WOChainSummary))
	}

	snap, ok := sessions.Get(sessionID)
	if !ok || len(snap.Turns) != 1 {
		t.Fatalf("expected exactly one recorded turn, got %+v", snap)
	}
}

func TestHandleTurnClassifyFailureDegrades(t *testing.T) {
	sup, sessions, sessionID := newHarnessWithProvider(t, &stubProvider{name: "stub", failErr: errProviderDown})

	result, err := sup.HandleTurn(context.Background(), sessionID, "hi")
	if err != nil {
		t.Fatalf("HandleTurn should degrade, not error: %v", err)
	}
	if result.Response == "" {
		t.Fatal("expected a degraded response")
	}

	snap, ok := sessions.Get(sessionID)
	if !ok || len(snap.Turns) != 1 {
		t.Fatalf("degraded path must still record exactly one turn, got %+v", snap)
	}
}

func TestHandleTurnQualityGateRejectDegrades(t *testing.T) {
	classifyResp := provider.Response{Content: `{"speech_act":"request"}`, FinishReason: provider.FinishStop}
	rejectResp := provider.Response{Content: `{"response_text":""}`, FinishReason: provider.FinishStop}

	sup, sessions, sessionID := newHarness(t, classifyResp, rejectResp)

	result, err := sup.HandleTurn(context.Background(), sessionID, "hi")
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if result.Response == "" {
		t.Fatal("expected a non-empty degraded response on quality-gate rejection")
	}

	snap, ok := sessions.Get(sessionID)
	if !ok || len(snap.Turns) != 1 {
		t.Fatalf("rejected path must still record exactly one turn, got %+v", snap)
	}
}

func TestRunConsolidationSkipsBelowGate(t *testing.T) {
	classifyResp := provider.Response{Content: `{"speech_act":"request"}`, FinishReason: provider.FinishStop}
	synthResp := provider.Response{Content: `{"response_text":"ok"}`, FinishReason: provider.FinishStop}
	sup, _, sessionID := newHarness(t, classifyResp, synthResp)

	results := sup.RunConsolidation(context.Background(), sessionID, []string{"intent:request"})
	if len(results) != 1 {
		t.Fatalf("expected one result, got %d", len(results))
	}
	if !results[0].Skipped {
		t.Errorf("expected skip for a signal below the gate threshold, got %+v", results[0])
	}
}

