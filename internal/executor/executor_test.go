package executor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/kitchener-systems/kitchener/internal/budget"
	"github.com/kitchener-systems/kitchener/internal/contract"
	"github.com/kitchener-systems/kitchener/internal/gateway"
	"github.com/kitchener-systems/kitchener/internal/ledger"
	"github.com/kitchener-systems/kitchener/internal/provider"
	"github.com/kitchener-systems/kitchener/internal/tooldispatch"
	"github.com/kitchener-systems/kitchener/pkg/wo"
)

type stubProvider struct {
	responses []*provider.Response
	calls     int
}

func (s *stubProvider) Name() string { return "stub" }
func (s *stubProvider) Send(ctx context.Context, req provider.Request) (*provider.Response, error) {
	r := s.responses[s.calls]
	if s.calls < len(s.responses)-1 {
		s.calls++
	}
	return r, nil
}

type echoTool struct{}

func (echoTool) Name() string            { return "lookup" }
func (echoTool) Description() string     { return "looks something up" }
func (echoTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (echoTool) Execute(ctx context.Context, args json.RawMessage) tooldispatch.Result {
	return tooldispatch.Result{Status: tooldispatch.StatusOK, Output: json.RawMessage(`{"found":true}`)}
}

func newTestExecutor(t *testing.T, p provider.Provider, contractBody string) (*Executor, *wo.WO) {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "PRC-TEST-001.json"), []byte(contractBody), 0o644); err != nil {
		t.Fatalf("write contract: %v", err)
	}
	loader := contract.NewLoader(dir)

	hot, err := ledger.Open(filepath.Join(t.TempDir(), "hot", "exchange.jsonl"))
	if err != nil {
		t.Fatalf("ledger.Open hot: %v", err)
	}
	t.Cleanup(func() { hot.Close() })
	ho1, err := ledger.Open(filepath.Join(t.TempDir(), "ho1", "ho1m.jsonl"))
	if err != nil {
		t.Fatalf("ledger.Open ho1: %v", err)
	}
	t.Cleanup(func() { ho1.Close() })

	b := budget.New(budget.ModeEnforce, hot)
	b.OpenSession("SES-1", 100000)
	if err := b.Allocate(budget.ScopeWorkOrder, "WO-1", "SES-1", 10000); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	gw := gateway.New(gateway.Config{DefaultProvider: "stub"}, b, hot)
	gw.RegisterProvider(p)

	tools := tooldispatch.New()
	_ = tools.Register(echoTool{})

	exec := New(loader, gw, tools, b, ho1)

	w := wo.New("WO-1", wo.TypeSynthesize, "SES-1", wo.Constraints{
		PromptContractID: "PRC-TEST-001",
		TurnLimit:        3,
	}, json.RawMessage(`{"user_message": "hello"}`))

	return exec, w
}

const simpleContract = `{
	"contract_id": "PRC-TEST-001",
	"version": "1.0.0",
	"prompt_pack_id": "pack-test",
	"boundary": {"max_tokens": 1024, "temperature": 0.5}
}`

func TestExecuteSimpleSynthesizeCompletes(t *testing.T) {
	p := &stubProvider{responses: []*provider.Response{
		{Content: `{"response_text": "hi there"}`, FinishReason: provider.FinishStop, InputTokens: 10, OutputTokens: 5},
	}}
	exec, w := newTestExecutor(t, p, simpleContract)

	result := exec.Execute(context.Background(), w)
	if result.State != wo.StateCompleted {
		t.Fatalf("expected completed, got %s (error=%v)", result.State, result.Error)
	}
	if result.Cost.LLMCalls != 1 {
		t.Errorf("LLMCalls = %d, want 1", result.Cost.LLMCalls)
	}
}

func TestExecuteWrapsNonJSONOutputAsResponseText(t *testing.T) {
	p := &stubProvider{responses: []*provider.Response{
		{Content: "plain text answer", FinishReason: provider.FinishStop},
	}}
	exec, w := newTestExecutor(t, p, simpleContract)

	result := exec.Execute(context.Background(), w)
	if result.State != wo.StateCompleted {
		t.Fatalf("expected completed, got %s", result.State)
	}
	var out struct {
		ResponseText string `json:"response_text"`
	}
	if err := json.Unmarshal(result.OutputResult, &out); err != nil {
		t.Fatalf("unmarshal output_result: %v", err)
	}
	if out.ResponseText != "plain text answer" {
		t.Errorf("response_text = %q", out.ResponseText)
	}
}

func TestExecuteFailsOnMissingContract(t *testing.T) {
	exec, w := newTestExecutor(t, &stubProvider{responses: []*provider.Response{{}}}, simpleContract)
	w.Constraints.PromptContractID = "PRC-MISSING-999"

	result := exec.Execute(context.Background(), w)
	if result.State != wo.StateFailed {
		t.Fatalf("expected failed, got %s", result.State)
	}
	if result.Error.Kind != "contract_not_found" {
		t.Errorf("Error.Kind = %q, want contract_not_found", result.Error.Kind)
	}
}

func TestExecuteToolCallDispatchesDirectly(t *testing.T) {
	exec, _ := newTestExecutor(t, &stubProvider{responses: []*provider.Response{{}}}, simpleContract)
	w := wo.New("WO-2", wo.TypeToolCall, "SES-1", wo.Constraints{}, json.RawMessage(`{"tool_id":"lookup","args":{}}`))

	result := exec.Execute(context.Background(), w)
	if result.State != wo.StateCompleted {
		t.Fatalf("expected completed, got %s (error=%v)", result.State, result.Error)
	}
	if result.Cost.LLMCalls != 0 {
		t.Errorf("tool_call WOs must not invoke the LLM, LLMCalls = %d", result.Cost.LLMCalls)
	}
	if len(result.Cost.ToolIDsUsed) != 1 || result.Cost.ToolIDsUsed[0] != "lookup" {
		t.Errorf("ToolIDsUsed = %v", result.Cost.ToolIDsUsed)
	}
}

func TestExecuteRunsToolLoopThenCompletes(t *testing.T) {
	p := &stubProvider{responses: []*provider.Response{
		{
			Content:      "",
			ContentBlocks: []provider.ContentBlock{{Type: provider.BlockToolUse, ToolID: "call-1", ToolName: "lookup", ToolArgs: json.RawMessage(`{}`)}},
			FinishReason: provider.FinishToolUse,
		},
		{Content: `{"response_text": "done"}`, FinishReason: provider.FinishStop},
	}}
	exec, w := newTestExecutor(t, p, simpleContract)
	w.Constraints.ToolsAllowed = []string{"lookup"}

	result := exec.Execute(context.Background(), w)
	if result.State != wo.StateCompleted {
		t.Fatalf("expected completed, got %s (error=%v)", result.State, result.Error)
	}
	if result.Cost.LLMCalls != 2 {
		t.Errorf("LLMCalls = %d, want 2", result.Cost.LLMCalls)
	}
	if len(result.Cost.ToolIDsUsed) != 1 {
		t.Errorf("expected exactly one tool invocation, got %v", result.Cost.ToolIDsUsed)
	}
}

func TestExecuteFailsTurnLimitExceededWhenToolUseNeverSettles(t *testing.T) {
	p := &stubProvider{responses: []*provider.Response{
		{
			Content:      "",
			ContentBlocks: []provider.ContentBlock{{Type: provider.BlockToolUse, ToolID: "call-1", ToolName: "lookup", ToolArgs: json.RawMessage(`{}`)}},
			FinishReason: provider.FinishToolUse,
		},
	}}
	exec, w := newTestExecutor(t, p, simpleContract)
	w.Constraints.ToolsAllowed = []string{"lookup"}
	w.Constraints.TurnLimit = 2

	result := exec.Execute(context.Background(), w)
	if result.State != wo.StateFailed {
		t.Fatalf("expected failed, got %s", result.State)
	}
	if result.Error.Kind != "turn_limit_exceeded" {
		t.Errorf("Error.Kind = %q, want turn_limit_exceeded", result.Error.Kind)
	}
	if result.Cost.LLMCalls != 2 {
		t.Errorf("LLMCalls = %d, want 2", result.Cost.LLMCalls)
	}
}

func TestExecuteDropsToolUsesWhenNoneAllowed(t *testing.T) {
	p := &stubProvider{responses: []*provider.Response{
		{
			Content:      `{"response_text": "no tools here"}`,
			ContentBlocks: []provider.ContentBlock{{Type: provider.BlockToolUse, ToolID: "call-1", ToolName: "lookup", ToolArgs: json.RawMessage(`{}`)}},
			FinishReason: provider.FinishToolUse,
		},
	}}
	exec, w := newTestExecutor(t, p, simpleContract)
	// w.Constraints.ToolsAllowed left empty on purpose

	result := exec.Execute(context.Background(), w)
	if result.State != wo.StateCompleted {
		t.Fatalf("expected completed, got %s", result.State)
	}
	if result.Cost.LLMCalls != 1 {
		t.Errorf("expected the loop to break on the first turn since no tools are allowed, got %d calls", result.Cost.LLMCalls)
	}
}
