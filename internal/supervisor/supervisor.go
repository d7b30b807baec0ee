// Package supervisor implements tier L2: the Kitchener loop that turns
// one user message into a chain of work orders (spec.md §4.8). It
// classifies the turn, retrieves active memory biases, dispatches a
// synthesize work order through the executor, runs the quality gate,
// persists the turn, and extracts signals for the memory plane to
// accumulate toward consolidation. Per spec.md §9's note on the
// supervisor/memory cycle, the supervisor only *drives* memory — it
// calls LogSignal/CheckGate/ReadActiveBiases/LogOverlay and memory never
// calls back into the supervisor.
package supervisor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kitchener-systems/kitchener/internal/budget"
	"github.com/kitchener-systems/kitchener/internal/executor"
	"github.com/kitchener-systems/kitchener/internal/ledger"
	"github.com/kitchener-systems/kitchener/internal/memory"
	"github.com/kitchener-systems/kitchener/internal/qualitygate"
	"github.com/kitchener-systems/kitchener/internal/session"
	"github.com/kitchener-systems/kitchener/pkg/wo"
)

// Config holds the supervisor's per-agent-class wiring: which prompt
// contracts to dispatch classify/synthesize/consolidate work orders
// against, which tools synthesize work orders may use, and the budget
// table from spec.md §6.
type Config struct {
	AgentClass            string
	ClassifyContractID    string
	SynthesizeContractID  string
	ConsolidateContractID string
	ToolsAllowed          []string
	SynthesizeDomainTags  []string
	SessionTokenLimit     int
	ClassifyBudget        int
	SynthesizeBudget      int
	ConsolidationBudget   int
	TurnLimit             int
	FollowupMinRemain     int
	MaxRetries            int
	AttentionBudgetChars  int
	GateWindowHours       float64
}

// TurnResult is handle_turn's return value (spec.md §4.8, §6).
type TurnResult struct {
	Response               string
	WOChainSummary         []string
	CostSummary            CostSummary
	ConsolidationCandidates []string
}

// CostSummary totals the token and call cost of one turn's WO chain.
type CostSummary struct {
	InputTokens  int
	OutputTokens int
	LLMCalls     int
}

func (c *CostSummary) add(cost wo.Cost) {
	c.InputTokens += cost.InputTokens
	c.OutputTokens += cost.OutputTokens
	c.LLMCalls += cost.LLMCalls
}

// classifyOutput is the structured shape a classify WO's LLM call
// produces, per its output_schema.
type classifyOutput struct {
	SpeechAct  string   `json:"speech_act"`
	DomainTags []string `json:"domain_tags,omitempty"`
}

// Supervisor runs the Kitchener loop for one or more concurrent
// sessions. All collaborators are injected at construction — no
// package-level state (spec.md §9).
type Supervisor struct {
	sessions *session.Manager
	executor *executor.Executor
	memory   *memory.Memory
	budgeter *budget.Budgeter
	trace    *ledger.Stream // the "ho2" tier stream
	quality  qualitygate.Criteria
	cfg      Config
}

// New creates a Supervisor. trace is the ho2-tier ledger stream.
func New(sessions *session.Manager, exec *executor.Executor, mem *memory.Memory, budgeter *budget.Budgeter, trace *ledger.Stream, quality qualitygate.Criteria, cfg Config) *Supervisor {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.AttentionBudgetChars <= 0 {
		cfg.AttentionBudgetChars = 4000
	}
	if cfg.GateWindowHours <= 0 {
		cfg.GateWindowHours = 24
	}
	if cfg.TurnLimit <= 0 {
		cfg.TurnLimit = 4
	}
	if cfg.SessionTokenLimit <= 0 {
		cfg.SessionTokenLimit = 200000
	}
	return &Supervisor{sessions: sessions, executor: exec, memory: mem, budgeter: budgeter, trace: trace, quality: quality, cfg: cfg}
}

// StartSession opens a new session via the session manager and, per
// §3's Budget Scope lifecycle ("allocated when a WO is planned; ...
// session scope lives for the session's duration"), opens its budget
// scope at session_token_limit so the first work_order-scope allocation
// a turn makes has a parent scope to reserve from.
func (s *Supervisor) StartSession() (string, error) {
	id, err := s.sessions.StartSession()
	if err != nil {
		return "", err
	}
	s.budgeter.OpenSession(id, s.cfg.SessionTokenLimit)
	return id, nil
}

// OpenBudgetScope opens sessionID's session-scope budget allocation
// without creating a new session record, for callers that already hold
// a session ID (e.g. the CLI's --session flag continuing a prior
// session) and only need the budget hierarchy's root scope in place.
func (s *Supervisor) OpenBudgetScope(sessionID string) {
	s.budgeter.OpenSession(sessionID, s.cfg.SessionTokenLimit)
}

// HandleTurn runs the full Kitchener loop for one user message within
// sessionID. The caller must have already started sessionID via
// Supervisor.StartSession (or opened its budget scope via
// OpenBudgetScope for a continuing session).
func (s *Supervisor) HandleTurn(ctx context.Context, sessionID, userMessage string) (*TurnResult, error) {
	var chain []string
	var cost CostSummary

	classifyWO, err := s.dispatchClassify(ctx, sessionID, userMessage)
	chain = append(chain, classifyIDOrEmpty(classifyWO))
	if err != nil || classifyWO.State == wo.StateFailed {
		return s.degrade(ctx, sessionID, userMessage, chain, cost, "classification failed", errString(err, classifyWO))
	}
	cost.add(classifyWO.Cost)

	var classified classifyOutput
	if uerr := json.Unmarshal(classifyWO.OutputResult, &classified); uerr != nil {
		classified.SpeechAct = "unknown"
	}

	biases, err := s.memory.ReadActiveBiases(nil)
	if err != nil {
		biases = nil // memory read failures degrade gracefully to no bias context, not a turn failure
	}

	contextLines := s.assembleContext(sessionID, biases, classified)

	synthesizeWO, accepted, retries := s.dispatchSynthesizeWithRetries(ctx, sessionID, userMessage, contextLines)
	chain = append(chain, classifyIDOrEmpty(synthesizeWO))
	cost.add(synthesizeWO.Cost)

	degraded := !accepted
	response := s.extractResponse(synthesizeWO)
	switch {
	case synthesizeWO.State == wo.StateFailed:
		response = fmt.Sprintf("[Error: %s]", synthesizeWO.Error.Kind)
	case degraded:
		response = fmt.Sprintf("[Error: quality_gate_reject after %d attempts]", retries)
	}

	traceHash := s.writeChainCompletion(chain, degraded)

	turnNumber, err := s.sessions.AddTurn(sessionID, userMessage, response, s.cfg.AgentClass)
	if err != nil {
		return nil, fmt.Errorf("supervisor: add_turn: %w", err)
	}
	s.sessions.AddCost(sessionID, cost.InputTokens+cost.OutputTokens)

	candidates := s.extractSignals(sessionID, classified, synthesizeWO)

	_ = turnNumber
	_ = traceHash
	return &TurnResult{
		Response:                response,
		WOChainSummary:          chain,
		CostSummary:             cost,
		ConsolidationCandidates: candidates,
	}, nil
}

func (s *Supervisor) dispatchClassify(ctx context.Context, sessionID, userMessage string) (*wo.WO, error) {
	woID, err := s.sessions.NextWOID(sessionID)
	if err != nil {
		return nil, err
	}
	input, _ := json.Marshal(map[string]string{"user_message": userMessage})
	w := wo.New(woID, wo.TypeClassify, sessionID, wo.Constraints{
		TokenBudget:      s.cfg.ClassifyBudget,
		ToolsAllowed:     nil,
		TurnLimit:        1,
		PromptContractID: s.cfg.ClassifyContractID,
		StructuredOutput: true,
	}, input)
	s.allocate(sessionID, woID, s.cfg.ClassifyBudget)
	s.logTrace("WO_PLANNED", w, "classify")
	return s.executor.Execute(ctx, w), nil
}

func (s *Supervisor) dispatchSynthesizeWithRetries(ctx context.Context, sessionID, userMessage string, contextLines []string) (w *wo.WO, accepted bool, attempts int) {
	budgetAmt := s.cfg.SynthesizeBudget
	var last *wo.WO
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		woID, err := s.sessions.NextWOID(sessionID)
		if err != nil {
			return wo.New("", wo.TypeSynthesize, sessionID, wo.Constraints{}, nil).Fail("internal_error", err.Error()), false, attempt
		}
		input, _ := json.Marshal(map[string]any{
			"user_message": userMessage,
			"context":      truncate(strings.Join(contextLines, "\n"), s.cfg.AttentionBudgetChars),
		})
		w := wo.New(woID, wo.TypeSynthesize, sessionID, wo.Constraints{
			TokenBudget:       budgetAmt,
			ToolsAllowed:      s.cfg.ToolsAllowed,
			TurnLimit:         s.turnLimit(),
			PromptContractID:  s.cfg.SynthesizeContractID,
			DomainTags:        s.cfg.SynthesizeDomainTags,
			StructuredOutput:  false, // tools are present, mutually exclusive per §4.4 step 5
			FollowupMinRemain: s.cfg.FollowupMinRemain,
		}, input)
		s.allocate(sessionID, woID, budgetAmt)
		s.logTrace("WO_PLANNED", w, "synthesize")

		last = s.executor.Execute(ctx, w)
		if last.State == wo.StateFailed {
			return last, false, attempt
		}
		result := qualitygate.Verify(last.OutputResult, s.quality, last.ID)
		if result.Decision == qualitygate.DecisionAccept {
			s.logTraceReason("WO_QUALITY_GATE", last, "accept", result.Reason)
			return last, true, attempt
		}
		s.logTraceReason("WO_QUALITY_GATE", last, "reject", result.Reason)
		budgetAmt = budgetAmt / 2
		if budgetAmt <= 0 {
			budgetAmt = 1
		}
	}
	s.writeEscalation(last)
	return last, false, s.cfg.MaxRetries + 1
}

func qgCriteria() qualitygate.Criteria {
	return qualitygate.Criteria{RequiredKey: "response_text", MinLength: 1, ErrorMarkers: []string{"[Error:"}}
}

func (s *Supervisor) extractResponse(w *wo.WO) string {
	if w.State != wo.StateCompleted {
		return ""
	}
	var obj map[string]any
	if err := json.Unmarshal(w.OutputResult, &obj); err != nil {
		return string(w.OutputResult)
	}
	if text, ok := obj["response_text"].(string); ok {
		return text
	}
	b, _ := json.Marshal(obj)
	return string(b)
}

// assembleContext composes the horizontal context (this session's ho2
// entries) and priority context (memory biases) named in §4.8 step 4,
// truncated by the caller to the attention budget.
func (s *Supervisor) assembleContext(sessionID string, biases []memory.Overlay, classified classifyOutput) []string {
	var lines []string
	for _, b := range biases {
		if b.Label != "" {
			lines = append(lines, b.Label)
		}
	}
	if s.trace != nil {
		if recent, err := s.trace.ReadBySubmission(sessionID); err == nil {
			start := 0
			if len(recent) > 5 {
				start = len(recent) - 5
			}
			for _, e := range recent[start:] {
				if e.Reason != "" {
					lines = append(lines, fmt.Sprintf("[%s] %s", e.EventType, e.Reason))
				}
			}
		}
	}
	if classified.SpeechAct != "" {
		lines = append(lines, fmt.Sprintf("classification: %s", classified.SpeechAct))
	}
	return lines
}

func (s *Supervisor) turnLimit() int {
	if s.cfg.TurnLimit <= 0 {
		return 4
	}
	return s.cfg.TurnLimit
}

func (s *Supervisor) allocate(sessionID, woID string, amount int) {
	_ = s.budgeter.Allocate(budget.ScopeWorkOrder, woID, sessionID, amount)
}

// writeChainCompletion computes the trace hash over this chain's WO IDs
// (see TraceHash) and writes WO_CHAIN_COMPLETE.
func (s *Supervisor) writeChainCompletion(chainWOIDs []string, degraded bool) string {
	hash := TraceHash(chainWOIDs)
	if s.trace == nil {
		return hash
	}
	decision := "complete"
	if degraded {
		decision = "degraded"
	}
	_, _ = s.trace.Write(ledger.Entry{
		EventType:    "WO_CHAIN_COMPLETE",
		SubmissionID: strings.Join(chainWOIDs, ","),
		Decision:     decision,
		Metadata:     map[string]any{"trace_hash": hash},
	})
	return hash
}

func (s *Supervisor) writeEscalation(w *wo.WO) {
	if s.trace == nil || w == nil {
		return
	}
	_, _ = s.trace.Write(ledger.Entry{
		EventType:    "ESCALATION",
		SubmissionID: w.ID,
		Decision:     "escalated",
		Reason:       "max_retries exhausted",
	})
}

// extractSignals implements §4.8 step 9: intent:<speech_act> plus
// tool:<tool_id> for every tool the chain used, logged and gate-checked.
func (s *Supervisor) extractSignals(sessionID string, classified classifyOutput, synthesizeWO *wo.WO) []string {
	var candidates []string
	if classified.SpeechAct != "" {
		candidates = append(candidates, s.logAndCheck(fmt.Sprintf("intent:%s", classified.SpeechAct), sessionID)...)
	}
	for _, toolID := range synthesizeWO.Cost.ToolIDsUsed {
		candidates = append(candidates, s.logAndCheck(fmt.Sprintf("tool:%s", toolID), sessionID)...)
	}
	return candidates
}

func (s *Supervisor) logAndCheck(signalID, sessionID string) []string {
	eventID, err := s.memory.LogSignal(signalID, sessionID, "", nil)
	if err != nil {
		return nil
	}
	result, err := s.memory.CheckGate(signalID, nil)
	if err != nil || !result.Crossed {
		return nil
	}
	_ = eventID
	return []string{signalID}
}

// degrade builds the "[Degradation: …]" response path of §4.8/§7's
// exception handling: the turn is still persisted via add_turn and
// consolidation candidates are empty.
func (s *Supervisor) degrade(ctx context.Context, sessionID, userMessage string, chain []string, cost CostSummary, reason, detail string) (*TurnResult, error) {
	response := fmt.Sprintf("[Degradation: %s]", reason)
	if s.trace != nil {
		_, _ = s.trace.Write(ledger.Entry{
			EventType:    "DEGRADATION",
			SubmissionID: sessionID,
			Decision:     "degraded",
			Reason:       detail,
		})
	}
	if _, err := s.sessions.AddTurn(sessionID, userMessage, response, s.cfg.AgentClass); err != nil {
		return nil, fmt.Errorf("supervisor: add_turn on degraded path: %w", err)
	}
	return &TurnResult{Response: response, WOChainSummary: chain, CostSummary: cost}, nil
}

func (s *Supervisor) logTrace(eventType string, w *wo.WO, reason string) {
	s.logTraceReason(eventType, w, string(w.State), reason)
}

func (s *Supervisor) logTraceReason(eventType string, w *wo.WO, decision, reason string) {
	if s.trace == nil {
		return
	}
	_, _ = s.trace.Write(ledger.Entry{
		EventType:    eventType,
		SubmissionID: w.ID,
		Decision:     decision,
		Reason:       reason,
	})
}

// TraceHash computes H(concat(canonical_json(ho1_entries_for_this_chain)))
// per §4.8 step 7. The chain's WO IDs stand in for the canonicalized
// ho1 entries here: callers that need the full entry bodies should read
// them from the ho1 stream and pass their canonical JSON instead.
func TraceHash(chainWOIDs []string) string {
	sorted := append([]string(nil), chainWOIDs...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "|")))
	return hex.EncodeToString(sum[:])
}

func classifyIDOrEmpty(w *wo.WO) string {
	if w == nil {
		return ""
	}
	return w.ID
}

func errString(err error, w *wo.WO) string {
	if err != nil {
		return err.Error()
	}
	if w != nil && w.Error != nil {
		return w.Error.Message
	}
	return "unknown error"
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// consolidateOutput is the structured artifact a consolidate WO's LLM
// call produces, per its output_schema.
type consolidateOutput struct {
	ArtifactType string  `json:"artifact_type"`
	Label        string  `json:"context_line"`
	Weight       float64 `json:"weight"`
	Model        string  `json:"model"`
}

// ConsolidationResult reports one signal_id's consolidation outcome.
type ConsolidationResult struct {
	SignalID   string
	ArtifactID string
	Skipped    bool
	Err        error
}

// RunConsolidation implements §4.8's run_consolidation(): for each
// signal_id, re-check the gate as an idempotency barrier, dispatch a
// consolidate WO routed to the "consolidation" domain tag, and on
// success log a new overlay sourced from the accumulator's event_ids.
// Failures are reported in the result list but never affect an
// already-returned TurnResult — the shell invokes this out-of-band
// after flushing the turn's response (§5).
func (s *Supervisor) RunConsolidation(ctx context.Context, sessionID string, signalIDs []string) []ConsolidationResult {
	results := make([]ConsolidationResult, 0, len(signalIDs))
	for _, signalID := range signalIDs {
		results = append(results, s.consolidateOne(ctx, sessionID, signalID))
	}
	return results
}

func (s *Supervisor) consolidateOne(ctx context.Context, sessionID, signalID string) ConsolidationResult {
	gate, err := s.memory.CheckGate(signalID, nil)
	if err != nil {
		return ConsolidationResult{SignalID: signalID, Err: err}
	}
	if !gate.Crossed {
		return ConsolidationResult{SignalID: signalID, Skipped: true}
	}

	accs, err := s.memory.ReadSignals(signalID, 0, nil)
	if err != nil || len(accs) == 0 {
		return ConsolidationResult{SignalID: signalID, Err: fmt.Errorf("supervisor: no accumulator for %q: %w", signalID, err)}
	}
	acc := accs[0]

	woID, err := s.sessions.NextWOID(sessionID)
	if err != nil {
		return ConsolidationResult{SignalID: signalID, Err: err}
	}
	input, _ := json.Marshal(map[string]any{
		"signal_id": signalID,
		"count":     acc.Count,
		"sessions":  acc.SessionIDs,
	})
	w := wo.New(woID, wo.TypeConsolidate, sessionID, wo.Constraints{
		TokenBudget:      s.cfg.ConsolidationBudget,
		TurnLimit:        1,
		PromptContractID: s.cfg.ConsolidateContractID,
		DomainTags:       []string{"consolidation"},
		StructuredOutput: true,
	}, input)
	s.allocate(sessionID, woID, s.cfg.ConsolidationBudget)
	s.logTrace("WO_PLANNED", w, "consolidate")

	result := s.executor.Execute(ctx, w)
	if result.State == wo.StateFailed {
		return ConsolidationResult{SignalID: signalID, Err: fmt.Errorf("consolidate WO %s failed: %s", woID, result.Error.Message)}
	}

	var out consolidateOutput
	if err := json.Unmarshal(result.OutputResult, &out); err != nil {
		return ConsolidationResult{SignalID: signalID, Err: fmt.Errorf("supervisor: decode consolidate output: %w", err)}
	}
	if out.ArtifactType == "" {
		out.ArtifactType = "task_pattern"
	}
	if out.Weight <= 0 {
		out.Weight = 0.5
	}

	gateWindowKey := fmt.Sprintf("%s:%.0fh", signalID, s.cfg.GateWindowHours)
	artifactID, err := s.memory.LogOverlay(memory.Overlay{
		SignalID:        signalID,
		Label:           out.Label,
		Weight:          out.Weight,
		SourceEventIDs:  acc.EventIDs,
		SourceSignalIDs: []string{signalID},
		GateWindowKey:   gateWindowKey,
		Model:           out.Model,
		PromptPackVer:   s.cfg.ConsolidateContractID,
		WindowEnd:       time.Now().UTC(),
	})
	if err != nil {
		return ConsolidationResult{SignalID: signalID, Err: err}
	}
	return ConsolidationResult{SignalID: signalID, ArtifactID: artifactID}
}
