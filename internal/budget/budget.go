// Package budget implements the hierarchical token budgeter: session,
// work_order, and llm_call scopes, enforced in one of three modes. The
// scoped-map-with-a-guarding-mutex shape is adapted from the teacher's
// internal/ratelimit.Limiter, generalized from a single token-bucket per
// key to a parent/child allocation hierarchy with ledger-backed debits.
package budget

import (
	"fmt"
	"sync"

	"github.com/kitchener-systems/kitchener/internal/ledger"
	"github.com/kitchener-systems/kitchener/internal/metrics"
)

// Mode is the process-wide budget enforcement selector.
type Mode string

const (
	ModeEnforce Mode = "enforce"
	ModeWarn    Mode = "warn"
	ModeOff     Mode = "off"
)

// ScopeKind names where in the session > work_order > llm_call hierarchy a
// scope sits.
type ScopeKind string

const (
	ScopeSession  ScopeKind = "session"
	ScopeWorkOrder ScopeKind = "work_order"
	ScopeLLMCall  ScopeKind = "llm_call"
)

// scope is one hierarchical token allocation context.
type scope struct {
	kind      ScopeKind
	parent    string // scope ID of the parent, empty for session scopes
	allocated int
	consumed  int
}

func (s *scope) remaining() int { return s.allocated - s.consumed }

// CheckResult is the outcome of a pre-call budget check; it never mutates
// state.
type CheckResult struct {
	Allowed   bool
	Remaining int
	Reason    string
}

// DebitResult is the outcome of an after-call debit.
type DebitResult struct {
	Success        bool
	Remaining      int
	TotalConsumed  int
	CostIncurred   int
	LedgerEntryID  string
}

// Budgeter enforces the session/work_order/llm_call budget hierarchy.
// Mutations (Allocate, Debit) are serialized by an internal lock, as
// required by the concurrency model (§5: "Budget scopes: mutated only via
// allocate and debit, which are serialized by an internal lock").
type Budgeter struct {
	mu      sync.Mutex
	mode    Mode
	scopes  map[string]*scope
	events  *ledger.Stream
	metrics *metrics.Recorder
}

// SetMetrics attaches a metrics Recorder the budgeter reports debits to.
// Optional — a Budgeter with no Recorder attached records nothing.
func (b *Budgeter) SetMetrics(r *metrics.Recorder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics = r
}

// New creates a Budgeter in the given mode, writing BUDGET_DEBIT and
// BUDGET_WARNING events to the given ledger stream (typically the hot-tier
// stream the gateway also writes EXCHANGE to).
func New(mode Mode, events *ledger.Stream) *Budgeter {
	return &Budgeter{
		mode:   mode,
		scopes: make(map[string]*scope),
		events: events,
	}
}

// Mode returns the current budget mode.
func (b *Budgeter) Mode() Mode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mode
}

// OpenSession creates the top-level session scope with a fixed ceiling.
func (b *Budgeter) OpenSession(sessionID string, ceiling int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scopes[sessionID] = &scope{kind: ScopeSession, allocated: ceiling}
}

// Allocate reserves amount tokens from parentID into a new child scope
// scopeID. In enforce mode, allocation fails if the parent's remaining
// budget is less than amount.
func (b *Budgeter) Allocate(kind ScopeKind, scopeID, parentID string, amount int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	parent, ok := b.scopes[parentID]
	if !ok {
		return fmt.Errorf("budget: unknown parent scope %q", parentID)
	}

	switch b.mode {
	case ModeEnforce:
		if parent.remaining() < amount {
			return fmt.Errorf("budget: parent scope %q has %d remaining, cannot allocate %d", parentID, parent.remaining(), amount)
		}
	case ModeWarn:
		if parent.remaining() < amount {
			b.writeWarning(parentID, fmt.Sprintf("over-allocation: requested %d, parent has %d remaining", amount, parent.remaining()))
		}
	case ModeOff:
		// no check
	}

	parent.consumed += amount
	b.scopes[scopeID] = &scope{kind: kind, parent: parentID, allocated: amount}
	return nil
}

// Check is a pre-call, non-mutating check of whether estimatedCost fits in
// scopeID's remaining budget.
func (b *Budgeter) Check(scopeID string, estimatedCost int) CheckResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.scopes[scopeID]
	if !ok {
		return CheckResult{Allowed: false, Reason: fmt.Sprintf("unknown scope %q", scopeID)}
	}

	switch b.mode {
	case ModeOff:
		return CheckResult{Allowed: true, Remaining: s.remaining()}
	case ModeWarn:
		if s.remaining() < estimatedCost {
			return CheckResult{Allowed: true, Remaining: s.remaining(), Reason: "over budget, warn mode continues"}
		}
		return CheckResult{Allowed: true, Remaining: s.remaining()}
	default: // ModeEnforce
		if s.remaining() < estimatedCost {
			return CheckResult{Allowed: false, Remaining: s.remaining(), Reason: "budget_exceeded"}
		}
		return CheckResult{Allowed: true, Remaining: s.remaining()}
	}
}

// Debit accounts usage tokens against scopeID after a call completes.
// Debiting always happens in warn and off modes, even for calls that would
// have been rejected, per §4.2. Every debit writes a BUDGET_DEBIT ledger
// event.
func (b *Budgeter) Debit(scopeID string, usage int) (DebitResult, error) {
	b.mu.Lock()
	s, ok := b.scopes[scopeID]
	if !ok {
		b.mu.Unlock()
		return DebitResult{}, fmt.Errorf("budget: unknown scope %q", scopeID)
	}
	s.consumed += usage
	remaining := s.remaining()
	totalConsumed := s.consumed
	mode := b.mode
	rec := b.metrics
	b.mu.Unlock()

	if rec != nil {
		rec.IncBudgetDebit()
	}

	result := DebitResult{
		Success:       true,
		Remaining:     remaining,
		TotalConsumed: totalConsumed,
		CostIncurred:  usage,
	}

	if b.events != nil {
		id, err := b.events.Write(ledger.Entry{
			EventType:    "BUDGET_DEBIT",
			SubmissionID: scopeID,
			Decision:     "debited",
			Metadata: map[string]any{
				"amount":    usage,
				"remaining": remaining,
				"mode":      string(mode),
			},
		})
		if err == nil {
			result.LedgerEntryID = id
		}
	}

	if mode == ModeEnforce && remaining < 0 {
		result.Success = false
	}
	return result, nil
}

// Remaining returns the current remaining tokens for scopeID.
func (b *Budgeter) Remaining(scopeID string) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.scopes[scopeID]
	if !ok {
		return 0, false
	}
	return s.remaining(), true
}

func (b *Budgeter) writeWarning(scopeID, reason string) {
	if b.events == nil {
		return
	}
	_, _ = b.events.Write(ledger.Entry{
		EventType:    "BUDGET_WARNING",
		SubmissionID: scopeID,
		Decision:     "warn",
		Reason:       reason,
	})
}

// Outcome is the result of applying a budget-mode policy to a failed
// check, centralizing the branch spec.md §9 asks for
// (`apply_policy(outcome, mode) -> {Continue, Warn, Fail}`).
type Outcome string

const (
	OutcomeContinue Outcome = "continue"
	OutcomeWarnOutcome Outcome = "warn"
	OutcomeFail     Outcome = "fail"
)

// ApplyPolicy centralizes the three-mode budget switch used where a
// component must react to a budget violation: the gateway's pre-call
// check and the executor's follow-up check. The gateway's post-call debit
// does not consult it.
func ApplyPolicy(violated bool, mode Mode) Outcome {
	if !violated {
		return OutcomeContinue
	}
	switch mode {
	case ModeEnforce:
		return OutcomeFail
	case ModeWarn:
		return OutcomeWarnOutcome
	default: // ModeOff
		return OutcomeContinue
	}
}
