// Package metrics wires the kernel's three tiers to a prometheus
// registry: counters for ledger writes, budget debits, tool calls, and
// completed work orders by terminal state. The registry-and-counters
// shape is adapted from the teacher's cmd/nexus channel/tool metrics
// wiring, scoped down to the four series SPEC_FULL.md's DOMAIN STACK
// section names for this kernel.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder is attached to the ledger, budgeter, tool dispatcher, and
// executor through their SetMetrics setters so none of them reach for a package-level
// singleton (spec.md §9: "forbid singletons"). A nil *Recorder is safe
// to call methods on; every method is a no-op in that case, so
// components that are not wired to metrics (e.g. unit tests) need not
// construct one.
type Recorder struct {
	ledgerWrites  *prometheus.CounterVec
	budgetDebits  prometheus.Counter
	toolCalls     *prometheus.CounterVec
	woCompleted   *prometheus.CounterVec
}

// New registers the kernel's counters on reg and returns a Recorder bound
// to them.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		ledgerWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kitchener_ledger_writes_total",
			Help: "Ledger entries written, by stream.",
		}, []string{"stream"}),
		budgetDebits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kitchener_budget_debits_total",
			Help: "Budget debits applied across all scopes.",
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kitchener_tool_calls_total",
			Help: "Tool invocations dispatched, by tool_id.",
		}, []string{"tool_id"}),
		woCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kitchener_wo_completed_total",
			Help: "Work orders reaching a terminal state, by state and wo_type.",
		}, []string{"state", "wo_type"}),
	}
	reg.MustRegister(r.ledgerWrites, r.budgetDebits, r.toolCalls, r.woCompleted)
	return r
}

// IncLedgerWrite records one append to the named stream (e.g. "hot",
// "ho1", "ho2", "signals", "overlays").
func (r *Recorder) IncLedgerWrite(stream string) {
	if r == nil {
		return
	}
	r.ledgerWrites.WithLabelValues(stream).Inc()
}

// IncBudgetDebit records one budget debit, regardless of mode — the
// budgeter accounts tokens in warn and off modes too (spec.md §4.2).
func (r *Recorder) IncBudgetDebit() {
	if r == nil {
		return
	}
	r.budgetDebits.Inc()
}

// IncToolCall records one tool dispatch by tool_id.
func (r *Recorder) IncToolCall(toolID string) {
	if r == nil {
		return
	}
	r.toolCalls.WithLabelValues(toolID).Inc()
}

// IncWOCompleted records one work order reaching state ("completed" or
// "failed") for woType.
func (r *Recorder) IncWOCompleted(state, woType string) {
	if r == nil {
		return
	}
	r.woCompleted.WithLabelValues(state, woType).Inc()
}
