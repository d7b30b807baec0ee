package memory

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/kitchener-systems/kitchener/internal/ledger"
)

func ledgerOpen(t *testing.T, name string) (*ledger.Stream, error) {
	t.Helper()
	s, err := ledger.Open(filepath.Join(t.TempDir(), "memory", name))
	if err != nil {
		return nil, err
	}
	t.Cleanup(func() { s.Close() })
	return s, nil
}

func newTestMemory(t *testing.T, gate GateConfig) *Memory {
	t.Helper()
	signals, err := ledgerOpen(t, "signals.jsonl")
	if err != nil {
		t.Fatalf("open signals: %v", err)
	}
	overlays, err := ledgerOpen(t, "overlays.jsonl")
	if err != nil {
		t.Fatalf("open overlays: %v", err)
	}
	return New(signals, overlays, gate)
}

func defaultGate() GateConfig {
	return GateConfig{CountThreshold: 3, SessionThreshold: 2, WindowHours: 24, DecayHalfLife: 168, SalienceMin: 0.01}
}

func TestLogSignalAndReadSignalsAggregates(t *testing.T) {
	m := newTestMemory(t, defaultGate())
	now := time.Now().UTC()

	_, _ = m.LogSignal("intent:bug_report", "SES-1", "LED-aaa", map[string]any{"session_id": "SES-1"})
	_, _ = m.LogSignal("intent:bug_report", "SES-2", "LED-bbb", map[string]any{"session_id": "SES-2"})

	accs, err := m.ReadSignals("intent:bug_report", 0, &now)
	if err != nil {
		t.Fatalf("ReadSignals: %v", err)
	}
	if len(accs) != 1 {
		t.Fatalf("expected 1 accumulator, got %d", len(accs))
	}
	if accs[0].Count != 2 {
		t.Errorf("Count = %d, want 2", accs[0].Count)
	}
	if len(accs[0].SessionIDs) != 2 {
		t.Errorf("SessionIDs = %v, want 2 distinct", accs[0].SessionIDs)
	}
}

func TestCheckGateCrossesWhenThresholdsMet(t *testing.T) {
	m := newTestMemory(t, defaultGate())
	now := time.Now().UTC()

	for i, sid := range []string{"SES-1", "SES-2", "SES-3"} {
		_, _ = m.LogSignal("intent:bug_report", sid, "LED-"+string(rune('a'+i)), map[string]any{"session_id": sid})
	}

	result, err := m.CheckGate("intent:bug_report", &now)
	if err != nil {
		t.Fatalf("CheckGate: %v", err)
	}
	if !result.Crossed {
		t.Fatalf("expected gate to cross, got reason=%q", result.Reason)
	}
}

func TestCheckGateDoesNotCrossBelowThreshold(t *testing.T) {
	m := newTestMemory(t, defaultGate())
	now := time.Now().UTC()
	_, _ = m.LogSignal("intent:bug_report", "SES-1", "LED-a", map[string]any{"session_id": "SES-1"})

	result, err := m.CheckGate("intent:bug_report", &now)
	if err != nil {
		t.Fatalf("CheckGate: %v", err)
	}
	if result.Crossed {
		t.Fatal("expected gate not to cross with only 1 signal")
	}
}

func TestLogOverlayRejectsEmptySourceIDs(t *testing.T) {
	m := newTestMemory(t, defaultGate())
	_, err := m.LogOverlay(Overlay{SignalID: "intent:bug_report"})
	if err != ErrEmptySourceIDs {
		t.Fatalf("expected ErrEmptySourceIDs, got %v", err)
	}
}

func TestLogOverlayIsIdempotent(t *testing.T) {
	m := newTestMemory(t, defaultGate())
	o := Overlay{
		SignalID:       "intent:bug_report",
		Label:          "bug-reporter-bias",
		Weight:         0.8,
		SourceEventIDs: []string{"LED-a", "LED-b"},
		GateWindowKey:  "2026-07-31",
		Model:          "claude-haiku",
		PromptPackVer:  "v1",
		WindowEnd:      time.Now().UTC(),
	}

	first, err := m.LogOverlay(o)
	if err != nil {
		t.Fatalf("LogOverlay: %v", err)
	}
	second, err := m.LogOverlay(o)
	if err != nil {
		t.Fatalf("LogOverlay (repeat): %v", err)
	}
	if first != second {
		t.Errorf("expected idempotent artifact_id, got %q vs %q", first, second)
	}

	biases, err := m.ReadActiveBiases(nil)
	if err != nil {
		t.Fatalf("ReadActiveBiases: %v", err)
	}
	if len(biases) != 1 {
		t.Fatalf("expected exactly 1 active overlay despite duplicate LogOverlay calls, got %d", len(biases))
	}
}

func TestReadActiveBiasesDropsDeactivated(t *testing.T) {
	m := newTestMemory(t, defaultGate())
	o := Overlay{
		SignalID:       "intent:bug_report",
		Label:          "bug-reporter-bias",
		Weight:         0.8,
		SourceEventIDs: []string{"LED-a"},
		GateWindowKey:  "w1",
		Model:          "claude-haiku",
		PromptPackVer:  "v1",
		WindowEnd:      time.Now().UTC(),
	}
	artifactID, err := m.LogOverlay(o)
	if err != nil {
		t.Fatalf("LogOverlay: %v", err)
	}
	if _, err := m.DeactivateOverlay(artifactID, "superseded", time.Now().UTC()); err != nil {
		t.Fatalf("DeactivateOverlay: %v", err)
	}

	biases, err := m.ReadActiveBiases(nil)
	if err != nil {
		t.Fatalf("ReadActiveBiases: %v", err)
	}
	if len(biases) != 0 {
		t.Fatalf("expected deactivated overlay to be dropped, got %d", len(biases))
	}
}

func TestArtifactIDIsDeterministic(t *testing.T) {
	a := ArtifactID([]string{"LED-b", "LED-a"}, "w1", "model", "v1")
	b := ArtifactID([]string{"LED-a", "LED-b"}, "w1", "model", "v1")
	if a != b {
		t.Errorf("expected order-independent artifact_id, got %q vs %q", a, b)
	}
	if len(a) != 12 {
		t.Errorf("expected a 12-hex artifact_id, got %q (%d chars)", a, len(a))
	}
}

func TestDecayApproachesZeroOverLongHorizon(t *testing.T) {
	recent := decay(time.Now().UTC(), time.Now().UTC(), 24)
	if recent < 0.99 {
		t.Errorf("expected near-1.0 decay at t=0, got %f", recent)
	}
	old := decay(time.Now().UTC().Add(-240*time.Hour), time.Now().UTC(), 24)
	if old > 0.01 {
		t.Errorf("expected decay close to 0 after 10 half-lives, got %f", old)
	}
}
