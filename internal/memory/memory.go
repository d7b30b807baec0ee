// Package memory implements the signal memory plane of spec.md §4.7:
// append-only signal events, time-decayed accumulators, a bistable
// consolidation gate, and an overlay (bias) store with lifecycle events.
// The scoped-aggregation coding style (map-of-scored-results, as_of_ts
// threshold handling) is adapted from the teacher's
// internal/memory.SearchHierarchical, though the underlying algorithm —
// decay-weighted signal accumulation and gate-crossing, rather than
// vector search — is new.
package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kitchener-systems/kitchener/internal/ledger"
)

// GateConfig holds the bistable gate's thresholds (§6 memory.* config
// keys).
type GateConfig struct {
	CountThreshold   int
	SessionThreshold int
	WindowHours      float64
	DecayHalfLife    float64 // hours
	SalienceMin      float64
}

// Accumulator is the read-side aggregate over one signal_id's events.
type Accumulator struct {
	SignalID   string
	Count      int
	SessionIDs []string
	LastSeen   time.Time
	EventIDs   []string
	Decay      float64
}

// GateResult is check_gate's pure-function output.
type GateResult struct {
	Crossed            bool
	Reason             string
	AlreadyConsolidated bool
}

// Overlay is a consolidated, labeled, bounded-lifetime bias.
type Overlay struct {
	ArtifactID      string          `json:"artifact_id"`
	SignalID        string          `json:"signal_id"`
	Label           string          `json:"label"`
	Weight          float64         `json:"weight"`
	SourceEventIDs  []string        `json:"source_event_ids"`
	SourceSignalIDs []string        `json:"source_signal_ids"`
	GateWindowKey   string          `json:"gate_window_key"`
	Model           string          `json:"model"`
	PromptPackVer   string          `json:"prompt_pack_version"`
	WindowEnd       time.Time       `json:"window_end"`
	ExpiresAt       *time.Time      `json:"expires_at_event_ts,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// ErrEmptySourceIDs is returned by LogOverlay per §4.7's explicit
// EmptySourceIds rejection.
var ErrEmptySourceIDs = fmt.Errorf("memory: source_event_ids must be non-empty")

// Memory is the signal memory plane: a signals stream and an overlays
// stream, each append-only and hash-chained.
type Memory struct {
	mu       sync.Mutex
	signals  *ledger.Stream
	overlays *ledger.Stream
	gate     GateConfig
}

// New creates a Memory plane writing to the given signals/overlays
// streams.
func New(signals, overlays *ledger.Stream, gate GateConfig) *Memory {
	return &Memory{signals: signals, overlays: overlays, gate: gate}
}

// LogSignal implements §4.7 log_signal(): append to the signals stream.
func (m *Memory) LogSignal(signalID, sessionID, eventID string, metadata map[string]any) (string, error) {
	return m.signals.Write(ledger.Entry{
		EventType:    "SIGNAL",
		SubmissionID: signalID,
		Decision:     "logged",
		Metadata:     mergeMeta(metadata, map[string]any{"session_id": sessionID, "source_event_id": eventID}),
	})
}

// ReadSignals implements §4.7 read_signals(): scan all events (optionally
// filtered to one signal_id), group, and compute each accumulator's
// decay(as_of_ts).
func (m *Memory) ReadSignals(signalID string, minCount int, asOf *time.Time) ([]Accumulator, error) {
	entries, err := m.signals.ReadAll()
	if err != nil {
		return nil, err
	}
	cutoff := resolveAsOf(asOf)

	grouped := make(map[string]*Accumulator)
	order := make([]string, 0)
	for _, e := range entries {
		if e.EventType != "SIGNAL" {
			continue
		}
		if signalID != "" && e.SubmissionID != signalID {
			continue
		}
		acc, ok := grouped[e.SubmissionID]
		if !ok {
			acc = &Accumulator{SignalID: e.SubmissionID}
			grouped[e.SubmissionID] = acc
			order = append(order, e.SubmissionID)
		}
		acc.Count++
		acc.EventIDs = append(acc.EventIDs, e.ID)
		if e.Timestamp.After(acc.LastSeen) {
			acc.LastSeen = e.Timestamp
		}
		if sid, ok := e.Metadata["session_id"].(string); ok {
			acc.SessionIDs = appendDistinct(acc.SessionIDs, sid)
		}
	}

	out := make([]Accumulator, 0, len(order))
	for _, id := range order {
		acc := grouped[id]
		if acc.Count < minCount {
			continue
		}
		acc.Decay = decay(acc.LastSeen, cutoff, m.gate.DecayHalfLife)
		out = append(out, *acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SignalID < out[j].SignalID })
	return out, nil
}

// CheckGate implements §4.7 check_gate(): the bistable crossing
// condition over accumulated state (§4.7's Algorithm: bistable gate).
func (m *Memory) CheckGate(signalID string, asOf *time.Time) (GateResult, error) {
	accs, err := m.ReadSignals(signalID, 0, asOf)
	if err != nil {
		return GateResult{}, err
	}
	if len(accs) == 0 {
		return GateResult{Crossed: false, Reason: "no signals recorded"}, nil
	}
	acc := accs[0]
	cutoff := resolveAsOf(asOf)

	already, err := m.alreadyConsolidated(signalID, cutoff)
	if err != nil {
		return GateResult{}, err
	}

	crossed := acc.Count >= m.gate.CountThreshold &&
		len(acc.SessionIDs) >= m.gate.SessionThreshold &&
		!already

	reason := "crossed"
	if !crossed {
		switch {
		case already:
			reason = "already consolidated within window"
		case acc.Count < m.gate.CountThreshold:
			reason = fmt.Sprintf("count %d below threshold %d", acc.Count, m.gate.CountThreshold)
		case len(acc.SessionIDs) < m.gate.SessionThreshold:
			reason = fmt.Sprintf("session count %d below threshold %d", len(acc.SessionIDs), m.gate.SessionThreshold)
		}
	}

	return GateResult{Crossed: crossed, Reason: reason, AlreadyConsolidated: already}, nil
}

// alreadyConsolidated is true iff an overlay with matching signal_id has
// window_end within the last WindowHours from asOf (§4.7's
// already_consolidated).
func (m *Memory) alreadyConsolidated(signalID string, asOf time.Time) (bool, error) {
	entries, err := m.overlays.ReadAll()
	if err != nil {
		return false, err
	}
	windowStart := asOf.Add(-time.Duration(m.gate.WindowHours * float64(time.Hour)))
	for _, e := range entries {
		if e.EventType != "OVERLAY" && e.EventType != "OVERLAY_WEIGHT_UPDATED" {
			continue
		}
		sid, _ := e.Metadata["signal_id"].(string)
		if sid != signalID {
			continue
		}
		windowEndStr, _ := e.Metadata["window_end"].(string)
		windowEnd, err := time.Parse(time.RFC3339, windowEndStr)
		if err != nil {
			continue
		}
		if windowEnd.After(windowStart) && windowEnd.Before(asOf.Add(time.Second)) {
			return true, nil
		}
	}
	return false, nil
}

// LogOverlay implements §4.7 log_overlay(): compute artifact_id,
// idempotently no-op on an active duplicate, re-activate a deactivated
// one via a lifecycle event, or append a fresh OVERLAY event.
func (m *Memory) LogOverlay(o Overlay) (string, error) {
	if len(o.SourceEventIDs) == 0 {
		return "", ErrEmptySourceIDs
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	signalIDs := o.SourceSignalIDs
	if len(signalIDs) == 0 {
		signalIDs = []string{o.SignalID}
	}
	artifactID := ArtifactID(signalIDs, o.GateWindowKey, o.Model, o.PromptPackVer)
	o.ArtifactID = artifactID

	state, err := m.overlayLifecycleState(artifactID)
	if err != nil {
		return "", err
	}

	switch state {
	case overlayActive:
		return artifactID, nil
	case overlayDeactivated:
		if _, err := m.overlays.Write(ledger.Entry{
			EventType:    "OVERLAY_WEIGHT_UPDATED",
			SubmissionID: artifactID,
			Decision:     "reactivated",
			Metadata:     overlayMetadata(o),
		}); err != nil {
			return "", err
		}
		return artifactID, nil
	default: // overlayAbsent
		if _, err := m.overlays.Write(ledger.Entry{
			EventType:    "OVERLAY",
			SubmissionID: artifactID,
			Decision:     "created",
			Metadata:     overlayMetadata(o),
		}); err != nil {
			return "", err
		}
		return artifactID, nil
	}
}

type overlayState int

const (
	overlayAbsent overlayState = iota
	overlayActive
	overlayDeactivated
)

func (m *Memory) overlayLifecycleState(artifactID string) (overlayState, error) {
	entries, err := m.overlays.ReadAll()
	if err != nil {
		return overlayAbsent, err
	}
	latest := overlayAbsent
	seen := false
	for _, e := range entries {
		if e.SubmissionID != artifactID {
			continue
		}
		seen = true
		switch e.EventType {
		case "OVERLAY", "OVERLAY_WEIGHT_UPDATED":
			latest = overlayActive
		case "OVERLAY_DEACTIVATED":
			latest = overlayDeactivated
		}
	}
	if !seen {
		return overlayAbsent, nil
	}
	return latest, nil
}

// ReadActiveBiases implements §4.7 read_active_biases(): scan the
// overlays stream, resolve each artifact_id to its latest lifecycle
// event, and drop deactivated, expired, or decayed-below-threshold
// overlays.
func (m *Memory) ReadActiveBiases(asOf *time.Time) ([]Overlay, error) {
	entries, err := m.overlays.ReadAll()
	if err != nil {
		return nil, err
	}
	cutoff := resolveAsOf(asOf)

	latestByID := make(map[string]ledger.Entry)
	order := make([]string, 0)
	for _, e := range entries {
		if _, ok := latestByID[e.SubmissionID]; !ok {
			order = append(order, e.SubmissionID)
		}
		latestByID[e.SubmissionID] = e
	}

	out := make([]Overlay, 0)
	for _, id := range order {
		e := latestByID[id]
		if e.EventType == "OVERLAY_DEACTIVATED" {
			continue
		}
		o := overlayFromMetadata(id, e.Metadata)
		if o.ExpiresAt != nil && o.ExpiresAt.Before(cutoff) {
			continue
		}
		salience := decay(o.WindowEnd, cutoff, m.gate.DecayHalfLife) * o.Weight
		if salience < m.gate.SalienceMin {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

// DeactivateOverlay implements §4.7 deactivate_overlay().
func (m *Memory) DeactivateOverlay(artifactID, reason string, eventTS time.Time) (string, error) {
	return m.overlays.Write(ledger.Entry{
		EventType:    "OVERLAY_DEACTIVATED",
		SubmissionID: artifactID,
		Decision:     "deactivated",
		Reason:       reason,
		Timestamp:    eventTS,
	})
}

// UpdateOverlayWeight implements §4.7 update_overlay_weight().
func (m *Memory) UpdateOverlayWeight(artifactID string, newWeight float64, reason string, eventTS time.Time) (string, error) {
	return m.overlays.Write(ledger.Entry{
		EventType:    "OVERLAY_WEIGHT_UPDATED",
		SubmissionID: artifactID,
		Decision:     "weight_updated",
		Reason:       reason,
		Timestamp:    eventTS,
		Metadata:     map[string]any{"weight": newWeight},
	})
}

// ArtifactID computes the deterministic, idempotent artifact identifier
// named in §4.7's Idempotency note:
// H("ART:" || sort(source_signal_ids).join("|") || gate_window_key ||
// model || prompt_pack_version), truncated to a 12-hex prefix.
func ArtifactID(sourceIDs []string, gateWindowKey, model, promptPackVersion string) string {
	sorted := append([]string(nil), sourceIDs...)
	sort.Strings(sorted)
	basis := "ART:" + strings.Join(sorted, "|") + gateWindowKey + model + promptPackVersion
	sum := sha256.Sum256([]byte(basis))
	return hex.EncodeToString(sum[:])[:12]
}

// decay computes exp(-ln2/half_life * delta_hours), the exponential
// time-decay used for both signal recency and overlay salience.
func decay(eventTime, asOf time.Time, halfLifeHours float64) float64 {
	if halfLifeHours <= 0 {
		return 1.0
	}
	deltaHours := asOf.Sub(eventTime).Hours()
	if deltaHours < 0 {
		deltaHours = 0
	}
	return math.Exp(-math.Ln2 / halfLifeHours * deltaHours)
}

func resolveAsOf(asOf *time.Time) time.Time {
	if asOf != nil {
		return *asOf
	}
	return time.Now().UTC()
}

func appendDistinct(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

func mergeMeta(base map[string]any, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func overlayMetadata(o Overlay) map[string]any {
	meta := map[string]any{
		"signal_id":           o.SignalID,
		"label":               o.Label,
		"weight":              o.Weight,
		"source_event_ids":    o.SourceEventIDs,
		"source_signal_ids":   o.SourceSignalIDs,
		"gate_window_key":     o.GateWindowKey,
		"model":               o.Model,
		"prompt_pack_version": o.PromptPackVer,
		"window_end":          o.WindowEnd.Format(time.RFC3339),
	}
	if o.ExpiresAt != nil {
		meta["expires_at_event_ts"] = o.ExpiresAt.Format(time.RFC3339)
	}
	if len(o.Payload) > 0 {
		meta["payload"] = json.RawMessage(o.Payload)
	}
	return meta
}

func overlayFromMetadata(artifactID string, meta map[string]any) Overlay {
	o := Overlay{ArtifactID: artifactID}
	if v, ok := meta["signal_id"].(string); ok {
		o.SignalID = v
	}
	if v, ok := meta["label"].(string); ok {
		o.Label = v
	}
	if v, ok := meta["weight"].(float64); ok {
		o.Weight = v
	}
	if v, ok := meta["gate_window_key"].(string); ok {
		o.GateWindowKey = v
	}
	if v, ok := meta["model"].(string); ok {
		o.Model = v
	}
	if v, ok := meta["prompt_pack_version"].(string); ok {
		o.PromptPackVer = v
	}
	if v, ok := meta["window_end"].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			o.WindowEnd = t
		}
	}
	if v, ok := meta["expires_at_event_ts"].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			o.ExpiresAt = &t
		}
	}
	return o
}
