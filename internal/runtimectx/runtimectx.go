// Package runtimectx holds the long-lived, dependency-injected context
// shared by one process's tiers: the open ledger streams, budgeter,
// metrics recorder, and OpenTelemetry tracer. Every collaborator is a
// field on this struct, constructed once in cmd/kitchenerd and passed
// down explicitly — spec.md §9 calls out the source's module-level
// globals (default_provider, budget_mode) as something to "inject as
// fields on a long-lived runtime-context object passed to each component
// at construction. Forbid singletons," and this is that object.
package runtimectx

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"github.com/kitchener-systems/kitchener/internal/budget"
	"github.com/kitchener-systems/kitchener/internal/ledger"
	"github.com/kitchener-systems/kitchener/internal/metrics"
)

// Streams groups the five ledger streams named in spec.md §3 ("the
// gateway writes a hot stream, the executor writes an ho1 stream, the
// supervisor writes an ho2 stream, and memory writes a signals and
// overlays stream").
type Streams struct {
	Hot      *ledger.Stream
	HO1      *ledger.Stream
	HO2      *ledger.Stream
	Signals  *ledger.Stream
	Overlays *ledger.Stream
}

// Close closes every open stream, returning the first error encountered.
func (s Streams) Close() error {
	var first error
	for _, stream := range []*ledger.Stream{s.Hot, s.HO1, s.HO2, s.Signals, s.Overlays} {
		if stream == nil {
			continue
		}
		if err := stream.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Context is the runtime's dependency bag: one instance per process,
// constructed in cmd/kitchenerd and held by its kernel. The supervisor,
// executor, gateway, and memory do not take a Context; they receive the
// individual collaborators (streams, budgeter, recorder) as explicit
// constructor arguments or SetMetrics calls.
type Context struct {
	Streams  Streams
	Budgeter *budget.Budgeter
	Metrics  *metrics.Recorder
	Tracer   trace.Tracer
}

// New builds a Context over already-open streams, a configured
// budgeter, and optional metrics/tracer instances (either may be nil).
func New(streams Streams, budgeter *budget.Budgeter, rec *metrics.Recorder, tracer trace.Tracer) *Context {
	return &Context{Streams: streams, Budgeter: budgeter, Metrics: rec, Tracer: tracer}
}

// RelatedArtifact is one entry of the relational.related_artifacts list
// that TraceMetadata places beside relational.parent_event_id and
// relational.root_event_id.
type RelatedArtifact struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// TraceMetadata returns a metadata map with scope.tier set to tier and,
// when ctx carries a valid span, a relational block holding the span's
// trace_id and span_id plus the given parent/root event IDs and related
// artifacts. Without a valid span only scope.tier is set. No provenance.*
// keys are produced.
func (c *Context) TraceMetadata(ctx context.Context, tier string, parentEventID, rootEventID string, related ...RelatedArtifact) map[string]any {
	meta := map[string]any{
		"scope": map[string]any{"tier": tier},
	}
	sc := trace.SpanContextFromContext(ctx)
	if sc.IsValid() {
		meta["relational"] = map[string]any{
			"trace_id":             sc.TraceID().String(),
			"span_id":              sc.SpanID().String(),
			"parent_event_id":      parentEventID,
			"root_event_id":        rootEventID,
			"related_artifacts":    related,
		}
	}
	return meta
}

// NewRelatedArtifact constructs one relational.related_artifacts entry.
func NewRelatedArtifact(artifactType, id string) RelatedArtifact {
	return RelatedArtifact{Type: artifactType, ID: id}
}
