package runtimectx

import (
	"context"
	"testing"

	"github.com/kitchener-systems/kitchener/internal/budget"
)

func TestTraceMetadataWithoutSpan(t *testing.T) {
	c := New(Streams{}, budget.New(budget.ModeOff, nil), nil, nil)
	meta := c.TraceMetadata(context.Background(), "hot", "", "")
	scope, ok := meta["scope"].(map[string]any)
	if !ok || scope["tier"] != "hot" {
		t.Fatalf("expected scope.tier=hot, got %v", meta)
	}
	if _, ok := meta["relational"]; ok {
		t.Errorf("expected no relational block without an active span, got %v", meta["relational"])
	}
}

func TestStreamsCloseHandlesNils(t *testing.T) {
	var s Streams
	if err := s.Close(); err != nil {
		t.Fatalf("Close on empty Streams: %v", err)
	}
}
