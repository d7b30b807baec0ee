package provider

import (
	"errors"
	"testing"
)

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		want   ErrorKind
	}{
		{401, KindAuthError},
		{403, KindAuthError},
		{429, KindRateLimited},
		{400, KindInvalidRequest},
		{500, KindServerError},
		{503, KindServerError},
		{418, KindUnknown},
	}
	for _, c := range cases {
		if got := ClassifyStatus(c.status); got != c.want {
			t.Errorf("ClassifyStatus(%d) = %q, want %q", c.status, got, c.want)
		}
	}
}

func TestClassifyMessage(t *testing.T) {
	cases := []struct {
		msg  string
		want ErrorKind
	}{
		{"context deadline exceeded", KindTimeout},
		{"rate limit exceeded", KindRateLimited},
		{"401 unauthorized: invalid api key", KindAuthError},
		{"bad request: missing field", KindInvalidRequest},
		{"internal server error", KindServerError},
		{"something entirely unexpected", KindUnknown},
	}
	for _, c := range cases {
		if got := ClassifyMessage(errors.New(c.msg)); got != c.want {
			t.Errorf("ClassifyMessage(%q) = %q, want %q", c.msg, got, c.want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	retryable := []ErrorKind{KindRateLimited, KindServerError, KindTimeout}
	for _, k := range retryable {
		if !k.IsRetryable() {
			t.Errorf("%q should be retryable", k)
		}
	}
	notRetryable := []ErrorKind{KindAuthError, KindInvalidRequest, KindUnknown}
	for _, k := range notRetryable {
		if k.IsRetryable() {
			t.Errorf("%q should not be retryable", k)
		}
	}
}

func TestWrapPrefersStatusOverMessage(t *testing.T) {
	err := Wrap("anthropic", "claude-sonnet-4", 429, errors.New("timeout waiting for response"))
	if err.Kind != KindRateLimited {
		t.Errorf("Kind = %q, want %q (status should take priority)", err.Kind, KindRateLimited)
	}
	if err.Provider != "anthropic" || err.Model != "claude-sonnet-4" {
		t.Errorf("unexpected provider/model: %+v", err)
	}
}

func TestWrapFallsBackToMessageClassification(t *testing.T) {
	err := Wrap("openai", "gpt-4o", 0, errors.New("request timeout"))
	if err.Kind != KindTimeout {
		t.Errorf("Kind = %q, want %q", err.Kind, KindTimeout)
	}
}

func TestAsProviderError(t *testing.T) {
	wrapped := Wrap("anthropic", "claude-sonnet-4", 500, errors.New("boom"))
	var err error = wrapped
	pe, ok := AsProviderError(err)
	if !ok {
		t.Fatal("expected AsProviderError to succeed")
	}
	if pe.Kind != KindServerError {
		t.Errorf("Kind = %q, want %q", pe.Kind, KindServerError)
	}

	if _, ok := AsProviderError(errors.New("plain error")); ok {
		t.Error("expected AsProviderError to fail on a non-provider error")
	}
}

func TestNewAnthropicProviderRequiresAPIKey(t *testing.T) {
	if _, err := NewAnthropicProvider(AnthropicConfig{}); err == nil {
		t.Fatal("expected error when API key is missing")
	}
}

func TestNewOpenAIProviderRequiresAPIKey(t *testing.T) {
	if _, err := NewOpenAIProvider(OpenAIConfig{}); err == nil {
		t.Fatal("expected error when API key is missing")
	}
}

func TestNewAnthropicProviderDefaultsModel(t *testing.T) {
	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.defaultModel == "" {
		t.Error("expected a default model to be set")
	}
}
