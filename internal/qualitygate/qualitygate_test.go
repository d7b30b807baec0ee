package qualitygate

import (
	"encoding/json"
	"testing"
)

func synthesizeCriteria() Criteria {
	return Criteria{RequiredKey: "response_text", MinLength: 1, ErrorMarkers: []string{"[Error:"}}
}

func TestVerifyAcceptsWellFormedOutput(t *testing.T) {
	result := Verify(json.RawMessage(`{"response_text": "here is the answer"}`), synthesizeCriteria(), "WO-1")
	if result.Decision != DecisionAccept {
		t.Fatalf("expected accept, got %v (%s)", result.Decision, result.Reason)
	}
}

func TestVerifyRejectsEmptyOutput(t *testing.T) {
	result := Verify(nil, synthesizeCriteria(), "WO-1")
	if result.Decision != DecisionReject {
		t.Fatal("expected reject on empty output_result")
	}
}

func TestVerifyRejectsMissingRequiredKey(t *testing.T) {
	result := Verify(json.RawMessage(`{"other_field": "value"}`), synthesizeCriteria(), "WO-1")
	if result.Decision != DecisionReject {
		t.Fatal("expected reject when required key is missing")
	}
}

func TestVerifyRejectsErrorMarker(t *testing.T) {
	result := Verify(json.RawMessage(`{"response_text": "[Error: provider timeout]"}`), synthesizeCriteria(), "WO-1")
	if result.Decision != DecisionReject {
		t.Fatal("expected reject when output contains an error marker")
	}
}

func TestVerifyRejectsBelowMinLength(t *testing.T) {
	c := synthesizeCriteria()
	c.MinLength = 50
	result := Verify(json.RawMessage(`{"response_text": "short"}`), c, "WO-1")
	if result.Decision != DecisionReject {
		t.Fatal("expected reject when output is below minimum length")
	}
}

func TestVerifyRejectsNonObjectOutput(t *testing.T) {
	result := Verify(json.RawMessage(`"just a string"`), synthesizeCriteria(), "WO-1")
	if result.Decision != DecisionReject {
		t.Fatal("expected reject on non-object output_result")
	}
}
