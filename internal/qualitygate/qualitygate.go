// Package qualitygate implements the binary verify() contract of
// spec.md §4.5: a non-LLM accept/reject check on executor output.
package qualitygate

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Decision is the verification outcome.
type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionReject Decision = "reject"
)

// Result is what verify returns.
type Result struct {
	Decision Decision
	Reason   string
}

// Criteria configures the acceptance check for one work order type.
type Criteria struct {
	RequiredKey  string // e.g. "response_text" for synthesize WOs
	MinLength    int
	ErrorMarkers []string // substrings that mark the output as an error, e.g. "[Error:"
}

// Verify implements §4.5's algorithm: output_result non-null/non-empty,
// contains the required top-level key, no error marker present, and a
// minimum length satisfied.
func Verify(outputResult json.RawMessage, criteria Criteria, woID string) Result {
	if len(outputResult) == 0 || string(outputResult) == "null" {
		return Result{Decision: DecisionReject, Reason: fmt.Sprintf("wo %s: output_result is empty", woID)}
	}

	var obj map[string]any
	if err := json.Unmarshal(outputResult, &obj); err != nil {
		return Result{Decision: DecisionReject, Reason: fmt.Sprintf("wo %s: output_result is not a JSON object: %v", woID, err)}
	}

	if criteria.RequiredKey != "" {
		if _, ok := obj[criteria.RequiredKey]; !ok {
			return Result{Decision: DecisionReject, Reason: fmt.Sprintf("wo %s: missing required key %q", woID, criteria.RequiredKey)}
		}
	}

	text := extractText(obj, criteria.RequiredKey)
	for _, marker := range criteria.ErrorMarkers {
		if marker != "" && strings.Contains(text, marker) {
			return Result{Decision: DecisionReject, Reason: fmt.Sprintf("wo %s: output contains error marker %q", woID, marker)}
		}
	}

	if criteria.MinLength > 0 && len(text) < criteria.MinLength {
		return Result{Decision: DecisionReject, Reason: fmt.Sprintf("wo %s: output length %d below minimum %d", woID, len(text), criteria.MinLength)}
	}

	return Result{Decision: DecisionAccept}
}

func extractText(obj map[string]any, requiredKey string) string {
	if requiredKey != "" {
		if v, ok := obj[requiredKey]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	b, _ := json.Marshal(obj)
	return string(b)
}
