package result

import (
	"maps"
	"strings"
)

// Status is the outcome of a single test execution.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusBroken  Status = "broken"
	StatusSkipped Status = "skipped"
	StatusUnknown Status = "unknown"
)

// Statuses lists every status in display order.
var Statuses = []Status{
	StatusPassed,
	StatusFailed,
	StatusBroken,
	StatusSkipped,
	StatusUnknown,
}

// statusAliases maps the spellings used by common result formats to a Status.
var statusAliases = map[string]Status{
	"passed":   StatusPassed,
	"pass":     StatusPassed,
	"success":  StatusPassed,
	"ok":       StatusPassed,
	"failed":   StatusFailed,
	"fail":     StatusFailed,
	"failure":  StatusFailed,
	"broken":   StatusBroken,
	"error":    StatusBroken,
	"skipped":  StatusSkipped,
	"skip":     StatusSkipped,
	"ignored":  StatusSkipped,
	"pending":  StatusSkipped,
	"disabled": StatusSkipped,
	"unknown":  StatusUnknown,
}

// ParseStatus maps a raw status string to a Status. The second return value
// is false when the string is empty or not a recognized spelling.
func ParseStatus(raw string) (Status, bool) {
	s, ok := statusAliases[strings.ToLower(strings.TrimSpace(raw))]

	return s, ok
}

// IsFailure reports whether the status counts as an unsuccessful execution.
func (s Status) IsFailure() bool {
	return s == StatusFailed || s == StatusBroken
}

// Severity levels, following the Allure vocabulary.
const (
	SeverityBlocker  = "blocker"
	SeverityCritical = "critical"
	SeverityNormal   = "normal"
	SeverityMinor    = "minor"
	SeverityTrivial  = "trivial"
)

var validSeverities = map[string]struct{}{
	SeverityBlocker:  {},
	SeverityCritical: {},
	SeverityNormal:   {},
	SeverityMinor:    {},
	SeverityTrivial:  {},
}

// NormalizeSeverity lower-cases raw and falls back to SeverityNormal for
// empty or unknown values.
func NormalizeSeverity(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if _, ok := validSeverities[s]; ok {
		return s
	}

	return SeverityNormal
}

// Parameter is a single named test parameter.
type Parameter struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// TestResult is one execution of one test case in one run. It is created by
// the ingestion stage and never mutated afterwards.
type TestResult struct {
	ID         string            `json:"id,omitempty"`
	HistoryID  string            `json:"history_id,omitempty"`
	TestCaseID string            `json:"test_case_id,omitempty"`
	Name       string            `json:"name"`
	FullName   string            `json:"full_name,omitempty"`
	Status     Status            `json:"status"`
	Duration   int64             `json:"duration_ms"`
	Start      int64             `json:"start,omitempty"`
	Stop       int64             `json:"stop,omitempty"`
	Severity   string            `json:"severity"`
	Labels     map[string]string `json:"labels,omitempty"`
	Parameters []Parameter       `json:"parameters,omitempty"`
	Attempt    int               `json:"attempt,omitempty"`
	Message    string            `json:"message,omitempty"`
	Source     string            `json:"source,omitempty"`
}

// WithHistoryID returns a copy of r carrying the given history id.
func (r *TestResult) WithHistoryID(id string) *TestResult {
	cp := *r
	cp.HistoryID = id
	cp.Labels = maps.Clone(r.Labels)

	if r.Parameters != nil {
		cp.Parameters = append([]Parameter(nil), r.Parameters...)
	}

	return &cp
}

// Label returns the value of the named label or "" when absent.
func (r *TestResult) Label(name string) string {
	if r.Labels == nil {
		return ""
	}

	return r.Labels[name]
}
