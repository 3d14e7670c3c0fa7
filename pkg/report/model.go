// Package report assembles the read-only report model of one run.
package report

import (
	"github.com/defrances/reportoor/pkg/history"
	"github.com/defrances/reportoor/pkg/result"
	"github.com/defrances/reportoor/pkg/stats"
)

// Model is the root of a generated report. It is built once per run and
// must be treated as read-only by consumers.
type Model struct {
	RunID     string                        `json:"run_id"`
	Timestamp int64                         `json:"timestamp"`
	Summary   Summary                       `json:"summary"`
	Tests     []TestCase                    `json:"tests"`
	Trend     []TrendPoint                  `json:"trend"`
	Histogram []stats.Bin                   `json:"duration_histogram"`
	Warnings  []result.DuplicateIdentity    `json:"warnings,omitempty"`
	Rejected  []result.MalformedRecordError `json:"rejected,omitempty"`
}

// Summary holds the run-level rollups. Total counts test cases after retry
// attempts are folded together; Processed counts accepted raw records and
// SkippedRecords the malformed ones excluded from the run.
type Summary struct {
	Total           int                   `json:"total"`
	ByStatus        map[result.Status]int `json:"by_status"`
	BySeverity      map[string]int        `json:"by_severity"`
	Duration        int64                 `json:"duration_ms"`
	AverageDuration int64                 `json:"average_duration_ms"`
	PassRate        float64               `json:"pass_rate"`
	TrendDelta      float64               `json:"trend_delta"`
	Flaky           int                   `json:"flaky"`
	Retried         int                   `json:"retried"`
	NewFailed       int                   `json:"new_failed"`
	NewBroken       int                   `json:"new_broken"`
	NewPassed       int                   `json:"new_passed"`
	Processed       int                   `json:"processed"`
	SkippedRecords  int                   `json:"skipped_records"`
}

// TestCase is one test of the current run joined with its statistics.
type TestCase struct {
	ID            string                `json:"id"`
	HistoryID     string                `json:"history_id"`
	Name          string                `json:"name"`
	FullName      string                `json:"full_name,omitempty"`
	Status        result.Status         `json:"status"`
	Duration      int64                 `json:"duration_ms"`
	Severity      string                `json:"severity"`
	Message       string                `json:"message,omitempty"`
	Labels        map[string]string     `json:"labels,omitempty"`
	Parameters    []result.Parameter    `json:"parameters,omitempty"`
	Source        string                `json:"source,omitempty"`
	PriorStatuses []result.Status       `json:"prior_statuses,omitempty"`
	Stats         *stats.AggregateStats `json:"stats,omitempty"`
	History       []HistoryPoint        `json:"history,omitempty"`
}

// HistoryPoint is one past outcome of a test, oldest first.
type HistoryPoint struct {
	RunID     string        `json:"run_id"`
	Timestamp int64         `json:"timestamp"`
	Status    result.Status `json:"status"`
	Duration  int64         `json:"duration_ms"`
}

// TrendPoint is one run in the history trend, oldest first. The current
// run sits at its timestamp position, which is last unless it was backfilled.
type TrendPoint struct {
	RunID     string  `json:"run_id"`
	Timestamp int64   `json:"timestamp"`
	Passed    int     `json:"passed"`
	Failed    int     `json:"failed"`
	Broken    int     `json:"broken"`
	Skipped   int     `json:"skipped"`
	Unknown   int     `json:"unknown"`
	Flaky     int     `json:"flaky"`
	Total     int     `json:"total"`
	PassRate  float64 `json:"pass_rate"`
	Duration  int64   `json:"duration_ms"`
}

func trendPoint(r *history.RunRecord) TrendPoint {
	return TrendPoint{
		RunID:     r.RunID,
		Timestamp: r.Timestamp,
		Passed:    r.Passed,
		Failed:    r.Failed,
		Broken:    r.Broken,
		Skipped:   r.Skipped,
		Unknown:   r.Unknown,
		Flaky:     r.Flaky,
		Total:     r.Total(),
		PassRate:  r.PassRate(),
		Duration:  r.Duration,
	}
}

// Card is the projection consumed by summary-card views.
type Card struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Status   result.Status `json:"status"`
	Duration int64         `json:"duration_ms"`
}

// Cards projects every test case to a Card, in model order.
func (m *Model) Cards() []Card {
	cards := make([]Card, 0, len(m.Tests))
	for i := range m.Tests {
		tc := &m.Tests[i]
		cards = append(cards, Card{
			ID:       tc.ID,
			Name:     tc.Name,
			Status:   tc.Status,
			Duration: tc.Duration,
		})
	}

	return cards
}

// RunRecord returns the rollup of this run for the history trend.
func (m *Model) RunRecord() *history.RunRecord {
	r := &history.RunRecord{
		RunID:     m.RunID,
		Timestamp: m.Timestamp,
		Flaky:     m.Summary.Flaky,
		Duration:  m.Summary.Duration,
	}

	for i := range m.Tests {
		r.Add(m.Tests[i].Status)
	}

	return r
}
