// Package stats derives per-test aggregate statistics from history.
package stats

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/defrances/reportoor/pkg/history"
	"github.com/defrances/reportoor/pkg/result"
)

// DefaultFlakyWindow is the number of previous entries considered for flaky
// classification when no explicit value is configured.
const DefaultFlakyWindow = 5

// ErrRunNotFound is returned when an item holds no entry for the run.
var ErrRunNotFound = errors.New("run not found in history")

// Transition describes how the status changed since the previous entry.
type Transition string

const (
	TransitionNone      Transition = "none"
	TransitionNewFailed Transition = "new_failed"
	TransitionNewBroken Transition = "new_broken"
	TransitionNewPassed Transition = "new_passed"
)

// DurationStats summarizes durations in milliseconds.
type DurationStats struct {
	Count int   `json:"count"`
	Min   int64 `json:"min"`
	Max   int64 `json:"max"`
	Mean  int64 `json:"mean"`
	P50   int64 `json:"p50"`
	P90   int64 `json:"p90"`
	P95   int64 `json:"p95"`
	P99   int64 `json:"p99"`
}

// AggregateStats are the derived metrics of one test for one run.
type AggregateStats struct {
	HistoryID        string        `json:"history_id"`
	RunID            string        `json:"run_id"`
	Samples          int           `json:"samples"`
	Duration         DurationStats `json:"duration"`
	PassRate         float64       `json:"pass_rate"`
	PreviousPassRate float64       `json:"previous_pass_rate"`
	TrendDelta       float64       `json:"trend_delta"`
	MajorityStatus   result.Status `json:"majority_status,omitempty"`
	Flaky            bool          `json:"flaky"`
	Retries          int           `json:"retries"`
	Transition       Transition    `json:"transition"`
}

// Engine computes AggregateStats. The zero value uses DefaultFlakyWindow.
type Engine struct {
	FlakyWindow int
}

func (e Engine) flakyWindow() int {
	if e.FlakyWindow <= 0 {
		return DefaultFlakyWindow
	}

	return e.FlakyWindow
}

// Compute returns the statistics of item as of the entry for runID. The
// window is every entry up to and including that entry. item is not
// modified.
func (e Engine) Compute(item *history.Item, runID string) (*AggregateStats, error) {
	idx := item.IndexOf(runID)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s in %s", ErrRunNotFound, runID, item.HistoryID)
	}

	window := item.Entries[:idx+1]
	current := &item.Entries[idx]
	previous := item.Entries[:idx]

	durations := make([]int64, 0, len(window))
	for i := range window {
		durations = append(durations, window[i].Duration)
	}

	s := &AggregateStats{
		HistoryID:  item.HistoryID,
		RunID:      runID,
		Samples:    len(window),
		Duration:   Durations(durations),
		PassRate:   passRate(window),
		Retries:    current.Retries(),
		Transition: TransitionNone,
	}

	if len(previous) == 0 {
		s.Flaky = retriedToPass(current) && current.PriorStatuses[0].IsFailure()

		return s, nil
	}

	s.PreviousPassRate = passRate(previous)
	s.TrendDelta = clamp(s.PassRate-s.PreviousPassRate, -1, 1)

	recent := previous[max(0, len(previous)-e.flakyWindow()):]
	s.MajorityStatus = majority(recent)
	s.Flaky = retriedToPass(current) && current.PriorStatuses[0] != s.MajorityStatus
	s.Transition = transition(previous[len(previous)-1].Status, current.Status)

	return s, nil
}

// retriedToPass reports whether the run needed retries and the final
// attempt passed.
func retriedToPass(e *history.Entry) bool {
	return len(e.PriorStatuses) > 0 && e.Status == result.StatusPassed
}

func passRate(entries []history.Entry) float64 {
	if len(entries) == 0 {
		return 0
	}

	passed := 0

	for i := range entries {
		if entries[i].Status == result.StatusPassed {
			passed++
		}
	}

	return float64(passed) / float64(len(entries))
}

// majority returns the most frequent status. Ties go to the status seen
// most recently.
func majority(entries []history.Entry) result.Status {
	counts := make(map[result.Status]int, len(result.Statuses))
	for i := range entries {
		counts[entries[i].Status]++
	}

	var (
		best      result.Status
		bestCount int
	)

	for i := len(entries) - 1; i >= 0; i-- {
		s := entries[i].Status
		if counts[s] > bestCount {
			best, bestCount = s, counts[s]
		}
	}

	return best
}

func transition(prev, cur result.Status) Transition {
	switch {
	case cur == prev:
		return TransitionNone
	case cur == result.StatusFailed:
		return TransitionNewFailed
	case cur == result.StatusBroken:
		return TransitionNewBroken
	case cur == result.StatusPassed:
		return TransitionNewPassed
	default:
		return TransitionNone
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Durations computes duration statistics with nearest-rank percentiles.
func Durations(values []int64) DurationStats {
	if len(values) == 0 {
		return DurationStats{}
	}

	sorted := slices.Clone(values)
	slices.Sort(sorted)

	var sum int64
	for _, v := range sorted {
		sum += v
	}

	return DurationStats{
		Count: len(sorted),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / int64(len(sorted)),
		P50:   Percentile(sorted, 50),
		P90:   Percentile(sorted, 90),
		P95:   Percentile(sorted, 95),
		P99:   Percentile(sorted, 99),
	}
}

// Percentile returns the p-th percentile of sorted using the nearest-rank
// method: the value at rank ceil(p/100 * n).
func Percentile(sorted []int64, p int) int64 {
	if len(sorted) == 0 {
		return 0
	}

	rank := (p*len(sorted) + 99) / 100
	rank = max(1, min(rank, len(sorted)))

	return sorted[rank-1]
}
