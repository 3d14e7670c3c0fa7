package report

import (
	"cmp"
	"fmt"
	"maps"
	"math"
	"slices"

	"github.com/defrances/reportoor/pkg/execution"
	"github.com/defrances/reportoor/pkg/history"
	"github.com/defrances/reportoor/pkg/result"
	"github.com/defrances/reportoor/pkg/stats"
)

// Input is everything the builder joins into a Model. Items and Stats are
// keyed by history id; Processed is the number of accepted raw records.
type Input struct {
	Run          history.Run
	Executions   []*execution.Execution
	Items        map[string]*history.Item
	Stats        map[string]*stats.AggregateStats
	PreviousRuns []history.RunRecord
	Warnings     []result.DuplicateIdentity
	Rejected     []*result.MalformedRecordError
	Processed    int
}

// Builder assembles report models.
type Builder struct {
	// AllowEmpty permits a run without test results.
	AllowEmpty bool
	// HistogramBins caps the duration histogram; zero uses the default.
	HistogramBins int
}

// Build joins the current run's tests with their statistics and computes
// the summary in a single pass. It fails with result.ErrEmptyResultSet
// when the run has no tests and AllowEmpty is false.
func (b Builder) Build(in Input) (*Model, error) {
	if len(in.Executions) == 0 && !b.AllowEmpty {
		return nil, fmt.Errorf(
			"%w: run %s produced no tests (%d records skipped)",
			result.ErrEmptyResultSet, in.Run.ID, len(in.Rejected),
		)
	}

	m := &Model{
		RunID:     in.Run.ID,
		Timestamp: in.Run.Timestamp.UnixMilli(),
		Tests:     make([]TestCase, 0, len(in.Executions)),
		Warnings:  slices.Clone(in.Warnings),
		Summary: Summary{
			ByStatus:       make(map[result.Status]int, len(result.Statuses)),
			BySeverity:     make(map[string]int, 5),
			Processed:      in.Processed,
			SkippedRecords: len(in.Rejected),
		},
	}

	for _, s := range result.Statuses {
		m.Summary.ByStatus[s] = 0
	}

	for _, mre := range in.Rejected {
		m.Rejected = append(m.Rejected, *mre)
	}

	durations := make([]int64, 0, len(in.Executions))
	sum := &m.Summary

	for _, exec := range in.Executions {
		tc := newTestCase(exec, in.Items[exec.HistoryID()], in.Stats[exec.HistoryID()], in.Run.ID)

		sum.Total++
		sum.ByStatus[tc.Status]++
		sum.BySeverity[tc.Severity]++
		sum.Duration += tc.Duration
		durations = append(durations, tc.Duration)

		if len(tc.PriorStatuses) > 0 {
			sum.Retried++
		}

		if tc.Stats != nil {
			if tc.Stats.Flaky {
				sum.Flaky++
			}

			switch tc.Stats.Transition {
			case stats.TransitionNewFailed:
				sum.NewFailed++
			case stats.TransitionNewBroken:
				sum.NewBroken++
			case stats.TransitionNewPassed:
				sum.NewPassed++
			}
		}

		m.Tests = append(m.Tests, tc)
	}

	if sum.Total > 0 {
		sum.AverageDuration = sum.Duration / int64(sum.Total)
		sum.PassRate = float64(sum.ByStatus[result.StatusPassed]) / float64(sum.Total)
	}

	m.Histogram = stats.Histogram(durations, b.HistogramBins)
	trend, idx := buildTrend(m, in.PreviousRuns)
	m.Trend = trend

	if idx > 0 {
		delta := trend[idx].PassRate - trend[idx-1].PassRate
		sum.TrendDelta = math.Max(-1, math.Min(1, delta))
	}

	return m, nil
}

func newTestCase(
	exec *execution.Execution, item *history.Item, st *stats.AggregateStats, runID string,
) TestCase {
	final := exec.Final()

	tc := TestCase{
		ID:            final.ID,
		HistoryID:     exec.HistoryID(),
		Name:          final.Name,
		FullName:      final.FullName,
		Status:        final.Status,
		Duration:      final.Duration,
		Severity:      final.Severity,
		Message:       final.Message,
		Labels:        maps.Clone(final.Labels),
		Parameters:    slices.Clone(final.Parameters),
		Source:        final.Source,
		PriorStatuses: exec.PriorStatuses(),
	}

	if st != nil {
		cp := *st
		tc.Stats = &cp
	}

	if item != nil {
		for _, e := range item.Entries {
			tc.History = append(tc.History, HistoryPoint{
				RunID:     e.RunID,
				Timestamp: e.RunTimestamp,
				Status:    e.Status,
				Duration:  e.Duration,
			})

			if e.RunID == runID {
				break
			}
		}
	}

	return tc
}

// buildTrend places the current run among the previous runs in timestamp
// order, ties broken by run id, and returns the trend with the current
// run's index. Any stored record of the current run is dropped so
// regeneration does not count it twice.
func buildTrend(m *Model, previous []history.RunRecord) ([]TrendPoint, int) {
	current := trendPoint(m.RunRecord())
	trend := make([]TrendPoint, 0, len(previous)+1)

	for i := range previous {
		if previous[i].RunID == m.RunID {
			continue
		}

		trend = append(trend, trendPoint(&previous[i]))
	}

	slices.SortStableFunc(trend, compareTrendPoints)
	idx, _ := slices.BinarySearchFunc(trend, current, compareTrendPoints)

	return slices.Insert(trend, idx, current), idx
}

func compareTrendPoints(a, b TrendPoint) int {
	if c := cmp.Compare(a.Timestamp, b.Timestamp); c != 0 {
		return c
	}

	return cmp.Compare(a.RunID, b.RunID)
}
