// Package history keeps the bounded per-test time series across runs.
package history

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/defrances/reportoor/pkg/execution"
	"github.com/defrances/reportoor/pkg/result"
)

// DefaultRetention is the number of entries kept per history id when no
// explicit value is configured.
const DefaultRetention = 30

// Store persists history items and run records. Get returns nil, nil for
// an unknown history id.
type Store interface {
	Get(ctx context.Context, historyID string) (*Item, error)
	Put(ctx context.Context, item *Item) error
	Delete(ctx context.Context, historyID string) error
	ListIDs(ctx context.Context) ([]string, error)

	PutRun(ctx context.Context, run *RunRecord) error
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)

	Close() error
}

// Run identifies the run being merged.
type Run struct {
	ID        string
	Timestamp time.Time
}

// Entry is one run's outcome for one history id.
type Entry struct {
	RunID         string          `json:"run_id"`
	RunTimestamp  int64           `json:"run_timestamp"`
	TestID        string          `json:"test_id,omitempty"`
	Name          string          `json:"name"`
	FullName      string          `json:"full_name,omitempty"`
	Status        result.Status   `json:"status"`
	Duration      int64           `json:"duration_ms"`
	Start         int64           `json:"start,omitempty"`
	Stop          int64           `json:"stop,omitempty"`
	Severity      string          `json:"severity,omitempty"`
	Message       string          `json:"message,omitempty"`
	PriorStatuses []result.Status `json:"prior_statuses,omitempty"`
}

// NewEntry snapshots the final attempt of exec for run.
func NewEntry(run Run, exec *execution.Execution) Entry {
	final := exec.Final()

	return Entry{
		RunID:         run.ID,
		RunTimestamp:  run.Timestamp.UnixMilli(),
		TestID:        final.ID,
		Name:          final.Name,
		FullName:      final.FullName,
		Status:        final.Status,
		Duration:      final.Duration,
		Start:         final.Start,
		Stop:          final.Stop,
		Severity:      final.Severity,
		Message:       final.Message,
		PriorStatuses: exec.PriorStatuses(),
	}
}

// Retries returns the number of attempts before the final one.
func (e *Entry) Retries() int {
	return len(e.PriorStatuses)
}

// Item is the ordered history of one test, oldest entry first.
type Item struct {
	HistoryID string  `json:"history_id"`
	Entries   []Entry `json:"entries"`
}

// Clone returns a deep copy of the item.
func (it *Item) Clone() *Item {
	if it == nil {
		return nil
	}

	cp := &Item{
		HistoryID: it.HistoryID,
		Entries:   make([]Entry, len(it.Entries)),
	}

	for i, e := range it.Entries {
		e.PriorStatuses = slices.Clone(e.PriorStatuses)
		cp.Entries[i] = e
	}

	return cp
}

// IndexOf returns the position of the entry for runID or -1.
func (it *Item) IndexOf(runID string) int {
	return slices.IndexFunc(it.Entries, func(e Entry) bool {
		return e.RunID == runID
	})
}

// Upsert replaces the entry with the same run id or appends e.
func (it *Item) Upsert(e Entry) {
	if i := it.IndexOf(e.RunID); i >= 0 {
		it.Entries[i] = e

		return
	}

	it.Entries = append(it.Entries, e)
}

// Sort orders entries by run timestamp, then run id.
func (it *Item) Sort() {
	slices.SortStableFunc(it.Entries, compareEntries)
}

// Trim evicts the oldest entries beyond limit and returns how many were
// removed. A limit below one keeps everything.
func (it *Item) Trim(limit int) int {
	if limit <= 0 || len(it.Entries) <= limit {
		return 0
	}

	evicted := len(it.Entries) - limit
	it.Entries = slices.Clone(it.Entries[evicted:])

	return evicted
}

func compareEntries(a, b Entry) int {
	switch {
	case a.RunTimestamp < b.RunTimestamp:
		return -1
	case a.RunTimestamp > b.RunTimestamp:
		return 1
	default:
		return strings.Compare(a.RunID, b.RunID)
	}
}

// RunRecord is the per-run rollup used for the history trend.
type RunRecord struct {
	RunID     string `json:"run_id"`
	Timestamp int64  `json:"timestamp"`
	Passed    int    `json:"passed"`
	Failed    int    `json:"failed"`
	Broken    int    `json:"broken"`
	Skipped   int    `json:"skipped"`
	Unknown   int    `json:"unknown"`
	Flaky     int    `json:"flaky"`
	Duration  int64  `json:"duration_ms"`
}

// Total returns the number of tests in the run.
func (r *RunRecord) Total() int {
	return r.Passed + r.Failed + r.Broken + r.Skipped + r.Unknown
}

// PassRate returns passed over total, or 0 for an empty run.
func (r *RunRecord) PassRate() float64 {
	total := r.Total()
	if total == 0 {
		return 0
	}

	return float64(r.Passed) / float64(total)
}

// Add counts one test outcome.
func (r *RunRecord) Add(status result.Status) {
	switch status {
	case result.StatusPassed:
		r.Passed++
	case result.StatusFailed:
		r.Failed++
	case result.StatusBroken:
		r.Broken++
	case result.StatusSkipped:
		r.Skipped++
	default:
		r.Unknown++
	}
}

// sortRuns orders runs by timestamp, then run id, and keeps the last limit.
func sortRuns(runs []RunRecord, limit int) []RunRecord {
	slices.SortStableFunc(runs, func(a, b RunRecord) int {
		switch {
		case a.Timestamp < b.Timestamp:
			return -1
		case a.Timestamp > b.Timestamp:
			return 1
		default:
			return strings.Compare(a.RunID, b.RunID)
		}
	})

	if limit > 0 && len(runs) > limit {
		runs = runs[len(runs)-limit:]
	}

	return runs
}
