package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defrances/reportoor/pkg/history"
	"github.com/defrances/reportoor/pkg/ingest"
	"github.com/defrances/reportoor/pkg/report"
	"github.com/defrances/reportoor/pkg/result"
	"github.com/defrances/reportoor/pkg/stats"
	"github.com/defrances/reportoor/pkg/storage"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func newTestEngine(t *testing.T, store history.Store, opts Options) *Engine {
	t.Helper()

	e, err := New(testLogger(), store, opts)
	require.NoError(t, err)

	return e
}

// jsonlSource writes one JSON Lines file with the given records into a
// temporary bucket and returns a source over it.
func jsonlSource(t *testing.T, name string, records ...map[string]any) ingest.Source {
	t.Helper()

	var sb strings.Builder

	for _, r := range records {
		line, err := json.Marshal(r)
		require.NoError(t, err)

		sb.Write(line)
		sb.WriteByte('\n')
	}

	bucket := storage.NewLocalBucket(t.TempDir())
	require.NoError(t, bucket.Put(context.Background(), name+".jsonl", []byte(sb.String()), ""))

	return ingest.NewJSONLinesSource(name, bucket, "")
}

func rec(name, status string, extra ...any) map[string]any {
	r := map[string]any{"name": name, "fullName": "suite." + name, "status": status, "duration": 10}

	for i := 0; i+1 < len(extra); i += 2 {
		r[extra[i].(string)] = extra[i+1]
	}

	return r
}

func runAt(id string, ms int64) RunInfo {
	return RunInfo{ID: id, Timestamp: time.UnixMilli(ms)}
}

func findTest(t *testing.T, m *report.Model, name string) report.TestCase {
	t.Helper()

	for _, tc := range m.Tests {
		if tc.Name == name {
			return tc
		}
	}

	require.Failf(t, "test not found", "%s", name)

	return report.TestCase{}
}

func TestGenerate_CountsSkippedRecords(t *testing.T) {
	e := newTestEngine(t, history.NewMemoryStore(), Options{})

	records := make([]map[string]any, 0, 100)
	for i := range 100 {
		r := rec(fmt.Sprintf("test-%03d", i), "passed")
		if i%40 == 7 {
			delete(r, "status")
		}

		records = append(records, r)
	}

	m, err := e.Generate(context.Background(), runAt("r1", 1000), jsonlSource(t, "bulk", records...))
	require.NoError(t, err)

	assert.Equal(t, 97, m.Summary.Processed)
	assert.Equal(t, 3, m.Summary.SkippedRecords)
	assert.Equal(t, 97, m.Summary.Total)
	assert.Len(t, m.Rejected, 3)
}

func TestGenerate_FlakyAcrossRuns(t *testing.T) {
	store := history.NewMemoryStore()
	e := newTestEngine(t, store, Options{FlakyWindow: 5})
	ctx := context.Background()

	for i, status := range []string{"passed", "passed", "failed"} {
		_, err := e.Generate(ctx, runAt(fmt.Sprintf("r%d", i+1), int64(1000*(i+1))),
			jsonlSource(t, "unit", rec("T1", status)))
		require.NoError(t, err)
	}

	m, err := e.Generate(ctx, runAt("r4", 4000), jsonlSource(t, "unit",
		rec("T1", "failed", "attempt", 1),
		rec("T1", "passed", "attempt", 2),
	))
	require.NoError(t, err)

	tc := findTest(t, m, "T1")
	assert.Equal(t, result.StatusPassed, tc.Status)
	assert.Equal(t, []result.Status{result.StatusFailed}, tc.PriorStatuses)
	require.NotNil(t, tc.Stats)
	assert.True(t, tc.Stats.Flaky)
	assert.Equal(t, 1, tc.Stats.Retries)
	assert.Equal(t, result.StatusPassed, tc.Stats.MajorityStatus)
	assert.Equal(t, 1, m.Summary.Flaky)
	assert.Equal(t, 1, m.Summary.Total)
	assert.Equal(t, 2, m.Summary.Processed)

	require.Len(t, m.Trend, 4)
	assert.Equal(t, "r4", m.Trend[3].RunID)
}

func TestGenerate_AllureRetryIsFlaky(t *testing.T) {
	bucket := storage.NewLocalBucket(t.TempDir())
	ctx := context.Background()

	for key, body := range map[string]string{
		"a-result.json": `{"historyId": "H1", "name": "Login", "status": "failed", "start": 1, "stop": 2}`,
		"b-result.json": `{"historyId": "H1", "name": "Login", "status": "passed", "start": 3, "stop": 4}`,
	} {
		require.NoError(t, bucket.Put(ctx, key, []byte(body), ""))
	}

	e := newTestEngine(t, history.NewMemoryStore(), Options{})

	m, err := e.Generate(ctx, runAt("r1", 1000), ingest.NewAllureSource("allure", bucket, ""))
	require.NoError(t, err)

	require.Len(t, m.Tests, 1)
	assert.Empty(t, m.Warnings)

	tc := findTest(t, m, "Login")
	assert.Equal(t, "H1", tc.HistoryID)
	assert.Equal(t, result.StatusPassed, tc.Status)
	assert.Equal(t, []result.Status{result.StatusFailed}, tc.PriorStatuses)
	require.NotNil(t, tc.Stats)
	assert.True(t, tc.Stats.Flaky)
	assert.Equal(t, 1, m.Summary.Flaky)
	assert.Equal(t, 1, m.Summary.Retried)
	assert.Equal(t, 2, m.Summary.Processed)
}

func TestGenerate_SameIdentityAcrossSources(t *testing.T) {
	e := newTestEngine(t, history.NewMemoryStore(), Options{})
	ctx := context.Background()

	first, err := e.Generate(ctx, runAt("r1", 1000),
		jsonlSource(t, "ci-linux", rec("Login", "passed", "labels", map[string]any{"host": "a"})))
	require.NoError(t, err)

	second, err := e.Generate(ctx, runAt("r2", 2000),
		jsonlSource(t, "ci-mac", rec("Login", "failed", "labels", map[string]any{"host": "b"})))
	require.NoError(t, err)

	a, b := findTest(t, first, "Login"), findTest(t, second, "Login")
	assert.Equal(t, a.HistoryID, b.HistoryID)
	assert.Len(t, b.History, 2)
	assert.Equal(t, stats.TransitionNewFailed, b.Stats.Transition)
	assert.Equal(t, 1, second.Summary.NewFailed)
}

func TestGenerate_RegenerationIsIdempotent(t *testing.T) {
	store := history.NewMemoryStore()
	e := newTestEngine(t, store, Options{})
	ctx := context.Background()

	src := func() ingest.Source {
		return jsonlSource(t, "unit", rec("A", "passed"), rec("B", "failed"))
	}

	first, err := e.Generate(ctx, runAt("r1", 1000), src())
	require.NoError(t, err)

	second, err := e.Generate(ctx, runAt("r1", 1000), src())
	require.NoError(t, err)

	assert.Equal(t, first.Summary, second.Summary)
	assert.Equal(t, first.Tests, second.Tests)
	assert.Len(t, second.Trend, 1)

	item, err := store.Get(ctx, findTest(t, second, "A").HistoryID)
	require.NoError(t, err)
	assert.Len(t, item.Entries, 1)

	runs, err := store.ListRuns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestGenerate_DuplicateNames(t *testing.T) {
	e := newTestEngine(t, history.NewMemoryStore(), Options{})

	m, err := e.Generate(context.Background(), runAt("r1", 1000),
		jsonlSource(t, "unit", rec("Login", "passed"), rec("Login", "failed")))
	require.NoError(t, err)

	require.Len(t, m.Tests, 2)
	require.Len(t, m.Warnings, 1)
	assert.Equal(t, m.Tests[0].HistoryID+"-1", m.Tests[1].HistoryID)
	assert.Equal(t, m.Warnings[0].AssignedID, m.Tests[1].HistoryID)
}

func TestGenerate_RetentionBound(t *testing.T) {
	store := history.NewMemoryStore()
	e := newTestEngine(t, store, Options{HistoryRetention: 3})
	ctx := context.Background()

	var m *report.Model

	for i := range 6 {
		var err error

		m, err = e.Generate(ctx, runAt(fmt.Sprintf("r%d", i), int64(1000*(i+1))),
			jsonlSource(t, "unit", rec("A", "passed")))
		require.NoError(t, err)
	}

	tc := findTest(t, m, "A")
	assert.Len(t, tc.History, 3)
	assert.Equal(t, 3, tc.Stats.Samples)
	assert.Len(t, m.Trend, 4, "previous retained runs plus the current one")
}

func TestGenerate_BackfilledRunOutsideWindow(t *testing.T) {
	e := newTestEngine(t, history.NewMemoryStore(), Options{HistoryRetention: 2})
	ctx := context.Background()

	for i := range 2 {
		_, err := e.Generate(ctx, runAt(fmt.Sprintf("new-%d", i), int64(10_000+i)),
			jsonlSource(t, "unit", rec("A", "passed")))
		require.NoError(t, err)
	}

	m, err := e.Generate(ctx, runAt("ancient", 1), jsonlSource(t, "unit", rec("A", "failed")))
	require.NoError(t, err)

	tc := findTest(t, m, "A")
	require.NotNil(t, tc.Stats)
	assert.Equal(t, 1, tc.Stats.Samples)
}

func TestGenerate_Empty(t *testing.T) {
	ctx := context.Background()

	_, err := newTestEngine(t, history.NewMemoryStore(), Options{}).
		Generate(ctx, runAt("r1", 1), jsonlSource(t, "unit", rec("A", "")))
	require.ErrorIs(t, err, result.ErrEmptyResultSet)

	store := history.NewMemoryStore()

	m, err := newTestEngine(t, store, Options{AllowEmpty: true}).Generate(ctx, runAt("r1", 1))
	require.NoError(t, err)
	assert.Zero(t, m.Summary.Total)

	runs, err := store.ListRuns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

type brokenStore struct {
	*history.MemoryStore
}

func (brokenStore) Put(context.Context, *history.Item) error {
	return errors.New("disk full")
}

func TestGenerate_StoreUnavailable(t *testing.T) {
	e := newTestEngine(t, brokenStore{history.NewMemoryStore()}, Options{})

	_, err := e.Generate(context.Background(), runAt("r1", 1), jsonlSource(t, "unit", rec("A", "passed")))
	require.Error(t, err)
	assert.ErrorIs(t, err, result.ErrHistoryStoreUnavailable)
}

// cancelOnGetStore cancels generation once merging reads history.
type cancelOnGetStore struct {
	*history.MemoryStore
	cancel context.CancelFunc
}

func (s cancelOnGetStore) Get(ctx context.Context, id string) (*history.Item, error) {
	s.cancel()

	return s.MemoryStore.Get(ctx, id)
}

func TestGenerate_CancelledDuringMerge(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := cancelOnGetStore{MemoryStore: history.NewMemoryStore(), cancel: cancel}
	e := newTestEngine(t, store, Options{MergeConcurrency: 2})

	_, err := e.Generate(ctx, runAt("r1", 1), jsonlSource(t, "unit",
		rec("A", "passed"), rec("B", "passed"), rec("C", "passed"), rec("D", "failed"),
	))
	require.ErrorIs(t, err, context.Canceled)

	runs, err := store.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, runs, "no run record for an incomplete merge")
}

func TestGenerate_CancelledIngestion(t *testing.T) {
	store := history.NewMemoryStore()
	e := newTestEngine(t, store, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Generate(ctx, runAt("r1", 1), jsonlSource(t, "unit", rec("A", "passed")))
	require.ErrorIs(t, err, context.Canceled)

	ids, err := store.ListIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestGenerate_DefaultsRunInfo(t *testing.T) {
	e := newTestEngine(t, history.NewMemoryStore(), Options{})

	before := time.Now()

	m, err := e.Generate(context.Background(), RunInfo{}, jsonlSource(t, "unit", rec("A", "passed")))
	require.NoError(t, err)

	assert.Len(t, m.RunID, 36)
	assert.GreaterOrEqual(t, m.Timestamp, before.UnixMilli())
}

func TestNew_InvalidOptions(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{name: "run-specific identity field", opts: Options{IdentityFields: []string{"start"}}},
		{name: "negative retention", opts: Options{HistoryRetention: -1}},
		{name: "negative window", opts: Options{FlakyWindow: -2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(testLogger(), history.NewMemoryStore(), tt.opts)
			require.ErrorIs(t, err, result.ErrInvalidConfig)
		})
	}
}
