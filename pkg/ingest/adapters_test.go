package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defrances/reportoor/pkg/result"
	"github.com/defrances/reportoor/pkg/storage"
)

func newTestBucket(t *testing.T, files map[string]string) storage.Bucket {
	t.Helper()

	bucket := storage.NewLocalBucket(t.TempDir())
	for key, body := range files {
		require.NoError(t, bucket.Put(context.Background(), key, []byte(body), ""))
	}

	return bucket
}

func ingestAll(t *testing.T, src Source) *Batch {
	t.Helper()

	batch, err := newTestNormalizer().Ingest(context.Background(), src)
	require.NoError(t, err)

	return batch
}

func TestAllureSource(t *testing.T) {
	bucket := newTestBucket(t, map[string]string{
		"run/a-result.json": `{
			"uuid": "a1",
			"historyId": "h-login",
			"name": "Login",
			"fullName": "auth.LoginTest.login",
			"status": "failed",
			"start": 1000,
			"stop": 1300,
			"statusDetails": {"message": "  expected 200  "},
			"labels": [{"name": "severity", "value": "blocker"}, {"name": "suite", "value": "auth"}],
			"parameters": [
				{"name": "browser", "value": "firefox"},
				{"name": "seed", "value": "42", "excluded": true}
			]
		}`,
		"run/b-result.json":      `{"name": "Logout", "status": "passed"}`,
		"run/broken-result.json": `{not json`,
		"run/c-container.json":   `{"children": []}`,
	})

	batch := ingestAll(t, NewAllureSource("allure", bucket, "run"))
	require.Equal(t, 2, batch.Processed())
	require.Equal(t, 1, batch.Skipped())
	assert.Equal(t, "run/broken-result.json", batch.Rejected[0].Ref)

	login := batch.Results[0]
	assert.Equal(t, "a1", login.ID)
	assert.Equal(t, "h-login", login.HistoryID)
	assert.Equal(t, "auth.LoginTest.login", login.FullName)
	assert.Equal(t, result.StatusFailed, login.Status)
	assert.Equal(t, int64(300), login.Duration)
	assert.Equal(t, result.SeverityBlocker, login.Severity)
	assert.Equal(t, "expected 200", login.Message)
	assert.Equal(t, "auth", login.Label("suite"))
	assert.Equal(t, []result.Parameter{{Name: "browser", Value: "firefox"}}, login.Parameters)

	assert.Equal(t, "Logout", batch.Results[1].Name)
}

func TestAllureSource_RetriesShareHistoryID(t *testing.T) {
	// The retry file sorts before the first attempt by key.
	bucket := newTestBucket(t, map[string]string{
		"run/a-result.json": `{"uuid": "u2", "historyId": "H1", "name": "Login", "status": "passed", "start": 3, "stop": 4}`,
		"run/b-result.json": `{"uuid": "u9", "historyId": "H2", "name": "Logout", "status": "passed", "start": 5, "stop": 6}`,
		"run/c-result.json": `{"uuid": "u1", "historyId": "H1", "name": "Login", "status": "failed", "start": 1, "stop": 2}`,
	})

	batch := ingestAll(t, NewAllureSource("allure", bucket, "run"))
	require.Len(t, batch.Results, 3)

	first, retry, other := batch.Results[0], batch.Results[1], batch.Results[2]
	assert.Equal(t, "u1", first.ID)
	assert.Equal(t, 1, first.Attempt)
	assert.Equal(t, result.StatusFailed, first.Status)
	assert.Equal(t, "u2", retry.ID)
	assert.Equal(t, 2, retry.Attempt)
	assert.Equal(t, "Logout", other.Name)
	assert.Zero(t, other.Attempt)
}

func TestJUnitSource(t *testing.T) {
	bucket := newTestBucket(t, map[string]string{
		"reports/TEST-auth.xml": `<?xml version="1.0"?>
<testsuites>
  <testsuite name="auth">
    <testcase name="login" classname="auth.LoginTest" time="1.5"/>
    <testcase name="logout" classname="auth.LoginTest" time="0.25">
      <failure message="boom">stack</failure>
    </testcase>
    <testsuite name="nested">
      <testcase name="deep" classname="auth.Deep" time="0">
        <error>&#x20;npe&#x20;</error>
      </testcase>
      <testcase name="later" classname="auth.Deep">
        <skipped/>
      </testcase>
    </testsuite>
  </testsuite>
</testsuites>`,
		"reports/TEST-bad.xml":   `<testsuite><testcase`,
		"reports/TEST-other.xml": `<html></html>`,
		"reports/readme.txt":     `ignored`,
	})

	batch := ingestAll(t, NewJUnitSource("junit", bucket, "reports"))
	require.Equal(t, 4, batch.Processed())
	assert.Equal(t, 2, batch.Skipped())

	byName := make(map[string]*result.TestResult, len(batch.Results))
	for _, tr := range batch.Results {
		byName[tr.Name] = tr
	}

	login := byName["login"]
	require.NotNil(t, login)
	assert.Equal(t, result.StatusPassed, login.Status)
	assert.Equal(t, int64(1500), login.Duration)
	assert.Equal(t, "auth.LoginTest.login", login.FullName)
	assert.Equal(t, "auth", login.Label("suite"))
	assert.Equal(t, "auth.LoginTest", login.Label("testClass"))

	logout := byName["logout"]
	require.NotNil(t, logout)
	assert.Equal(t, result.StatusFailed, logout.Status)
	assert.Equal(t, "boom", logout.Message)

	deep := byName["deep"]
	require.NotNil(t, deep)
	assert.Equal(t, result.StatusBroken, deep.Status)
	assert.Equal(t, "npe", deep.Message)
	assert.Equal(t, "nested", deep.Label("suite"))

	assert.Equal(t, result.StatusSkipped, byName["later"].Status)
}

func TestJUnitSource_RetryAttempts(t *testing.T) {
	tests := []struct {
		name         string
		body         string
		wantStatuses []result.Status
	}{
		{
			name: "flaky failure then pass",
			body: `<testsuite name="s">
  <testcase name="t" classname="C" time="0.1">
    <flakyFailure message="first" time="0.2"/>
  </testcase>
</testsuite>`,
			wantStatuses: []result.Status{result.StatusFailed, result.StatusPassed},
		},
		{
			name: "flaky error and failure then pass",
			body: `<testsuite name="s">
  <testcase name="t" classname="C" time="0.1">
    <flakyError message="first"/>
    <flakyFailure message="second"/>
  </testcase>
</testsuite>`,
			wantStatuses: []result.Status{
				result.StatusBroken, result.StatusFailed, result.StatusPassed,
			},
		},
		{
			name: "failure with reruns",
			body: `<testsuite name="s">
  <testcase name="t" classname="C" time="0.1">
    <failure message="first"/>
    <rerunFailure message="second"/>
    <rerunError message="third"/>
  </testcase>
</testsuite>`,
			wantStatuses: []result.Status{
				result.StatusFailed, result.StatusFailed, result.StatusBroken,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bucket := newTestBucket(t, map[string]string{"TEST-s.xml": tt.body})

			batch := ingestAll(t, NewJUnitSource("junit", bucket, ""))
			require.Len(t, batch.Results, len(tt.wantStatuses))

			for i, tr := range batch.Results {
				assert.Equal(t, tt.wantStatuses[i], tr.Status, "attempt %d", i+1)
				assert.Equal(t, i+1, tr.Attempt)
				assert.Equal(t, "C.t", tr.FullName)
			}
		})
	}
}

func TestJUnitSource_InvalidTime(t *testing.T) {
	bucket := newTestBucket(t, map[string]string{
		"TEST-s.xml": `<testsuite><testcase name="t" time="soon"/></testsuite>`,
	})

	batch := ingestAll(t, NewJUnitSource("junit", bucket, ""))
	assert.Equal(t, 0, batch.Processed())
	require.Equal(t, 1, batch.Skipped())
	assert.Equal(t, "TEST-s.xml#testcase[0]", batch.Rejected[0].Ref)
}

func TestParseJUnitSeconds(t *testing.T) {
	tests := []struct {
		raw     string
		want    int64
		wantErr bool
	}{
		{raw: "", want: 0},
		{raw: "1", want: 1000},
		{raw: "0.0015", want: 2},
		{raw: "1,234.5", want: 1234500},
		{raw: "-1", wantErr: true},
		{raw: "abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := parseJUnitSeconds(tt.raw)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestJSONLinesSource(t *testing.T) {
	bucket := newTestBucket(t, map[string]string{
		"lines/run.jsonl": `{"id": "r1", "name": "Login", "status": "passed", "duration": "250", "labels": {"host": "ci-1"}}
{"name": "Checkout", "status": "failed", "start": 100, "stop": 400, "attempt": 2, "severity": "minor"}

not json
{"name": "Search", "status": "passed", "parameters": [{"name": "q", "value": "shoes"}]}
{"name": "NoStatus"}
`,
		"lines/other.ndjson": `{"name": "Other", "status": "skipped"}`,
		"lines/notes.md":     `# ignored`,
	})

	batch := ingestAll(t, NewJSONLinesSource("jsonl", bucket, "lines"))
	require.Equal(t, 4, batch.Processed())
	require.Equal(t, 2, batch.Skipped())

	// Keys are listed in lexical order.
	assert.Equal(t, "Other", batch.Results[0].Name)

	login := batch.Results[1]
	assert.Equal(t, "r1", login.ID)
	assert.Equal(t, int64(250), login.Duration)
	assert.Equal(t, "ci-1", login.Label("host"))

	checkout := batch.Results[2]
	assert.Equal(t, int64(300), checkout.Duration)
	assert.Equal(t, 2, checkout.Attempt)
	assert.Equal(t, result.SeverityMinor, checkout.Severity)

	search := batch.Results[3]
	assert.Equal(t, []result.Parameter{{Name: "q", Value: "shoes"}}, search.Parameters)

	refs := []string{batch.Rejected[0].Ref, batch.Rejected[1].Ref}
	assert.Equal(t, []string{"lines/run.jsonl:4", "lines/run.jsonl:6"}, refs)
	assert.Equal(t, "missing status", batch.Rejected[1].Reason)
}
