package ingest

import (
	"context"
	"iter"

	"github.com/defrances/reportoor/pkg/result"
)

// Source produces raw records from one adapter. The sequence yields either
// a record, a *result.MalformedRecordError for a record that could not be
// decoded, or any other error, which aborts ingestion.
type Source interface {
	Name() string
	Records(ctx context.Context) iter.Seq2[Record, error]
}

// Record is the minimal capability every raw record must offer. Empty
// strings mean the value is not derivable.
type Record interface {
	Name() string
	Status() string
}

// Optional capabilities. The normalizer checks for each one.
type (
	// IDer exposes a run-scoped record id.
	IDer interface{ ID() string }

	// FullNamer exposes a fully qualified test name.
	FullNamer interface{ FullName() string }

	// Durationer exposes an explicit duration in milliseconds.
	Durationer interface{ Duration() (int64, bool) }

	// Timestamper exposes start and stop times in unix milliseconds.
	Timestamper interface {
		Start() (int64, bool)
		Stop() (int64, bool)
	}

	// Labeler exposes arbitrary labels.
	Labeler interface{ Labels() map[string]string }

	// Parameterizer exposes test parameters.
	Parameterizer interface{ Parameters() []result.Parameter }

	// SeverityReporter exposes a severity level.
	SeverityReporter interface{ Severity() string }

	// HistoryIDer exposes a history id assigned by the producing framework.
	HistoryIDer interface{ HistoryID() string }

	// TestCaseIDer exposes a framework test case id.
	TestCaseIDer interface{ TestCaseID() string }

	// Attempter exposes the 1-based attempt number of a retried execution.
	Attempter interface{ Attempt() int }

	// Messager exposes a failure message.
	Messager interface{ Message() string }

	// Referencer locates the record in its source (file, line) for error reports.
	Referencer interface{ Ref() string }
)
