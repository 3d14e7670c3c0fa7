package ingest

import (
	"context"
	"encoding/xml"
	"fmt"
	"iter"
	"math"
	"strconv"
	"strings"

	"github.com/defrances/reportoor/pkg/result"
	"github.com/defrances/reportoor/pkg/storage"
)

// Compile-time interface check.
var _ Source = (*JUnitSource)(nil)

// JUnitSource reads JUnit XML reports (including Maven Surefire rerun
// extensions) from a bucket prefix.
type JUnitSource struct {
	name   string
	bucket storage.Bucket
	prefix string
}

// NewJUnitSource creates a source over the "*.xml" reports below prefix.
func NewJUnitSource(name string, bucket storage.Bucket, prefix string) *JUnitSource {
	return &JUnitSource{name: name, bucket: bucket, prefix: prefix}
}

// Name returns the source name.
func (s *JUnitSource) Name() string {
	return s.name
}

// Records yields one record per test case attempt. A test case with
// Surefire flaky or rerun elements expands to one record per attempt.
func (s *JUnitSource) Records(ctx context.Context) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		for key, data := range readObjects(ctx, s.bucket, s.prefix, ".xml") {
			if data.err != nil {
				yield(nil, data.err)

				return
			}

			var root junitSuite
			if err := xml.Unmarshal(data.body, &root); err != nil {
				mre := &result.MalformedRecordError{
					Ref:    key,
					Reason: "invalid junit xml: " + err.Error(),
				}

				if !yield(nil, mre) {
					return
				}

				continue
			}

			if root.XMLName.Local != "testsuites" && root.XMLName.Local != "testsuite" {
				mre := &result.MalformedRecordError{
					Ref:    key,
					Reason: fmt.Sprintf("unexpected root element <%s>", root.XMLName.Local),
				}

				if !yield(nil, mre) {
					return
				}

				continue
			}

			caseIndex := 0

			for suite, tc := range root.cases() {
				ref := fmt.Sprintf("%s#testcase[%d]", key, caseIndex)
				caseIndex++

				for rec, err := range tc.attempts(suite, ref) {
					if !yield(rec, err) {
						return
					}
				}
			}
		}
	}
}

type junitSuite struct {
	XMLName   xml.Name
	Name      string       `xml:"name,attr"`
	Timestamp string       `xml:"timestamp,attr"`
	Hostname  string       `xml:"hostname,attr"`
	Suites    []junitSuite `xml:"testsuite"`
	Cases     []junitCase  `xml:"testcase"`
}

// cases walks nested suites depth first and yields every test case with
// the name of its innermost suite.
func (s *junitSuite) cases() iter.Seq2[string, *junitCase] {
	return func(yield func(string, *junitCase) bool) {
		s.walk(yield)
	}
}

func (s *junitSuite) walk(yield func(string, *junitCase) bool) bool {
	for i := range s.Cases {
		if !yield(s.Name, &s.Cases[i]) {
			return false
		}
	}

	for i := range s.Suites {
		if !s.Suites[i].walk(yield) {
			return false
		}
	}

	return true
}

type junitCase struct {
	Name      string       `xml:"name,attr"`
	Classname string       `xml:"classname,attr"`
	Time      string       `xml:"time,attr"`
	Children  []junitChild `xml:",any"`
}

// junitChild captures failure/error/skipped and the Surefire rerun
// elements in document order.
type junitChild struct {
	XMLName xml.Name
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr"`
	Time    string `xml:"time,attr"`
	Body    string `xml:",chardata"`
}

func (c *junitChild) message() string {
	if c.Message != "" {
		return c.Message
	}

	return strings.TrimSpace(c.Body)
}

// attempts expands a test case into ordered attempt records.
func (tc *junitCase) attempts(suite, ref string) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		duration, err := parseJUnitSeconds(tc.Time)
		if err != nil {
			yield(nil, &result.MalformedRecordError{
				Ref:    ref,
				Reason: fmt.Sprintf("invalid time %q", tc.Time),
			})

			return
		}

		base := junitRecord{
			name:      tc.Name,
			classname: tc.Classname,
			suite:     suite,
			ref:       ref,
		}

		final := base
		final.status = string(result.StatusPassed)
		final.duration = duration

		var flaky, reruns []junitChild

		for _, child := range tc.Children {
			switch child.XMLName.Local {
			case "skipped":
				final.status = string(result.StatusSkipped)
				final.message = child.message()
			case "failure":
				final.status = string(result.StatusFailed)
				final.message = child.message()
			case "error":
				final.status = string(result.StatusBroken)
				final.message = child.message()
			case "flakyFailure", "flakyError":
				flaky = append(flaky, child)
			case "rerunFailure", "rerunError":
				reruns = append(reruns, child)
			}
		}

		if len(flaky) == 0 && len(reruns) == 0 {
			yield(&final, nil)

			return
		}

		attempt := 1

		// Flaky elements are failed runs that preceded the final outcome.
		for _, child := range flaky {
			rec := childAttempt(base, child, attempt)
			attempt++

			if !yield(rec, nil) {
				return
			}
		}

		if len(reruns) == 0 {
			final.attempt = attempt
			yield(&final, nil)

			return
		}

		// With reruns the case element itself is the first attempt and
		// the last rerun is the final outcome.
		final.attempt = attempt
		attempt++

		if !yield(&final, nil) {
			return
		}

		for _, child := range reruns {
			rec := childAttempt(base, child, attempt)
			attempt++

			if !yield(rec, nil) {
				return
			}
		}
	}
}

func childAttempt(base junitRecord, child junitChild, attempt int) *junitRecord {
	rec := base
	rec.attempt = attempt
	rec.message = child.message()

	if strings.HasSuffix(child.XMLName.Local, "Error") {
		rec.status = string(result.StatusBroken)
	} else {
		rec.status = string(result.StatusFailed)
	}

	if d, err := parseJUnitSeconds(child.Time); err == nil {
		rec.duration = d
	}

	return &rec
}

// parseJUnitSeconds converts a JUnit time attribute (seconds, possibly
// fractional, possibly with thousands separators) into milliseconds.
func parseJUnitSeconds(raw string) (int64, error) {
	raw = strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	if raw == "" {
		return 0, nil
	}

	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, err
	}

	if secs < 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}

	return int64(math.Round(secs * 1000)), nil
}

type junitRecord struct {
	name      string
	classname string
	suite     string
	status    string
	message   string
	duration  int64
	attempt   int
	ref       string
}

func (r *junitRecord) Name() string { return r.name }
func (r *junitRecord) Status() string { return r.status }
func (r *junitRecord) Message() string { return r.message }
func (r *junitRecord) Attempt() int { return r.attempt }
func (r *junitRecord) Ref() string { return r.ref }

func (r *junitRecord) Duration() (int64, bool) {
	return r.duration, true
}

func (r *junitRecord) FullName() string {
	if r.name == "" || r.classname == "" {
		return r.name
	}

	return r.classname + "." + r.name
}

func (r *junitRecord) Labels() map[string]string {
	labels := make(map[string]string, 2)

	if r.suite != "" {
		labels["suite"] = r.suite
	}

	if r.classname != "" {
		labels["testClass"] = r.classname
	}

	return labels
}
