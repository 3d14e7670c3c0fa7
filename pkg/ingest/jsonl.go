package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"

	"github.com/defrances/reportoor/pkg/result"
	"github.com/defrances/reportoor/pkg/storage"
	"github.com/mitchellh/mapstructure"
)

// maxJSONLineBytes bounds a single JSON Lines record.
const maxJSONLineBytes = 4 << 20

// Compile-time interface check.
var _ Source = (*JSONLinesSource)(nil)

// JSONLinesSource reads newline-delimited JSON result records from
// "*.jsonl" and "*.ndjson" files below a bucket prefix. Field types are
// decoded loosely, so "duration": "120" and "duration": 120 are equivalent.
type JSONLinesSource struct {
	name   string
	bucket storage.Bucket
	prefix string
}

// NewJSONLinesSource creates a source over JSON Lines files below prefix.
func NewJSONLinesSource(name string, bucket storage.Bucket, prefix string) *JSONLinesSource {
	return &JSONLinesSource{name: name, bucket: bucket, prefix: prefix}
}

// Name returns the source name.
func (s *JSONLinesSource) Name() string {
	return s.name
}

// Records yields one record per non-empty line.
func (s *JSONLinesSource) Records(ctx context.Context) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		for key, data := range readObjects(ctx, s.bucket, s.prefix, ".jsonl", ".ndjson") {
			if data.err != nil {
				yield(nil, data.err)

				return
			}

			scanner := bufio.NewScanner(bytes.NewReader(data.body))
			scanner.Buffer(make([]byte, 0, 64*1024), maxJSONLineBytes)

			line := 0

			for scanner.Scan() {
				line++

				raw := bytes.TrimSpace(scanner.Bytes())
				if len(raw) == 0 {
					continue
				}

				rec, err := decodeJSONRecord(raw)
				if err != nil {
					mre := &result.MalformedRecordError{
						Ref:    fmt.Sprintf("%s:%d", key, line),
						Reason: err.Error(),
					}

					if !yield(nil, mre) {
						return
					}

					continue
				}

				rec.ref = fmt.Sprintf("%s:%d", key, line)

				if !yield(rec, nil) {
					return
				}
			}

			if err := scanner.Err(); err != nil {
				mre := &result.MalformedRecordError{
					Ref:    fmt.Sprintf("%s:%d", key, line+1),
					Reason: "reading line: " + err.Error(),
				}

				if !yield(nil, mre) {
					return
				}
			}
		}
	}
}

func decodeJSONRecord(raw []byte) (*jsonRecord, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}

	var rec jsonRecord

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &rec,
		TagName:          "json",
	})
	if err != nil {
		return nil, fmt.Errorf("creating decoder: %w", err)
	}

	if err := decoder.Decode(fields); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}

	return &rec, nil
}

type jsonParameter struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type jsonRecord struct {
	IDRaw         string            `json:"id"`
	HistoryIDRaw  string            `json:"historyId"`
	TestCaseIDRaw string            `json:"testCaseId"`
	NameRaw       string            `json:"name"`
	FullNameRaw   string            `json:"fullName"`
	StatusRaw     string            `json:"status"`
	DurationRaw   *int64            `json:"duration"`
	StartRaw      *int64            `json:"start"`
	StopRaw       *int64            `json:"stop"`
	SeverityRaw   string            `json:"severity"`
	LabelMap      map[string]string `json:"labels"`
	Params        []jsonParameter   `json:"parameters"`
	AttemptRaw    int               `json:"attempt"`
	MessageRaw    string            `json:"message"`

	ref string
}

func (r *jsonRecord) ID() string { return r.IDRaw }
func (r *jsonRecord) HistoryID() string { return r.HistoryIDRaw }
func (r *jsonRecord) TestCaseID() string { return r.TestCaseIDRaw }
func (r *jsonRecord) Name() string { return r.NameRaw }
func (r *jsonRecord) FullName() string { return r.FullNameRaw }
func (r *jsonRecord) Status() string { return r.StatusRaw }
func (r *jsonRecord) Severity() string { return r.SeverityRaw }
func (r *jsonRecord) Labels() map[string]string { return r.LabelMap }
func (r *jsonRecord) Attempt() int { return r.AttemptRaw }
func (r *jsonRecord) Message() string { return r.MessageRaw }
func (r *jsonRecord) Ref() string { return r.ref }
func (r *jsonRecord) Start() (int64, bool) { return deref(r.StartRaw) }
func (r *jsonRecord) Stop() (int64, bool) { return deref(r.StopRaw) }
func (r *jsonRecord) Duration() (int64, bool) { return deref(r.DurationRaw) }

func (r *jsonRecord) Parameters() []result.Parameter {
	params := make([]result.Parameter, 0, len(r.Params))
	for _, p := range r.Params {
		params = append(params, result.Parameter{Name: p.Name, Value: p.Value})
	}

	return params
}

func deref(v *int64) (int64, bool) {
	if v == nil {
		return 0, false
	}

	return *v, true
}
