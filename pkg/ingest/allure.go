package ingest

import (
	"cmp"
	"context"
	"encoding/json"
	"iter"
	"slices"
	"strings"

	"github.com/defrances/reportoor/pkg/result"
	"github.com/defrances/reportoor/pkg/storage"
)

// allureResultSuffix identifies Allure 2 result files in a results directory.
const allureResultSuffix = "-result.json"

// Compile-time interface check.
var _ Source = (*AllureSource)(nil)

// AllureSource reads Allure 2 "*-result.json" files from a bucket prefix.
type AllureSource struct {
	name   string
	bucket storage.Bucket
	prefix string
}

// NewAllureSource creates a source over the Allure results below prefix.
func NewAllureSource(name string, bucket storage.Bucket, prefix string) *AllureSource {
	return &AllureSource{name: name, bucket: bucket, prefix: prefix}
}

// Name returns the source name.
func (s *AllureSource) Name() string {
	return s.name
}

// Records yields one record per result file. Allure writes every retry of
// a test as its own file sharing the historyId, so results with the same
// non-empty historyId are yielded together ordered by start and numbered as
// attempts. Malformed files are yielded as they are read.
func (s *AllureSource) Records(ctx context.Context) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		var (
			groups  [][]*allureResult
			byChain = make(map[string]int)
		)

		for key, data := range readObjects(ctx, s.bucket, s.prefix, allureResultSuffix) {
			if data.err != nil {
				yield(nil, data.err)

				return
			}

			ar := &allureResult{}
			if err := json.Unmarshal(data.body, ar); err != nil {
				mre := &result.MalformedRecordError{
					Ref:    key,
					Reason: "invalid allure json: " + err.Error(),
				}

				if !yield(nil, mre) {
					return
				}

				continue
			}

			ar.ref = key

			if ar.HistoryIDRaw == "" {
				groups = append(groups, []*allureResult{ar})

				continue
			}

			if i, ok := byChain[ar.HistoryIDRaw]; ok {
				groups[i] = append(groups[i], ar)

				continue
			}

			byChain[ar.HistoryIDRaw] = len(groups)
			groups = append(groups, []*allureResult{ar})
		}

		for _, group := range groups {
			numberAttempts(group)

			for _, ar := range group {
				if !yield(ar, nil) {
					return
				}
			}
		}
	}
}

// numberAttempts orders the results of one historyId by start and assigns
// 1-based attempt numbers. A single result keeps attempt zero.
func numberAttempts(group []*allureResult) {
	if len(group) < 2 {
		return
	}

	slices.SortStableFunc(group, func(a, b *allureResult) int {
		as, _ := a.Start()
		bs, _ := b.Start()

		return cmp.Compare(as, bs)
	})

	for i, ar := range group {
		ar.attempt = i + 1
	}
}

type allureParameter struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Excluded bool   `json:"excluded,omitempty"`
}

type allureLabel struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type allureStatusDetails struct {
	Message string `json:"message"`
}

// allureResult is the subset of the Allure 2 result schema the engine uses.
type allureResult struct {
	UUID          string               `json:"uuid"`
	HistoryIDRaw  string               `json:"historyId"`
	TestCaseIDRaw string               `json:"testCaseId"`
	NameRaw       string               `json:"name"`
	FullNameRaw   string               `json:"fullName"`
	StatusRaw     string               `json:"status"`
	StartRaw      *int64               `json:"start"`
	StopRaw       *int64               `json:"stop"`
	Params        []allureParameter    `json:"parameters"`
	LabelList     []allureLabel        `json:"labels"`
	StatusDetails *allureStatusDetails `json:"statusDetails"`

	ref     string
	attempt int
}

func (r *allureResult) ID() string { return r.UUID }
func (r *allureResult) Name() string { return r.NameRaw }
func (r *allureResult) FullName() string { return r.FullNameRaw }
func (r *allureResult) Status() string { return r.StatusRaw }
func (r *allureResult) HistoryID() string { return r.HistoryIDRaw }
func (r *allureResult) TestCaseID() string { return r.TestCaseIDRaw }
func (r *allureResult) Ref() string { return r.ref }
func (r *allureResult) Attempt() int { return r.attempt }

func (r *allureResult) Start() (int64, bool) {
	if r.StartRaw == nil {
		return 0, false
	}

	return *r.StartRaw, true
}

func (r *allureResult) Stop() (int64, bool) {
	if r.StopRaw == nil {
		return 0, false
	}

	return *r.StopRaw, true
}

// Parameters drops parameters Allure marks as excluded from identity.
func (r *allureResult) Parameters() []result.Parameter {
	params := make([]result.Parameter, 0, len(r.Params))

	for _, p := range r.Params {
		if p.Excluded {
			continue
		}

		params = append(params, result.Parameter{Name: p.Name, Value: p.Value})
	}

	return params
}

func (r *allureResult) Labels() map[string]string {
	if len(r.LabelList) == 0 {
		return nil
	}

	labels := make(map[string]string, len(r.LabelList))
	for _, l := range r.LabelList {
		labels[l.Name] = l.Value
	}

	return labels
}

func (r *allureResult) Message() string {
	if r.StatusDetails == nil {
		return ""
	}

	return strings.TrimSpace(r.StatusDetails.Message)
}
