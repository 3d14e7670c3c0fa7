// Package identity assigns stable cross-run history ids to test results.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"slices"
	"strconv"
	"strings"

	"github.com/defrances/reportoor/pkg/execution"
	"github.com/defrances/reportoor/pkg/result"
)

// Identity field names.
const (
	FieldName        = "name"
	FieldFullName    = "fullName"
	FieldParameters  = "parameters"
	FieldTestCaseID  = "testCaseId"
	labelFieldPrefix = "labels."
)

// idLength is the number of hex characters kept from the digest.
const idLength = 32

// DefaultFields identifies a test by its qualified name and parameters.
var DefaultFields = []string{FieldFullName, FieldParameters}

// runSpecific values differ between runs or machines and must never feed
// the hash.
var runSpecific = map[string]struct{}{
	"id":            {},
	"uuid":          {},
	"historyId":     {},
	"start":         {},
	"stop":          {},
	"duration":      {},
	"status":        {},
	"attempt":       {},
	"message":       {},
	"source":        {},
	"labels.host":   {},
	"labels.thread": {},
}

// Resolver computes history ids from a fixed list of identity fields.
type Resolver struct {
	fields []string
}

// NewResolver validates fields and returns a Resolver. An empty list
// selects DefaultFields.
func NewResolver(fields []string) (*Resolver, error) {
	if len(fields) == 0 {
		fields = DefaultFields
	}

	seen := make(map[string]struct{}, len(fields))

	for _, f := range fields {
		if _, bad := runSpecific[f]; bad {
			return nil, fmt.Errorf(
				"%w: identity field %q is run-specific", result.ErrInvalidConfig, f,
			)
		}

		if !validField(f) {
			return nil, fmt.Errorf(
				"%w: unknown identity field %q", result.ErrInvalidConfig, f,
			)
		}

		if _, dup := seen[f]; dup {
			return nil, fmt.Errorf(
				"%w: identity field %q listed twice", result.ErrInvalidConfig, f,
			)
		}

		seen[f] = struct{}{}
	}

	return &Resolver{fields: slices.Clone(fields)}, nil
}

func validField(f string) bool {
	switch f {
	case FieldName, FieldFullName, FieldParameters, FieldTestCaseID:
		return true
	}

	key, ok := strings.CutPrefix(f, labelFieldPrefix)

	return ok && key != ""
}

// Fields returns the configured identity fields.
func (r *Resolver) Fields() []string {
	return slices.Clone(r.fields)
}

// HistoryID returns the history id of tr: the id it already carries, or a
// hash of the identity fields.
func (r *Resolver) HistoryID(tr *result.TestResult) string {
	if tr.HistoryID != "" {
		return tr.HistoryID
	}

	return r.hash(tr)
}

func (r *Resolver) hash(tr *result.TestResult) string {
	h := sha256.New()

	for _, f := range r.fields {
		writeString(h, f)

		switch f {
		case FieldName:
			writeString(h, tr.Name)
		case FieldFullName:
			name := tr.FullName
			if name == "" {
				name = tr.Name
			}

			writeString(h, name)
		case FieldTestCaseID:
			writeString(h, tr.TestCaseID)
		case FieldParameters:
			params := slices.Clone(tr.Parameters)
			slices.SortFunc(params, func(a, b result.Parameter) int {
				if c := strings.Compare(a.Name, b.Name); c != 0 {
					return c
				}

				return strings.Compare(a.Value, b.Value)
			})

			writeString(h, strconv.Itoa(len(params)))

			for _, p := range params {
				writeString(h, p.Name)
				writeString(h, p.Value)
			}
		default:
			writeString(h, tr.Label(strings.TrimPrefix(f, labelFieldPrefix)))
		}
	}

	return hex.EncodeToString(h.Sum(nil))[:idLength]
}

// writeString writes a length-prefixed value so that field boundaries
// cannot shift between inputs.
func writeString(h hash.Hash, s string) {
	h.Write([]byte(strconv.Itoa(len(s))))
	h.Write([]byte{':'})
	h.Write([]byte(s))
}

// Resolution is the outcome of resolving one run.
type Resolution struct {
	// Executions in first-occurrence order, each resolved.
	Executions []*execution.Execution
	// Warnings for results that collided on a history id.
	Warnings []result.DuplicateIdentity
}

type chain struct {
	baseID  string
	results []*result.TestResult
}

// Resolve groups the results of one run into executions with unique history
// ids. A result with an attempt number above one continues the latest
// execution of its id; any other result with an id already seen is a
// duplicate and receives the suffix "-k" for its k-th extra occurrence.
func (r *Resolver) Resolve(results []*result.TestResult) *Resolution {
	var (
		chains  []*chain
		byBase  = make(map[string][]*chain, len(results))
		claimed = make(map[string]struct{}, len(results))
	)

	for _, tr := range results {
		base := r.HistoryID(tr)
		existing := byBase[base]

		if tr.Attempt > 1 && len(existing) > 0 {
			last := existing[len(existing)-1]
			last.results = append(last.results, tr)

			continue
		}

		c := &chain{baseID: base, results: []*result.TestResult{tr}}
		byBase[base] = append(existing, c)
		chains = append(chains, c)
		claimed[base] = struct{}{}
	}

	res := &Resolution{Executions: make([]*execution.Execution, 0, len(chains))}
	occurrences := make(map[string]int, len(byBase))

	for _, c := range chains {
		k := occurrences[c.baseID]
		occurrences[c.baseID] = k + 1

		id := c.baseID
		if k > 0 {
			id = disambiguate(c.baseID, k, claimed)
			res.Warnings = append(res.Warnings, result.DuplicateIdentity{
				BaseID:     c.baseID,
				AssignedID: id,
				Name:       c.results[0].Name,
				Occurrence: k + 1,
			})
		}

		exec := execution.New(c.results[0].WithHistoryID(id))
		for _, tr := range c.results[1:] {
			// A fresh execution is never resolved here.
			_ = exec.Retry(tr.WithHistoryID(id))
		}

		exec.Resolve()
		res.Executions = append(res.Executions, exec)
	}

	return res
}

// disambiguate returns "<base>-<k>", skipping ids already used in the run.
func disambiguate(base string, k int, claimed map[string]struct{}) string {
	for {
		id := base + "-" + strconv.Itoa(k)
		if _, taken := claimed[id]; !taken {
			claimed[id] = struct{}{}

			return id
		}

		k++
	}
}
