package ingest

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"maps"
	"sync/atomic"

	"github.com/defrances/reportoor/pkg/result"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency is the number of sources read in parallel when no
// explicit value is configured.
const DefaultConcurrency = 4

// Batch is the normalized output of one ingestion pass.
type Batch struct {
	Results  []*result.TestResult
	Rejected []*result.MalformedRecordError
}

// Processed returns the number of accepted records.
func (b *Batch) Processed() int {
	return len(b.Results)
}

// Skipped returns the number of rejected records.
func (b *Batch) Skipped() int {
	return len(b.Rejected)
}

// Normalizer converts raw records into canonical TestResults.
type Normalizer struct {
	log         logrus.FieldLogger
	concurrency int
}

// NewNormalizer creates a Normalizer reading up to concurrency sources at once.
func NewNormalizer(log logrus.FieldLogger, concurrency int) *Normalizer {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	return &Normalizer{
		log:         log.WithField("component", "ingest"),
		concurrency: concurrency,
	}
}

// Normalize returns a lazy, single-use sequence of normalized results for
// src. Malformed records are yielded as *result.MalformedRecordError and the
// sequence continues; any other error is yielded once and ends it.
func (n *Normalizer) Normalize(
	ctx context.Context, src Source,
) iter.Seq2[*result.TestResult, error] {
	var used atomic.Bool

	return func(yield func(*result.TestResult, error) bool) {
		if !used.CompareAndSwap(false, true) {
			return
		}

		index := 0

		for rec, err := range src.Records(ctx) {
			idx := index
			index++

			if err != nil {
				var mre *result.MalformedRecordError
				if errors.As(err, &mre) {
					mre.Source = src.Name()
					mre.Index = idx
					n.logReject(mre)

					if !yield(nil, mre) {
						return
					}

					continue
				}

				yield(nil, fmt.Errorf("reading source %s: %w", src.Name(), err))

				return
			}

			tr, mre := normalize(src.Name(), idx, rec)
			if mre != nil {
				n.logReject(mre)

				if !yield(nil, mre) {
					return
				}

				continue
			}

			if !yield(tr, nil) {
				return
			}
		}
	}
}

func (n *Normalizer) logReject(mre *result.MalformedRecordError) {
	n.log.WithFields(logrus.Fields{
		"source": mre.Source,
		"index":  mre.Index,
		"ref":    mre.Ref,
		"reason": mre.Reason,
	}).Warn("Rejected malformed record")
}

// Ingest drains every source concurrently and returns the combined batch.
// Results keep source order, then record order within each source, so the
// output is deterministic regardless of scheduling.
func (n *Normalizer) Ingest(ctx context.Context, sources ...Source) (*Batch, error) {
	type sourceBatch struct {
		results  []*result.TestResult
		rejected []*result.MalformedRecordError
	}

	perSource := make([]sourceBatch, len(sources))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(n.concurrency)

	for i, src := range sources {
		g.Go(func() error {
			sb := &perSource[i]

			for tr, err := range n.Normalize(gCtx, src) {
				if ctxErr := gCtx.Err(); ctxErr != nil {
					return ctxErr
				}

				if err != nil {
					var mre *result.MalformedRecordError
					if errors.As(err, &mre) {
						sb.rejected = append(sb.rejected, mre)

						continue
					}

					return err
				}

				sb.results = append(sb.results, tr)
			}

			n.log.WithFields(logrus.Fields{
				"source":   src.Name(),
				"accepted": len(sb.results),
				"rejected": len(sb.rejected),
			}).Debug("Source drained")

			return gCtx.Err()
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("ingesting sources: %w", err)
	}

	batch := &Batch{}

	for _, sb := range perSource {
		batch.Results = append(batch.Results, sb.results...)
		batch.Rejected = append(batch.Rejected, sb.rejected...)
	}

	n.log.WithFields(logrus.Fields{
		"sources":   len(sources),
		"processed": batch.Processed(),
		"skipped":   batch.Skipped(),
	}).Info("Ingestion complete")

	return batch, nil
}

// normalize applies the canonical rules to a single record.
func normalize(
	source string, index int, rec Record,
) (*result.TestResult, *result.MalformedRecordError) {
	reject := func(reason string) *result.MalformedRecordError {
		mre := result.Malformed(source, index, reason)
		if r, ok := rec.(Referencer); ok {
			mre.Ref = r.Ref()
		}

		return mre
	}

	tr := &result.TestResult{Source: source}

	if fn, ok := rec.(FullNamer); ok {
		tr.FullName = fn.FullName()
	}

	tr.Name = rec.Name()
	if tr.Name == "" {
		tr.Name = tr.FullName
	}

	if tr.Name == "" {
		return nil, reject("missing name")
	}

	rawStatus := rec.Status()
	if rawStatus == "" {
		return nil, reject("missing status")
	}

	status, ok := result.ParseStatus(rawStatus)
	if !ok {
		return nil, reject(fmt.Sprintf("unrecognized status %q", rawStatus))
	}

	tr.Status = status

	var hasStart, hasStop bool

	if ts, ok := rec.(Timestamper); ok {
		tr.Start, hasStart = ts.Start()
		tr.Stop, hasStop = ts.Stop()
	}

	switch {
	case hasStart && hasStop:
		if tr.Stop < tr.Start {
			return nil, reject("stop before start")
		}

		tr.Duration = tr.Stop - tr.Start
	default:
		if d, ok := rec.(Durationer); ok {
			if v, present := d.Duration(); present {
				if v < 0 {
					return nil, reject("negative duration")
				}

				tr.Duration = v
			}
		}
	}

	if l, ok := rec.(Labeler); ok {
		tr.Labels = maps.Clone(l.Labels())
	}

	if p, ok := rec.(Parameterizer); ok {
		if params := p.Parameters(); len(params) > 0 {
			tr.Parameters = append([]result.Parameter(nil), params...)
		}
	}

	severity := tr.Label("severity")
	if s, ok := rec.(SeverityReporter); ok && s.Severity() != "" {
		severity = s.Severity()
	}

	tr.Severity = result.NormalizeSeverity(severity)

	if h, ok := rec.(HistoryIDer); ok {
		tr.HistoryID = h.HistoryID()
	}

	if c, ok := rec.(TestCaseIDer); ok {
		tr.TestCaseID = c.TestCaseID()
	}

	if a, ok := rec.(Attempter); ok && a.Attempt() > 0 {
		tr.Attempt = a.Attempt()
	}

	if m, ok := rec.(Messager); ok {
		tr.Message = m.Message()
	}

	if id, ok := rec.(IDer); ok {
		tr.ID = id.ID()
	}

	if tr.ID == "" {
		tr.ID = fmt.Sprintf("%s-%d", source, index)
	}

	return tr, nil
}
