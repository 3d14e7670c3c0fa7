// Package engine runs one report generation end to end.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/defrances/reportoor/pkg/config"
	"github.com/defrances/reportoor/pkg/execution"
	"github.com/defrances/reportoor/pkg/history"
	"github.com/defrances/reportoor/pkg/identity"
	"github.com/defrances/reportoor/pkg/ingest"
	"github.com/defrances/reportoor/pkg/report"
	"github.com/defrances/reportoor/pkg/result"
	"github.com/defrances/reportoor/pkg/stats"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Options tune the pipeline stages. Zero values select each stage's default.
type Options struct {
	HistoryRetention  int
	FlakyWindow       int
	IdentityFields    []string
	AllowEmpty        bool
	HistogramBins     int
	IngestConcurrency int
	MergeConcurrency  int
}

// OptionsFromConfig maps the loaded configuration to Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		HistoryRetention:  cfg.Engine.HistoryRetention,
		FlakyWindow:       cfg.Engine.FlakyWindow,
		IdentityFields:    cfg.Engine.IdentityFields,
		AllowEmpty:        cfg.Engine.AllowEmpty,
		HistogramBins:     cfg.Engine.HistogramBins,
		IngestConcurrency: cfg.Ingest.Concurrency,
		MergeConcurrency:  cfg.History.MergeConcurrency,
	}
}

// RunInfo identifies the run being reported. An empty ID is replaced by a
// random UUID and a zero Timestamp by the current time.
type RunInfo struct {
	ID        string
	Timestamp time.Time
}

func (r RunInfo) withDefaults() RunInfo {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}

	return r
}

// Engine wires ingestion, identity, history, statistics and report
// building around one history store.
type Engine struct {
	log        logrus.FieldLogger
	store      history.Store
	normalizer *ingest.Normalizer
	resolver   *identity.Resolver
	merger     *history.Merger
	stats      stats.Engine
	builder    report.Builder
}

// New creates an Engine over store. It fails with result.ErrInvalidConfig
// for unusable options.
func New(log logrus.FieldLogger, store history.Store, opts Options) (*Engine, error) {
	resolver, err := identity.NewResolver(opts.IdentityFields)
	if err != nil {
		return nil, err
	}

	if opts.HistoryRetention < 0 || opts.FlakyWindow < 0 || opts.HistogramBins < 0 {
		return nil, fmt.Errorf("%w: negative engine option", result.ErrInvalidConfig)
	}

	return &Engine{
		log:        log.WithField("component", "engine"),
		store:      store,
		normalizer: ingest.NewNormalizer(log, opts.IngestConcurrency),
		resolver:   resolver,
		merger:     history.NewMerger(log, store, opts.HistoryRetention, opts.MergeConcurrency),
		stats:      stats.Engine{FlakyWindow: opts.FlakyWindow},
		builder: report.Builder{
			AllowEmpty:    opts.AllowEmpty,
			HistogramBins: opts.HistogramBins,
		},
	}, nil
}

// Merger exposes the history merger for maintenance commands.
func (e *Engine) Merger() *history.Merger {
	return e.merger
}

// Generate ingests sources, folds the run into history and returns the
// report model. Ingestion may be cancelled through ctx; once merging has
// begun each history id's update completes.
func (e *Engine) Generate(
	ctx context.Context, info RunInfo, sources ...ingest.Source,
) (*report.Model, error) {
	info = info.withDefaults()
	run := history.Run{ID: info.ID, Timestamp: info.Timestamp}
	log := e.log.WithField("run_id", run.ID)

	batch, err := e.normalizer.Ingest(ctx, sources...)
	if err != nil {
		return nil, err
	}

	resolution := e.resolver.Resolve(batch.Results)
	for _, w := range resolution.Warnings {
		log.WithFields(logrus.Fields{
			"base_id":     w.BaseID,
			"assigned_id": w.AssignedID,
			"name":        w.Name,
		}).Warn("Duplicate test identity")
	}

	items, err := e.merger.Merge(ctx, run, resolution.Executions)
	if err != nil {
		return nil, err
	}

	aggregates := e.computeStats(log, run, resolution.Executions, items)

	previous, err := e.store.ListRuns(ctx, e.merger.Retention())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", result.ErrHistoryStoreUnavailable, err)
	}

	model, err := e.builder.Build(report.Input{
		Run:          run,
		Executions:   resolution.Executions,
		Items:        items,
		Stats:        aggregates,
		PreviousRuns: previous,
		Warnings:     resolution.Warnings,
		Rejected:     batch.Rejected,
		Processed:    batch.Processed(),
	})
	if err != nil {
		return nil, err
	}

	if err := e.store.PutRun(context.WithoutCancel(ctx), model.RunRecord()); err != nil {
		return nil, fmt.Errorf("%w: %w", result.ErrHistoryStoreUnavailable, err)
	}

	log.WithFields(logrus.Fields{
		"tests":     model.Summary.Total,
		"processed": model.Summary.Processed,
		"skipped":   model.Summary.SkippedRecords,
		"flaky":     model.Summary.Flaky,
	}).Info("Report generated")

	return model, nil
}

// computeStats derives statistics for every execution. An execution whose
// entry was evicted on merge, because the run is older than the whole
// retained window, is measured on its own entry.
func (e *Engine) computeStats(
	log logrus.FieldLogger,
	run history.Run,
	executions []*execution.Execution,
	items map[string]*history.Item,
) map[string]*stats.AggregateStats {
	out := make(map[string]*stats.AggregateStats, len(executions))

	for _, exec := range executions {
		id := exec.HistoryID()

		item := items[id]
		if item == nil || item.IndexOf(run.ID) < 0 {
			log.WithField("history_id", id).Warn("Run is older than the retained history")

			item = &history.Item{
				HistoryID: id,
				Entries:   []history.Entry{history.NewEntry(run, exec)},
			}
		}

		s, err := e.stats.Compute(item, run.ID)
		if err != nil {
			log.WithError(err).WithField("history_id", id).Warn("Skipping statistics")

			continue
		}

		out[id] = s
	}

	return out
}
