package history

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/defrances/reportoor/pkg/execution"
	"github.com/defrances/reportoor/pkg/result"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultMergeConcurrency is the number of history ids merged in parallel
// when no explicit value is configured.
const DefaultMergeConcurrency = 8

// Merger folds a run's executions into the stored history.
type Merger struct {
	log         logrus.FieldLogger
	store       Store
	retention   int
	concurrency int
	locks       *keyLock
}

// NewMerger creates a Merger writing to store and keeping at most
// retention entries per history id.
func NewMerger(
	log logrus.FieldLogger, store Store, retention, concurrency int,
) *Merger {
	if retention <= 0 {
		retention = DefaultRetention
	}

	if concurrency <= 0 {
		concurrency = DefaultMergeConcurrency
	}

	return &Merger{
		log:         log.WithField("component", "merger"),
		store:       store,
		retention:   retention,
		concurrency: concurrency,
		locks:       newKeyLock(),
	}
}

// Retention returns the configured retention bound.
func (m *Merger) Retention() int {
	return m.retention
}

// Merge appends, or replaces, the entry of run for every execution and
// returns the updated items keyed by history id. Merging the same run again
// replaces its entries. Cancellation is honored until a history id's
// mutation starts; a started mutation always completes, and a merge that
// skipped any id returns an error.
func (m *Merger) Merge(
	ctx context.Context, run Run, executions []*execution.Execution,
) (map[string]*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("merge cancelled: %w", err)
	}

	var (
		mu      sync.Mutex
		items   = make(map[string]*Item, len(executions))
		evicted atomic.Int64
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)

	launched := 0

	for _, exec := range executions {
		if gCtx.Err() != nil {
			break
		}

		launched++

		entry := NewEntry(run, exec)
		historyID := exec.HistoryID()

		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}

			item, n, err := m.mergeEntry(context.WithoutCancel(gCtx), historyID, entry)
			if err != nil {
				return err
			}

			evicted.Add(int64(n))

			mu.Lock()
			items[historyID] = item
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Keys never launched were skipped by cancellation. The merge is
	// incomplete even though every started key finished.
	if launched < len(executions) {
		return nil, fmt.Errorf(
			"merge cancelled after %d of %d history ids: %w",
			launched, len(executions), context.Cause(ctx),
		)
	}

	m.log.WithFields(logrus.Fields{
		"run_id":  run.ID,
		"items":   len(items),
		"evicted": evicted.Load(),
	}).Info("History merged")

	return items, nil
}

// mergeEntry runs one locked read-modify-write for historyID.
func (m *Merger) mergeEntry(
	ctx context.Context, historyID string, entry Entry,
) (*Item, int, error) {
	unlock := m.locks.Lock(historyID)
	defer unlock()

	item, err := m.store.Get(ctx, historyID)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", result.ErrHistoryStoreUnavailable, err)
	}

	if item == nil {
		item = &Item{HistoryID: historyID}
	}

	item.Upsert(entry)
	item.Sort()
	evicted := item.Trim(m.retention)

	if err := m.store.Put(ctx, item); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", result.ErrHistoryStoreUnavailable, err)
	}

	return item, evicted, nil
}

// Prune applies the retention bound to every stored item and deletes
// items left without entries. It returns the number of evicted entries.
func (m *Merger) Prune(ctx context.Context) (int, error) {
	ids, err := m.store.ListIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", result.ErrHistoryStoreUnavailable, err)
	}

	total := 0

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		n, err := m.pruneItem(context.WithoutCancel(ctx), id)
		if err != nil {
			return total, err
		}

		total += n
	}

	m.log.WithFields(logrus.Fields{
		"items":   len(ids),
		"evicted": total,
	}).Info("History pruned")

	return total, nil
}

func (m *Merger) pruneItem(ctx context.Context, historyID string) (int, error) {
	unlock := m.locks.Lock(historyID)
	defer unlock()

	item, err := m.store.Get(ctx, historyID)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", result.ErrHistoryStoreUnavailable, err)
	}

	if item == nil {
		return 0, nil
	}

	if len(item.Entries) == 0 {
		if err := m.store.Delete(ctx, historyID); err != nil {
			return 0, fmt.Errorf("%w: %w", result.ErrHistoryStoreUnavailable, err)
		}

		return 0, nil
	}

	item.Sort()

	n := item.Trim(m.retention)
	if n == 0 {
		return 0, nil
	}

	if err := m.store.Put(ctx, item); err != nil {
		return 0, fmt.Errorf("%w: %w", result.ErrHistoryStoreUnavailable, err)
	}

	return n, nil
}
