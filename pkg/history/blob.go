package history

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/defrances/reportoor/pkg/storage"
	"github.com/sirupsen/logrus"
)

// Compile-time interface check.
var _ Store = (*BlobStore)(nil)

const (
	itemsDir = "items"
	runsDir  = "runs"
	docExt   = ".json"
)

// BlobStore keeps one JSON document per history id and per run in a bucket:
//
//	<prefix>/items/<history-id>.json
//	<prefix>/runs/<run-id>.json
type BlobStore struct {
	log    logrus.FieldLogger
	bucket storage.Bucket
	prefix string
}

// NewBlobStore creates a BlobStore below prefix in bucket.
func NewBlobStore(log logrus.FieldLogger, bucket storage.Bucket, prefix string) *BlobStore {
	return &BlobStore{
		log:    log.WithField("component", "history-blob"),
		bucket: bucket,
		prefix: prefix,
	}
}

func (s *BlobStore) itemKey(historyID string) string {
	return storage.Join(s.prefix, itemsDir, url.PathEscape(historyID)+docExt)
}

func (s *BlobStore) runKey(runID string) string {
	return storage.Join(s.prefix, runsDir, url.PathEscape(runID)+docExt)
}

func (s *BlobStore) Get(ctx context.Context, historyID string) (*Item, error) {
	data, err := s.bucket.Get(ctx, s.itemKey(historyID))
	if err != nil {
		return nil, fmt.Errorf("loading history %s: %w", historyID, err)
	}

	if data == nil {
		return nil, nil
	}

	var item Item
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("decoding history %s: %w", historyID, err)
	}

	item.HistoryID = historyID

	return &item, nil
}

func (s *BlobStore) Put(ctx context.Context, item *Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encoding history %s: %w", item.HistoryID, err)
	}

	if err := s.bucket.Put(
		ctx, s.itemKey(item.HistoryID), data, "application/json",
	); err != nil {
		return fmt.Errorf("writing history %s: %w", item.HistoryID, err)
	}

	return nil
}

func (s *BlobStore) Delete(ctx context.Context, historyID string) error {
	if err := s.bucket.Delete(ctx, s.itemKey(historyID)); err != nil {
		return fmt.Errorf("deleting history %s: %w", historyID, err)
	}

	return nil
}

func (s *BlobStore) ListIDs(ctx context.Context) ([]string, error) {
	dir := storage.Join(s.prefix, itemsDir) + "/"

	keys, err := s.bucket.List(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("listing history ids: %w", err)
	}

	ids := make([]string, 0, len(keys))

	for _, key := range keys {
		name, ok := strings.CutSuffix(strings.TrimPrefix(key, dir), docExt)
		if !ok || strings.Contains(name, "/") {
			continue
		}

		id, err := url.PathUnescape(name)
		if err != nil {
			s.log.WithField("key", key).Warn("Skipping undecodable history key")

			continue
		}

		ids = append(ids, id)
	}

	return ids, nil
}

func (s *BlobStore) PutRun(ctx context.Context, run *RunRecord) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encoding run %s: %w", run.RunID, err)
	}

	if err := s.bucket.Put(ctx, s.runKey(run.RunID), data, "application/json"); err != nil {
		return fmt.Errorf("writing run %s: %w", run.RunID, err)
	}

	return nil
}

func (s *BlobStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	keys, err := s.bucket.List(ctx, storage.Join(s.prefix, runsDir)+"/")
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	runs := make([]RunRecord, 0, len(keys))

	for _, key := range keys {
		if !strings.HasSuffix(key, docExt) {
			continue
		}

		data, err := s.bucket.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("reading run %s: %w", key, err)
		}

		if data == nil {
			continue
		}

		var run RunRecord
		if err := json.Unmarshal(data, &run); err != nil {
			return nil, fmt.Errorf("decoding run %s: %w", key, err)
		}

		runs = append(runs, run)
	}

	return sortRuns(runs, limit), nil
}

func (s *BlobStore) Close() error {
	return nil
}
