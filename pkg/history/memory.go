package history

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store. Items are copied on the way in and
// out so callers never share state with the store.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*Item
	runs  map[string]RunRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]*Item, 64),
		runs:  make(map[string]RunRecord, 8),
	}
}

func (s *MemoryStore) Get(_ context.Context, historyID string) (*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.items[historyID].Clone(), nil
}

func (s *MemoryStore) Put(_ context.Context, item *Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[item.HistoryID] = item.Clone()

	return nil
}

func (s *MemoryStore) Delete(_ context.Context, historyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.items, historyID)

	return nil
}

func (s *MemoryStore) ListIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Sorted(maps.Keys(s.items)), nil
}

func (s *MemoryStore) PutRun(_ context.Context, run *RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[run.RunID] = *run

	return nil
}

func (s *MemoryStore) ListRuns(_ context.Context, limit int) ([]RunRecord, error) {
	s.mu.RLock()
	runs := slices.Collect(maps.Values(s.runs))
	s.mu.RUnlock()

	return sortRuns(runs, limit), nil
}

func (s *MemoryStore) Close() error {
	return nil
}
