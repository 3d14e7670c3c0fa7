package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/defrances/reportoor/pkg/config"
	"github.com/defrances/reportoor/pkg/result"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Compile-time interface check.
var _ Store = (*SQLStore)(nil)

// entryRow is one history entry in the database.
type entryRow struct {
	ID           uint   `gorm:"primaryKey"`
	HistoryID    string `gorm:"not null;uniqueIndex:idx_entries_history_run"`
	RunID        string `gorm:"not null;uniqueIndex:idx_entries_history_run"`
	RunTimestamp int64  `gorm:"index"`
	TestID       string
	Name         string
	FullName     string
	Status       string
	DurationMs   int64
	Start        int64
	Stop         int64
	Severity     string
	Message      string `gorm:"type:text"`

	// Prior attempt statuses serialized as JSON.
	PriorJSON string `gorm:"type:text"`
}

func (entryRow) TableName() string { return "history_entries" }

// runRow is one run rollup in the database.
type runRow struct {
	ID         uint   `gorm:"primaryKey"`
	RunID      string `gorm:"not null;uniqueIndex"`
	Timestamp  int64  `gorm:"index"`
	Passed     int
	Failed     int
	Broken     int
	Skipped    int
	Unknown    int
	Flaky      int
	DurationMs int64
}

func (runRow) TableName() string { return "history_runs" }

// SQLStore is a Store backed by sqlite or postgres through gorm.
type SQLStore struct {
	log logrus.FieldLogger
	cfg *config.HistoryConfig
	db  *gorm.DB
}

// NewSQLStore creates a SQLStore. Start must be called before use.
func NewSQLStore(log logrus.FieldLogger, cfg *config.HistoryConfig) *SQLStore {
	return &SQLStore{
		log: log.WithField("component", "history-sql"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *SQLStore) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported history driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return fmt.Errorf("%w: opening database: %w", result.ErrHistoryStoreUnavailable, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("%w: getting underlying db: %w", result.ErrHistoryStoreUnavailable, err)
	}

	if s.cfg.Driver == "sqlite" {
		// sqlite serializes writers; one connection also keeps a
		// ":memory:" database alive and shared.
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.WithContext(ctx).AutoMigrate(&entryRow{}, &runRow{}); err != nil {
		if cerr := sqlDB.Close(); cerr != nil {
			s.log.WithError(cerr).Warn("Failed to close database after migration error")
		}

		return fmt.Errorf("%w: running migrations: %w", result.ErrHistoryStoreUnavailable, err)
	}

	s.db = db

	s.log.WithField("driver", s.cfg.Driver).Info("History database connected")

	return nil
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// Get loads every entry of historyID in run order.
func (s *SQLStore) Get(ctx context.Context, historyID string) (*Item, error) {
	var rows []entryRow
	if err := s.db.WithContext(ctx).
		Where("history_id = ?", historyID).
		Order("run_timestamp ASC, run_id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("loading history %s: %w", historyID, err)
	}

	if len(rows) == 0 {
		return nil, nil
	}

	item := &Item{HistoryID: historyID, Entries: make([]Entry, 0, len(rows))}

	for i := range rows {
		e, err := rows[i].entry()
		if err != nil {
			return nil, fmt.Errorf("decoding history %s: %w", historyID, err)
		}

		item.Entries = append(item.Entries, e)
	}

	return item, nil
}

// Put makes the stored entries of item.HistoryID equal to item.Entries in
// one transaction: rows for runs no longer present are deleted and the rest
// are upserted on (history_id, run_id).
func (s *SQLStore) Put(ctx context.Context, item *Item) error {
	rows := make([]entryRow, 0, len(item.Entries))
	runIDs := make([]string, 0, len(item.Entries))

	for i := range item.Entries {
		row, err := newEntryRow(item.HistoryID, &item.Entries[i])
		if err != nil {
			return err
		}

		rows = append(rows, row)
		runIDs = append(runIDs, row.RunID)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stale := tx.Where("history_id = ?", item.HistoryID)
		if len(runIDs) > 0 {
			stale = stale.Where("run_id NOT IN ?", runIDs)
		}

		if err := stale.Delete(&entryRow{}).Error; err != nil {
			return fmt.Errorf("evicting history %s: %w", item.HistoryID, err)
		}

		if len(rows) == 0 {
			return nil
		}

		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "history_id"}, {Name: "run_id"}},
			DoUpdates: clause.AssignmentColumns(entryUpdateColumns),
		}).Create(&rows).Error; err != nil {
			return fmt.Errorf("upserting history %s: %w", item.HistoryID, err)
		}

		return nil
	})
}

// entryUpdateColumns are overwritten when a run is merged again.
var entryUpdateColumns = []string{
	"run_timestamp", "test_id", "name", "full_name", "status",
	"duration_ms", "start", "stop", "severity", "message", "prior_json",
}

// Delete removes every entry of historyID.
func (s *SQLStore) Delete(ctx context.Context, historyID string) error {
	if err := s.db.WithContext(ctx).
		Where("history_id = ?", historyID).
		Delete(&entryRow{}).Error; err != nil {
		return fmt.Errorf("deleting history %s: %w", historyID, err)
	}

	return nil
}

// ListIDs returns every stored history id, sorted.
func (s *SQLStore) ListIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).
		Model(&entryRow{}).
		Distinct("history_id").
		Order("history_id ASC").
		Pluck("history_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("listing history ids: %w", err)
	}

	return ids, nil
}

// PutRun inserts or replaces a run rollup keyed by run id.
func (s *SQLStore) PutRun(ctx context.Context, run *RunRecord) error {
	row := runRow{
		RunID:      run.RunID,
		Timestamp:  run.Timestamp,
		Passed:     run.Passed,
		Failed:     run.Failed,
		Broken:     run.Broken,
		Skipped:    run.Skipped,
		Unknown:    run.Unknown,
		Flaky:      run.Flaky,
		DurationMs: run.Duration,
	}

	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "run_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"timestamp", "passed", "failed", "broken", "skipped",
			"unknown", "flaky", "duration_ms",
		}),
	}).Create(&row).Error; err != nil {
		return fmt.Errorf("upserting run %s: %w", run.RunID, err)
	}

	return nil
}

// ListRuns returns the latest limit runs, oldest first. A limit below one
// returns every run.
func (s *SQLStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	query := s.db.WithContext(ctx).Order("timestamp DESC, run_id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []runRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	runs := make([]RunRecord, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		r := rows[i]
		runs = append(runs, RunRecord{
			RunID:     r.RunID,
			Timestamp: r.Timestamp,
			Passed:    r.Passed,
			Failed:    r.Failed,
			Broken:    r.Broken,
			Skipped:   r.Skipped,
			Unknown:   r.Unknown,
			Flaky:     r.Flaky,
			Duration:  r.DurationMs,
		})
	}

	return runs, nil
}

func newEntryRow(historyID string, e *Entry) (entryRow, error) {
	row := entryRow{
		HistoryID:    historyID,
		RunID:        e.RunID,
		RunTimestamp: e.RunTimestamp,
		TestID:       e.TestID,
		Name:         e.Name,
		FullName:     e.FullName,
		Status:       string(e.Status),
		DurationMs:   e.Duration,
		Start:        e.Start,
		Stop:         e.Stop,
		Severity:     e.Severity,
		Message:      e.Message,
	}

	if len(e.PriorStatuses) > 0 {
		data, err := json.Marshal(e.PriorStatuses)
		if err != nil {
			return entryRow{}, fmt.Errorf("encoding prior statuses: %w", err)
		}

		row.PriorJSON = string(data)
	}

	return row, nil
}

func (r *entryRow) entry() (Entry, error) {
	e := Entry{
		RunID:        r.RunID,
		RunTimestamp: r.RunTimestamp,
		TestID:       r.TestID,
		Name:         r.Name,
		FullName:     r.FullName,
		Status:       result.Status(r.Status),
		Duration:     r.DurationMs,
		Start:        r.Start,
		Stop:         r.Stop,
		Severity:     r.Severity,
		Message:      r.Message,
	}

	if r.PriorJSON != "" {
		if err := json.Unmarshal([]byte(r.PriorJSON), &e.PriorStatuses); err != nil {
			return Entry{}, fmt.Errorf("invalid prior statuses: %w", err)
		}
	}

	return e, nil
}
