package history

import (
	"context"
	"fmt"

	"github.com/defrances/reportoor/pkg/config"
	"github.com/defrances/reportoor/pkg/result"
	"github.com/defrances/reportoor/pkg/storage"
	"github.com/sirupsen/logrus"
)

// Open creates and starts the Store selected by cfg.Driver.
func Open(ctx context.Context, log logrus.FieldLogger, cfg *config.HistoryConfig) (Store, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "postgres":
		store := NewSQLStore(log, cfg)
		if err := store.Start(ctx); err != nil {
			return nil, fmt.Errorf("%w: %w", result.ErrHistoryStoreUnavailable, err)
		}

		return store, nil
	case "blob":
		bucket, err := storage.New(log, &cfg.Blob.Storage)
		if err != nil {
			return nil, fmt.Errorf("%w: history.blob: %w", result.ErrInvalidConfig, err)
		}

		return NewBlobStore(log, bucket, cfg.Blob.Prefix), nil
	default:
		return nil, fmt.Errorf("%w: unsupported history driver %q", result.ErrInvalidConfig, cfg.Driver)
	}
}
