package report

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/defrances/reportoor/pkg/storage"
)

// WriteJSON stores the model as indented JSON under key.
func WriteJSON(ctx context.Context, bucket storage.Bucket, key string, m *Model) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}

	if err := bucket.Put(ctx, key, data, "application/json"); err != nil {
		return fmt.Errorf("writing report %s: %w", key, err)
	}

	return nil
}
