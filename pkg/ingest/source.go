package ingest

import (
	"fmt"

	"github.com/defrances/reportoor/pkg/config"
	"github.com/defrances/reportoor/pkg/storage"
	"github.com/sirupsen/logrus"
)

// NewSources builds the configured source adapters.
func NewSources(
	log logrus.FieldLogger, cfgs []config.SourceConfig,
) ([]Source, error) {
	sources := make([]Source, 0, len(cfgs))

	for i := range cfgs {
		cfg := &cfgs[i]

		bucket, err := storage.New(log, &cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", cfg.Name, err)
		}

		switch cfg.Type {
		case "allure":
			sources = append(sources, NewAllureSource(cfg.Name, bucket, cfg.Prefix))
		case "junit":
			sources = append(sources, NewJUnitSource(cfg.Name, bucket, cfg.Prefix))
		case "jsonl":
			sources = append(sources, NewJSONLinesSource(cfg.Name, bucket, cfg.Prefix))
		default:
			return nil, fmt.Errorf("source %q: unsupported type %q", cfg.Name, cfg.Type)
		}

		log.WithFields(logrus.Fields{
			"source": cfg.Name,
			"type":   cfg.Type,
			"bucket": bucket.String(),
			"prefix": cfg.Prefix,
		}).Debug("Configured source")
	}

	return sources, nil
}
