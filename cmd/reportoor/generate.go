package main

import (
	"fmt"
	"time"

	"github.com/defrances/reportoor/pkg/engine"
	"github.com/defrances/reportoor/pkg/history"
	"github.com/defrances/reportoor/pkg/ingest"
	"github.com/defrances/reportoor/pkg/report"
	"github.com/defrances/reportoor/pkg/storage"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	runID        string
	runTimestamp string
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a report for one run",
	Long: `Read every configured source, merge the run into history and write
report.json (and summary.md when output.markdown is set) to the output
storage under <prefix>/<run-id>/.`,
	RunE: runGenerate,
}

func init() {
	rootCmd.AddCommand(generateCmd)
	generateCmd.Flags().StringVar(&runID, "run-id", "",
		"Run identifier (defaults to a random UUID)")
	generateCmd.Flags().StringVar(&runTimestamp, "timestamp", "",
		"Run timestamp in RFC 3339 format (defaults to now)")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	if len(cfgFiles) == 0 {
		return fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	info := engine.RunInfo{ID: runID}

	if runTimestamp != "" {
		ts, err := time.Parse(time.RFC3339, runTimestamp)
		if err != nil {
			return fmt.Errorf("parsing --timestamp: %w", err)
		}

		info.Timestamp = ts
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	sources, err := ingest.NewSources(log, cfg.Ingest.Sources)
	if err != nil {
		return fmt.Errorf("creating sources: %w", err)
	}

	output, err := storage.New(log, &cfg.Output.Storage)
	if err != nil {
		return fmt.Errorf("creating output storage: %w", err)
	}

	store, err := history.Open(ctx, log, &cfg.History)
	if err != nil {
		return fmt.Errorf("opening history store: %w", err)
	}

	defer func() {
		if cerr := store.Close(); cerr != nil {
			log.WithError(cerr).Warn("Failed to close history store")
		}
	}()

	eng, err := engine.New(log, store, engine.OptionsFromConfig(cfg))
	if err != nil {
		return err
	}

	model, err := eng.Generate(ctx, info, sources...)
	if err != nil {
		return fmt.Errorf("generating report: %w", err)
	}

	reportKey := storage.Join(cfg.Output.Prefix, model.RunID, "report.json")
	if err := report.WriteJSON(ctx, output, reportKey, model); err != nil {
		return err
	}

	if cfg.Output.Markdown {
		summaryKey := storage.Join(cfg.Output.Prefix, model.RunID, "summary.md")
		md := report.Markdown(model, cfg.Output.MarkdownMaxChars)

		if err := output.Put(ctx, summaryKey, []byte(md), "text/markdown"); err != nil {
			return fmt.Errorf("writing summary %s: %w", summaryKey, err)
		}
	}

	log.WithFields(logrus.Fields{
		"run_id": model.RunID,
		"output": output.String(),
		"key":    reportKey,
	}).Info("Report written")

	return nil
}
