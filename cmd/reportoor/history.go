package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/defrances/reportoor/pkg/engine"
	"github.com/defrances/reportoor/pkg/history"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var historyOutput string

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect and maintain the history store",
}

var historyShowCmd = &cobra.Command{
	Use:   "show <history-id>",
	Short: "Print the stored history of one test",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryShow,
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Trim every history item to the retention bound",
	Long: `Trim every stored history item to engine.history_retention entries
and delete items left without entries.`,
	RunE: runHistoryPrune,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyShowCmd, historyPruneCmd)
	historyShowCmd.Flags().StringVarP(&historyOutput, "output", "o", "json",
		"Output format (json, yaml)")
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	store, err := history.Open(ctx, log, &cfg.History)
	if err != nil {
		return fmt.Errorf("opening history store: %w", err)
	}
	defer store.Close()

	item, err := store.Get(ctx, args[0])
	if err != nil {
		return fmt.Errorf("reading history %s: %w", args[0], err)
	}

	if item == nil {
		return fmt.Errorf("history %q not found", args[0])
	}

	return printItem(item, historyOutput)
}

// printItem writes item to stdout. YAML output reuses the JSON field names.
func printItem(item *history.Item, format string) error {
	data, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding history: %w", err)
	}

	switch format {
	case "json":
		_, err = fmt.Fprintln(os.Stdout, string(data))

		return err
	case "yaml":
		var doc any
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("decoding history: %w", err)
		}

		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)

		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encoding history: %w", err)
		}

		return enc.Close()
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}

func runHistoryPrune(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	store, err := history.Open(ctx, log, &cfg.History)
	if err != nil {
		return fmt.Errorf("opening history store: %w", err)
	}
	defer store.Close()

	eng, err := engine.New(log, store, engine.OptionsFromConfig(cfg))
	if err != nil {
		return err
	}

	removed, err := eng.Merger().Prune(ctx)
	if err != nil {
		return fmt.Errorf("pruning history: %w", err)
	}

	fmt.Printf("removed %d history entries\n", removed)

	return nil
}
