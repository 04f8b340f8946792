package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/maldoc/engine"
)

var (
	cfgFile string
	dbPath  string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "maldoc",
	Short: "Recursive document extraction and triage scanner",
	Long: `maldoc walks a corpus of potentially hostile documents, recursively
expands archives and embedded containers under hard resource bounds,
extracts metadata and text from PDF, Office and RTF payloads, and scans
derived content for encoded blobs, IP literals and macro behaviors.
Results are persisted as one JSON record tree per input file.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		lvl := slog.LevelInfo
		if verbose {
			lvl = slog.LevelDebug
		}
		logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
		slog.SetDefault(logger)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file path")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "maldoc.db", "results database path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

// loadEngineConfig reads the config file when given, otherwise returns the
// zero config which the engine defaults into sanity.
func loadEngineConfig() (engine.Config, error) {
	if cfgFile == "" {
		var cfg engine.Config
		return cfg, nil
	}
	cfg, err := engine.LoadConfig(cfgFile)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
