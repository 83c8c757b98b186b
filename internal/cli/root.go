// Package cli provides the podsearch command-line interface.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"podsearch/internal/app"
	"podsearch/internal/config"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose bool

	cfg         config.Config
	logger      *slog.Logger
	closeLogger func() error
	application *app.App
)

// offline commands need the configuration but no database or vector index.
var offline = map[string]bool{
	"help":       true,
	"version":    true,
	"completion": true,
	"models":     true,
}

var rootCmd = &cobra.Command{
	Use:   "podsearch",
	Short: "Transcribe audio episodes and search them semantically",
	Long: `Podsearch ingests audio episodes, transcribes them into timestamped
segments and indexes every segment with two embedding models.

Queries are embedded with both models and the two rankings are merged by
segment, keeping the best score.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		level := cfg.LogLevel
		if verbose {
			level = slog.LevelDebug
		}
		logger, closeLogger = config.SetupLogger(cfg.LogFile, level)
		slog.SetDefault(logger)

		if offline[cmd.Name()] {
			return nil
		}

		ctx := cmd.Context()
		application, err = app.New(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("start: %w", err)
		}
		if err := application.Init(ctx); err != nil {
			return fmt.Errorf("initialize storage: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if application != nil {
			if err := application.Close(context.Background()); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close: %v\n", err)
			}
		}
		if closeLogger != nil {
			closeLogger()
		}
	},
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(episodesCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(retranscribeCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(modelsCmd)
}
