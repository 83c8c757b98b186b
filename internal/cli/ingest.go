package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var ingestModel string

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>",
	Short: "Upload an audio file, transcribe it and index its segments",
	Long: `Ingest stores an audio file, transcribes it with the chosen model and
indexes every segment in both embedding collections.

Uploading the same bytes twice returns the existing episode.

Examples:
  podsearch ingest episode-42.mp3
  podsearch ingest interview.wav --model whisper-small`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVarP(&ingestModel, "model", "m", "", "transcription model (default from DEFAULT_MODEL)")
}

func runIngest(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()

	id, err := application.Pipeline.Upload(cmd.Context(), f, filepath.Base(args[0]), ingestModel)
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

var retranscribeModel string

var retranscribeCmd = &cobra.Command{
	Use:   "retranscribe <episode-id>",
	Short: "Transcribe an existing episode with another model",
	Long: `Retranscribe runs a transcription model the episode has not been
transcribed with yet and indexes the new segments next to the old ones.

Examples:
  podsearch retranscribe 7c9e6679-7425-40de-944b-e07fc1f90ae7 --model whisper-small`,
	Args: cobra.ExactArgs(1),
	RunE: runRetranscribe,
}

func init() {
	retranscribeCmd.Flags().StringVarP(&retranscribeModel, "model", "m", "", "transcription model (required)")
	retranscribeCmd.MarkFlagRequired("model")
}

func runRetranscribe(cmd *cobra.Command, args []string) error {
	runID, err := application.Pipeline.Retranscribe(cmd.Context(), args[0], retranscribeModel)
	if err != nil {
		return fmt.Errorf("retranscribe: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Run %d committed for %s\n", runID, args[0])
	return nil
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the database schema and vector collections",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		// PersistentPreRunE already did the work.
		fmt.Fprintf(cmd.OutOrStdout(), "Schema and collections ready (backend: %s)\n", cfg.VectorBackend)
		return nil
	},
}
