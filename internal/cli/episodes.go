package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"podsearch/internal/models"
)

var (
	episodesLimit int
	episodesPage  int
)

var episodesCmd = &cobra.Command{
	Use:   "episodes",
	Short: "List ingested episodes, newest first",
	Args:  cobra.NoArgs,
	RunE:  runEpisodes,
}

func init() {
	episodesCmd.Flags().IntVarP(&episodesLimit, "limit", "n", 20, "episodes per page")
	episodesCmd.Flags().IntVarP(&episodesPage, "page", "p", 1, "page number")
}

func runEpisodes(cmd *cobra.Command, args []string) error {
	if episodesLimit <= 0 || episodesPage <= 0 {
		return fmt.Errorf("limit and page must be positive")
	}
	ctx := cmd.Context()
	episodes, err := application.Store.ListEpisodes(ctx, episodesLimit, (episodesPage-1)*episodesLimit)
	if err != nil {
		return fmt.Errorf("list episodes: %w", err)
	}
	total, err := application.Store.CountEpisodes(ctx)
	if err != nil {
		return fmt.Errorf("count episodes: %w", err)
	}
	printEpisodes(cmd.OutOrStdout(), episodes, total)
	return nil
}

func printEpisodes(w io.Writer, episodes []models.Episode, total int) {
	if len(episodes) == 0 {
		fmt.Fprintln(w, "No episodes.")
		return
	}
	for _, e := range episodes {
		length := "?"
		if e.LengthMs != nil {
			length = timestamp(*e.LengthMs)
		}
		fmt.Fprintf(w, "%s  %-6s %8s  %s  %s\n", e.ID, e.Ext, length, e.CreatedAt.Format("2006-01-02 15:04"), e.Name)
	}
	fmt.Fprintf(w, "\n%d of %d episodes\n", len(episodes), total)
}

var deleteForce bool

var deleteCmd = &cobra.Command{
	Use:   "delete <episode-id>",
	Short: "Delete an episode with its media, transcripts and vectors",
	Long: `Delete removes an episode's rows, its stored audio and its points in
both vector collections.

Requires confirmation unless --force is used.

Examples:
  podsearch delete 7c9e6679-7425-40de-944b-e07fc1f90ae7
  podsearch delete 7c9e6679-7425-40de-944b-e07fc1f90ae7 --force`,
	Args: cobra.ExactArgs(1),
	RunE: runDelete,
}

func init() {
	deleteCmd.Flags().BoolVarP(&deleteForce, "force", "f", false, "skip confirmation")
}

func runDelete(cmd *cobra.Command, args []string) error {
	id := args[0]
	ctx := cmd.Context()

	episode, err := application.Store.GetEpisode(ctx, id)
	if err != nil {
		return fmt.Errorf("get episode: %w", err)
	}

	if !deleteForce {
		fmt.Fprintf(cmd.OutOrStdout(), "About to delete: %s (%s)\n", episode.Name, episode.ID)
		if !confirm(cmd.InOrStdin(), cmd.OutOrStdout()) {
			fmt.Fprintln(cmd.OutOrStdout(), "Cancelled.")
			return nil
		}
	}

	if err := application.Pipeline.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", id)
	return nil
}

func confirm(in io.Reader, out io.Writer) bool {
	fmt.Fprint(out, "\nContinue? [y/N]: ")
	answer, _ := bufio.NewReader(in).ReadString('\n')
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup <episode-id> <ext>",
	Short: "Remove every trace of a partially ingested episode",
	Long: `Cleanup deletes whatever an interrupted ingestion left behind: vector
points, transcription rows, the episode row and the stored file. Each step
runs even when an earlier one fails.

Examples:
  podsearch cleanup 7c9e6679-7425-40de-944b-e07fc1f90ae7 mp3`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ext := strings.TrimPrefix(args[1], ".")
		if err := application.Pipeline.Cleanup(cmd.Context(), args[0], ext); err != nil {
			return fmt.Errorf("cleanup incomplete: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cleaned up %s\n", args[0])
		return nil
	},
}
