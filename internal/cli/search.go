package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"podsearch/internal/search"
)

var searchLimit int

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search transcribed segments",
	Long: `Search embeds the query with both embedding models, searches both
collections and merges the results by segment.

Examples:
  podsearch search "how to brew coffee"
  podsearch search "interest rates" --limit 5`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 10, "max results")
}

func runSearch(cmd *cobra.Command, args []string) error {
	results, err := application.Searcher.Search(cmd.Context(), args[0], searchLimit)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	printResults(cmd.OutOrStdout(), results)
	return nil
}

func printResults(w io.Writer, results []search.Result) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No results found.")
		return
	}
	fmt.Fprintf(w, "Found %d results:\n\n", len(results))
	for i, r := range results {
		p := r.Payload
		fmt.Fprintf(w, "%d. [%.3f %s] %s %s-%s\n", i+1, r.Score, r.Model, p.EpisodeID, timestamp(p.Start), timestamp(p.End))
		fmt.Fprintf(w, "   %s\n", p.Text)
		if verbose {
			fmt.Fprintf(w, "   key=%s run=%d transcribed by %s\n", r.Key, p.RunID, p.ModelName)
		}
		fmt.Fprintln(w)
	}
}

// timestamp renders milliseconds as m:ss.
func timestamp(ms int64) string {
	s := ms / 1000
	return fmt.Sprintf("%d:%02d", s/60, s%60)
}
