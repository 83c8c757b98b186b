package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"podsearch/internal/config"
	"podsearch/internal/modelpool"
	"podsearch/internal/reconcile"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Delete vector points whose transcription run no longer exists",
	Long: `Delete vector points whose transcription run no longer exists.

Points of deleted episodes are removed at once. Points of a missing run on an
existing episode are only reported as pending here; the worker's scheduled
pass removes them once they stay orphaned past RECONCILE_GRACE.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := application.Reconciler.Run(cmd.Context())
		printReport(cmd.OutOrStdout(), report)
		return err
	},
}

func printReport(w io.Writer, r reconcile.Report) {
	fmt.Fprintf(w, "Collections scanned: %d\n", r.Collections)
	fmt.Fprintf(w, "Points scanned:      %d\n", r.Points)
	fmt.Fprintf(w, "Orphans found:       %d\n", r.Orphans)
	fmt.Fprintf(w, "Orphans pending:     %d\n", r.Pending)
	fmt.Fprintf(w, "Orphans deleted:     %d\n", r.Deleted)
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the models in the catalog",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		catalog, err := config.LoadCatalog(cfg.ModelsFile)
		if err != nil {
			return err
		}
		return printModels(cmd.OutOrStdout(), catalog, cfg.DefaultModel)
	},
}

func printModels(w io.Writer, catalog *modelpool.Catalog, defaultModel string) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tKIND\tBACKEND\tDEVICE\tCOLLECTION\tDEFAULT")
	for _, name := range catalog.Names() {
		spec, _ := catalog.Lookup(name)
		def := ""
		if name == defaultModel {
			def = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", spec.Name, spec.Kind, spec.Backend, spec.Device, spec.Collection, def)
	}
	return tw.Flush()
}
