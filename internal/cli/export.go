package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"congestion-audit/internal/pipeline"
)

// NewExportCommand creates the export command: rebuild the forensic views and
// republish the aggregate tables from an existing canonical store, without
// re-ingesting or re-imputing.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Republish the aggregate tables from the existing store",
		Long: `Reinstall the clean/suspicious views over whatever the canonical store
currently holds and publish the full export set atomically. Useful after a
zone or weather reference change, or to regenerate a deleted export
directory. Determinism holds: an unchanged store produces byte-identical
tables.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := setup(rootOpts, "congestion-audit")
			if err != nil {
				return err
			}

			ctx := contextOf(cmd)
			p, err := pipeline.New(ctx, deps.cfg, deps.logger, deps.collector)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open canonical store", err)
			}
			defer p.Close()

			files, err := p.Export(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "export failed", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Published %d tables to %s:\n", len(files), deps.cfg.Export.Dir)
			for _, f := range files {
				fmt.Fprintf(out, "  - %s\n", f)
			}
			return nil
		},
	}
}
