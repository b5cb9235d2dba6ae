package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"congestion-audit/internal/models"
	"congestion-audit/internal/pipeline"
)

// NewCoverageCommand creates the coverage command: a read-only report of
// which analysis-window periods the canonical store holds.
func NewCoverageCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "coverage",
		Short: "Report period coverage of the canonical store",
		Long: `Report, per required year-month of the analysis window, whether the
canonical store holds any rows, whether those rows are synthesized, and how
the volume compares to the expected floor. The store is not modified.`,
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

			coverage, err := p.Coverage(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "coverage scan failed", err)
			}

			printCoverage(cmd.OutOrStdout(), coverage)
			return nil
		},
	}
}

func printCoverage(w io.Writer, coverage []models.PeriodCoverage) {
	fmt.Fprintf(w, "%-9s %-8s %-8s %12s %14s\n", "PERIOD", "PRESENT", "IMPUTED", "ROWS", "EXPECTED_MIN")
	for _, c := range coverage {
		fmt.Fprintf(w, "%-9s %-8s %-8s %12d %14d\n",
			c.Period, yesNo(c.Present), yesNo(c.Imputed), c.RowCount, c.ExpectedMin)
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
