// Package cli wires the audit pipeline into its command-line surface:
// `run` for a full pipeline pass, `coverage` for a read-only gap report,
// and `export` for republishing tables from an existing canonical store.
package cli

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"congestion-audit/internal/config"
	"congestion-audit/pkg/logging"
	"congestion-audit/pkg/metrics"
)

// Version is stamped into logs and the root command.
const Version = "1.0.0"

const metricsNamespace = "congestion_audit"

// RootOptions holds the global flags shared by every subcommand.
type RootOptions struct {
	ConfigFile string
	Verbose    bool
}

// NewRootCommand builds the audit CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:     "audit",
		Short:   "NYC congestion-pricing trip audit pipeline",
		Long: `Audits NYC taxi trip records against the congestion-pricing toll zone:
unifies heterogeneous monthly files into a memory-bounded canonical store,
synthesizes missing months from weighted historical donors, classifies
physically impossible trips, and exports the aggregate tables the dashboard
consumes.`,
		Version: Version,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "path to YAML config (default audit.yaml if present)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewCoverageCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))

	return cmd
}

// runtimeDeps bundles what every subcommand builds before touching the store.
type runtimeDeps struct {
	cfg       *config.Config
	logger    *logging.StructuredLogger
	collector *metrics.Collector
	registry  *prometheus.Registry
}

// setup loads configuration and builds the logger and metrics collector every
// subcommand shares. Metrics live on a per-invocation registry, served by the
// obs listener when one is configured. The --verbose flag overrides the
// configured log level.
func setup(opts *RootOptions, service string) (*runtimeDeps, error) {
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load configuration", err)
	}

	level, _ := logging.ParseLevel(cfg.Logging.Level)
	if opts.Verbose {
		level = logging.DebugLevel
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &runtimeDeps{
		cfg:       cfg,
		logger:    logging.NewStructuredLogger(service, Version, level),
		collector: metrics.NewCollector(metricsNamespace, registry),
		registry:  registry,
	}, nil
}
