// Package pipeline drives a full audit run over one canonical store: ingest,
// imputation, forensic audit, export. Stages run strictly in order; each
// consumes only engine-side state left by its predecessor, so row sets never
// cross into process memory between stages.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"congestion-audit/internal/audit"
	"congestion-audit/internal/config"
	"congestion-audit/internal/engine"
	"congestion-audit/internal/export"
	"congestion-audit/internal/impute"
	"congestion-audit/internal/ingest"
	"congestion-audit/internal/models"
	"congestion-audit/internal/schema"
	"congestion-audit/pkg/database"
	"congestion-audit/pkg/logging"
	"congestion-audit/pkg/metrics"
)

// Pipeline owns the canonical store and the stage components bound to it.
type Pipeline struct {
	cfg     *config.Config
	db      *database.SQLiteDB
	engine  *engine.Engine
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// RunReport summarizes one complete pipeline run. It is fully populated only
// when Run returns without error.
type RunReport struct {
	RunID      string
	Ingest     *ingest.Result
	Imputation *impute.Result
	Audit      *audit.Summary
	Exported   []string
	Duration   time.Duration
}

// New opens the canonical store at cfg.Database.Path and prepares the query
// engine. The caller owns the returned pipeline and must Close it.
func New(ctx context.Context, cfg *config.Config, logger *logging.StructuredLogger, collector *metrics.Collector) (*Pipeline, error) {
	db, err := database.NewSQLiteDB(&database.Config{
		Path:             cfg.Database.Path,
		MemoryLimitBytes: cfg.Database.MemoryLimitBytes(),
		CacheKB:          cfg.Database.CacheKB(),
		BusyTimeoutMS:    cfg.Database.BusyTimeoutMS,
	}, logger, collector)
	if err != nil {
		return nil, err
	}

	eng, err := engine.New(ctx, db, logger, collector)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Pipeline{cfg: cfg, db: db, engine: eng, logger: logger, metrics: collector}, nil
}

// Close releases the canonical store.
func (p *Pipeline) Close() error {
	return p.db.Close()
}

// Engine exposes the query engine for read-only inspection commands.
func (p *Pipeline) Engine() *engine.Engine {
	return p.engine
}

// DB exposes the open store for health probing.
func (p *Pipeline) DB() *database.SQLiteDB {
	return p.db
}

// Run executes every stage in order and returns the combined report. A stage
// failure aborts the run; in particular nothing is exported, since export is
// the last stage and publishes atomically.
func (p *Pipeline) Run(ctx context.Context) (*RunReport, error) {
	runID := uuid.New().String()
	ctx = logging.ContextWithRunID(ctx, runID)

	start := time.Now()
	p.logger.Info(ctx, "[RUN_START] Starting audit pipeline", logging.Fields{
		"analysis_year": p.cfg.Analysis.Year,
		"toll_start":    p.cfg.Analysis.TollStartDate,
		"seed":          p.cfg.Analysis.Seed,
		"trips_dir":     p.cfg.Ingest.TripsDir,
		"export_dir":    p.cfg.Export.Dir,
	})

	report := &RunReport{RunID: runID}

	err := p.stage(ctx, "ingest", func(ctx context.Context) error {
		res, err := p.ingest(ctx)
		report.Ingest = res
		return err
	})
	if err == nil {
		err = p.stage(ctx, "impute", func(ctx context.Context) error {
			res, err := impute.NewSynthesizer(p.engine, p.cfg.Analysis, p.logger, p.metrics).Run(ctx)
			report.Imputation = res
			return err
		})
	}
	if err == nil {
		err = p.stage(ctx, "audit", func(ctx context.Context) error {
			classifier := audit.NewClassifier(p.engine, p.logger, p.metrics)
			if err := classifier.Install(ctx); err != nil {
				return err
			}
			summary, err := classifier.Summarize(ctx)
			report.Audit = summary
			return err
		})
	}
	if err == nil {
		err = p.stage(ctx, "export", func(ctx context.Context) error {
			files, err := export.NewExporter(p.engine, p.cfg.Analysis, p.cfg.Export, p.logger, p.metrics).Run(ctx)
			report.Exported = files
			return err
		})
	}

	report.Duration = time.Since(start)
	if err != nil {
		p.metrics.RunsTotal.WithLabelValues("failure").Inc()
		p.logger.Error(ctx, "[RUN_FAILED] Audit pipeline aborted", logging.Fields{
			"duration_seconds": report.Duration.Seconds(),
		}, err)
		return nil, err
	}

	p.metrics.RunsTotal.WithLabelValues("success").Inc()
	p.logger.Info(ctx, "[RUN_COMPLETE] Audit pipeline finished", logging.Fields{
		"duration_seconds": report.Duration.Seconds(),
		"rows_ingested":    report.Ingest.RowsIngested,
		"rows_imputed":     report.Imputation.RowsInserted,
		"suspicious_rows":  report.Audit.SuspiciousRows,
		"tables_exported":  len(report.Exported),
	})
	return report, nil
}

// Coverage reports presence for every period of the analysis window without
// modifying the store.
func (p *Pipeline) Coverage(ctx context.Context) ([]models.PeriodCoverage, error) {
	return impute.NewSynthesizer(p.engine, p.cfg.Analysis, p.logger, p.metrics).Coverage(ctx)
}

// Export rebuilds the audit views and republishes the aggregate tables from
// whatever the store currently holds, without re-ingesting or re-imputing.
func (p *Pipeline) Export(ctx context.Context) ([]string, error) {
	if err := audit.NewClassifier(p.engine, p.logger, p.metrics).Install(ctx); err != nil {
		return nil, err
	}
	return export.NewExporter(p.engine, p.cfg.Analysis, p.cfg.Export, p.logger, p.metrics).Run(ctx)
}

// ingest refreshes the reference tables and loads every recognized trip file.
func (p *Pipeline) ingest(ctx context.Context) (*ingest.Result, error) {
	var extra []schema.Variant
	if p.cfg.Ingest.MappingsFile != "" {
		var err error
		extra, err = schema.LoadVariantsFile(p.cfg.Ingest.MappingsFile)
		if err != nil {
			return nil, err
		}
	}

	zones, err := ingest.LoadZones(p.cfg.Ingest.ZonesFile)
	if err != nil {
		return nil, err
	}
	if err := p.engine.ReplaceZones(ctx, zones); err != nil {
		return nil, err
	}

	weather, err := ingest.LoadWeather(p.cfg.Ingest.WeatherFile)
	if err != nil {
		return nil, err
	}
	if err := p.engine.ReplaceWeather(ctx, weather); err != nil {
		return nil, err
	}

	loader := ingest.NewLoader(schema.NewUnifier(extra...), p.engine, p.cfg.Ingest, p.logger, p.metrics)
	return loader.Run(ctx)
}

// stage wraps one pipeline stage with timing, logging and metrics.
func (p *Pipeline) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	timer := p.metrics.NewTimer(p.metrics.StageDuration.WithLabelValues(name))
	p.logger.Info(ctx, "[STAGE_START] Entering pipeline stage", logging.Fields{
		"stage": name,
	})

	err := fn(ctx)
	elapsed := timer.ObserveDuration()
	if err != nil {
		p.logger.Error(ctx, "[STAGE_FAILED] Pipeline stage failed", logging.Fields{
			"stage":            name,
			"duration_seconds": elapsed.Seconds(),
		}, err)
		return fmt.Errorf("%s stage failed: %w", name, err)
	}

	p.logger.Info(ctx, "[STAGE_DONE] Pipeline stage completed", logging.Fields{
		"stage":            name,
		"duration_seconds": elapsed.Seconds(),
	})
	return nil
}
