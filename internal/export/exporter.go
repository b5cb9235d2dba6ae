// Package export runs the fixed set of dashboard aggregations and publishes
// them as flat CSV tables. Publication is all-or-nothing: every table is
// staged first, and the stage is renamed into place only after the last
// query has succeeded, so a failed run leaves prior exports untouched.
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"congestion-audit/internal/config"
	"congestion-audit/internal/engine"
	"congestion-audit/internal/models"
	"congestion-audit/pkg/logging"
	"congestion-audit/pkg/metrics"
)

// Exporter owns the export query set and the publish directory.
type Exporter struct {
	engine  *engine.Engine
	cfg     config.AnalysisConfig
	dir     string
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewExporter wires an Exporter.
func NewExporter(eng *engine.Engine, analysis config.AnalysisConfig, export config.ExportConfig, logger *logging.StructuredLogger, collector *metrics.Collector) *Exporter {
	return &Exporter{
		engine:  eng,
		cfg:     analysis,
		dir:     export.Dir,
		logger:  logger,
		metrics: collector,
	}
}

// Run executes every export aggregation and publishes the complete table set,
// returning the published file names. Any failure discards the staging
// directory; nothing already in the export directory is touched until every
// table has been staged.
func (e *Exporter) Run(ctx context.Context) ([]string, error) {
	start := time.Now()

	if err := e.engine.DefineView(ctx, RainDailyView, rainDailySQL); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}
	staging, err := os.MkdirTemp(e.dir, ".staging-")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	var files []string
	for _, b := range e.builders() {
		table, err := b.build(ctx)
		if err != nil {
			return nil, fmt.Errorf("build %s: %w", b.name, err)
		}

		file := b.name + ".csv"
		rows, err := writeTable(filepath.Join(staging, file), table)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", b.name, err)
		}

		e.metrics.RecordExport(b.name, rows)
		e.logger.Debug(ctx, "[EXPORT_STAGE] Table staged", logging.Fields{
			"table": b.name,
			"rows":  rows,
		})
		files = append(files, file)
	}

	for _, file := range files {
		if err := os.Rename(filepath.Join(staging, file), filepath.Join(e.dir, file)); err != nil {
			return nil, fmt.Errorf("publish %s: %w", file, err)
		}
	}

	e.metrics.ExportDuration.Observe(time.Since(start).Seconds())
	e.logger.Info(ctx, "[EXPORT_DONE] Export set published", logging.Fields{
		"dir":        e.dir,
		"tables":     len(files),
		"elapsed_ms": time.Since(start).Milliseconds(),
	})
	return files, nil
}

// writeTable writes one staged CSV with temp-file-then-rename, returning the
// data row count. Formatting is fixed so identical tables produce identical
// bytes: integers plain decimal, floats with four fractional digits, NULL
// empty.
func writeTable(path string, table *models.AggregateTable) (int64, error) {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}

	w := csv.NewWriter(f)
	if err := w.Write(table.Columns); err != nil {
		f.Close()
		return 0, err
	}
	record := make([]string, len(table.Columns))
	for _, row := range table.Rows {
		for i, v := range row {
			record[i] = formatValue(v)
		}
		if err := w.Write(record); err != nil {
			f.Close()
			return 0, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return 0, err
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, err
	}
	return int64(len(table.Rows)), nil
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', 4, 64)
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}

// TableCount is the size of the published set; a complete export directory
// holds exactly this many tables.
func (e *Exporter) TableCount() int {
	return len(e.builders())
}
