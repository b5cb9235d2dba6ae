// Package ingest scans the monthly trip-file directory, unifies each file
// through the schema layer, and streams canonical rows into the engine in
// bounded batches. A file whose layout cannot be unified is skipped and
// reported; the run continues with every file that can.
package ingest

import (
	"compress/gzip"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"congestion-audit/internal/config"
	"congestion-audit/internal/engine"
	"congestion-audit/internal/models"
	"congestion-audit/internal/schema"
	"congestion-audit/pkg/logging"
	"congestion-audit/pkg/metrics"
)

// tripFileRe matches the monthly naming convention, e.g.
// yellow_tripdata_2025-01.csv or green_tripdata_2024-12.csv.gz.
var tripFileRe = regexp.MustCompile(`^([a-z]+)_tripdata_(\d{4}-\d{2})\.csv(\.gz)?$`)

// Loader drives trip-file ingestion for one run.
type Loader struct {
	unifier *schema.Unifier
	engine  *engine.Engine
	cfg     config.IngestConfig
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewLoader wires a Loader. The unifier is already resolved against any
// operator-supplied variant mappings.
func NewLoader(u *schema.Unifier, eng *engine.Engine, cfg config.IngestConfig, logger *logging.StructuredLogger, collector *metrics.Collector) *Loader {
	return &Loader{
		unifier: u,
		engine:  eng,
		cfg:     cfg,
		logger:  logger,
		metrics: collector,
	}
}

// Result summarizes one ingestion run.
type Result struct {
	FilesScanned  int
	FilesLoaded   int
	FilesSkipped  int
	RowsIngested  int64
	RowsMalformed int64
	Skipped       []models.PeriodIssue
}

type tripFile struct {
	path   string
	name   string
	period models.Period
}

type runState struct {
	rows      atomic.Int64
	malformed atomic.Int64
	loaded    atomic.Int64

	mu      sync.Mutex
	skipped []models.PeriodIssue
}

func (s *runState) skip(period models.Period, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skipped = append(s.skipped, models.PeriodIssue{Period: period, Reason: reason})
}

// Run discovers trip files, parses them on a bounded worker pool, and feeds
// one writer goroutine. The store has a single writer; parse work is where
// concurrency pays.
func (l *Loader) Run(ctx context.Context) (*Result, error) {
	files, err := l.discover()
	if err != nil {
		return nil, err
	}

	l.logger.Info(ctx, "[INGEST_START] Scanning trip files", logging.Fields{
		"dir":     l.cfg.TripsDir,
		"files":   len(files),
		"workers": l.cfg.Workers,
	})

	state := &runState{}
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	batches := make(chan []models.TripRecord, l.cfg.Workers)

	g.Go(func() error {
		for batch := range batches {
			if err := l.engine.AppendTrips(gctx, batch); err != nil {
				return err
			}
			state.rows.Add(int64(len(batch)))
			l.metrics.IngestRecordsTotal.Add(float64(len(batch)))
		}
		return nil
	})

	parsers, pctx := errgroup.WithContext(gctx)
	parsers.SetLimit(l.cfg.Workers)
	for _, f := range files {
		f := f
		parsers.Go(func() error {
			return l.loadFile(pctx, f, state, batches)
		})
	}

	g.Go(func() error {
		defer close(batches)
		return parsers.Wait()
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(state.skipped, func(i, j int) bool {
		return state.skipped[i].Period < state.skipped[j].Period
	})

	result := &Result{
		FilesScanned:  len(files),
		FilesLoaded:   int(state.loaded.Load()),
		FilesSkipped:  len(state.skipped),
		RowsIngested:  state.rows.Load(),
		RowsMalformed: state.malformed.Load(),
		Skipped:       state.skipped,
	}

	l.metrics.IngestDuration.Observe(time.Since(start).Seconds())
	l.logger.Info(ctx, "[INGEST_DONE] Trip files ingested", logging.Fields{
		"files_loaded":   result.FilesLoaded,
		"files_skipped":  result.FilesSkipped,
		"rows_ingested":  result.RowsIngested,
		"rows_malformed": result.RowsMalformed,
		"elapsed_ms":     time.Since(start).Milliseconds(),
	})

	return result, nil
}

// discover lists the trip directory and keeps files matching the monthly
// naming convention, sorted by name for a stable work order.
func (l *Loader) discover() ([]tripFile, error) {
	entries, err := os.ReadDir(l.cfg.TripsDir)
	if err != nil {
		return nil, fmt.Errorf("read trips dir %s: %w", l.cfg.TripsDir, err)
	}

	var files []tripFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := tripFileRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		period, err := models.ParsePeriod(m[2])
		if err != nil {
			continue
		}
		files = append(files, tripFile{
			path:   filepath.Join(l.cfg.TripsDir, e.Name()),
			name:   e.Name(),
			period: period,
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].name < files[j].name })
	return files, nil
}

// loadFile streams one monthly file: header resolution once, then row
// conversion against fixed indices. Unification failures skip the file;
// malformed rows are dropped and counted, never fatal.
func (l *Loader) loadFile(ctx context.Context, f tripFile, state *runState, batches chan<- []models.TripRecord) error {
	fh, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("open %s: %w", f.name, err)
	}
	defer fh.Close()

	var reader io.Reader = fh
	if strings.HasSuffix(f.name, ".gz") {
		gz, err := gzip.NewReader(fh)
		if err != nil {
			return fmt.Errorf("gunzip %s: %w", f.name, err)
		}
		defer gz.Close()
		reader = gz
	}

	cr := csv.NewReader(reader)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		state.skip(f.period, fmt.Sprintf("unreadable header in %s", f.name))
		l.metrics.RecordFileOutcome("schema_error")
		l.logger.Warn(ctx, "[INGEST_SKIP] File skipped, header unreadable", logging.Fields{
			"file":  f.name,
			"error": err.Error(),
		})
		return nil
	}

	mapping, err := l.unifier.Resolve(f.name, header)
	if err != nil {
		state.skip(f.period, err.Error())
		l.metrics.RecordFileOutcome("schema_error")
		l.logger.Warn(ctx, "[INGEST_SKIP] File skipped, no variant matches header", logging.Fields{
			"file":  f.name,
			"error": err.Error(),
		})
		return nil
	}

	l.logger.Debug(ctx, "[INGEST_FILE] Header resolved", logging.Fields{
		"file":    f.name,
		"variant": mapping.Variant,
		"period":  string(f.period),
	})

	batch := make([]models.TripRecord, 0, l.cfg.BatchSize)
	var malformed int64
	line := 1

	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			malformed++
			l.metrics.RecordMalformed("csv_parse")
			l.logMalformed(ctx, f.name, line, err.Error(), malformed)
			continue
		}

		trip, err := mapping.Apply(record, f.name, line, f.period)
		if err != nil {
			malformed++
			reason := "invalid"
			var me *models.MalformedRecordError
			if errors.As(err, &me) {
				reason = me.Reason
			}
			l.metrics.RecordMalformed(reason)
			l.logMalformed(ctx, f.name, line, reason, malformed)
			continue
		}

		batch = append(batch, trip)
		if len(batch) >= l.cfg.BatchSize {
			if err := send(ctx, batches, batch); err != nil {
				return err
			}
			batch = make([]models.TripRecord, 0, l.cfg.BatchSize)
		}
	}

	if len(batch) > 0 {
		if err := send(ctx, batches, batch); err != nil {
			return err
		}
	}

	state.malformed.Add(malformed)
	state.loaded.Add(1)
	l.metrics.RecordFileOutcome("loaded")
	return nil
}

// logMalformed caps per-file warning volume; counts keep accumulating after
// the cap.
func (l *Loader) logMalformed(ctx context.Context, file string, line int, reason string, nth int64) {
	if nth > int64(l.cfg.MaxLoggedErrors) {
		return
	}
	fields := logging.Fields{"file": file, "line": line, "reason": reason}
	if nth == int64(l.cfg.MaxLoggedErrors) {
		fields["note"] = "further malformed rows in this file are counted silently"
	}
	l.logger.Warn(ctx, "[INGEST_DROP] Malformed row dropped", fields)
}

func send(ctx context.Context, batches chan<- []models.TripRecord, batch []models.TripRecord) error {
	select {
	case batches <- batch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
