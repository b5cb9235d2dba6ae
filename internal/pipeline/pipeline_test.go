package pipeline

import (
	"compress/gzip"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"congestion-audit/internal/config"
	"congestion-audit/internal/models"
	"congestion-audit/pkg/logging"
	"congestion-audit/pkg/metrics"
)

var tripHeader = []string{
	"VendorID", "tpep_pickup_datetime", "tpep_dropoff_datetime", "passenger_count",
	"trip_distance", "RatecodeID", "store_and_fwd_flag", "PULocationID", "DOLocationID",
	"payment_type", "fare_amount", "extra", "mta_tax", "tip_amount", "tolls_amount",
	"improvement_surcharge", "total_amount", "congestion_surcharge", "Airport_fee",
}

// tripRow is an outside→inside trip; 15-minute rows at 3.2 miles stay well
// under the plausible-speed limit.
func tripRow(pickup, dropoff, dist, fare string) []string {
	return []string{
		"2", pickup, dropoff, "1",
		dist, "1", "N", "7", "161",
		"1", fare, "1.0", "0.5", "2.00", "0.0",
		"1.0", "24.00", "0.75", "0.0",
	}
}

func monthOfRows(year, month, days int) [][]string {
	rows := make([][]string, 0, days)
	for day := 1; day <= days; day++ {
		rows = append(rows, tripRow(
			fmt.Sprintf("%04d-%02d-%02d 10:00:00", year, month, day),
			fmt.Sprintf("%04d-%02d-%02d 10:15:00", year, month, day),
			"3.2", "14.00",
		))
	}
	return rows
}

func writeCSV(t *testing.T, path string, header []string, rows [][]string) {
	t.Helper()
	fh, err := os.Create(path)
	require.NoError(t, err)
	defer fh.Close()

	w := csv.NewWriter(fh)
	require.NoError(t, w.Write(header))
	require.NoError(t, w.WriteAll(rows))
	w.Flush()
	require.NoError(t, w.Error())
}

func writeGzipCSV(t *testing.T, path string, header []string, rows [][]string) {
	t.Helper()
	fh, err := os.Create(path)
	require.NoError(t, err)
	defer fh.Close()

	gz := gzip.NewWriter(fh)
	w := csv.NewWriter(gz)
	require.NoError(t, w.Write(header))
	require.NoError(t, w.WriteAll(rows))
	w.Flush()
	require.NoError(t, w.Error())
	require.NoError(t, gz.Close())
}

// newPipelineConfig lays out a complete data directory: Q1 of both years,
// donor months for December 2025, and the reference files.
func newPipelineConfig(t *testing.T) *config.Config {
	t.Helper()

	root := t.TempDir()
	trips := filepath.Join(root, "trips")
	require.NoError(t, os.Mkdir(trips, 0o755))

	writeCSV(t, filepath.Join(trips, "yellow_tripdata_2024-01.csv"), tripHeader, monthOfRows(2024, 1, 3))
	writeGzipCSV(t, filepath.Join(trips, "yellow_tripdata_2024-02.csv.gz"), tripHeader, monthOfRows(2024, 2, 2))
	writeCSV(t, filepath.Join(trips, "yellow_tripdata_2023-12.csv"), tripHeader, monthOfRows(2023, 12, 8))
	writeCSV(t, filepath.Join(trips, "yellow_tripdata_2024-12.csv"), tripHeader, monthOfRows(2024, 12, 12))

	jan25 := monthOfRows(2025, 1, 3)
	// One 30-second, 25-dollar ride: teleporter, nothing else.
	jan25 = append(jan25, tripRow("2025-01-20 10:00:00", "2025-01-20 10:00:30", "0.2", "25.00"))
	writeCSV(t, filepath.Join(trips, "yellow_tripdata_2025-01.csv"), tripHeader, jan25)
	writeCSV(t, filepath.Join(trips, "yellow_tripdata_2025-02.csv"), tripHeader, monthOfRows(2025, 2, 2))

	zones := filepath.Join(root, "zones.csv")
	require.NoError(t, os.WriteFile(zones, []byte(
		"location_id,name,class,lat,lon\n"+
			"7,Astoria,outside,,\n"+
			"161,Midtown Center,inside,40.7589,-73.9851\n"+
			"237,Upper East Side South,border,40.7681,-73.9654\n"), 0o644))

	weather := filepath.Join(root, "weather.csv")
	require.NoError(t, os.WriteFile(weather, []byte(
		"date,precip_mm,temp_c\n"+
			"2025-01-01,4.0,1.5\n"+
			"2025-01-02,0.0,3.0\n"+
			"2025-01-20,2.5,-1.0\n"), 0o644))

	cfg := config.Default()
	cfg.Database.Path = filepath.Join(root, "canonical.db")
	cfg.Database.MemoryLimitMB = 256
	cfg.Database.CacheMB = 32
	cfg.Ingest.TripsDir = trips
	cfg.Ingest.ZonesFile = zones
	cfg.Ingest.WeatherFile = weather
	cfg.Ingest.BatchSize = 5
	cfg.Ingest.Workers = 2
	cfg.Analysis = config.AnalysisConfig{
		Year:            2025,
		TollStartDate:   "2025-01-05",
		ExpectedMinRows: 1,
		Seed:            42,
	}
	cfg.Export.Dir = filepath.Join(root, "exports")
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestPipeline(t *testing.T, cfg *config.Config) (*Pipeline, context.Context) {
	t.Helper()
	logger := logging.NewStructuredLogger("pipeline-test", "test", logging.ErrorLevel)
	collector := metrics.NewCollector("audit_test", prometheus.NewRegistry())

	ctx := context.Background()
	p, err := New(ctx, cfg, logger, collector)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p, ctx
}

func TestPipelineRun(t *testing.T) {
	cfg := newPipelineConfig(t)
	p, ctx := newTestPipeline(t, cfg)

	report, err := p.Run(ctx)
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.NotEmpty(t, report.RunID)

	// Ingest: six monthly files, 31 rows, nothing malformed.
	require.NotNil(t, report.Ingest)
	assert.Equal(t, 6, report.Ingest.FilesScanned)
	assert.Equal(t, 6, report.Ingest.FilesLoaded)
	assert.Equal(t, int64(31), report.Ingest.RowsIngested)
	assert.Zero(t, report.Ingest.RowsMalformed)

	// Imputation: December 2025 has both donor years on file; the other
	// absent window periods do not and are skipped.
	require.NotNil(t, report.Imputation)
	assert.Equal(t, []models.Period{"2025-12"}, report.Imputation.Imputed)
	assert.Len(t, report.Imputation.Skipped, 10)
	assert.Positive(t, report.Imputation.RowsInserted)

	// Audit: exactly the one teleporter.
	require.NotNil(t, report.Audit)
	assert.Equal(t, int64(1), report.Audit.SuspiciousRows)
	assert.Equal(t, int64(1), report.Audit.TagCounts[models.TagTeleporter])
	assert.Equal(t, int64(0), report.Audit.TagCounts[models.TagImpossiblePhysics])
	assert.Equal(t, int64(30)+report.Imputation.RowsInserted, report.Audit.CleanRows)

	// Export: the complete table set on disk.
	assert.Len(t, report.Exported, 9)
	for _, f := range report.Exported {
		_, err := os.Stat(filepath.Join(cfg.Export.Dir, f))
		assert.NoError(t, err, "expected %s to be published", f)
	}

	// The synthesized period is visible as imputed coverage.
	coverage, err := p.Coverage(ctx)
	require.NoError(t, err)
	var december *models.PeriodCoverage
	for i := range coverage {
		if coverage[i].Period == "2025-12" {
			december = &coverage[i]
		}
	}
	require.NotNil(t, december)
	assert.True(t, december.Present)
	assert.True(t, december.Imputed)
}

func TestPipelineExportAlone(t *testing.T) {
	cfg := newPipelineConfig(t)
	p, ctx := newTestPipeline(t, cfg)

	_, err := p.Run(ctx)
	require.NoError(t, err)

	// Re-publishing from the existing store needs no ingest.
	files, err := p.Export(ctx)
	require.NoError(t, err)
	assert.Len(t, files, 9)
}

func TestPipelineStopsWhenZonesMissing(t *testing.T) {
	cfg := newPipelineConfig(t)
	cfg.Ingest.ZonesFile = filepath.Join(t.TempDir(), "nope.csv")
	p, ctx := newTestPipeline(t, cfg)

	_, err := p.Run(ctx)
	require.Error(t, err)
	assert.ErrorContains(t, err, "ingest stage failed")

	// The run never reached export.
	_, statErr := os.Stat(cfg.Export.Dir)
	assert.True(t, os.IsNotExist(statErr))
}
