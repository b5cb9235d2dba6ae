package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"congestion-audit/internal/engine"
	"congestion-audit/internal/models"
	"congestion-audit/pkg/database"
	"congestion-audit/pkg/logging"
	"congestion-audit/pkg/metrics"
)

func newTestClassifier(t *testing.T) (*Classifier, *engine.Engine, context.Context) {
	t.Helper()

	logger := logging.NewStructuredLogger("audit-test", "test", logging.ErrorLevel)
	collector := metrics.NewCollector("audit_test", prometheus.NewRegistry())

	db, err := database.NewSQLiteDB(&database.Config{
		Path:             filepath.Join(t.TempDir(), "canonical.db"),
		MemoryLimitBytes: 256 << 20,
		CacheKB:          32 << 10,
		BusyTimeoutMS:    5000,
	}, logger, collector)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	eng, err := engine.New(ctx, db, logger, collector)
	require.NoError(t, err)
	return NewClassifier(eng, logger, collector), eng, ctx
}

func trip(t *testing.T, pickup string, durSec int, dist, fare float64, vendor int) models.TripRecord {
	t.Helper()
	at, err := time.ParseInLocation(models.TimeLayout, pickup, time.UTC)
	require.NoError(t, err)
	return models.TripRecord{
		PickupAt:      at,
		DropoffAt:     at.Add(time.Duration(durSec) * time.Second),
		PickupZone:    161,
		DropoffZone:   237,
		DistanceMiles: dist,
		Fare:          fare,
		Tip:           1.0,
		Surcharge:     0.75,
		Total:         fare + 1.75,
		VendorID:      vendor,
		CabType:       models.CabYellow,
		Period:        models.PeriodOf(at),
		Source:        models.SourceReal,
	}
}

func loadForensicFixture(t *testing.T, eng *engine.Engine, ctx context.Context) {
	t.Helper()
	require.NoError(t, eng.AppendTrips(ctx, []models.TripRecord{
		// Plausible 12 mph trip: clean.
		trip(t, "2025-01-06 08:00:00", 900, 3.0, 14.00, 1),
		// 120 mph implied speed: impossible physics.
		trip(t, "2025-01-06 09:00:00", 300, 10.0, 30.00, 2),
		// Zero duration: impossible physics regardless of distance.
		trip(t, "2025-01-06 10:00:00", 0, 2.0, 10.00, 2),
		// Negative duration, zero distance, high fare: all three tags.
		trip(t, "2025-01-06 11:00:00", -600, 0.0, 25.00, 3),
		// 30 seconds at 24 mph for $25: teleporter only.
		trip(t, "2025-01-06 12:00:00", 30, 0.2, 25.00, 4),
		// Zero distance, positive fare, ordinary duration: stationary fare
		// only; implied speed 0 is not an impossible-physics violation.
		trip(t, "2025-01-06 13:00:00", 600, 0.0, 15.00, 5),
	}))
}

func TestClassifierSummarize(t *testing.T) {
	c, eng, ctx := newTestClassifier(t)
	loadForensicFixture(t, eng, ctx)
	require.NoError(t, c.Install(ctx))

	summary, err := c.Summarize(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(3), summary.TagCounts[models.TagImpossiblePhysics])
	assert.Equal(t, int64(2), summary.TagCounts[models.TagTeleporter])
	assert.Equal(t, int64(2), summary.TagCounts[models.TagStationaryFare])

	assert.Equal(t, int64(1), summary.CleanRows)
	assert.Equal(t, int64(5), summary.SuspiciousRows, "multi-tagged trips count once")
}

func TestCleanAndSuspiciousViewsPartition(t *testing.T) {
	c, eng, ctx := newTestClassifier(t)
	loadForensicFixture(t, eng, ctx)
	require.NoError(t, c.Install(ctx))

	total, err := eng.Count(ctx, "total", engine.NewView(engine.TripsView))
	require.NoError(t, err)

	clean, err := eng.Count(ctx, "clean", engine.NewView(CleanView))
	require.NoError(t, err)

	summary, err := c.Summarize(ctx)
	require.NoError(t, err)

	assert.Equal(t, total, clean+summary.SuspiciousRows,
		"every trip is exactly clean or suspicious")
}

func TestSuspiciousViewEnumeratesTags(t *testing.T) {
	c, eng, ctx := newTestClassifier(t)
	loadForensicFixture(t, eng, ctx)
	require.NoError(t, c.Install(ctx))

	table, err := eng.Aggregate(ctx, engine.AggregateSpec{
		Name:    "tags_by_vendor",
		View:    engine.NewView(SuspiciousView),
		Dims:    []engine.Dimension{engine.Dim("t.vendor_id", "vendor"), engine.Dim("t.anomaly_tag", "anomaly_tag")},
		Metrics: []engine.Metric{engine.CountAll("trips")},
	})
	require.NoError(t, err)

	// Vendor 3's single trip carries all three tags: one suspicious row each.
	var vendor3 [][]any
	for _, row := range table.Rows {
		if row[0] == int64(3) {
			vendor3 = append(vendor3, row)
		}
	}
	require.Len(t, vendor3, 3)
	assert.Equal(t, "impossible_physics", vendor3[0][1])
	assert.Equal(t, "stationary_fare", vendor3[1][1])
	assert.Equal(t, "teleporter", vendor3[2][1])
}

func TestCleanViewFeedsAggregates(t *testing.T) {
	c, eng, ctx := newTestClassifier(t)
	loadForensicFixture(t, eng, ctx)
	require.NoError(t, c.Install(ctx))

	table, err := eng.Aggregate(ctx, engine.AggregateSpec{
		Name:    "clean_fares",
		View:    engine.NewView(CleanView),
		Dims:    []engine.Dimension{engine.Dim("t.period", "period")},
		Metrics: []engine.Metric{engine.CountAll("trips"), engine.Sum("t.fare", "total_fare")},
	})
	require.NoError(t, err)

	require.Len(t, table.Rows, 1)
	assert.Equal(t, []any{"2025-01", int64(1), 14.00}, table.Rows[0])
}

func TestClassifierOnEmptyStore(t *testing.T) {
	c, _, ctx := newTestClassifier(t)
	require.NoError(t, c.Install(ctx))

	summary, err := c.Summarize(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.CleanRows)
	assert.Zero(t, summary.SuspiciousRows)
	assert.Equal(t, int64(0), summary.TagCounts[models.TagImpossiblePhysics])
}
