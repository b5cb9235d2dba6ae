// Package audit classifies canonical trips with independent forensic
// predicates and installs the clean/suspicious views every downstream
// aggregate reads. Rows are classified, never mutated: a trip can carry
// several tags, and the tag logic lives in fixed SQL expressions evaluated
// engine-side.
package audit

import (
	"context"
	"strconv"

	"congestion-audit/internal/engine"
	"congestion-audit/internal/models"
	"congestion-audit/pkg/logging"
	"congestion-audit/pkg/metrics"
)

// Installed view names.
const (
	CleanView      = "clean_trips"
	SuspiciousView = "suspicious_trips"
)

// Teleporter thresholds: a trip under a minute charging over twenty dollars.
const (
	teleporterMaxSeconds = 60
	teleporterMinFare    = 20.0
)

// durExpr is trip duration in seconds, computed from the canonical text
// timestamps. q qualifies column references ("t." or "").
func durExpr(q string) string {
	return "(CAST(strftime('%s', " + q + "dropoff_at) AS INTEGER) - " +
		"CAST(strftime('%s', " + q + "pickup_at) AS INTEGER))"
}

// physicsExpr: implied speed above the plausible ceiling, with zero or
// negative duration impossible by definition. The OR short-circuits, so the
// division only runs on positive durations.
func physicsExpr(q string) string {
	d := durExpr(q)
	limit := strconv.FormatFloat(models.MaxPlausibleSpeedMPH, 'f', 1, 64)
	return "(" + d + " <= 0 OR " + q + "distance_mi * 3600.0 / " + d + " > " + limit + ")"
}

func teleporterExpr(q string) string {
	return "(" + durExpr(q) + " < " + strconv.Itoa(teleporterMaxSeconds) +
		" AND " + q + "fare > " + strconv.FormatFloat(teleporterMinFare, 'f', 1, 64) + ")"
}

func stationaryExpr(q string) string {
	return "(" + q + "distance_mi = 0.0 AND " + q + "fare > 0.0)"
}

// anyTagExpr matches trips carrying at least one tag.
func anyTagExpr(q string) string {
	return "(" + physicsExpr(q) + " OR " + teleporterExpr(q) + " OR " + stationaryExpr(q) + ")"
}

// Classifier installs and summarizes the forensic views.
type Classifier struct {
	engine  *engine.Engine
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewClassifier wires a Classifier onto the engine.
func NewClassifier(eng *engine.Engine, logger *logging.StructuredLogger, collector *metrics.Collector) *Classifier {
	return &Classifier{engine: eng, logger: logger, metrics: collector}
}

// Install (re)creates the clean and suspicious views over the gap-filled
// canonical table. clean_trips carries zero tags; suspicious_trips holds one
// row per (trip, tag) with the tag enumerated.
func (c *Classifier) Install(ctx context.Context) error {
	cleanSQL := "SELECT * FROM trips WHERE NOT " + anyTagExpr("")

	suspiciousSQL := "SELECT t.*, '" + string(models.TagImpossiblePhysics) + "' AS anomaly_tag FROM trips AS t WHERE " + physicsExpr("t.") +
		" UNION ALL SELECT t.*, '" + string(models.TagTeleporter) + "' AS anomaly_tag FROM trips AS t WHERE " + teleporterExpr("t.") +
		" UNION ALL SELECT t.*, '" + string(models.TagStationaryFare) + "' AS anomaly_tag FROM trips AS t WHERE " + stationaryExpr("t.")

	if err := c.engine.DefineView(ctx, CleanView, cleanSQL); err != nil {
		return err
	}
	if err := c.engine.DefineView(ctx, SuspiciousView, suspiciousSQL); err != nil {
		return err
	}

	c.logger.Info(ctx, "[AUDIT_VIEWS] Forensic views installed", logging.Fields{
		"clean":      CleanView,
		"suspicious": SuspiciousView,
	})
	return nil
}

// Summary reports the forensic split of the canonical table.
type Summary struct {
	TagCounts      map[models.AnomalyTag]int64
	CleanRows      int64
	SuspiciousRows int64
}

// Summarize counts rows per tag and the clean/suspicious totals. Three
// aggregations, no row transfer. SuspiciousRows counts distinct trips, so
// multi-tagged trips are not double-counted.
func (c *Classifier) Summarize(ctx context.Context) (*Summary, error) {
	table, err := c.engine.Aggregate(ctx, engine.AggregateSpec{
		Name:    "audit_tag_counts",
		View:    engine.NewView(SuspiciousView),
		Dims:    []engine.Dimension{engine.Dim("t.anomaly_tag", "anomaly_tag")},
		Metrics: []engine.Metric{engine.CountAll("trips")},
	})
	if err != nil {
		return nil, err
	}

	summary := &Summary{TagCounts: make(map[models.AnomalyTag]int64, len(models.AllAnomalyTags))}
	for _, tag := range models.AllAnomalyTags {
		summary.TagCounts[tag] = 0
	}
	for _, row := range table.Rows {
		tag, _ := row[0].(string)
		n, _ := row[1].(int64)
		summary.TagCounts[models.AnomalyTag(tag)] = n
		c.metrics.RecordAuditTag(tag, n)
	}

	if summary.CleanRows, err = c.engine.Count(ctx, "audit_clean_total", engine.NewView(CleanView)); err != nil {
		return nil, err
	}

	tagged := engine.NewView(engine.TripsView).Filter(engine.Expr(anyTagExpr("t.")))
	if summary.SuspiciousRows, err = c.engine.Count(ctx, "audit_suspicious_total", tagged); err != nil {
		return nil, err
	}

	c.logger.Info(ctx, "[AUDIT_DONE] Canonical table classified", logging.Fields{
		"clean_rows":      summary.CleanRows,
		"suspicious_rows": summary.SuspiciousRows,
	})
	return summary, nil
}
