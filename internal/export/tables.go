package export

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"congestion-audit/internal/audit"
	"congestion-audit/internal/engine"
	"congestion-audit/internal/models"
)

// RainDailyView is the per-date rollup behind the rain exports: one row per
// observed (date, precipitation) with that day's clean trip count. Installed
// once per export run; its body is a fixed statement.
const RainDailyView = "rain_daily"

const rainDailySQL = "SELECT w.date AS date, w.precip_mm AS precip_mm, COUNT(*) AS trips " +
	"FROM " + audit.CleanView + " AS t JOIN weather AS w ON date(t.pickup_at) = w.date " +
	"GROUP BY w.date, w.precip_mm"

// corridorExpr labels a trip by its zone-class transition, e.g. "outside-inside".
const corridorExpr = "pz.class || '-' || dz.class"

// speedExpr is implied speed in mph; the clean view guarantees positive
// durations, so the division is safe.
const speedExpr = "t.distance_mi * 3600.0 / " +
	"(CAST(strftime('%s', t.dropoff_at) AS INTEGER) - CAST(strftime('%s', t.pickup_at) AS INTEGER))"

// tableBuilder produces one export table.
type tableBuilder struct {
	name  string
	build func(ctx context.Context) (*models.AggregateTable, error)
}

// builders returns the full export set in its fixed publication order.
func (e *Exporter) builders() []tableBuilder {
	return []tableBuilder{
		{"leakage_report", e.leakageReport},
		{"q1_decline", e.q1Decline},
		{"suspicious_vendors", e.suspiciousVendors},
		{"border_effect", e.borderEffect},
		{e.velocityName(e.cfg.Year - 1), func(ctx context.Context) (*models.AggregateTable, error) {
			return e.velocity(ctx, e.cfg.Year-1)
		}},
		{e.velocityName(e.cfg.Year), func(ctx context.Context) (*models.AggregateTable, error) {
			return e.velocity(ctx, e.cfg.Year)
		}},
		{"tip_crowding", e.tipCrowding},
		{"rain_data", e.rainData},
		{"rain_stats", e.rainStats},
	}
}

func (e *Exporter) velocityName(year int) string {
	return fmt.Sprintf("velocity_%02d", year%100)
}

// corridorView joins both trip endpoints to the zone reference.
func corridorView(base string) engine.View {
	return engine.NewView(base).
		Join("zones", "pz", "t.pickup_zone", "location_id").
		Join("zones", "dz", "t.dropoff_zone", "location_id")
}

func q1Window(year int) (string, string) {
	start := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(year, time.April, 1, 0, 0, 0, 0, time.UTC)
	return start.Format(models.TimeLayout), end.Format(models.TimeLayout)
}

// dateWindow bounds one calendar year in the reference date format.
func dateWindow(year int) (string, string) {
	start := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(year+1, time.January, 1, 0, 0, 0, 0, time.UTC)
	return start.Format(models.DateLayout), end.Format(models.DateLayout)
}

// bothQ1Windows matches the prior-year and analysis-year first quarters.
func (e *Exporter) bothQ1Windows() engine.Predicate {
	preStart, preEnd := q1Window(e.cfg.Year - 1)
	postStart, postEnd := q1Window(e.cfg.Year)
	return engine.Expr(
		"(t.pickup_at >= ? AND t.pickup_at < ?) OR (t.pickup_at >= ? AND t.pickup_at < ?)",
		preStart, preEnd, postStart, postEnd,
	)
}

// leakageReport: toll-era trips entering the zone, per period and vendor,
// with the share that paid no congestion surcharge.
func (e *Exporter) leakageReport(ctx context.Context) (*models.AggregateTable, error) {
	tollStart := e.cfg.TollStartTime().Format(models.TimeLayout)

	return e.engine.Aggregate(ctx, engine.AggregateSpec{
		Name: "leakage_report",
		View: corridorView(audit.CleanView).Filter(
			engine.Expr("pz.class <> ?", models.ZoneInside),
			engine.Eq("dz.class", models.ZoneInside),
			engine.Gte("t.pickup_at", tollStart),
		),
		Dims: []engine.Dimension{
			engine.Dim("t.period", "period"),
			engine.Dim("t.vendor_id", "vendor"),
		},
		Metrics: []engine.Metric{
			engine.CountAll("zone_trips"),
			{Expr: "SUM(CASE WHEN t.surcharge = 0 THEN 1 ELSE 0 END)", As: "untolled_trips"},
			{Expr: "100.0 * SUM(CASE WHEN t.surcharge = 0 THEN 1 ELSE 0 END) / COUNT(*)", As: "leakage_pct"},
		},
	})
}

// q1Decline: corridor volumes for both first quarters, with year-over-year
// change attached to the analysis year. The pivot runs over the already
// aggregated (bounded) corridor table.
func (e *Exporter) q1Decline(ctx context.Context) (*models.AggregateTable, error) {
	table, err := e.engine.Aggregate(ctx, engine.AggregateSpec{
		Name: "q1_decline_volumes",
		View: corridorView(audit.CleanView).Filter(e.bothQ1Windows()),
		Dims: []engine.Dimension{
			engine.Dim(corridorExpr, "corridor"),
			engine.Dim("CAST(strftime('%Y', t.pickup_at) AS INTEGER)", "year"),
		},
		Metrics: []engine.Metric{engine.CountAll("trips")},
	})
	if err != nil {
		return nil, err
	}

	type volumes struct{ pre, post int64 }
	byCorridor := map[string]*volumes{}
	for _, row := range table.Rows {
		corridor, _ := row[0].(string)
		year, _ := row[1].(int64)
		trips, _ := row[2].(int64)
		v := byCorridor[corridor]
		if v == nil {
			v = &volumes{}
			byCorridor[corridor] = v
		}
		if int(year) == e.cfg.Year {
			v.post = trips
		} else {
			v.pre = trips
		}
	}

	corridors := make([]string, 0, len(byCorridor))
	for c := range byCorridor {
		corridors = append(corridors, c)
	}
	sort.Strings(corridors)

	out := &models.AggregateTable{
		Name:    "q1_decline",
		Columns: []string{"corridor", "year", "trips", "change_pct"},
		Rows:    [][]any{},
	}
	for _, c := range corridors {
		v := byCorridor[c]
		if v.pre > 0 {
			out.Rows = append(out.Rows, []any{c, int64(e.cfg.Year - 1), v.pre, nil})
		}
		// The analysis-year row always appears once the corridor has any
		// baseline: a corridor that vanished is a 100% decline, not a gap.
		var change any
		if v.pre > 0 {
			change = 100.0 * float64(v.post-v.pre) / float64(v.pre)
		}
		out.Rows = append(out.Rows, []any{c, int64(e.cfg.Year), v.post, change})
	}
	return out, nil
}

// suspiciousVendors: the forensic split per vendor and tag.
func (e *Exporter) suspiciousVendors(ctx context.Context) (*models.AggregateTable, error) {
	return e.engine.Aggregate(ctx, engine.AggregateSpec{
		Name: "suspicious_vendors",
		View: engine.NewView(audit.SuspiciousView),
		Dims: []engine.Dimension{
			engine.Dim("t.vendor_id", "vendor"),
			engine.Dim("t.anomaly_tag", "anomaly_tag"),
		},
		Metrics: []engine.Metric{engine.CountAll("trips")},
	})
}

// borderEffect: Q1 drop-off volume into border-class locations, prior year
// vs analysis year, pivoted per location.
func (e *Exporter) borderEffect(ctx context.Context) (*models.AggregateTable, error) {
	table, err := e.engine.Aggregate(ctx, engine.AggregateSpec{
		Name: "border_effect_volumes",
		View: engine.NewView(audit.CleanView).
			Join("zones", "dz", "t.dropoff_zone", "location_id").
			Filter(
				engine.Eq("dz.class", models.ZoneBorder),
				e.bothQ1Windows(),
			),
		Dims: []engine.Dimension{
			engine.Dim("dz.location_id", "location_id"),
			engine.Dim("dz.name", "zone_name"),
			engine.Dim("CAST(strftime('%Y', t.pickup_at) AS INTEGER)", "year"),
		},
		Metrics: []engine.Metric{engine.CountAll("dropoffs")},
	})
	if err != nil {
		return nil, err
	}

	type entry struct {
		name      string
		pre, post int64
	}
	byLocation := map[int64]*entry{}
	var order []int64
	for _, row := range table.Rows {
		id, _ := row[0].(int64)
		name, _ := row[1].(string)
		year, _ := row[2].(int64)
		dropoffs, _ := row[3].(int64)

		loc := byLocation[id]
		if loc == nil {
			loc = &entry{name: name}
			byLocation[id] = loc
			order = append(order, id)
		}
		if int(year) == e.cfg.Year {
			loc.post = dropoffs
		} else {
			loc.pre = dropoffs
		}
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	out := &models.AggregateTable{
		Name:    "border_effect",
		Columns: []string{"location_id", "zone_name", "dropoffs_pre", "dropoffs_post", "change_pct"},
		Rows:    [][]any{},
	}
	for _, id := range order {
		loc := byLocation[id]
		var change any
		if loc.pre > 0 {
			change = 100.0 * float64(loc.post-loc.pre) / float64(loc.pre)
		}
		out.Rows = append(out.Rows, []any{id, loc.name, loc.pre, loc.post, change})
	}
	return out, nil
}

// velocity: mean implied speed per corridor and pickup hour for one Q1.
func (e *Exporter) velocity(ctx context.Context, year int) (*models.AggregateTable, error) {
	start, end := q1Window(year)

	table, err := e.engine.Aggregate(ctx, engine.AggregateSpec{
		Name: "velocity_by_hour",
		View: corridorView(audit.CleanView).Filter(
			engine.Gte("t.pickup_at", start),
			engine.Lt("t.pickup_at", end),
		),
		Dims: []engine.Dimension{
			engine.Dim(corridorExpr, "corridor"),
			engine.Dim("CAST(strftime('%H', t.pickup_at) AS INTEGER)", "hour"),
		},
		Metrics: []engine.Metric{engine.Avg(speedExpr, "mean_speed_mph")},
	})
	if err != nil {
		return nil, err
	}
	table.Name = e.velocityName(year)
	return table, nil
}

// tipCrowding: toll-era mean tip percentage by period and zone flag. The
// contract orders mean_tip_pct before zone_flag, so the grouped columns are
// reordered after aggregation.
func (e *Exporter) tipCrowding(ctx context.Context) (*models.AggregateTable, error) {
	tollStart := e.cfg.TollStartTime().Format(models.TimeLayout)

	table, err := e.engine.Aggregate(ctx, engine.AggregateSpec{
		Name: "tip_crowding",
		View: corridorView(audit.CleanView).Filter(
			engine.Gte("t.pickup_at", tollStart),
			engine.Gt("t.fare", 0.0),
		),
		Dims: []engine.Dimension{
			engine.Dim("t.period", "period"),
			engine.Dim("CASE WHEN pz.class = 'inside' OR dz.class = 'inside' THEN 'inside' ELSE 'outside' END", "zone_flag"),
		},
		Metrics: []engine.Metric{engine.Avg("t.tip / t.fare * 100.0", "mean_tip_pct")},
	})
	if err != nil {
		return nil, err
	}

	out := &models.AggregateTable{
		Name:    "tip_crowding",
		Columns: []string{"period", "mean_tip_pct", "zone_flag"},
		Rows:    make([][]any, 0, len(table.Rows)),
	}
	for _, row := range table.Rows {
		out.Rows = append(out.Rows, []any{row[0], row[2], row[1]})
	}
	return out, nil
}

// rainData: the analysis-year daily series, straight off the rain view.
func (e *Exporter) rainData(ctx context.Context) (*models.AggregateTable, error) {
	start, end := dateWindow(e.cfg.Year)

	return e.engine.Aggregate(ctx, engine.AggregateSpec{
		Name: "rain_data",
		View: engine.NewView(RainDailyView).Filter(
			engine.Gte("t.date", start),
			engine.Lt("t.date", end),
		),
		Dims: []engine.Dimension{
			engine.Dim("t.date", "date"),
			engine.Dim("t.precip_mm", "precip_mm"),
		},
		Metrics: []engine.Metric{engine.Sum("t.trips", "trips")},
	})
}

// rainStats: Pearson correlation between daily precipitation and trip count.
// The engine reduces the daily series to one row of sums; only that row and
// the final coefficient exist in process memory.
func (e *Exporter) rainStats(ctx context.Context) (*models.AggregateTable, error) {
	start, end := dateWindow(e.cfg.Year)

	table, err := e.engine.Aggregate(ctx, engine.AggregateSpec{
		Name: "rain_stats_sums",
		View: engine.NewView(RainDailyView).Filter(
			engine.Gte("t.date", start),
			engine.Lt("t.date", end),
		),
		Metrics: []engine.Metric{
			engine.CountAll("days"),
			{Expr: "SUM(t.precip_mm)", As: "sum_x"},
			{Expr: "SUM(t.trips)", As: "sum_y"},
			{Expr: "SUM(t.precip_mm * t.trips)", As: "sum_xy"},
			{Expr: "SUM(t.precip_mm * t.precip_mm)", As: "sum_xx"},
			{Expr: "SUM(t.trips * t.trips)", As: "sum_yy"},
		},
	})
	if err != nil {
		return nil, err
	}

	out := &models.AggregateTable{
		Name:    "rain_stats",
		Columns: []string{"days", "pearson_r"},
		Rows:    [][]any{},
	}
	if len(table.Rows) != 1 {
		return out, nil
	}

	row := table.Rows[0]
	n, _ := row[0].(int64)
	if n == 0 {
		out.Rows = append(out.Rows, []any{int64(0), nil})
		return out, nil
	}

	sx := asFloat(row[1])
	sy := asFloat(row[2])
	sxy := asFloat(row[3])
	sxx := asFloat(row[4])
	syy := asFloat(row[5])

	nf := float64(n)
	denom := math.Sqrt((nf*sxx - sx*sx) * (nf*syy - sy*sy))
	var r any
	if denom > 0 {
		r = (nf*sxy - sx*sy) / denom
	}
	out.Rows = append(out.Rows, []any{n, r})
	return out, nil
}

// asFloat widens the engine's numeric scan types; SUM over an integer column
// comes back int64, over a real column float64.
func asFloat(v any) float64 {
	switch x := v.(type) {
	case int64:
		return float64(x)
	case float64:
		return x
	default:
		return 0
	}
}
