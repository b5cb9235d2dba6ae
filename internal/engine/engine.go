// Package engine owns the canonical on-disk store for the duration of a run
// and executes every aggregation, filter, join, and sample against it under
// the configured memory ceiling. Other components never touch the store
// directly: they build plan values (View, AggregateSpec) and receive only
// aggregated or explicitly sampled results.
package engine

import (
	"context"
	_ "embed"
	"fmt"

	"congestion-audit/internal/models"
	"congestion-audit/pkg/database"
	"congestion-audit/pkg/logging"
	"congestion-audit/pkg/metrics"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = 1

// TripsView is the base canonical relation.
const TripsView = "trips"

// Engine executes plans against the canonical store.
type Engine struct {
	db      *database.SQLiteDB
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// New wires an Engine onto an open store and applies the embedded schema,
// gated on PRAGMA user_version so reopening an existing store is a no-op.
func New(ctx context.Context, db *database.SQLiteDB, logger *logging.StructuredLogger, collector *metrics.Collector) (*Engine, error) {
	e := &Engine{db: db, logger: logger, metrics: collector}

	var version int
	if err := e.db.GetContext(ctx, "schema_version", &version, "PRAGMA user_version"); err != nil {
		return nil, e.wrap("read schema version", err)
	}

	if version < schemaVersion {
		if _, err := e.db.ExecContext(ctx, "apply_schema", schemaSQL); err != nil {
			return nil, e.wrap("apply schema", err)
		}
		if _, err := e.db.ExecContext(ctx, "set_schema_version",
			fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
			return nil, e.wrap("set schema version", err)
		}
		logger.Info(ctx, "[ENGINE_INIT] Canonical schema applied", logging.Fields{
			"path":    db.Path(),
			"version": schemaVersion,
		})
	}

	return e, nil
}

// Aggregate compiles and executes one grouped query, returning the complete
// (already cardinality-reduced) result table. Grouping order is ascending by
// key, so identical inputs yield identical tables.
func (e *Engine) Aggregate(ctx context.Context, spec AggregateSpec) (*models.AggregateTable, error) {
	query, args, err := compileAggregate(spec)
	if err != nil {
		return nil, err
	}

	rows, err := e.db.QueryContext(ctx, spec.Name, query, args...)
	if err != nil {
		return nil, e.wrap("aggregate "+spec.Name, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, e.wrap("aggregate "+spec.Name, err)
	}

	table := &models.AggregateTable{
		Name:    spec.Name,
		Columns: cols,
		Rows:    [][]any{},
	}

	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, e.wrap("aggregate "+spec.Name, err)
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		table.Rows = append(table.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, e.wrap("aggregate "+spec.Name, err)
	}

	return table, nil
}

// Count executes COUNT(*) over a view.
func (e *Engine) Count(ctx context.Context, name string, v View) (int64, error) {
	query, args, err := compileCount(v, name)
	if err != nil {
		return 0, err
	}

	var n int64
	if err := e.db.GetContext(ctx, name, &n, query, args...); err != nil {
		return 0, e.wrap("count "+name, err)
	}
	return n, nil
}

// Sample returns a reproducible pseudo-random subset of one period's rows.
// The subset is a pure function of (store contents, period, fraction, seed).
func (e *Engine) Sample(ctx context.Context, v View, period models.Period, fraction float64, seed int64) ([]models.TripRecord, error) {
	sampled := v.Filter(
		Eq("t.period", string(period)),
		samplePredicate(fraction, seed),
	)

	query, args, err := compileSample(sampled, "sample")
	if err != nil {
		return nil, err
	}

	trips := []models.TripRecord{}
	if err := e.db.SelectContext(ctx, "sample", &trips, query, args...); err != nil {
		return nil, e.wrap("sample "+string(period), err)
	}
	return trips, nil
}

// ShiftedSampleSpec describes one donor draw for period synthesis: sample
// real donor rows by seeded hash and insert copies shifted forward ShiftDays,
// folded by ±7 days so every synthesized timestamp lands inside the target
// period with its weekday preserved. Imputed rows are never donor material.
type ShiftedSampleSpec struct {
	DonorPeriod  models.Period
	TargetPeriod models.Period
	ShiftDays    int
	Fraction     float64
	Seed         int64
}

// insertShiftedSQL folds the shifted pickup into the target month and moves
// the dropoff by the same per-row offset, preserving exact durations. The
// fold direction is decided on the pickup for both columns.
const insertShiftedSQL = `
INSERT INTO trips (pickup_at, dropoff_at, pickup_zone, dropoff_zone, distance_mi,
                   fare, tip, surcharge, total, passengers, vendor_id, cab_type,
                   period, source)
SELECT
    CASE
        WHEN datetime(t.pickup_at, ?1) < ?4  THEN datetime(t.pickup_at, ?2)
        WHEN datetime(t.pickup_at, ?1) >= ?5 THEN datetime(t.pickup_at, ?3)
        ELSE datetime(t.pickup_at, ?1)
    END,
    CASE
        WHEN datetime(t.pickup_at, ?1) < ?4  THEN datetime(t.dropoff_at, ?2)
        WHEN datetime(t.pickup_at, ?1) >= ?5 THEN datetime(t.dropoff_at, ?3)
        ELSE datetime(t.dropoff_at, ?1)
    END,
    t.pickup_zone, t.dropoff_zone, t.distance_mi, t.fare, t.tip, t.surcharge,
    t.total, t.passengers, t.vendor_id, t.cab_type, ?6, 'imputed'
FROM trips AS t
WHERE t.period = ?7 AND t.source = 'real'
  AND ((t.id * 2654435761 + ?8) % 1000000) < ?9`

// InsertShiftedSample synthesizes rows engine-side: the donor scan, sampling
// predicate, timestamp shift, and insert all run inside the store, so no
// synthetic row ever crosses into process memory.
func (e *Engine) InsertShiftedSample(ctx context.Context, spec ShiftedSampleSpec) (int64, error) {
	if spec.ShiftDays <= 0 || spec.ShiftDays%7 != 0 {
		return 0, fmt.Errorf("shift of %d days would break weekday alignment", spec.ShiftDays)
	}

	fraction := spec.Fraction
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}

	result, err := e.db.ExecContext(ctx, "insert_shifted_sample", insertShiftedSQL,
		fmt.Sprintf("+%d days", spec.ShiftDays),
		fmt.Sprintf("+%d days", spec.ShiftDays+7),
		fmt.Sprintf("+%d days", spec.ShiftDays-7),
		spec.TargetPeriod.Start().Format(models.TimeLayout),
		spec.TargetPeriod.End().Format(models.TimeLayout),
		string(spec.TargetPeriod),
		string(spec.DonorPeriod),
		normalizeSeed(spec.Seed),
		int64(fraction*1e6),
	)
	if err != nil {
		return 0, e.wrap("synthesize "+string(spec.TargetPeriod), err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, e.wrap("synthesize "+string(spec.TargetPeriod), err)
	}
	return rows, nil
}

const insertTripSQL = `
INSERT INTO trips (pickup_at, dropoff_at, pickup_zone, dropoff_zone, distance_mi,
                   fare, tip, surcharge, total, passengers, vendor_id, cab_type,
                   period, source)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// AppendTrips writes one bounded batch inside a single transaction.
// Timestamps are stored in the canonical text layout so that string order,
// strftime, and datetime arithmetic all agree.
func (e *Engine) AppendTrips(ctx context.Context, trips []models.TripRecord) error {
	if len(trips) == 0 {
		return nil
	}

	tx, err := e.db.BeginTx(ctx)
	if err != nil {
		return e.wrap("append trips", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertTripSQL)
	if err != nil {
		return e.wrap("append trips", err)
	}
	defer stmt.Close()

	for i := range trips {
		t := &trips[i]
		_, err := stmt.ExecContext(ctx,
			t.PickupAt.UTC().Format(models.TimeLayout),
			t.DropoffAt.UTC().Format(models.TimeLayout),
			t.PickupZone,
			t.DropoffZone,
			t.DistanceMiles,
			t.Fare,
			t.Tip,
			t.Surcharge,
			t.Total,
			t.Passengers,
			t.VendorID,
			t.CabType,
			string(t.Period),
			t.Source,
		)
		if err != nil {
			return e.wrap("append trips", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return e.wrap("append trips", err)
	}

	e.metrics.IngestBatchSize.Observe(float64(len(trips)))
	return nil
}

// ReplaceZones reloads the geographic reference table.
func (e *Engine) ReplaceZones(ctx context.Context, zones []models.Zone) error {
	tx, err := e.db.BeginTx(ctx)
	if err != nil {
		return e.wrap("replace zones", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM zones"); err != nil {
		return e.wrap("replace zones", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO zones (location_id, name, class, lat, lon) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return e.wrap("replace zones", err)
	}
	defer stmt.Close()

	for _, z := range zones {
		if _, err := stmt.ExecContext(ctx, z.LocationID, z.Name, z.Class, z.Lat, z.Lon); err != nil {
			return e.wrap("replace zones", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return e.wrap("replace zones", err)
	}

	e.logger.Info(ctx, "[ENGINE_REF] Zone lookup loaded", logging.Fields{"zones": len(zones)})
	return nil
}

// ReplaceWeather reloads the weather reference table.
func (e *Engine) ReplaceWeather(ctx context.Context, days []models.WeatherDay) error {
	tx, err := e.db.BeginTx(ctx)
	if err != nil {
		return e.wrap("replace weather", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM weather"); err != nil {
		return e.wrap("replace weather", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO weather (date, precip_mm, temp_c) VALUES (?, ?, ?)")
	if err != nil {
		return e.wrap("replace weather", err)
	}
	defer stmt.Close()

	for _, d := range days {
		if _, err := stmt.ExecContext(ctx, d.Date, d.PrecipMM, d.TempC); err != nil {
			return e.wrap("replace weather", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return e.wrap("replace weather", err)
	}

	e.logger.Info(ctx, "[ENGINE_REF] Weather reference loaded", logging.Fields{"days": len(days)})
	return nil
}

// PeriodVolumes rolls the canonical table up by period: the one aggregation
// behind coverage detection.
func (e *Engine) PeriodVolumes(ctx context.Context) ([]models.PeriodVolume, error) {
	const query = `
SELECT period,
       COUNT(*) AS row_count,
       SUM(CASE WHEN source = 'imputed' THEN 1 ELSE 0 END) AS imputed_count
FROM trips
GROUP BY period
ORDER BY period COLLATE BINARY ASC`

	volumes := []models.PeriodVolume{}
	if err := e.db.SelectContext(ctx, "period_volumes", &volumes, query); err != nil {
		return nil, e.wrap("period volumes", err)
	}
	return volumes, nil
}

// DefineView installs (or replaces) a named SQL view over the canonical
// store. View bodies are fixed statements built from package constants by
// the audit layer; names are validated, values never appear inline.
func (e *Engine) DefineView(ctx context.Context, name, selectSQL string) error {
	if !validIdent(name) {
		return fmt.Errorf("invalid view name %q", name)
	}

	if _, err := e.db.ExecContext(ctx, "define_view", "DROP VIEW IF EXISTS "+name); err != nil {
		return e.wrap("define view "+name, err)
	}
	if _, err := e.db.ExecContext(ctx, "define_view", "CREATE VIEW "+name+" AS "+selectSQL); err != nil {
		return e.wrap("define view "+name, err)
	}

	e.logger.Debug(ctx, "[ENGINE_VIEW] View installed", logging.Fields{"view": name})
	return nil
}

// wrap classifies store failures: an allocation failure beyond the hard heap
// limit is the irreducible-intermediate case and aborts the run; everything
// else is a plain store error.
func (e *Engine) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if database.IsMemoryError(err) {
		return &models.MemoryLimitError{Query: op, Err: err}
	}
	return &models.DatabaseError{Op: op, Err: err}
}
