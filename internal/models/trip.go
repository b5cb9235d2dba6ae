package models

import (
	"fmt"
	"time"
)

// TimeLayout is the canonical timestamp format used by source files and the
// on-disk store ("2025-01-03 14:07:55", implicitly UTC).
const TimeLayout = "2006-01-02 15:04:05"

// DateLayout is the canonical calendar-date format ("2025-01-03").
const DateLayout = "2006-01-02"

// Source flags for canonical rows.
const (
	SourceReal    = "real"
	SourceImputed = "imputed"
)

// Cab types unified by the schema mapping layer.
const (
	CabYellow = "yellow"
	CabGreen  = "green"
)

// Zone classifications from the external geographic lookup.
const (
	ZoneInside  = "inside"
	ZoneBorder  = "border"
	ZoneOutside = "outside"
)

// AnomalyTag identifies one forensic audit rule. Tags are evaluated
// independently; a single trip may carry several.
type AnomalyTag string

const (
	TagImpossiblePhysics AnomalyTag = "impossible_physics"
	TagTeleporter        AnomalyTag = "teleporter"
	TagStationaryFare    AnomalyTag = "stationary_fare"
)

// AllAnomalyTags lists the closed tag set in stable order.
var AllAnomalyTags = []AnomalyTag{TagImpossiblePhysics, TagTeleporter, TagStationaryFare}

// MaxPlausibleSpeedMPH is the implied-speed ceiling above which a trip is
// physically impossible for NYC surface streets.
const MaxPlausibleSpeedMPH = 65.0

// Period is a calendar year-month key in "YYYY-MM" form.
type Period string

// ParsePeriod validates and normalizes a "YYYY-MM" period key.
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return "", fmt.Errorf("invalid period %q: expected YYYY-MM", s)
	}
	return Period(t.Format("2006-01")), nil
}

// PeriodOf returns the period containing t.
func PeriodOf(t time.Time) Period {
	return Period(t.UTC().Format("2006-01"))
}

// Start returns the first instant of the period in UTC.
// The period must be well-formed (see ParsePeriod).
func (p Period) Start() time.Time {
	t, _ := time.Parse("2006-01", string(p))
	return t
}

// End returns the first instant of the following month in UTC.
func (p Period) End() time.Time {
	return p.Start().AddDate(0, 1, 0)
}

// MinusYears returns the period n years earlier (same month).
func (p Period) MinusYears(n int) Period {
	return Period(p.Start().AddDate(-n, 0, 0).Format("2006-01"))
}

// Year returns the calendar year of the period.
func (p Period) Year() int {
	return p.Start().Year()
}

// TripRecord is the canonical trip shape after schema unification.
// NULL-able source fields are pointers; everything else defaults on ingest.
type TripRecord struct {
	ID            int64     `json:"id" db:"id"`
	PickupAt      time.Time `json:"pickup_at" db:"pickup_at"`
	DropoffAt     time.Time `json:"dropoff_at" db:"dropoff_at"`
	PickupZone    int       `json:"pickup_zone" db:"pickup_zone"`
	DropoffZone   int       `json:"dropoff_zone" db:"dropoff_zone"`
	DistanceMiles float64   `json:"distance_miles" db:"distance_mi"`
	Fare          float64   `json:"fare" db:"fare"`
	Tip           float64   `json:"tip" db:"tip"`
	Surcharge     float64   `json:"surcharge" db:"surcharge"`
	Total         float64   `json:"total" db:"total"`
	Passengers    *int      `json:"passengers,omitempty" db:"passengers"`
	VendorID      int       `json:"vendor_id" db:"vendor_id"`
	CabType       string    `json:"cab_type" db:"cab_type"`
	Period        Period    `json:"period" db:"period"`
	Source        string    `json:"source" db:"source"`
}

// DurationSeconds returns dropoff minus pickup in seconds. It may be zero or
// negative on unvalidated rows; the audit layer classifies those.
func (t *TripRecord) DurationSeconds() float64 {
	return t.DropoffAt.Sub(t.PickupAt).Seconds()
}

// SpeedMPH returns the implied speed and whether it is defined (positive
// duration).
func (t *TripRecord) SpeedMPH() (float64, bool) {
	d := t.DurationSeconds()
	if d <= 0 {
		return 0, false
	}
	return t.DistanceMiles * 3600.0 / d, true
}

// Zone is one row of the external geographic lookup: a taxi location id with
// its toll-zone classification and centroid.
type Zone struct {
	LocationID int     `json:"location_id" db:"location_id"`
	Name       string  `json:"name" db:"name"`
	Class      string  `json:"class" db:"class"`
	Lat        float64 `json:"lat" db:"lat"`
	Lon        float64 `json:"lon" db:"lon"`
}

// WeatherDay is one row of the external weather reference.
type WeatherDay struct {
	Date     string   `json:"date" db:"date"`
	PrecipMM float64  `json:"precip_mm" db:"precip_mm"`
	TempC    *float64 `json:"temp_c,omitempty" db:"temp_c"`
}

// PeriodVolume is the engine's per-period rollup of the canonical table.
type PeriodVolume struct {
	Period       Period `json:"period" db:"period"`
	RowCount     int64  `json:"row_count" db:"row_count"`
	ImputedCount int64  `json:"imputed_count" db:"imputed_count"`
}

// PeriodCoverage describes one expected year-month of the analysis window.
// Presence is absence-only: any rows at all mark the period present, even when
// the count falls short of the expected lower bound.
type PeriodCoverage struct {
	Period      Period `json:"period"`
	ExpectedMin int64  `json:"expected_min"`
	Present     bool   `json:"present"`
	Imputed     bool   `json:"imputed"`
	RowCount    int64  `json:"row_count"`
}

// AggregateTable is a named flat query result: ordered columns plus rows of
// int64/float64/string/nil values, already grouped and ordered by the engine.
type AggregateTable struct {
	Name    string
	Columns []string
	Rows    [][]any
}

// PeriodIssue records a period skipped during a run and why.
type PeriodIssue struct {
	Period Period `json:"period"`
	Reason string `json:"reason"`
}

// RunReport is the diagnostic summary of one pipeline run.
type RunReport struct {
	RunID          string               `json:"run_id"`
	StartedAt      time.Time            `json:"started_at"`
	Duration       time.Duration        `json:"duration"`
	FilesScanned   int                  `json:"files_scanned"`
	FilesSkipped   int                  `json:"files_skipped"`
	RowsIngested   int64                `json:"rows_ingested"`
	RowsMalformed  int64                `json:"rows_malformed"`
	PeriodsPresent []Period             `json:"periods_present"`
	PeriodsImputed []Period             `json:"periods_imputed"`
	PeriodsSkipped []PeriodIssue        `json:"periods_skipped"`
	ImputedRows    int64                `json:"imputed_rows"`
	AnomalyCounts  map[AnomalyTag]int64 `json:"anomaly_counts"`
	CleanRows      int64                `json:"clean_rows"`
	SuspiciousRows int64                `json:"suspicious_rows"`
	ExportsWritten []string             `json:"exports_written"`
}
