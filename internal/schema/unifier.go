// Package schema resolves the heterogeneous monthly trip-file layouts into
// the canonical TripRecord shape. Resolution happens once per file against a
// tagged-variant mapping table; row conversion then works from pre-resolved
// column indices only.
package schema

import (
	"strconv"
	"strings"
	"time"

	"congestion-audit/internal/models"
)

// Canonical field names used by variant mapping rules.
const (
	FieldPickupAt    = "pickup_at"
	FieldDropoffAt   = "dropoff_at"
	FieldPickupZone  = "pickup_zone"
	FieldDropoffZone = "dropoff_zone"
	FieldDistance    = "distance_mi"
	FieldFare        = "fare"
	FieldTip         = "tip"
	FieldSurcharge   = "surcharge"
	FieldTotal       = "total"
	FieldPassengers  = "passengers"
	FieldVendor      = "vendor_id"
)

// requiredFields must all be mappable for a variant to match a header.
var requiredFields = []string{
	FieldPickupAt,
	FieldDropoffAt,
	FieldPickupZone,
	FieldDropoffZone,
	FieldDistance,
	FieldFare,
	FieldTip,
	FieldVendor,
}

// optionalFields default when the source column is absent: surcharge and
// total to zero, passengers to NULL.
var optionalFields = []string{
	FieldSurcharge,
	FieldTotal,
	FieldPassengers,
}

// Variant is one schema family: a cab type plus the source column carrying
// each canonical field.
type Variant struct {
	Name    string            `yaml:"name"`
	CabType string            `yaml:"cab_type"`
	Columns map[string]string `yaml:"columns"`
}

// Unifier holds the resolved variant table for a run.
type Unifier struct {
	variants []Variant
}

// NewUnifier builds a Unifier from the built-in variants plus any extras,
// with extras taking precedence over built-ins of the same shape.
func NewUnifier(extra ...Variant) *Unifier {
	variants := make([]Variant, 0, len(extra)+len(builtinVariants))
	variants = append(variants, extra...)
	variants = append(variants, builtinVariants...)
	return &Unifier{variants: variants}
}

// fieldIndices carries pre-resolved column positions; -1 marks an unmapped
// optional field.
type fieldIndices struct {
	pickupAt    int
	dropoffAt   int
	pickupZone  int
	dropoffZone int
	distance    int
	fare        int
	tip         int
	surcharge   int
	total       int
	passengers  int
	vendor      int
}

// FieldMapping is the per-file resolution result: which variant matched and
// where each canonical field lives in a row.
type FieldMapping struct {
	Variant  string
	CabType  string
	idx      fieldIndices
	maxIndex int
}

// Resolve matches a file header against the variant table and returns the
// projection for that file. It returns a SchemaError naming the closest
// variant's unmappable fields when nothing matches.
func (u *Unifier) Resolve(file string, header []string) (*FieldMapping, error) {
	positions := headerPositions(header)

	var bestMissing []string
	for _, v := range u.variants {
		mapping, missing := resolveVariant(v, positions)
		if len(missing) == 0 {
			return mapping, nil
		}
		if bestMissing == nil || len(missing) < len(bestMissing) {
			bestMissing = missing
		}
	}

	return nil, &models.SchemaError{File: file, Missing: bestMissing}
}

// headerPositions indexes a header by exact name and, as a fallback, by
// lowercase name. The first cell is BOM-stripped: TLC exports occasionally
// carry a UTF-8 byte order mark.
func headerPositions(header []string) map[string]int {
	positions := make(map[string]int, len(header)*2)
	for i, col := range header {
		if i == 0 {
			col = strings.TrimPrefix(col, "\ufeff")
		}
		col = strings.TrimSpace(col)
		if _, dup := positions[col]; !dup {
			positions[col] = i
		}
		lower := strings.ToLower(col)
		if _, dup := positions[lower]; !dup {
			positions[lower] = i
		}
	}
	return positions
}

func resolveVariant(v Variant, positions map[string]int) (*FieldMapping, []string) {
	lookup := func(field string) int {
		src, ok := v.Columns[field]
		if !ok {
			return -1
		}
		if i, ok := positions[src]; ok {
			return i
		}
		if i, ok := positions[strings.ToLower(src)]; ok {
			return i
		}
		return -1
	}

	var missing []string
	for _, f := range requiredFields {
		if lookup(f) < 0 {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return nil, missing
	}

	m := &FieldMapping{
		Variant: v.Name,
		CabType: v.CabType,
		idx: fieldIndices{
			pickupAt:    lookup(FieldPickupAt),
			dropoffAt:   lookup(FieldDropoffAt),
			pickupZone:  lookup(FieldPickupZone),
			dropoffZone: lookup(FieldDropoffZone),
			distance:    lookup(FieldDistance),
			fare:        lookup(FieldFare),
			tip:         lookup(FieldTip),
			surcharge:   lookup(FieldSurcharge),
			total:       lookup(FieldTotal),
			passengers:  lookup(FieldPassengers),
			vendor:      lookup(FieldVendor),
		},
	}

	for _, i := range []int{
		m.idx.pickupAt, m.idx.dropoffAt, m.idx.pickupZone, m.idx.dropoffZone,
		m.idx.distance, m.idx.fare, m.idx.tip, m.idx.surcharge, m.idx.total,
		m.idx.passengers, m.idx.vendor,
	} {
		if i > m.maxIndex {
			m.maxIndex = i
		}
	}

	return m, nil
}

// Apply converts one source row into the canonical shape. Failures return a
// MalformedRecordError; callers drop and count the row.
func (m *FieldMapping) Apply(row []string, file string, line int, period models.Period) (models.TripRecord, error) {
	var trip models.TripRecord

	if len(row) <= m.maxIndex {
		return trip, &models.MalformedRecordError{File: file, Line: line, Reason: "short row"}
	}

	pickup, err := parseTimestamp(row[m.idx.pickupAt])
	if err != nil {
		return trip, &models.MalformedRecordError{File: file, Line: line, Reason: "bad pickup timestamp"}
	}
	if models.PeriodOf(pickup) != period {
		return trip, &models.MalformedRecordError{File: file, Line: line, Reason: "pickup outside file period"}
	}
	dropoff, err := parseTimestamp(row[m.idx.dropoffAt])
	if err != nil {
		return trip, &models.MalformedRecordError{File: file, Line: line, Reason: "bad dropoff timestamp"}
	}

	pickupZone, err := parseInt(row[m.idx.pickupZone])
	if err != nil {
		return trip, &models.MalformedRecordError{File: file, Line: line, Reason: "bad pickup zone"}
	}
	dropoffZone, err := parseInt(row[m.idx.dropoffZone])
	if err != nil {
		return trip, &models.MalformedRecordError{File: file, Line: line, Reason: "bad dropoff zone"}
	}

	distance, err := strconv.ParseFloat(strings.TrimSpace(row[m.idx.distance]), 64)
	if err != nil {
		return trip, &models.MalformedRecordError{File: file, Line: line, Reason: "bad distance"}
	}
	if distance < 0 {
		return trip, &models.MalformedRecordError{File: file, Line: line, Reason: "negative distance"}
	}

	fare, err := strconv.ParseFloat(strings.TrimSpace(row[m.idx.fare]), 64)
	if err != nil {
		return trip, &models.MalformedRecordError{File: file, Line: line, Reason: "bad fare"}
	}

	tip, err := strconv.ParseFloat(strings.TrimSpace(row[m.idx.tip]), 64)
	if err != nil {
		return trip, &models.MalformedRecordError{File: file, Line: line, Reason: "bad tip"}
	}

	vendor, err := parseInt(row[m.idx.vendor])
	if err != nil {
		return trip, &models.MalformedRecordError{File: file, Line: line, Reason: "bad vendor id"}
	}

	trip = models.TripRecord{
		PickupAt:      pickup,
		DropoffAt:     dropoff,
		PickupZone:    pickupZone,
		DropoffZone:   dropoffZone,
		DistanceMiles: distance,
		Fare:          fare,
		Tip:           tip,
		Surcharge:     optionalFloat(row, m.idx.surcharge),
		Total:         optionalFloat(row, m.idx.total),
		VendorID:      vendor,
		CabType:       m.CabType,
		Period:        period,
		Source:        models.SourceReal,
	}

	// Passenger count is informational; keep NULL rather than dropping rows
	// over the float-typed counts some green files carry.
	if m.idx.passengers >= 0 {
		if f, err := strconv.ParseFloat(strings.TrimSpace(row[m.idx.passengers]), 64); err == nil {
			n := int(f)
			trip.Passengers = &n
		}
	}

	return trip, nil
}

func parseTimestamp(s string) (time.Time, error) {
	return time.Parse(models.TimeLayout, strings.TrimSpace(s))
}

// parseInt tolerates the float-formatted integers ("2.0") that appear in
// some source years.
func parseInt(s string) (int, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

// optionalFloat reads a defaulted numeric field: unmapped columns and empty
// cells become zero (the original files leave the surcharge blank before the
// toll era).
func optionalFloat(row []string, idx int) float64 {
	if idx < 0 {
		return 0
	}
	s := strings.TrimSpace(row[idx])
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
