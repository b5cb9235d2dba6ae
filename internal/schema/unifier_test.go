package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"congestion-audit/internal/models"
)

var yellowHeader = []string{
	"VendorID", "tpep_pickup_datetime", "tpep_dropoff_datetime", "passenger_count",
	"trip_distance", "RatecodeID", "store_and_fwd_flag", "PULocationID", "DOLocationID",
	"payment_type", "fare_amount", "extra", "mta_tax", "tip_amount", "tolls_amount",
	"improvement_surcharge", "total_amount", "congestion_surcharge", "Airport_fee",
}

func yellowRow() []string {
	return []string{
		"2", "2025-01-15 08:30:00", "2025-01-15 08:45:00", "1",
		"3.2", "1", "N", "161", "237",
		"1", "18.40", "1.0", "0.5", "4.10", "0.0",
		"1.0", "26.75", "2.75", "0.0",
	}
}

func TestUnifier_Resolve(t *testing.T) {
	u := NewUnifier()

	t.Run("yellow header with BOM", func(t *testing.T) {
		header := append([]string{}, yellowHeader...)
		header[0] = "\ufeff" + header[0]

		m, err := u.Resolve("yellow_tripdata_2025-01.csv", header)
		require.NoError(t, err)
		assert.Equal(t, "tlc_yellow", m.Variant)
		assert.Equal(t, models.CabYellow, m.CabType)
	})

	t.Run("green header", func(t *testing.T) {
		header := []string{
			"VendorID", "lpep_pickup_datetime", "lpep_dropoff_datetime", "store_and_fwd_flag",
			"RatecodeID", "PULocationID", "DOLocationID", "passenger_count", "trip_distance",
			"fare_amount", "extra", "mta_tax", "tip_amount", "tolls_amount",
			"improvement_surcharge", "total_amount", "payment_type", "trip_type", "congestion_surcharge",
		}
		m, err := u.Resolve("green_tripdata_2025-01.csv", header)
		require.NoError(t, err)
		assert.Equal(t, "tlc_green", m.Variant)
		assert.Equal(t, models.CabGreen, m.CabType)
	})

	t.Run("case-insensitive fallback", func(t *testing.T) {
		header := []string{
			"vendorid", "tpep_pickup_datetime", "tpep_dropoff_datetime",
			"pulocationid", "dolocationid", "trip_distance", "fare_amount", "tip_amount",
		}
		m, err := u.Resolve("yellow_tripdata_2024-03.csv", header)
		require.NoError(t, err)
		assert.Equal(t, "tlc_yellow", m.Variant)
	})

	t.Run("extra variant takes precedence", func(t *testing.T) {
		custom := Variant{
			Name:    "depot_export",
			CabType: "yellow",
			Columns: map[string]string{
				FieldPickupAt:    "tpep_pickup_datetime",
				FieldDropoffAt:   "tpep_dropoff_datetime",
				FieldPickupZone:  "PULocationID",
				FieldDropoffZone: "DOLocationID",
				FieldDistance:    "trip_distance",
				FieldFare:        "fare_amount",
				FieldTip:         "tip_amount",
				FieldVendor:      "VendorID",
			},
		}
		m, err := NewUnifier(custom).Resolve("yellow_tripdata_2025-01.csv", yellowHeader)
		require.NoError(t, err)
		assert.Equal(t, "depot_export", m.Variant)
	})

	t.Run("unmappable header fails with SchemaError", func(t *testing.T) {
		header := []string{"start", "end", "from", "to", "miles", "cost"}
		_, err := u.Resolve("mystery_2025-01.csv", header)
		require.Error(t, err)

		var se *models.SchemaError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "mystery_2025-01.csv", se.File)
		assert.NotEmpty(t, se.Missing)
	})
}

func TestFieldMapping_Apply(t *testing.T) {
	u := NewUnifier()
	m, err := u.Resolve("yellow_tripdata_2025-01.csv", yellowHeader)
	require.NoError(t, err)

	period := models.Period("2025-01")

	t.Run("valid row", func(t *testing.T) {
		trip, err := m.Apply(yellowRow(), "yellow_tripdata_2025-01.csv", 2, period)
		require.NoError(t, err)

		assert.Equal(t, 2, trip.VendorID)
		assert.Equal(t, 161, trip.PickupZone)
		assert.Equal(t, 237, trip.DropoffZone)
		assert.Equal(t, 3.2, trip.DistanceMiles)
		assert.Equal(t, 18.40, trip.Fare)
		assert.Equal(t, 4.10, trip.Tip)
		assert.Equal(t, 2.75, trip.Surcharge)
		assert.Equal(t, 26.75, trip.Total)
		assert.Equal(t, models.CabYellow, trip.CabType)
		assert.Equal(t, period, trip.Period)
		assert.Equal(t, models.SourceReal, trip.Source)
		require.NotNil(t, trip.Passengers)
		assert.Equal(t, 1, *trip.Passengers)
		assert.Equal(t, 900.0, trip.DurationSeconds())
	})

	t.Run("short row", func(t *testing.T) {
		_, err := m.Apply([]string{"2", "2025-01-15 08:30:00"}, "f.csv", 3, period)
		assertMalformed(t, err, "short row")
	})

	t.Run("bad pickup timestamp", func(t *testing.T) {
		row := yellowRow()
		row[1] = "01/15/2025 08:30"
		_, err := m.Apply(row, "f.csv", 4, period)
		assertMalformed(t, err, "bad pickup timestamp")
	})

	t.Run("negative distance", func(t *testing.T) {
		row := yellowRow()
		row[4] = "-1.0"
		_, err := m.Apply(row, "f.csv", 5, period)
		assertMalformed(t, err, "negative distance")
	})

	t.Run("pickup outside file period", func(t *testing.T) {
		row := yellowRow()
		row[1], row[2] = "2024-12-31 23:58:00", "2025-01-01 00:20:00"
		_, err := m.Apply(row, "f.csv", 5, period)
		assertMalformed(t, err, "pickup outside file period")
	})

	t.Run("negative fare is allowed pre-audit", func(t *testing.T) {
		row := yellowRow()
		row[10] = "-18.40"
		trip, err := m.Apply(row, "f.csv", 6, period)
		require.NoError(t, err)
		assert.Equal(t, -18.40, trip.Fare)
	})

	t.Run("dropoff before pickup is kept for the audit layer", func(t *testing.T) {
		row := yellowRow()
		row[1], row[2] = "2025-01-15 09:00:00", "2025-01-15 08:45:00"
		trip, err := m.Apply(row, "f.csv", 7, period)
		require.NoError(t, err)
		assert.Negative(t, trip.DurationSeconds())
	})

	t.Run("empty surcharge defaults to zero", func(t *testing.T) {
		row := yellowRow()
		row[17] = ""
		trip, err := m.Apply(row, "f.csv", 8, period)
		require.NoError(t, err)
		assert.Zero(t, trip.Surcharge)
	})

	t.Run("float passenger count", func(t *testing.T) {
		row := yellowRow()
		row[3] = "2.0"
		trip, err := m.Apply(row, "f.csv", 9, period)
		require.NoError(t, err)
		require.NotNil(t, trip.Passengers)
		assert.Equal(t, 2, *trip.Passengers)
	})

	t.Run("unparseable passenger count becomes NULL", func(t *testing.T) {
		row := yellowRow()
		row[3] = "n/a"
		trip, err := m.Apply(row, "f.csv", 10, period)
		require.NoError(t, err)
		assert.Nil(t, trip.Passengers)
	})
}

func TestFieldMapping_ApplyWithoutOptionalColumns(t *testing.T) {
	header := []string{
		"VendorID", "tpep_pickup_datetime", "tpep_dropoff_datetime",
		"PULocationID", "DOLocationID", "trip_distance", "fare_amount", "tip_amount",
	}
	u := NewUnifier()
	m, err := u.Resolve("yellow_tripdata_2018-06.csv", header)
	require.NoError(t, err)

	row := []string{"1", "2018-06-02 10:00:00", "2018-06-02 10:20:00", "100", "103", "2.5", "12.00", "2.00"}
	trip, err := m.Apply(row, "yellow_tripdata_2018-06.csv", 2, models.Period("2018-06"))
	require.NoError(t, err)

	assert.Zero(t, trip.Surcharge)
	assert.Zero(t, trip.Total)
	assert.Nil(t, trip.Passengers)
}

func TestLoadVariantsFile(t *testing.T) {
	t.Run("valid rules file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "mappings.yaml")
		rules := `
variants:
  - name: fhv_2025
    cab_type: yellow
    columns:
      pickup_at: pickup_datetime
      dropoff_at: dropoff_datetime
      pickup_zone: PUlocationID
      dropoff_zone: DOlocationID
      distance_mi: trip_miles
      fare: base_passenger_fare
      tip: tips
      vendor_id: dispatching_base_num
`
		require.NoError(t, os.WriteFile(path, []byte(rules), 0o644))

		variants, err := LoadVariantsFile(path)
		require.NoError(t, err)
		require.Len(t, variants, 1)
		assert.Equal(t, "fhv_2025", variants[0].Name)
	})

	t.Run("missing required field", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "mappings.yaml")
		rules := `
variants:
  - name: broken
    cab_type: yellow
    columns:
      pickup_at: a
`
		require.NoError(t, os.WriteFile(path, []byte(rules), 0o644))

		_, err := LoadVariantsFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "required field")
	})
}

func assertMalformed(t *testing.T, err error, reason string) {
	t.Helper()
	require.Error(t, err)
	var me *models.MalformedRecordError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, reason, me.Reason)
}
