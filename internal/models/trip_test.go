package models

import (
	"fmt"
	"testing"
	"time"
)

func TestParsePeriod(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Period
		wantErr bool
	}{
		{name: "valid period", input: "2025-12", want: Period("2025-12")},
		{name: "valid january", input: "2023-01", want: Period("2023-01")},
		{name: "missing month", input: "2025", wantErr: true},
		{name: "month out of range", input: "2025-13", wantErr: true},
		{name: "full date", input: "2025-12-01", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePeriod(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParsePeriod(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParsePeriod(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestPeriod_Bounds(t *testing.T) {
	p := Period("2025-12")

	wantStart := time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)
	if !p.Start().Equal(wantStart) {
		t.Errorf("Start() = %v, want %v", p.Start(), wantStart)
	}

	wantEnd := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if !p.End().Equal(wantEnd) {
		t.Errorf("End() = %v, want %v", p.End(), wantEnd)
	}

	if got := p.MinusYears(1); got != Period("2024-12") {
		t.Errorf("MinusYears(1) = %v, want 2024-12", got)
	}
	if got := p.MinusYears(2); got != Period("2023-12") {
		t.Errorf("MinusYears(2) = %v, want 2023-12", got)
	}
	if got := p.Year(); got != 2025 {
		t.Errorf("Year() = %v, want 2025", got)
	}

	if got := PeriodOf(time.Date(2025, 3, 31, 23, 59, 59, 0, time.UTC)); got != Period("2025-03") {
		t.Errorf("PeriodOf() = %v, want 2025-03", got)
	}
}

func TestTripRecord_SpeedMPH(t *testing.T) {
	pickup := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		trip     TripRecord
		wantMPH  float64
		wantOK   bool
	}{
		{
			name: "one mile in one minute is 60 mph",
			trip: TripRecord{
				PickupAt:      pickup,
				DropoffAt:     pickup.Add(time.Minute),
				DistanceMiles: 1.0,
			},
			wantMPH: 60.0,
			wantOK:  true,
		},
		{
			name: "ten miles in half an hour is 20 mph",
			trip: TripRecord{
				PickupAt:      pickup,
				DropoffAt:     pickup.Add(30 * time.Minute),
				DistanceMiles: 10.0,
			},
			wantMPH: 20.0,
			wantOK:  true,
		},
		{
			name: "zero duration is undefined",
			trip: TripRecord{
				PickupAt:      pickup,
				DropoffAt:     pickup,
				DistanceMiles: 2.0,
			},
			wantOK: false,
		},
		{
			name: "negative duration is undefined",
			trip: TripRecord{
				PickupAt:      pickup,
				DropoffAt:     pickup.Add(-time.Minute),
				DistanceMiles: 2.0,
			},
			wantOK: false,
		},
		{
			name: "zero distance with positive duration is 0 mph",
			trip: TripRecord{
				PickupAt:      pickup,
				DropoffAt:     pickup.Add(5 * time.Minute),
				DistanceMiles: 0,
			},
			wantMPH: 0,
			wantOK:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.trip.SpeedMPH()
			if ok != tt.wantOK {
				t.Errorf("SpeedMPH() ok = %v, want %v", ok, tt.wantOK)
				return
			}
			if ok && got != tt.wantMPH {
				t.Errorf("SpeedMPH() = %v, want %v", got, tt.wantMPH)
			}
		})
	}
}

func TestErrorTaxonomy(t *testing.T) {
	schemaErr := &SchemaError{File: "yellow_tripdata_2025-01.csv", Missing: []string{"pickup_at", "fare"}}
	if schemaErr.IsTransient() {
		t.Error("SchemaError should not be transient")
	}
	if !IsSchemaError(fmt.Errorf("ingest: %w", schemaErr)) {
		t.Error("IsSchemaError should match wrapped SchemaError")
	}

	histErr := &InsufficientHistoryError{Period: "2025-12", MissingDonor: "2023-12"}
	if !IsInsufficientHistory(fmt.Errorf("impute: %w", histErr)) {
		t.Error("IsInsufficientHistory should match wrapped error")
	}
	if IsInsufficientHistory(schemaErr) {
		t.Error("IsInsufficientHistory should not match SchemaError")
	}

	memErr := &MemoryLimitError{Query: "aggregate velocity_25", Err: fmt.Errorf("out of memory")}
	if !IsMemoryLimit(fmt.Errorf("engine: %w", memErr)) {
		t.Error("IsMemoryLimit should match wrapped error")
	}

	malErr := &MalformedRecordError{File: "green_tripdata_2025-02.csv", Line: 42, Reason: "bad timestamp"}
	if !IsMalformedRecord(malErr) {
		t.Error("IsMalformedRecord should match directly")
	}

	dbErr := &DatabaseError{Op: "append trips", Err: fmt.Errorf("database is locked")}
	if !dbErr.IsTransient() {
		t.Error("locked database should be transient")
	}
	dbErr2 := &DatabaseError{Op: "append trips", Err: fmt.Errorf("constraint failed")}
	if dbErr2.IsTransient() {
		t.Error("constraint failure should not be transient")
	}
}
