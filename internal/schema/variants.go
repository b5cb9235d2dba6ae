package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// builtinVariants covers the schema families observed in the public TLC
// archives: yellow-cab (tpep) and green-cab (lpep) exports, plus a
// passthrough for files already in canonical form.
var builtinVariants = []Variant{
	{
		Name:    "tlc_yellow",
		CabType: "yellow",
		Columns: map[string]string{
			FieldPickupAt:    "tpep_pickup_datetime",
			FieldDropoffAt:   "tpep_dropoff_datetime",
			FieldPickupZone:  "PULocationID",
			FieldDropoffZone: "DOLocationID",
			FieldDistance:    "trip_distance",
			FieldFare:        "fare_amount",
			FieldTip:         "tip_amount",
			FieldSurcharge:   "congestion_surcharge",
			FieldTotal:       "total_amount",
			FieldPassengers:  "passenger_count",
			FieldVendor:      "VendorID",
		},
	},
	{
		Name:    "tlc_green",
		CabType: "green",
		Columns: map[string]string{
			FieldPickupAt:    "lpep_pickup_datetime",
			FieldDropoffAt:   "lpep_dropoff_datetime",
			FieldPickupZone:  "PULocationID",
			FieldDropoffZone: "DOLocationID",
			FieldDistance:    "trip_distance",
			FieldFare:        "fare_amount",
			FieldTip:         "tip_amount",
			FieldSurcharge:   "congestion_surcharge",
			FieldTotal:       "total_amount",
			FieldPassengers:  "passenger_count",
			FieldVendor:      "VendorID",
		},
	},
	{
		Name:    "canonical",
		CabType: "yellow",
		Columns: map[string]string{
			FieldPickupAt:    "pickup_at",
			FieldDropoffAt:   "dropoff_at",
			FieldPickupZone:  "pickup_zone",
			FieldDropoffZone: "dropoff_zone",
			FieldDistance:    "distance_mi",
			FieldFare:        "fare",
			FieldTip:         "tip",
			FieldSurcharge:   "surcharge",
			FieldTotal:       "total",
			FieldPassengers:  "passengers",
			FieldVendor:      "vendor_id",
		},
	},
}

type variantsFile struct {
	Variants []Variant `yaml:"variants"`
}

// LoadVariantsFile reads additional mapping variants from a YAML rules file.
// Every variant must name a cab type and map each required canonical field;
// a broken rules file is a startup error, not a per-file SchemaError.
func LoadVariantsFile(path string) ([]Variant, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping rules %s: %w", path, err)
	}

	var f variantsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse mapping rules %s: %w", path, err)
	}

	for _, v := range f.Variants {
		if v.Name == "" {
			return nil, fmt.Errorf("mapping rules %s: variant with empty name", path)
		}
		if v.CabType == "" {
			return nil, fmt.Errorf("mapping rules %s: variant %q has no cab_type", path, v.Name)
		}
		for _, field := range requiredFields {
			if v.Columns[field] == "" {
				return nil, fmt.Errorf("mapping rules %s: variant %q does not map required field %q",
					path, v.Name, field)
			}
		}
	}

	return f.Variants, nil
}
