package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"congestion-audit/internal/models"
)

// Reference files are operator-maintained configuration, not bulk source
// data: any malformed row fails the run instead of being dropped.

// LoadZones reads the geographic lookup CSV mapping location ids to toll-zone
// classes. Required columns: location_id, class. Optional: name, lat, lon.
func LoadZones(path string) ([]models.Zone, error) {
	rows, idx, err := openReference(path)
	if err != nil {
		return nil, err
	}

	locCol, ok := idx["location_id"]
	if !ok {
		return nil, fmt.Errorf("zones file %s: missing location_id column", path)
	}
	classCol, ok := idx["class"]
	if !ok {
		return nil, fmt.Errorf("zones file %s: missing class column", path)
	}
	nameCol, hasName := idx["name"]
	latCol, hasLat := idx["lat"]
	lonCol, hasLon := idx["lon"]

	seen := make(map[int]int)
	var zones []models.Zone
	for i, row := range rows {
		line := i + 2

		id, err := strconv.Atoi(strings.TrimSpace(row[locCol]))
		if err != nil {
			return nil, fmt.Errorf("zones file %s line %d: bad location_id %q", path, line, row[locCol])
		}
		if prev, dup := seen[id]; dup {
			return nil, fmt.Errorf("zones file %s line %d: location_id %d already defined at line %d", path, line, id, prev)
		}
		seen[id] = line

		class := strings.ToLower(strings.TrimSpace(row[classCol]))
		switch class {
		case models.ZoneInside, models.ZoneBorder, models.ZoneOutside:
		default:
			return nil, fmt.Errorf("zones file %s line %d: unknown class %q", path, line, row[classCol])
		}

		z := models.Zone{LocationID: id, Class: class}
		if hasName {
			z.Name = strings.TrimSpace(row[nameCol])
		}
		if hasLat {
			if z.Lat, err = optionalCoord(row[latCol]); err != nil {
				return nil, fmt.Errorf("zones file %s line %d: bad lat %q", path, line, row[latCol])
			}
		}
		if hasLon {
			if z.Lon, err = optionalCoord(row[lonCol]); err != nil {
				return nil, fmt.Errorf("zones file %s line %d: bad lon %q", path, line, row[lonCol])
			}
		}
		zones = append(zones, z)
	}

	if len(zones) == 0 {
		return nil, fmt.Errorf("zones file %s: no zones", path)
	}
	return zones, nil
}

// LoadWeather reads the daily weather CSV. Required columns: date, precip_mm.
// Optional: temp_c (blank stays NULL).
func LoadWeather(path string) ([]models.WeatherDay, error) {
	rows, idx, err := openReference(path)
	if err != nil {
		return nil, err
	}

	dateCol, ok := idx["date"]
	if !ok {
		return nil, fmt.Errorf("weather file %s: missing date column", path)
	}
	precipCol, ok := idx["precip_mm"]
	if !ok {
		return nil, fmt.Errorf("weather file %s: missing precip_mm column", path)
	}
	tempCol, hasTemp := idx["temp_c"]

	seen := make(map[string]int)
	var days []models.WeatherDay
	for i, row := range rows {
		line := i + 2

		date := strings.TrimSpace(row[dateCol])
		if _, err := time.Parse(models.DateLayout, date); err != nil {
			return nil, fmt.Errorf("weather file %s line %d: bad date %q", path, line, row[dateCol])
		}
		if prev, dup := seen[date]; dup {
			return nil, fmt.Errorf("weather file %s line %d: date %s already defined at line %d", path, line, date, prev)
		}
		seen[date] = line

		day := models.WeatherDay{Date: date}
		precip := strings.TrimSpace(row[precipCol])
		if precip != "" {
			if day.PrecipMM, err = strconv.ParseFloat(precip, 64); err != nil {
				return nil, fmt.Errorf("weather file %s line %d: bad precip_mm %q", path, line, row[precipCol])
			}
		}
		if hasTemp {
			temp := strings.TrimSpace(row[tempCol])
			if temp != "" {
				v, err := strconv.ParseFloat(temp, 64)
				if err != nil {
					return nil, fmt.Errorf("weather file %s line %d: bad temp_c %q", path, line, row[tempCol])
				}
				day.TempC = &v
			}
		}
		days = append(days, day)
	}
	return days, nil
}

// openReference reads an entire reference CSV and indexes its header by
// lowercase column name. Reference files are small; slurping is fine.
func openReference(path string) ([][]string, map[string]int, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open reference file: %w", err)
	}
	defer fh.Close()

	cr := csv.NewReader(fh)
	cr.FieldsPerRecord = 0

	header, err := cr.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("reference file %s: unreadable header: %w", path, err)
	}

	idx := make(map[string]int, len(header))
	for i, col := range header {
		if i == 0 {
			col = strings.TrimPrefix(col, "\ufeff")
		}
		idx[strings.ToLower(strings.TrimSpace(col))] = i
	}

	var rows [][]string
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("reference file %s: %w", path, err)
		}
		rows = append(rows, row)
	}
	return rows, idx, nil
}

func optionalCoord(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}
