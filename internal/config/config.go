package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"congestion-audit/pkg/logging"
)

// Config is the explicit configuration object for a pipeline run. Precedence:
// built-in defaults, then the YAML file, then AUDIT_* environment variables.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Export   ExportConfig   `yaml:"export"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// DatabaseConfig controls the canonical store and its memory ceiling.
type DatabaseConfig struct {
	Path          string `yaml:"path" envconfig:"DB_PATH"`
	MemoryLimitMB int    `yaml:"memory_limit_mb" envconfig:"DB_MEMORY_LIMIT_MB"`
	CacheMB       int    `yaml:"cache_mb" envconfig:"DB_CACHE_MB"`
	BusyTimeoutMS int    `yaml:"busy_timeout_ms" envconfig:"DB_BUSY_TIMEOUT_MS"`
}

// MemoryLimitBytes returns the working-set ceiling in bytes.
func (d DatabaseConfig) MemoryLimitBytes() int64 {
	return int64(d.MemoryLimitMB) * 1024 * 1024
}

// CacheKB returns the page-cache bound in kilobytes.
func (d DatabaseConfig) CacheKB() int {
	return d.CacheMB * 1024
}

// IngestConfig locates the source files and bounds the loader.
type IngestConfig struct {
	TripsDir        string `yaml:"trips_dir" envconfig:"TRIPS_DIR"`
	ZonesFile       string `yaml:"zones_file" envconfig:"ZONES_FILE"`
	WeatherFile     string `yaml:"weather_file" envconfig:"WEATHER_FILE"`
	MappingsFile    string `yaml:"mappings_file" envconfig:"MAPPINGS_FILE"`
	BatchSize       int    `yaml:"batch_size" envconfig:"BATCH_SIZE"`
	Workers         int    `yaml:"workers" envconfig:"WORKERS"`
	MaxLoggedErrors int    `yaml:"max_logged_errors" envconfig:"MAX_LOGGED_ERRORS"`
}

// AnalysisConfig fixes the analysis window and run seed.
type AnalysisConfig struct {
	Year            int    `yaml:"year" envconfig:"ANALYSIS_YEAR"`
	TollStartDate   string `yaml:"toll_start_date" envconfig:"TOLL_START_DATE"`
	ExpectedMinRows int64  `yaml:"expected_min_rows" envconfig:"EXPECTED_MIN_ROWS"`
	Seed            int64  `yaml:"seed" envconfig:"SEED"`
}

// TollStartTime parses the toll start date; Validate guarantees it parses.
func (a AnalysisConfig) TollStartTime() time.Time {
	t, _ := time.Parse("2006-01-02", a.TollStartDate)
	return t
}

// ExportConfig controls where the aggregate tables land.
type ExportConfig struct {
	Dir string `yaml:"dir" envconfig:"EXPORT_DIR"`
}

// LoggingConfig controls log verbosity.
type LoggingConfig struct {
	Level string `yaml:"level" envconfig:"LOG_LEVEL"`
}

// MetricsConfig controls the optional observability listener. An empty
// address disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr" envconfig:"METRICS_ADDR"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:          "data/canonical.db",
			MemoryLimitMB: 1024,
			CacheMB:       256,
			BusyTimeoutMS: 5000,
		},
		Ingest: IngestConfig{
			TripsDir:        "data/trips",
			ZonesFile:       "data/zones.csv",
			WeatherFile:     "data/weather.csv",
			BatchSize:       5000,
			Workers:         4,
			MaxLoggedErrors: 20,
		},
		Analysis: AnalysisConfig{
			Year:            2025,
			TollStartDate:   "2025-01-05",
			ExpectedMinRows: 1000000,
			Seed:            0,
		},
		Export: ExportConfig{
			Dir: "exports",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{},
	}
}

// Load builds the run configuration: defaults, overlaid by the YAML file at
// path (optional when path is empty and the default file is absent), overlaid
// by AUDIT_* environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if path == "" {
		path = "audit.yaml"
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// Default file is optional.
	default:
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := envconfig.Process("AUDIT", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate rejects configurations the pipeline cannot honor.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}
	if c.Database.MemoryLimitMB < 64 {
		return fmt.Errorf("database.memory_limit_mb must be at least 64, got %d", c.Database.MemoryLimitMB)
	}
	if c.Database.CacheMB <= 0 {
		return fmt.Errorf("database.cache_mb must be positive, got %d", c.Database.CacheMB)
	}
	if c.Database.CacheMB > c.Database.MemoryLimitMB {
		return fmt.Errorf("database.cache_mb (%d) must not exceed database.memory_limit_mb (%d)",
			c.Database.CacheMB, c.Database.MemoryLimitMB)
	}
	if c.Database.BusyTimeoutMS < 0 {
		return fmt.Errorf("database.busy_timeout_ms must not be negative")
	}
	if c.Ingest.TripsDir == "" {
		return fmt.Errorf("ingest.trips_dir must not be empty")
	}
	if c.Ingest.BatchSize <= 0 {
		return fmt.Errorf("ingest.batch_size must be positive, got %d", c.Ingest.BatchSize)
	}
	if c.Ingest.Workers <= 0 {
		return fmt.Errorf("ingest.workers must be positive, got %d", c.Ingest.Workers)
	}
	if c.Analysis.Year < 2011 || c.Analysis.Year > 2100 {
		return fmt.Errorf("analysis.year %d is outside the plausible range", c.Analysis.Year)
	}
	if _, err := time.Parse("2006-01-02", c.Analysis.TollStartDate); err != nil {
		return fmt.Errorf("analysis.toll_start_date %q: expected YYYY-MM-DD", c.Analysis.TollStartDate)
	}
	if c.Analysis.ExpectedMinRows < 0 {
		return fmt.Errorf("analysis.expected_min_rows must not be negative")
	}
	if c.Export.Dir == "" {
		return fmt.Errorf("export.dir must not be empty")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}
