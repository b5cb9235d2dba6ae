package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, int64(1024)*1024*1024, cfg.Database.MemoryLimitBytes())
	assert.Equal(t, 256*1024, cfg.Database.CacheKB())
	assert.Equal(t, 2025, cfg.Analysis.Year)
	assert.Equal(t, 5, int(cfg.Analysis.TollStartTime().Day()))
}

func TestLoadOverlaysFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.yaml")
	yaml := `
database:
  path: /tmp/test.db
  memory_limit_mb: 512
analysis:
  year: 2024
  toll_start_date: "2024-01-05"
export:
  dir: out
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	t.Setenv("AUDIT_DB_MEMORY_LIMIT_MB", "768")
	t.Setenv("AUDIT_SEED", "42")

	cfg, err := Load(path)
	require.NoError(t, err)

	// File overrides defaults.
	assert.Equal(t, "/tmp/test.db", cfg.Database.Path)
	assert.Equal(t, 2024, cfg.Analysis.Year)
	assert.Equal(t, "out", cfg.Export.Dir)

	// Env overrides file.
	assert.Equal(t, 768, cfg.Database.MemoryLimitMB)
	assert.Equal(t, int64(42), cfg.Analysis.Seed)

	// Untouched values keep defaults.
	assert.Equal(t, 5000, cfg.Ingest.BatchSize)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database: ["), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		wantOK bool
	}{
		{name: "defaults", mutate: func(c *Config) {}, wantOK: true},
		{name: "empty db path", mutate: func(c *Config) { c.Database.Path = "" }},
		{name: "tiny memory limit", mutate: func(c *Config) { c.Database.MemoryLimitMB = 16 }},
		{name: "cache above ceiling", mutate: func(c *Config) { c.Database.CacheMB = 4096 }},
		{name: "zero batch size", mutate: func(c *Config) { c.Ingest.BatchSize = 0 }},
		{name: "zero workers", mutate: func(c *Config) { c.Ingest.Workers = 0 }},
		{name: "implausible year", mutate: func(c *Config) { c.Analysis.Year = 1905 }},
		{name: "bad toll date", mutate: func(c *Config) { c.Analysis.TollStartDate = "Jan 5 2025" }},
		{name: "negative expected rows", mutate: func(c *Config) { c.Analysis.ExpectedMinRows = -1 }},
		{name: "empty export dir", mutate: func(c *Config) { c.Export.Dir = "" }},
		{name: "unknown log level", mutate: func(c *Config) { c.Logging.Level = "loud" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantOK {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
