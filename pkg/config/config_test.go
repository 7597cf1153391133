package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/munigrid/mandate/pkg/config"
)

// TestLoad_Defaults verifies that Load() returns sensible defaults
// when no environment variables are set.
func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{
		"MANDATE_LOG_LEVEL", "MANDATE_ENV", "MANDATE_DB_DRIVER", "MANDATE_DB_DSN",
		"MANDATE_REDIS_ADDR", "MANDATE_RATE_PER_MINUTE", "MANDATE_RATE_BURST",
		"MANDATE_RULESET_FILE", "MANDATE_CANONICAL_HOSTS", "MANDATE_WARRANT_SEED",
		"MANDATE_OTLP_ENDPOINT", "MANDATE_OTLP_INSECURE",
		"MANDATE_ARCHIVE_BACKEND", "MANDATE_ARCHIVE_BUCKET",
	} {
		t.Setenv(key, "")
	}

	cfg := config.Load()

	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, "mandate.db", cfg.DBDSN)
	assert.Empty(t, cfg.RedisAddr)
	assert.Zero(t, cfg.LimiterPerMinute)
	assert.Empty(t, cfg.CanonicalHosts)
	assert.Empty(t, cfg.OTLPEndpoint)
	assert.Empty(t, cfg.ArchiveBackend)
}

// TestLoad_Overrides verifies that environment variables correctly
// override default values.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("MANDATE_LOG_LEVEL", "DEBUG")
	t.Setenv("MANDATE_DB_DRIVER", "postgres")
	t.Setenv("MANDATE_DB_DSN", "postgres://mandate@localhost:5432/mandate?sslmode=disable")
	t.Setenv("MANDATE_REDIS_ADDR", "localhost:6379")
	t.Setenv("MANDATE_RATE_PER_MINUTE", "240")
	t.Setenv("MANDATE_RATE_BURST", "60")
	t.Setenv("MANDATE_CANONICAL_HOSTS", "Plans.Riverton.Gov, records.riverton.gov,")
	t.Setenv("MANDATE_OTLP_ENDPOINT", "otel-collector:4317")
	t.Setenv("MANDATE_OTLP_INSECURE", "true")

	cfg := config.Load()

	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, "postgres://mandate@localhost:5432/mandate?sslmode=disable", cfg.DBDSN)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 240, cfg.LimiterPerMinute)
	assert.Equal(t, 60, cfg.LimiterBurst)
	assert.Equal(t, []string{"plans.riverton.gov", "records.riverton.gov"}, cfg.CanonicalHosts)
	assert.Equal(t, "otel-collector:4317", cfg.OTLPEndpoint)
	assert.True(t, cfg.OTLPInsecure)
}

func TestLoad_NonSQLiteDriverGetsNoDefaultDSN(t *testing.T) {
	t.Setenv("MANDATE_DB_DRIVER", "memory")
	t.Setenv("MANDATE_DB_DSN", "")

	cfg := config.Load()
	assert.Equal(t, "memory", cfg.DBDriver)
	assert.Empty(t, cfg.DBDSN)
}

func TestSlogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"DEBUG":   slog.LevelDebug,
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"ERROR":   slog.LevelError,
		"verbose": slog.LevelInfo, // unknown falls back to info
		"":        slog.LevelInfo,
	}
	for raw, want := range cases {
		cfg := &config.Config{LogLevel: raw}
		assert.Equal(t, want, cfg.SlogLevel(), "level %q", raw)
	}
}

func TestWarrantSeed(t *testing.T) {
	t.Run("Empty Returns Nil", func(t *testing.T) {
		cfg := &config.Config{}
		seed, err := cfg.WarrantSeed()
		require.NoError(t, err)
		assert.Nil(t, seed)
	})

	t.Run("Valid 32 Bytes", func(t *testing.T) {
		cfg := &config.Config{WarrantSeedHex: "000102030405060708090a0b0c0d0e0f000102030405060708090a0b0c0d0e0f"}
		seed, err := cfg.WarrantSeed()
		require.NoError(t, err)
		assert.Len(t, seed, 32)
	})

	t.Run("Fail: Not Hex", func(t *testing.T) {
		cfg := &config.Config{WarrantSeedHex: "zz"}
		_, err := cfg.WarrantSeed()
		assert.Error(t, err)
	})

	t.Run("Fail: Wrong Length", func(t *testing.T) {
		cfg := &config.Config{WarrantSeedHex: "0001"}
		_, err := cfg.WarrantSeed()
		assert.ErrorContains(t, err, "32 bytes")
	})
}

func writeProfile(t *testing.T, dir, code, body string) {
	t.Helper()
	path := filepath.Join(dir, "profile_"+code+".yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestLoadProfile(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "riverton", `
name: City of Riverton
environment: production
canonical_hosts:
  - plans.riverton.gov
  - "*.records.riverton.gov"
limiter:
  per_minute: 300
  burst: 50
archive:
  backend: s3
  bucket: riverton-decisions
  region: us-west-2
  prefix: mandate
telemetry:
  otlp_endpoint: otel.riverton.gov:4317
`)

	p, err := config.LoadProfile(dir, "Riverton")
	require.NoError(t, err)
	assert.Equal(t, "City of Riverton", p.Name)
	assert.Equal(t, "riverton", p.Code) // filled from filename
	assert.Equal(t, "production", p.Environment)
	assert.Equal(t, 300, p.Limiter.PerMinute)
	assert.Equal(t, "s3", p.Archive.Backend)
	assert.Contains(t, p.CanonicalHosts, "*.records.riverton.gov")
}

func TestLoadProfile_Missing(t *testing.T) {
	_, err := config.LoadProfile(t.TempDir(), "nowhere")
	assert.Error(t, err)
}

func TestLoadAllProfiles(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "riverton", "name: City of Riverton\n")
	writeProfile(t, dir, "lakeshore", "name: Lakeshore County\ncode: lakeshore\n")

	profiles, err := config.LoadAllProfiles(dir)
	require.NoError(t, err)
	require.Len(t, profiles, 2)
	assert.Equal(t, "City of Riverton", profiles["riverton"].Name)
	assert.Equal(t, "Lakeshore County", profiles["lakeshore"].Name)
}

func TestApplyProfile(t *testing.T) {
	cfg := &config.Config{
		Environment:    "staging", // env set, profile must not override
		CanonicalHosts: []string{"plans.riverton.gov"},
	}
	cfg.Apply(&config.Profile{
		Environment:    "production",
		CanonicalHosts: []string{"plans.riverton.gov", "records.riverton.gov"},
		Limiter:        config.LimiterProfile{PerMinute: 300, Burst: 50},
		Archive:        config.ArchiveProfile{Backend: "fs", Dir: "/var/lib/mandate/archive"},
		Telemetry:      config.TelemetryProfile{OTLPEndpoint: "otel:4317", Insecure: true},
	})

	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, 300, cfg.LimiterPerMinute)
	assert.Equal(t, 50, cfg.LimiterBurst)
	assert.Equal(t, "otel:4317", cfg.OTLPEndpoint)
	assert.True(t, cfg.OTLPInsecure)
	assert.Equal(t, "fs", cfg.ArchiveBackend)
	assert.Equal(t, "/var/lib/mandate/archive", cfg.ArchiveDir)
	// Hosts unioned without duplicates
	assert.Equal(t, []string{"plans.riverton.gov", "records.riverton.gov"}, cfg.CanonicalHosts)
}

func TestApplyNilProfile(t *testing.T) {
	cfg := &config.Config{LogLevel: "INFO"}
	cfg.Apply(nil)
	assert.Equal(t, "INFO", cfg.LogLevel)
}
