package config

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds process configuration for the decision engine.
type Config struct {
	LogLevel    string
	Environment string

	// Decision ledger: sqlite | postgres | memory.
	DBDriver string
	DBDSN    string

	// Admission limiter; empty RedisAddr selects the in-process store.
	RedisAddr        string
	LimiterPerMinute int // 0 uses the limiter default policy
	LimiterBurst     int

	// Rule tables; empty selects the compiled defaults.
	RulesetFile string

	// Extra canonical-source hosts admitted by the egress perimeter,
	// on top of the ruleset allow-list.
	CanonicalHosts []string

	// Warrant signing seed, hex-encoded 32 bytes. Empty derives an
	// ephemeral per-process seed; set it for multi-instance deployments.
	WarrantSeedHex string

	// Telemetry export; empty endpoint keeps the provider inert.
	OTLPEndpoint string
	OTLPInsecure bool

	// Decision archive: "" (disabled) | fs | s3 | gcs.
	ArchiveBackend  string
	ArchiveBucket   string
	ArchiveRegion   string
	ArchiveEndpoint string
	ArchivePrefix   string
	ArchiveDir      string

	// Optional deployment profile, applied over unset fields.
	ProfileDir  string
	ProfileCode string
}

// Load loads configuration from environment variables.
func Load() *Config {
	logLevel := os.Getenv("MANDATE_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	driver := os.Getenv("MANDATE_DB_DRIVER")
	if driver == "" {
		driver = "sqlite"
	}

	dsn := os.Getenv("MANDATE_DB_DSN")
	if dsn == "" && driver == "sqlite" {
		dsn = "mandate.db"
	}

	return &Config{
		LogLevel:         logLevel,
		Environment:      os.Getenv("MANDATE_ENV"),
		DBDriver:         driver,
		DBDSN:            dsn,
		RedisAddr:        os.Getenv("MANDATE_REDIS_ADDR"),
		LimiterPerMinute: envInt("MANDATE_RATE_PER_MINUTE"),
		LimiterBurst:     envInt("MANDATE_RATE_BURST"),
		RulesetFile:      os.Getenv("MANDATE_RULESET_FILE"),
		CanonicalHosts:   splitHosts(os.Getenv("MANDATE_CANONICAL_HOSTS")),
		WarrantSeedHex:   os.Getenv("MANDATE_WARRANT_SEED"),
		OTLPEndpoint:     os.Getenv("MANDATE_OTLP_ENDPOINT"),
		OTLPInsecure:     os.Getenv("MANDATE_OTLP_INSECURE") == "true",
		ArchiveBackend:   os.Getenv("MANDATE_ARCHIVE_BACKEND"),
		ArchiveBucket:    os.Getenv("MANDATE_ARCHIVE_BUCKET"),
		ArchiveRegion:    os.Getenv("MANDATE_ARCHIVE_REGION"),
		ArchiveEndpoint:  os.Getenv("MANDATE_ARCHIVE_ENDPOINT"),
		ArchivePrefix:    os.Getenv("MANDATE_ARCHIVE_PREFIX"),
		ArchiveDir:       os.Getenv("MANDATE_ARCHIVE_DIR"),
		ProfileDir:       os.Getenv("MANDATE_PROFILE_DIR"),
		ProfileCode:      os.Getenv("MANDATE_PROFILE"),
	}
}

// SlogLevel parses LogLevel, defaulting to Info on unknown values.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WarrantSeed decodes the configured signing seed. An empty setting returns
// nil without error; the caller generates an ephemeral seed.
func (c *Config) WarrantSeed() ([]byte, error) {
	if c.WarrantSeedHex == "" {
		return nil, nil
	}
	seed, err := hex.DecodeString(c.WarrantSeedHex)
	if err != nil {
		return nil, fmt.Errorf("config: MANDATE_WARRANT_SEED is not hex: %w", err)
	}
	if len(seed) != 32 {
		return nil, fmt.Errorf("config: MANDATE_WARRANT_SEED must decode to 32 bytes, got %d", len(seed))
	}
	return seed, nil
}

func envInt(key string) int {
	raw := os.Getenv(key)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func splitHosts(raw string) []string {
	if raw == "" {
		return nil
	}
	var hosts []string
	for _, h := range strings.Split(raw, ",") {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts
}
