// Package config loads the asset worker's configuration from an optional
// YAML file plus environment variable overrides, mirroring the layered
// load order used across this codebase: defaults, then config file, then
// env, then a couple of narrow convenience overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DatabaseConfig controls the Postgres connection backing asset params,
// instances, materializations, events, snapshots, and the decision log.
type DatabaseConfig struct {
	DSN             string `json:"dsn" yaml:"dsn" env:"DATABASE_DSN"`
	Host            string `json:"host" yaml:"host" env:"DATABASE_HOST"`
	Port            int    `json:"port" yaml:"port" env:"DATABASE_PORT"`
	User            string `json:"user" yaml:"user" env:"DATABASE_USER"`
	Password        string `json:"password" yaml:"password" env:"DATABASE_PASSWORD"`
	Name            string `json:"name" yaml:"name" env:"DATABASE_NAME"`
	SSLMode         string `json:"sslmode" yaml:"sslmode" env:"DATABASE_SSLMODE"`
	MaxOpenConns    int    `json:"max_open_conns" yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// ConnectionString builds a libpq connection string from host parameters;
// ignored when DSN is already set.
func (c DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// LoggingConfig controls pkg/logger.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" yaml:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// DecisionLogConfig controls the zerolog structured trace mirror of the
// append-only decision log (infrastructure/decisionlog).
type DecisionLogConfig struct {
	TraceEnabled   bool   `json:"trace_enabled" yaml:"trace_enabled" env:"DECISION_LOG_TRACE_ENABLED"`
	TraceOutput    string `json:"trace_output" yaml:"trace_output" env:"DECISION_LOG_TRACE_OUTPUT"`
	RetentionDays  int    `json:"retention_days" yaml:"retention_days" env:"DECISION_LOG_RETENTION_DAYS"`
}

// EngineConfig controls the planner/runner (domain/assets/engine).
type EngineConfig struct {
	IntervalMs           int64 `json:"interval_ms" yaml:"interval_ms" env:"ENGINE_INTERVAL_MS"`
	LockTimeoutMs        int64 `json:"lock_timeout_ms" yaml:"lock_timeout_ms" env:"ENGINE_LOCK_TIMEOUT_MS"`
	PostsMaxQueryLength  int   `json:"posts_max_query_length" yaml:"posts_max_query_length" env:"ENGINE_POSTS_MAX_QUERY_LENGTH"`
	HTTPSnapshotMaxBytes int   `json:"http_snapshot_max_bytes" yaml:"http_snapshot_max_bytes" env:"ENGINE_HTTP_SNAPSHOT_MAX_BYTES"`
	SingleTick           bool  `json:"single_tick" yaml:"single_tick" env:"ENGINE_SINGLE_TICK"`
}

// IngestConfig controls the ingest sub-planner's rate limiting and the
// freshness window applied when no per-requirement override is given.
type IngestConfig struct {
	RequestsPerSecond  float64 `json:"requests_per_second" yaml:"requests_per_second" env:"INGEST_REQUESTS_PER_SECOND"`
	Burst              int     `json:"burst" yaml:"burst" env:"INGEST_BURST"`
	DefaultFreshnessMs int64   `json:"default_freshness_ms" yaml:"default_freshness_ms" env:"INGEST_DEFAULT_FRESHNESS_MS"`
	UpstreamBaseURL    string  `json:"upstream_base_url" yaml:"upstream_base_url" env:"INGEST_UPSTREAM_BASE_URL"`
	UpstreamTimeoutMs  int64   `json:"upstream_timeout_ms" yaml:"upstream_timeout_ms" env:"INGEST_UPSTREAM_TIMEOUT_MS"`
}

// CacheConfig controls the optional Redis-backed cross-process outcome
// cache accelerator (infrastructure/cache). Disabled (Addr == "") by
// default: the engine is correct without it, the cache only shaves
// repeated reads within a materialization window.
type CacheConfig struct {
	Addr     string `json:"addr" yaml:"addr" env:"CACHE_REDIS_ADDR"`
	Password string `json:"password" yaml:"password" env:"CACHE_REDIS_PASSWORD"`
	DB       int    `json:"db" yaml:"db" env:"CACHE_REDIS_DB"`
	TTLMs    int64  `json:"ttl_ms" yaml:"ttl_ms" env:"CACHE_TTL_MS"`
}

// HousekeepingConfig controls the robfig/cron schedule run alongside the
// engine loop (cmd/assetworker): stale in_progress reporting and decision
// log pruning.
type HousekeepingConfig struct {
	Schedule             string `json:"schedule" yaml:"schedule" env:"HOUSEKEEPING_CRON_SCHEDULE"`
	StaleInProgressAfterMs int64 `json:"stale_in_progress_after_ms" yaml:"stale_in_progress_after_ms" env:"HOUSEKEEPING_STALE_IN_PROGRESS_AFTER_MS"`
}

// Config is the top-level configuration for cmd/assetworker.
type Config struct {
	Database      DatabaseConfig      `json:"database" yaml:"database"`
	Logging       LoggingConfig       `json:"logging" yaml:"logging"`
	DecisionLog   DecisionLogConfig   `json:"decision_log" yaml:"decision_log"`
	Engine        EngineConfig        `json:"engine" yaml:"engine"`
	Ingest        IngestConfig        `json:"ingest" yaml:"ingest"`
	Cache         CacheConfig         `json:"cache" yaml:"cache"`
	Housekeeping  HousekeepingConfig  `json:"housekeeping" yaml:"housekeeping"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Database: DatabaseConfig{
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "assetworker",
		},
		DecisionLog: DecisionLogConfig{
			TraceEnabled:  true,
			TraceOutput:   "stdout",
			RetentionDays: 30,
		},
		Engine: EngineConfig{
			IntervalMs:           5000,
			LockTimeoutMs:        10000,
			PostsMaxQueryLength:  2000,
			HTTPSnapshotMaxBytes: 10 * 1024 * 1024,
		},
		Ingest: IngestConfig{
			RequestsPerSecond:  50,
			Burst:              100,
			DefaultFreshnessMs: 15 * 60 * 1000,
			UpstreamTimeoutMs:  30000,
		},
		Housekeeping: HousekeepingConfig{
			Schedule:               "@every 5m",
			StaleInProgressAfterMs: 30 * 60 * 1000,
		},
	}
}

// Load loads configuration from an optional .env file, an optional YAML
// file (CONFIG_FILE, default configs/config.yaml), then environment
// variable overrides, in that order.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode errors when no tagged fields are present in the
		// environment; treat that as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	applyDatabaseURLOverride(cfg)
	return cfg, nil
}

// LoadFile reads configuration from a YAML file only (used by tests).
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyDatabaseURLOverride lets DATABASE_URL (the common 12-factor name)
// override a file-based DSN, reducing setup friction in container runs.
func applyDatabaseURLOverride(cfg *Config) {
	if cfg == nil {
		return
	}
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}
}
