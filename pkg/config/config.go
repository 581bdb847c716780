// Package config loads governor settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds server configuration.
type Config struct {
	Port       string
	HealthPort string
	LogLevel   string
	LogFormat  string

	// DatabaseURL selects Postgres. When empty the governor runs in Lite Mode on a
	// SQLite file under DataDir.
	DatabaseURL string
	DataDir     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	DedupeWindow      time.Duration
	SweepInterval     time.Duration
	ObserveInterval   time.Duration
	ControlInterval   time.Duration
	ReconcileInterval time.Duration
	ReconcileSources  []string
	ReconcileEndpoint string

	KillConfirmation     string
	FreezeHaltsIngestion bool
	JWTSecret            string

	IngestRPS   int
	IngestBurst int

	RiskRulesFile string
	TuningFile    string
	ArchiveURL    string

	OTelEnabled  bool
	OTelEndpoint string
}

// LiteMode reports whether the governor runs without Postgres.
func (c *Config) LiteMode() bool {
	return c.DatabaseURL == ""
}

// DatabaseTarget returns the URL handed to database.Open.
func (c *Config) DatabaseTarget() string {
	if c.LiteMode() {
		return filepath.Join(c.DataDir, "governor.db")
	}
	return c.DatabaseURL
}

// SlogLevel maps LogLevel onto a slog level; unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// Load reads a .env file if one exists in the working directory, then builds the
// configuration from environment variables. Variables already set in the environment
// win over .env entries.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds the configuration from the process environment only.
func FromEnv() (*Config, error) {
	p := &parser{}
	cfg := &Config{
		Port:       envOr("PORT", "8080"),
		HealthPort: envOr("HEALTH_PORT", "8081"),
		LogLevel:   envOr("LOG_LEVEL", "INFO"),
		LogFormat:  envOr("LOG_FORMAT", "json"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		DataDir:     envOr("DATA_DIR", "data"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       p.int("REDIS_DB", 0),

		DedupeWindow:      p.duration("DEDUPE_WINDOW", 25*time.Hour),
		SweepInterval:     p.duration("SWEEP_INTERVAL", 10*time.Minute),
		ObserveInterval:   p.duration("OBSERVE_INTERVAL", 15*time.Second),
		ControlInterval:   p.duration("CONTROL_INTERVAL", 30*time.Second),
		ReconcileInterval: p.duration("RECONCILE_INTERVAL", time.Hour),
		ReconcileSources:  splitList(os.Getenv("RECONCILE_SOURCES")),
		ReconcileEndpoint: os.Getenv("RECONCILE_ENDPOINT"),

		KillConfirmation:     envOr("KILL_CONFIRMATION", "CONFIRM_KILL"),
		FreezeHaltsIngestion: p.bool("FREEZE_HALTS_INGESTION", true),
		JWTSecret:            os.Getenv("JWT_SECRET"),

		IngestRPS:   p.int("INGEST_RPS", 200),
		IngestBurst: p.int("INGEST_BURST", 400),

		RiskRulesFile: os.Getenv("RISK_RULES_FILE"),
		TuningFile:    os.Getenv("GOVERNOR_TUNING_FILE"),
		ArchiveURL:    os.Getenv("ARCHIVE_URL"),

		OTelEnabled:  p.bool("OTEL_ENABLED", false),
		OTelEndpoint: envOr("OTEL_ENDPOINT", "localhost:4317"),
	}
	if p.err != nil {
		return nil, p.err
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("LOG_FORMAT must be json or text, got %q", cfg.LogFormat)
	}
	if cfg.DedupeWindow <= 0 {
		return nil, fmt.Errorf("DEDUPE_WINDOW must be positive")
	}
	if cfg.KillConfirmation == "" {
		return nil, fmt.Errorf("KILL_CONFIRMATION must not be empty")
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitList(s string) []string {
	out := make([]string, 0)
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parser keeps the first conversion error so Load can report it once.
type parser struct {
	err error
}

func (p *parser) fail(key, v string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
}

func (p *parser) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return n
}

func (p *parser) bool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return b
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return d
}
