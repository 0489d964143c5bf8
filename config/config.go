package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Listeners
	EngineAddr  string
	MetricsAddr string

	// Simulation
	CandleIntervalSec int
	TickInterval      time.Duration
	Workers           int
	MarketsFile       string // YAML catalog; empty uses the built-in instruments
	ResumePrices      bool   // start from the last stored close instead of the base price

	// History
	HistoryLimit  int    // in-memory finalized candles kept per instrument
	RedisAddr     string // empty disables Redis
	RedisPassword string
	RedisDB       int
	SQLitePath    string // empty disables SQLite

	// Logging
	LogLevel string
	LogFile  string

	// Admin
	AdminTOTPSecret string // empty disables POST /api/admin/reset
	AlertWebhookURL string // empty logs alerts only

	// Mirror (cmd/feedwatch)
	FeedURL   string
	FeedPairs string // comma-separated; empty mirrors everything
}

// Load reads configuration from the environment, after merging a .env file
// from the working directory if one exists.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("could not read .env", "component", "config", "error", err)
	}

	return &Config{
		EngineAddr:  getEnv("ENGINE_ADDR", ":8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		CandleIntervalSec: getEnvInt("CANDLE_INTERVAL_SEC", 60),
		TickInterval:      getEnvDuration("TICK_INTERVAL", time.Second),
		Workers:           getEnvInt("WORKERS", 1),
		MarketsFile:       getEnv("MARKETS_FILE", ""),
		ResumePrices:      getEnvBool("RESUME_PRICES", true),

		HistoryLimit:  getEnvInt("HISTORY_LIMIT", 500),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		SQLitePath:    lookupEnv("SQLITE_PATH", "data/candles.db"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogFile:  getEnv("LOG_FILE", ""),

		AdminTOTPSecret: getEnv("ADMIN_TOTP_SECRET", ""),
		AlertWebhookURL: getEnv("ALERT_WEBHOOK_URL", ""),

		FeedURL:   getEnv("FEED_URL", "ws://localhost:8080/ws"),
		FeedPairs: getEnv("FEED_PAIRS", ""),
	}
}

// Validate reports settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.CandleIntervalSec <= 0 {
		return fmt.Errorf("config: CANDLE_INTERVAL_SEC must be positive, got %d", c.CandleIntervalSec)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("config: TICK_INTERVAL must be positive, got %s", c.TickInterval)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("config: WORKERS must be positive, got %d", c.Workers)
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("config: HISTORY_LIMIT must be positive, got %d", c.HistoryLimit)
	}
	return nil
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

// lookupEnv is getEnv for settings where an explicit empty value means "off".
func lookupEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer, using default", "component", "config", "key", key, "value", v, "default", fallback)
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("invalid boolean, using default", "component", "config", "key", key, "value", v, "default", fallback)
		return fallback
	}
	return b
}

// getEnvDuration accepts a Go duration ("500ms") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(n * float64(time.Second))
	}
	slog.Warn("invalid duration, using default", "component", "config", "key", key, "value", v, "default", fallback)
	return fallback
}
