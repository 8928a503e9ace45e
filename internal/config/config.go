// Package config contains everything related to configuration
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds the application configuration.
type Config struct {
	DatabasePath        string
	PlanPath            string
	StoreDriver         string
	StoreDSN            string
	LogLevel            string
	LogFormat           string
	MetricsAddr         string
	UserAgent           string
	PollTick            time.Duration
	BackoffUnit         time.Duration
	MaxJitter           time.Duration
	CallTimeout         time.Duration
	DefaultMinInterval  time.Duration
	DefaultRetryAfter   time.Duration
	ShutdownGrace       time.Duration
	BackoffBase         float64
	MaxConcurrentGroups int
	MaxInFlight         int
	RetryAttempts       int
	NotifyEnabled       bool
}

// Default values
const (
	defaultPollTick            = time.Second
	defaultBackoffUnit         = time.Second
	defaultMaxJitter           = time.Second
	defaultCallTimeout         = 30 * time.Second
	defaultMinInterval         = time.Second
	defaultRetryAfter          = time.Hour
	defaultShutdownGrace       = 30 * time.Second
	defaultBackoffBase         = 2.0
	defaultMaxConcurrentGroups = 8
	defaultMaxInFlight         = 16
	defaultRetryAttempts       = 3
	defaultUserAgent           = "provider-ingest"
)

// Load reads configuration from .env files and environment variables.
func Load() (*Config, error) {
	// Try loading .env from multiple locations
	for _, path := range getEnvPaths() {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			break
		}
	}

	cfg := &Config{
		DatabasePath:        getEnvString("DATABASE_PATH", getDefaultDatabasePath()),
		PlanPath:            getEnvString("PLAN_PATH", getDefaultPlanPath()),
		StoreDriver:         strings.ToLower(getEnvString("STORE_DRIVER", DriverSQLite)),
		StoreDSN:            getEnvString("STORE_DSN", ""),
		LogLevel:            getEnvString("LOG_LEVEL", "info"),
		LogFormat:           getEnvString("LOG_FORMAT", "text"),
		MetricsAddr:         getEnvString("METRICS_ADDR", ""),
		UserAgent:           getEnvString("USER_AGENT", defaultUserAgent),
		PollTick:            getEnvDuration("POLL_TICK", defaultPollTick),
		BackoffUnit:         getEnvDuration("BACKOFF_UNIT", defaultBackoffUnit),
		MaxJitter:           getEnvDuration("MAX_JITTER", defaultMaxJitter),
		CallTimeout:         getEnvDuration("CALL_TIMEOUT", defaultCallTimeout),
		DefaultMinInterval:  getEnvDuration("DEFAULT_MIN_INTERVAL", defaultMinInterval),
		DefaultRetryAfter:   getEnvDuration("DEFAULT_RETRY_AFTER", defaultRetryAfter),
		ShutdownGrace:       getEnvDuration("SHUTDOWN_GRACE", defaultShutdownGrace),
		BackoffBase:         getEnvFloat("BACKOFF_BASE", defaultBackoffBase),
		MaxConcurrentGroups: getEnvInt("MAX_CONCURRENT_GROUPS", defaultMaxConcurrentGroups),
		MaxInFlight:         getEnvInt("MAX_IN_FLIGHT", defaultMaxInFlight),
		RetryAttempts:       getEnvInt("RETRY_ATTEMPTS", defaultRetryAttempts),
		NotifyEnabled:       getEnvBool("NOTIFY_ENABLED", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Ensure database directory exists
	if cfg.StoreDriver == DriverSQLite {
		if err := ensureDir(filepath.Dir(cfg.DatabasePath)); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Validate checks the loaded values for consistency.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverSQLite:
	case DriverPostgres:
		if c.StoreDSN == "" {
			return fmt.Errorf("STORE_DSN is required when STORE_DRIVER=%s", DriverPostgres)
		}
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q (want %s or %s)", c.StoreDriver, DriverSQLite, DriverPostgres)
	}
	if c.PollTick <= 0 {
		return fmt.Errorf("POLL_TICK must be positive, got %v", c.PollTick)
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("RETRY_ATTEMPTS must be at least 1, got %d", c.RetryAttempts)
	}
	if c.BackoffBase < 1 {
		return fmt.Errorf("BACKOFF_BASE must be >= 1, got %v", c.BackoffBase)
	}
	if c.MaxInFlight < 1 || c.MaxConcurrentGroups < 1 {
		return fmt.Errorf("MAX_IN_FLIGHT and MAX_CONCURRENT_GROUPS must be at least 1")
	}
	return nil
}

// getEnvPaths returns a list of paths to check for .env files.
func getEnvPaths() []string {
	var paths []string

	// Current directory
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".env"))
	}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "provider-ingest", ".env"))
	}

	// Parent directories (useful for development)
	if cwd, err := os.Getwd(); err == nil {
		parent := filepath.Dir(cwd)
		paths = append(paths, filepath.Join(parent, ".env"))
	}

	return paths
}

// getDefaultDatabasePath returns the default path for the SQLite database.
func getDefaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "ingest.db"
	}
	return filepath.Join(home, ".config", "provider-ingest", "ingest.db")
}

// getDefaultPlanPath returns the default path for the collection plan.
func getDefaultPlanPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "plan.yaml"
	}
	return filepath.Join(home, ".config", "provider-ingest", "plan.yaml")
}

// getEnvString retrieves a string environment variable or returns the default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable or returns the default.
// Accepts values like "30s", "1m", "500ms".
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		// Try parsing as seconds if no unit specified
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// ensureDir creates a directory and all parent directories if they don't exist.
func ensureDir(path string) error {
	if path == "" || path == "." {
		return nil
	}
	return os.MkdirAll(path, 0o750)
}
