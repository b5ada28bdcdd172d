// Package config provides centralized configuration loaded from environment
// variables. Shared by cmd/api and cmd/alertctl.
package config

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Enumerations
// --------------------------------------------------------------------------

// Store drivers.
const (
	StorePostgres = "postgres" // pgx pool with prepared statements
	StoreGorm     = "gorm"     // gorm over Postgres
	StoreSQLite   = "sqlite"   // gorm over an embedded SQLite file
)

// Dispatch modes for new detection events.
const (
	DispatchInline = "inline" // in-process dispatcher queue
	DispatchNotify = "notify" // pg_notify for a separate worker
	DispatchKafka  = "kafka"  // publish to the detection topic
)

// --------------------------------------------------------------------------
// Config struct, populated from environment variables
// --------------------------------------------------------------------------

type Config struct {
	// Database
	DatabaseURL    string
	DBPoolMinConns int
	DBPoolMaxConns int
	DBPoolMaxLife  time.Duration
	StoreDriver    string
	SQLitePath     string

	// API server
	APIHost        string
	APIPort        int
	Environment    string // development, staging, production
	Debug          bool
	LogLevel       slog.Level
	MaxUploadBytes int64

	// CORS
	CORSAllowOrigins []string

	// Rate limiting
	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// API keys for user management; empty disables the check
	APIKeys []string

	// Alert policy
	AlertMinConfidence float64
	AlertRadiusKm      float64
	AlertWindow        time.Duration

	// Dispatcher
	DispatchMode   string
	AlertWorkers   int
	AlertQueueSize int

	// Push provider; empty endpoint means log-only delivery
	PushEndpoint      string
	PushAPIKey        string
	PushRatePerSecond float64
	PushTimeout       time.Duration
	PushLogLatency    time.Duration

	// Classifier; empty URL means the built-in mock
	ClassifierURL     string
	ClassifierTimeout time.Duration
	ClassifierSeed    int64

	// Image archive; empty bucket disables archiving
	S3Bucket   string
	S3Prefix   string
	S3Region   string
	S3Endpoint string

	// Kafka detection stream; empty brokers disables the consumer
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	// Nearby alerts
	NearbyRadiusKm float64
	NearbyLookback time.Duration
	NearbyLimit    int

	// Cache
	CacheEnabled bool
	CacheTTL     time.Duration

	// Maintenance
	AlertRetentionDays     int
	DetectionRetentionDays int
	MaintenanceInterval    time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:    envOr("DATABASE_URL", ""),
		DBPoolMinConns: envInt("DB_POOL_MIN_CONNS", 2),
		DBPoolMaxConns: envInt("DB_POOL_MAX_CONNS", 10),
		DBPoolMaxLife:  time.Duration(envInt("DB_POOL_MAX_LIFE_MINUTES", 30)) * time.Minute,
		StoreDriver:    strings.ToLower(envOr("STORE_DRIVER", StorePostgres)),
		SQLitePath:     envOr("SQLITE_PATH", "arogyakrishi.db"),

		APIHost:        envOr("API_HOST", "0.0.0.0"),
		APIPort:        envInt("API_PORT", envInt("PORT", 8000)),
		Environment:    envOr("ENVIRONMENT", "development"),
		Debug:          envBool("DEBUG", false),
		LogLevel:       envLevel("LOG_LEVEL", slog.LevelInfo),
		MaxUploadBytes: int64(envInt("MAX_UPLOAD_MB", 10)) << 20,

		CORSAllowOrigins: envList("CORS_ALLOW_ORIGINS", []string{
			"http://localhost:3000",
			"http://localhost:5173",
			"http://localhost:8081",
		}),

		RateLimitEnabled:  envBool("RATE_LIMIT_ENABLED", true),
		RateLimitRequests: envInt("RATE_LIMIT_REQUESTS", 100),
		RateLimitWindow:   time.Duration(envInt("RATE_LIMIT_WINDOW", 60)) * time.Second,

		APIKeys: envList("API_KEYS", nil),

		AlertMinConfidence: envFloat("ALERT_MIN_CONFIDENCE", 0.75),
		AlertRadiusKm:      envFloat("ALERT_RADIUS_KM", 2.0),
		AlertWindow:        time.Duration(envInt("ALERT_WINDOW_HOURS", 24)) * time.Hour,

		DispatchMode:   strings.ToLower(envOr("DISPATCH_MODE", DispatchInline)),
		AlertWorkers:   envInt("ALERT_WORKERS", 1),
		AlertQueueSize: envInt("ALERT_QUEUE_SIZE", 256),

		PushEndpoint:      envOr("PUSH_ENDPOINT", ""),
		PushAPIKey:        envOr("PUSH_API_KEY", ""),
		PushRatePerSecond: envFloat("PUSH_RATE_PER_SECOND", 50),
		PushTimeout:       envDuration("PUSH_TIMEOUT", 10*time.Second),
		PushLogLatency:    envDuration("PUSH_LOG_LATENCY", 10*time.Millisecond),

		ClassifierURL:     envOr("CLASSIFIER_URL", ""),
		ClassifierTimeout: envDuration("CLASSIFIER_TIMEOUT", 30*time.Second),
		ClassifierSeed:    int64(envInt("CLASSIFIER_SEED", 0)),

		S3Bucket:   envOr("S3_BUCKET", ""),
		S3Prefix:   envOr("S3_PREFIX", "detections/"),
		S3Region:   envOr("AWS_REGION", "ap-south-1"),
		S3Endpoint: envOr("S3_ENDPOINT", ""),

		KafkaBrokers: envList("KAFKA_BROKERS", nil),
		KafkaTopic:   envOr("KAFKA_TOPIC", "detection-events"),
		KafkaGroupID: envOr("KAFKA_GROUP_ID", "crop-alert-worker"),

		NearbyRadiusKm: envFloat("NEARBY_RADIUS_KM", 10.0),
		NearbyLookback: time.Duration(envInt("NEARBY_LOOKBACK_DAYS", 7)) * 24 * time.Hour,
		NearbyLimit:    envInt("NEARBY_LIMIT", 50),

		CacheEnabled: envBool("CACHE_ENABLED", true),
		CacheTTL:     envDuration("CACHE_TTL", 30*time.Second),

		AlertRetentionDays:     envInt("ALERT_RETENTION_DAYS", 30),
		DetectionRetentionDays: envInt("DETECTION_RETENTION_DAYS", 90),
		MaintenanceInterval:    envDuration("MAINTENANCE_INTERVAL", time.Hour),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case StorePostgres, StoreGorm:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL must be set for STORE_DRIVER=%s", c.StoreDriver)
		}
	case StoreSQLite:
		if c.DispatchMode == DispatchNotify {
			return fmt.Errorf("DISPATCH_MODE=notify requires a Postgres store")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}

	switch c.DispatchMode {
	case DispatchInline, DispatchNotify:
	case DispatchKafka:
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("DISPATCH_MODE=kafka requires KAFKA_BROKERS")
		}
	default:
		return fmt.Errorf("unknown DISPATCH_MODE %q", c.DispatchMode)
	}

	if c.AlertMinConfidence < 0 || c.AlertMinConfidence > 1 {
		return fmt.Errorf("ALERT_MIN_CONFIDENCE must be within [0, 1], got %v", c.AlertMinConfidence)
	}
	if c.AlertRadiusKm <= 0 {
		return fmt.Errorf("ALERT_RADIUS_KM must be positive, got %v", c.AlertRadiusKm)
	}
	if c.AlertWindow <= 0 {
		return fmt.Errorf("ALERT_WINDOW_HOURS must be positive")
	}

	// Purging alerts younger than the duplicate window would re-enable sends.
	if floor := int(math.Ceil(c.AlertWindow.Hours() / 24)); c.AlertRetentionDays < floor {
		c.AlertRetentionDays = floor
	}
	return nil
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// UsesPostgres reports whether the configured store is backed by Postgres.
func (c *Config) UsesPostgres() bool {
	return c.StoreDriver == StorePostgres || c.StoreDriver == StoreGorm
}

// --------------------------------------------------------------------------
// Env helpers
// --------------------------------------------------------------------------

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envLevel(key string, fallback slog.Level) slog.Level {
	if v := os.Getenv(key); v != "" {
		var l slog.Level
		if err := l.UnmarshalText([]byte(v)); err == nil {
			return l
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return fallback
}
