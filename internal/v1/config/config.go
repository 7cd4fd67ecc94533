package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration shared by the gateway and
// the worker.
type Config struct {
	// Required
	RedisURL string

	// Gateway only
	Port string

	// Optional with defaults
	RedisPrefix string
	Storage     string
	StorageDir  string
	S3Bucket    string
	S3Endpoint  string
	S3Prefix    string
	LogLevel    string

	// Auth
	AuthPublicKey  string
	AuthJWKSDomain string
	AuthAudience   string
	SkipAuth       bool

	DevelopmentMode bool
	AllowedOrigins  string
	OTLPEndpoint    string
	RateLimitWsIP   string

	// Tunables
	ReadBlock          time.Duration
	WorkerBlock        time.Duration
	MinMessageLifetime time.Duration
	WorkerTimeout      time.Duration
	SessionSendBuffer  int
	WorkerConcurrency  int
}

// ValidateServerEnv validates the gateway environment. PORT is required.
func ValidateServerEnv() (*Config, error) {
	cfg, errs := load()

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	return finish(cfg, errs)
}

// ValidateWorkerEnv validates the worker environment.
func ValidateWorkerEnv() (*Config, error) {
	cfg, errs := load()
	return finish(cfg, errs)
}

func load() (*Config, []string) {
	cfg := &Config{}
	var errs []string

	// Required: REDIS_URL
	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.RedisURL == "" {
		errs = append(errs, "REDIS_URL is required (e.g. redis://localhost:6379)")
	}

	cfg.RedisPrefix = getEnvOrDefault("REDIS_PREFIX", "y")
	cfg.Storage = getEnvOrDefault("STORAGE", "memory")
	switch cfg.Storage {
	case "memory", "fs", "s3", "azure", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("STORAGE must be one of memory, fs, s3, azure, postgres (got '%s')", cfg.Storage))
	}

	cfg.StorageDir = getEnvOrDefault("STORAGE_DIR", "./data")
	cfg.S3Bucket = os.Getenv("S3_BUCKET")
	cfg.S3Endpoint = os.Getenv("S3_ENDPOINT")
	cfg.S3Prefix = getEnvOrDefault("S3_PREFIX", "meshdocs")
	if cfg.Storage == "s3" && cfg.S3Bucket == "" {
		errs = append(errs, "S3_BUCKET is required when STORAGE=s3")
	}

	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.AuthPublicKey = os.Getenv("AUTH_PUBLIC_KEY")
	cfg.AuthJWKSDomain = os.Getenv("AUTH_JWKS_DOMAIN")
	cfg.AuthAudience = os.Getenv("AUTH_AUDIENCE")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	if !cfg.SkipAuth && cfg.AuthPublicKey == "" && cfg.AuthJWKSDomain == "" {
		errs = append(errs, "AUTH_PUBLIC_KEY or AUTH_JWKS_DOMAIN is required unless SKIP_AUTH=true")
	}
	if cfg.AuthJWKSDomain != "" && cfg.AuthAudience == "" {
		errs = append(errs, "AUTH_AUDIENCE is required when AUTH_JWKS_DOMAIN is set")
	}

	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")
	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")

	cfg.ReadBlock = durationMs("READ_BLOCK_MS", 1000, &errs)
	cfg.WorkerBlock = durationMs("WORKER_BLOCK_MS", 1000, &errs)
	cfg.MinMessageLifetime = durationMs("REDIS_MIN_MESSAGE_LIFETIME_MS", 60000, &errs)
	cfg.WorkerTimeout = durationMs("REDIS_WORKER_TIMEOUT_MS", 120000, &errs)
	cfg.SessionSendBuffer = intEnv("SESSION_SEND_BUFFER", 256, &errs)
	cfg.WorkerConcurrency = intEnv("WORKER_CONCURRENCY", 4, &errs)

	// The claim TTL must outlive the drain window or two workers can compact
	// the same room concurrently.
	if cfg.WorkerTimeout <= cfg.MinMessageLifetime {
		errs = append(errs, fmt.Sprintf(
			"REDIS_WORKER_TIMEOUT_MS (%v) must exceed REDIS_MIN_MESSAGE_LIFETIME_MS (%v)",
			cfg.WorkerTimeout, cfg.MinMessageLifetime))
	}

	return cfg, errs
}

func finish(cfg *Config, errs []string) (*Config, error) {
	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return cfg, nil
}

func durationMs(key string, def int, errs *[]string) time.Duration {
	v, exists := os.LookupEnv(key)
	if !exists {
		return time.Duration(def) * time.Millisecond
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms < 1 {
		*errs = append(*errs, fmt.Sprintf("%s must be a positive integer of milliseconds (got '%s')", key, v))
		return time.Duration(def) * time.Millisecond
	}
	return time.Duration(ms) * time.Millisecond
}

func intEnv(key string, def int, errs *[]string) int {
	v, exists := os.LookupEnv(key)
	if !exists {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		*errs = append(*errs, fmt.Sprintf("%s must be a positive integer (got '%s')", key, v))
		return def
	}
	return n
}

// getEnvOrDefault returns the value of the environment variable or a default
// value if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
