// Package config provides centralized configuration management for the application.
// It loads configuration from environment variables (optionally overlaid on a
// YAML file) with sensible defaults and validates all settings on startup to
// fail fast on misconfiguration.
package config

import (
	"strconv"
	"time"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Storage  StorageConfig
	Upload   UploadConfig
	Jobs     JobsConfig
	Sweeper  SweeperConfig
	Rate     RateLimitConfig
	Security SecurityConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 30s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"30s"`

	// WriteTimeout is the maximum duration for writing response (default: 60s)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"60s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for requests (default: 60s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`

	// CORSOrigins lists origins allowed to call the API (default: http://localhost:3000)
	CORSOrigins []string `env:"CORS_ORIGINS" default:"http://localhost:3000"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string (required)
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	// MaxConns is the maximum number of connections in the pool (default: 20)
	MaxConns int `env:"DB_MAX_CONNS" default:"20"`

	// MinConns is the minimum number of connections to keep open (default: 4)
	MinConns int `env:"DB_MIN_CONNS" default:"4"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// RedisConfig holds job queue settings.
type RedisConfig struct {
	// URL is the Redis connection string (default: redis://localhost:6379/0)
	URL string `env:"REDIS_URL" default:"redis://localhost:6379/0"`

	// QueueKey is the key prefix for the job queue lists (default: datamorph:jobs)
	QueueKey string `env:"REDIS_QUEUE_KEY" default:"datamorph:jobs"`

	// PollTimeout bounds each blocking dequeue so shutdown stays responsive (default: 5s)
	PollTimeout time.Duration `env:"REDIS_POLL_TIMEOUT" default:"5s"`
}

// StorageConfig holds object storage settings.
type StorageConfig struct {
	// Bucket receives uploaded files, dataset data and exports (default: datamorph-files)
	Bucket string `env:"S3_BUCKET_NAME" default:"datamorph-files"`

	// Endpoint overrides the S3 endpoint, e.g. for MinIO (optional)
	Endpoint string `env:"S3_ENDPOINT"`

	// Region is the S3 region (default: us-east-1)
	Region string `env:"S3_REGION" envAlt:"AWS_REGION" default:"us-east-1"`

	// AccessKeyID is a static access key; empty uses the default AWS credential chain
	AccessKeyID string `env:"AWS_ACCESS_KEY_ID"`

	// SecretAccessKey pairs with AccessKeyID
	SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`

	// UsePathStyle addresses buckets by path, required by MinIO (default: true)
	UsePathStyle bool `env:"S3_USE_PATH_STYLE" default:"true"`

	// PresignTTL is the lifetime of download URLs (default: 1h)
	PresignTTL time.Duration `env:"PRESIGN_TTL" default:"1h"`
}

// UploadConfig holds upload admission settings.
type UploadConfig struct {
	// MaxFileSize is the maximum allowed file size in bytes (default: 500MB)
	MaxFileSize int64 `env:"UPLOAD_MAX_FILE_SIZE" default:"524288000"`

	// MaxConcurrent is the maximum number of parallel uploads (default: 5)
	MaxConcurrent int `env:"UPLOAD_MAX_CONCURRENT" default:"5"`

	// MaxWaitTime is how long to wait for an upload slot (default: 30s)
	MaxWaitTime time.Duration `env:"UPLOAD_MAX_WAIT_TIME" default:"30s"`
}

// JobsConfig holds background job settings.
type JobsConfig struct {
	// Workers is the number of queue consumers per worker process (default: 4)
	Workers int `env:"JOB_WORKERS" default:"4"`

	// ExtractionMaxAttempts bounds extraction retries (default: 3)
	ExtractionMaxAttempts int `env:"JOB_EXTRACTION_MAX_ATTEMPTS" default:"3"`

	// ExportMaxAttempts bounds export retries (default: 2)
	ExportMaxAttempts int `env:"JOB_EXPORT_MAX_ATTEMPTS" default:"2"`

	// TrainingMaxAttempts bounds training retries (default: 3)
	TrainingMaxAttempts int `env:"JOB_TRAINING_MAX_ATTEMPTS" default:"3"`

	// BaseBackoff is the delay before the first retry (default: 30s)
	BaseBackoff time.Duration `env:"JOB_BASE_BACKOFF" default:"30s"`

	// MaxBackoff caps the exponential retry delay (default: 5m)
	MaxBackoff time.Duration `env:"JOB_MAX_BACKOFF" default:"5m"`

	// Timeout is the maximum duration for a single job attempt (default: 10m)
	Timeout time.Duration `env:"JOB_TIMEOUT" default:"10m"`
}

// SweeperConfig holds crash-recovery sweep settings.
type SweeperConfig struct {
	// Interval is how often the sweep runs (default: 1m)
	Interval time.Duration `env:"SWEEP_INTERVAL" default:"1m"`

	// StaleAfter is how long a job may sit without progress before it is requeued (default: 15m)
	StaleAfter time.Duration `env:"SWEEP_STALE_AFTER" default:"15m"`

	// BatchSize is the maximum number of rows handled per sweep step (default: 100)
	BatchSize int `env:"SWEEP_BATCH_SIZE" default:"100"`
}

// RateLimitConfig holds rate limiting settings per time window.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active (default: true)
	Enabled bool `env:"RATE_LIMIT_ENABLED" default:"true"`

	// RequestsPerMinute is the default rate limit per IP (default: 100)
	RequestsPerMinute int `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"100"`

	// UploadLimit is requests per minute for upload endpoints (default: 10)
	UploadLimit int `env:"RATE_LIMIT_UPLOAD" default:"10"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	// EnableCSP enables Content-Security-Policy headers (default: true)
	EnableCSP bool `env:"SECURITY_ENABLE_CSP" default:"true"`

	// RequireAPIKey enforces X-API-Key on API routes (default: false)
	RequireAPIKey bool `env:"REQUIRE_API_KEY" default:"false"`

	// APIKeys is a comma-separated list of accepted API keys
	APIKeys []string `env:"API_KEYS"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`

	// File additionally writes JSON logs to this path when set
	File string `env:"LOG_FILE"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
