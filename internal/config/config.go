package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the docworker server and CLI.
// It is read once at process startup.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Worker   WorkerConfig
	Jobs     JobsConfig
	Blob     BlobConfig
}

type ServerConfig struct {
	Port              int
	Env               string
	RequestsPerMinute int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL            string
	StatusCacheTTL time.Duration
}

// WorkerConfig sizes and paces the in-process worker pool. PoolSize 0
// disables the workers (API-only process).
type WorkerConfig struct {
	PoolSize        int
	PollInterval    time.Duration
	LeaseDuration   time.Duration
	ShutdownTimeout time.Duration
	IDPrefix        string
}

// JobsConfig holds the baseline values applied when an enqueue request
// omits them.
type JobsConfig struct {
	DefaultMaxRetries int
	DefaultPriority   int
}

type BlobConfig struct {
	RootDir     string
	HTTPTimeout time.Duration
	MaxBytes    int64
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:              envInt("DOCWORKER_PORT", 8080),
			Env:               envString("DOCWORKER_ENV", "development"),
			RequestsPerMinute: envInt("RATE_LIMIT_PER_MIN", 60),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:            os.Getenv("REDIS_URL"),
			StatusCacheTTL: envDuration("JOB_STATUS_CACHE_TTL", 30*time.Minute),
		},
		Worker: WorkerConfig{
			PoolSize:        envInt("WORKER_POOL_SIZE", 2),
			PollInterval:    envDurationSecs("WORKER_POLL_INTERVAL_SECS", 5*time.Second),
			LeaseDuration:   envDurationSecs("WORKER_LEASE_DURATION_SECS", 300*time.Second),
			ShutdownTimeout: envDuration("WORKER_SHUTDOWN_TIMEOUT", 30*time.Second),
			IDPrefix:        envString("WORKER_ID_PREFIX", "doc-worker"),
		},
		Jobs: JobsConfig{
			DefaultMaxRetries: envInt("JOB_DEFAULT_MAX_RETRIES", 3),
			DefaultPriority:   envInt("JOB_DEFAULT_PRIORITY", 0),
		},
		Blob: BlobConfig{
			RootDir:     envString("BLOB_ROOT_DIR", "."),
			HTTPTimeout: envDuration("BLOB_HTTP_TIMEOUT", 30*time.Second),
			MaxBytes:    envInt64("BLOB_MAX_BYTES", 50<<20),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if !strings.HasPrefix(c.Database.URL, "postgres://") && !strings.HasPrefix(c.Database.URL, "postgresql://") {
		return fmt.Errorf("DATABASE_URL must start with postgres:// or postgresql://, got %q", c.Database.URL)
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Worker.PoolSize < 0 {
		return fmt.Errorf("WORKER_POOL_SIZE must be >= 0, got %d", c.Worker.PoolSize)
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("WORKER_POLL_INTERVAL_SECS must be positive")
	}
	if c.Worker.LeaseDuration <= 0 {
		return fmt.Errorf("WORKER_LEASE_DURATION_SECS must be positive")
	}

	if c.Jobs.DefaultMaxRetries < 1 {
		return fmt.Errorf("JOB_DEFAULT_MAX_RETRIES must be >= 1, got %d", c.Jobs.DefaultMaxRetries)
	}

	if c.Blob.MaxBytes <= 0 {
		return fmt.Errorf("BLOB_MAX_BYTES must be positive")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
