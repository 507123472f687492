// Package config provides configuration management for the command engine.
package config

import (
	"fmt"
	"time"
)

// Store drivers
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Counter backends for the sequence generator
const (
	CounterBackendStore = "store"
	CounterBackendRedis = "redis"
)

// Config holds all configuration for the command engine.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Store       StoreConfig       `mapstructure:"store"`
	Database    DatabaseConfig    `mapstructure:"database"`
	SQLite      SQLiteConfig      `mapstructure:"sqlite"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Command     CommandConfig     `mapstructure:"command"`
	Ordering    OrderingConfig    `mapstructure:"ordering"`
	Notifier    NotifierConfig    `mapstructure:"notifier"`
	Sequence    SequenceConfig    `mapstructure:"sequence"`
	RateLimiter RateLimiterConfig `mapstructure:"rate_limiter"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig selects the storage adapter.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	NotifyChannel   string        `mapstructure:"notify_channel"`
}

// DSN renders a pgx connection string
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?pool_max_conns=%d&pool_min_conns=%d",
		d.User, d.Password, d.Host, d.Port, d.Database, d.MaxConnections, d.MinConnections)
}

// SQLiteConfig holds the embedded database location.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig holds Redis settings used for counters and idempotency.
type RedisConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	MaxRetries   int    `mapstructure:"max_retries"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
}

// Addr returns host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// CommandConfig holds command submission settings.
type CommandConfig struct {
	SubmitTimeout  time.Duration `mapstructure:"submit_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	LatestRetries  int           `mapstructure:"latest_retries"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
}

// OrderingConfig holds pipeline orchestration settings.
type OrderingConfig struct {
	PredecessorTimeout time.Duration `mapstructure:"predecessor_timeout"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	SweepBatchSize     int           `mapstructure:"sweep_batch_size"`
	StallThreshold     time.Duration `mapstructure:"stall_threshold"`
	Workers            int           `mapstructure:"workers"`
	QueueSize          int           `mapstructure:"queue_size"`
	RecoverOnStart     bool          `mapstructure:"recover_on_start"`
}

// NotifierConfig holds change notification settings.
type NotifierConfig struct {
	DisableDefaultSync bool          `mapstructure:"disable_default_sync"`
	DeliveryRetries    int           `mapstructure:"delivery_retries"`
	RetryBackoff       time.Duration `mapstructure:"retry_backoff"`
	HandlerTimeout     time.Duration `mapstructure:"handler_timeout"`
}

// SequenceConfig holds sequence generator settings.
type SequenceConfig struct {
	SettingsFile   string `mapstructure:"settings_file"`
	CounterBackend string `mapstructure:"counter_backend"`
}

// RateLimiterConfig holds rate limiter configuration.
type RateLimiterConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	BurstSize         int     `mapstructure:"burst_size"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Database.Host == "" || c.Database.Database == "" || c.Database.User == "" {
			return fmt.Errorf("database.host, database.database and database.user are required for the postgres driver")
		}
	case DriverSQLite:
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("store.driver must be one of: memory, postgres, sqlite (got %q)", c.Store.Driver)
	}

	if c.Redis.Enabled && c.Redis.Host == "" {
		return fmt.Errorf("redis.host is required when redis is enabled")
	}

	if c.Command.SubmitTimeout <= 0 {
		return fmt.Errorf("command.submit_timeout must be positive")
	}
	if c.Command.LatestRetries < 0 {
		return fmt.Errorf("command.latest_retries cannot be negative")
	}

	if c.Ordering.PredecessorTimeout <= 0 {
		return fmt.Errorf("ordering.predecessor_timeout must be positive")
	}
	if c.Ordering.Workers <= 0 {
		return fmt.Errorf("ordering.workers must be positive")
	}

	switch c.Sequence.CounterBackend {
	case CounterBackendStore:
	case CounterBackendRedis:
		if !c.Redis.Enabled {
			return fmt.Errorf("sequence.counter_backend redis requires redis.enabled")
		}
	default:
		return fmt.Errorf("sequence.counter_backend must be one of: store, redis")
	}

	if c.RateLimiter.Enabled {
		if c.RateLimiter.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate limiter requests per second must be positive")
		}
		if c.RateLimiter.BurstSize <= 0 {
			return fmt.Errorf("rate limiter burst size must be positive")
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}
