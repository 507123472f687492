package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. CQRS_SERVER_PORT
const EnvPrefix = "CQRS"

// Load reads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/commandd/")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// config file is optional when running on defaults and env
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("store.driver", DriverMemory)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "cqrs")
	v.SetDefault("database.user", "cqrs")
	v.SetDefault("database.password", "")
	v.SetDefault("database.max_connections", 20)
	v.SetDefault("database.min_connections", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.notify_channel", "command_changes")

	v.SetDefault("sqlite.path", "commandd.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.pool_size", 50)
	v.SetDefault("redis.min_idle_conns", 5)

	v.SetDefault("command.submit_timeout", "30s")
	v.SetDefault("command.poll_interval", "200ms")
	v.SetDefault("command.latest_retries", 3)
	v.SetDefault("command.idempotency_ttl", "24h")

	v.SetDefault("ordering.predecessor_timeout", "15m")
	v.SetDefault("ordering.sweep_interval", "10s")
	v.SetDefault("ordering.sweep_batch_size", 100)
	v.SetDefault("ordering.stall_threshold", "30s")
	v.SetDefault("ordering.workers", 16)
	v.SetDefault("ordering.queue_size", 1024)
	v.SetDefault("ordering.recover_on_start", true)

	v.SetDefault("notifier.disable_default_sync", false)
	v.SetDefault("notifier.delivery_retries", 3)
	v.SetDefault("notifier.retry_backoff", "100ms")
	v.SetDefault("notifier.handler_timeout", "30s")

	v.SetDefault("sequence.settings_file", "")
	v.SetDefault("sequence.counter_backend", CounterBackendStore)

	v.SetDefault("rate_limiter.enabled", true)
	v.SetDefault("rate_limiter.requests_per_second", 500.0)
	v.SetDefault("rate_limiter.burst_size", 100)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
