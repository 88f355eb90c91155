// Package config handles application configuration loading and validation using Viper.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Badges     BadgesConfig     `mapstructure:"badges"`
	Realtime   RealtimeConfig   `mapstructure:"realtime"`
	Mattermost MattermostConfig `mapstructure:"mattermost"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Environment     string        `mapstructure:"environment"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig selects the SQL driver and holds connection settings for every backend.
type DatabaseConfig struct {
	Driver        string         `mapstructure:"driver"` // "postgres" or "sqlite"
	RunMigrations bool           `mapstructure:"run_migrations"`
	Postgres      PostgresConfig `mapstructure:"postgres"`
	SQLite        SQLiteConfig   `mapstructure:"sqlite"`
	Redis         RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains PostgreSQL database connection and pool settings.
type PostgresConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Database        string `mapstructure:"database"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	SSLMode         string `mapstructure:"ssl_mode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
}

// DSN returns the key/value connection string used by the gorm postgres driver.
func (c *PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// URL returns the URL form of the connection string used by golang-migrate.
func (c *PostgresConfig) URL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

// SQLiteConfig contains the SQLite database path.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig contains Redis connection and pool settings.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// Addr returns host:port.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// BadgesConfig controls the badge catalog, award ledger backend and the batch sweep.
type BadgesConfig struct {
	CatalogFile   string `mapstructure:"catalog_file"`
	Ledger        string `mapstructure:"ledger"` // "database" or "redis"
	BatchWorkers  int    `mapstructure:"batch_workers"`
	SweepSchedule string `mapstructure:"sweep_schedule"` // cron expression, empty disables
	Timezone      string `mapstructure:"timezone"`
}

// GetLocation returns the timezone location used by the sweep schedule.
func (c *BadgesConfig) GetLocation() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// RealtimeConfig contains connection registry, room queue and sweeper settings.
type RealtimeConfig struct {
	DefaultRoom     string        `mapstructure:"default_room"`
	QueueCapacity   int           `mapstructure:"queue_capacity"`
	FlushInterval   time.Duration `mapstructure:"flush_interval"`
	FlushLimit      int           `mapstructure:"flush_limit"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
	DisconnectGrace time.Duration `mapstructure:"disconnect_grace"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	MetricsInterval time.Duration `mapstructure:"metrics_interval"`
	MetricsRoom     string        `mapstructure:"metrics_room"` // empty disables metrics broadcast
	SendBuffer      int           `mapstructure:"send_buffer"`
}

// MattermostConfig contains Mattermost webhook settings for badge announcements.
type MattermostConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
	Channel    string `mapstructure:"channel"`
	Enabled    bool   `mapstructure:"enabled"`
}

// MetricsConfig contains metrics exporter settings.
type MetricsConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
}

// PrometheusConfig contains Prometheus metrics exporter settings.
type PrometheusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig contains application logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.environment", "development")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.run_migrations", true)
	v.SetDefault("database.sqlite.path", "travelqa.db")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.ssl_mode", "disable")
	v.SetDefault("database.postgres.max_open_conns", 25)
	v.SetDefault("database.postgres.max_idle_conns", 5)
	v.SetDefault("database.postgres.conn_max_lifetime", 300)
	v.SetDefault("database.redis.port", 6379)
	v.SetDefault("database.redis.pool_size", 10)

	v.SetDefault("badges.ledger", "database")
	v.SetDefault("badges.batch_workers", 4)
	v.SetDefault("badges.sweep_schedule", "0 3 * * *")
	v.SetDefault("badges.timezone", "UTC")

	v.SetDefault("realtime.default_room", "lobby")
	v.SetDefault("realtime.queue_capacity", 1000)
	v.SetDefault("realtime.flush_interval", 30*time.Second)
	v.SetDefault("realtime.flush_limit", 10)
	v.SetDefault("realtime.stale_after", 5*time.Minute)
	v.SetDefault("realtime.disconnect_grace", 30*time.Second)
	v.SetDefault("realtime.sweep_interval", 30*time.Second)
	v.SetDefault("realtime.metrics_interval", 10*time.Second)
	v.SetDefault("realtime.send_buffer", 64)

	v.SetDefault("metrics.prometheus.enabled", true)
	v.SetDefault("metrics.prometheus.path", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// Load reads configuration from file and environment variables.
// A missing config file is tolerated when configPath is empty; defaults and env apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/travelqa/")
	}

	// Server configuration
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.environment", "SERVER_ENVIRONMENT")

	// Database configuration
	_ = v.BindEnv("database.driver", "DATABASE_DRIVER")
	_ = v.BindEnv("database.run_migrations", "DATABASE_RUN_MIGRATIONS")
	_ = v.BindEnv("database.sqlite.path", "SQLITE_PATH")
	_ = v.BindEnv("database.postgres.host", "POSTGRES_HOST")
	_ = v.BindEnv("database.postgres.port", "POSTGRES_PORT")
	_ = v.BindEnv("database.postgres.database", "POSTGRES_DB")
	_ = v.BindEnv("database.postgres.user", "POSTGRES_USER")
	_ = v.BindEnv("database.postgres.password", "POSTGRES_PASSWORD")
	_ = v.BindEnv("database.postgres.ssl_mode", "POSTGRES_SSL_MODE")
	_ = v.BindEnv("database.redis.host", "REDIS_HOST")
	_ = v.BindEnv("database.redis.port", "REDIS_PORT")
	_ = v.BindEnv("database.redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("database.redis.db", "REDIS_DB")

	// Badge configuration
	_ = v.BindEnv("badges.catalog_file", "BADGES_CATALOG_FILE")
	_ = v.BindEnv("badges.ledger", "BADGES_LEDGER")
	_ = v.BindEnv("badges.batch_workers", "BADGES_BATCH_WORKERS")
	_ = v.BindEnv("badges.sweep_schedule", "BADGES_SWEEP_SCHEDULE")
	_ = v.BindEnv("badges.timezone", "BADGES_TIMEZONE")

	// Realtime configuration
	_ = v.BindEnv("realtime.default_room", "REALTIME_DEFAULT_ROOM")
	_ = v.BindEnv("realtime.metrics_room", "REALTIME_METRICS_ROOM")

	// Mattermost configuration
	_ = v.BindEnv("mattermost.webhook_url", "MATTERMOST_WEBHOOK_URL")
	_ = v.BindEnv("mattermost.channel", "MATTERMOST_CHANNEL")
	_ = v.BindEnv("mattermost.enabled", "MATTERMOST_ENABLED")

	// Logging configuration
	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT")
	_ = v.BindEnv("logging.output", "LOG_OUTPUT")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}
		if c.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres.database is required")
		}
		if c.Database.Postgres.User == "" {
			return fmt.Errorf("database.postgres.user is required")
		}
	default:
		return fmt.Errorf("unsupported database.driver %q (valid: sqlite, postgres)", c.Database.Driver)
	}

	switch c.Badges.Ledger {
	case "database":
	case "redis":
		if c.Database.Redis.Host == "" {
			return fmt.Errorf("database.redis.host is required when badges.ledger is redis")
		}
	default:
		return fmt.Errorf("unsupported badges.ledger %q (valid: database, redis)", c.Badges.Ledger)
	}

	if c.Badges.BatchWorkers < 1 {
		return fmt.Errorf("badges.batch_workers must be at least 1")
	}
	if c.Realtime.DefaultRoom == "" {
		return fmt.Errorf("realtime.default_room is required")
	}
	if c.Realtime.QueueCapacity < 1 {
		return fmt.Errorf("realtime.queue_capacity must be at least 1")
	}
	if c.Realtime.FlushLimit < 1 {
		return fmt.Errorf("realtime.flush_limit must be at least 1")
	}
	if c.Realtime.FlushInterval <= 0 || c.Realtime.SweepInterval <= 0 || c.Realtime.MetricsInterval <= 0 {
		return fmt.Errorf("realtime intervals must be positive")
	}
	if c.Realtime.StaleAfter <= 0 {
		return fmt.Errorf("realtime.stale_after must be positive")
	}
	if c.Mattermost.Enabled && c.Mattermost.WebhookURL == "" {
		return fmt.Errorf("mattermost.webhook_url is required when mattermost is enabled")
	}

	return nil
}
