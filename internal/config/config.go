// Package config loads and validates the service configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the PCL_ prefix (e.g., PCL_DATABASE_HOST
// overrides database.host in the YAML). This layering allows the same binary to
// run with a config.yaml in local development and with pure environment variables
// in containerized deployments without recompilation or different binaries.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/protein-classifier/protein-classifier/internal/audit"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Auth          AuthConfig          `mapstructure:"auth"`
	RateLimits    RateLimitsConfig    `mapstructure:"rate_limits"`
	Classifier    ClassifierConfig    `mapstructure:"classifier"`
	Audit         AuditConfig         `mapstructure:"audit"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// RedisConfig holds the connection settings for the rate-limit counter store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	// OpTimeout bounds every read and write so a Redis outage degrades the
	// limiter instead of stalling the request path.
	OpTimeout time.Duration `mapstructure:"op_timeout"`
}

// ClientOptions translates the config into go-redis client options. OpTimeout
// feeds both socket timeouts; counter operations are single round trips, so
// one bound covers them.
func (r RedisConfig) ClientOptions() *redis.Options {
	return &redis.Options{
		Addr:         r.Addr,
		Password:     r.Password,
		DB:           r.DB,
		DialTimeout:  r.DialTimeout,
		ReadTimeout:  r.OpTimeout,
		WriteTimeout: r.OpTimeout,
	}
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// AccessTokenTTL is the lifetime of issued JWT access tokens (default 1h)
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
	// RefreshTokenTTL is the lifetime of opaque refresh tokens (default 720h)
	RefreshTokenTTL time.Duration `mapstructure:"refresh_token_ttl"`
	// MagicLinkTTL is how long a login link stays valid (default 15m)
	MagicLinkTTL time.Duration `mapstructure:"magic_link_ttl"`
	// BootstrapDemoKey controls whether a demo API key is generated on first boot
	BootstrapDemoKey bool `mapstructure:"bootstrap_demo_key"`
}

// TierLimits holds the per-tier request and quota limits.
type TierLimits struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	SequencesPerDay   int `mapstructure:"sequences_per_day"`
	MaxBatchSize      int `mapstructure:"max_batch_size"`
}

// RateLimitsConfig holds rate limiting configuration per API key tier plus the
// per-IP limits applied to unauthenticated endpoints.
type RateLimitsConfig struct {
	Free    TierLimits `mapstructure:"free"`
	Premium TierLimits `mapstructure:"premium"`
	// AuthPerMinute is the per-IP limit on the login/verify endpoints
	AuthPerMinute int `mapstructure:"auth_per_minute"`
	// AuditQueriesPerMinute is the per-caller limit on audit log queries
	AuditQueriesPerMinute int `mapstructure:"audit_queries_per_minute"`
}

// ForTier returns the limits for the named tier, defaulting to free.
func (r *RateLimitsConfig) ForTier(tier string) TierLimits {
	if tier == "premium" {
		return r.Premium
	}
	return r.Free
}

// ClassifierConfig holds sequence validation and scoring configuration
type ClassifierConfig struct {
	// VoteThreshold is how many of the feature rules must pass for a
	// "structured" verdict (default 4 of 7)
	VoteThreshold int `mapstructure:"vote_threshold"`
	// MaxSequenceLength rejects sequences longer than this (default 5000)
	MaxSequenceLength int `mapstructure:"max_sequence_length"`
}

// AuditConfig holds audit logging configuration
type AuditConfig struct {
	// Enabled determines if audit logging is active
	Enabled bool `mapstructure:"enabled"`
	// RetentionDays is how long events are kept before expiry (default 30)
	RetentionDays int `mapstructure:"retention_days"`
	// MaxPageSize caps the limit parameter on audit queries (default 200)
	MaxPageSize int `mapstructure:"max_page_size"`
	// SweepIntervalHours determines how often the retention sweeper runs (default 6)
	SweepIntervalHours int `mapstructure:"sweep_interval_hours"`
	// Shippers routes a copy of each event to secondary destinations
	// (file, webhook) for log-aggregator consumption
	Shippers []audit.ShipperConfig `mapstructure:"shippers"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// NotificationsConfig holds settings for outbound email (magic-link delivery)
type NotificationsConfig struct {
	// Enabled globally toggles outbound email. When false, login links are
	// written to the application log instead (local development mode).
	Enabled bool `mapstructure:"enabled"`
	// SMTP holds the outbound mail server settings
	SMTP SMTPConfig `mapstructure:"smtp"`
}

// SMTPConfig holds outbound mail server configuration
type SMTPConfig struct {
	// Host is the SMTP server hostname (e.g. smtp.sendgrid.net)
	Host string `mapstructure:"host"`
	// Port is the SMTP server port (587 for STARTTLS, 465 for SMTPS, 25 for plain)
	Port int `mapstructure:"port"`
	// Username for SMTP authentication
	Username string `mapstructure:"username"`
	// Password for SMTP authentication
	Password string `mapstructure:"password"`
	// From is the sender address shown in login emails
	From string `mapstructure:"from"`
	// UseTLS enables STARTTLS (port 587) or implicit TLS (port 465); false = plain SMTP
	UseTLS bool `mapstructure:"use_tls"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// This is necessary because AutomaticEnv() doesn't work well with nested structs during Unmarshal.
// viper.BindEnv only errors when called with zero keys; since every key here is a non-empty
// hardcoded string, any error indicates a programming bug and is surfaced to the caller.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Server
		"server.host",
		"server.port",
		"server.base_url",
		"server.read_timeout",
		"server.write_timeout",

		// Redis
		"redis.addr",
		"redis.password",
		"redis.db",
		"redis.dial_timeout",
		"redis.op_timeout",

		// Auth
		"auth.access_token_ttl",
		"auth.refresh_token_ttl",
		"auth.magic_link_ttl",
		"auth.bootstrap_demo_key",

		// Rate limits
		"rate_limits.free.requests_per_minute",
		"rate_limits.free.sequences_per_day",
		"rate_limits.free.max_batch_size",
		"rate_limits.premium.requests_per_minute",
		"rate_limits.premium.sequences_per_day",
		"rate_limits.premium.max_batch_size",
		"rate_limits.auth_per_minute",
		"rate_limits.audit_queries_per_minute",

		// Classifier
		"classifier.vote_threshold",
		"classifier.max_sequence_length",

		// Audit
		"audit.enabled",
		"audit.retention_days",
		"audit.max_page_size",
		"audit.sweep_interval_hours",

		// Logging
		"logging.level",
		"logging.format",
		"logging.output",

		// Telemetry
		"telemetry.enabled",
		"telemetry.service_name",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",

		// Notifications / SMTP
		"notifications.enabled",
		"notifications.smtp.host",
		"notifications.smtp.port",
		"notifications.smtp.username",
		"notifications.smtp.password",
		"notifications.smtp.from",
		"notifications.smtp.use_tls",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set default values
	setDefaults(v)

	// Set config file path if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config.yaml in common locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/protein-classifier")
	}

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	// Enable environment variable support
	v.SetEnvPrefix("PCL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicitly bind environment variables for nested structures
	// This is necessary because AutomaticEnv() doesn't work well with Unmarshal()
	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	// Unmarshal configuration
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)
	cfg.Notifications.SMTP.Password = expandEnv(cfg.Notifications.SMTP.Password)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "protein_classifier")
	v.SetDefault("database.user", "classifier")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.dial_timeout", "2s")
	v.SetDefault("redis.op_timeout", "250ms")

	// Auth defaults
	v.SetDefault("auth.access_token_ttl", "1h")
	v.SetDefault("auth.refresh_token_ttl", "720h")
	v.SetDefault("auth.magic_link_ttl", "15m")
	v.SetDefault("auth.bootstrap_demo_key", false)

	// Rate limit defaults (free / premium tiers)
	v.SetDefault("rate_limits.free.requests_per_minute", 100)
	v.SetDefault("rate_limits.free.sequences_per_day", 1000)
	v.SetDefault("rate_limits.free.max_batch_size", 50)
	v.SetDefault("rate_limits.premium.requests_per_minute", 1000)
	v.SetDefault("rate_limits.premium.sequences_per_day", 100000)
	v.SetDefault("rate_limits.premium.max_batch_size", 500)
	v.SetDefault("rate_limits.auth_per_minute", 10)
	v.SetDefault("rate_limits.audit_queries_per_minute", 10)

	// Classifier defaults
	v.SetDefault("classifier.vote_threshold", 4)
	v.SetDefault("classifier.max_sequence_length", 5000)

	// Audit defaults
	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.retention_days", 30)
	v.SetDefault("audit.max_page_size", 200)
	v.SetDefault("audit.sweep_interval_hours", 6)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "protein-classifier")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)

	// Notifications defaults
	v.SetDefault("notifications.enabled", false)
	v.SetDefault("notifications.smtp.port", 587)
	v.SetDefault("notifications.smtp.use_tls", true)
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}

	// Validate database
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	// Validate redis
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}

	// Validate auth TTLs
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth.access_token_ttl must be positive")
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		return fmt.Errorf("auth.refresh_token_ttl must be positive")
	}
	if c.Auth.MagicLinkTTL <= 0 {
		return fmt.Errorf("auth.magic_link_ttl must be positive")
	}

	// Validate tier limits
	for tier, limits := range map[string]TierLimits{"free": c.RateLimits.Free, "premium": c.RateLimits.Premium} {
		if limits.RequestsPerMinute < 1 {
			return fmt.Errorf("rate_limits.%s.requests_per_minute must be at least 1", tier)
		}
		if limits.SequencesPerDay < 1 {
			return fmt.Errorf("rate_limits.%s.sequences_per_day must be at least 1", tier)
		}
		if limits.MaxBatchSize < 1 {
			return fmt.Errorf("rate_limits.%s.max_batch_size must be at least 1", tier)
		}
	}

	// Validate classifier
	if c.Classifier.VoteThreshold < 1 || c.Classifier.VoteThreshold > 7 {
		return fmt.Errorf("classifier.vote_threshold must be between 1 and 7")
	}
	if c.Classifier.MaxSequenceLength < 1 {
		return fmt.Errorf("classifier.max_sequence_length must be positive")
	}

	// Validate audit
	if c.Audit.RetentionDays < 1 {
		return fmt.Errorf("audit.retention_days must be at least 1")
	}
	if c.Audit.MaxPageSize < 1 {
		return fmt.Errorf("audit.max_page_size must be at least 1")
	}

	// Validate logging level
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
