// Package config loads gateway configuration from environment variables and
// an optional config file via viper. Defaults are safe for local development;
// production deployments set DATABASE_URL, REDIS_URL, and
// GATEWAY_SHARED_SECRET at minimum.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ctenopoma/llm-gateway/internal/logger"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Budget    BudgetConfig    `mapstructure:"budget"`
	Health    HealthConfig    `mapstructure:"health"`
	Usage     UsageConfig     `mapstructure:"usage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	CORS      CORSConfig      `mapstructure:"cors"`
}

type ServerConfig struct {
	Port             int           `mapstructure:"port"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
	AdmissionTimeout time.Duration `mapstructure:"admission_timeout"`
	MaxBodyBytes     int64         `mapstructure:"max_body_bytes"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	PoolSize int    `mapstructure:"pool_size"`
}

type GatewayConfig struct {
	SharedSecret     string        `mapstructure:"shared_secret"`
	KeyPrefix        string        `mapstructure:"key_prefix"`
	DefaultModel     string        `mapstructure:"default_model"`
	KeyCacheTTL      time.Duration `mapstructure:"key_cache_ttl"`
	NegativeCacheTTL time.Duration `mapstructure:"negative_cache_ttl"`
}

type RateLimitConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// RequestsPerMinute applies to delegated traffic without a key budget
	// of its own; bearer keys carry a per-key limit.
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
}

type BudgetConfig struct {
	SoftLimitRatio   float64       `mapstructure:"soft_limit_ratio"`
	AlertWebhookURL  string        `mapstructure:"alert_webhook_url"`
	ReservationGrace time.Duration `mapstructure:"reservation_grace"`
}

type HealthConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	BatchSize       int           `mapstructure:"batch_size"`
	DefaultInterval time.Duration `mapstructure:"default_interval"`
	DefaultTimeout  time.Duration `mapstructure:"default_timeout"`
}

type UsageConfig struct {
	SpoolDir         string        `mapstructure:"spool_dir"`
	SpoolMaxBytes    int64         `mapstructure:"spool_max_bytes"`
	DrainInterval    time.Duration `mapstructure:"drain_interval"`
	MaxRetries       int           `mapstructure:"max_retries"`
	LogRetentionDays int           `mapstructure:"log_retention_days"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
	MaxAge         int      `mapstructure:"max_age"`
}

// LoggerConfig converts the logging section for logger.Initialize.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:      c.Logging.Level,
		Format:     c.Logging.Format,
		OutputPath: c.Logging.OutputPath,
	}
}

func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("gateway")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/llm-gateway")

	setDefaults(v)
	bindEnvVars(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 0) // streaming responses manage their own deadlines
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.admission_timeout", 5*time.Second)
	v.SetDefault("server.max_body_bytes", int64(10<<20))

	v.SetDefault("database.url", "postgres://localhost:5432/llm_gateway?sslmode=disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("gateway.key_prefix", "sk-gate-")
	v.SetDefault("gateway.default_model", "")
	v.SetDefault("gateway.key_cache_ttl", 60*time.Second)
	v.SetDefault("gateway.negative_cache_ttl", 5*time.Second)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_minute", 60)

	v.SetDefault("budget.soft_limit_ratio", 0.8)
	v.SetDefault("budget.reservation_grace", 60*time.Second)

	v.SetDefault("health.poll_interval", 10*time.Second)
	v.SetDefault("health.batch_size", 20)
	v.SetDefault("health.default_interval", 60*time.Second)
	v.SetDefault("health.default_timeout", 5*time.Second)

	v.SetDefault("usage.spool_dir", "/var/spool/llm-gateway")
	v.SetDefault("usage.spool_max_bytes", int64(256<<20))
	v.SetDefault("usage.drain_interval", 30*time.Second)
	v.SetDefault("usage.max_retries", 10)
	v.SetDefault("usage.log_retention_days", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "stdout")

	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"Accept", "Authorization", "Content-Type", "X-Gateway-Secret", "X-User-OID", "X-App-ID"})
	v.SetDefault("cors.max_age", 300)
}

func bindEnvVars(v *viper.Viper) {
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("server.port", "PORT")
	_ = v.BindEnv("database.url", "DATABASE_URL")
	_ = v.BindEnv("redis.url", "REDIS_URL")
	_ = v.BindEnv("gateway.shared_secret", "GATEWAY_SHARED_SECRET")
	_ = v.BindEnv("gateway.default_model", "DEFAULT_MODEL")
	_ = v.BindEnv("rate_limit.requests_per_minute", "RATE_LIMIT_REQUESTS_PER_MINUTE")
	_ = v.BindEnv("budget.alert_webhook_url", "BUDGET_ALERT_WEBHOOK_URL")
	_ = v.BindEnv("usage.spool_dir", "USAGE_SPOOL_DIR")
	_ = v.BindEnv("usage.log_retention_days", "LOG_RETENTION_DAYS")
	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT")
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Budget.SoftLimitRatio <= 0 || c.Budget.SoftLimitRatio >= 1 {
		return fmt.Errorf("budget soft limit ratio must be in (0,1): %f", c.Budget.SoftLimitRatio)
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("rate limit requests per minute must be positive")
	}
	return nil
}
