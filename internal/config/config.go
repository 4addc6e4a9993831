// Package config loads service settings from .env, the environment and an
// optional YAML file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	HTTP        HTTPConfig        `mapstructure:"http"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Broker      BrokerConfig      `mapstructure:"broker"`
	Stripe      StripeConfig      `mapstructure:"stripe"`
	Payment     PaymentConfig     `mapstructure:"payment"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Outbox      OutboxConfig      `mapstructure:"outbox"`
	Breaker     BreakerConfig     `mapstructure:"breaker"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Log         LogConfig         `mapstructure:"log"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
	CSRF        CSRFConfig        `mapstructure:"csrf"`
	Email       EmailConfig       `mapstructure:"email"`
	App         AppConfig         `mapstructure:"app"`
}

type HTTPConfig struct {
	Port int `mapstructure:"port"`
}

type DatabaseConfig struct {
	// URL is a lib/pq connection string; empty selects in-memory stores
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type BrokerConfig struct {
	Kind  string `mapstructure:"kind"`
	URL   string `mapstructure:"url"`
	Queue string `mapstructure:"queue"`
}

type StripeConfig struct {
	SecretKey     string `mapstructure:"secret_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
}

type PaymentConfig struct {
	Mock     bool   `mapstructure:"mock"`
	Currency string `mapstructure:"currency"`
}

type IdempotencyConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type OutboxConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	Lease        time.Duration `mapstructure:"lease"`
}

type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	HalfOpenAfter    time.Duration `mapstructure:"half_open_after"`
}

type RetryConfig struct {
	Retries  int           `mapstructure:"retries"`
	MinDelay time.Duration `mapstructure:"min_delay"`
	MaxDelay time.Duration `mapstructure:"max_delay"`
	Factor   float64       `mapstructure:"factor"`
	Jitter   bool          `mapstructure:"jitter"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TelemetryConfig struct {
	Exporter string `mapstructure:"exporter"`
	Endpoint string `mapstructure:"endpoint"`
}

type CSRFConfig struct {
	Cookie string `mapstructure:"cookie"`
	Header string `mapstructure:"header"`
}

type EmailConfig struct {
	From string `mapstructure:"from"`
}

type AppConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.port", 8080)
	v.SetDefault("database.url", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("broker.kind", "none")
	v.SetDefault("broker.url", "")
	v.SetDefault("broker.queue", "checkout.email")
	v.SetDefault("stripe.secret_key", "")
	v.SetDefault("stripe.webhook_secret", "")
	v.SetDefault("payment.mock", false)
	v.SetDefault("payment.currency", "usd")
	v.SetDefault("idempotency.ttl", 15*time.Minute)
	v.SetDefault("outbox.poll_interval", time.Second)
	v.SetDefault("outbox.batch_size", 10)
	v.SetDefault("outbox.max_attempts", 5)
	v.SetDefault("outbox.lease", 30*time.Second)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.half_open_after", 10*time.Second)
	v.SetDefault("retry.retries", 3)
	v.SetDefault("retry.min_delay", 200*time.Millisecond)
	v.SetDefault("retry.max_delay", 4*time.Second)
	v.SetDefault("retry.factor", 2.0)
	v.SetDefault("retry.jitter", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("telemetry.exporter", "none")
	v.SetDefault("telemetry.endpoint", "localhost:4317")
	v.SetDefault("csrf.cookie", "csrf_token")
	v.SetDefault("csrf.header", "X-CSRF-Token")
	v.SetDefault("email.from", "orders@localhost")
	v.SetDefault("app.base_url", "")
}

// Load reads .env if present, then layers defaults, the optional YAML file
// at path and the environment. HTTP_PORT overrides http.port and so on.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port %d out of range", c.HTTP.Port))
	}
	if c.Idempotency.TTL <= 0 {
		errs = append(errs, errors.New("idempotency.ttl must be positive"))
	}
	if c.Outbox.PollInterval <= 0 {
		errs = append(errs, errors.New("outbox.poll_interval must be positive"))
	}
	if c.Outbox.BatchSize <= 0 {
		errs = append(errs, errors.New("outbox.batch_size must be positive"))
	}
	if c.Outbox.MaxAttempts <= 0 {
		errs = append(errs, errors.New("outbox.max_attempts must be positive"))
	}
	if c.Breaker.FailureThreshold <= 0 {
		errs = append(errs, errors.New("breaker.failure_threshold must be positive"))
	}
	if c.Breaker.HalfOpenAfter <= 0 {
		errs = append(errs, errors.New("breaker.half_open_after must be positive"))
	}
	if c.Retry.Retries < 0 {
		errs = append(errs, errors.New("retry.retries must not be negative"))
	}
	if c.Retry.Factor < 1 {
		errs = append(errs, errors.New("retry.factor must be at least 1"))
	}
	switch c.Broker.Kind {
	case "none", "redis", "rabbitmq":
	default:
		errs = append(errs, fmt.Errorf("broker.kind %q is not one of none, redis, rabbitmq", c.Broker.Kind))
	}
	switch c.Telemetry.Exporter {
	case "none", "stdout", "otlp":
	default:
		errs = append(errs, fmt.Errorf("telemetry.exporter %q is not one of none, stdout, otlp", c.Telemetry.Exporter))
	}
	if !c.Payment.Mock && c.Stripe.SecretKey == "" {
		errs = append(errs, errors.New("stripe.secret_key is required unless payment.mock is set"))
	}
	return errors.Join(errs...)
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.HTTP.Port)
}
