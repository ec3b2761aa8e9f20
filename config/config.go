// Package config loads service configuration from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// UTILBILL_STORAGE_DRIVER=postgres.
const EnvPrefix = "UTILBILL"

// Config holds all configuration for the service.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Allocation AllocationConfig `mapstructure:"allocation"`
	Invoice    InvoiceConfig    `mapstructure:"invoice"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	// Invoice generation requests per second, per actor.
	GenerateRateLimit float64 `mapstructure:"generate_rate_limit"`
	GenerateBurst     int     `mapstructure:"generate_burst"`
}

// StorageConfig selects the store. Driver is memory, sqlite, gorm-sqlite
// or postgres.
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type AllocationConfig struct {
	FallbackRate string `mapstructure:"fallback_rate"`
}

// InvoiceConfig controls invoice numbering. Numbering is token or sequence;
// SequenceBackend is store or redis.
type InvoiceConfig struct {
	Numbering       string `mapstructure:"numbering"`
	SequenceBackend string `mapstructure:"sequence_backend"`
	DueDays         int    `mapstructure:"due_days"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// KafkaConfig configures the audit mirror. Empty Brokers disables it.
type KafkaConfig struct {
	Brokers    []string `mapstructure:"brokers"`
	AuditTopic string   `mapstructure:"audit_topic"`
	ClientID   string   `mapstructure:"client_id"`
}

// NotifyConfig configures invoice-sent emails. Empty SendGridAPIKey logs
// instead of sending.
type NotifyConfig struct {
	SendGridAPIKey string `mapstructure:"sendgrid_api_key"`
	FromEmail      string `mapstructure:"from_email"`
	FromName       string `mapstructure:"from_name"`
}

type SchedulerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Spec    string `mapstructure:"spec"`
}

// FallbackRate returns the parsed allocation fallback rate.
func (c *Config) FallbackRate() decimal.Decimal {
	rate, err := decimal.NewFromString(c.Allocation.FallbackRate)
	if err != nil {
		return decimal.RequireFromString(defaultFallbackRate)
	}
	return rate
}

const defaultFallbackRate = "0.1479"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.generate_rate_limit", 5.0)
	v.SetDefault("server.generate_burst", 10)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.dsn", "./data/billing.db")

	v.SetDefault("allocation.fallback_rate", defaultFallbackRate)

	v.SetDefault("invoice.numbering", "token")
	v.SetDefault("invoice.sequence_backend", "store")
	v.SetDefault("invoice.due_days", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "utilbill:invoice-seq:")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.audit_topic", "billing.audit")
	v.SetDefault("kafka.client_id", "utility-billing")

	v.SetDefault("notify.sendgrid_api_key", "")
	v.SetDefault("notify.from_email", "billing@example.com")
	v.SetDefault("notify.from_name", "Utility Billing")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.spec", "0 6 * * *")
}

// Load reads configuration from path (optional) and UTILBILL_* variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}

	switch c.Storage.Driver {
	case "memory":
	case "sqlite", "gorm-sqlite", "postgres":
		if c.Storage.DSN == "" {
			errs = append(errs, fmt.Errorf("storage.dsn required for driver %s", c.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver: %s", c.Storage.Driver))
	}

	rate, err := decimal.NewFromString(c.Allocation.FallbackRate)
	if err != nil {
		errs = append(errs, fmt.Errorf("allocation.fallback_rate: %w", err))
	} else if !rate.IsPositive() {
		errs = append(errs, errors.New("allocation.fallback_rate must be positive"))
	}

	switch c.Invoice.Numbering {
	case "token", "sequence":
	default:
		errs = append(errs, fmt.Errorf("unknown invoice.numbering: %s", c.Invoice.Numbering))
	}
	switch c.Invoice.SequenceBackend {
	case "store":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr required for redis sequence backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown invoice.sequence_backend: %s", c.Invoice.SequenceBackend))
	}

	if len(c.Kafka.Brokers) > 0 && c.Kafka.AuditTopic == "" {
		errs = append(errs, errors.New("kafka.audit_topic required when brokers are set"))
	}

	return errors.Join(errs...)
}
