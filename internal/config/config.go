// Package config loads distributor configuration from defaults, an optional
// YAML file and DISTRIBUTOR_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment variable. Nested keys are separated
// by a double underscore: DISTRIBUTOR_DATABASE__URL sets database.url.
const EnvPrefix = "DISTRIBUTOR_"

// Config is the complete distributor configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Database    DatabaseConfig    `koanf:"database"`
	Redis       RedisConfig       `koanf:"redis"`
	NATS        NATSConfig        `koanf:"nats"`
	Subscribers SubscribersConfig `koanf:"subscribers"`
	Worker      WorkerConfig      `koanf:"worker"`
	Retry       RetryConfig       `koanf:"retry"`
	Log         LogConfig         `koanf:"log"`
	Auth        AuthConfig        `koanf:"auth"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port"`
	MetricsPort       string        `koanf:"metrics_port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
}

// DatabaseConfig contains PostgreSQL settings.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxConns        int32         `koanf:"max_conns"`
	MinConns        int32         `koanf:"min_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `koanf:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts"`
	Migrate         bool          `koanf:"migrate"`
}

// RedisConfig contains rule-set cache settings. An empty URL disables the cache.
type RedisConfig struct {
	URL             string        `koanf:"url"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts"`
	RetryInterval   time.Duration `koanf:"retry_interval"`
	KeyPrefix       string        `koanf:"key_prefix"`
	TTL             time.Duration `koanf:"ttl"`
	NotFoundTTL     time.Duration `koanf:"not_found_ttl"`
}

// NATSConfig contains JetStream settings for inbound messages and outbound jobs.
type NATSConfig struct {
	URL           string        `koanf:"url"`
	Name          string        `koanf:"name"`
	MaxReconnects int           `koanf:"max_reconnects"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
	Stream        string        `koanf:"stream"`
	Consumer      string        `koanf:"consumer"`
	JobsStream    string        `koanf:"jobs_stream"`
	AckWait       time.Duration `koanf:"ack_wait"`
	MaxAckPending int           `koanf:"max_ack_pending"`
	MemoryStorage bool          `koanf:"memory_storage"`
}

// SubscribersConfig contains subscriber service client settings.
type SubscribersConfig struct {
	BaseURL     string        `koanf:"base_url"`
	Token       string        `koanf:"token"`
	Timeout     time.Duration `koanf:"timeout"`
	BatchSize   int           `koanf:"batch_size"`
	Concurrency int           `koanf:"concurrency"`
	RateLimit   float64       `koanf:"rate_limit"`
	Burst       int           `koanf:"burst"`
}

// WorkerConfig contains message consumer settings.
type WorkerConfig struct {
	NumWorkers       int           `koanf:"num_workers"`
	MessageTimeout   time.Duration `koanf:"message_timeout"`
	ShutdownTimeout  time.Duration `koanf:"shutdown_timeout"`
	PatternCacheSize int           `koanf:"pattern_cache_size"`
}

// RetryConfig contains redelivery settings for recoverable failures.
type RetryConfig struct {
	MaxAttempts       int           `koanf:"max_attempts"`
	InitialBackoff    time.Duration `koanf:"initial_backoff"`
	MaxBackoff        time.Duration `koanf:"max_backoff"`
	BackoffMultiplier float64       `koanf:"backoff_multiplier"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// AuthConfig contains producer token settings for the ingest API.
// An empty secret disables the ingest API.
type AuthConfig struct {
	JWTSecret string `koanf:"jwt_secret"`
	Issuer    string `koanf:"issuer"`
}

// Default returns the configuration used when nothing overrides a value.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxConns:        10,
			MinConns:        2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			ConnectTimeout:  60 * time.Second,
			ConnectAttempts: 5,
			Migrate:         true,
		},
		Redis: RedisConfig{
			ConnectTimeout:  10 * time.Second,
			ConnectAttempts: 3,
			RetryInterval:   time.Second,
			KeyPrefix:       "distributor",
			TTL:             time.Minute,
			NotFoundTTL:     10 * time.Second,
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			Name:          "notification-distributor",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			Stream:        "DISTRIBUTION",
			Consumer:      "distributor",
			JobsStream:    "NOTIFICATIONS",
			AckWait:       time.Minute,
			MaxAckPending: 1000,
		},
		Subscribers: SubscribersConfig{
			Timeout:     5 * time.Second,
			BatchSize:   100,
			Concurrency: 4,
			Burst:       1,
		},
		Worker: WorkerConfig{
			NumWorkers:       8,
			MessageTimeout:   30 * time.Second,
			ShutdownTimeout:  30 * time.Second,
			PatternCacheSize: 512,
		},
		Retry: RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    time.Second,
			MaxBackoff:        5 * time.Minute,
			BackoffMultiplier: 2.0,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration. path may be empty to skip the YAML file.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps DISTRIBUTOR_NATS__ACK_WAIT to nats.ack_wait.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Validate checks required fields and ranges.
func (c *Config) Validate() error {
	var errs []error

	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	if c.Database.MaxConns <= 0 {
		errs = append(errs, errors.New("database.max_conns must be positive"))
	}
	if c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required"))
	}
	if c.NATS.Stream == "" || c.NATS.JobsStream == "" {
		errs = append(errs, errors.New("nats.stream and nats.jobs_stream are required"))
	}
	if c.NATS.Stream == c.NATS.JobsStream {
		errs = append(errs, errors.New("nats.stream and nats.jobs_stream must differ"))
	}
	if c.Subscribers.BaseURL == "" {
		errs = append(errs, errors.New("subscribers.base_url is required"))
	}
	if c.Worker.NumWorkers <= 0 {
		errs = append(errs, errors.New("worker.num_workers must be positive"))
	}
	if c.Retry.MaxAttempts < 0 {
		errs = append(errs, errors.New("retry.max_attempts must not be negative"))
	}
	if c.Retry.BackoffMultiplier < 1 {
		errs = append(errs, errors.New("retry.backoff_multiplier must be at least 1"))
	}
	if c.Retry.InitialBackoff > c.Retry.MaxBackoff {
		errs = append(errs, errors.New("retry.initial_backoff must not exceed retry.max_backoff"))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of json, text", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
