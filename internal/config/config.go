// Package config loads the dispatcher configuration from an optional YAML
// file and DISPATCH_* environment variables.
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

// EnvPrefix prefixes every environment variable. A double underscore
// separates nesting levels: DISPATCH_QUEUE__BATCH_SIZE sets queue.batch_size.
const EnvPrefix = "DISPATCH_"

// Config is the complete application configuration.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Database     DatabaseConfig     `koanf:"database"`
	Log          LogConfig          `koanf:"log"`
	Auth         AuthConfig         `koanf:"auth"`
	Queue        QueueConfig        `koanf:"queue"`
	Email        EmailConfig        `koanf:"email"`
	Twilio       TwilioConfig       `koanf:"twilio"`
	Integrations IntegrationsConfig `koanf:"integrations"`
	Links        LinksConfig        `koanf:"links"`
}

// ServerConfig configures the ops HTTP and metrics servers.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port"`
	MetricsPort       string        `koanf:"metrics_port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
}

// DatabaseConfig configures the PostgreSQL pool.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts"`
	AutoMigrate     bool          `koanf:"auto_migrate"`
}

// LogConfig configures slog.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// AuthConfig configures ops API token validation.
type AuthConfig struct {
	JWTSecret string `koanf:"jwt_secret"`
	Issuer    string `koanf:"issuer"`
}

// QueueConfig configures the dispatcher and producers.
type QueueConfig struct {
	Enabled         bool          `koanf:"enabled"`
	NumWorkers      int           `koanf:"num_workers"`
	BatchSize       int           `koanf:"batch_size"`
	PollInterval    time.Duration `koanf:"poll_interval"`
	StallTimeout    time.Duration `koanf:"stall_timeout"`
	RescheduleDelay time.Duration `koanf:"reschedule_delay"`
	StatsInterval   time.Duration `koanf:"stats_interval"`
	Retry           RetryConfig   `koanf:"retry"`
}

// RetryConfig configures the retry policy.
type RetryConfig struct {
	InitialBackoff    time.Duration `koanf:"initial_backoff"`
	MaxBackoff        time.Duration `koanf:"max_backoff"`
	Multiplier        float64       `koanf:"multiplier"`
	DefaultMaxRetries int           `koanf:"default_max_retries"`
	RefundMaxRetries  int           `koanf:"refund_max_retries"`
}

// EmailConfig configures the SMTP sender.
type EmailConfig struct {
	Enabled      bool   `koanf:"enabled"`
	SMTPHost     string `koanf:"smtp_host"`
	SMTPPort     int    `koanf:"smtp_port"`
	SMTPUser     string `koanf:"smtp_user"`
	SMTPPassword string `koanf:"smtp_password"`
	FromAddress  string `koanf:"from_address"`
	ImplicitTLS  bool   `koanf:"implicit_tls"`
	// Timeout bounds one whole SMTP session, dial to QUIT.
	Timeout time.Duration `koanf:"timeout"`
}

// TwilioConfig configures the SMS and WhatsApp senders.
type TwilioConfig struct {
	Enabled      bool    `koanf:"enabled"`
	AccountSID   string  `koanf:"account_sid"`
	AuthToken    string  `koanf:"auth_token"`
	SMSFrom      string  `koanf:"sms_from"`
	WhatsAppFrom string  `koanf:"whatsapp_from"`
	RateLimit    float64 `koanf:"rate_limit"`
}

// ProviderConfig configures one external provider.
type ProviderConfig struct {
	BaseURL   string        `koanf:"base_url"`
	APIKey    string        `koanf:"api_key"`
	Timeout   time.Duration `koanf:"timeout"`
	RateLimit float64       `koanf:"rate_limit"`
}

// IntegrationsConfig configures the payment, calendar and video providers.
type IntegrationsConfig struct {
	Payments ProviderConfig `koanf:"payments"`
	Calendar ProviderConfig `koanf:"calendar"`
	Video    ProviderConfig `koanf:"video"`
}

// LinksConfig configures links placed in messages.
type LinksConfig struct {
	BaseURL string `koanf:"base_url"`
}

// Default returns the configuration used for keys that are not set.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  60 * time.Second,
			ConnectAttempts: 5,
			AutoMigrate:     true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Queue: QueueConfig{
			Enabled:         true,
			NumWorkers:      5,
			BatchSize:       50,
			PollInterval:    5 * time.Second,
			StallTimeout:    5 * time.Minute,
			RescheduleDelay: 5 * time.Second,
			StatsInterval:   15 * time.Second,
			Retry: RetryConfig{
				InitialBackoff:    30 * time.Second,
				MaxBackoff:        time.Hour,
				Multiplier:        2.0,
				DefaultMaxRetries: 3,
				RefundMaxRetries:  5,
			},
		},
		Email: EmailConfig{
			SMTPPort: 587,
			Timeout:  30 * time.Second,
		},
		Twilio: TwilioConfig{
			RateLimit: 10,
		},
		Integrations: IntegrationsConfig{
			Payments: ProviderConfig{Timeout: 15 * time.Second},
			Calendar: ProviderConfig{Timeout: 10 * time.Second},
			Video:    ProviderConfig{Timeout: 10 * time.Second},
		},
	}
}

// Load reads defaults, then the YAML file at path (skipped when empty), then
// the environment.
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
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of text, json", c.Log.Format))
	}

	q := c.Queue
	if q.NumWorkers < 1 {
		errs = append(errs, errors.New("queue.num_workers must be at least 1"))
	}
	if q.BatchSize < 1 {
		errs = append(errs, errors.New("queue.batch_size must be at least 1"))
	}
	if q.PollInterval <= 0 {
		errs = append(errs, errors.New("queue.poll_interval must be positive"))
	}
	if q.StallTimeout <= 0 {
		errs = append(errs, errors.New("queue.stall_timeout must be positive"))
	}
	if q.RescheduleDelay < 0 {
		errs = append(errs, errors.New("queue.reschedule_delay must not be negative"))
	}
	if q.Retry.InitialBackoff <= 0 || q.Retry.MaxBackoff < q.Retry.InitialBackoff {
		errs = append(errs, errors.New("queue.retry backoff must satisfy 0 < initial_backoff <= max_backoff"))
	}
	if q.Retry.Multiplier < 1 {
		errs = append(errs, errors.New("queue.retry.multiplier must be at least 1"))
	}
	if q.Retry.DefaultMaxRetries < 1 || q.Retry.RefundMaxRetries < 1 {
		errs = append(errs, errors.New("queue.retry max retries must be at least 1"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
