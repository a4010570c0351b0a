// Package config loads keygate settings: built-in defaults, then an optional
// YAML file, then KEYGATE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/dukerupert/keygate/internal/artifact"
	"github.com/dukerupert/keygate/internal/backup"
	billingstripe "github.com/dukerupert/keygate/internal/billing/stripe"
	"github.com/dukerupert/keygate/internal/notify"
)

const envPrefix = "KEYGATE"

type Config struct {
	HTTP      HTTPConfig           `yaml:"http"`
	DB        DBConfig             `yaml:"db"`
	License   LicenseConfig        `yaml:"license"`
	Admin     AdminConfig          `yaml:"admin"`
	Redis     RedisConfig          `yaml:"redis"`
	Kafka     KafkaConfig          `yaml:"kafka"`
	S3        artifact.S3Config    `yaml:"s3"`
	Stripe    billingstripe.Config `yaml:"stripe"`
	Email     EmailConfig          `yaml:"email"`
	Notify    NotifyConfig         `yaml:"notify"`
	Backup    backup.Config        `yaml:"backup"`
	Log       LogConfig            `yaml:"log"`
	RateLimit RateLimitConfig      `yaml:"rate_limit" split_words:"true"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	BaseURL         string        `yaml:"base_url" split_words:"true"`
	TrustProxy      bool          `yaml:"trust_proxy" split_words:"true"`
	ReadTimeout     time.Duration `yaml:"read_timeout" split_words:"true"`
	WriteTimeout    time.Duration `yaml:"write_timeout" split_words:"true"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" split_words:"true"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" split_words:"true"`
	// OriginPatterns are accepted Origin hosts for the admin event feed.
	OriginPatterns []string `yaml:"origin_patterns" split_words:"true"`
}

type DBConfig struct {
	Path         string        `yaml:"path"`
	QueryTimeout time.Duration `yaml:"query_timeout" split_words:"true"`
}

type LicenseConfig struct {
	DefaultExpiryDays     int           `yaml:"default_expiry_days" split_words:"true"`
	DefaultMaxActivations int           `yaml:"default_max_activations" split_words:"true"`
	GraceDays             int           `yaml:"grace_days" split_words:"true"`
	ReminderDays          []int         `yaml:"reminder_days" split_words:"true"`
	SweepInterval         time.Duration `yaml:"sweep_interval" split_words:"true"`
	// NotificationRetention bounds how long sent-notification claims are
	// kept.
	NotificationRetention time.Duration `yaml:"notification_retention" split_words:"true"`
}

type AdminConfig struct {
	JWTSecret string        `yaml:"jwt_secret" split_words:"true"`
	TokenTTL  time.Duration `yaml:"token_ttl" split_words:"true"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	CacheTTL time.Duration `yaml:"cache_ttl" split_words:"true"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type EmailConfig struct {
	PostmarkToken string `yaml:"postmark_token" split_words:"true"`
	From          string `yaml:"from"`
	MessageStream string `yaml:"message_stream" split_words:"true"`
}

type NotifyConfig struct {
	// Templates override the built-in subject and body per event kind.
	Templates map[string]notify.Template `yaml:"templates" ignored:"true"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			BaseURL:         "http://localhost:8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		DB: DBConfig{
			Path:         "keygate.db",
			QueryTimeout: 5 * time.Second,
		},
		License: LicenseConfig{
			DefaultExpiryDays:     365,
			DefaultMaxActivations: 1,
			ReminderDays:          []int{30, 7, 1},
			SweepInterval:         time.Hour,
			NotificationRetention: 90 * 24 * time.Hour,
		},
		Admin: AdminConfig{TokenTTL: 24 * time.Hour},
		Redis: RedisConfig{CacheTTL: 5 * time.Minute},
		Kafka: KafkaConfig{Topic: "keygate.license-events"},
		Email: EmailConfig{MessageStream: "outbound"},
		Backup: backup.Config{
			Prefix:   "backups/",
			Interval: 24 * time.Hour,
			Retain:   14,
		},
		Log:       LogConfig{Level: "info", Format: "text"},
		RateLimit: RateLimitConfig{Requests: 60, Window: time.Minute},
	}
}

// Load resolves configuration. path may be empty; a missing file at a
// non-empty path is an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("load env config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadOptional is Load that tolerates a missing file.
func LoadOptional(path string) (Config, error) {
	if path != "" {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = ""
		}
	}
	return Load(path)
}

func (c Config) Validate() error {
	var errs []error
	if c.DB.Path == "" {
		errs = append(errs, errors.New("db.path is required"))
	}
	if c.License.DefaultExpiryDays < 0 {
		errs = append(errs, errors.New("license.default_expiry_days must not be negative"))
	}
	if c.License.DefaultMaxActivations < 1 {
		errs = append(errs, errors.New("license.default_max_activations must be at least 1"))
	}
	if c.License.GraceDays < 0 {
		errs = append(errs, errors.New("license.grace_days must not be negative"))
	}
	for _, d := range c.License.ReminderDays {
		if d < 1 {
			errs = append(errs, fmt.Errorf("license.reminder_days: %d is not positive", d))
		}
	}
	if c.Admin.JWTSecret != "" && len(c.Admin.JWTSecret) < 32 {
		errs = append(errs, errors.New("admin.jwt_secret must be at least 32 bytes"))
	}
	if c.S3.Bucket != "" && !c.S3.Configured() {
		errs = append(errs, errors.New("s3 bucket set without access_key and secret_key"))
	}
	if c.Email.PostmarkToken != "" && c.Email.From == "" {
		errs = append(errs, errors.New("email.from is required with a postmark token"))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka.topic is required with brokers"))
	}
	if c.Backup.Passphrase != "" && !c.S3.Configured() {
		errs = append(errs, errors.New("backup.passphrase requires s3 storage"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}
