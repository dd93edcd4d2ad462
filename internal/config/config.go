package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "TURNSTILE"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "turnstile.db"
	defaultQueuePath       = "turnstile-device.db"
	defaultRosterPath      = "turnstile-roster.json"
	defaultLogLevel        = "info"
	defaultTokenTTLMinutes = 720
	defaultSubmitTimeout   = 10 * time.Second
	defaultRetryBase       = 2 * time.Second
	defaultRetryMax        = 5 * time.Minute
	defaultMaxAttempts     = 12
	defaultSyncInterval    = 30 * time.Second
	defaultAMQPExchange    = "turnstile.checkins"
)

// AuthConfig configures staff token issuance and validation on the server of record.
type AuthConfig struct {
	SigningSecret string
	TokenTTL      time.Duration
}

// DeviceConfig identifies the scanning device and its local store.
type DeviceConfig struct {
	ID         string
	QueuePath  string
	RosterPath string
}

// EventConfig describes the event a device checks in to.
type EventConfig struct {
	ID        string
	EndsAt    time.Time
	TicketKey string
}

// ServerConfig tells a device how to reach the server of record.
type ServerConfig struct {
	BaseURL string
	Token   string
}

// SyncConfig tunes reconciliation.
type SyncConfig struct {
	SubmitTimeout time.Duration
	RetryBase     time.Duration
	RetryMax      time.Duration
	MaxAttempts   int
	Interval      time.Duration
}

// AMQPConfig enables notification forwarding when URL is set.
type AMQPConfig struct {
	URL      string
	Exchange string
}

// AppConfig captures runtime configuration for both the server of record and devices.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string
	Auth         AuthConfig
	Device       DeviceConfig
	Event        EventConfig
	Server       ServerConfig
	Sync         SyncConfig
	AMQP         AMQPConfig
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("device.queue_path", defaultQueuePath)
	configViper.SetDefault("device.roster_path", defaultRosterPath)
	configViper.SetDefault("sync.submit_timeout", defaultSubmitTimeout)
	configViper.SetDefault("sync.retry_base", defaultRetryBase)
	configViper.SetDefault("sync.retry_max", defaultRetryMax)
	configViper.SetDefault("sync.max_attempts", defaultMaxAttempts)
	configViper.SetDefault("sync.interval", defaultSyncInterval)
	configViper.SetDefault("amqp.exchange", defaultAMQPExchange)
}

// Load parses runtime configuration from viper. Role specific requirements are checked by
// ValidateServer and ValidateDevice.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),
		Auth: AuthConfig{
			SigningSecret: configViper.GetString("auth.signing_secret"),
			TokenTTL:      time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		},
		Device: DeviceConfig{
			ID:         strings.TrimSpace(configViper.GetString("device.id")),
			QueuePath:  configViper.GetString("device.queue_path"),
			RosterPath: configViper.GetString("device.roster_path"),
		},
		Event: EventConfig{
			ID:        strings.TrimSpace(configViper.GetString("event.id")),
			TicketKey: configViper.GetString("event.ticket_key"),
		},
		Server: ServerConfig{
			BaseURL: strings.TrimSpace(configViper.GetString("server.base_url")),
			Token:   strings.TrimSpace(configViper.GetString("server.token")),
		},
		Sync: SyncConfig{
			SubmitTimeout: configViper.GetDuration("sync.submit_timeout"),
			RetryBase:     configViper.GetDuration("sync.retry_base"),
			RetryMax:      configViper.GetDuration("sync.retry_max"),
			MaxAttempts:   configViper.GetInt("sync.max_attempts"),
			Interval:      configViper.GetDuration("sync.interval"),
		},
		AMQP: AMQPConfig{
			URL:      strings.TrimSpace(configViper.GetString("amqp.url")),
			Exchange: configViper.GetString("amqp.exchange"),
		},
	}

	if rawEndsAt := strings.TrimSpace(configViper.GetString("event.ends_at")); rawEndsAt != "" {
		endsAt, err := time.Parse(time.RFC3339, rawEndsAt)
		if err != nil {
			return AppConfig{}, fmt.Errorf("event.ends_at must be RFC3339: %w", err)
		}
		cfg.Event.EndsAt = endsAt.UTC()
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.Sync.RetryBase <= 0 || c.Sync.RetryMax < c.Sync.RetryBase {
		return fmt.Errorf("sync.retry_base must be positive and not exceed sync.retry_max")
	}
	if c.Sync.MaxAttempts <= 0 {
		return fmt.Errorf("sync.max_attempts must be positive")
	}
	if c.Sync.SubmitTimeout <= 0 || c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.submit_timeout and sync.interval must be positive")
	}
	return nil
}

// ValidateServer checks the settings required to run the server of record.
func (c AppConfig) ValidateServer() error {
	if strings.TrimSpace(c.Auth.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	return nil
}

// ValidateDevice checks the settings required to run a scanning device.
func (c AppConfig) ValidateDevice() error {
	if c.Device.ID == "" {
		return fmt.Errorf("device.id is required")
	}
	if strings.TrimSpace(c.Device.QueuePath) == "" {
		return fmt.Errorf("device.queue_path is required")
	}
	if strings.TrimSpace(c.Device.RosterPath) == "" {
		return fmt.Errorf("device.roster_path is required")
	}
	if c.Event.ID == "" {
		return fmt.Errorf("event.id is required")
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}
	if c.Server.Token == "" {
		return fmt.Errorf("server.token is required")
	}
	return nil
}
