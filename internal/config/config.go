package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configurable settings for the session manager.  Each
// field corresponds to an environment variable (an optional .env file in the
// working directory is read first; real env vars win).  Defaults are applied
// where reasonable so the service can run locally with minimal setup.
type Config struct {
	// HTTPAddr is the host:port on which to expose the HTTP API and
	// health checks.
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// SessionStore is the directory on disk where per-tenant credentials
	// and wire session databases live.  A separate subdirectory is created
	// for each tenant.
	SessionStore string `mapstructure:"SESSION_STORE"`
	// DatabasePath is the SQLite file holding connection status, messages
	// and leads.
	DatabasePath string `mapstructure:"DATABASE_PATH"`
	// RedisURL enables the status mirror and per-tenant overrides.  Empty
	// disables both.
	RedisURL string `mapstructure:"REDIS_URL"`

	// AMQPURL is the connection string used to connect to the RabbitMQ
	// broker.  Empty disables the send-command consumer and the event
	// publisher.
	AMQPURL string `mapstructure:"AMQP_URL"`
	// AMQPExchange is the topic exchange carrying send commands.
	AMQPExchange string `mapstructure:"AMQP_EXCHANGE"`
	// AMQPQueue is the durable queue bound to AMQPExchange.
	AMQPQueue string `mapstructure:"AMQP_QUEUE"`
	// AMQPBinding is the routing key pattern; the suffix after the fixed
	// prefix is taken as tenant id when the payload omits it.
	AMQPBinding string `mapstructure:"AMQP_BINDING"`
	// AMQPEventsExchange receives session lifecycle and inbound message
	// events.
	AMQPEventsExchange string `mapstructure:"AMQP_EVENTS_EXCHANGE"`
	// AMQPWorkers bounds concurrent send commands.
	AMQPWorkers int `mapstructure:"AMQP_WORKERS"`

	LogLevel string `mapstructure:"LOG_LEVEL"`

	// Session supervision policy.
	MaxRetries         int    `mapstructure:"MAX_RETRIES"`
	BackoffDelay       string `mapstructure:"BACKOFF_DELAY"`
	PairingTTL         string `mapstructure:"PAIRING_TTL"`
	KeepaliveInterval  string `mapstructure:"KEEPALIVE_INTERVAL"`
	HandshakeTimeout   string `mapstructure:"HANDSHAKE_TIMEOUT"`
	MaxPairingExpiries int    `mapstructure:"MAX_PAIRING_EXPIRIES"`
	SendTimeout        string `mapstructure:"SEND_TIMEOUT"`

	// LeadDefaultStage is the pipeline stage given to auto-created leads
	// unless a tenant override says otherwise.
	LeadDefaultStage string `mapstructure:"LEAD_DEFAULT_STAGE"`
	// LeadCacheTTL is how long a sender known to have a lead is remembered
	// before the database is asked again.
	LeadCacheTTL string `mapstructure:"LEAD_CACHE_TTL"`
	// TenantConfigTTL is how long a tenant-config:{tenant} lookup is cached.
	TenantConfigTTL string `mapstructure:"TENANT_CONFIG_TTL"`
	// PhoneRegion is the region used for numbers without a country code.
	PhoneRegion string `mapstructure:"PHONE_REGION"`
	// RestoreOnStart initializes every tenant with stored credentials at
	// boot.
	RestoreOnStart bool `mapstructure:"RESTORE_ON_START"`
}

// Load reads configuration from the environment and returns a populated
// Config.  Missing variables fall back to the defaults below.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // a missing .env is fine

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("SESSION_STORE", "./state/sessions")
	v.SetDefault("DATABASE_PATH", "./state/sessions.db")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("AMQP_URL", "")
	v.SetDefault("AMQP_EXCHANGE", "sessions.outgoing")
	v.SetDefault("AMQP_QUEUE", "sessions.outgoing.send")
	v.SetDefault("AMQP_BINDING", "tenant.send.*")
	v.SetDefault("AMQP_EVENTS_EXCHANGE", "sessions.events")
	v.SetDefault("AMQP_WORKERS", 16)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("MAX_RETRIES", 2)
	v.SetDefault("BACKOFF_DELAY", "5s")
	v.SetDefault("PAIRING_TTL", "60s")
	v.SetDefault("KEEPALIVE_INTERVAL", "30s")
	v.SetDefault("HANDSHAKE_TIMEOUT", "60s")
	v.SetDefault("MAX_PAIRING_EXPIRIES", 20)
	v.SetDefault("SEND_TIMEOUT", "20s")
	v.SetDefault("LEAD_DEFAULT_STAGE", "new")
	v.SetDefault("LEAD_CACHE_TTL", "30m")
	v.SetDefault("TENANT_CONFIG_TTL", "1m")
	v.SetDefault("PHONE_REGION", "BR")
	v.SetDefault("RESTORE_ON_START", true)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.SessionStore) == "" {
		return nil, errors.New("config: SESSION_STORE must be set")
	}
	if strings.TrimSpace(cfg.DatabasePath) == "" {
		return nil, errors.New("config: DATABASE_PATH must be set")
	}
	if cfg.MaxRetries < 0 {
		return nil, errors.New("config: MAX_RETRIES must not be negative")
	}
	if cfg.AMQPWorkers <= 0 {
		cfg.AMQPWorkers = 16
	}
	return &cfg, nil
}

// Backoff returns the fixed delay between transient retries (default 5s).
func (c *Config) Backoff() time.Duration { return parseDuration(c.BackoffDelay, 5*time.Second) }

// PairingCodeTTL returns how long a surfaced pairing code is held before a
// fresh one is accepted (default 60s).
func (c *Config) PairingCodeTTL() time.Duration { return parseDuration(c.PairingTTL, time.Minute) }

// Keepalive returns the liveness probe interval while a session is open
// (default 30s).
func (c *Config) Keepalive() time.Duration {
	return parseDuration(c.KeepaliveInterval, 30*time.Second)
}

// Handshake returns how long an opened wire may stay silent before the
// attempt counts as a transient failure (default 60s).
func (c *Config) Handshake() time.Duration {
	return parseDuration(c.HandshakeTimeout, time.Minute)
}

// SendDeadline bounds a single outbound send (default 20s).
func (c *Config) SendDeadline() time.Duration {
	return parseDuration(c.SendTimeout, 20*time.Second)
}

func (c *Config) KnownLeadTTL() time.Duration {
	return parseDuration(c.LeadCacheTTL, 30*time.Minute)
}

func (c *Config) TenantConfigCacheTTL() time.Duration {
	return parseDuration(c.TenantConfigTTL, time.Minute)
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil || d <= 0 {
		return def
	}
	return d
}
