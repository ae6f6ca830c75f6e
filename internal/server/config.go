// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the chat server.
package server

import (
	"fmt"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/Tyrowin/privchat/internal/mailbox"
	"github.com/go-playground/validator/v10"
)

// RoutingPolicy decides whether a message needs an established private chat.
type RoutingPolicy string

const (
	// PolicyDirect routes by username alone.
	PolicyDirect RoutingPolicy = "direct"
	// PolicyLinked only routes between users with a private chat link.
	PolicyLinked RoutingPolicy = "linked"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the chat server settings.
type Config struct {
	Addr                    string        `env:"SERVER_ADDR" validate:"required"`
	AllowedOrigins          string        `env:"ALLOWED_ORIGINS"`
	MaxMessageSize          int64         `env:"MAX_MESSAGE_SIZE" validate:"gt=0"`
	MaxUsernameLength       int           `env:"MAX_USERNAME_LENGTH" validate:"gt=0"`
	SendBufferSize          int           `env:"SEND_BUFFER_SIZE" validate:"gt=0"`
	RateLimitBurst          int           `env:"RATE_LIMIT_BURST" validate:"gt=0"`
	RateLimitRefillInterval time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL" validate:"gt=0"`
	RoutingPolicy           RoutingPolicy `env:"ROUTING_POLICY" validate:"oneof=direct linked"`

	MailboxAddr        string        `env:"MAILBOX_ADDR" validate:"required"`
	MailboxDialTimeout time.Duration `env:"MAILBOX_DIAL_TIMEOUT"`
	MailboxIOTimeout   time.Duration `env:"MAILBOX_IO_TIMEOUT"`
	MailboxMaxAttempts int           `env:"MAILBOX_MAX_ATTEMPTS" validate:"gt=0"`
	MailboxMaxElapsed  time.Duration `env:"MAILBOX_MAX_ELAPSED"`
	DrainTimeout       time.Duration `env:"DRAIN_TIMEOUT" validate:"gt=0"`

	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT" validate:"gt=0"`
	MetricsNamespace string        `env:"METRICS_NAMESPACE"`
	OTelEndpoint     string        `env:"OTEL_ENDPOINT"`
}

func defaultConfig() Config {
	return Config{
		Addr:                    ":8080",
		AllowedOrigins:          "http://localhost:8080",
		MaxMessageSize:          4096,
		MaxUsernameLength:       32,
		SendBufferSize:          256,
		RateLimitBurst:          5,
		RateLimitRefillInterval: time.Second,
		RoutingPolicy:           PolicyDirect,
		MailboxAddr:             "127.0.0.1:22227",
		MailboxDialTimeout:      2 * time.Second,
		MailboxIOTimeout:        5 * time.Second,
		MailboxMaxAttempts:      5,
		MailboxMaxElapsed:       10 * time.Second,
		DrainTimeout:            15 * time.Second,
		ShutdownTimeout:         10 * time.Second,
		MetricsNamespace:        "privchat",
	}
}

func sanitizeConfig(cfg Config) Config {
	def := defaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if strings.TrimSpace(cfg.AllowedOrigins) == "" {
		cfg.AllowedOrigins = def.AllowedOrigins
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.MaxUsernameLength <= 0 {
		cfg.MaxUsernameLength = def.MaxUsernameLength
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = def.SendBufferSize
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = def.RateLimitBurst
	}
	if cfg.RateLimitRefillInterval <= 0 {
		cfg.RateLimitRefillInterval = def.RateLimitRefillInterval
	}
	cfg.RoutingPolicy = RoutingPolicy(strings.ToLower(strings.TrimSpace(string(cfg.RoutingPolicy))))
	if cfg.RoutingPolicy == "" {
		cfg.RoutingPolicy = def.RoutingPolicy
	}
	if cfg.MailboxAddr == "" {
		cfg.MailboxAddr = def.MailboxAddr
	}
	if cfg.MailboxDialTimeout <= 0 {
		cfg.MailboxDialTimeout = def.MailboxDialTimeout
	}
	if cfg.MailboxIOTimeout <= 0 {
		cfg.MailboxIOTimeout = def.MailboxIOTimeout
	}
	if cfg.MailboxMaxAttempts <= 0 {
		cfg.MailboxMaxAttempts = def.MailboxMaxAttempts
	}
	if cfg.MailboxMaxElapsed <= 0 {
		cfg.MailboxMaxElapsed = def.MailboxMaxElapsed
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.MetricsNamespace == "" {
		cfg.MetricsNamespace = def.MetricsNamespace
	}
	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// LoadConfig reads the environment, fills in defaults and validates the result.
func LoadConfig() (*Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	cfg = sanitizeConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// RateLimit returns the per-connection limiter settings.
func (c Config) RateLimit() RateLimitConfig {
	return RateLimitConfig{Burst: c.RateLimitBurst, RefillInterval: c.RateLimitRefillInterval}
}

// Origins returns the allowed WebSocket origins.
func (c Config) Origins() []string {
	return parseOrigins(c.AllowedOrigins)
}

// MailboxClientConfig returns the settings for reaching the mailbox service.
func (c Config) MailboxClientConfig() mailbox.ClientConfig {
	return mailbox.ClientConfig{
		Addr:        c.MailboxAddr,
		DialTimeout: c.MailboxDialTimeout,
		IOTimeout:   c.MailboxIOTimeout,
		MaxAttempts: uint(c.MailboxMaxAttempts),
		MaxElapsed:  c.MailboxMaxElapsed,
	}
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
