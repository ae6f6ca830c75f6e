// Package mailbox implements the durable offline-message service and the
// client the chat server uses to reach it.
package mailbox

import (
	"errors"
	"fmt"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
)

var (
	// ErrUnavailable means the service could not be reached within the
	// configured retry budget.
	ErrUnavailable = errors.New("mailbox service unavailable")
	// ErrRejected means the service answered but refused the request.
	// Retrying does not help.
	ErrRejected = errors.New("mailbox request rejected")
	// ErrServerClosed is returned by Serve after Shutdown.
	ErrServerClosed = errors.New("mailbox server closed")
)

// Config holds the mailbox service settings.
type Config struct {
	ListenAddr   string        `env:"MAILBOX_LISTEN_ADDR" validate:"required"`
	DataDir      string        `env:"MAILBOX_DATA_DIR" validate:"required"`
	MaxFrameSize int           `env:"MAILBOX_MAX_FRAME_SIZE" validate:"gt=0"`
	IOTimeout    time.Duration `env:"MAILBOX_IO_TIMEOUT" validate:"gt=0"`
	DedupTTL     time.Duration `env:"MAILBOX_DEDUP_TTL" validate:"gte=0"`
}

// DefaultConfig returns the settings used for anything left unset.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   ":22227",
		DataDir:      "data/mailbox",
		MaxFrameSize: 1 << 20,
		IOTimeout:    5 * time.Second,
		DedupTTL:     10 * time.Minute,
	}
}

// LoadConfig reads MAILBOX_* variables, applies defaults and validates.
func LoadConfig() (Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("mailbox config: %w", err)
	}
	cfg = sanitizeConfig(cfg)
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid mailbox config: %w", err)
	}
	return cfg, nil
}

func sanitizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if cfg.DataDir == "" {
		cfg.DataDir = def.DataDir
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = def.MaxFrameSize
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = def.IOTimeout
	}
	if cfg.DedupTTL == 0 {
		cfg.DedupTTL = def.DedupTTL
	}
	return cfg
}

// ClientConfig controls how the chat server reaches the service.
type ClientConfig struct {
	Addr           string
	DialTimeout    time.Duration
	IOTimeout      time.Duration
	MaxAttempts    uint
	MaxElapsed     time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxFrameSize   uint32
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.IOTimeout <= 0 {
		c.IOTimeout = 5 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.MaxElapsed <= 0 {
		c.MaxElapsed = 10 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Second
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = 1 << 20
	}
	return c
}
