// Package config loads host configuration from BRICKWRAP_* environment variables.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/akshayaggarwal99/brickwrap/internal/registry"
	"github.com/akshayaggarwal99/brickwrap/internal/session"
	"github.com/caarlos0/env/v11"
)

// ErrInvalidConfig indicates a configuration value outside its allowed range.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the host configuration. Command-line flags override individual fields after Load.
type Config struct {
	// Env selects the log format: "production" logs raw JSON.
	Env string `env:"BRICKWRAP_ENV" envDefault:"development"`

	ProtocolVersion string `env:"BRICKWRAP_PROTOCOL_VERSION" envDefault:"1.0"`

	HandshakeTimeout time.Duration `env:"BRICKWRAP_HANDSHAKE_TIMEOUT" envDefault:"5s"`
	CallTimeout      time.Duration `env:"BRICKWRAP_CALL_TIMEOUT"      envDefault:"5s"`
	CommandTimeout   time.Duration `env:"BRICKWRAP_COMMAND_TIMEOUT"   envDefault:"5s"`
	DrainTimeout     time.Duration `env:"BRICKWRAP_DRAIN_TIMEOUT"     envDefault:"5s"`

	EventQueueSize   int                        `env:"BRICKWRAP_EVENT_QUEUE_SIZE"   envDefault:"256"`
	CommandQueueSize int                        `env:"BRICKWRAP_COMMAND_QUEUE_SIZE" envDefault:"32"`
	Backpressure     session.BackpressurePolicy `env:"BRICKWRAP_BACKPRESSURE"       envDefault:"drop-oldest"`
	Duplicates       registry.DuplicatePolicy   `env:"BRICKWRAP_DUPLICATES"         envDefault:"reject"`

	MaxFrameSize int `env:"BRICKWRAP_MAX_FRAME_SIZE" envDefault:"1048576"`
	MaxPlugins   int `env:"BRICKWRAP_MAX_PLUGINS"    envDefault:"64"`

	// Launcher names the backend used for --plugin flags ("process" or "docker").
	Launcher string `env:"BRICKWRAP_LAUNCHER" envDefault:"process"`

	AdminAddr string `env:"BRICKWRAP_ADMIN_ADDR" envDefault:"127.0.0.1:8089"`
	// APIKey protects the admin API when set.
	APIKey string `env:"BRICKWRAP_API_KEY"`
}

// Load reads the process environment.
func Load() (Config, error) {
	return parse(env.Options{})
}

// LoadFrom reads environ instead of the process environment.
func LoadFrom(environ map[string]string) (Config, error) {
	return parse(env.Options{Environment: environ})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.ProtocolVersion == "" {
		return fmt.Errorf("%w: protocol version is required", ErrInvalidConfig)
	}
	timeouts := map[string]time.Duration{
		"handshake timeout": c.HandshakeTimeout,
		"call timeout":      c.CallTimeout,
		"command timeout":   c.CommandTimeout,
		"drain timeout":     c.DrainTimeout,
	}
	for name, d := range timeouts {
		if d <= 0 || d > 5*time.Minute {
			return fmt.Errorf("%w: %s must be between 0 and 5m, got %s", ErrInvalidConfig, name, d)
		}
	}
	if c.EventQueueSize < 1 || c.EventQueueSize > 1<<16 {
		return fmt.Errorf("%w: event queue size must be between 1 and 65536", ErrInvalidConfig)
	}
	if c.CommandQueueSize < 1 || c.CommandQueueSize > 1<<12 {
		return fmt.Errorf("%w: command queue size must be between 1 and 4096", ErrInvalidConfig)
	}
	if c.MaxFrameSize < 1<<10 || c.MaxFrameSize > 64<<20 {
		return fmt.Errorf("%w: max frame size must be between 1KiB and 64MiB", ErrInvalidConfig)
	}
	if c.MaxPlugins < 0 {
		return fmt.Errorf("%w: max plugins cannot be negative", ErrInvalidConfig)
	}
	return nil
}

// Production reports whether logs should be emitted as raw JSON.
func (c Config) Production() bool {
	return c.Env == "production"
}
