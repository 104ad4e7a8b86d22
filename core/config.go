package core

import (
	"fmt"
	"os"
	"time"
)

// Config is the functional-options builder every top-level constructor in
// this module resolves through, mirroring gomind's own
// NewConfig(opts ...Option) / With*(...) Option pattern (core/config.go):
// defaults first, then each Option overlays one field, then Validate()
// runs once at the end.
type Config struct {
	Component string
	LogFormat string // "json" or "text"
	LogDebug  bool

	RedisAddr string

	DefaultAttempts       int
	DefaultWait           time.Duration
	DefaultExecutionTimeout time.Duration
	DefaultMaxAllowedWait time.Duration

	MetricsEnabled bool
	TracingEnabled bool
	OTLPEndpoint   string
}

// Option mutates a Config under construction; returning an error fails
// NewConfig entirely, the same contract as gomind's core.Option.
type Option func(*Config) error

// DefaultConfig returns the zero-configuration baseline every Option
// overlays on top of.
func DefaultConfig() *Config {
	return &Config{
		Component:               "stableinfra",
		LogFormat:               "text",
		RedisAddr:               "localhost:6379",
		DefaultAttempts:         3,
		DefaultWait:             200 * time.Millisecond,
		DefaultExecutionTimeout: 30 * time.Second,
		DefaultMaxAllowedWait:   30 * time.Second,
	}
}

// NewConfig builds a Config from defaults overlaid by opts, in order, then
// validates the result.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects an unusable Config, the way gomind's Config.Validate
// rejects a zero port or a missing name.
func (c *Config) Validate() error {
	if c.DefaultAttempts < 1 {
		return fmt.Errorf("%w: defaultAttempts must be >= 1, got %d", ErrInvalidConfiguration, c.DefaultAttempts)
	}
	if c.DefaultWait < 0 {
		return fmt.Errorf("%w: defaultWait must be >= 0", ErrInvalidConfiguration)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("%w: logFormat must be \"json\" or \"text\", got %q", ErrInvalidConfiguration, c.LogFormat)
	}
	return nil
}

// WithComponent names the component this Config's logger will tag,
// following the "stableinfra/<package>" convention documented on
// ComponentAwareLogger.
func WithComponent(name string) Option {
	return func(c *Config) error {
		c.Component = name
		return nil
	}
}

// WithLogFormat selects "json" or "text" output for the StandardLogger
// this Config builds.
func WithLogFormat(format string) Option {
	return func(c *Config) error {
		c.LogFormat = format
		return nil
	}
}

// WithLogDebug enables Debug-level log lines.
func WithLogDebug(enabled bool) Option {
	return func(c *Config) error {
		c.LogDebug = enabled
		return nil
	}
}

// WithRedisAddr records a Redis address in Config.RedisAddr. Nothing else
// in this module reads that field.
func WithRedisAddr(addr string) Option {
	return func(c *Config) error {
		if addr == "" {
			return fmt.Errorf("redis address must not be empty")
		}
		c.RedisAddr = addr
		return nil
	}
}

// WithDefaultAttempts sets Config.DefaultAttempts. NewRuntime does not
// apply the Default* fields to any attempt.Config; each call takes its
// settings from the attempt.Config it is given.
func WithDefaultAttempts(n int) Option {
	return func(c *Config) error {
		c.DefaultAttempts = n
		return nil
	}
}

// WithDefaultWait sets the baseline inter-attempt wait.
func WithDefaultWait(d time.Duration) Option {
	return func(c *Config) error {
		c.DefaultWait = d
		return nil
	}
}

// WithDefaultExecutionTimeout sets Config.DefaultExecutionTimeout.
func WithDefaultExecutionTimeout(d time.Duration) Option {
	return func(c *Config) error {
		c.DefaultExecutionTimeout = d
		return nil
	}
}

// WithDefaultMaxAllowedWait sets the baseline backoff clamp.
func WithDefaultMaxAllowedWait(d time.Duration) Option {
	return func(c *Config) error {
		c.DefaultMaxAllowedWait = d
		return nil
	}
}

// WithTelemetry records the tracing flag and OTLP endpoint on the Config.
// This module sets up no span exporter and reads neither field; spans go to
// whatever TracerProvider the host application installs.
func WithTelemetry(enabled bool, endpoint string) Option {
	return func(c *Config) error {
		c.TracingEnabled = enabled
		c.OTLPEndpoint = endpoint
		return nil
	}
}

// WithMetrics records the metrics flag on the Config. Nothing in this
// module reads it; the telemetry package registers its Prometheus
// collectors at package init either way.
func WithMetrics(enabled bool) Option {
	return func(c *Config) error {
		c.MetricsEnabled = enabled
		return nil
	}
}

// NewLogger builds the Logger this Config describes.
func (c *Config) NewLogger() Logger {
	return NewStandardLogger(c.Component, c.LogFormat, c.LogDebug, os.Stdout)
}
