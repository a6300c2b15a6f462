// Package config loads and validates the YAML configuration for the
// EM1003 tools. Durations are expressed in milliseconds so the file stays
// free of unit-suffix parsing surprises.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/em1003/internal/session"
)

// Config holds the full application configuration.
type Config struct {
	LogLevel string        `yaml:"log_level" default:"info"`
	Device   DeviceConfig  `yaml:"device"`
	Session  SessionConfig `yaml:"session"`
	Breaker  BreakerConfig `yaml:"breaker"`
	Connect  ConnectConfig `yaml:"connect"`
	Poll     PollConfig    `yaml:"poll"`
}

// DeviceConfig identifies the target peripheral.
type DeviceConfig struct {
	Address string `yaml:"address"`
}

// SessionConfig tunes the request/response engine.
type SessionConfig struct {
	RequestTimeoutMs int  `yaml:"request_timeout_ms" default:"2000"`
	PendingMaxAgeMs  int  `yaml:"pending_max_age_ms" default:"10000"`
	PacingMs         int  `yaml:"pacing_ms" default:"300"`
	KeepAlive        bool `yaml:"keep_alive" default:"false"`
}

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" default:"3"`
	OpenMs           int `yaml:"open_ms" default:"60000"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" default:"3600000"`
}

// ConnectConfig tunes connection pacing.
type ConnectConfig struct {
	FastFailWindowMs  int `yaml:"fast_fail_window_ms" default:"30000"`
	BaseDelayMs       int `yaml:"base_delay_ms" default:"2000"`
	MaxAbortBackoffMs int `yaml:"max_abort_backoff_ms" default:"30000"`
	AbortDecayMs      int `yaml:"abort_decay_ms" default:"300000"`
	TimeoutMs         int `yaml:"timeout_ms" default:"30000"`
}

// PollConfig tunes the background poller.
type PollConfig struct {
	IntervalMs   int `yaml:"interval_ms" default:"60000"`
	StaleAfterMs int `yaml:"stale_after_ms" default:"1800000"`
}

// Default returns a configuration populated with default values.
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads, defaults, and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Device.Address == "" {
		return fmt.Errorf("device.address is required")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.Session.RequestTimeoutMs <= 0 {
		return fmt.Errorf("session.request_timeout_ms must be positive")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be positive")
	}
	if c.Poll.IntervalMs <= 0 {
		return fmt.Errorf("poll.interval_ms must be positive")
	}
	if c.Poll.StaleAfterMs < c.Poll.IntervalMs {
		return fmt.Errorf("poll.stale_after_ms must not be shorter than poll.interval_ms")
	}
	return nil
}

// SessionOptions converts the configuration into session tuning.
func (c *Config) SessionOptions() session.Options {
	return session.Options{
		RequestTimeout:   ms(c.Session.RequestTimeoutMs),
		PendingMaxAge:    ms(c.Session.PendingMaxAgeMs),
		PacingDelay:      ms(c.Session.PacingMs),
		KeepAlive:        c.Session.KeepAlive,
		FailureThreshold: c.Breaker.FailureThreshold,
		OpenDuration:     ms(c.Breaker.OpenMs),
		MaxBackoff:       ms(c.Breaker.MaxBackoffMs),
		FastFailWindow:   ms(c.Connect.FastFailWindowMs),
		BaseDelay:        ms(c.Connect.BaseDelayMs),
		MaxAbortBackoff:  ms(c.Connect.MaxAbortBackoffMs),
		AbortDecay:       ms(c.Connect.AbortDecayMs),
		ConnectTimeout:   ms(c.Connect.TimeoutMs),
	}
}

// PollInterval returns the poll loop interval.
func (c *Config) PollInterval() time.Duration {
	return ms(c.Poll.IntervalMs)
}

// StaleAfter returns the reading staleness cutoff.
func (c *Config) StaleAfter() time.Duration {
	return ms(c.Poll.StaleAfterMs)
}

// NewLogger creates a logger configured per the config.
func (c *Config) NewLogger() *logrus.Logger {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	return newLogger(level)
}

// CLILogger builds a logger from command line flags. An explicit level wins
// over the verbose flag; with neither, the logger is panic-level and
// effectively silent so command output stays clean.
func CLILogger(level string, verbose bool) (*logrus.Logger, error) {
	if level == "" {
		if verbose {
			return newLogger(logrus.DebugLevel), nil
		}
		return newLogger(logrus.PanicLevel), nil
	}
	switch level {
	case "debug":
		return newLogger(logrus.DebugLevel), nil
	case "info":
		return newLogger(logrus.InfoLevel), nil
	case "warn":
		return newLogger(logrus.WarnLevel), nil
	case "error":
		return newLogger(logrus.ErrorLevel), nil
	default:
		return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", level)
	}
}

func newLogger(level logrus.Level) *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
