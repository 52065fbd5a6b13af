// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package config

import (
	"errors"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sigil-dev/afina/internal/store"
	afinaerr "github.com/sigil-dev/afina/pkg/errors"
)

// DefaultErrorNotice is appended to a chat when a reply stream fails.
const DefaultErrorNotice = "Sorry, something went wrong while processing your message. Please try again."

// Stream modes understood by the transport.
const (
	StreamModeChunked = "chunked"
	StreamModeSSE     = "sse"
)

// Config is the top-level afina configuration.
type Config struct {
	Backend   BackendConfig   `mapstructure:"backend"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Streaming StreamingConfig `mapstructure:"streaming"`
	Polling   PollingConfig   `mapstructure:"polling"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	UI        UIConfig        `mapstructure:"ui"`
}

// BackendConfig points at the chat backend.
type BackendConfig struct {
	URL        string        `mapstructure:"url"`
	StreamMode string        `mapstructure:"stream_mode"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// StorageConfig selects and configures the KV backend.
type StorageConfig struct {
	Backend       string `mapstructure:"backend"`
	Path          string `mapstructure:"path"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	KeyPrefix     string `mapstructure:"key_prefix"`
}

// StreamingConfig tunes how streamed replies are persisted.
type StreamingConfig struct {
	PersistInterval time.Duration `mapstructure:"persist_interval"`
	ErrorNotice     string        `mapstructure:"error_notice"`
}

// PollingConfig tunes the store resynchronisation loop.
type PollingConfig struct {
	ActiveInterval time.Duration `mapstructure:"active_interval"`
	IdleInterval   time.Duration `mapstructure:"idle_interval"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
}

// LoggingConfig controls the slog handler and its file sink.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// UIConfig controls the terminal interface.
type UIConfig struct {
	TypewriterInterval time.Duration `mapstructure:"typewriter_interval"`
	Markdown           bool          `mapstructure:"markdown"`
}

// ToStore converts the storage section into the store factory configuration.
func (s StorageConfig) ToStore() *store.StorageConfig {
	return &store.StorageConfig{
		Backend:       s.Backend,
		Path:          s.Path,
		RedisAddr:     s.RedisAddr,
		RedisPassword: s.RedisPassword,
		RedisDB:       s.RedisDB,
		KeyPrefix:     s.KeyPrefix,
	}
}

// SetDefaults registers every configuration key with its default value.
// Registering all keys also lets AutomaticEnv resolve them during Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("backend.url", "http://127.0.0.1:8000")
	v.SetDefault("backend.stream_mode", StreamModeChunked)
	v.SetDefault("backend.timeout", 5*time.Minute)

	v.SetDefault("storage.backend", store.DefaultBackend)
	v.SetDefault("storage.path", DefaultDataPath())
	v.SetDefault("storage.redis_addr", "")
	v.SetDefault("storage.redis_password", "")
	v.SetDefault("storage.redis_db", 0)
	v.SetDefault("storage.key_prefix", "afina:")

	v.SetDefault("streaming.persist_interval", 50*time.Millisecond)
	v.SetDefault("streaming.error_notice", DefaultErrorNotice)

	v.SetDefault("polling.active_interval", time.Second)
	v.SetDefault("polling.idle_interval", 5*time.Second)
	v.SetDefault("polling.stale_after", 30*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)

	v.SetDefault("ui.typewriter_interval", 30*time.Millisecond)
	v.SetDefault("ui.markdown", true)
}

// SetupEnv loads .env files and binds AFINA_-prefixed environment variables.
func SetupEnv(v *viper.Viper) {
	LoadDotEnv()
	v.SetEnvPrefix("AFINA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// FromViper decodes and validates the configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, afinaerr.Errorf(afinaerr.CodeConfigParseInvalidFormat, "unmarshalling config: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, afinaerr.Errorf(afinaerr.CodeConfigValidateInvalidValue, "validating config: %w", errors.Join(errs...))
	}

	return &cfg, nil
}

// Load reads configuration from the given path (or defaults) with
// environment variable overrides (prefix AFINA_).
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	SetupEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, afinaerr.Errorf(afinaerr.CodeConfigLoadReadFailure, "reading config %s: %w", path, err)
		}
	}

	return FromViper(v)
}

// Validate checks the configuration for logical errors.
// It returns a slice of all validation errors found, collecting all issues
// rather than stopping at the first one.
func (c *Config) Validate() []error {
	var errs []error

	errs = append(errs, c.validateBackend()...)
	errs = append(errs, c.validateStorage()...)
	errs = append(errs, c.validateStreaming()...)
	errs = append(errs, c.validatePolling()...)
	errs = append(errs, c.validateLogging()...)

	if c.UI.TypewriterInterval < 0 {
		errs = append(errs, invalid("config: ui.typewriter_interval must not be negative, got %s", c.UI.TypewriterInterval))
	}

	return errs
}

func (c *Config) validateBackend() []error {
	var errs []error

	if c.Backend.URL == "" {
		errs = append(errs, invalid("config: backend.url must not be empty"))
	} else if u, err := url.Parse(c.Backend.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, invalid("config: backend.url must be an http(s) URL, got %q", c.Backend.URL))
	}

	validModes := []string{StreamModeChunked, StreamModeSSE}
	if !slices.Contains(validModes, c.Backend.StreamMode) {
		errs = append(errs, invalid("config: backend.stream_mode must be one of [chunked, sse], got %q", c.Backend.StreamMode))
	}

	if c.Backend.Timeout < 0 {
		errs = append(errs, invalid("config: backend.timeout must not be negative, got %s", c.Backend.Timeout))
	}

	return errs
}

func (c *Config) validateStorage() []error {
	var errs []error

	validBackends := []string{"memory", "redis", "sqlite"}
	if !slices.Contains(validBackends, c.Storage.Backend) {
		errs = append(errs, invalid("config: storage.backend must be one of [memory, redis, sqlite], got %q", c.Storage.Backend))
	}

	if c.Storage.Backend == "sqlite" && c.Storage.Path == "" {
		errs = append(errs, invalid("config: storage.path must not be empty for the sqlite backend"))
	}
	if c.Storage.Backend == "redis" && c.Storage.RedisAddr == "" {
		errs = append(errs, invalid("config: storage.redis_addr must not be empty for the redis backend"))
	}
	if c.Storage.RedisDB < 0 {
		errs = append(errs, invalid("config: storage.redis_db must not be negative, got %d", c.Storage.RedisDB))
	}

	return errs
}

func (c *Config) validateStreaming() []error {
	var errs []error

	if c.Streaming.PersistInterval <= 0 {
		errs = append(errs, invalid("config: streaming.persist_interval must be greater than 0, got %s", c.Streaming.PersistInterval))
	}
	if strings.TrimSpace(c.Streaming.ErrorNotice) == "" {
		errs = append(errs, invalid("config: streaming.error_notice must not be empty"))
	}

	return errs
}

func (c *Config) validatePolling() []error {
	var errs []error

	if c.Polling.ActiveInterval <= 0 {
		errs = append(errs, invalid("config: polling.active_interval must be greater than 0, got %s", c.Polling.ActiveInterval))
	}
	// 0 disables idle polling.
	if c.Polling.IdleInterval < 0 {
		errs = append(errs, invalid("config: polling.idle_interval must not be negative, got %s", c.Polling.IdleInterval))
	}
	if c.Polling.StaleAfter <= 0 {
		errs = append(errs, invalid("config: polling.stale_after must be greater than 0, got %s", c.Polling.StaleAfter))
	} else if c.Polling.StaleAfter <= c.Polling.ActiveInterval {
		errs = append(errs, invalid("config: polling.stale_after (%s) must exceed polling.active_interval (%s)",
			c.Polling.StaleAfter, c.Polling.ActiveInterval))
	}

	return errs
}

func (c *Config) validateLogging() []error {
	var errs []error

	validLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLevels, strings.ToLower(c.Logging.Level)) {
		errs = append(errs, invalid("config: logging.level must be one of [debug, info, warn, error], got %q", c.Logging.Level))
	}

	validFormats := []string{"text", "json"}
	if !slices.Contains(validFormats, c.Logging.Format) {
		errs = append(errs, invalid("config: logging.format must be one of [text, json], got %q", c.Logging.Format))
	}

	if c.Logging.MaxSizeMB < 0 || c.Logging.MaxBackups < 0 || c.Logging.MaxAgeDays < 0 {
		errs = append(errs, invalid("config: logging rotation limits must not be negative"))
	}

	return errs
}

func invalid(format string, args ...any) error {
	return afinaerr.Errorf(afinaerr.CodeConfigValidateInvalidValue, format, args...)
}
