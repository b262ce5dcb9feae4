// Package config loads the daemon's YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration. Durations are written as Go duration
// strings ("30s", "5m").
type Config struct {
	DBPath      string   `yaml:"db_path"`
	APIURL      string   `yaml:"api_url"`
	WSURL       string   `yaml:"ws_url"`
	TLSCAFile   string   `yaml:"tls_ca_file"`
	LogLevel    string   `yaml:"log_level"`
	MetricsAddr string   `yaml:"metrics_addr"`
	Redis       Redis    `yaml:"redis"`
	Dispatch    Dispatch `yaml:"dispatch"`
}

// Redis selects the Redis pending backend. An empty URL keeps pending
// messages in SQLite.
type Redis struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

// Dispatch tunes delivery.
type Dispatch struct {
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`
	SessionTimeout  time.Duration `yaml:"session_timeout"`
	DrainSchedule   string        `yaml:"drain_schedule"`
	RateLimit       float64       `yaml:"rate_limit"` // requests per second, 0 is unlimited
	Burst           int           `yaml:"burst"`
}

// Default returns the configuration used for unset fields.
func Default() Config {
	return Config{
		LogLevel:    "info",
		MetricsAddr: "127.0.0.1:9464",
		Dispatch: Dispatch{
			DeliveryTimeout: 30 * time.Second,
			SessionTimeout:  30 * time.Second,
			DrainSchedule:   "@every 30s",
			Burst:           1,
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. Unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	ApplyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from SESSION_* environment variables.
func ApplyEnv(cfg *Config) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&cfg.DBPath, "SESSION_DB_PATH")
	set(&cfg.APIURL, "SESSION_API_URL")
	set(&cfg.WSURL, "SESSION_WS_URL")
	set(&cfg.Redis.URL, "SESSION_REDIS_URL")
	set(&cfg.LogLevel, "SESSION_LOG_LEVEL")
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	var errs []error
	if c.APIURL == "" {
		errs = append(errs, errors.New("api_url is required"))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.Dispatch.DeliveryTimeout < 0 || c.Dispatch.SessionTimeout < 0 {
		errs = append(errs, errors.New("dispatch timeouts must not be negative"))
	}
	if c.Dispatch.RateLimit < 0 {
		errs = append(errs, errors.New("dispatch.rate_limit must not be negative"))
	}
	if c.Dispatch.RateLimit > 0 && c.Dispatch.Burst < 1 {
		errs = append(errs, errors.New("dispatch.burst must be at least 1 with a rate limit"))
	}
	if c.Dispatch.DrainSchedule != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(c.Dispatch.DrainSchedule); err != nil {
			errs = append(errs, fmt.Errorf("dispatch.drain_schedule: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Level returns the parsed log level, info when unset.
func (c Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
