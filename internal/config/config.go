// Package config loads keel's environment defaults. Only the CLI reads the
// environment; the core packages take everything as arguments.
package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"

	"github.com/roach88/keel/internal/bundle"
)

// Config holds environment defaults. Flags override every field.
type Config struct {
	LogLevel    string `env:"KEEL_LOG_LEVEL"    envDefault:"info"   validate:"oneof=debug info warn error"`
	LogFormat   string `env:"KEEL_LOG_FORMAT"   envDefault:"auto"   validate:"oneof=auto text json"`
	DB          string `env:"KEEL_DB"`
	Profile     string `env:"KEEL_PROFILE"      envDefault:"strict" validate:"oneof=lenient strict"`
	MetricsFile string `env:"KEEL_METRICS_FILE"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses and validates Config from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.LogFormat = strings.ToLower(cfg.LogFormat)
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Level maps LogLevel to a slog level. Unknown names fall back to info.
func (c Config) Level() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// VerifyProfile returns Profile as a bundle.Profile.
func (c Config) VerifyProfile() (bundle.Profile, error) {
	return bundle.ParseProfile(c.Profile)
}
