// Package config loads outbox settings from file, environment and flags.
//
// Precedence, highest first: bound flags, OUTBOX_* environment variables,
// the config file, defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/roach88/outbox/internal/engine"
	"github.com/roach88/outbox/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. OUTBOX_DB_PATH.
const EnvPrefix = "OUTBOX"

// Config is the full runtime configuration.
type Config struct {
	DB           DB             `mapstructure:"db"`
	Remote       Remote         `mapstructure:"remote"`
	Sync         Sync           `mapstructure:"sync"`
	Connectivity Connectivity   `mapstructure:"connectivity"`
	Log          logging.Config `mapstructure:"log"`
}

type DB struct {
	Path string `mapstructure:"path"`
}

type Remote struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type Sync struct {
	MaxRetries int   `mapstructure:"max_retries"`
	AutoMerge  bool  `mapstructure:"auto_merge"`
	Retry      Retry `mapstructure:"retry"`
}

type Retry struct {
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
}

// RetryConfig converts to the engine's backoff settings.
func (r Retry) RetryConfig() engine.RetryConfig {
	return engine.RetryConfig{
		InitialDelay: r.InitialDelay,
		MaxDelay:     r.MaxDelay,
		Multiplier:   r.Multiplier,
	}
}

type Connectivity struct {
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	Debounce      time.Duration `mapstructure:"debounce"`
}

var defaults = map[string]any{
	"db.path":                     "outbox.db",
	"remote.base_url":             "http://localhost:8080",
	"remote.timeout":              "15s",
	"sync.max_retries":            3,
	"sync.auto_merge":             false,
	"sync.retry.initial_delay":    "1s",
	"sync.retry.max_delay":        "30s",
	"sync.retry.multiplier":       2.0,
	"connectivity.probe_interval": "5s",
	"connectivity.debounce":       "500ms",
	"log.level":                   "info",
	"log.format":                  "text",
	"log.file":                    "",
	"log.max_size_mb":             10,
	"log.max_backups":             3,
}

// New returns a viper instance with defaults and environment overrides
// registered. Callers bind their flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file and decodes v into a Config.
//
// With an explicit path the file must exist. Otherwise outbox.yaml is
// looked up in the working directory and $HOME/.config/outbox, and a missing
// file is not an error.
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("outbox")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "outbox"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.DB.Path == "" {
		errs = append(errs, errors.New("db.path is required"))
	}
	if c.Sync.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("sync.max_retries must be at least 1, got %d", c.Sync.MaxRetries))
	}
	if c.Remote.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("remote.timeout must be positive, got %s", c.Remote.Timeout))
	}
	if c.Sync.Retry.InitialDelay <= 0 {
		errs = append(errs, fmt.Errorf("sync.retry.initial_delay must be positive, got %s", c.Sync.Retry.InitialDelay))
	}
	if c.Connectivity.ProbeInterval <= 0 {
		errs = append(errs, fmt.Errorf("connectivity.probe_interval must be positive, got %s", c.Connectivity.ProbeInterval))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
