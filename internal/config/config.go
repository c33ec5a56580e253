// Package config loads ledgersync settings from a TOML file, a .env file and
// LEDGERSYNC_* environment variables, and validates them up front.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/bookkeeper/ledgersync/internal/ledger/db"
	"github.com/bookkeeper/ledgersync/internal/ledger/schema"
	"github.com/bookkeeper/ledgersync/internal/ledger/sync"
	"github.com/bookkeeper/ledgersync/internal/ledger/validate"
	"github.com/bookkeeper/ledgersync/internal/logger"
)

// EnvPrefix prefixes every environment override, e.g. LEDGERSYNC_SYNC_BATCH_SIZE.
const EnvPrefix = "LEDGERSYNC"

// Remote drivers.
const (
	DriverNone     = "none"
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Config holds application configuration.
type Config struct {
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Remote     RemoteConfig     `mapstructure:"remote"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Conflict   ConflictConfig   `mapstructure:"conflict"`
	Validation ValidationConfig `mapstructure:"validation"`
	Log        LogConfig        `mapstructure:"log"`
	Dashboard  DashboardConfig  `mapstructure:"dashboard"`
	Inbox      InboxConfig      `mapstructure:"inbox"`
}

// LedgerConfig locates the local SQLite store.
type LedgerConfig struct {
	Path string `mapstructure:"path"`
}

// RemoteConfig selects and addresses the authoritative store.
type RemoteConfig struct {
	Driver   string        `mapstructure:"driver"`
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Database string        `mapstructure:"database"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	SSLMode  string        `mapstructure:"sslmode"`
	MaxConns int32         `mapstructure:"max_conns"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// SyncConfig tunes the reconciler and its schedule.
type SyncConfig struct {
	BatchSize   int           `mapstructure:"batch_size"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
	Schedule    string        `mapstructure:"schedule"`
	PullLimit   int           `mapstructure:"pull_limit"`
}

// ConflictConfig controls automatic merging.
type ConflictConfig struct {
	AutoResolve     bool     `mapstructure:"auto_resolve"`
	ProtectedFields []string `mapstructure:"protected_fields"`
}

// ValidationConfig bounds accepted transactions.
type ValidationConfig struct {
	MaxAmountMinor  int64         `mapstructure:"max_amount_minor"`
	FutureSkew      time.Duration `mapstructure:"future_skew"`
	ExtraCurrencies []string      `mapstructure:"extra_currencies"`
	CurrencyFiles   []string      `mapstructure:"currency_files"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// DashboardConfig configures the daemon's status server.
type DashboardConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// InboxConfig names the directory the daemon imports files from.
type InboxConfig struct {
	Dir string `mapstructure:"dir"`
}

// DefaultPath returns $XDG_CONFIG_HOME/ledgersync/config.toml (or the
// platform equivalent).
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(dir, "ledgersync", "config.toml")
}

func defaultLedgerPath() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		dir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dir, "ledgersync", "ledger.db")
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	retry := db.DefaultRetryPolicy()
	return Config{
		Ledger: LedgerConfig{Path: defaultLedgerPath()},
		Remote: RemoteConfig{
			Driver:  DriverNone,
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
			Timeout: sync.DefaultRemoteTimeout,
		},
		Sync: SyncConfig{
			BatchSize:   sync.DefaultBatchSize,
			MaxAttempts: retry.MaxAttempts,
			BackoffBase: retry.BackoffBase,
			BackoffMax:  retry.BackoffMax,
			Schedule:    "@every 30s",
			PullLimit:   sync.DefaultPullLimit,
		},
		Conflict: ConflictConfig{
			ProtectedFields: slices.Clone(sync.DefaultProtectedFields),
		},
		Validation: ValidationConfig{
			MaxAmountMinor:  validate.DefaultMaxMagnitude,
			FutureSkew:      validate.DefaultFutureSkew,
			ExtraCurrencies: []string{},
			CurrencyFiles:   []string{},
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Dashboard: DashboardConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
	}
}

// settings flattens c into viper keys.
func (c Config) settings() map[string]any {
	return map[string]any{
		"ledger.path": c.Ledger.Path,

		"remote.driver":    c.Remote.Driver,
		"remote.url":       c.Remote.URL,
		"remote.host":      c.Remote.Host,
		"remote.port":      c.Remote.Port,
		"remote.database":  c.Remote.Database,
		"remote.user":      c.Remote.User,
		"remote.password":  c.Remote.Password,
		"remote.sslmode":   c.Remote.SSLMode,
		"remote.max_conns": c.Remote.MaxConns,
		"remote.timeout":   c.Remote.Timeout,

		"sync.batch_size":   c.Sync.BatchSize,
		"sync.max_attempts": c.Sync.MaxAttempts,
		"sync.backoff_base": c.Sync.BackoffBase,
		"sync.backoff_max":  c.Sync.BackoffMax,
		"sync.schedule":     c.Sync.Schedule,
		"sync.pull_limit":   c.Sync.PullLimit,

		"conflict.auto_resolve":     c.Conflict.AutoResolve,
		"conflict.protected_fields": c.Conflict.ProtectedFields,

		"validation.max_amount_minor": c.Validation.MaxAmountMinor,
		"validation.future_skew":      c.Validation.FutureSkew,
		"validation.extra_currencies": c.Validation.ExtraCurrencies,
		"validation.currency_files":   c.Validation.CurrencyFiles,

		"log.level":        c.Log.Level,
		"log.file":         c.Log.File,
		"log.max_size_mb":  c.Log.MaxSizeMB,
		"log.max_backups":  c.Log.MaxBackups,
		"log.max_age_days": c.Log.MaxAgeDays,

		"dashboard.enabled": c.Dashboard.Enabled,
		"dashboard.host":    c.Dashboard.Host,
		"dashboard.port":    c.Dashboard.Port,

		"inbox.dir": c.Inbox.Dir,
	}
}

// Validate checks every field and reports all problems at once.
func (c Config) Validate() error {
	var errs []error
	bad := func(key, format string, args ...any) {
		errs = append(errs, fmt.Errorf("%s: %s", key, fmt.Sprintf(format, args...)))
	}

	if strings.TrimSpace(c.Ledger.Path) == "" {
		bad("ledger.path", "must not be empty")
	}

	switch c.Remote.Driver {
	case DriverNone, DriverMemory:
	case DriverPostgres:
		if c.Remote.URL == "" && (c.Remote.Host == "" || c.Remote.Database == "") {
			bad("remote.url", "postgres needs remote.url or remote.host and remote.database")
		}
		if c.Remote.URL == "" && (c.Remote.Port < 1 || c.Remote.Port > 65535) {
			bad("remote.port", "must be between 1 and 65535, got %d", c.Remote.Port)
		}
		if c.Remote.MaxConns < 0 {
			bad("remote.max_conns", "must not be negative")
		}
	default:
		bad("remote.driver", "must be one of %s, %s, %s; got %q", DriverNone, DriverMemory, DriverPostgres, c.Remote.Driver)
	}
	if c.Remote.Timeout <= 0 {
		bad("remote.timeout", "must be positive")
	}

	if c.Sync.BatchSize < 1 || c.Sync.BatchSize > 1000 {
		bad("sync.batch_size", "must be between 1 and 1000, got %d", c.Sync.BatchSize)
	}
	if c.Sync.MaxAttempts < 1 {
		bad("sync.max_attempts", "must be at least 1, got %d", c.Sync.MaxAttempts)
	}
	if c.Sync.BackoffBase <= 0 {
		bad("sync.backoff_base", "must be positive")
	}
	if c.Sync.BackoffMax < c.Sync.BackoffBase {
		bad("sync.backoff_max", "must not be below sync.backoff_base")
	}
	if _, err := cron.ParseStandard(c.Sync.Schedule); err != nil {
		bad("sync.schedule", "invalid schedule %q: %v", c.Sync.Schedule, err)
	}
	if c.Sync.PullLimit < 1 {
		bad("sync.pull_limit", "must be at least 1, got %d", c.Sync.PullLimit)
	}

	for _, f := range c.Conflict.ProtectedFields {
		if !slices.Contains(schema.PayloadFields, f) {
			bad("conflict.protected_fields", "unknown field %q (known: %s)", f, strings.Join(schema.PayloadFields, ", "))
		}
	}

	if c.Validation.MaxAmountMinor <= 0 {
		bad("validation.max_amount_minor", "must be positive")
	}
	if c.Validation.FutureSkew < 0 {
		bad("validation.future_skew", "must not be negative")
	}
	if err := validate.NewRegistry().Add(c.Validation.ExtraCurrencies...); err != nil {
		bad("validation.extra_currencies", "%v", err)
	}

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil || c.Log.Level == "" {
		bad("log.level", "unknown level %q", c.Log.Level)
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0 {
		bad("log", "rotation limits must not be negative")
	}

	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		bad("dashboard.port", "must be between 0 and 65535, got %d", c.Dashboard.Port)
	}

	return errors.Join(errs...)
}

// RetryPolicy returns the queue's delivery bounds.
func (c SyncConfig) RetryPolicy() db.RetryPolicy {
	return db.RetryPolicy{
		MaxAttempts: c.MaxAttempts,
		BackoffBase: c.BackoffBase,
		BackoffMax:  c.BackoffMax,
	}
}

// Options returns the logger settings.
func (c LogConfig) Options() logger.Options {
	return logger.Options{
		Level:      c.Level,
		File:       c.File,
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAgeDays: c.MaxAgeDays,
	}
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.Remote.Password != "" {
		c.Remote.Password = "********"
	}
	if c.Remote.URL != "" {
		c.Remote.URL = redactURL(c.Remote.URL)
	}
	return c
}

func redactURL(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return raw
	}
	userinfo, host, ok := strings.Cut(rest, "@")
	if !ok {
		return raw
	}
	user, _, hasPassword := strings.Cut(userinfo, ":")
	if !hasPassword {
		return raw
	}
	return scheme + "://" + user + ":********@" + host
}

// newViper returns a viper instance carrying the defaults and env rules.
func newViper() *viper.Viper {
	v := viper.New()
	for key, value := range Default().settings() {
		v.SetDefault(key, value)
	}
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// loadDotEnv loads the .env file next to the config file. Variables already
// set in the environment win.
func loadDotEnv(configPath string) error {
	path := filepath.Join(filepath.Dir(configPath), ".env")
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &c, nil
}
