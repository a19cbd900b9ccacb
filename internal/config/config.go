// Package config loads fieldsync configuration from file, environment
// variables, and defaults.
//
// Precedence, highest first: FSQ_* environment variables, the YAML config
// file, built-in defaults. Nested keys map to env vars with underscores
// (mirror.enabled -> FSQ_MIRROR_ENABLED).
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/lagoi/fieldsync/internal/store"
)

// Config is the full daemon and CLI configuration.
type Config struct {
	// DataDir anchors the relative paths below (queue, sqlite files, spool).
	DataDir string `mapstructure:"data_dir"`

	// QueuePath is the sync queue database file.
	QueuePath string `mapstructure:"queue_path"`

	// Backend selects the canonical store ("sqlite" or "postgres").
	Backend     string `mapstructure:"backend"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`

	// Mirror configures the dual-backend migration window.
	Mirror MirrorConfig `mapstructure:"mirror"`

	// SpoolDir, when set, is watched for offline submission bundles.
	SpoolDir string `mapstructure:"spool_dir"`

	PollInterval  time.Duration `mapstructure:"poll_interval"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	Workers       int           `mapstructure:"workers"`
	MaxAttempts   int           `mapstructure:"max_attempts"`

	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Log       LogConfig       `mapstructure:"log"`

	// VocabPath overlays the built-in field vocabulary.
	VocabPath string `mapstructure:"vocab_path"`
}

// MirrorConfig configures the secondary backend.
type MirrorConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Backend     string `mapstructure:"backend"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// DashboardConfig configures the operator dashboard.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LogConfig configures the rotating log file. File empty means stderr only.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		DataDir:       ".",
		QueuePath:     "fieldsync-queue.db",
		Backend:       string(store.TypeSQLite),
		SQLitePath:    "fieldsync.db",
		Mirror:        MirrorConfig{Backend: string(store.TypePostgres)},
		PollInterval:  2 * time.Second,
		SweepInterval: 15 * time.Minute,
		Workers:       1,
		MaxAttempts:   5,
		Dashboard:     DashboardConfig{Port: 8080},
		Log:           LogConfig{MaxSizeMB: 10, MaxBackups: 3, MaxAgeDays: 28},
	}
}

// Load reads the configuration. An explicit path must exist; with an empty
// path the standard locations are searched and a missing file just means
// defaults + environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("fieldsync")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/fieldsync")
	}

	v.SetEnvPrefix("FSQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv picks up unset ones too.
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("queue_path", d.QueuePath)
	v.SetDefault("backend", d.Backend)
	v.SetDefault("sqlite_path", d.SQLitePath)
	v.SetDefault("postgres_dsn", d.PostgresDSN)
	v.SetDefault("mirror.enabled", d.Mirror.Enabled)
	v.SetDefault("mirror.backend", d.Mirror.Backend)
	v.SetDefault("mirror.sqlite_path", d.Mirror.SQLitePath)
	v.SetDefault("mirror.postgres_dsn", d.Mirror.PostgresDSN)
	v.SetDefault("spool_dir", d.SpoolDir)
	v.SetDefault("poll_interval", d.PollInterval)
	v.SetDefault("sweep_interval", d.SweepInterval)
	v.SetDefault("workers", d.Workers)
	v.SetDefault("max_attempts", d.MaxAttempts)
	v.SetDefault("dashboard.enabled", d.Dashboard.Enabled)
	v.SetDefault("dashboard.port", d.Dashboard.Port)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("vocab_path", d.VocabPath)
}

// Validate checks the configuration for contradictions.
func (c Config) Validate() error {
	backend, err := store.ParseType(c.Backend)
	if err != nil {
		return fmt.Errorf("invalid backend: %w", err)
	}
	if backend == store.TypePostgres && c.PostgresDSN == "" {
		return fmt.Errorf("postgres backend requires postgres_dsn")
	}
	if c.QueuePath == "" {
		return fmt.Errorf("queue_path cannot be empty")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive")
	}

	if c.Mirror.Enabled {
		mb, err := store.ParseType(c.Mirror.Backend)
		if err != nil {
			return fmt.Errorf("invalid mirror backend: %w", err)
		}
		if mb == store.TypePostgres && c.Mirror.PostgresDSN == "" {
			return fmt.Errorf("postgres mirror requires mirror.postgres_dsn")
		}
		if mb == store.TypeSQLite && c.Mirror.SQLitePath == "" {
			return fmt.Errorf("sqlite mirror requires mirror.sqlite_path")
		}
		if mb == backend && mb == store.TypeSQLite && c.Mirror.SQLitePath == c.SQLitePath {
			return fmt.Errorf("mirror cannot point at the primary sqlite file")
		}
	}

	if c.Dashboard.Enabled && (c.Dashboard.Port < 1 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("dashboard port %d out of range", c.Dashboard.Port)
	}
	return nil
}

// ResolvePath anchors a relative path at DataDir. Absolute paths and the
// empty string pass through.
func (c Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) || c.DataDir == "" {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

// StoreConfig maps the primary backend settings onto the store factory.
func (c Config) StoreConfig() store.Config {
	return store.Config{
		Backend: store.Type(c.Backend),
		Path:    c.ResolvePath(c.SQLitePath),
		DSN:     c.PostgresDSN,
	}
}

// MirrorStoreConfig maps the mirror settings, or nil when disabled.
func (c Config) MirrorStoreConfig() *store.Config {
	if !c.Mirror.Enabled {
		return nil
	}
	return &store.Config{
		Backend: store.Type(c.Mirror.Backend),
		Path:    c.ResolvePath(c.Mirror.SQLitePath),
		DSN:     c.Mirror.PostgresDSN,
	}
}
