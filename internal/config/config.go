// Package config loads the daemon configuration from TOML and the
// environment.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/spf13/viper"

	"github.com/loykin/indexkeeper/internal/cron"
	"github.com/loykin/indexkeeper/internal/logger"
	"github.com/loykin/indexkeeper/internal/store"
)

// EnvPrefix prefixes environment overrides, e.g. INDEXKEEPER_STORE_DSN.
const EnvPrefix = "INDEXKEEPER"

type Config struct {
	ClientID  string          `toml:"client_id" mapstructure:"client_id"`
	Store     store.Config    `toml:"store" mapstructure:"store"`
	Scheduler SchedulerConfig `toml:"scheduler" mapstructure:"scheduler"`
	Scan      ScanConfig      `toml:"scan" mapstructure:"scan"`
	Server    ServerConfig    `toml:"server" mapstructure:"server"`
	Metrics   MetricsConfig   `toml:"metrics" mapstructure:"metrics"`
	Log       logger.Config   `toml:"log" mapstructure:"log"`
	History   HistoryConfig   `toml:"history" mapstructure:"history"`
	Folders   []FolderConfig  `toml:"folders" mapstructure:"folders"`
}

type SchedulerConfig struct {
	TickInterval       time.Duration `toml:"tick_interval" mapstructure:"tick_interval"`
	LockTTL            time.Duration `toml:"lock_ttl" mapstructure:"lock_ttl"`
	MaxConcurrentScans int           `toml:"max_concurrent_scans" mapstructure:"max_concurrent_scans"`
	Autostart          bool          `toml:"autostart" mapstructure:"autostart"`
}

type ScanConfig struct {
	// Extensions limits scanning to these file extensions; empty means all.
	Extensions []string `toml:"extensions" mapstructure:"extensions"`
}

type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
	PIDFile  string `toml:"pidfile" mapstructure:"pidfile"`
}

type MetricsConfig struct {
	// Listen serves /metrics and /healthz; empty disables the listener.
	Listen         string        `toml:"listen" mapstructure:"listen"`
	HealthInterval time.Duration `toml:"health_interval" mapstructure:"health_interval"`
}

type HistoryConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

// FolderConfig seeds a watched folder at startup.
type FolderConfig struct {
	Path      string            `toml:"path" mapstructure:"path"`
	Schedule  string            `toml:"schedule" mapstructure:"schedule"`
	Enabled   *bool             `toml:"enabled" mapstructure:"enabled"`
	ClientRef string            `toml:"client_ref" mapstructure:"client_ref"`
	Metadata  map[string]string `toml:"metadata" mapstructure:"metadata"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("client_id", "")
	v.SetDefault("store.dsn", "indexkeeper.db")
	v.SetDefault("store.max_open_conns", 0)
	v.SetDefault("store.max_idle_conns", 0)
	v.SetDefault("store.conn_max_age", 0)
	v.SetDefault("scheduler.tick_interval", "1m")
	v.SetDefault("scheduler.lock_ttl", "10m")
	v.SetDefault("scheduler.max_concurrent_scans", 4)
	v.SetDefault("scheduler.autostart", true)
	v.SetDefault("scan.extensions", []string{})
	v.SetDefault("server.listen", "127.0.0.1:8080")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.pidfile", "")
	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.health_interval", "15s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file.dir", "")
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)
	v.SetDefault("history.dsn", "")
}

// Default returns the configuration used without a file.
func Default() (*Config, error) { return Load("") }

// Load reads path (TOML) when non-empty, applies INDEXKEEPER_* environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.Server.BasePath = normalizeBase(c.Server.BasePath)
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &c, nil
}

func normalizeBase(b string) string {
	b = strings.TrimSpace(b)
	if b == "" || b == "/" {
		return ""
	}
	if !strings.HasPrefix(b, "/") {
		b = "/" + b
	}
	return strings.TrimRight(b, "/")
}

func (c *Config) Validate() error {
	if err := validation.Validate(c.Store.DSN, validation.Required); err != nil {
		return fmt.Errorf("store.dsn: %w", err)
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Scheduler),
		validation.Field(&c.Server),
		validation.Field(&c.Metrics),
		validation.Field(&c.Folders),
	); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(c.Folders))
	for _, f := range c.Folders {
		p := filepath.Clean(f.Path)
		if _, dup := seen[p]; dup {
			return fmt.Errorf("folders: duplicate path %s", p)
		}
		seen[p] = struct{}{}
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	return nil
}

func (c SchedulerConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.TickInterval, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.LockTTL, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.MaxConcurrentScans, validation.Required, validation.Min(1)),
	)
}

func (c ServerConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Listen, validation.Required),
	)
}

func (c MetricsConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.HealthInterval, validation.Required, validation.Min(time.Second)),
	)
}

func (f FolderConfig) Validate() error {
	return validation.ValidateStruct(&f,
		validation.Field(&f.Path, validation.Required, validation.By(absolute)),
		validation.Field(&f.Schedule, validation.Required, validation.By(cronExpr)),
	)
}

func absolute(v interface{}) error {
	s, _ := v.(string)
	if s != "" && !filepath.IsAbs(s) {
		return errors.New("must be an absolute path")
	}
	return nil
}

func cronExpr(v interface{}) error {
	s, _ := v.(string)
	if s == "" {
		return nil
	}
	return cron.Validate(s)
}

// WatchedFolders converts the seeded folders to store records.
func (c *Config) WatchedFolders() []store.WatchedFolder {
	out := make([]store.WatchedFolder, 0, len(c.Folders))
	for _, f := range c.Folders {
		enabled := true
		if f.Enabled != nil {
			enabled = *f.Enabled
		}
		out = append(out, store.WatchedFolder{
			Path:      filepath.Clean(f.Path),
			Enabled:   enabled,
			Schedule:  f.Schedule,
			ClientRef: f.ClientRef,
			Metadata:  f.Metadata,
		})
	}
	return out
}
