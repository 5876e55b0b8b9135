// Package config loads the daemon's TOML configuration: the port registry,
// health monitor, fallback chain, persistence and the supervised service
// definitions, plus a global environment layer merged from inline pairs and
// .env files.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/renkaru/servisr/internal/logger"
	"github.com/renkaru/servisr/internal/service"
)

// Config is the top-level TOML document.
type Config struct {
	Env      []string `toml:"env" mapstructure:"env"`
	EnvFiles []string `toml:"env_files" mapstructure:"env_files"`

	Registry RegistryConfig  `toml:"registry" mapstructure:"registry"`
	Health   HealthConfig    `toml:"health" mapstructure:"health"`
	Fallback FallbackConfig  `toml:"fallback" mapstructure:"fallback"`
	Log      LogConfig       `toml:"log" mapstructure:"log"`
	Server   ServerConfig    `toml:"server" mapstructure:"server"`
	Store    StoreConfig     `toml:"store" mapstructure:"store"`
	History  HistoryConfig   `toml:"history" mapstructure:"history"`
	Usage    UsageConfig     `toml:"usage" mapstructure:"usage"`
	Services []ServiceConfig `toml:"services" mapstructure:"services"`
}

// RegistryConfig configures the cross-process port ledger.
type RegistryConfig struct {
	Path      string        `toml:"path" mapstructure:"path"`
	LockPath  string        `toml:"lock_path" mapstructure:"lock_path"`
	PortLo    int           `toml:"port_lo" mapstructure:"port_lo"`
	PortHi    int           `toml:"port_hi" mapstructure:"port_hi"`
	LockWait  time.Duration `toml:"lock_wait" mapstructure:"lock_wait"`
	Heartbeat time.Duration `toml:"heartbeat" mapstructure:"heartbeat"`
	Staleness time.Duration `toml:"staleness" mapstructure:"staleness"`
}

type HealthConfig struct {
	Interval  time.Duration `toml:"interval" mapstructure:"interval"`
	Threshold int           `toml:"threshold" mapstructure:"threshold"`
	Probe     string        `toml:"probe" mapstructure:"probe"` // tcp or ping
}

type FallbackConfig struct {
	Cooldown  time.Duration    `toml:"cooldown" mapstructure:"cooldown"`
	Priority  []string         `toml:"priority" mapstructure:"priority"`
	Providers []ProviderConfig `toml:"providers" mapstructure:"providers"`
}

// ProviderConfig describes one chain entry. Type selects the shape:
// "http" uses Endpoint/APIKey fields, "local" binds to a supervised
// service by key.
type ProviderConfig struct {
	Name    string        `toml:"name" mapstructure:"name"`
	Type    string        `toml:"type" mapstructure:"type"`
	Timeout time.Duration `toml:"timeout" mapstructure:"timeout"`

	Endpoint  string `toml:"endpoint" mapstructure:"endpoint"`
	HealthURL string `toml:"health_url" mapstructure:"health_url"`
	APIKey    string `toml:"api_key" mapstructure:"api_key"`
	APIKeyEnv string `toml:"api_key_env" mapstructure:"api_key_env"`

	Service   string        `toml:"service" mapstructure:"service"`
	Engine    string        `toml:"engine" mapstructure:"engine"`
	AwaitPort time.Duration `toml:"await_port" mapstructure:"await_port"`
}

// ResolveAPIKey returns the configured key, with the env indirection
// winning so secrets can stay out of the config file.
func (p ProviderConfig) ResolveAPIKey() string {
	if p.APIKeyEnv != "" {
		if v := os.Getenv(p.APIKeyEnv); v != "" {
			return v
		}
	}
	return p.APIKey
}

// LogConfig covers the daemon console logger and the default child
// stderr capture settings; per-service [services.log] blocks override
// the capture part.
type LogConfig struct {
	Level string `toml:"level" mapstructure:"level"`
	Color bool   `toml:"color" mapstructure:"color"`

	Dir        string `toml:"dir" mapstructure:"dir"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type ServerConfig struct {
	Enabled  bool   `toml:"enabled" mapstructure:"enabled"`
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

type StoreConfig struct {
	DSN           string        `toml:"dsn" mapstructure:"dsn"`
	Retention     time.Duration `toml:"retention" mapstructure:"retention"`
	PurgeInterval time.Duration `toml:"purge_interval" mapstructure:"purge_interval"`
}

type HistoryConfig struct {
	DSNs []string `toml:"dsns" mapstructure:"dsns"`
}

type UsageConfig struct {
	Enabled     bool          `toml:"enabled" mapstructure:"enabled"`
	Interval    time.Duration `toml:"interval" mapstructure:"interval"`
	HistorySize int           `toml:"history_size" mapstructure:"history_size"`
}

// CaptureConfig is the per-service stderr capture override.
type CaptureConfig struct {
	Dir        string `toml:"dir" mapstructure:"dir"`
	Path       string `toml:"path" mapstructure:"path"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type ServiceConfig struct {
	Key            string         `toml:"key" mapstructure:"key"`
	Command        string         `toml:"command" mapstructure:"command"`
	WorkDir        string         `toml:"work_dir" mapstructure:"work_dir"`
	Env            []string       `toml:"env" mapstructure:"env"`
	Marker         string         `toml:"marker" mapstructure:"marker"`
	StartupTimeout time.Duration  `toml:"startup_timeout" mapstructure:"startup_timeout"`
	ReadyTimeout   time.Duration  `toml:"ready_timeout" mapstructure:"ready_timeout"`
	StopGrace      time.Duration  `toml:"stop_grace" mapstructure:"stop_grace"`
	AutoStart      bool           `toml:"auto_start" mapstructure:"auto_start"`
	AutoRestart    bool           `toml:"auto_restart" mapstructure:"auto_restart"`
	RestartMax     int            `toml:"restart_max" mapstructure:"restart_max"`
	RestartBackoff time.Duration  `toml:"restart_backoff" mapstructure:"restart_backoff"`
	Log            *CaptureConfig `toml:"log" mapstructure:"log"`
}

// DefaultMarker is the readiness token the supervised model servers print
// when their serving loop is up.
const DefaultMarker = "SERVER_READY"

// Load reads, normalizes and validates a TOML config file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	c.normalize()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Watch invokes fn with a freshly loaded Config every time path changes
// on disk. A save that fails to parse or validate is logged and skipped,
// leaving the previous config in effect. The watch runs for the life of
// the process.
func Watch(path string, fn func(*Config)) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return err
	}
	v.OnConfigChange(func(fsnotify.Event) {
		c, err := Load(path)
		if err != nil {
			slog.Warn("config reload skipped", "path", path, "error", err)
			return
		}
		slog.Info("config reloaded", "path", path)
		fn(c)
	})
	v.WatchConfig()
	return nil
}

func (c *Config) normalize() {
	if c.Registry.Path == "" {
		c.Registry.Path = filepath.Join(os.TempDir(), "servisr", "ports.json")
	}
	if c.Registry.PortLo == 0 && c.Registry.PortHi == 0 {
		c.Registry.PortLo, c.Registry.PortHi = 40000, 40099
	}
	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:8099"
	}
	if c.Store.Retention <= 0 {
		c.Store.Retention = 7 * 24 * time.Hour
	}
	if c.Store.PurgeInterval <= 0 {
		c.Store.PurgeInterval = time.Hour
	}
	if c.Usage.Interval <= 0 {
		c.Usage.Interval = 10 * time.Second
	}
	for i := range c.Services {
		if c.Services[i].Marker == "" {
			c.Services[i].Marker = DefaultMarker
		}
	}
	// priority defaults to declaration order
	if len(c.Fallback.Priority) == 0 {
		for _, p := range c.Fallback.Providers {
			c.Fallback.Priority = append(c.Fallback.Priority, p.Name)
		}
	}
}

func (c *Config) validate() error {
	if c.Registry.PortLo <= 0 || c.Registry.PortHi < c.Registry.PortLo {
		return fmt.Errorf("registry: invalid port range %d-%d", c.Registry.PortLo, c.Registry.PortHi)
	}
	switch c.Health.Probe {
	case "", "tcp", "ping":
	default:
		return fmt.Errorf("health: unknown probe %q", c.Health.Probe)
	}

	keys := make(map[string]bool, len(c.Services))
	for _, sc := range c.Services {
		if strings.TrimSpace(sc.Key) == "" {
			return fmt.Errorf("services: entry with empty key")
		}
		if keys[sc.Key] {
			return fmt.Errorf("services: duplicate key %q", sc.Key)
		}
		keys[sc.Key] = true
		if strings.TrimSpace(sc.Command) == "" {
			return fmt.Errorf("service %q: command is required", sc.Key)
		}
	}

	names := make(map[string]bool, len(c.Fallback.Providers))
	for _, pc := range c.Fallback.Providers {
		if strings.TrimSpace(pc.Name) == "" {
			return fmt.Errorf("fallback: provider with empty name")
		}
		if names[pc.Name] {
			return fmt.Errorf("fallback: duplicate provider %q", pc.Name)
		}
		names[pc.Name] = true
		switch pc.Type {
		case "http":
			if pc.Endpoint == "" {
				return fmt.Errorf("provider %q: http providers need an endpoint", pc.Name)
			}
		case "local":
			if pc.Service == "" {
				return fmt.Errorf("provider %q: local providers need a service key", pc.Name)
			}
			if !keys[pc.Service] {
				return fmt.Errorf("provider %q: unknown service %q", pc.Name, pc.Service)
			}
		default:
			return fmt.Errorf("provider %q: unknown type %q", pc.Name, pc.Type)
		}
	}
	for _, name := range c.Fallback.Priority {
		if !names[name] {
			return fmt.Errorf("fallback: priority names unknown provider %q", name)
		}
	}
	return nil
}

// ServiceSpecs maps the [[services]] entries to supervisor specs, folding
// the global capture defaults under each service's override.
func (c *Config) ServiceSpecs() []service.Spec {
	specs := make([]service.Spec, 0, len(c.Services))
	for _, sc := range c.Services {
		lc := logger.Config{
			Dir:        c.Log.Dir,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		}
		if sc.Log != nil {
			if sc.Log.Dir != "" {
				lc.Dir = sc.Log.Dir
			}
			if sc.Log.Path != "" {
				lc.Path = sc.Log.Path
			}
			if sc.Log.MaxSizeMB != 0 {
				lc.MaxSizeMB = sc.Log.MaxSizeMB
			}
			if sc.Log.MaxBackups != 0 {
				lc.MaxBackups = sc.Log.MaxBackups
			}
			if sc.Log.MaxAgeDays != 0 {
				lc.MaxAgeDays = sc.Log.MaxAgeDays
			}
			if sc.Log.Compress {
				lc.Compress = true
			}
		}
		specs = append(specs, service.Spec{
			Key:            sc.Key,
			Command:        sc.Command,
			WorkDir:        sc.WorkDir,
			Env:            sc.Env,
			Marker:         sc.Marker,
			StartupTimeout: sc.StartupTimeout,
			ReadyTimeout:   sc.ReadyTimeout,
			StopGrace:      sc.StopGrace,
			AutoStart:      sc.AutoStart,
			AutoRestart:    sc.AutoRestart,
			RestartMax:     sc.RestartMax,
			RestartBackoff: sc.RestartBackoff,
			Log:            lc,
		})
	}
	return specs
}

// GlobalEnv merges the environment layers for child processes: .env files
// in order, then the inline env list overriding last. The daemon's own
// environment is the implicit base handled by the supervisor.
func (c *Config) GlobalEnv() ([]string, error) {
	m := make(map[string]string)
	order := make([]string, 0)
	set := func(k, v string) {
		if _, seen := m[k]; !seen {
			order = append(order, k)
		}
		m[k] = v
	}
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for _, kv := range pairs {
			k, v, _ := strings.Cut(kv, "=")
			set(k, v)
		}
	}
	for _, kv := range c.Env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("env: malformed entry %q", kv)
		}
		set(k, v)
	}
	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+m[k])
	}
	return out, nil
}

// loadEnvFile parses KEY=VALUE lines; blank lines and # comments are
// skipped, order is preserved.
func loadEnvFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out = append(out, strings.TrimSpace(k)+"="+strings.TrimSpace(v))
	}
	return out, nil
}
