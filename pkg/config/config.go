// Package config loads vcmmd's on-disk and environment configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

// SliceConfig mirrors host.SliceConfig with TOML tags; kept separate
// so pkg/config has no dependency on pkg/host.
type SliceConfig struct {
	Share float64 `toml:"share"`
	Min   int64   `toml:"min"`
	Max   int64   `toml:"max"`
}

// HostConfig holds the three reservation slices.
type HostConfig struct {
	HostMem SliceConfig `toml:"host_mem"`
	SysMem  SliceConfig `toml:"sys_mem"`
	UserMem SliceConfig `toml:"user_mem"`
}

// LoadManagerConfig holds the balancing policy selection and timing.
type LoadManagerConfig struct {
	Policy     string `toml:"policy"`
	IntervalMs int64  `toml:"interval_ms"`
}

// LogConfig controls logrus setup, following the teacher's LogConfig
// shape.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "text" or "json"
	File   string `toml:"file"`   // empty means stderr
}

// PersistConfig controls the registry snapshot file.
type PersistConfig struct {
	Path    string `toml:"path"`
	Enabled bool   `toml:"enabled"`
}

// Config is the full daemon configuration.
type Config struct {
	Host        HostConfig        `toml:"host"`
	LoadManager LoadManagerConfig `toml:"load_manager"`
	Log         LogConfig         `toml:"log"`
	Persist     PersistConfig     `toml:"persist"`
}

// Default returns a fully populated default configuration, matching
// §6.3 and §4.3's defaults.
func Default() Config {
	return Config{
		Host: HostConfig{
			HostMem: SliceConfig{Share: 0.04, Min: 128 << 20, Max: 320 << 20},
			SysMem:  SliceConfig{Share: 0.04, Min: 128 << 20, Max: 320 << 20},
			UserMem: SliceConfig{Share: 0.02, Min: 32 << 20, Max: 128 << 20},
		},
		LoadManager: LoadManagerConfig{
			Policy:     "wfb",
			IntervalMs: 5000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Persist: PersistConfig{
			Path:    "/var/lib/vcmmd/registry.toml",
			Enabled: true,
		},
	}
}

// LoadFromFile reads path and decodes it over the defaults. A missing
// file is not an error: it yields the defaults unchanged. Unknown
// keys are ignored by toml.Decode; invalid types surface as a decode
// error, which LoadFromFile logs and falls back from rather than
// propagating, per §6.3's "invalid types fall back to defaults with a
// warning".
func LoadFromFile(path string, log *logrus.Entry) Config {
	cfg := Default()
	if path == "" {
		return cfg
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		log.WithError(err).WithField("path", path).Warn("failed to parse config file; using defaults")
		return Default()
	}
	return cfg
}

// LoadFromEnv applies VCMMD_-prefixed environment overrides on top of
// cfg, following the teacher's per-field loadEnv* helper style.
func LoadFromEnv(cfg Config) Config {
	loadEnvFloat("VCMMD_HOST_HOST_MEM_SHARE", &cfg.Host.HostMem.Share)
	loadEnvInt64("VCMMD_HOST_HOST_MEM_MIN", &cfg.Host.HostMem.Min)
	loadEnvInt64("VCMMD_HOST_HOST_MEM_MAX", &cfg.Host.HostMem.Max)

	loadEnvFloat("VCMMD_HOST_SYS_MEM_SHARE", &cfg.Host.SysMem.Share)
	loadEnvInt64("VCMMD_HOST_SYS_MEM_MIN", &cfg.Host.SysMem.Min)
	loadEnvInt64("VCMMD_HOST_SYS_MEM_MAX", &cfg.Host.SysMem.Max)

	loadEnvFloat("VCMMD_HOST_USER_MEM_SHARE", &cfg.Host.UserMem.Share)
	loadEnvInt64("VCMMD_HOST_USER_MEM_MIN", &cfg.Host.UserMem.Min)
	loadEnvInt64("VCMMD_HOST_USER_MEM_MAX", &cfg.Host.UserMem.Max)

	loadEnvString("VCMMD_LOAD_MANAGER_POLICY", &cfg.LoadManager.Policy)
	loadEnvInt64("VCMMD_LOAD_MANAGER_INTERVAL_MS", &cfg.LoadManager.IntervalMs)

	loadEnvString("VCMMD_LOG_LEVEL", &cfg.Log.Level)
	loadEnvString("VCMMD_LOG_FORMAT", &cfg.Log.Format)
	loadEnvString("VCMMD_LOG_FILE", &cfg.Log.File)

	loadEnvString("VCMMD_PERSIST_PATH", &cfg.Persist.Path)
	loadEnvBool("VCMMD_PERSIST_ENABLED", &cfg.Persist.Enabled)

	return cfg
}

func loadEnvString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func loadEnvBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func loadEnvInt64(key string, dst *int64) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func loadEnvFloat(key string, dst *float64) {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

// Validate checks the fields that would otherwise fail mysteriously
// deep inside host/policy construction.
func (c Config) Validate() error {
	for _, s := range []struct {
		name string
		sc   SliceConfig
	}{
		{"host_mem", c.Host.HostMem},
		{"sys_mem", c.Host.SysMem},
		{"user_mem", c.Host.UserMem},
	} {
		if s.sc.Share < 0 || s.sc.Share > 1 {
			return fmt.Errorf("%s.share must be in [0,1], got %f", s.name, s.sc.Share)
		}
		if s.sc.Min < 0 || s.sc.Max < s.sc.Min {
			return fmt.Errorf("%s.min/max invalid: min=%d max=%d", s.name, s.sc.Min, s.sc.Max)
		}
	}
	switch c.LoadManager.Policy {
	case "wfb", "static", "noop":
	default:
		return fmt.Errorf("unknown load_manager.policy %q", c.LoadManager.Policy)
	}
	if c.LoadManager.IntervalMs <= 0 {
		return fmt.Errorf("load_manager.interval_ms must be positive, got %d", c.LoadManager.IntervalMs)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log.format %q", c.Log.Format)
	}
	return nil
}

// Interval returns the balance period as a time.Duration.
func (c Config) Interval() time.Duration {
	return time.Duration(c.LoadManager.IntervalMs) * time.Millisecond
}

// ApplyToLogger configures a logrus.Logger from the Log section,
// following the teacher's ApplyToLogger.
func (c Config) ApplyToLogger(log *logrus.Logger) error {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", c.Log.Level, err)
	}
	log.SetLevel(level)

	switch strings.ToLower(c.Log.Format) {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if c.Log.File != "" {
		f, err := os.OpenFile(c.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open log file %s: %w", c.Log.File, err)
		}
		log.SetOutput(f)
	}
	return nil
}
