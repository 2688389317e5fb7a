// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Hearthd Contributors

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// envPrefix is the prefix for environment overrides. A double underscore
// separates nesting levels so multiword keys survive: for example
// HEARTHD_SERVER__METRICS_ADDR sets server.metrics_addr.
const envPrefix = "HEARTHD_"

// Config is the host configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Plugins  PluginsConfig  `koanf:"plugins"`
	Bus      BusConfig      `koanf:"bus"`
	Log      LogConfig      `koanf:"log"`
}

// ServerConfig configures the HTTP surfaces.
type ServerConfig struct {
	Addr          string `koanf:"addr"`
	MetricsAddr   string `koanf:"metrics_addr"`
	ControlSocket string `koanf:"control_socket"`
}

// DatabaseConfig configures the PostgreSQL connection.
type DatabaseConfig struct {
	URL string `koanf:"url"`
}

// PluginsConfig configures discovery and loading.
type PluginsConfig struct {
	// InstalledDir holds manifests for installed plugins; entries here
	// shadow built-in plugins with the same id. Empty means the XDG
	// plugins directory.
	InstalledDir    string        `koanf:"installed_dir"`
	LoadParallelism int           `koanf:"load_parallelism"`
	LoadTimeout     time.Duration `koanf:"load_timeout"`

	// Defaults holds global per-kind configuration defaults, keyed by
	// plugin kind. Explicit per-plugin configuration in Config overrides
	// them.
	Defaults map[string]map[string]any `koanf:"defaults"`
	Config   map[string]map[string]any `koanf:"config"`
}

// BusConfig tunes the event bus.
type BusConfig struct {
	DebounceWindow time.Duration `koanf:"debounce_window"`
	BatchSize      int           `koanf:"batch_size"`
	HistorySize    int           `koanf:"history_size"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// Defaults returns the built-in host configuration.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Addr:        "127.0.0.1:8400",
			MetricsAddr: "127.0.0.1:8401",
		},
		Plugins: PluginsConfig{
			LoadParallelism: 5,
			LoadTimeout:     30 * time.Second,
		},
		Bus: BusConfig{
			DebounceWindow: 100 * time.Millisecond,
			BatchSize:      20,
			HistorySize:    1000,
		},
		Log: LogConfig{
			Format: "json",
			Level:  "info",
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("log.format must be 'json' or 'text', got %q", c.Log.Format)
	}
	if c.Plugins.LoadParallelism <= 0 {
		return fmt.Errorf("plugins.load_parallelism must be positive, got %d", c.Plugins.LoadParallelism)
	}
	if c.Plugins.LoadTimeout <= 0 {
		return fmt.Errorf("plugins.load_timeout must be positive, got %s", c.Plugins.LoadTimeout)
	}
	return nil
}

// Load builds the host configuration from, in rising precedence:
// built-in defaults, the YAML file at path (skipped when empty), HEARTHD_
// environment variables, and the given flag set. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	k := koanf.New(".")

	def := Defaults()
	if err := k.Load(confmap.Provider(map[string]any{
		"server.addr":              def.Server.Addr,
		"server.metrics_addr":      def.Server.MetricsAddr,
		"plugins.load_parallelism": def.Plugins.LoadParallelism,
		"plugins.load_timeout":     def.Plugins.LoadTimeout,
		"bus.debounce_window":      def.Bus.DebounceWindow,
		"bus.batch_size":           def.Bus.BatchSize,
		"bus.history_size":         def.Bus.HistorySize,
		"log.format":               def.Log.Format,
		"log.level":                def.Log.Level,
	}, "."), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return Config{}, fmt.Errorf("load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.ReplaceAll(s, "__", ".")
}
