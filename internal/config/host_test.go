// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Hearthd Contributors

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsOnly(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8400", cfg.Server.Addr)
	assert.Equal(t, 5, cfg.Plugins.LoadParallelism)
	assert.Equal(t, 30*time.Second, cfg.Plugins.LoadTimeout)
	assert.Equal(t, "json", cfg.Log.Format)
	require.NoError(t, cfg.Validate())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hearthd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: 0.0.0.0:9400
plugins:
  load_timeout: 45s
  defaults:
    monitor:
      poll_interval: 300
  config:
    sysmon:
      poll_interval: 120
log:
  format: text
`), 0o600))

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9400", cfg.Server.Addr)
	assert.Equal(t, 45*time.Second, cfg.Plugins.LoadTimeout)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 5, cfg.Plugins.LoadParallelism, "untouched defaults survive")
	assert.Equal(t, 300, cfg.Plugins.Defaults["monitor"]["poll_interval"])
	assert.Equal(t, 120, cfg.Plugins.Config["sysmon"]["poll_interval"])
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hearthd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600))

	t.Setenv("HEARTHD_LOG__LEVEL", "warn")
	t.Setenv("HEARTHD_SERVER__METRICS_ADDR", "127.0.0.1:9999")

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "127.0.0.1:9999", cfg.Server.MetricsAddr)
}

func TestLoad_FlagsOverrideEverything(t *testing.T) {
	t.Setenv("HEARTHD_SERVER__ADDR", "127.0.0.1:7000")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("server.addr", "", "listen address")
	require.NoError(t, fs.Parse([]string{"--server.addr=127.0.0.1:7001"}))

	cfg, err := Load("", fs)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7001", cfg.Server.Addr)
}

func TestLoad_MissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing addr", func(c *Config) { c.Server.Addr = "" }, "server.addr"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"zero parallelism", func(c *Config) { c.Plugins.LoadParallelism = 0 }, "load_parallelism"},
		{"zero timeout", func(c *Config) { c.Plugins.LoadTimeout = 0 }, "load_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "log.level", envKey("HEARTHD_LOG__LEVEL"))
	assert.Equal(t, "server.metrics_addr", envKey("HEARTHD_SERVER__METRICS_ADDR"))
}
