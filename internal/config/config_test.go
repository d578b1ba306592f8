package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	// An empty explicit file keeps the real ~/.appcast/config.yaml out of the test
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte{}, 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	home, err := homedir.Dir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".appcast"), cfg.DataDir)
	assert.Equal(t, ModeAuto, cfg.Environment.Mode)
	assert.Equal(t, Range{Start: 99, End: 149}, cfg.Display)
	assert.Equal(t, Range{Start: 5900, End: 5999}, cfg.Port)
	assert.Equal(t, "Xvfb", cfg.Virtual.FramebufferBinary)
	assert.Equal(t, "x11vnc", cfg.Virtual.RemoteBinary)
	assert.Equal(t, "1920x1080", cfg.Virtual.DefaultResolution)
	assert.Equal(t, 24, cfg.Virtual.DefaultColorDepth)
	assert.Equal(t, time.Second, cfg.Timing.StartupGrace)
	assert.Equal(t, 250*time.Millisecond, cfg.Timing.ProbeInterval)
	assert.Equal(t, 5*time.Second, cfg.Timing.TerminateGrace)
	assert.Equal(t, 8, cfg.Cleanup.Concurrency)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
data_dir: /srv/appcast
environment:
  mode: virtual-display
display:
  range_start: 10
  range_end: 12
timing:
  startup_grace: 50ms
  probe_attempts: 3
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/appcast", cfg.DataDir)
	assert.Equal(t, ModeVirtualDisplay, cfg.Environment.Mode)
	assert.Equal(t, Range{Start: 10, End: 12}, cfg.Display)
	assert.Equal(t, 3, cfg.Display.Size())
	assert.Equal(t, 50*time.Millisecond, cfg.Timing.StartupGrace)
	assert.Equal(t, 3, cfg.Timing.ProbeAttempts)

	// Unset keys keep their defaults
	assert.Equal(t, Range{Start: 5900, End: 5999}, cfg.Port)

	assert.Equal(t, "/srv/appcast/sessions", cfg.SessionsDir())
	assert.Equal(t, "/srv/appcast/apps", cfg.AppsDir())
	assert.Equal(t, "/srv/appcast/logs", cfg.LogsDir())
}

func TestLoadEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("environment:\n  mode: auto\n"), 0644))

	t.Setenv("APPCAST_ENVIRONMENT_MODE", "native")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ModeNative, cfg.Environment.Mode)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Environment: Environment{Mode: ModeAuto},
			Display:     Range{Start: 99, End: 149},
			Port:        Range{Start: 5900, End: 5999},
			Timing:      Timing{ProbeAttempts: 1},
			Cleanup:     Cleanup{Concurrency: 1},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "bad mode", mutate: func(c *Config) { c.Environment.Mode = "wayland" }, wantErr: "invalid environment.mode"},
		{name: "inverted display range", mutate: func(c *Config) { c.Display = Range{Start: 10, End: 5} }, wantErr: "invalid display range"},
		{name: "port out of bounds", mutate: func(c *Config) { c.Port = Range{Start: 65000, End: 70000} }, wantErr: "outside 1-65535"},
		{name: "zero probe attempts", mutate: func(c *Config) { c.Timing.ProbeAttempts = 0 }, wantErr: "probe_attempts"},
		{name: "zero concurrency", mutate: func(c *Config) { c.Cleanup.Concurrency = 0 }, wantErr: "concurrency"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEnsureDirs(t *testing.T) {
	cfg := &Config{DataDir: t.TempDir()}
	require.NoError(t, cfg.EnsureDirs())

	for _, dir := range []string{cfg.SessionsDir(), cfg.AppsDir(), cfg.LogsDir()} {
		stat, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, stat.IsDir())
	}
}
