package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Environment modes accepted by environment.mode
const (
	ModeAuto           = "auto"
	ModeNative         = "native"
	ModeVirtualDisplay = "virtual-display"
)

// Config represents the appcast configuration
type Config struct {
	DataDir     string      `mapstructure:"data_dir"`
	Environment Environment `mapstructure:"environment"`
	Display     Range       `mapstructure:"display"`
	Port        Range       `mapstructure:"port"`
	Virtual     Virtual     `mapstructure:"virtual"`
	Timing      Timing      `mapstructure:"timing"`
	Cleanup     Cleanup     `mapstructure:"cleanup"`
}

// Environment controls backend selection
type Environment struct {
	Mode string `mapstructure:"mode"` // "auto", "native" or "virtual-display"
}

// Range is an inclusive numeric range scanned by the allocator
type Range struct {
	Start int `mapstructure:"range_start"`
	End   int `mapstructure:"range_end"`
}

// Virtual contains settings for the virtual-display pipeline
type Virtual struct {
	FramebufferBinary string   `mapstructure:"framebuffer_binary"`
	FramebufferArgs   []string `mapstructure:"framebuffer_args"`
	RemoteBinary      string   `mapstructure:"remote_binary"`
	RemoteArgs        []string `mapstructure:"remote_args"`
	DefaultResolution string   `mapstructure:"default_resolution"`
	DefaultColorDepth int      `mapstructure:"default_color_depth"`
}

// Timing holds the bounded retry windows used during pipeline startup and teardown
type Timing struct {
	StartupGrace   time.Duration `mapstructure:"startup_grace"`
	ProbeAttempts  int           `mapstructure:"probe_attempts"`
	ProbeInterval  time.Duration `mapstructure:"probe_interval"`
	TerminateGrace time.Duration `mapstructure:"terminate_grace"`
}

// Cleanup contains settings for inactive session reconciliation
type Cleanup struct {
	Concurrency int           `mapstructure:"concurrency"`
	Interval    time.Duration `mapstructure:"interval"`
}

// Load loads the configuration from cfgFile, or ~/.appcast/config.yaml when
// cfgFile is empty, falling back to defaults when no file exists.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		path, err := homedir.Expand(cfgFile)
		if err != nil {
			return nil, fmt.Errorf("failed to expand config path: %w", err)
		}
		v.SetConfigFile(path)
	} else {
		configDir, err := ConfigDir()
		if err != nil {
			return nil, err
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir)
	}

	v.SetEnvPrefix("APPCAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Try to read config file, but don't fail if it doesn't exist
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	dataDir, err := homedir.Expand(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to expand data_dir: %w", err)
	}
	cfg.DataDir = dataDir

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "~/.appcast")
	v.SetDefault("environment.mode", ModeAuto)

	// X11 reserves low display numbers for real seats; start well above them
	v.SetDefault("display.range_start", 99)
	v.SetDefault("display.range_end", 149)
	v.SetDefault("port.range_start", 5900)
	v.SetDefault("port.range_end", 5999)

	v.SetDefault("virtual.framebuffer_binary", "Xvfb")
	v.SetDefault("virtual.framebuffer_args", []string{"-nolisten", "tcp"})
	v.SetDefault("virtual.remote_binary", "x11vnc")
	v.SetDefault("virtual.remote_args", []string{"-forever", "-shared", "-nopw", "-quiet"})
	v.SetDefault("virtual.default_resolution", "1920x1080")
	v.SetDefault("virtual.default_color_depth", 24)

	v.SetDefault("timing.startup_grace", "1s")
	v.SetDefault("timing.probe_attempts", 20)
	v.SetDefault("timing.probe_interval", "250ms")
	v.SetDefault("timing.terminate_grace", "5s")

	v.SetDefault("cleanup.concurrency", 8)
	v.SetDefault("cleanup.interval", "0s")
}

// Validate checks ranges and enumerations
func (c *Config) Validate() error {
	switch c.Environment.Mode {
	case ModeAuto, ModeNative, ModeVirtualDisplay:
	default:
		return fmt.Errorf("invalid environment.mode %q (want auto, native or virtual-display)", c.Environment.Mode)
	}

	if err := c.Display.validate("display"); err != nil {
		return err
	}
	if err := c.Port.validate("port"); err != nil {
		return err
	}
	if c.Port.Start < 1 || c.Port.End > 65535 {
		return fmt.Errorf("port range %d-%d outside 1-65535", c.Port.Start, c.Port.End)
	}

	if c.Timing.ProbeAttempts < 1 {
		return fmt.Errorf("timing.probe_attempts must be at least 1")
	}
	if c.Cleanup.Concurrency < 1 {
		return fmt.Errorf("cleanup.concurrency must be at least 1")
	}
	return nil
}

func (r Range) validate(name string) error {
	if r.Start < 0 || r.End < r.Start {
		return fmt.Errorf("invalid %s range %d-%d", name, r.Start, r.End)
	}
	return nil
}

// Size returns the number of values in the range
func (r Range) Size() int {
	return r.End - r.Start + 1
}

// SessionsDir returns where session records are stored
func (c *Config) SessionsDir() string {
	return filepath.Join(c.DataDir, "sessions")
}

// AppsDir returns where application descriptors are stored
func (c *Config) AppsDir() string {
	return filepath.Join(c.DataDir, "apps")
}

// LogsDir returns where per-stage process output is captured
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigDir returns the appcast configuration directory path
func ConfigDir() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".appcast"), nil
}

// EnsureDirs creates the data directories if they don't exist
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.SessionsDir(), c.AppsDir(), c.LogsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
