// Package environment inspects the host to decide how GUI sessions are shown.
package environment

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/faize-ai/appcast/internal/session"
)

// Snapshot is the result of a host inspection
type Snapshot struct {
	Virtualized       bool            `json:"virtualized"`        // Running under a VM layer such as WSL
	NativePassthrough bool            `json:"native_passthrough"` // A compositor bridge can show windows directly
	LegacyDisplay     bool            `json:"legacy_display"`     // DISPLAY is set
	Mode              session.Backend `json:"mode"`               // Backend sessions should use
	Degraded          bool            `json:"degraded"`           // Inspection failed and Mode fell back
	Reason            string          `json:"reason"`             // Human-readable explanation of Mode
}

// Host abstracts the markers the detector reads so tests can fake them
type Host interface {
	Getenv(key string) string
	ReadFile(path string) ([]byte, error)
	Stat(path string) (os.FileInfo, error)
}

type osHost struct{}

func (osHost) Getenv(key string) string              { return os.Getenv(key) }
func (osHost) ReadFile(path string) ([]byte, error)  { return os.ReadFile(path) }
func (osHost) Stat(path string) (os.FileInfo, error) { return os.Stat(path) }

// Detector inspects the host
type Detector struct {
	host   Host
	logger *slog.Logger
}

// NewDetector returns a detector over the real host. A nil host uses the OS.
func NewDetector(host Host, logger *slog.Logger) *Detector {
	if host == nil {
		host = osHost{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{host: host, logger: logger}
}

// Detect inspects the host markers and never fails: any inspection error
// yields the virtual-display mode with Degraded set.
func (d *Detector) Detect() Snapshot {
	snap, err := d.inspect()
	if err != nil {
		d.logger.Warn("environment detection degraded, using virtual display", "error", err)
		return Snapshot{
			LegacyDisplay: snap.LegacyDisplay,
			Mode:          session.BackendVirtualDisplay,
			Degraded:      true,
			Reason:        "detection failed: " + err.Error(),
		}
	}
	d.logger.Debug("environment detected",
		"mode", snap.Mode,
		"virtualized", snap.Virtualized,
		"native_passthrough", snap.NativePassthrough,
		"legacy_display", snap.LegacyDisplay)
	return snap
}

func (d *Detector) inspect() (snap Snapshot, err error) {
	defer func() {
		if r := recover(); r != nil {
			snap = Snapshot{LegacyDisplay: snap.LegacyDisplay}
			err = fmt.Errorf("panic during inspection: %v", r)
		}
	}()

	snap.LegacyDisplay = d.host.Getenv("DISPLAY") != ""

	snap.Virtualized, err = d.virtualized()
	if err != nil {
		return snap, err
	}

	wayland := d.host.Getenv("WAYLAND_DISPLAY")
	if snap.Virtualized && wayland != "" {
		snap.NativePassthrough = d.compositorSocket(wayland)
	}

	if snap.NativePassthrough {
		snap.Mode = session.BackendNative
		snap.Reason = "compositor bridge available (" + wayland + ")"
	} else {
		snap.Mode = session.BackendVirtualDisplay
		switch {
		case !snap.Virtualized:
			snap.Reason = "no virtualization layer with display passthrough"
		case wayland == "":
			snap.Reason = "WAYLAND_DISPLAY not set"
		default:
			snap.Reason = "compositor socket " + wayland + " not found"
		}
	}
	return snap, nil
}

// virtualized looks for WSL markers
func (d *Detector) virtualized() (bool, error) {
	if d.host.Getenv("WSL_DISTRO_NAME") != "" || d.host.Getenv("WSL_INTEROP") != "" {
		return true, nil
	}
	if _, err := d.host.Stat("/proc/sys/fs/binfmt_misc/WSLInterop"); err == nil {
		return true, nil
	}

	data, err := d.host.ReadFile("/proc/version")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Not Linux; nothing to pass through
			return false, nil
		}
		return false, fmt.Errorf("failed to read /proc/version: %w", err)
	}
	version := strings.ToLower(string(data))
	return strings.Contains(version, "microsoft") || strings.Contains(version, "wsl"), nil
}

// compositorSocket checks that the named Wayland socket exists
func (d *Detector) compositorSocket(name string) bool {
	if filepath.IsAbs(name) {
		_, err := d.host.Stat(name)
		return err == nil
	}

	dirs := []string{}
	if runtime := d.host.Getenv("XDG_RUNTIME_DIR"); runtime != "" {
		dirs = append(dirs, runtime)
	}
	dirs = append(dirs, "/mnt/wslg/runtime-dir")

	for _, dir := range dirs {
		if _, err := d.host.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}

// Override applies a configured mode on top of a detected snapshot.
// "auto" and "" keep the detected mode.
func Override(snap Snapshot, mode string) Snapshot {
	switch mode {
	case string(session.BackendNative):
		if snap.Mode != session.BackendNative {
			snap.Mode = session.BackendNative
			snap.Reason = "forced by configuration"
		}
	case string(session.BackendVirtualDisplay):
		if snap.Mode != session.BackendVirtualDisplay {
			snap.Mode = session.BackendVirtualDisplay
			snap.Reason = "forced by configuration"
		}
	}
	return snap
}

// PassthroughEnv returns the host variables a native session needs to reach
// the compositor, in KEY=value form.
func PassthroughEnv(getenv func(string) string) []string {
	var env []string
	for _, key := range []string{"WAYLAND_DISPLAY", "XDG_RUNTIME_DIR", "DISPLAY", "PULSE_SERVER", "XDG_SESSION_TYPE"} {
		if v := getenv(key); v != "" {
			env = append(env, key+"="+v)
		}
	}
	return env
}
