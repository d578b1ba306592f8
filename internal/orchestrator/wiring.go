package orchestrator

import (
	"fmt"
	"log/slog"

	"github.com/faize-ai/appcast/internal/allocator"
	"github.com/faize-ai/appcast/internal/apps"
	"github.com/faize-ai/appcast/internal/backend"
	"github.com/faize-ai/appcast/internal/config"
	"github.com/faize-ai/appcast/internal/environment"
	"github.com/faize-ai/appcast/internal/process"
	"github.com/faize-ai/appcast/internal/session"
)

// FromConfig assembles an orchestrator over the on-disk stores and real host
// facilities described by cfg.
func FromConfig(cfg *config.Config, logger *slog.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	sessions, err := session.NewStore(cfg.SessionsDir())
	if err != nil {
		return nil, err
	}
	appStore, err := apps.NewStore(cfg.AppsDir())
	if err != nil {
		return nil, err
	}

	sup := process.NewSupervisor(logger, cfg.Timing.StartupGrace)
	prober := process.NewProber()
	base := backend.Options{
		Supervisor:     sup,
		Store:          sessions,
		Logger:         logger,
		LogDir:         cfg.LogsDir(),
		StartupGrace:   cfg.Timing.StartupGrace,
		TerminateGrace: cfg.Timing.TerminateGrace,
	}

	factory := func(kind session.Backend) (backend.Backend, error) {
		switch kind {
		case session.BackendNative:
			return backend.NewNative(base), nil
		case session.BackendVirtualDisplay:
			return backend.NewVirtualDisplay(backend.VirtualOptions{
				Options:           base,
				Allocator:         allocator.New(sessions, prober, cfg.Display, cfg.Port, logger),
				Prober:            prober,
				FramebufferBinary: cfg.Virtual.FramebufferBinary,
				FramebufferArgs:   cfg.Virtual.FramebufferArgs,
				RemoteBinary:      cfg.Virtual.RemoteBinary,
				RemoteArgs:        cfg.Virtual.RemoteArgs,
				DefaultResolution: cfg.Virtual.DefaultResolution,
				DefaultColorDepth: cfg.Virtual.DefaultColorDepth,
				ProbeAttempts:     cfg.Timing.ProbeAttempts,
				ProbeInterval:     cfg.Timing.ProbeInterval,
			}), nil
		default:
			return nil, fmt.Errorf("unknown backend %q", kind)
		}
	}

	return New(Options{
		Sessions:           sessions,
		Apps:               appStore,
		Detector:           environment.NewDetector(nil, logger),
		Backends:           factory,
		Mode:               cfg.Environment.Mode,
		CleanupConcurrency: cfg.Cleanup.Concurrency,
		Logger:             logger,
	}), nil
}
