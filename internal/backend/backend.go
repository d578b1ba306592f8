// Package backend realizes GUI sessions on the host. Two variants exist:
// Native launches the application straight onto the host compositor, and
// VirtualDisplay runs it inside an X framebuffer exported by a remote-display
// server.
package backend

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/faize-ai/appcast/internal/allocator"
	"github.com/faize-ai/appcast/internal/apps"
	"github.com/faize-ai/appcast/internal/process"
	"github.com/faize-ai/appcast/internal/session"
	"github.com/google/uuid"
)

// Backend is implemented by each session strategy
type Backend interface {
	Kind() session.Backend
	// Create starts a session. On failure the returned session, when non-nil,
	// has been persisted as inactive and nothing it spawned is left running.
	Create(app *apps.Application, req Request) (*session.Session, error)
	// Close tears the session down; closing a closed session succeeds.
	Close(sess *session.Session) error
	// Status probes liveness and reconciles the persisted record with it.
	Status(sess *session.Session) (*Status, error)
}

// Supervisor spawns and stops stage processes
type Supervisor interface {
	Start(spec process.Spec) (int, error)
	StartTime(pid int) uint64
	IsAlive(pid int, started uint64) (bool, process.Usage)
	Terminate(pid int, started uint64, grace time.Duration) error
}

// Store persists session records
type Store interface {
	Save(sess *session.Session) error
}

// Allocator reserves display numbers and ports
type Allocator interface {
	Allocate(kind allocator.Kind, owner string) (int, error)
	Release(kind allocator.Kind, value int, owner string) error
}

// Prober checks host resources during startup verification
type Prober interface {
	PortListening(port int) bool
	DisplayResponsive(n int) bool
}

// Request carries the caller's parameters for a new session
type Request struct {
	UserID     string
	Name       string
	Resolution string
	ColorDepth int
}

// Stage names a process in a session pipeline
type Stage string

const (
	StageFramebuffer   Stage = "framebuffer"
	StageRemoteDisplay Stage = "remote_display"
	StageApplication   Stage = "application"
)

// StageStatus is the liveness of one pipeline stage
type StageStatus struct {
	Stage   Stage  `json:"stage"`
	PID     int    `json:"pid"`
	Started uint64 `json:"start_time,omitempty"`
	Alive   bool   `json:"alive"`
}

// Status is the reconciled view of a session
type Status struct {
	SessionID  string          `json:"session_id"`
	Active     bool            `json:"active"`
	Backend    session.Backend `json:"backend"`
	State      session.State   `json:"state"`
	Stages     []StageStatus   `json:"stages"`
	Usage      session.Usage   `json:"usage"`
	Reconciled bool            `json:"reconciled"` // This probe marked the session inactive
	Reason     string          `json:"reason,omitempty"`
}

// Options are shared by both backends
type Options struct {
	Supervisor     Supervisor
	Store          Store
	Logger         *slog.Logger
	LogDir         string
	StartupGrace   time.Duration
	TerminateGrace time.Duration
	Getenv         func(string) string
	Environ        func() []string
	Now            func() time.Time
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Getenv == nil {
		o.Getenv = os.Getenv
	}
	if o.Environ == nil {
		o.Environ = os.Environ
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.LogDir == "" {
		o.LogDir = os.TempDir()
	}
}

func (o *Options) newSession(kind session.Backend, app *apps.Application, req Request) *session.Session {
	now := o.Now()
	return &session.Session{
		ID:            uuid.New().String()[:8],
		UserID:        req.UserID,
		ApplicationID: app.ID,
		Name:          req.Name,
		Active:        true,
		Backend:       kind,
		State:         session.StateAllocating,
		StartedAt:     now,
		LastActivity:  now,
	}
}

// startupSlack covers dial timeouts and persistence on top of the startup
// delays a backend can compute
const startupSlack = 5 * time.Second

// starting reports whether sess is still inside a Create that began within
// window. Status leaves such records to the creator.
func (o *Options) starting(sess *session.Session, window time.Duration) bool {
	return sess.Starting() && o.Now().Sub(sess.StartedAt) < window+startupSlack
}

func (o *Options) logPath(id string, stage Stage) string {
	return filepath.Join(o.LogDir, fmt.Sprintf("%s-%s.log", id, stage))
}

// save persists sess and logs failures instead of returning them
func (o *Options) save(sess *session.Session) {
	if err := o.Store.Save(sess); err != nil {
		o.Logger.Error("failed to persist session", "session", sess.ID, "error", err)
	}
}

// teardown terminates pids in reverse order of stages, continuing past failures
func (o *Options) teardown(sessionID string, stages []StageStatus) error {
	var errs []error
	for i := len(stages) - 1; i >= 0; i-- {
		st := stages[i]
		if st.PID <= 0 {
			continue
		}
		if err := o.Supervisor.Terminate(st.PID, st.Started, o.TerminateGrace); err != nil {
			o.Logger.Warn("failed to terminate stage", "session", sessionID, "stage", st.Stage, "pid", st.PID, "error", err)
			errs = append(errs, fmt.Errorf("%s (pid %d): %w", st.Stage, st.PID, err))
			continue
		}
		o.Logger.Debug("stage terminated", "session", sessionID, "stage", st.Stage, "pid", st.PID)
	}
	if len(errs) > 0 {
		return &TerminationError{Errs: errs}
	}
	return nil
}

// mergeEnv overlays KEY=value lists onto base; later values win
func mergeEnv(base []string, overlays ...[]string) []string {
	index := make(map[string]int, len(base))
	out := make([]string, 0, len(base))

	set := func(kv string) {
		key, _, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return
		}
		if i, exists := index[key]; exists {
			out[i] = kv
			return
		}
		index[key] = len(out)
		out = append(out, kv)
	}

	for _, kv := range base {
		set(kv)
	}
	for _, overlay := range overlays {
		for _, kv := range overlay {
			set(kv)
		}
	}
	return out
}

// withoutEnv drops the named keys
func withoutEnv(env []string, keys ...string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		key, _, _ := strings.Cut(kv, "=")
		drop := false
		for _, k := range keys {
			if key == k {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, kv)
		}
	}
	return out
}

// envList flattens an application's overrides in a stable order
func envList(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}

func usageFrom(u process.Usage, at time.Time) session.Usage {
	return session.Usage{CPUPercent: u.CPUPercent, MemoryPercent: u.MemoryPercent, SampledAt: at}
}
