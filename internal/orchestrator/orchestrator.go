// Package orchestrator is the single entry point for session lifecycle
// operations. It resolves the host environment on first use, binds one
// backend for new sessions and records an audit event for every transition.
package orchestrator

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/faize-ai/appcast/internal/apps"
	"github.com/faize-ai/appcast/internal/backend"
	"github.com/faize-ai/appcast/internal/environment"
	"github.com/faize-ai/appcast/internal/session"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrApplicationNotFound is returned when CreateSession names an unknown application
	ErrApplicationNotFound = errors.New("application not found")
	// ErrSessionNotFound is returned when a session id has no record
	ErrSessionNotFound = errors.New("session not found")
)

// SessionStore persists session records and their event logs
type SessionStore interface {
	Load(id string) (*session.Session, error)
	List() ([]*session.Session, error)
	ListActive() ([]*session.Session, error)
	Delete(id string) error
	AppendEvent(event session.Event) error
	Events(id string) ([]session.Event, error)
}

// AppStore looks up application descriptors
type AppStore interface {
	Load(id string) (*apps.Application, error)
}

// Detector inspects the host environment
type Detector interface {
	Detect() environment.Snapshot
}

// BackendFactory builds the backend for a session kind
type BackendFactory func(kind session.Backend) (backend.Backend, error)

// Options configures an Orchestrator
type Options struct {
	Sessions SessionStore
	Apps     AppStore
	Detector Detector
	Backends BackendFactory
	// Mode overrides detection: "auto" (or empty), "native" or "virtual-display"
	Mode               string
	CleanupConcurrency int
	Logger             *slog.Logger
}

// CreateRequest holds the caller's parameters for CreateSession
type CreateRequest struct {
	ApplicationID string
	UserID        string
	Name          string
	Resolution    string
	ColorDepth    int
}

// Result is the outcome of a create or close call. Failures that a caller
// should render rather than handle are reported with Success false.
type Result struct {
	Success bool             `json:"success"`
	Message string           `json:"message"`
	Session *session.Session `json:"session,omitempty"`
}

// Orchestrator coordinates sessions across backends
type Orchestrator struct {
	opts Options

	once    sync.Once
	env     environment.Snapshot
	bound   backend.Backend
	bindErr error

	mu       sync.Mutex
	backends map[session.Backend]backend.Backend
}

// New creates an orchestrator. No host inspection happens until first use.
func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Detector == nil {
		opts.Detector = environment.NewDetector(nil, opts.Logger)
	}
	if opts.CleanupConcurrency < 1 {
		opts.CleanupConcurrency = 1
	}
	return &Orchestrator{
		opts:     opts,
		backends: make(map[session.Backend]backend.Backend),
	}
}

func (o *Orchestrator) init() {
	o.once.Do(func() {
		o.env = environment.Override(o.opts.Detector.Detect(), o.opts.Mode)
		o.bound, o.bindErr = o.backendFor(o.env.Mode)
		if o.bindErr != nil {
			return
		}
		o.opts.Logger.Info("session backend bound", "backend", o.env.Mode, "reason", o.env.Reason, "degraded", o.env.Degraded)
	})
}

// Environment returns the snapshot the orchestrator was bound with
func (o *Orchestrator) Environment() environment.Snapshot {
	o.init()
	return o.env
}

// Redetect inspects the host again without rebinding the backend
func (o *Orchestrator) Redetect() environment.Snapshot {
	return environment.Override(o.opts.Detector.Detect(), o.opts.Mode)
}

// backendFor returns the backend for kind, building it on first request.
// Existing records keep using the backend they were created with.
func (o *Orchestrator) backendFor(kind session.Backend) (backend.Backend, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if b, ok := o.backends[kind]; ok {
		return b, nil
	}
	b, err := o.opts.Backends(kind)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s backend: %w", kind, err)
	}
	o.backends[kind] = b
	return b, nil
}

// CreateSession launches an application for a user on the bound backend
func (o *Orchestrator) CreateSession(req CreateRequest) (*Result, error) {
	o.init()
	if o.bindErr != nil {
		return nil, o.bindErr
	}

	app, err := o.opts.Apps.Load(req.ApplicationID)
	if err != nil {
		if errors.Is(err, apps.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrApplicationNotFound, req.ApplicationID)
		}
		return nil, fmt.Errorf("failed to load application: %w", err)
	}
	if err := app.Launchable(); err != nil {
		return &Result{Message: err.Error()}, nil
	}

	sess, err := o.bound.Create(app, backend.Request{
		UserID:     req.UserID,
		Name:       req.Name,
		Resolution: req.Resolution,
		ColorDepth: req.ColorDepth,
	})
	if err != nil {
		o.opts.Logger.Warn("session creation failed", "app", app.ID, "user", req.UserID, "error", err)
		if sess == nil {
			return &Result{Message: err.Error()}, nil
		}
		detail := map[string]any{"backend": string(sess.Backend)}
		var stageErr *backend.StageError
		if errors.As(err, &stageErr) {
			detail["stage"] = string(stageErr.Stage)
			if stageErr.Output != "" {
				detail["output"] = stageErr.Output
			}
		}
		o.event(sess.ID, session.EventError, err.Error(), detail)
		return &Result{Message: err.Error(), Session: sess}, nil
	}

	detail := map[string]any{
		"backend":     string(sess.Backend),
		"application": app.ID,
		"pid":         sess.Processes.Application,
	}
	if sess.Display != nil {
		detail["display"] = *sess.Display
	}
	if sess.Port != nil {
		detail["port"] = *sess.Port
	}
	o.event(sess.ID, session.EventStart, fmt.Sprintf("started %s for %s", app.Name, req.UserID), detail)

	return &Result{Success: true, Message: "session started", Session: sess}, nil
}

// CloseSession stops a session. An empty userID skips the ownership check.
// Closing an already closed session succeeds.
func (o *Orchestrator) CloseSession(sessionID, userID string) (*Result, error) {
	sess, err := o.load(sessionID)
	if err != nil {
		return nil, err
	}
	if userID != "" && sess.UserID != userID {
		return &Result{Message: fmt.Sprintf("session %s is not owned by %s", sessionID, userID)}, nil
	}
	if !sess.Active {
		return &Result{Success: true, Message: "session already closed", Session: sess}, nil
	}

	b, err := o.backendFor(sess.Backend)
	if err != nil {
		return nil, err
	}

	msg := "session closed"
	if err := b.Close(sess); err != nil {
		// The record is closed regardless; surviving processes are reported
		o.opts.Logger.Error("session teardown incomplete", "session", sess.ID, "error", err)
		o.event(sess.ID, session.EventError, err.Error(), nil)
		msg = "session closed with errors: " + err.Error()
	}
	o.event(sess.ID, session.EventEnd, "session closed", map[string]any{"exit_reason": sess.ExitReason})

	return &Result{Success: true, Message: msg, Session: sess}, nil
}

// GetStatus probes a session's processes and reconciles its record
func (o *Orchestrator) GetStatus(sessionID string) (*backend.Status, error) {
	sess, err := o.load(sessionID)
	if err != nil {
		return nil, err
	}
	return o.status(sess)
}

func (o *Orchestrator) status(sess *session.Session) (*backend.Status, error) {
	b, err := o.backendFor(sess.Backend)
	if err != nil {
		return nil, err
	}
	st, err := b.Status(sess)
	if err != nil {
		return nil, fmt.Errorf("failed to check session %s: %w", sess.ID, err)
	}
	if st.Reconciled {
		o.event(sess.ID, session.EventEnd, st.Reason, map[string]any{"exit_reason": sess.ExitReason})
	}
	return st, nil
}

// CleanupInactive checks every active session and returns how many were
// found dead and marked inactive.
func (o *Orchestrator) CleanupInactive() (int, error) {
	active, err := o.opts.Sessions.ListActive()
	if err != nil {
		return 0, fmt.Errorf("failed to list active sessions: %w", err)
	}

	var cleaned atomic.Int64
	var g errgroup.Group
	g.SetLimit(o.opts.CleanupConcurrency)
	for _, sess := range active {
		g.Go(func() error {
			st, err := o.status(sess)
			if err != nil {
				return err
			}
			if st.Reconciled {
				cleaned.Add(1)
			}
			return nil
		})
	}
	err = g.Wait()

	n := int(cleaned.Load())
	if n > 0 {
		o.opts.Logger.Info("inactive sessions cleaned", "count", n, "checked", len(active))
	}
	return n, err
}

// DeleteSession stops a session if needed and removes its record, event log
// and resource claims.
func (o *Orchestrator) DeleteSession(sessionID string) error {
	sess, err := o.load(sessionID)
	if err != nil {
		return err
	}

	if sess.Active {
		b, err := o.backendFor(sess.Backend)
		if err != nil {
			return err
		}
		if err := b.Close(sess); err != nil {
			o.opts.Logger.Error("session teardown incomplete before delete", "session", sess.ID, "error", err)
		}
	}

	if err := o.opts.Sessions.Delete(sess.ID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return fmt.Errorf("failed to delete session: %w", err)
	}
	o.opts.Logger.Info("session deleted", "session", sess.ID)
	return nil
}

// ListSessions returns session records, optionally only active ones
func (o *Orchestrator) ListSessions(activeOnly bool) ([]*session.Session, error) {
	if activeOnly {
		return o.opts.Sessions.ListActive()
	}
	return o.opts.Sessions.List()
}

// Events returns the audit log of a session
func (o *Orchestrator) Events(sessionID string) ([]session.Event, error) {
	if _, err := o.load(sessionID); err != nil {
		return nil, err
	}
	return o.opts.Sessions.Events(sessionID)
}

func (o *Orchestrator) load(sessionID string) (*session.Session, error) {
	sess, err := o.opts.Sessions.Load(sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return sess, nil
}

func (o *Orchestrator) event(sessionID string, typ session.EventType, msg string, detail map[string]any) {
	err := o.opts.Sessions.AppendEvent(session.Event{
		Time:      time.Now(),
		SessionID: sessionID,
		Type:      typ,
		Message:   msg,
		Detail:    detail,
	})
	if err != nil {
		o.opts.Logger.Error("failed to record session event", "session", sessionID, "type", typ, "error", err)
	}
}
