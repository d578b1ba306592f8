package backend

import (
	"errors"

	"github.com/faize-ai/appcast/internal/apps"
	"github.com/faize-ai/appcast/internal/environment"
	"github.com/faize-ai/appcast/internal/process"
	"github.com/faize-ai/appcast/internal/session"
)

// Native launches applications directly on the host compositor
type Native struct {
	opts Options
}

// NewNative creates the native backend
func NewNative(opts Options) *Native {
	opts.setDefaults()
	return &Native{opts: opts}
}

// Kind returns session.BackendNative
func (n *Native) Kind() session.Backend {
	return session.BackendNative
}

// Create persists the record, then starts the application with the host's
// passthrough variables and the application's overrides.
func (n *Native) Create(app *apps.Application, req Request) (*session.Session, error) {
	sess := n.opts.newSession(session.BackendNative, app, req)
	sess.State = session.StateStartingApplication
	if err := n.opts.Store.Save(sess); err != nil {
		return nil, err
	}

	env := mergeEnv(n.opts.Environ(), environment.PassthroughEnv(n.opts.Getenv), envList(app.Env))

	pid, err := n.opts.Supervisor.Start(process.Spec{
		Command: app.Command,
		Env:     env,
		Dir:     app.WorkingDir,
		LogPath: n.opts.logPath(sess.ID, StageApplication),
	})
	if err != nil {
		stageErr := &StageError{Stage: StageApplication, Err: err}
		var startErr *process.StartError
		if errors.As(err, &startErr) {
			stageErr.Output = startErr.Output
		}
		sess.Deactivate(session.StateFailed, session.ExitStartupFailed, n.opts.Now())
		n.opts.save(sess)
		return sess, stageErr
	}

	sess.Processes.Application = pid
	sess.Processes.ApplicationStart = n.opts.Supervisor.StartTime(pid)
	sess.State = session.StateRunning
	sess.LastActivity = n.opts.Now()
	n.opts.save(sess)

	n.opts.Logger.Info("native session started", "session", sess.ID, "app", app.ID, "pid", pid)
	return sess, nil
}

// Close terminates the application and marks the session inactive
func (n *Native) Close(sess *session.Session) error {
	wasActive := sess.Active
	if wasActive {
		sess.State = session.StateClosing
		n.opts.save(sess)
	}

	err := n.opts.teardown(sess.ID, n.stages(sess))

	sess.Deactivate(session.StateClosed, session.ExitNormal, n.opts.Now())
	n.opts.save(sess)

	if wasActive {
		n.opts.Logger.Info("native session closed", "session", sess.ID)
	}
	return err
}

// Status checks the application process and deactivates the session when it is gone
func (n *Native) Status(sess *session.Session) (*Status, error) {
	now := n.opts.Now()
	stages := n.stages(sess)
	alive, usage := n.opts.Supervisor.IsAlive(stages[0].PID, stages[0].Started)
	stages[0].Alive = alive

	st := &Status{
		SessionID: sess.ID,
		Backend:   session.BackendNative,
		Stages:    stages,
	}

	switch {
	case !sess.Active:
		// Already closed; report without touching the record
	case n.opts.starting(sess, n.opts.StartupGrace):
		n.opts.Logger.Debug("session still starting, not reconciled", "session", sess.ID)
	case alive:
		sess.Usage = usageFrom(usage, now)
		sess.LastActivity = now
		n.opts.save(sess)
	default:
		sess.Deactivate(session.StateClosed, session.ExitVanished, now)
		n.opts.save(sess)
		st.Reconciled = true
		st.Reason = ErrProcessVanished.Error() + ": application"
		n.opts.Logger.Info("native session application exited", "session", sess.ID, "pid", sess.Processes.Application)
	}

	st.Active = sess.Active
	st.State = sess.State
	st.Usage = sess.Usage
	return st, nil
}

func (n *Native) stages(sess *session.Session) []StageStatus {
	return []StageStatus{{
		Stage:   StageApplication,
		PID:     sess.Processes.Application,
		Started: sess.Processes.ApplicationStart,
	}}
}
