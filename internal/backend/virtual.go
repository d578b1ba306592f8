package backend

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/faize-ai/appcast/internal/allocator"
	"github.com/faize-ai/appcast/internal/apps"
	"github.com/faize-ai/appcast/internal/process"
	"github.com/faize-ai/appcast/internal/session"
)

// VirtualOptions configures the virtual-display pipeline
type VirtualOptions struct {
	Options
	Allocator         Allocator
	Prober            Prober
	FramebufferBinary string
	FramebufferArgs   []string
	RemoteBinary      string
	RemoteArgs        []string
	DefaultResolution string
	DefaultColorDepth int
	ProbeAttempts     int
	ProbeInterval     time.Duration
}

// VirtualDisplay runs each session as framebuffer server, remote-display
// server and application, started in that order and stopped in reverse.
type VirtualDisplay struct {
	opts VirtualOptions
}

// NewVirtualDisplay creates the virtual-display backend
func NewVirtualDisplay(opts VirtualOptions) *VirtualDisplay {
	opts.setDefaults()
	if opts.ProbeAttempts < 1 {
		opts.ProbeAttempts = 1
	}
	if opts.DefaultResolution == "" {
		opts.DefaultResolution = "1920x1080"
	}
	if opts.DefaultColorDepth == 0 {
		opts.DefaultColorDepth = 24
	}
	return &VirtualDisplay{opts: opts}
}

// Kind returns session.BackendVirtualDisplay
func (v *VirtualDisplay) Kind() session.Backend {
	return session.BackendVirtualDisplay
}

// Create allocates a display and port, persists the record and brings the
// pipeline up stage by stage. Any failure rolls back the started stages in
// reverse order before returning.
func (v *VirtualDisplay) Create(app *apps.Application, req Request) (*session.Session, error) {
	resolution, depth, err := v.screen(req)
	if err != nil {
		return nil, err
	}

	sess := v.opts.newSession(session.BackendVirtualDisplay, app, req)
	sess.Resolution = resolution
	sess.ColorDepth = depth

	display, err := v.opts.Allocator.Allocate(allocator.KindDisplay, sess.ID)
	if err != nil {
		return nil, err
	}
	port, err := v.opts.Allocator.Allocate(allocator.KindPort, sess.ID)
	if err != nil {
		v.release(sess.ID, &display, nil)
		return nil, err
	}
	sess.Display = &display
	sess.Port = &port

	if err := v.opts.Store.Save(sess); err != nil {
		v.release(sess.ID, &display, &port)
		return nil, err
	}

	if err := v.startPipeline(app, sess); err != nil {
		var stageErr *StageError
		stage := Stage("")
		if errors.As(err, &stageErr) {
			stage = stageErr.Stage
		}
		v.opts.Logger.Warn("pipeline startup failed, rolling back",
			"session", sess.ID, "stage", stage, "error", err)

		if rbErr := v.opts.teardown(sess.ID, v.stages(sess)); rbErr != nil {
			err = errors.Join(err, rbErr)
		}
		v.release(sess.ID, sess.Display, sess.Port)
		sess.Deactivate(session.StateFailed, session.ExitStartupFailed, v.opts.Now())
		v.opts.save(sess)
		return sess, err
	}

	sess.State = session.StateRunning
	sess.LastActivity = v.opts.Now()
	v.opts.save(sess)

	v.opts.Logger.Info("virtual-display session started",
		"session", sess.ID, "app", app.ID, "display", display, "port", port)
	return sess, nil
}

func (v *VirtualDisplay) startPipeline(app *apps.Application, sess *session.Session) error {
	display, port := *sess.Display, *sess.Port
	displayName := session.DisplayString(display)

	// Framebuffer server
	v.transition(sess, session.StateStartingDisplayServer)
	fbCmd := append([]string{v.opts.FramebufferBinary, displayName,
		"-screen", "0", sess.Resolution + "x" + strconv.Itoa(sess.ColorDepth)}, v.opts.FramebufferArgs...)
	pid, started, err := v.start(StageFramebuffer, sess, fbCmd, v.opts.Environ(), "")
	if err != nil {
		return err
	}
	sess.Processes.Framebuffer, sess.Processes.FramebufferStart = pid, started
	v.opts.save(sess)

	if err := v.await(StageFramebuffer, sess, pid, started, func() bool {
		return v.opts.Prober.DisplayResponsive(display)
	}, "display "+displayName+" not responsive"); err != nil {
		return err
	}

	// Remote-display server, kept in the foreground so pid is the server itself
	v.transition(sess, session.StateStartingRemoteServer)
	remoteCmd := append([]string{v.opts.RemoteBinary, "-display", displayName,
		"-rfbport", strconv.Itoa(port)}, v.opts.RemoteArgs...)
	pid, started, err = v.start(StageRemoteDisplay, sess, remoteCmd, v.opts.Environ(), "")
	if err != nil {
		return err
	}
	sess.Processes.RemoteDisplay, sess.Processes.RemoteDisplayStart = pid, started
	v.opts.save(sess)

	if err := v.await(StageRemoteDisplay, sess, pid, started, func() bool {
		return v.opts.Prober.PortListening(port)
	}, "port "+strconv.Itoa(port)+" not listening"); err != nil {
		return err
	}

	// Application
	v.transition(sess, session.StateStartingApplication)
	env := mergeEnv(withoutEnv(v.opts.Environ(), "WAYLAND_DISPLAY"), envList(app.Env), []string{"DISPLAY=" + displayName})
	pid, started, err = v.start(StageApplication, sess, app.Command, env, app.WorkingDir)
	if err != nil {
		return err
	}
	sess.Processes.Application, sess.Processes.ApplicationStart = pid, started
	return nil
}

func (v *VirtualDisplay) start(stage Stage, sess *session.Session, command, env []string, dir string) (int, uint64, error) {
	pid, err := v.opts.Supervisor.Start(process.Spec{
		Command: command,
		Env:     env,
		Dir:     dir,
		LogPath: v.opts.logPath(sess.ID, stage),
	})
	if err != nil {
		stageErr := &StageError{Stage: stage, Err: err}
		var startErr *process.StartError
		if errors.As(err, &startErr) {
			stageErr.Output = startErr.Output
		}
		return 0, 0, stageErr
	}
	v.opts.Logger.Debug("stage spawned", "session", sess.ID, "stage", stage, "pid", pid)
	return pid, v.opts.Supervisor.StartTime(pid), nil
}

// await polls ready with a bounded number of attempts, failing early if the
// stage process dies.
func (v *VirtualDisplay) await(stage Stage, sess *session.Session, pid int, started uint64, ready func() bool, timeoutMsg string) error {
	for attempt := 0; attempt < v.opts.ProbeAttempts; attempt++ {
		if alive, _ := v.opts.Supervisor.IsAlive(pid, started); !alive {
			return &StageError{Stage: stage, Err: ErrProcessVanished}
		}
		if ready() {
			return nil
		}
		time.Sleep(v.opts.ProbeInterval)
	}
	return &StageError{Stage: stage, Err: errors.New(timeoutMsg)}
}

func (v *VirtualDisplay) transition(sess *session.Session, state session.State) {
	sess.State = state
	v.opts.save(sess)
}

// Close stops the application, remote-display server and framebuffer server
// in that order, then marks the session inactive even if a step failed.
func (v *VirtualDisplay) Close(sess *session.Session) error {
	wasActive := sess.Active
	if wasActive {
		v.transition(sess, session.StateClosing)
	}

	err := v.opts.teardown(sess.ID, v.stages(sess))
	v.release(sess.ID, sess.Display, sess.Port)

	sess.Deactivate(session.StateClosed, session.ExitNormal, v.opts.Now())
	v.opts.save(sess)

	if wasActive {
		v.opts.Logger.Info("virtual-display session closed", "session", sess.ID)
	}
	return err
}

// Status requires all three stages alive. A session that lost any stage is
// torn down completely and marked inactive. Sessions still inside their
// startup window are reported as is.
func (v *VirtualDisplay) Status(sess *session.Session) (*Status, error) {
	now := v.opts.Now()
	stages := v.stages(sess)

	var appUsage process.Usage
	healthy := true
	for i := range stages {
		alive, usage := v.opts.Supervisor.IsAlive(stages[i].PID, stages[i].Started)
		stages[i].Alive = alive
		if stages[i].Stage == StageApplication {
			appUsage = usage
		}
		healthy = healthy && alive
	}

	st := &Status{
		SessionID: sess.ID,
		Backend:   session.BackendVirtualDisplay,
		Stages:    stages,
	}

	switch {
	case !sess.Active:
	case v.opts.starting(sess, v.startupWindow()):
		v.opts.Logger.Debug("session still starting, not reconciled", "session", sess.ID, "state", sess.State)
	case healthy:
		sess.Usage = usageFrom(appUsage, now)
		sess.LastActivity = now
		v.opts.save(sess)
	default:
		reason := session.ExitVanished
		var dead []string
		for _, s := range stages {
			if !s.Alive {
				dead = append(dead, string(s.Stage))
				if s.Stage != StageApplication {
					reason = session.ExitDisplayLost
				}
			}
		}
		v.opts.Logger.Warn("session pipeline broken, tearing down",
			"session", sess.ID, "dead", strings.Join(dead, ","))

		if err := v.opts.teardown(sess.ID, stages); err != nil {
			v.opts.Logger.Error("teardown after stage loss incomplete", "session", sess.ID, "error", err)
		}
		v.release(sess.ID, sess.Display, sess.Port)
		sess.Deactivate(session.StateClosed, reason, now)
		v.opts.save(sess)

		// Refresh liveness after teardown
		for i := range st.Stages {
			st.Stages[i].Alive, _ = v.opts.Supervisor.IsAlive(st.Stages[i].PID, st.Stages[i].Started)
		}
		st.Reconciled = true
		st.Reason = fmt.Sprintf("%s: %s", ErrProcessVanished, strings.Join(dead, ", "))
	}

	st.Active = sess.Active
	st.State = sess.State
	st.Usage = sess.Usage
	return st, nil
}

// startupWindow bounds how long Create can take to bring the pipeline up:
// every stage waits out the startup grace and at most ProbeAttempts polls.
func (v *VirtualDisplay) startupWindow() time.Duration {
	perStage := v.opts.StartupGrace + time.Duration(v.opts.ProbeAttempts)*v.opts.ProbeInterval
	return 3 * perStage
}

// stages lists the pipeline in startup order
func (v *VirtualDisplay) stages(sess *session.Session) []StageStatus {
	p := sess.Processes
	return []StageStatus{
		{Stage: StageFramebuffer, PID: p.Framebuffer, Started: p.FramebufferStart},
		{Stage: StageRemoteDisplay, PID: p.RemoteDisplay, Started: p.RemoteDisplayStart},
		{Stage: StageApplication, PID: p.Application, Started: p.ApplicationStart},
	}
}

func (v *VirtualDisplay) release(owner string, display, port *int) {
	if display != nil {
		if err := v.opts.Allocator.Release(allocator.KindDisplay, *display, owner); err != nil {
			v.opts.Logger.Warn("failed to release display", "session", owner, "display", *display, "error", err)
		}
	}
	if port != nil {
		if err := v.opts.Allocator.Release(allocator.KindPort, *port, owner); err != nil {
			v.opts.Logger.Warn("failed to release port", "session", owner, "port", *port, "error", err)
		}
	}
}

// screen validates and defaults the requested geometry
func (v *VirtualDisplay) screen(req Request) (string, int, error) {
	resolution := req.Resolution
	if resolution == "" {
		resolution = v.opts.DefaultResolution
	}
	w, h, ok := strings.Cut(resolution, "x")
	width, werr := strconv.Atoi(w)
	height, herr := strconv.Atoi(h)
	if !ok || werr != nil || herr != nil || width < 1 || height < 1 {
		return "", 0, fmt.Errorf("invalid resolution %q (want WIDTHxHEIGHT)", resolution)
	}

	depth := req.ColorDepth
	if depth == 0 {
		depth = v.opts.DefaultColorDepth
	}
	switch depth {
	case 8, 16, 24, 32:
	default:
		return "", 0, fmt.Errorf("invalid color depth %d (want 8, 16, 24 or 32)", depth)
	}
	return resolution, depth, nil
}
