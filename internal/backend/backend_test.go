package backend

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/faize-ai/appcast/internal/allocator"
	"github.com/faize-ai/appcast/internal/apps"
	"github.com/faize-ai/appcast/internal/config"
	"github.com/faize-ai/appcast/internal/process"
	"github.com/faize-ai/appcast/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hostProber fakes both the allocator's and the pipeline's view of the host
type hostProber struct {
	mu            sync.Mutex
	unresponsive  bool
	remoteSilent  bool
	boundPorts    map[int]bool
	takenDisplays map[int]bool
}

func (p *hostProber) PortFree(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.boundPorts[port]
}

func (p *hostProber) DisplayFree(n int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.takenDisplays[n]
}

func (p *hostProber) DisplayResponsive(int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.unresponsive
}

// pipelineProber reports a listening port once the remote server is up
type pipelineProber struct {
	host *hostProber
}

func (p pipelineProber) PortListening(int) bool {
	p.host.mu.Lock()
	defer p.host.mu.Unlock()
	return !p.host.remoteSilent
}

func (p pipelineProber) DisplayResponsive(n int) bool {
	return p.host.DisplayResponsive(n)
}

type fixture struct {
	store *session.Store
	sup   *process.Supervisor
	host  *hostProber
	opts  Options
	dir   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	store, err := session.NewStore(filepath.Join(dir, "sessions"))
	require.NoError(t, err)

	logDir := filepath.Join(dir, "logs")
	require.NoError(t, os.MkdirAll(logDir, 0755))

	sup := process.NewSupervisor(nil, 100*time.Millisecond)
	return &fixture{
		store: store,
		sup:   sup,
		host:  &hostProber{boundPorts: map[int]bool{}, takenDisplays: map[int]bool{}},
		dir:   dir,
		opts: Options{
			Supervisor:     sup,
			Store:          store,
			LogDir:         logDir,
			StartupGrace:   100 * time.Millisecond,
			TerminateGrace: time.Second,
		},
	}
}

// script writes an executable shell script and returns its path
func (f *fixture) script(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

func (f *fixture) virtual(t *testing.T) *VirtualDisplay {
	t.Helper()
	server := f.script(t, "stub-server", "exec sleep 300")
	alloc := allocator.New(f.store, f.host, config.Range{Start: 99, End: 149}, config.Range{Start: 5900, End: 5999}, nil)
	return NewVirtualDisplay(VirtualOptions{
		Options:           f.opts,
		Allocator:         alloc,
		Prober:            pipelineProber{host: f.host},
		FramebufferBinary: server,
		RemoteBinary:      server,
		ProbeAttempts:     5,
		ProbeInterval:     10 * time.Millisecond,
	})
}

func (f *fixture) alive(pid int) bool {
	alive, _ := f.sup.IsAlive(pid, 0)
	return alive
}

func (f *fixture) requireAllDead(t *testing.T, sess *session.Session) {
	t.Helper()
	for _, pid := range []int{sess.Processes.Framebuffer, sess.Processes.RemoteDisplay, sess.Processes.Application} {
		assert.False(t, f.alive(pid), "pid %d still alive", pid)
	}
}

func sleeper(id string) *apps.Application {
	return apps.New(id, id, []string{"sleep", "300"})
}

func TestMergeEnv(t *testing.T) {
	got := mergeEnv(
		[]string{"PATH=/bin", "DISPLAY=:0", "HOME=/root"},
		[]string{"DISPLAY=:99", "LANG=C"},
		[]string{"PATH=/usr/bin", "broken"},
	)
	assert.Equal(t, []string{"PATH=/usr/bin", "DISPLAY=:99", "HOME=/root", "LANG=C"}, got)
}

func TestWithoutEnv(t *testing.T) {
	got := withoutEnv([]string{"A=1", "WAYLAND_DISPLAY=wayland-0", "B=2"}, "WAYLAND_DISPLAY")
	assert.Equal(t, []string{"A=1", "B=2"}, got)
}

func TestEnvList(t *testing.T) {
	assert.Equal(t, []string{"A=1", "B=2"}, envList(map[string]string{"B": "2", "A": "1"}))
	assert.Empty(t, envList(nil))
}

func TestStageErrorUnwrap(t *testing.T) {
	err := &StageError{Stage: StageFramebuffer, Output: "no screens", Err: ErrProcessVanished}
	assert.ErrorIs(t, err, ErrStageStartupFailed)
	assert.ErrorIs(t, err, ErrProcessVanished)
	assert.Contains(t, err.Error(), "framebuffer failed to start")
	assert.Contains(t, err.Error(), "no screens")

	term := &TerminationError{Errs: []error{assert.AnError}}
	assert.ErrorIs(t, term, ErrTerminationFailed)
	assert.ErrorIs(t, term, assert.AnError)
}
