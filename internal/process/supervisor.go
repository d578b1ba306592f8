// Package process spawns detached process groups, checks their liveness and
// tears them down. It also probes the host for bound ports and X displays.
package process

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const (
	pollInterval  = 50 * time.Millisecond
	killWait      = 2 * time.Second
	maxOutputTail = 4096
)

// Spec describes a process to start
type Spec struct {
	Command []string
	Env     []string // Full environment; nil inherits the caller's
	Dir     string
	LogPath string // Receives stdout and stderr; a temp file is used when empty
}

// StartError is returned when a process fails to spawn or exits within the grace delay
type StartError struct {
	Command string
	Output  string // Tail of the captured output
	Err     error
}

func (e *StartError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("%s: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("%s: %v\n%s", e.Command, e.Err, e.Output)
}

func (e *StartError) Unwrap() error { return e.Err }

// Usage is a best-effort resource sample of a single process
type Usage struct {
	CPUPercent    float64
	MemoryPercent float64
}

// Supervisor starts and stops detached process groups.
//
// Processes started by this Supervisor are reaped in the background so they
// never linger as zombies; processes started by another invocation are
// inspected through the kernel only.
type Supervisor struct {
	logger *slog.Logger
	grace  time.Duration

	mu       sync.Mutex
	children map[int]child
}

// child is a process spawned by this Supervisor that has not been reaped yet
type child struct {
	started uint64
	done    chan struct{}
}

// NewSupervisor creates a supervisor that waits grace after spawning before
// declaring a process started.
func NewSupervisor(logger *slog.Logger, grace time.Duration) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		logger:   logger,
		grace:    grace,
		children: make(map[int]child),
	}
}

// Start spawns spec in its own process group and returns its pid. If the
// process is gone after the grace delay, a *StartError with the captured
// output is returned and nothing is left running.
func (s *Supervisor) Start(spec Spec) (int, error) {
	if len(spec.Command) == 0 {
		return 0, &StartError{Err: errors.New("empty command")}
	}
	name := strings.Join(spec.Command, " ")

	out, err := openLog(spec.LogPath)
	if err != nil {
		return 0, &StartError{Command: name, Err: err}
	}
	logPath := out.Name()

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		out.Close()
		return 0, &StartError{Command: name, Err: err}
	}
	// The child holds its own descriptor
	out.Close()

	// The child cannot be recycled before Wait reaps it
	pid := cmd.Process.Pid
	done := make(chan struct{})
	s.mu.Lock()
	s.children[pid] = child{started: StartTime(pid), done: done}
	s.mu.Unlock()

	go func() {
		_ = cmd.Wait()
		close(done)
		s.mu.Lock()
		if c, ok := s.children[pid]; ok && c.done == done {
			delete(s.children, pid)
		}
		s.mu.Unlock()
	}()

	s.logger.Debug("process spawned", "pid", pid, "command", name, "log", logPath)

	select {
	case <-done:
		// Take down anything it forked before dying
		_ = unix.Kill(-pid, unix.SIGKILL)
		return 0, &StartError{
			Command: name,
			Output:  tailFile(logPath),
			Err:     fmt.Errorf("exited during startup (%s)", cmd.ProcessState),
		}
	case <-time.After(s.grace):
	}

	return pid, nil
}

// StartTime returns the kernel start time recorded for a child of this
// Supervisor, or read from /proc for any other pid. Zero means unknown.
func (s *Supervisor) StartTime(pid int) uint64 {
	s.mu.Lock()
	c, ours := s.children[pid]
	s.mu.Unlock()
	if ours && c.started != 0 {
		return c.started
	}
	return StartTime(pid)
}

// IsAlive reports whether pid is a live process group leader, with a usage
// sample when it is. Stale, zombie and reused pids report false. A non-zero
// started must match the process start time; zero skips that check.
func (s *Supervisor) IsAlive(pid int, started uint64) (bool, Usage) {
	if !s.alive(pid, started) {
		return false, Usage{}
	}
	return true, sample(pid)
}

func (s *Supervisor) alive(pid int, started uint64) bool {
	if pid <= 0 {
		return false
	}

	s.mu.Lock()
	c, ours := s.children[pid]
	s.mu.Unlock()
	if ours {
		select {
		case <-c.done:
			return false
		default:
		}
	}

	if !sameProcess(pid, started) {
		return false
	}

	if err := unix.Kill(pid, 0); err != nil && !errors.Is(err, unix.EPERM) {
		return false
	}
	if zombie(pid) {
		return false
	}

	// Every stage is started as its own group leader; a pid that is not one
	// has been recycled by an unrelated process.
	if pgid, err := unix.Getpgid(pid); err == nil && pgid != pid {
		return false
	}
	return true
}

func (s *Supervisor) groupAlive(pgid int, started uint64) bool {
	if pgid <= 0 || !sameProcess(pgid, started) {
		return false
	}
	err := unix.Kill(-pgid, 0)
	if err == nil || errors.Is(err, unix.EPERM) {
		// A group whose only member is an unreaped zombie leader is gone
		return s.alive(pgid, started) || hasLiveMember(pgid)
	}
	return false
}

// Terminate sends SIGTERM to the process group led by pid, waits up to grace
// and then escalates to SIGKILL. Terminating a dead process succeeds. When
// started is non-zero and pid now belongs to a different process, nothing is
// signalled.
func (s *Supervisor) Terminate(pid int, started uint64, grace time.Duration) error {
	if pid <= 0 || !s.groupAlive(pid, started) {
		return nil
	}

	if err := signalGroup(pid, unix.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal process group %d: %w", pid, err)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !s.groupAlive(pid, started) {
			s.logger.Debug("process group exited", "pgid", pid)
			return nil
		}
		time.Sleep(pollInterval)
	}

	s.logger.Warn("process group did not exit after SIGTERM, sending SIGKILL", "pgid", pid)
	if err := signalGroup(pid, unix.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill process group %d: %w", pid, err)
	}

	deadline = time.Now().Add(killWait)
	for time.Now().Before(deadline) {
		if !s.groupAlive(pid, started) {
			return nil
		}
		time.Sleep(pollInterval)
	}
	return fmt.Errorf("process group %d survived SIGKILL", pid)
}

func signalGroup(pgid int, sig unix.Signal) error {
	err := unix.Kill(-pgid, sig)
	if errors.Is(err, unix.ESRCH) {
		// Not a group leader any more; fall back to the process itself
		err = unix.Kill(pgid, sig)
	}
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func openLog(path string) (*os.File, error) {
	if path == "" {
		return os.CreateTemp("", "appcast-*.log")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open output log: %w", err)
	}
	return f, nil
}

func tailFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	if len(data) > maxOutputTail {
		data = data[len(data)-maxOutputTail:]
	}
	return strings.TrimSpace(string(data))
}

// StartTime reads the start time of pid in clock ticks since boot (field 22
// of /proc/<pid>/stat). It returns 0 when the process does not exist.
func StartTime(pid int) uint64 {
	fields := statFields(pid)
	if len(fields) < 20 {
		return 0
	}
	v, err := strconv.ParseUint(fields[19], 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// sameProcess reports whether pid is still the process that started at
// started. A missing /proc entry is left to the kernel checks: a pid that
// no longer exists cannot be recycled while its process group lives on.
func sameProcess(pid int, started uint64) bool {
	if started == 0 {
		return true
	}
	current := StartTime(pid)
	return current == 0 || current == started
}

// statFields returns the fields of /proc/<pid>/stat after the command name,
// starting with the state (field 3)
func statFields(pid int) []string {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return nil
	}
	// The command name may contain spaces or parens; the state follows the last ')'
	i := bytes.LastIndexByte(data, ')')
	if i < 0 || i+2 >= len(data) {
		return nil
	}
	return strings.Fields(string(data[i+2:]))
}

// zombie reports whether /proc shows pid as exited but unreaped
func zombie(pid int) bool {
	fields := statFields(pid)
	if len(fields) == 0 {
		return false
	}
	return fields[0] == "Z" || fields[0] == "X"
}

// hasLiveMember scans /proc for a non-zombie member of the process group
func hasLiveMember(pgid int) bool {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		// Without /proc, trust kill(2)
		return true
	}
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		if g, err := unix.Getpgid(pid); err == nil && g == pgid && !zombie(pid) {
			return true
		}
	}
	return false
}

// sample reads cpu and memory percentages through ps
func sample(pid int) Usage {
	out, err := exec.Command("ps", "-o", "%cpu=,%mem=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return Usage{}
	}
	fields := strings.Fields(string(out))
	if len(fields) < 2 {
		return Usage{}
	}
	cpu, _ := strconv.ParseFloat(fields[0], 64)
	mem, _ := strconv.ParseFloat(fields[1], 64)
	return Usage{CPUPercent: cpu, MemoryPercent: mem}
}
