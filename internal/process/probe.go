package process

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Prober answers read-only questions about host resources
type Prober struct {
	// SocketDir holds X server sockets (X<n>)
	SocketDir string
	// LockDir holds X server lock files (.X<n>-lock)
	LockDir string
	Timeout time.Duration
}

// NewProber returns a prober for the standard X11 locations
func NewProber() *Prober {
	return &Prober{
		SocketDir: "/tmp/.X11-unix",
		LockDir:   "/tmp",
		Timeout:   200 * time.Millisecond,
	}
}

// PortFree reports whether port can be bound on every interface and nothing
// accepts connections on it locally
func (p *Prober) PortFree(port int) bool {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return false
	}
	ln.Close()
	return !p.PortListening(port)
}

// PortListening reports whether something accepts TCP connections on port
// over loopback. It never binds the port.
func (p *Prober) PortListening(port int) bool {
	for _, host := range []string{"127.0.0.1", "::1"} {
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), p.Timeout)
		if err == nil {
			conn.Close()
			return true
		}
	}
	return false
}

// DisplayFree reports whether no X server holds display n. A lock file whose
// owner is dead does not count.
func (p *Prober) DisplayFree(n int) bool {
	if _, err := os.Stat(p.socketPath(n)); err == nil {
		if p.DisplayResponsive(n) {
			return false
		}
	}

	data, err := os.ReadFile(filepath.Join(p.LockDir, ".X"+strconv.Itoa(n)+"-lock"))
	if err != nil {
		return true
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return false
	}
	if err := unix.Kill(pid, 0); err != nil && !os.IsPermission(err) {
		return true
	}
	return false
}

// DisplayResponsive reports whether the X server for display n accepts connections
func (p *Prober) DisplayResponsive(n int) bool {
	conn, err := net.DialTimeout("unix", p.socketPath(n), p.Timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (p *Prober) socketPath(n int) string {
	return filepath.Join(p.SocketDir, "X"+strconv.Itoa(n))
}
