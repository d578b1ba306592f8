package session

import (
	"strconv"
	"time"
)

// Backend identifies how a session is realized on the host
type Backend string

const (
	BackendNative         Backend = "native"
	BackendVirtualDisplay Backend = "virtual-display"
)

// State is the pipeline state of a session
type State string

const (
	StateAllocating            State = "allocating"
	StateStartingDisplayServer State = "starting_display_server"
	StateStartingRemoteServer  State = "starting_remote_server"
	StateStartingApplication   State = "starting_application"
	StateRunning               State = "running"
	StateClosing               State = "closing"
	StateClosed                State = "closed"
	StateFailed                State = "failed"
)

// Exit reasons recorded when a session becomes inactive
const (
	ExitNormal        = "normal"
	ExitStartupFailed = "startup_failed"
	ExitVanished      = "process_vanished"
	ExitDisplayLost   = "display_lost"
	ExitDeleted       = "deleted"
)

// Processes holds the process id of each pipeline stage; zero means not
// spawned. The *Start fields hold the kernel start time of each pid so a
// recycled pid is never mistaken for the stage.
type Processes struct {
	Framebuffer        int    `json:"framebuffer,omitempty"`
	FramebufferStart   uint64 `json:"framebuffer_start,omitempty"`
	RemoteDisplay      int    `json:"remote_display,omitempty"`
	RemoteDisplayStart uint64 `json:"remote_display_start,omitempty"`
	Application        int    `json:"application,omitempty"`
	ApplicationStart   uint64 `json:"application_start,omitempty"`
}

// Usage is a best-effort resource sample of the application process
type Usage struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	SampledAt     time.Time `json:"sampled_at,omitzero"`
}

// Session represents a GUI application session and its pipeline
type Session struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	ApplicationID string     `json:"application_id"`
	Name          string     `json:"name,omitempty"`
	Active        bool       `json:"active"`
	Backend       Backend    `json:"backend"`
	State         State      `json:"state"`
	Display       *int       `json:"display"` // nil for native sessions
	Port          *int       `json:"port"`    // nil for native sessions
	Processes     Processes  `json:"processes"`
	Resolution    string     `json:"resolution,omitempty"`
	ColorDepth    int        `json:"color_depth,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	LastActivity  time.Time  `json:"last_activity"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	ExitReason    string     `json:"exit_reason,omitempty"`
	Usage         Usage      `json:"usage"`
}

// Deactivate marks the session inactive with the given reason and end time.
// Calling it on an inactive session is a no-op.
func (s *Session) Deactivate(state State, reason string, now time.Time) {
	if !s.Active && s.EndedAt != nil {
		return
	}
	s.Active = false
	s.State = state
	s.ExitReason = reason
	s.EndedAt = &now
}

// Starting reports whether the pipeline is still being brought up
func (s *Session) Starting() bool {
	switch s.State {
	case StateAllocating, StateStartingDisplayServer, StateStartingRemoteServer, StateStartingApplication:
		return s.Active
	}
	return false
}

// DisplayName returns the X display string (":99") or "" for native sessions
func (s *Session) DisplayName() string {
	if s.Display == nil {
		return ""
	}
	return DisplayString(*s.Display)
}

// DisplayString formats a display number the way X clients expect it in DISPLAY
func DisplayString(n int) string {
	return ":" + strconv.Itoa(n)
}

// EventType is the stable vocabulary of the audit log
type EventType string

const (
	EventStart EventType = "session_start"
	EventEnd   EventType = "session_end"
	EventError EventType = "session_error"
)

// Event is an append-only audit entry for a session lifecycle transition
type Event struct {
	Time      time.Time      `json:"time"`
	SessionID string         `json:"session_id"`
	Type      EventType      `json:"type"`
	Message   string         `json:"message"`
	Detail    map[string]any `json:"detail,omitempty"`
}
