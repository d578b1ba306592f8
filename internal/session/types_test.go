package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionSerialization(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	ended := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

	t.Run("native session serializes null resource handles", func(t *testing.T) {
		s := Session{
			ID:            "a1b2c3d4",
			UserID:        "alice",
			ApplicationID: "calculator",
			Active:        true,
			Backend:       BackendNative,
			State:         StateRunning,
			Processes:     Processes{Application: 4242},
			StartedAt:     now,
			LastActivity:  now,
		}

		data, err := json.Marshal(s)
		require.NoError(t, err)

		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m))

		assert.Equal(t, "native", m["backend"])
		assert.Nil(t, m["display"])
		assert.Nil(t, m["port"])
		assert.Contains(t, m, "display")
		assert.Equal(t, map[string]any{"application": float64(4242)}, m["processes"])
		assert.NotContains(t, m, "ended_at")
		assert.NotContains(t, m, "exit_reason")
	})

	t.Run("virtual-display session round-trips handles", func(t *testing.T) {
		display, port := 99, 5900
		input := Session{
			ID:         "e5f6a7b8",
			Backend:    BackendVirtualDisplay,
			State:      StateClosed,
			Display:    &display,
			Port:       &port,
			Processes:  Processes{Framebuffer: 10, FramebufferStart: 500, RemoteDisplay: 11, RemoteDisplayStart: 501, Application: 12, ApplicationStart: 502},
			Resolution: "1280x720",
			ColorDepth: 24,
			StartedAt:  now,
			EndedAt:    &ended,
			ExitReason: ExitNormal,
		}

		data, err := json.Marshal(input)
		require.NoError(t, err)

		var s Session
		require.NoError(t, json.Unmarshal(data, &s))

		require.NotNil(t, s.Display)
		require.NotNil(t, s.Port)
		assert.Equal(t, 99, *s.Display)
		assert.Equal(t, 5900, *s.Port)
		assert.Equal(t, ":99", s.DisplayName())
		assert.Equal(t, input.Processes, s.Processes)
		require.NotNil(t, s.EndedAt)
		assert.Equal(t, ended, *s.EndedAt)
	})
}

func TestDeactivate(t *testing.T) {
	first := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	second := first.Add(time.Hour)

	s := &Session{Active: true, State: StateRunning}
	s.Deactivate(StateClosed, ExitNormal, first)

	assert.False(t, s.Active)
	assert.Equal(t, StateClosed, s.State)
	assert.Equal(t, ExitNormal, s.ExitReason)
	require.NotNil(t, s.EndedAt)
	assert.Equal(t, first, *s.EndedAt)

	// A second deactivation keeps the original end time and reason
	s.Deactivate(StateClosed, ExitVanished, second)
	assert.Equal(t, first, *s.EndedAt)
	assert.Equal(t, ExitNormal, s.ExitReason)
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "", (&Session{}).DisplayName())
	assert.Equal(t, ":0", DisplayString(0))
	assert.Equal(t, ":149", DisplayString(149))
}

func TestStarting(t *testing.T) {
	tests := []struct {
		state  State
		active bool
		want   bool
	}{
		{StateAllocating, true, true},
		{StateStartingDisplayServer, true, true},
		{StateStartingRemoteServer, true, true},
		{StateStartingApplication, true, true},
		{StateRunning, true, false},
		{StateClosing, true, false},
		{StateFailed, false, false},
		{StateStartingApplication, false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			s := &Session{State: tt.state, Active: tt.active}
			assert.Equal(t, tt.want, s.Starting())
		})
	}
}
