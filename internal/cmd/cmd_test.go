package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/faize-ai/appcast/internal/orchestrator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// run executes the root command against a config rooted in dir
func run(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--config", configPath}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: "+filepath.Join(dir, "data")+"\n"+body), 0644))
	return path
}

func TestParseEnv(t *testing.T) {
	tests := []struct {
		name    string
		input   []string
		want    map[string]string
		wantErr bool
	}{
		{name: "empty", input: nil, want: nil},
		{name: "pairs", input: []string{"A=1", "B=x=y"}, want: map[string]string{"A": "1", "B": "x=y"}},
		{name: "empty value", input: []string{"A="}, want: map[string]string{"A": ""}},
		{name: "missing equals", input: []string{"A"}, wantErr: true},
		{name: "missing key", input: []string{"=1"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseEnv(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAppsAndNativeSessionCommands(t *testing.T) {
	cfg := writeConfig(t, "environment:\n  mode: native\ntiming:\n  startup_grace: 100ms\n  terminate_grace: 1s\n")

	out, err := run(t, cfg, "apps", "add", "sleeper", "--name", "Sleeper", "--env", "THEME=dark", "--", "sleep", "300")
	require.NoError(t, err)
	assert.Contains(t, out, "Registered sleeper (sleep 300)")

	out, err = run(t, cfg, "apps", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "sleeper")
	assert.Contains(t, out, "Sleeper")

	out, err = run(t, cfg, "apps", "disable", "sleeper")
	require.NoError(t, err)
	assert.Contains(t, out, "sleeper disabled")

	_, err = run(t, cfg, "create", "sleeper", "--user", "alice")
	assert.ErrorContains(t, err, "disabled")

	_, err = run(t, cfg, "apps", "enable", "sleeper")
	require.NoError(t, err)

	out, err = run(t, cfg, "create", "sleeper", "--user", "alice", "--json")
	require.NoError(t, err)
	var res orchestrator.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.True(t, res.Success, res.Message)
	require.NotNil(t, res.Session)
	id := res.Session.ID
	createJSON = false

	out, err = run(t, cfg, "ps")
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "native")

	out, err = run(t, cfg, "close", id, "--user", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "session closed")
	closeUser = ""

	out, err = run(t, cfg, "events", id)
	require.NoError(t, err)
	assert.Contains(t, out, "session_start")
	assert.Contains(t, out, "session_end")

	out, err = run(t, cfg, "delete", "--inactive")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed 1 session(s).")
	deleteInactive = false

	out, err = run(t, cfg, "ps", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "No sessions.")
	psAll = false

	_, err = run(t, cfg, "apps", "remove", "sleeper")
	require.NoError(t, err)
	_, err = run(t, cfg, "create", "sleeper")
	assert.ErrorIs(t, err, orchestrator.ErrApplicationNotFound)
}
