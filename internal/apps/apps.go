// Package apps holds the catalog of launchable GUI applications.
package apps

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/go-homedir"
)

// ErrNotFound is returned when an application id is unknown
var ErrNotFound = errors.New("application not found")

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// Application describes a GUI program that sessions can launch
type Application struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Command    []string          `json:"command"`
	WorkingDir string            `json:"working_dir,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Enabled    bool              `json:"enabled"`
	Installed  bool              `json:"installed"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Validate checks that the descriptor can be launched
func (a *Application) Validate() error {
	if !idPattern.MatchString(a.ID) {
		return fmt.Errorf("invalid application id %q", a.ID)
	}
	if len(a.Command) == 0 || strings.TrimSpace(a.Command[0]) == "" {
		return fmt.Errorf("application %s has no launch command", a.ID)
	}
	for k := range a.Env {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			return fmt.Errorf("application %s has invalid environment key %q", a.ID, k)
		}
	}
	return nil
}

// Launchable reports why an application cannot be started, or nil
func (a *Application) Launchable() error {
	if !a.Enabled {
		return fmt.Errorf("application %s is disabled", a.ID)
	}
	if !a.Installed {
		return fmt.Errorf("application %s is not installed", a.ID)
	}
	return nil
}

// New builds a descriptor, deriving an id from the name when id is empty
func New(id, name string, command []string) *Application {
	if id == "" {
		id = slug(name)
	}
	if id == "" {
		id = uuid.New().String()[:8]
	}
	return &Application{
		ID:        id,
		Name:      name,
		Command:   command,
		Enabled:   true,
		Installed: true,
		CreatedAt: time.Now(),
	}
}

func slug(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// Store manages application descriptors at <data_dir>/apps/
type Store struct {
	dir string
}

// NewStore creates a new application store
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create apps directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Save validates and persists an application
func (s *Store) Save(app *Application) error {
	if err := app.Validate(); err != nil {
		return err
	}
	if app.WorkingDir != "" {
		dir, err := homedir.Expand(app.WorkingDir)
		if err != nil {
			return fmt.Errorf("failed to expand working directory: %w", err)
		}
		app.WorkingDir = dir
	}

	data, err := json.MarshalIndent(app, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal application: %w", err)
	}

	path := filepath.Join(s.dir, app.ID+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write application file: %w", err)
	}
	return nil
}

// Load reads an application by id
func (s *Store) Load(id string) (*Application, error) {
	if !idPattern.MatchString(id) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	data, err := os.ReadFile(filepath.Join(s.dir, id+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to read application file: %w", err)
	}

	var app Application
	if err := json.Unmarshal(data, &app); err != nil {
		return nil, fmt.Errorf("failed to unmarshal application: %w", err)
	}
	return &app, nil
}

// List returns all applications sorted by id
func (s *Store) List() ([]*Application, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Application{}, nil
		}
		return nil, fmt.Errorf("failed to read apps directory: %w", err)
	}

	var list []*Application
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		app, err := s.Load(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			continue
		}
		list = append(list, app)
	}

	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

// Delete removes an application descriptor
func (s *Store) Delete(id string) error {
	if err := os.Remove(filepath.Join(s.dir, id+".json")); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("failed to delete application file: %w", err)
	}
	return nil
}
