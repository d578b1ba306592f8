package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// ErrNotFound is returned when a session record does not exist
var ErrNotFound = errors.New("session not found")

// claimGrace is how long a claim whose owner has not been persisted yet is
// honored. Create persists the record right after allocating, so anything
// older belongs to a crashed allocator.
const claimGrace = 30 * time.Second

// Store manages session persistence under <data_dir>/sessions/
//
// Each session is one JSON file, written atomically. Its audit log is a JSONL
// file next to it. Resource claims live under claims/ and are created with
// O_EXCL so two allocators can never hold the same value.
type Store struct {
	dir string
}

type claim struct {
	Owner     string    `json:"owner"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// NewStore creates a store rooted at dir
func NewStore(dir string) (*Store, error) {
	for _, d := range []string{dir, filepath.Join(dir, "claims")} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("failed to create sessions directory: %w", err)
		}
	}
	return &Store{dir: dir}, nil
}

// Dir returns the session storage directory
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) recordPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) eventsPath(id string) string {
	return filepath.Join(s.dir, id+".events.jsonl")
}

func (s *Store) claimPath(kind string, value int) string {
	return filepath.Join(s.dir, "claims", kind+"-"+strconv.Itoa(value))
}

// Save persists a session to disk
func (s *Store) Save(session *Session) error {
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := writeFileAtomic(s.recordPath(session.ID), data, 0644); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}

	return nil
}

// Load reads a session from disk by ID
func (s *Store) Load(id string) (*Session, error) {
	data, err := os.ReadFile(s.recordPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	return &session, nil
}

// List returns all saved sessions
func (s *Store) List() ([]*Session, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Session{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	var sessions []*Session
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}

		session, err := s.Load(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue // Skip invalid sessions
		}
		sessions = append(sessions, session)
	}

	return sessions, nil
}

// ListActive returns the sessions whose active flag is set
func (s *Store) ListActive() ([]*Session, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}

	active := make([]*Session, 0, len(all))
	for _, sess := range all {
		if sess.Active {
			active = append(active, sess)
		}
	}
	return active, nil
}

// Delete removes a session record together with its event log and any claims it owns
func (s *Store) Delete(id string) error {
	sess, loadErr := s.Load(id)

	if err := os.Remove(s.recordPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete session file: %w", err)
	}
	if err := os.Remove(s.eventsPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete event log: %w", err)
	}

	if loadErr == nil {
		if sess.Display != nil {
			_ = s.Release("display", *sess.Display, id)
		}
		if sess.Port != nil {
			_ = s.Release("port", *sess.Port, id)
		}
	}

	return nil
}

// AppendEvent appends an entry to the session's audit log
func (s *Store) AppendEvent(event Event) error {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	f, err := os.OpenFile(s.eventsPath(event.SessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// Events returns the audit log of a session in append order
func (s *Store) Events(id string) ([]Event, error) {
	f, err := os.Open(s.eventsPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return []Event{}, nil
		}
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			continue // Skip torn writes
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read event log: %w", err)
	}
	return events, nil
}

// Lock takes the store-wide allocation lock, shared across processes.
// The returned function releases it.
func (s *Store) Lock() (func(), error) {
	path := filepath.Join(s.dir, "claims", ".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to acquire allocation lock: %w", err)
	}

	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}, nil
}

// Claim atomically reserves value of the given kind for owner. It returns
// false when another live session already holds the value. Claims held by
// inactive sessions, or by unpersisted owners older than claimGrace, are
// taken over.
func (s *Store) Claim(kind string, value int, owner string) (bool, error) {
	path := s.claimPath(kind, value)

	data, err := json.Marshal(claim{Owner: owner, ClaimedAt: time.Now()})
	if err != nil {
		return false, fmt.Errorf("failed to marshal claim: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err == nil {
		defer f.Close()
		if _, err := f.Write(data); err != nil {
			_ = os.Remove(path)
			return false, fmt.Errorf("failed to write claim: %w", err)
		}
		return true, nil
	}
	if !os.IsExist(err) {
		return false, fmt.Errorf("failed to create claim: %w", err)
	}

	existing, err := s.readClaim(path)
	if err != nil {
		return false, err
	}
	if existing.Owner == owner {
		return true, nil
	}
	if !s.claimStale(existing) {
		return false, nil
	}

	if err := writeFileAtomic(path, data, 0644); err != nil {
		return false, fmt.Errorf("failed to take over claim: %w", err)
	}
	return true, nil
}

// Release drops a claim if it is still held by owner
func (s *Store) Release(kind string, value int, owner string) error {
	path := s.claimPath(kind, value)

	existing, err := s.readClaim(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if existing.Owner != owner {
		return nil
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release claim: %w", err)
	}
	return nil
}

func (s *Store) readClaim(path string) (claim, error) {
	var c claim
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("failed to read claim: %w", err)
	}
	if err := json.Unmarshal(data, &c); err != nil {
		// A torn claim has no owner to protect
		return claim{}, nil
	}
	return c, nil
}

func (s *Store) claimStale(c claim) bool {
	if c.Owner == "" {
		return true
	}
	owner, err := s.Load(c.Owner)
	if err != nil {
		return time.Since(c.ClaimedAt) > claimGrace
	}
	return !owner.Active
}

// writeFileAtomic writes data to a temp file in the same directory and renames it into place
func writeFileAtomic(filename string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(filename)
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(filename)+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), perm); err != nil {
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filename); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}
