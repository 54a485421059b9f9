package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cordillera-sh/cordillera/cmd/cordillera/internal/infra/process"
)

// SessionStore is the durable, lock-protected record of update sessions.
//
// # Description
//
// The single source of truth for "what phase are we in" and "what must be
// undone to get back to safety". Exposes no business logic — only durable
// storage and the exclusivity check. All writes are atomic (temp file then
// rename) so a crash between "decide" and "persist" leaves either the old
// record or the new one, never a partial one.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the orchestrator is
// the only writer, but `status` may read concurrently.
type SessionStore interface {
	// Create persists a new session and acquires the target's exclusive
	// lock for the session's lifetime. Returns *SessionConflictError if
	// the lock is already held.
	Create(session *UpdateSession) error

	// Save atomically rewrites the session record. The write completes
	// before the caller may act on the state it records.
	Save(session *UpdateSession) error

	// Acquire takes the target's exclusive lock without writing a new
	// record. Used when resuming work on an existing session, such as a
	// manual rollback. Returns *SessionConflictError if held.
	Acquire() error

	// AppendPhase appends a completed phase record to a stored session
	// and advances its phase. The orchestrator normally mutates its
	// owned session and calls Save; this is for out-of-band annotation.
	AppendPhase(sessionID string, rec PhaseRecord) error

	// Get loads one session by ID.
	Get(sessionID string) (*UpdateSession, error)

	// List returns all stored sessions, most recent first.
	List() ([]*UpdateSession, error)

	// ListActive returns non-terminal sessions, most recent first.
	ListActive() ([]*UpdateSession, error)

	// Release releases the session lock. Called on terminal phase, on
	// explicit abandonment, and after validation in dry-run mode.
	Release() error

	// Prune removes terminal session records older than maxAge, always
	// keeping the newest minKeep records. Returns the number removed.
	Prune(maxAge time.Duration, minKeep int) (int, error)
}

// ErrSessionNotFound is returned by Get for an unknown session ID.
var ErrSessionNotFound = errors.New("session not found")

// FileSessionStore implements SessionStore with one JSON file per session.
//
// # Description
//
// Sessions live under {dir}/{session_id}.json, readable by an operator
// without invoking the orchestrator. Writes go to a temp file in the same
// directory followed by an atomic rename. The exclusive session lock is a
// flock held by this store instance from Create until Release.
//
// # File Structure
//
//	~/.cordillera/updates/sessions/
//	├── 6f1c9b1e-....json
//	└── 87aa02d4-....json
type FileSessionStore struct {
	dir  string
	lock process.SessionLocker
}

// NewFileSessionStore creates a store rooted at dir.
//
// # Inputs
//
//   - dir: Session directory; created on first write if missing.
//   - lock: Session lock for the deployment target. Must not be nil.
func NewFileSessionStore(dir string, lock process.SessionLocker) *FileSessionStore {
	return &FileSessionStore{dir: dir, lock: lock}
}

// Create acquires the session lock, then durably writes the new record.
//
// # Error Conditions
//
//   - *SessionConflictError when another session holds the lock.
//   - Filesystem errors creating the directory or record.
func (s *FileSessionStore) Create(session *UpdateSession) error {
	if err := s.Acquire(); err != nil {
		return err
	}

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		s.lock.Release()
		return fmt.Errorf("creating session dir: %w", err)
	}

	if err := s.writeAtomic(session); err != nil {
		s.lock.Release()
		return err
	}
	return nil
}

// Acquire takes the exclusive session lock.
func (s *FileSessionStore) Acquire() error {
	if err := s.lock.Acquire(); err != nil {
		var held *process.ErrLockHeld
		if errors.As(err, &held) {
			return &SessionConflictError{HolderPID: held.HolderPID, LockPath: held.LockPath}
		}
		return fmt.Errorf("acquiring session lock: %w", err)
	}
	return nil
}

// Save atomically rewrites the session record.
func (s *FileSessionStore) Save(session *UpdateSession) error {
	return s.writeAtomic(session)
}

// AppendPhase loads, appends, and atomically rewrites one session.
func (s *FileSessionStore) AppendPhase(sessionID string, rec PhaseRecord) error {
	session, err := s.Get(sessionID)
	if err != nil {
		return err
	}
	session.Phase = rec.Phase
	session.PhaseHistory = append(session.PhaseHistory, rec)
	return s.writeAtomic(session)
}

// Get loads one session by ID.
func (s *FileSessionStore) Get(sessionID string) (*UpdateSession, error) {
	data, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, fmt.Errorf("reading session %s: %w", sessionID, err)
	}

	var session UpdateSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("parsing session %s: %w", sessionID, err)
	}
	return &session, nil
}

// List returns all stored sessions, most recent first.
func (s *FileSessionStore) List() ([]*UpdateSession, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading session dir: %w", err)
	}

	var sessions []*UpdateSession
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		session, err := s.Get(strings.TrimSuffix(name, ".json"))
		if err != nil {
			// A record mid-rename or hand-damaged is skipped, not fatal.
			continue
		}
		sessions = append(sessions, session)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})
	return sessions, nil
}

// ListActive returns non-terminal sessions, most recent first.
func (s *FileSessionStore) ListActive() ([]*UpdateSession, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var active []*UpdateSession
	for _, session := range all {
		if !session.Terminal() {
			active = append(active, session)
		}
	}
	return active, nil
}

// Release releases the session lock.
func (s *FileSessionStore) Release() error {
	return s.lock.Release()
}

// Prune removes terminal sessions older than maxAge, keeping at least the
// newest minKeep records regardless of age. Non-terminal sessions are
// never pruned.
func (s *FileSessionStore) Prune(maxAge time.Duration, minKeep int) (int, error) {
	all, err := s.List()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	kept := 0
	for _, session := range all { // newest first
		if !session.Terminal() {
			continue
		}
		if kept < minKeep {
			kept++
			continue
		}
		if session.StartedAt.After(cutoff) {
			kept++
			continue
		}
		if err := os.Remove(s.path(session.ID)); err != nil {
			continue
		}
		removed++
	}
	return removed, nil
}

func (s *FileSessionStore) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".json")
}

// writeAtomic writes to a temp file in the session directory and renames
// it over the record. Rename is atomic on POSIX filesystems when source
// and target share a filesystem, which they do here.
func (s *FileSessionStore) writeAtomic(session *UpdateSession) error {
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", session.ID, err)
	}

	tmp := filepath.Join(s.dir, fmt.Sprintf(".%s.tmp.%d", session.ID, time.Now().UnixNano()))
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing session temp file: %w", err)
	}

	if err := os.Rename(tmp, s.path(session.ID)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing session record %s: %w", session.ID, err)
	}
	return nil
}

// Compile-time interface check
var _ SessionStore = (*FileSessionStore)(nil)
