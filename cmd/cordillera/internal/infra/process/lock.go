// Copyright (C) 2025 Cordillera Systems (ops@cordillera.sh)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package process provides the exclusive session lock that guarantees at
// most one non-terminal update session per deployment target.
package process

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// SessionLocker defines the interface for update-session locking.
//
// # Description
//
// SessionLocker prevents two update sessions from mutating the same
// deployment target at once. The lock is acquired when a session is
// created and held until the session reaches a terminal phase or is
// explicitly abandoned. A second acquire attempt fails fast; it never
// queues.
//
// # Thread Safety
//
// Implementations must be safe for use from a single goroutine. The lock
// provides inter-process synchronization, not intra-process.
type SessionLocker interface {
	// Acquire attempts to get the exclusive lock. Returns nil if
	// acquired, *ErrLockHeld if another session holds it.
	Acquire() error

	// Release releases the lock if held. Safe to call multiple times.
	Release() error

	// IsHeld returns true if this instance currently holds the lock.
	IsHeld() bool

	// HolderPID returns the PID of the lock holder, or 0 if unknown.
	HolderPID() int
}

// LockConfig configures session lock placement.
type LockConfig struct {
	// Dir is the directory for lock files.
	// Default: system temp directory.
	Dir string

	// Target names the deployment target; it becomes the lock file
	// base name. Default: "cordillera-update".
	Target string
}

// DefaultLockConfig returns sensible defaults.
func DefaultLockConfig() LockConfig {
	return LockConfig{
		Dir:    os.TempDir(),
		Target: "cordillera-update",
	}
}

// SessionLock implements SessionLocker using flock(2).
//
// # Description
//
// Uses an advisory exclusive flock on {Dir}/{Target}.lock and writes the
// holder PID to {Dir}/{Target}.pid for diagnostics. The OS releases the
// flock if the holding process crashes, so a crashed session never wedges
// the target permanently; its durable record remains for rollback.
//
// # Limitations
//
//   - Advisory only; cooperating processes must check it.
//   - flock is unreliable on NFS and some network filesystems.
//
// # Example
//
//	lock := process.NewSessionLock(process.DefaultLockConfig())
//	if err := lock.Acquire(); err != nil {
//	    return err // another session is active
//	}
//	defer lock.Release()
type SessionLock struct {
	config   LockConfig
	lockPath string
	pidPath  string
	lockFile *os.File
	held     bool
}

// NewSessionLock creates a session lock. Does not acquire it.
func NewSessionLock(config LockConfig) *SessionLock {
	if config.Dir == "" {
		config.Dir = os.TempDir()
	}
	if config.Target == "" {
		config.Target = "cordillera-update"
	}

	return &SessionLock{
		config:   config,
		lockPath: filepath.Join(config.Dir, config.Target+".lock"),
		pidPath:  filepath.Join(config.Dir, config.Target+".pid"),
	}
}

// Acquire attempts a non-blocking exclusive flock.
//
// # Error Conditions
//
//   - *ErrLockHeld when another session holds the lock (carries the
//     holder PID when the PID file is readable).
//   - Filesystem errors creating the lock file.
func (l *SessionLock) Acquire() error {
	if l.held {
		return nil // already held
	}

	f, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to create lock file %s: %w", l.lockPath, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if err == syscall.EWOULDBLOCK {
			return &ErrLockHeld{HolderPID: l.readHolderPID(), LockPath: l.lockPath}
		}
		return fmt.Errorf("failed to acquire session lock: %w", err)
	}

	l.lockFile = f
	l.held = true

	// PID file is best effort; the flock is the real lock.
	_ = os.WriteFile(l.pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)

	return nil
}

// Release removes the PID file and releases the flock. Safe to call when
// the lock was never acquired.
func (l *SessionLock) Release() error {
	if !l.held || l.lockFile == nil {
		return nil
	}

	os.Remove(l.pidPath)

	err := syscall.Flock(int(l.lockFile.Fd()), syscall.LOCK_UN)
	l.lockFile.Close()
	l.lockFile = nil
	l.held = false

	// The lock file itself is left in place for faster re-acquires.

	if err != nil {
		return fmt.Errorf("failed to release session lock: %w", err)
	}
	return nil
}

// IsHeld checks local state only; it does not re-verify the flock.
func (l *SessionLock) IsHeld() bool { return l.held }

// HolderPID reads the PID file. Returns 0 if unreadable or stale.
func (l *SessionLock) HolderPID() int { return l.readHolderPID() }

// LockPath returns the lock file path, for error messages.
func (l *SessionLock) LockPath() string { return l.lockPath }

func (l *SessionLock) readHolderPID() int {
	data, err := os.ReadFile(l.pidPath)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// ErrLockHeld is returned when the lock is held by another session.
type ErrLockHeld struct {
	HolderPID int
	LockPath  string
}

func (e *ErrLockHeld) Error() string {
	if e.HolderPID > 0 {
		return fmt.Sprintf("another update session is active (PID %d). "+
			"If this is stale, remove %s", e.HolderPID, e.LockPath)
	}
	return fmt.Sprintf("another update session is active (check: lsof %s)", e.LockPath)
}

// Compile-time interface satisfaction check
var _ SessionLocker = (*SessionLock)(nil)
