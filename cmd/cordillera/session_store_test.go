// Copyright (C) 2025 Cordillera Systems (ops@cordillera.sh)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/cordillera-sh/cordillera/cmd/cordillera/internal/infra/process"
)

// stubLocker is an in-memory SessionLocker for store tests that do not
// exercise real flock behavior.
type stubLocker struct {
	held        bool
	acquireErr  error
	AcquireHits int
	ReleaseHits int
}

func (s *stubLocker) Acquire() error {
	s.AcquireHits++
	if s.acquireErr != nil {
		return s.acquireErr
	}
	s.held = true
	return nil
}

func (s *stubLocker) Release() error {
	s.ReleaseHits++
	s.held = false
	return nil
}

func (s *stubLocker) IsHeld() bool   { return s.held }
func (s *stubLocker) HolderPID() int { return 0 }

func newTestStore(t *testing.T) (*FileSessionStore, *stubLocker) {
	t.Helper()
	lock := &stubLocker{}
	return NewFileSessionStore(filepath.Join(t.TempDir(), "sessions"), lock), lock
}

func TestFileSessionStore_CreateAndGet(t *testing.T) {
	store, lock := newTestStore(t)

	session := NewUpdateSession("v1.0.0", "v1.1.0", StrategyParallelCutover, false)
	if err := store.Create(session); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if lock.AcquireHits != 1 {
		t.Errorf("Create should acquire the lock once, got %d", lock.AcquireHits)
	}

	got, err := store.Get(session.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.ID != session.ID || got.TargetVersion != "v1.1.0" {
		t.Errorf("round-tripped session mismatch: %+v", got)
	}
	if got.Phase != PhaseCreated {
		t.Errorf("Phase = %q, want created", got.Phase)
	}
}

func TestFileSessionStore_Get_NotFound(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Get("no-such-session")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestFileSessionStore_Create_Conflict(t *testing.T) {
	lock := &stubLocker{acquireErr: &process.ErrLockHeld{HolderPID: 4242, LockPath: "/tmp/t.lock"}}
	store := NewFileSessionStore(filepath.Join(t.TempDir(), "sessions"), lock)

	err := store.Create(NewUpdateSession("v1.0.0", "v1.1.0", StrategyParallelCutover, false))
	var conflict *SessionConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected *SessionConflictError, got %T: %v", err, err)
	}
	if conflict.HolderPID != 4242 {
		t.Errorf("HolderPID = %d, want 4242", conflict.HolderPID)
	}
	if !IsConflict(err) {
		t.Error("IsConflict() = false for conflict error")
	}
}

func TestFileSessionStore_Save_Overwrites(t *testing.T) {
	store, _ := newTestStore(t)
	session := NewUpdateSession("v1.0.0", "v1.1.0", StrategyParallelCutover, false)
	if err := store.Create(session); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	session.BeginPhase(PhaseValidating)
	session.CompletePhase(OutcomeSuccess, "")
	session.BeginPhase(PhaseBackingUp)
	if err := store.Save(session); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	got, err := store.Get(session.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Phase != PhaseBackingUp {
		t.Errorf("Phase = %q, want backing_up", got.Phase)
	}
	if len(got.PhaseHistory) != 3 {
		t.Errorf("PhaseHistory length = %d, want 3", len(got.PhaseHistory))
	}
}

func TestFileSessionStore_AppendPhase(t *testing.T) {
	store, _ := newTestStore(t)
	session := NewUpdateSession("v1.0.0", "v1.1.0", StrategyParallelCutover, false)
	if err := store.Create(session); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	rec := PhaseRecord{
		Phase:       PhaseValidating,
		StartedAt:   time.Now().UTC(),
		CompletedAt: time.Now().UTC(),
		Outcome:     OutcomeSuccess,
		Detail:      "annotated out of band",
	}
	if err := store.AppendPhase(session.ID, rec); err != nil {
		t.Fatalf("AppendPhase() error: %v", err)
	}

	got, _ := store.Get(session.ID)
	if got.Phase != PhaseValidating {
		t.Errorf("Phase = %q, want validating", got.Phase)
	}
	last := got.PhaseHistory[len(got.PhaseHistory)-1]
	if last.Detail != "annotated out of band" {
		t.Errorf("Detail = %q", last.Detail)
	}
}

func TestFileSessionStore_List_OrdersNewestFirst(t *testing.T) {
	store, _ := newTestStore(t)

	old := NewUpdateSession("v1.0.0", "v1.1.0", StrategyParallelCutover, false)
	old.StartedAt = time.Now().UTC().Add(-2 * time.Hour)
	if err := store.Create(old); err != nil {
		t.Fatalf("Create(old) error: %v", err)
	}

	recent := NewUpdateSession("v1.1.0", "v1.2.0", StrategyParallelCutover, false)
	if err := store.Save(recent); err != nil {
		t.Fatalf("Save(recent) error: %v", err)
	}

	sessions, err := store.List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("List() length = %d, want 2", len(sessions))
	}
	if sessions[0].ID != recent.ID {
		t.Errorf("newest session should be first, got %s", sessions[0].ID)
	}
}

func TestFileSessionStore_List_EmptyDir(t *testing.T) {
	store, _ := newTestStore(t)
	sessions, err := store.List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("List() on missing dir = %d sessions, want 0", len(sessions))
	}
}

func TestFileSessionStore_ListActive(t *testing.T) {
	store, _ := newTestStore(t)

	done := NewUpdateSession("v1.0.0", "v1.1.0", StrategyParallelCutover, false)
	done.Finish(PhaseCompleted, "")
	if err := store.Create(done); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	inflight := NewUpdateSession("v1.1.0", "v1.2.0", StrategyParallelCutover, false)
	inflight.BeginPhase(PhaseDeploying)
	if err := store.Save(inflight); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	active, err := store.ListActive()
	if err != nil {
		t.Fatalf("ListActive() error: %v", err)
	}
	if len(active) != 1 || active[0].ID != inflight.ID {
		t.Errorf("ListActive() = %+v, want only the in-flight session", active)
	}
}

func TestFileSessionStore_Prune(t *testing.T) {
	store, _ := newTestStore(t)

	// Three old terminal sessions, one recent terminal, one old in-flight.
	var oldIDs []string
	for i := 0; i < 3; i++ {
		s := NewUpdateSession("v1.0.0", "v1.1.0", StrategyParallelCutover, false)
		s.StartedAt = time.Now().UTC().Add(-time.Duration(48+i) * time.Hour)
		s.Finish(PhaseCompleted, "")
		if i == 0 {
			if err := store.Create(s); err != nil {
				t.Fatalf("Create() error: %v", err)
			}
		} else if err := store.Save(s); err != nil {
			t.Fatalf("Save() error: %v", err)
		}
		oldIDs = append(oldIDs, s.ID)
	}

	recent := NewUpdateSession("v1.1.0", "v1.2.0", StrategyParallelCutover, false)
	recent.Finish(PhaseCompleted, "")
	if err := store.Save(recent); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	stuck := NewUpdateSession("v1.0.0", "v1.1.0", StrategyParallelCutover, false)
	stuck.StartedAt = time.Now().UTC().Add(-100 * time.Hour)
	stuck.BeginPhase(PhaseDeploying)
	if err := store.Save(stuck); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	// Keep at least 1 terminal record; everything terminal older than 24h
	// beyond that goes.
	removed, err := store.Prune(24*time.Hour, 1)
	if err != nil {
		t.Fatalf("Prune() error: %v", err)
	}
	if removed != 3 {
		t.Errorf("Prune() removed %d, want 3", removed)
	}

	// The in-flight session survives regardless of age.
	if _, err := store.Get(stuck.ID); err != nil {
		t.Errorf("in-flight session was pruned: %v", err)
	}
	// The recent terminal session is within minKeep.
	if _, err := store.Get(recent.ID); err != nil {
		t.Errorf("recent session was pruned: %v", err)
	}
	for _, id := range oldIDs {
		if _, err := store.Get(id); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("old session %s should be pruned, got err=%v", id, err)
		}
	}
}

func TestFileSessionStore_RealLockConflict(t *testing.T) {
	dir := t.TempDir()
	lockA := process.NewSessionLock(process.LockConfig{Dir: dir, Target: "store-test"})
	lockB := process.NewSessionLock(process.LockConfig{Dir: dir, Target: "store-test"})

	storeA := NewFileSessionStore(filepath.Join(dir, "sessions"), lockA)
	storeB := NewFileSessionStore(filepath.Join(dir, "sessions"), lockB)

	if err := storeA.Create(NewUpdateSession("v1.0.0", "v1.1.0", StrategyParallelCutover, false)); err != nil {
		t.Fatalf("first Create() error: %v", err)
	}
	defer storeA.Release()

	err := storeB.Create(NewUpdateSession("v1.0.0", "v1.1.0", StrategyParallelCutover, false))
	if !IsConflict(err) {
		t.Fatalf("expected conflict from second store, got %v", err)
	}
}
