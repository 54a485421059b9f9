// Copyright (C) 2025 Cordillera Systems (ops@cordillera.sh)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cordillera-sh/cordillera/cmd/cordillera/config"
	"github.com/cordillera-sh/cordillera/cmd/cordillera/gcs"
)

// snapshotPathEnv carries the artifact path to store export/import
// commands.
const snapshotPathEnv = "CORDILLERA_SNAPSHOT_PATH"

// ===== INTERFACES =====

// StoreMigrator creates, verifies, and restores store snapshots.
//
// # Description
//
//	Each Backup produces one artifact per store plus a recorded sha256
//	checksum. Verify recomputes the checksum against the record; Restore
//	verifies first and refuses to feed a corrupted artifact to a store.
//
// # Thread Safety
//   - Implementations must be safe for concurrent use.
type StoreMigrator interface {
	// Backup snapshots one store and returns its record. The artifact
	// is checksum-verified immediately after creation.
	Backup(ctx context.Context, store config.StoreConfig) (*BackupRecord, error)

	// Verify recomputes the artifact checksum and compares it to the
	// record. A mismatch or missing artifact returns a *BackupError.
	Verify(ctx context.Context, rec BackupRecord) error

	// Restore re-verifies the artifact, then runs the store's restore
	// command against it.
	Restore(ctx context.Context, store config.StoreConfig, rec BackupRecord) error
}

// ===== IMPLEMENTATION =====

// CommandMigrator shells out to each store's configured export and
// import commands. The snapshot path travels in the
// CORDILLERA_SNAPSHOT_PATH environment variable so the commands stay
// store-agnostic.
type CommandMigrator struct {
	runner    CommandRunner
	backupDir string
	offsite   gcs.Uploader // nil when offsite copies are disabled
	log       *slog.Logger
}

var _ StoreMigrator = (*CommandMigrator)(nil)

// NewCommandMigrator builds a migrator writing artifacts under
// backupDir. Pass a nil uploader to disable offsite copies.
func NewCommandMigrator(runner CommandRunner, backupDir string, offsite gcs.Uploader, log *slog.Logger) *CommandMigrator {
	return &CommandMigrator{
		runner:    runner,
		backupDir: backupDir,
		offsite:   offsite,
		log:       log,
	}
}

// Backup exports the store to a fresh artifact, computes its checksum,
// and re-reads the file to confirm the checksum before returning. When
// an offsite uploader is configured the artifact is also copied to the
// bucket; an upload failure is logged but does not fail the backup,
// since the local artifact is the one rollback uses.
func (m *CommandMigrator) Backup(ctx context.Context, store config.StoreConfig) (*BackupRecord, error) {
	if len(store.BackupCommand) == 0 {
		return nil, &BackupError{StoreID: store.ID, Wrapped: fmt.Errorf("no backup command configured")}
	}
	if err := os.MkdirAll(m.backupDir, 0o700); err != nil {
		return nil, &BackupError{StoreID: store.ID, Wrapped: fmt.Errorf("creating backup directory: %w", err)}
	}

	backupID := GenerateID()
	artifact := filepath.Join(m.backupDir, fmt.Sprintf("%s-%s.snapshot", store.ID, backupID))

	env := append(os.Environ(), snapshotPathEnv+"="+artifact)
	if _, err := m.runner.RunEnv(ctx, env, store.BackupCommand[0], store.BackupCommand[1:]...); err != nil {
		_ = os.Remove(artifact)
		return nil, &BackupError{StoreID: store.ID, Wrapped: fmt.Errorf("export command failed: %w", err)}
	}

	info, err := os.Stat(artifact)
	if err != nil {
		return nil, &BackupError{StoreID: store.ID, Wrapped: fmt.Errorf("export command produced no artifact at %s: %w", artifact, err)}
	}
	if info.Size() == 0 {
		_ = os.Remove(artifact)
		return nil, &BackupError{StoreID: store.ID, Wrapped: fmt.Errorf("export command produced an empty artifact at %s", artifact)}
	}

	checksum, err := hashFile(artifact)
	if err != nil {
		return nil, &BackupError{StoreID: store.ID, Wrapped: fmt.Errorf("hashing artifact: %w", err)}
	}

	rec := &BackupRecord{
		ID:        backupID,
		StoreID:   store.ID,
		Location:  artifact,
		Checksum:  checksum,
		SizeBytes: info.Size(),
		CreatedAt: time.Now().UTC(),
	}

	// Read-back check: the artifact on disk must hash to what we just
	// recorded before the session is allowed past the backup phase.
	if err := m.Verify(ctx, *rec); err != nil {
		return nil, err
	}

	if m.offsite != nil {
		objectPath := fmt.Sprintf("backups/%s/%s", store.ID, filepath.Base(artifact))
		uri, upErr := m.offsite.UploadFile(ctx, artifact, objectPath)
		if upErr != nil {
			m.log.Warn("offsite backup copy failed, continuing with local artifact",
				"store_id", store.ID, "backup_id", backupID, "error", upErr)
		} else {
			rec.OffsiteLocation = uri
			m.log.Info("offsite backup copy complete", "store_id", store.ID, "uri", uri)
		}
	}

	m.log.Info("store backup complete",
		"store_id", store.ID, "backup_id", backupID,
		"size_bytes", rec.SizeBytes, "checksum", rec.Checksum)
	return rec, nil
}

// Verify recomputes the artifact checksum against the record.
func (m *CommandMigrator) Verify(_ context.Context, rec BackupRecord) error {
	actual, err := hashFile(rec.Location)
	if err != nil {
		return &BackupError{StoreID: rec.StoreID, Wrapped: fmt.Errorf("reading artifact %s: %w", rec.Location, err)}
	}
	if actual != rec.Checksum {
		return &BackupError{
			StoreID: rec.StoreID,
			Wrapped: fmt.Errorf("checksum mismatch for %s: recorded %s, got %s", rec.Location, rec.Checksum, actual),
		}
	}
	return nil
}

// Restore re-verifies the artifact and runs the store's import command.
func (m *CommandMigrator) Restore(ctx context.Context, store config.StoreConfig, rec BackupRecord) error {
	if len(store.RestoreCommand) == 0 {
		return &BackupError{StoreID: store.ID, Wrapped: fmt.Errorf("no restore command configured")}
	}
	if err := m.Verify(ctx, rec); err != nil {
		return err
	}

	env := append(os.Environ(), snapshotPathEnv+"="+rec.Location)
	if _, err := m.runner.RunEnv(ctx, env, store.RestoreCommand[0], store.RestoreCommand[1:]...); err != nil {
		return &BackupError{StoreID: store.ID, Wrapped: fmt.Errorf("import command failed: %w", err)}
	}

	m.log.Info("store restore complete", "store_id", store.ID, "backup_id", rec.ID)
	return nil
}

// hashFile returns the hex-encoded sha256 digest of the file.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ===== MOCK =====

// MockMigrator records calls for tests.
type MockMigrator struct {
	BackupFunc  func(ctx context.Context, store config.StoreConfig) (*BackupRecord, error)
	VerifyFunc  func(ctx context.Context, rec BackupRecord) error
	RestoreFunc func(ctx context.Context, store config.StoreConfig, rec BackupRecord) error

	BackupCalls  []string
	VerifyCalls  []string
	RestoreCalls []string
}

var _ StoreMigrator = (*MockMigrator)(nil)

func (m *MockMigrator) Backup(ctx context.Context, store config.StoreConfig) (*BackupRecord, error) {
	m.BackupCalls = append(m.BackupCalls, store.ID)
	if m.BackupFunc != nil {
		return m.BackupFunc(ctx, store)
	}
	return &BackupRecord{
		ID:        GenerateID(),
		StoreID:   store.ID,
		Location:  "/tmp/" + store.ID + ".snapshot",
		Checksum:  "deadbeef",
		SizeBytes: 1,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (m *MockMigrator) Verify(ctx context.Context, rec BackupRecord) error {
	m.VerifyCalls = append(m.VerifyCalls, rec.ID)
	if m.VerifyFunc != nil {
		return m.VerifyFunc(ctx, rec)
	}
	return nil
}

func (m *MockMigrator) Restore(ctx context.Context, store config.StoreConfig, rec BackupRecord) error {
	m.RestoreCalls = append(m.RestoreCalls, rec.ID)
	if m.RestoreFunc != nil {
		return m.RestoreFunc(ctx, store, rec)
	}
	return nil
}
