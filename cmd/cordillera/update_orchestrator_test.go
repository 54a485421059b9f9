// Copyright (C) 2025 Cordillera Systems (ops@cordillera.sh)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cordillera-sh/cordillera/cmd/cordillera/config"
	"github.com/cordillera-sh/cordillera/cmd/cordillera/internal/infra/process"
)

// stubDriver is an injectable DeploymentDriver so orchestrator tests
// exercise phase sequencing without a runtime.
type stubDriver struct {
	DeployErr   error
	RollbackErr error
	FinalizeErr error

	DeployCalls   int
	RollbackCalls int
	FinalizeCalls int
}

var _ DeploymentDriver = (*stubDriver)(nil)

func (d *stubDriver) Deploy(ctx context.Context, session *UpdateSession) (*DeployOutcome, error) {
	d.DeployCalls++
	if d.DeployErr != nil {
		return nil, d.DeployErr
	}
	return &DeployOutcome{
		Generation: generationName(session.ID),
		Units:      []string{"gateway", "worker"},
		Report:     &HealthReport{Verdict: VerdictHealthy},
	}, nil
}

func (d *stubDriver) Rollback(ctx context.Context, session *UpdateSession) error {
	d.RollbackCalls++
	return d.RollbackErr
}

func (d *stubDriver) Finalize(ctx context.Context, session *UpdateSession) error {
	d.FinalizeCalls++
	return d.FinalizeErr
}

func (d *stubDriver) Status(ctx context.Context) ([]DeploymentUnit, error) {
	return nil, nil
}

type orchFixture struct {
	orch     *Orchestrator
	driver   *stubDriver
	lock     *stubLocker
	migrator *MockMigrator
	verifier *MockSignatureVerifier
	health   *MockHealthEvaluator
	runtime  *MockUnitRuntime
	router   *MockTrafficRouter
	prober   *MockStoreProber
	cfg      *config.Config
}

func newOrchFixture(t *testing.T) *orchFixture {
	t.Helper()
	dir := t.TempDir()

	f := &orchFixture{
		driver:   &stubDriver{},
		lock:     &stubLocker{},
		migrator: &MockMigrator{},
		verifier: &MockSignatureVerifier{},
		health:   &MockHealthEvaluator{},
		runtime:  &MockUnitRuntime{InspectUnitsFunc: makeInspect("gen-previous", "v1.2.0")},
		router:   &MockTrafficRouter{ActiveGen: "gen-previous"},
		prober:   &MockStoreProber{ID: "vectordb"},
		cfg: &config.Config{
			StateDir:  dir,
			BackupDir: filepath.Join(dir, "backups"),
			Units:     testUnitConfigs(),
			Stores: []config.StoreConfig{{
				ID:             "vectordb",
				Kind:           "weaviate",
				BackupCommand:  []string{"true"},
				RestoreCommand: []string{"true"},
			}},
			Update: config.UpdateConfig{
				DefaultStrategy:     "parallel-cutover",
				PhaseTimeoutSeconds: 30,
				RetryAttempts:       1,
				RetryBackoffMS:      1,
				RetentionDays:       30,
				RetentionMinKeep:    5,
			},
		},
	}
	store := NewFileSessionStore(filepath.Join(dir, "sessions"), f.lock)
	f.orch = NewOrchestrator(store, f.migrator, f.verifier, f.health, f.runtime,
		f.router, []StoreProber{f.prober}, NewUpdateMetrics(), f.cfg, discardLog())
	f.orch.newDriver = func(UpdateStrategy) DeploymentDriver { return f.driver }
	return f
}

func phaseSequence(s *UpdateSession) []UpdatePhase {
	phases := make([]UpdatePhase, len(s.PhaseHistory))
	for i, rec := range s.PhaseHistory {
		phases[i] = rec.Phase
	}
	return phases
}

// =============================================================================
// Upgrade
// =============================================================================

func TestUpgrade_HappyPath(t *testing.T) {
	f := newOrchFixture(t)

	session, err := f.orch.Upgrade(context.Background(), UpgradeOptions{TargetVersion: "v1.3.0"})
	require.NoError(t, err)
	require.NotNil(t, session)

	assert.Equal(t, PhaseCompleted, session.Phase)
	assert.Equal(t, "v1.2.0", session.SourceVersion)
	assert.Equal(t, []UpdatePhase{
		PhaseCreated, PhaseValidating, PhaseBackingUp, PhaseVerifyingSignatures,
		PhaseDeploying, PhaseHealthChecking, PhaseFinalizing, PhaseCompleted,
	}, phaseSequence(session))
	for _, rec := range session.PhaseHistory {
		assert.Equal(t, OutcomeSuccess, rec.Outcome, "phase %s", rec.Phase)
	}

	assert.Equal(t, 1, f.driver.DeployCalls)
	assert.Equal(t, 1, f.driver.FinalizeCalls)
	assert.Zero(t, f.driver.RollbackCalls)

	// One snapshot per configured store, frozen into the rollback point.
	require.Len(t, session.BackupRefs, 1)
	assert.Equal(t, "vectordb", session.BackupRefs[0].StoreID)
	assert.Len(t, session.RollbackPoint.BackupRefs, 1)

	// Terminal sessions release the lock and export metrics.
	assert.False(t, f.lock.held)
	assert.FileExists(t, filepath.Join(f.cfg.StateDir, "cordillera_update.prom"))
}

func TestUpgrade_UnknownStrategy(t *testing.T) {
	f := newOrchFixture(t)

	session, err := f.orch.Upgrade(context.Background(), UpgradeOptions{
		TargetVersion: "v1.3.0",
		Strategy:      "yolo",
	})
	assert.Nil(t, session)
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestUpgrade_ValidationFailure_NoRollback(t *testing.T) {
	f := newOrchFixture(t)

	// Target is older than the running version.
	session, err := f.orch.Upgrade(context.Background(), UpgradeOptions{TargetVersion: "v1.0.0"})
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)

	require.NotNil(t, session)
	assert.Equal(t, PhaseFailed, session.Phase)
	assert.Zero(t, f.driver.DeployCalls)
	assert.Zero(t, f.driver.RollbackCalls, "pre-mutation failure must not roll back")
	assert.False(t, f.lock.held)
}

func TestUpgrade_UnreachableImage_FailsInValidation(t *testing.T) {
	f := newOrchFixture(t)
	f.runtime.ImageAvailableFunc = func(ctx context.Context, ref string) (bool, error) {
		return false, nil
	}

	session, err := f.orch.Upgrade(context.Background(), UpgradeOptions{TargetVersion: "v1.3.0"})
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)

	assert.Equal(t, PhaseFailed, session.Phase)
	assert.Empty(t, f.migrator.BackupCalls, "validation failure must precede any backup")
	assert.False(t, f.lock.held)
}

func TestUpgrade_BackupFailure_NoRollback(t *testing.T) {
	f := newOrchFixture(t)
	f.migrator.BackupFunc = func(ctx context.Context, store config.StoreConfig) (*BackupRecord, error) {
		return nil, &BackupError{StoreID: store.ID, Wrapped: fmt.Errorf("snapshot export failed")}
	}

	session, err := f.orch.Upgrade(context.Background(), UpgradeOptions{TargetVersion: "v1.3.0"})
	var bErr *BackupError
	require.ErrorAs(t, err, &bErr)

	assert.Equal(t, PhaseFailed, session.Phase)
	assert.Zero(t, f.driver.DeployCalls)
	assert.Zero(t, f.driver.RollbackCalls)
}

func TestUpgrade_PartialBackupFailure_LinksNothing(t *testing.T) {
	f := newOrchFixture(t)
	f.cfg.Stores = append(f.cfg.Stores, config.StoreConfig{
		ID:             "metricsdb",
		Kind:           "influxdb",
		BackupCommand:  []string{"true"},
		RestoreCommand: []string{"true"},
	})
	f.migrator.BackupFunc = func(ctx context.Context, store config.StoreConfig) (*BackupRecord, error) {
		if store.ID == "metricsdb" {
			return nil, &BackupError{StoreID: store.ID, Wrapped: fmt.Errorf("snapshot export failed")}
		}
		return &BackupRecord{ID: GenerateID(), StoreID: store.ID, Checksum: "deadbeef"}, nil
	}

	session, err := f.orch.Upgrade(context.Background(), UpgradeOptions{TargetVersion: "v1.3.0"})
	var bErr *BackupError
	require.ErrorAs(t, err, &bErr)

	assert.Equal(t, PhaseFailed, session.Phase)
	assert.Equal(t, []string{"vectordb", "metricsdb"}, f.migrator.BackupCalls)
	// The finished vectordb artifact stays on disk as an orphan; the
	// session must not reference it.
	assert.Empty(t, session.BackupRefs)
	assert.Empty(t, session.RollbackPoint.BackupRefs)
}

func TestUpgrade_VerificationFailure_NoRollback(t *testing.T) {
	f := newOrchFixture(t)
	f.verifier.VerifyImagesFunc = func(ctx context.Context, refs []string) (*VerificationSummary, error) {
		return &VerificationSummary{AllVerified: false, Failed: []string{refs[0]}}, nil
	}

	session, err := f.orch.Upgrade(context.Background(), UpgradeOptions{TargetVersion: "v1.3.0"})
	var verErr *VerificationError
	require.ErrorAs(t, err, &verErr)

	assert.Equal(t, PhaseFailed, session.Phase)
	assert.Zero(t, f.driver.DeployCalls, "unverified images must never deploy")
}

func TestUpgrade_DeployFailure_RollsBack(t *testing.T) {
	f := newOrchFixture(t)
	f.driver.DeployErr = &DeploymentError{Strategy: StrategyParallelCutover, Wrapped: fmt.Errorf("start failed")}

	session, err := f.orch.Upgrade(context.Background(), UpgradeOptions{TargetVersion: "v1.3.0"})
	var depErr *DeploymentError
	require.ErrorAs(t, err, &depErr)

	assert.Equal(t, PhaseRolledBack, session.Phase)
	assert.Equal(t, 1, f.driver.RollbackCalls)
	assert.False(t, session.ManualInterventionRequired)

	phases := phaseSequence(session)
	require.GreaterOrEqual(t, len(phases), 2)
	assert.Equal(t, PhaseRollingBack, phases[len(phases)-2])
	assert.Equal(t, PhaseRolledBack, phases[len(phases)-1])
}

func TestUpgrade_HealthGateFailure_RollsBack(t *testing.T) {
	f := newOrchFixture(t)
	f.health.WaitHealthyFunc = func(ctx context.Context, defs []ProbeDefinition, opts WaitOptions) (*HealthReport, error) {
		return &HealthReport{Verdict: VerdictUnhealthy, FailedCritical: []string{"gateway"}},
			&HealthCheckError{Verdict: VerdictUnhealthy, Failed: []string{"gateway"}}
	}

	session, err := f.orch.Upgrade(context.Background(), UpgradeOptions{TargetVersion: "v1.3.0"})
	var hcErr *HealthCheckError
	require.ErrorAs(t, err, &hcErr)

	assert.Equal(t, PhaseRolledBack, session.Phase)
	assert.Equal(t, 1, f.driver.RollbackCalls)
	assert.Zero(t, f.driver.FinalizeCalls)
}

func TestUpgrade_DriverRollbackFailure_RedeploysSourceVersion(t *testing.T) {
	f := newOrchFixture(t)
	f.driver.DeployErr = fmt.Errorf("start failed")
	f.driver.RollbackErr = fmt.Errorf("previous generation gone")

	var versions, gens []string
	f.runtime.StartUnitFunc = func(ctx context.Context, unit config.UnitConfig, version, generation string) (string, error) {
		versions = append(versions, version)
		gens = append(gens, generation)
		return ContainerName(unit.Name, generation), nil
	}

	session, err := f.orch.Upgrade(context.Background(), UpgradeOptions{TargetVersion: "v1.3.0"})
	require.Error(t, err)

	// The driver could not restore the prior state, so the snapshots
	// are restored and the source version is brought back up directly;
	// the session still terminates rolled back.
	assert.Equal(t, PhaseRolledBack, session.Phase)
	assert.False(t, session.ManualInterventionRequired)
	assert.Len(t, f.migrator.RestoreCalls, 1)

	recovery := recoveryGenerationName(session.ID)
	require.Len(t, versions, 2)
	for i := range versions {
		assert.Equal(t, "v1.2.0", versions[i])
		assert.Equal(t, recovery, gens[i])
	}
	assert.Equal(t, recovery, f.router.ActiveGen)
}

func TestUpgrade_RollbackFailure_RequiresManualIntervention(t *testing.T) {
	f := newOrchFixture(t)
	f.driver.DeployErr = fmt.Errorf("start failed")
	f.driver.RollbackErr = fmt.Errorf("previous generation gone")
	// The last-resort redeploy of the source version fails too.
	f.runtime.StartUnitFunc = func(ctx context.Context, unit config.UnitConfig, version, generation string) (string, error) {
		return "", fmt.Errorf("runtime hung")
	}

	session, err := f.orch.Upgrade(context.Background(), UpgradeOptions{TargetVersion: "v1.3.0"})
	var rbErr *RollbackError
	require.ErrorAs(t, err, &rbErr)
	assert.Error(t, rbErr.RedeployErr)

	assert.Equal(t, PhaseFailed, session.Phase)
	assert.True(t, session.ManualInterventionRequired)
}

func TestUpgrade_RestoreFailure_RequiresManualIntervention(t *testing.T) {
	f := newOrchFixture(t)
	f.driver.DeployErr = fmt.Errorf("start failed")
	f.driver.RollbackErr = fmt.Errorf("previous generation gone")
	f.migrator.RestoreFunc = func(ctx context.Context, store config.StoreConfig, rec BackupRecord) error {
		return fmt.Errorf("snapshot corrupt")
	}

	session, err := f.orch.Upgrade(context.Background(), UpgradeOptions{TargetVersion: "v1.3.0"})
	var rbErr *RollbackError
	require.ErrorAs(t, err, &rbErr)
	assert.Error(t, rbErr.RestoreErr)

	assert.Equal(t, PhaseFailed, session.Phase)
	assert.True(t, session.ManualInterventionRequired)
	// A failed restore is fatal before any redeploy is attempted.
	assert.Empty(t, f.runtime.StartCalls)
}

func TestUpgrade_DryRun(t *testing.T) {
	f := newOrchFixture(t)

	session, err := f.orch.Upgrade(context.Background(), UpgradeOptions{
		TargetVersion: "v1.3.0",
		DryRun:        true,
	})
	require.NoError(t, err)

	assert.Equal(t, PhaseCompleted, session.Phase)
	assert.True(t, session.DryRun)

	// Validation runs for real; everything after is simulated.
	for _, rec := range session.PhaseHistory {
		switch rec.Phase {
		case PhaseCreated, PhaseValidating, PhaseCompleted:
		default:
			assert.Equal(t, OutcomeSimulated, rec.Outcome, "phase %s", rec.Phase)
		}
	}
	assert.Zero(t, f.driver.DeployCalls)
	assert.Empty(t, f.migrator.BackupCalls)
	assert.False(t, f.lock.held)
}

func TestUpgrade_SkipBackup(t *testing.T) {
	f := newOrchFixture(t)

	session, err := f.orch.Upgrade(context.Background(), UpgradeOptions{
		TargetVersion: "v1.3.0",
		SkipBackup:    true,
	})
	require.NoError(t, err)

	assert.Empty(t, f.migrator.BackupCalls)
	for _, rec := range session.PhaseHistory {
		if rec.Phase == PhaseBackingUp {
			assert.Equal(t, OutcomeSkipped, rec.Outcome)
		}
	}
}

func TestUpgrade_SkipVerification(t *testing.T) {
	f := newOrchFixture(t)

	session, err := f.orch.Upgrade(context.Background(), UpgradeOptions{
		TargetVersion:    "v1.3.0",
		SkipVerification: true,
	})
	require.NoError(t, err)

	assert.Empty(t, f.verifier.Calls)
	for _, rec := range session.PhaseHistory {
		if rec.Phase == PhaseVerifyingSignatures {
			assert.Equal(t, OutcomeSkipped, rec.Outcome)
		}
	}
}

func TestUpgrade_SessionConflict(t *testing.T) {
	f := newOrchFixture(t)
	f.lock.acquireErr = &process.ErrLockHeld{HolderPID: 4242, LockPath: "/tmp/l"}

	session, err := f.orch.Upgrade(context.Background(), UpgradeOptions{TargetVersion: "v1.3.0"})
	assert.Nil(t, session)
	var conflict *SessionConflictError
	require.ErrorAs(t, err, &conflict)
}

// =============================================================================
// Rollback
// =============================================================================

func TestRollback_MostRecentStuckSession(t *testing.T) {
	f := newOrchFixture(t)

	// Leave a session stranded: deploy failed, the automatic rollback
	// failed, and the hung runtime sank the source redeploy with it.
	f.driver.DeployErr = fmt.Errorf("start failed")
	f.driver.RollbackErr = fmt.Errorf("runtime hung")
	f.runtime.StartUnitFunc = func(ctx context.Context, unit config.UnitConfig, version, generation string) (string, error) {
		return "", fmt.Errorf("runtime hung")
	}
	stuck, err := f.orch.Upgrade(context.Background(), UpgradeOptions{TargetVersion: "v1.3.0"})
	require.Error(t, err)
	require.True(t, stuck.ManualInterventionRequired)

	// The operator retries after fixing the runtime.
	f.driver.RollbackErr = nil
	f.runtime.StartUnitFunc = nil
	session, err := f.orch.Rollback(context.Background(), RollbackOptions{})
	require.NoError(t, err)

	assert.Equal(t, stuck.ID, session.ID)
	assert.Equal(t, PhaseRolledBack, session.Phase)
	assert.False(t, session.ManualInterventionRequired)
	assert.False(t, f.lock.held)
}

func TestRollback_DefaultSkipsCompletedSessions(t *testing.T) {
	f := newOrchFixture(t)
	_, err := f.orch.Upgrade(context.Background(), UpgradeOptions{TargetVersion: "v1.3.0"})
	require.NoError(t, err)

	// Undoing a successful upgrade requires naming the session.
	_, err = f.orch.Rollback(context.Background(), RollbackOptions{})
	require.ErrorIs(t, err, ErrNoActiveSession)
}

func TestRollback_ExplicitCompletedSession(t *testing.T) {
	f := newOrchFixture(t)
	completed, err := f.orch.Upgrade(context.Background(), UpgradeOptions{TargetVersion: "v1.3.0"})
	require.NoError(t, err)

	session, err := f.orch.Rollback(context.Background(), RollbackOptions{SessionID: completed.ID})
	require.NoError(t, err)
	assert.Equal(t, completed.ID, session.ID)
	assert.Equal(t, PhaseRolledBack, session.Phase)
	assert.Equal(t, 1, f.driver.RollbackCalls)
}

func TestRollback_RestoreData(t *testing.T) {
	f := newOrchFixture(t)
	completed, err := f.orch.Upgrade(context.Background(), UpgradeOptions{TargetVersion: "v1.3.0"})
	require.NoError(t, err)

	_, err = f.orch.Rollback(context.Background(), RollbackOptions{
		SessionID:   completed.ID,
		RestoreData: true,
	})
	require.NoError(t, err)

	require.Len(t, f.migrator.RestoreCalls, 1)
}

func TestRollback_NoSessions(t *testing.T) {
	f := newOrchFixture(t)

	_, err := f.orch.Rollback(context.Background(), RollbackOptions{})
	require.ErrorIs(t, err, ErrNoActiveSession)
}

func TestRollback_SkipsDryRunSessions(t *testing.T) {
	f := newOrchFixture(t)
	_, err := f.orch.Upgrade(context.Background(), UpgradeOptions{
		TargetVersion: "v1.3.0",
		DryRun:        true,
	})
	require.NoError(t, err)

	_, err = f.orch.Rollback(context.Background(), RollbackOptions{})
	require.ErrorIs(t, err, ErrNoActiveSession)
}

// =============================================================================
// Status / Prune
// =============================================================================

func TestStatus(t *testing.T) {
	f := newOrchFixture(t)
	completed, err := f.orch.Upgrade(context.Background(), UpgradeOptions{TargetVersion: "v1.3.0"})
	require.NoError(t, err)

	report, err := f.orch.Status(context.Background())
	require.NoError(t, err)

	assert.Nil(t, report.Active, "terminal sessions are not active")
	require.NotNil(t, report.Latest)
	assert.Equal(t, completed.ID, report.Latest.ID)
	assert.Len(t, report.Units, 2)
	assert.Equal(t, "gen-previous", report.ActiveGeneration)
	assert.Empty(t, report.StoresNotReady)
}

func TestStatus_ReportsStoresNotReady(t *testing.T) {
	f := newOrchFixture(t)
	f.prober.ReadyFunc = func(ctx context.Context) (bool, error) {
		return false, nil
	}

	report, err := f.orch.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"vectordb"}, report.StoresNotReady)
}

func TestPrune_KeepsRecentSessions(t *testing.T) {
	f := newOrchFixture(t)
	_, err := f.orch.Upgrade(context.Background(), UpgradeOptions{TargetVersion: "v1.3.0"})
	require.NoError(t, err)

	removed, err := f.orch.Prune()
	require.NoError(t, err)
	assert.Zero(t, removed)
}
