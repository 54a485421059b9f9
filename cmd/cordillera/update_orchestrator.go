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
	"log/slog"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/mod/semver"

	"github.com/cordillera-sh/cordillera/cmd/cordillera/config"
)

// ===== OPTIONS =====

// UpgradeOptions are the operator-facing knobs for one upgrade attempt.
type UpgradeOptions struct {
	// TargetVersion is the version to upgrade to. Required.
	TargetVersion string

	// Strategy overrides the configured default strategy.
	Strategy string

	// DryRun walks the full phase sequence but simulates every mutating
	// operation. Validation runs for real.
	DryRun bool

	// SkipBackup skips the backup phase. The phase record says so; a
	// later rollback of this session cannot restore store data.
	SkipBackup bool

	// SkipVerification skips signature verification even when the
	// configuration enables it.
	SkipVerification bool
}

// RollbackOptions select what a manual rollback restores.
type RollbackOptions struct {
	// SessionID picks the session to roll back. Empty picks the most
	// recent session that is not already rolled back.
	SessionID string

	// RestoreData restores store snapshots from the session's backups
	// even when the deployment-level rollback succeeds.
	RestoreData bool
}

// StatusReport is what `cordillera update status` renders.
type StatusReport struct {
	// Active is the in-flight session, nil when none.
	Active *UpdateSession

	// Latest is the most recent session of any phase, nil when none.
	Latest *UpdateSession

	// Units is live unit state read from the runtime, never cached.
	Units []DeploymentUnit

	// ActiveGeneration is the generation the router points at.
	ActiveGeneration string

	// StoresNotReady lists stores failing their readiness probe.
	StoresNotReady []string
}

// ===== ORCHESTRATOR =====

// Orchestrator drives an update session through its phase sequence.
//
// # Description
//
// Single-writer owner of the session record. Every phase follows "log
// then act": the phase is recorded durably before its side effects run,
// so a crash leaves a record pointing at the phase that was in flight.
// Failures in phases before any mutation terminate the session; failures
// after mutation branch to rolling_back.
//
// # Thread Safety
//
// One Orchestrator per process invocation; Upgrade and Rollback are not
// called concurrently. Status is read-only and safe alongside another
// process's session because reads go through the durable store and the
// runtime.
type Orchestrator struct {
	store    SessionStore
	migrator StoreMigrator
	verifier SignatureVerifier
	health   HealthEvaluator
	runtime  UnitRuntime
	router   TrafficRouter
	probers  []StoreProber
	metrics  *UpdateMetrics
	cfg      *config.Config
	log      *slog.Logger

	// newDriver builds the strategy driver for a session.
	newDriver func(strategy UpdateStrategy) DeploymentDriver
}

// NewOrchestrator wires an orchestrator from its collaborators.
func NewOrchestrator(
	store SessionStore,
	migrator StoreMigrator,
	verifier SignatureVerifier,
	health HealthEvaluator,
	runtime UnitRuntime,
	router TrafficRouter,
	probers []StoreProber,
	metrics *UpdateMetrics,
	cfg *config.Config,
	log *slog.Logger,
) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		migrator: migrator,
		verifier: verifier,
		health:   health,
		runtime:  runtime,
		router:   router,
		probers:  probers,
		metrics:  metrics,
		cfg:      cfg,
		log:      log,
	}
	o.newDriver = func(strategy UpdateStrategy) DeploymentDriver {
		if strategy == StrategySequentialReplace {
			return NewSequentialReplaceDriver(runtime, router, health, cfg.Units, cfg.Update, log)
		}
		return NewParallelCutoverDriver(runtime, router, health, cfg.Units, cfg.Update, log)
	}
	return o
}

// Upgrade runs one full update session. The returned session is always
// non-nil once a session was created, so callers can render phase
// history even on failure.
func (o *Orchestrator) Upgrade(ctx context.Context, opts UpgradeOptions) (*UpdateSession, error) {
	strategyName := opts.Strategy
	if strategyName == "" {
		strategyName = o.cfg.Update.DefaultStrategy
	}
	strategy, err := ParseStrategy(strategyName)
	if err != nil {
		return nil, &ValidationError{Reason: "strategy", Wrapped: err}
	}

	source, err := o.currentVersion(ctx)
	if err != nil {
		o.log.Warn("could not determine running version", "error", err)
	}

	session := NewUpdateSession(source, opts.TargetVersion, strategy, opts.DryRun)
	if err := o.store.Create(session); err != nil {
		return nil, err
	}
	o.log.Info("update session created",
		"session_id", session.ID, "strategy", strategy,
		"source_version", source, "target_version", opts.TargetVersion,
		"dry_run", opts.DryRun)

	if err := o.runPhase(ctx, session, PhaseValidating, func(pc context.Context) (string, error) {
		return o.validate(pc, session, opts)
	}); err != nil {
		return o.fail(session, err)
	}

	if opts.DryRun {
		return o.simulateRemainder(session)
	}

	if err := o.runPhase(ctx, session, PhaseBackingUp, func(pc context.Context) (string, error) {
		return o.backupStores(pc, session, opts)
	}); err != nil {
		return o.fail(session, err)
	}

	if err := o.runPhase(ctx, session, PhaseVerifyingSignatures, func(pc context.Context) (string, error) {
		return o.verifySignatures(pc, session, opts)
	}); err != nil {
		return o.fail(session, err)
	}

	driver := o.newDriver(session.Strategy)

	if err := o.runPhase(ctx, session, PhaseDeploying, func(pc context.Context) (string, error) {
		outcome, err := driver.Deploy(pc, session)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("generation %s serving, %d units", outcome.Generation, len(outcome.Units)), nil
	}); err != nil {
		return o.rollbackAfter(ctx, session, driver, err)
	}

	if err := o.runPhase(ctx, session, PhaseHealthChecking, func(pc context.Context) (string, error) {
		return o.healthGate(pc, session)
	}); err != nil {
		return o.rollbackAfter(ctx, session, driver, err)
	}

	if err := o.runPhase(ctx, session, PhaseFinalizing, func(pc context.Context) (string, error) {
		if err := driver.Finalize(pc, session); err != nil {
			return "", err
		}
		return "superseded generation removed", nil
	}); err != nil {
		// The target is serving and healthy; a finalize failure leaves
		// stale resources, not a broken deployment.
		return o.rollbackAfter(ctx, session, driver, err)
	}

	session.Finish(PhaseCompleted, "")
	o.finishSession(session)
	o.log.Info("update complete",
		"session_id", session.ID, "version", session.TargetVersion,
		"duration", session.FinishedAt.Sub(session.StartedAt))
	return session, nil
}

// Rollback manually rolls back a session chosen by options.
func (o *Orchestrator) Rollback(ctx context.Context, opts RollbackOptions) (*UpdateSession, error) {
	session, err := o.pickRollbackSession(opts.SessionID)
	if err != nil {
		return nil, err
	}

	if err := o.store.Acquire(); err != nil {
		return nil, err
	}

	driver := o.newDriver(session.Strategy)
	rbErr := o.runPhase(ctx, session, PhaseRollingBack, func(pc context.Context) (string, error) {
		return o.executeRollback(pc, session, driver, opts.RestoreData)
	})
	if rbErr != nil {
		session.ManualInterventionRequired = true
		session.Finish(PhaseFailed, rbErr.Error())
		o.finishSession(session)
		o.metrics.ObserveRollback(false)
		return session, rbErr
	}

	session.ManualInterventionRequired = false
	session.Finish(PhaseRolledBack, "")
	o.finishSession(session)
	o.metrics.ObserveRollback(true)
	o.log.Info("rollback complete", "session_id", session.ID, "restored_version", session.RollbackPoint.SourceVersion)
	return session, nil
}

// Status reads live state without mutating anything.
func (o *Orchestrator) Status(ctx context.Context) (*StatusReport, error) {
	report := &StatusReport{}

	active, err := o.store.ListActive()
	if err != nil {
		return nil, err
	}
	if len(active) > 0 {
		report.Active = active[0]
	}
	all, err := o.store.List()
	if err != nil {
		return nil, err
	}
	if len(all) > 0 {
		report.Latest = all[0]
	}

	units, err := o.runtime.InspectUnits(ctx)
	if err != nil {
		return nil, err
	}
	report.Units = units

	gen, err := o.router.Active(ctx)
	if err != nil {
		return nil, err
	}
	report.ActiveGeneration = gen

	report.StoresNotReady = probeStores(ctx, o.probers, 5*time.Second)
	return report, nil
}

// Prune applies the retention policy to terminal session records.
func (o *Orchestrator) Prune() (int, error) {
	maxAge := time.Duration(o.cfg.Update.RetentionDays) * 24 * time.Hour
	return o.store.Prune(maxAge, o.cfg.Update.RetentionMinKeep)
}

// ===== PHASE EXECUTION =====

// runPhase records the phase, runs it under the phase timeout, records
// the outcome, and persists each transition before and after acting.
func (o *Orchestrator) runPhase(ctx context.Context, session *UpdateSession, phase UpdatePhase, fn func(context.Context) (string, error)) error {
	session.BeginPhase(phase)
	if err := o.store.Save(session); err != nil {
		return fmt.Errorf("recording phase %s: %w", phase, err)
	}
	o.log.Info("phase started", "session_id", session.ID, "phase", phase)

	phaseCtx, cancel := context.WithTimeout(ctx, o.cfg.Update.PhaseTimeout())
	defer cancel()

	start := time.Now()
	detail, err := fn(phaseCtx)

	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
		detail = err.Error()
	} else if strings.HasPrefix(detail, "skipped") {
		outcome = OutcomeSkipped
	}
	session.CompletePhase(outcome, detail)
	o.metrics.ObservePhase(phase, outcome, time.Since(start))

	if saveErr := o.store.Save(session); saveErr != nil {
		o.log.Error("failed to persist phase outcome", "phase", phase, "error", saveErr)
		if err == nil {
			return fmt.Errorf("persisting phase %s outcome: %w", phase, saveErr)
		}
	}
	if err != nil {
		o.log.Error("phase failed", "session_id", session.ID, "phase", phase, "error", err)
	} else {
		o.log.Info("phase complete", "session_id", session.ID, "phase", phase, "detail", detail)
	}
	return err
}

// fail terminates a session without rollback. Used for failures that
// precede any deployment mutation.
func (o *Orchestrator) fail(session *UpdateSession, err error) (*UpdateSession, error) {
	session.Finish(PhaseFailed, err.Error())
	o.finishSession(session)
	return session, err
}

// rollbackAfter handles a failure in a mutating phase: automatic
// rollback, with store restore as the fallback when the deployment-level
// rollback fails.
func (o *Orchestrator) rollbackAfter(ctx context.Context, session *UpdateSession, driver DeploymentDriver, cause error) (*UpdateSession, error) {
	o.log.Warn("mutating phase failed, rolling back",
		"session_id", session.ID, "cause", cause)

	// Rollback proceeds even when the original context was cancelled;
	// an operator's Ctrl+C must not strand a half-deployed target.
	rbCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		rbCtx, cancel = context.WithTimeout(context.Background(), o.cfg.Update.PhaseTimeout())
		defer cancel()
	}

	rbErr := o.runPhase(rbCtx, session, PhaseRollingBack, func(pc context.Context) (string, error) {
		return o.executeRollback(pc, session, driver, false)
	})
	if rbErr != nil {
		session.ManualInterventionRequired = true
		session.Finish(PhaseFailed, fmt.Sprintf("%v; rollback: %v", cause, rbErr))
		o.finishSession(session)
		o.metrics.ObserveRollback(false)
		return session, rbErr
	}

	session.Finish(PhaseRolledBack, cause.Error())
	o.finishSession(session)
	o.metrics.ObserveRollback(true)
	return session, cause
}

// executeRollback runs the deployment-level rollback. When the driver
// fails, or when the caller asked for data restore, store snapshots are
// restored; a driver failure additionally redeploys the source version
// directly through the runtime, so the session still terminates rolled
// back. Only a failed restore or redeploy escalates to RollbackError.
func (o *Orchestrator) executeRollback(ctx context.Context, session *UpdateSession, driver DeploymentDriver, restoreData bool) (string, error) {
	driverErr := driver.Rollback(ctx, session)
	if driverErr == nil && !restoreData {
		return fmt.Sprintf("restored version %s", session.RollbackPoint.SourceVersion), nil
	}

	if len(session.RollbackPoint.BackupRefs) > 0 {
		if restoreErr := o.restoreBackups(ctx, session); restoreErr != nil {
			return "", &RollbackError{SessionID: session.ID, DriverErr: driverErr, RestoreErr: restoreErr}
		}
	}

	if driverErr != nil {
		o.log.Warn("deployment-level rollback failed, redeploying source version",
			"session_id", session.ID,
			"source_version", session.RollbackPoint.SourceVersion, "error", driverErr)
		if redeployErr := o.redeploySource(ctx, session); redeployErr != nil {
			return "", &RollbackError{SessionID: session.ID, DriverErr: driverErr, RedeployErr: redeployErr}
		}
		return fmt.Sprintf("redeployed version %s after deployment-level rollback failed; %d store snapshots restored",
			session.RollbackPoint.SourceVersion, len(session.RollbackPoint.BackupRefs)), nil
	}

	if len(session.RollbackPoint.BackupRefs) == 0 {
		return "deployment rolled back; no backups to restore", nil
	}
	return fmt.Sprintf("restored version %s and %d store snapshots",
		session.RollbackPoint.SourceVersion, len(session.RollbackPoint.BackupRefs)), nil
}

// redeploySource starts a fresh generation of every unit at the
// rollback point's source version, gates it on health, and points
// traffic at it. Last-resort path: the driver's own rollback already
// failed, so whatever it left behind stays for operator cleanup rather
// than risking further destructive calls here.
func (o *Orchestrator) redeploySource(ctx context.Context, session *UpdateSession) error {
	version := session.RollbackPoint.SourceVersion
	if version == "" {
		return fmt.Errorf("rollback point has no source version")
	}
	gen := recoveryGenerationName(session.ID)

	for _, unit := range o.cfg.Units {
		err := retryBounded(ctx, o.cfg.Update.RetryAttempts, o.cfg.Update.RetryBackoff(), func() error {
			_, startErr := o.runtime.StartUnit(ctx, unit, version, gen)
			if startErr != nil {
				// Retries must not trip the name-in-use error.
				_ = o.runtime.RemoveUnit(ctx, ContainerName(unit.Name, gen))
			}
			return startErr
		})
		if err != nil {
			return fmt.Errorf("starting %s at %s: %w", unit.Name, version, err)
		}
	}

	if _, err := o.health.WaitHealthy(ctx, candidateProbes(o.cfg.Units, gen), DefaultWaitOptions()); err != nil {
		return fmt.Errorf("recovery generation %s: %w", gen, err)
	}
	if err := o.router.Switch(ctx, gen); err != nil {
		return fmt.Errorf("switching traffic to recovery generation %s: %w", gen, err)
	}
	o.log.Info("source version redeployed", "generation", gen, "version", version)
	return nil
}

// restoreBackups verifies and restores every snapshot in the rollback
// point, then waits for the stores to come back.
func (o *Orchestrator) restoreBackups(ctx context.Context, session *UpdateSession) error {
	storesByID := make(map[string]config.StoreConfig, len(o.cfg.Stores))
	for _, s := range o.cfg.Stores {
		storesByID[s.ID] = s
	}
	for _, rec := range session.RollbackPoint.BackupRefs {
		store, ok := storesByID[rec.StoreID]
		if !ok {
			return fmt.Errorf("backup %s references unknown store %q", rec.ID, rec.StoreID)
		}
		if err := o.migrator.Restore(ctx, store, rec); err != nil {
			return err
		}
	}

	if notReady := probeStores(ctx, o.probers, 30*time.Second); len(notReady) > 0 {
		return fmt.Errorf("stores not ready after restore: %s", strings.Join(notReady, ", "))
	}
	return nil
}

// finishSession persists the terminal record, releases the lock, and
// exports metrics. Failures here are logged, not returned; the session
// outcome is already decided.
func (o *Orchestrator) finishSession(session *UpdateSession) {
	o.metrics.ObserveSession(session)
	if err := o.store.Save(session); err != nil {
		o.log.Error("failed to persist terminal session", "session_id", session.ID, "error", err)
	}
	if err := o.store.Release(); err != nil {
		o.log.Warn("failed to release session lock", "error", err)
	}
	path := filepath.Join(o.cfg.StateDir, "cordillera_update.prom")
	if err := o.metrics.WriteTextfile(path); err != nil {
		o.log.Warn("failed to export metrics", "path", path, "error", err)
	}
}

// simulateRemainder records every post-validation phase as simulated
// and completes the dry-run session. The lock is released with it, so
// a dry run never blocks a real update for longer than validation.
func (o *Orchestrator) simulateRemainder(session *UpdateSession) (*UpdateSession, error) {
	for _, phase := range []UpdatePhase{
		PhaseBackingUp, PhaseVerifyingSignatures, PhaseDeploying,
		PhaseHealthChecking, PhaseFinalizing,
	} {
		session.BeginPhase(phase)
		session.CompletePhase(OutcomeSimulated, "dry run")
	}
	session.Finish(PhaseCompleted, "")
	o.finishSession(session)
	o.log.Info("dry run complete", "session_id", session.ID)
	return session, nil
}

// ===== PHASE BODIES =====

// validate is the pre-flight gate: version sanity, image reachability,
// disk headroom, and store readiness. Nothing is mutated.
func (o *Orchestrator) validate(ctx context.Context, session *UpdateSession, opts UpgradeOptions) (string, error) {
	target := canonicalVersion(session.TargetVersion)
	if !semver.IsValid(target) {
		return "", &ValidationError{Reason: fmt.Sprintf("target version %q is not valid semver", session.TargetVersion)}
	}
	if source := canonicalVersion(session.SourceVersion); semver.IsValid(source) {
		if semver.Compare(target, source) <= 0 {
			return "", &ValidationError{Reason: fmt.Sprintf(
				"target version %s is not newer than running version %s (use rollback to go back)",
				session.TargetVersion, session.SourceVersion)}
		}
	}

	for _, ref := range o.cfg.ImagesFor(session.TargetVersion) {
		ok, err := o.runtime.ImageAvailable(ctx, ref)
		if err != nil {
			return "", &ValidationError{Reason: fmt.Sprintf("checking image %s", ref), Wrapped: err}
		}
		if !ok {
			return "", &ValidationError{Reason: fmt.Sprintf("image %s not found in any configured registry", ref)}
		}
	}

	if !opts.SkipBackup && o.cfg.Update.MinDiskHeadroomMB > 0 {
		free, err := diskFreeMB(o.cfg.BackupDir)
		if err != nil {
			return "", &ValidationError{Reason: "checking backup disk headroom", Wrapped: err}
		}
		if free < o.cfg.Update.MinDiskHeadroomMB {
			return "", &ValidationError{Reason: fmt.Sprintf(
				"insufficient disk for backups: %d MB free, %d MB required", free, o.cfg.Update.MinDiskHeadroomMB)}
		}
	}

	if notReady := probeStores(ctx, o.probers, 10*time.Second); len(notReady) > 0 {
		return "", &ValidationError{Reason: fmt.Sprintf("stores not ready: %s", strings.Join(notReady, ", "))}
	}

	return fmt.Sprintf("%d images reachable, stores ready", len(o.cfg.Units)), nil
}

// backupStores snapshots every configured store. Records attach to the
// session only once every store has succeeded; a mid-phase failure
// leaves the finished artifacts on disk as orphans for manual
// inspection, never referenced by the session.
func (o *Orchestrator) backupStores(ctx context.Context, session *UpdateSession, opts UpgradeOptions) (string, error) {
	if opts.SkipBackup {
		return "skipped by --skip-backup", nil
	}
	if len(o.cfg.Stores) == 0 {
		return "skipped: no stores configured", nil
	}

	recs := make([]BackupRecord, 0, len(o.cfg.Stores))
	for _, store := range o.cfg.Stores {
		rec, err := o.migrator.Backup(ctx, store)
		if err != nil {
			return "", err
		}
		recs = append(recs, *rec)
	}

	session.BackupRefs = append(session.BackupRefs, recs...)
	session.RollbackPoint.BackupRefs = append(session.RollbackPoint.BackupRefs, recs...)
	for _, rec := range recs {
		o.metrics.ObserveBackup(rec)
	}
	if err := o.store.Save(session); err != nil {
		return "", fmt.Errorf("recording backups: %w", err)
	}
	return fmt.Sprintf("%d stores backed up", len(o.cfg.Stores)), nil
}

// verifySignatures checks every target image exactly once per session.
func (o *Orchestrator) verifySignatures(ctx context.Context, session *UpdateSession, opts UpgradeOptions) (string, error) {
	if opts.SkipVerification || !o.cfg.Verification.IsEnabled() {
		return "skipped: verification disabled", nil
	}

	refs := o.cfg.ImagesFor(session.TargetVersion)
	summary, err := o.verifier.VerifyImages(ctx, refs)
	if err != nil {
		return "", &VerificationError{Wrapped: err}
	}
	session.VerificationResults = summary.Results
	if !summary.AllVerified {
		o.metrics.ObserveVerificationFailures(len(summary.Failed))
		return "", &VerificationError{Failed: summary.Failed}
	}
	return fmt.Sprintf("%d images verified in %v", len(refs), summary.Duration.Round(time.Millisecond)), nil
}

// healthGate runs the full endpoint probes against the routed target
// generation plus the store readiness probes. A degraded verdict is
// allowed through with its detail recorded; unhealthy rolls back.
func (o *Orchestrator) healthGate(ctx context.Context, session *UpdateSession) (string, error) {
	gen := generationName(session.ID)
	report, err := o.health.WaitHealthy(ctx, routedProbes(o.cfg.Units, gen), DefaultWaitOptions())
	if err != nil {
		return "", err
	}

	if notReady := probeStores(ctx, o.probers, 10*time.Second); len(notReady) > 0 {
		return "", &HealthCheckError{Verdict: VerdictUnhealthy, Failed: notReady}
	}

	if report.Verdict == VerdictDegraded {
		return fmt.Sprintf("degraded: non-critical probes failing: %s",
			strings.Join(report.FailedOptional, ", ")), nil
	}
	return "all probes healthy", nil
}

// ===== HELPERS =====

// pickRollbackSession resolves the rollback target. An explicit ID may
// name any session, including a completed one. The default picks the
// most recent non-completed session, so undoing a successful upgrade
// requires naming it.
func (o *Orchestrator) pickRollbackSession(sessionID string) (*UpdateSession, error) {
	if sessionID != "" {
		return o.store.Get(sessionID)
	}
	sessions, err := o.store.List()
	if err != nil {
		return nil, err
	}
	for _, s := range sessions {
		if s.Phase == PhaseCompleted || s.Phase == PhaseRolledBack || s.DryRun {
			continue
		}
		return s, nil
	}
	return nil, ErrNoActiveSession
}

// currentVersion reads the running version off the routed generation's
// unit labels.
func (o *Orchestrator) currentVersion(ctx context.Context) (string, error) {
	gen, err := o.router.Active(ctx)
	if err != nil {
		return "", err
	}
	units, err := o.runtime.InspectUnits(ctx)
	if err != nil {
		return "", err
	}
	for _, u := range units {
		if gen != "" && u.Generation != gen {
			continue
		}
		if u.CurrentVersion != "" {
			return u.CurrentVersion, nil
		}
	}
	return "", nil
}

// canonicalVersion normalizes to the v-prefixed form semver expects.
func canonicalVersion(v string) string {
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		return "v" + v
	}
	return v
}

// diskFreeMB returns free megabytes on the filesystem holding path,
// walking up to the nearest existing ancestor.
func diskFreeMB(path string) (int64, error) {
	var stat syscall.Statfs_t
	probe := path
	for {
		if err := syscall.Statfs(probe, &stat); err == nil {
			break
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			return 0, fmt.Errorf("statfs %s: no existing ancestor", path)
		}
		probe = parent
	}
	return int64(stat.Bavail) * int64(stat.Bsize) / (1024 * 1024), nil
}
