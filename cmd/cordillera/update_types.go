package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionFormatVersion is bumped when the durable session format changes.
const SessionFormatVersion = "1.0.0"

// UpdateStrategy selects how deployment units are brought to the target
// version.
//
// # Description
//
// Two strategies are supported behind the same DeploymentDriver contract:
//
//   - parallel-cutover: a full second generation of units is started next
//     to the live one, and traffic is switched atomically once the new
//     generation is healthy.
//   - sequential-replace: units are replaced one at a time, each one
//     health-checked in isolation before the next is touched.
type UpdateStrategy string

const (
	// StrategyParallelCutover deploys a second generation and flips traffic.
	StrategyParallelCutover UpdateStrategy = "parallel-cutover"

	// StrategySequentialReplace replaces units in place, one at a time.
	StrategySequentialReplace UpdateStrategy = "sequential-replace"
)

// ParseStrategy parses a strategy name from CLI or config input.
//
// # Inputs
//
//   - s: Strategy name. Empty selects the default (parallel-cutover).
//
// # Outputs
//
//   - UpdateStrategy: The parsed strategy.
//   - error: Non-nil if the name is not a known strategy.
func ParseStrategy(s string) (UpdateStrategy, error) {
	switch s {
	case "", string(StrategyParallelCutover):
		return StrategyParallelCutover, nil
	case string(StrategySequentialReplace):
		return StrategySequentialReplace, nil
	default:
		return "", fmt.Errorf("unknown update strategy %q (want %q or %q)",
			s, StrategyParallelCutover, StrategySequentialReplace)
	}
}

// UpdatePhase is the current state of an update session.
//
// # Description
//
// Phases advance monotonically along the happy path and branch to
// rolling_back / rolled_back / failed on failure. A session's phase only
// moves forward when every earlier phase recorded a success outcome.
type UpdatePhase string

const (
	PhaseCreated             UpdatePhase = "created"
	PhaseValidating          UpdatePhase = "validating"
	PhaseBackingUp           UpdatePhase = "backing_up"
	PhaseVerifyingSignatures UpdatePhase = "verifying_signatures"
	PhaseDeploying           UpdatePhase = "deploying"
	PhaseHealthChecking      UpdatePhase = "health_checking"
	PhaseFinalizing          UpdatePhase = "finalizing"
	PhaseCompleted           UpdatePhase = "completed"
	PhaseRollingBack         UpdatePhase = "rolling_back"
	PhaseRolledBack          UpdatePhase = "rolled_back"
	PhaseFailed              UpdatePhase = "failed"
)

// Terminal reports whether the phase is a final state.
func (p UpdatePhase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseRolledBack, PhaseFailed:
		return true
	}
	return false
}

// Mutating reports whether deployment mutation may have occurred by the
// time this phase runs. Failures in non-mutating phases terminate the
// session without rollback.
func (p UpdatePhase) Mutating() bool {
	switch p {
	case PhaseDeploying, PhaseHealthChecking, PhaseFinalizing, PhaseRollingBack:
		return true
	}
	return false
}

// PhaseOutcome records how a phase ended.
type PhaseOutcome string

const (
	// OutcomeSuccess means the phase completed its work.
	OutcomeSuccess PhaseOutcome = "success"

	// OutcomeFailure means the phase failed; Detail carries the error.
	OutcomeFailure PhaseOutcome = "failure"

	// OutcomeSkipped means the phase was skipped by an operator flag.
	OutcomeSkipped PhaseOutcome = "skipped"

	// OutcomeSimulated means dry-run mode substituted a no-op.
	OutcomeSimulated PhaseOutcome = "simulated"
)

// PhaseRecord is one append-only entry in a session's phase history.
//
// # Description
//
// Records are written before the phase acts (with an empty outcome) and
// completed afterwards. They are never rewritten once a later record
// exists; together they form the audit trail used for post-incident
// forensics and resumability.
type PhaseRecord struct {
	// Phase is the phase this record covers.
	Phase UpdatePhase `json:"phase"`

	// StartedAt is when the phase began, before any side effect.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the phase ended. Zero while in flight.
	CompletedAt time.Time `json:"completed_at,omitzero"`

	// Outcome is empty while the phase is in flight.
	Outcome PhaseOutcome `json:"outcome,omitempty"`

	// Detail carries failure text or a short summary of what happened.
	Detail string `json:"detail,omitempty"`
}

// BackupRecord describes one point-in-time snapshot of a persistent store.
//
// # Description
//
// Immutable once created. Owned by the backup adapter; the session only
// references it. The checksum is computed immediately after export and is
// re-verified before any restore.
type BackupRecord struct {
	// ID uniquely identifies the backup artifact.
	ID string `json:"id"`

	// StoreID names the persistent store this snapshot belongs to.
	StoreID string `json:"store_id"`

	// Location is the local path of the artifact.
	Location string `json:"location"`

	// Checksum is the hex SHA256 of the artifact.
	Checksum string `json:"checksum"`

	// SizeBytes is the artifact size.
	SizeBytes int64 `json:"size_bytes"`

	// CreatedAt is when the snapshot finished.
	CreatedAt time.Time `json:"created_at"`

	// OffsiteLocation is the object path of the offsite copy, if one
	// was uploaded.
	OffsiteLocation string `json:"offsite_location,omitempty"`
}

// VerificationResult is the signature verification outcome for one image.
//
// # Description
//
// Computed once per session and cached on the session record; never
// silently recomputed. A failed check is a trust failure, not a transient
// fault, so Reason is surfaced verbatim.
type VerificationResult struct {
	// ImageRef is the fully qualified image reference that was checked.
	ImageRef string `json:"image_ref"`

	// Verified is true only if the keyless verification passed.
	Verified bool `json:"verified"`

	// Reason is free text explaining a failure. Empty on success.
	Reason string `json:"reason,omitempty"`

	// CheckedAt is when the check completed.
	CheckedAt time.Time `json:"checked_at"`
}

// RollbackPoint is what "undo" restores to.
//
// SourceVersion is frozen when the session starts; BackupRefs are attached
// as backups complete and never mutated afterwards.
type RollbackPoint struct {
	SourceVersion string         `json:"source_version"`
	BackupRefs    []BackupRecord `json:"backup_refs,omitempty"`
}

// UnitHealth is the health of a single deployment unit.
type UnitHealth string

const (
	UnitHealthUnknown   UnitHealth = "unknown"
	UnitHealthHealthy   UnitHealth = "healthy"
	UnitHealthUnhealthy UnitHealth = "unhealthy"
)

// DeploymentUnit is one running service replica.
//
// # Description
//
// Units are the only mutable deployment truth. They are always read
// through the DeploymentDriver's Status call, never cached, so an
// operator running `status` mid-update never sees stale data.
type DeploymentUnit struct {
	// Identity is the unit's container name.
	Identity string `json:"identity"`

	// Service is the logical service the unit belongs to.
	Service string `json:"service"`

	// Generation labels which deployment generation the unit is part of.
	Generation string `json:"generation,omitempty"`

	// CurrentVersion is the version the unit is running.
	CurrentVersion string `json:"current_version"`

	// DesiredVersion is the version the unit should converge to.
	DesiredVersion string `json:"desired_version,omitempty"`

	// Health is the last observed health state.
	Health UnitHealth `json:"health_status"`

	// LastCheckedAt is when Health was last observed.
	LastCheckedAt time.Time `json:"last_checked_at,omitzero"`
}

// UpdateSession is the root aggregate for one update attempt.
//
// # Description
//
// Exclusively owned by the orchestrator for its lifetime and persisted
// durably before any side-effecting operation ("log then act"). Exactly
// one non-terminal session may exist per deployment target, enforced by
// the session lock. Terminal sessions remain on disk as immutable
// historical records until pruned by retention policy.
//
// # Thread Safety
//
// UpdateSession is mutated only by the orchestrator goroutine.
type UpdateSession struct {
	// FormatVersion is the durable record format version.
	FormatVersion string `json:"format_version"`

	// ID is an opaque unique identifier generated at session start.
	ID string `json:"session_id"`

	// Strategy is the deployment strategy chosen for this session.
	Strategy UpdateStrategy `json:"strategy"`

	// SourceVersion is the running version captured at session start.
	SourceVersion string `json:"source_version"`

	// TargetVersion is the version this session upgrades to.
	TargetVersion string `json:"target_version"`

	// Phase is the current state. Monotonically advances except on
	// the rollback branch.
	Phase UpdatePhase `json:"phase"`

	// StartedAt is when the session was created.
	StartedAt time.Time `json:"started_at"`

	// FinishedAt is when the session reached a terminal phase.
	FinishedAt time.Time `json:"finished_at,omitzero"`

	// PhaseHistory is the append-only audit trail.
	PhaseHistory []PhaseRecord `json:"phase_history"`

	// BackupRefs are the snapshots created during this session, one per
	// persistent store.
	BackupRefs []BackupRecord `json:"backup_refs,omitempty"`

	// VerificationResults maps image reference to verification outcome.
	// Populated once per session.
	VerificationResults map[string]VerificationResult `json:"verification_results,omitempty"`

	// RollbackPoint is the frozen state a rollback restores to.
	RollbackPoint RollbackPoint `json:"rollback_point"`

	// DryRun is true when mutating operations are simulated.
	DryRun bool `json:"dry_run"`

	// Error is the terminal error text, if the session failed.
	Error string `json:"error,omitempty"`

	// ManualInterventionRequired is set only when rollback itself failed.
	// This is the one condition the orchestrator cannot self-heal.
	ManualInterventionRequired bool `json:"manual_intervention_required,omitempty"`
}

// NewUpdateSession creates a session in the created phase.
//
// # Inputs
//
//   - source: Currently deployed version.
//   - target: Version to upgrade to.
//   - strategy: Deployment strategy.
//   - dryRun: When true, mutating operations are simulated.
//
// # Outputs
//
//   - *UpdateSession: Session with a fresh ID and an initial created
//     phase record.
func NewUpdateSession(source, target string, strategy UpdateStrategy, dryRun bool) *UpdateSession {
	now := time.Now().UTC()
	return &UpdateSession{
		FormatVersion: SessionFormatVersion,
		ID:            uuid.NewString(),
		Strategy:      strategy,
		SourceVersion: source,
		TargetVersion: target,
		Phase:         PhaseCreated,
		StartedAt:     now,
		PhaseHistory: []PhaseRecord{{
			Phase:       PhaseCreated,
			StartedAt:   now,
			CompletedAt: now,
			Outcome:     OutcomeSuccess,
		}},
		RollbackPoint: RollbackPoint{SourceVersion: source},
		DryRun:        dryRun,
	}
}

// BeginPhase appends an in-flight record and advances Phase.
//
// The caller must persist the session before acting on the new phase.
func (s *UpdateSession) BeginPhase(phase UpdatePhase) *PhaseRecord {
	s.Phase = phase
	s.PhaseHistory = append(s.PhaseHistory, PhaseRecord{
		Phase:     phase,
		StartedAt: time.Now().UTC(),
	})
	return &s.PhaseHistory[len(s.PhaseHistory)-1]
}

// CompletePhase fills in the outcome of the most recent phase record.
func (s *UpdateSession) CompletePhase(outcome PhaseOutcome, detail string) {
	if len(s.PhaseHistory) == 0 {
		return
	}
	rec := &s.PhaseHistory[len(s.PhaseHistory)-1]
	rec.CompletedAt = time.Now().UTC()
	rec.Outcome = outcome
	rec.Detail = detail
}

// Finish moves the session to a terminal phase and stamps FinishedAt.
// The terminal record carries a failure outcome only for failed; a
// rolled-back session is a rollback that worked.
func (s *UpdateSession) Finish(phase UpdatePhase, errText string) {
	s.Phase = phase
	s.FinishedAt = time.Now().UTC()
	s.Error = errText
	outcome := OutcomeSuccess
	if phase == PhaseFailed {
		outcome = OutcomeFailure
	}
	s.PhaseHistory = append(s.PhaseHistory, PhaseRecord{
		Phase:       phase,
		StartedAt:   s.FinishedAt,
		CompletedAt: s.FinishedAt,
		Outcome:     outcome,
		Detail:      errText,
	})
}

// Terminal reports whether the session has reached a final phase.
func (s *UpdateSession) Terminal() bool {
	return s.Phase.Terminal()
}

// GenerateID returns a short random identifier for probe results and
// other sub-session records.
//
// # Limitations
//
//   - Not a UUID; shorter for readability in logs.
func GenerateID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return hex.EncodeToString([]byte(time.Now().Format("20060102150405.000")))[:16]
	}
	return hex.EncodeToString(b)
}
