package main

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy for the update engine. Each failure class maps to exactly
// one branch of the orchestrator state machine:
//
//   - ValidationError, BackupError, VerificationError: pre-mutation,
//     session terminates in failed with no rollback.
//   - DeploymentError, HealthCheckError: trigger rolling_back.
//   - RollbackError: terminal, escalated to manual intervention.
//   - SessionConflictError: a new session is rejected immediately.

// ErrNoActiveSession is returned when rollback or status is requested and
// no usable session exists.
var ErrNoActiveSession = errors.New("no update session found")

// ValidationError is a pre-flight failure. Nothing was mutated; the
// session simply stops.
type ValidationError struct {
	// Reason describes what failed validation.
	Reason string

	// Wrapped is the underlying error, if any.
	Wrapped error
}

func (e *ValidationError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("validation failed: %s: %v", e.Reason, e.Wrapped)
	}
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// BackupError is a failure while exporting or checksum-verifying a store
// snapshot. No deployment mutation has occurred when it is raised.
type BackupError struct {
	// StoreID names the store whose backup failed.
	StoreID string

	// Wrapped is the underlying error.
	Wrapped error
}

func (e *BackupError) Error() string {
	return fmt.Sprintf("backup of store %q failed: %v", e.StoreID, e.Wrapped)
}

func (e *BackupError) Unwrap() error { return e.Wrapped }

// VerificationError is a signature trust failure. It is a hard stop and is
// never auto-retried.
type VerificationError struct {
	// Failed lists the image references that did not verify.
	Failed []string

	// Wrapped is the underlying error for infrastructure failures
	// (including an unreachable transparency log, which is treated the
	// same as a failed check).
	Wrapped error
}

func (e *VerificationError) Error() string {
	if len(e.Failed) > 0 {
		return fmt.Sprintf("signature verification failed for %s", strings.Join(e.Failed, ", "))
	}
	return fmt.Sprintf("signature verification failed: %v", e.Wrapped)
}

func (e *VerificationError) Unwrap() error { return e.Wrapped }

// DeploymentError is a failure while applying a strategy. It always
// triggers rolling_back.
type DeploymentError struct {
	// Strategy is the strategy that was being applied.
	Strategy UpdateStrategy

	// Unit names the unit being worked on when the failure occurred.
	// Empty for generation-level failures.
	Unit string

	// Wrapped is the underlying error.
	Wrapped error
}

func (e *DeploymentError) Error() string {
	if e.Unit != "" {
		return fmt.Sprintf("%s deployment failed at unit %q: %v", e.Strategy, e.Unit, e.Wrapped)
	}
	return fmt.Sprintf("%s deployment failed: %v", e.Strategy, e.Wrapped)
}

func (e *DeploymentError) Unwrap() error { return e.Wrapped }

// HealthCheckError is a degraded or failing verdict on the fully deployed
// target. It always triggers rolling_back.
type HealthCheckError struct {
	// Verdict is the graded verdict that gated the phase.
	Verdict HealthVerdict

	// Failed lists the probes or stores that did not pass.
	Failed []string

	// Wrapped is the underlying error, if the evaluation itself failed.
	Wrapped error
}

func (e *HealthCheckError) Error() string {
	if len(e.Failed) > 0 {
		return fmt.Sprintf("health check verdict %s: failing: %s", e.Verdict, strings.Join(e.Failed, ", "))
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("health check failed: %v", e.Wrapped)
	}
	return fmt.Sprintf("health check verdict %s", e.Verdict)
}

func (e *HealthCheckError) Unwrap() error { return e.Wrapped }

// RollbackError means the system could not be returned to its previous
// state. It is the only failure mode the orchestrator cannot self-heal
// and is surfaced as a critical, manual-intervention-required condition.
type RollbackError struct {
	// SessionID identifies the session whose rollback failed.
	SessionID string

	// DriverErr is the deployment-level rollback failure.
	DriverErr error

	// RestoreErr is the store-restore failure, if the fallback also
	// failed. Nil when the driver failure alone was fatal.
	RestoreErr error

	// RedeployErr is the source-version redeploy failure, when the
	// fallback could not bring the previous version back up.
	RedeployErr error
}

func (e *RollbackError) Error() string {
	switch {
	case e.RestoreErr != nil:
		return fmt.Sprintf("rollback of session %s failed: driver: %v; store restore: %v (manual intervention required)",
			e.SessionID, e.DriverErr, e.RestoreErr)
	case e.RedeployErr != nil:
		return fmt.Sprintf("rollback of session %s failed: driver: %v; source redeploy: %v (manual intervention required)",
			e.SessionID, e.DriverErr, e.RedeployErr)
	default:
		return fmt.Sprintf("rollback of session %s failed: %v (manual intervention required)",
			e.SessionID, e.DriverErr)
	}
}

func (e *RollbackError) Unwrap() error { return e.DriverErr }

// SessionConflictError rejects a new session while another non-terminal
// session holds the target's lock. The new session never queues.
type SessionConflictError struct {
	// HolderPID is the PID of the lock holder, if known.
	HolderPID int

	// LockPath is the lock file path, for operator diagnostics.
	LockPath string
}

func (e *SessionConflictError) Error() string {
	if e.HolderPID > 0 {
		return fmt.Sprintf("another update session is active (PID %d)", e.HolderPID)
	}
	return fmt.Sprintf("another update session is active (check: lsof %s)", e.LockPath)
}

// IsConflict reports whether err is a session conflict.
func IsConflict(err error) bool {
	var conflict *SessionConflictError
	return errors.As(err, &conflict)
}
