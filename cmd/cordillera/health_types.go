package main

import (
	"time"
)

// =============================================================================
// PROBE TYPES
// =============================================================================

// ProbeKind selects how a unit is probed.
type ProbeKind string

const (
	// ProbeHTTP sends a GET and compares the status code.
	ProbeHTTP ProbeKind = "http"
	// ProbeTCP dials the host:port.
	ProbeTCP ProbeKind = "tcp"
	// ProbeContainer asks the container runtime for running state.
	ProbeContainer ProbeKind = "container"
)

// ProbeDefinition describes one health probe target.
//
// # Description
//
// Derived from the unit configuration plus the generation under test:
// the ContainerName points at a specific generation's container, so the
// same unit can be probed in both the live and the candidate
// generation.
type ProbeDefinition struct {
	// ID is a unique identifier for tracking.
	ID string
	// Name is the logical unit name.
	Name string
	// Kind selects the probe mechanism.
	Kind ProbeKind
	// URL is the endpoint for http and tcp probes.
	URL string
	// ContainerName is the target for container probes.
	ContainerName string
	// ExpectedStatus overrides the default 200 for http probes.
	ExpectedStatus int
	// Timeout overrides the evaluator's default per-probe timeout.
	Timeout time.Duration
	// Critical probes gate the verdict; non-critical ones only degrade it.
	Critical bool
}

// ProbeStatus is the point-in-time result of one probe.
type ProbeStatus struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Healthy    bool          `json:"healthy"`
	Message    string        `json:"message"`
	HTTPStatus int           `json:"http_status,omitempty"`
	Latency    time.Duration `json:"latency"`
	CheckedAt  time.Time     `json:"checked_at"`
}

// =============================================================================
// VERDICT
// =============================================================================

// HealthVerdict is the aggregate outcome of a probe round.
type HealthVerdict string

const (
	// VerdictHealthy means every probe passed.
	VerdictHealthy HealthVerdict = "healthy"
	// VerdictDegraded means all critical probes passed but at least one
	// non-critical probe failed.
	VerdictDegraded HealthVerdict = "degraded"
	// VerdictUnhealthy means at least one critical probe failed.
	VerdictUnhealthy HealthVerdict = "unhealthy"
)

// HealthReport aggregates one or more probe rounds into a verdict.
type HealthReport struct {
	// ID is a unique identifier for log correlation.
	ID string `json:"id"`
	// Verdict is the aggregate outcome.
	Verdict HealthVerdict `json:"verdict"`
	// Probes holds the most recent status per probe, input order.
	Probes []ProbeStatus `json:"probes"`
	// FailedCritical lists critical probes that never passed.
	FailedCritical []string `json:"failed_critical,omitempty"`
	// FailedOptional lists non-critical probes that never passed.
	FailedOptional []string `json:"failed_optional,omitempty"`
	// StartedAt and Duration cover the whole wait, not one round.
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// computeVerdict folds probe pass/fail state into a verdict given the
// probe definitions.
func computeVerdict(defs []ProbeDefinition, passed map[string]bool) HealthVerdict {
	verdict := VerdictHealthy
	for _, d := range defs {
		if passed[d.Name] {
			continue
		}
		if d.Critical {
			return VerdictUnhealthy
		}
		verdict = VerdictDegraded
	}
	return verdict
}

// =============================================================================
// WAIT OPTIONS
// =============================================================================

// WaitOptions tunes the WaitHealthy polling loop.
type WaitOptions struct {
	// Timeout bounds the whole wait.
	Timeout time.Duration
	// InitialInterval is the pause before the second round.
	InitialInterval time.Duration
	// MaxInterval caps backoff growth.
	MaxInterval time.Duration
	// Multiplier grows the interval each round.
	Multiplier float64
	// Jitter randomizes the interval by the given fraction.
	Jitter float64
	// FailFast stops after the first completed round in which any
	// critical probe has not passed, instead of polling until Timeout.
	FailFast bool
}

// DefaultWaitOptions returns the polling parameters used for
// post-deployment health gates.
func DefaultWaitOptions() WaitOptions {
	return WaitOptions{
		Timeout:         2 * time.Minute,
		InitialInterval: 1 * time.Second,
		MaxInterval:     10 * time.Second,
		Multiplier:      1.5,
		Jitter:          0.1,
	}
}
