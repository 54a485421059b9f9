package main

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// SignatureVerifier validates that container images were produced by a
// trusted build pipeline.
//
// # Description
//
// Verification is keyless: trust is established through a certificate
// identity bound to the build pipeline's OIDC issuer and recorded in a
// public transparency log, rather than a long-lived key held by the
// verifier. Checks run concurrently with bounded parallelism; each image
// has an independent timeout and failures are isolated — one failing
// image never cancels its siblings. Verification never mutates any
// deployment state.
//
// An unreachable transparency log is reported as a failed check, not a
// retryable fault; signature failures are a hard stop.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type SignatureVerifier interface {
	// VerifyImages checks every reference and returns one result per
	// image plus the aggregate. The error is non-nil only when the
	// verification infrastructure itself could not run.
	VerifyImages(ctx context.Context, refs []string) (*VerificationSummary, error)
}

// VerificationSummary aggregates per-image results.
//
// AllVerified is true only if every result is verified; Failed lists the
// specific references that were not, so the orchestrator can surface
// them verbatim.
type VerificationSummary struct {
	// Results maps image reference to its outcome.
	Results map[string]VerificationResult

	// Failed lists references that did not verify, sorted.
	Failed []string

	// AllVerified is true when the session may proceed.
	AllVerified bool

	// Duration is the total wall time of the verification phase.
	Duration time.Duration
}

// CosignVerifierConfig configures the keyless verifier.
//
// # Example
//
//	config := CosignVerifierConfig{
//	    IdentityRegexp: "^https://github.com/cordillera-sh/.+$",
//	    OIDCIssuer:     "https://token.actions.githubusercontent.com",
//	}
type CosignVerifierConfig struct {
	// CosignPath is the cosign binary. Default: "cosign".
	CosignPath string

	// IdentityRegexp matches the certificate identity of trusted builds.
	IdentityRegexp string

	// OIDCIssuer is the expected certificate OIDC issuer.
	OIDCIssuer string

	// RekorURL overrides the transparency log endpoint. Empty uses the
	// cosign default.
	RekorURL string

	// Parallelism bounds concurrent checks. Default: 4.
	Parallelism int

	// PerImageTimeout is the independent budget for each check.
	// Default: 60 seconds.
	PerImageTimeout time.Duration
}

// DefaultCosignVerifierConfig returns sensible defaults.
func DefaultCosignVerifierConfig() CosignVerifierConfig {
	return CosignVerifierConfig{
		CosignPath:      "cosign",
		Parallelism:     4,
		PerImageTimeout: 60 * time.Second,
	}
}

// CosignVerifier implements SignatureVerifier by shelling out to cosign.
//
// # Description
//
// Each image is checked with `cosign verify` in keyless mode. Stderr from
// a failed check becomes the result's Reason, verbatim — operators need
// the trust failure exactly as cosign reported it.
//
// # Limitations
//
//   - Requires the cosign binary on PATH (or CosignPath).
//   - Cannot distinguish "log unreachable" from "signature invalid";
//     both are hard stops.
type CosignVerifier struct {
	config CosignVerifierConfig
	runner CommandRunner
}

// NewCosignVerifier creates a verifier. A nil runner uses os/exec.
func NewCosignVerifier(config CosignVerifierConfig, runner CommandRunner) *CosignVerifier {
	if config.CosignPath == "" {
		config.CosignPath = "cosign"
	}
	if config.Parallelism <= 0 {
		config.Parallelism = 4
	}
	if config.PerImageTimeout <= 0 {
		config.PerImageTimeout = 60 * time.Second
	}
	if runner == nil {
		runner = NewExecRunner()
	}
	return &CosignVerifier{config: config, runner: runner}
}

// VerifyImages checks all references concurrently.
//
// # Description
//
// Runs up to Parallelism checks at once. Every check gets its own
// timeout context derived from ctx; a timeout or failure is recorded in
// that image's result and does not cancel the others. The aggregate is
// failed if any single result is.
//
// # Inputs
//
//   - ctx: Parent context. Cancellation stops scheduling new checks.
//   - refs: Image references to verify. Must be non-empty.
//
// # Outputs
//
//   - *VerificationSummary: One result per input reference.
//   - error: Non-nil only if refs is empty or ctx was cancelled before
//     any work ran.
func (v *CosignVerifier) VerifyImages(ctx context.Context, refs []string) (*VerificationSummary, error) {
	if len(refs) == 0 {
		return nil, fmt.Errorf("no image references to verify")
	}

	start := time.Now()
	summary := &VerificationSummary{
		Results: make(map[string]VerificationResult, len(refs)),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.config.Parallelism)

	for _, ref := range refs {
		g.Go(func() error {
			result := v.verifyOne(gctx, ref)
			mu.Lock()
			summary.Results[ref] = result
			mu.Unlock()
			// Failures are recorded, never returned: returning an error
			// here would cancel sibling checks through gctx.
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	summary.AllVerified = true
	for ref, result := range summary.Results {
		if !result.Verified {
			summary.AllVerified = false
			summary.Failed = append(summary.Failed, ref)
		}
	}
	sort.Strings(summary.Failed)
	summary.Duration = time.Since(start)

	return summary, nil
}

// verifyOne runs a single cosign check with its own timeout.
func (v *CosignVerifier) verifyOne(ctx context.Context, ref string) VerificationResult {
	checkCtx, cancel := context.WithTimeout(ctx, v.config.PerImageTimeout)
	defer cancel()

	args := []string{"verify"}
	if v.config.IdentityRegexp != "" {
		args = append(args, "--certificate-identity-regexp", v.config.IdentityRegexp)
	}
	if v.config.OIDCIssuer != "" {
		args = append(args, "--certificate-oidc-issuer", v.config.OIDCIssuer)
	}
	if v.config.RekorURL != "" {
		args = append(args, "--rekor-url", v.config.RekorURL)
	}
	args = append(args, ref)

	_, err := v.runner.Run(checkCtx, v.config.CosignPath, args...)

	result := VerificationResult{
		ImageRef:  ref,
		CheckedAt: time.Now().UTC(),
	}
	switch {
	case err == nil:
		result.Verified = true
	case checkCtx.Err() == context.DeadlineExceeded:
		result.Reason = fmt.Sprintf("verification timed out after %v", v.config.PerImageTimeout)
	default:
		if stderr := ExtractStderr(err); stderr != "" {
			result.Reason = stderr
		} else {
			result.Reason = err.Error()
		}
	}
	return result
}

// MockSignatureVerifier is a configurable mock for tests.
type MockSignatureVerifier struct {
	VerifyImagesFunc func(ctx context.Context, refs []string) (*VerificationSummary, error)

	// Calls records each invocation's references.
	Calls [][]string
	mu    sync.Mutex
}

// VerifyImages invokes VerifyImagesFunc, or verifies everything when
// unset.
func (m *MockSignatureVerifier) VerifyImages(ctx context.Context, refs []string) (*VerificationSummary, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, refs)
	m.mu.Unlock()

	if m.VerifyImagesFunc != nil {
		return m.VerifyImagesFunc(ctx, refs)
	}

	summary := &VerificationSummary{
		Results:     make(map[string]VerificationResult, len(refs)),
		AllVerified: true,
	}
	for _, ref := range refs {
		summary.Results[ref] = VerificationResult{ImageRef: ref, Verified: true, CheckedAt: time.Now()}
	}
	return summary, nil
}

// Compile-time interface checks
var (
	_ SignatureVerifier = (*CosignVerifier)(nil)
	_ SignatureVerifier = (*MockSignatureVerifier)(nil)
)
