package main

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// =============================================================================
// INTERFACES
// =============================================================================

// HealthEvaluator probes deployment units and renders a verdict.
//
// # Description
//
// Supports http, tcp, and container probes. Probe rounds run in
// parallel with the launch rate paced by a token bucket so a large unit
// set does not stampede a host that is mid-deployment. WaitHealthy
// polls with exponential backoff until all critical probes pass, the
// context is cancelled, or the timeout expires.
//
// # Outputs
//
// Every method returns a report or statuses with unique IDs and
// timestamps for log correlation.
//
// # Thread Safety
//   - Implementations must be safe for concurrent use.
//
// # Limitations
//   - Binary probe outcomes; the degraded verdict comes from the
//     critical/non-critical split, not from partial probe results.
type HealthEvaluator interface {
	// Probe runs a single probe once, no retries.
	Probe(ctx context.Context, def ProbeDefinition) (*ProbeStatus, error)

	// ProbeAll runs every probe once, in parallel, preserving order.
	ProbeAll(ctx context.Context, defs []ProbeDefinition) ([]ProbeStatus, error)

	// WaitHealthy polls until all critical probes pass or the timeout
	// expires. The returned report is non-nil even on error. A
	// *HealthCheckError is returned when the verdict is unhealthy at
	// the deadline.
	WaitHealthy(ctx context.Context, defs []ProbeDefinition, opts WaitOptions) (*HealthReport, error)
}

// probeHTTPClient abstracts HTTP for probe injection in tests.
type probeHTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// =============================================================================
// CONFIG
// =============================================================================

// EvaluatorConfig tunes DefaultHealthEvaluator.
type EvaluatorConfig struct {
	// DefaultTimeout bounds a single probe when the definition does not
	// override it.
	DefaultTimeout time.Duration
	// DefaultExpectedStatus is the http success code when the
	// definition does not override it.
	DefaultExpectedStatus int
	// ProbesPerSecond paces probe launches across a round.
	ProbesPerSecond rate.Limit
	// ProbeBurst is the token bucket size.
	ProbeBurst int
}

// DefaultEvaluatorConfig returns production probe settings.
func DefaultEvaluatorConfig() EvaluatorConfig {
	return EvaluatorConfig{
		DefaultTimeout:        5 * time.Second,
		DefaultExpectedStatus: http.StatusOK,
		ProbesPerSecond:       20,
		ProbeBurst:            10,
	}
}

// =============================================================================
// IMPLEMENTATION
// =============================================================================

// DefaultHealthEvaluator is the production HealthEvaluator.
type DefaultHealthEvaluator struct {
	runner     CommandRunner
	httpClient probeHTTPClient
	limiter    *rate.Limiter
	runtimeBin string
	config     EvaluatorConfig
}

var _ HealthEvaluator = (*DefaultHealthEvaluator)(nil)

// NewDefaultHealthEvaluator builds an evaluator using the given runner
// for container probes and runtimeBin as the container runtime binary.
func NewDefaultHealthEvaluator(runner CommandRunner, runtimeBin string, config EvaluatorConfig) *DefaultHealthEvaluator {
	return &DefaultHealthEvaluator{
		runner:     runner,
		runtimeBin: runtimeBin,
		config:     config,
		limiter:    rate.NewLimiter(config.ProbesPerSecond, config.ProbeBurst),
		httpClient: &http.Client{
			Timeout: config.DefaultTimeout,
			Transport: &http.Transport{
				DisableKeepAlives: true,
			},
		},
	}
}

// NewHealthEvaluatorWithHTTPClient injects a custom HTTP client, used
// by tests to stub probe responses.
func NewHealthEvaluatorWithHTTPClient(runner CommandRunner, runtimeBin string, config EvaluatorConfig, client probeHTTPClient) *DefaultHealthEvaluator {
	e := NewDefaultHealthEvaluator(runner, runtimeBin, config)
	e.httpClient = client
	return e
}

// Probe runs a single probe once.
func (e *DefaultHealthEvaluator) Probe(ctx context.Context, def ProbeDefinition) (*ProbeStatus, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	status := &ProbeStatus{
		ID:        GenerateID(),
		Name:      def.Name,
		CheckedAt: start,
	}

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = e.config.DefaultTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch def.Kind {
	case ProbeHTTP:
		e.probeHTTP(probeCtx, def, status)
	case ProbeTCP:
		e.probeTCP(probeCtx, def, status)
	case ProbeContainer:
		e.probeContainer(probeCtx, def, status)
	default:
		status.Healthy = false
		status.Message = fmt.Sprintf("unknown probe kind: %s", def.Kind)
		return status, fmt.Errorf("unknown probe kind: %s", def.Kind)
	}

	status.Latency = time.Since(start)
	return status, nil
}

// ProbeAll runs every probe once in parallel, preserving input order.
func (e *DefaultHealthEvaluator) ProbeAll(ctx context.Context, defs []ProbeDefinition) ([]ProbeStatus, error) {
	if len(defs) == 0 {
		return []ProbeStatus{}, nil
	}

	results := make([]ProbeStatus, len(defs))
	var wg sync.WaitGroup
	for i, def := range defs {
		wg.Add(1)
		go func(idx int, d ProbeDefinition) {
			defer wg.Done()
			status, err := e.Probe(ctx, d)
			if status == nil {
				status = &ProbeStatus{
					ID:        GenerateID(),
					Name:      d.Name,
					Healthy:   false,
					Message:   fmt.Sprintf("probe aborted: %v", err),
					CheckedAt: time.Now(),
				}
			}
			results[idx] = *status
		}(i, def)
	}
	wg.Wait()
	return results, nil
}

// WaitHealthy polls with exponential backoff until all critical probes
// pass or the timeout expires.
func (e *DefaultHealthEvaluator) WaitHealthy(ctx context.Context, defs []ProbeDefinition, opts WaitOptions) (*HealthReport, error) {
	start := time.Now()
	report := &HealthReport{
		ID:        GenerateID(),
		StartedAt: start,
	}

	waitCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	passed := make(map[string]bool, len(defs))
	interval := opts.InitialInterval

	for {
		statuses, err := e.ProbeAll(waitCtx, defs)
		if err == nil {
			report.Probes = statuses
			for _, s := range statuses {
				if s.Healthy {
					passed[s.Name] = true
				}
			}
			if allCriticalPassed(defs, passed) {
				report.Verdict = computeVerdict(defs, passed)
				report.Duration = time.Since(start)
				e.fillFailed(defs, passed, report)
				return report, nil
			}
			if opts.FailFast {
				report.Verdict = computeVerdict(defs, passed)
				report.Duration = time.Since(start)
				e.fillFailed(defs, passed, report)
				return report, &HealthCheckError{Verdict: report.Verdict, Failed: report.FailedCritical}
			}
		}

		select {
		case <-waitCtx.Done():
			report.Verdict = computeVerdict(defs, passed)
			report.Duration = time.Since(start)
			e.fillFailed(defs, passed, report)
			if ctx.Err() != nil {
				return report, fmt.Errorf("health wait cancelled: %w", ctx.Err())
			}
			return report, &HealthCheckError{Verdict: report.Verdict, Failed: report.FailedCritical}
		case <-time.After(applyJitter(interval, opts.Jitter)):
		}
		interval = nextInterval(interval, opts.MaxInterval, opts.Multiplier)
	}
}

func (e *DefaultHealthEvaluator) fillFailed(defs []ProbeDefinition, passed map[string]bool, report *HealthReport) {
	for _, d := range defs {
		if passed[d.Name] {
			continue
		}
		if d.Critical {
			report.FailedCritical = append(report.FailedCritical, d.Name)
		} else {
			report.FailedOptional = append(report.FailedOptional, d.Name)
		}
	}
}

func allCriticalPassed(defs []ProbeDefinition, passed map[string]bool) bool {
	for _, d := range defs {
		if d.Critical && !passed[d.Name] {
			return false
		}
	}
	return true
}

// applyJitter multiplies the interval by a factor in [1-j, 1+j].
func applyJitter(interval time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return interval
	}
	factor := 1.0 + (rand.Float64()*2-1)*jitter
	return time.Duration(float64(interval) * factor)
}

func nextInterval(current, max time.Duration, multiplier float64) time.Duration {
	next := time.Duration(float64(current) * multiplier)
	if next > max {
		return max
	}
	return next
}

// =============================================================================
// PROBE KIND METHODS
// =============================================================================

func (e *DefaultHealthEvaluator) probeHTTP(ctx context.Context, def ProbeDefinition, status *ProbeStatus) {
	if def.URL == "" {
		status.Healthy = false
		status.Message = "no URL configured for http probe"
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, def.URL, nil)
	if err != nil {
		status.Healthy = false
		status.Message = fmt.Sprintf("failed to create request: %v", err)
		return
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		status.Healthy = false
		status.Message = fmt.Sprintf("request failed: %v", err)
		return
	}
	defer resp.Body.Close()

	status.HTTPStatus = resp.StatusCode
	expected := e.config.DefaultExpectedStatus
	if def.ExpectedStatus > 0 {
		expected = def.ExpectedStatus
	}
	if resp.StatusCode == expected {
		status.Healthy = true
		status.Message = fmt.Sprintf("HTTP %d", resp.StatusCode)
	} else {
		status.Healthy = false
		status.Message = fmt.Sprintf("HTTP %d (expected %d)", resp.StatusCode, expected)
	}
}

func (e *DefaultHealthEvaluator) probeTCP(ctx context.Context, def ProbeDefinition, status *ProbeStatus) {
	if def.URL == "" {
		status.Healthy = false
		status.Message = "no URL configured for tcp probe"
		return
	}

	host := strings.TrimPrefix(def.URL, "tcp://")
	host = strings.TrimPrefix(host, "http://")
	host = strings.TrimPrefix(host, "https://")

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		status.Healthy = false
		status.Message = fmt.Sprintf("TCP connection failed: %v", err)
		return
	}
	defer conn.Close()

	status.Healthy = true
	status.Message = "TCP port open"
}

func (e *DefaultHealthEvaluator) probeContainer(ctx context.Context, def ProbeDefinition, status *ProbeStatus) {
	if def.ContainerName == "" {
		status.Healthy = false
		status.Message = "no container name configured"
		return
	}

	out, err := e.runner.Run(ctx, e.runtimeBin, "inspect", "--format", "{{.State.Running}}", def.ContainerName)
	if err != nil {
		status.Healthy = false
		status.Message = fmt.Sprintf("container not found: %v", err)
		return
	}
	if strings.TrimSpace(out) == "true" {
		status.Healthy = true
		status.Message = "container running"
	} else {
		status.Healthy = false
		status.Message = "container not running"
	}
}

// =============================================================================
// MOCK
// =============================================================================

// MockHealthEvaluator records calls for tests.
type MockHealthEvaluator struct {
	ProbeFunc       func(ctx context.Context, def ProbeDefinition) (*ProbeStatus, error)
	ProbeAllFunc    func(ctx context.Context, defs []ProbeDefinition) ([]ProbeStatus, error)
	WaitHealthyFunc func(ctx context.Context, defs []ProbeDefinition, opts WaitOptions) (*HealthReport, error)

	ProbeCalls       []ProbeDefinition
	ProbeAllCalls    [][]ProbeDefinition
	WaitHealthyCalls [][]ProbeDefinition
	mu               sync.Mutex
}

var _ HealthEvaluator = (*MockHealthEvaluator)(nil)

func (m *MockHealthEvaluator) Probe(ctx context.Context, def ProbeDefinition) (*ProbeStatus, error) {
	m.mu.Lock()
	m.ProbeCalls = append(m.ProbeCalls, def)
	m.mu.Unlock()
	if m.ProbeFunc != nil {
		return m.ProbeFunc(ctx, def)
	}
	return &ProbeStatus{ID: GenerateID(), Name: def.Name, Healthy: true, CheckedAt: time.Now()}, nil
}

func (m *MockHealthEvaluator) ProbeAll(ctx context.Context, defs []ProbeDefinition) ([]ProbeStatus, error) {
	m.mu.Lock()
	m.ProbeAllCalls = append(m.ProbeAllCalls, defs)
	m.mu.Unlock()
	if m.ProbeAllFunc != nil {
		return m.ProbeAllFunc(ctx, defs)
	}
	statuses := make([]ProbeStatus, len(defs))
	for i, d := range defs {
		statuses[i] = ProbeStatus{ID: GenerateID(), Name: d.Name, Healthy: true, CheckedAt: time.Now()}
	}
	return statuses, nil
}

func (m *MockHealthEvaluator) WaitHealthy(ctx context.Context, defs []ProbeDefinition, opts WaitOptions) (*HealthReport, error) {
	m.mu.Lock()
	m.WaitHealthyCalls = append(m.WaitHealthyCalls, defs)
	m.mu.Unlock()
	if m.WaitHealthyFunc != nil {
		return m.WaitHealthyFunc(ctx, defs, opts)
	}
	return &HealthReport{ID: GenerateID(), Verdict: VerdictHealthy, StartedAt: time.Now()}, nil
}
