package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cordillera-sh/cordillera/cmd/cordillera/config"
)

// Container labels tying a container to its generation and version.
const (
	labelGeneration = "sh.cordillera.generation"
	labelUnit       = "sh.cordillera.unit"
	labelVersion    = "sh.cordillera.version"
)

// generationName derives the runtime generation label for a session.
// Short so it fits in container names.
func generationName(sessionID string) string {
	id := strings.ReplaceAll(sessionID, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	return "gen-" + id
}

// recoveryGenerationName labels units redeployed at the source version
// when a rollback falls back to a direct redeploy. Distinct from the
// session's own generation so leftovers of the failed deploy never
// collide with the recovery containers.
func recoveryGenerationName(sessionID string) string {
	return generationName(sessionID) + "-r"
}

// ===== INTERFACES =====

// DeploymentDriver executes one strategy's deploy, rollback, and
// finalize behavior.
//
// # Description
//
// The orchestrator picks the driver from the session's strategy and
// calls the three lifecycle methods in order. Deploy brings the target
// version up (including its health gate), Rollback undoes whatever
// Deploy managed to do, and Finalize commits the result and removes
// superseded resources. Status reads live unit state without caching.
//
// # Thread Safety
//   - A driver instance serves one session at a time.
type DeploymentDriver interface {
	// Deploy brings up the target version per the strategy and gates on
	// health. Returns a *DeploymentError or *HealthCheckError on
	// failure; the session is then eligible for Rollback.
	Deploy(ctx context.Context, session *UpdateSession) (*DeployOutcome, error)

	// Rollback returns traffic and units to the session's source
	// version. Safe to call after a partial Deploy.
	Rollback(ctx context.Context, session *UpdateSession) error

	// Finalize commits the target version: removes superseded units
	// after the grace period and durably records the new version.
	Finalize(ctx context.Context, session *UpdateSession) error

	// Status reports the live units this driver knows about.
	Status(ctx context.Context) ([]DeploymentUnit, error)
}

// DeployOutcome summarizes a successful Deploy call.
type DeployOutcome struct {
	// Generation is the runtime generation that now serves traffic
	// (parallel) or was converged in place (sequential).
	Generation string

	// Units are the containers started, in deploy order.
	Units []string

	// Report is the health gate that admitted the generation.
	Report *HealthReport
}

// UnitRuntime manages containers for deployment units.
//
// # Description
//
// Thin layer over the container runtime CLI. Every started container
// carries generation, unit, and version labels so a later invocation
// can reconstruct deployment state from the runtime alone.
type UnitRuntime interface {
	// StartUnit runs a unit's container for a generation and returns
	// the container name. Containers attach to the shared network and
	// publish no host ports; ingress goes through the routed proxy, so
	// two generations can coexist.
	StartUnit(ctx context.Context, unit config.UnitConfig, version, generation string) (string, error)

	// StartExisting starts a previously stopped container again.
	StartExisting(ctx context.Context, containerName string) error

	// StopUnit stops a container, tolerating already-stopped.
	StopUnit(ctx context.Context, containerName string) error

	// RemoveUnit force-removes a container, tolerating already-gone.
	RemoveUnit(ctx context.Context, containerName string) error

	// ListGeneration returns container names carrying the generation
	// label, running or not.
	ListGeneration(ctx context.Context, generation string) ([]string, error)

	// InspectUnits returns labeled deployment units visible to the
	// runtime.
	InspectUnits(ctx context.Context) ([]DeploymentUnit, error)

	// ImageAvailable reports whether the image reference resolves in
	// the configured registries.
	ImageAvailable(ctx context.Context, ref string) (bool, error)

	// Pull fetches an image so deploys do not block on registry
	// latency.
	Pull(ctx context.Context, ref string) error
}

// TrafficRouter switches which generation receives traffic.
//
// # Description
//
// The routing pointer is the single cutover primitive: whichever
// generation it names is live. Switch must be atomic so readers never
// observe a partial pointer.
type TrafficRouter interface {
	// Active returns the generation currently receiving traffic, or
	// empty when no pointer exists yet.
	Active(ctx context.Context) (string, error)

	// Switch atomically repoints traffic at the generation and runs the
	// configured reload hook.
	Switch(ctx context.Context, generation string) error
}

// ===== PODMAN RUNTIME =====

// PodmanRuntime drives containers through the podman CLI.
type PodmanRuntime struct {
	runner  CommandRunner
	binary  string
	network string
	log     *slog.Logger
}

var _ UnitRuntime = (*PodmanRuntime)(nil)

// NewPodmanRuntime builds a runtime from config.
func NewPodmanRuntime(runner CommandRunner, rc config.RuntimeConfig, log *slog.Logger) *PodmanRuntime {
	return &PodmanRuntime{
		runner:  runner,
		binary:  rc.Binary,
		network: rc.Network,
		log:     log,
	}
}

// ContainerName returns the deterministic container name for a unit in
// a generation.
func ContainerName(unitName, generation string) string {
	return fmt.Sprintf("cordillera-%s-%s", unitName, generation)
}

func (r *PodmanRuntime) StartUnit(ctx context.Context, unit config.UnitConfig, version, generation string) (string, error) {
	name := ContainerName(unit.Name, generation)
	args := []string{
		"run", "-d",
		"--name", name,
		"--label", labelGeneration + "=" + generation,
		"--label", labelUnit + "=" + unit.Name,
		"--label", labelVersion + "=" + version,
	}
	if r.network != "" {
		args = append(args, "--network", r.network)
	}
	// Sorted for a stable command line.
	envKeys := make([]string, 0, len(unit.Env))
	for k := range unit.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	for _, k := range envKeys {
		args = append(args, "-e", k+"="+unit.Env[k])
	}
	args = append(args, unit.ImageRef(version))

	if _, err := r.runner.Run(ctx, r.binary, args...); err != nil {
		return "", fmt.Errorf("starting unit %s: %w", unit.Name, err)
	}
	r.log.Info("unit started", "unit", unit.Name, "container", name, "version", version, "generation", generation)
	return name, nil
}

func (r *PodmanRuntime) StartExisting(ctx context.Context, containerName string) error {
	if _, err := r.runner.Run(ctx, r.binary, "start", containerName); err != nil {
		return fmt.Errorf("restarting container %s: %w", containerName, err)
	}
	return nil
}

func (r *PodmanRuntime) StopUnit(ctx context.Context, containerName string) error {
	if _, err := r.runner.Run(ctx, r.binary, "stop", "--time", "10", containerName); err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("stopping container %s: %w", containerName, err)
	}
	return nil
}

func (r *PodmanRuntime) RemoveUnit(ctx context.Context, containerName string) error {
	if _, err := r.runner.Run(ctx, r.binary, "rm", "-f", containerName); err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("removing container %s: %w", containerName, err)
	}
	return nil
}

func (r *PodmanRuntime) ListGeneration(ctx context.Context, generation string) ([]string, error) {
	out, err := r.runner.Run(ctx, r.binary,
		"ps", "-a",
		"--filter", "label="+labelGeneration+"="+generation,
		"--format", "{{.Names}}")
	if err != nil {
		return nil, fmt.Errorf("listing generation %s: %w", generation, err)
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

func (r *PodmanRuntime) InspectUnits(ctx context.Context) ([]DeploymentUnit, error) {
	format := fmt.Sprintf(`{{.Names}}|{{index .Labels "%s"}}|{{index .Labels "%s"}}|{{index .Labels "%s"}}|{{.State}}`,
		labelUnit, labelGeneration, labelVersion)
	out, err := r.runner.Run(ctx, r.binary,
		"ps", "-a",
		"--filter", "label="+labelUnit,
		"--format", format)
	if err != nil {
		return nil, fmt.Errorf("inspecting units: %w", err)
	}

	now := time.Now().UTC()
	var units []DeploymentUnit
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line = strings.TrimSpace(line); line == "" {
			continue
		}
		fields := strings.SplitN(line, "|", 5)
		if len(fields) != 5 {
			continue
		}
		health := UnitHealthUnknown
		switch strings.ToLower(fields[4]) {
		case "running":
			health = UnitHealthHealthy
		case "exited", "stopped", "dead":
			health = UnitHealthUnhealthy
		}
		units = append(units, DeploymentUnit{
			Identity:       fields[0],
			Service:        fields[1],
			Generation:     fields[2],
			CurrentVersion: fields[3],
			Health:         health,
			LastCheckedAt:  now,
		})
	}
	return units, nil
}

func (r *PodmanRuntime) ImageAvailable(ctx context.Context, ref string) (bool, error) {
	// Local image first, registry manifest second.
	if _, err := r.runner.Run(ctx, r.binary, "image", "exists", ref); err == nil {
		return true, nil
	}
	if _, err := r.runner.Run(ctx, r.binary, "manifest", "inspect", ref); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, nil
	}
	return true, nil
}

func (r *PodmanRuntime) Pull(ctx context.Context, ref string) error {
	if _, err := r.runner.Run(ctx, r.binary, "pull", "--quiet", ref); err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	return nil
}

// isNotFound matches podman's "no such container" failures so stop and
// remove stay idempotent.
func isNotFound(err error) bool {
	stderr := ExtractStderr(err)
	return strings.Contains(stderr, "no such container") ||
		strings.Contains(stderr, "no container with name")
}

// ===== FILE TRAFFIC ROUTER =====

// FileTrafficRouter keeps the routing pointer in a file, updated with a
// temp-file rename so readers always see a complete value. The reload
// command, when configured, tells the front proxy to re-read its
// upstream set.
type FileTrafficRouter struct {
	path      string
	reloadCmd []string
	runner    CommandRunner
	log       *slog.Logger
}

var _ TrafficRouter = (*FileTrafficRouter)(nil)

// NewFileTrafficRouter builds a router from config.
func NewFileTrafficRouter(runner CommandRunner, rc config.RouterConfig, log *slog.Logger) *FileTrafficRouter {
	return &FileTrafficRouter{
		path:      rc.PointerPath,
		reloadCmd: rc.ReloadCommand,
		runner:    runner,
		log:       log,
	}
}

func (r *FileTrafficRouter) Active(_ context.Context) (string, error) {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading routing pointer: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (r *FileTrafficRouter) Switch(ctx context.Context, generation string) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o700); err != nil {
		return fmt.Errorf("creating pointer directory: %w", err)
	}
	tmp := fmt.Sprintf("%s.tmp.%d", r.path, time.Now().UnixNano())
	if err := os.WriteFile(tmp, []byte(generation+"\n"), 0o600); err != nil {
		return fmt.Errorf("writing routing pointer: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("committing routing pointer: %w", err)
	}

	if len(r.reloadCmd) > 0 {
		if _, err := r.runner.Run(ctx, r.reloadCmd[0], r.reloadCmd[1:]...); err != nil {
			return fmt.Errorf("reload after pointer switch: %w", err)
		}
	}
	r.log.Info("traffic switched", "generation", generation)
	return nil
}

// ===== RETRY =====

// retryBounded runs op up to attempts times, pausing backoff between
// tries. The last error is returned. Context cancellation stops the
// loop immediately.
func retryBounded(ctx context.Context, attempts int, backoff time.Duration, op func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = op(); lastErr == nil {
			return nil
		}
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return lastErr
}

// ===== MOCKS =====

// MockUnitRuntime records calls for tests.
type MockUnitRuntime struct {
	StartUnitFunc      func(ctx context.Context, unit config.UnitConfig, version, generation string) (string, error)
	StartExistingFunc  func(ctx context.Context, containerName string) error
	StopUnitFunc       func(ctx context.Context, containerName string) error
	RemoveUnitFunc     func(ctx context.Context, containerName string) error
	ListGenerationFunc func(ctx context.Context, generation string) ([]string, error)
	InspectUnitsFunc   func(ctx context.Context) ([]DeploymentUnit, error)
	ImageAvailableFunc func(ctx context.Context, ref string) (bool, error)
	PullFunc           func(ctx context.Context, ref string) error

	StartCalls         []string
	StartExistingCalls []string
	StopCalls          []string
	RemoveCalls        []string
	PullCalls          []string
	InspectCalls       int
	mu                 sync.Mutex
}

var _ UnitRuntime = (*MockUnitRuntime)(nil)

func (m *MockUnitRuntime) StartUnit(ctx context.Context, unit config.UnitConfig, version, generation string) (string, error) {
	m.mu.Lock()
	m.StartCalls = append(m.StartCalls, unit.Name)
	m.mu.Unlock()
	if m.StartUnitFunc != nil {
		return m.StartUnitFunc(ctx, unit, version, generation)
	}
	return ContainerName(unit.Name, generation), nil
}

func (m *MockUnitRuntime) StartExisting(ctx context.Context, containerName string) error {
	m.mu.Lock()
	m.StartExistingCalls = append(m.StartExistingCalls, containerName)
	m.mu.Unlock()
	if m.StartExistingFunc != nil {
		return m.StartExistingFunc(ctx, containerName)
	}
	return nil
}

func (m *MockUnitRuntime) StopUnit(ctx context.Context, containerName string) error {
	m.mu.Lock()
	m.StopCalls = append(m.StopCalls, containerName)
	m.mu.Unlock()
	if m.StopUnitFunc != nil {
		return m.StopUnitFunc(ctx, containerName)
	}
	return nil
}

func (m *MockUnitRuntime) RemoveUnit(ctx context.Context, containerName string) error {
	m.mu.Lock()
	m.RemoveCalls = append(m.RemoveCalls, containerName)
	m.mu.Unlock()
	if m.RemoveUnitFunc != nil {
		return m.RemoveUnitFunc(ctx, containerName)
	}
	return nil
}

func (m *MockUnitRuntime) ListGeneration(ctx context.Context, generation string) ([]string, error) {
	if m.ListGenerationFunc != nil {
		return m.ListGenerationFunc(ctx, generation)
	}
	return nil, nil
}

func (m *MockUnitRuntime) InspectUnits(ctx context.Context) ([]DeploymentUnit, error) {
	m.mu.Lock()
	m.InspectCalls++
	m.mu.Unlock()
	if m.InspectUnitsFunc != nil {
		return m.InspectUnitsFunc(ctx)
	}
	return nil, nil
}

func (m *MockUnitRuntime) ImageAvailable(ctx context.Context, ref string) (bool, error) {
	if m.ImageAvailableFunc != nil {
		return m.ImageAvailableFunc(ctx, ref)
	}
	return true, nil
}

func (m *MockUnitRuntime) Pull(ctx context.Context, ref string) error {
	m.mu.Lock()
	m.PullCalls = append(m.PullCalls, ref)
	m.mu.Unlock()
	if m.PullFunc != nil {
		return m.PullFunc(ctx, ref)
	}
	return nil
}

// MockTrafficRouter records pointer switches for tests.
type MockTrafficRouter struct {
	ActiveFunc func(ctx context.Context) (string, error)
	SwitchFunc func(ctx context.Context, generation string) error

	ActiveGen   string
	SwitchCalls []string
	mu          sync.Mutex
}

var _ TrafficRouter = (*MockTrafficRouter)(nil)

func (m *MockTrafficRouter) Active(ctx context.Context) (string, error) {
	if m.ActiveFunc != nil {
		return m.ActiveFunc(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ActiveGen, nil
}

func (m *MockTrafficRouter) Switch(ctx context.Context, generation string) error {
	m.mu.Lock()
	m.SwitchCalls = append(m.SwitchCalls, generation)
	m.ActiveGen = generation
	m.mu.Unlock()
	if m.SwitchFunc != nil {
		return m.SwitchFunc(ctx, generation)
	}
	return nil
}
