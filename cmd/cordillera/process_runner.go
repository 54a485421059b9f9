package main

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"sync"
)

// CommandRunner abstracts subprocess execution.
//
// # Description
//
// Every external collaborator the update engine talks to — the container
// runtime, cosign, the per-store export/import commands — is a subprocess.
// Abstracting execution behind this interface keeps the drivers, verifier
// and migrator testable without a container runtime on the machine.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type CommandRunner interface {
	// Run executes name with args and returns stdout. A non-zero exit
	// yields a *CommandError carrying stderr.
	Run(ctx context.Context, name string, args ...string) (string, error)

	// RunEnv is Run with additional environment variables appended to
	// the inherited environment, "KEY=VALUE" form.
	RunEnv(ctx context.Context, env []string, name string, args ...string) (string, error)
}

// ExecRunner implements CommandRunner with os/exec.
type ExecRunner struct{}

// NewExecRunner creates a runner backed by os/exec.
func NewExecRunner() *ExecRunner { return &ExecRunner{} }

// Run executes the command and returns trimmed stdout.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	return r.RunEnv(ctx, nil, name, args...)
}

// RunEnv executes the command with extra environment variables.
func (r *ExecRunner) RunEnv(ctx context.Context, env []string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if len(env) > 0 {
		cmd.Env = append(cmd.Environ(), env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		display := name + " " + strings.Join(args, " ")
		return stdout.String(), NewCommandError(display, exitCode, stderr.String(), err)
	}

	return strings.TrimSpace(stdout.String()), nil
}

// MockRunner is a configurable CommandRunner for tests.
//
// # Example
//
//	mock := &MockRunner{
//	    RunFunc: func(ctx context.Context, name string, args ...string) (string, error) {
//	        return "", nil
//	    },
//	}
type MockRunner struct {
	RunFunc    func(ctx context.Context, name string, args ...string) (string, error)
	RunEnvFunc func(ctx context.Context, env []string, name string, args ...string) (string, error)

	// Calls records every invocation as the full argv.
	Calls [][]string
	mu    sync.Mutex
}

func (m *MockRunner) record(name string, args []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, append([]string{name}, args...))
}

// Run invokes RunFunc, or returns empty output when unset.
func (m *MockRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	m.record(name, args)
	if m.RunFunc != nil {
		return m.RunFunc(ctx, name, args...)
	}
	return "", nil
}

// RunEnv invokes RunEnvFunc, falling back to RunFunc.
func (m *MockRunner) RunEnv(ctx context.Context, env []string, name string, args ...string) (string, error) {
	m.record(name, args)
	if m.RunEnvFunc != nil {
		return m.RunEnvFunc(ctx, env, name, args...)
	}
	if m.RunFunc != nil {
		return m.RunFunc(ctx, name, args...)
	}
	return "", nil
}

// CallCount returns the number of recorded invocations.
func (m *MockRunner) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// Compile-time interface checks
var (
	_ CommandRunner = (*ExecRunner)(nil)
	_ CommandRunner = (*MockRunner)(nil)
)
