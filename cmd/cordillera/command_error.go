package main

import (
	"fmt"
	"strings"
)

// CommandError wraps an external command failure with stderr context.
//
// # Description
//
// Every external collaborator (podman, cosign, store export/import
// commands) is invoked as a subprocess; when one fails, the exit code and
// stderr are what the operator needs. Implements error and supports
// unwrapping.
//
// # Example
//
//	err := NewCommandError("podman run", 125, "no such image", execErr)
//	var cmdErr *CommandError
//	if errors.As(err, &cmdErr) {
//	    fmt.Println(cmdErr.Stderr)
//	}
type CommandError struct {
	// Command is the command that was executed.
	Command string

	// ExitCode is the process exit code (-1 if unknown).
	ExitCode int

	// Stderr contains the standard error output.
	Stderr string

	// Wrapped is the underlying error.
	Wrapped error
}

// Error returns a formatted error message.
func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s (exit %d): %s", e.Command, e.ExitCode, e.Stderr)
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("%s (exit %d): %v", e.Command, e.ExitCode, e.Wrapped)
	}
	return fmt.Sprintf("%s (exit %d)", e.Command, e.ExitCode)
}

// Unwrap returns the underlying error.
func (e *CommandError) Unwrap() error { return e.Wrapped }

// HasStderr returns true if stderr output is available.
func (e *CommandError) HasStderr() bool { return e.Stderr != "" }

// NewCommandError creates a CommandError with full context. Stderr is
// trimmed of surrounding whitespace.
func NewCommandError(cmd string, exitCode int, stderr string, wrapped error) *CommandError {
	return &CommandError{
		Command:  cmd,
		ExitCode: exitCode,
		Stderr:   strings.TrimSpace(stderr),
		Wrapped:  wrapped,
	}
}

// ExtractStderr walks the error chain looking for a CommandError with
// stderr output. Returns the first stderr found, or empty string.
func ExtractStderr(err error) string {
	for err != nil {
		if cmdErr, ok := err.(*CommandError); ok && cmdErr.HasStderr() {
			return cmdErr.Stderr
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = unwrapper.Unwrap()
	}
	return ""
}
