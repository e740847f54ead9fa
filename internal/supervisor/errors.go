package supervisor

import (
	"fmt"
	"syscall"
)

// SpawnError is returned when the provider executable cannot be launched.
type SpawnError struct {
	Command string
	Err     error
}

// Error implements the error interface.
func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Command, e.Err)
}

// Unwrap returns the underlying exec error.
func (e *SpawnError) Unwrap() error {
	return e.Err
}

// ProcessExitedError is returned when the provider exits before
// announcing its endpoint. ExitCode is -1 when the process was killed
// by a signal.
type ProcessExitedError struct {
	Command  string
	ExitCode int
	Signal   syscall.Signal
}

// Error implements the error interface.
func (e *ProcessExitedError) Error() string {
	if e.Signal != 0 {
		return fmt.Sprintf("%s exited before announcing an endpoint (signal %s)", e.Command, e.Signal)
	}
	return fmt.Sprintf("%s exited before announcing an endpoint (exit code %d)", e.Command, e.ExitCode)
}
