package manager

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loykin/portvisor/internal/env"
	"github.com/loykin/portvisor/internal/probe"
	"github.com/loykin/portvisor/internal/registry"
)

var (
	ErrUnknownService = registry.ErrUnknownService
	// ErrCrashed marks a child that exited before its port was bound.
	ErrCrashed = errors.New("service exited before binding its port")
)

// PortConflictError: the port is held by something the supervisor did not launch.
type PortConflictError struct {
	Service     string
	Port        int
	Observation probe.Observation
}

func (e *PortConflictError) Error() string {
	owner := "an unidentified process"
	if e.Observation.OwnerPID > 0 {
		owner = fmt.Sprintf("pid %d", e.Observation.OwnerPID)
		if e.Observation.OwnerName != "" {
			owner += " (" + e.Observation.OwnerName + ")"
		}
	}
	return fmt.Sprintf("%s: port %d is already held by %s", e.Service, e.Port, owner)
}

// MissingConfigError lists required keys that no source provided.
type MissingConfigError struct {
	Service string
	Port    int
	Missing []*env.MissingKeyError
}

func (e *MissingConfigError) Error() string {
	msgs := make([]string, len(e.Missing))
	for i, m := range e.Missing {
		msgs[i] = m.Error()
	}
	return fmt.Sprintf("%s (port %d): missing configuration: %s", e.Service, e.Port, strings.Join(msgs, "; "))
}

func (e *MissingConfigError) Unwrap() []error {
	out := make([]error, len(e.Missing))
	for i, m := range e.Missing {
		out[i] = m
	}
	return out
}

// Keys returns the missing key names.
func (e *MissingConfigError) Keys() []string {
	out := make([]string, len(e.Missing))
	for i, m := range e.Missing {
		out[i] = m.Key
	}
	return out
}

// StartupTimeoutError: the child stayed alive but never bound its port.
// The process is left running for inspection.
type StartupTimeoutError struct {
	Service string
	Port    int
	PID     int
	Timeout time.Duration
}

func (e *StartupTimeoutError) Error() string {
	return fmt.Sprintf("%s: pid %d did not listen on port %d within %s", e.Service, e.PID, e.Port, e.Timeout)
}

// CrashedError carries the exit status of a child that died during startup.
type CrashedError struct {
	Service string
	Port    int
	PID     int
	ExitErr error
}

func (e *CrashedError) Error() string {
	status := "exit 0"
	if e.ExitErr != nil {
		status = e.ExitErr.Error()
	}
	return fmt.Sprintf("%s: pid %d exited before binding port %d (%s)", e.Service, e.PID, e.Port, status)
}

func (e *CrashedError) Is(target error) bool { return target == ErrCrashed }

func (e *CrashedError) Unwrap() error { return e.ExitErr }

// StopFailedError: the port could not be released.
type StopFailedError struct {
	Service string
	Port    int
	PID     int
	Reason  string
}

func (e *StopFailedError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("%s: stop failed for pid %d on port %d: %s", e.Service, e.PID, e.Port, e.Reason)
	}
	return fmt.Sprintf("%s: stop failed on port %d: %s", e.Service, e.Port, e.Reason)
}
