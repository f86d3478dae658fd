// Package faults defines the error kinds shared by the host, session and pool
// packages. Callers match on them with errors.As and errors.Is.
package faults

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTimedOut is returned when a bounded wait expires before its condition holds.
	ErrTimedOut = errors.New("timed out")
	// ErrInstanceNotFound is returned by providers when an instance id is unknown.
	ErrInstanceNotFound = errors.New("instance not found")
	// ErrNotConfigured is returned when processing is attempted before configuration.
	ErrNotConfigured = errors.New("accelerator is not configured")
	// ErrUnreachable marks an accelerator endpoint that did not answer.
	ErrUnreachable = errors.New("endpoint unreachable")
)

// Stage names the step of a lifecycle in which a RuntimeError happened.
type Stage string

const (
	StageAttach      Stage = "attach"
	StageProvision   Stage = "provision"
	StageStart       Stage = "start"
	StageWaitReady   Stage = "wait_ready"
	StageWaitBoot    Stage = "wait_boot"
	StageStop        Stage = "stop"
	StageConfigure   Stage = "configure"
	StageProcess     Stage = "process"
	StageSessionStop Stage = "session_stop"
)

// ConfigurationError reports invalid or missing caller input.
type ConfigurationError struct {
	Msg string
	Err error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Msg, e.Err)
	}
	return "configuration error: " + e.Msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Configurationf builds a ConfigurationError from a format string.
func Configurationf(format string, args ...any) error {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

// AuthenticationError reports rejected credentials, either by a provider or
// by the metering service.
type AuthenticationError struct {
	Service string
	Msg     string
	Err     error
}

func (e *AuthenticationError) Error() string {
	var b strings.Builder
	b.WriteString("authentication failed")
	if e.Service != "" {
		b.WriteString(" for ")
		b.WriteString(e.Service)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// RuntimeError reports a failure of a remote operation. It always names the
// stage, and carries the instance id and last observed status when known.
type RuntimeError struct {
	Stage      Stage
	InstanceID string
	Status     string
	Msg        string
	Err        error
}

func (e *RuntimeError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Stage))
	b.WriteString(": ")
	b.WriteString(e.Msg)

	var details []string
	if e.InstanceID != "" {
		details = append(details, "instance_id="+e.InstanceID)
	}
	if e.Status != "" {
		details = append(details, "status="+e.Status)
	}
	if len(details) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(details, ", "))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// ProviderError wraps a failure of a provider call. Transient marks failures
// that may succeed when retried by the caller.
type ProviderError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *ProviderError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("provider %s failed (%s): %v", e.Op, kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsTransient reports whether err wraps a transient ProviderError.
func IsTransient(err error) bool {
	var perr *ProviderError
	return errors.As(err, &perr) && perr.Transient
}
