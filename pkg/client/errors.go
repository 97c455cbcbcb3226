package client

import (
	"fmt"
	"time"
)

// The client surfaces distinguishable failure kinds so callers can map them to
// user-facing behavior: ConfigurationError/AuthenticationError mean "check your
// credentials", ConnectionError/RequestTimeoutError mean "try again", TaskError
// carries the provider's message verbatim.

// ConfigurationError indicates missing or invalid caller-supplied settings.
// It fails fast, before any network attempt.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

// ConnectionError indicates the transport failed to open, is not open, or
// closed unexpectedly beyond the reconnect ceiling.
type ConnectionError struct {
	Reason string
	Cause  error
}

func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connection error: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("connection error: %s", e.Reason)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

// AuthenticationError indicates the provider rejected the handshake.
type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Message)
}

// AuthenticationTimeoutError indicates the handshake did not complete in time.
type AuthenticationTimeoutError struct {
	Timeout time.Duration
}

func (e *AuthenticationTimeoutError) Error() string {
	return fmt.Sprintf("authentication timed out after %s", e.Timeout)
}

// TaskError carries a provider-reported error for one task, or the message of
// a connection-level error frame broadcast to all pending tasks.
type TaskError struct {
	TaskUUID string
	Message  string
}

func (e *TaskError) Error() string {
	if e.TaskUUID != "" {
		return fmt.Sprintf("task %s failed: %s", e.TaskUUID, e.Message)
	}
	return fmt.Sprintf("task failed: %s", e.Message)
}

// RequestTimeoutError indicates no correlated reply arrived within the
// request's timeout window.
type RequestTimeoutError struct {
	TaskUUID string
	Timeout  time.Duration
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("no reply for task %s within %s", e.TaskUUID, e.Timeout)
}

// ProtocolError indicates a malformed frame. The router logs and drops these;
// the type exists for callers inspecting transport-level diagnostics.
type ProtocolError struct {
	Cause error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %v", e.Cause)
}

func (e *ProtocolError) Unwrap() error { return e.Cause }
