// Package models defines the fault taxonomy shared by the resilience subsystem.
package models

import (
	"fmt"
	"time"
)

// ErrorClass tags a fault with its classification.
type ErrorClass string

const (
	// ErrorClassChannelTransport covers messaging-provider HTTP failures (status >= 400).
	ErrorClassChannelTransport ErrorClass = "channel_transport"
	// ErrorClassRateLimited covers provider 429 responses.
	ErrorClassRateLimited ErrorClass = "rate_limited"
	// ErrorClassUnauthenticated covers provider 401 responses.
	ErrorClassUnauthenticated ErrorClass = "unauthenticated"
	// ErrorClassNetwork covers connection and dial failures.
	ErrorClassNetwork ErrorClass = "network"
	// ErrorClassDependencyDown covers calls rejected by an open circuit breaker.
	ErrorClassDependencyDown ErrorClass = "dependency_down"
	// ErrorClassStorage covers session-store failures.
	ErrorClassStorage ErrorClass = "storage"
	// ErrorClassFlowLogic covers faults raised inside step handling.
	ErrorClassFlowLogic ErrorClass = "flow_logic"
	// ErrorClassTimeout covers cooperative cancellation and deadline faults.
	ErrorClassTimeout ErrorClass = "timeout"
	// ErrorClassUnknown is the fallback classification.
	ErrorClassUnknown ErrorClass = "unknown"
)

// Severity grades how serious a classified fault is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// FaultContext carries the conversational context of a failed operation so
// responses can be tailored and logged without re-deriving it.
type FaultContext struct {
	Address   string    `json:"address"`
	SessionID string    `json:"session_id,omitempty"`
	Step      Step      `json:"step,omitempty"`
	Operation string    `json:"operation"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorResponse is the outcome of handling a classified fault.
type ErrorResponse struct {
	UserMessage      string        `json:"user_message"`
	ShouldRetry      bool          `json:"should_retry"`
	RetryAfter       time.Duration `json:"retry_after,omitempty"`
	Severity         Severity      `json:"severity"`
	EscalateToHuman  bool          `json:"escalate_to_human"`
	ContextPreserved bool          `json:"context_preserved"`
	Class            ErrorClass    `json:"class"`
}

// TransportError is a messaging-provider failure carrying the HTTP status code.
type TransportError struct {
	StatusCode int
	Operation  string
	Err        error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error on %s: status %d: %v", e.Operation, e.StatusCode, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StorageError wraps a session-store failure. Transient marks faults that are
// worth retrying (connection loss, lock contention), as opposed to integrity
// violations.
type StorageError struct {
	Operation string
	Transient bool
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error on %s: %v", e.Operation, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// CircuitState represents the state of a dependency's circuit breaker.
type CircuitState string

const (
	// CircuitClosed lets calls through and counts failures.
	CircuitClosed CircuitState = "closed"
	// CircuitOpen rejects calls immediately until the recovery window elapses.
	CircuitOpen CircuitState = "open"
	// CircuitHalfOpen lets a single probe call through after the window.
	CircuitHalfOpen CircuitState = "half_open"
)
