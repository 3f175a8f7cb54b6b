// Package resilience implements the error-classification, retry/backoff and
// circuit-breaker subsystem used by every outbound call in IntakeFlow.
package resilience

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/JurisFlow/IntakeFlow/internal/models"
)

// Classify assigns an error class to a fault, in priority order: open
// circuit -> DependencyDown; transport status 429 -> RateLimited, 401 ->
// Unauthenticated, other >= 400 -> ChannelTransport; connection faults ->
// Network; storage faults -> Storage; cooperative cancellation -> Timeout;
// faults raised while a step is set and not otherwise classified ->
// FlowLogic; else Unknown.
func Classify(err error, fc models.FaultContext) models.ErrorClass {
	if err == nil {
		return models.ErrorClassUnknown
	}

	// An open circuit is a dependency cooling down, never a flow defect.
	if errors.Is(err, models.ErrCircuitOpen) {
		return models.ErrorClassDependencyDown
	}

	var transportErr *models.TransportError
	if errors.As(err, &transportErr) {
		switch {
		case transportErr.StatusCode == http.StatusTooManyRequests:
			return models.ErrorClassRateLimited
		case transportErr.StatusCode == http.StatusUnauthorized:
			return models.ErrorClassUnauthenticated
		case transportErr.StatusCode >= 400:
			return models.ErrorClassChannelTransport
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return models.ErrorClassTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) || isConnectionFault(err) {
		return models.ErrorClassNetwork
	}

	var storageErr *models.StorageError
	if errors.As(err, &storageErr) {
		return models.ErrorClassStorage
	}

	if fc.Step != "" {
		return models.ErrorClassFlowLogic
	}
	return models.ErrorClassUnknown
}

// SeverityFor grades a classified fault.
func SeverityFor(class models.ErrorClass) models.Severity {
	switch class {
	case models.ErrorClassUnauthenticated:
		return models.SeverityCritical
	case models.ErrorClassStorage, models.ErrorClassDependencyDown:
		return models.SeverityHigh
	case models.ErrorClassChannelTransport, models.ErrorClassNetwork, models.ErrorClassRateLimited:
		return models.SeverityMedium
	case models.ErrorClassFlowLogic, models.ErrorClassTimeout:
		return models.SeverityLow
	default:
		return models.SeverityMedium
	}
}

// isConnectionFault matches connection-level failures reported as plain errors.
func isConnectionFault(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"connection refused", "connection reset", "no such host", "network is unreachable", "i/o timeout", "broken pipe"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// isTransientStorageFault reports whether a storage fault looks like a
// transient connection condition rather than an integrity violation.
func isTransientStorageFault(err error) bool {
	var storageErr *models.StorageError
	if errors.As(err, &storageErr) && storageErr.Transient {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"connection", "timeout", "temporar", "deadlock", "database is locked", "too many connections"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
