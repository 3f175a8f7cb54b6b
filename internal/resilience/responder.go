package resilience

import (
	"log/slog"
	"time"

	"github.com/JurisFlow/IntakeFlow/internal/models"
	"github.com/JurisFlow/IntakeFlow/internal/templates"
)

// Responder turns a classified fault into a user-facing response plus a
// recommended recovery action. It holds no mutable state.
type Responder struct {
	content  *templates.Provider
	policies map[models.ErrorClass]Policy
}

// NewResponder creates a Responder using the given content provider.
func NewResponder(content *templates.Provider) *Responder {
	return &Responder{
		content:  content,
		policies: DefaultPolicies(),
	}
}

// Handle classifies a fault and produces the response the caller should act on.
// Non-retryable classes surface immediately: Unauthenticated escalates with
// critical severity; FlowLogic resets the session without preserving context.
func (r *Responder) Handle(err error, fc models.FaultContext) models.ErrorResponse {
	class := Classify(err, fc)
	severity := SeverityFor(class)

	resp := models.ErrorResponse{
		UserMessage:      r.content.ErrorMessage(class),
		Severity:         severity,
		Class:            class,
		ContextPreserved: true,
	}

	switch class {
	case models.ErrorClassUnauthenticated:
		// System-level credential failure; no amount of per-session retrying helps.
		resp.EscalateToHuman = true
	case models.ErrorClassFlowLogic:
		// Corrupted flow state is not worth repairing.
		resp.ContextPreserved = false
	case models.ErrorClassRateLimited:
		resp.ShouldRetry = true
		resp.RetryAfter = r.retryAfter(class)
	case models.ErrorClassChannelTransport, models.ErrorClassNetwork:
		resp.ShouldRetry = true
		resp.RetryAfter = r.retryAfter(class)
	case models.ErrorClassStorage:
		resp.ShouldRetry = isTransientStorageFault(err)
		resp.RetryAfter = r.retryAfter(class)
		// Exhausted storage faults hand the conversation to a human with context.
		resp.EscalateToHuman = true
	case models.ErrorClassDependencyDown:
		// A cooling-down dependency counts as exhausted: escalate with the
		// collected answers intact and suggest retrying after the window.
		resp.ShouldRetry = true
		resp.RetryAfter = r.retryAfter(class)
		resp.EscalateToHuman = true
	}

	slog.Error("Fault handled",
		"class", class,
		"severity", severity,
		"operation", fc.Operation,
		"address", fc.Address,
		"session_id", fc.SessionID,
		"step", fc.Step,
		"escalate", resp.EscalateToHuman,
		"error", err)
	return resp
}

func (r *Responder) retryAfter(class models.ErrorClass) time.Duration {
	if p, ok := r.policies[class]; ok {
		return p.Delay(1)
	}
	return 0
}
