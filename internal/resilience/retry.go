package resilience

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/JurisFlow/IntakeFlow/internal/models"
)

// BackoffShape selects how the delay grows between attempts.
type BackoffShape int

const (
	// BackoffNone performs no waiting (single-attempt policies).
	BackoffNone BackoffShape = iota
	// BackoffExponential multiplies the base delay per attempt.
	BackoffExponential
	// BackoffLinear scales the base delay by the attempt number.
	BackoffLinear
)

// Policy defines the retry behavior for one error class.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Shape       BackoffShape
	Multiplier  float64
	// Retryable decides per fault whether a retry is allowed at all.
	// A nil predicate means every fault of this class is retryable.
	Retryable func(err error) bool
}

// Delay computes the backoff before the given retry. attempt is 1-based: the
// delay returned precedes attempt attempt+1. Exponential delays are
// non-decreasing up to MaxDelay; linear delays grow as base times attempt.
func (p Policy) Delay(attempt int) time.Duration {
	var d time.Duration
	switch p.Shape {
	case BackoffExponential:
		d = p.BaseDelay
		for i := 1; i < attempt; i++ {
			d = time.Duration(float64(d) * p.Multiplier)
			if d >= p.MaxDelay {
				return p.MaxDelay
			}
		}
	case BackoffLinear:
		d = p.BaseDelay * time.Duration(attempt)
	default:
		return 0
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// DefaultPolicies returns the per-class retry policies.
func DefaultPolicies() map[models.ErrorClass]Policy {
	return map[models.ErrorClass]Policy{
		models.ErrorClassChannelTransport: {
			MaxAttempts: 3,
			BaseDelay:   2 * time.Second,
			MaxDelay:    30 * time.Second,
			Shape:       BackoffExponential,
			Multiplier:  2,
			// Client-side transport faults (4xx other than 429) are not worth retrying.
			Retryable: func(err error) bool {
				var transportErr *models.TransportError
				if errors.As(err, &transportErr) {
					return transportErr.StatusCode >= 500 || transportErr.StatusCode == http.StatusTooManyRequests
				}
				return false
			},
		},
		models.ErrorClassRateLimited: {
			MaxAttempts: 5,
			BaseDelay:   60 * time.Second,
			MaxDelay:    300 * time.Second,
			Shape:       BackoffLinear,
		},
		models.ErrorClassNetwork: {
			MaxAttempts: 3,
			BaseDelay:   1 * time.Second,
			MaxDelay:    10 * time.Second,
			Shape:       BackoffExponential,
			Multiplier:  2,
		},
		models.ErrorClassStorage: {
			MaxAttempts: 2,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    5 * time.Second,
			Shape:       BackoffExponential,
			Multiplier:  2,
			Retryable:   isTransientStorageFault,
		},
		models.ErrorClassDependencyDown: {
			// The breaker already rejected the call; the only useful advice
			// is to come back after the recovery window.
			MaxAttempts: 1,
			BaseDelay:   DefaultRecoveryTimeout,
			MaxDelay:    DefaultRecoveryTimeout,
			Shape:       BackoffLinear,
		},
		models.ErrorClassUnauthenticated: {MaxAttempts: 1},
		models.ErrorClassFlowLogic:       {MaxAttempts: 1},
		models.ErrorClassTimeout:         {MaxAttempts: 1},
		models.ErrorClassUnknown:         {MaxAttempts: 1},
	}
}

// Executor runs operations under the per-class retry policies, the shared
// circuit breakers, and the rate-limited-address registry.
type Executor struct {
	policies map[models.ErrorClass]Policy
	circuits *CircuitRegistry
	limiter  *RateLimitRegistry
}

// NewExecutor creates an Executor with the default policies.
func NewExecutor(circuits *CircuitRegistry, limiter *RateLimitRegistry) *Executor {
	return &Executor{
		policies: DefaultPolicies(),
		circuits: circuits,
		limiter:  limiter,
	}
}

// Circuits exposes the circuit registry for health reporting.
func (e *Executor) Circuits() *CircuitRegistry { return e.circuits }

// Limiter exposes the rate-limit registry for health reporting.
func (e *Executor) Limiter() *RateLimitRegistry { return e.limiter }

// Execute runs op against the named dependency, retrying per the fault's
// classified policy. It returns the original fault once attempts are exhausted
// or the policy's predicate rejects the fault. Backoff sleeps are cancellable
// via ctx; cancellation is propagated after the circuit state is settled.
func (e *Executor) Execute(ctx context.Context, dependency string, fc models.FaultContext, op func(ctx context.Context) error) error {
	if fc.Timestamp.IsZero() {
		fc.Timestamp = time.Now()
	}

	// Sends to a rate-limited address are skipped outright, never queued.
	if e.limiter != nil && fc.Address != "" && e.limiter.IsLimited(fc.Address) {
		slog.Debug("Executor skipping call to rate-limited address", "address", fc.Address, "operation", fc.Operation)
		return models.ErrRateLimited
	}

	circuit := e.circuits.Get(dependency)
	var firstErr error

	for attempt := 1; ; attempt++ {
		err := circuit.Do(ctx, op)
		if err == nil {
			return nil
		}
		if errors.Is(err, models.ErrCircuitOpen) {
			// The dependency is cooling down; retrying locally cannot help.
			return err
		}
		if firstErr == nil {
			firstErr = err
		}

		class := Classify(err, fc)
		policy, ok := e.policies[class]
		if !ok {
			policy = e.policies[models.ErrorClassUnknown]
		}

		if policy.Retryable != nil && !policy.Retryable(err) {
			slog.Debug("Executor fault not retryable by policy predicate",
				"class", class, "operation", fc.Operation, "error", err)
			return firstErr
		}
		if class == models.ErrorClassRateLimited && e.limiter != nil && fc.Address != "" {
			e.limiter.Limit(fc.Address, policy.Delay(attempt))
		}
		if attempt >= policy.MaxAttempts {
			slog.Warn("Executor attempts exhausted",
				"class", class, "operation", fc.Operation, "attempts", attempt, "error", firstErr)
			return firstErr
		}

		delay := policy.Delay(attempt)
		slog.Debug("Executor retrying after backoff",
			"class", class, "operation", fc.Operation, "attempt", attempt, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
