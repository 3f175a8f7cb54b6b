package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/JurisFlow/IntakeFlow/internal/models"
)

// Default circuit breaker configuration.
const (
	// DefaultFailureThreshold is the consecutive-failure count that opens a circuit.
	DefaultFailureThreshold = 5
	// DefaultRecoveryTimeout is how long an open circuit rejects calls before probing.
	DefaultRecoveryTimeout = 30 * time.Second
)

// CircuitBreaker guards one named dependency. State is shared across all calls
// to that dependency and updated under a mutex since multiple sessions retry
// against the same dependency concurrently.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration

	mu          sync.Mutex
	state       models.CircuitState
	failures    int
	openedAt    time.Time
	lastFailure time.Time
}

// NewCircuitBreaker creates a closed breaker for the named dependency.
func NewCircuitBreaker(name string, failureThreshold int, recoveryTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = DefaultRecoveryTimeout
	}
	return &CircuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		state:            models.CircuitClosed,
	}
}

// Do runs op if the circuit allows it, recording the outcome.
// An open circuit rejects immediately with models.ErrCircuitOpen; the first
// call after the recovery window runs as a half-open probe. Cooperative
// cancellation says nothing about the dependency's health, so it leaves the
// failure counter and state untouched.
func (cb *CircuitBreaker) Do(ctx context.Context, op func(ctx context.Context) error) error {
	if err := cb.allow(); err != nil {
		return err
	}
	err := op(ctx)
	switch {
	case err == nil:
		cb.recordSuccess()
		return nil
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		cb.recordFailure()
		return err
	}
}

// allow decides whether a call may proceed, transitioning Open -> HalfOpen
// once the recovery window has elapsed.
func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case models.CircuitOpen:
		if time.Since(cb.openedAt) < cb.recoveryTimeout {
			return models.ErrCircuitOpen
		}
		cb.state = models.CircuitHalfOpen
		slog.Info("CircuitBreaker transitioning to half-open", "dependency", cb.name)
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()

	if cb.state == models.CircuitHalfOpen || cb.failures >= cb.failureThreshold {
		if cb.state != models.CircuitOpen {
			slog.Warn("CircuitBreaker opening", "dependency", cb.name, "failures", cb.failures)
		}
		cb.state = models.CircuitOpen
		cb.openedAt = time.Now()
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == models.CircuitHalfOpen {
		slog.Info("CircuitBreaker closing after successful probe", "dependency", cb.name)
	}
	cb.state = models.CircuitClosed
	cb.failures = 0
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() models.CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	// Report half-open once the recovery window has elapsed, even before a probe.
	if cb.state == models.CircuitOpen && time.Since(cb.openedAt) >= cb.recoveryTimeout {
		return models.CircuitHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to closed with a zeroed failure counter.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = models.CircuitClosed
	cb.failures = 0
	slog.Info("CircuitBreaker reset", "dependency", cb.name)
}

// CircuitRegistry holds one breaker per named dependency.
type CircuitRegistry struct {
	mu               sync.Mutex
	breakers         map[string]*CircuitBreaker
	failureThreshold int
	recoveryTimeout  time.Duration
}

// NewCircuitRegistry creates a registry with shared breaker configuration.
func NewCircuitRegistry(failureThreshold int, recoveryTimeout time.Duration) *CircuitRegistry {
	return &CircuitRegistry{
		breakers:         make(map[string]*CircuitBreaker),
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
	}
}

// Get returns the breaker for a dependency, creating it closed on first use.
func (r *CircuitRegistry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[name]
	if !ok {
		cb = NewCircuitBreaker(name, r.failureThreshold, r.recoveryTimeout)
		r.breakers[name] = cb
	}
	return cb
}

// States returns a snapshot of every breaker's state for health reporting.
func (r *CircuitRegistry) States() map[string]models.CircuitState {
	r.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.Unlock()

	states := make(map[string]models.CircuitState, len(breakers))
	for _, cb := range breakers {
		states[cb.name] = cb.State()
	}
	return states
}
