package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/JurisFlow/IntakeFlow/internal/models"
	"github.com/JurisFlow/IntakeFlow/internal/templates"
)

// newTestExecutor builds an executor with near-zero backoff so tests run fast.
func newTestExecutor() *Executor {
	e := NewExecutor(NewCircuitRegistry(100, time.Minute), NewRateLimitRegistry())
	for class, p := range e.policies {
		p.BaseDelay = time.Millisecond
		p.MaxDelay = 5 * time.Millisecond
		e.policies[class] = p
	}
	return e
}

func TestExecuteRetriesTransientNetworkFault(t *testing.T) {
	e := newTestExecutor()
	fc := models.FaultContext{Address: "+5511999990000", Operation: "sender.SendText"}

	calls := 0
	err := e.Execute(context.Background(), "sender", fc, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("dial tcp: connection refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestExecuteNeverRetriesNonRetryableClass(t *testing.T) {
	e := newTestExecutor()
	fc := models.FaultContext{Address: "+5511999990000", Step: models.StepClientType, Operation: "flow.handleStep"}

	calls := 0
	flowErr := errors.New("no handler matched input")
	err := e.Execute(context.Background(), "flow", fc, func(ctx context.Context) error {
		calls++
		return flowErr
	})
	if !errors.Is(err, flowErr) {
		t.Fatalf("expected the original fault, got %v", err)
	}
	if calls != 1 {
		t.Errorf("flow-logic fault must run exactly once, ran %d times", calls)
	}

	calls = 0
	authErr := &models.TransportError{StatusCode: 401, Operation: "send", Err: errors.New("expired token")}
	fc.Step = ""
	err = e.Execute(context.Background(), "sender", fc, func(ctx context.Context) error {
		calls++
		return authErr
	})
	if err == nil || calls != 1 {
		t.Errorf("unauthenticated fault must run exactly once, ran %d times (err=%v)", calls, err)
	}
}

func TestExecuteRejectsClientTransportFault(t *testing.T) {
	e := newTestExecutor()
	fc := models.FaultContext{Address: "+5511999990000", Operation: "sender.SendText"}

	calls := 0
	err := e.Execute(context.Background(), "sender", fc, func(ctx context.Context) error {
		calls++
		return &models.TransportError{StatusCode: 404, Operation: "send", Err: errors.New("unknown recipient")}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("4xx transport fault must not be retried, ran %d times", calls)
	}
}

func TestExecuteRetriesServerTransportFault(t *testing.T) {
	e := newTestExecutor()
	fc := models.FaultContext{Address: "+5511999990000", Operation: "sender.SendText"}

	calls := 0
	err := e.Execute(context.Background(), "sender", fc, func(ctx context.Context) error {
		calls++
		return &models.TransportError{StatusCode: 503, Operation: "send", Err: errors.New("unavailable")}
	})
	if err == nil {
		t.Fatal("expected error after exhaustion")
	}
	if calls != 3 {
		t.Errorf("5xx transport fault should use 3 attempts, ran %d times", calls)
	}
}

func TestExecuteReturnsOriginalFaultAfterExhaustion(t *testing.T) {
	e := newTestExecutor()
	fc := models.FaultContext{Address: "+5511999990000", Operation: "store.UpdateStep"}

	first := &models.StorageError{Operation: "UpdateStep", Transient: true, Err: errors.New("connection reset")}
	second := &models.StorageError{Operation: "UpdateStep", Transient: true, Err: errors.New("connection refused")}
	calls := 0
	err := e.Execute(context.Background(), "store", fc, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return first
		}
		return second
	})
	if !errors.Is(err, first) {
		t.Errorf("expected the first (original) fault to be re-raised, got %v", err)
	}
	if calls != 2 {
		t.Errorf("storage policy allows 2 attempts, ran %d", calls)
	}
}

func TestExecuteSkipsRateLimitedAddress(t *testing.T) {
	e := newTestExecutor()
	fc := models.FaultContext{Address: "+5511999990000", Operation: "sender.SendText"}
	e.Limiter().Limit(fc.Address, time.Minute)

	calls := 0
	err := e.Execute(context.Background(), "sender", fc, func(ctx context.Context) error {
		calls++
		return nil
	})
	if !errors.Is(err, models.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if calls != 0 {
		t.Errorf("send to rate-limited address must be skipped, ran %d times", calls)
	}
}

func TestExecuteMarksAddressRateLimitedOn429(t *testing.T) {
	e := newTestExecutor()
	// Keep the first delay above zero but the test fast.
	p := e.policies[models.ErrorClassRateLimited]
	p.MaxAttempts = 2
	e.policies[models.ErrorClassRateLimited] = p

	fc := models.FaultContext{Address: "+5511988880000", Operation: "sender.SendText"}
	_ = e.Execute(context.Background(), "sender", fc, func(ctx context.Context) error {
		return &models.TransportError{StatusCode: 429, Operation: "send", Err: errors.New("slow down")}
	})
	if !e.Limiter().IsLimited(fc.Address) {
		t.Error("address should be marked rate limited after a 429")
	}
}

func TestExecutePropagatesCancellationDuringBackoff(t *testing.T) {
	e := NewExecutor(NewCircuitRegistry(100, time.Minute), NewRateLimitRegistry())
	fc := models.FaultContext{Address: "+5511999990000", Operation: "sender.SendText"}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := e.Execute(ctx, "sender", fc, func(ctx context.Context) error {
		return errors.New("connection reset")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestPolicyDelayShapes(t *testing.T) {
	exp := Policy{BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second, Shape: BackoffExponential, Multiplier: 2}
	var prev time.Duration
	for attempt := 1; attempt <= 8; attempt++ {
		d := exp.Delay(attempt)
		if d < prev {
			t.Errorf("exponential delay decreased at attempt %d: %v < %v", attempt, d, prev)
		}
		if d > 30*time.Second {
			t.Errorf("exponential delay exceeded cap at attempt %d: %v", attempt, d)
		}
		prev = d
	}
	if exp.Delay(1) != 2*time.Second || exp.Delay(2) != 4*time.Second || exp.Delay(3) != 8*time.Second {
		t.Errorf("exponential progression wrong: %v %v %v", exp.Delay(1), exp.Delay(2), exp.Delay(3))
	}

	lin := Policy{BaseDelay: 60 * time.Second, MaxDelay: 300 * time.Second, Shape: BackoffLinear}
	for attempt := 1; attempt <= 6; attempt++ {
		want := 60 * time.Second * time.Duration(attempt)
		if want > 300*time.Second {
			want = 300 * time.Second
		}
		if got := lin.Delay(attempt); got != want {
			t.Errorf("linear delay at attempt %d = %v, want %v", attempt, got, want)
		}
	}
}

func TestResponderHandle(t *testing.T) {
	r := NewResponder(templates.NewProvider("Silva & Prado Advogados"))
	fc := models.FaultContext{Address: "+5511999990000", SessionID: "s1", Operation: "sender.SendText"}

	auth := r.Handle(&models.TransportError{StatusCode: 401, Operation: "send", Err: errors.New("bad creds")}, fc)
	if !auth.EscalateToHuman || auth.Severity != models.SeverityCritical {
		t.Errorf("unauthenticated response wrong: %+v", auth)
	}

	stepFC := fc
	stepFC.Step = models.StepPracticeArea
	flow := r.Handle(errors.New("handler panic recovered"), stepFC)
	if flow.ContextPreserved {
		t.Error("flow-logic faults must not preserve context")
	}
	if flow.Severity != models.SeverityLow {
		t.Errorf("flow-logic severity = %q, want low", flow.Severity)
	}

	storage := r.Handle(&models.StorageError{Operation: "UpdateStep", Transient: true, Err: errors.New("connection lost")}, fc)
	if !storage.EscalateToHuman || !storage.ContextPreserved {
		t.Errorf("storage exhaustion must escalate with context preserved: %+v", storage)
	}
}
