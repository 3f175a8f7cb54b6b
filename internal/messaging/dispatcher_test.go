package messaging

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/JurisFlow/IntakeFlow/internal/flow"
	"github.com/JurisFlow/IntakeFlow/internal/models"
	"github.com/JurisFlow/IntakeFlow/internal/resilience"
	"github.com/JurisFlow/IntakeFlow/internal/store"
	"github.com/JurisFlow/IntakeFlow/internal/templates"
)

func newTestDispatcher() (*Dispatcher, *MockSender, *store.InMemoryStore) {
	st := store.NewInMemoryStore()
	content := templates.NewProvider("Silva & Prado Advogados")
	exec := resilience.NewExecutor(
		resilience.NewCircuitRegistry(resilience.DefaultFailureThreshold, resilience.DefaultRecoveryTimeout),
		resilience.NewRateLimitRegistry(),
	)
	engine := flow.NewEngine(st, content, exec, resilience.NewResponder(content))
	sender := NewMockSender()
	return NewDispatcher(sender, engine, exec), sender, st
}

func waitForSends(t *testing.T, sender *MockSender, n int) []SentRecord {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sent := sender.Sent(); len(sent) >= n {
			return sent
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sends, got %d", n, len(sender.Sent()))
	return nil
}

func TestDispatcherProcessesInboundTurn(t *testing.T) {
	d, sender, st := newTestDispatcher()
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer d.Stop()

	sender.Inject(models.InboundMessage{From: "whatsapp:+5511999990001", Body: "Olá", Time: time.Now().Unix()})

	sent := waitForSends(t, sender, 2)
	if sent[0].Kind != models.MessageKindText {
		t.Errorf("first message kind = %s, want greeting text", sent[0].Kind)
	}
	if sent[1].Kind != models.MessageKindInteractive {
		t.Errorf("second message kind = %s, want interactive prompt", sent[1].Kind)
	}
	if !strings.Contains(sent[1].Body, "1.") {
		t.Errorf("interactive prompt not rendered as numbered options:\n%s", sent[1].Body)
	}
	for _, rec := range sent {
		if rec.To != "5511999990001" {
			t.Errorf("send went to %q, want canonical address", rec.To)
		}
	}

	sess, err := st.GetOrCreateSession(context.Background(), "5511999990001")
	if err != nil {
		t.Fatalf("GetOrCreateSession failed: %v", err)
	}
	if sess.Step != models.StepClientType {
		t.Errorf("session step = %s, want %s", sess.Step, models.StepClientType)
	}
}

func TestDispatcherIgnoresInvalidSenderAddress(t *testing.T) {
	d, sender, _ := newTestDispatcher()
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer d.Stop()

	sender.Inject(models.InboundMessage{From: "not-a-number", Body: "Olá"})
	sender.Inject(models.InboundMessage{From: "+5511999990002", Body: "Olá"})

	sent := waitForSends(t, sender, 1)
	for _, rec := range sent {
		if rec.To != "5511999990002" {
			t.Errorf("unexpected send to %q", rec.To)
		}
	}
}

func TestDeliverContinuesPastFailedSend(t *testing.T) {
	d, sender, _ := newTestDispatcher()

	// A 400 transport fault is not retried, so delivery fails fast and the
	// remaining messages still go out once sends recover.
	sender.FailSendsWith(&models.TransportError{StatusCode: 400, Operation: "SendText"})
	res := &models.FlowResult{Messages: []models.OutboundMessage{
		{Kind: models.MessageKindText, Body: "primeira"},
	}}
	d.Deliver(context.Background(), "5511999990003", res)
	if len(sender.Sent()) != 0 {
		t.Fatal("failed send should not be recorded")
	}

	sender.FailSendsWith(nil)
	d.Deliver(context.Background(), "5511999990003", res)
	if len(sender.Sent()) != 1 {
		t.Fatalf("expected 1 send after recovery, got %d", len(sender.Sent()))
	}
}
