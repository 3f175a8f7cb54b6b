package messaging

import (
	"context"
	"sync"

	"github.com/JurisFlow/IntakeFlow/internal/models"
)

// SentRecord is one message captured by the mock sender.
type SentRecord struct {
	To   string
	Body string
	Kind models.MessageKind
}

// MockSender is an in-memory Sender for tests. Inbound messages are injected
// with Inject; sends are recorded and can be made to fail.
type MockSender struct {
	mu        sync.Mutex
	sent      []SentRecord
	sendErr   error
	responses chan models.InboundMessage
}

// NewMockSender creates an empty mock sender.
func NewMockSender() *MockSender {
	return &MockSender{responses: make(chan models.InboundMessage, DefaultChannelBufferSize)}
}

// FailSendsWith makes subsequent sends return err (nil restores success).
func (m *MockSender) FailSendsWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// Sent returns a copy of the recorded sends.
func (m *MockSender) Sent() []SentRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentRecord, len(m.sent))
	copy(out, m.sent)
	return out
}

// Inject feeds one inbound message into the Responses channel.
func (m *MockSender) Inject(msg models.InboundMessage) {
	m.responses <- msg
}

func (m *MockSender) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhoneNumber(recipient)
}

func (m *MockSender) SendText(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, SentRecord{To: to, Body: body, Kind: models.MessageKindText})
	return nil
}

func (m *MockSender) SendInteractive(ctx context.Context, to string, msg models.OutboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, SentRecord{To: to, Body: RenderInteractive(msg), Kind: models.MessageKindInteractive})
	return nil
}

func (m *MockSender) Start(ctx context.Context) error { return nil }

func (m *MockSender) Stop() error {
	close(m.responses)
	return nil
}

func (m *MockSender) Responses() <-chan models.InboundMessage {
	return m.responses
}
