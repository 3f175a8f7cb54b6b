// Package messaging provides the outbound channel abstraction and the inbound
// dispatcher that feeds the conversation flow engine.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/JurisFlow/IntakeFlow/internal/models"
)

// Constants for channel service configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for response channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

// DependencySender names the outbound channel dependency for circuit-breaker
// and retry bookkeeping. The dispatcher and the timeout monitor share it so
// both back off the same failing channel.
const DependencySender = "channel-sender"

// ErrServiceStopped is returned when a send is attempted after Stop.
var ErrServiceStopped = errors.New("messaging service is stopped")

// Sender is the pluggable outbound channel. Both send methods are fallible
// and are always called through the resilience executor.
type Sender interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient
	// identifier. Each service implements its own rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendText sends a plain text message.
	SendText(ctx context.Context, to string, body string) error

	// SendInteractive sends a message with selectable options.
	SendInteractive(ctx context.Context, to string, msg models.OutboundMessage) error

	// Start begins any background processing (e.g., polling for events).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Responses returns a channel of incoming user messages.
	Responses() <-chan models.InboundMessage
}

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// canonicalizePhoneNumber strips non-digits and validates the remainder.
// Shared by the WhatsApp and Twilio services.
func canonicalizePhoneNumber(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	if canonical != recipient {
		slog.Debug("messaging canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// CanonicalizeRecipient strips non-digits from a recipient address and
// validates the remainder. Exposed for callers outside the senders, such as
// the HTTP session lookup.
func CanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhoneNumber(recipient)
}

// RenderInteractive flattens an interactive message into numbered-option text.
// WhatsApp via whatsmeow has no reliable button API, so options are presented
// as a numbered list and the flow engine accepts the number as the selection.
func RenderInteractive(msg models.OutboundMessage) string {
	if len(msg.Options) == 0 {
		return msg.Body
	}
	var b strings.Builder
	b.WriteString(msg.Body)
	b.WriteString("\n")
	for i, opt := range msg.Options {
		b.WriteString(fmt.Sprintf("\n%d. %s", i+1, opt.Label))
	}
	b.WriteString("\n\nResponda com o número da opção.")
	return b.String()
}
