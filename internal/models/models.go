// Package models defines the core data structures for IntakeFlow.
//
// It includes the conversation session, the step enumeration, inbound/outbound
// message descriptors, and the telemetry event types shared across modules.
package models

import (
	"errors"
	"time"
)

// Step identifies a position in the fixed intake conversation sequence.
type Step string

const (
	// StepWelcome greets a new or reactivated session.
	StepWelcome Step = "WELCOME"
	// StepClientType asks whether the contact is a new or returning client.
	StepClientType Step = "CLIENT_TYPE"
	// StepPracticeArea asks which legal practice area the request concerns.
	StepPracticeArea Step = "PRACTICE_AREA"
	// StepSchedulingOffer asks whether the contact wants to schedule a consultation.
	StepSchedulingOffer Step = "SCHEDULING_OFFER"
	// StepSchedulingType asks for the preferred consultation format.
	StepSchedulingType Step = "SCHEDULING_TYPE"
	// StepCompleted marks the intake as finished and handed off.
	StepCompleted Step = "COMPLETED"
)

// IsValidStep checks if the given step is a member of the fixed enumeration.
func IsValidStep(s Step) bool {
	switch s {
	case StepWelcome, StepClientType, StepPracticeArea, StepSchedulingOffer, StepSchedulingType, StepCompleted:
		return true
	default:
		return false
	}
}

// ParseStep converts a persisted step value into a Step. Unrecognized values
// yield StepWelcome so a corrupted row never blocks the user.
func ParseStep(raw string) Step {
	s := Step(raw)
	if !IsValidStep(s) {
		return StepWelcome
	}
	return s
}

// DataKey identifies a collected-data field on a session.
type DataKey string

// Collected-data keys for the intake flow.
const (
	DataKeyClientType           DataKey = "clientType"
	DataKeyPracticeArea         DataKey = "practiceArea"
	DataKeyWantsScheduling      DataKey = "wantsScheduling"
	DataKeySchedulingPreference DataKey = "schedulingPreference"
)

// Error variables for better error handling and testability
var (
	ErrEmptyAddress    = errors.New("channel address cannot be empty")
	ErrEmptyBody       = errors.New("message body cannot be empty")
	ErrSessionNotFound = errors.New("session not found")
	ErrRateLimited     = errors.New("recipient is rate limited, send skipped")
	ErrCircuitOpen     = errors.New("circuit breaker is open")
)

// FlowControl holds the transient flow-control flags for a session.
// These were promoted from the generic collected-data bag to typed fields so
// the invalid-input ladder state is explicit.
type FlowControl struct {
	InvalidCount   int             `json:"invalid_count,omitempty"`   // consecutive invalid inputs on the current step
	HandoffOffered bool            `json:"handoff_offered,omitempty"` // a handoff offer was made for the current streak
	LastOptions    []MessageOption `json:"last_options,omitempty"`    // options of the most recent outbound prompt; numbered replies resolve against these
}

// Session represents one conversation with a channel address.
// It is owned exclusively by the flow engine and mutated only through its
// transition operations; one active session exists per address.
type Session struct {
	ID               string             `json:"id"`
	Address          string             `json:"address"` // channel address, e.g. E.164 phone number
	Step             Step               `json:"step"`
	Data             map[DataKey]string `json:"data,omitempty"`
	Flow             FlowControl        `json:"flow"`
	Active           bool               `json:"active"`
	HandoffTriggered bool               `json:"handoff_triggered"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// DataSnapshot returns a copy of the session's collected data.
func (s *Session) DataSnapshot() map[DataKey]string {
	snapshot := make(map[DataKey]string, len(s.Data))
	for k, v := range s.Data {
		snapshot[k] = v
	}
	return snapshot
}

// ProcessedInput is the normalized view of one inbound message.
// It is derived per turn and never persisted.
type ProcessedInput struct {
	Raw      string `json:"raw"`
	Token    string `json:"token,omitempty"` // detected input token (button id), lowercase
	IsEscape bool   `json:"is_escape"`       // requests immediate transfer to a human
	IsValid  bool   `json:"is_valid"`        // syntactically valid (non-empty)
}

// MessageKind distinguishes plain text from interactive (button) messages.
type MessageKind string

const (
	// MessageKindText is a plain text message.
	MessageKindText MessageKind = "text"
	// MessageKindInteractive is a message with selectable options.
	MessageKindInteractive MessageKind = "interactive"
)

// MessageDirection records whether a logged message was inbound or outbound.
type MessageDirection string

const (
	DirectionInbound  MessageDirection = "inbound"
	DirectionOutbound MessageDirection = "outbound"
)

// MessageOption is one selectable option of an interactive message.
type MessageOption struct {
	ID    string `json:"id"`    // input token the user may send back
	Label string `json:"label"` // text shown to the user
}

// OutboundMessage describes one message to deliver to the user.
type OutboundMessage struct {
	Kind    MessageKind     `json:"kind"`
	Body    string          `json:"body"`
	Options []MessageOption `json:"options,omitempty"` // only for interactive messages
}

// InboundMessage represents an incoming message from a channel address.
type InboundMessage struct {
	From string `json:"from"`
	Body string `json:"body"`
	Time int64  `json:"time"`
}

// EventType identifies a telemetry event emitted by the flow engine or monitor.
type EventType string

const (
	EventFlowStart            EventType = "flow_start"
	EventStepCompleted        EventType = "step_completed"
	EventInvalidInput         EventType = "invalid_input"
	EventUserStruggling       EventType = "user_struggling"
	EventHandoffOffered       EventType = "handoff_offered"
	EventHandoffTriggered     EventType = "handoff_triggered"
	EventFlowCompleted        EventType = "flow_completed"
	EventFlowRestarted        EventType = "flow_restarted"
	EventReengagementSent     EventType = "reengagement_sent"
	EventReengagementResponse EventType = "reengagement_response"
	EventSessionResetTimeout  EventType = "session_reset_timeout"
	EventSessionEscalated     EventType = "session_escalated"
)

// Event is one telemetry event tied to a session and step.
type Event struct {
	Type      EventType         `json:"type"`
	StepID    Step              `json:"step_id,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// FlowResult is the unit of work returned for every processed inbound message.
// It carries the outbound messages, the computed next step (empty when the
// session stays pinned), and the telemetry to record.
type FlowResult struct {
	Messages      []OutboundMessage  `json:"messages"`
	NextStep      Step               `json:"next_step,omitempty"` // empty: no transition taken
	ShouldHandoff bool               `json:"should_handoff"`
	DataPatch     map[DataKey]string `json:"data_patch,omitempty"`
	Events        []Event            `json:"events,omitempty"`
}

// AddEvent appends a telemetry event to the result.
func (r *FlowResult) AddEvent(evType EventType, step Step, data map[string]string) {
	r.Events = append(r.Events, Event{Type: evType, StepID: step, Data: data, Timestamp: time.Now()})
}
