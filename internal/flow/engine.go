// Package flow implements the intake conversation state machine.
//
// The Engine owns session state transitions: every inbound message is one
// turn that loads the session, normalizes the input, runs escape and
// universal-command checks, dispatches to the current step's handler, and
// persists the outcome. Turns for the same address serialize on a per-address
// lock; turns for different addresses proceed concurrently.
package flow

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/JurisFlow/IntakeFlow/internal/models"
	"github.com/JurisFlow/IntakeFlow/internal/resilience"
	"github.com/JurisFlow/IntakeFlow/internal/store"
	"github.com/JurisFlow/IntakeFlow/internal/templates"
)

// DependencyStore names the persistence dependency for circuit-breaker and
// retry bookkeeping.
const DependencyStore = "session-store"

// handoffOfferThreshold is the consecutive-miss count at which the engine
// offers a transfer to a human.
const handoffOfferThreshold = 3

// ResponseObserver is notified whenever a user sends a message, so pending
// re-engagement bookkeeping can be cleared. Implemented by the timeout monitor.
type ResponseObserver interface {
	NoteUserResponse(ctx context.Context, sessionID string)
}

// Engine is the conversation flow engine. All fallible store calls go through
// the resilience executor; telemetry and message logging are best-effort and
// never fail a turn.
type Engine struct {
	store     store.SessionStore
	content   *templates.Provider
	exec      *resilience.Executor
	responder *resilience.Responder

	mu       sync.Mutex
	locks    map[string]*addressLock
	observer ResponseObserver
}

// addressLock serializes turns for one address. refs counts holders plus
// waiters so the registry entry can be dropped once nobody needs it.
type addressLock struct {
	mu   sync.Mutex
	refs int
}

// NewEngine creates a flow engine over the given collaborators.
func NewEngine(st store.SessionStore, content *templates.Provider, exec *resilience.Executor, responder *resilience.Responder) *Engine {
	return &Engine{
		store:     st,
		content:   content,
		exec:      exec,
		responder: responder,
		locks:     make(map[string]*addressLock),
	}
}

// SetResponseObserver registers the observer notified on every inbound turn.
func (e *Engine) SetResponseObserver(o ResponseObserver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observer = o
}

// Handle processes one inbound message for a channel address and returns the
// outbound messages plus telemetry for the turn. On a persistence fault the
// returned result still carries a user-facing message alongside the error.
func (e *Engine) Handle(ctx context.Context, address, raw string) (*models.FlowResult, error) {
	if strings.TrimSpace(address) == "" {
		return nil, models.ErrEmptyAddress
	}
	unlock := e.lockAddress(address)
	defer unlock()

	fc := models.FaultContext{Address: address, Operation: "GetOrCreateSession", Timestamp: time.Now()}
	var sess *models.Session
	err := e.exec.Execute(ctx, DependencyStore, fc, func(ctx context.Context) error {
		var opErr error
		sess, opErr = e.store.GetOrCreateSession(ctx, address)
		return opErr
	})
	if err != nil {
		return e.failTurn(ctx, nil, err, fc)
	}
	slog.Debug("Engine.Handle: processing turn", "address", address, "session_id", sess.ID, "step", sess.Step)

	e.notifyObserver(ctx, sess.ID)
	e.logMessage(ctx, sess.ID, models.DirectionInbound, models.MessageKindText, raw)

	input := ProcessInput(raw, sess.Flow.LastOptions, e.content.StepPrompt(sess.Step).Options)
	res, err := e.dispatchTurn(ctx, sess, input)
	if res != nil {
		for _, msg := range res.Messages {
			e.logMessage(ctx, sess.ID, models.DirectionOutbound, msg.Kind, msg.Body)
		}
	}
	return res, err
}

func (e *Engine) dispatchTurn(ctx context.Context, sess *models.Session, input models.ProcessedInput) (*models.FlowResult, error) {
	if !input.IsValid {
		return e.handleInvalid(ctx, sess)
	}
	if input.IsEscape {
		return e.handleEscape(ctx, sess)
	}

	switch input.Token {
	case templates.TokenRestart:
		return e.handleRestart(ctx, sess)
	case templates.TokenTryAgain:
		return e.clearLadderAndReprompt(ctx, sess)
	case templates.TokenExplain:
		return e.handleExplain(ctx, sess)
	case templates.TokenContinueBot:
		return e.clearLadderAndReprompt(ctx, sess)
	}
	return e.handleStep(ctx, sess, input)
}

// handleStep dispatches to the current step's handler. The switch is
// exhaustive over the step enumeration; ParseStep guarantees membership.
func (e *Engine) handleStep(ctx context.Context, sess *models.Session, input models.ProcessedInput) (*models.FlowResult, error) {
	switch sess.Step {
	case models.StepWelcome:
		// Any input opens the flow.
		res := &models.FlowResult{Messages: e.content.WelcomeMessages()}
		res.AddEvent(models.EventFlowStart, models.StepWelcome, nil)
		return e.advance(ctx, sess, res, models.StepClientType, nil)

	case models.StepClientType:
		switch input.Token {
		case templates.TokenClientNew, templates.TokenClientReturning:
			res := &models.FlowResult{Messages: []models.OutboundMessage{e.content.StepPrompt(models.StepPracticeArea)}}
			res.AddEvent(models.EventStepCompleted, sess.Step, map[string]string{"token": input.Token})
			return e.advance(ctx, sess, res, models.StepPracticeArea, map[models.DataKey]string{
				models.DataKeyClientType: input.Token,
			})
		}
		return e.handleInvalid(ctx, sess)

	case models.StepPracticeArea:
		switch input.Token {
		case templates.TokenAreaCivil, templates.TokenAreaCriminal, templates.TokenAreaLabor, templates.TokenAreaFamily:
			res := &models.FlowResult{Messages: []models.OutboundMessage{e.content.StepPrompt(models.StepSchedulingOffer)}}
			res.AddEvent(models.EventStepCompleted, sess.Step, map[string]string{"token": input.Token})
			return e.advance(ctx, sess, res, models.StepSchedulingOffer, map[models.DataKey]string{
				models.DataKeyPracticeArea: input.Token,
			})
		}
		return e.handleInvalid(ctx, sess)

	case models.StepSchedulingOffer:
		switch input.Token {
		case templates.TokenYes:
			res := &models.FlowResult{Messages: []models.OutboundMessage{e.content.StepPrompt(models.StepSchedulingType)}}
			res.AddEvent(models.EventStepCompleted, sess.Step, map[string]string{"token": input.Token})
			return e.advance(ctx, sess, res, models.StepSchedulingType, map[models.DataKey]string{
				models.DataKeyWantsScheduling: "true",
			})
		case templates.TokenNo:
			return e.complete(ctx, sess, map[models.DataKey]string{
				models.DataKeyWantsScheduling: "false",
			})
		}
		return e.handleInvalid(ctx, sess)

	case models.StepSchedulingType:
		switch input.Token {
		case templates.TokenInPerson, templates.TokenVirtual:
			return e.complete(ctx, sess, map[models.DataKey]string{
				models.DataKeySchedulingPreference: input.Token,
			})
		}
		return e.handleInvalid(ctx, sess)

	case models.StepCompleted:
		if input.Token == templates.TokenNewRequest {
			return e.handleNewRequest(ctx, sess)
		}
		return e.handleInvalid(ctx, sess)
	}

	// Unreachable with a parsed step; treat as corrupted flow state.
	fc := e.faultContext(sess, "handleStep")
	return e.failTurn(ctx, sess, &flowLogicError{step: sess.Step}, fc)
}

// advance persists the transition and clears the invalid-input ladder.
func (e *Engine) advance(ctx context.Context, sess *models.Session, res *models.FlowResult, next models.Step, patch map[models.DataKey]string) (*models.FlowResult, error) {
	res.NextStep = next
	res.DataPatch = patch

	fc := e.faultContext(sess, "UpdateStep")
	err := e.exec.Execute(ctx, DependencyStore, fc, func(ctx context.Context) error {
		return e.store.UpdateStep(ctx, sess.ID, next, patch)
	})
	if err != nil {
		return e.failTurn(ctx, sess, err, fc)
	}
	if sess.Flow.InvalidCount > 0 || sess.Flow.HandoffOffered || len(sess.Flow.LastOptions) > 0 {
		e.persistFlowControl(ctx, sess, models.FlowControl{})
	}
	e.recordEvents(ctx, sess.ID, res.Events)
	return res, nil
}

// complete merges the final patch, marks the session Completed and hands the
// collected record to the human team.
func (e *Engine) complete(ctx context.Context, sess *models.Session, patch map[models.DataKey]string) (*models.FlowResult, error) {
	merged := sess.DataSnapshot()
	for k, v := range patch {
		merged[k] = v
	}

	res := &models.FlowResult{
		NextStep:      models.StepCompleted,
		DataPatch:     patch,
		ShouldHandoff: true,
		Messages:      append(e.content.CompletionMessages(merged), e.content.StepPrompt(models.StepCompleted)),
	}
	res.AddEvent(models.EventStepCompleted, sess.Step, nil)
	res.AddEvent(models.EventFlowCompleted, models.StepCompleted, stringSnapshot(merged))

	fc := e.faultContext(sess, "UpdateStep")
	err := e.exec.Execute(ctx, DependencyStore, fc, func(ctx context.Context) error {
		if opErr := e.store.UpdateStep(ctx, sess.ID, models.StepCompleted, patch); opErr != nil {
			return opErr
		}
		return e.store.TriggerHandoff(ctx, sess.ID)
	})
	if err != nil {
		return e.failTurn(ctx, sess, err, fc)
	}
	if sess.Flow.InvalidCount > 0 || sess.Flow.HandoffOffered || len(sess.Flow.LastOptions) > 0 {
		e.persistFlowControl(ctx, sess, models.FlowControl{})
	}
	e.recordEvents(ctx, sess.ID, res.Events)
	return res, nil
}

// handleInvalid runs the invalid-input ladder. The session never advances;
// the consecutive-miss counter drives the guidance escalation and, at the
// threshold, a one-time handoff offer per streak. The guidance options are
// recorded so the next numbered reply resolves against the menu on screen.
func (e *Engine) handleInvalid(ctx context.Context, sess *models.Session) (*models.FlowResult, error) {
	ctl := sess.Flow
	ctl.InvalidCount++

	guidance := e.content.Guidance(sess.Step, ctl.InvalidCount)
	ctl.LastOptions = guidance.Options

	res := &models.FlowResult{Messages: []models.OutboundMessage{guidance}}
	res.AddEvent(models.EventInvalidInput, sess.Step, map[string]string{"count": strconv.Itoa(ctl.InvalidCount)})
	if ctl.InvalidCount >= handoffOfferThreshold && !ctl.HandoffOffered {
		ctl.HandoffOffered = true
		res.AddEvent(models.EventUserStruggling, sess.Step, map[string]string{"count": strconv.Itoa(ctl.InvalidCount)})
		res.AddEvent(models.EventHandoffOffered, sess.Step, nil)
	}

	fc := e.faultContext(sess, "UpdateState")
	err := e.exec.Execute(ctx, DependencyStore, fc, func(ctx context.Context) error {
		return e.store.UpdateState(ctx, sess.ID, store.SessionUpdate{Flow: &ctl})
	})
	if err != nil {
		return e.failTurn(ctx, sess, err, fc)
	}
	e.recordEvents(ctx, sess.ID, res.Events)
	return res, nil
}

// handleEscape short-circuits to the handoff path. The collected-data
// snapshot is taken before any mutation so the handoff context is the exact
// pre-escape state.
func (e *Engine) handleEscape(ctx context.Context, sess *models.Session) (*models.FlowResult, error) {
	res := &models.FlowResult{
		Messages:      []models.OutboundMessage{e.content.HandoffAck()},
		ShouldHandoff: true,
	}
	res.AddEvent(models.EventHandoffTriggered, sess.Step, stringSnapshot(sess.Data))

	fc := e.faultContext(sess, "TriggerHandoff")
	err := e.exec.Execute(ctx, DependencyStore, fc, func(ctx context.Context) error {
		return e.store.TriggerHandoff(ctx, sess.ID)
	})
	if err != nil {
		return e.failTurn(ctx, sess, err, fc)
	}
	e.recordEvents(ctx, sess.ID, res.Events)
	slog.Info("Engine.handleEscape: session handed off", "session_id", sess.ID, "step", sess.Step)
	return res, nil
}

// handleRestart resets the session and replays the opening sequence.
func (e *Engine) handleRestart(ctx context.Context, sess *models.Session) (*models.FlowResult, error) {
	res := &models.FlowResult{
		NextStep: models.StepClientType,
		Messages: append([]models.OutboundMessage{e.content.RestartMessage()}, e.content.WelcomeMessages()...),
	}
	res.AddEvent(models.EventFlowRestarted, sess.Step, nil)
	res.AddEvent(models.EventFlowStart, models.StepWelcome, map[string]string{"reason": "restart"})

	fc := e.faultContext(sess, "ResetSession")
	err := e.exec.Execute(ctx, DependencyStore, fc, func(ctx context.Context) error {
		if opErr := e.store.ResetSession(ctx, sess.ID); opErr != nil {
			return opErr
		}
		return e.store.UpdateStep(ctx, sess.ID, models.StepClientType, nil)
	})
	if err != nil {
		return e.failTurn(ctx, sess, err, fc)
	}
	e.recordEvents(ctx, sess.ID, res.Events)
	return res, nil
}

// handleNewRequest re-enters the flow at PracticeArea from a completed
// session, clearing the previous request's answers.
func (e *Engine) handleNewRequest(ctx context.Context, sess *models.Session) (*models.FlowResult, error) {
	res := &models.FlowResult{
		NextStep: models.StepPracticeArea,
		Messages: []models.OutboundMessage{e.content.StepPrompt(models.StepPracticeArea)},
	}
	res.AddEvent(models.EventFlowStart, models.StepPracticeArea, map[string]string{"reason": "new_request"})

	fc := e.faultContext(sess, "ResetSession")
	err := e.exec.Execute(ctx, DependencyStore, fc, func(ctx context.Context) error {
		if opErr := e.store.ResetSession(ctx, sess.ID); opErr != nil {
			return opErr
		}
		return e.store.UpdateStep(ctx, sess.ID, models.StepPracticeArea, nil)
	})
	if err != nil {
		return e.failTurn(ctx, sess, err, fc)
	}
	e.recordEvents(ctx, sess.ID, res.Events)
	return res, nil
}

// clearLadderAndReprompt serves try-again and continue-bot: both clear the
// invalid-input ladder and resend the current step's prompt.
func (e *Engine) clearLadderAndReprompt(ctx context.Context, sess *models.Session) (*models.FlowResult, error) {
	res := &models.FlowResult{Messages: []models.OutboundMessage{e.content.StepPrompt(sess.Step)}}

	fc := e.faultContext(sess, "UpdateState")
	err := e.exec.Execute(ctx, DependencyStore, fc, func(ctx context.Context) error {
		ctl := models.FlowControl{}
		return e.store.UpdateState(ctx, sess.ID, store.SessionUpdate{Flow: &ctl})
	})
	if err != nil {
		return e.failTurn(ctx, sess, err, fc)
	}
	return res, nil
}

// handleExplain sends the canned option explanation plus the prompt again.
// The miss counter is left untouched; asking for help is not a miss. The
// re-sent step prompt is now the message on screen, so numbered replies must
// resolve against it rather than a lingering guidance menu.
func (e *Engine) handleExplain(ctx context.Context, sess *models.Session) (*models.FlowResult, error) {
	if len(sess.Flow.LastOptions) > 0 {
		ctl := sess.Flow
		ctl.LastOptions = nil
		e.persistFlowControl(ctx, sess, ctl)
	}
	return &models.FlowResult{
		Messages: []models.OutboundMessage{
			e.content.Explanation(sess.Step),
			e.content.StepPrompt(sess.Step),
		},
	}, nil
}

// ResetIdleSession returns an idle session to Welcome on behalf of the
// timeout monitor. The per-address lock keeps the reset from racing a
// concurrent inbound turn.
func (e *Engine) ResetIdleSession(ctx context.Context, sess *models.Session, class models.TimeoutClass) error {
	unlock := e.lockAddress(sess.Address)
	defer unlock()

	fc := e.faultContext(sess, "ResetSession")
	err := e.exec.Execute(ctx, DependencyStore, fc, func(ctx context.Context) error {
		return e.store.ResetSession(ctx, sess.ID)
	})
	if err != nil {
		return err
	}
	e.recordEvents(ctx, sess.ID, []models.Event{{
		Type:      models.EventSessionResetTimeout,
		StepID:    sess.Step,
		Data:      map[string]string{"class": string(class)},
		Timestamp: time.Now(),
	}})
	return nil
}

// EscalateIdleSession hands an unresponsive session to a human on behalf of
// the timeout monitor, preserving its collected data.
func (e *Engine) EscalateIdleSession(ctx context.Context, sess *models.Session, class models.TimeoutClass) error {
	unlock := e.lockAddress(sess.Address)
	defer unlock()

	fc := e.faultContext(sess, "TriggerHandoff")
	err := e.exec.Execute(ctx, DependencyStore, fc, func(ctx context.Context) error {
		return e.store.TriggerHandoff(ctx, sess.ID)
	})
	if err != nil {
		return err
	}
	e.recordEvents(ctx, sess.ID, []models.Event{{
		Type:      models.EventSessionEscalated,
		StepID:    sess.Step,
		Data:      map[string]string{"class": string(class)},
		Timestamp: time.Now(),
	}})
	return nil
}

// failTurn converts an exhausted or non-retryable fault into a user-facing
// result. Storage exhaustion escalates with context preserved; flow-logic
// faults reset the session without preserving context.
func (e *Engine) failTurn(ctx context.Context, sess *models.Session, err error, fc models.FaultContext) (*models.FlowResult, error) {
	resp := e.responder.Handle(err, fc)
	res := &models.FlowResult{
		Messages: []models.OutboundMessage{{Kind: models.MessageKindText, Body: resp.UserMessage}},
	}
	if sess == nil {
		return res, err
	}
	if resp.EscalateToHuman {
		res.ShouldHandoff = true
		if hErr := e.store.TriggerHandoff(ctx, sess.ID); hErr != nil {
			slog.Error("Engine.failTurn: escalation handoff failed", "error", hErr, "session_id", sess.ID)
		}
	}
	if resp.Class == models.ErrorClassFlowLogic {
		if rErr := e.store.ResetSession(ctx, sess.ID); rErr != nil {
			slog.Error("Engine.failTurn: flow-logic reset failed", "error", rErr, "session_id", sess.ID)
		}
	}
	return res, err
}

// persistFlowControl writes ladder flags outside the main transition. Losing
// a counter reset is tolerable, so failures are logged and swallowed.
func (e *Engine) persistFlowControl(ctx context.Context, sess *models.Session, ctl models.FlowControl) {
	if err := e.store.UpdateState(ctx, sess.ID, store.SessionUpdate{Flow: &ctl}); err != nil {
		slog.Warn("Engine.persistFlowControl: flow-control write failed", "error", err, "session_id", sess.ID)
	}
}

// recordEvents persists telemetry best-effort; a failure never fails the turn.
func (e *Engine) recordEvents(ctx context.Context, sessionID string, events []models.Event) {
	for _, ev := range events {
		if err := e.store.RecordEvent(ctx, sessionID, ev); err != nil {
			slog.Warn("Engine.recordEvents: telemetry write failed", "error", err, "session_id", sessionID, "type", ev.Type)
		}
	}
}

// logMessage persists one message for audit, best-effort.
func (e *Engine) logMessage(ctx context.Context, sessionID string, dir models.MessageDirection, kind models.MessageKind, content string) {
	err := e.store.AppendMessage(ctx, sessionID, store.StoredMessage{
		Direction: dir,
		Kind:      kind,
		Content:   content,
	})
	if err != nil {
		slog.Warn("Engine.logMessage: message log failed", "error", err, "session_id", sessionID)
	}
}

func (e *Engine) notifyObserver(ctx context.Context, sessionID string) {
	e.mu.Lock()
	o := e.observer
	e.mu.Unlock()
	if o != nil {
		o.NoteUserResponse(ctx, sessionID)
	}
}

func (e *Engine) faultContext(sess *models.Session, operation string) models.FaultContext {
	return models.FaultContext{
		Address:   sess.Address,
		SessionID: sess.ID,
		Step:      sess.Step,
		Operation: operation,
		Timestamp: time.Now(),
	}
}

// lockAddress serializes turns per channel address. The lock entry lives only
// while a turn holds or awaits it, keeping the registry bounded by concurrent
// conversations rather than by every address ever seen.
func (e *Engine) lockAddress(address string) func() {
	e.mu.Lock()
	l, ok := e.locks[address]
	if !ok {
		l = &addressLock{}
		e.locks[address] = l
	}
	l.refs++
	e.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, address)
		}
		e.mu.Unlock()
	}
}

func stringSnapshot(data map[models.DataKey]string) map[string]string {
	out := make(map[string]string, len(data))
	for k, v := range data {
		out[string(k)] = v
	}
	return out
}

// flowLogicError marks an impossible step dispatch.
type flowLogicError struct {
	step models.Step
}

func (f *flowLogicError) Error() string {
	return "conversation flow reached an unknown step: " + string(f.step)
}
