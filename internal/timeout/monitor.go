// Package timeout implements the inactivity monitor that reclaims stalled
// conversations.
//
// The Monitor periodically scans for idle sessions, classifies each timeout
// from the session's step and idle duration, and drives re-engagement
// attempts up to the class's ceiling before escalating to a human or
// resetting the session. Attempt bookkeeping lives in working memory and is
// rebuilt from persisted telemetry events after a restart.
package timeout

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/JurisFlow/IntakeFlow/internal/messaging"
	"github.com/JurisFlow/IntakeFlow/internal/models"
	"github.com/JurisFlow/IntakeFlow/internal/resilience"
	"github.com/JurisFlow/IntakeFlow/internal/store"
)

// Default monitor configuration
const (
	// DefaultCheckInterval is how often the idle scan runs.
	DefaultCheckInterval = time.Minute
	// DefaultIdleThreshold is the minimum silence before a session is scanned.
	DefaultIdleThreshold = 5 * time.Minute
	// DefaultAttemptSpacing is the minimum gap between two nudges to one session.
	DefaultAttemptSpacing = 10 * time.Minute
	// recoveryWindow bounds how far back the startup rebuild reads events.
	recoveryWindow = 24 * time.Hour
)

// SessionControl exposes the flow-engine primitives the monitor resolves
// sessions with. Implemented by flow.Engine.
type SessionControl interface {
	ResetIdleSession(ctx context.Context, sess *models.Session, class models.TimeoutClass) error
	EscalateIdleSession(ctx context.Context, sess *models.Session, class models.TimeoutClass) error
}

// TextSender sends one plain text message. Satisfied by every messaging.Sender.
type TextSender interface {
	SendText(ctx context.Context, to string, body string) error
}

// ContentProvider builds the re-engagement copy.
type ContentProvider interface {
	Reengagement(class models.TimeoutClass, attempt int, final bool) models.OutboundMessage
}

// ReengagementStats is the health snapshot of the monitor.
type ReengagementStats struct {
	AttemptsSent      int     `json:"attempts_sent"`
	ResponsesReceived int     `json:"responses_received"`
	SuccessRate       float64 `json:"success_rate"`
	PendingSessions   int     `json:"pending_sessions"`
}

// Opts holds monitor configuration.
type Opts struct {
	CheckInterval  time.Duration
	IdleThreshold  time.Duration
	AttemptSpacing time.Duration
	Policies       map[models.TimeoutClass]models.ReengagementPolicy
}

// Option defines a configuration option for the monitor.
type Option func(*Opts)

// WithCheckInterval sets how often the idle scan runs.
func WithCheckInterval(d time.Duration) Option {
	return func(o *Opts) { o.CheckInterval = d }
}

// WithIdleThreshold sets the minimum silence before a session is scanned.
func WithIdleThreshold(d time.Duration) Option {
	return func(o *Opts) { o.IdleThreshold = d }
}

// WithAttemptSpacing sets the minimum gap between nudges to one session.
func WithAttemptSpacing(d time.Duration) Option {
	return func(o *Opts) { o.AttemptSpacing = d }
}

// WithPolicies overrides the per-class re-engagement policies.
func WithPolicies(p map[models.TimeoutClass]models.ReengagementPolicy) Option {
	return func(o *Opts) { o.Policies = p }
}

// Monitor is the timeout detection and re-engagement scheduler.
type Monitor struct {
	store   store.SessionStore
	control SessionControl
	sender  TextSender
	content ContentProvider
	exec    *resilience.Executor

	checkInterval  time.Duration
	idleThreshold  time.Duration
	attemptSpacing time.Duration
	policies       map[models.TimeoutClass]models.ReengagementPolicy

	mu       sync.Mutex
	attempts map[string][]models.ReengagementAttempt // by session id
	sent     int
	received int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor over the given collaborators.
func NewMonitor(st store.SessionStore, control SessionControl, sender TextSender, content ContentProvider, exec *resilience.Executor, opts ...Option) *Monitor {
	cfg := Opts{
		CheckInterval:  DefaultCheckInterval,
		IdleThreshold:  DefaultIdleThreshold,
		AttemptSpacing: DefaultAttemptSpacing,
		Policies:       models.DefaultReengagementPolicies(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Monitor{
		store:          st,
		control:        control,
		sender:         sender,
		content:        content,
		exec:           exec,
		checkInterval:  cfg.CheckInterval,
		idleThreshold:  cfg.IdleThreshold,
		attemptSpacing: cfg.AttemptSpacing,
		policies:       cfg.Policies,
		attempts:       make(map[string][]models.ReengagementAttempt),
	}
}

// Start rebuilds attempt bookkeeping from persisted events and begins the
// periodic scan.
func (m *Monitor) Start(ctx context.Context) error {
	m.rebuildAttempts(ctx)

	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.run(ctx)
	slog.Info("Monitor started", "check_interval", m.checkInterval, "idle_threshold", m.idleThreshold)
	return nil
}

// Stop cancels the scan loop and waits for any in-flight scan to finish.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	slog.Info("Monitor stopped")
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.scan(ctx)
		}
	}
}

// scan resolves every idle session via exactly one action: a re-engagement
// attempt, an escalation, a reset, or nothing when attempts are still fresh.
func (m *Monitor) scan(ctx context.Context) {
	now := time.Now()
	sessions, err := m.store.ListIdleSessions(ctx, now.Add(-m.idleThreshold))
	if err != nil {
		slog.Error("Monitor.scan: idle listing failed", "error", err)
		return
	}
	slog.Debug("Monitor.scan: scanning idle sessions", "count", len(sessions))

	for _, sess := range sessions {
		if sess.HandoffTriggered {
			// A human owns this conversation now.
			continue
		}
		m.resolve(ctx, sess, now)
	}
}

func (m *Monitor) resolve(ctx context.Context, sess *models.Session, now time.Time) {
	idle := now.Sub(sess.UpdatedAt)
	class := models.ClassifyTimeout(sess.Step, idle)
	policy := m.policies[class]

	m.mu.Lock()
	pending := m.attempts[sess.ID]
	m.mu.Unlock()

	if len(pending) >= policy.MaxAttempts {
		m.finalize(ctx, sess, class, policy)
		return
	}
	if len(pending) > 0 && now.Sub(pending[len(pending)-1].Timestamp) < m.attemptSpacing {
		return
	}
	m.attemptReengagement(ctx, sess, class, policy, len(pending)+1, now)
}

// finalize applies the terminal action after attempts are exhausted.
func (m *Monitor) finalize(ctx context.Context, sess *models.Session, class models.TimeoutClass, policy models.ReengagementPolicy) {
	var err error
	switch {
	case policy.Escalate:
		err = m.control.EscalateIdleSession(ctx, sess, class)
	case policy.AutoReset:
		err = m.control.ResetIdleSession(ctx, sess, class)
	default:
		return
	}
	if err != nil {
		slog.Error("Monitor.finalize: terminal action failed", "error", err, "session_id", sess.ID, "class", class)
		return
	}
	m.mu.Lock()
	delete(m.attempts, sess.ID)
	m.mu.Unlock()
	slog.Info("Monitor.finalize: idle session resolved", "session_id", sess.ID, "class", class, "escalated", policy.Escalate)
}

// attemptReengagement sends one nudge through the retry-wrapped sender and
// records the attempt regardless of send success.
func (m *Monitor) attemptReengagement(ctx context.Context, sess *models.Session, class models.TimeoutClass, policy models.ReengagementPolicy, attempt int, now time.Time) {
	final := attempt == policy.MaxAttempts
	body := m.content.Reengagement(class, attempt, final).Body

	fc := models.FaultContext{
		Address:   sess.Address,
		SessionID: sess.ID,
		Step:      sess.Step,
		Operation: "SendReengagement",
		Timestamp: now,
	}
	err := m.exec.Execute(ctx, messaging.DependencySender, fc, func(ctx context.Context) error {
		return m.sender.SendText(ctx, sess.Address, body)
	})
	if err != nil {
		slog.Error("Monitor.attemptReengagement: send failed", "error", err, "session_id", sess.ID, "attempt", attempt)
	}

	record := models.ReengagementAttempt{
		SessionID:   sess.ID,
		Attempt:     attempt,
		Timestamp:   now,
		Class:       class,
		MessageSent: err == nil,
	}
	m.mu.Lock()
	m.attempts[sess.ID] = append(m.attempts[sess.ID], record)
	m.sent++
	m.mu.Unlock()

	if evErr := m.store.RecordEvent(ctx, sess.ID, models.Event{
		Type:   models.EventReengagementSent,
		StepID: sess.Step,
		Data: map[string]string{
			"attempt": strconv.Itoa(attempt),
			"class":   string(class),
			"sent":    strconv.FormatBool(err == nil),
			"final":   strconv.FormatBool(final),
		},
		Timestamp: now,
	}); evErr != nil {
		slog.Warn("Monitor.attemptReengagement: telemetry write failed", "error", evErr, "session_id", sess.ID)
	}
}

// NoteUserResponse clears pending attempts for a session that replied. This
// is the signal that re-engagement succeeded and suppresses further timeout
// action for the session.
func (m *Monitor) NoteUserResponse(ctx context.Context, sessionID string) {
	m.mu.Lock()
	pending := m.attempts[sessionID]
	if len(pending) == 0 {
		m.mu.Unlock()
		return
	}
	for i := range pending {
		pending[i].ResponseReceived = true
	}
	delete(m.attempts, sessionID)
	m.received++
	m.mu.Unlock()

	if err := m.store.RecordEvent(ctx, sessionID, models.Event{
		Type:      models.EventReengagementResponse,
		Data:      map[string]string{"attempts": strconv.Itoa(len(pending))},
		Timestamp: time.Now(),
	}); err != nil {
		slog.Warn("Monitor.NoteUserResponse: telemetry write failed", "error", err, "session_id", sessionID)
	}
	slog.Debug("Monitor.NoteUserResponse: re-engagement succeeded", "session_id", sessionID, "attempts", len(pending))
}

// Stats returns the re-engagement health snapshot.
func (m *Monitor) Stats() ReengagementStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := ReengagementStats{
		AttemptsSent:      m.sent,
		ResponsesReceived: m.received,
		PendingSessions:   len(m.attempts),
	}
	if m.sent > 0 {
		stats.SuccessRate = float64(m.received) / float64(m.sent)
	}
	return stats
}

// rebuildAttempts restores in-flight bookkeeping from persisted telemetry.
// Losing precision here is acceptable; the events are the durable record.
func (m *Monitor) rebuildAttempts(ctx context.Context) {
	events, err := m.store.ListEventsByType(ctx,
		[]models.EventType{models.EventReengagementSent, models.EventReengagementResponse},
		time.Now().Add(-recoveryWindow))
	if err != nil {
		slog.Warn("Monitor.rebuildAttempts: event replay failed, starting empty", "error", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range events {
		switch ev.Event.Type {
		case models.EventReengagementSent:
			attempt, _ := strconv.Atoi(ev.Event.Data["attempt"])
			m.attempts[ev.SessionID] = append(m.attempts[ev.SessionID], models.ReengagementAttempt{
				SessionID:   ev.SessionID,
				Attempt:     attempt,
				Timestamp:   ev.Event.Timestamp,
				Class:       models.TimeoutClass(ev.Event.Data["class"]),
				MessageSent: ev.Event.Data["sent"] == "true",
			})
		case models.EventReengagementResponse:
			delete(m.attempts, ev.SessionID)
		}
	}
	if len(m.attempts) > 0 {
		slog.Info("Monitor.rebuildAttempts: restored pending attempts", "sessions", len(m.attempts))
	}
}
