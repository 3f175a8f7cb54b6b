package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/JurisFlow/IntakeFlow/internal/models"
	"github.com/JurisFlow/IntakeFlow/internal/util"
	"github.com/google/uuid"
)

// InMemoryStore keeps all session state in process memory.
// Used by tests and local development; safe for concurrent use.
type InMemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]*models.Session // by session id
	byAddress map[string]string          // address -> session id
	messages  map[string][]StoredMessage // by session id
	events    []StoredEvent
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:  make(map[string]*models.Session),
		byAddress: make(map[string]string),
		messages:  make(map[string][]StoredMessage),
	}
}

// GetOrCreateSession returns the session for an address, reactivating a
// dormant one at Welcome or creating a fresh session.
func (s *InMemoryStore) GetOrCreateSession(ctx context.Context, address string) (*models.Session, error) {
	if address == "" {
		return nil, models.ErrEmptyAddress
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byAddress[address]; ok {
		sess := s.sessions[id]
		if !sess.Active {
			// Reuse the id rather than creating a duplicate session.
			sess.Active = true
			sess.Step = models.StepWelcome
			sess.Data = make(map[models.DataKey]string)
			sess.Flow = models.FlowControl{}
			sess.HandoffTriggered = false
			sess.UpdatedAt = time.Now()
			slog.Debug("InMemoryStore reactivated dormant session", "session_id", id, "address", address)
		}
		return copySession(sess), nil
	}

	now := time.Now()
	sess := &models.Session{
		ID:        uuid.NewString(),
		Address:   address,
		Step:      models.StepWelcome,
		Data:      make(map[models.DataKey]string),
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions[sess.ID] = sess
	s.byAddress[address] = sess.ID
	slog.Debug("InMemoryStore created session", "session_id", sess.ID, "address", address)
	return copySession(sess), nil
}

// GetSession returns a session by id.
func (s *InMemoryStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	return copySession(sess), nil
}

// GetSessionByAddress returns the session for an address without creating one.
func (s *InMemoryStore) GetSessionByAddress(ctx context.Context, address string) (*models.Session, error) {
	if address == "" {
		return nil, models.ErrEmptyAddress
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byAddress[address]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	return copySession(s.sessions[id]), nil
}

// UpdateStep advances the step and merges the collected-data patch.
func (s *InMemoryStore) UpdateStep(ctx context.Context, id string, step models.Step, patch map[models.DataKey]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return models.ErrSessionNotFound
	}
	sess.Step = step
	if sess.Data == nil {
		sess.Data = make(map[models.DataKey]string)
	}
	for k, v := range patch {
		sess.Data[k] = v
	}
	sess.UpdatedAt = time.Now()
	return nil
}

// UpdateState applies the non-nil fields of the update.
func (s *InMemoryStore) UpdateState(ctx context.Context, id string, update SessionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return models.ErrSessionNotFound
	}
	applyUpdate(sess, update)
	return nil
}

// AppendMessage logs one message.
func (s *InMemoryStore) AppendMessage(ctx context.Context, id string, msg StoredMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return models.ErrSessionNotFound
	}
	if msg.ID == "" {
		msg.ID = util.GenerateRandomID("msg_", 16)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.SessionID = id
	s.messages[id] = append(s.messages[id], msg)
	return nil
}

// RecordEvent logs one telemetry event.
func (s *InMemoryStore) RecordEvent(ctx context.Context, id string, ev models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return models.ErrSessionNotFound
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	s.events = append(s.events, StoredEvent{
		ID:        util.GenerateRandomID("evt_", 16),
		SessionID: id,
		Event:     ev,
	})
	return nil
}

// ListIdleSessions returns active sessions untouched since idleSince.
func (s *InMemoryStore) ListIdleSessions(ctx context.Context, idleSince time.Time) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var idle []*models.Session
	for _, sess := range s.sessions {
		if sess.Active && sess.UpdatedAt.Before(idleSince) {
			idle = append(idle, copySession(sess))
		}
	}
	return idle, nil
}

// ListEventsByType returns matching events recorded after since.
func (s *InMemoryStore) ListEventsByType(ctx context.Context, types []models.EventType, since time.Time) ([]StoredEvent, error) {
	wanted := make(map[models.EventType]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []StoredEvent
	for _, ev := range s.events {
		if wanted[ev.Event.Type] && ev.Event.Timestamp.After(since) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// ResetSession returns the session to Welcome with data and flags cleared.
func (s *InMemoryStore) ResetSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return models.ErrSessionNotFound
	}
	sess.Step = models.StepWelcome
	sess.Data = make(map[models.DataKey]string)
	sess.Flow = models.FlowControl{}
	sess.Active = true
	sess.HandoffTriggered = false
	sess.UpdatedAt = time.Now()
	return nil
}

// DeactivateSession marks the session dormant.
func (s *InMemoryStore) DeactivateSession(ctx context.Context, id string) error {
	active := false
	return s.UpdateState(ctx, id, SessionUpdate{Active: &active})
}

// TriggerHandoff marks the session handed off, preserving collected data.
func (s *InMemoryStore) TriggerHandoff(ctx context.Context, id string) error {
	triggered := true
	return s.UpdateState(ctx, id, SessionUpdate{HandoffTriggered: &triggered})
}

// CleanupExpired deactivates active sessions idle beyond the threshold.
func (s *InMemoryStore) CleanupExpired(ctx context.Context, threshold time.Duration) (int, error) {
	cutoff := time.Now().Add(-threshold)
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, sess := range s.sessions {
		if sess.Active && sess.UpdatedAt.Before(cutoff) {
			sess.Active = false
			sess.UpdatedAt = time.Now()
			count++
		}
	}
	return count, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

// GetMessages returns the logged messages for a session (test helper).
func (s *InMemoryStore) GetMessages(id string) []StoredMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]StoredMessage, len(s.messages[id]))
	copy(out, s.messages[id])
	return out
}

// SetUpdatedAt backdates a session's activity timestamp (test helper).
func (s *InMemoryStore) SetUpdatedAt(id string, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.UpdatedAt = ts
	}
}

// GetEvents returns all logged events (test helper).
func (s *InMemoryStore) GetEvents() []StoredEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]StoredEvent, len(s.events))
	copy(out, s.events)
	return out
}

func copySession(sess *models.Session) *models.Session {
	cp := *sess
	cp.Data = make(map[models.DataKey]string, len(sess.Data))
	for k, v := range sess.Data {
		cp.Data[k] = v
	}
	if len(sess.Flow.LastOptions) > 0 {
		cp.Flow.LastOptions = make([]models.MessageOption, len(sess.Flow.LastOptions))
		copy(cp.Flow.LastOptions, sess.Flow.LastOptions)
	}
	return &cp
}

func applyUpdate(sess *models.Session, update SessionUpdate) {
	if update.Active != nil {
		sess.Active = *update.Active
	}
	if update.HandoffTriggered != nil {
		sess.HandoffTriggered = *update.HandoffTriggered
	}
	if update.Step != nil {
		sess.Step = *update.Step
	}
	if update.Flow != nil {
		sess.Flow = *update.Flow
	}
	sess.UpdatedAt = time.Now()
}
