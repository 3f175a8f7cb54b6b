// Package store provides session storage backends for IntakeFlow.
//
// It includes an in-memory store for tests and development, plus SQLite and
// PostgreSQL backed stores with embedded migrations.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/JurisFlow/IntakeFlow/internal/models"
)

// SessionStore is the persistence collaborator of the flow engine and the
// timeout monitor. Implementations must keep one active session per address
// and bump UpdatedAt on every mutation so idle scans see activity.
type SessionStore interface {
	// GetOrCreateSession returns the active session for an address, creating
	// one at Welcome if none exists. A dormant session for the same address is
	// reactivated at Welcome under its original id, never duplicated.
	GetOrCreateSession(ctx context.Context, address string) (*models.Session, error)

	// GetSession returns a session by id, or models.ErrSessionNotFound.
	GetSession(ctx context.Context, id string) (*models.Session, error)

	// GetSessionByAddress returns the session for an address without creating
	// one, or models.ErrSessionNotFound.
	GetSessionByAddress(ctx context.Context, address string) (*models.Session, error)

	// UpdateStep advances the session's step and merges the data patch.
	UpdateStep(ctx context.Context, id string, step models.Step, patch map[models.DataKey]string) error

	// UpdateState applies the non-step session fields present in the update.
	UpdateState(ctx context.Context, id string, update SessionUpdate) error

	// AppendMessage logs one inbound or outbound message for audit.
	AppendMessage(ctx context.Context, id string, msg StoredMessage) error

	// RecordEvent logs one telemetry event.
	RecordEvent(ctx context.Context, id string, ev models.Event) error

	// ListIdleSessions returns active sessions untouched since the given time.
	ListIdleSessions(ctx context.Context, idleSince time.Time) ([]*models.Session, error)

	// ListEventsByType returns events of the given types recorded after since,
	// newest last. Used to rebuild re-engagement bookkeeping after a restart.
	ListEventsByType(ctx context.Context, types []models.EventType, since time.Time) ([]StoredEvent, error)

	// ResetSession returns the session to Welcome with collected data and
	// flow-control flags cleared, keeping the id and address.
	ResetSession(ctx context.Context, id string) error

	// DeactivateSession marks the session dormant.
	DeactivateSession(ctx context.Context, id string) error

	// TriggerHandoff marks the session as handed off to a human, preserving
	// its collected data as handoff context.
	TriggerHandoff(ctx context.Context, id string) error

	// CleanupExpired deactivates active sessions idle beyond the threshold and
	// returns how many were touched.
	CleanupExpired(ctx context.Context, threshold time.Duration) (int, error)

	Close() error
}

// SessionUpdate carries optional field updates for UpdateState.
// Nil fields are left untouched.
type SessionUpdate struct {
	Active           *bool
	HandoffTriggered *bool
	Step             *models.Step
	Flow             *models.FlowControl
}

// StoredMessage is one logged message row.
type StoredMessage struct {
	ID        string                  `json:"id"`
	SessionID string                  `json:"session_id"`
	Direction models.MessageDirection `json:"direction"`
	Kind      models.MessageKind      `json:"kind"`
	Content   string                  `json:"content"`
	Meta      map[string]string       `json:"meta,omitempty"`
	CreatedAt time.Time               `json:"created_at"`
}

// StoredEvent is one logged telemetry event row.
type StoredEvent struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Event     models.Event
}

// Opts holds configuration for SQL-backed stores.
type Opts struct {
	DSN string
}

// Option defines a configuration option for a store.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType reports "postgres" for PostgreSQL-style DSNs and "sqlite"
// for file paths.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}
