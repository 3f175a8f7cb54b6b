// Package store provides session storage backends for IntakeFlow.
//
// This file implements the PostgreSQL-backed session store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/JurisFlow/IntakeFlow/internal/models"
	"github.com/JurisFlow/IntakeFlow/internal/util"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is a SessionStore backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// GetOrCreateSession returns the session for an address, reactivating a
// dormant one at Welcome or inserting a fresh row.
func (s *PostgresStore) GetOrCreateSession(ctx context.Context, address string) (*models.Session, error) {
	if address == "" {
		return nil, models.ErrEmptyAddress
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE address = $1`, address)
	sess, err := scanSession(row.Scan)
	if err == nil {
		if !sess.Active {
			if err := s.ResetSession(ctx, sess.ID); err != nil {
				return nil, err
			}
			slog.Debug("PostgresStore reactivated dormant session", "session_id", sess.ID, "address", address)
			return s.GetSession(ctx, sess.ID)
		}
		return sess, nil
	}
	if err != sql.ErrNoRows {
		return nil, wrapStorageErr("GetOrCreateSession", err)
	}

	now := time.Now()
	sess = &models.Session{
		ID:        uuid.NewString(),
		Address:   address,
		Step:      models.StepWelcome,
		Data:      make(map[models.DataKey]string),
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, address, step, data, invalid_count, handoff_offered, active, handoff_triggered, created_at, updated_at)
		VALUES ($1, $2, $3, NULL, 0, FALSE, TRUE, FALSE, $4, $5)`,
		sess.ID, sess.Address, string(sess.Step), sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return nil, wrapStorageErr("GetOrCreateSession", err)
	}
	slog.Debug("PostgresStore created session", "session_id", sess.ID, "address", address)
	return sess, nil
}

// GetSession returns a session by id.
func (s *PostgresStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row.Scan)
	if err == sql.ErrNoRows {
		return nil, models.ErrSessionNotFound
	}
	if err != nil {
		return nil, wrapStorageErr("GetSession", err)
	}
	return sess, nil
}

// GetSessionByAddress returns the session for an address without creating one.
func (s *PostgresStore) GetSessionByAddress(ctx context.Context, address string) (*models.Session, error) {
	if address == "" {
		return nil, models.ErrEmptyAddress
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE address = $1`, address)
	sess, err := scanSession(row.Scan)
	if err == sql.ErrNoRows {
		return nil, models.ErrSessionNotFound
	}
	if err != nil {
		return nil, wrapStorageErr("GetSessionByAddress", err)
	}
	return sess, nil
}

// UpdateStep advances the step and merges the collected-data patch.
func (s *PostgresStore) UpdateStep(ctx context.Context, id string, step models.Step, patch map[models.DataKey]string) error {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	for k, v := range patch {
		sess.Data[k] = v
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE sessions SET step = $1, data = $2, updated_at = $3 WHERE id = $4`,
		string(step), marshalData(sess.Data), time.Now(), id)
	if err != nil {
		slog.Error("PostgresStore UpdateStep failed", "error", err, "session_id", id, "step", step)
		return wrapStorageErr("UpdateStep", err)
	}
	slog.Debug("PostgresStore UpdateStep succeeded", "session_id", id, "step", step)
	return nil
}

// UpdateState applies the non-nil fields of the update.
func (s *PostgresStore) UpdateState(ctx context.Context, id string, update SessionUpdate) error {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	applyUpdate(sess, update)
	_, err = s.db.ExecContext(ctx, `
		UPDATE sessions SET step = $1, invalid_count = $2, handoff_offered = $3, last_options = $4, active = $5, handoff_triggered = $6, updated_at = $7
		WHERE id = $8`,
		string(sess.Step), sess.Flow.InvalidCount, sess.Flow.HandoffOffered, marshalOptions(sess.Flow.LastOptions),
		sess.Active, sess.HandoffTriggered, sess.UpdatedAt, id)
	if err != nil {
		slog.Error("PostgresStore UpdateState failed", "error", err, "session_id", id)
		return wrapStorageErr("UpdateState", err)
	}
	return nil
}

// AppendMessage logs one message.
func (s *PostgresStore) AppendMessage(ctx context.Context, id string, msg StoredMessage) error {
	if msg.ID == "" {
		msg.ID = util.GenerateRandomID("msg_", 16)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_messages (id, session_id, direction, kind, content, meta, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.ID, id, string(msg.Direction), string(msg.Kind), msg.Content, marshalData(msg.Meta), msg.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore AppendMessage failed", "error", err, "session_id", id)
		return wrapStorageErr("AppendMessage", err)
	}
	return nil
}

// RecordEvent logs one telemetry event.
func (s *PostgresStore) RecordEvent(ctx context.Context, id string, ev models.Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_events (id, session_id, type, step_id, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		util.GenerateRandomID("evt_", 16), id, string(ev.Type), string(ev.StepID), marshalData(ev.Data), ev.Timestamp)
	if err != nil {
		slog.Error("PostgresStore RecordEvent failed", "error", err, "session_id", id, "type", ev.Type)
		return wrapStorageErr("RecordEvent", err)
	}
	return nil
}

// ListIdleSessions returns active sessions untouched since idleSince.
func (s *PostgresStore) ListIdleSessions(ctx context.Context, idleSince time.Time) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE active = TRUE AND updated_at < $1`, idleSince)
	if err != nil {
		return nil, wrapStorageErr("ListIdleSessions", err)
	}
	defer rows.Close()

	var idle []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows.Scan)
		if err != nil {
			return nil, wrapStorageErr("ListIdleSessions", err)
		}
		idle = append(idle, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorageErr("ListIdleSessions", err)
	}
	return idle, nil
}

// ListEventsByType returns matching events recorded after since.
func (s *PostgresStore) ListEventsByType(ctx context.Context, types []models.EventType, since time.Time) ([]StoredEvent, error) {
	if len(types) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := make([]interface{}, 0, len(types)+1)
	for i, t := range types {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += fmt.Sprintf("$%d", i+1)
		args = append(args, string(t))
	}
	args = append(args, since)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, session_id, type, step_id, data, created_at FROM session_events
		WHERE type IN (%s) AND created_at > $%d ORDER BY created_at`, placeholders, len(types)+1), args...)
	if err != nil {
		return nil, wrapStorageErr("ListEventsByType", err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var se StoredEvent
		var evType, stepID string
		var data sql.NullString
		if err := rows.Scan(&se.ID, &se.SessionID, &evType, &stepID, &data, &se.Event.Timestamp); err != nil {
			return nil, wrapStorageErr("ListEventsByType", err)
		}
		se.Event.Type = models.EventType(evType)
		se.Event.StepID = models.Step(stepID)
		se.Event.Data = unmarshalData[string](data)
		out = append(out, se)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorageErr("ListEventsByType", err)
	}
	return out, nil
}

// ResetSession returns the session to Welcome with data and flags cleared.
func (s *PostgresStore) ResetSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET step = $1, data = NULL, invalid_count = 0, handoff_offered = FALSE,
		last_options = NULL, active = TRUE, handoff_triggered = FALSE, updated_at = $2 WHERE id = $3`,
		string(models.StepWelcome), time.Now(), id)
	if err != nil {
		return wrapStorageErr("ResetSession", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrSessionNotFound
	}
	slog.Debug("PostgresStore ResetSession succeeded", "session_id", id)
	return nil
}

// DeactivateSession marks the session dormant.
func (s *PostgresStore) DeactivateSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET active = FALSE, updated_at = $1 WHERE id = $2`, time.Now(), id)
	if err != nil {
		return wrapStorageErr("DeactivateSession", err)
	}
	return nil
}

// TriggerHandoff marks the session handed off to a human.
func (s *PostgresStore) TriggerHandoff(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET handoff_triggered = TRUE, updated_at = $1 WHERE id = $2`, time.Now(), id)
	if err != nil {
		return wrapStorageErr("TriggerHandoff", err)
	}
	return nil
}

// CleanupExpired deactivates active sessions idle beyond the threshold.
func (s *PostgresStore) CleanupExpired(ctx context.Context, threshold time.Duration) (int, error) {
	cutoff := time.Now().Add(-threshold)
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET active = FALSE, updated_at = $1 WHERE active = TRUE AND updated_at < $2`,
		time.Now(), cutoff)
	if err != nil {
		return 0, wrapStorageErr("CleanupExpired", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapStorageErr("CleanupExpired", err)
	}
	slog.Debug("PostgresStore CleanupExpired succeeded", "count", n)
	return int(n), nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
