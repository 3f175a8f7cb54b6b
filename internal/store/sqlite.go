// Package store provides session storage backends for IntakeFlow.
//
// This file implements the SQLite-backed session store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/JurisFlow/IntakeFlow/internal/models"
	"github.com/JurisFlow/IntakeFlow/internal/util"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is a SessionStore backed by a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path; the directory is created if missing.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// GetOrCreateSession returns the session for an address, reactivating a
// dormant one at Welcome or inserting a fresh row.
func (s *SQLiteStore) GetOrCreateSession(ctx context.Context, address string) (*models.Session, error) {
	if address == "" {
		return nil, models.ErrEmptyAddress
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE address = ?`, address)
	sess, err := scanSession(row.Scan)
	if err == nil {
		if !sess.Active {
			if err := s.ResetSession(ctx, sess.ID); err != nil {
				return nil, err
			}
			slog.Debug("SQLiteStore reactivated dormant session", "session_id", sess.ID, "address", address)
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
		VALUES (?, ?, ?, NULL, 0, 0, 1, 0, ?, ?)`,
		sess.ID, sess.Address, string(sess.Step), sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return nil, wrapStorageErr("GetOrCreateSession", err)
	}
	slog.Debug("SQLiteStore created session", "session_id", sess.ID, "address", address)
	return sess, nil
}

// GetSession returns a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
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
func (s *SQLiteStore) GetSessionByAddress(ctx context.Context, address string) (*models.Session, error) {
	if address == "" {
		return nil, models.ErrEmptyAddress
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE address = ?`, address)
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
func (s *SQLiteStore) UpdateStep(ctx context.Context, id string, step models.Step, patch map[models.DataKey]string) error {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	for k, v := range patch {
		sess.Data[k] = v
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE sessions SET step = ?, data = ?, updated_at = ? WHERE id = ?`,
		string(step), marshalData(sess.Data), time.Now(), id)
	if err != nil {
		slog.Error("SQLiteStore UpdateStep failed", "error", err, "session_id", id, "step", step)
		return wrapStorageErr("UpdateStep", err)
	}
	slog.Debug("SQLiteStore UpdateStep succeeded", "session_id", id, "step", step)
	return nil
}

// UpdateState applies the non-nil fields of the update.
func (s *SQLiteStore) UpdateState(ctx context.Context, id string, update SessionUpdate) error {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	applyUpdate(sess, update)
	_, err = s.db.ExecContext(ctx, `
		UPDATE sessions SET step = ?, invalid_count = ?, handoff_offered = ?, last_options = ?, active = ?, handoff_triggered = ?, updated_at = ?
		WHERE id = ?`,
		string(sess.Step), sess.Flow.InvalidCount, sess.Flow.HandoffOffered, marshalOptions(sess.Flow.LastOptions),
		sess.Active, sess.HandoffTriggered, sess.UpdatedAt, id)
	if err != nil {
		slog.Error("SQLiteStore UpdateState failed", "error", err, "session_id", id)
		return wrapStorageErr("UpdateState", err)
	}
	return nil
}

// AppendMessage logs one message.
func (s *SQLiteStore) AppendMessage(ctx context.Context, id string, msg StoredMessage) error {
	if msg.ID == "" {
		msg.ID = util.GenerateRandomID("msg_", 16)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_messages (id, session_id, direction, kind, content, meta, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, id, string(msg.Direction), string(msg.Kind), msg.Content, marshalData(msg.Meta), msg.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore AppendMessage failed", "error", err, "session_id", id)
		return wrapStorageErr("AppendMessage", err)
	}
	return nil
}

// RecordEvent logs one telemetry event.
func (s *SQLiteStore) RecordEvent(ctx context.Context, id string, ev models.Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	data := make(map[string]string, len(ev.Data))
	for k, v := range ev.Data {
		data[k] = v
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_events (id, session_id, type, step_id, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		util.GenerateRandomID("evt_", 16), id, string(ev.Type), string(ev.StepID), marshalData(data), ev.Timestamp)
	if err != nil {
		slog.Error("SQLiteStore RecordEvent failed", "error", err, "session_id", id, "type", ev.Type)
		return wrapStorageErr("RecordEvent", err)
	}
	return nil
}

// ListIdleSessions returns active sessions untouched since idleSince.
func (s *SQLiteStore) ListIdleSessions(ctx context.Context, idleSince time.Time) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE active = 1 AND updated_at < ?`, idleSince)
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
func (s *SQLiteStore) ListEventsByType(ctx context.Context, types []models.EventType, since time.Time) ([]StoredEvent, error) {
	if len(types) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := make([]interface{}, 0, len(types)+1)
	for i, t := range types {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, string(t))
	}
	args = append(args, since)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, type, step_id, data, created_at FROM session_events
		WHERE type IN (`+placeholders+`) AND created_at > ? ORDER BY created_at`, args...)
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
func (s *SQLiteStore) ResetSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET step = ?, data = NULL, invalid_count = 0, handoff_offered = 0,
		last_options = NULL, active = 1, handoff_triggered = 0, updated_at = ? WHERE id = ?`,
		string(models.StepWelcome), time.Now(), id)
	if err != nil {
		return wrapStorageErr("ResetSession", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrSessionNotFound
	}
	slog.Debug("SQLiteStore ResetSession succeeded", "session_id", id)
	return nil
}

// DeactivateSession marks the session dormant.
func (s *SQLiteStore) DeactivateSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET active = 0, updated_at = ? WHERE id = ?`, time.Now(), id)
	if err != nil {
		return wrapStorageErr("DeactivateSession", err)
	}
	return nil
}

// TriggerHandoff marks the session handed off to a human.
func (s *SQLiteStore) TriggerHandoff(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET handoff_triggered = 1, updated_at = ? WHERE id = ?`, time.Now(), id)
	if err != nil {
		return wrapStorageErr("TriggerHandoff", err)
	}
	return nil
}

// CleanupExpired deactivates active sessions idle beyond the threshold.
func (s *SQLiteStore) CleanupExpired(ctx context.Context, threshold time.Duration) (int, error) {
	cutoff := time.Now().Add(-threshold)
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET active = 0, updated_at = ? WHERE active = 1 AND updated_at < ?`,
		time.Now(), cutoff)
	if err != nil {
		return 0, wrapStorageErr("CleanupExpired", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapStorageErr("CleanupExpired", err)
	}
	slog.Debug("SQLiteStore CleanupExpired succeeded", "count", n)
	return int(n), nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}
