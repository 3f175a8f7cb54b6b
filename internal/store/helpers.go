package store

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/JurisFlow/IntakeFlow/internal/models"
)

// wrapStorageErr wraps a database error so the resilience subsystem can
// classify it, flagging transient connection conditions as retryable.
func wrapStorageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &models.StorageError{
		Operation: op,
		Transient: isTransientSQLError(err),
		Err:       err,
	}
}

// isTransientSQLError distinguishes connection-level trouble from integrity
// violations, which must never be retried.
func isTransientSQLError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"constraint", "duplicate key", "unique"} {
		if strings.Contains(msg, marker) {
			return false
		}
	}
	for _, marker := range []string{"connection", "timeout", "temporar", "deadlock", "database is locked", "too many connections", "broken pipe"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// marshalData encodes a map column, returning NULL for empty maps.
func marshalData[K ~string](data map[K]string) interface{} {
	if len(data) == 0 {
		return nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		slog.Error("store marshalData failed", "error", err)
		return nil
	}
	return string(b)
}

// unmarshalData decodes a nullable map column. Corrupt JSON yields an empty
// map rather than a fault.
func unmarshalData[K ~string](raw sql.NullString) map[K]string {
	out := make(map[K]string)
	if !raw.Valid || raw.String == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw.String), &out); err != nil {
		slog.Error("store unmarshalData failed, continuing with empty map", "error", err)
		return make(map[K]string)
	}
	return out
}

// marshalOptions encodes the last-presented option set, NULL when empty.
func marshalOptions(options []models.MessageOption) interface{} {
	if len(options) == 0 {
		return nil
	}
	b, err := json.Marshal(options)
	if err != nil {
		slog.Error("store marshalOptions failed", "error", err)
		return nil
	}
	return string(b)
}

// unmarshalOptions decodes a nullable option-set column. Corrupt JSON yields
// nil, which makes the engine fall back to the step's own options.
func unmarshalOptions(raw sql.NullString) []models.MessageOption {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var out []models.MessageOption
	if err := json.Unmarshal([]byte(raw.String), &out); err != nil {
		slog.Error("store unmarshalOptions failed, continuing without options", "error", err)
		return nil
	}
	return out
}

// scanSession scans one session row. The caller provides the row's Scan.
func scanSession(scan func(dest ...interface{}) error) (*models.Session, error) {
	var sess models.Session
	var step string
	var data, lastOptions sql.NullString
	err := scan(&sess.ID, &sess.Address, &step, &data,
		&sess.Flow.InvalidCount, &sess.Flow.HandoffOffered, &lastOptions,
		&sess.Active, &sess.HandoffTriggered, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	// Unrecognized persisted steps load as Welcome, never as a fault.
	sess.Step = models.ParseStep(step)
	sess.Data = unmarshalData[models.DataKey](data)
	sess.Flow.LastOptions = unmarshalOptions(lastOptions)
	return &sess, nil
}

const sessionColumns = `id, address, step, data, invalid_count, handoff_offered, last_options, active, handoff_triggered, created_at, updated_at`
