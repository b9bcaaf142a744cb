package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/pumpwatch/pumpwatch/internal/events"
)

// SessionRecord is a row in data_collection_sessions.
type SessionRecord struct {
	SessionID  string
	Mode       events.SessionMode
	Status     events.SessionStatus
	StartedAt  time.Time
	EndedAt    *time.Time
	ConfigJSON []byte
}

// CreateSession inserts a new session row.
func (db *DB) CreateSession(ctx context.Context, rec *SessionRecord) error {
	query := `
		INSERT INTO data_collection_sessions (
			session_id, mode, status, started_at, config_json
		) VALUES ($1, $2, $3, $4, $5)
	`

	if rec.ConfigJSON == nil {
		rec.ConfigJSON = []byte("{}")
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}

	_, err := db.pool.Exec(ctx, query,
		rec.SessionID,
		rec.Mode,
		rec.Status,
		rec.StartedAt,
		rec.ConfigJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	log.Info().
		Str("session_id", rec.SessionID).
		Str("mode", string(rec.Mode)).
		Msg("Session row created")
	return nil
}

// UpdateSessionStatus records a status transition; a terminal status also
// stamps ended_at.
func (db *DB) UpdateSessionStatus(ctx context.Context, sessionID string, status events.SessionStatus) error {
	query := `
		UPDATE data_collection_sessions
		SET status = $2,
		    ended_at = CASE WHEN $2 IN ('stopped', 'failed') THEN NOW() ELSE ended_at END
		WHERE session_id = $1
	`

	tag, err := db.pool.Exec(ctx, query, sessionID, status)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	return nil
}

// GetSession retrieves a session by id.
func (db *DB) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	query := `
		SELECT session_id, mode, status, started_at, ended_at, config_json
		FROM data_collection_sessions
		WHERE session_id = $1
	`

	var rec SessionRecord
	err := db.pool.QueryRow(ctx, query, sessionID).Scan(
		&rec.SessionID,
		&rec.Mode,
		&rec.Status,
		&rec.StartedAt,
		&rec.EndedAt,
		&rec.ConfigJSON,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("session not found: %s", sessionID)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &rec, nil
}

// MarshalSessionConfig serialises an arbitrary session config for storage.
func MarshalSessionConfig(cfg any) ([]byte, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session config: %w", err)
	}
	return data, nil
}
