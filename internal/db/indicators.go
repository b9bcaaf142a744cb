package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pumpwatch/pumpwatch/internal/events"
)

// InsertIndicatorValues appends indicator rows in one round trip. Duplicate
// (session_id, symbol, variant_id, timestamp) keys are merged by upsert so
// at-least-once bus delivery yields exactly one row.
func (db *DB) InsertIndicatorValues(ctx context.Context, values []events.IndicatorUpdate) error {
	if len(values) == 0 {
		return nil
	}

	query := `
		INSERT INTO indicators (session_id, symbol, variant_id, timestamp, value)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, symbol, variant_id, timestamp)
		DO UPDATE SET value = EXCLUDED.value
	`

	batch := &pgx.Batch{}
	for _, v := range values {
		batch.Queue(query, v.SessionID, v.Symbol, v.VariantID, v.Timestamp, v.Value)
	}

	results := db.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range values {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to insert indicator values: %w", err)
		}
	}
	return nil
}

// CountIndicatorValues returns the number of rows for a (session, variant).
func (db *DB) CountIndicatorValues(ctx context.Context, sessionID, variantID string) (int64, error) {
	query := `
		SELECT COUNT(*) FROM indicators
		WHERE session_id = $1 AND variant_id = $2
	`

	var count int64
	if err := db.pool.QueryRow(ctx, query, sessionID, variantID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count indicator values: %w", err)
	}
	return count, nil
}
