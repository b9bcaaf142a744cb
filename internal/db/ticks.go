package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pumpwatch/pumpwatch/internal/events"
)

// InsertTicks appends tick rows in one round trip. Duplicate
// (session_id, symbol, timestamp) keys are ignored.
func (db *DB) InsertTicks(ctx context.Context, ticks []events.Tick) error {
	if len(ticks) == 0 {
		return nil
	}

	query := `
		INSERT INTO tick_prices (session_id, symbol, timestamp, price, volume)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, symbol, timestamp) DO NOTHING
	`

	batch := &pgx.Batch{}
	for _, t := range ticks {
		batch.Queue(query, t.SessionID, t.Symbol, t.Timestamp, t.Price, t.Volume)
	}

	results := db.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range ticks {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to insert ticks: %w", err)
		}
	}
	return nil
}

// GetSessionTicks streams every tick of a prior session ordered by
// (timestamp, symbol), the replay order.
func (db *DB) GetSessionTicks(ctx context.Context, sessionID string) ([]events.Tick, error) {
	query := `
		SELECT session_id, symbol, timestamp, price, volume
		FROM tick_prices
		WHERE session_id = $1
		ORDER BY timestamp, symbol
	`

	rows, err := db.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session ticks: %w", err)
	}
	defer rows.Close()

	var ticks []events.Tick
	for rows.Next() {
		var t events.Tick
		if err := rows.Scan(&t.SessionID, &t.Symbol, &t.Timestamp, &t.Price, &t.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan tick: %w", err)
		}
		ticks = append(ticks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ticks: %w", err)
	}
	return ticks, nil
}
