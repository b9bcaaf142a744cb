package db

import (
	"context"
	"fmt"

	"github.com/pumpwatch/pumpwatch/internal/events"
)

// UpsertPosition writes the latest snapshot of a position. position_id is
// the deduplication key.
func (db *DB) UpsertPosition(ctx context.Context, p *events.Position) error {
	query := `
		INSERT INTO positions (
			position_id, session_id, symbol, side, quantity, avg_price, updated_at, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (position_id) DO UPDATE SET
			quantity = EXCLUDED.quantity,
			avg_price = EXCLUDED.avg_price,
			updated_at = EXCLUDED.updated_at,
			status = EXCLUDED.status
	`

	_, err := db.pool.Exec(ctx, query,
		p.PositionID,
		p.SessionID,
		p.Symbol,
		p.Side,
		p.Quantity,
		p.AvgPrice,
		p.UpdatedAt,
		p.Status,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert position: %w", err)
	}
	return nil
}

// GetSessionPositions returns all positions of a session.
func (db *DB) GetSessionPositions(ctx context.Context, sessionID string) ([]events.Position, error) {
	query := `
		SELECT position_id, session_id, symbol, side, quantity, avg_price, updated_at, status
		FROM positions
		WHERE session_id = $1
		ORDER BY updated_at DESC
	`

	rows, err := db.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var positions []events.Position
	for rows.Next() {
		var p events.Position
		if err := rows.Scan(
			&p.PositionID, &p.SessionID, &p.Symbol, &p.Side,
			&p.Quantity, &p.AvgPrice, &p.UpdatedAt, &p.Status,
		); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}
	return positions, nil
}
