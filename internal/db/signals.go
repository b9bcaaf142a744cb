package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pumpwatch/pumpwatch/internal/events"
)

// InsertSignal appends one signal row. The (timestamp, signal_id) key makes
// re-publication of the same signal a no-op.
func (db *DB) InsertSignal(ctx context.Context, sig *events.Signal) error {
	snapshot, err := json.Marshal(sig.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal indicator snapshot: %w", err)
	}

	query := `
		INSERT INTO strategy_signals (
			signal_id, timestamp, session_id, strategy_id, symbol, kind, price, snapshot_json
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (timestamp, signal_id) DO NOTHING
	`

	_, err = db.pool.Exec(ctx, query,
		sig.SignalID,
		sig.Timestamp,
		sig.SessionID,
		sig.StrategyID,
		sig.Symbol,
		sig.Kind,
		sig.Price,
		snapshot,
	)
	if err != nil {
		return fmt.Errorf("failed to insert signal: %w", err)
	}
	return nil
}

// CountSignals returns the number of signal rows for a session.
func (db *DB) CountSignals(ctx context.Context, sessionID string) (int64, error) {
	var count int64
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM strategy_signals WHERE session_id = $1`, sessionID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count signals: %w", err)
	}
	return count, nil
}
