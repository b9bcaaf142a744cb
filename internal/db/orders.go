package db

import (
	"context"
	"fmt"

	"github.com/pumpwatch/pumpwatch/internal/events"
)

// UpsertOrder writes the latest snapshot of an order. order_id is the
// deduplication key; later states overwrite earlier ones.
func (db *DB) UpsertOrder(ctx context.Context, o *events.Order) error {
	query := `
		INSERT INTO orders (
			order_id, session_id, strategy_id, symbol, side, type,
			quantity, price, status, created_at, updated_at, pnl_realised
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (order_id) DO UPDATE SET
			status = EXCLUDED.status,
			price = EXCLUDED.price,
			updated_at = EXCLUDED.updated_at,
			pnl_realised = EXCLUDED.pnl_realised
	`

	_, err := db.pool.Exec(ctx, query,
		o.OrderID,
		o.SessionID,
		o.StrategyID,
		o.Symbol,
		o.Side,
		o.Type,
		o.Quantity,
		o.Price,
		o.Status,
		o.CreatedAt,
		o.UpdatedAt,
		o.RealisedPnL,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert order: %w", err)
	}
	return nil
}

// GetSessionOrders returns all orders of a session, newest first.
func (db *DB) GetSessionOrders(ctx context.Context, sessionID string) ([]events.Order, error) {
	query := `
		SELECT order_id, session_id, strategy_id, symbol, side, type,
		       quantity, price, status, created_at, updated_at, pnl_realised
		FROM orders
		WHERE session_id = $1
		ORDER BY created_at DESC
	`

	rows, err := db.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []events.Order
	for rows.Next() {
		var o events.Order
		if err := rows.Scan(
			&o.OrderID, &o.SessionID, &o.StrategyID, &o.Symbol, &o.Side, &o.Type,
			&o.Quantity, &o.Price, &o.Status, &o.CreatedAt, &o.UpdatedAt, &o.RealisedPnL,
		); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}
	return orders, nil
}
