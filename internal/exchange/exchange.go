// Package exchange wraps the upstream trading API behind a small client
// interface so the live order manager can be tested against a fake.
package exchange

import (
	"context"

	"github.com/pumpwatch/pumpwatch/internal/events"
)

// OrderResult is the reconciled remote state of one order.
type OrderResult struct {
	Status      events.OrderStatus
	FillPrice   float64
	ExecutedQty float64
}

// Client is the slice of the exchange API the live order manager uses.
// Client order ids are caller-generated and idempotent: re-submitting with
// the same id must not double-place.
type Client interface {
	PlaceOrder(ctx context.Context, o *events.Order, clientOrderID string) error
	CancelOrder(ctx context.Context, symbol, clientOrderID string) error
	QueryOrder(ctx context.Context, symbol, clientOrderID string) (OrderResult, error)
}
