// Package market produces the session tick stream. Two interchangeable
// sources publish the same events on market.price_update: a live exchange
// websocket feed and a store-backed replay of a prior session.
package market

import "context"

// Source is a tick producer. Run blocks until the stream ends or ctx is
// cancelled; cancellation is the only stop primitive.
type Source interface {
	Run(ctx context.Context) error
}
