package orders

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pumpwatch/pumpwatch/internal/events"
)

// FillResult describes the position change caused by one fill.
type FillResult struct {
	Position events.Position
	// Realised is the P&L realised by the offset quantity of this fill,
	// fees already deducted.
	Realised float64
	Closed   bool
}

// Table is the in-memory position book, keyed by symbol within one
// session. Same-direction fills grow the position at a weighted-average
// entry price; opposite fills net against it, realising P&L on the offset
// quantity; a flip opens a fresh position with the surplus.
type Table struct {
	mu        sync.Mutex
	sessionID string
	positions map[string]*events.Position
}

// NewTable creates an empty position table for a session.
func NewTable(sessionID string) *Table {
	return &Table{
		sessionID: sessionID,
		positions: make(map[string]*events.Position),
	}
}

// Get returns a copy of the open position for a symbol.
func (t *Table) Get(symbol string) (events.Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.positions[symbol]
	if !ok {
		return events.Position{}, false
	}
	return *p, true
}

// OpenMargin sums margin across all open positions.
func (t *Table) OpenMargin() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var sum float64
	for _, p := range t.positions {
		sum += p.Margin
	}
	return sum
}

// OpenCount returns the number of open positions.
func (t *Table) OpenCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.positions)
}

// MarkPrice updates the open position's mark price and unrealised P&L.
func (t *Table) MarkPrice(symbol string, price float64, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.positions[symbol]
	if !ok {
		return
	}
	p.CurrentPrice = price
	p.UnrealisedPnL = unrealised(p)
	p.UpdatedAt = at
	refreshRisk(p)
}

// ApplyFill mutates the book with one fill and returns the resulting
// position state. fee is deducted from realised P&L. margin is the
// collateral committed to the added quantity at reservation time; the
// position keeps it regardless of where the fill prints, so the book
// never holds more margin than was reserved. Zero margin falls back to
// the fill-price notional over leverage.
func (t *Table) ApplyFill(symbol string, side events.OrderSide, qty, price, leverage, fee, margin float64, at time.Time) FillResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	if leverage < 1 {
		leverage = 1
	}
	if margin <= 0 {
		margin = price * qty / leverage
	}

	p, ok := t.positions[symbol]
	if !ok {
		p = t.open(symbol, side, qty, price, leverage, margin, at)
		p.RealisedPnL -= fee
		p.UnrealisedPnL = 0
		refreshRisk(p)
		return FillResult{Position: *p, Realised: -fee}
	}

	sameDirection := (p.Side == events.PositionLong && side == events.OrderSideBuy) ||
		(p.Side == events.PositionShort && side == events.OrderSideSell)

	if sameDirection {
		total := p.Quantity + qty
		p.AvgPrice = (p.AvgPrice*p.Quantity + price*qty) / total
		p.Quantity = total
		p.Margin += margin
		p.RealisedPnL -= fee
		p.CurrentPrice = price
		p.UnrealisedPnL = unrealised(p)
		p.UpdatedAt = at
		refreshRisk(p)
		return FillResult{Position: *p, Realised: -fee}
	}

	// Netting: realise P&L on the offset quantity.
	offset := math.Min(qty, p.Quantity)
	direction := 1.0
	if p.Side == events.PositionShort {
		direction = -1.0
	}
	realised := (price-p.AvgPrice)*offset*direction - fee
	p.RealisedPnL += realised

	remaining := p.Quantity - offset
	if remaining > 0 {
		p.Margin *= remaining / p.Quantity
		p.Quantity = remaining
		p.CurrentPrice = price
		p.UnrealisedPnL = unrealised(p)
		p.UpdatedAt = at
		refreshRisk(p)
		return FillResult{Position: *p, Realised: realised}
	}

	surplus := qty - offset
	if surplus > 0 {
		// Flip: the surplus opens a fresh position in the fill direction,
		// carrying the realised P&L and its share of the margin forward.
		carried := p.RealisedPnL
		p = t.open(symbol, side, surplus, price, leverage, margin*surplus/qty, at)
		p.RealisedPnL = carried
		refreshRisk(p)
		return FillResult{Position: *p, Realised: realised}
	}

	p.Quantity = 0
	p.Margin = 0
	p.CurrentPrice = price
	p.UnrealisedPnL = 0
	p.Status = events.PositionClosed
	p.UpdatedAt = at
	closed := *p
	delete(t.positions, symbol)
	return FillResult{Position: closed, Realised: realised, Closed: true}
}

func (t *Table) open(symbol string, side events.OrderSide, qty, price, leverage, margin float64, at time.Time) *events.Position {
	posSide := events.PositionLong
	if side == events.OrderSideSell {
		posSide = events.PositionShort
	}
	p := &events.Position{
		PositionID:   uuid.New(),
		SessionID:    t.sessionID,
		Symbol:       symbol,
		Side:         posSide,
		Quantity:     qty,
		AvgPrice:     price,
		CurrentPrice: price,
		Leverage:     leverage,
		Margin:       margin,
		Status:       events.PositionOpen,
		OpenedAt:     at,
		UpdatedAt:    at,
	}
	t.positions[symbol] = p
	return p
}

func unrealised(p *events.Position) float64 {
	if p.Side == events.PositionShort {
		return (p.AvgPrice - p.CurrentPrice) * p.Quantity
	}
	return (p.CurrentPrice - p.AvgPrice) * p.Quantity
}

// refreshRisk recomputes the derived margin fields.
func refreshRisk(p *events.Position) {
	if p.Margin > 0 {
		p.MarginRatio = p.UnrealisedPnL / p.Margin
	} else {
		p.MarginRatio = 0
	}
	if p.Leverage > 0 {
		if p.Side == events.PositionShort {
			p.LiquidationPrice = p.AvgPrice * (1 + 1/p.Leverage)
		} else {
			p.LiquidationPrice = p.AvgPrice * (1 - 1/p.Leverage)
		}
	}
}
