package orders

import (
	"github.com/pumpwatch/pumpwatch/internal/events"
	"github.com/pumpwatch/pumpwatch/internal/metrics"
	"github.com/pumpwatch/pumpwatch/internal/strategy"
)

// RiskConfig is the immutable risk envelope for one session.
type RiskConfig struct {
	// GlobalCap bounds sum(open position margin) plus margin reserved by
	// pending entry orders.
	GlobalCap float64
	// Allocations caps margin per strategy id; zero means uncapped.
	Allocations map[string]float64
	// Directions restricts order sides per strategy id.
	Directions map[string]strategy.Direction
	// Symbols is the session's tradable set.
	Symbols map[string]bool
}

// Exposure is the current margin picture at check time.
type Exposure struct {
	OpenMargin     float64 // filled positions
	ReservedMargin float64 // pending entry orders
	StrategyMargin float64 // open + reserved attributed to the signal's strategy
}

// Check validates an entry signal against the risk envelope. It returns
// the margin the order will consume and an empty reason on acceptance, or
// a bounded rejection reason.
func (r *RiskConfig) Check(sig *events.Signal, exp Exposure) (margin float64, reason string) {
	if !r.Symbols[sig.Symbol] {
		return 0, metrics.RejectSymbol
	}
	if sig.Price <= 0 || sig.Quantity <= 0 {
		return 0, metrics.RejectPrice
	}

	if dir, ok := r.Directions[sig.StrategyID]; ok && dir != strategy.DirectionBoth {
		if dir == strategy.DirectionLong && sig.Kind != events.SignalBuy {
			return 0, metrics.RejectDirection
		}
		if dir == strategy.DirectionShort && sig.Kind != events.SignalSell {
			return 0, metrics.RejectDirection
		}
	}

	leverage := sig.Leverage
	if leverage < 1 {
		leverage = 1
	}
	margin = sig.Price * sig.Quantity / leverage

	if cap := r.Allocations[sig.StrategyID]; cap > 0 && exp.StrategyMargin+margin > cap {
		return 0, metrics.RejectAllocation
	}
	if exp.OpenMargin+exp.ReservedMargin+margin > r.GlobalCap {
		return 0, metrics.RejectBudget
	}
	return margin, ""
}
