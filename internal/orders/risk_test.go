package orders

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/pumpwatch/pumpwatch/internal/events"
	"github.com/pumpwatch/pumpwatch/internal/metrics"
	"github.com/pumpwatch/pumpwatch/internal/strategy"
)

func testRisk() RiskConfig {
	return RiskConfig{
		GlobalCap:   1000,
		Allocations: map[string]float64{"PumpV1": 400},
		Directions:  map[string]strategy.Direction{"PumpV1": strategy.DirectionLong},
		Symbols:     map[string]bool{"BTCUSDT": true, "ETHUSDT": true},
	}
}

func entrySig(symbol string, qty, price float64) *events.Signal {
	return &events.Signal{
		SignalID:   uuid.New(),
		SessionID:  "s",
		StrategyID: "PumpV1",
		Symbol:     symbol,
		Kind:       events.SignalBuy,
		Price:      price,
		Quantity:   qty,
		Leverage:   1,
	}
}

func TestRiskCheckAcceptsWithinBudget(t *testing.T) {
	r := testRisk()
	margin, reason := r.Check(entrySig("BTCUSDT", 2, 100), Exposure{})
	assert.Empty(t, reason)
	assert.InDelta(t, 200.0, margin, 1e-9)
}

func TestRiskCheckLeverageReducesMargin(t *testing.T) {
	r := testRisk()
	sig := entrySig("BTCUSDT", 2, 100)
	sig.Leverage = 4
	margin, reason := r.Check(sig, Exposure{})
	assert.Empty(t, reason)
	assert.InDelta(t, 50.0, margin, 1e-9)
}

func TestRiskCheckRejectsUnknownSymbol(t *testing.T) {
	r := testRisk()
	_, reason := r.Check(entrySig("DOGEUSDT", 1, 100), Exposure{})
	assert.Equal(t, metrics.RejectSymbol, reason)
}

func TestRiskCheckRejectsBadPriceOrQuantity(t *testing.T) {
	r := testRisk()

	sig := entrySig("BTCUSDT", 1, 0)
	_, reason := r.Check(sig, Exposure{})
	assert.Equal(t, metrics.RejectPrice, reason)

	sig = entrySig("BTCUSDT", 0, 100)
	_, reason = r.Check(sig, Exposure{})
	assert.Equal(t, metrics.RejectPrice, reason)
}

func TestRiskCheckRejectsDisallowedDirection(t *testing.T) {
	r := testRisk()
	sig := entrySig("BTCUSDT", 1, 100)
	sig.Kind = events.SignalSell
	_, reason := r.Check(sig, Exposure{})
	assert.Equal(t, metrics.RejectDirection, reason)
}

func TestRiskCheckRejectsOverAllocation(t *testing.T) {
	r := testRisk()
	_, reason := r.Check(entrySig("BTCUSDT", 3, 100), Exposure{StrategyMargin: 150})
	assert.Equal(t, metrics.RejectAllocation, reason)

	// The same order passes when the strategy has headroom.
	margin, reason := r.Check(entrySig("BTCUSDT", 3, 100), Exposure{StrategyMargin: 50})
	assert.Empty(t, reason)
	assert.InDelta(t, 300.0, margin, 1e-9)
}

func TestRiskCheckRejectsOverGlobalCap(t *testing.T) {
	r := testRisk()
	// Reserved margin of pending entries counts against the cap.
	_, reason := r.Check(entrySig("ETHUSDT", 3, 100), Exposure{OpenMargin: 600, ReservedMargin: 200})
	assert.Equal(t, metrics.RejectBudget, reason)

	margin, reason := r.Check(entrySig("ETHUSDT", 2, 100), Exposure{OpenMargin: 600, ReservedMargin: 200})
	assert.Empty(t, reason)
	assert.InDelta(t, 200.0, margin, 1e-9)
}

func TestRiskCheckUncappedStrategy(t *testing.T) {
	r := testRisk()
	sig := entrySig("BTCUSDT", 5, 100)
	sig.StrategyID = "Other"
	margin, reason := r.Check(sig, Exposure{StrategyMargin: 10_000})
	assert.Empty(t, reason)
	assert.InDelta(t, 500.0, margin, 1e-9)
}
