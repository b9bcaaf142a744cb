package strategy

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	busPkg "github.com/pumpwatch/pumpwatch/internal/bus"
	"github.com/pumpwatch/pumpwatch/internal/events"
	"github.com/pumpwatch/pumpwatch/internal/indicators"
)

const testSession = "paper_20260301_120000_test"

func ts(sec int) time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(sec) * time.Second)
}

// pumpStrategy mirrors a minimal pump-detection setup: arm on a volume
// surge, enter on pump magnitude, bail out on drawdown.
func pumpStrategy(t *testing.T) *Strategy {
	t.Helper()
	s := &Strategy{
		ID: "PumpV1",
		Variants: []indicators.Variant{
			{ID: "vol_surge", BaseType: indicators.TypeVolumeSurge, Params: map[string]float64{
				"current_window_seconds": 60, "baseline_window_seconds": 600,
			}},
			{ID: "pump_mag", BaseType: indicators.TypePumpMagnitude, Params: map[string]float64{"window_seconds": 300}},
			{ID: "drawdown", BaseType: indicators.TypeDrawdown, Params: map[string]float64{"window_seconds": 300}},
		},
		S1: SignalSection{Conditions: []Condition{
			{IndicatorID: "vol_surge", Op: OpGTE, Value: 3},
		}},
		O1: CancelSection{TimeoutSeconds: 60, CooldownMinutes: 5},
		Z1: EntrySection{
			Conditions: []Condition{
				{IndicatorID: "pump_mag", Op: OpGTE, Value: 5},
			},
			PositionSize: PositionSize{Type: SizeFixed, Value: 100},
		},
		Emergency: EmergencySection{
			Conditions: []Condition{
				{IndicatorID: "drawdown", Op: OpGTE, Value: 10},
			},
			CooldownMinutes: 30,
			Actions:         EmergencyActions{CancelPending: true, ClosePosition: true, LogEvent: true},
		},
	}
	require.NoError(t, s.Validate(indicators.NewRegistry()))
	return s
}

type signalCollector struct {
	mu      sync.Mutex
	signals []events.Signal
}

func (c *signalCollector) handler(ev busPkg.Event) error {
	if sig, ok := ev.Payload.(events.Signal); ok {
		c.mu.Lock()
		c.signals = append(c.signals, sig)
		c.mu.Unlock()
	}
	return nil
}

func (c *signalCollector) snapshot() []events.Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]events.Signal, len(c.signals))
	copy(out, c.signals)
	return out
}

func newTestManager(t *testing.T, s *Strategy) (*busPkg.Bus, *Manager, *signalCollector) {
	t.Helper()
	b := busPkg.New(zerolog.Nop())
	t.Cleanup(func() { _ = b.Shutdown() })

	cfg := Config{s.ID: s}
	m := NewManager(b, testSession, cfg, []string{"BTCUSDT"}, Budget{GlobalCap: 1000}, zerolog.Nop())

	col := &signalCollector{}
	_, err := b.Subscribe(events.TopicSignalGenerated, col.handler, busPkg.WithName("signal-collector"))
	require.NoError(t, err)

	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Stop() })
	return b, m, col
}

func stateOf(m *Manager) State {
	states := m.Statuses()
	if len(states) != 1 {
		return ""
	}
	return states[0].State
}

func publishTick(t *testing.T, b *busPkg.Bus, price float64, sec int) {
	t.Helper()
	require.NoError(t, b.Publish(events.TopicPriceUpdate, events.Tick{
		SessionID: testSession, Symbol: "BTCUSDT", Price: price, Volume: 1, Timestamp: ts(sec),
	}))
}

// awaitTick blocks until every instance has seen a tick at price. The bus
// does not order deliveries across topics, so tests that publish a tick
// and then an indicator update must synchronize on the tick landing first.
func awaitTick(t *testing.T, m *Manager, price float64) {
	t.Helper()
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, in := range m.instances {
			if in.lastPrice != price {
				return false
			}
		}
		return len(m.instances) > 0
	}, 2*time.Second, 5*time.Millisecond)
}

func publishIndicator(t *testing.T, b *busPkg.Bus, variantID string, value float64, sec int) {
	t.Helper()
	require.NoError(t, b.Publish(events.TopicIndicatorUpdated, events.IndicatorUpdate{
		SessionID: testSession, Symbol: "BTCUSDT", VariantID: variantID, Value: value, Timestamp: ts(sec),
	}))
}

func awaitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return stateOf(m) == want
	}, 2*time.Second, 5*time.Millisecond, "expected state %s, got %s", want, stateOf(m))
}

func TestHappyPathEntrySignal(t *testing.T) {
	b, m, col := newTestManager(t, pumpStrategy(t))

	publishTick(t, b, 100, 0)
	publishIndicator(t, b, "vol_surge", 4, 1)
	awaitState(t, m, StateArmed)

	// No signal while only armed.
	assert.Empty(t, col.snapshot())

	publishIndicator(t, b, "pump_mag", 6, 2)
	awaitState(t, m, StateEntryPending)

	require.Eventually(t, func() bool { return len(col.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	sig := col.snapshot()[0]
	assert.Equal(t, "PumpV1", sig.StrategyID)
	assert.Equal(t, "BTCUSDT", sig.Symbol)
	assert.Equal(t, events.SignalBuy, sig.Kind)
	assert.False(t, sig.Closing)
	assert.NotEqual(t, uuid.Nil, sig.SignalID)
	assert.InDelta(t, 100.0, sig.Price, 1e-9)
	assert.InDelta(t, 1.0, sig.Quantity, 1e-9, "fixed $100 at price 100 buys 1 unit")
	assert.InDelta(t, 4.0, sig.Snapshot["vol_surge"], 1e-9)
	assert.InDelta(t, 6.0, sig.Snapshot["pump_mag"], 1e-9)
}

func TestArmingTimeoutEntersCooldownThenMonitoring(t *testing.T) {
	b, m, col := newTestManager(t, pumpStrategy(t))

	publishTick(t, b, 100, 0)
	publishIndicator(t, b, "vol_surge", 4, 0)
	awaitState(t, m, StateArmed)

	// vol_surge falls back below threshold but no entry happens; the
	// 60 s arming timeout must cool the instance down.
	publishIndicator(t, b, "vol_surge", 1, 30)
	publishTick(t, b, 100, 61)
	awaitState(t, m, StateCooldown)
	assert.Empty(t, col.snapshot())

	// Cooldown is 5 minutes from the timeout.
	publishTick(t, b, 100, 200)
	assert.Equal(t, StateCooldown, stateOf(m))

	publishTick(t, b, 100, 61+301)
	awaitState(t, m, StateMonitoring)
}

func TestO1CancelConditions(t *testing.T) {
	s := pumpStrategy(t)
	s.O1.Conditions = []Condition{{IndicatorID: "vol_surge", Op: OpLT, Value: 1}}
	require.NoError(t, s.Validate(indicators.NewRegistry()))
	b, m, col := newTestManager(t, s)

	publishIndicator(t, b, "vol_surge", 4, 0)
	awaitState(t, m, StateArmed)

	publishIndicator(t, b, "vol_surge", 0.5, 5)
	awaitState(t, m, StateCooldown)
	assert.Empty(t, col.snapshot())
}

func TestFillMovesToPositionActive(t *testing.T) {
	b, m, col := newTestManager(t, pumpStrategy(t))

	publishTick(t, b, 100, 0)
	publishIndicator(t, b, "vol_surge", 4, 1)
	publishIndicator(t, b, "pump_mag", 6, 2)
	awaitState(t, m, StateEntryPending)

	require.Eventually(t, func() bool { return len(col.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	sig := col.snapshot()[0]

	positionID := uuid.New()
	require.NoError(t, b.Publish(events.TopicPositionUpdated, events.Position{
		PositionID: positionID, SessionID: testSession, Symbol: "BTCUSDT",
		Side: events.PositionLong, Quantity: 1, Status: events.PositionOpen, UpdatedAt: ts(3),
	}))
	require.NoError(t, b.Publish(events.TopicOrderFilled, events.Order{
		OrderID: uuid.New(), SessionID: testSession, SignalID: sig.SignalID, Symbol: "BTCUSDT",
		Status: events.OrderFilled, UpdatedAt: ts(3),
	}))
	awaitState(t, m, StatePositionActive)
}

func TestEntryRejectionCoolsDown(t *testing.T) {
	b, m, col := newTestManager(t, pumpStrategy(t))

	publishTick(t, b, 100, 0)
	publishIndicator(t, b, "vol_surge", 4, 1)
	publishIndicator(t, b, "pump_mag", 6, 2)
	awaitState(t, m, StateEntryPending)

	require.Eventually(t, func() bool { return len(col.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	sig := col.snapshot()[0]

	require.NoError(t, b.Publish(events.TopicOrderRejected, events.Order{
		OrderID: uuid.New(), SessionID: testSession, SignalID: sig.SignalID, Symbol: "BTCUSDT",
		Status: events.OrderRejected, Reason: "budget_exceeded", UpdatedAt: ts(3),
	}))
	awaitState(t, m, StateCooldown)
}

func TestEmergencyExitFromOpenPosition(t *testing.T) {
	b, m, col := newTestManager(t, pumpStrategy(t))

	emergencies := make(chan events.EmergencyClose, 4)
	_, err := b.Subscribe(events.TopicEmergencyClose, func(ev busPkg.Event) error {
		if e, ok := ev.Payload.(events.EmergencyClose); ok {
			select {
			case emergencies <- e:
			default:
			}
		}
		return nil
	}, busPkg.WithName("emergency-watch"))
	require.NoError(t, err)

	publishTick(t, b, 100, 0)
	publishIndicator(t, b, "vol_surge", 4, 1)
	publishIndicator(t, b, "pump_mag", 6, 2)
	awaitState(t, m, StateEntryPending)
	require.Eventually(t, func() bool { return len(col.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	sig := col.snapshot()[0]

	require.NoError(t, b.Publish(events.TopicOrderFilled, events.Order{
		OrderID: uuid.New(), SessionID: testSession, SignalID: sig.SignalID, Symbol: "BTCUSDT",
		Status: events.OrderFilled, UpdatedAt: ts(3),
	}))
	awaitState(t, m, StatePositionActive)

	publishIndicator(t, b, "drawdown", 12, 10)
	awaitState(t, m, StateCooldown)

	select {
	case e := <-emergencies:
		assert.Equal(t, "PumpV1", e.StrategyID)
		assert.Equal(t, "BTCUSDT", e.Symbol)
		assert.True(t, e.CancelPending)
		assert.True(t, e.ClosePosition)
	case <-time.After(2 * time.Second):
		t.Fatal("expected an emergency close event")
	}
}

func TestGlobalIndicatorAppliesToAllSymbols(t *testing.T) {
	s := pumpStrategy(t)
	s.Variants = append(s.Variants, indicators.Variant{
		ID: "global_surge", BaseType: indicators.TypeVolumeSurge, Scope: indicators.ScopeGlobal,
		Params: map[string]float64{"current_window_seconds": 60, "baseline_window_seconds": 600},
	})
	s.S1.Conditions = []Condition{{IndicatorID: "global_surge", Op: OpGTE, Value: 3}}
	require.NoError(t, s.Validate(indicators.NewRegistry()))

	b := busPkg.New(zerolog.Nop())
	t.Cleanup(func() { _ = b.Shutdown() })
	m := NewManager(b, testSession, Config{s.ID: s}, []string{"BTCUSDT", "ETHUSDT"}, Budget{GlobalCap: 1000}, zerolog.Nop())
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Stop() })

	// A value published under the reserved symbol arms every instance.
	require.NoError(t, b.Publish(events.TopicIndicatorUpdated, events.IndicatorUpdate{
		SessionID: testSession, Symbol: indicators.GlobalSymbol, VariantID: "global_surge", Value: 5, Timestamp: ts(0),
	}))

	require.Eventually(t, func() bool {
		armed := 0
		for _, st := range m.Statuses() {
			if st.State == StateArmed {
				armed++
			}
		}
		return armed == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestIllegalTransitionParksInstanceInError(t *testing.T) {
	in := newInstance(pumpStrategy(t), "BTCUSDT")

	require.NoError(t, in.transition(StateArmed, ts(0)))
	err := in.transition(StatePositionActive, ts(1))
	require.Error(t, err)
	assert.Equal(t, StateError, in.State)
}

func TestTransitionTableCoversSpecifiedStatesOnly(t *testing.T) {
	for from, tos := range legalTransitions {
		for _, to := range tos {
			in := newInstance(pumpStrategy(t), "BTCUSDT")
			in.State = from
			assert.NoError(t, in.transition(to, ts(0)), "%s -> %s", from, to)
		}
	}
}

// Percent position sizing uses the strategy's own allocation when the
// budget carves one out, not the whole session cap.
func TestPercentSizingUsesStrategyAllocation(t *testing.T) {
	s := pumpStrategy(t)
	s.Z1.PositionSize = PositionSize{Type: SizePercentBudget, Value: 50}
	require.NoError(t, s.Validate(indicators.NewRegistry()))

	b := busPkg.New(zerolog.Nop())
	t.Cleanup(func() { _ = b.Shutdown() })
	budget := Budget{GlobalCap: 1000, Allocations: map[string]float64{s.ID: 400}}
	m := NewManager(b, testSession, Config{s.ID: s}, []string{"BTCUSDT"}, budget, zerolog.Nop())

	col := &signalCollector{}
	_, err := b.Subscribe(events.TopicSignalGenerated, col.handler, busPkg.WithName("signal-collector"))
	require.NoError(t, err)
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Stop() })

	publishTick(t, b, 100, 0)
	awaitTick(t, m, 100)
	publishIndicator(t, b, "vol_surge", 4, 1)
	publishIndicator(t, b, "pump_mag", 6, 2)

	require.Eventually(t, func() bool { return len(col.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	sig := col.snapshot()[0]
	assert.InDelta(t, 2.0, sig.Quantity, 1e-9, "half of the $400 allocation at price 100 buys 2 units")
}
