package indicators

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	busPkg "github.com/pumpwatch/pumpwatch/internal/bus"
	"github.com/pumpwatch/pumpwatch/internal/events"
)

type updateCollector struct {
	mu      sync.Mutex
	updates []events.IndicatorUpdate
}

func (c *updateCollector) handler(ev busPkg.Event) error {
	update, ok := ev.Payload.(events.IndicatorUpdate)
	if !ok {
		return nil
	}
	c.mu.Lock()
	c.updates = append(c.updates, update)
	c.mu.Unlock()
	return nil
}

func (c *updateCollector) snapshot() []events.IndicatorUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]events.IndicatorUpdate, len(c.updates))
	copy(out, c.updates)
	return out
}

func newTestEngine(t *testing.T, opts ...EngineOption) (*busPkg.Bus, *Engine, *updateCollector) {
	t.Helper()
	b := busPkg.New(zerolog.Nop())
	t.Cleanup(func() { _ = b.Shutdown() })

	e := NewEngine(b, NewRegistry(), "paper_20260301_120000_test", zerolog.Nop(), opts...)

	col := &updateCollector{}
	_, err := b.Subscribe(events.TopicIndicatorUpdated, col.handler, busPkg.WithName("collector"))
	require.NoError(t, err)
	return b, e, col
}

func publishTicks(t *testing.T, b *busPkg.Bus, symbol string, start int, prices ...float64) {
	t.Helper()
	for i, p := range prices {
		err := b.Publish(events.TopicPriceUpdate, events.Tick{
			SessionID: "paper_20260301_120000_test",
			Symbol:    symbol,
			Price:     p,
			Volume:    1,
			Timestamp: ts(start + i),
		})
		require.NoError(t, err)
	}
}

func TestEngineComputesPerSymbolLanes(t *testing.T) {
	b, e, col := newTestEngine(t)

	err := e.RegisterVariants([]string{"BTCUSDT", "ETHUSDT"}, []Variant{
		{ID: "pump_60", BaseType: TypePumpMagnitude, Params: map[string]float64{"window_seconds": 60}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, e.LaneCount())
	require.NoError(t, e.Start())

	publishTicks(t, b, "BTCUSDT", 0, 100, 105)
	publishTicks(t, b, "ETHUSDT", 0, 200, 220)

	require.Eventually(t, func() bool {
		return len(col.snapshot()) >= 4
	}, time.Second, 5*time.Millisecond)

	var btcLast, ethLast float64
	for _, u := range col.snapshot() {
		assert.Equal(t, "pump_60", u.VariantID)
		switch u.Symbol {
		case "BTCUSDT":
			btcLast = u.Value
		case "ETHUSDT":
			ethLast = u.Value
		}
	}
	assert.InDelta(t, 5.0, btcLast, 1e-9)
	assert.InDelta(t, 10.0, ethLast, 1e-9)
}

func TestEngineDeduplicatesIdenticalVariants(t *testing.T) {
	b, e, col := newTestEngine(t)

	err := e.RegisterVariants([]string{"BTCUSDT"}, []Variant{
		{ID: "vel_a", BaseType: TypeVelocity, Params: map[string]float64{"window_seconds": 60}},
		{ID: "vel_b", BaseType: TypeVelocity, Params: map[string]float64{"window_seconds": 60.0}},
	})
	require.NoError(t, err)

	// Identical parameters share one lane but publish under both ids.
	assert.Equal(t, 1, e.LaneCount())
	require.NoError(t, e.Start())

	publishTicks(t, b, "BTCUSDT", 0, 100, 110)

	require.Eventually(t, func() bool {
		ids := map[string]bool{}
		for _, u := range col.snapshot() {
			ids[u.VariantID] = true
		}
		return ids["vel_a"] && ids["vel_b"]
	}, time.Second, 5*time.Millisecond)

	byID := map[string]float64{}
	for _, u := range col.snapshot() {
		byID[u.VariantID] = u.Value
	}
	assert.Equal(t, byID["vel_a"], byID["vel_b"])
}

func TestEngineRejectsDuplicateVariantID(t *testing.T) {
	_, e, _ := newTestEngine(t)

	err := e.RegisterVariants([]string{"BTCUSDT"}, []Variant{
		{ID: "dup", BaseType: TypeVelocity, Params: map[string]float64{"window_seconds": 60}},
		{ID: "dup", BaseType: TypeTWPA, Params: map[string]float64{"window_seconds": 60}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate variant id")
}

func TestEngineGlobalScopePublishesUnderReservedSymbol(t *testing.T) {
	b, e, col := newTestEngine(t)

	err := e.RegisterVariants([]string{"BTCUSDT", "ETHUSDT"}, []Variant{
		{ID: "global_twpa", BaseType: TypeTWPA, Scope: ScopeGlobal, Params: map[string]float64{"window_seconds": 60}},
	})
	require.NoError(t, err)

	// One lane regardless of how many symbols the session tracks.
	assert.Equal(t, 1, e.LaneCount())
	require.NoError(t, e.Start())

	publishTicks(t, b, "BTCUSDT", 0, 100)
	publishTicks(t, b, "ETHUSDT", 1, 200)

	require.Eventually(t, func() bool {
		return len(col.snapshot()) >= 2
	}, time.Second, 5*time.Millisecond)

	for _, u := range col.snapshot() {
		assert.Equal(t, GlobalSymbol, u.Symbol)
		assert.Equal(t, "global_twpa", u.VariantID)
	}
}

func TestEngineMemoryPressurePublishesAndTrims(t *testing.T) {
	b, e, _ := newTestEngine(t, WithMemoryBudget(64*1024))

	var fatalMu sync.Mutex
	var fatalErr error
	WithFatalHandler(func(err error) {
		fatalMu.Lock()
		fatalErr = err
		fatalMu.Unlock()
	})(e)

	err := e.RegisterVariants([]string{"BTCUSDT"}, []Variant{
		{ID: "twpa_long", BaseType: TypeTWPA, Params: map[string]float64{"window_seconds": 86400}},
	})
	require.NoError(t, err)
	require.NoError(t, e.Start())

	pressure := make(chan events.MemoryPressure, 16)
	_, err = b.Subscribe(events.TopicMemoryPressure, func(ev busPkg.Event) error {
		if p, ok := ev.Payload.(events.MemoryPressure); ok {
			select {
			case pressure <- p:
			default:
			}
		}
		return nil
	}, busPkg.WithName("pressure-watch"))
	require.NoError(t, err)

	// A day-long window retains everything, so sustained ticks cross the
	// 80% threshold well before eviction helps.
	for i := 0; i < 2000; i++ {
		require.NoError(t, b.Publish(events.TopicPriceUpdate, events.Tick{
			SessionID: "paper_20260301_120000_test",
			Symbol:    "BTCUSDT",
			Price:     100,
			Volume:    1,
			Timestamp: ts(i),
		}))
	}

	select {
	case p := <-pressure:
		assert.Equal(t, int64(64*1024), p.BudgetBytes)
		assert.Positive(t, p.UsedBytes)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a memory pressure event")
	}

	require.Eventually(t, func() bool {
		fatalMu.Lock()
		defer fatalMu.Unlock()
		return fatalErr != nil
	}, 2*time.Second, 10*time.Millisecond, "hard overrun past the budget must fail the session")
}
