package indicators

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pumpwatch/pumpwatch/internal/bus"
	"github.com/pumpwatch/pumpwatch/internal/events"
	"github.com/pumpwatch/pumpwatch/internal/metrics"
)

const (
	// DefaultMemoryBudget caps the aggregate ring buffer footprint.
	DefaultMemoryBudget = 500 * 1024 * 1024

	// pressureRatio is the fraction of the budget at which the engine
	// starts trimming least-recently-accessed lanes.
	pressureRatio = 0.8

	// softFoldBudget flags lanes whose fold exceeds it.
	softFoldBudget = 5 * time.Millisecond
)

// lane is a single computation stream for one (canonical variant, symbol)
// pair. Variants with identical canonical keys alias onto one lane and the
// computed value publishes once per alias id.
type lane struct {
	key        string
	symbol     string
	baseType   BaseType
	params     map[string]float64
	window     *Window
	aliases    []string
	lastAccess time.Time
	lastBytes  int64
}

// Engine computes indicator values incrementally on each tick and publishes
// them on indicator.updated. All lane state is mutated only by the engine's
// single bus subscription worker.
type Engine struct {
	bus      *bus.Bus
	registry *Registry
	log      zerolog.Logger

	sessionID    string
	memoryBudget int64

	mu        sync.Mutex
	lanes     map[string]*lane   // canonical key + symbol -> lane
	bySymbol  map[string][]*lane // symbol -> lanes (GlobalSymbol lanes match all)
	usedBytes int64

	sub *bus.Subscription

	// onFatal is invoked when the memory budget is exceeded beyond
	// recovery; the controller fails the session.
	onFatal func(error)
}

// EngineOption configures the engine.
type EngineOption func(*Engine)

// WithMemoryBudget overrides the default memory budget in bytes.
func WithMemoryBudget(bytes int64) EngineOption {
	return func(e *Engine) {
		if bytes > 0 {
			e.memoryBudget = bytes
		}
	}
}

// WithFatalHandler registers the callback invoked on a hard memory overrun.
func WithFatalHandler(fn func(error)) EngineOption {
	return func(e *Engine) { e.onFatal = fn }
}

// NewEngine creates an indicator engine for one session.
func NewEngine(b *bus.Bus, registry *Registry, sessionID string, logger zerolog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		bus:          b,
		registry:     registry,
		log:          logger.With().Str("component", "indicators").Str("session_id", sessionID).Logger(),
		sessionID:    sessionID,
		memoryBudget: DefaultMemoryBudget,
		lanes:        make(map[string]*lane),
		bySymbol:     make(map[string][]*lane),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterVariants installs the union of variants referenced by the active
// strategies. Identical variants deduplicate onto shared lanes. Must be
// called before Start.
func (e *Engine) RegisterVariants(symbols []string, variants []Variant) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	seen := make(map[string]bool)
	for i := range variants {
		v := &variants[i]
		if err := v.Validate(e.registry); err != nil {
			return err
		}
		if seen[v.ID] {
			return fmt.Errorf("duplicate variant id %q", v.ID)
		}
		seen[v.ID] = true

		bt, _ := e.registry.Lookup(v.BaseType)
		span := bt.MaxWindow(v.Params)

		laneSymbols := symbols
		if v.Scope == ScopeGlobal {
			laneSymbols = []string{GlobalSymbol}
		}

		for _, sym := range laneSymbols {
			laneKey := v.CanonicalKey() + "@" + sym
			if existing, ok := e.lanes[laneKey]; ok {
				existing.aliases = append(existing.aliases, v.ID)
				continue
			}
			ln := &lane{
				key:      laneKey,
				symbol:   sym,
				baseType: bt,
				params:   v.Params,
				window:   NewWindow(span),
				aliases:  []string{v.ID},
			}
			e.lanes[laneKey] = ln
			e.bySymbol[sym] = append(e.bySymbol[sym], ln)
		}
	}

	metrics.IndicatorLanes.Set(float64(len(e.lanes)))
	e.log.Info().
		Int("variants", len(variants)).
		Int("lanes", len(e.lanes)).
		Msg("Indicator variants registered")
	return nil
}

// Start subscribes the engine to the market tick stream. The subscription
// is trading-critical: ticks are never dropped for the indicator pipeline.
func (e *Engine) Start() error {
	sub, err := e.bus.Subscribe(events.TopicPriceUpdate, e.onTick,
		bus.WithName("indicator-engine"), bus.WithCritical())
	if err != nil {
		return fmt.Errorf("indicator engine subscribe: %w", err)
	}
	e.sub = sub
	return nil
}

// Stop unsubscribes from the tick stream, flushing queued ticks first.
func (e *Engine) Stop() error {
	if e.sub == nil {
		return nil
	}
	return e.bus.Unsubscribe(e.sub)
}

// onTick pushes the tick into every matching lane and recomputes each
// affected variant exactly once.
func (e *Engine) onTick(ev bus.Event) error {
	tick, ok := ev.Payload.(events.Tick)
	if !ok {
		return fmt.Errorf("unexpected payload on %s: %T", ev.Topic, ev.Payload)
	}

	e.mu.Lock()
	affected := make([]*lane, 0, len(e.bySymbol[tick.Symbol])+len(e.bySymbol[GlobalSymbol]))
	affected = append(affected, e.bySymbol[tick.Symbol]...)
	affected = append(affected, e.bySymbol[GlobalSymbol]...)

	sample := Sample{Timestamp: tick.Timestamp, Price: tick.Price, Volume: tick.Volume}
	for _, ln := range affected {
		before := ln.window.MemoryBytes()
		ln.window.Push(sample)
		ln.lastAccess = tick.Timestamp
		e.usedBytes += ln.window.MemoryBytes() - before
		ln.lastBytes = ln.window.MemoryBytes()
	}
	used := e.usedBytes
	e.mu.Unlock()

	metrics.IndicatorMemoryBytes.Set(float64(used))
	if used >= int64(float64(e.memoryBudget)*pressureRatio) {
		e.relievePressure(used)
	}

	for _, ln := range affected {
		e.compute(ln, tick.Timestamp)
	}
	return nil
}

func (e *Engine) compute(ln *lane, ts time.Time) {
	start := time.Now()
	value, ok := ln.baseType.Reduce(ln.window, ln.params)
	elapsed := time.Since(start)

	metrics.IndicatorFoldDuration.WithLabelValues(ln.baseType.Name).Observe(elapsed.Seconds())
	if elapsed > softFoldBudget {
		for _, id := range ln.aliases {
			metrics.IndicatorSlowFolds.WithLabelValues(id).Inc()
		}
		e.log.Debug().
			Str("lane", ln.key).
			Dur("elapsed", elapsed).
			Msg("Slow indicator fold")
	}

	if !ok {
		return
	}

	for _, id := range ln.aliases {
		update := events.IndicatorUpdate{
			SessionID: e.sessionID,
			Symbol:    ln.symbol,
			VariantID: id,
			Value:     value,
			Timestamp: ts,
		}
		if err := e.bus.Publish(events.TopicIndicatorUpdated, update); err != nil {
			e.log.Warn().Err(err).Str("variant_id", id).Msg("Failed to publish indicator update")
		}
	}
}

// relievePressure trims least-recently-accessed lanes' slack capacity. A
// hard overrun after trimming fails the session.
func (e *Engine) relievePressure(used int64) {
	e.mu.Lock()
	lanes := make([]*lane, 0, len(e.lanes))
	for _, ln := range e.lanes {
		lanes = append(lanes, ln)
	}
	sort.Slice(lanes, func(i, j int) bool {
		return lanes[i].lastAccess.Before(lanes[j].lastAccess)
	})

	trimmed := 0
	for _, ln := range lanes {
		before := ln.window.MemoryBytes()
		ln.window.Trim()
		delta := before - ln.window.MemoryBytes()
		if delta > 0 {
			e.usedBytes -= delta
			trimmed++
		}
		if e.usedBytes < int64(float64(e.memoryBudget)*pressureRatio) {
			break
		}
	}
	remaining := e.usedBytes
	e.mu.Unlock()

	metrics.IndicatorMemoryBytes.Set(float64(remaining))
	e.log.Warn().
		Int64("used_bytes", used).
		Int64("after_trim", remaining).
		Int64("budget", e.memoryBudget).
		Int("trimmed_lanes", trimmed).
		Msg("Indicator memory pressure")

	if err := e.bus.Publish(events.TopicMemoryPressure, events.MemoryPressure{
		SessionID:    e.sessionID,
		UsedBytes:    remaining,
		BudgetBytes:  e.memoryBudget,
		TrimmedLanes: trimmed,
		Timestamp:    time.Now(),
	}); err != nil {
		e.log.Warn().Err(err).Msg("Failed to publish memory pressure event")
	}

	if remaining > e.memoryBudget && e.onFatal != nil {
		e.onFatal(fmt.Errorf("indicator memory budget exceeded: %d > %d bytes", remaining, e.memoryBudget))
	}
}

// LaneCount returns the number of active lanes.
func (e *Engine) LaneCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.lanes)
}

// MemoryUsage returns the approximate aggregate buffer footprint.
func (e *Engine) MemoryUsage() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.usedBytes
}
