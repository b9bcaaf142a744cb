package strategy

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pumpwatch/pumpwatch/internal/bus"
	"github.com/pumpwatch/pumpwatch/internal/events"
	"github.com/pumpwatch/pumpwatch/internal/indicators"
	"github.com/pumpwatch/pumpwatch/internal/metrics"
)

// Budget carries the session's capital limits into position sizing.
type Budget struct {
	GlobalCap   float64
	Allocations map[string]float64 // strategy id -> margin cap
}

// InstanceStatus is a read-only snapshot of one instance for the status
// surface.
type InstanceStatus struct {
	StrategyID string    `json:"strategy_id"`
	Symbol     string    `json:"symbol"`
	State      State     `json:"state"`
	Since      time.Time `json:"since"`
}

// Manager runs one state machine per (strategy, symbol) pair, evaluates
// sections as indicator values arrive, and emits signals. Timing uses the
// event clock carried by ticks and indicator updates, so backtest replay
// honours timeouts at tick speed.
type Manager struct {
	bus       *bus.Bus
	log       zerolog.Logger
	sessionID string
	epsilon   float64
	budget    Budget

	mu        sync.Mutex
	instances map[string]*Instance
	bySymbol  map[string][]*Instance
	// variant id -> instances whose strategy references it
	byVariant map[string][]*Instance

	subs []*bus.Subscription
}

// ManagerOption configures the manager.
type ManagerOption func(*Manager)

// WithEpsilon overrides the equality tolerance for == and != conditions.
func WithEpsilon(eps float64) ManagerOption {
	return func(m *Manager) {
		if eps > 0 {
			m.epsilon = eps
		}
	}
}

// NewManager creates a strategy manager with one instance per
// (strategy, symbol).
func NewManager(b *bus.Bus, sessionID string, cfg Config, symbols []string, budget Budget, logger zerolog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		bus:       b,
		log:       logger.With().Str("component", "strategy").Str("session_id", sessionID).Logger(),
		sessionID: sessionID,
		epsilon:   DefaultEpsilon,
		budget:    budget,
		instances: make(map[string]*Instance),
		bySymbol:  make(map[string][]*Instance),
		byVariant: make(map[string][]*Instance),
	}
	for _, opt := range opts {
		opt(m)
	}

	for _, s := range cfg {
		for _, symbol := range symbols {
			in := newInstance(s, symbol)
			m.instances[in.Key()] = in
			m.bySymbol[symbol] = append(m.bySymbol[symbol], in)
			for _, id := range s.ReferencedIndicators() {
				m.byVariant[id] = append(m.byVariant[id], in)
			}
		}
	}
	return m
}

// Start subscribes the manager to indicator, tick, order, and position
// streams. All subscriptions are trading-critical.
func (m *Manager) Start() error {
	routes := []struct {
		topic   string
		handler bus.Handler
		name    string
	}{
		{events.TopicIndicatorUpdated, m.onIndicator, "strategy-indicators"},
		{events.TopicPriceUpdate, m.onTick, "strategy-ticks"},
		{events.TopicOrderFilled, m.onOrder, "strategy-order-fills"},
		{events.TopicOrderCancelled, m.onOrder, "strategy-order-cancels"},
		{events.TopicOrderRejected, m.onOrder, "strategy-order-rejects"},
		{events.TopicOrderExpired, m.onOrder, "strategy-order-expiries"},
		{events.TopicPositionUpdated, m.onPosition, "strategy-positions"},
		{events.TopicPositionClosed, m.onPosition, "strategy-position-closes"},
	}
	for _, r := range routes {
		sub, err := m.bus.Subscribe(r.topic, r.handler, bus.WithName(r.name), bus.WithCritical())
		if err != nil {
			return fmt.Errorf("strategy manager subscribe %s: %w", r.topic, err)
		}
		m.subs = append(m.subs, sub)
	}
	return nil
}

// Stop unsubscribes from the bus.
func (m *Manager) Stop() error {
	for _, sub := range m.subs {
		if err := m.bus.Unsubscribe(sub); err != nil {
			m.log.Warn().Err(err).Msg("Strategy manager unsubscribe failed")
		}
	}
	m.subs = nil
	return nil
}

// Statuses returns a snapshot of every instance.
func (m *Manager) Statuses() []InstanceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]InstanceStatus, 0, len(m.instances))
	for _, in := range m.instances {
		out = append(out, InstanceStatus{
			StrategyID: in.Strategy.ID,
			Symbol:     in.Symbol,
			State:      in.State,
			Since:      in.Since,
		})
	}
	return out
}

func (m *Manager) onIndicator(ev bus.Event) error {
	update, ok := ev.Payload.(events.IndicatorUpdate)
	if !ok {
		return fmt.Errorf("unexpected payload on %s: %T", ev.Topic, ev.Payload)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, in := range m.byVariant[update.VariantID] {
		// Global-scope values apply identically to every symbol.
		if update.Symbol != indicators.GlobalSymbol && update.Symbol != in.Symbol {
			continue
		}
		in.values[update.VariantID] = update.Value
		in.advance(update.Timestamp)
		m.step(in)
	}
	return nil
}

func (m *Manager) onTick(ev bus.Event) error {
	tick, ok := ev.Payload.(events.Tick)
	if !ok {
		return fmt.Errorf("unexpected payload on %s: %T", ev.Topic, ev.Payload)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, in := range m.bySymbol[tick.Symbol] {
		in.lastPrice = tick.Price
		in.advance(tick.Timestamp)
		m.step(in)
	}
	return nil
}

func (m *Manager) onOrder(ev bus.Event) error {
	order, ok := ev.Payload.(events.Order)
	if !ok {
		return fmt.Errorf("unexpected payload on %s: %T", ev.Topic, ev.Payload)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, in := range m.bySymbol[order.Symbol] {
		if in.lastSignalID != order.SignalID {
			continue
		}
		in.advance(order.UpdatedAt)
		m.onOrderEvent(in, &order)
	}
	return nil
}

func (m *Manager) onOrderEvent(in *Instance, order *events.Order) {
	switch {
	case order.Status == events.OrderFilled && !order.Closing && in.State == StateEntryPending:
		if err := in.transition(StatePositionActive, in.now); err != nil {
			m.logTransitionError(in, err)
		}
	case order.Status == events.OrderFilled && order.Closing && in.State == StateClosePending:
		m.cooldown(in, in.Strategy.O1.CooldownMinutes)
	case (order.Status == events.OrderCancelled || order.Status == events.OrderRejected || order.Status == events.OrderExpired) && in.State == StateEntryPending:
		// Failed entry cools the instance down rather than re-arming it
		// against the same market shape.
		m.cooldown(in, in.Strategy.O1.CooldownMinutes)
	}
}

func (m *Manager) onPosition(ev bus.Event) error {
	pos, ok := ev.Payload.(events.Position)
	if !ok {
		return fmt.Errorf("unexpected payload on %s: %T", ev.Topic, ev.Payload)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, in := range m.bySymbol[pos.Symbol] {
		switch in.State {
		case StateEntryPending, StatePositionActive, StateClosePending:
		default:
			continue
		}
		in.advance(pos.UpdatedAt)
		if pos.Status == events.PositionClosed {
			// External close (emergency or session stop) releases the
			// instance even without a matching order event.
			if in.positionID == pos.PositionID && in.State != StateCooldown {
				m.cooldown(in, in.Strategy.O1.CooldownMinutes)
			}
			continue
		}
		in.positionID = pos.PositionID
		in.positionQty = pos.Quantity
	}
	return nil
}

// step runs the state machine until it settles. A panic in evaluation marks
// the instance ERROR and leaves every other instance running.
func (m *Manager) step(in *Instance) {
	if in.State == StateError {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			_ = in.transition(StateError, in.now)
			m.log.Error().
				Str("strategy_id", in.Strategy.ID).
				Str("symbol", in.Symbol).
				Interface("panic", r).
				Msg("Strategy instance evaluation panicked")
		}
	}()

	for i := 0; i < 4; i++ {
		if !m.stepOnce(in) {
			return
		}
	}
}

// stepOnce applies at most one transition and reports whether it moved.
func (m *Manager) stepOnce(in *Instance) bool {
	now := in.now
	s := in.Strategy

	// Emergency exit preempts everything while there is exposure or a
	// pending entry.
	switch in.State {
	case StateArmed, StateEntryPending, StatePositionActive, StateClosePending:
		if res := evalSection(s.Emergency.Conditions, in.values, m.epsilon); res.Decided && res.Matched {
			m.fireEmergency(in)
			return true
		}
	}

	switch in.State {
	case StateCooldown:
		if !now.Before(in.cooldownUntil) {
			if err := in.transition(StateMonitoring, now); err != nil {
				m.logTransitionError(in, err)
			}
			return true
		}

	case StateMonitoring:
		if res := evalSection(s.S1.Conditions, in.values, m.epsilon); res.Decided && res.Matched {
			if err := in.transition(StateArmed, now); err != nil {
				m.logTransitionError(in, err)
				return false
			}
			in.armedAt = now
			m.log.Info().
				Str("strategy_id", s.ID).
				Str("symbol", in.Symbol).
				Msg("Strategy armed")
			return true
		}

	case StateArmed:
		if res := evalSection(s.O1.Conditions, in.values, m.epsilon); res.Decided && res.Matched {
			m.log.Info().
				Str("strategy_id", s.ID).
				Str("symbol", in.Symbol).
				Msg("Arming cancelled by o1 conditions")
			m.cooldown(in, s.O1.CooldownMinutes)
			return true
		}
		if now.Sub(in.armedAt) > time.Duration(s.O1.TimeoutSeconds)*time.Second {
			m.log.Info().
				Str("strategy_id", s.ID).
				Str("symbol", in.Symbol).
				Msg("Arming timed out without entry")
			m.cooldown(in, s.O1.CooldownMinutes)
			return true
		}
		if res := evalSection(s.Z1.Conditions, in.values, m.epsilon); res.Decided && res.Matched {
			if err := in.transition(StateEntryPending, now); err != nil {
				m.logTransitionError(in, err)
				return false
			}
			m.emitEntrySignal(in)
			return true
		}

	case StatePositionActive:
		if s.ZE1 == nil {
			return false
		}
		if res := evalSection(s.ZE1.Conditions, in.values, m.epsilon); res.Decided && res.Matched {
			if err := in.transition(StateClosePending, now); err != nil {
				m.logTransitionError(in, err)
				return false
			}
			m.emitCloseSignal(in)
			return true
		}
	}
	return false
}

func (m *Manager) cooldown(in *Instance, minutes float64) {
	if err := in.startCooldown(minutes, in.now); err != nil {
		m.logTransitionError(in, err)
	}
}

func (m *Manager) logTransitionError(in *Instance, err error) {
	m.log.Error().
		Err(err).
		Str("strategy_id", in.Strategy.ID).
		Str("symbol", in.Symbol).
		Msg("Strategy instance entered ERROR")
}

// fireEmergency performs the configured action set and cools the instance
// down.
func (m *Manager) fireEmergency(in *Instance) {
	s := in.Strategy
	actions := s.Emergency.Actions

	if actions.CancelPending || actions.ClosePosition {
		if err := m.bus.Publish(events.TopicEmergencyClose, events.EmergencyClose{
			SessionID:     m.sessionID,
			StrategyID:    s.ID,
			Symbol:        in.Symbol,
			CancelPending: actions.CancelPending,
			ClosePosition: actions.ClosePosition,
			Timestamp:     in.now,
		}); err != nil {
			m.log.Error().Err(err).Msg("Failed to publish emergency close")
		}
	}
	if actions.LogEvent {
		m.log.Warn().
			Str("strategy_id", s.ID).
			Str("symbol", in.Symbol).
			Str("state", string(in.State)).
			Msg("Emergency exit triggered")
		if err := m.bus.Publish(events.TopicRiskAlert, events.RiskAlert{
			Severity:   events.SeverityCritical,
			Message:    fmt.Sprintf("emergency exit triggered for %s on %s", s.ID, in.Symbol),
			RelatedIDs: []string{s.ID, in.Symbol},
			Timestamp:  in.now,
		}); err != nil {
			m.log.Warn().Err(err).Msg("Failed to publish risk alert")
		}
	}

	m.cooldown(in, s.Emergency.CooldownMinutes)
}

// emitEntrySignal publishes a fresh entry signal with resolved order
// parameters.
func (m *Manager) emitEntrySignal(in *Instance) {
	s := in.Strategy

	price := in.lastPrice
	if src := s.Z1.PriceSource; src != "" {
		if v, ok := in.values[src]; ok {
			price = v
		}
	}

	notional := applyScaling(s.Z1.PositionSize.Value, s.Z1.PositionSize.RiskScaling, in.values)
	if s.Z1.PositionSize.Type == SizePercentBudget {
		// Percent sizing is relative to the capital this strategy may
		// actually deploy: its allocation when one is set, otherwise
		// the session cap.
		cap := m.budget.GlobalCap
		if alloc := m.budget.Allocations[s.ID]; alloc > 0 {
			cap = alloc
		}
		notional = notional / 100 * cap
	}
	var quantity float64
	if price > 0 {
		quantity = notional / price
	}

	kind := events.SignalBuy
	if s.Direction == DirectionShort {
		kind = events.SignalSell
	}

	sig := events.Signal{
		SignalID:       uuid.New(),
		SessionID:      m.sessionID,
		StrategyID:     s.ID,
		Symbol:         in.Symbol,
		Kind:           kind,
		Confidence:     1.0,
		Price:          price,
		Snapshot:       m.snapshot(in),
		Timestamp:      in.now,
		Quantity:       quantity,
		Leverage:       s.Z1.Leverage,
		TimeoutSeconds: s.Z1.TimeoutSeconds,
	}
	if s.Z1.StopLoss != nil {
		sig.StopLossPct = applyScaling(s.Z1.StopLoss.Value, s.Z1.StopLoss.RiskScaling, in.values)
	}
	if s.Z1.TakeProfit != nil {
		sig.TakeProfitPct = applyScaling(s.Z1.TakeProfit.Value, s.Z1.TakeProfit.RiskScaling, in.values)
	}

	in.lastSignalID = sig.SignalID
	m.publishSignal(in, sig)
}

// emitCloseSignal publishes a closing signal for the instance's open
// position.
func (m *Manager) emitCloseSignal(in *Instance) {
	s := in.Strategy

	price := in.lastPrice
	if s.ZE1.PriceSource != "" {
		if v, ok := in.values[s.ZE1.PriceSource]; ok {
			price = v
		}
	}
	if s.ZE1.Adjustment != nil {
		price *= 1 + applyScaling(s.ZE1.Adjustment.Value, s.ZE1.Adjustment.RiskScaling, in.values)/100
	}

	kind := events.SignalSell
	if s.Direction == DirectionShort {
		kind = events.SignalBuy
	}

	sig := events.Signal{
		SignalID:   uuid.New(),
		SessionID:  m.sessionID,
		StrategyID: s.ID,
		Symbol:     in.Symbol,
		Kind:       kind,
		Confidence: 1.0,
		Price:      price,
		Snapshot:   m.snapshot(in),
		Timestamp:  in.now,
		Closing:    true,
		PositionID: in.positionID,
		Quantity:   in.positionQty,
	}

	in.lastSignalID = sig.SignalID
	m.publishSignal(in, sig)
}

func (m *Manager) publishSignal(in *Instance, sig events.Signal) {
	if err := m.bus.Publish(events.TopicSignalGenerated, sig); err != nil {
		m.log.Error().
			Err(err).
			Str("strategy_id", sig.StrategyID).
			Str("symbol", sig.Symbol).
			Msg("Failed to publish signal")
		return
	}
	metrics.SignalsGenerated.WithLabelValues(sig.StrategyID).Inc()
	m.log.Info().
		Str("signal_id", sig.SignalID.String()).
		Str("strategy_id", sig.StrategyID).
		Str("symbol", sig.Symbol).
		Str("kind", string(sig.Kind)).
		Bool("closing", sig.Closing).
		Float64("price", sig.Price).
		Float64("quantity", sig.Quantity).
		Msg("Signal generated")
}

// snapshot copies the referenced indicator values for the signal record.
func (m *Manager) snapshot(in *Instance) map[string]float64 {
	out := make(map[string]float64, len(in.values))
	for k, v := range in.values {
		out[k] = v
	}
	return out
}
