package orders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/pumpwatch/pumpwatch/internal/bus"
	"github.com/pumpwatch/pumpwatch/internal/events"
	"github.com/pumpwatch/pumpwatch/internal/exchange"
	"github.com/pumpwatch/pumpwatch/internal/metrics"
	"github.com/pumpwatch/pumpwatch/internal/retry"
)

const (
	// DefaultSweepInterval is how often the expiry sweep runs. One sweep
	// covers every pending order, avoiding per-order timers.
	DefaultSweepInterval = 250 * time.Millisecond

	// DefaultReconcileInterval is the live-mode remote status poll cadence.
	DefaultReconcileInterval = 2 * time.Second

	// DefaultSlippage is the symmetric synthetic fill slippage.
	DefaultSlippage = 0.0005

	// DefaultTakerFee models the exchange taker fee on synthetic fills.
	DefaultTakerFee = 0.0004
)

// Manager is the order manager. One instance serves a session in one of
// three modes: paper and backtest synthesise fills from the tick stream
// (backtest additionally times out on the tick clock), live routes through
// the exchange client.
type Manager struct {
	mode      events.SessionMode
	bus       *bus.Bus
	log       zerolog.Logger
	sessionID string
	risk      RiskConfig
	table     *Table

	slippage     float64
	takerFee     float64
	sweepEvery   time.Duration
	cancelOnStop bool

	client    exchange.Client
	retryCfg  retry.Config
	breaker   *gobreaker.CircuitBreaker
	reconcile time.Duration

	mu       sync.Mutex
	symLocks map[string]*sync.Mutex
	// order id -> pending order (status PENDING only)
	pending map[uuid.UUID]*events.Order
	// symbol -> strategy id -> margin attributed (reserved + filled)
	stratMargin map[string]map[string]float64
	reserved    float64
	lastPrice   map[string]float64
	eventNow    time.Time
	attempts    map[uuid.UUID]int

	subs   []*bus.Subscription
	stopCh chan struct{}
	doneCh chan struct{}
}

// Option configures the manager.
type Option func(*Manager)

// WithSlippage overrides synthetic fill slippage.
func WithSlippage(s float64) Option {
	return func(m *Manager) {
		if s >= 0 {
			m.slippage = s
		}
	}
}

// WithTakerFee overrides the synthetic taker fee.
func WithTakerFee(f float64) Option {
	return func(m *Manager) {
		if f >= 0 {
			m.takerFee = f
		}
	}
}

// WithSweepInterval overrides the expiry sweep cadence.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.sweepEvery = d
		}
	}
}

// WithReconcileInterval overrides the live reconcile cadence.
func WithReconcileInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.reconcile = d
		}
	}
}

// WithCancelOnStop controls whether Stop cancels pending orders. Default
// true; live sessions that should leave resting orders set false.
func WithCancelOnStop(v bool) Option {
	return func(m *Manager) { m.cancelOnStop = v }
}

// WithExchange installs the live exchange client. Required for live mode.
func WithExchange(c exchange.Client) Option {
	return func(m *Manager) { m.client = c }
}

// WithRetryConfig overrides the live placement retry policy.
func WithRetryConfig(cfg retry.Config) Option {
	return func(m *Manager) { m.retryCfg = cfg }
}

// NewManager creates an order manager for one session.
func NewManager(mode events.SessionMode, b *bus.Bus, sessionID string, risk RiskConfig, logger zerolog.Logger, opts ...Option) (*Manager, error) {
	m := &Manager{
		mode:         mode,
		bus:          b,
		log:          logger.With().Str("component", "orders").Str("mode", string(mode)).Str("session_id", sessionID).Logger(),
		sessionID:    sessionID,
		risk:         risk,
		table:        NewTable(sessionID),
		slippage:     DefaultSlippage,
		takerFee:     DefaultTakerFee,
		sweepEvery:   DefaultSweepInterval,
		cancelOnStop: true,
		retryCfg:     retry.DefaultConfig(),
		reconcile:    DefaultReconcileInterval,
		symLocks:     make(map[string]*sync.Mutex),
		pending:      make(map[uuid.UUID]*events.Order),
		stratMargin:  make(map[string]map[string]float64),
		lastPrice:    make(map[string]float64),
		attempts:     make(map[uuid.UUID]int),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if mode == events.ModeLive && m.client == nil {
		return nil, fmt.Errorf("live mode requires an exchange client")
	}
	if m.client != nil {
		m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "exchange",
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				m.log.Warn().
					Str("breaker", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("Exchange circuit breaker state change")
			},
		})
	}
	for sym := range risk.Symbols {
		m.symLocks[sym] = &sync.Mutex{}
	}
	return m, nil
}

// Start subscribes to signals, ticks, and emergency closes and launches the
// expiry sweep (and the live reconcile loop).
func (m *Manager) Start() error {
	routes := []struct {
		topic   string
		handler bus.Handler
		name    string
	}{
		{events.TopicSignalGenerated, m.onSignal, "orders-signals"},
		{events.TopicPriceUpdate, m.onTick, "orders-ticks"},
		{events.TopicEmergencyClose, m.onEmergency, "orders-emergency"},
	}
	for _, r := range routes {
		sub, err := m.bus.Subscribe(r.topic, r.handler, bus.WithName(r.name), bus.WithCritical())
		if err != nil {
			return fmt.Errorf("order manager subscribe %s: %w", r.topic, err)
		}
		m.subs = append(m.subs, sub)
	}

	go m.sweepLoop()
	return nil
}

// Stop unsubscribes and cancels all pending orders.
func (m *Manager) Stop() error {
	for _, sub := range m.subs {
		if err := m.bus.Unsubscribe(sub); err != nil {
			m.log.Warn().Err(err).Msg("Order manager unsubscribe failed")
		}
	}
	m.subs = nil
	close(m.stopCh)
	<-m.doneCh

	if m.cancelOnStop {
		for symbol := range m.risk.Symbols {
			lock := m.symLocks[symbol]
			lock.Lock()
			m.cancelPendingLocked(symbol, "", "session stopping")
			lock.Unlock()
		}
	}
	return nil
}

// Positions returns the position table.
func (m *Manager) Positions() *Table { return m.table }

// symLock returns the serialisation lock for a symbol, creating one for
// symbols outside the configured set (closing flows tolerate them).
func (m *Manager) symLock(symbol string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.symLocks[symbol]
	if !ok {
		lock = &sync.Mutex{}
		m.symLocks[symbol] = lock
	}
	return lock
}

// clockNow is the timeout clock: tick time in backtest, wall clock
// otherwise.
func (m *Manager) clockNow() time.Time {
	if m.mode == events.ModeBacktest {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.eventNow
	}
	return time.Now()
}

func (m *Manager) onSignal(ev bus.Event) error {
	sig, ok := ev.Payload.(events.Signal)
	if !ok {
		return fmt.Errorf("unexpected payload on %s: %T", ev.Topic, ev.Payload)
	}

	select {
	case <-m.stopCh:
		// Signals drained off the bus after Stop must not enter the book.
		order := m.orderFromSignal(&sig)
		order.Status = events.OrderRejected
		order.Reason = metrics.RejectSessionState
		metrics.RiskRejections.WithLabelValues(metrics.RejectSessionState).Inc()
		m.publishOrder(events.TopicOrderRejected, order)
		return nil
	default:
	}

	lock := m.symLock(sig.Symbol)
	lock.Lock()
	defer lock.Unlock()

	if sig.Closing {
		m.handleCloseSignal(&sig)
		return nil
	}
	m.handleEntrySignal(&sig)
	return nil
}

func (m *Manager) handleEntrySignal(sig *events.Signal) {
	exp := Exposure{
		OpenMargin:     m.table.OpenMargin(),
		ReservedMargin: m.reservedMargin(),
		StrategyMargin: m.strategyMargin(sig.StrategyID),
	}
	margin, reason := m.risk.Check(sig, exp)

	order := m.orderFromSignal(sig)
	if reason != "" {
		order.Status = events.OrderRejected
		order.Reason = reason
		metrics.RiskRejections.WithLabelValues(reason).Inc()
		m.publishOrder(events.TopicOrderRejected, order)
		return
	}

	order.Margin = margin
	if sig.TimeoutSeconds > 0 {
		order.TimeoutAt = m.clockNow().Add(time.Duration(sig.TimeoutSeconds) * time.Second)
	}

	m.reserve(order, margin)
	m.publishOrder(events.TopicOrderCreated, order)

	if m.mode == events.ModeLive {
		m.placeLive(order)
		return
	}
	m.addPending(order)
}

func (m *Manager) handleCloseSignal(sig *events.Signal) {
	pos, ok := m.table.Get(sig.Symbol)
	if !ok {
		order := m.orderFromSignal(sig)
		order.Status = events.OrderRejected
		order.Reason = metrics.RejectNoPosition
		metrics.RiskRejections.WithLabelValues(metrics.RejectNoPosition).Inc()
		m.publishOrder(events.TopicOrderRejected, order)
		return
	}

	order := m.orderFromSignal(sig)
	order.Side = events.OrderSideSell
	if pos.Side == events.PositionShort {
		order.Side = events.OrderSideBuy
	}
	if order.Quantity <= 0 || order.Quantity > pos.Quantity {
		order.Quantity = pos.Quantity
	}
	order.Leverage = pos.Leverage

	m.publishOrder(events.TopicOrderCreated, order)
	if m.mode == events.ModeLive {
		m.placeLive(order)
		return
	}
	m.addPending(order)
}

func (m *Manager) orderFromSignal(sig *events.Signal) *events.Order {
	side := events.OrderSideBuy
	if sig.Kind == events.SignalSell {
		side = events.OrderSideSell
	}
	now := m.clockNow()
	return &events.Order{
		OrderID:    uuid.New(),
		SessionID:  m.sessionID,
		StrategyID: sig.StrategyID,
		SignalID:   sig.SignalID,
		Symbol:     sig.Symbol,
		Side:       side,
		Type:       events.OrderTypeMarket,
		Quantity:   sig.Quantity,
		Price:      sig.Price,
		Status:     events.OrderPending,
		Leverage:   sig.Leverage,
		Closing:    sig.Closing,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (m *Manager) onTick(ev bus.Event) error {
	tick, ok := ev.Payload.(events.Tick)
	if !ok {
		return fmt.Errorf("unexpected payload on %s: %T", ev.Topic, ev.Payload)
	}

	lock := m.symLock(tick.Symbol)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	m.lastPrice[tick.Symbol] = tick.Price
	if tick.Timestamp.After(m.eventNow) {
		m.eventNow = tick.Timestamp
	}
	var due []*events.Order
	if m.mode != events.ModeLive {
		for _, o := range m.pending {
			if o.Symbol == tick.Symbol {
				due = append(due, o)
			}
		}
	}
	m.mu.Unlock()

	m.table.MarkPrice(tick.Symbol, tick.Price, tick.Timestamp)

	// Synthetic fill at the next tick, all or nothing.
	for _, o := range due {
		m.fill(o, tick.Price, tick.Timestamp)
	}
	return nil
}

// fill executes one order at the given raw price with symmetric slippage
// and publishes the resulting order and position events.
func (m *Manager) fill(o *events.Order, rawPrice float64, at time.Time) {
	fillPrice := rawPrice * (1 + m.slippage)
	if o.Side == events.OrderSideSell {
		fillPrice = rawPrice * (1 - m.slippage)
	}
	m.settle(o, fillPrice, at)
}

// settle applies a fill at an already-final price.
func (m *Manager) settle(o *events.Order, fillPrice float64, at time.Time) {
	m.removePending(o)
	if !o.Closing {
		// Margin moves from reserved to the position; the strategy
		// attribution recorded at reserve time stays until the position
		// closes.
		m.release(o, false)
	}

	fee := fillPrice * o.Quantity * m.takerFee
	res := m.table.ApplyFill(o.Symbol, o.Side, o.Quantity, fillPrice, o.Leverage, fee, o.Margin, at)

	o.Status = events.OrderFilled
	o.FillPrice = fillPrice
	o.UpdatedAt = at
	if o.Closing {
		realised := res.Realised
		o.RealisedPnL = &realised
	}
	m.publishOrder(events.TopicOrderFilled, o)

	if res.Closed {
		m.clearAttribution(o.Symbol)
		m.publishPosition(events.TopicPositionClosed, res.Position)
	} else {
		m.publishPosition(events.TopicPositionUpdated, res.Position)
	}
	m.updateGauges()
}

func (m *Manager) onEmergency(ev bus.Event) error {
	e, ok := ev.Payload.(events.EmergencyClose)
	if !ok {
		return fmt.Errorf("unexpected payload on %s: %T", ev.Topic, ev.Payload)
	}

	lock := m.symLock(e.Symbol)
	lock.Lock()
	defer lock.Unlock()

	if e.CancelPending {
		m.cancelPendingLocked(e.Symbol, e.StrategyID, "emergency exit")
	}
	if !e.ClosePosition {
		return nil
	}
	pos, ok := m.table.Get(e.Symbol)
	if !ok {
		return nil
	}

	side := events.OrderSideSell
	if pos.Side == events.PositionShort {
		side = events.OrderSideBuy
	}
	now := m.clockNow()
	order := &events.Order{
		OrderID:    uuid.New(),
		SessionID:  m.sessionID,
		StrategyID: e.StrategyID,
		Symbol:     e.Symbol,
		Side:       side,
		Type:       events.OrderTypeMarket,
		Quantity:   pos.Quantity,
		Price:      pos.CurrentPrice,
		Status:     events.OrderPending,
		Leverage:   pos.Leverage,
		Closing:    true,
		Reason:     "emergency_close",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.publishOrder(events.TopicOrderCreated, order)

	if m.mode == events.ModeLive {
		m.placeLive(order)
		return nil
	}
	m.addPending(order)
	return nil
}

// CloseAll force-closes every open position at the last seen price. Used
// by the controller during session stop.
func (m *Manager) CloseAll(reason string) {
	for symbol := range m.risk.Symbols {
		lock := m.symLock(symbol)
		lock.Lock()
		pos, ok := m.table.Get(symbol)
		if !ok {
			lock.Unlock()
			continue
		}

		m.mu.Lock()
		price := m.lastPrice[symbol]
		m.mu.Unlock()
		if price <= 0 {
			price = pos.CurrentPrice
		}

		side := events.OrderSideSell
		if pos.Side == events.PositionShort {
			side = events.OrderSideBuy
		}
		now := m.clockNow()
		order := &events.Order{
			OrderID:   uuid.New(),
			SessionID: m.sessionID,
			Symbol:    symbol,
			Side:      side,
			Type:      events.OrderTypeMarket,
			Quantity:  pos.Quantity,
			Price:     price,
			Status:    events.OrderPending,
			Leverage:  pos.Leverage,
			Closing:   true,
			Reason:    reason,
			CreatedAt: now,
			UpdatedAt: now,
		}
		m.publishOrder(events.TopicOrderCreated, order)
		m.fill(order, price, now)
		lock.Unlock()
	}
}

// sweepLoop periodically expires timed-out orders and, in live mode,
// reconciles remote order status.
func (m *Manager) sweepLoop() {
	defer close(m.doneCh)
	sweep := time.NewTicker(m.sweepEvery)
	defer sweep.Stop()

	var reconcile <-chan time.Time
	if m.mode == events.ModeLive {
		t := time.NewTicker(m.reconcile)
		defer t.Stop()
		reconcile = t.C
	}

	for {
		select {
		case <-sweep.C:
			m.expireDue()
		case <-reconcile:
			m.reconcileLive()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) expireDue() {
	now := m.clockNow()

	m.mu.Lock()
	var due []*events.Order
	for _, o := range m.pending {
		if !o.TimeoutAt.IsZero() && now.After(o.TimeoutAt) {
			due = append(due, o)
		}
	}
	m.mu.Unlock()

	for _, o := range due {
		lock := m.symLock(o.Symbol)
		lock.Lock()
		if m.stillPending(o) {
			m.removePending(o)
			if !o.Closing {
				m.release(o, true)
			}
			o.Status = events.OrderExpired
			o.UpdatedAt = now
			m.publishOrder(events.TopicOrderExpired, o)
		}
		lock.Unlock()
	}
}

// reconcileLive polls remote status for pending live orders until they
// reach a terminal state.
func (m *Manager) reconcileLive() {
	m.mu.Lock()
	var open []*events.Order
	for _, o := range m.pending {
		open = append(open, o)
	}
	m.mu.Unlock()

	for _, o := range open {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		res, err := m.client.QueryOrder(ctx, o.Symbol, m.clientOrderID(o))
		cancel()
		if err != nil {
			m.log.Warn().
				Err(err).
				Str("order_id", o.OrderID.String()).
				Msg("Order reconcile query failed")
			continue
		}

		lock := m.symLock(o.Symbol)
		lock.Lock()
		if !m.stillPending(o) {
			lock.Unlock()
			continue
		}
		switch res.Status {
		case events.OrderFilled:
			m.settle(o, res.FillPrice, time.Now())
		case events.OrderCancelled, events.OrderRejected, events.OrderExpired:
			m.removePending(o)
			if !o.Closing {
				m.release(o, true)
			}
			o.Status = res.Status
			o.UpdatedAt = time.Now()
			m.publishOrder(m.terminalTopic(res.Status), o)
		}
		lock.Unlock()
	}
}

// placeLive submits the order through the breaker with idempotent retries.
// Each attempt carries its own client order id so a duplicate submission
// is detectable remotely.
func (m *Manager) placeLive(order *events.Order) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	attempt := 0
	_, err := m.breaker.Execute(func() (any, error) {
		return nil, retry.DoTransient(ctx, m.retryCfg, m.log, func() error {
			attempt++
			m.mu.Lock()
			m.attempts[order.OrderID] = attempt
			m.mu.Unlock()
			return m.client.PlaceOrder(ctx, order, m.clientOrderID(order))
		})
	})
	if err != nil {
		if !order.Closing {
			m.release(order, true)
		}
		reason := metrics.RejectBreakerOpen
		if m.breaker.State() != gobreaker.StateOpen {
			reason = err.Error()
		}
		order.Status = events.OrderRejected
		order.Reason = reason
		order.UpdatedAt = time.Now()
		m.publishOrder(events.TopicOrderRejected, order)
		return
	}
	m.addPending(order)
}

func (m *Manager) clientOrderID(o *events.Order) string {
	m.mu.Lock()
	attempt := m.attempts[o.OrderID]
	m.mu.Unlock()
	if attempt == 0 {
		attempt = 1
	}
	return fmt.Sprintf("%s:%d", o.SignalID, attempt)
}

func (m *Manager) terminalTopic(status events.OrderStatus) string {
	switch status {
	case events.OrderCancelled:
		return events.TopicOrderCancelled
	case events.OrderExpired:
		return events.TopicOrderExpired
	default:
		return events.TopicOrderRejected
	}
}

// cancelPendingLocked cancels pending orders on a symbol, optionally
// filtered by strategy. Caller holds the symbol lock.
func (m *Manager) cancelPendingLocked(symbol, strategyID, reason string) {
	m.mu.Lock()
	var due []*events.Order
	for _, o := range m.pending {
		if o.Symbol != symbol {
			continue
		}
		if strategyID != "" && o.StrategyID != strategyID {
			continue
		}
		due = append(due, o)
	}
	m.mu.Unlock()

	for _, o := range due {
		if m.mode == events.ModeLive {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := m.client.CancelOrder(ctx, o.Symbol, m.clientOrderID(o)); err != nil {
				m.log.Warn().
					Err(err).
					Str("order_id", o.OrderID.String()).
					Msg("Remote cancel failed")
			}
			cancel()
		}
		m.removePending(o)
		if !o.Closing {
			m.release(o, true)
		}
		o.Status = events.OrderCancelled
		o.Reason = reason
		o.UpdatedAt = m.clockNow()
		m.publishOrder(events.TopicOrderCancelled, o)
	}
}

func (m *Manager) addPending(o *events.Order) {
	m.mu.Lock()
	m.pending[o.OrderID] = o
	m.mu.Unlock()
}

func (m *Manager) removePending(o *events.Order) {
	m.mu.Lock()
	delete(m.pending, o.OrderID)
	delete(m.attempts, o.OrderID)
	m.mu.Unlock()
}

func (m *Manager) stillPending(o *events.Order) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[o.OrderID]
	return ok
}

func (m *Manager) reserve(o *events.Order, margin float64) {
	m.mu.Lock()
	m.reserved += margin
	m.attributeLocked(o.Symbol, o.StrategyID, margin)
	m.mu.Unlock()
	m.updateGauges()
}

// release undoes the reserved share of an entry order. On the fill path
// the attribution persists against the now-open position; a terminal order
// that never filled drops it too.
func (m *Manager) release(o *events.Order, dropAttribution bool) {
	m.mu.Lock()
	m.reserved -= o.Margin
	if m.reserved < 0 {
		m.reserved = 0
	}
	if dropAttribution {
		m.attributeLocked(o.Symbol, o.StrategyID, -o.Margin)
	}
	m.mu.Unlock()
	m.updateGauges()
}

func (m *Manager) attributeLocked(symbol, strategyID string, delta float64) {
	if strategyID == "" {
		return
	}
	bySym, ok := m.stratMargin[symbol]
	if !ok {
		bySym = make(map[string]float64)
		m.stratMargin[symbol] = bySym
	}
	bySym[strategyID] += delta
	if bySym[strategyID] <= 0 {
		delete(bySym, strategyID)
	}
}

func (m *Manager) clearAttribution(symbol string) {
	m.mu.Lock()
	delete(m.stratMargin, symbol)
	m.mu.Unlock()
}

func (m *Manager) strategyMargin(strategyID string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum float64
	for _, bySym := range m.stratMargin {
		sum += bySym[strategyID]
	}
	return sum
}

func (m *Manager) reservedMargin() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserved
}

func (m *Manager) publishOrder(topic string, o *events.Order) {
	metrics.OrdersCreated.WithLabelValues(string(m.mode), string(o.Status)).Inc()
	if err := m.bus.Publish(topic, *o); err != nil {
		m.log.Error().
			Err(err).
			Str("order_id", o.OrderID.String()).
			Str("topic", topic).
			Msg("Failed to publish order event")
		return
	}
	m.log.Info().
		Str("order_id", o.OrderID.String()).
		Str("symbol", o.Symbol).
		Str("side", string(o.Side)).
		Str("status", string(o.Status)).
		Str("reason", o.Reason).
		Float64("quantity", o.Quantity).
		Float64("fill_price", o.FillPrice).
		Msg("Order event")
}

func (m *Manager) publishPosition(topic string, p events.Position) {
	if err := m.bus.Publish(topic, p); err != nil {
		m.log.Error().
			Err(err).
			Str("position_id", p.PositionID.String()).
			Str("topic", topic).
			Msg("Failed to publish position event")
	}
}

func (m *Manager) updateGauges() {
	metrics.OpenPositions.Set(float64(m.table.OpenCount()))
	metrics.OpenMargin.Set(m.table.OpenMargin() + m.reservedMargin())
}
