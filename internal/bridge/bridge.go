// Package bridge converts internal bus events into the stable wire
// messages the UI consumes. It subscribes to a whitelist of topics,
// samples the tick stream, and tags indicator updates with subscription
// keys so the hub can filter per client.
package bridge

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/pumpwatch/pumpwatch/internal/api"
	"github.com/pumpwatch/pumpwatch/internal/bus"
	"github.com/pumpwatch/pumpwatch/internal/events"
)

// tickSampleInterval caps market_data at one frame per symbol per 250ms.
const tickSampleInterval = 250 * time.Millisecond

// Broadcaster is the hub surface the bridge writes to.
type Broadcaster interface {
	Broadcast(msgType api.MessageType, data any) error
	BroadcastKeyed(msgType api.MessageType, key string, data any) error
}

// signalFrame is the trimmed wire view of a signal.
type signalFrame struct {
	SignalID   string    `json:"signal_id"`
	SessionID  string    `json:"session_id"`
	StrategyID string    `json:"strategy_id"`
	Symbol     string    `json:"symbol"`
	Kind       string    `json:"kind"`
	Price      float64   `json:"price"`
	Timestamp  time.Time `json:"timestamp"`
}

// Bridge forwards one session's events to the hub. Create one per session
// through Attach.
type Bridge struct {
	hub Broadcaster
	bus *bus.Bus
	log zerolog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	subs []*bus.Subscription
}

// New creates a bridge bound to one session bus.
func New(hub Broadcaster, b *bus.Bus, sessionID string, logger zerolog.Logger) *Bridge {
	return &Bridge{
		hub:      hub,
		bus:      b,
		log:      logger.With().Str("component", "bridge").Str("session_id", sessionID).Logger(),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Start subscribes the whitelist. Bridge subscribers are never critical;
// a saturated UI drops frames instead of stalling trading.
func (br *Bridge) Start() error {
	routes := []struct {
		topic   string
		handler bus.Handler
	}{
		{events.TopicSessionStatus, br.onSession},
		{events.TopicSessionFailed, br.onSession},
		{events.TopicPriceUpdate, br.onTick},
		{events.TopicIndicatorUpdated, br.onIndicator},
		{events.TopicSignalGenerated, br.onSignal},
		{events.TopicOrderCreated, br.onOrder},
		{events.TopicOrderFilled, br.onOrder},
		{events.TopicOrderCancelled, br.onOrder},
		{events.TopicOrderRejected, br.onOrder},
		{events.TopicOrderExpired, br.onOrder},
		{events.TopicPositionUpdated, br.onPosition},
		{events.TopicPositionClosed, br.onPosition},
		{events.TopicRiskAlert, br.onRiskAlert},
	}
	for _, r := range routes {
		sub, err := br.bus.Subscribe(r.topic, r.handler, bus.WithName("bridge-"+r.topic))
		if err != nil {
			br.Stop()
			return fmt.Errorf("bridge subscribe %s: %w", r.topic, err)
		}
		br.subs = append(br.subs, sub)
	}
	return nil
}

// Stop unsubscribes everything.
func (br *Bridge) Stop() {
	for _, sub := range br.subs {
		if err := br.bus.Unsubscribe(sub); err != nil {
			br.log.Warn().Err(err).Msg("Bridge unsubscribe failed")
		}
	}
	br.subs = nil
}

func (br *Bridge) onSession(ev bus.Event) error {
	update, ok := ev.Payload.(events.SessionUpdate)
	if !ok {
		return fmt.Errorf("unexpected payload on %s: %T", ev.Topic, ev.Payload)
	}
	return br.hub.Broadcast(api.MessageTypeSessionStatus, update)
}

// onTick forwards at most one tick per symbol per sampling interval.
func (br *Bridge) onTick(ev bus.Event) error {
	tick, ok := ev.Payload.(events.Tick)
	if !ok {
		return fmt.Errorf("unexpected payload on %s: %T", ev.Topic, ev.Payload)
	}
	if !br.limiter(tick.Symbol).Allow() {
		return nil
	}
	return br.hub.Broadcast(api.MessageTypeMarketData, tick)
}

func (br *Bridge) limiter(symbol string) *rate.Limiter {
	br.mu.Lock()
	defer br.mu.Unlock()
	lim, ok := br.limiters[symbol]
	if !ok {
		lim = rate.NewLimiter(rate.Every(tickSampleInterval), 1)
		br.limiters[symbol] = lim
	}
	return lim
}

func (br *Bridge) onIndicator(ev bus.Event) error {
	update, ok := ev.Payload.(events.IndicatorUpdate)
	if !ok {
		return fmt.Errorf("unexpected payload on %s: %T", ev.Topic, ev.Payload)
	}
	key := update.VariantID + "@" + update.Symbol
	return br.hub.BroadcastKeyed(api.MessageTypeIndicatorUpdated, key, update)
}

func (br *Bridge) onSignal(ev bus.Event) error {
	sig, ok := ev.Payload.(events.Signal)
	if !ok {
		return fmt.Errorf("unexpected payload on %s: %T", ev.Topic, ev.Payload)
	}
	return br.hub.Broadcast(api.MessageTypeSignal, signalFrame{
		SignalID:   sig.SignalID.String(),
		SessionID:  sig.SessionID,
		StrategyID: sig.StrategyID,
		Symbol:     sig.Symbol,
		Kind:       string(sig.Kind),
		Price:      sig.Price,
		Timestamp:  sig.Timestamp,
	})
}

func (br *Bridge) onOrder(ev bus.Event) error {
	order, ok := ev.Payload.(events.Order)
	if !ok {
		return fmt.Errorf("unexpected payload on %s: %T", ev.Topic, ev.Payload)
	}
	msgType := api.MessageTypeOrderUpdated
	if ev.Topic == events.TopicOrderCreated {
		msgType = api.MessageTypeOrderCreated
	}
	return br.hub.Broadcast(msgType, order)
}

func (br *Bridge) onPosition(ev bus.Event) error {
	pos, ok := ev.Payload.(events.Position)
	if !ok {
		return fmt.Errorf("unexpected payload on %s: %T", ev.Topic, ev.Payload)
	}
	msgType := api.MessageTypePositionUpdated
	if ev.Topic == events.TopicPositionClosed {
		msgType = api.MessageTypePositionClosed
	}
	return br.hub.Broadcast(msgType, pos)
}

func (br *Bridge) onRiskAlert(ev bus.Event) error {
	alert, ok := ev.Payload.(events.RiskAlert)
	if !ok {
		return fmt.Errorf("unexpected payload on %s: %T", ev.Topic, ev.Payload)
	}
	return br.hub.Broadcast(api.MessageTypeRiskAlert, alert)
}
