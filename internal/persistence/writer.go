package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/pumpwatch/pumpwatch/internal/bus"
	"github.com/pumpwatch/pumpwatch/internal/events"
	"github.com/pumpwatch/pumpwatch/internal/metrics"
	"github.com/pumpwatch/pumpwatch/internal/retry"
)

// Store is the slice of the database layer the writer needs. *db.DB
// satisfies it.
type Store interface {
	InsertTicks(ctx context.Context, ticks []events.Tick) error
	InsertIndicatorValues(ctx context.Context, values []events.IndicatorUpdate) error
	InsertSignal(ctx context.Context, sig *events.Signal) error
	UpsertOrder(ctx context.Context, o *events.Order) error
	UpsertPosition(ctx context.Context, p *events.Position) error
}

// Writer subscribes to the bus and persists everything a session produces.
// High-volume streams (ticks, indicator values) batch through bounded
// flushers; trading events write through immediately with retries. A store
// outage degrades persistence without stopping trading.
type Writer struct {
	store    Store
	bus      *bus.Bus
	log      zerolog.Logger
	breaker  *gobreaker.CircuitBreaker
	retryCfg retry.Config

	persistTicks bool

	ticks      *batcher[events.Tick]
	indicators *batcher[events.IndicatorUpdate]

	subs []*bus.Subscription
}

// WriterOption configures the writer.
type WriterOption func(*Writer)

// WithoutTickPersistence disables tick writes. Used for backtest sessions,
// which replay ticks that are already stored.
func WithoutTickPersistence() WriterOption {
	return func(w *Writer) { w.persistTicks = false }
}

// WithRetryConfig overrides the write retry policy.
func WithRetryConfig(cfg retry.Config) WriterOption {
	return func(w *Writer) { w.retryCfg = cfg }
}

// NewWriter creates a persistence writer bound to the given store.
func NewWriter(store Store, b *bus.Bus, logger zerolog.Logger, opts ...WriterOption) *Writer {
	w := &Writer{
		store:        store,
		bus:          b,
		log:          logger.With().Str("component", "persistence").Logger(),
		retryCfg:     retry.DefaultConfig(),
		persistTicks: true,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.breaker = newStoreBreaker(w.log)
	return w
}

// Start spins up the batchers and subscribes to all persisted topics.
func (w *Writer) Start() error {
	w.ticks = newBatcher("ticks", w.store.InsertTicks, w.breaker, w.retryCfg, w.bus, w.log,
		DefaultFlushRows, DefaultFlushInterval, DefaultOverflowRows)
	w.indicators = newBatcher("indicators", w.store.InsertIndicatorValues, w.breaker, w.retryCfg, w.bus, w.log,
		DefaultFlushRows, DefaultFlushInterval, DefaultOverflowRows)

	type route struct {
		topic    string
		handler  bus.Handler
		critical bool
		name     string
	}
	routes := []route{
		{events.TopicPriceUpdate, w.onTick, false, "persist-ticks"},
		{events.TopicIndicatorUpdated, w.onIndicator, false, "persist-indicators"},
		{events.TopicSignalGenerated, w.onSignal, true, "persist-signals"},
		{events.TopicOrderCreated, w.onOrder, true, "persist-orders"},
		{events.TopicOrderFilled, w.onOrder, true, "persist-orders-filled"},
		{events.TopicOrderCancelled, w.onOrder, true, "persist-orders-cancelled"},
		{events.TopicOrderRejected, w.onOrder, true, "persist-orders-rejected"},
		{events.TopicOrderExpired, w.onOrder, true, "persist-orders-expired"},
		{events.TopicPositionUpdated, w.onPosition, true, "persist-positions"},
		{events.TopicPositionClosed, w.onPosition, true, "persist-positions-closed"},
	}

	for _, r := range routes {
		opts := []bus.SubOption{bus.WithName(r.name)}
		if r.critical {
			opts = append(opts, bus.WithCritical())
		}
		sub, err := w.bus.Subscribe(r.topic, r.handler, opts...)
		if err != nil {
			return fmt.Errorf("persistence subscribe %s: %w", r.topic, err)
		}
		w.subs = append(w.subs, sub)
	}
	return nil
}

func (w *Writer) onTick(ev bus.Event) error {
	tick, ok := ev.Payload.(events.Tick)
	if !ok {
		return fmt.Errorf("unexpected payload on %s: %T", ev.Topic, ev.Payload)
	}
	metrics.TicksIngested.WithLabelValues(tick.Symbol).Inc()
	if w.persistTicks {
		w.ticks.Add(tick)
	}
	return nil
}

func (w *Writer) onIndicator(ev bus.Event) error {
	update, ok := ev.Payload.(events.IndicatorUpdate)
	if !ok {
		return fmt.Errorf("unexpected payload on %s: %T", ev.Topic, ev.Payload)
	}
	w.indicators.Add(update)
	return nil
}

// onSignal writes each signal synchronously. The insert is idempotent on
// (timestamp, signal_id), so redelivery is harmless.
func (w *Writer) onSignal(ev bus.Event) error {
	sig, ok := ev.Payload.(events.Signal)
	if !ok {
		return fmt.Errorf("unexpected payload on %s: %T", ev.Topic, ev.Payload)
	}
	w.write("signals", func(ctx context.Context) error {
		return w.store.InsertSignal(ctx, &sig)
	})
	return nil
}

func (w *Writer) onOrder(ev bus.Event) error {
	order, ok := ev.Payload.(events.Order)
	if !ok {
		return fmt.Errorf("unexpected payload on %s: %T", ev.Topic, ev.Payload)
	}
	w.write("orders", func(ctx context.Context) error {
		return w.store.UpsertOrder(ctx, &order)
	})
	return nil
}

func (w *Writer) onPosition(ev bus.Event) error {
	pos, ok := ev.Payload.(events.Position)
	if !ok {
		return fmt.Errorf("unexpected payload on %s: %T", ev.Topic, ev.Payload)
	}
	w.write("positions", func(ctx context.Context) error {
		return w.store.UpsertPosition(ctx, &pos)
	})
	return nil
}

// write runs one trading write through the breaker with retries. Failures
// degrade persistence but never propagate into the trading path.
func (w *Writer) write(sink string, op func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := w.breaker.Execute(func() (any, error) {
		return nil, retry.Do(ctx, w.retryCfg, w.log, func() error {
			return op(ctx)
		})
	})
	if err != nil {
		metrics.PersistenceFlushes.WithLabelValues(sink, "failure").Inc()
		w.log.Error().Err(err).Str("sink", sink).Msg("Trading event write failed")
		if pubErr := w.bus.Publish(events.TopicPersistenceDegraded, events.PersistenceDegraded{
			Sink:      sink,
			Reason:    err.Error(),
			Dropped:   1,
			Timestamp: time.Now(),
		}); pubErr != nil {
			w.log.Warn().Err(pubErr).Msg("Failed to publish persistence status event")
		}
		return
	}
	metrics.PersistedRows.WithLabelValues(sink).Inc()
	metrics.PersistenceFlushes.WithLabelValues(sink, "success").Inc()
}

// Flush forces both batchers to write everything pending.
func (w *Writer) Flush(ctx context.Context) error {
	if w.ticks == nil {
		return nil
	}
	if err := w.ticks.Flush(ctx); err != nil {
		return err
	}
	return w.indicators.Flush(ctx)
}

// Stop unsubscribes from the bus and closes the batchers, flushing whatever
// remains.
func (w *Writer) Stop(ctx context.Context) error {
	for _, sub := range w.subs {
		if err := w.bus.Unsubscribe(sub); err != nil {
			w.log.Warn().Err(err).Msg("Persistence unsubscribe failed")
		}
	}
	w.subs = nil

	var firstErr error
	if w.ticks != nil {
		if err := w.ticks.Close(ctx); err != nil {
			firstErr = err
		}
	}
	if w.indicators != nil {
		if err := w.indicators.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
