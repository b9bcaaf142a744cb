package persistence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/pumpwatch/pumpwatch/internal/bus"
	"github.com/pumpwatch/pumpwatch/internal/events"
	"github.com/pumpwatch/pumpwatch/internal/metrics"
	"github.com/pumpwatch/pumpwatch/internal/retry"
)

const (
	// DefaultFlushRows triggers a flush once this many rows are pending.
	DefaultFlushRows = 1000

	// DefaultFlushInterval flushes whatever is pending on this cadence.
	DefaultFlushInterval = 500 * time.Millisecond

	// DefaultOverflowRows bounds the in-memory ring that absorbs rows
	// while the store is degraded, roughly one minute of full-rate flow.
	DefaultOverflowRows = 60000
)

type flushFunc[T any] func(ctx context.Context, rows []T) error

// batcher accumulates rows for one sink and flushes them in batches through
// a shared circuit breaker. While the store is degraded rows queue in a
// bounded overflow ring; beyond its capacity the oldest rows are shed.
type batcher[T any] struct {
	sink        string
	flushRows   int
	interval    time.Duration
	overflowCap int
	flush       flushFunc[T]
	breaker     *gobreaker.CircuitBreaker
	retryCfg    retry.Config
	bus         *bus.Bus
	log         zerolog.Logger

	mu       sync.Mutex
	pending  []T
	overflow []T
	degraded bool

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
}

func newBatcher[T any](sink string, flush flushFunc[T], breaker *gobreaker.CircuitBreaker, retryCfg retry.Config, b *bus.Bus, logger zerolog.Logger, flushRows int, interval time.Duration, overflowCap int) *batcher[T] {
	bt := &batcher[T]{
		sink:        sink,
		flushRows:   flushRows,
		interval:    interval,
		overflowCap: overflowCap,
		flush:       flush,
		breaker:     breaker,
		retryCfg:    retryCfg,
		bus:         b,
		log:         logger.With().Str("sink", sink).Logger(),
		kick:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go bt.run()
	return bt
}

// Add queues one row and kicks an early flush when the batch is full.
func (bt *batcher[T]) Add(row T) {
	bt.mu.Lock()
	bt.pending = append(bt.pending, row)
	full := len(bt.pending) >= bt.flushRows
	bt.mu.Unlock()

	if full {
		select {
		case bt.kick <- struct{}{}:
		default:
		}
	}
}

func (bt *batcher[T]) run() {
	defer close(bt.done)
	ticker := time.NewTicker(bt.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			bt.flushNow(context.Background())
		case <-bt.kick:
			bt.flushNow(context.Background())
		case <-bt.stop:
			return
		}
	}
}

// flushNow attempts to write everything pending plus any overflowed rows.
func (bt *batcher[T]) flushNow(ctx context.Context) {
	bt.mu.Lock()
	rows := bt.pending
	bt.pending = nil
	if len(bt.overflow) > 0 {
		rows = append(bt.overflow, rows...)
		bt.overflow = nil
	}
	bt.mu.Unlock()

	if len(rows) == 0 {
		return
	}

	_, err := bt.breaker.Execute(func() (any, error) {
		return nil, retry.Do(ctx, bt.retryCfg, bt.log, func() error {
			return bt.flush(ctx, rows)
		})
	})
	if err == nil {
		metrics.PersistedRows.WithLabelValues(bt.sink).Add(float64(len(rows)))
		metrics.PersistenceFlushes.WithLabelValues(bt.sink, "success").Inc()
		bt.recover()
		return
	}

	metrics.PersistenceFlushes.WithLabelValues(bt.sink, "failure").Inc()
	bt.absorb(rows, err)
}

// absorb queues failed rows in the overflow ring, shedding the oldest rows
// past capacity, and reports the degradation once per transition.
func (bt *batcher[T]) absorb(rows []T, cause error) {
	bt.mu.Lock()
	bt.overflow = append(bt.overflow, rows...)
	shed := 0
	if len(bt.overflow) > bt.overflowCap {
		shed = len(bt.overflow) - bt.overflowCap
		bt.overflow = bt.overflow[shed:]
	}
	first := !bt.degraded
	bt.degraded = true
	bt.mu.Unlock()

	if shed > 0 {
		metrics.PersistenceOverflow.WithLabelValues(bt.sink).Add(float64(shed))
	}
	bt.log.Error().
		Err(cause).
		Int("queued", len(rows)).
		Int("shed", shed).
		Msg("Persistence flush failed, queuing to overflow")

	if first {
		bt.publishDegraded(cause.Error(), shed)
	}
}

func (bt *batcher[T]) recover() {
	bt.mu.Lock()
	was := bt.degraded
	bt.degraded = false
	bt.mu.Unlock()

	if was {
		bt.log.Info().Msg("Persistence sink recovered")
		bt.publishDegraded("recovered", 0)
	}
}

func (bt *batcher[T]) publishDegraded(reason string, dropped int) {
	if err := bt.bus.Publish(events.TopicPersistenceDegraded, events.PersistenceDegraded{
		Sink:      bt.sink,
		Reason:    reason,
		Dropped:   dropped,
		Timestamp: time.Now(),
	}); err != nil {
		bt.log.Warn().Err(err).Msg("Failed to publish persistence status event")
	}
}

// Flush forces a synchronous flush of pending and overflowed rows.
func (bt *batcher[T]) Flush(ctx context.Context) error {
	bt.flushNow(ctx)
	bt.mu.Lock()
	defer bt.mu.Unlock()
	if len(bt.overflow) > 0 {
		return fmt.Errorf("%s: %d rows still unflushed", bt.sink, len(bt.overflow))
	}
	return nil
}

// Close stops the flush loop after a final flush attempt.
func (bt *batcher[T]) Close(ctx context.Context) error {
	close(bt.stop)
	<-bt.done
	return bt.Flush(ctx)
}

func newStoreBreaker(logger zerolog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "timeseries-store",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Store circuit breaker state change")
		},
	})
}
