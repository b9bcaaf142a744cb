package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	busPkg "github.com/pumpwatch/pumpwatch/internal/bus"
	"github.com/pumpwatch/pumpwatch/internal/events"
	"github.com/pumpwatch/pumpwatch/internal/retry"
)

type fakeStore struct {
	mu         sync.Mutex
	ticks      []events.Tick
	indicators []events.IndicatorUpdate
	signals    []events.Signal
	orders     []events.Order
	positions  []events.Position
	failing    bool
}

func (f *fakeStore) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func (f *fakeStore) checkFail() error {
	if f.failing {
		return errors.New("store unavailable")
	}
	return nil
}

func (f *fakeStore) InsertTicks(_ context.Context, ticks []events.Tick) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkFail(); err != nil {
		return err
	}
	f.ticks = append(f.ticks, ticks...)
	return nil
}

func (f *fakeStore) InsertIndicatorValues(_ context.Context, values []events.IndicatorUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkFail(); err != nil {
		return err
	}
	f.indicators = append(f.indicators, values...)
	return nil
}

func (f *fakeStore) InsertSignal(_ context.Context, sig *events.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkFail(); err != nil {
		return err
	}
	f.signals = append(f.signals, *sig)
	return nil
}

func (f *fakeStore) UpsertOrder(_ context.Context, o *events.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkFail(); err != nil {
		return err
	}
	f.orders = append(f.orders, *o)
	return nil
}

func (f *fakeStore) UpsertPosition(_ context.Context, p *events.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkFail(); err != nil {
		return err
	}
	f.positions = append(f.positions, *p)
	return nil
}

func (f *fakeStore) counts() (ticks, indicators, signals, orders, positions int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ticks), len(f.indicators), len(f.signals), len(f.orders), len(f.positions)
}

func fastRetry() retry.Config {
	return retry.Config{MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffFactor: 1}
}

func newTestWriter(t *testing.T, store Store, opts ...WriterOption) (*busPkg.Bus, *Writer) {
	t.Helper()
	b := busPkg.New(zerolog.Nop())
	t.Cleanup(func() { _ = b.Shutdown() })

	opts = append([]WriterOption{WithRetryConfig(fastRetry())}, opts...)
	w := NewWriter(store, b, zerolog.Nop(), opts...)
	require.NoError(t, w.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = w.Stop(ctx)
	})
	return b, w
}

func tick(symbol string, price float64, sec int) events.Tick {
	return events.Tick{
		SessionID: "paper_20260301_120000_test",
		Symbol:    symbol,
		Price:     price,
		Volume:    1,
		Timestamp: time.Date(2026, 3, 1, 12, 0, sec, 0, time.UTC),
	}
}

func TestWriterBatchesTicksAndIndicators(t *testing.T) {
	store := &fakeStore{}
	b, _ := newTestWriter(t, store)

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(events.TopicPriceUpdate, tick("BTCUSDT", 100, i)))
		require.NoError(t, b.Publish(events.TopicIndicatorUpdated, events.IndicatorUpdate{
			SessionID: "paper_20260301_120000_test",
			Symbol:    "BTCUSDT",
			VariantID: "twpa_60",
			Value:     100,
			Timestamp: time.Date(2026, 3, 1, 12, 0, i, 0, time.UTC),
		}))
	}

	require.Eventually(t, func() bool {
		ticks, inds, _, _, _ := store.counts()
		return ticks == 5 && inds == 5
	}, 3*time.Second, 10*time.Millisecond, "interval flush should land every row")
}

func TestWriterPersistsTradingEventsImmediately(t *testing.T) {
	store := &fakeStore{}
	b, _ := newTestWriter(t, store)

	sig := events.Signal{SignalID: uuid.New(), SessionID: "s", StrategyID: "strat", Symbol: "BTCUSDT", Kind: events.SignalBuy, Timestamp: time.Now()}
	order := events.Order{OrderID: uuid.New(), SessionID: "s", Symbol: "BTCUSDT", Status: events.OrderPending, CreatedAt: time.Now()}
	pos := events.Position{PositionID: uuid.New(), SessionID: "s", Symbol: "BTCUSDT", Status: events.PositionOpen}

	require.NoError(t, b.Publish(events.TopicSignalGenerated, sig))
	require.NoError(t, b.Publish(events.TopicOrderCreated, order))
	require.NoError(t, b.Publish(events.TopicPositionUpdated, pos))

	require.Eventually(t, func() bool {
		_, _, signals, orders, positions := store.counts()
		return signals == 1 && orders == 1 && positions == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWriterDegradesAndRecovers(t *testing.T) {
	store := &fakeStore{}
	store.setFailing(true)
	b, w := newTestWriter(t, store)

	degraded := make(chan events.PersistenceDegraded, 16)
	_, err := b.Subscribe(events.TopicPersistenceDegraded, func(ev busPkg.Event) error {
		if p, ok := ev.Payload.(events.PersistenceDegraded); ok {
			select {
			case degraded <- p:
			default:
			}
		}
		return nil
	}, busPkg.WithName("degraded-watch"))
	require.NoError(t, err)

	require.NoError(t, b.Publish(events.TopicPriceUpdate, tick("BTCUSDT", 100, 0)))

	var first events.PersistenceDegraded
	select {
	case first = <-degraded:
	case <-time.After(3 * time.Second):
		t.Fatal("expected a degraded event while the store is down")
	}
	assert.Equal(t, "ticks", first.Sink)

	// No rows land while degraded, but the tick is held in overflow.
	ticks, _, _, _, _ := store.counts()
	assert.Zero(t, ticks)

	store.setFailing(false)
	require.NoError(t, w.Flush(context.Background()))

	require.Eventually(t, func() bool {
		ticks, _, _, _, _ := store.counts()
		return ticks == 1
	}, 3*time.Second, 10*time.Millisecond, "overflowed rows should drain after recovery")

	select {
	case ev := <-degraded:
		assert.Equal(t, "recovered", ev.Reason)
	case <-time.After(3 * time.Second):
		t.Fatal("expected a recovery event")
	}
}

func TestWriterTradingWriteFailureDoesNotErrorHandler(t *testing.T) {
	store := &fakeStore{}
	store.setFailing(true)
	b, _ := newTestWriter(t, store)

	degraded := make(chan events.PersistenceDegraded, 4)
	_, err := b.Subscribe(events.TopicPersistenceDegraded, func(ev busPkg.Event) error {
		if p, ok := ev.Payload.(events.PersistenceDegraded); ok {
			select {
			case degraded <- p:
			default:
			}
		}
		return nil
	}, busPkg.WithName("degraded-watch"))
	require.NoError(t, err)

	require.NoError(t, b.Publish(events.TopicSignalGenerated, events.Signal{
		SignalID: uuid.New(), SessionID: "s", StrategyID: "strat", Symbol: "BTCUSDT", Timestamp: time.Now(),
	}))

	select {
	case ev := <-degraded:
		assert.Equal(t, "signals", ev.Sink)
		assert.Equal(t, 1, ev.Dropped)
	case <-time.After(3 * time.Second):
		t.Fatal("expected a degraded event for the failed signal write")
	}
}

func TestWriterWithoutTickPersistenceSkipsTicks(t *testing.T) {
	store := &fakeStore{}
	b, w := newTestWriter(t, store, WithoutTickPersistence())

	require.NoError(t, b.Publish(events.TopicPriceUpdate, tick("BTCUSDT", 100, 0)))
	require.NoError(t, b.Publish(events.TopicIndicatorUpdated, events.IndicatorUpdate{
		SessionID: "s", Symbol: "BTCUSDT", VariantID: "v", Value: 1, Timestamp: time.Now(),
	}))

	require.Eventually(t, func() bool {
		_, inds, _, _, _ := store.counts()
		return inds == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, w.Flush(context.Background()))

	ticks, _, _, _, _ := store.counts()
	assert.Zero(t, ticks)
}

func TestBatcherShedsPastOverflowCapacity(t *testing.T) {
	store := &fakeStore{}
	store.setFailing(true)
	b := busPkg.New(zerolog.Nop())
	t.Cleanup(func() { _ = b.Shutdown() })

	bt := newBatcher("ticks", store.InsertTicks, newStoreBreaker(zerolog.Nop()), fastRetry(), b, zerolog.Nop(),
		10, 10*time.Millisecond, 20)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = bt.Close(ctx)
	})

	for i := 0; i < 100; i++ {
		bt.Add(tick("BTCUSDT", 100, i%60))
	}

	require.Eventually(t, func() bool {
		bt.mu.Lock()
		defer bt.mu.Unlock()
		return bt.degraded && len(bt.overflow) <= 20 && len(bt.pending) == 0
	}, 3*time.Second, 10*time.Millisecond, "overflow must stay bounded while degraded")
}
