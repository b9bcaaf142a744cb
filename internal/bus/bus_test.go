package bus

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T, opts ...Option) *Bus {
	t.Helper()
	b := New(zerolog.Nop(), opts...)
	t.Cleanup(func() { _ = b.Shutdown() })
	return b
}

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	got := map[string]int{}
	done := make(chan struct{}, 2)

	for _, name := range []string{"a", "b"} {
		name := name
		_, err := b.Subscribe("test.topic", func(ev Event) error {
			mu.Lock()
			got[name]++
			mu.Unlock()
			done <- struct{}{}
			return nil
		}, WithName(name))
		require.NoError(t, err)
	}

	require.NoError(t, b.Publish("test.topic", "payload"))

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, got["a"])
	assert.Equal(t, 1, got["b"])
}

// Delivered sequence per subscriber must be a prefix of the published
// sequence: no reordering, no duplicates.
func TestPerSubscriberFIFO(t *testing.T) {
	b := newTestBus(t)

	const n = 500
	received := make([]int, 0, n)
	done := make(chan struct{})

	_, err := b.Subscribe("ordered", func(ev Event) error {
		received = append(received, ev.Payload.(int))
		if len(received) == n {
			close(done)
		}
		return nil
	}, WithName("fifo"))
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		require.NoError(t, b.Publish("ordered", i))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("only %d of %d events delivered", len(received), n)
	}

	for i, v := range received {
		require.Equal(t, i, v, "reordered at index %d", i)
	}
}

// A slow subscriber on a topic must not starve other subscribers of the
// same topic.
func TestBackpressureIsolatesSlowSubscriber(t *testing.T) {
	b := newTestBus(t, WithPublishTimeout(5*time.Millisecond))

	const n = 50
	slowRelease := make(chan struct{})
	slow, err := b.Subscribe("bp", func(ev Event) error {
		<-slowRelease
		return nil
	}, WithName("slow"), WithQueueSize(1))
	require.NoError(t, err)

	fastCount := 0
	fastDone := make(chan struct{})
	_, err = b.Subscribe("bp", func(ev Event) error {
		fastCount++
		if fastCount == n {
			close(fastDone)
		}
		return nil
	}, WithName("fast"), WithQueueSize(n))
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		require.NoError(t, b.Publish("bp", i))
	}

	select {
	case <-fastDone:
	case <-time.After(5 * time.Second):
		t.Fatalf("fast subscriber received %d of %d", fastCount, n)
	}

	// The slow subscriber's queue filled and events were dropped for it,
	// never for the fast one.
	assert.Greater(t, slow.Dropped(), uint64(0))
	close(slowRelease)
}

// Subscriptions that do not set their own queue size inherit the bus-wide
// default.
func TestDefaultQueueSizeBoundsSubscriptions(t *testing.T) {
	b := newTestBus(t, WithPublishTimeout(5*time.Millisecond), WithDefaultQueueSize(1))

	release := make(chan struct{})
	sub, err := b.Subscribe("dq", func(ev Event) error {
		<-release
		return nil
	}, WithName("bounded"))
	require.NoError(t, err)

	// One event occupies the handler, one sits in the queue, the rest
	// must hit the bound and drop.
	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish("dq", i))
	}
	require.Eventually(t, func() bool {
		return sub.Dropped() > 0
	}, 5*time.Second, 10*time.Millisecond)
	close(release)
}

func TestCriticalSubscriberNeverDrops(t *testing.T) {
	b := newTestBus(t, WithPublishTimeout(time.Millisecond))

	const n = 100
	release := make(chan struct{})
	var received int
	done := make(chan struct{})

	crit, err := b.Subscribe("crit", func(ev Event) error {
		<-release
		received++
		if received == n {
			close(done)
		}
		return nil
	}, WithName("critical"), WithQueueSize(2), WithCritical())
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(release)
	}()

	for i := 0; i < n; i++ {
		require.NoError(t, b.Publish("crit", i))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("critical subscriber received %d of %d", received, n)
	}
	assert.Zero(t, crit.Dropped())
}

// A handler publishing to its own topic must not deadlock.
func TestHandlerMayPublish(t *testing.T) {
	b := newTestBus(t)

	done := make(chan struct{})
	var once sync.Once
	_, err := b.Subscribe("loop", func(ev Event) error {
		if ev.Payload.(int) < 3 {
			return b.Publish("loop", ev.Payload.(int)+1)
		}
		once.Do(func() { close(done) })
		return nil
	}, WithName("self"))
	require.NoError(t, err)

	require.NoError(t, b.Publish("loop", 0))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler publishing to its own topic deadlocked")
	}
}

func TestUnsubscribeFlushesPending(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	var count int
	block := make(chan struct{})
	sub, err := b.Subscribe("flush", func(ev Event) error {
		if ev.Payload.(int) == 0 {
			<-block
		}
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}, WithName("flusher"))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish("flush", i))
	}
	close(block)

	require.NoError(t, b.Unsubscribe(sub))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 10, count, "pending events must be flushed on unsubscribe")
}

func TestUnsubscribeTwiceFails(t *testing.T) {
	b := newTestBus(t)
	sub, err := b.Subscribe("t", func(ev Event) error { return nil })
	require.NoError(t, err)
	require.NoError(t, b.Unsubscribe(sub))
	assert.Error(t, b.Unsubscribe(sub))
}

func TestPublishAfterShutdownFails(t *testing.T) {
	b := New(zerolog.Nop())
	_, err := b.Subscribe("t", func(ev Event) error { return nil })
	require.NoError(t, err)
	require.NoError(t, b.Shutdown())
	assert.ErrorIs(t, b.Publish("t", 1), ErrBusClosed)
}

func TestShutdownDrainsQueues(t *testing.T) {
	b := New(zerolog.Nop(), WithShutdownGrace(2*time.Second))

	var mu sync.Mutex
	var count int
	_, err := b.Subscribe("drain", func(ev Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}, WithName("drainer"))
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		require.NoError(t, b.Publish("drain", i))
	}
	require.NoError(t, b.Shutdown())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 200, count, "shutdown must drain queued events")
}

func TestConsecutiveHandlerErrorsMarkUnhealthy(t *testing.T) {
	var unhealthyTopic, unhealthySub string
	notified := make(chan struct{})
	b := newTestBus(t, WithUnhealthyCallback(func(topic, subscriber string) {
		unhealthyTopic = topic
		unhealthySub = subscriber
		close(notified)
	}))

	sub, err := b.Subscribe("err", func(ev Event) error {
		return fmt.Errorf("boom")
	}, WithName("flaky"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish("err", i))
	}

	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatal("unhealthy callback not invoked")
	}
	assert.Equal(t, "err", unhealthyTopic)
	assert.Equal(t, "flaky", unhealthySub)
	assert.True(t, sub.Unhealthy())
	assert.EqualValues(t, 3, sub.Errors())
}

func TestHandlerErrorDoesNotStopDelivery(t *testing.T) {
	b := newTestBus(t)

	var count int
	done := make(chan struct{})
	_, err := b.Subscribe("err2", func(ev Event) error {
		count++
		if count == 5 {
			close(done)
		}
		return fmt.Errorf("always fails")
	}, WithName("fails"))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish("err2", i))
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("delivery stopped after handler error, got %d of 5", count)
	}
}
