// Package bus implements the engine's in-process typed topic pub/sub.
//
// Every subscription owns a bounded queue drained by a single worker
// goroutine, which gives FIFO delivery per (topic, subscriber) and lets
// handlers publish without deadlocking on their own topic. Publish enqueues
// for all current subscribers; a full queue blocks the publisher up to the
// configured timeout unless the subscriber is trading-critical, in which
// case publish blocks until space frees.
package bus

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pumpwatch/pumpwatch/internal/metrics"
)

const (
	// DefaultPublishTimeout bounds how long a publish waits on a full
	// non-critical queue before dropping the event for that subscriber.
	DefaultPublishTimeout = 100 * time.Millisecond

	// DefaultQueueSize is the per-subscription queue bound.
	DefaultQueueSize = 1024

	// DefaultShutdownGrace bounds queue draining during Shutdown.
	DefaultShutdownGrace = 5 * time.Second

	// Three consecutive handler errors inside this window mark the
	// subscription unhealthy.
	unhealthyThreshold = 3
	unhealthyWindow    = 30 * time.Second
)

// ErrBusClosed is returned by Publish after Shutdown has begun.
var ErrBusClosed = errors.New("event bus closed")

// Event is the unit of delivery. Payload types live in internal/events.
type Event struct {
	ID        uuid.UUID
	Topic     string
	Timestamp time.Time
	Payload   any
}

// Handler processes one delivered event. A non-nil error is counted against
// the subscription's health but does not stop delivery.
type Handler func(ev Event) error

// SubOption configures a subscription.
type SubOption func(*Subscription)

// WithQueueSize overrides the default queue bound.
func WithQueueSize(n int) SubOption {
	return func(s *Subscription) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithCritical marks the subscriber trading-critical: events are never
// dropped for it and publish blocks without timeout.
func WithCritical() SubOption {
	return func(s *Subscription) { s.critical = true }
}

// WithName sets the subscriber name used in logs and metrics.
func WithName(name string) SubOption {
	return func(s *Subscription) { s.name = name }
}

// Subscription is a handle returned by Subscribe.
type Subscription struct {
	id        uint64
	name      string
	topic     string
	critical  bool
	queueSize int

	queue   chan Event
	handler Handler
	stop    chan struct{} // closed to tell the worker to drain and exit
	done    chan struct{} // closed when the worker has exited

	dropped   atomic.Uint64
	errCount  atomic.Uint64
	unhealthy atomic.Bool

	// consecutive-error tracking, touched only by the worker
	errStreak      int
	errStreakStart time.Time
}

// Dropped returns how many events were dropped for this subscriber.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Errors returns how many handler errors this subscription has seen.
func (s *Subscription) Errors() uint64 { return s.errCount.Load() }

// Unhealthy reports whether the subscription breached the error threshold.
func (s *Subscription) Unhealthy() bool { return s.unhealthy.Load() }

// Name returns the subscriber name.
func (s *Subscription) Name() string { return s.name }

// Bus is the in-process event bus. Construct with New.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*Subscription
	closed bool

	publishTimeout   time.Duration
	grace            time.Duration
	defaultQueueSize int
	nextID           atomic.Uint64
	wg               sync.WaitGroup
	log              zerolog.Logger

	// onUnhealthy surfaces breached subscriptions to the health monitor.
	onUnhealthy func(topic, subscriber string)
}

// Option configures the bus.
type Option func(*Bus)

// WithPublishTimeout overrides the default publish timeout.
func WithPublishTimeout(d time.Duration) Option {
	return func(b *Bus) { b.publishTimeout = d }
}

// WithShutdownGrace overrides the default shutdown grace window.
func WithShutdownGrace(d time.Duration) Option {
	return func(b *Bus) { b.grace = d }
}

// WithUnhealthyCallback registers a callback invoked once per subscription
// when it crosses the consecutive-error threshold.
func WithUnhealthyCallback(fn func(topic, subscriber string)) Option {
	return func(b *Bus) { b.onUnhealthy = fn }
}

// WithDefaultQueueSize overrides the queue bound subscriptions get when
// they do not set WithQueueSize themselves.
func WithDefaultQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.defaultQueueSize = n
		}
	}
}

// New creates an event bus.
func New(logger zerolog.Logger, opts ...Option) *Bus {
	b := &Bus{
		subs:             make(map[string][]*Subscription),
		publishTimeout:   DefaultPublishTimeout,
		grace:            DefaultShutdownGrace,
		defaultQueueSize: DefaultQueueSize,
		log:              logger.With().Str("component", "bus").Logger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for a topic and starts its worker. The
// returned handle is used to unsubscribe.
func (b *Bus) Subscribe(topic string, handler Handler, opts ...SubOption) (*Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("subscribe %s: nil handler", topic)
	}

	sub := &Subscription{
		id:        b.nextID.Add(1),
		topic:     topic,
		queueSize: b.defaultQueueSize,
		handler:   handler,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(sub)
	}
	if sub.name == "" {
		sub.name = fmt.Sprintf("sub-%d", sub.id)
	}
	sub.queue = make(chan Event, sub.queueSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	b.subs[topic] = append(b.subs[topic], sub)
	b.wg.Add(1)
	b.mu.Unlock()

	go b.worker(sub)

	b.log.Debug().
		Str("topic", topic).
		Str("subscriber", sub.name).
		Bool("critical", sub.critical).
		Int("queue_size", sub.queueSize).
		Msg("Subscribed")

	return sub, nil
}

// Publish delivers an event to every current subscriber of the topic. It
// returns once the event is enqueued (or dropped after the timeout) for all
// of them.
func (b *Bus) Publish(topic string, payload any) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	targets := make([]*Subscription, len(b.subs[topic]))
	copy(targets, b.subs[topic])
	b.mu.RUnlock()

	ev := Event{
		ID:        uuid.New(),
		Topic:     topic,
		Timestamp: time.Now(),
		Payload:   payload,
	}
	metrics.BusEventsPublished.WithLabelValues(topic).Inc()

	for _, sub := range targets {
		b.deliver(sub, ev)
	}
	return nil
}

func (b *Bus) deliver(sub *Subscription, ev Event) {
	if sub.critical {
		// Trading-critical subscribers never lose events.
		select {
		case sub.queue <- ev:
		case <-sub.stop:
		}
		return
	}

	select {
	case sub.queue <- ev:
		return
	default:
	}

	timer := time.NewTimer(b.publishTimeout)
	defer timer.Stop()
	select {
	case sub.queue <- ev:
	case <-sub.stop:
	case <-timer.C:
		sub.dropped.Add(1)
		metrics.BusEventsDropped.WithLabelValues(ev.Topic, sub.name).Inc()
		b.log.Warn().
			Str("topic", ev.Topic).
			Str("subscriber", sub.name).
			Str("event_id", ev.ID.String()).
			Uint64("dropped_total", sub.dropped.Load()).
			Msg("Subscriber queue full, event dropped")
	}
}

// worker drains one subscription's queue in order until stopped. On stop it
// flushes whatever is already queued before exiting.
func (b *Bus) worker(sub *Subscription) {
	defer b.wg.Done()
	defer close(sub.done)

	for {
		select {
		case ev := <-sub.queue:
			b.handle(sub, ev)
		case <-sub.stop:
			for {
				select {
				case ev := <-sub.queue:
					b.handle(sub, ev)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) handle(sub *Subscription, ev Event) {
	if err := sub.handler(ev); err != nil {
		sub.errCount.Add(1)
		metrics.BusHandlerErrors.WithLabelValues(ev.Topic, sub.name).Inc()
		b.log.Error().
			Err(err).
			Str("topic", ev.Topic).
			Str("subscriber", sub.name).
			Str("event_id", ev.ID.String()).
			Msg("Handler error")

		now := time.Now()
		if sub.errStreak == 0 || now.Sub(sub.errStreakStart) > unhealthyWindow {
			sub.errStreak = 0
			sub.errStreakStart = now
		}
		sub.errStreak++
		if sub.errStreak >= unhealthyThreshold && !sub.unhealthy.Swap(true) {
			metrics.BusUnhealthySubscriptions.Inc()
			b.log.Error().
				Str("topic", ev.Topic).
				Str("subscriber", sub.name).
				Int("consecutive_errors", sub.errStreak).
				Msg("Subscription marked unhealthy")
			if b.onUnhealthy != nil {
				b.onUnhealthy(ev.Topic, sub.name)
			}
		}
		return
	}
	sub.errStreak = 0
}

// Unsubscribe removes the subscription, flushes events already queued to the
// handler, and releases its worker.
func (b *Bus) Unsubscribe(sub *Subscription) error {
	if sub == nil {
		return nil
	}

	b.mu.Lock()
	list := b.subs[sub.topic]
	found := false
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.topic] = append(list[:i], list[i+1:]...)
			found = true
			break
		}
	}
	b.mu.Unlock()

	if !found {
		return fmt.Errorf("unsubscribe %s/%s: not subscribed", sub.topic, sub.name)
	}

	close(sub.stop)
	<-sub.done

	b.log.Debug().
		Str("topic", sub.topic).
		Str("subscriber", sub.name).
		Msg("Unsubscribed")
	return nil
}

// Shutdown stops accepting publishes, drains all queues, and waits for
// workers, bounded by the grace window. Events still queued when the window
// expires are logged and discarded.
func (b *Bus) Shutdown() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*Subscription
	for _, list := range b.subs {
		all = append(all, list...)
	}
	b.subs = make(map[string][]*Subscription)
	b.mu.Unlock()

	for _, sub := range all {
		close(sub.stop)
	}

	drained := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		b.log.Info().Int("subscriptions", len(all)).Msg("Event bus shut down")
		return nil
	case <-time.After(b.grace):
		remaining := 0
		for _, sub := range all {
			remaining += len(sub.queue)
		}
		b.log.Warn().
			Int("remaining_events", remaining).
			Dur("grace", b.grace).
			Msg("Event bus shutdown grace expired, discarding queued events")
		return fmt.Errorf("bus shutdown: %d events discarded after %s grace", remaining, b.grace)
	}
}
