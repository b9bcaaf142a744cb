package market

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/pumpwatch/pumpwatch/internal/bus"
	"github.com/pumpwatch/pumpwatch/internal/events"
	"github.com/pumpwatch/pumpwatch/internal/metrics"
)

// MaxAcceleration is the highest factor that still paces the replay;
// anything above it skips inter-tick delays entirely.
const MaxAcceleration = 100.0

// TickReader loads the recorded ticks of a prior session, ordered by
// (timestamp, symbol).
type TickReader interface {
	GetSessionTicks(ctx context.Context, sessionID string) ([]events.Tick, error)
}

// ReplaySource re-publishes a recorded session's ticks under the current
// session id. The wall-clock delay between consecutive ticks is the
// recorded gap divided by the acceleration factor.
type ReplaySource struct {
	store         TickReader
	bus           *bus.Bus
	log           zerolog.Logger
	sessionID     string
	sourceSession string
	accel         float64
}

// NewReplaySource creates a replay of sourceSession for the session being
// run. accel values at or below zero replay in real time.
func NewReplaySource(store TickReader, b *bus.Bus, sessionID, sourceSession string, accel float64, logger zerolog.Logger) *ReplaySource {
	if accel <= 0 {
		accel = 1
	}
	return &ReplaySource{
		store:         store,
		bus:           b,
		log:           logger.With().Str("component", "market-replay").Str("session_id", sessionID).Str("source_session", sourceSession).Logger(),
		sessionID:     sessionID,
		sourceSession: sourceSession,
		accel:         accel,
	}
}

// Run publishes every recorded tick and returns when the recording is
// exhausted or ctx is cancelled.
func (r *ReplaySource) Run(ctx context.Context) error {
	ticks, err := r.store.GetSessionTicks(ctx, r.sourceSession)
	if err != nil {
		return fmt.Errorf("load replay ticks for %s: %w", r.sourceSession, err)
	}
	if len(ticks) == 0 {
		return fmt.Errorf("session %s has no recorded ticks", r.sourceSession)
	}

	r.log.Info().
		Int("ticks", len(ticks)).
		Float64("acceleration", r.accel).
		Msg("Replay starting")

	var prev time.Time
	for i, tick := range ticks {
		if i > 0 && r.accel <= MaxAcceleration {
			if gap := tick.Timestamp.Sub(prev); gap > 0 {
				delay := time.Duration(float64(gap) / r.accel)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(delay):
				}
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		prev = tick.Timestamp

		tick.SessionID = r.sessionID
		metrics.MarketTicks.WithLabelValues(tick.Symbol).Inc()
		if err := r.bus.Publish(events.TopicPriceUpdate, tick); err != nil {
			r.log.Error().Err(err).Str("symbol", tick.Symbol).Msg("Failed to publish replay tick")
		}
	}

	r.log.Info().Msg("Replay finished")
	return nil
}
