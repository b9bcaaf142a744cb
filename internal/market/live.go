package market

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pumpwatch/pumpwatch/internal/bus"
	"github.com/pumpwatch/pumpwatch/internal/events"
	"github.com/pumpwatch/pumpwatch/internal/metrics"
)

const (
	// DefaultStreamURL is the Binance combined-stream endpoint.
	DefaultStreamURL = "wss://stream.binance.com:9443/stream"

	heartbeatInterval = 30 * time.Second
	// Three missed heartbeats force a reconnect.
	readTimeout = 3 * heartbeatInterval

	writeTimeout     = 10 * time.Second
	maxReconnectWait = 30 * time.Second
)

// LiveSource streams trades for the session's symbol set over the exchange
// websocket. It maintains the connection itself: a heartbeat every 30s, a
// read deadline worth three heartbeats, and exponential reconnect backoff
// starting at one second. On every reconnect it re-subscribes the full
// symbol set and announces market.reconnected.
type LiveSource struct {
	url       string
	bus       *bus.Bus
	log       zerolog.Logger
	sessionID string
	symbols   []string

	baseBackoff time.Duration

	connMu sync.Mutex
	conn   *websocket.Conn
}

// NewLiveSource creates a live feed for one session. url falls back to
// DefaultStreamURL when empty.
func NewLiveSource(b *bus.Bus, sessionID string, symbols []string, url string, logger zerolog.Logger) *LiveSource {
	if url == "" {
		url = DefaultStreamURL
	}
	return &LiveSource{
		url:         url,
		bus:         b,
		log:         logger.With().Str("component", "market-live").Str("session_id", sessionID).Logger(),
		sessionID:   sessionID,
		symbols:     symbols,
		baseBackoff: time.Second,
	}
}

// Run connects and keeps the feed alive until ctx is cancelled.
func (l *LiveSource) Run(ctx context.Context) error {
	backoff := l.baseBackoff
	attempt := 0

	for {
		connected, err := l.connectAndRead(ctx, attempt)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			// A healthy connection ends the current outage; the next
			// one starts the schedule over.
			backoff = l.baseBackoff
		}
		attempt++

		l.log.Warn().
			Err(err).
			Dur("backoff", backoff).
			Int("attempt", attempt).
			Msg("Market feed disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// subscribeMsg is the exchange stream control frame.
type subscribeMsg struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

// combinedFrame is one message off the combined stream endpoint.
type combinedFrame struct {
	Stream string `json:"stream"`
	Data   struct {
		EventType string `json:"e"`
		Symbol    string `json:"s"`
		Price     string `json:"p"`
		Quantity  string `json:"q"`
		TradeTime int64  `json:"T"`
	} `json:"data"`
}

// connectAndRead reports whether the connection made it past the stream
// subscription before failing.
func (l *LiveSource) connectAndRead(ctx context.Context, attempt int) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", l.url, err)
	}

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()
	defer func() {
		l.connMu.Lock()
		conn.Close()
		l.conn = nil
		l.connMu.Unlock()
	}()

	if err := l.subscribe(conn); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}

	l.log.Info().Strs("symbols", l.symbols).Msg("Market feed connected")
	if attempt > 0 {
		metrics.MarketReconnects.Inc()
		l.publishReconnected(attempt)
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go l.heartbeatLoop(pingCtx, conn)

	for {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		l.dispatch(msg)
	}
}

func (l *LiveSource) subscribe(conn *websocket.Conn) error {
	params := make([]string, 0, len(l.symbols))
	for _, sym := range l.symbols {
		params = append(params, strings.ToLower(sym)+"@aggTrade")
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(subscribeMsg{Method: "SUBSCRIBE", Params: params, ID: 1})
}

func (l *LiveSource) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				l.log.Warn().Err(err).Msg("Heartbeat write failed")
				return
			}
		}
	}
}

func (l *LiveSource) dispatch(msg []byte) {
	tick, ok := l.parseTick(msg)
	if !ok {
		return
	}
	metrics.MarketTicks.WithLabelValues(tick.Symbol).Inc()
	if err := l.bus.Publish(events.TopicPriceUpdate, tick); err != nil {
		l.log.Error().Err(err).Str("symbol", tick.Symbol).Msg("Failed to publish tick")
	}
}

// parseTick converts a combined-stream trade frame into a Tick. Control
// responses and unknown event types are skipped.
func (l *LiveSource) parseTick(msg []byte) (events.Tick, bool) {
	var frame combinedFrame
	if err := json.Unmarshal(msg, &frame); err != nil || frame.Data.EventType != "aggTrade" {
		return events.Tick{}, false
	}
	price, err := strconv.ParseFloat(frame.Data.Price, 64)
	if err != nil || price <= 0 {
		return events.Tick{}, false
	}
	qty, err := strconv.ParseFloat(frame.Data.Quantity, 64)
	if err != nil {
		return events.Tick{}, false
	}
	return events.Tick{
		SessionID: l.sessionID,
		Symbol:    frame.Data.Symbol,
		Price:     price,
		Volume:    qty,
		Timestamp: time.UnixMilli(frame.Data.TradeTime).UTC(),
	}, true
}

func (l *LiveSource) publishReconnected(attempt int) {
	err := l.bus.Publish(events.TopicMarketReconnected, events.MarketReconnected{
		SessionID: l.sessionID,
		Symbols:   l.symbols,
		Attempt:   attempt,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		l.log.Error().Err(err).Msg("Failed to publish reconnect event")
	}
}
