package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientWants(t *testing.T) {
	tests := []struct {
		name    string
		topics  []string
		msgType MessageType
		key     string
		want    bool
	}{
		{"no subscriptions gets non-keyed", nil, MessageTypeMarketData, "", true},
		{"no subscriptions never gets keyed", nil, MessageTypeIndicatorUpdated, "vol@BTC", false},
		{"subscribed type", []string{"signal"}, MessageTypeSignal, "", true},
		{"other type filtered", []string{"signal"}, MessageTypeMarketData, "", false},
		{"bare type covers all keys", []string{"indicator_updated"}, MessageTypeIndicatorUpdated, "vol@BTC", true},
		{"exact key match", []string{"indicator_updated:vol@BTC"}, MessageTypeIndicatorUpdated, "vol@BTC", true},
		{"other key filtered", []string{"indicator_updated:vol@BTC"}, MessageTypeIndicatorUpdated, "vol@ETH", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := &Client{topics: make(map[string]bool)}
			c.subscribe(tc.topics)
			assert.Equal(t, tc.want, c.wants(tc.msgType, tc.key))
		})
	}
}

func TestClientUnsubscribe(t *testing.T) {
	c := &Client{topics: make(map[string]bool)}
	c.subscribe([]string{"signal", "market_data"})
	c.unsubscribe([]string{"signal"})

	assert.False(t, c.wants(MessageTypeSignal, ""))
	assert.True(t, c.wants(MessageTypeMarketData, ""))
}

func wsEndpoint(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r)
	}
}

func newRunningHub(t *testing.T) *Hub {
	t.Helper()

	hub := NewHub(zerolog.Nop())
	go hub.Run()
	t.Cleanup(hub.Shutdown)
	return hub
}

// readFrames reads one websocket message and splits folded frames.
func readFrames(t *testing.T, conn *websocket.Conn) []Message {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var out []Message
	for _, part := range strings.Split(string(raw), "\n") {
		var msg Message
		require.NoError(t, json.Unmarshal([]byte(part), &msg))
		out = append(out, msg)
	}
	return out
}

// readUntil reads frames until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType MessageType) Message {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, msg := range readFrames(t, conn) {
			if msg.Type == msgType {
				return msg
			}
		}
	}
	t.Fatalf("no %s frame before deadline", msgType)
	return Message{}
}

func TestServeWSBroadcastRoundTrip(t *testing.T) {
	hub := newRunningHub(t)

	srv := httptest.NewServer(wsEndpoint(hub))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// The connected status frame arrives first.
	status := readUntil(t, conn, MessageTypeStatus)
	var body map[string]any
	require.NoError(t, json.Unmarshal(status.Data, &body))
	assert.Equal(t, "connected", body["status"])

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Broadcast(MessageTypeSignal, map[string]string{"symbol": "BTCUSDT"}))

	msg := readUntil(t, conn, MessageTypeSignal)
	var signal map[string]string
	require.NoError(t, json.Unmarshal(msg.Data, &signal))
	assert.Equal(t, "BTCUSDT", signal["symbol"])
}

func TestServeWSSubscriptionFiltering(t *testing.T) {
	hub := newRunningHub(t)

	srv := httptest.NewServer(wsEndpoint(hub))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	readUntil(t, conn, MessageTypeStatus)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":   "subscribe",
		"topics": []string{"order_created"},
	}))

	// Ping after subscribing; the pong confirms the subscribe was handled.
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping"}))
	pong := readUntil(t, conn, MessageTypeStatus)
	var body map[string]any
	require.NoError(t, json.Unmarshal(pong.Data, &body))
	require.Equal(t, "pong", body["status"])

	require.NoError(t, hub.Broadcast(MessageTypeMarketData, map[string]string{"symbol": "BTCUSDT"}))
	require.NoError(t, hub.Broadcast(MessageTypeOrderCreated, map[string]string{"order_id": "o-1"}))

	// The filtered market_data frame never arrives; order_created does.
	msg := readUntil(t, conn, MessageTypeOrderCreated)
	var order map[string]string
	require.NoError(t, json.Unmarshal(msg.Data, &order))
	assert.Equal(t, "o-1", order["order_id"])
}
