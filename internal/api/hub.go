package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Idle connections close after this long without client activity
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 4096

	sendBuffer = 256
)

// MessageType is the wire message discriminator.
type MessageType string

const (
	MessageTypeStatus           MessageType = "status"
	MessageTypeSessionStatus    MessageType = "session_status"
	MessageTypeMarketData       MessageType = "market_data"
	MessageTypeIndicatorUpdated MessageType = "indicator_updated"
	MessageTypeSignal           MessageType = "signal"
	MessageTypeOrderCreated     MessageType = "order_created"
	MessageTypeOrderUpdated     MessageType = "order_updated"
	MessageTypePositionUpdated  MessageType = "position_updated"
	MessageTypePositionClosed   MessageType = "position_closed"
	MessageTypeRiskAlert        MessageType = "risk_alert"
)

// Message is one server-to-client frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// clientRequest is a frame from the client.
type clientRequest struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics,omitempty"`
}

// Client is one WebSocket connection with its topic subscriptions.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	topics map[string]bool
}

// wants reports whether the client should receive a message of the given
// type. key narrows high-volume streams: indicator updates go only to
// clients subscribed to the bare type or to "type:key". Clients with no
// subscriptions get every non-keyed stream.
func (c *Client) wants(msgType MessageType, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if key != "" {
		return c.topics[string(msgType)] || c.topics[string(msgType)+":"+key]
	}
	if len(c.topics) == 0 {
		return true
	}
	return c.topics[string(msgType)]
}

func (c *Client) subscribe(topics []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range topics {
		c.topics[topic] = true
	}
}

func (c *Client) unsubscribe(topics []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range topics {
		delete(c.topics, topic)
	}
}

// Hub maintains active WebSocket clients and routes broadcast messages to
// the ones subscribed.
type Hub struct {
	log zerolog.Logger

	mu      sync.RWMutex
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	stop       chan struct{}
	done       chan struct{}
}

// NewHub creates a hub; call Run in a goroutine.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		log:        logger.With().Str("component", "ws-hub").Logger(),
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Run services client registration until Shutdown.
func (h *Hub) Run() {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Info().Int("total_clients", total).Msg("WebSocket client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Info().Int("total_clients", total).Msg("WebSocket client disconnected")

		case <-h.stop:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Shutdown disconnects every client and stops the hub loop.
func (h *Hub) Shutdown() {
	close(h.stop)
	<-h.done
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message to every subscribed client.
func (h *Hub) Broadcast(msgType MessageType, data any) error {
	return h.BroadcastKeyed(msgType, "", data)
}

// BroadcastKeyed sends a message tagged with a subscription key so keyed
// streams reach only the clients that asked for them. Slow clients are
// disconnected rather than blocking the hub.
func (h *Hub) BroadcastKeyed(msgType MessageType, key string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Data:      payload,
	})
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if !client.wants(msgType, key) {
			continue
		}
		select {
		case client.send <- frame:
		default:
			close(client.send)
			delete(h.clients, client)
		}
	}
	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS upgrades an HTTP request into a hub client.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		topics: make(map[string]bool),
	}
	h.register <- client

	go client.writePump()
	go client.readPump()

	client.sendStatus("connected")
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handleMessage(message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Fold queued frames into the same websocket message.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(message []byte) {
	var req clientRequest
	if err := json.Unmarshal(message, &req); err != nil {
		c.hub.log.Warn().Err(err).Msg("Unparseable client message")
		return
	}

	switch req.Type {
	case "subscribe":
		c.subscribe(req.Topics)
	case "unsubscribe":
		c.unsubscribe(req.Topics)
	case "ping":
		c.sendStatus("pong")
	default:
		c.hub.log.Debug().Str("type", req.Type).Msg("Unknown client message type")
	}
}

func (c *Client) sendStatus(status string) {
	payload, _ := json.Marshal(map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC(),
	})
	frame, err := json.Marshal(Message{
		Type:      MessageTypeStatus,
		Timestamp: time.Now().UTC(),
		Data:      payload,
	})
	if err != nil {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}
