// WebSocket event stream for the admin API: every queue, network and
// sync event is broadcast to connected clients as a JSON envelope.
package main

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/restsync/restsync/internal/events"
	"github.com/restsync/restsync/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The admin API binds to loopback; accept local clients only.
		return r.Host == "localhost" || r.Host == "127.0.0.1" ||
			r.Host == "localhost:8780" || r.Host == "127.0.0.1:8780"
	},
}

// WSClient represents a WebSocket client connection.
type WSClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub
}

// WSHub maintains active client connections and broadcasts messages.
type WSHub struct {
	clients    map[string]*WSClient
	broadcast  chan []byte
	register   chan *WSClient
	unregister chan *WSClient
	mu         sync.RWMutex
}

// WSEnvelope wraps all WebSocket messages.
type WSEnvelope struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// NewWSHub creates a hub and starts its broadcast loop.
func NewWSHub() *WSHub {
	hub := &WSHub{
		clients:    make(map[string]*WSClient),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
	}
	go hub.run()
	return hub
}

// AttachBus forwards every library event to connected clients.
func (h *WSHub) AttachBus(bus *events.Bus) {
	forward := []events.Event{
		events.EventNetworkChange,
		events.EventQueueUpdate,
		events.EventQueueEmpty,
		events.EventSyncStart,
		events.EventSyncEnd,
		events.EventRequestSuccess,
		events.EventRequestError,
		events.EventRequestCancelled,
	}
	for _, ev := range forward {
		ev := ev
		bus.On(ev, func(payload any) {
			h.Broadcast(string(ev), payload)
		})
	}
}

// run manages client connections and broadcasts.
func (h *WSHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()
			logging.Info("ws client connected", map[string]any{"id": client.id})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			h.mu.Unlock()
			logging.Info("ws client disconnected", map[string]any{"id": client.id})

		case message := <-h.broadcast:
			h.mu.Lock()
			for id, client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Client send buffer is full, drop the connection.
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends an envelope to all connected clients.
func (h *WSHub) Broadcast(messageType string, data any) {
	envelope := WSEnvelope{
		Type:      messageType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}

	raw, err := json.Marshal(envelope)
	if err != nil {
		logging.Warn("ws marshal failed", map[string]any{"type": messageType, "error": err.Error()})
		return
	}

	select {
	case h.broadcast <- raw:
	default:
		// Broadcast buffer is full; events are advisory, drop it.
	}
}

// serveWS upgrades an HTTP request to a WebSocket subscription.
func (h *WSHub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("ws upgrade failed", map[string]any{"error": err.Error()})
		return
	}

	client := &WSClient{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, 64),
		hub:  h,
	}
	h.register <- client

	go client.writeLoop()
	go client.readLoop()
}

func (c *WSClient) writeLoop() {
	defer c.conn.Close()
	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
}

// readLoop drains incoming frames so pings are answered, and tears the
// client down on error.
func (c *WSClient) readLoop() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
