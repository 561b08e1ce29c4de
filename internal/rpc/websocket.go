package rpc

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opendex-network/opendexd/pkg/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Websocket event types.
const (
	EventOrderAdded   = "order_added"
	EventOrderRemoved = "order_removed"
	EventSwapSuccess  = "swap_success"
	EventSwapFailure  = "swap_failure"
	EventAlert        = "alert"
)

// WSEvent is one event message pushed to websocket subscribers.
type WSEvent struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// WSSubscription filters which events a client receives. A client with no
// subscriptions receives everything.
type WSSubscription struct {
	Action string   `json:"action"` // "subscribe" or "unsubscribe"
	Events []string `json:"events"`
}

// WSClient is one connected websocket consumer.
type WSClient struct {
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]bool
	mu            sync.RWMutex
	hub           *WSHub
}

// WSHub fans events out to connected websocket clients.
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan *WSEvent
	register   chan *WSClient
	unregister chan *WSClient
	stop       chan struct{}
	log        *logging.Logger
	mu         sync.RWMutex
}

// NewWSHub creates an empty hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan *WSEvent, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		stop:       make(chan struct{}),
		log:        logging.GetDefault().Component("ws"),
	}
}

// Run drives the hub until Stop is called.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.stop:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.log.Debug("websocket client connected", "clients", h.ClientCount())

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.log.Debug("websocket client disconnected", "clients", h.ClientCount())

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				h.log.Error("failed to marshal event", "error", err)
				continue
			}

			h.mu.Lock()
			for client := range h.clients {
				client.mu.RLock()
				subscribed := client.subscriptions[event.Type] || len(client.subscriptions) == 0
				client.mu.RUnlock()
				if !subscribed {
					continue
				}

				select {
				case client.send <- data:
				default:
					// Slow consumer; drop it.
					delete(h.clients, client)
					close(client.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Stop shuts the hub down and disconnects all clients.
func (h *WSHub) Stop() {
	close(h.stop)
}

// Broadcast queues an event for all subscribed clients.
func (h *WSHub) Broadcast(eventType string, data interface{}) {
	event := &WSEvent{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
	select {
	case h.broadcast <- event:
	default:
		h.log.Warn("broadcast channel full, dropping event", "type", eventType)
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		conn:          conn,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]bool),
		hub:           s.wsHub,
	}
	s.wsHub.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("websocket read error", "error", err)
			}
			break
		}

		var sub WSSubscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.handleSubscription(&sub)
		}
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleSubscription(sub *WSSubscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, event := range sub.Events {
		switch sub.Action {
		case "subscribe":
			c.subscriptions[event] = true
		case "unsubscribe":
			delete(c.subscriptions, event)
		}
	}
}
