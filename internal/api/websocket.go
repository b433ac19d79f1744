package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/serenity/serenity/internal/logging"
	"github.com/serenity/serenity/internal/therapy"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsSendBuffer = 32
)

// WebSocketMessage is what oversight clients receive
type WebSocketMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// wsClient is one connected oversight client. A client with a userKey
// only receives events about that user.
type wsClient struct {
	conn    *websocket.Conn
	send    chan []byte
	userKey string
}

type wsEnvelope struct {
	userKey string
	payload []byte
}

// WebSocketHub fans oversight events out to connected clients
type WebSocketHub struct {
	upgrader websocket.Upgrader

	clients    map[*wsClient]bool
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan wsEnvelope
	done       chan struct{}

	closeOnce sync.Once
	mu        sync.RWMutex
}

// NewWebSocketHub creates a hub. Call Run to start delivering.
func NewWebSocketHub() *WebSocketHub {
	return &WebSocketHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients:    make(map[*wsClient]bool),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan wsEnvelope, 256),
		done:       make(chan struct{}),
	}
}

// Run delivers broadcasts until Close is called
func (h *WebSocketHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case env := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if c.userKey != "" && c.userKey != env.userKey {
					continue
				}
				select {
				case c.send <- env.payload:
				default:
					// Slow client; drop it rather than stall everyone
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Close stops the hub and disconnects every client
func (h *WebSocketHub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Clients returns the number of connected clients
func (h *WebSocketHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues msg for every client subscribed to userKey. An empty
// userKey reaches only unfiltered clients. Messages are dropped when the
// queue is full or the hub is closed.
func (h *WebSocketHub) Broadcast(userKey string, msg WebSocketMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		logging.Error("Failed to encode websocket message: %v", err)
		return
	}

	select {
	case <-h.done:
	case h.broadcast <- wsEnvelope{userKey: userKey, payload: payload}:
	default:
		logging.Warn("WebSocket broadcast queue full, dropping %s", msg.Type)
	}
}

// Notify implements therapy.Notifier
func (h *WebSocketHub) Notify(ev therapy.Event) {
	h.Broadcast(ev.UserID, WebSocketMessage{
		Type:      ev.Type,
		Data:      ev,
		Timestamp: ev.Timestamp,
	})
}

// ServeHTTP upgrades the request. The optional user_id query parameter is
// a secure identifier restricting the events delivered.
func (h *WebSocketHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		return
	}

	c := &wsClient{
		conn:    conn,
		send:    make(chan []byte, wsSendBuffer),
		userKey: r.URL.Query().Get("user_id"),
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(c)
	h.readPump(c)
}

// readPump discards client messages and notices disconnects
func (h *WebSocketHub) readPump(c *wsClient) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WebSocketHub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
