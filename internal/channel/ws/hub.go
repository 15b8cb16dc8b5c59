// Package ws carries the push channel over WebSockets: a Hub that serves
// per-rundown rooms and a Client that implements channel.Channel against it.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/rundown/internal/channel"
	"github.com/kimhsiao/rundown/internal/errors"
	"github.com/kimhsiao/rundown/internal/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
	maxMessage = 1 << 20
)

// wsClient is one WebSocket connection subscribed to one rundown.
type wsClient struct {
	id    string
	docID string
	conn  *websocket.Conn
	send  chan []byte
	hub   *Hub
}

type outbound struct {
	docID  string
	sender *wsClient
	data   []byte
}

// Hub maintains WebSocket rooms keyed by rundown id and relays every
// message a client sends to the other clients in its room. It is also a
// channel.Channel for sessions running inside the server process.
type Hub struct {
	rooms      map[string]map[*wsClient]bool
	local      *channel.Hub
	broadcast  chan outbound
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	closeOnce  sync.Once
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	logger     *logging.Logger
}

// NewHub creates a Hub and starts its event loop. allowedOrigins restricts
// browser origins; an empty list accepts any origin.
func NewHub(allowedOrigins []string, logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Get()
	}
	h := &Hub{
		rooms:      make(map[string]map[*wsClient]bool),
		local:      channel.NewHub(),
		broadcast:  make(chan outbound, sendBuffer),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		logger:     logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	go h.run()
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		if len(allowed) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == origin {
				return true
			}
		}
		return false
	}
}

// run manages client connections and broadcasts.
func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for _, room := range h.rooms {
				for c := range room {
					close(c.send)
				}
			}
			h.rooms = make(map[string]map[*wsClient]bool)
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			if h.rooms[c.docID] == nil {
				h.rooms[c.docID] = make(map[*wsClient]bool)
			}
			h.rooms[c.docID][c] = true
			n := len(h.rooms[c.docID])
			h.mu.Unlock()
			h.logger.Debug("Push client connected", map[string]interface{}{
				"client_id": c.id, "doc_id": c.docID, "room_size": n,
			})

		case c := <-h.unregister:
			h.mu.Lock()
			if room, ok := h.rooms[c.docID]; ok && room[c] {
				delete(room, c)
				close(c.send)
				if len(room) == 0 {
					delete(h.rooms, c.docID)
				}
			}
			h.mu.Unlock()
			h.logger.Debug("Push client disconnected", map[string]interface{}{
				"client_id": c.id, "doc_id": c.docID,
			})

		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.rooms[msg.docID] {
				if c == msg.sender {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					// Slow consumer: drop it, the watchdog resyncs it later.
					close(c.send)
					delete(h.rooms[msg.docID], c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Close stops the event loop and disconnects every client.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// RoomSize returns the number of WebSocket clients connected to docID.
func (h *Hub) RoomSize(docID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[docID])
}

// Subscribe registers an in-process handler for docID.
func (h *Hub) Subscribe(ctx context.Context, docID string, onMessage channel.Handler) (channel.Subscription, error) {
	return h.local.Subscribe(ctx, docID, onMessage)
}

// Publish relays msg to WebSocket clients and in-process subscribers of docID.
func (h *Hub) Publish(ctx context.Context, docID string, msg channel.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "marshal push message", err)
	}
	h.relay(ctx, docID, nil, data)
	return h.local.Publish(ctx, docID, msg)
}

func (h *Hub) relay(ctx context.Context, docID string, sender *wsClient, data []byte) {
	select {
	case h.broadcast <- outbound{docID: docID, sender: sender, data: data}:
	case <-h.done:
	case <-ctx.Done():
	}
}

// ServeHTTP upgrades the request and joins the room named by the "doc"
// query parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	docID := r.URL.Query().Get("doc")
	if docID == "" {
		http.Error(w, "missing doc parameter", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	c := &wsClient{
		id:    r.URL.Query().Get("session"),
		docID: docID,
		conn:  conn,
		send:  make(chan []byte, sendBuffer),
		hub:   h,
	}
	if c.id == "" {
		c.id = r.RemoteAddr
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump relays messages from the connection to the room.
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessage)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("Push read error", map[string]interface{}{
					"client_id": c.id, "error": err.Error(),
				})
			}
			return
		}

		var msg channel.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.hub.logger.Warn("Invalid push message", map[string]interface{}{
				"client_id": c.id, "error": err.Error(),
			})
			continue
		}

		c.hub.relay(context.Background(), c.docID, c, data)
		_ = c.hub.local.Publish(context.Background(), c.docID, msg)
	}
}

// writePump writes queued messages and keeps the connection alive.
func (c *wsClient) writePump() {
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
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
