// Package simulator is a stub practice-management backend: the push and
// pull channels of the real service, backed by sqlite, for local
// development and integration tests.
package simulator

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/practice-dashboard/realtime/internal/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Development stub; not exposed beyond localhost.
		return true
	},
}

// wsClient is one connected push-channel peer.
type wsClient struct {
	conn      *websocket.Conn
	send      chan []byte
	userID    string
	userEmail string

	mu     sync.Mutex
	closed bool
}

func (c *wsClient) queue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		// Slow consumer; drop the connection.
		c.closeLocked()
	}
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *wsClient) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Hub manages connected push-channel clients and their session rooms.
type Hub struct {
	log *slog.Logger

	mu      sync.RWMutex
	clients map[*wsClient]bool
	rooms   map[string]map[*wsClient]bool
}

// NewHub creates an empty Hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log,
		clients: make(map[*wsClient]bool),
		rooms:   make(map[string]map[*wsClient]bool),
	}
}

// HandleConnection upgrades an authenticated request and runs the client's
// pumps until disconnect.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := &wsClient{
		conn:      conn,
		send:      make(chan []byte, 256),
		userID:    headerOr(r, "X-User-ID", uuid.NewString()[:8]),
		userEmail: headerOr(r, "X-User-Email", ""),
	}

	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	go h.writePump(client)
	go h.readPump(client)
	return nil
}

func headerOr(r *http.Request, key, fallback string) string {
	if v := r.Header.Get(key); v != "" {
		return v
	}
	return fallback
}

func (h *Hub) readPump(client *wsClient) {
	defer func() {
		h.unregister(client)
		client.conn.Close()
	}()

	client.conn.SetReadLimit(maxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("push client dropped", "error", err)
			}
			return
		}

		var evt model.Event
		if err := json.Unmarshal(message, &evt); err != nil {
			h.log.Warn("malformed client message", "error", err)
			continue
		}
		h.handleMessage(client, evt)
	}
}

func (h *Hub) writePump(client *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) handleMessage(client *wsClient, evt model.Event) {
	switch evt.Name {
	case model.EventSubscribeTracking:
		// Acknowledged implicitly; all clients receive tracking events.

	case model.EventJoinSession:
		var p model.MembershipPayload
		if evt.Decode(&p) != nil || p.SessionID == "" {
			return
		}
		h.joinRoom(client, p.SessionID)

	case model.EventLeaveSession:
		var p model.MembershipPayload
		if evt.Decode(&p) != nil || p.SessionID == "" {
			return
		}
		h.leaveRoom(client, p.SessionID)

	case model.EventUpdateProviderStatus:
		var p model.ProviderStatusPayload
		if evt.Decode(&p) != nil {
			return
		}
		p.ProviderID = client.userID
		h.Broadcast(model.EventProviderStatusUpdated, p)

	case model.EventAuthRefresh:
		// The stub accepts any refresh from an already-authenticated
		// client.
	}
}

func (h *Hub) joinRoom(client *wsClient, sessionID string) {
	h.mu.Lock()
	room := h.rooms[sessionID]
	if room == nil {
		room = make(map[*wsClient]bool)
		h.rooms[sessionID] = room
	}
	already := room[client]
	room[client] = true
	h.mu.Unlock()

	if already {
		return
	}
	h.BroadcastToSession(sessionID, model.EventUserJoinedSession, model.MembershipPayload{
		SessionID: sessionID,
		UserID:    client.userID,
		UserEmail: client.userEmail,
	})
}

func (h *Hub) leaveRoom(client *wsClient, sessionID string) {
	h.mu.Lock()
	room := h.rooms[sessionID]
	present := room[client]
	delete(room, client)
	h.mu.Unlock()

	if !present {
		return
	}
	h.BroadcastToSession(sessionID, model.EventUserLeftSession, model.MembershipPayload{
		SessionID: sessionID,
		UserID:    client.userID,
		UserEmail: client.userEmail,
	})
}

func (h *Hub) unregister(client *wsClient) {
	h.mu.Lock()
	delete(h.clients, client)
	var left []string
	for sessionID, room := range h.rooms {
		if room[client] {
			delete(room, client)
			left = append(left, sessionID)
		}
	}
	h.mu.Unlock()

	client.close()
	for _, sessionID := range left {
		h.BroadcastToSession(sessionID, model.EventUserLeftSession, model.MembershipPayload{
			SessionID: sessionID,
			UserID:    client.userID,
			UserEmail: client.userEmail,
		})
	}
}

// Broadcast sends an event to every connected client.
func (h *Hub) Broadcast(name model.EventName, payload any) {
	evt, err := model.NewEvent(name, payload)
	if err != nil {
		h.log.Warn("broadcast encode failed", "event", name, "error", err)
		return
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		client.queue(data)
	}
}

// BroadcastToSession sends an event to every client in the session's room.
func (h *Hub) BroadcastToSession(sessionID string, name model.EventName, payload any) {
	evt, err := model.NewEvent(name, payload)
	if err != nil {
		return
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.rooms[sessionID] {
		client.queue(data)
	}
}

// ClientCount returns the number of connected push clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close drops every client connection.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*wsClient]bool)
	h.rooms = make(map[string]map[*wsClient]bool)
	h.mu.Unlock()

	for _, client := range clients {
		client.close()
	}
}
