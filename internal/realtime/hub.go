// Package realtime implements the Realtime Hub (C5): an authenticated
// bidirectional WebSocket channel with room-based fan-out, grounded on the
// teacher's internal/fabric (Hub/spoke registration, room broadcast) and
// internal/websocket/dag_streamer.go (upgrader + read/write goroutine
// pair).
package realtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	writeWait      = 10 * time.Second
	outboundBuffer = 1024
)

// Priority controls drop order under backpressure (spec §4.5).
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Message is the wire envelope (spec §4.5/§6).
type Message struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
	Metadata  Metadata       `json:"metadata"`
}

type Metadata struct {
	MessageID     string   `json:"messageId"`
	CorrelationID string   `json:"correlationId,omitempty"`
	UserID        string   `json:"userId,omitempty"`
	SessionID     string   `json:"sessionId,omitempty"`
	Priority      Priority `json:"priority,omitempty"`
	Version       string   `json:"version"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // identity is checked by RequireBearer upstream
}

// connection owns its socket exclusively; all cross-connection operations
// enqueue onto outbound rather than touching the socket directly (spec §5
// shared-state rule for the Realtime Hub).
type connection struct {
	id        string
	userID    string
	conn      *websocket.Conn
	outbound  chan queuedMessage
	rooms     map[string]bool
	roomsMu   sync.RWMutex
	closeOnce sync.Once
	done      chan struct{}
}

type queuedMessage struct {
	msg      Message
	priority Priority
}

// Hub owns the connection registry and room membership index.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]*connection
	rooms       map[string]map[string]bool // room -> set of connection ids

	logger *slog.Logger
}

func NewHub() *Hub {
	return &Hub{
		connections: make(map[string]*connection),
		rooms:       make(map[string]map[string]bool),
		logger:      slog.Default(),
	}
}

// HandleUpgrade upgrades the HTTP request to a WebSocket connection for an
// already-authenticated userID (the caller has verified the access
// credential via the initial handshake per spec §4.5). On success, the
// connection joins room "user:<userID>" and the read/write pumps start.
func (h *Hub) HandleUpgrade(w http.ResponseWriter, r *http.Request, connID, userID string) error {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &connection{
		id:       connID,
		userID:   userID,
		conn:     ws,
		outbound: make(chan queuedMessage, outboundBuffer),
		rooms:    make(map[string]bool),
		done:     make(chan struct{}),
	}

	h.register(c)
	h.JoinRoom(connID, "user:"+userID)

	h.send(c, Message{
		Type:      "connection_status",
		Timestamp: time.Now().UTC(),
		Payload:   map[string]any{"status": "connected", "sessionId": connID},
		Metadata:  Metadata{MessageID: connID, Version: "1"},
	}, PriorityNormal)

	go h.writePump(c)
	go h.readPump(c)
	return nil
}

func (h *Hub) register(c *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[c.id] = c
}

func (h *Hub) unregister(c *connection) {
	h.mu.Lock()
	delete(h.connections, c.id)
	h.mu.Unlock()

	c.roomsMu.RLock()
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	c.roomsMu.RUnlock()

	for _, room := range rooms {
		h.leaveRoom(c.id, room)
	}

	c.closeOnce.Do(func() { close(c.done) })
}

// JoinRoom subscribes a connection to a room. Allowed prefixes are not
// enforced server-side beyond authentication (spec §4.5: "does not enforce
// per-room authorization beyond authentication").
func (h *Hub) JoinRoom(connID, room string) {
	h.mu.RLock()
	c, ok := h.connections[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	c.roomsMu.Lock()
	c.rooms[room] = true
	c.roomsMu.Unlock()

	h.mu.Lock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]bool)
	}
	h.rooms[room][connID] = true
	h.mu.Unlock()
}

func (h *Hub) leaveRoom(connID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[room]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Broadcast delivers msg to every connection subscribed to room.
func (h *Hub) Broadcast(room string, msg Message, priority Priority) {
	h.mu.RLock()
	members := make([]string, 0, len(h.rooms[room]))
	for connID := range h.rooms[room] {
		members = append(members, connID)
	}
	h.mu.RUnlock()

	for _, connID := range members {
		h.mu.RLock()
		c := h.connections[connID]
		h.mu.RUnlock()
		if c != nil {
			h.send(c, msg, priority)
		}
	}
}

// send enqueues msg on c's outbound queue. When the queue is full it takes
// the message at the head of the queue: a low-priority one is dropped to
// make room, any other is moved to the back. If that frees no room, the
// connection is closed. Low-priority messages behind the head are not
// searched for.
func (h *Hub) send(c *connection, msg Message, priority Priority) {
	qm := queuedMessage{msg: msg, priority: priority}
	select {
	case c.outbound <- qm:
		return
	default:
	}

	// Queue full: try to drop the oldest low-priority message to make room.
	if h.dropOldestLow(c) {
		select {
		case c.outbound <- qm:
			return
		default:
		}
	}

	// Still full: hard overflow, disconnect.
	h.logger.Warn("realtime: outbound queue overflow, disconnecting", "connection", c.id)
	_ = c.conn.Close()
}

func (h *Hub) dropOldestLow(c *connection) bool {
	select {
	case first := <-c.outbound:
		if first.priority == PriorityLow {
			return true
		}
		// Not low priority: put it back at the front is not possible on a
		// plain channel, so re-enqueue at the back — rare path, backpressure
		// is already occurring.
		select {
		case c.outbound <- first:
		default:
		}
		return false
	default:
		return false
	}
}

func (h *Hub) writePump(c *connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case qm, ok := <-c.outbound:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			b, err := json.Marshal(qm.msg)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (h *Hub) readPump(c *connection) {
	defer h.unregister(c)

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame struct {
			Type string `json:"type"`
			Room string `json:"room"`
		}
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}

		switch frame.Type {
		case "ping":
			h.send(c, Message{Type: "pong", Timestamp: time.Now().UTC(), Metadata: Metadata{Version: "1"}}, PriorityHigh)
		case "subscribe":
			if frame.Room != "" {
				h.JoinRoom(c.id, frame.Room)
			}
		case "unsubscribe":
			if frame.Room != "" {
				h.leaveRoom(c.id, frame.Room)
			}
		}
	}
}

// StartHeartbeat emits a global heartbeat to every connection every 30s,
// matching spec §4.5's server-originated heartbeat frame.
func (h *Hub) StartHeartbeat(stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.mu.RLock()
				active := len(h.connections)
				h.mu.RUnlock()

				msg := Message{
					Type:      "heartbeat",
					Timestamp: time.Now().UTC(),
					Payload: map[string]any{
						"serverTime":        time.Now().UTC(),
						"activeConnections": active,
						"systemStatus":      "healthy",
					},
					Metadata: Metadata{Version: "1"},
				}
				h.broadcastAll(msg)
			case <-stop:
				return
			}
		}
	}()
}

func (h *Hub) broadcastAll(msg Message) {
	h.mu.RLock()
	conns := make([]*connection, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		h.send(c, msg, PriorityNormal)
	}
}

// Shutdown enqueues a final disconnected frame on every connection (spec §5
// graceful shutdown). It does not close the sockets or wait for the frames
// to be written.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	conns := make([]*connection, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		h.send(c, Message{
			Type:      "connection_status",
			Timestamp: time.Now().UTC(),
			Payload:   map[string]any{"status": "disconnected"},
			Metadata:  Metadata{Version: "1"},
		}, PriorityUrgent)
	}
}

// ActiveConnections reports the current registry size, used by the Health
// Aggregator and admin endpoints.
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}
