// Package hub provides connection management for WebSocket observers. A
// connection is either focused on a single run or aggregate (watching run
// summaries across the registry).
package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	applog "github.com/quantflow/orchestrator/log"
)

// Connection represents a single WebSocket connection.
type Connection struct {
	ID string
	// RunID is the focused run, empty for aggregate observers.
	RunID string
	Conn  *websocket.Conn
	Send  chan []byte
	mu    sync.Mutex
}

// envelope routes a broadcast to either one run's observers or the aggregate
// set.
type envelope struct {
	runID     string
	aggregate bool
	data      []byte
}

// Hub manages all WebSocket connections.
type Hub struct {
	logger applog.Logger

	// connections indexed by connection ID
	connections map[string]*Connection

	// focused maps run_id to the set of connection IDs watching it
	focused map[string]map[string]bool

	// aggregate is the set of connection IDs with no run focus
	aggregate map[string]bool

	register   chan *Connection
	unregister chan *Connection
	broadcast  chan envelope

	mu sync.RWMutex
}

// New creates a hub. Run must be started on it before broadcasting.
func New(logger applog.Logger) *Hub {
	return &Hub{
		logger:      logger,
		connections: make(map[string]*Connection),
		focused:     make(map[string]map[string]bool),
		aggregate:   make(map[string]bool),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		broadcast:   make(chan envelope, 256),
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			if conn.RunID != "" {
				if h.focused[conn.RunID] == nil {
					h.focused[conn.RunID] = make(map[string]bool)
				}
				h.focused[conn.RunID][conn.ID] = true
			} else {
				h.aggregate[conn.ID] = true
			}
			h.mu.Unlock()
			h.logger.Debug("connection registered", "conn_id", conn.ID, "run_id", conn.RunID)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn.ID]; ok {
				delete(h.connections, conn.ID)
				delete(h.aggregate, conn.ID)
				if conn.RunID != "" && h.focused[conn.RunID] != nil {
					delete(h.focused[conn.RunID], conn.ID)
					if len(h.focused[conn.RunID]) == 0 {
						delete(h.focused, conn.RunID)
					}
				}
				close(conn.Send)
			}
			h.mu.Unlock()
			h.logger.Debug("connection unregistered", "conn_id", conn.ID)

		case msg := <-h.broadcast:
			h.mu.RLock()
			if msg.aggregate {
				for connID := range h.aggregate {
					h.deliver(connID, msg.data)
				}
			} else if connIDs, ok := h.focused[msg.runID]; ok {
				for connID := range connIDs {
					h.deliver(connID, msg.data)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// deliver is called with the read lock held. A full send buffer marks the
// observer as too slow; it is dropped instead of stalling the loop.
func (h *Hub) deliver(connID string, data []byte) {
	conn, exists := h.connections[connID]
	if !exists {
		return
	}
	select {
	case conn.Send <- data:
	default:
		h.logger.Warn("connection buffer full, dropping", "conn_id", connID)
		go h.Unregister(conn)
	}
}

// NewConnection wraps a raw websocket in a hub connection. runID is empty for
// aggregate observers.
func (h *Hub) NewConnection(ws *websocket.Conn, runID string) *Connection {
	return &Connection{
		ID:    uuid.New().String(),
		RunID: runID,
		Conn:  ws,
		Send:  make(chan []byte, 256),
	}
}

// Register registers a connection with the hub.
func (h *Hub) Register(conn *Connection) {
	h.register <- conn
}

// Unregister unregisters a connection from the hub.
func (h *Hub) Unregister(conn *Connection) {
	h.unregister <- conn
}

// BroadcastRun sends a message to every connection focused on runID.
func (h *Hub) BroadcastRun(runID string, data []byte) {
	h.broadcast <- envelope{runID: runID, data: data}
}

// BroadcastAll sends a message to every aggregate connection.
func (h *Hub) BroadcastAll(data []byte) {
	h.broadcast <- envelope{aggregate: true, data: data}
}

// BroadcastRunJSON marshals v and sends it to runID's observers.
func (h *Hub) BroadcastRunJSON(runID string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.BroadcastRun(runID, data)
	return nil
}

// BroadcastAllJSON marshals v and sends it to the aggregate observers.
func (h *Hub) BroadcastAllJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.BroadcastAll(data)
	return nil
}

// SendToConnection sends a message to a specific connection.
func (h *Hub) SendToConnection(conn *Connection, data []byte) error {
	select {
	case conn.Send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// SendJSONToConnection sends a JSON message to a specific connection.
func (h *Hub) SendJSONToConnection(conn *Connection, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.SendToConnection(conn, data)
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// ObserverCount returns the number of connections focused on a run.
func (h *Hub) ObserverCount(runID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.focused[runID])
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ErrBufferFull is returned when the send buffer is full.
var ErrBufferFull = &BufferFullError{}

// BufferFullError represents a buffer full error.
type BufferFullError struct{}

func (e *BufferFullError) Error() string {
	return "send buffer full"
}
