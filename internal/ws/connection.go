package ws

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single WebSocket client connection with its
// associated metadata and a write mutex for serializing outbound frames.
// UserID is empty until the connection authenticates.
type Connection struct {
	ID        string   // connection ID (UUID)
	Conn      net.Conn // underlying TCP connection
	CreatedAt time.Time

	mu         sync.Mutex
	userID     string
	lastActive time.Time

	writeMu sync.Mutex // serializes writes to this connection
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection. The write mutex ensures this does not interleave with other
// outbound frames.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// UserID returns the authenticated user id, or "" before authentication.
func (c *Connection) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Touch records activity on the connection for heartbeat accounting.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

// LastActive returns the time of the last successful read.
func (c *Connection) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

// ConnectionManager is a thread-safe registry that maps connection IDs and
// authenticated user IDs to their Connection objects. A user may hold several
// connections at once (multiple tabs or devices).
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byUser map[string]map[string]*Connection // user_id -> conn_id -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byUser: make(map[string]map[string]*Connection),
	}
}

// Add registers a new, not-yet-authenticated connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.mu.Unlock()
}

// Bind associates the connection with an authenticated user, making it
// reachable through ByUser. Rebinding to a different user is not supported;
// the previous binding is dropped first.
func (cm *ConnectionManager) Bind(connID, userID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	conn, ok := cm.byID[connID]
	if !ok {
		return
	}

	conn.mu.Lock()
	prev := conn.userID
	conn.userID = userID
	conn.mu.Unlock()

	if prev != "" {
		cm.unbindLocked(connID, prev)
	}
	set, ok := cm.byUser[userID]
	if !ok {
		set = make(map[string]*Connection)
		cm.byUser[userID] = set
	}
	set[connID] = conn
}

// Remove removes a connection by ID, closes the underlying network
// connection, and drops any user binding. Returns true if the connection was
// found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		if user := conn.UserID(); user != "" {
			cm.unbindLocked(id, user)
		}
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

func (cm *ConnectionManager) unbindLocked(connID, userID string) {
	set, ok := cm.byUser[userID]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(cm.byUser, userID)
	}
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// ByUser returns a snapshot of the user's active connections.
func (cm *ConnectionManager) ByUser(userID string) []*Connection {
	cm.mu.RLock()
	set := cm.byUser[userID]
	conns := make([]*Connection, 0, len(set))
	for _, conn := range set {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
