// Package ws handles WebSocket connection management, including upgrading
// HTTP connections, maintaining the connection registry, and dispatching
// incoming messages to the appropriate handlers.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr      string        // address to listen on, e.g. ":8080"
	MaxConnections  int           // hard cap on total connections
	MaxMessageBytes int64         // largest accepted client frame payload
	WriteTimeout    time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:      ":8080",
		MaxConnections:  100000,
		MaxMessageBytes: 64 << 10,
		WriteTimeout:    10 * time.Second,
	}
}

// Server is the WebSocket front end built on gobwas/ws. It upgrades HTTP
// connections to WebSocket, runs one read goroutine per connection, and
// forwards complete text frames to the onMessage callback.
type Server struct {
	config       ServerConfig
	conns        *ConnectionManager
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onDisconnect func(connID string)                 // called when a connection is removed
	httpServer   *http.Server
	mux          *http.ServeMux
	done         chan struct{}
	startedAt    time.Time
}

// NewServer creates a Server with the given configuration and message
// callback. The onMessage function is called from the connection's read
// goroutine whenever a complete WebSocket text frame is received.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte)) *Server {
	s := &Server{
		config:    config,
		conns:     NewConnectionManager(),
		onMessage: onMessage,
		mux:       http.NewServeMux(),
		done:      make(chan struct{}),
	}
	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)
	return s
}

// Handle mounts an additional HTTP handler (media, metrics, login) on the
// server's mux. Must be called before Start.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (due to read error, heartbeat timeout, or graceful close).
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// Start configures the HTTP server and begins accepting WebSocket
// connections. It starts the heartbeat monitor and blocks on
// http.Server.ListenAndServe.
func (s *Server) Start() error {
	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: s.mux,
	}

	// Start the heartbeat monitor to detect and close dead connections.
	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: server listening on %s (max_conns=%d)",
		s.config.ListenAddr, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using the
// gobwas/ws zero-copy upgrader. On success it registers the connection and
// starts its read loop.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	// Enforce maximum connection limit.
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := &Connection{
		ID:        uuid.New().String(),
		Conn:      conn,
		CreatedAt: time.Now(),
	}
	c.Touch()
	s.conns.Add(c)

	go s.readLoop(c)

	log.Printf("ws: new connection id=%s (total=%d)", c.ID, s.conns.Count())
}

// handleHealth responds with the server's health status as JSON, including
// the current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// readLoop reads WebSocket frames from one connection until it fails or the
// server shuts down. Control frames (ping, pong, close) are handled here;
// data frames go to the onMessage callback.
func (s *Server) readLoop(c *Connection) {
	defer s.RemoveConnection(c)

	for {
		select {
		case <-s.done:
			return
		default:
		}

		header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return
		}

		// Any frame proves the connection is alive.
		c.Touch()

		if header.OpCode.IsControl() {
			if header.OpCode == ws.OpClose {
				return
			}
			if header.OpCode == ws.OpPing {
				if err := s.writePong(c, header, reader); err != nil {
					return
				}
				continue
			}
			// Pong: drain and move on.
			if _, err := io.Copy(io.Discard, reader); err != nil {
				return
			}
			continue
		}

		if s.config.MaxMessageBytes > 0 && int64(header.Length) > s.config.MaxMessageBytes {
			log.Printf("ws: oversized frame (%d bytes) id=%s", header.Length, c.ID)
			return
		}

		data := make([]byte, header.Length)
		if header.Length > 0 {
			if _, err := io.ReadFull(reader, data); err != nil {
				return
			}
		}
		if len(data) == 0 {
			continue
		}

		if s.onMessage != nil {
			s.onMessage(c, data)
		}
	}
}

// writePong answers a protocol-level ping with its payload echoed back.
func (s *Server) writePong(c *Connection, header ws.Header, reader io.Reader) error {
	payload := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, payload); err != nil {
			return err
		}
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPongFrame(payload))
}

// RemoveConnection removes a connection from the registry and closes the
// underlying network connection. It is exported so that the heartbeat monitor
// can evict dead connections.
func (s *Server) RemoveConnection(c *Connection) {
	// Guard: only proceed if the connection was actually in the manager.
	// This prevents double cleanup when multiple goroutines race to remove
	// the same connection (e.g., read error + heartbeat timeout).
	if !s.conns.Remove(c.ID) {
		return
	}

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	log.Printf("ws: connection closed id=%s (total=%d)", c.ID, s.conns.Count())
}

// SendMessage writes a WebSocket text frame to the connection identified by
// connID. It is goroutine-safe thanks to the per-connection write mutex.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	return s.send(c, data)
}

// SendToUser writes a WebSocket text frame to every connection of the user.
// Errors on individual connections are logged; their read loops clean up.
func (s *Server) SendToUser(userID string, data []byte) {
	for _, c := range s.conns.ByUser(userID) {
		if err := s.send(c, data); err != nil {
			log.Printf("ws: send to user %s conn %s: %v", userID, c.ID, err)
		}
	}
}

func (s *Server) send(c *Connection, data []byte) error {
	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}

	err := c.WriteMessage(data)

	// Clear write deadline so it doesn't affect future writes (e.g., heartbeat pings).
	_ = c.Conn.SetWriteDeadline(time.Time{})

	return err
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat or the gateway's dispatcher).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown performs a graceful shutdown of the server. It stops the HTTP
// listener, signals the read loops to exit, and closes all active
// connections.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}
