// Package client provides a reusable WebSocket load test client for the
// Lumen chat gateway. It logs in over HTTP to obtain a session token,
// connects using gobwas/ws (the same library the server uses), automatically
// completes the auth handshake, and tracks per-connection performance
// metrics.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ---------------------------------------------------------------------------
// Protocol message types (local equivalents of internal/protocol constants)
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeAuth              = "auth"
	TypeSendMessage       = "send_message"
	TypeEditMessage       = "edit_message"
	TypeOpenConversation  = "open_conversation"
	TypeCloseConversation = "close_conversation"
	TypeHistory           = "history"
	TypePlaceCall         = "place_call"
	TypeAcceptCall        = "accept_call"
	TypeDeclineCall       = "decline_call"
	TypeEndCall           = "end_call"
	TypePing              = "ping"
)

// Server -> Client message types.
const (
	TypeAuthed        = "authed"
	TypeMessage       = "message"
	TypeMessageUpdate = "message_update"
	TypeHistoryResult = "history_result"
	TypeUnreadCounts  = "unread_counts"
	TypeNotification  = "notification"
	TypeIncomingCall  = "incoming_call"
	TypeCallAnswer    = "call_answer"
	TypeCallDecline   = "call_decline"
	TypeCallEnd       = "call_end"
	TypeError         = "error"
	TypePong          = "pong"
)

// ---------------------------------------------------------------------------
// Identity
// ---------------------------------------------------------------------------

// Identity is the result of a /login call: the session token plus the user
// the gateway created or recognized.
type Identity struct {
	Token       string `json:"token"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// Login obtains a session token from the gateway's HTTP login endpoint.
func Login(ctx context.Context, baseURL, displayName string) (Identity, error) {
	body, _ := json.Marshal(map[string]string{"display_name": displayName})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/login", bytes.NewReader(body))
	if err != nil {
		return Identity{}, fmt.Errorf("login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Identity{}, fmt.Errorf("login: unexpected status %s", resp.Status)
	}

	var id Identity
	if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
		return Identity{}, fmt.Errorf("login response: %w", err)
	}
	return id, nil
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	AuthLatency      time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client represents a single simulated user connection to the Lumen gateway.
// It manages the WebSocket lifecycle, dispatches incoming messages to
// registered handlers, and automatically completes the auth handshake.
type Client struct {
	conn      net.Conn
	identity  Identity
	mu        sync.Mutex
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	authed    chan struct{}
	authOnce  sync.Once
	done      chan struct{}
	closeOnce sync.Once
	dialedAt  time.Time
}

// New creates a load test client connected to the given WebSocket URL,
// authenticated as the given identity. The connection is established
// immediately and a background goroutine begins reading messages; the auth
// message is sent right after the dial completes.
func New(ctx context.Context, url string, id Identity) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		identity: id,
		handlers: make(map[string]func(json.RawMessage)),
		authed:   make(chan struct{}),
		done:     make(chan struct{}),
		dialedAt: start,
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()

	if err := c.Send(map[string]string{"type": TypeAuth, "token": id.Token}); err != nil {
		c.Close()
		return nil, fmt.Errorf("send auth: %w", err)
	}

	return c, nil
}

// Send sends a JSON message to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.MessagesSent++
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// On registers a handler for a specific server message type. The handler
// receives the full raw JSON of the message for flexible decoding.
// Handlers are invoked from the read loop goroutine so they should not block
// for extended periods. Only one handler per message type is supported;
// registering a second handler for the same type replaces the first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.handlers[msgType] = handler
}

// WaitForAuth blocks until the server has confirmed the auth handshake or the
// context is cancelled.
func (c *Client) WaitForAuth(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("connection closed before auth completed")
	case <-c.authed:
		return nil
	}
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Identity returns the logged-in identity this client connected with.
func (c *Client) Identity() Identity {
	return c.identity
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	return c.metrics
}

// readLoop continuously reads WebSocket frames from the server and dispatches
// them to registered handlers. It runs until the connection is closed or an
// unrecoverable error occurs.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Connection was intentionally closed; do not count as error.
				return
			default:
			}
			c.metrics.Errors++
			return
		}

		c.metrics.MessagesReceived++

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		// Handle authed internally: record the handshake latency and unblock
		// WaitForAuth.
		if envelope.Type == TypeAuthed {
			c.authOnce.Do(func() {
				c.metrics.AuthLatency = time.Since(c.dialedAt)
				close(c.authed)
			})
		}

		if handler, ok := c.handlers[envelope.Type]; ok {
			handler(json.RawMessage(data))
		}
	}
}
