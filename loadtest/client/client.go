// Package client provides a reusable WebSocket test client for the Parley
// direct-messaging server. It connects using gobwas/ws (the same library the
// server uses), automatically performs the auth handshake with a provided
// session token, and tracks per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
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
	TypeAuth        = "auth"
	TypeListUsers   = "list_users"
	TypeSelectPeer  = "select_peer"
	TypeSendMessage = "send_message"
	TypeRefresh     = "refresh"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeAuthed      = "authed"
	TypeDirectory   = "directory"
	TypeSnapshot    = "snapshot"
	TypeMessageSent = "message_sent"
	TypeNotice      = "notice"
	TypeError       = "error"
	TypePong        = "pong"
)

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

// Client represents a single simulated user connection to the Parley server.
// It manages the WebSocket lifecycle, dispatches incoming messages to
// registered handlers, and automatically completes the auth handshake with
// the session token supplied at construction.
type Client struct {
	conn      net.Conn
	token     string
	mu        sync.Mutex
	userID    string
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	done      chan struct{}
	closeOnce sync.Once
	dialed    time.Time
}

// New creates a test client connected to the given WebSocket URL. The
// connection is established immediately, the auth frame is sent with the
// provided session token, and a background goroutine begins reading
// messages. The server's authed reply is handled internally; use
// WaitForAuth to block until it arrives.
func New(ctx context.Context, url, token string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		token:    token,
		handlers: make(map[string]func(json.RawMessage)),
		done:     make(chan struct{}),
		dialed:   start,
	}
	c.metrics.ConnectLatency = time.Since(start)

	// Start reading messages in background.
	go c.readLoop()

	if err := c.Send(map[string]string{
		"type":  TypeAuth,
		"token": token,
	}); err != nil {
		c.Close()
		return nil, fmt.Errorf("auth: %w", err)
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

// SelectPeer opens the conversation with the given user. An empty mode
// leaves the choice to the server (push when available).
func (c *Client) SelectPeer(peerID, mode string) error {
	msg := map[string]string{
		"type":    TypeSelectPeer,
		"peer_id": peerID,
	}
	if mode != "" {
		msg["mode"] = mode
	}
	return c.Send(msg)
}

// SendText sends a chat message to the currently selected peer.
func (c *Client) SendText(text string) error {
	return c.Send(map[string]string{
		"type": TypeSendMessage,
		"text": text,
	})
}

// On registers a handler for a specific server message type. The handler
// receives the full raw JSON of the message for flexible decoding.
// Handlers are invoked from the read loop goroutine so they should not block
// for extended periods. Only one handler per message type is supported;
// registering a second handler for the same type replaces the first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[msgType] = handler
}

// WaitForAuth blocks until the server has confirmed the session token or the
// context is cancelled.
func (c *Client) WaitForAuth(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return fmt.Errorf("connection closed before auth completed")
		case <-ticker.C:
			if c.UserID() != "" {
				return nil
			}
		}
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

// UserID returns the user ID the server bound this connection to, or an
// empty string if the auth handshake has not completed yet.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
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
			c.mu.Lock()
			c.metrics.Errors++
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		c.mu.Unlock()

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		// Handle authed internally: record who the server says we are.
		if envelope.Type == TypeAuthed {
			var msg struct {
				Type   string `json:"type"`
				UserID string `json:"user_id"`
			}
			if err := json.Unmarshal(data, &msg); err == nil && msg.UserID != "" {
				c.mu.Lock()
				c.userID = msg.UserID
				c.metrics.AuthLatency = time.Since(c.dialed)
				c.mu.Unlock()
			}
		}

		c.mu.Lock()
		handler, ok := c.handlers[envelope.Type]
		c.mu.Unlock()
		if ok {
			handler(json.RawMessage(data))
		}
	}
}
