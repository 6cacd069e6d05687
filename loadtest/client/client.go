// Package client provides a reusable WebSocket load test client for the
// CampusMeet chat application. It connects using gobwas/ws (the same library
// the server uses), authenticates with a JWT passed as a query parameter,
// and tracks per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
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
	TypeFindMatch       = "find_match"
	TypeCancelFindMatch = "cancel_find_match"
	TypeJoinChat        = "join_chat"
	TypeJoinAllChats    = "join_all_chats"
	TypeSendMessage     = "send_message"
	TypeRequestSaveChat = "request_save_chat"
	TypeRespondSaveChat = "respond_save_chat"
	TypeSignal          = "signal"
	TypeLeaveChat       = "leave_chat"
	TypeDeleteChat      = "delete_chat"
	TypePing            = "ping"
)

// Server -> Client message types.
const (
	TypeOnlineCount      = "online_count"
	TypeChatStarted      = "chat_started"
	TypeNewMessage       = "new_message"
	TypeSaveChatRequest  = "save_chat_request"
	TypeSaveChatDeclined = "save_chat_declined"
	TypeChatSaved        = "chat_saved"
	TypeChatEnded        = "chat_ended"
	TypeChatDeleted      = "chat_deleted"
	TypeError            = "error"
	TypePong             = "pong"
)

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	FirstMsgLatency  time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client represents a single simulated user connection to the CampusMeet
// server. It manages the WebSocket lifecycle and dispatches incoming
// messages to registered handlers. The server identifies the user from the
// JWT presented at upgrade, so there is no post-connect handshake; the
// first online_count broadcast confirms the connection is registered.
type Client struct {
	conn      net.Conn
	userID    string
	mu        sync.Mutex
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
	firstMsg  time.Time
}

// New creates a load test client for the given user, connected to the given
// WebSocket URL with token appended as the "token" query parameter. The
// connection is established immediately and a background goroutine begins
// reading messages.
func New(ctx context.Context, wsURL, userID, token string) (*Client, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		userID:   userID,
		handlers: make(map[string]func(json.RawMessage)),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()

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

// FindMatch requests a partner in the given mode ("chat", "video", "both").
func (c *Client) FindMatch(mode string) error {
	return c.Send(map[string]string{"type": TypeFindMatch, "mode": mode})
}

// SendChat sends a chat message into a room.
func (c *Client) SendChat(roomID, text string, persistent bool) error {
	return c.Send(map[string]interface{}{
		"type":       TypeSendMessage,
		"room_id":    roomID,
		"message":    text,
		"persistent": persistent,
	})
}

// LeaveChat ends the ephemeral session for a room.
func (c *Client) LeaveChat(roomID string) error {
	return c.Send(map[string]string{"type": TypeLeaveChat, "room_id": roomID})
}

// On registers a handler for a specific server message type. The handler
// receives the full raw JSON of the message for flexible decoding.
// Handlers are invoked from the read loop goroutine so they should not block
// for extended periods. Only one handler per message type is supported;
// registering a second handler for the same type replaces the first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.handlers[msgType] = handler
}

// WaitForReady blocks until the server has acknowledged the connection with
// its first broadcast or the context is cancelled.
func (c *Client) WaitForReady(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("connection closed before the server acknowledged it")
	case <-c.ready:
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

// UserID returns the user this client authenticated as.
func (c *Client) UserID() string {
	return c.userID
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	return c.metrics
}

// readLoop continuously reads WebSocket frames from the server and
// dispatches them to registered handlers. It runs until the connection is
// closed or an unrecoverable error occurs.
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

		if c.firstMsg.IsZero() {
			c.firstMsg = time.Now()
			c.metrics.FirstMsgLatency = time.Since(c.firstMsg) + c.metrics.ConnectLatency
		}

		c.metrics.MessagesReceived++

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		// The first online_count confirms presence registration.
		if envelope.Type == TypeOnlineCount {
			c.readyOnce.Do(func() { close(c.ready) })
		}

		if handler, ok := c.handlers[envelope.Type]; ok {
			handler(json.RawMessage(data))
		}
	}
}
