// Package transport is the client half of the signaling channel: one
// websocket, typed emits, and per-event-type handlers dispatched from a
// single goroutine so delivery order matches arrival order.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Handler receives the raw JSON frame of one event.
type Handler func(data json.RawMessage)

// Transport is what the session controllers talk through. The websocket
// client implements it; tests use an in-memory fake.
type Transport interface {
	SID() string
	Emit(event any) error
	On(eventType string, fn Handler)
	OnDisconnect(fn func(err error))
}

// Config for the websocket client.
type Config struct {
	URL    string
	Logger *slog.Logger

	// Reconnect enables redialing after a dropped connection. Each attempt
	// backs off exponentially up to MaxBackoff.
	Reconnect  bool
	MaxBackoff time.Duration

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// Client is a websocket signaling connection.
type Client struct {
	cfg Config
	log *slog.Logger

	mu           sync.Mutex
	conn         *websocket.Conn
	sid          string
	handlers     map[string]Handler
	onDisconnect func(error)
	closed       bool

	// writeMu serializes frame writes; the websocket allows one writer.
	writeMu sync.Mutex
}

var ErrClosed = errors.New("transport is closed")

func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("transport: url must not be empty")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Client{
		cfg:      cfg,
		log:      cfg.Logger,
		handlers: make(map[string]Handler),
	}, nil
}

// On registers the handler for one event type. Must be called before
// Connect; handlers run one at a time on the dispatch goroutine.
func (c *Client) On(eventType string, fn Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[eventType] = fn
}

// OnDisconnect registers the callback fired when the connection drops and,
// with Reconnect disabled, will not come back.
func (c *Client) OnDisconnect(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = fn
}

// Connect dials the gateway and waits for the connected acknowledgement.
// The dispatch goroutine starts on success.
func (c *Client) Connect(ctx context.Context) error {
	conn, sid, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.sid = sid
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, string, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("transport: dial %s: %w", c.cfg.URL, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	var ack struct {
		Type string `json:"type"`
		SID  string `json:"sid"`
	}
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("transport: read connected ack: %w", err)
	}
	if ack.Type != "connected" || ack.SID == "" {
		conn.Close()
		return nil, "", fmt.Errorf("transport: unexpected first frame %q", ack.Type)
	}
	_ = conn.SetReadDeadline(time.Time{})
	return conn, ack.SID, nil
}

// SID returns the transport address assigned by the gateway. Changes after
// a reconnect.
func (c *Client) SID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sid
}

// Emit sends one typed event.
func (c *Client) Emit(event any) error {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()
	if closed || conn == nil {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteJSON(event); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// Close shuts the connection down for good; no reconnect follows.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.cfg.WriteTimeout))
	return conn.Close()
}

func (c *Client) readLoop(conn *websocket.Conn) {
	var readErr error
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		c.dispatch(frame)
	}
	conn.Close()

	c.mu.Lock()
	closed := c.closed
	if c.conn == conn {
		c.conn = nil
	}
	disconnect := c.onDisconnect
	c.mu.Unlock()

	if closed {
		return
	}
	if c.cfg.Reconnect && c.reconnect() {
		return
	}
	if disconnect != nil {
		disconnect(readErr)
	}
}

// reconnect redials with capped exponential backoff until it succeeds or
// Close is called. Reports whether a new connection took over.
func (c *Client) reconnect() bool {
	backoff := time.Second
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return false
		}
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
		conn, sid, err := c.dial(ctx)
		cancel()
		if err == nil {
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				conn.Close()
				return false
			}
			c.conn = conn
			c.sid = sid
			c.mu.Unlock()
			c.log.Info("reconnected", "sid", sid)
			go c.readLoop(conn)
			return true
		}

		c.log.Warn("reconnect failed", "error", err, "retry_in", backoff)
		time.Sleep(backoff)
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

func (c *Client) dispatch(frame []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frame, &envelope); err != nil || envelope.Type == "" {
		c.log.Debug("drop malformed frame")
		return
	}

	c.mu.Lock()
	fn := c.handlers[envelope.Type]
	c.mu.Unlock()
	if fn == nil {
		c.log.Debug("no handler for event", "type", envelope.Type)
		return
	}
	fn(frame)
}
