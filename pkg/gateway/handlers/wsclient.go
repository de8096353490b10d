package handlers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn is the slice of *websocket.Conn the writer uses; tests substitute
// an in-memory fake.
type wsConn interface {
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// wsClient owns the outbound half of one signaling connection. All writes
// go through a single goroutine; Send never blocks the caller.
type wsClient struct {
	sid  string
	conn wsConn
	log  *slog.Logger

	queue chan any
	done  chan struct{}

	closeOnce sync.Once

	pingInterval time.Duration
	writeTimeout time.Duration
}

func newWSClient(sid string, conn wsConn, queueSize int, pingInterval, writeTimeout time.Duration, log *slog.Logger) *wsClient {
	if queueSize <= 0 {
		queueSize = 64
	}
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &wsClient{
		sid:          sid,
		conn:         conn,
		log:          log,
		queue:        make(chan any, queueSize),
		done:         make(chan struct{}),
		pingInterval: pingInterval,
		writeTimeout: writeTimeout,
	}
}

// Send queues one event. Returns false when the connection is gone or the
// queue is full; the event is dropped in both cases.
func (c *wsClient) Send(event any) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.queue <- event:
		return true
	default:
		return false
	}
}

// Close stops the writer. Idempotent.
func (c *wsClient) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// run drains the queue until Close. It owns the websocket's write side and
// closes the underlying conn on exit, which also unblocks the read loop.
func (c *wsClient) run() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case <-c.done:
			deadline := time.Now().Add(c.writeTimeout)
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.writeTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				c.log.Debug("ping failed", "sid", c.sid, "error", err)
				return
			}
		case event := <-c.queue:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteJSON(event); err != nil {
				c.log.Debug("write failed", "sid", c.sid, "error", err)
				return
			}
		}
	}
}
