package handlers

import (
	"sync"
	"testing"
	"time"
)

// fakeConn records writes for the wsClient writer loop.
type fakeConn struct {
	mu       sync.Mutex
	written  []any
	controls []int
	closed   bool
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, v)
	return nil
}

func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func (c *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controls = append(c.controls, messageType)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) snapshot() ([]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.written))
	copy(out, c.written)
	return out, c.closed
}

func TestWSClientWritesInOrder(t *testing.T) {
	conn := &fakeConn{}
	client := newWSClient("sid_1", conn, 8, time.Minute, time.Second, nil)

	done := make(chan struct{})
	go func() {
		client.run()
		close(done)
	}()

	for i := 0; i < 5; i++ {
		if !client.Send(i) {
			t.Fatalf("Send(%d) = false", i)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		written, _ := conn.snapshot()
		if len(written) == 5 {
			for i, v := range written {
				if v != i {
					t.Fatalf("written=%v, out of order", written)
				}
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("writer drained %d/5 events", len(written))
		}
		time.Sleep(5 * time.Millisecond)
	}

	client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not exit after Close")
	}
	if _, closed := conn.snapshot(); !closed {
		t.Fatal("underlying conn left open")
	}
}

func TestWSClientSendAfterClose(t *testing.T) {
	conn := &fakeConn{}
	client := newWSClient("sid_1", conn, 8, time.Minute, time.Second, nil)
	client.Close()
	client.Close() // idempotent
	if client.Send("late") {
		t.Fatal("Send after Close = true")
	}
}

func TestWSClientFullQueueDrops(t *testing.T) {
	conn := &fakeConn{}
	client := newWSClient("sid_1", conn, 2, time.Minute, time.Second, nil)
	// Writer not running, so the queue fills.
	if !client.Send(1) || !client.Send(2) {
		t.Fatal("queue rejected events below capacity")
	}
	if client.Send(3) {
		t.Fatal("Send on full queue = true, want dropped")
	}
}
