// Package conns tracks live signaling connections so shutdown can warn
// participants and then wait for them to drain.
package conns

import (
	"context"
	"sync"
)

// Handle is what a connection exposes to the tracker. Notify pushes one
// server event at the connection, Close tears it down.
type Handle struct {
	Notify func(event any) bool
	Close  func()
}

type tracked struct {
	handle Handle
	once   sync.Once
}

// Tracker is a concurrency-safe registry of open connections keyed by SID.
// A nil Tracker is valid and tracks nothing.
type Tracker struct {
	mu    sync.Mutex
	conns map[string]*tracked
	wg    sync.WaitGroup
}

func NewTracker() *Tracker {
	return &Tracker{conns: make(map[string]*tracked)}
}

// Register adds the connection behind sid and returns its unregister
// function. Registering the same sid twice releases the older entry.
func (t *Tracker) Register(sid string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	entry := &tracked{handle: h}

	t.mu.Lock()
	if t.conns == nil {
		t.conns = make(map[string]*tracked)
	}
	old := t.conns[sid]
	t.conns[sid] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(sid, old)
	}

	return func() { t.unregister(sid, entry) }
}

func (t *Tracker) unregister(sid string, entry *tracked) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.conns != nil && t.conns[sid] == entry {
			delete(t.conns, sid)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// NotifyAll pushes event at every tracked connection and returns how many
// accepted it.
func (t *Tracker) NotifyAll(event any) (sent int) {
	if t == nil {
		return 0
	}

	var notifies []func(any) bool
	t.mu.Lock()
	for _, entry := range t.conns {
		if entry == nil || entry.handle.Notify == nil {
			continue
		}
		notifies = append(notifies, entry.handle.Notify)
	}
	t.mu.Unlock()

	for _, notify := range notifies {
		if notify(event) {
			sent++
		}
	}
	return sent
}

// CloseAll tears down every tracked connection.
func (t *Tracker) CloseAll() (closed int) {
	if t == nil {
		return 0
	}

	var closes []func()
	t.mu.Lock()
	for _, entry := range t.conns {
		if entry == nil || entry.handle.Close == nil {
			continue
		}
		closes = append(closes, entry.handle.Close)
	}
	t.mu.Unlock()

	for _, fn := range closes {
		fn()
		closed++
	}
	return closed
}

// Wait blocks until every registered connection has unregistered, or the
// context expires. Returns true on a clean drain.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
