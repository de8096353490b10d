// Package hub routes server events to connected participants by SID.
// Delivery is best effort: the hub never blocks on a slow peer, each
// connection's writer decides what to do with backpressure.
package hub

import (
	"log/slog"
	"sync"
)

// Sender is one connection's outbound side. Send must not block; it reports
// whether the event was queued.
type Sender interface {
	Send(event any) bool
}

// Hub maps transport addresses (SIDs) to their outbound senders.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]Sender
	log   *slog.Logger
}

func New(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		conns: make(map[string]Sender),
		log:   log,
	}
}

// Attach registers the sender for sid, replacing any previous one.
func (h *Hub) Attach(sid string, s Sender) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[sid] = s
}

// Detach removes sid. Safe to call twice.
func (h *Hub) Detach(sid string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, sid)
}

// Send queues event for sid. A missing or saturated peer drops the event;
// signaling state never depends on a delivery succeeding.
func (h *Hub) Send(sid string, event any) bool {
	h.mu.RLock()
	s, ok := h.conns[sid]
	h.mu.RUnlock()
	if !ok {
		h.log.Debug("drop event for unknown sid", "sid", sid)
		return false
	}
	if !s.Send(event) {
		h.log.Warn("drop event for saturated peer", "sid", sid)
		return false
	}
	return true
}

// SendAll queues event for every listed sid and returns how many accepted it.
func (h *Hub) SendAll(sids []string, event any) int {
	n := 0
	for _, sid := range sids {
		if h.Send(sid, event) {
			n++
		}
	}
	return n
}

// Connected reports whether sid currently has an attached sender.
func (h *Hub) Connected(sid string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[sid]
	return ok
}

// Len returns the number of attached connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
