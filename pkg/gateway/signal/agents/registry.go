// Package agents tracks human agents connected to the signaling layer and
// which call, if any, each one is working.
package agents

import (
	"errors"
	"sync"
	"time"
)

// Status of one registered agent.
type Status string

const (
	// StatusAvailable means the agent can receive incoming-call notices.
	StatusAvailable Status = "available"
	// StatusConnecting means the agent accepted a call and negotiation is
	// under way.
	StatusConnecting Status = "connecting"
	// StatusInCall means the agent is live on a call.
	StatusInCall Status = "in_call"
)

var (
	ErrNotRegistered = errors.New("agent not registered")
	ErrBusy          = errors.New("agent is not available")
)

// Agent is the registry's view of one connected human agent. SID is the
// transport address of the agent's connection; AgentID is the operator
// supplied identity and need not be unique.
type Agent struct {
	SID          string
	AgentID      string
	Status       Status
	SessionID    string
	RegisteredAt time.Time
}

// Registry is a concurrency-safe set of connected agents keyed by SID.
// Registration is connection-scoped: a disconnect removes the entry.
type Registry struct {
	mu     sync.Mutex
	agents map[string]*Agent
	now    func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		agents: make(map[string]*Agent),
		now:    time.Now,
	}
}

// Register adds or refreshes the agent behind sid. Re-registering on the
// same connection updates the agent id and resets the agent to available
// unless it is currently working a call.
func (r *Registry) Register(sid, agentID string) Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[sid]
	if !ok {
		a = &Agent{SID: sid, Status: StatusAvailable, RegisteredAt: r.now()}
		r.agents[sid] = a
	}
	a.AgentID = agentID
	return *a
}

// Deregister removes the agent behind sid and returns the session it was
// working, if any, so the caller can wind that call down.
func (r *Registry) Deregister(sid string) (sessionID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[sid]
	if !ok {
		return "", false
	}
	delete(r.agents, sid)
	return a.SessionID, true
}

// Available returns the SIDs of all agents that can take a call right now.
// Order is unspecified.
func (r *Registry) Available() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	sids := make([]string, 0, len(r.agents))
	for sid, a := range r.agents {
		if a.Status == StatusAvailable {
			sids = append(sids, sid)
		}
	}
	return sids
}

// Claim marks the agent behind sid as connecting to the given session.
// It fails if the agent is unknown or already working a call, so an agent
// cannot hold two calls at once.
func (r *Registry) Claim(sid, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[sid]
	if !ok {
		return ErrNotRegistered
	}
	if a.Status != StatusAvailable {
		return ErrBusy
	}
	a.Status = StatusConnecting
	a.SessionID = sessionID
	return nil
}

// MarkInCall moves a connecting agent to in_call once the handoff completes.
func (r *Registry) MarkInCall(sid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[sid]
	if !ok {
		return ErrNotRegistered
	}
	if a.Status != StatusConnecting {
		return ErrBusy
	}
	a.Status = StatusInCall
	return nil
}

// Release returns the agent behind sid to the available pool. Releasing an
// unknown or already-available agent is a no-op.
func (r *Registry) Release(sid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[sid]
	if !ok {
		return
	}
	a.Status = StatusAvailable
	a.SessionID = ""
}

// Lookup returns a snapshot of the agent behind sid.
func (r *Registry) Lookup(sid string) (Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[sid]
	if !ok {
		return Agent{}, false
	}
	return *a, true
}

// Snapshot returns a copy of every registered agent, for status endpoints.
func (r *Registry) Snapshot() []Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, *a)
	}
	return out
}

// Count returns registered and available totals in one pass.
func (r *Registry) Count() (registered, available int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.agents {
		registered++
		if a.Status == StatusAvailable {
			available++
		}
	}
	return registered, available
}
