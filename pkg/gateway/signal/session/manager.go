package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/voicedesk/voicedesk/pkg/core/voice"
	"github.com/voicedesk/voicedesk/pkg/gateway/signal/protocol"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrNotAIActive    = errors.New("session is not in the AI phase")
)

// managed pairs a session with its dialogue agent. The agent is not safe
// for concurrent use, dialogMu serializes utterances per session.
type managed struct {
	session *Session
	agent   *voice.Agent

	dialogMu sync.Mutex
}

// ManagerConfig wires the manager's collaborators.
type ManagerConfig struct {
	// AgentFactory builds the dialogue agent for a new session. Required.
	AgentFactory func() *voice.Agent
	Logger       *slog.Logger
}

// Manager owns every live session. Each customer connection holds at most
// one; starting a new call while one is live ends the old one first.
type Manager struct {
	newAgent func() *voice.Agent
	log      *slog.Logger

	mu         sync.Mutex
	byID       map[string]*managed
	byCustomer map[string]string
}

func NewManager(cfg ManagerConfig) *Manager {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	newAgent := cfg.AgentFactory
	if newAgent == nil {
		newAgent = func() *voice.Agent { return voice.NewAgent(voice.Config{Logger: log}) }
	}
	return &Manager{
		newAgent:   newAgent,
		log:        log,
		byID:       make(map[string]*managed),
		byCustomer: make(map[string]string),
	}
}

// Create starts a session for the customer behind customerSID and returns
// it active, with the greeting already on the transcript. A prior live
// session on the same connection is ended as disconnected.
func (m *Manager) Create(customerSID, name, phone string) (*Session, string) {
	m.mu.Lock()
	if oldID, ok := m.byCustomer[customerSID]; ok {
		if old, ok := m.byID[oldID]; ok {
			old.session.End(EndDisconnect)
			delete(m.byID, oldID)
			m.log.Info("replaced live session on new start_call",
				"session_id", oldID, "sid", customerSID)
		}
		delete(m.byCustomer, customerSID)
	}

	s := New(uuid.NewString(), customerSID, name, phone)
	rec := &managed{session: s, agent: m.newAgent()}
	m.byID[s.ID] = rec
	m.byCustomer[customerSID] = s.ID
	m.mu.Unlock()

	greeting := rec.agent.Greeting()
	_ = s.Activate(greeting)
	m.log.Info("session created", "session_id", s.ID, "sid", customerSID, "caller", name)
	return s, greeting
}

// Get returns the session with the given id.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[sessionID]
	if !ok {
		return nil, false
	}
	return rec.session, true
}

// ByCustomer returns the live session owned by the connection behind sid.
func (m *Manager) ByCustomer(customerSID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byCustomer[customerSID]
	if !ok {
		return nil, false
	}
	rec, ok := m.byID[id]
	if !ok {
		return nil, false
	}
	return rec.session, true
}

// Process runs one customer utterance through the session's dialogue agent
// and appends both sides to the transcript. Only valid in the AI phase.
func (m *Manager) Process(ctx context.Context, sessionID, text string) (voice.Reply, error) {
	m.mu.Lock()
	rec, ok := m.byID[sessionID]
	m.mu.Unlock()
	if !ok {
		return voice.Reply{}, ErrUnknownSession
	}

	rec.dialogMu.Lock()
	defer rec.dialogMu.Unlock()

	if rec.session.State() != StateAIActive {
		return voice.Reply{}, ErrNotAIActive
	}

	rec.session.Append(protocol.SpeakerCustomer, text)
	reply := rec.agent.Reply(ctx, text)
	rec.session.Append(protocol.SpeakerAgent, reply.Text)
	return reply, nil
}

// EndResult is what End hands back for building the call_ended notice.
type EndResult struct {
	Session         *Session
	DurationSeconds int
	Entries         []Entry
	Transcript      string
}

// End terminates the session. The boolean reports whether this call
// performed the transition; only that caller emits call_ended.
func (m *Manager) End(sessionID string, reason EndReason) (EndResult, bool) {
	m.mu.Lock()
	rec, ok := m.byID[sessionID]
	m.mu.Unlock()
	if !ok {
		return EndResult{}, false
	}

	performed := rec.session.End(reason)
	if !performed {
		return EndResult{Session: rec.session}, false
	}
	m.log.Info("session ended",
		"session_id", sessionID, "reason", reason,
		"duration", rec.session.Duration())
	return EndResult{
		Session:         rec.session,
		DurationSeconds: int(rec.session.Duration().Seconds()),
		Entries:         rec.session.Transcript(),
		Transcript:      rec.session.FormattedTranscript(),
	}, true
}

// Remove drops an ended session from the maps. Live sessions stay put.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[sessionID]
	if !ok {
		return
	}
	if rec.session.State() != StateEnded {
		return
	}
	delete(m.byID, sessionID)
	if id, ok := m.byCustomer[rec.session.CustomerSID]; ok && id == sessionID {
		delete(m.byCustomer, rec.session.CustomerSID)
	}
}

// Active returns the number of sessions not yet ended.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rec := range m.byID {
		if rec.session.State() != StateEnded {
			n++
		}
	}
	return n
}

// Snapshot returns every tracked session, for status endpoints.
func (m *Manager) Snapshot() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.byID))
	for _, rec := range m.byID {
		out = append(out, rec.session)
	}
	return out
}
