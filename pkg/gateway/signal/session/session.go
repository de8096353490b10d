package session

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/voicedesk/voicedesk/pkg/gateway/signal/protocol"
)

// State is the per-call lifecycle position. ended is terminal; a new call
// always gets a fresh session, state is never reused.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateAIActive     State = "ai_active"
	StateTransferring State = "transferring"
	StateHumanActive  State = "human_active"
	StateEnded        State = "ended"
)

// EndReason records why a session reached the terminal state.
type EndReason string

const (
	EndCustomerHangup   EndReason = "customer_hangup"
	EndAgentHangup      EndReason = "agent_hangup"
	EndDisconnect       EndReason = "disconnect"
	EndTransportFailure EndReason = "transport_failure"
)

var (
	ErrBadTransition = errors.New("transition not allowed from current state")
	ErrTransferLive  = errors.New("a transfer attempt is already live")
	ErrSessionEnded  = errors.New("session already ended")
	ErrNoTransfer    = errors.New("no transfer in flight")
)

// Entry is one speaker-tagged utterance. Entries from the AI phase and the
// human phase share the same append-only sequence.
type Entry struct {
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Transfer tracks one handoff attempt. At most one is live per session;
// the accepted agent's transport address doubles as the negotiation record,
// so a second agent_joined_call cannot open a second peer connection.
type Transfer struct {
	RoomName   string
	Reason     string
	Pending    bool
	AgentSID   string
	NoticeSent bool
}

// Session is the backend-owned record of one customer interaction. Its
// methods are safe for concurrent use: agent acceptances arrive on other
// connections' goroutines, and first-accept-wins is enforced here.
type Session struct {
	ID          string
	CustomerSID string
	CallerName  string
	CallerPhone string
	CreatedAt   time.Time

	mu         sync.Mutex
	state      State
	transcript []Entry
	transfer   *Transfer
	endReason  EndReason
	endedAt    time.Time

	now func() time.Time
}

// New returns a session in the connecting state: the customer has asked to
// start, the backend has not yet confirmed.
func New(id, customerSID, name, phone string) *Session {
	return newWithClock(id, customerSID, name, phone, time.Now)
}

func newWithClock(id, customerSID, name, phone string, now func() time.Time) *Session {
	if now == nil {
		now = time.Now
	}
	return &Session{
		ID:          id,
		CustomerSID: customerSID,
		CallerName:  name,
		CallerPhone: phone,
		CreatedAt:   now(),
		state:       StateConnecting,
		now:         now,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Activate confirms call start and records the greeting. A duplicate
// activation for an already-active session is ignored.
func (s *Session) Activate(greeting string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateConnecting:
	case StateAIActive:
		return nil
	case StateEnded:
		return nil
	default:
		return ErrBadTransition
	}
	s.state = StateAIActive
	s.appendLocked(protocol.SpeakerAgent, greeting)
	return nil
}

// BeginTransfer moves ai_active → transferring with a fresh room name.
// Only one transfer attempt may be live; a second decision while one is in
// flight (or after handoff completed) is rejected.
func (s *Session) BeginTransfer(roomName, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateEnded:
		return nil
	case StateTransferring, StateHumanActive:
		return ErrTransferLive
	case StateAIActive:
	default:
		return ErrBadTransition
	}
	s.state = StateTransferring
	s.transfer = &Transfer{RoomName: roomName, Reason: reason, Pending: true}
	return nil
}

// SetTransferRoom attaches the freshly generated negotiation room to the
// live transfer attempt. Rejected once an agent has already accepted.
func (s *Session) SetTransferRoom(roomName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateTransferring || s.transfer == nil {
		return ErrNoTransfer
	}
	if !s.transfer.Pending {
		return ErrTransferLive
	}
	s.transfer.RoomName = roomName
	return nil
}

// TransferSnapshot returns a copy of the live transfer record, if any.
func (s *Session) TransferSnapshot() (Transfer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transfer == nil {
		return Transfer{}, false
	}
	return *s.transfer, true
}

// AcceptAgent records the first responding agent and reports whether this
// acceptance won. Later acceptances for the same session return false, as
// does any acceptance outside the transferring state.
func (s *Session) AcceptAgent(agentSID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateTransferring || s.transfer == nil {
		return false
	}
	if !s.transfer.Pending {
		return false
	}
	s.transfer.Pending = false
	s.transfer.AgentSID = agentSID
	return true
}

// AgentSID returns the accepted agent's transport address, if any.
func (s *Session) AgentSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transfer == nil {
		return ""
	}
	return s.transfer.AgentSID
}

// MarkNoAgentNotice reports whether the no-agents notice should be surfaced
// for the current waiting window. It fires at most once per window and only
// while the transfer is still unanswered.
func (s *Session) MarkNoAgentNotice() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateTransferring || s.transfer == nil {
		return false
	}
	if !s.transfer.Pending || s.transfer.NoticeSent {
		return false
	}
	s.transfer.NoticeSent = true
	return true
}

// CancelTransfer reverts transferring → ai_active and discards the attempt.
func (s *Session) CancelTransfer() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEnded {
		return nil
	}
	if s.state != StateTransferring {
		return ErrNoTransfer
	}
	s.state = StateAIActive
	s.transfer = nil
	return nil
}

// MarkHumanActive completes the handoff once negotiation has an accepted
// agent and the transport reports connected.
func (s *Session) MarkHumanActive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEnded {
		return nil
	}
	if s.state != StateTransferring || s.transfer == nil || s.transfer.AgentSID == "" {
		return ErrBadTransition
	}
	s.state = StateHumanActive
	return nil
}

// End moves the session to the terminal state. It is idempotent: the return
// value reports whether this call performed the transition, so callers emit
// exactly one call_ended notice. Buffered transfer state is discarded.
func (s *Session) End(reason EndReason) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEnded {
		return false
	}
	s.state = StateEnded
	s.endReason = reason
	s.endedAt = s.now()
	s.transfer = nil
	return true
}

func (s *Session) EndReason() EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endReason
}

// Duration is the wall time from creation until end, or until now for a
// session still in progress.
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEnded {
		return s.endedAt.Sub(s.CreatedAt)
	}
	return s.now().Sub(s.CreatedAt)
}

// Append adds one transcript entry. The sequence is append-only; entries
// arriving after the session ended are dropped.
func (s *Session) Append(speaker, text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEnded {
		return false
	}
	s.appendLocked(speaker, text)
	return true
}

func (s *Session) appendLocked(speaker, text string) {
	s.transcript = append(s.transcript, Entry{
		Speaker:   speaker,
		Text:      text,
		Timestamp: s.now(),
	})
}

// Transcript returns a copy of the entries in append order.
func (s *Session) Transcript() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// FormattedTranscript renders the sequence in the shape downstream
// evaluation consumes.
func (s *Session) FormattedTranscript() string {
	entries := s.Transcript()
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		speaker := "Customer"
		if e.Speaker == protocol.SpeakerAgent {
			speaker = "Agent"
		} else if e.Speaker == protocol.SpeakerSystem {
			speaker = "System"
		}
		lines = append(lines, speaker+": "+e.Text)
	}
	return strings.Join(lines, "\n\n")
}
