// Package agent drives a human agent console: registration, incoming-call
// notifications, accepting a call, and the answering side of the
// offer/answer/ICE exchange.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voicedesk/voicedesk/pkg/client/transport"
	"github.com/voicedesk/voicedesk/pkg/gateway/signal/protocol"
)

// MediaPeer is the media engine answering one call. The offer and the
// produced answer are opaque payloads.
type MediaPeer interface {
	Answer(ctx context.Context, offer json.RawMessage) (json.RawMessage, error)
	AddICECandidate(candidate json.RawMessage) error
	Close() error
}

type MediaFactory func() (MediaPeer, error)

// Incoming is one broadcast call notification. Accept races against every
// other notified console; losing is normal.
type Incoming struct {
	SessionID   string
	RoomName    string
	Reason      string
	CustomerSID string
}

// Callbacks surface console activity to the UI. Invoked from the
// transport's dispatch goroutine; must not block.
type Callbacks struct {
	OnRegistered func(agentID string)
	OnIncoming   func(call Incoming)
	OnJoined     func(sessionID string)
	OnTranscript func(speaker, text, timestamp string)
	OnCallEnded  func(sessionID, message string)
	OnNotice     func(message string)
}

type Config struct {
	Transport transport.Transport
	Media     MediaFactory
	Logger    *slog.Logger
	Callbacks Callbacks
}

// activeCall is the one call this console is on.
type activeCall struct {
	sessionID   string
	customerSID string
	roomName    string
	peer        MediaPeer
	answered    bool
	pending     []json.RawMessage
}

// Console is one agent's connection to the gateway.
type Console struct {
	tr    transport.Transport
	media MediaFactory
	log   *slog.Logger
	cb    Callbacks

	mu      sync.Mutex
	agentID string
	call    *activeCall
}

var ErrOnCall = errors.New("already on a call")

func New(cfg Config) (*Console, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("agent: transport is required")
	}
	if cfg.Media == nil {
		return nil, fmt.Errorf("agent: media factory is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Console{
		tr:    cfg.Transport,
		media: cfg.Media,
		log:   cfg.Logger,
		cb:    cfg.Callbacks,
	}

	c.tr.On("agent_registered", c.onRegistered)
	c.tr.On("agent_incoming_call", c.onIncoming)
	c.tr.On("agent_call_joined", c.onCallJoined)
	c.tr.On("agent_call_ended", c.onCallEnded)
	c.tr.On("webrtc_offer", c.onOffer)
	c.tr.On("webrtc_ice_candidate", c.onICECandidate)
	c.tr.On("webrtc_hangup", c.onHangup)
	c.tr.On("call_transcript", c.onTranscript)
	c.tr.On("error", c.onError)
	c.tr.OnDisconnect(c.onDisconnect)
	return c, nil
}

// Register announces this console to the gateway. Safe to repeat after a
// reconnect.
func (c *Console) Register(agentID string) error {
	return c.tr.Emit(protocol.AgentRegister{Type: "agent_register", AgentID: agentID})
}

// Accept claims an incoming call. The gateway decides the race; a loss
// comes back as an error notice, a win as agent_call_joined.
func (c *Console) Accept(call Incoming) error {
	c.mu.Lock()
	if c.call != nil {
		c.mu.Unlock()
		return ErrOnCall
	}
	c.mu.Unlock()
	return c.tr.Emit(protocol.AgentJoinedCall{
		Type:        "agent_joined_call",
		SessionID:   call.SessionID,
		RoomName:    call.RoomName,
		CustomerSID: call.CustomerSID,
	})
}

// SendTranscript relays one spoken line to the customer.
func (c *Console) SendTranscript(text string) error {
	c.mu.Lock()
	call := c.call
	c.mu.Unlock()
	if call == nil {
		return errors.New("not on a call")
	}
	return c.tr.Emit(protocol.CallTranscript{
		Type:      "call_transcript",
		SessionID: call.sessionID,
		Speaker:   protocol.SpeakerAgent,
		Text:      text,
		TargetSID: call.customerSID,
	})
}

// Hangup ends the live call from the agent's side and frees the console.
func (c *Console) Hangup() error {
	c.mu.Lock()
	call := c.call
	c.call = nil
	c.mu.Unlock()
	if call == nil {
		return errors.New("not on a call")
	}

	c.releasePeer(call)
	if err := c.tr.Emit(protocol.WebRTCHangup{
		Type:      "webrtc_hangup",
		SessionID: call.sessionID,
		TargetSID: call.customerSID,
	}); err != nil {
		c.log.Warn("hangup relay failed", "error", err)
	}
	return c.tr.Emit(protocol.AgentEndedCall{
		Type:      "agent_ended_call",
		SessionID: call.sessionID,
	})
}

// OnCall reports whether the console is currently serving a call.
func (c *Console) OnCall() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.call != nil
}

func (c *Console) onRegistered(data json.RawMessage) {
	var msg protocol.AgentRegistered
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	c.mu.Lock()
	c.agentID = msg.AgentID
	c.mu.Unlock()
	if c.cb.OnRegistered != nil {
		c.cb.OnRegistered(msg.AgentID)
	}
}

func (c *Console) onIncoming(data json.RawMessage) {
	var msg protocol.AgentIncomingCall
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if c.cb.OnIncoming == nil {
		return
	}
	c.cb.OnIncoming(Incoming{
		SessionID:   msg.SessionID,
		RoomName:    msg.RoomName,
		Reason:      msg.Reason,
		CustomerSID: msg.CustomerSID,
	})
}

// onCallJoined confirms this console won the accept race.
func (c *Console) onCallJoined(data json.RawMessage) {
	var msg protocol.AgentCallJoined
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	c.mu.Lock()
	if c.call != nil {
		c.mu.Unlock()
		return
	}
	c.call = &activeCall{
		sessionID:   msg.SessionID,
		customerSID: msg.CustomerSID,
		roomName:    msg.RoomName,
	}
	c.mu.Unlock()

	if c.cb.OnJoined != nil {
		c.cb.OnJoined(msg.SessionID)
	}
}

// onOffer answers the customer's offer, then flushes any candidates that
// arrived before the answer existed, in order, exactly once.
func (c *Console) onOffer(data json.RawMessage) {
	var msg protocol.WebRTCOffer
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	c.mu.Lock()
	call := c.call
	if call == nil || call.peer != nil || msg.SessionID != call.sessionID || msg.FromSID != call.customerSID {
		c.mu.Unlock()
		return
	}
	peer, err := c.media()
	if err != nil {
		c.mu.Unlock()
		c.log.Error("media acquire failed", "error", err)
		return
	}
	call.peer = peer
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	answer, err := peer.Answer(ctx, msg.Offer)
	cancel()
	if err != nil {
		c.log.Error("answer failed", "error", err)
		return
	}
	if err := c.tr.Emit(protocol.WebRTCAnswer{
		Type:      "webrtc_answer",
		SessionID: call.sessionID,
		Answer:    answer,
		TargetSID: call.customerSID,
	}); err != nil {
		c.log.Error("answer send failed", "error", err)
		return
	}

	c.mu.Lock()
	call.answered = true
	buffered := call.pending
	call.pending = nil
	c.mu.Unlock()

	for _, candidate := range buffered {
		if err := peer.AddICECandidate(candidate); err != nil {
			c.log.Warn("buffered candidate rejected", "error", err)
		}
	}
}

func (c *Console) onICECandidate(data json.RawMessage) {
	var msg protocol.WebRTCICECandidate
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	c.mu.Lock()
	call := c.call
	if call == nil || msg.SessionID != call.sessionID || msg.FromSID != call.customerSID {
		c.mu.Unlock()
		return
	}
	if !call.answered {
		call.pending = append(call.pending, msg.Candidate)
		c.mu.Unlock()
		return
	}
	peer := call.peer
	c.mu.Unlock()

	if err := peer.AddICECandidate(msg.Candidate); err != nil {
		c.log.Warn("candidate rejected", "error", err)
	}
}

func (c *Console) onHangup(data json.RawMessage) {
	var msg protocol.WebRTCHangup
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	c.endLocal(msg.SessionID, "the caller hung up")
}

func (c *Console) onCallEnded(data json.RawMessage) {
	var msg protocol.AgentCallEnded
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	c.endLocal(msg.SessionID, msg.Message)
}

func (c *Console) onTranscript(data json.RawMessage) {
	var msg protocol.CallTranscript
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if c.cb.OnTranscript != nil {
		c.cb.OnTranscript(msg.Speaker, msg.Text, msg.Timestamp)
	}
}

func (c *Console) onError(data json.RawMessage) {
	var msg protocol.ErrorEvent
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if c.cb.OnNotice != nil {
		c.cb.OnNotice(msg.Message)
	}
}

func (c *Console) onDisconnect(err error) {
	if err != nil {
		c.log.Warn("signaling lost", "error", err)
	}
	c.endLocal("", "connection to the gateway was lost")
}

// endLocal tears down the live call if sessionID matches it (empty matches
// any call).
func (c *Console) endLocal(sessionID, message string) {
	c.mu.Lock()
	call := c.call
	if call == nil || (sessionID != "" && sessionID != call.sessionID) {
		c.mu.Unlock()
		return
	}
	c.call = nil
	c.mu.Unlock()

	c.releasePeer(call)
	if c.cb.OnCallEnded != nil {
		c.cb.OnCallEnded(call.sessionID, message)
	}
}

func (c *Console) releasePeer(call *activeCall) {
	if call.peer == nil {
		return
	}
	if err := call.peer.Close(); err != nil {
		c.log.Warn("media release failed", "error", err)
	}
}
