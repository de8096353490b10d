// Package customer drives one caller session over the signaling channel:
// AI dialogue, the handoff handshake, and the customer side of the
// offer/answer/ICE exchange.
package customer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voicedesk/voicedesk/pkg/client/transport"
	"github.com/voicedesk/voicedesk/pkg/gateway/signal/protocol"
)

// State of the call as seen from the customer's side.
type State string

const (
	StateIdle         State = "idle"
	StateAIActive     State = "ai_active"
	StateTransferring State = "transferring"
	StateHumanActive  State = "human_active"
	StateEnded        State = "ended"
)

// MediaPeer is the media engine behind one connection attempt. Session
// descriptions and ICE candidates are opaque payloads; acquiring the
// microphone happens inside the factory, releasing it inside Close.
type MediaPeer interface {
	CreateOffer(ctx context.Context) (json.RawMessage, error)
	AcceptAnswer(answer json.RawMessage) error
	AddICECandidate(candidate json.RawMessage) error
	Close() error
}

// MediaFactory builds a fresh peer for one transfer attempt.
type MediaFactory func() (MediaPeer, error)

// Callbacks surface call activity to the UI layer. All optional; they are
// invoked from the transport's dispatch goroutine and must not block.
type Callbacks struct {
	OnState     func(state State)
	OnGreeting  func(text string)
	OnAgentText func(text string)
	OnAudio     func(audioB64, format string)
	OnNotice    func(message string)
	OnTick      func(elapsed time.Duration)
	OnEnded     func(summary Summary)
}

// Summary is the terminal call_ended payload.
type Summary struct {
	SessionID       string
	DurationSeconds int
	Transcript      string
	Evaluation      *protocol.Evaluation
}

type Config struct {
	Transport transport.Transport
	Media     MediaFactory
	Logger    *slog.Logger
	Callbacks Callbacks

	// TickInterval paces OnTick while the call is live. Zero disables the
	// duration ticker.
	TickInterval time.Duration
}

// negotiation is one transfer attempt: the accepted agent, its peer, and
// any ICE candidates that arrived before the answer was applied.
type negotiation struct {
	agentSID string
	peer     MediaPeer
	answered bool
	pending  []json.RawMessage
}

// Controller owns one customer call. All state is per instance; run as
// many controllers side by side as there are calls.
type Controller struct {
	tr    transport.Transport
	media MediaFactory
	log   *slog.Logger
	cb    Callbacks
	tick  time.Duration

	mu          sync.Mutex
	state       State
	sessionID   string
	roomName    string
	nego        *negotiation
	tickerStop  chan struct{}
	notifiedEnd bool
}

var (
	ErrNotIdle    = errors.New("call already started")
	ErrNoActiveAI = errors.New("no AI dialogue in progress")
	ErrNoLiveCall = errors.New("no live call")
)

func New(cfg Config) (*Controller, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("customer: transport is required")
	}
	if cfg.Media == nil {
		return nil, fmt.Errorf("customer: media factory is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Controller{
		tr:    cfg.Transport,
		media: cfg.Media,
		log:   cfg.Logger,
		cb:    cfg.Callbacks,
		tick:  cfg.TickInterval,
		state: StateIdle,
	}

	c.tr.On("call_started", c.onCallStarted)
	c.tr.On("agent_response", c.onAgentResponse)
	c.tr.On("audio_response", c.onAudioResponse)
	c.tr.On("transfer_call", c.onTransferCall)
	c.tr.On("agent_ready_for_call", c.onAgentReady)
	c.tr.On("webrtc_answer", c.onAnswer)
	c.tr.On("webrtc_ice_candidate", c.onICECandidate)
	c.tr.On("webrtc_hangup", c.onHangup)
	c.tr.On("no_agents_available", c.onNoAgents)
	c.tr.On("transfer_cancelled", c.onTransferCancelled)
	c.tr.On("call_ended", c.onCallEnded)
	c.tr.On("error", c.onError)
	c.tr.OnDisconnect(c.onDisconnect)
	return c, nil
}

// State returns the current call state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID is empty until call_started arrives.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Start begins a call. One call per controller.
func (c *Controller) Start(name, phone string) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrNotIdle
	}
	c.mu.Unlock()
	return c.tr.Emit(protocol.StartCall{Type: "start_call", Name: name, Phone: phone})
}

// Say sends one final speech-recognition result to the AI. Interim
// recognition results stay local.
func (c *Controller) Say(text string) error {
	c.mu.Lock()
	if c.state != StateAIActive {
		c.mu.Unlock()
		return ErrNoActiveAI
	}
	c.mu.Unlock()
	return c.tr.Emit(protocol.UserMessage{Type: "user_message", Text: text})
}

// End hangs up. The server answers with call_ended, which tears the
// controller down.
func (c *Controller) End() error {
	c.mu.Lock()
	if c.state == StateIdle || c.state == StateEnded {
		c.mu.Unlock()
		return ErrNoLiveCall
	}
	sessionID := c.sessionID
	c.mu.Unlock()
	return c.tr.Emit(protocol.EndCall{Type: "end_call", SessionID: sessionID})
}

// SendTranscript relays one spoken line to the human agent.
func (c *Controller) SendTranscript(text string) error {
	c.mu.Lock()
	if c.state != StateHumanActive || c.nego == nil {
		c.mu.Unlock()
		return ErrNoLiveCall
	}
	sessionID := c.sessionID
	target := c.nego.agentSID
	c.mu.Unlock()
	return c.tr.Emit(protocol.CallTranscript{
		Type:      "call_transcript",
		SessionID: sessionID,
		Speaker:   protocol.SpeakerCustomer,
		Text:      text,
		TargetSID: target,
	})
}

// MediaConnected must be called by the media layer once the connection is
// established. It flips the call to human_active.
func (c *Controller) MediaConnected() {
	c.mu.Lock()
	if c.state != StateTransferring || c.nego == nil || !c.nego.answered {
		c.mu.Unlock()
		return
	}
	c.state = StateHumanActive
	c.mu.Unlock()
	c.notifyState(StateHumanActive)
}

func (c *Controller) onCallStarted(data json.RawMessage) {
	var msg protocol.CallStarted
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return
	}
	c.state = StateAIActive
	c.sessionID = msg.SessionID
	c.startTickerLocked()
	c.mu.Unlock()

	c.notifyState(StateAIActive)
	if c.cb.OnGreeting != nil {
		c.cb.OnGreeting(msg.Greeting)
	}
}

func (c *Controller) onAgentResponse(data json.RawMessage) {
	var msg protocol.AgentResponse
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if c.cb.OnAgentText != nil {
		c.cb.OnAgentText(msg.Text)
	}
}

func (c *Controller) onAudioResponse(data json.RawMessage) {
	var msg protocol.AudioResponse
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if c.cb.OnAudio != nil {
		c.cb.OnAudio(msg.AudioB64, msg.Format)
	}
}

// onTransferCall starts the handoff handshake: generate a fresh room for
// this attempt and ask the gateway to dispatch agents to it.
func (c *Controller) onTransferCall(data json.RawMessage) {
	var msg protocol.TransferCall
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	c.mu.Lock()
	if c.state != StateAIActive || msg.SessionID != c.sessionID {
		c.mu.Unlock()
		return
	}
	c.state = StateTransferring
	c.roomName = uuid.NewString()
	room := c.roomName
	sessionID := c.sessionID
	c.mu.Unlock()

	c.notifyState(StateTransferring)
	if msg.Message != "" && c.cb.OnNotice != nil {
		c.cb.OnNotice(msg.Message)
	}
	if err := c.tr.Emit(protocol.AgentTransferRoom{
		Type:      "agent_transfer_room",
		SessionID: sessionID,
		RoomName:  room,
		Reason:    msg.Reason,
	}); err != nil {
		c.log.Error("transfer room dispatch failed", "error", err)
	}
}

// onAgentReady is the accept notification. Only the first one counts; any
// later or out-of-state agent_ready_for_call is ignored.
func (c *Controller) onAgentReady(data json.RawMessage) {
	var msg protocol.AgentReadyForCall
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	c.mu.Lock()
	if c.state != StateTransferring || c.nego != nil || msg.SessionID != c.sessionID {
		c.mu.Unlock()
		return
	}
	peer, err := c.media()
	if err != nil {
		c.mu.Unlock()
		c.log.Error("media acquire failed", "error", err)
		return
	}
	c.nego = &negotiation{agentSID: msg.AgentSID, peer: peer}
	sessionID := c.sessionID
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	offer, err := peer.CreateOffer(ctx)
	cancel()
	if err != nil {
		c.log.Error("create offer failed", "error", err)
		c.dropNegotiation()
		return
	}
	if err := c.tr.Emit(protocol.WebRTCOffer{
		Type:      "webrtc_offer",
		SessionID: sessionID,
		Offer:     offer,
		TargetSID: msg.AgentSID,
	}); err != nil {
		c.log.Error("offer send failed", "error", err)
		c.dropNegotiation()
	}
}

// onAnswer applies the accepted agent's answer, then flushes every ICE
// candidate buffered before it, in arrival order, exactly once.
func (c *Controller) onAnswer(data json.RawMessage) {
	var msg protocol.WebRTCAnswer
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	c.mu.Lock()
	n := c.nego
	if n == nil || n.answered || msg.FromSID != n.agentSID || msg.SessionID != c.sessionID {
		c.mu.Unlock()
		return
	}
	n.answered = true
	buffered := n.pending
	n.pending = nil
	c.mu.Unlock()

	if err := n.peer.AcceptAnswer(msg.Answer); err != nil {
		c.log.Error("apply answer failed", "error", err)
		return
	}
	for _, candidate := range buffered {
		if err := n.peer.AddICECandidate(candidate); err != nil {
			c.log.Warn("buffered candidate rejected", "error", err)
		}
	}
}

// onICECandidate buffers candidates until the answer has been applied,
// then hands them straight to the peer.
func (c *Controller) onICECandidate(data json.RawMessage) {
	var msg protocol.WebRTCICECandidate
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	c.mu.Lock()
	n := c.nego
	if n == nil || msg.FromSID != n.agentSID || msg.SessionID != c.sessionID {
		c.mu.Unlock()
		return
	}
	if !n.answered {
		n.pending = append(n.pending, msg.Candidate)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := n.peer.AddICECandidate(msg.Candidate); err != nil {
		c.log.Warn("candidate rejected", "error", err)
	}
}

// onHangup tears down the media attempt. A hangup during human_active ends
// the call locally; the call_ended summary still arrives from the gateway.
func (c *Controller) onHangup(data json.RawMessage) {
	var msg protocol.WebRTCHangup
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	c.mu.Lock()
	if msg.SessionID != c.sessionID {
		c.mu.Unlock()
		return
	}
	humanLive := c.state == StateHumanActive
	sessionID := c.sessionID
	if humanLive {
		c.state = StateEnded
		c.stopTickerLocked()
	}
	c.mu.Unlock()

	c.dropNegotiation()
	if !humanLive {
		return
	}
	c.notifyState(StateEnded)
	if err := c.tr.Emit(protocol.EndCall{Type: "end_call", SessionID: sessionID}); err != nil {
		c.log.Warn("end after hangup failed", "error", err)
	}
}

func (c *Controller) onNoAgents(data json.RawMessage) {
	var msg protocol.NoAgentsAvailable
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if c.cb.OnNotice != nil {
		c.cb.OnNotice(msg.Message)
	}
}

// onTransferCancelled hands the call back to the AI after the accepted
// agent dropped mid-handoff.
func (c *Controller) onTransferCancelled(data json.RawMessage) {
	var msg protocol.TransferCancelled
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	c.mu.Lock()
	if c.state != StateTransferring || msg.SessionID != c.sessionID {
		c.mu.Unlock()
		return
	}
	c.state = StateAIActive
	c.roomName = ""
	c.mu.Unlock()

	c.dropNegotiation()
	c.notifyState(StateAIActive)
	if msg.Message != "" && c.cb.OnNotice != nil {
		c.cb.OnNotice(msg.Message)
	}
}

// onError surfaces a non-fatal gateway notice. The call state is untouched.
func (c *Controller) onError(data json.RawMessage) {
	var msg protocol.ErrorEvent
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if c.cb.OnNotice != nil {
		c.cb.OnNotice(msg.Message)
	}
}

func (c *Controller) onCallEnded(data json.RawMessage) {
	var msg protocol.CallEnded
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	c.mu.Lock()
	if c.notifiedEnd || (msg.SessionID != "" && msg.SessionID != c.sessionID) {
		c.mu.Unlock()
		return
	}
	c.notifiedEnd = true
	alreadyEnded := c.state == StateEnded
	c.state = StateEnded
	c.stopTickerLocked()
	c.mu.Unlock()

	c.dropNegotiation()
	if !alreadyEnded {
		c.notifyState(StateEnded)
	}
	if c.cb.OnEnded != nil {
		c.cb.OnEnded(Summary{
			SessionID:       msg.SessionID,
			DurationSeconds: msg.DurationSeconds,
			Transcript:      msg.Transcript,
			Evaluation:      msg.Evaluation,
		})
	}
}

func (c *Controller) onDisconnect(err error) {
	c.mu.Lock()
	if c.notifiedEnd || c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	c.notifiedEnd = true
	alreadyEnded := c.state == StateEnded
	c.state = StateEnded
	c.stopTickerLocked()
	c.mu.Unlock()

	if err != nil {
		c.log.Warn("signaling lost", "error", err)
	}
	c.dropNegotiation()
	if !alreadyEnded {
		c.notifyState(StateEnded)
	}
	if c.cb.OnEnded != nil {
		c.cb.OnEnded(Summary{SessionID: c.SessionID()})
	}
}

// dropNegotiation releases the media peer of the current attempt, if any.
func (c *Controller) dropNegotiation() {
	c.mu.Lock()
	n := c.nego
	c.nego = nil
	c.mu.Unlock()
	if n == nil {
		return
	}
	if err := n.peer.Close(); err != nil {
		c.log.Warn("media release failed", "error", err)
	}
}

func (c *Controller) startTickerLocked() {
	if c.tick <= 0 || c.tickerStop != nil {
		return
	}
	stop := make(chan struct{})
	c.tickerStop = stop
	started := time.Now()
	go func() {
		ticker := time.NewTicker(c.tick)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if c.cb.OnTick != nil {
					c.cb.OnTick(time.Since(started))
				}
			}
		}
	}()
}

func (c *Controller) stopTickerLocked() {
	if c.tickerStop != nil {
		close(c.tickerStop)
		c.tickerStop = nil
	}
}

func (c *Controller) notifyState(s State) {
	if c.cb.OnState != nil {
		c.cb.OnState(s)
	}
}
