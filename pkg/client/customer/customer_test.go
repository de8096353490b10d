package customer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/voicedesk/voicedesk/pkg/client/transport"
	"github.com/voicedesk/voicedesk/pkg/gateway/signal/protocol"
)

type fakeTransport struct {
	mu         sync.Mutex
	handlers   map[string]transport.Handler
	disconnect func(error)
	emitted    []any
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]transport.Handler)}
}

func (f *fakeTransport) SID() string { return "sid_customer" }

func (f *fakeTransport) Emit(event any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitted = append(f.emitted, event)
	return nil
}

func (f *fakeTransport) On(eventType string, fn transport.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[eventType] = fn
}

func (f *fakeTransport) OnDisconnect(fn func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnect = fn
}

// fire delivers one server event synchronously, like the dispatch goroutine.
func (f *fakeTransport) fire(t *testing.T, event any) {
	t.Helper()
	data, err := json.Marshal(event)
	if err != nil {
		t.Fatal(err)
	}
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	fn := f.handlers[envelope.Type]
	f.mu.Unlock()
	if fn == nil {
		t.Fatalf("no handler registered for %q", envelope.Type)
	}
	fn(data)
}

func (f *fakeTransport) sent() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]any, len(f.emitted))
	copy(out, f.emitted)
	return out
}

type fakeMedia struct {
	mu         sync.Mutex
	offered    bool
	answer     json.RawMessage
	candidates []string
	closed     bool
}

func (m *fakeMedia) CreateOffer(ctx context.Context) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offered = true
	return json.RawMessage(`{"type":"offer","sdp":"v=0"}`), nil
}

func (m *fakeMedia) AcceptAnswer(answer json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.answer = answer
	return nil
}

func (m *fakeMedia) AddICECandidate(candidate json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candidates = append(m.candidates, string(candidate))
	return nil
}

func (m *fakeMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *fakeMedia) applied() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.candidates))
	copy(out, m.candidates)
	return out
}

func (m *fakeMedia) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type fixture struct {
	tr    *fakeTransport
	ctl   *Controller
	peers []*fakeMedia
	mu    sync.Mutex
}

func newFixture(t *testing.T, cb Callbacks) *fixture {
	t.Helper()
	f := &fixture{tr: newFakeTransport()}
	ctl, err := New(Config{
		Transport: f.tr,
		Media: func() (MediaPeer, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			peer := &fakeMedia{}
			f.peers = append(f.peers, peer)
			return peer, nil
		},
		Callbacks: cb,
	})
	if err != nil {
		t.Fatal(err)
	}
	f.ctl = ctl
	return f
}

func (f *fixture) startCall(t *testing.T) {
	t.Helper()
	if err := f.ctl.Start("Demo", "+15550000001"); err != nil {
		t.Fatal(err)
	}
	f.tr.fire(t, protocol.CallStarted{Type: "call_started", SessionID: "sess-1", Greeting: "Hello!"})
	if got := f.ctl.State(); got != StateAIActive {
		t.Fatalf("state=%q after call_started", got)
	}
}

func (f *fixture) reachTransferring(t *testing.T) string {
	t.Helper()
	f.startCall(t)
	f.tr.fire(t, protocol.TransferCall{
		Type: "transfer_call", SessionID: "sess-1", Reason: protocol.ReasonCustomerRequest,
	})
	if got := f.ctl.State(); got != StateTransferring {
		t.Fatalf("state=%q after transfer_call", got)
	}
	for _, e := range f.tr.sent() {
		if room, ok := e.(protocol.AgentTransferRoom); ok {
			return room.RoomName
		}
	}
	t.Fatal("agent_transfer_room never emitted")
	return ""
}

func (f *fixture) acceptedPeer(t *testing.T) *fakeMedia {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) != 1 {
		t.Fatalf("peers=%d, want 1", len(f.peers))
	}
	return f.peers[0]
}

func TestStartCallFlow(t *testing.T) {
	var greeting string
	f := newFixture(t, Callbacks{OnGreeting: func(text string) { greeting = text }})
	f.startCall(t)

	if greeting != "Hello!" {
		t.Fatalf("greeting=%q", greeting)
	}
	if f.ctl.SessionID() != "sess-1" {
		t.Fatalf("session id=%q", f.ctl.SessionID())
	}
	if err := f.ctl.Start("Again", ""); err != ErrNotIdle {
		t.Fatalf("second Start err=%v, want ErrNotIdle", err)
	}
}

func TestSayRequiresAIPhase(t *testing.T) {
	f := newFixture(t, Callbacks{})
	if err := f.ctl.Say("hello"); err != ErrNoActiveAI {
		t.Fatalf("err=%v, want ErrNoActiveAI", err)
	}

	f.reachTransferring(t)
	if err := f.ctl.Say("hello"); err != ErrNoActiveAI {
		t.Fatalf("err during transfer=%v, want ErrNoActiveAI", err)
	}
}

func TestTransferRoomIsFreshAndCarriesReason(t *testing.T) {
	f := newFixture(t, Callbacks{})
	room := f.reachTransferring(t)
	if room == "" {
		t.Fatal("empty room name")
	}
	for _, e := range f.tr.sent() {
		if tr, ok := e.(protocol.AgentTransferRoom); ok {
			if tr.SessionID != "sess-1" || tr.Reason != protocol.ReasonCustomerRequest {
				t.Fatalf("agent_transfer_room=%+v", tr)
			}
		}
	}
}

func TestFirstAgentReadyWins(t *testing.T) {
	f := newFixture(t, Callbacks{})
	f.reachTransferring(t)

	f.tr.fire(t, protocol.AgentReadyForCall{
		Type: "agent_ready_for_call", SessionID: "sess-1", AgentSID: "sid_agent_a",
	})
	f.tr.fire(t, protocol.AgentReadyForCall{
		Type: "agent_ready_for_call", SessionID: "sess-1", AgentSID: "sid_agent_b",
	})

	var offers []protocol.WebRTCOffer
	for _, e := range f.tr.sent() {
		if offer, ok := e.(protocol.WebRTCOffer); ok {
			offers = append(offers, offer)
		}
	}
	if len(offers) != 1 {
		t.Fatalf("offers=%d, want exactly 1", len(offers))
	}
	if offers[0].TargetSID != "sid_agent_a" {
		t.Fatalf("offer target=%q, want first accepter", offers[0].TargetSID)
	}
	f.mu.Lock()
	peers := len(f.peers)
	f.mu.Unlock()
	if peers != 1 {
		t.Fatalf("media acquired %d times, want 1", peers)
	}
}

func TestAgentReadyIgnoredOutsideTransfer(t *testing.T) {
	f := newFixture(t, Callbacks{})
	f.startCall(t)

	f.tr.fire(t, protocol.AgentReadyForCall{
		Type: "agent_ready_for_call", SessionID: "sess-1", AgentSID: "sid_agent_a",
	})

	for _, e := range f.tr.sent() {
		if _, ok := e.(protocol.WebRTCOffer); ok {
			t.Fatal("offer emitted outside the transferring phase")
		}
	}
}

func TestICEBufferedUntilAnswerThenFlushedInOrder(t *testing.T) {
	f := newFixture(t, Callbacks{})
	f.reachTransferring(t)
	f.tr.fire(t, protocol.AgentReadyForCall{
		Type: "agent_ready_for_call", SessionID: "sess-1", AgentSID: "sid_agent_a",
	})
	peer := f.acceptedPeer(t)

	for _, c := range []string{`{"c":1}`, `{"c":2}`, `{"c":3}`} {
		f.tr.fire(t, protocol.WebRTCICECandidate{
			Type: "webrtc_ice_candidate", SessionID: "sess-1",
			Candidate: json.RawMessage(c), FromSID: "sid_agent_a", TargetSID: "sid_customer",
		})
	}
	if applied := peer.applied(); len(applied) != 0 {
		t.Fatalf("candidates applied before answer: %v", applied)
	}

	f.tr.fire(t, protocol.WebRTCAnswer{
		Type: "webrtc_answer", SessionID: "sess-1",
		Answer: json.RawMessage(`{"type":"answer"}`), FromSID: "sid_agent_a", TargetSID: "sid_customer",
	})
	want := []string{`{"c":1}`, `{"c":2}`, `{"c":3}`}
	applied := peer.applied()
	if len(applied) != len(want) {
		t.Fatalf("applied=%v, want %v", applied, want)
	}
	for i := range want {
		if applied[i] != want[i] {
			t.Fatalf("candidate %d applied out of order: %v", i, applied)
		}
	}

	// Past the answer, candidates go straight through.
	f.tr.fire(t, protocol.WebRTCICECandidate{
		Type: "webrtc_ice_candidate", SessionID: "sess-1",
		Candidate: json.RawMessage(`{"c":4}`), FromSID: "sid_agent_a", TargetSID: "sid_customer",
	})
	if applied := peer.applied(); len(applied) != 4 || applied[3] != `{"c":4}` {
		t.Fatalf("applied after answer=%v", applied)
	}
}

func TestICEFromStrangerIgnored(t *testing.T) {
	f := newFixture(t, Callbacks{})
	f.reachTransferring(t)
	f.tr.fire(t, protocol.AgentReadyForCall{
		Type: "agent_ready_for_call", SessionID: "sess-1", AgentSID: "sid_agent_a",
	})
	peer := f.acceptedPeer(t)

	f.tr.fire(t, protocol.WebRTCAnswer{
		Type: "webrtc_answer", SessionID: "sess-1",
		Answer: json.RawMessage(`{"type":"answer"}`), FromSID: "sid_agent_a", TargetSID: "sid_customer",
	})
	f.tr.fire(t, protocol.WebRTCICECandidate{
		Type: "webrtc_ice_candidate", SessionID: "sess-1",
		Candidate: json.RawMessage(`{"evil":true}`), FromSID: "sid_agent_b", TargetSID: "sid_customer",
	})
	if applied := peer.applied(); len(applied) != 0 {
		t.Fatalf("stranger candidate applied: %v", applied)
	}
}

func TestMediaConnectedMarksHumanActive(t *testing.T) {
	var states []State
	f := newFixture(t, Callbacks{OnState: func(s State) { states = append(states, s) }})
	f.reachTransferring(t)
	f.tr.fire(t, protocol.AgentReadyForCall{
		Type: "agent_ready_for_call", SessionID: "sess-1", AgentSID: "sid_agent_a",
	})

	// Before the answer is applied a connection report means nothing.
	f.ctl.MediaConnected()
	if got := f.ctl.State(); got != StateTransferring {
		t.Fatalf("state=%q before answer", got)
	}

	f.tr.fire(t, protocol.WebRTCAnswer{
		Type: "webrtc_answer", SessionID: "sess-1",
		Answer: json.RawMessage(`{"type":"answer"}`), FromSID: "sid_agent_a", TargetSID: "sid_customer",
	})
	f.ctl.MediaConnected()
	if got := f.ctl.State(); got != StateHumanActive {
		t.Fatalf("state=%q after connection established", got)
	}
	if states[len(states)-1] != StateHumanActive {
		t.Fatalf("states=%v", states)
	}
}

func TestCallEndedReleasesMedia(t *testing.T) {
	var summary Summary
	f := newFixture(t, Callbacks{OnEnded: func(s Summary) { summary = s }})
	f.reachTransferring(t)
	f.tr.fire(t, protocol.AgentReadyForCall{
		Type: "agent_ready_for_call", SessionID: "sess-1", AgentSID: "sid_agent_a",
	})
	peer := f.acceptedPeer(t)

	f.tr.fire(t, protocol.CallEnded{
		Type: "call_ended", SessionID: "sess-1", DurationSeconds: 42, Transcript: "Agent: Hello!",
	})
	if got := f.ctl.State(); got != StateEnded {
		t.Fatalf("state=%q", got)
	}
	if !peer.isClosed() {
		t.Fatal("media not released on call_ended")
	}
	if summary.DurationSeconds != 42 || summary.SessionID != "sess-1" {
		t.Fatalf("summary=%+v", summary)
	}

	if err := f.ctl.Say("anyone there"); err != ErrNoActiveAI {
		t.Fatalf("Say after end err=%v", err)
	}
}

func TestHangupReleasesMedia(t *testing.T) {
	f := newFixture(t, Callbacks{})
	f.reachTransferring(t)
	f.tr.fire(t, protocol.AgentReadyForCall{
		Type: "agent_ready_for_call", SessionID: "sess-1", AgentSID: "sid_agent_a",
	})
	peer := f.acceptedPeer(t)

	f.tr.fire(t, protocol.WebRTCHangup{
		Type: "webrtc_hangup", SessionID: "sess-1", FromSID: "sid_agent_a", TargetSID: "sid_customer",
	})
	if !peer.isClosed() {
		t.Fatal("media not released on hangup")
	}
}

func TestHangupDuringHumanCallEndsLocally(t *testing.T) {
	var summaries []Summary
	f := newFixture(t, Callbacks{OnEnded: func(s Summary) { summaries = append(summaries, s) }})
	f.reachTransferring(t)
	f.tr.fire(t, protocol.AgentReadyForCall{
		Type: "agent_ready_for_call", SessionID: "sess-1", AgentSID: "sid_agent_a",
	})
	f.tr.fire(t, protocol.WebRTCAnswer{
		Type: "webrtc_answer", SessionID: "sess-1",
		Answer: json.RawMessage(`{"type":"answer"}`), FromSID: "sid_agent_a", TargetSID: "sid_customer",
	})
	f.ctl.MediaConnected()
	peer := f.acceptedPeer(t)

	f.tr.fire(t, protocol.WebRTCHangup{
		Type: "webrtc_hangup", SessionID: "sess-1", FromSID: "sid_agent_a", TargetSID: "sid_customer",
	})
	if got := f.ctl.State(); got != StateEnded {
		t.Fatalf("state=%q after hangup in human phase, want ended", got)
	}
	if !peer.isClosed() {
		t.Fatal("media not released on hangup")
	}
	var ended bool
	for _, e := range f.tr.sent() {
		if _, ok := e.(protocol.EndCall); ok {
			ended = true
		}
	}
	if !ended {
		t.Fatal("end_call never emitted after hangup")
	}

	// The gateway's summary still arrives, exactly once.
	f.tr.fire(t, protocol.CallEnded{Type: "call_ended", SessionID: "sess-1", DurationSeconds: 7})
	f.tr.fire(t, protocol.CallEnded{Type: "call_ended", SessionID: "sess-1", DurationSeconds: 7})
	if len(summaries) != 1 || summaries[0].DurationSeconds != 7 {
		t.Fatalf("summaries=%+v, want one with the gateway duration", summaries)
	}
}

func TestAgentDropRevertsToAI(t *testing.T) {
	var notices []string
	f := newFixture(t, Callbacks{OnNotice: func(m string) { notices = append(notices, m) }})
	f.reachTransferring(t)
	f.tr.fire(t, protocol.AgentReadyForCall{
		Type: "agent_ready_for_call", SessionID: "sess-1", AgentSID: "sid_agent_a",
	})
	peer := f.acceptedPeer(t)

	f.tr.fire(t, protocol.TransferCancelled{
		Type: "transfer_cancelled", SessionID: "sess-1", Message: "the agent disconnected",
	})
	if got := f.ctl.State(); got != StateAIActive {
		t.Fatalf("state=%q after agent drop, want ai_active", got)
	}
	if !peer.isClosed() {
		t.Fatal("media not released after agent drop")
	}
	if len(notices) == 0 {
		t.Fatal("drop notice not surfaced")
	}
	if err := f.ctl.Say("ok, back to you"); err != nil {
		t.Fatalf("Say after revert: %v", err)
	}
}

func TestErrorNoticeKeepsTransferAlive(t *testing.T) {
	var notices []string
	f := newFixture(t, Callbacks{OnNotice: func(m string) { notices = append(notices, m) }})
	f.reachTransferring(t)
	f.tr.fire(t, protocol.AgentReadyForCall{
		Type: "agent_ready_for_call", SessionID: "sess-1", AgentSID: "sid_agent_a",
	})
	peer := f.acceptedPeer(t)

	f.tr.fire(t, protocol.ErrorEvent{Type: "error", Message: "malformed frame"})
	if got := f.ctl.State(); got != StateTransferring {
		t.Fatalf("state=%q after notice, want transferring", got)
	}
	if peer.isClosed() {
		t.Fatal("media released on a non-fatal notice")
	}
	if len(notices) != 1 {
		t.Fatalf("notices=%v", notices)
	}

	// The negotiation survives: the agent's answer still lands.
	f.tr.fire(t, protocol.WebRTCAnswer{
		Type: "webrtc_answer", SessionID: "sess-1",
		Answer: json.RawMessage(`{"type":"answer"}`), FromSID: "sid_agent_a", TargetSID: "sid_customer",
	})
	f.ctl.MediaConnected()
	if got := f.ctl.State(); got != StateHumanActive {
		t.Fatalf("state=%q, want human_active", got)
	}
}

func TestSignalLossEndsCall(t *testing.T) {
	f := newFixture(t, Callbacks{})
	f.reachTransferring(t)
	f.tr.fire(t, protocol.AgentReadyForCall{
		Type: "agent_ready_for_call", SessionID: "sess-1", AgentSID: "sid_agent_a",
	})
	peer := f.acceptedPeer(t)

	f.tr.disconnect(nil)
	if got := f.ctl.State(); got != StateEnded {
		t.Fatalf("state=%q after signal loss", got)
	}
	if !peer.isClosed() {
		t.Fatal("media not released on signal loss")
	}
}

func TestSendTranscriptTargetsAgent(t *testing.T) {
	f := newFixture(t, Callbacks{})
	f.reachTransferring(t)
	f.tr.fire(t, protocol.AgentReadyForCall{
		Type: "agent_ready_for_call", SessionID: "sess-1", AgentSID: "sid_agent_a",
	})
	f.tr.fire(t, protocol.WebRTCAnswer{
		Type: "webrtc_answer", SessionID: "sess-1",
		Answer: json.RawMessage(`{"type":"answer"}`), FromSID: "sid_agent_a", TargetSID: "sid_customer",
	})
	f.ctl.MediaConnected()

	if err := f.ctl.SendTranscript("can you help with my order"); err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, e := range f.tr.sent() {
		if line, ok := e.(protocol.CallTranscript); ok {
			found = true
			if line.TargetSID != "sid_agent_a" || line.Speaker != protocol.SpeakerCustomer {
				t.Fatalf("call_transcript=%+v", line)
			}
		}
	}
	if !found {
		t.Fatal("call_transcript never emitted")
	}
}
