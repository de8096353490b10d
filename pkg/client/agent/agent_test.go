package agent

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

func (f *fakeTransport) SID() string { return "sid_agent" }

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
	offer      json.RawMessage
	candidates []string
	closed     bool
}

func (m *fakeMedia) Answer(ctx context.Context, offer json.RawMessage) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offer = offer
	return json.RawMessage(`{"type":"answer","sdp":"v=0"}`), nil
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
	con   *Console
	peers []*fakeMedia
	mu    sync.Mutex
}

func newFixture(t *testing.T, cb Callbacks) *fixture {
	t.Helper()
	f := &fixture{tr: newFakeTransport()}
	con, err := New(Config{
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
	f.con = con
	return f
}

var ring = Incoming{
	SessionID:   "sess-1",
	RoomName:    "room-1",
	Reason:      protocol.ReasonCustomerRequest,
	CustomerSID: "sid_customer",
}

// joinCall wins the race and answers the customer's offer.
func (f *fixture) joinCall(t *testing.T) *fakeMedia {
	t.Helper()
	if err := f.con.Accept(ring); err != nil {
		t.Fatal(err)
	}
	f.tr.fire(t, protocol.AgentCallJoined{
		Type: "agent_call_joined", SessionID: "sess-1", RoomName: "room-1", CustomerSID: "sid_customer",
	})
	f.tr.fire(t, protocol.WebRTCOffer{
		Type: "webrtc_offer", SessionID: "sess-1",
		Offer: json.RawMessage(`{"type":"offer"}`), FromSID: "sid_customer", TargetSID: "sid_agent",
	})
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) != 1 {
		t.Fatalf("peers=%d, want 1", len(f.peers))
	}
	return f.peers[0]
}

func TestRegister(t *testing.T) {
	var registered string
	f := newFixture(t, Callbacks{OnRegistered: func(id string) { registered = id }})

	if err := f.con.Register("agent-7"); err != nil {
		t.Fatal(err)
	}
	f.tr.fire(t, protocol.AgentRegistered{Type: "agent_registered", AgentID: "agent-7", Status: "available"})
	if registered != "agent-7" {
		t.Fatalf("registered=%q", registered)
	}
}

func TestIncomingCallSurfaced(t *testing.T) {
	var got Incoming
	f := newFixture(t, Callbacks{OnIncoming: func(call Incoming) { got = call }})

	f.tr.fire(t, protocol.AgentIncomingCall{
		Type: "agent_incoming_call", SessionID: "sess-1", RoomName: "room-1",
		Reason: protocol.ReasonEscalation, CustomerSID: "sid_customer",
	})
	if got.SessionID != "sess-1" || got.RoomName != "room-1" || got.CustomerSID != "sid_customer" {
		t.Fatalf("incoming=%+v", got)
	}
}

func TestAcceptAndAnswerOffer(t *testing.T) {
	var joined string
	f := newFixture(t, Callbacks{OnJoined: func(id string) { joined = id }})
	f.joinCall(t)

	if joined != "sess-1" {
		t.Fatalf("joined=%q", joined)
	}
	var answers []protocol.WebRTCAnswer
	for _, e := range f.tr.sent() {
		if a, ok := e.(protocol.WebRTCAnswer); ok {
			answers = append(answers, a)
		}
	}
	if len(answers) != 1 {
		t.Fatalf("answers=%d, want 1", len(answers))
	}
	if answers[0].TargetSID != "sid_customer" || answers[0].SessionID != "sess-1" {
		t.Fatalf("answer=%+v", answers[0])
	}
}

func TestAcceptWhileOnCall(t *testing.T) {
	f := newFixture(t, Callbacks{})
	f.joinCall(t)

	other := ring
	other.SessionID = "sess-2"
	if err := f.con.Accept(other); err != ErrOnCall {
		t.Fatalf("err=%v, want ErrOnCall", err)
	}
}

func TestICEBufferedUntilAnswered(t *testing.T) {
	f := newFixture(t, Callbacks{})

	if err := f.con.Accept(ring); err != nil {
		t.Fatal(err)
	}
	f.tr.fire(t, protocol.AgentCallJoined{
		Type: "agent_call_joined", SessionID: "sess-1", CustomerSID: "sid_customer",
	})

	// Candidates racing ahead of the offer must wait for the answer.
	for _, c := range []string{`{"c":1}`, `{"c":2}`} {
		f.tr.fire(t, protocol.WebRTCICECandidate{
			Type: "webrtc_ice_candidate", SessionID: "sess-1",
			Candidate: json.RawMessage(c), FromSID: "sid_customer", TargetSID: "sid_agent",
		})
	}

	f.tr.fire(t, protocol.WebRTCOffer{
		Type: "webrtc_offer", SessionID: "sess-1",
		Offer: json.RawMessage(`{"type":"offer"}`), FromSID: "sid_customer", TargetSID: "sid_agent",
	})

	f.mu.Lock()
	peer := f.peers[0]
	f.mu.Unlock()

	want := []string{`{"c":1}`, `{"c":2}`}
	applied := peer.applied()
	if len(applied) != len(want) {
		t.Fatalf("applied=%v, want %v", applied, want)
	}
	for i := range want {
		if applied[i] != want[i] {
			t.Fatalf("candidate %d out of order: %v", i, applied)
		}
	}

	f.tr.fire(t, protocol.WebRTCICECandidate{
		Type: "webrtc_ice_candidate", SessionID: "sess-1",
		Candidate: json.RawMessage(`{"c":3}`), FromSID: "sid_customer", TargetSID: "sid_agent",
	})
	if applied := peer.applied(); len(applied) != 3 || applied[2] != `{"c":3}` {
		t.Fatalf("applied after answer=%v", applied)
	}
}

func TestLostRaceSurfacesNotice(t *testing.T) {
	var notices []string
	f := newFixture(t, Callbacks{OnNotice: func(m string) { notices = append(notices, m) }})

	if err := f.con.Accept(ring); err != nil {
		t.Fatal(err)
	}
	f.tr.fire(t, protocol.ErrorEvent{Type: "error", Message: "call already taken"})

	if len(notices) != 1 || notices[0] != "call already taken" {
		t.Fatalf("notices=%v", notices)
	}
	if f.con.OnCall() {
		t.Fatal("console stuck on a call it lost")
	}
	// Losing a race must not block the next call.
	next := ring
	next.SessionID = "sess-2"
	if err := f.con.Accept(next); err != nil {
		t.Fatal(err)
	}
}

func TestTranscriptRelay(t *testing.T) {
	var lines []string
	f := newFixture(t, Callbacks{OnTranscript: func(speaker, text, ts string) {
		lines = append(lines, speaker+": "+text)
	}})
	f.joinCall(t)

	f.tr.fire(t, protocol.CallTranscript{
		Type: "call_transcript", SessionID: "sess-1",
		Speaker: protocol.SpeakerCustomer, Text: "hello?", Timestamp: "2026-08-30T12:00:00Z",
	})
	if len(lines) != 1 || lines[0] != "customer: hello?" {
		t.Fatalf("lines=%v", lines)
	}

	if err := f.con.SendTranscript("how can I help"); err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, e := range f.tr.sent() {
		if line, ok := e.(protocol.CallTranscript); ok {
			found = true
			if line.TargetSID != "sid_customer" || line.Speaker != protocol.SpeakerAgent {
				t.Fatalf("call_transcript=%+v", line)
			}
		}
	}
	if !found {
		t.Fatal("call_transcript never emitted")
	}
}

func TestHangupReleasesAndNotifies(t *testing.T) {
	f := newFixture(t, Callbacks{})
	peer := f.joinCall(t)

	if err := f.con.Hangup(); err != nil {
		t.Fatal(err)
	}
	if !peer.isClosed() {
		t.Fatal("media not released on hangup")
	}
	var sawHangup, sawEnded bool
	for _, e := range f.tr.sent() {
		switch e.(type) {
		case protocol.WebRTCHangup:
			sawHangup = true
		case protocol.AgentEndedCall:
			sawEnded = true
		}
	}
	if !sawHangup || !sawEnded {
		t.Fatalf("hangup=%v ended=%v, want both", sawHangup, sawEnded)
	}
	if f.con.OnCall() {
		t.Fatal("console still on call after hangup")
	}
}

func TestServerEndReleasesMedia(t *testing.T) {
	var endedSession string
	f := newFixture(t, Callbacks{OnCallEnded: func(id, msg string) { endedSession = id }})
	peer := f.joinCall(t)

	f.tr.fire(t, protocol.AgentCallEnded{
		Type: "agent_call_ended", SessionID: "sess-1", Message: "the caller hung up",
	})
	if !peer.isClosed() {
		t.Fatal("media not released on agent_call_ended")
	}
	if endedSession != "sess-1" {
		t.Fatalf("ended session=%q", endedSession)
	}
	if f.con.OnCall() {
		t.Fatal("console still on call")
	}
}

func TestSignalLossTearsDown(t *testing.T) {
	f := newFixture(t, Callbacks{})
	peer := f.joinCall(t)

	f.tr.disconnect(nil)
	if !peer.isClosed() {
		t.Fatal("media not released on signal loss")
	}
	if f.con.OnCall() {
		t.Fatal("console still on call")
	}
}
