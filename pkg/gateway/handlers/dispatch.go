package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"github.com/voicedesk/voicedesk/pkg/core/voice"
	"github.com/voicedesk/voicedesk/pkg/eval"
	"github.com/voicedesk/voicedesk/pkg/gateway/signal/protocol"
	"github.com/voicedesk/voicedesk/pkg/gateway/signal/session"
	"github.com/voicedesk/voicedesk/pkg/storage/transcripts"
)

const (
	processTimeout = 30 * time.Second
	speakTimeout   = 15 * time.Second
	archiveTimeout = 10 * time.Second
	speakQueueSize = 16
)

func (h *SignalHandler) dispatch(st *connState, event any) {
	switch msg := event.(type) {
	case protocol.StartCall:
		h.onStartCall(st, msg)
	case protocol.UserMessage:
		h.onUserMessage(st, msg)
	case protocol.EndCall:
		h.onEndCall(st, msg)
	case protocol.AgentRegister:
		h.onAgentRegister(st, msg)
	case protocol.AgentTransferRoom:
		h.onTransferRoom(st, msg)
	case protocol.AgentJoinedCall:
		h.onAgentJoined(st, msg)
	case protocol.AgentEndedCall:
		h.onAgentEnded(st, msg)
	case protocol.WebRTCOffer:
		msg.FromSID = st.sid
		h.relay(st, msg.SessionID, msg.TargetSID, "webrtc_offer", msg)
	case protocol.WebRTCAnswer:
		msg.FromSID = st.sid
		if h.relay(st, msg.SessionID, msg.TargetSID, "webrtc_answer", msg) {
			h.onAnswerRelayed(st, msg.SessionID)
		}
	case protocol.WebRTCICECandidate:
		msg.FromSID = st.sid
		h.relay(st, msg.SessionID, msg.TargetSID, "webrtc_ice_candidate", msg)
	case protocol.WebRTCHangup:
		msg.FromSID = st.sid
		h.relay(st, msg.SessionID, msg.TargetSID, "webrtc_hangup", msg)
	case protocol.CallTranscript:
		h.onCallTranscript(st, msg)
	default:
		h.sendError(st.sid, "unsupported event")
	}
}

func (h *SignalHandler) onStartCall(st *connState, msg protocol.StartCall) {
	if st.role == protocol.RoleAgent {
		h.sendError(st.sid, "agents cannot start calls")
		return
	}
	if st.role == "" {
		st.role = protocol.RoleCustomer
		h.Metrics.ConnectionsOpen.WithLabelValues(protocol.RoleCustomer).Inc()
	}

	// A restart replaces the customer's live session; the old one winds
	// down through the same path as an explicit hangup, so an accepted
	// agent is released and the transcript archived.
	if old, ok := h.Sessions.ByCustomer(st.sid); ok {
		h.endSession(old.ID, session.EndCustomerHangup, st.sid)
	}

	s, greeting := h.Sessions.Create(st.sid, msg.Name, msg.Phone)
	h.Metrics.SessionsStarted.Inc()
	h.Metrics.SessionsActive.Set(float64(h.Sessions.Active()))

	h.Hub.Send(st.sid, protocol.CallStarted{
		Type:      "call_started",
		SessionID: s.ID,
		Greeting:  greeting,
	})
	h.speak(st.sid, greeting)
}

func (h *SignalHandler) onUserMessage(st *connState, msg protocol.UserMessage) {
	s, ok := h.Sessions.ByCustomer(st.sid)
	if !ok {
		h.sendError(st.sid, "no active call")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
	defer cancel()
	reply, err := h.Sessions.Process(ctx, s.ID, msg.Text)
	if err != nil {
		if errors.Is(err, session.ErrNotAIActive) {
			h.sendError(st.sid, "the assistant is not on this call right now")
		} else {
			h.sendError(st.sid, "no active call")
		}
		return
	}

	h.Hub.Send(st.sid, protocol.AgentResponse{
		Type:      "agent_response",
		Text:      reply.Text,
		Timestamp: nowStamp(),
	})
	h.speak(st.sid, reply.Text)

	if !reply.Transfer {
		return
	}
	if err := s.BeginTransfer("", reply.Reason); err != nil {
		h.logger().Warn("transfer decision ignored", "session_id", s.ID, "error", err)
		return
	}
	h.Hub.Send(st.sid, protocol.TransferCall{
		Type:      "transfer_call",
		SessionID: s.ID,
		Reason:    reply.Reason,
		Message:   "Connecting you with a support specialist.",
	})
}

func (h *SignalHandler) onEndCall(st *connState, msg protocol.EndCall) {
	sessionID := msg.SessionID
	if sessionID == "" && st.role == protocol.RoleCustomer {
		if s, ok := h.Sessions.ByCustomer(st.sid); ok {
			sessionID = s.ID
		}
	}
	s, ok := h.Sessions.Get(sessionID)
	if !ok {
		// end_call is idempotent; an unknown or already-removed session is
		// not an error worth surfacing.
		return
	}

	reason := session.EndCustomerHangup
	if st.role == protocol.RoleAgent {
		reason = session.EndAgentHangup
	}
	if st.sid != s.CustomerSID && st.sid != s.AgentSID() {
		h.sendError(st.sid, "not a participant of this call")
		return
	}
	h.endSession(sessionID, reason, st.sid)
}

func (h *SignalHandler) onAgentRegister(st *connState, msg protocol.AgentRegister) {
	if st.role == protocol.RoleCustomer {
		h.sendError(st.sid, "customers cannot register as agents")
		return
	}
	if st.role == "" {
		st.role = protocol.RoleAgent
		h.Metrics.ConnectionsOpen.WithLabelValues(protocol.RoleAgent).Inc()
	}

	a := h.Agents.Register(st.sid, msg.AgentID)
	h.syncAgentGauges()
	h.logger().Info("agent registered", "sid", st.sid, "agent_id", a.AgentID)

	h.Hub.Send(st.sid, protocol.AgentRegistered{
		Type:    "agent_registered",
		AgentID: a.AgentID,
		Status:  string(a.Status),
	})
}

func (h *SignalHandler) onTransferRoom(st *connState, msg protocol.AgentTransferRoom) {
	s, ok := h.Sessions.Get(msg.SessionID)
	if !ok {
		h.sendError(st.sid, "unknown session")
		return
	}
	if s.CustomerSID != st.sid {
		h.sendError(st.sid, "not a participant of this call")
		return
	}
	if err := s.SetTransferRoom(msg.RoomName); err != nil {
		h.sendError(st.sid, "no transfer is in progress for this call")
		return
	}

	reason := msg.Reason
	if tr, ok := s.TransferSnapshot(); ok && tr.Reason != "" {
		reason = tr.Reason
	}

	h.Metrics.TransfersStarted.Inc()
	notice := protocol.AgentIncomingCall{
		Type:        "agent_incoming_call",
		SessionID:   s.ID,
		RoomName:    msg.RoomName,
		Reason:      reason,
		CustomerSID: s.CustomerSID,
		Timestamp:   nowStamp(),
	}
	sent := h.Hub.SendAll(h.Agents.Available(), notice)
	h.logger().Info("transfer dispatched",
		"session_id", s.ID, "room", msg.RoomName, "agents_notified", sent)

	if sent == 0 {
		h.noticeNoAgent(s)
		return
	}
	time.AfterFunc(h.Config.NoAgentNoticeDelay, func() { h.noticeNoAgent(s) })
}

// noticeNoAgent tells the customer nobody answered. Fires at most once per
// waiting window; the transfer stays open for late acceptances.
func (h *SignalHandler) noticeNoAgent(s *session.Session) {
	if !s.MarkNoAgentNotice() {
		return
	}
	h.Metrics.TransfersNoAgent.Inc()
	h.Hub.Send(s.CustomerSID, protocol.NoAgentsAvailable{
		Type:      "no_agents_available",
		SessionID: s.ID,
		Message:   "All of our agents are busy right now. You can keep talking with the assistant.",
	})
}

func (h *SignalHandler) onAgentJoined(st *connState, msg protocol.AgentJoinedCall) {
	if st.role != protocol.RoleAgent {
		h.sendError(st.sid, "register as an agent first")
		return
	}
	s, ok := h.Sessions.Get(msg.SessionID)
	if !ok {
		h.sendError(st.sid, "unknown session")
		return
	}
	if err := h.Agents.Claim(st.sid, s.ID); err != nil {
		h.sendError(st.sid, "you are not available to take this call")
		return
	}
	if !s.AcceptAgent(st.sid) {
		// Lost the race (or the call is gone); put the agent back.
		h.Agents.Release(st.sid)
		h.syncAgentGauges()
		h.sendError(st.sid, "call already taken")
		return
	}
	h.Metrics.TransfersAccepted.Inc()
	h.syncAgentGauges()

	a, _ := h.Agents.Lookup(st.sid)
	tr, _ := s.TransferSnapshot()
	h.logger().Info("transfer accepted",
		"session_id", s.ID, "agent_sid", st.sid, "agent_id", a.AgentID)

	h.Hub.Send(s.CustomerSID, protocol.AgentReadyForCall{
		Type:      "agent_ready_for_call",
		SessionID: s.ID,
		AgentSID:  st.sid,
		AgentID:   a.AgentID,
		Message:   "An agent is ready, connecting you now.",
	})
	h.Hub.Send(st.sid, protocol.AgentCallJoined{
		Type:        "agent_call_joined",
		SessionID:   s.ID,
		RoomName:    tr.RoomName,
		CustomerSID: s.CustomerSID,
	})
}

func (h *SignalHandler) onAgentEnded(st *connState, msg protocol.AgentEndedCall) {
	h.Agents.Release(st.sid)
	h.syncAgentGauges()
	if _, ok := h.Sessions.Get(msg.SessionID); ok {
		h.endSession(msg.SessionID, session.EndAgentHangup, st.sid)
	}
}

// onAnswerRelayed marks the handoff complete once the accepted agent's
// answer goes back to the customer. The media path is peer-to-peer; the
// relayed answer is the closest signal the backend sees.
func (h *SignalHandler) onAnswerRelayed(st *connState, sessionID string) {
	s, ok := h.Sessions.Get(sessionID)
	if !ok {
		return
	}
	tr, ok := s.TransferSnapshot()
	if !ok || tr.AgentSID != st.sid {
		return
	}
	if err := s.MarkHumanActive(); err != nil {
		return
	}
	_ = h.Agents.MarkInCall(st.sid)
	h.syncAgentGauges()
	h.logger().Info("handoff complete", "session_id", sessionID, "agent_sid", st.sid)
}

func (h *SignalHandler) onCallTranscript(st *connState, msg protocol.CallTranscript) {
	s, ok := h.Sessions.Get(msg.SessionID)
	if !ok || s.State() == session.StateEnded {
		h.Metrics.EventsDropped.WithLabelValues("session_ended").Inc()
		return
	}
	if !h.isParticipant(s, st.sid) {
		h.Metrics.EventsDropped.WithLabelValues("not_participant").Inc()
		return
	}

	s.Append(msg.Speaker, msg.Text)

	target := msg.TargetSID
	if target == "" {
		target = h.otherPeer(s, st.sid)
	}
	if target == "" {
		return
	}
	msg.Timestamp = nowStamp()
	h.Metrics.EventsRelayed.WithLabelValues("call_transcript").Inc()
	h.Hub.Send(target, msg)
}

// relay forwards one peer-to-peer frame. Frames for unknown or ended
// sessions, or from non-participants, are dropped.
func (h *SignalHandler) relay(st *connState, sessionID, targetSID, eventType string, frame any) bool {
	s, ok := h.Sessions.Get(sessionID)
	if !ok || s.State() == session.StateEnded {
		h.Metrics.EventsDropped.WithLabelValues("session_ended").Inc()
		return false
	}
	if !h.isParticipant(s, st.sid) {
		h.Metrics.EventsDropped.WithLabelValues("not_participant").Inc()
		return false
	}
	h.Metrics.EventsRelayed.WithLabelValues(eventType).Inc()
	h.Hub.Send(targetSID, frame)
	return true
}

func (h *SignalHandler) isParticipant(s *session.Session, sid string) bool {
	if sid == s.CustomerSID {
		return true
	}
	tr, ok := s.TransferSnapshot()
	return ok && tr.AgentSID == sid
}

func (h *SignalHandler) otherPeer(s *session.Session, sid string) string {
	if sid == s.CustomerSID {
		return s.AgentSID()
	}
	return s.CustomerSID
}

// endSession performs the terminal transition once and fans out the
// call_ended notices. Safe to call repeatedly.
func (h *SignalHandler) endSession(sessionID string, reason session.EndReason, bySID string) {
	s, ok := h.Sessions.Get(sessionID)
	if !ok {
		return
	}
	tr, hadTransfer := s.TransferSnapshot()

	res, performed := h.Sessions.End(sessionID, reason)
	if !performed {
		return
	}
	h.Metrics.SessionsEnded.WithLabelValues(string(reason)).Inc()
	h.Metrics.SessionsActive.Set(float64(h.Sessions.Active()))

	summary := eval.Evaluate(res.Entries)
	ended := protocol.CallEnded{
		Type:            "call_ended",
		SessionID:       sessionID,
		DurationSeconds: res.DurationSeconds,
		Transcript:      res.Transcript,
	}
	if summary != nil {
		ended.Evaluation = &protocol.Evaluation{Score: summary.Score, Grade: summary.Grade}
	}
	h.Hub.Send(s.CustomerSID, ended)

	if hadTransfer && tr.AgentSID != "" {
		h.Agents.Release(tr.AgentSID)
		h.syncAgentGauges()
		h.Hub.Send(tr.AgentSID, protocol.AgentCallEnded{
			Type:      "agent_call_ended",
			SessionID: sessionID,
		})
	}

	if h.Transcripts != nil {
		go h.archive(s, res, summary, reason)
	}
	h.Sessions.Remove(sessionID)
}

func (h *SignalHandler) archive(s *session.Session, res session.EndResult, summary *eval.Summary, reason session.EndReason) {
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()

	rec := transcripts.Record{
		SessionID:       s.ID,
		CallerName:      s.CallerName,
		CallerPhone:     s.CallerPhone,
		StartedAt:       s.CreatedAt,
		DurationSeconds: res.DurationSeconds,
		EndReason:       string(reason),
		Entries:         res.Entries,
	}
	if summary != nil {
		rec.Evaluation = &transcripts.Evaluation{Score: summary.Score, Grade: summary.Grade}
	}
	if err := h.Transcripts.Save(ctx, rec); err != nil {
		h.logger().Warn("transcript archive failed", "session_id", s.ID, "error", err)
	}
}

// speak queues text for synthesis as audio_response frames, one per
// sentence so playback can start before the whole reply is rendered. A
// single worker per connection keeps frames in reply order. Best effort;
// the text reply has already been delivered.
func (h *SignalHandler) speak(sid, text string) {
	if h.TTS == nil || text == "" {
		return
	}
	h.speakMu.Lock()
	defer h.speakMu.Unlock()
	if h.speakQ == nil {
		h.speakQ = make(map[string]chan string)
	}
	q, ok := h.speakQ[sid]
	if !ok {
		q = make(chan string, speakQueueSize)
		h.speakQ[sid] = q
		go h.speakLoop(sid, q)
	}
	select {
	case q <- text:
	default:
		h.logger().Warn("speech queue full, reply dropped", "sid", sid)
	}
}

func (h *SignalHandler) speakLoop(sid string, q chan string) {
	for text := range q {
		for _, sentence := range voice.SplitSentences(text) {
			ctx, cancel := context.WithTimeout(context.Background(), speakTimeout)
			audio, format, err := h.TTS.Synthesize(ctx, sentence)
			cancel()
			if err != nil {
				h.logger().Warn("speech synthesis failed", "sid", sid, "error", err)
				break
			}
			h.Hub.Send(sid, protocol.AudioResponse{
				Type:     "audio_response",
				AudioB64: base64.StdEncoding.EncodeToString(audio),
				Format:   format,
			})
		}
	}
}

// dropSpeakQueue stops the synthesis worker of a departed connection.
func (h *SignalHandler) dropSpeakQueue(sid string) {
	h.speakMu.Lock()
	q, ok := h.speakQ[sid]
	if ok {
		delete(h.speakQ, sid)
	}
	h.speakMu.Unlock()
	if ok {
		close(q)
	}
}

func (h *SignalHandler) sendError(sid, message string) {
	h.Hub.Send(sid, protocol.ErrorEvent{Type: "error", Message: message})
}
