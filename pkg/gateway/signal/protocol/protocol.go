package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Participant roles on the signaling channel.
const (
	RoleCustomer = "customer"
	RoleAgent    = "agent"
)

// Transfer reasons carried by transfer_call and agent_transfer_room.
const (
	ReasonCustomerRequest = "customer_request"
	ReasonEscalation      = "escalation"
)

// Speaker tags for transcript entries.
const (
	SpeakerAgent    = "agent"
	SpeakerCustomer = "customer"
	SpeakerSystem   = "system"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// StartCall begins a new session. Customer only.
type StartCall struct {
	Type  string `json:"type"`
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// UserMessage carries a final speech-recognition result from the customer.
// Interim recognition results never reach the wire.
type UserMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// EndCall terminates a session. Idempotent on the server side.
type EndCall struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// AgentRegister announces a human agent console on the channel.
type AgentRegister struct {
	Type    string `json:"type"`
	AgentID string `json:"agent_id,omitempty"`
}

// AgentTransferRoom is emitted by the customer after a transfer_call: it
// requests agent dispatch for the freshly generated room.
type AgentTransferRoom struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	RoomName  string `json:"room_name"`
	Reason    string `json:"reason,omitempty"`
}

// AgentJoinedCall is an agent accepting a broadcast incoming call.
type AgentJoinedCall struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id"`
	RoomName    string `json:"room_name,omitempty"`
	CustomerSID string `json:"customer_sid"`
}

// AgentEndedCall releases the agent back to the available pool.
type AgentEndedCall struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// WebRTCOffer carries an opaque session description toward target_sid.
type WebRTCOffer struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Offer     json.RawMessage `json:"offer"`
	TargetSID string          `json:"target_sid"`
	FromSID   string          `json:"from_sid,omitempty"`
}

type WebRTCAnswer struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Answer    json.RawMessage `json:"answer"`
	TargetSID string          `json:"target_sid"`
	FromSID   string          `json:"from_sid,omitempty"`
}

type WebRTCICECandidate struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Candidate json.RawMessage `json:"candidate"`
	TargetSID string          `json:"target_sid"`
	FromSID   string          `json:"from_sid,omitempty"`
}

type WebRTCHangup struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	TargetSID string `json:"target_sid"`
	FromSID   string `json:"from_sid,omitempty"`
}

// CallTranscript relays one human-phase transcript entry to the other peer.
// The server stamps Timestamp on forward.
type CallTranscript struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Speaker   string `json:"speaker"`
	Text      string `json:"text"`
	TargetSID string `json:"target_sid,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// DecodeClientEvent decodes one inbound frame into its typed event. The
// returned error is always a *DecodeError; a malformed frame must only fail
// the frame, never the participant loop.
func DecodeClientEvent(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "start_call":
		var msg StartCall
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid start_call", "")
		}
		return msg, nil
	case "user_message":
		var msg UserMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid user_message", "")
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, badRequest("user_message.text is required", "text")
		}
		return msg, nil
	case "end_call":
		var msg EndCall
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid end_call", "")
		}
		return msg, nil
	case "agent_register":
		var msg AgentRegister
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid agent_register", "")
		}
		return msg, nil
	case "agent_transfer_room":
		var msg AgentTransferRoom
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid agent_transfer_room", "")
		}
		if strings.TrimSpace(msg.SessionID) == "" {
			return nil, badRequest("agent_transfer_room.session_id is required", "session_id")
		}
		if strings.TrimSpace(msg.RoomName) == "" {
			return nil, badRequest("agent_transfer_room.room_name is required", "room_name")
		}
		switch strings.TrimSpace(msg.Reason) {
		case "", ReasonCustomerRequest, ReasonEscalation:
		default:
			return nil, unsupported("unsupported transfer reason", "reason")
		}
		return msg, nil
	case "agent_joined_call":
		var msg AgentJoinedCall
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid agent_joined_call", "")
		}
		if strings.TrimSpace(msg.SessionID) == "" {
			return nil, badRequest("agent_joined_call.session_id is required", "session_id")
		}
		return msg, nil
	case "agent_ended_call":
		var msg AgentEndedCall
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid agent_ended_call", "")
		}
		return msg, nil
	case "webrtc_offer":
		var msg WebRTCOffer
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid webrtc_offer", "")
		}
		if err := requireRelayFields(msg.SessionID, msg.TargetSID); err != nil {
			return nil, err
		}
		if len(msg.Offer) == 0 {
			return nil, badRequest("webrtc_offer.offer is required", "offer")
		}
		return msg, nil
	case "webrtc_answer":
		var msg WebRTCAnswer
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid webrtc_answer", "")
		}
		if err := requireRelayFields(msg.SessionID, msg.TargetSID); err != nil {
			return nil, err
		}
		if len(msg.Answer) == 0 {
			return nil, badRequest("webrtc_answer.answer is required", "answer")
		}
		return msg, nil
	case "webrtc_ice_candidate":
		var msg WebRTCICECandidate
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid webrtc_ice_candidate", "")
		}
		if err := requireRelayFields(msg.SessionID, msg.TargetSID); err != nil {
			return nil, err
		}
		if len(msg.Candidate) == 0 {
			return nil, badRequest("webrtc_ice_candidate.candidate is required", "candidate")
		}
		return msg, nil
	case "webrtc_hangup":
		var msg WebRTCHangup
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid webrtc_hangup", "")
		}
		if err := requireRelayFields(msg.SessionID, msg.TargetSID); err != nil {
			return nil, err
		}
		return msg, nil
	case "call_transcript":
		var msg CallTranscript
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid call_transcript", "")
		}
		if strings.TrimSpace(msg.SessionID) == "" {
			return nil, badRequest("call_transcript.session_id is required", "session_id")
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, badRequest("call_transcript.text is required", "text")
		}
		switch strings.TrimSpace(msg.Speaker) {
		case SpeakerAgent, SpeakerCustomer, SpeakerSystem:
		default:
			return nil, unsupported("unsupported transcript speaker", "speaker")
		}
		return msg, nil
	default:
		return nil, badRequest("unsupported event type", "type")
	}
}

func requireRelayFields(sessionID, targetSID string) *DecodeError {
	if strings.TrimSpace(sessionID) == "" {
		return badRequest("session_id is required", "session_id")
	}
	if strings.TrimSpace(targetSID) == "" {
		return badRequest("target_sid is required", "target_sid")
	}
	return nil
}

// Connected acknowledges a fresh channel.
type Connected struct {
	Type    string `json:"type"`
	SID     string `json:"sid"`
	Message string `json:"message,omitempty"`
}

// CallStarted confirms session creation and carries the opening greeting.
type CallStarted struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Greeting  string `json:"greeting"`
}

// AgentResponse is the AI reply as text.
type AgentResponse struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp,omitempty"`
}

// AudioResponse is the AI reply as synthesized speech.
type AudioResponse struct {
	Type     string `json:"type"`
	AudioB64 string `json:"audio"`
	Format   string `json:"format"`
}

// TransferCall tells the customer to begin the handoff handshake.
type TransferCall struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
	Message   string `json:"message,omitempty"`
}

type AgentRegistered struct {
	Type    string `json:"type"`
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// AgentIncomingCall is broadcast to every available agent; the first
// agent_joined_call in response wins the call.
type AgentIncomingCall struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id"`
	RoomName    string `json:"room_name"`
	Reason      string `json:"reason"`
	CustomerSID string `json:"customer_sid"`
	Timestamp   string `json:"timestamp,omitempty"`
}

// AgentReadyForCall tells the customer which agent accepted.
type AgentReadyForCall struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	AgentSID  string `json:"agent_sid"`
	AgentID   string `json:"agent_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

type AgentCallJoined struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id"`
	RoomName    string `json:"room_name,omitempty"`
	CustomerSID string `json:"customer_sid"`
	Message     string `json:"message,omitempty"`
}

type AgentCallEnded struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Message   string `json:"message,omitempty"`
}

type NoAgentsAvailable struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// TransferCancelled tells the customer the handoff fell through and the AI
// has the call again.
type TransferCancelled struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Message   string `json:"message,omitempty"`
}

// Evaluation is the optional score summary attached to call_ended.
type Evaluation struct {
	Score int    `json:"score"`
	Grade string `json:"grade"`
}

type CallEnded struct {
	Type            string      `json:"type"`
	SessionID       string      `json:"session_id"`
	DurationSeconds int         `json:"duration_seconds"`
	Transcript      string      `json:"transcript,omitempty"`
	Evaluation      *Evaluation `json:"evaluation,omitempty"`
}

// ErrorEvent is a non-fatal notice; the session survives it.
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
