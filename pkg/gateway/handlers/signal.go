package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicedesk/voicedesk/pkg/core/voice/tts"
	"github.com/voicedesk/voicedesk/pkg/gateway/config"
	"github.com/voicedesk/voicedesk/pkg/gateway/metrics"
	"github.com/voicedesk/voicedesk/pkg/gateway/signal/agents"
	"github.com/voicedesk/voicedesk/pkg/gateway/signal/conns"
	"github.com/voicedesk/voicedesk/pkg/gateway/signal/hub"
	"github.com/voicedesk/voicedesk/pkg/gateway/signal/protocol"
	"github.com/voicedesk/voicedesk/pkg/gateway/signal/session"
	"github.com/voicedesk/voicedesk/pkg/storage/transcripts"
)

// SignalHandler serves /ws: one websocket per participant, customer or
// agent, carrying the whole signaling vocabulary.
type SignalHandler struct {
	Config      config.Config
	Logger      *slog.Logger
	Hub         *hub.Hub
	Agents      *agents.Registry
	Sessions    *session.Manager
	Conns       *conns.Tracker
	Metrics     *metrics.Metrics
	TTS         tts.Synthesizer   // optional
	Transcripts transcripts.Store // optional

	// speakQ serializes speech synthesis per connection.
	speakMu sync.Mutex
	speakQ  map[string]chan string
}

// connState is what the read loop knows about its participant. Role is
// settled by the first start_call or agent_register.
type connState struct {
	sid  string
	role string
}

func (h *SignalHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.originAllowed(r) {
		http.Error(w, "origin is not allowed", http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if h.Config.WSMaxMessageBytes > 0 {
		conn.SetReadLimit(h.Config.WSMaxMessageBytes)
	}

	sid := "sid_" + randHex(8)
	client := newWSClient(sid, conn, h.Config.WSOutboundQueue,
		h.Config.WSPingInterval, h.Config.WSWriteTimeout, h.Logger)
	go client.run()

	h.Hub.Attach(sid, client)
	unregister := func() {}
	if h.Conns != nil {
		unregister = h.Conns.Register(sid, conns.Handle{
			Notify: client.Send,
			Close:  client.Close,
		})
	}

	st := &connState{sid: sid}
	client.Send(protocol.Connected{Type: "connected", SID: sid})
	h.logger().Info("participant connected", "sid", sid)

	h.readLoop(conn, st)

	h.Hub.Detach(sid)
	client.Close()
	unregister()
	h.dropSpeakQueue(sid)
	h.handleDisconnect(st)
	h.logger().Info("participant disconnected", "sid", sid, "role", st.role)
}

func (h *SignalHandler) readLoop(conn *websocket.Conn, st *connState) {
	for {
		if h.Config.WSReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(h.Config.WSReadTimeout))
		}
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}

		event, err := protocol.DecodeClientEvent(frame)
		if err != nil {
			// A malformed frame fails only itself, never the connection.
			h.Hub.Send(st.sid, protocol.ErrorEvent{Type: "error", Message: err.Error()})
			continue
		}
		h.dispatch(st, event)
	}
}

// handleDisconnect winds down whatever the departing participant was part of.
func (h *SignalHandler) handleDisconnect(st *connState) {
	switch st.role {
	case protocol.RoleCustomer:
		h.Metrics.ConnectionsOpen.WithLabelValues(protocol.RoleCustomer).Dec()
		if s, ok := h.Sessions.ByCustomer(st.sid); ok {
			h.endSession(s.ID, session.EndDisconnect, st.sid)
		}
	case protocol.RoleAgent:
		h.Metrics.ConnectionsOpen.WithLabelValues(protocol.RoleAgent).Dec()
		sessionID, ok := h.Agents.Deregister(st.sid)
		h.syncAgentGauges()
		if !ok || sessionID == "" {
			return
		}
		s, ok := h.Sessions.Get(sessionID)
		if !ok {
			return
		}
		switch s.State() {
		case session.StateHumanActive:
			h.endSession(sessionID, session.EndDisconnect, st.sid)
		case session.StateTransferring:
			if tr, ok := s.TransferSnapshot(); ok && tr.AgentSID == st.sid {
				// The accepted agent dropped before the handoff finished;
				// hand the call back to the AI.
				_ = s.CancelTransfer()
				h.Hub.Send(s.CustomerSID, protocol.TransferCancelled{
					Type:      "transfer_cancelled",
					SessionID: s.ID,
					Message:   "the agent disconnected, you are back with the assistant",
				})
			}
		}
	}
}

func (h *SignalHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(h.Config.CORSAllowedOrigins) == 0 {
		return false
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

func (h *SignalHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *SignalHandler) syncAgentGauges() {
	registered, available := h.Agents.Count()
	h.Metrics.AgentsRegistered.Set(float64(registered))
	h.Metrics.AgentsAvailable.Set(float64(available))
}

func randHex(nbytes int) string {
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
