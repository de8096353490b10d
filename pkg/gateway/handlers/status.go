package handlers

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/voicedesk/voicedesk/pkg/gateway/signal/agents"
	"github.com/voicedesk/voicedesk/pkg/gateway/signal/session"
)

// StatusHandler serves GET /api/voice/status: a small operational snapshot.
type StatusHandler struct {
	Sessions *session.Manager
	Agents   *agents.Registry
}

func (h StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	registered, available := h.Agents.Count()
	resp := struct {
		ActiveSessions   int `json:"active_sessions"`
		AgentsRegistered int `json:"agents_registered"`
		AgentsAvailable  int `json:"agents_available"`
	}{
		ActiveSessions:   h.Sessions.Active(),
		AgentsRegistered: registered,
		AgentsAvailable:  available,
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(resp)
}

// AgentsHandler serves GET /api/voice/agents: the registered agent pool.
type AgentsHandler struct {
	Agents *agents.Registry
}

func (h AgentsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	type agentView struct {
		SID       string `json:"sid"`
		AgentID   string `json:"agent_id"`
		Status    string `json:"status"`
		SessionID string `json:"session_id,omitempty"`
	}

	snapshot := h.Agents.Snapshot()
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].SID < snapshot[j].SID })

	views := make([]agentView, 0, len(snapshot))
	for _, a := range snapshot {
		views = append(views, agentView{
			SID:       a.SID,
			AgentID:   a.AgentID,
			Status:    string(a.Status),
			SessionID: a.SessionID,
		})
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(struct {
		Agents []agentView `json:"agents"`
	}{Agents: views})
}
