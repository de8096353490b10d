package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/voicedesk/voicedesk/pkg/gateway/config"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config config.Config
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK             bool     `json:"ok"`
		TTSEnabled     bool     `json:"tts_enabled"`
		ArchiveEnabled bool     `json:"archive_enabled"`
		Issues         []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	if h.Config.WSPingInterval <= 0 {
		issues = append(issues, "ws ping interval must be > 0")
	}
	if h.Config.WSWriteTimeout <= 0 {
		issues = append(issues, "ws write timeout must be > 0")
	}
	if h.Config.WSMaxMessageBytes <= 0 {
		issues = append(issues, "ws max message bytes must be > 0")
	}
	if h.Config.NoAgentNoticeDelay <= 0 {
		issues = append(issues, "no-agent notice delay must be > 0")
	}
	if h.Config.ReadHeaderTimeout <= 0 || h.Config.ReadTimeout <= 0 {
		issues = append(issues, "timeouts must be > 0")
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:             ok,
		TTSEnabled:     h.Config.TTSEndpoint != "",
		ArchiveEnabled: h.Config.TranscriptBucket != "" || h.Config.TranscriptDir != "",
		Issues:         issues,
	})
}
