// Package server assembles the gateway's HTTP surface: health, metrics,
// operational status, and the signaling websocket.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/voicedesk/voicedesk/pkg/core/voice"
	"github.com/voicedesk/voicedesk/pkg/core/voice/providers/gemini"
	"github.com/voicedesk/voicedesk/pkg/core/voice/providers/groq"
	"github.com/voicedesk/voicedesk/pkg/core/voice/tts"
	"github.com/voicedesk/voicedesk/pkg/gateway/config"
	"github.com/voicedesk/voicedesk/pkg/gateway/handlers"
	"github.com/voicedesk/voicedesk/pkg/gateway/metrics"
	"github.com/voicedesk/voicedesk/pkg/gateway/mw"
	"github.com/voicedesk/voicedesk/pkg/gateway/signal/agents"
	"github.com/voicedesk/voicedesk/pkg/gateway/signal/conns"
	"github.com/voicedesk/voicedesk/pkg/gateway/signal/hub"
	"github.com/voicedesk/voicedesk/pkg/gateway/signal/protocol"
	"github.com/voicedesk/voicedesk/pkg/gateway/signal/session"
	"github.com/voicedesk/voicedesk/pkg/storage/transcripts"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	hub      *hub.Hub
	agents   *agents.Registry
	sessions *session.Manager
	conns    *conns.Tracker
	metrics  *metrics.Metrics
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	providers := buildProviders(ctx, cfg, logger)
	manager := session.NewManager(session.ManagerConfig{
		AgentFactory: func() *voice.Agent {
			return voice.NewAgent(voice.Config{
				AgentName: cfg.AgentName,
				Providers: providers,
				Logger:    logger,
			})
		},
		Logger: logger,
	})

	synth, err := buildSynthesizer(cfg)
	if err != nil {
		return nil, err
	}
	store, err := buildTranscriptStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		mux:      http.NewServeMux(),
		hub:      hub.New(logger),
		agents:   agents.NewRegistry(),
		sessions: manager,
		conns:    conns.NewTracker(),
		metrics:  metrics.New(),
	}
	s.routes(synth, store)
	return s, nil
}

func buildProviders(ctx context.Context, cfg config.Config, logger *slog.Logger) []voice.Provider {
	var providers []voice.Provider
	if cfg.GeminiAPIKey != "" {
		p, err := gemini.New(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			logger.Warn("gemini provider unavailable", "error", err)
		} else {
			providers = append(providers, p)
		}
	}
	if cfg.GroqAPIKey != "" {
		p, err := groq.New(cfg.GroqAPIKey, "", cfg.GroqModel)
		if err != nil {
			logger.Warn("groq provider unavailable", "error", err)
		} else {
			providers = append(providers, p)
		}
	}
	return providers
}

func buildSynthesizer(cfg config.Config) (tts.Synthesizer, error) {
	if cfg.TTSEndpoint == "" {
		return nil, nil
	}
	return tts.NewHTTPSynthesizer(tts.Config{
		Endpoint: cfg.TTSEndpoint,
		APIKey:   cfg.TTSAPIKey,
		Voice:    cfg.TTSVoice,
		Format:   cfg.TTSFormat,
	})
}

func buildTranscriptStore(ctx context.Context, cfg config.Config) (transcripts.Store, error) {
	switch {
	case cfg.TranscriptBucket != "":
		return transcripts.NewS3Store(ctx, cfg.TranscriptBucket, cfg.TranscriptPrefix)
	case cfg.TranscriptDir != "":
		return transcripts.NewDirStore(cfg.TranscriptDir)
	default:
		return nil, nil
	}
}

func (s *Server) routes(synth tts.Synthesizer, store transcripts.Store) {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg})
	s.mux.Handle("/metrics", s.metrics.Handler())

	s.mux.Handle("/ws", &handlers.SignalHandler{
		Config:      s.cfg,
		Logger:      s.logger,
		Hub:         s.hub,
		Agents:      s.agents,
		Sessions:    s.sessions,
		Conns:       s.conns,
		Metrics:     s.metrics,
		TTS:         synth,
		Transcripts: store,
	})

	s.mux.Handle("/api/voice/status", handlers.StatusHandler{Sessions: s.sessions, Agents: s.agents})
	s.mux.Handle("/api/voice/agents", handlers.AgentsHandler{Agents: s.agents})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// Drain warns every live signaling connection, closes them, and waits for
// them to unwind, bounded by ctx.
func (s *Server) Drain(ctx context.Context) bool {
	s.conns.NotifyAll(protocol.ErrorEvent{Type: "error", Message: "the server is shutting down"})
	s.conns.CloseAll()
	return s.conns.Wait(ctx)
}
