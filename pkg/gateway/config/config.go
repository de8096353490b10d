package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration of the signaling gateway.
// Values come from an optional YAML file overlaid by VOICEDESK_* env vars;
// env wins.
type Config struct {
	Addr string

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Signaling WebSocket (/ws).
	WSPingInterval    time.Duration
	WSWriteTimeout    time.Duration
	WSReadTimeout     time.Duration
	WSMaxMessageBytes int64
	WSOutboundQueue   int

	// How long a transfer may wait before the customer is told no agent
	// answered. The transfer stays open; the notice fires once per window.
	NoAgentNoticeDelay time.Duration

	// Dialogue agent.
	AgentName    string
	GeminiAPIKey string
	GeminiModel  string
	GroqAPIKey   string
	GroqModel    string

	// Speech synthesis. Empty endpoint disables audio_response events.
	TTSEndpoint string
	TTSAPIKey   string
	TTSVoice    string
	TTSFormat   string

	// Transcript archive. Bucket wins over directory; both empty disables
	// archival.
	TranscriptBucket string
	TranscriptPrefix string
	TranscriptDir    string

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration
}

// fileConfig is the YAML shape. Durations are Go duration strings.
type fileConfig struct {
	Addr        string   `yaml:"addr"`
	CORSOrigins []string `yaml:"cors_origins"`

	WS struct {
		PingInterval    string `yaml:"ping_interval"`
		WriteTimeout    string `yaml:"write_timeout"`
		ReadTimeout     string `yaml:"read_timeout"`
		MaxMessageBytes int64  `yaml:"max_message_bytes"`
		OutboundQueue   int    `yaml:"outbound_queue"`
	} `yaml:"ws"`

	Transfer struct {
		NoAgentNoticeDelay string `yaml:"no_agent_notice_delay"`
	} `yaml:"transfer"`

	Agent struct {
		Name        string `yaml:"name"`
		GeminiModel string `yaml:"gemini_model"`
		GroqModel   string `yaml:"groq_model"`
	} `yaml:"agent"`

	TTS struct {
		Endpoint string `yaml:"endpoint"`
		Voice    string `yaml:"voice"`
		Format   string `yaml:"format"`
	} `yaml:"tts"`

	Transcripts struct {
		Bucket string `yaml:"bucket"`
		Prefix string `yaml:"prefix"`
		Dir    string `yaml:"dir"`
	} `yaml:"transcripts"`

	Server struct {
		ReadHeaderTimeout   string `yaml:"read_header_timeout"`
		ReadTimeout         string `yaml:"read_timeout"`
		ShutdownGracePeriod string `yaml:"shutdown_grace_period"`
	} `yaml:"server"`
}

// Load builds the configuration. path may be empty; when set it must name a
// readable YAML file.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFromEnv builds the configuration from VOICEDESK_* env vars only,
// reading the file named by VOICEDESK_CONFIG when present.
func LoadFromEnv() (Config, error) {
	return Load(strings.TrimSpace(os.Getenv("VOICEDESK_CONFIG")))
}

func defaults() Config {
	return Config{
		Addr:                ":8080",
		CORSAllowedOrigins:  make(map[string]struct{}),
		WSPingInterval:      20 * time.Second,
		WSWriteTimeout:      5 * time.Second,
		WSReadTimeout:       0,
		WSMaxMessageBytes:   256 << 10, // SDP plus headroom
		WSOutboundQueue:     64,
		NoAgentNoticeDelay:  15 * time.Second,
		AgentName:           "Priya",
		GeminiModel:         "gemini-2.0-flash",
		GroqModel:           "llama-3.3-70b-versatile",
		TTSFormat:           "mp3",
		TranscriptPrefix:    "transcripts",
		ReadHeaderTimeout:   10 * time.Second,
		ReadTimeout:         30 * time.Second,
		ShutdownGracePeriod: 30 * time.Second,
	}
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	setString(&cfg.Addr, fc.Addr)
	for _, origin := range fc.CORSOrigins {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.CORSAllowedOrigins[origin] = struct{}{}
		}
	}
	if err := setDuration(&cfg.WSPingInterval, fc.WS.PingInterval, path); err != nil {
		return err
	}
	if err := setDuration(&cfg.WSWriteTimeout, fc.WS.WriteTimeout, path); err != nil {
		return err
	}
	if err := setDuration(&cfg.WSReadTimeout, fc.WS.ReadTimeout, path); err != nil {
		return err
	}
	if fc.WS.MaxMessageBytes > 0 {
		cfg.WSMaxMessageBytes = fc.WS.MaxMessageBytes
	}
	if fc.WS.OutboundQueue > 0 {
		cfg.WSOutboundQueue = fc.WS.OutboundQueue
	}
	if err := setDuration(&cfg.NoAgentNoticeDelay, fc.Transfer.NoAgentNoticeDelay, path); err != nil {
		return err
	}
	setString(&cfg.AgentName, fc.Agent.Name)
	setString(&cfg.GeminiModel, fc.Agent.GeminiModel)
	setString(&cfg.GroqModel, fc.Agent.GroqModel)
	setString(&cfg.TTSEndpoint, fc.TTS.Endpoint)
	setString(&cfg.TTSVoice, fc.TTS.Voice)
	setString(&cfg.TTSFormat, fc.TTS.Format)
	setString(&cfg.TranscriptBucket, fc.Transcripts.Bucket)
	setString(&cfg.TranscriptPrefix, fc.Transcripts.Prefix)
	setString(&cfg.TranscriptDir, fc.Transcripts.Dir)
	if err := setDuration(&cfg.ReadHeaderTimeout, fc.Server.ReadHeaderTimeout, path); err != nil {
		return err
	}
	if err := setDuration(&cfg.ReadTimeout, fc.Server.ReadTimeout, path); err != nil {
		return err
	}
	if err := setDuration(&cfg.ShutdownGracePeriod, fc.Server.ShutdownGracePeriod, path); err != nil {
		return err
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Addr = envOr("VOICEDESK_ADDR", cfg.Addr)
	for _, origin := range splitCSV(os.Getenv("VOICEDESK_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}
	cfg.WSPingInterval = envDurationOr("VOICEDESK_WS_PING_INTERVAL", cfg.WSPingInterval)
	cfg.WSWriteTimeout = envDurationOr("VOICEDESK_WS_WRITE_TIMEOUT", cfg.WSWriteTimeout)
	cfg.WSReadTimeout = envDurationOr("VOICEDESK_WS_READ_TIMEOUT", cfg.WSReadTimeout)
	cfg.WSMaxMessageBytes = envInt64Or("VOICEDESK_WS_MAX_MESSAGE_BYTES", cfg.WSMaxMessageBytes)
	cfg.WSOutboundQueue = envIntOr("VOICEDESK_WS_OUTBOUND_QUEUE", cfg.WSOutboundQueue)
	cfg.NoAgentNoticeDelay = envDurationOr("VOICEDESK_NO_AGENT_NOTICE_DELAY", cfg.NoAgentNoticeDelay)
	cfg.AgentName = envOr("VOICEDESK_AGENT_NAME", cfg.AgentName)
	cfg.GeminiAPIKey = envOr("GEMINI_API_KEY", cfg.GeminiAPIKey)
	cfg.GeminiModel = envOr("VOICEDESK_GEMINI_MODEL", cfg.GeminiModel)
	cfg.GroqAPIKey = envOr("GROQ_API_KEY", cfg.GroqAPIKey)
	cfg.GroqModel = envOr("VOICEDESK_GROQ_MODEL", cfg.GroqModel)
	cfg.TTSEndpoint = envOr("VOICEDESK_TTS_ENDPOINT", cfg.TTSEndpoint)
	cfg.TTSAPIKey = envOr("VOICEDESK_TTS_API_KEY", cfg.TTSAPIKey)
	cfg.TTSVoice = envOr("VOICEDESK_TTS_VOICE", cfg.TTSVoice)
	cfg.TTSFormat = envOr("VOICEDESK_TTS_FORMAT", cfg.TTSFormat)
	cfg.TranscriptBucket = envOr("VOICEDESK_TRANSCRIPT_BUCKET", cfg.TranscriptBucket)
	cfg.TranscriptPrefix = envOr("VOICEDESK_TRANSCRIPT_PREFIX", cfg.TranscriptPrefix)
	cfg.TranscriptDir = envOr("VOICEDESK_TRANSCRIPT_DIR", cfg.TranscriptDir)
	cfg.ReadHeaderTimeout = envDurationOr("VOICEDESK_READ_HEADER_TIMEOUT", cfg.ReadHeaderTimeout)
	cfg.ReadTimeout = envDurationOr("VOICEDESK_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.ShutdownGracePeriod = envDurationOr("VOICEDESK_SHUTDOWN_GRACE_PERIOD", cfg.ShutdownGracePeriod)
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("VOICEDESK_ADDR must not be empty")
	}
	if cfg.WSPingInterval <= 0 {
		return fmt.Errorf("VOICEDESK_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return fmt.Errorf("VOICEDESK_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSReadTimeout < 0 {
		return fmt.Errorf("VOICEDESK_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.WSMaxMessageBytes <= 0 {
		return fmt.Errorf("VOICEDESK_WS_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.WSOutboundQueue <= 0 {
		return fmt.Errorf("VOICEDESK_WS_OUTBOUND_QUEUE must be > 0")
	}
	if cfg.NoAgentNoticeDelay <= 0 {
		return fmt.Errorf("VOICEDESK_NO_AGENT_NOTICE_DELAY must be > 0")
	}
	if strings.TrimSpace(cfg.AgentName) == "" {
		return fmt.Errorf("VOICEDESK_AGENT_NAME must not be empty")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("VOICEDESK_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return fmt.Errorf("VOICEDESK_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("VOICEDESK_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.TranscriptBucket != "" && cfg.TranscriptDir != "" {
		return fmt.Errorf("set only one of VOICEDESK_TRANSCRIPT_BUCKET and VOICEDESK_TRANSCRIPT_DIR")
	}
	return nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, raw, path string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: %s: bad duration %q: %w", path, raw, err)
	}
	*dst = d
	return nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
