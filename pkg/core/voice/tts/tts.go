// Package tts synthesizes assistant replies into audio for the AI phase of
// a call. The engine itself is an external service; absence of a
// synthesizer is never fatal to a session.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Synthesizer turns text into encoded audio. Format is a short tag such as
// "mp3" that travels with the audio_response event.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (audio []byte, format string, err error)
}

// Config for the HTTP synthesizer client.
type Config struct {
	Endpoint string
	APIKey   string
	Voice    string
	Format   string
	Timeout  time.Duration
}

// HTTPSynthesizer posts text to a speech-synthesis endpoint and returns the
// raw audio bytes from the response body.
type HTTPSynthesizer struct {
	config     Config
	httpClient *http.Client
}

func NewHTTPSynthesizer(config Config) (*HTTPSynthesizer, error) {
	if strings.TrimSpace(config.Endpoint) == "" {
		return nil, fmt.Errorf("tts: endpoint must not be empty")
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	if config.Format == "" {
		config.Format = "mp3"
	}
	return &HTTPSynthesizer{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

type synthesizeRequest struct {
	Text   string `json:"text"`
	Voice  string `json:"voice,omitempty"`
	Format string `json:"format,omitempty"`
}

func (s *HTTPSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, string, error) {
	payload, err := json.Marshal(synthesizeRequest{
		Text:   text,
		Voice:  s.config.Voice,
		Format: s.config.Format,
	})
	if err != nil {
		return nil, "", fmt.Errorf("tts: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, "", fmt.Errorf("tts: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("tts: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("tts: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("tts: HTTP error %d: %s", resp.StatusCode, string(body))
	}
	if len(body) == 0 {
		return nil, "", fmt.Errorf("tts: empty audio response")
	}
	return body, s.config.Format, nil
}
