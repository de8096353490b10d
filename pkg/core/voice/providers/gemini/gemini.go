// Package gemini adapts the Google Gemini API as a dialogue provider.
package gemini

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/voicedesk/voicedesk/pkg/core"
	"github.com/voicedesk/voicedesk/pkg/core/voice"
)

const defaultModel = "gemini-2.0-flash"

type Provider struct {
	client *genai.Client
	model  string
}

// New builds a Gemini-backed provider. The API key must be non-empty; the
// model defaults to a fast flash variant suited to voice latency.
func New(ctx context.Context, apiKey, model string) (*Provider, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, core.NewInvalidRequestError("gemini api key must not be empty", "gemini_api_key")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	if strings.TrimSpace(model) == "" {
		model = defaultModel
	}
	return &Provider{client: client, model: model}, nil
}

func (p *Provider) Name() string { return "gemini" }

// contentRole maps a dialogue turn role onto the Gemini content role.
func contentRole(turnRole string) genai.Role {
	if turnRole == "assistant" {
		return genai.RoleModel
	}
	return genai.RoleUser
}

func (p *Provider) Reply(ctx context.Context, system string, history []voice.Turn) (string, error) {
	contents := make([]*genai.Content, 0, len(history))
	for _, turn := range history {
		contents = append(contents, genai.NewContentFromText(turn.Text, contentRole(turn.Role)))
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		Temperature:       genai.Ptr[float32](0.7),
		MaxOutputTokens:   300,
	})
	if err != nil {
		return "", core.NewProviderError("gemini", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", core.NewProviderError("gemini", fmt.Errorf("empty completion"))
	}
	return text, nil
}
