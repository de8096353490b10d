// Package groq adapts Groq's OpenAI-compatible chat completions API as a
// dialogue provider.
package groq

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/voicedesk/voicedesk/pkg/core"
	"github.com/voicedesk/voicedesk/pkg/core/voice"
)

const (
	defaultBaseURL = "https://api.groq.com/openai/v1"
	defaultModel   = "llama-3.3-70b-versatile"
)

type Provider struct {
	client *openai.Client
	model  string
}

func New(apiKey, baseURL, model string) (*Provider, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, core.NewInvalidRequestError("groq api key must not be empty", "groq_api_key")
	}
	cfg := openai.DefaultConfig(apiKey)
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultBaseURL
	}
	cfg.BaseURL = baseURL
	if strings.TrimSpace(model) == "" {
		model = defaultModel
	}
	return &Provider{client: openai.NewClientWithConfig(cfg), model: model}, nil
}

func (p *Provider) Name() string { return "groq" }

func (p *Provider) Reply(ctx context.Context, system string, history []voice.Turn) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: system,
	})
	for _, turn := range history {
		role := openai.ChatMessageRoleUser
		if turn.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: turn.Text})
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    messages,
		Temperature: 0.7,
		MaxTokens:   300,
	})
	if err != nil {
		return "", core.NewProviderError("groq", err)
	}
	if len(resp.Choices) == 0 {
		return "", core.NewProviderError("groq", fmt.Errorf("empty completion"))
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
