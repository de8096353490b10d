// Package voice implements the AI half of a support call: it turns final
// speech-recognition text into assistant replies and flags when a reply asks
// for escalation to a human agent.
package voice

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
)

// Turn is one exchange in the running conversation.
type Turn struct {
	Role string // "user" or "assistant"
	Text string
}

// Provider generates one assistant reply from the conversation so far.
// Providers are tried in order; a failing provider falls through to the next.
type Provider interface {
	Name() string
	Reply(ctx context.Context, system string, history []Turn) (string, error)
}

// Reply is the outcome of one dialogue step.
type Reply struct {
	Text     string
	Transfer bool
	Reason   string
}

// transferMarker is the token a provider emits inside its reply when the
// conversation should be handed to a human. Matched loosely because models
// vary the spacing.
var transferMarker = regexp.MustCompile(`(?i)\|\|\s*TRANSFER\s*\|\|`)

var customerRequestPhrases = []string{
	"talk to human", "speak to human", "human agent", "real person",
	"talk to someone", "speak to someone", "transfer me", "customer care",
	"supervisor", "manager", "representative", "real agent",
}

// Agent runs one conversation. It is not safe for concurrent use; each
// session owns its own Agent, and the session manager serializes access.
type Agent struct {
	name      string
	providers []Provider
	history   []Turn
	logger    *slog.Logger
}

// Config for a dialogue agent.
type Config struct {
	AgentName string
	Providers []Provider
	Logger    *slog.Logger
}

func NewAgent(cfg Config) *Agent {
	name := strings.TrimSpace(cfg.AgentName)
	if name == "" {
		name = "Priya"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		name:      name,
		providers: cfg.Providers,
		logger:    logger,
	}
}

func (a *Agent) Name() string { return a.name }

// Greeting is the opening line of every call.
func (a *Agent) Greeting() string {
	return "Thank you for calling! My name is " + a.name + ". How may I help you today?"
}

// Reply processes one final customer utterance and returns the assistant's
// answer. When no provider yields a reply, a deterministic fallback keeps
// the call alive.
func (a *Agent) Reply(ctx context.Context, userText string) Reply {
	userText = strings.TrimSpace(userText)
	if userText == "" {
		return Reply{Text: "I'm sorry, I didn't catch that. Could you please repeat?"}
	}

	a.history = append(a.history, Turn{Role: "user", Text: userText})

	var raw string
	for _, p := range a.providers {
		text, err := p.Reply(ctx, a.systemPrompt(), a.history)
		if err != nil {
			a.logger.Warn("provider reply failed", "provider", p.Name(), "error", err)
			continue
		}
		if strings.TrimSpace(text) != "" {
			raw = text
			break
		}
	}
	if raw == "" {
		raw = fallbackReply(userText)
	}

	reply := Reply{Text: raw}
	if transferMarker.MatchString(raw) {
		reply.Transfer = true
		reply.Reason = classifyTransferReason(userText)
		reply.Text = transferMarker.ReplaceAllString(raw, "")
	}
	reply.Text = cleanForVoice(reply.Text)

	a.history = append(a.history, Turn{Role: "assistant", Text: reply.Text})
	return reply
}

// History returns a copy of the conversation so far.
func (a *Agent) History() []Turn {
	out := make([]Turn, len(a.history))
	copy(out, a.history)
	return out
}

func (a *Agent) systemPrompt() string {
	return "You are " + a.name + ", a professional and friendly customer support voice agent. " +
		"This is a VOICE call: keep replies natural and brief, two to three sentences at most. " +
		"Show empathy, answer questions directly, and stay courteous. " +
		"If the caller asks for a human, a supervisor, or a real person, or if you cannot " +
		"resolve the issue yourself, append the token ||TRANSFER|| at the end of your reply."
}

func classifyTransferReason(userText string) string {
	lower := strings.ToLower(userText)
	for _, phrase := range customerRequestPhrases {
		if strings.Contains(lower, phrase) {
			return "customer_request"
		}
	}
	return "escalation"
}

func fallbackReply(userText string) string {
	lower := strings.ToLower(userText)
	switch {
	case containsAny(lower, "human", "agent", "supervisor", "real person", "representative"):
		return "Of course, let me connect you with one of our support specialists. ||TRANSFER||"
	case containsAny(lower, "refund", "money back", "charged twice"):
		return "For refund requests, the amount is credited back within 3 to 7 business days. You can also check the status in the app."
	case containsAny(lower, "price", "cost", "plan", "subscription"):
		return "We have three plans: Basic, Pro, and Premium. I can walk you through the differences if you like."
	case containsAny(lower, "bye", "thank", "that's all", "nothing else"):
		return "Thank you for calling! Have a wonderful day. Goodbye!"
	case containsAny(lower, "hello", "hi ", "hey"):
		return "Hello! How can I help you today?"
	}
	return "I'd be happy to help! Could you tell me a bit more about what you need?"
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// cleanForVoice strips formatting that reads badly through TTS.
func cleanForVoice(text string) string {
	replacer := strings.NewReplacer(
		"**", "", "*", "", "_", " ", "#", "", "`", "",
	)
	return strings.Join(strings.Fields(replacer.Replace(text)), " ")
}
