// Package llm generates the AI therapist's replies.
//
// A Service wraps a Completer (OpenAI or Anthropic) with the therapy system
// prompt, the user's personalization context and a rolling per-session
// history. Without a completer it answers with rule-based demo replies, and
// any completion failure turns into a fixed, user-safe fallback reply.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/serenity/serenity/internal/config"
)

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultMaxTokens caps reply length when the config does not
const DefaultMaxTokens = 500

// Message is one chat message
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Completer produces the next assistant message for a conversation.
// The conversation may start with system messages.
type Completer interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// NewCompleter builds the completer selected by cfg. It returns nil when
// the provider is "demo" or no API key is configured.
func NewCompleter(cfg config.LLMConfig) (Completer, error) {
	if cfg.Provider == "demo" || cfg.APIKey == "" {
		return nil, nil
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second

	switch cfg.Provider {
	case "openai":
		return NewOpenAIClient(OpenAIConfig{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			Timeout:     timeout,
		}), nil
	case "anthropic":
		model := cfg.Model
		if model == config.Default().LLM.Model {
			// The default model name belongs to OpenAI
			model = ""
		}
		return NewAnthropicClient(AnthropicConfig{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: float64(cfg.Temperature),
			Timeout:     timeout,
		}), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
