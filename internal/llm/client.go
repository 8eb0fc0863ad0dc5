// Package llm provides the chat-model client the agent pipelines call.
// The model is an opaque service: sub-agents send a prompt and receive text,
// preferably JSON. Providers: an OpenAI-compatible HTTP client and Gemini.
package llm

import (
	"context"
	"fmt"

	"knowflow/internal/config"
)

// Client is the minimal interface the pipelines use to call a chat model.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	Model() string
}

// NewClient creates a chat client from configuration.
func NewClient(cfg config.LLMConfig, timeoutCfg *config.Config) (Client, error) {
	switch cfg.Provider {
	case "openai", "":
		return NewOpenAIClient(OpenAIConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Timeout:    timeoutCfg.LLMTimeout(),
			MaxRetries: cfg.MaxRetries,
		}), nil
	case "genai":
		return NewGenAIClient(cfg.APIKey, cfg.Model)
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s (use 'openai' or 'genai')", cfg.Provider)
	}
}
