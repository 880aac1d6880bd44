// Package llm provides chat-completion clients for the answer pipeline and
// the document extraction path.
package llm

import (
	"context"
	"fmt"

	"github.com/nyaysaathi/nyay-agent/config"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string
	Content string
}

type Client interface {
	// Generate produces a completion for the given messages. Single attempt,
	// no retries.
	Generate(ctx context.Context, messages []Message) (string, error)

	// DescribeFile sends a prompt together with inline file bytes to a
	// multimodal model. Only the document extraction path uses this.
	DescribeFile(ctx context.Context, prompt, mimeType string, data []byte) (string, error)
}

func NewClient(cfg config.Config) (Client, error) {
	switch cfg.LLM.Provider {
	case config.ProviderOllama:
		return newOllamaClient(cfg.OllamaHost, cfg.LLM.Model, cfg.LLM.Temperature), nil
	case config.ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider selected but OPENAI_API_KEY not set")
		}
		return newOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.LLM.Model, cfg.LLM.Temperature), nil
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.LLM.Provider)
	}
}
