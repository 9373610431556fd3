package llm

import (
	"fmt"
	"net/http"
	"time"

	"github.com/tmc/langchaingo/llms/anthropic"
)

// NewAnthropicProvider builds a Provider backed by Anthropic's API.
func NewAnthropicProvider(apiKey, model string, timeout time.Duration) (*LangChainProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	client, err := anthropic.New(
		anthropic.WithToken(apiKey),
		anthropic.WithModel(model),
		anthropic.WithHTTPClient(&http.Client{Timeout: timeout}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create anthropic client: %w", err)
	}
	return NewLangChainProvider(client), nil
}
