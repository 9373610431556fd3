package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
)

// Provider completes a single prompt.
type Provider interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// LangChainProvider adapts any langchaingo model to Provider.
type LangChainProvider struct {
	model       llms.Model
	maxTokens   int
	temperature float64
}

func NewLangChainProvider(model llms.Model) *LangChainProvider {
	return &LangChainProvider{
		model:       model,
		maxTokens:   1024,
		temperature: 0,
	}
}

func (p *LangChainProvider) Complete(ctx context.Context, prompt string) (string, error) {
	content, err := llms.GenerateFromSinglePrompt(ctx, p.model, prompt,
		llms.WithMaxTokens(p.maxTokens),
		llms.WithTemperature(p.temperature),
	)
	if err != nil {
		return "", fmt.Errorf("llm completion failed: %w", err)
	}
	return content, nil
}
