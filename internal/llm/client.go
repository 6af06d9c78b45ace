package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/xaenox/whoop-insight-bot/pkg/config"
	"go.uber.org/zap"
)

const (
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
	ProviderAnthropic = "anthropic"
)

// Request is a single-turn completion. A nil Temperature leaves the
// provider default in place.
type Request struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature *float32
}

// Client completes prompts against one hosted model provider. It never
// retries; callers decide whether a failure is worth another attempt.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// ProviderError is any failure to obtain an answer from the provider,
// including an empty answer.
type ProviderError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s provider error (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s provider error: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func IsProviderError(err error) bool {
	var perr *ProviderError
	return errors.As(err, &perr)
}

var errEmptyResponse = errors.New("empty response")

// Temperature is a convenience for building a Request.
func Temperature(t float32) *float32 {
	return &t
}

// New builds the client for cfg.Provider.
func New(cfg config.LLMConfig, logger *zap.Logger) (Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for provider %q", cfg.Provider)
	}

	httpClient := &http.Client{Timeout: cfg.Timeout}

	switch cfg.Provider {
	case ProviderOpenAI, "":
		return NewOpenAIClient(cfg.APIKey, cfg.BaseURL, cfg.Model, httpClient, logger), nil
	case ProviderGemini:
		return NewGeminiClient(context.Background(), cfg.APIKey, cfg.BaseURL, cfg.Model, httpClient, logger)
	case ProviderAnthropic:
		return NewAnthropicClient(cfg.APIKey, cfg.BaseURL, cfg.Model, httpClient, logger), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider %q", cfg.Provider)
	}
}
