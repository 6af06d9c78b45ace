package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"
)

const defaultAnthropicModel anthropic.Model = "claude-3-5-sonnet-20241022"

// AnthropicClient calls the Messages API through the official SDK.
type AnthropicClient struct {
	client anthropic.Client
	model  anthropic.Model
	logger *zap.Logger
}

// NewAnthropicClient builds a client for the Messages API. baseURL overrides
// the API host, e.g. for a proxy.
func NewAnthropicClient(apiKey, baseURL, model string, httpClient *http.Client, logger *zap.Logger) *AnthropicClient {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}

	m := anthropic.Model(model)
	if model == "" {
		m = defaultAnthropicModel
	}

	return &AnthropicClient{
		client: anthropic.NewClient(opts...),
		model:  m,
		logger: logger,
	}
}

func (c *AnthropicClient) Complete(ctx context.Context, req Request) (string, error) {
	model := c.model
	if req.Model != "" {
		model = anthropic.Model(req.Model)
	}

	params := anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: int64(req.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(float64(*req.Temperature))
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		c.logger.Error("Failed to get Anthropic response", zap.Error(err))
		return "", &ProviderError{Provider: ProviderAnthropic, StatusCode: anthropicStatus(err), Err: err}
	}

	for _, block := range msg.Content {
		if block.Type != "text" {
			continue
		}
		if content := strings.TrimSpace(block.Text); content != "" {
			return content, nil
		}
		break
	}
	return "", &ProviderError{Provider: ProviderAnthropic, Err: errEmptyResponse}
}

func anthropicStatus(err error) int {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
