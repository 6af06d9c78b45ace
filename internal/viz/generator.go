package viz

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/xaenox/whoop-insight-bot/internal/llm"
	"github.com/xaenox/whoop-insight-bot/internal/models"
	"go.uber.org/zap"
)

const (
	generatorMaxTokens = 500
	sampleRows         = 5
)

// ErrNoCode means every generation attempt failed.
var ErrNoCode = errors.New("no visualization code generated")

const generatorSystemPrompt = "You are a Python visualization assistant. Respond only with valid Python code for creating a visualization. " +
	"The data is already loaded into a Pandas DataFrame called 'data'. " +
	"Do not add the text ``` or the word 'python' in the code output. " +
	"Make sure the image size is 6 x 6 always. Ensure you save the plot as 'visualization_output.png'."

var codeFencePattern = regexp.MustCompile("(?s)```(?:python|py)?\\s*(.*?)\\s*```")

// Generator asks the language model for chart-drawing code.
type Generator struct {
	client      llm.Client
	maxAttempts int
	retryDelay  time.Duration
	logger      *zap.Logger
}

func NewGenerator(client llm.Client, maxAttempts int, retryDelay time.Duration, logger *zap.Logger) *Generator {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Generator{
		client:      client,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		logger:      logger,
	}
}

// Generate returns code for chartPrompt over the first rows of table. Provider
// errors are retried up to maxAttempts in total with retryDelay in between.
func (g *Generator) Generate(ctx context.Context, chartPrompt string, table *models.Table) (string, error) {
	req := llm.Request{
		System:    generatorSystemPrompt,
		Prompt:    fmt.Sprintf("Create a visualization for the following data:\n%s\n\n%s", table.Head(sampleRows).String(), chartPrompt),
		MaxTokens: generatorMaxTokens,
	}

	var lastErr error
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		code, err := g.client.Complete(ctx, req)
		if err == nil {
			return stripCodeFence(code), nil
		}
		lastErr = err
		if !llm.IsProviderError(err) {
			break
		}

		if attempt < g.maxAttempts {
			g.logger.Warn("Retrying visualization code generation",
				zap.Int("attempt", attempt),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("%w: %w", ErrNoCode, ctx.Err())
			case <-time.After(g.retryDelay):
			}
		}
	}

	g.logger.Error("Visualization code generation failed", zap.Error(lastErr))
	return "", fmt.Errorf("%w: %w", ErrNoCode, lastErr)
}

func stripCodeFence(code string) string {
	if m := codeFencePattern.FindStringSubmatch(code); m != nil {
		return m[1]
	}
	return strings.TrimSpace(code)
}
