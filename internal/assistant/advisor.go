package assistant

import (
	"context"
	"fmt"

	"github.com/xaenox/whoop-insight-bot/internal/llm"
	"github.com/xaenox/whoop-insight-bot/internal/models"
)

const (
	insightMaxTokens     = 250
	suggestionsMaxTokens = 200
	dietMaxTokens        = 300
)

// Advisor produces the free-text follow-ups for a query result. None of
// its calls are retried.
type Advisor struct {
	client llm.Client
}

func NewAdvisor(client llm.Client) *Advisor {
	return &Advisor{client: client}
}

// Insight summarizes the whole result table.
func (a *Advisor) Insight(ctx context.Context, table *models.Table) (string, error) {
	return a.client.Complete(ctx, llm.Request{
		System:    "You are a data analysis assistant providing concise insights based on data.",
		Prompt:    "Summarize the key insights from the following data:\n" + table.String(),
		MaxTokens: insightMaxTokens,
	})
}

func (a *Advisor) Suggestions(ctx context.Context, insight string) (string, error) {
	return a.client.Complete(ctx, llm.Request{
		System:    "You are a health advisor providing suggestions based on insights.",
		Prompt:    fmt.Sprintf("Based on this insight: %s, what suggestions do you have for the user?", insight),
		MaxTokens: suggestionsMaxTokens,
	})
}

// DietSuggestions combines the insight with a short data sample.
func (a *Advisor) DietSuggestions(ctx context.Context, insight string, sample *models.Table) (string, error) {
	return a.client.Complete(ctx, llm.Request{
		System: "You are a health advisor specializing in nutrition. " +
			"Provide diet suggestions tailored to user data insights.",
		Prompt: fmt.Sprintf("Based on the following health data: %s, and this insight: '%s', "+
			"provide personalized diet suggestions.", sample.String(), insight),
		MaxTokens: dietMaxTokens,
	})
}
