package models

import "time"

// Action is one of the follow-ups a user can pick after an insight.
type Action string

const (
	ActionSuggestions     Action = "suggestions"
	ActionDietSuggestions Action = "diet_suggestions"
	ActionVisualization   Action = "visualization"
)

func (a Action) Valid() bool {
	switch a {
	case ActionSuggestions, ActionDietSuggestions, ActionVisualization:
		return true
	}
	return false
}

// Label is the human readable name used in replies and logs.
func (a Action) Label() string {
	switch a {
	case ActionSuggestions:
		return "Suggestions"
	case ActionDietSuggestions:
		return "Diet Suggestions"
	case ActionVisualization:
		return "Visualization"
	}
	return string(a)
}

// Exchange is one question through to its finalized follow-up.
type Exchange struct {
	ID                  string    `json:"id"`
	UserInput           string    `json:"user_input"`
	GeneratedSQL        string    `json:"generated_sql,omitempty"`
	Result              *Table    `json:"result,omitempty"`
	Insight             string    `json:"insight,omitempty"`
	Action              Action    `json:"action,omitempty"`
	Iterations          int       `json:"iterations"`
	Suggestions         string    `json:"suggestions,omitempty"`
	DietSuggestions     string    `json:"diet_suggestions,omitempty"`
	VisualizationPrompt string    `json:"visualization_prompt,omitempty"`
	VisualizationCode   string    `json:"visualization_code,omitempty"`
	VisualizationImage  string    `json:"visualization_image,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	FinalizedAt         time.Time `json:"finalized_at,omitempty"`
}
