package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xaenox/whoop-insight-bot/internal/models"
	"github.com/xaenox/whoop-insight-bot/internal/storage"
	"github.com/xaenox/whoop-insight-bot/internal/viz"
	"go.uber.org/zap"
)

type State int

const (
	Idle State = iota
	AwaitingInput
	Processed
	ActionSelected
	Finalized
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingInput:
		return "awaiting_input"
	case Processed:
		return "processed"
	case ActionSelected:
		return "action_selected"
	case Finalized:
		return "finalized"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	// ErrNoData means the query ran but matched no rows.
	ErrNoData = errors.New("no data found for this question")
	// ErrInvalidTransition is returned for an operation the current state does not allow.
	ErrInvalidTransition = errors.New("invalid transition")
)

type Translator interface {
	Translate(ctx context.Context, question string) (string, error)
}

type Advisor interface {
	Insight(ctx context.Context, table *models.Table) (string, error)
	Suggestions(ctx context.Context, insight string) (string, error)
	DietSuggestions(ctx context.Context, insight string, sample *models.Table) (string, error)
}

type CodeGenerator interface {
	Generate(ctx context.Context, chartPrompt string, table *models.Table) (string, error)
}

type Renderer interface {
	Render(ctx context.Context, code string, table *models.Table) (*viz.Rendering, error)
}

// Deps are the collaborators a session drives.
type Deps struct {
	Translator  Translator
	Querier     storage.Querier
	Advisor     Advisor
	Generator   CodeGenerator
	Renderer    Renderer
	History     storage.HistoryStore
	PreviewRows int
}

// Session tracks one chat's active exchange. All operations are serialized.
type Session struct {
	mu      sync.Mutex
	chatID  int64
	deps    Deps
	state   State
	current models.Exchange
	logger  *zap.Logger
	now     func() time.Time
}

func NewSession(chatID int64, deps Deps, logger *zap.Logger) *Session {
	if deps.PreviewRows <= 0 {
		deps.PreviewRows = 5
	}
	return &Session{
		chatID: chatID,
		deps:   deps,
		state:  Idle,
		logger: logger.With(zap.Int64("chat_id", chatID)),
		now:    time.Now,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Current returns a copy of the active exchange.
func (s *Session) Current() models.Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// AwaitingChartPrompt reports whether the next text message describes a chart.
func (s *Session) AwaitingChartPrompt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == ActionSelected && s.current.Action == models.ActionVisualization
}

// Submit starts a new exchange for question: translate, query, summarize.
// On any failure the session stays in AwaitingInput.
func (s *Session) Submit(ctx context.Context, question string) (models.Exchange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	question = strings.TrimSpace(question)
	if question == "" {
		return s.current, fmt.Errorf("%w: empty question", ErrInvalidTransition)
	}
	switch s.state {
	case Idle, AwaitingInput, Processed:
	default:
		return s.current, fmt.Errorf("%w: end the current exchange before asking a new question", ErrInvalidTransition)
	}

	s.state = AwaitingInput
	s.current = models.Exchange{
		ID:        uuid.NewString(),
		UserInput: question,
		CreatedAt: s.now(),
	}

	statement, err := s.deps.Translator.Translate(ctx, question)
	if err != nil {
		s.logger.Error("Failed to translate question", zap.String("question", question), zap.Error(err))
		return s.current, err
	}
	s.current.GeneratedSQL = statement

	table, err := s.deps.Querier.Query(ctx, statement)
	if err != nil {
		return s.current, err
	}
	if table.Empty() {
		s.logger.Info("Query returned no rows", zap.String("statement", statement))
		return s.current, ErrNoData
	}
	s.current.Result = table

	insight, err := s.deps.Advisor.Insight(ctx, table)
	if err != nil {
		s.logger.Error("Failed to generate insight", zap.Error(err))
		return s.current, err
	}
	s.current.Insight = insight
	s.state = Processed

	return s.current, nil
}

// SelectAction picks the follow-up for a processed exchange. Suggestions are
// generated right away; a visualization waits for Visualize.
func (s *Session) SelectAction(ctx context.Context, action models.Action) (models.Exchange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !action.Valid() {
		return s.current, fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, action)
	}

	switch s.state {
	case Processed:
		s.current.Action = action
		s.state = ActionSelected
	case ActionSelected:
		if s.current.Action != action {
			return s.current, fmt.Errorf("%w: %s already selected", ErrInvalidTransition, s.current.Action.Label())
		}
		if s.hasContent() {
			return s.current, nil
		}
	default:
		return s.current, fmt.Errorf("%w: no processed question in state %s", ErrInvalidTransition, s.state)
	}

	if action == models.ActionVisualization {
		return s.current, nil
	}
	return s.current, s.generate(ctx)
}

// Visualize draws chartPrompt over the exchange's result.
func (s *Session) Visualize(ctx context.Context, chartPrompt string) (models.Exchange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != ActionSelected || s.current.Action != models.ActionVisualization {
		return s.current, fmt.Errorf("%w: visualization not selected", ErrInvalidTransition)
	}

	s.current.VisualizationPrompt = strings.TrimSpace(chartPrompt)
	return s.current, s.visualize(ctx)
}

// NotSatisfied counts another iteration and reruns the selected generator.
func (s *Session) NotSatisfied(ctx context.Context) (models.Exchange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != ActionSelected {
		return s.current, fmt.Errorf("%w: no action selected", ErrInvalidTransition)
	}
	if s.current.Action == models.ActionVisualization && s.current.VisualizationPrompt == "" {
		return s.current, fmt.Errorf("%w: describe a chart first", ErrInvalidTransition)
	}

	s.current.Iterations++
	s.logger.Info("Regenerating",
		zap.String("action", string(s.current.Action)),
		zap.Int("iterations", s.current.Iterations))

	if s.current.Action == models.ActionVisualization {
		return s.current, s.visualize(ctx)
	}
	return s.current, s.generate(ctx)
}

// End finalizes the exchange, records it in history and seeds a fresh one.
func (s *Session) End() (models.Exchange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != ActionSelected {
		return s.current, fmt.Errorf("%w: nothing to end in state %s", ErrInvalidTransition, s.state)
	}

	s.state = Finalized
	finalized := s.current
	finalized.FinalizedAt = s.now()

	if err := s.deps.History.Append(s.chatID, finalized); err != nil {
		s.logger.Error("Failed to store exchange", zap.Error(err))
	}

	s.state = AwaitingInput
	s.current = models.Exchange{}
	return finalized, nil
}

// Reset drops the active exchange without recording it.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = Idle
	s.current = models.Exchange{}
}

// ClearHistory drops the active exchange and every finalized exchange
// recorded for the chat.
func (s *Session) ClearHistory() error {
	s.Reset()
	if err := s.deps.History.Clear(s.chatID); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	return nil
}

func (s *Session) History(limit int) ([]models.Exchange, error) {
	return s.deps.History.List(s.chatID, limit)
}

func (s *Session) hasContent() bool {
	switch s.current.Action {
	case models.ActionSuggestions:
		return s.current.Suggestions != ""
	case models.ActionDietSuggestions:
		return s.current.DietSuggestions != ""
	case models.ActionVisualization:
		return s.current.VisualizationImage != ""
	}
	return false
}

func (s *Session) generate(ctx context.Context) error {
	switch s.current.Action {
	case models.ActionSuggestions:
		text, err := s.deps.Advisor.Suggestions(ctx, s.current.Insight)
		if err != nil {
			s.logger.Error("Failed to generate suggestions", zap.Error(err))
			return err
		}
		s.current.Suggestions = text
	case models.ActionDietSuggestions:
		text, err := s.deps.Advisor.DietSuggestions(ctx, s.current.Insight, s.current.Result.Head(s.deps.PreviewRows))
		if err != nil {
			s.logger.Error("Failed to generate diet suggestions", zap.Error(err))
			return err
		}
		s.current.DietSuggestions = text
	}
	return nil
}

func (s *Session) visualize(ctx context.Context) error {
	code, err := s.deps.Generator.Generate(ctx, s.current.VisualizationPrompt, s.current.Result)
	if err != nil {
		return err
	}
	s.current.VisualizationCode = code

	rendering, err := s.deps.Renderer.Render(ctx, code, s.current.Result)
	if err != nil {
		return err
	}
	s.current.VisualizationCode = rendering.Code
	s.current.VisualizationImage = rendering.ImagePath
	return nil
}
