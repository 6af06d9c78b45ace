package exchange

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/whoop-insight-bot/internal/assistant"
	"github.com/xaenox/whoop-insight-bot/internal/llm"
	"github.com/xaenox/whoop-insight-bot/internal/models"
	"github.com/xaenox/whoop-insight-bot/internal/storage"
	"github.com/xaenox/whoop-insight-bot/internal/viz"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeTranslator struct {
	statement string
	err       error
}

func (f *fakeTranslator) Translate(context.Context, string) (string, error) {
	return f.statement, f.err
}

type fakeQuerier struct {
	table *models.Table
	err   error
}

func (f *fakeQuerier) Query(context.Context, string) (*models.Table, error) {
	return f.table, f.err
}

func (f *fakeQuerier) Dialect() string { return "PostgreSQL" }

type fakeAdvisor struct {
	insightCalls, suggestionCalls, dietCalls int
	err                                      error
	dietSample                               *models.Table
}

func (f *fakeAdvisor) Insight(context.Context, *models.Table) (string, error) {
	f.insightCalls++
	return "Your strain was steady.", nil
}

func (f *fakeAdvisor) Suggestions(context.Context, string) (string, error) {
	f.suggestionCalls++
	if f.err != nil {
		return "", f.err
	}
	return "Sleep more.", nil
}

func (f *fakeAdvisor) DietSuggestions(_ context.Context, _ string, sample *models.Table) (string, error) {
	f.dietCalls++
	f.dietSample = sample
	return "Eat more protein.", nil
}

type fakeGenerator struct {
	calls int
	err   error
}

func (f *fakeGenerator) Generate(context.Context, string, *models.Table) (string, error) {
	f.calls++
	return "plt.plot(data['strain'])", f.err
}

type fakeRenderer struct {
	calls int
	err   error
}

func (f *fakeRenderer) Render(_ context.Context, code string, _ *models.Table) (*viz.Rendering, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &viz.Rendering{ImagePath: "/tmp/viz_1.png", Code: code + "\nplt.savefig('/tmp/viz_1.png')"}, nil
}

func rows(n int) *models.Table {
	t := &models.Table{Columns: []string{"strain"}}
	for i := 0; i < n; i++ {
		t.Rows = append(t.Rows, []any{float64(i)})
	}
	return t
}

type fixture struct {
	session   *Session
	advisor   *fakeAdvisor
	querier   *fakeQuerier
	generator *fakeGenerator
	renderer  *fakeRenderer
	history   *storage.MemoryHistory
}

func newFixture() *fixture {
	f := &fixture{
		advisor:   &fakeAdvisor{},
		querier:   &fakeQuerier{table: rows(8)},
		generator: &fakeGenerator{},
		renderer:  &fakeRenderer{},
		history:   storage.NewMemoryHistory(10),
	}
	f.session = NewSession(42, Deps{
		Translator:  &fakeTranslator{statement: "SELECT strain FROM cycle_data"},
		Querier:     f.querier,
		Advisor:     f.advisor,
		Generator:   f.generator,
		Renderer:    f.renderer,
		History:     f.history,
		PreviewRows: 5,
	}, zap.NewNop())
	return f
}

func TestSession_SubmitProcesses(t *testing.T) {
	f := newFixture()
	assert.Equal(t, Idle, f.session.State())

	ex, err := f.session.Submit(context.Background(), "How was my strain?")
	require.NoError(t, err)
	assert.Equal(t, Processed, f.session.State())
	assert.Equal(t, "SELECT strain FROM cycle_data", ex.GeneratedSQL)
	assert.Equal(t, "Your strain was steady.", ex.Insight)
	assert.NotEmpty(t, ex.ID)
}

func TestSession_SubmitEmptyResultStaysAwaiting(t *testing.T) {
	f := newFixture()
	f.querier.table = rows(0)

	_, err := f.session.Submit(context.Background(), "anything")
	assert.ErrorIs(t, err, ErrNoData)
	assert.Equal(t, AwaitingInput, f.session.State())
	assert.Equal(t, 0, f.advisor.insightCalls)
}

func TestSession_SubmitQueryFailureStaysAwaiting(t *testing.T) {
	f := newFixture()
	f.querier.table = nil
	f.querier.err = &storage.QueryError{Statement: "SELEC", Err: errors.New("syntax error")}

	_, err := f.session.Submit(context.Background(), "anything")
	assert.ErrorIs(t, err, storage.ErrQueryFailed)
	assert.NotErrorIs(t, err, ErrNoData)
	assert.Equal(t, AwaitingInput, f.session.State())
}

func TestSession_SubmitRejectedWhileActionSelected(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, err := f.session.Submit(ctx, "q")
	require.NoError(t, err)
	_, err = f.session.SelectAction(ctx, models.ActionSuggestions)
	require.NoError(t, err)

	_, err = f.session.Submit(ctx, "another")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, ActionSelected, f.session.State())
}

func TestSession_SuggestionsNotSatisfiedAndEnd(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.session.Submit(ctx, "q")
	require.NoError(t, err)

	ex, err := f.session.SelectAction(ctx, models.ActionSuggestions)
	require.NoError(t, err)
	assert.Equal(t, "Sleep more.", ex.Suggestions)
	assert.Equal(t, ActionSelected, f.session.State())

	// sticky: a different action is refused
	_, err = f.session.SelectAction(ctx, models.ActionDietSuggestions)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	ex, err = f.session.NotSatisfied(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ex.Iterations)
	ex, err = f.session.NotSatisfied(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, ex.Iterations)
	assert.Equal(t, 3, f.advisor.suggestionCalls)

	final, err := f.session.End()
	require.NoError(t, err)
	assert.Equal(t, models.ActionSuggestions, final.Action)
	assert.False(t, final.FinalizedAt.IsZero())
	assert.Equal(t, AwaitingInput, f.session.State())
	assert.Empty(t, f.session.Current().UserInput)

	history, err := f.session.History(0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "q", history[0].UserInput)
	assert.Equal(t, 2, history[0].Iterations)
}

func TestSession_DietUsesPreviewRows(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.session.Submit(ctx, "q")
	require.NoError(t, err)
	ex, err := f.session.SelectAction(ctx, models.ActionDietSuggestions)
	require.NoError(t, err)

	assert.Equal(t, "Eat more protein.", ex.DietSuggestions)
	assert.Len(t, f.advisor.dietSample.Rows, 5)
}

func TestSession_FailedSuggestionCanBeRetried(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.advisor.err = &llm.ProviderError{Provider: "openai", Err: errors.New("down")}

	_, err := f.session.Submit(ctx, "q")
	require.NoError(t, err)
	_, err = f.session.SelectAction(ctx, models.ActionSuggestions)
	assert.True(t, llm.IsProviderError(err))
	assert.Equal(t, ActionSelected, f.session.State())

	f.advisor.err = nil
	ex, err := f.session.SelectAction(ctx, models.ActionSuggestions)
	require.NoError(t, err)
	assert.Equal(t, "Sleep more.", ex.Suggestions)
	assert.Equal(t, 0, ex.Iterations)
}

func TestSession_Visualization(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.session.Submit(ctx, "q")
	require.NoError(t, err)
	_, err = f.session.SelectAction(ctx, models.ActionVisualization)
	require.NoError(t, err)
	assert.True(t, f.session.AwaitingChartPrompt())
	assert.Equal(t, 0, f.generator.calls)

	_, err = f.session.NotSatisfied(ctx)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	ex, err := f.session.Visualize(ctx, "line chart")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/viz_1.png", ex.VisualizationImage)
	assert.Contains(t, ex.VisualizationCode, "savefig")
	assert.Equal(t, "line chart", ex.VisualizationPrompt)

	ex, err = f.session.NotSatisfied(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ex.Iterations)
	assert.Equal(t, 2, f.generator.calls)
	assert.Equal(t, 2, f.renderer.calls)
}

func TestSession_VisualizationFailureKeepsCode(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.renderer.err = &viz.ExecutionError{Trace: "Traceback", Err: errors.New("exit status 1")}

	_, err := f.session.Submit(ctx, "q")
	require.NoError(t, err)
	_, err = f.session.SelectAction(ctx, models.ActionVisualization)
	require.NoError(t, err)

	ex, err := f.session.Visualize(ctx, "bar chart")
	var execErr *viz.ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, "plt.plot(data['strain'])", ex.VisualizationCode)
	assert.Empty(t, ex.VisualizationImage)
	assert.Equal(t, ActionSelected, f.session.State())
}

func TestSession_InvalidTransitions(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.session.SelectAction(ctx, models.ActionSuggestions)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.session.End()
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.session.Visualize(ctx, "chart")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.session.Submit(ctx, "   ")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.session.Submit(ctx, "q")
	require.NoError(t, err)
	_, err = f.session.SelectAction(ctx, models.Action("dance"))
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.session.End()
	assert.ErrorIs(t, err, ErrInvalidTransition)

	f.session.Reset()
	assert.Equal(t, Idle, f.session.State())
}

func TestSession_ClearHistory(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.session.Submit(ctx, "How did I sleep?")
	require.NoError(t, err)
	_, err = f.session.SelectAction(ctx, models.ActionSuggestions)
	require.NoError(t, err)
	_, err = f.session.End()
	require.NoError(t, err)

	_, err = f.session.Submit(ctx, "And my strain?")
	require.NoError(t, err)

	history, err := f.session.History(0)
	require.NoError(t, err)
	require.Len(t, history, 1)

	require.NoError(t, f.session.ClearHistory())
	assert.Equal(t, Idle, f.session.State())

	history, err = f.session.History(0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

type scriptedLLM struct {
	requests []llm.Request
}

func (s *scriptedLLM) Complete(_ context.Context, req llm.Request) (string, error) {
	s.requests = append(s.requests, req)
	if strings.Contains(req.System, "SQL query builder") {
		return "```sql\nSELECT avg(strain) AS avg_strain FROM cycle_data WHERE user_id = 21406427;\n```", nil
	}
	return "Your average strain last week was 11.0.", nil
}

func TestSession_AverageStrainEndToEnd(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(storage.DatabaseConfig{Driver: storage.DriverSQLite, UseInMemory: true}, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	created := time.Date(2024, 12, 5, 6, 0, 0, 0, time.UTC)
	_, err = store.UpsertCycles(ctx, 21406427, []models.Cycle{
		{ID: 1, CreatedAt: created, Score: &models.CycleScore{Strain: 10}},
		{ID: 2, CreatedAt: created.Add(24 * time.Hour), Score: &models.CycleScore{Strain: 12}},
	})
	require.NoError(t, err)

	model := &scriptedLLM{}
	session := NewSession(1, Deps{
		Translator: assistant.NewSQLTranslator(model, assistant.NewCache(8, time.Hour), 21406427, store.Dialect(), true, zap.NewNop()),
		Querier:    store,
		Advisor:    assistant.NewAdvisor(model),
		History:    storage.NewMemoryHistory(10),
	}, zap.NewNop())

	ex, err := session.Submit(ctx, "What was my average strain last week?")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(ex.GeneratedSQL, "SELECT avg(strain)"))
	assert.Contains(t, ex.GeneratedSQL, "FROM cycle_data WHERE user_id = 21406427")
	require.Len(t, ex.Result.Rows, 1)
	assert.Equal(t, 11.0, ex.Result.Rows[0][0])
	assert.NotEmpty(t, ex.Insight)
	assert.Equal(t, Processed, session.State())

	require.Len(t, model.requests, 2)
	assert.Contains(t, model.requests[1].Prompt, "11")
}
