package viz

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/whoop-insight-bot/internal/llm"
	"github.com/xaenox/whoop-insight-bot/internal/models"
	"github.com/xaenox/whoop-insight-bot/pkg/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type scriptedLLM struct {
	errs  []error
	code  string
	calls int
}

func (s *scriptedLLM) Complete(context.Context, llm.Request) (string, error) {
	s.calls++
	if s.calls <= len(s.errs) {
		return "", s.errs[s.calls-1]
	}
	return s.code, nil
}

func providerErr() error {
	return &llm.ProviderError{Provider: "anthropic", StatusCode: 529, Err: errors.New("overloaded")}
}

func TestPrepareCode_StripsShowAndRewritesSavefig(t *testing.T) {
	code := "import matplotlib.pyplot as plt\n" +
		"plt.figure(figsize=(6, 6))\n" +
		"plt.plot(data['created_at'], data['strain'])\n" +
		"plt.savefig('visualization_output.png', dpi=100)\n" +
		"plt.show()\n"

	got := PrepareCode(code, "/srv/visualizations/viz_abc.png")

	assert.NotContains(t, got, "plt.show()")
	assert.NotContains(t, got, "visualization_output.png")
	assert.Contains(t, got, `plt.savefig("/srv/visualizations/viz_abc.png", dpi=100)`)
	assert.Equal(t, 1, strings.Count(got, "savefig"))
}

func TestPrepareCode_RewritesVariablePath(t *testing.T) {
	got := PrepareCode("out = 'x.png'\nfig.savefig(out)\n", "/tmp/v.png")
	assert.Contains(t, got, `fig.savefig("/tmp/v.png")`)
}

func TestPrepareCode_ReplacesWholeArgumentList(t *testing.T) {
	tests := []struct {
		name string
		call string
		want string
	}{
		{"fname keyword", "plt.savefig(fname='visualization_output.png')", `plt.savefig("/out/viz_abc.png")`},
		{"joined path", "plt.savefig(os.path.join('out','visualization_output.png'))", `plt.savefig("/out/viz_abc.png")`},
		{"concatenation", "plt.savefig('visualization' + '_output.png')", `plt.savefig("/out/viz_abc.png")`},
		{"trailing comma", "plt.savefig('a.png',)", `plt.savefig("/out/viz_abc.png")`},
		{
			"keeps other keywords",
			"plt.savefig(fname='a.png', dpi=150, bbox_inches='tight')",
			`plt.savefig("/out/viz_abc.png", dpi=150, bbox_inches='tight')`,
		},
		{
			"nested and commented",
			"fig.savefig(\n    os.path.join(base, 'a, b.png'),  # output (final)\n    facecolor=(1, 1, 1),\n)",
			`fig.savefig("/out/viz_abc.png", facecolor=(1, 1, 1))`,
		},
		{"keyword splat", "plt.savefig(path, **opts)", `plt.savefig("/out/viz_abc.png", **opts)`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := "plt.plot(data['day'], data['strain'])\n" + tt.call + "\nplt.close()\n"
			got := PrepareCode(code, "/out/viz_abc.png")

			assert.Contains(t, got, tt.want+"\nplt.close()\n")
			assert.NotContains(t, got, "visualization_output.png")
			assert.Equal(t, 1, strings.Count(got, "savefig"))
		})
	}
}

func TestPrepareCode_UnclosedSavefigFallsBackToAppend(t *testing.T) {
	got := PrepareCode("plt.plot([1, 2])\nplt.savefig('a.png'", "/tmp/v.png")
	assert.True(t, strings.HasSuffix(got, "plt.savefig(\"/tmp/v.png\", bbox_inches='tight')\nplt.close()\n"))
}

func TestPrepareCode_AppendsSavefig(t *testing.T) {
	got := PrepareCode("sns.barplot(data=data, x='a', y='b')\nplt.show()", "/tmp/v.png")

	assert.NotContains(t, got, "show()")
	assert.True(t, strings.HasSuffix(got, "plt.savefig(\"/tmp/v.png\", bbox_inches='tight')\nplt.close()\n"))
}

func TestPrepareTable_CoercesDateColumns(t *testing.T) {
	ts := time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)
	table := &models.Table{
		Columns: []string{"created_at", "day", "label", "strain"},
		Rows: [][]any{
			{ts, "2024-12-01", "easy", 10.5},
			{nil, "2024-12-02T00:00:00Z", "hard", 14.0},
		},
	}

	got := PrepareTable(table)

	assert.Equal(t, float64(ts.Unix()), got.Rows[0][0])
	assert.Nil(t, got.Rows[1][0])
	assert.Equal(t, float64(ts.Unix()), got.Rows[0][1])
	assert.Equal(t, float64(ts.Add(24*time.Hour).Unix()), got.Rows[1][1])
	assert.Equal(t, "easy", got.Rows[0][2])
	assert.Equal(t, 10.5, got.Rows[0][3])

	// the input is untouched
	assert.Equal(t, ts, table.Rows[0][0])
}

func TestGenerator_RetriesThenSucceeds(t *testing.T) {
	fake := &scriptedLLM{errs: []error{providerErr(), providerErr()}, code: "```python\nplt.plot([1])\n```"}
	g := NewGenerator(fake, 3, time.Millisecond, zap.NewNop())

	code, err := g.Generate(context.Background(), "line chart", &models.Table{Columns: []string{"a"}})
	require.NoError(t, err)
	assert.Equal(t, "plt.plot([1])", code)
	assert.Equal(t, 3, fake.calls)
}

func TestGenerator_GivesUpAfterThreeAttempts(t *testing.T) {
	fake := &scriptedLLM{errs: []error{providerErr(), providerErr(), providerErr(), providerErr()}}
	g := NewGenerator(fake, 3, time.Millisecond, zap.NewNop())

	code, err := g.Generate(context.Background(), "bar chart", &models.Table{})
	assert.Empty(t, code)
	assert.ErrorIs(t, err, ErrNoCode)
	assert.True(t, llm.IsProviderError(err))
	assert.Equal(t, 3, fake.calls)
}

func TestGenerator_StopsOnCancel(t *testing.T) {
	fake := &scriptedLLM{errs: []error{providerErr(), providerErr(), providerErr()}}
	g := NewGenerator(fake, 3, time.Hour, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Generate(ctx, "bar chart", &models.Table{})
	assert.ErrorIs(t, err, ErrNoCode)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, fake.calls)
}

type fakeSandbox struct {
	output    string
	err       error
	writeFile bool
	job       Job
	code      string
	data      string
}

func (f *fakeSandbox) Run(_ context.Context, job Job) ([]byte, error) {
	f.job = job
	data, _ := os.ReadFile(job.Args[0])
	code, _ := os.ReadFile(job.Args[1])
	f.data, f.code = string(data), string(code)

	if f.writeFile {
		start := strings.Index(f.code, `savefig("`) + len(`savefig("`)
		end := strings.Index(f.code[start:], `"`)
		if err := os.WriteFile(f.code[start:start+end], []byte("png"), 0o644); err != nil {
			return nil, err
		}
	}
	return []byte(f.output), f.err
}

func newTestExecutor(t *testing.T, sb Sandbox) *Executor {
	t.Helper()
	e, err := NewExecutor(config.VisualizationConfig{
		OutputDir:     filepath.Join(t.TempDir(), "visualizations"),
		MemoryLimitMB: 256,
		Timeout:       1500 * time.Millisecond,
	}, sb, zap.NewNop())
	require.NoError(t, err)
	return e
}

func TestExecutor_Render(t *testing.T) {
	sb := &fakeSandbox{writeFile: true}
	e := newTestExecutor(t, sb)
	table := &models.Table{Columns: []string{"day", "strain"}, Rows: [][]any{{"mon", 12.5}, {"tue", nil}}}

	r, err := e.Render(context.Background(), "plt.plot(data['strain'])\nplt.show()", table)
	require.NoError(t, err)

	assert.Regexp(t, `viz_[0-9a-f]{32}\.png$`, r.ImagePath)
	assert.FileExists(t, r.ImagePath)
	assert.NotContains(t, r.Code, "plt.show()")
	assert.Equal(t, r.Code, sb.code)
	assert.Equal(t, "day,strain\nmon,12.5\ntue,\n", sb.data)
	assert.Equal(t, []string{"256", "2"}, sb.job.Args[2:])
	assert.Equal(t, filepath.Dir(r.ImagePath), sb.job.OutputDir)

	_, err = os.Stat(sb.job.WorkDir)
	assert.True(t, os.IsNotExist(err))
}

func TestExecutor_RenderUniquePaths(t *testing.T) {
	e := newTestExecutor(t, &fakeSandbox{writeFile: true})
	table := &models.Table{Columns: []string{"a"}, Rows: [][]any{{1}}}

	a, err := e.Render(context.Background(), "plt.plot([1])", table)
	require.NoError(t, err)
	b, err := e.Render(context.Background(), "plt.plot([1])", table)
	require.NoError(t, err)
	assert.NotEqual(t, a.ImagePath, b.ImagePath)
}

func TestExecutor_RenderFailureCarriesTrace(t *testing.T) {
	trace := "Traceback (most recent call last):\nNameError: name 'df' is not defined"
	e := newTestExecutor(t, &fakeSandbox{output: trace, err: errors.New("exit status 1")})

	_, err := e.Render(context.Background(), "df.plot()", &models.Table{})

	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, trace, execErr.Trace)
}

func TestExecutor_RenderMissingImage(t *testing.T) {
	e := newTestExecutor(t, &fakeSandbox{})

	_, err := e.Render(context.Background(), "print('no chart')", &models.Table{})

	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.ErrorIs(t, err, errNoImage)
}

func TestNewSandbox(t *testing.T) {
	sb, err := NewSandbox(config.VisualizationConfig{Sandbox: "docker", DockerImage: "img"}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &DockerSandbox{}, sb)

	_, err = NewSandbox(config.VisualizationConfig{Sandbox: "vm"}, zap.NewNop())
	assert.Error(t, err)
}

func TestNewSandbox_WarnsForProcess(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)

	sb, err := NewSandbox(config.VisualizationConfig{Sandbox: "process", Python: "python3"}, zap.New(core))
	require.NoError(t, err)
	assert.IsType(t, &ProcessSandbox{}, sb)

	warnings := logs.FilterMessageSnippet("unrestricted local process").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, "python3", warnings[0].ContextMap()["python"])

	_, err = NewSandbox(config.VisualizationConfig{Sandbox: "docker", DockerImage: "img"}, zap.New(core))
	require.NoError(t, err)
	assert.Equal(t, 1, logs.Len())
}
