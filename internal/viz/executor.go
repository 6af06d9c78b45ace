package viz

import (
	"context"
	_ "embed"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/xaenox/whoop-insight-bot/internal/models"
	"github.com/xaenox/whoop-insight-bot/pkg/config"
	"go.uber.org/zap"
)

//go:embed runner.py
var runnerScript []byte

// ExecutionError carries the full output of a failed visualization run.
type ExecutionError struct {
	Trace string
	Err   error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("visualization execution failed: %v", e.Err)
	}
	return "visualization execution failed"
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

var errNoImage = errors.New("visualization file was not created")

// Rendering is a successfully rendered chart and the code that drew it.
type Rendering struct {
	ImagePath string
	Code      string
}

type Executor struct {
	outputDir     string
	sandbox       Sandbox
	memoryLimitMB int
	cpuSeconds    int
	logger        *zap.Logger
}

func NewExecutor(cfg config.VisualizationConfig, sandbox Sandbox, logger *zap.Logger) (*Executor, error) {
	outputDir, err := filepath.Abs(cfg.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("error resolving output directory: %w", err)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("error creating output directory: %w", err)
	}

	return &Executor{
		outputDir:     outputDir,
		sandbox:       sandbox,
		memoryLimitMB: cfg.MemoryLimitMB,
		cpuSeconds:    int(math.Ceil(cfg.Timeout.Seconds())),
		logger:        logger,
	}, nil
}

// NewSandbox picks the sandbox named by cfg.Sandbox.
func NewSandbox(cfg config.VisualizationConfig, logger *zap.Logger) (Sandbox, error) {
	switch cfg.Sandbox {
	case "process", "":
		logger.Warn("Generated plotting code runs as an unrestricted local process; set visualization.sandbox to docker to isolate it",
			zap.String("python", cfg.Python))
		return &ProcessSandbox{Python: cfg.Python, Timeout: cfg.Timeout, Logger: logger}, nil
	case "docker":
		return &DockerSandbox{
			Image:         cfg.DockerImage,
			MemoryLimitMB: cfg.MemoryLimitMB,
			Timeout:       cfg.Timeout,
			Logger:        logger,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported sandbox %q", cfg.Sandbox)
	}
}

// Render runs code against table and returns the image it produced under a
// freshly assigned file name.
func (e *Executor) Render(ctx context.Context, code string, table *models.Table) (*Rendering, error) {
	imagePath := filepath.Join(e.outputDir, "viz_"+strings.ReplaceAll(uuid.NewString(), "-", "")+".png")
	prepared := PrepareCode(code, imagePath)

	workDir, err := os.MkdirTemp("", "viz-")
	if err != nil {
		return nil, fmt.Errorf("error creating work directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	dataPath := filepath.Join(workDir, "data.csv")
	codePath := filepath.Join(workDir, "generated.py")
	scriptPath := filepath.Join(workDir, "runner.py")

	if err := writeCSV(dataPath, PrepareTable(table)); err != nil {
		return nil, err
	}
	if err := os.WriteFile(codePath, []byte(prepared), 0o644); err != nil {
		return nil, fmt.Errorf("error writing generated code: %w", err)
	}
	if err := os.WriteFile(scriptPath, runnerScript, 0o644); err != nil {
		return nil, fmt.Errorf("error writing runner: %w", err)
	}

	output, err := e.sandbox.Run(ctx, Job{
		WorkDir:   workDir,
		OutputDir: e.outputDir,
		Script:    scriptPath,
		Args: []string{
			dataPath,
			codePath,
			strconv.Itoa(e.memoryLimitMB),
			strconv.Itoa(e.cpuSeconds),
		},
	})
	if err != nil {
		e.logger.Warn("Visualization code failed",
			zap.Error(err),
			zap.String("trace", string(output)))
		return nil, &ExecutionError{Trace: string(output), Err: err}
	}

	if _, err := os.Stat(imagePath); err != nil {
		return nil, &ExecutionError{Trace: string(output), Err: errNoImage}
	}

	e.logger.Info("Visualization rendered", zap.String("path", imagePath))
	return &Rendering{ImagePath: imagePath, Code: prepared}, nil
}

func writeCSV(path string, table *models.Table) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating data file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if table != nil {
		if err := w.Write(table.Columns); err != nil {
			return fmt.Errorf("error writing data file: %w", err)
		}
		for _, row := range table.Rows {
			record := make([]string, len(row))
			for i, v := range row {
				if v != nil {
					record[i] = models.FormatValue(v)
				}
			}
			if err := w.Write(record); err != nil {
				return fmt.Errorf("error writing data file: %w", err)
			}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("error writing data file: %w", err)
	}
	return f.Close()
}
