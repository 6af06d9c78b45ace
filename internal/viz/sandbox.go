package viz

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const maxOutputBytes = 64 * 1024

// Job is one execution of the runner script. Paths are absolute and are
// valid both on the host and inside the sandbox.
type Job struct {
	WorkDir   string
	OutputDir string
	Script    string
	Args      []string
}

// Sandbox runs a Job in isolation and returns its combined output.
type Sandbox interface {
	Run(ctx context.Context, job Job) ([]byte, error)
}

// ProcessSandbox runs the job in a separate interpreter process with an
// empty environment and its own process group.
type ProcessSandbox struct {
	Python  string
	Timeout time.Duration
	Logger  *zap.Logger
}

func (s *ProcessSandbox) Run(ctx context.Context, job Job) ([]byte, error) {
	args := append([]string{"-I", job.Script}, job.Args...)
	return runLimited(ctx, s.Timeout, s.Logger, func(ctx context.Context) *exec.Cmd {
		cmd := exec.CommandContext(ctx, s.Python, args...)
		cmd.Dir = job.WorkDir
		cmd.Env = []string{
			"HOME=" + job.WorkDir,
			"MPLCONFIGDIR=" + job.WorkDir,
			"MPLBACKEND=Agg",
		}
		setupProcessGroup(cmd)
		cmd.Cancel = func() error { return killProcessGroup(cmd) }
		return cmd
	})
}

// DockerSandbox runs the job in a throwaway container without network
// access. The work directory is mounted read-only and only the output
// directory is writable.
type DockerSandbox struct {
	Image         string
	MemoryLimitMB int
	CPUs          float64
	Timeout       time.Duration
	Logger        *zap.Logger
}

func (s *DockerSandbox) Run(ctx context.Context, job Job) ([]byte, error) {
	args := []string{
		"run", "--rm",
		"--network", "none",
		"--read-only",
		"--tmpfs", "/tmp:rw,size=64m",
		"--pids-limit", "64",
		"-e", "MPLCONFIGDIR=/tmp",
		"-e", "HOME=/tmp",
		"-v", job.WorkDir + ":" + job.WorkDir + ":ro",
		"-v", job.OutputDir + ":" + job.OutputDir + ":rw",
		"-w", job.WorkDir,
	}
	if s.MemoryLimitMB > 0 {
		args = append(args, "--memory", strconv.Itoa(s.MemoryLimitMB)+"m")
	}
	cpus := s.CPUs
	if cpus <= 0 {
		cpus = 1
	}
	args = append(args, "--cpus", strconv.FormatFloat(cpus, 'f', -1, 64))
	args = append(args, s.Image, "python", job.Script)
	args = append(args, job.Args...)

	return runLimited(ctx, s.Timeout, s.Logger, func(ctx context.Context) *exec.Cmd {
		return exec.CommandContext(ctx, "docker", args...)
	})
}

func runLimited(ctx context.Context, timeout time.Duration, logger *zap.Logger, build func(context.Context) *exec.Cmd) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var out bytes.Buffer
	lw := &limitedWriter{w: &out, max: maxOutputBytes}
	cmd := build(ctx)
	cmd.Stdout = lw
	cmd.Stderr = lw
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	if logger != nil {
		logger.Debug("Sandbox finished",
			zap.String("command", cmd.Path),
			zap.Duration("duration", time.Since(start)),
			zap.Bool("truncated", lw.truncated),
			zap.Error(err))
	}

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return out.Bytes(), fmt.Errorf("sandbox killed after %s", timeout)
		}
		return out.Bytes(), err
	}
	return out.Bytes(), nil
}

type limitedWriter struct {
	w         io.Writer
	max       int
	written   int
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.written >= lw.max {
		lw.truncated = true
		return n, nil
	}
	if remaining := lw.max - lw.written; len(p) > remaining {
		p = p[:remaining]
		lw.truncated = true
	}
	written, err := lw.w.Write(p)
	lw.written += written
	if err != nil {
		return written, err
	}
	return n, nil
}
