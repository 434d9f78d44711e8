// Package invoke runs worker commands as supervised subprocesses. It is the
// default WorkerInvoker wiring: spawn the configured command in the worker's
// workspace, stream output to a log file, and report the workspace snapshots
// bracketing the run.
package invoke

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ramercer/drover/internal/orchestrator"
	"github.com/ramercer/drover/internal/vcs"
)

// Logger is the minimal logging surface the invoker needs.
type Logger interface {
	Printf(format string, args ...any)
}

// Option customizes Invoker construction.
type Option func(*Invoker)

// WithLogger attaches a logger.
func WithLogger(logger Logger) Option {
	return func(i *Invoker) {
		i.logger = logger
	}
}

// WithEnv sets extra environment variables for spawned workers, appended to
// the parent environment.
func WithEnv(env []string) Option {
	return func(i *Invoker) {
		i.env = env
	}
}

// Invoker spawns one subprocess per invocation. The worker command receives
// the task on stdin and its workspace as the working directory; stdout and
// stderr go to worker.log inside the workspace's .drover-run directory.
type Invoker struct {
	command string
	args    []string
	env     []string
	logger  Logger
}

// New builds an Invoker around the worker command line. Occurrences of the
// placeholder {task} in args are replaced with the task text at invocation
// time; without the placeholder the task is piped to stdin.
func New(command string, args []string, opts ...Option) (*Invoker, error) {
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("invoke: worker command is required")
	}
	i := &Invoker{command: command, args: args}
	for _, opt := range opts {
		if opt != nil {
			opt(i)
		}
	}
	return i, nil
}

func (i *Invoker) logf(format string, args ...any) {
	if i.logger != nil {
		i.logger.Printf(format, args...)
	}
}

// Invoke runs the worker to completion and reports its outcome. The start and
// end snapshot identifiers bracket the run so the caller can diff or roll
// back what the worker did.
func (i *Invoker) Invoke(ctx context.Context, inv orchestrator.Invocation) (orchestrator.InvocationResult, error) {
	if strings.TrimSpace(inv.WorkspacePath) == "" {
		return orchestrator.InvocationResult{}, fmt.Errorf("invoke: workspace path is required")
	}
	if err := os.MkdirAll(inv.WorkspacePath, 0o755); err != nil {
		return orchestrator.InvocationResult{}, fmt.Errorf("invoke: create workspace: %w", err)
	}

	repo := vcs.New(inv.WorkspacePath)
	startSha, err := repo.Snapshot(fmt.Sprintf("worker %s invocation start", inv.Worker))
	if err != nil {
		return orchestrator.InvocationResult{}, fmt.Errorf("invoke: start snapshot: %w", err)
	}

	args, usedPlaceholder := expandTask(i.args, inv.Task)
	cmd := exec.CommandContext(ctx, i.command, args...)
	cmd.Dir = inv.WorkspacePath
	cmd.Env = append(os.Environ(), i.env...)
	cmd.Env = append(cmd.Env,
		"DROVER_WORKER="+inv.Worker,
		fmt.Sprintf("DROVER_MAX_TURNS=%d", inv.MaxTurns),
	)
	if inv.ResumeToken != "" {
		cmd.Env = append(cmd.Env, "DROVER_RESUME_TOKEN="+inv.ResumeToken)
	}
	if !usedPlaceholder {
		cmd.Stdin = strings.NewReader(inv.Task)
	}

	runDir := filepath.Join(inv.WorkspacePath, ".drover-run")
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return orchestrator.InvocationResult{}, fmt.Errorf("invoke: create run dir: %w", err)
	}
	logPath := filepath.Join(runDir, "worker.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return orchestrator.InvocationResult{}, fmt.Errorf("invoke: open worker log: %w", err)
	}
	defer logFile.Close()
	resultPath := filepath.Join(runDir, "result.txt")
	_ = os.Remove(resultPath)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	configureProcess(cmd)

	if err := cmd.Start(); err != nil {
		return orchestrator.InvocationResult{StartSha: startSha},
			fmt.Errorf("invoke: start worker %s: %w", inv.Worker, err)
	}
	pid := cmd.Process.Pid
	i.logf("invoke: worker %s started pid=%d", inv.Worker, pid)
	if inv.OnStart != nil {
		inv.OnStart(pid, i.command)
	}

	waitErr := cmd.Wait()
	result := orchestrator.InvocationResult{StartSha: startSha, Pid: pid}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			waitErr = nil
		} else {
			result.ExitCode = -1
		}
	}

	endSha, err := repo.Snapshot(fmt.Sprintf("worker %s invocation end", inv.Worker))
	if err != nil {
		i.logf("invoke: end snapshot for %s: %v", inv.Worker, err)
	} else {
		result.EndSha = endSha
	}
	result.ResultText = readResult(resultPath, logPath)
	if waitErr != nil {
		return result, fmt.Errorf("invoke: worker %s: %w", inv.Worker, waitErr)
	}
	return result, nil
}

// expandTask substitutes {task} placeholders and reports whether one was
// present.
func expandTask(args []string, task string) ([]string, bool) {
	out := make([]string, len(args))
	used := false
	for idx, arg := range args {
		if strings.Contains(arg, "{task}") {
			used = true
			out[idx] = strings.ReplaceAll(arg, "{task}", task)
			continue
		}
		out[idx] = arg
	}
	return out, used
}

// readResult prefers an explicit result file written by the worker, falling
// back to the tail of its output log.
func readResult(resultPath, logPath string) string {
	if data, err := os.ReadFile(resultPath); err == nil {
		return strings.TrimSpace(string(data))
	}
	data, err := os.ReadFile(logPath)
	if err != nil {
		return ""
	}
	text := strings.TrimRight(string(data), "\n")
	lines := strings.Split(text, "\n")
	const tail = 20
	if len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
