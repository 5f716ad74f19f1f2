// Package command runs external programs with a timeout and captures their output.
package command

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	perrors "github.com/core-tools/hsu-platform/pkg/errors"
)

// Result holds the outcome of a finished command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Output returns stdout and stderr joined, trimmed.
func (r Result) Output() string {
	return strings.TrimSpace(strings.TrimSpace(r.Stdout) + "\n" + strings.TrimSpace(r.Stderr))
}

// Runner executes external commands.
// A non-zero exit is reported both in Result.ExitCode and as an error.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExecRunner runs commands through os/exec.
type ExecRunner struct {
	// Timeout bounds every command; zero means only ctx bounds it.
	Timeout time.Duration
	// Env is appended to the inherited environment.
	Env []string
}

func NewExecRunner(timeout time.Duration) *ExecRunner {
	return &ExecRunner{Timeout: timeout}
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}

	// Orphaned grandchildren must not hold the output pipes open forever.
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	err := cmd.Run()
	result := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(started),
	}

	if ctx.Err() == context.DeadlineExceeded {
		result.ExitCode = -1
		return result, perrors.NewTimeoutError("command timed out", ctx.Err()).
			WithContext("command", name).WithContext("timeout", r.Timeout.String())
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, perrors.NewProcessError("command exited with non-zero status", err).
				WithContext("command", name).WithContext("exit_code", result.ExitCode)
		}
		result.ExitCode = -1
		return result, perrors.NewProcessError("failed to run command", err).WithContext("command", name)
	}

	return result, nil
}

type timeoutRunner struct {
	runner  Runner
	timeout time.Duration
}

// WithTimeout bounds every command run through runner by timeout.
func WithTimeout(runner Runner, timeout time.Duration) Runner {
	if timeout <= 0 {
		return runner
	}
	return &timeoutRunner{runner: runner, timeout: timeout}
}

func (r *timeoutRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.runner.Run(ctx, name, args...)
}
