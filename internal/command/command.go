// Package command runs the external engines (recognizer, synthesizer,
// concatenation tool) as bounded, cancellable subprocesses.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// ErrTimeout is returned when a command outlives its configured timeout.
var ErrTimeout = errors.New("command timed out")

// maxCapture bounds how much of each output stream is kept for diagnostics.
const maxCapture = 64 << 10

// Result captures one external command invocation.
type Result struct {
	Command  string        `json:"command"`
	Args     []string      `json:"args"`
	ExitCode int           `json:"exitCode"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
}

// LogValue keeps command output out of the top level of log lines.
func (r Result) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("command", r.Command),
		slog.String("args", strings.Join(r.Args, " ")),
		slog.Int("exitCode", r.ExitCode),
		slog.Duration("duration", r.Duration),
		slog.String("stdout", r.Stdout),
		slog.String("stderr", r.Stderr),
	)
}

// Runner abstracts process execution so stages can be tested with fakes.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, name string, args ...string) (Result, error)

func (f RunnerFunc) Run(ctx context.Context, name string, args ...string) (Result, error) {
	return f(ctx, name, args...)
}

// Exec executes commands via os/exec.
type Exec struct {
	// Timeout bounds every invocation; zero means only ctx bounds it.
	Timeout time.Duration
	// WaitDelay is how long to wait for output pipes after the process is killed.
	WaitDelay time.Duration
	Now       func() time.Time
}

// Run executes one command and captures stdout/stderr and exit code. A
// non-zero exit is reported both in Result.ExitCode and as an error.
func (e Exec) Run(ctx context.Context, name string, args ...string) (Result, error) {
	now := e.Now
	if now == nil {
		now = time.Now
	}
	runCtx := ctx
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, name, args...)
	configureProcess(cmd)
	cmd.Cancel = func() error { return terminateProcess(cmd) }
	cmd.WaitDelay = e.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 2 * time.Second
	}

	stdout := &cappedBuffer{max: maxCapture}
	stderr := &cappedBuffer{max: maxCapture}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	started := now()
	err := cmd.Run()
	result := Result{
		Command:  name,
		Args:     append([]string(nil), args...),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: now().Sub(started),
	}
	if err == nil {
		return result, nil
	}

	result.ExitCode = -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
	}
	switch {
	case ctx.Err() != nil:
		return result, fmt.Errorf("%s: %w", name, ctx.Err())
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return result, fmt.Errorf("%s: %w after %s", name, ErrTimeout, e.Timeout)
	}
	return result, fmt.Errorf("%s: %w", name, err)
}

type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[truncated]"
	}
	return b.buf.String()
}
