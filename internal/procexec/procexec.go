// Package procexec runs external tools as explicit calls with a timeout and a
// structured result. Interrupted commands get a SIGTERM grace period before the
// whole process group is killed.
package procexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const defaultOutputLimit = 64 * 1024

// ErrTimeout is returned when a command exceeds its own Timeout.
var ErrTimeout = errors.New("command timed out")

// Command describes one subprocess invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	// Timeout bounds this invocation; zero means only ctx applies.
	Timeout time.Duration
	// GracePeriod is how long the process group may run after SIGTERM before SIGKILL.
	GracePeriod time.Duration
}

// String renders the command line for logs.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Result captures the outcome of a finished command. Stdout and Stderr hold the
// trailing bytes of each stream.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Elapsed  time.Duration
}

// Runner executes commands. Implementations must honour ctx cancellation.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, cmd Command) (Result, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, cmd Command) (Result, error) {
	return f(ctx, cmd)
}

// ExitError reports a command that ran but exited non-zero.
type ExitError struct {
	Command string
	Result  Result
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Command, e.Result.ExitCode)
	if tail := lastLine(e.Result.Stderr); tail != "" {
		msg += ": " + tail
	}
	return msg
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	// OutputLimit caps retained bytes per stream; zero uses 64 KiB.
	OutputLimit int
}

// NewExecRunner returns a runner with default output limits.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run starts cmd in its own process group and waits for it. A canceled ctx or an
// expired Timeout sends SIGTERM to the group, then SIGKILL after GracePeriod.
func (r *ExecRunner) Run(ctx context.Context, c Command) (Result, error) {
	if strings.TrimSpace(c.Name) == "" {
		return Result{ExitCode: -1}, errors.New("procexec: empty command name")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeoutCause(ctx, c.Timeout, ErrTimeout)
		defer cancel()
	}

	limit := r.OutputLimit
	if limit <= 0 {
		limit = defaultOutputLimit
	}
	stdout := newTailBuffer(limit)
	stderr := newTailBuffer(limit)

	cmd := exec.Command(c.Name, c.Args...) //nolint:gosec
	cmd.Dir = c.Dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	configureProcessGroup(cmd)

	start := time.Now()
	if runCtx.Err() != nil {
		return Result{ExitCode: -1}, contextError(runCtx)
	}
	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1, Elapsed: time.Since(start)}, fmt.Errorf("start %s: %w", c.Name, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	interrupted := false
	select {
	case waitErr = <-done:
	case <-runCtx.Done():
		interrupted = true
		waitErr = stopProcessGroup(cmd, done, c.GracePeriod)
	}

	res := Result{
		ExitCode: exitCode(cmd, waitErr),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Elapsed:  time.Since(start),
	}
	if interrupted {
		return res, contextError(runCtx)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return res, &ExitError{Command: c.Name, Result: res}
		}
		return res, fmt.Errorf("wait %s: %w", c.Name, waitErr)
	}
	return res, nil
}

// stopProcessGroup signals the group and waits for the process to exit.
func stopProcessGroup(cmd *exec.Cmd, done <-chan error, grace time.Duration) error {
	if grace <= 0 {
		killGroup(cmd)
		return <-done
	}
	terminateGroup(cmd)
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		killGroup(cmd)
		return <-done
	}
}

func contextError(ctx context.Context) error {
	if cause := context.Cause(ctx); errors.Is(cause, ErrTimeout) {
		return fmt.Errorf("%w: %w", ErrTimeout, context.DeadlineExceeded)
	}
	if cause := context.Cause(ctx); cause != nil && cause != ctx.Err() {
		return fmt.Errorf("%w: %w", ctx.Err(), cause)
	}
	return ctx.Err()
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.LastIndexByte(s, '\n'); idx >= 0 {
		s = s[idx+1:]
	}
	return strings.TrimSpace(s)
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(p)
	if len(p) >= b.limit {
		b.buf.Reset()
		b.buf.Write(p[len(p)-b.limit:])
		return n, nil
	}
	b.buf.Write(p)
	if over := b.buf.Len() - b.limit; over > 0 {
		b.buf.Next(over)
	}
	return n, nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
