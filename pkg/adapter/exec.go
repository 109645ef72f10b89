package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// stderrTail is how much of a failing process's stderr is kept.
const stderrTail = 2048

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }

type command struct {
	argv    []string
	dir     string
	stdin   []byte
	timeout time.Duration
}

type abortKey struct{}

// WithAbort returns a copy of ctx whose child processes are killed when
// abort is done. Cancelling ctx itself never kills a running process: a
// model that has started runs to completion or to its timeout.
func WithAbort(ctx, abort context.Context) context.Context {
	return context.WithValue(ctx, abortKey{}, abort)
}

// processContext detaches the child process from ctx cancellation, keeping
// only the abort signal and the per-call timeout.
func processContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := func() bool { return false }
	if abort, ok := ctx.Value(abortKey{}).(context.Context); ok && abort != nil {
		stop = context.AfterFunc(abort, cancel)
	}
	release := func() {
		stop()
		cancel()
	}
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		procCtx, cancelTimeout = context.WithTimeout(procCtx, timeout)
		return procCtx, func() {
			cancelTimeout()
			release()
		}
	}
	return procCtx, release
}

// run executes c and returns its stdout. Timeouts map to ErrTimeout, an
// abort to context.Canceled, and process failures to *ExecError.
func run(ctx context.Context, c command) ([]byte, error) {
	if len(c.argv) == 0 || c.argv[0] == "" {
		return nil, errors.New("empty command")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	procCtx, cancel := processContext(ctx, c.timeout)
	defer cancel()

	// #nosec G204 -- commands come from the experiment configuration
	cmd := exec.CommandContext(procCtx, c.argv[0], c.argv[1:]...)
	cmd.Dir = c.dir
	cmd.WaitDelay = 5 * time.Second
	killProcessGroup(cmd)
	if c.stdin != nil {
		cmd.Stdin = bytes.NewReader(c.stdin)
	}
	var stdout bytes.Buffer
	stderr := &tailBuffer{max: stderrTail}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	if ctxErr := procCtx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
		}
		return nil, fmt.Errorf("%s aborted: %w", c.argv[0], context.Canceled)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &ExecError{Command: c.argv[0], ExitCode: exitErr.ExitCode(), Stderr: stderr.String(), Err: err}
		}
		return nil, &ExecError{Command: c.argv[0], ExitCode: -1, Stderr: stderr.String(), Err: err}
	}
	return stdout.Bytes(), nil
}
