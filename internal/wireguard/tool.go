package wireguard

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ErrToolNotFound is returned when the control binary is not installed
var ErrToolNotFound = errors.New("wireguard tool not found")

// ToolError is the typed result of a tool invocation that ran but failed.
// Code is the exit status, or -1 when the process was killed by the timeout.
type ToolError struct {
	Tool   string
	Args   []string
	Code   int
	Stderr string
	Err    error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s %s exited with code %d", e.Tool, firstArg(e.Args), e.Code)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// TimedOut reports whether the invocation was cut off by its deadline
func (e *ToolError) TimedOut() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

// Runner executes an external command and returns its stdout
type Runner interface {
	Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec, bounding each call by Timeout
type ExecRunner struct {
	Timeout time.Duration
}

// NewExecRunner creates a runner with the given per-call timeout
func NewExecRunner(timeout time.Duration) *ExecRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ExecRunner{Timeout: timeout}
}

// Run executes name with args, feeding stdin if non-nil
func (r *ExecRunner) Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), nil
	}

	if errors.Is(err, exec.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	toolErr := &ToolError{
		Tool:   name,
		Args:   args,
		Code:   -1,
		Stderr: strings.TrimSpace(stderr.String()),
		Err:    err,
	}
	if ctx.Err() != nil {
		toolErr.Err = ctx.Err()
		return nil, toolErr
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		toolErr.Code = exitErr.ExitCode()
	}
	return nil, toolErr
}
