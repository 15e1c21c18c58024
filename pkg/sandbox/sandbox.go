// Package sandbox runs external analyzer processes with a per-process
// timeout and a graceful-then-forceful termination policy.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

// ErrTimeout is returned when a process exceeds its configured timeout.
var ErrTimeout = errors.New("sandbox: process timed out")

// Request describes one subprocess invocation.
type Request struct {
	Binary  string
	Args    []string
	Dir     string
	Timeout time.Duration
}

// Result is the settled outcome of a subprocess.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Runner executes a subprocess and returns its settled result.
// Implementations must honour ctx cancellation in addition to the
// per-request timeout.
type Runner interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// Local runs processes on the host. On cancellation or timeout the
// process first receives SIGTERM; if it is still alive after
// GraceWindow it is killed.
type Local struct {
	// GraceWindow is how long a process gets between SIGTERM and
	// SIGKILL. Zero means 5 seconds.
	GraceWindow time.Duration
}

func (l *Local) grace() time.Duration {
	if l.GraceWindow > 0 {
		return l.GraceWindow
	}
	return 5 * time.Second
}

// Run executes the request. A non-zero exit code is not an error: the
// result carries the code and both output streams so the caller can
// decide. Run returns ErrTimeout when the deadline elapsed, or
// ctx.Err() when the surrounding scan was cancelled.
func (l *Local) Run(ctx context.Context, req Request) (Result, error) {
	if req.Binary == "" {
		return Result{}, errors.New("sandbox: empty binary")
	}
	if _, err := exec.LookPath(req.Binary); err != nil {
		return Result{}, fmt.Errorf("sandbox: %q not found in PATH: %w", req.Binary, err)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, req.Binary, req.Args...)
	cmd.Dir = req.Dir
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = l.grace()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	res := Result{ExitCode: -1, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if runCtx.Err() != nil {
		// Distinguish the per-process timeout from scan cancellation.
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, ErrTimeout
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return res, fmt.Errorf("sandbox: %s: %w", req.Binary, err)
	}
	return res, nil
}
