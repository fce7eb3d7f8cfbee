// Package toolexec runs the external image and flash tools the pipeline
// depends on.
package toolexec

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"os/exec"
	"time"

	"github.com/aeg-devices/loki-update/pkg/errors"
)

// waitDelay bounds how long Wait blocks on output pipes held open by
// grandchildren after the tool itself was killed.
const waitDelay = time.Second

// Runner invokes external tools.
type Runner interface {
	// Run executes name with args and returns its standard output.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)

	// Stream executes name with args, calling onLine for every output line
	// as it is produced.
	Stream(ctx context.Context, name string, args []string, onLine func(string)) error
}

// Exec runs tools as child processes.
type Exec struct {
	timeout time.Duration
}

// NewExec creates a runner that kills tools running longer than timeout.
// A zero timeout disables the limit.
func NewExec(timeout time.Duration) *Exec {
	return &Exec{timeout: timeout}
}

func (e *Exec) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.timeout)
}

func (e *Exec) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	slog.Debug("tool_run", "tool", name, "args", args)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), invocationError(name, args, stderr.String(), err)
	}
	return stdout.Bytes(), nil
}

func (e *Exec) Stream(ctx context.Context, name string, args []string, onLine func(string)) error {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	slog.Debug("tool_stream", "tool", name, "args", args)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "create stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		return invocationError(name, args, "", err)
	}

	scanErr := ScanLines(stdout, onLine)

	if err := cmd.Wait(); err != nil {
		return invocationError(name, args, stderr.String(), err)
	}
	if scanErr != nil {
		return &errors.ParseError{What: name + " output", Err: scanErr}
	}
	return nil
}

// ScanLines splits r on newlines and carriage returns, dropping empty lines.
func ScanLines(r io.Reader, onLine func(string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Split(splitLines)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			onLine(line)
		}
	}
	return scanner.Err()
}

func splitLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func invocationError(name string, args []string, stderr string, err error) error {
	code := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}
	slog.Error("tool_failed", "tool", name, "exit_code", code, "stderr", stderr, "error", err)
	return &errors.ToolInvocationError{
		Tool:     name,
		Args:     args,
		ExitCode: code,
		Stderr:   stderr,
		Err:      err,
	}
}
