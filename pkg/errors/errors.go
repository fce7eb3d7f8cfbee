// Package errors provides error wrapping and the error kinds raised by the
// update pipeline.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// As is errors.As, re-exported so callers only import this package.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// Join is errors.Join.
func Join(errs ...error) error {
	return stderrors.Join(errs...)
}

// ToolInvocationError is an external tool that exited non-zero.
type ToolInvocationError struct {
	Tool     string
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ToolInvocationError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("%s exited with code %d: %s", e.Tool, e.ExitCode, msg)
}

func (e *ToolInvocationError) Unwrap() error { return e.Err }

// Diagnostic returns the captured error stream, falling back to the error text.
func (e *ToolInvocationError) Diagnostic() string {
	if s := strings.TrimSpace(e.Stderr); s != "" {
		return s
	}
	return e.Error()
}

// NotFoundError reports an expected file, partition or device that is absent.
type NotFoundError struct {
	What string
}

func (e *NotFoundError) Error() string {
	return e.What + " not found"
}

// ParseError reports malformed metadata or tool output.
type ParseError struct {
	What string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Err == nil {
		return "failed to parse " + e.What
	}
	return fmt.Sprintf("failed to parse %s: %v", e.What, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ChecksumMismatchError reports staged content that does not hash to the
// registered value.
type ChecksumMismatchError struct {
	File     string
	Expected string
	Actual   string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.File, e.Expected, e.Actual)
}

// MissingChecksumError reports a staged file with no registered checksum.
type MissingChecksumError struct {
	File string
}

func (e *MissingChecksumError) Error() string {
	return fmt.Sprintf("no checksum registered for %s", e.File)
}

// Remote release service steps.
const (
	StepListReleases  = "list-releases"
	StepGetRelease    = "get-release"
	StepDownloadAsset = "download-asset"
)

// RemoteServiceError is a non-success response from the release service.
type RemoteServiceError struct {
	Step   string
	Status int
	URL    string
	Err    error
}

func (e *RemoteServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("release service %s failed (%s): %v", e.Step, e.URL, e.Err)
	}
	return fmt.Sprintf("release service %s returned status %d (%s)", e.Step, e.Status, e.URL)
}

func (e *RemoteServiceError) Unwrap() error { return e.Err }

// PolicyViolationError is an operation attempted while disabled by policy.
type PolicyViolationError struct {
	Operation string
	Policy    string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("%s is not permitted: %s is disabled", e.Operation, e.Policy)
}

// BusyError is returned when a mutating request arrives while a job of the
// same family is still running.
type BusyError struct {
	Job string
}

func (e *BusyError) Error() string {
	return e.Job + " already in progress"
}
