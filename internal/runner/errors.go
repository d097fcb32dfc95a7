package runner

import (
	"errors"
	"fmt"

	"github.com/Moey28/Dune-data-market-collection/internal/dune"
)

// Failure kinds. Every error returned by Runner wraps exactly one of these,
// alongside the underlying cause.
var (
	ErrAuth            = errors.New("credentials rejected")
	ErrSubmit          = errors.New("submit failed")
	ErrExecutionFailed = errors.New("execution did not complete successfully")
	ErrTimeoutExceeded = errors.New("timed out waiting for execution")
	ErrPoll            = errors.New("status poll failed")
	ErrFetch           = errors.New("fetch failed")
	ErrIO              = errors.New("saving result failed")
	ErrUpload          = errors.New("upload failed")
)

// ExecutionFailedError carries the terminal state of a remote execution that
// failed or was cancelled.
type ExecutionFailedError struct {
	ExecutionID string
	State       dune.State
	Message     string
}

func (e *ExecutionFailedError) Error() string {
	msg := fmt.Sprintf("execution %s did not complete successfully: %s", e.ExecutionID, e.State)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *ExecutionFailedError) Unwrap() error {
	return ErrExecutionFailed
}
