package transfer

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Registry operation errors
var (
	// ErrTaskNotFound indicates no task with the given ID is registered
	ErrTaskNotFound = errors.New("task not found")
	// ErrAlreadyTerminal indicates a second terminal outcome for the same task
	ErrAlreadyTerminal = errors.New("task already reached a terminal state")
	// ErrInvalidTransition indicates an update not allowed from the task's current state
	ErrInvalidTransition = errors.New("invalid task state transition")
	// ErrInvalidLimit indicates a concurrency limit below 1
	ErrInvalidLimit = errors.New("max concurrent must be at least 1")
	// ErrLimitBelowActive indicates a concurrency limit lower than the uploads already in flight
	ErrLimitBelowActive = errors.New("max concurrent is below the number of active uploads")
)

// NetworkError is a connection-level failure before any response arrived.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	if e.Err == nil {
		return "Network error"
	}
	return "Network error: " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// HTTPError is a response with a non-2xx status. Its message is the status text.
type HTTPError struct {
	StatusCode int
	Status     string // As received, e.g. "500 Internal Server Error"
}

func (e *HTTPError) Error() string {
	if text := e.StatusText(); text != "" {
		return text
	}
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// StatusText returns the reason phrase without the numeric code.
func (e *HTTPError) StatusText() string {
	text := strings.TrimSpace(strings.TrimPrefix(e.Status, fmt.Sprintf("%d", e.StatusCode)))
	if text == "" {
		text = http.StatusText(e.StatusCode)
	}
	return text
}

// AbortError reports a task cancelled by the caller.
type AbortError struct {
	TaskID string
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("upload %s aborted", e.TaskID)
}

// CapacityError means admission found more active uploads than the limit.
// The registry never admits past the limit, so seeing this is a bug.
type CapacityError struct {
	Active int
	Max    int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity exceeded: %d active uploads with max %d", e.Active, e.Max)
}

// IsAbort reports whether err is (or wraps) an AbortError.
func IsAbort(err error) bool {
	var abortErr *AbortError
	return errors.As(err, &abortErr)
}

// failureMessage turns a failure into the human-readable text stored on the task.
func failureMessage(err error) string {
	if err == nil {
		return "Upload failed"
	}
	return err.Error()
}
