// Package transport performs the network side of an upload: one multipart
// POST per admitted task, reporting progress and exactly one terminal
// outcome back to the scheduler.
package transport

import (
	"net/http"

	"github.com/rescale/rescale-upload/internal/transfer"
)

// Request describes where and how a task is sent.
type Request struct {
	Endpoint string
	Headers  map[string]string // Set on the HTTP request
	Fields   map[string]string // Appended as extra multipart form fields after "file"
}

// Response is what the endpoint answered for a successful upload.
type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte // Truncated to constants.MaxResponseBodySize
}

// Outcome is the terminal result of one transfer.
type Outcome struct {
	Status   transfer.Status // StatusSuccess, StatusFailed or StatusAborted
	Response *Response       // Set for StatusSuccess
	Err      error           // *transfer.HTTPError, *transfer.NetworkError or *transfer.AbortError
}

// Sink receives a transfer's reports.
type Sink interface {
	// Progress is called whenever the integer percentage changes.
	Progress(taskID string, percent int)
	// Done is called exactly once per Begin.
	Done(taskID string, out Outcome)
}

// Adapter starts transfers. Begin returns immediately; the transfer runs in
// the background and is bound to the handle's context, so cancelling the
// handle always ends in a Done with StatusAborted.
type Adapter interface {
	Begin(h *transfer.Handle, task transfer.Task, req Request, sink Sink)
}

func aborted(taskID string) Outcome {
	return Outcome{
		Status: transfer.StatusAborted,
		Err:    &transfer.AbortError{TaskID: taskID},
	}
}

func failed(err error) Outcome {
	return Outcome{
		Status: transfer.StatusFailed,
		Err:    err,
	}
}
