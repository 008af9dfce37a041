// Package transfer holds the upload task registry: the authoritative, ordered
// store of upload tasks and the concurrency counters the scheduler admits
// against.
package transfer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an upload task.
type Status string

const (
	StatusPending   Status = "pending"   // Waiting for a free slot
	StatusUploading Status = "uploading" // Admitted; transport is sending bytes
	StatusSuccess   Status = "success"   // Endpoint answered 2xx
	StatusFailed    Status = "failed"    // Non-2xx response or network failure
	StatusAborted   Status = "aborted"   // Cancelled by the caller
)

// IsTerminal reports whether no further transitions are possible from s.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusAborted
}

// Payload references the content a task sends. The caller owns the content;
// the task only keeps the reference and opens it when the transfer starts.
type Payload struct {
	Name        string // Filename reported in the multipart part
	Size        int64  // Byte size for progress percentages; negative when unknown
	ContentType string // Optional; sniffed from the content when empty

	// Open returns a fresh reader over the content. Called once per transfer.
	Open func() (io.ReadCloser, error)
}

// FilePayload builds a payload for a file on disk. The file is stat'ed now
// and opened only when the upload is admitted; the upload sends the file as
// it is at that point, whatever its size then.
func FilePayload(path string) (Payload, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Payload{}, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return Payload{}, fmt.Errorf("%s is a directory", path)
	}
	return Payload{
		Name: filepath.Base(path),
		Size: info.Size(),
		Open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}, nil
}

// BytesPayload builds a payload over an in-memory buffer.
func BytesPayload(name string, data []byte) Payload {
	return Payload{
		Name: name,
		Size: int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// Handle is the live transport handle of an uploading task: a cancellation
// token the transport binds its request to. Exactly one handle exists per
// uploading task and it is never shared.
type Handle struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
}

func newHandle() *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handle{
		id:     uuid.NewString(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ID returns the handle's unique identifier.
func (h *Handle) ID() string {
	return h.id
}

// Context is cancelled when the upload is cancelled or has finished.
func (h *Handle) Context() context.Context {
	return h.ctx
}

// Cancel requests that the transfer abort. Safe to call more than once.
func (h *Handle) Cancel() {
	h.cancel()
}

// Cancelled reports whether Cancel has been called.
func (h *Handle) Cancelled() bool {
	return h.ctx.Err() != nil
}

// Task is one requested upload and its tracked state.
// Values returned by the Registry are copies; mutate only through Registry.Apply.
type Task struct {
	ID       string
	Payload  Payload
	Status   Status
	Progress int    // 0-100, meaningful while uploading or after success
	Error    string // Set only when Status == StatusFailed

	CreatedAt   time.Time
	StartedAt   time.Time // When the task was admitted
	CompletedAt time.Time // When the task reached a terminal state

	handle *Handle
}

// HasHandle reports whether the task holds a live transport handle.
func (t Task) HasHandle() bool {
	return t.handle != nil
}

// IsTerminal returns true if the task is in a terminal state.
func (t Task) IsTerminal() bool {
	return t.Status.IsTerminal()
}

func newTask(p Payload) *Task {
	return &Task{
		ID:        uuid.NewString(),
		Payload:   p,
		Status:    StatusPending,
		Progress:  0,
		CreatedAt: time.Now(),
	}
}
