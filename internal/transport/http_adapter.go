package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rescale/rescale-upload/internal/constants"
	"github.com/rescale/rescale-upload/internal/logging"
	"github.com/rescale/rescale-upload/internal/transfer"
)

// HTTPAdapter sends each task as a multipart/form-data POST.
type HTTPAdapter struct {
	client *http.Client
	logger *logging.Logger
}

// NewHTTPAdapter creates an adapter using client. A nil client falls back to
// http.DefaultClient, a nil logger discards output.
func NewHTTPAdapter(client *http.Client, logger *logging.Logger) *HTTPAdapter {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &HTTPAdapter{client: client, logger: logger}
}

// Begin starts the transfer in its own goroutine.
func (a *HTTPAdapter) Begin(h *transfer.Handle, task transfer.Task, req Request, sink Sink) {
	go a.run(h, task, req, sink)
}

func (a *HTTPAdapter) run(h *transfer.Handle, task transfer.Task, req Request, sink Sink) {
	out := failed(nil)
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error().Msgf("PANIC in upload for %s: %v", task.Payload.Name, r)
			out = failed(fmt.Errorf("panic: %v", r))
		}
		sink.Done(task.ID, out)
	}()
	out = a.send(h.Context(), task, req, sink)
}

func (a *HTTPAdapter) send(ctx context.Context, task transfer.Task, req Request, sink Sink) Outcome {
	if ctx.Err() != nil {
		return aborted(task.ID)
	}
	if task.Payload.Open == nil {
		return failed(fmt.Errorf("payload %s has no content", task.Payload.Name))
	}

	content, err := task.Payload.Open()
	if err != nil {
		return failed(fmt.Errorf("failed to open %s: %w", task.Payload.Name, err))
	}
	defer content.Close()

	size, err := contentSize(task.Payload, content)
	if err != nil {
		return failed(err)
	}

	body, err := buildMultipartBody(task.Payload, content, size, req.Fields)
	if err != nil {
		return failed(err)
	}

	progress := newProgressReader(task.ID, size, sink)
	defer progress.stop()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Endpoint,
		body.reader(progress.wrap))
	if err != nil {
		return failed(fmt.Errorf("failed to create request: %w", err))
	}
	httpReq.ContentLength = body.contentLength
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	// Multipart boundary must win over any caller-supplied Content-Type
	httpReq.Header.Set("Content-Type", body.contentType)

	a.logger.Debug().
		Str("task", task.ID).
		Str("file", task.Payload.Name).
		Int64("bytes", body.contentLength).
		Msg("Sending upload")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return aborted(task.ID)
		}
		if readErr := body.readErr(); readErr != nil {
			return failed(fmt.Errorf("failed to read %s: %w", task.Payload.Name, readErr))
		}
		return failed(&transfer.NetworkError{Err: err})
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, constants.MaxResponseBodySize))
	if err != nil {
		if ctx.Err() != nil {
			return aborted(task.ID)
		}
		return failed(&transfer.NetworkError{Err: err})
	}
	if ctx.Err() != nil {
		return aborted(task.ID)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return failed(&transfer.HTTPError{StatusCode: resp.StatusCode, Status: resp.Status})
	}

	return Outcome{
		Status: transfer.StatusSuccess,
		Response: &Response{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Header:     resp.Header,
			Body:       respBody,
		},
	}
}

// contentSize returns the byte count to send. Files are re-stat'ed after
// opening, since they may have changed while the task waited for a slot.
// Other content uses the payload's declared size; negative means unknown.
func contentSize(p transfer.Payload, content io.Reader) (int64, error) {
	st, ok := content.(interface{ Stat() (os.FileInfo, error) })
	if !ok {
		return p.Size, nil
	}
	info, err := st.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", p.Name, err)
	}
	if !info.Mode().IsRegular() {
		return -1, nil
	}
	return info.Size(), nil
}

// progressReader counts payload bytes as the HTTP client pulls them and
// reports each change of the integer percentage. Once stopped it reports
// nothing, so no progress can follow the terminal outcome.
type progressReader struct {
	taskID  string
	total   int64
	sink    Sink
	read    int64
	last    int
	mu      sync.Mutex
	stopped atomic.Bool
}

func newProgressReader(taskID string, total int64, sink Sink) *progressReader {
	return &progressReader{taskID: taskID, total: total, sink: sink, last: -1}
}

func (p *progressReader) wrap(r io.Reader) io.Reader {
	return &countingReader{r: r, p: p}
}

func (p *progressReader) stop() {
	p.stopped.Store(true)
}

func (p *progressReader) add(n int) {
	if n <= 0 || p.total <= 0 {
		return
	}
	p.mu.Lock()
	p.read += int64(n)
	percent := int(p.read * 100 / p.total)
	if percent > 100 {
		percent = 100
	}
	changed := percent > p.last
	if changed {
		p.last = percent
	}
	p.mu.Unlock()

	if changed && !p.stopped.Load() {
		p.sink.Progress(p.taskID, percent)
	}
}

type countingReader struct {
	r io.Reader
	p *progressReader
}

func (c *countingReader) Read(b []byte) (int, error) {
	n, err := c.r.Read(b)
	c.p.add(n)
	return n, err
}
