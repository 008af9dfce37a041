package transport

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescale/rescale-upload/internal/transfer"
)

type recordingSink struct {
	mu       sync.Mutex
	progress []int
	outcomes []Outcome
	done     chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{done: make(chan struct{})}
}

func (s *recordingSink) Progress(taskID string, percent int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, percent)
}

func (s *recordingSink) Done(taskID string, out Outcome) {
	s.mu.Lock()
	s.outcomes = append(s.outcomes, out)
	first := len(s.outcomes) == 1
	s.mu.Unlock()
	if first {
		close(s.done)
	}
}

func (s *recordingSink) wait(t *testing.T) Outcome {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		t.Fatal("transfer did not finish")
	}
	// Give a stray second Done a chance to show up
	time.Sleep(20 * time.Millisecond)
	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.outcomes, 1, "Done must be called exactly once")
	return s.outcomes[0]
}

func (s *recordingSink) progressSeen() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.progress...)
}

// admit registers p and admits it, returning the task and its handle.
func admit(t *testing.T, p transfer.Payload) transfer.Admission {
	t.Helper()
	reg := transfer.NewRegistry(nil)
	reg.Add(p)
	admitted, err := reg.Admit()
	require.NoError(t, err)
	require.Len(t, admitted, 1)
	return admitted[0]
}

type receivedUpload struct {
	fileName    string
	fileType    string
	content     []byte
	fields      map[string]string
	header      http.Header
	contentType string
}

func receivingServer(t *testing.T, status int, got chan<- receivedUpload) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f, fh, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(f)
		f.Close()

		fields := make(map[string]string)
		for k, v := range r.MultipartForm.Value {
			fields[k] = v[0]
		}
		got <- receivedUpload{
			fileName:    fh.Filename,
			fileType:    fh.Header.Get("Content-Type"),
			content:     data,
			fields:      fields,
			header:      r.Header.Clone(),
			contentType: r.Header.Get("Content-Type"),
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
}

func TestHTTPAdapter_Success(t *testing.T) {
	got := make(chan receivedUpload, 1)
	srv := receivingServer(t, http.StatusOK, got)
	defer srv.Close()

	a := admit(t, transfer.BytesPayload("report.txt", []byte("hello world")))
	sink := newRecordingSink()

	NewHTTPAdapter(srv.Client(), nil).Begin(a.Handle, a.Task, Request{
		Endpoint: srv.URL,
		Headers:  map[string]string{"Authorization": "Bearer abc", "Content-Type": "text/plain"},
		Fields:   map[string]string{"project": "p1", "kind": "report"},
	}, sink)

	out := sink.wait(t)
	assert.Equal(t, transfer.StatusSuccess, out.Status)
	assert.NoError(t, out.Err)
	require.NotNil(t, out.Response)
	assert.Equal(t, http.StatusOK, out.Response.StatusCode)
	assert.Equal(t, `{"success":true}`, string(out.Response.Body))

	rcv := <-got
	assert.Equal(t, "report.txt", rcv.fileName)
	assert.Equal(t, []byte("hello world"), rcv.content)
	assert.Equal(t, map[string]string{"project": "p1", "kind": "report"}, rcv.fields)
	assert.Equal(t, "Bearer abc", rcv.header.Get("Authorization"))
	assert.Contains(t, rcv.contentType, "multipart/form-data; boundary=")
}

func TestHTTPAdapter_Non2xxFails(t *testing.T) {
	got := make(chan receivedUpload, 1)
	srv := receivingServer(t, http.StatusInternalServerError, got)
	defer srv.Close()

	a := admit(t, transfer.BytesPayload("a.bin", []byte{1, 2, 3}))
	sink := newRecordingSink()
	NewHTTPAdapter(srv.Client(), nil).Begin(a.Handle, a.Task, Request{Endpoint: srv.URL}, sink)

	out := sink.wait(t)
	assert.Equal(t, transfer.StatusFailed, out.Status)
	assert.Nil(t, out.Response)

	var httpErr *transfer.HTTPError
	require.ErrorAs(t, out.Err, &httpErr)
	assert.Equal(t, http.StatusInternalServerError, httpErr.StatusCode)
	assert.Equal(t, "Internal Server Error", out.Err.Error())
}

func TestHTTPAdapter_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	a := admit(t, transfer.BytesPayload("a.bin", []byte{1, 2, 3}))
	sink := newRecordingSink()
	NewHTTPAdapter(nil, nil).Begin(a.Handle, a.Task, Request{Endpoint: url}, sink)

	out := sink.wait(t)
	assert.Equal(t, transfer.StatusFailed, out.Status)
	var netErr *transfer.NetworkError
	assert.ErrorAs(t, out.Err, &netErr)
	assert.Contains(t, out.Err.Error(), "Network error")
}

func TestHTTPAdapter_CancelInFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	a := admit(t, transfer.BytesPayload("big.bin", make([]byte, 1024)))
	sink := newRecordingSink()
	NewHTTPAdapter(srv.Client(), nil).Begin(a.Handle, a.Task, Request{Endpoint: srv.URL}, sink)

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("request never reached the server")
	}
	a.Handle.Cancel()

	out := sink.wait(t)
	assert.Equal(t, transfer.StatusAborted, out.Status)
	assert.True(t, transfer.IsAbort(out.Err))
}

func TestHTTPAdapter_CancelledBeforeBegin(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
	}))
	defer srv.Close()

	a := admit(t, transfer.BytesPayload("a.bin", []byte{1}))
	a.Handle.Cancel()

	sink := newRecordingSink()
	NewHTTPAdapter(srv.Client(), nil).Begin(a.Handle, a.Task, Request{Endpoint: srv.URL}, sink)

	out := sink.wait(t)
	assert.Equal(t, transfer.StatusAborted, out.Status)
	mu.Lock()
	assert.Zero(t, hits)
	mu.Unlock()
}

func TestHTTPAdapter_OpenFailure(t *testing.T) {
	p := transfer.Payload{
		Name: "missing.bin",
		Size: 10,
		Open: func() (io.ReadCloser, error) { return nil, io.ErrUnexpectedEOF },
	}
	a := admit(t, p)
	sink := newRecordingSink()
	NewHTTPAdapter(nil, nil).Begin(a.Handle, a.Task, Request{Endpoint: "http://127.0.0.1:0"}, sink)

	out := sink.wait(t)
	assert.Equal(t, transfer.StatusFailed, out.Status)
	assert.ErrorIs(t, out.Err, io.ErrUnexpectedEOF)
}

func TestHTTPAdapter_ProgressIsMonotonic(t *testing.T) {
	got := make(chan receivedUpload, 1)
	srv := receivingServer(t, http.StatusCreated, got)
	defer srv.Close()

	data := bytes.Repeat([]byte("0123456789abcdef"), 64*1024)
	a := admit(t, transfer.BytesPayload("large.dat", data))
	sink := newRecordingSink()
	NewHTTPAdapter(srv.Client(), nil).Begin(a.Handle, a.Task, Request{Endpoint: srv.URL}, sink)

	out := sink.wait(t)
	require.Equal(t, transfer.StatusSuccess, out.Status)
	rcv := <-got
	assert.Len(t, rcv.content, len(data))

	seen := sink.progressSeen()
	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i], seen[i-1], "progress must strictly increase")
	}
	assert.Equal(t, 100, seen[len(seen)-1])
}

func TestHTTPAdapter_SniffsContentType(t *testing.T) {
	png := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 64)...)

	tests := []struct {
		name     string
		payload  transfer.Payload
		wantType string
	}{
		{"sniffed png", transfer.BytesPayload("image", png), "image/png"},
		{"sniffed text", transfer.BytesPayload("notes", []byte("plain words\n")), "text/plain; charset=utf-8"},
		{"explicit type kept", func() transfer.Payload {
			p := transfer.BytesPayload("data.json", []byte(`{"a":1}`))
			p.ContentType = "application/x-custom"
			return p
		}(), "application/x-custom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := make(chan receivedUpload, 1)
			srv := receivingServer(t, http.StatusOK, got)
			defer srv.Close()

			a := admit(t, tt.payload)
			sink := newRecordingSink()
			NewHTTPAdapter(srv.Client(), nil).Begin(a.Handle, a.Task, Request{Endpoint: srv.URL}, sink)

			out := sink.wait(t)
			require.Equal(t, transfer.StatusSuccess, out.Status)
			assert.Equal(t, tt.wantType, (<-got).fileType)
		})
	}
}

func TestHTTPAdapter_FileChangedWhileQueued(t *testing.T) {
	for _, tt := range []struct {
		name    string
		initial string
		current string
	}{
		{"grew", "hello", "hello, longer body"},
		{"shrank", "a much longer original body", "short"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "data.txt")
			require.NoError(t, os.WriteFile(path, []byte(tt.initial), 0600))

			p, err := transfer.FilePayload(path)
			require.NoError(t, err)
			a := admit(t, p)

			// Rewritten after the task was queued, before it is sent
			require.NoError(t, os.WriteFile(path, []byte(tt.current), 0600))

			got := make(chan receivedUpload, 1)
			srv := receivingServer(t, http.StatusOK, got)
			defer srv.Close()

			sink := newRecordingSink()
			NewHTTPAdapter(srv.Client(), nil).Begin(a.Handle, a.Task, Request{Endpoint: srv.URL}, sink)

			out := sink.wait(t)
			require.Equal(t, transfer.StatusSuccess, out.Status, "err: %v", out.Err)
			assert.Equal(t, tt.current, string((<-got).content))
		})
	}
}

func TestHTTPAdapter_ShortContentIsNotNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
	}))
	defer srv.Close()

	p := transfer.BytesPayload("short.bin", []byte("abc"))
	p.Size = 1000
	a := admit(t, p)
	sink := newRecordingSink()
	NewHTTPAdapter(srv.Client(), nil).Begin(a.Handle, a.Task, Request{Endpoint: srv.URL}, sink)

	out := sink.wait(t)
	require.Equal(t, transfer.StatusFailed, out.Status)
	assert.ErrorIs(t, out.Err, io.ErrUnexpectedEOF)
	var netErr *transfer.NetworkError
	assert.False(t, errors.As(out.Err, &netErr), "local read failure reported as %v", out.Err)
}

func TestHTTPAdapter_UnknownSizeIsChunked(t *testing.T) {
	got := make(chan receivedUpload, 1)
	srv := receivingServer(t, http.StatusOK, got)
	defer srv.Close()

	p := transfer.BytesPayload("stream.txt", []byte("streamed content"))
	p.Size = -1
	a := admit(t, p)
	sink := newRecordingSink()
	NewHTTPAdapter(srv.Client(), nil).Begin(a.Handle, a.Task, Request{Endpoint: srv.URL}, sink)

	out := sink.wait(t)
	require.Equal(t, transfer.StatusSuccess, out.Status, "err: %v", out.Err)
	assert.Equal(t, "streamed content", string((<-got).content))
}
