package transport

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"sort"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"

	"github.com/rescale/rescale-upload/internal/constants"
	"github.com/rescale/rescale-upload/internal/transfer"
)

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// multipartBody is a multipart/form-data body: the file part header, the
// payload bytes streamed from the caller's reader, then the extra fields and
// the closing boundary. Nothing but the headers is buffered. contentLength is
// -1 when the payload size is unknown.
type multipartBody struct {
	head          []byte
	payload       *payloadReader
	tail          []byte
	contentType   string
	contentLength int64
}

// reader returns the body stream. wrap, when set, wraps only the payload
// section so progress counts payload bytes and not multipart framing.
func (b *multipartBody) reader(wrap func(io.Reader) io.Reader) io.Reader {
	var payload io.Reader = b.payload
	if wrap != nil {
		payload = wrap(payload)
	}
	return io.MultiReader(bytes.NewReader(b.head), payload, bytes.NewReader(b.tail))
}

// readErr returns the local error that cut the payload short, if any.
func (b *multipartBody) readErr() error {
	return b.payload.failure()
}

// buildMultipartBody lays out the body for payload p read from content, which
// holds size bytes (negative when unknown). The file part comes first, extra
// fields follow in key order.
func buildMultipartBody(p transfer.Payload, content io.Reader, size int64, fields map[string]string) (*multipartBody, error) {
	buffered := bufio.NewReaderSize(content, constants.SniffBufferSize)

	partType := p.ContentType
	if partType == "" {
		head, err := buffered.Peek(constants.SniffBufferSize)
		if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
			return nil, fmt.Errorf("failed to read %s: %w", p.Name, err)
		}
		partType = mimetype.Detect(head).String()
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		constants.FileFieldName, quoteEscaper.Replace(p.Name)))
	h.Set("Content-Type", partType)
	if _, err := mw.CreatePart(h); err != nil {
		return nil, fmt.Errorf("failed to create file part: %w", err)
	}
	head := append([]byte(nil), buf.Bytes()...)
	buf.Reset()

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := mw.WriteField(k, fields[k]); err != nil {
			return nil, fmt.Errorf("failed to write field %q: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart body: %w", err)
	}
	tail := append([]byte(nil), buf.Bytes()...)

	contentLength := int64(-1)
	if size >= 0 {
		contentLength = int64(len(head)) + size + int64(len(tail))
	}

	return &multipartBody{
		head:          head,
		payload:       &payloadReader{r: buffered, size: size},
		tail:          tail,
		contentType:   mw.FormDataContentType(),
		contentLength: contentLength,
	}, nil
}

// payloadReader yields at most size bytes of the payload and records local
// read failures, including content that ends before size bytes, so they can
// be told apart from network errors once the request fails.
type payloadReader struct {
	r    io.Reader
	size int64 // Negative when unknown
	read int64

	mu  sync.Mutex
	err error
}

func (p *payloadReader) Read(b []byte) (int, error) {
	if p.size >= 0 {
		remaining := p.size - p.read
		if remaining <= 0 {
			return 0, io.EOF
		}
		if int64(len(b)) > remaining {
			b = b[:remaining]
		}
	}

	n, err := p.r.Read(b)
	p.read += int64(n)

	if err == io.EOF && p.size >= 0 && p.read < p.size {
		err = fmt.Errorf("%w: content ended after %d of %d bytes", io.ErrUnexpectedEOF, p.read, p.size)
	}
	if err != nil && err != io.EOF {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
	}
	return n, err
}

func (p *payloadReader) failure() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
