package transport

import (
	"bytes"
	"io"
	"mime"
	"mime/multipart"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescale/rescale-upload/internal/transfer"
)

func TestBuildMultipartBody_Layout(t *testing.T) {
	data := []byte("payload bytes")
	p := transfer.BytesPayload(`we"ird.txt`, data)
	p.ContentType = "text/plain"

	body, err := buildMultipartBody(p, bytes.NewReader(data), p.Size, map[string]string{"b": "2", "a": "1"})
	require.NoError(t, err)

	raw, err := io.ReadAll(body.reader(nil))
	require.NoError(t, err)
	assert.EqualValues(t, len(raw), body.contentLength, "declared length must match the bytes produced")

	mediaType, params, err := mime.ParseMediaType(body.contentType)
	require.NoError(t, err)
	assert.Equal(t, "multipart/form-data", mediaType)

	mr := multipart.NewReader(bytes.NewReader(raw), params["boundary"])

	part, err := mr.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "file", part.FormName())
	assert.Equal(t, `we"ird.txt`, part.FileName())
	assert.Equal(t, "text/plain", part.Header.Get("Content-Type"))
	got, _ := io.ReadAll(part)
	assert.Equal(t, data, got)

	var names []string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		v, _ := io.ReadAll(part)
		names = append(names, part.FormName()+"="+string(v))
	}
	assert.Equal(t, []string{"a=1", "b=2"}, names)
}

func TestBuildMultipartBody_WrapSeesOnlyPayload(t *testing.T) {
	data := []byte(strings.Repeat("x", 5000))
	p := transfer.BytesPayload("x.txt", data)

	body, err := buildMultipartBody(p, bytes.NewReader(data), p.Size, map[string]string{"k": "v"})
	require.NoError(t, err)

	var counted int
	wrap := func(r io.Reader) io.Reader {
		return readerFunc(func(b []byte) (int, error) {
			n, err := r.Read(b)
			counted += n
			return n, err
		})
	}
	_, err = io.Copy(io.Discard, body.reader(wrap))
	require.NoError(t, err)
	assert.Equal(t, len(data), counted)
}

func TestBuildMultipartBody_UnknownSize(t *testing.T) {
	data := []byte("streamed")
	p := transfer.BytesPayload("s.txt", data)

	body, err := buildMultipartBody(p, bytes.NewReader(data), -1, nil)
	require.NoError(t, err)
	assert.EqualValues(t, -1, body.contentLength)

	raw, err := io.ReadAll(body.reader(nil))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "streamed")
	assert.NoError(t, body.readErr())
}

func TestPayloadReader(t *testing.T) {
	t.Run("stops at size", func(t *testing.T) {
		r := &payloadReader{r: strings.NewReader("0123456789"), size: 4}
		got, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, "0123", string(got))
		assert.NoError(t, r.failure())
	})

	t.Run("short content is a local error", func(t *testing.T) {
		r := &payloadReader{r: strings.NewReader("012"), size: 10}
		_, err := io.ReadAll(r)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
		assert.ErrorIs(t, r.failure(), io.ErrUnexpectedEOF)
	})

	t.Run("unknown size reads everything", func(t *testing.T) {
		r := &payloadReader{r: strings.NewReader("0123456789"), size: -1}
		got, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Len(t, got, 10)
	})
}

type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(b []byte) (int, error) { return f(b) }
