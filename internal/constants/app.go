package constants

import (
	"time"
)

// Upload concurrency limits
const (
	// DefaultMaxConcurrent - default number of uploads allowed in flight at once
	DefaultMaxConcurrent = 3

	// MinMaxConcurrent - minimum concurrent uploads (sequential mode)
	MinMaxConcurrent = 1

	// MaxMaxConcurrent - maximum concurrent uploads accepted from config or flags
	MaxMaxConcurrent = 10
)

// Multipart request layout
const (
	// FileFieldName - form field that carries the payload bytes
	FileFieldName = "file"

	// MaxResponseBodySize - cap on how much of the endpoint's response is kept (1 MiB)
	// The body is handed to success callbacks; anything larger is truncated.
	MaxResponseBodySize = 1 << 20

	// SniffBufferSize - bytes read ahead to detect the payload content type (3 KB)
	// Matches mimetype's default read limit.
	SniffBufferSize = 3072
)

// Event System
const (
	// EventBusDefaultBuffer - default buffer size for event channels (1000)
	EventBusDefaultBuffer = 1000

	// EventBusMaxBuffer - maximum buffer size for high-throughput scenarios (5000)
	EventBusMaxBuffer = 5000
)

// UI Updates
const (
	// ProgressRefreshRate - refresh rate for terminal progress bars (300ms)
	ProgressRefreshRate = 300 * time.Millisecond

	// ProgressBarWidth - width of terminal progress bars
	ProgressBarWidth = 100
)

// HTTP Client Timeouts
const (
	// HTTPIdleConnTimeout - how long to keep idle connections open (90 seconds)
	HTTPIdleConnTimeout = 90 * time.Second

	// HTTPTLSHandshakeTimeout - timeout for TLS handshake (60 seconds)
	HTTPTLSHandshakeTimeout = 60 * time.Second

	// HTTPExpectContinueTimeout - timeout for 100-continue response (1 second)
	HTTPExpectContinueTimeout = 1 * time.Second

	// HTTPDialTimeout - timeout for establishing connection (30 seconds)
	HTTPDialTimeout = 30 * time.Second

	// HTTPDialKeepAlive - keep-alive period for dialer (30 seconds)
	HTTPDialKeepAlive = 30 * time.Second
)

// Development receiver
const (
	// DefaultReceiverAddr - listen address for `serve`
	DefaultReceiverAddr = ":8080"

	// ReceiverUploadPath - route the receiver accepts uploads on
	ReceiverUploadPath = "/api/upload"

	// ReceiverMaxMultipartMemory - in-memory limit for parsed multipart forms (32 MB)
	ReceiverMaxMultipartMemory = 32 << 20

	// ReceiverShutdownTimeout - grace period for in-flight requests on shutdown
	ReceiverShutdownTimeout = 10 * time.Second
)
