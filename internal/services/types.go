// Package services provides frontend-agnostic business logic for rescale-upload.
// This layer sits between the CLI and the registry/transport, providing a clean
// API that any frontend can use without framework-specific dependencies.
package services

import (
	"github.com/rescale/rescale-upload/internal/transfer"
	"github.com/rescale/rescale-upload/internal/transport"
)

// Options govern the uploads admitted by one StartUpload call, and every
// upload admitted as a consequence of those uploads finishing.
type Options struct {
	// Headers are set on each upload request.
	Headers map[string]string

	// ExtraBody entries are appended as multipart form fields after "file".
	ExtraBody map[string]string

	// OnSuccess is called after a 2xx response, with the endpoint's answer.
	OnSuccess func(p transfer.Payload, resp *transport.Response)

	// OnError is called after a non-2xx response or a network failure.
	// err is a *transfer.HTTPError or *transfer.NetworkError.
	OnError func(p transfer.Payload, err error)

	// OnAbort is called for every cancelled upload, pending or in flight.
	OnAbort func(p transfer.Payload)
}

// UploadServiceConfig configures the UploadService.
type UploadServiceConfig struct {
	// MaxConcurrent is the maximum number of uploads in flight.
	// Defaults to constants.DefaultMaxConcurrent (3).
	MaxConcurrent int
}

// dispatch is what an admitted task was started with.
type dispatch struct {
	endpoint string
	opts     Options
}

func (d dispatch) request() transport.Request {
	return transport.Request{
		Endpoint: d.endpoint,
		Headers:  d.opts.Headers,
		Fields:   d.opts.ExtraBody,
	}
}
