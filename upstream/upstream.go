package upstream

import (
	"context"
	"encoding/json"
	"errors"
)

// Classified failure modes for connection construction and generation calls.
// The HTTP layer maps these onto status codes when they occur before the
// initial response; afterwards they only ever surface as stream events.
var (
	// ErrAuth means the service rejected our credentials. Fatal until the
	// credentials change; callers should not retry blindly.
	ErrAuth = errors.New("upstream: authentication failed")

	// ErrNetwork means the service could not be reached or the connection
	// dropped mid-call. Retryable by the caller.
	ErrNetwork = errors.New("upstream: service unreachable")

	// ErrTimeout means the call exceeded a reasonable wait.
	ErrTimeout = errors.New("upstream: request timed out")

	// ErrEmptyResult marks a job that "succeeded" with zero output
	// artifacts. Silently returning an empty result is a worse failure
	// mode than an explicit error, so the gateway converts it into one.
	ErrEmptyResult = errors.New("upstream: job completed with no artifacts")
)

// Credentials identify the gateway to the generation service.
type Credentials struct {
	AppKey string `json:"appKey" env:"UPSTREAM_APP_KEY"`
	Token  string `json:"token" env:"UPSTREAM_TOKEN"`
}

// ProgressUpdate is one asynchronous progress report for a running job.
type ProgressUpdate struct {
	JobID      string
	Worker     string
	Progress   float64 // 0..1
	ETASeconds float64
}

// Artifact is one output of a completed job.
type Artifact struct {
	URL      string `json:"url"`
	MimeType string `json:"mimeType,omitempty"`
}

// Result is the final outcome of a generation call.
type Result struct {
	JobID     string
	Artifacts []Artifact
}

// ProgressFunc receives progress updates for an in-flight job. It is
// invoked from the client's read loop and must not block.
type ProgressFunc func(ProgressUpdate)

// Client is a live handle to the generation service, reusable across
// requests for a single identity. Implementations must be safe for
// concurrent use.
type Client interface {
	// Generate submits params (opaque to the gateway) and blocks until the
	// job reaches a final state, reporting intermediate progress through
	// onProgress. A nil onProgress discards progress reports.
	Generate(ctx context.Context, params json.RawMessage, onProgress ProgressFunc) (*Result, error)

	// Cancel requests cancellation of a running job. Cancelling a job that
	// already finished is a no-op, not an error.
	Cancel(ctx context.Context, jobID string) error

	// Close tears down the connection. When logout is true the server-side
	// session is invalidated as well, not just the transport.
	Close(ctx context.Context, logout bool) error
}

// Connector dials a new connection for an identity key. Construction may
// be slow and may fail; the pool guards it so concurrent callers for the
// same key share one in-flight dial.
type Connector func(ctx context.Context, identity string) (Client, error)
