// Package upstreamtest provides scripted in-memory fakes of the upstream
// generation service for use in tests.
package upstreamtest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/lumenforge/gengateway/upstream"
)

// FakeClient is a scripted upstream.Client. Configure the exported fields
// before handing it out; the zero value completes immediately with a single
// artifact.
type FakeClient struct {
	// JobID is the upstream-assigned identifier reported by Generate.
	JobID string
	// Updates are replayed through the progress callback, in order.
	Updates []upstream.ProgressUpdate
	// StepDelay is a pause between updates, to let tests interleave.
	StepDelay time.Duration
	// Artifacts is the final result. An explicitly empty (non-nil) slice
	// simulates the "completed with no artifacts" failure mode.
	Artifacts []upstream.Artifact
	// GenerateErr, when set, makes Generate fail after replaying Updates.
	GenerateErr error
	// Block, when set, makes Generate wait for ctx or Close after
	// replaying updates instead of returning.
	Block bool
	// Gate, when non-nil, holds Generate back until the channel is closed,
	// so a test can attach subscribers before any event flows.
	Gate chan struct{}

	mu        sync.Mutex
	cancelled []string
	closed    bool
	logouts   int
	closeCh   chan struct{}
	closeOnce sync.Once
}

var _ upstream.Client = (*FakeClient)(nil)

// NewFakeClient returns a client that reports jobID and completes with one
// artifact.
func NewFakeClient(jobID string) *FakeClient {
	return &FakeClient{
		JobID:     jobID,
		Artifacts: []upstream.Artifact{{URL: "https://cdn.example/" + jobID + ".png", MimeType: "image/png"}},
	}
}

func (f *FakeClient) doneCh() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeCh == nil {
		f.closeCh = make(chan struct{})
	}
	return f.closeCh
}

func (f *FakeClient) Generate(ctx context.Context, params json.RawMessage, onProgress upstream.ProgressFunc) (*upstream.Result, error) {
	done := f.doneCh()
	if f.Gate != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-done:
			return nil, upstream.ErrNetwork
		case <-f.Gate:
		}
	}
	for _, u := range f.Updates {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-done:
			return nil, upstream.ErrNetwork
		default:
		}
		if onProgress != nil {
			onProgress(u)
		}
		if f.StepDelay > 0 {
			time.Sleep(f.StepDelay)
		}
	}
	if f.Block {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-done:
			return nil, upstream.ErrNetwork
		}
	}
	if f.GenerateErr != nil {
		return nil, f.GenerateErr
	}
	return &upstream.Result{JobID: f.JobID, Artifacts: f.Artifacts}, nil
}

func (f *FakeClient) Cancel(ctx context.Context, jobID string) error {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, jobID)
	f.mu.Unlock()
	return nil
}

func (f *FakeClient) Close(ctx context.Context, logout bool) error {
	f.mu.Lock()
	f.closed = true
	if logout {
		f.logouts++
	}
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.doneCh()) })
	return nil
}

// Cancelled returns the job ids passed to Cancel so far.
func (f *FakeClient) Cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

// Closed reports whether Close has been called.
func (f *FakeClient) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Logouts returns how many times Close was called with logout set.
func (f *FakeClient) Logouts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logouts
}

// Connector is a fake upstream.Connector that records dials and hands out
// FakeClients.
type Connector struct {
	// DialErr, when set, fails every dial.
	DialErr error
	// DialDelay simulates slow connection construction.
	DialDelay time.Duration
	// Factory builds the client for an identity. Defaults to NewFakeClient
	// with a job id derived from the dial count.
	Factory func(identity string) *FakeClient

	mu      sync.Mutex
	dials   int
	clients []*FakeClient
}

// Connect implements upstream.Connector.
func (c *Connector) Connect(ctx context.Context, identity string) (upstream.Client, error) {
	if c.DialDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.DialDelay):
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dials++
	if c.DialErr != nil {
		return nil, c.DialErr
	}
	var cl *FakeClient
	if c.Factory != nil {
		cl = c.Factory(identity)
	} else {
		cl = NewFakeClient("job-" + identity)
	}
	c.clients = append(c.clients, cl)
	return cl, nil
}

// Dials returns how many times Connect was invoked, including failures.
func (c *Connector) Dials() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dials
}

// Clients returns every client handed out so far, in dial order.
func (c *Connector) Clients() []*FakeClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*FakeClient(nil), c.clients...)
}

// Last returns the most recently dialed client, or nil.
func (c *Connector) Last() *FakeClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.clients) == 0 {
		return nil
	}
	return c.clients[len(c.clients)-1]
}
