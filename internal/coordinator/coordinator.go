// Package coordinator accepts generation requests, pairs them with a pooled
// upstream connection, and drives each job's events through the broker. It
// is the single writer for project state: the HTTP layer only ever calls in,
// and the broker only ever fans out.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lumenforge/gengateway/broker"
	"github.com/lumenforge/gengateway/internal/logctx"
	"github.com/lumenforge/gengateway/pool"
	"github.com/lumenforge/gengateway/upstream"
)

const defaultCoalesceInterval = 500 * time.Millisecond

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the slog logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// WithCoalesceInterval sets the minimum spacing between forwarded progress
// events for one job. The first and last report of a job always go through
// so subscribers never miss the 0% and 100% edges.
func WithCoalesceInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.coalesce = d }
}

// Coordinator owns the project registry.
type Coordinator struct {
	log      *slog.Logger
	pool     *pool.Pool
	broker   *broker.Broker
	coalesce time.Duration

	mu        sync.Mutex
	projects  map[string]*projectState
	lastStamp int64
}

// projectState is the coordinator's view of one in-flight job.
type projectState struct {
	identity string

	mu       sync.Mutex
	jobID    string
	sent     bool // at least one progress event forwarded
	lastSent time.Time
}

// New wires a Coordinator between the pool and the broker. It installs the
// broker hooks that keep the idle reaper honest: any new subscription for a
// project cancels the pending teardown of its connection, and the last
// stream detaching system-wide arms teardown for every idle connection.
func New(p *pool.Pool, b *broker.Broker, opts ...Option) *Coordinator {
	c := &Coordinator{
		log:      slog.Default(),
		pool:     p,
		broker:   b,
		coalesce: defaultCoalesceInterval,
		projects: make(map[string]*projectState),
	}
	for _, opt := range opts {
		opt(c)
	}

	b.SetHooks(broker.Hooks{
		Activity: func(projectID string) {
			c.mu.Lock()
			ps, ok := c.projects[projectID]
			c.mu.Unlock()
			if ok {
				c.pool.CancelIdle(ps.identity)
			}
		},
		Idle: func() {
			c.pool.ScheduleIdleAll()
		},
	})
	return c
}

// nextProjectID mints a gateway-local tracking id, distinct from whatever id
// the upstream service assigns. Millisecond stamps collide under concurrent
// submits, so the stamp is forced strictly monotonic.
func (c *Coordinator) nextProjectID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	stamp := time.Now().UnixMilli()
	if stamp <= c.lastStamp {
		stamp = c.lastStamp + 1
	}
	c.lastStamp = stamp
	return fmt.Sprintf("project-%d", stamp)
}

// Submit accepts a generation request and returns a tracking id before the
// upstream job produces anything. Connection acquisition happens here, so a
// bad-credential or unreachable upstream still surfaces as an HTTP error;
// everything after this returns only flows through the event stream.
func (c *Coordinator) Submit(ctx context.Context, sessionID, appID string, params json.RawMessage) (string, error) {
	key := pool.Identity(sessionID, appID)
	client, err := c.pool.Acquire(ctx, key)
	if err != nil {
		return "", err
	}

	projectID := c.nextProjectID()
	ps := &projectState{identity: key}
	c.mu.Lock()
	c.projects[projectID] = ps
	c.mu.Unlock()
	c.broker.Register(projectID)

	c.log.InfoContext(ctx, "generate.accept",
		slog.String("project_id", projectID), slog.String("key", key))

	go c.run(projectID, key, ps, client, params)
	return projectID, nil
}

// run drives one upstream generation call to a terminal event. It uses a
// background context: the job outlives the HTTP request that queued it.
func (c *Coordinator) run(projectID, key string, ps *projectState, client upstream.Client, params json.RawMessage) {
	defer c.pool.Release(key)
	defer func() {
		c.mu.Lock()
		delete(c.projects, projectID)
		c.mu.Unlock()
	}()

	ctx := logctx.WithProjectData(context.Background(), &logctx.ProjectData{ProjectID: projectID})

	res, err := client.Generate(ctx, params, func(u upstream.ProgressUpdate) {
		c.forwardProgress(projectID, ps, u)
	})

	switch {
	case err != nil:
		c.log.WarnContext(ctx, "generate.fail", slog.String("err", err.Error()))
		c.broker.Publish(projectID, broker.Failure(projectID, ps.currentJobID(), messageFor(err)))
	case len(res.Artifacts) == 0:
		// An empty success is a worse failure mode than an explicit error.
		c.log.WarnContext(ctx, "generate.empty_result", slog.String("job_id", res.JobID))
		c.broker.Publish(projectID, broker.Failure(projectID, res.JobID, messageFor(upstream.ErrEmptyResult)))
	default:
		c.log.InfoContext(ctx, "generate.ok",
			slog.String("job_id", res.JobID), slog.Int("artifacts", len(res.Artifacts)))
		c.broker.Publish(projectID, broker.Complete(projectID, res.JobID, res.Artifacts))
	}
}

// forwardProgress normalizes an upstream report and pushes it through the
// broker, coalescing bursts to at most one event per interval. The first
// report of a job and any 100% report always pass.
func (c *Coordinator) forwardProgress(projectID string, ps *projectState, u upstream.ProgressUpdate) {
	now := time.Now()

	ps.mu.Lock()
	if u.JobID != "" {
		ps.jobID = u.JobID
	}
	pass := !ps.sent || u.Progress >= 1 || now.Sub(ps.lastSent) >= c.coalesce
	if pass {
		ps.sent = true
		ps.lastSent = now
	}
	ps.mu.Unlock()

	if pass {
		c.broker.Publish(projectID, broker.Progress(projectID, u))
	}
}

// Cancel requests upstream cancellation and broadcasts a cancelled event to
// every subscriber. Cancelling a finished or unknown project is a no-op for
// the caller: the broker drops events for terminal projects, and no fresh
// upstream connection is dialed just to cancel nothing.
func (c *Coordinator) Cancel(ctx context.Context, sessionID, appID, projectID string) error {
	c.mu.Lock()
	ps, ok := c.projects[projectID]
	c.mu.Unlock()
	if !ok {
		c.broker.Publish(projectID, broker.Cancelled(projectID))
		return nil
	}

	key := pool.Identity(sessionID, appID)
	client, err := c.pool.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer c.pool.Release(key)

	if jobID := ps.currentJobID(); jobID != "" {
		if err := client.Cancel(ctx, jobID); err != nil {
			// Best effort: the job may already be done upstream.
			c.log.WarnContext(ctx, "cancel.upstream.fail",
				slog.String("project_id", projectID), slog.String("err", err.Error()))
		}
	}

	c.broker.Publish(projectID, broker.Cancelled(projectID))
	c.log.InfoContext(ctx, "cancel.ok", slog.String("project_id", projectID))
	return nil
}

// Disconnect tears down the session's pooled connection unconditionally.
// In-flight jobs on that connection fail and surface as error events; jobs
// are not reattached across connections.
func (c *Coordinator) Disconnect(ctx context.Context, sessionID, appID string, logout bool) error {
	key := pool.Identity(sessionID, appID)
	return c.pool.ForceTeardown(ctx, key, logout)
}

// Status describes the session's connection without creating one.
type Status struct {
	SessionID      string    `json:"sessionId"`
	AppID          string    `json:"appId,omitempty"`
	Identity       string    `json:"identity"`
	Connected      bool      `json:"connected"`
	ActiveProjects int       `json:"activeProjects"`
	ConnectedAt    time.Time `json:"connectedAt,omitzero"`
	LastActivityAt time.Time `json:"lastActivityAt,omitzero"`
}

// Status reports diagnostics for the identity derived from the inputs.
func (c *Coordinator) Status(sessionID, appID string) Status {
	key := pool.Identity(sessionID, appID)
	st := Status{SessionID: sessionID, AppID: appID, Identity: key}

	if info, ok := c.pool.Peek(key); ok {
		st.Connected = true
		st.ConnectedAt = info.CreatedAt
		st.LastActivityAt = info.LastActivity
	}

	c.mu.Lock()
	for _, ps := range c.projects {
		if ps.identity == key {
			st.ActiveProjects++
		}
	}
	c.mu.Unlock()
	return st
}

func (ps *projectState) currentJobID() string {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.jobID
}

// messageFor extracts a user-facing message, with a generic fallback when
// the upstream rejection carries none.
func messageFor(err error) string {
	switch {
	case errors.Is(err, upstream.ErrEmptyResult):
		return "completed with no artifacts"
	case errors.Is(err, upstream.ErrNetwork):
		return "generation service unreachable"
	case errors.Is(err, upstream.ErrTimeout):
		return "generation request timed out"
	case err != nil && err.Error() != "":
		return err.Error()
	default:
		return "generation failed"
	}
}
