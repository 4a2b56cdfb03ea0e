// Package pool maps logical client identities to live upstream connections.
// Connections are created lazily, shared across requests, reference-counted,
// and reaped after an idle grace window rather than on last release, because
// a viewer frequently reconnects within seconds of a page navigation.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lumenforge/gengateway/upstream"
)

const teardownTimeout = 5 * time.Second

// Identity computes the pool key for a session. A client-supplied app id
// takes priority so one browser session can legitimately run several
// independent app instances; without one, the session gets a default key of
// its own.
func Identity(sessionID, appID string) string {
	if appID != "" {
		return "app:" + appID
	}
	return "session:" + sessionID
}

// Info is a point-in-time snapshot of one pooled connection, for
// diagnostics. Reading it has no side effects.
type Info struct {
	Key          string
	Refs         int
	CreatedAt    time.Time
	LastActivity time.Time
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the slog logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(p *Pool) { p.log = log }
}

// WithIdleGrace sets how long an unreferenced connection survives before
// the reaper tears it down.
func WithIdleGrace(d time.Duration) Option {
	return func(p *Pool) { p.reaper.delay = d }
}

// Pool owns the identity -> connection map.
type Pool struct {
	log     *slog.Logger
	connect upstream.Connector
	reaper  *reaper
	group   singleflight.Group

	// The reaper mutex doubles as the conns guard: every mutation of the
	// map or a conn's refcount happens under it, serializing operations
	// per key together with the timer bookkeeping they affect.
	conns map[string]*conn
}

type conn struct {
	client       upstream.Client
	refs         int
	createdAt    time.Time
	lastActivity time.Time
}

// New constructs a Pool around a Connector.
func New(connect upstream.Connector, opts ...Option) *Pool {
	p := &Pool{
		log:     slog.Default(),
		connect: connect,
		conns:   make(map[string]*conn),
	}
	p.reaper = newReaper(30*time.Second, p.reapIfIdle)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Acquire returns the live connection for key, dialing one if needed.
// Concurrent acquires for the same key coalesce onto a single in-flight
// dial, so no identity ever ends up with two upstream connections. A failed
// dial is never cached. Every successful acquire bumps the refcount and
// cancels any pending idle teardown; pair it with Release.
func (p *Pool) Acquire(ctx context.Context, key string) (upstream.Client, error) {
	p.reaper.cancel(key)

	p.reaper.mu.Lock()
	if c, ok := p.conns[key]; ok {
		c.refs++
		c.lastActivity = time.Now()
		p.reaper.mu.Unlock()
		return c.client, nil
	}
	p.reaper.mu.Unlock()

	_, err, _ := p.group.Do(key, func() (any, error) {
		// Re-check: a coalesced waiter may arrive after the winner already
		// registered the connection.
		p.reaper.mu.Lock()
		_, exists := p.conns[key]
		p.reaper.mu.Unlock()
		if exists {
			return nil, nil
		}
		client, err := p.connect(ctx, key)
		if err != nil {
			return nil, err
		}
		now := time.Now()
		p.reaper.mu.Lock()
		p.conns[key] = &conn{client: client, createdAt: now, lastActivity: now}
		p.reaper.mu.Unlock()
		p.log.Info("pool.connect.ok", slog.String("key", key))
		return nil, nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect %q: %w", key, err)
	}

	p.reaper.mu.Lock()
	c, ok := p.conns[key]
	if !ok {
		// Torn down between the dial completing and this acquire; treat it
		// like an unreachable upstream so the caller can retry.
		p.reaper.mu.Unlock()
		return nil, fmt.Errorf("connect %q: %w", key, upstream.ErrNetwork)
	}
	c.refs++
	c.lastActivity = time.Now()
	p.reaper.mu.Unlock()
	return c.client, nil
}

// Release drops one reference. When the count reaches zero the connection is
// not destroyed; the reaper is armed instead so a quick reconnect can reuse
// it.
func (p *Pool) Release(key string) {
	p.reaper.mu.Lock()
	c, ok := p.conns[key]
	if !ok {
		p.reaper.mu.Unlock()
		return
	}
	if c.refs > 0 {
		c.refs--
	}
	idle := c.refs == 0
	p.reaper.mu.Unlock()

	if idle {
		p.reaper.schedule(key)
	}
}

// ForceTeardown destroys the connection for key unconditionally. Tearing
// down an absent key is a no-op, not an error, so redundant disconnect
// signals and admin cleanup stay idempotent.
func (p *Pool) ForceTeardown(ctx context.Context, key string, logout bool) error {
	p.reaper.cancel(key)

	p.reaper.mu.Lock()
	c, ok := p.conns[key]
	delete(p.conns, key)
	p.reaper.mu.Unlock()
	if !ok {
		return nil
	}

	p.log.Info("pool.teardown.forced", slog.String("key", key), slog.Bool("logout", logout))
	if err := c.client.Close(ctx, logout); err != nil {
		return fmt.Errorf("close %q: %w", key, err)
	}
	return nil
}

// TeardownAll force-closes every pooled connection. Used when upstream
// credentials rotate and on shutdown.
func (p *Pool) TeardownAll(ctx context.Context, logout bool) {
	for _, key := range p.Keys() {
		if err := p.ForceTeardown(ctx, key, logout); err != nil {
			p.log.Warn("pool.teardown.fail", slog.String("key", key), slog.String("err", err.Error()))
		}
	}
}

// ScheduleIdleAll arms the reaper for every currently-unreferenced
// connection. Called when the last event stream system-wide detaches.
func (p *Pool) ScheduleIdleAll() {
	p.reaper.mu.Lock()
	var idle []string
	for key, c := range p.conns {
		if c.refs == 0 {
			idle = append(idle, key)
		}
	}
	p.reaper.mu.Unlock()

	for _, key := range idle {
		p.reaper.schedule(key)
	}
}

// CancelIdle cancels a pending teardown for key, if any. Called on any new
// activity for the identity.
func (p *Pool) CancelIdle(key string) {
	p.reaper.cancel(key)
}

// Peek returns a snapshot of the connection for key without creating one.
func (p *Pool) Peek(key string) (Info, bool) {
	p.reaper.mu.Lock()
	defer p.reaper.mu.Unlock()
	c, ok := p.conns[key]
	if !ok {
		return Info{}, false
	}
	return Info{Key: key, Refs: c.refs, CreatedAt: c.createdAt, LastActivity: c.lastActivity}, true
}

// Keys lists the identities with a live connection.
func (p *Pool) Keys() []string {
	p.reaper.mu.Lock()
	defer p.reaper.mu.Unlock()
	keys := make([]string, 0, len(p.conns))
	for key := range p.conns {
		keys = append(keys, key)
	}
	return keys
}

// Close stops the reaper and tears down every connection.
func (p *Pool) Close(ctx context.Context) {
	p.reaper.stop()
	p.TeardownAll(ctx, false)
}

// reapIfIdle is the reaper's firing action. A connection that picked up a
// reference while the timer was pending is left alone: refCount > 0 is
// never torn down by the reaper.
func (p *Pool) reapIfIdle(key string) {
	p.reaper.mu.Lock()
	c, ok := p.conns[key]
	if !ok || c.refs > 0 {
		p.reaper.mu.Unlock()
		return
	}
	delete(p.conns, key)
	p.reaper.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := c.client.Close(ctx, false); err != nil {
		p.log.Warn("pool.reap.close.fail", slog.String("key", key), slog.String("err", err.Error()))
		return
	}
	p.log.Info("pool.reap.ok", slog.String("key", key))
}
