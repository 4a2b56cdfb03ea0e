// Package broker owns the mapping from a gateway project id to the set of
// live event streams watching it, and fans normalized generation events out
// to every attached stream. State is process-local; horizontal scaling would
// require moving fan-out to an external publish/subscribe channel.
package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/lumenforge/gengateway/upstream"
)

// ErrUnknownProject is returned by Subscribe when the project id was never
// registered or has already been garbage-collected after going terminal.
var ErrUnknownProject = errors.New("broker: unknown project")

// EventType tags a stream event.
type EventType string

const (
	EventConnected EventType = "connected"
	EventProgress  EventType = "progress"
	EventComplete  EventType = "complete"
	EventError     EventType = "error"
	EventCancelled EventType = "cancelled"
	EventTimeout   EventType = "timeout"
)

// Terminal reports whether the type ends a stream. Timeout is terminal for
// the stream it is delivered on, but transport-level only: it does not mark
// the project itself terminal.
func (t EventType) Terminal() bool {
	switch t {
	case EventComplete, EventError, EventCancelled, EventTimeout:
		return true
	}
	return false
}

// Event is the canonical shape delivered to subscribers. Progress is a
// pointer so a genuine 0% report survives JSON encoding.
type Event struct {
	Type       EventType           `json:"type"`
	ProjectID  string              `json:"projectId"`
	JobID      string              `json:"jobId,omitempty"`
	Worker     string              `json:"worker,omitempty"`
	Progress   *float64            `json:"progress,omitempty"`
	ETASeconds float64             `json:"etaSeconds,omitempty"`
	Message    string              `json:"message,omitempty"`
	Artifacts  []upstream.Artifact `json:"artifacts,omitempty"`
}

// Connected builds the acknowledgement sent when a stream attaches.
func Connected(projectID string) Event {
	return Event{Type: EventConnected, ProjectID: projectID}
}

// Progress builds a progress event from an upstream update.
func Progress(projectID string, u upstream.ProgressUpdate) Event {
	p := u.Progress
	return Event{
		Type:       EventProgress,
		ProjectID:  projectID,
		JobID:      u.JobID,
		Worker:     u.Worker,
		Progress:   &p,
		ETASeconds: u.ETASeconds,
	}
}

// Complete builds the success terminal event.
func Complete(projectID, jobID string, artifacts []upstream.Artifact) Event {
	return Event{Type: EventComplete, ProjectID: projectID, JobID: jobID, Artifacts: artifacts}
}

// Failure builds the error terminal event.
func Failure(projectID, jobID, message string) Event {
	return Event{Type: EventError, ProjectID: projectID, JobID: jobID, Message: message}
}

// Cancelled builds the cancellation terminal event.
func Cancelled(projectID string) Event {
	return Event{Type: EventCancelled, ProjectID: projectID}
}

// Hooks let the owning coordinator observe stream activity without the
// broker knowing anything about connections or identities.
type Hooks struct {
	// Activity is invoked when a stream attaches to a project.
	Activity func(projectID string)
	// Idle is invoked when the last stream system-wide detaches.
	Idle func()
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the slog logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(b *Broker) { b.log = log }
}

// WithHardCap bounds the lifetime of a single stream. A stream alive that
// long with no terminal event receives a synthetic timeout and closes.
func WithHardCap(d time.Duration) Option {
	return func(b *Broker) { b.hardCap = d }
}

// WithFlushDelay sets how long a terminal project lingers so late
// subscribers can still pick up the cached terminal event.
func WithFlushDelay(d time.Duration) Option {
	return func(b *Broker) { b.flushDelay = d }
}

// Broker is the in-process fan-out hub. All subscriber-set mutations are
// serialized under one mutex, which also makes per-project event ordering
// trivially FIFO per stream.
type Broker struct {
	log        *slog.Logger
	hardCap    time.Duration
	flushDelay time.Duration

	mu       sync.Mutex
	projects map[string]*project
	attached int
	hooks    Hooks
}

type project struct {
	id          string
	subscribers map[*Stream]struct{}
	terminal    *Event
}

// New constructs a Broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		log:        slog.Default(),
		hardCap:    10 * time.Minute,
		flushDelay: 5 * time.Second,
		projects:   make(map[string]*project),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetHooks installs activity/idle callbacks. Must be called during wiring,
// before the broker sees traffic.
func (b *Broker) SetHooks(h Hooks) {
	b.mu.Lock()
	b.hooks = h
	b.mu.Unlock()
}

// Register creates an empty, non-terminal project entry. Registering an id
// twice is a no-op.
func (b *Broker) Register(projectID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.projects[projectID]; ok {
		return
	}
	b.projects[projectID] = &project{id: projectID, subscribers: make(map[*Stream]struct{})}
}

// Subscribe attaches a new stream to a project. The stream's first event is
// always a connected acknowledgement. Subscribing to an already-terminal
// project yields the ack, the cached terminal event, and then io.EOF, so
// late subscribers never hang. Subscribing to an unknown project returns
// ErrUnknownProject.
func (b *Broker) Subscribe(projectID string) (*Stream, error) {
	b.mu.Lock()
	p, ok := b.projects[projectID]
	if !ok {
		b.mu.Unlock()
		return nil, ErrUnknownProject
	}

	if p.terminal != nil {
		s := &Stream{b: b, projectID: projectID, ch: make(chan Event, 2), detached: true}
		s.ch <- Connected(projectID)
		s.ch <- *p.terminal
		close(s.ch)
		b.mu.Unlock()
		return s, nil
	}

	s := &Stream{b: b, projectID: projectID, ch: make(chan Event, 64)}
	s.ch <- Connected(projectID)
	p.subscribers[s] = struct{}{}
	b.attached++
	if b.hardCap > 0 {
		s.capTimer = time.AfterFunc(b.hardCap, func() { b.timeoutStream(s) })
	}
	activity := b.hooks.Activity
	b.mu.Unlock()

	if activity != nil {
		activity(projectID)
	}
	return s, nil
}

// Publish delivers an event to every stream attached to the project.
// Publishing to an unknown project is a deliberate no-op: the project may
// have been garbage-collected or never existed. A terminal event is cached
// for late subscribers, closes every attached stream, and schedules the
// project for removal after the flush delay. At most one terminal event is
// ever accepted per project.
func (b *Broker) Publish(projectID string, ev Event) {
	b.mu.Lock()
	p, ok := b.projects[projectID]
	if !ok {
		b.mu.Unlock()
		b.log.Debug("broker.publish.unknown", slog.String("project_id", projectID))
		return
	}
	if p.terminal != nil {
		b.mu.Unlock()
		b.log.Debug("broker.publish.after_terminal", slog.String("project_id", projectID), slog.String("type", string(ev.Type)))
		return
	}

	for s := range p.subscribers {
		select {
		case s.ch <- ev:
			continue
		default:
		}
		b.log.Warn("broker.subscriber.lagging", slog.String("project_id", projectID))
		if ev.Type.Terminal() {
			// A progress event is droppable; the terminal event is not. Every
			// subscriber attached at this point must see it before its channel
			// closes, so make room at the cost of the oldest buffered event.
			b.forceSendLocked(s, ev)
		}
	}

	var wentIdle bool
	if ev.Type.Terminal() {
		evCopy := ev
		p.terminal = &evCopy
		hadSubs := len(p.subscribers) > 0
		for s := range p.subscribers {
			b.detachLocked(p, s)
		}
		wentIdle = hadSubs && b.attached == 0
		time.AfterFunc(b.flushDelay, func() {
			b.mu.Lock()
			delete(b.projects, projectID)
			b.mu.Unlock()
		})
	}
	idle := b.hooks.Idle
	b.mu.Unlock()

	if wentIdle && idle != nil {
		idle()
	}
}

// forceSendLocked delivers ev to a stream whose buffer is full by discarding
// the oldest buffered event first. Caller holds b.mu; every send happens
// under b.mu and the consumer only ever drains, so the retry after one
// discard cannot fail.
func (b *Broker) forceSendLocked(s *Stream, ev Event) {
	select {
	case s.ch <- ev:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- ev:
	default:
	}
}

// detachLocked removes s from the project's subscriber set and closes its
// channel. Caller holds b.mu; the channel is only ever written under b.mu,
// so closing here cannot race a send.
func (b *Broker) detachLocked(p *project, s *Stream) {
	if s.detached {
		return
	}
	s.detached = true
	delete(p.subscribers, s)
	b.attached--
	if s.capTimer != nil {
		s.capTimer.Stop()
	}
	close(s.ch)
}

// timeoutStream fires the per-stream hard lifetime cap. The stream gets a
// synthetic timeout event and closes; the project itself stays live because
// a legitimately long job may still finish for future subscribers.
func (b *Broker) timeoutStream(s *Stream) {
	b.mu.Lock()
	p, ok := b.projects[s.projectID]
	if !ok || s.detached {
		b.mu.Unlock()
		return
	}
	b.forceSendLocked(s, Event{Type: EventTimeout, ProjectID: s.projectID, Message: "stream lifetime exceeded; re-subscribe if still interested"})
	b.detachLocked(p, s)
	wentIdle := b.attached == 0
	idle := b.hooks.Idle
	b.mu.Unlock()

	b.log.Info("broker.stream.hard_cap", slog.String("project_id", s.projectID))
	if wentIdle && idle != nil {
		idle()
	}
}

// Terminal returns the cached terminal event for a project, if any.
func (b *Broker) Terminal(projectID string) (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.projects[projectID]; ok && p.terminal != nil {
		return *p.terminal, true
	}
	return Event{}, false
}

// Attached returns the number of live streams across every project.
func (b *Broker) Attached() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attached
}

// Stream is one live event channel attached to a project. It is consumed by
// exactly one reader.
type Stream struct {
	b         *Broker
	projectID string
	ch        chan Event
	capTimer  *time.Timer
	detached  bool // guarded by b.mu
}

// Events exposes the underlying channel for select-based consumers such as
// the SSE write loop. The channel closes when the stream detaches.
func (s *Stream) Events() <-chan Event { return s.ch }

// ProjectID returns the project this stream is attached to.
func (s *Stream) ProjectID() string { return s.projectID }

// Next blocks for the next event. It returns io.EOF once the stream has
// closed and drained.
func (s *Stream) Next(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-s.ch:
		if !ok {
			return Event{}, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Close detaches the stream. Safe to call multiple times and after the
// broker has already detached it.
func (s *Stream) Close() error {
	b := s.b
	b.mu.Lock()
	p, ok := b.projects[s.projectID]
	if !ok || s.detached {
		b.mu.Unlock()
		return nil
	}
	b.detachLocked(p, s)
	wentIdle := b.attached == 0
	idle := b.hooks.Idle
	b.mu.Unlock()

	if wentIdle && idle != nil {
		idle()
	}
	return nil
}
