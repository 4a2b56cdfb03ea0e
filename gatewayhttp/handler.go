package gatewayhttp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/lumenforge/gengateway/broker"
	"github.com/lumenforge/gengateway/dedup"
	"github.com/lumenforge/gengateway/dedup/memorycache"
	"github.com/lumenforge/gengateway/internal/coordinator"
	"github.com/lumenforge/gengateway/internal/logctx"
	"github.com/lumenforge/gengateway/pool"
	"github.com/lumenforge/gengateway/sessionid"
	"github.com/lumenforge/gengateway/upstream"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

// appIDHeader carries the optional client app identity, which takes priority
// over the session-derived default when present.
const appIDHeader = "X-Client-App-Id"

const maxGenerateBody = 1 << 20

// beaconGIF is a 1x1 transparent GIF: the byte-minimal success body for the
// fire-and-forget disconnect beacon an unloading page sends.
var beaconGIF, _ = base64.StdEncoding.DecodeString(
	"R0lGODlhAQABAIAAAAAAAP///yH5BAEAAAAALAAAAAABAAEAAAIBRAA7")

// writeJSONError emits the transport-level error body {"error":..,
// "message":..}. Only used before the response has committed to SSE.
func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": msg})
}

// errorStatus maps classified acquisition failures onto HTTP statuses.
// These only apply before the initial response; later failures are stream
// events.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, upstream.ErrAuth):
		return http.StatusUnauthorized, "authentication_failed"
	case errors.Is(err, upstream.ErrTimeout):
		return http.StatusGatewayTimeout, "upstream_timeout"
	case errors.Is(err, upstream.ErrNetwork):
		return http.StatusBadGateway, "upstream_unreachable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger            *slog.Logger
	cookieName        string
	heartbeatInterval time.Duration
	streamHardCap     time.Duration
	flushDelay        time.Duration
	idleGrace         time.Duration
	coalesceInterval  time.Duration
	dedupTTL          time.Duration
	dedupCache        dedup.Cache
}

// WithLogger sets the slog logger used by the gateway. If not provided,
// slog.Default() is used.
func WithLogger(log *slog.Logger) Option {
	return func(c *newConfig) { c.logger = log }
}

// WithSessionCookieName overrides the session cookie name.
func WithSessionCookieName(name string) Option {
	return func(c *newConfig) { c.cookieName = name }
}

// WithHeartbeatInterval sets the keep-alive comment frame interval on
// progress streams. Default 3s.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *newConfig) { c.heartbeatInterval = d }
}

// WithStreamHardCap sets the hard per-stream lifetime cap. Default 10m.
func WithStreamHardCap(d time.Duration) Option {
	return func(c *newConfig) { c.streamHardCap = d }
}

// WithIdleGrace sets how long an unreferenced upstream connection survives
// before teardown. Default 30s.
func WithIdleGrace(d time.Duration) Option {
	return func(c *newConfig) { c.idleGrace = d }
}

// WithCoalesceInterval sets the minimum spacing between forwarded progress
// events per job. Default 500ms.
func WithCoalesceInterval(d time.Duration) Option {
	return func(c *newConfig) { c.coalesceInterval = d }
}

// WithDedupTTL sets the disconnect dedup window for the default in-memory
// cache. Default 5s. Ignored when WithDedupCache is supplied.
func WithDedupTTL(d time.Duration) Option {
	return func(c *newConfig) { c.dedupTTL = d }
}

// WithDedupCache swaps in an alternative idempotency cache, e.g.
// rediscache for multi-node deployments.
func WithDedupCache(cache dedup.Cache) Option {
	return func(c *newConfig) { c.dedupCache = cache }
}

// Handler is the session-scoped generation gateway. It mounts as a standard
// net/http handler.
type Handler struct {
	mux       *http.ServeMux
	log       *slog.Logger
	sessions  *sessionid.Resolver
	pool      *pool.Pool
	broker    *broker.Broker
	coord     *coordinator.Coordinator
	dedup     dedup.Cache
	heartbeat time.Duration
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and a
// context guard. It serializes writes/flushes and refuses to touch the
// response after the request context is gone.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// New constructs the gateway handler around an upstream Connector.
func New(connect upstream.Connector, opts ...Option) (*Handler, error) {
	if connect == nil {
		return nil, fmt.Errorf("connector is required")
	}

	cfg := &newConfig{
		logger:            slog.Default(),
		heartbeatInterval: 3 * time.Second,
		streamHardCap:     10 * time.Minute,
		flushDelay:        5 * time.Second,
		idleGrace:         30 * time.Second,
		coalesceInterval:  500 * time.Millisecond,
		dedupTTL:          5 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	log := slog.New(logctx.Handler{Handler: cfg.logger.Handler()})

	h := &Handler{
		log:       log,
		sessions:  &sessionid.Resolver{CookieName: cfg.cookieName},
		heartbeat: cfg.heartbeatInterval,
	}

	h.pool = pool.New(connect, pool.WithLogger(log), pool.WithIdleGrace(cfg.idleGrace))
	h.broker = broker.New(
		broker.WithLogger(log),
		broker.WithHardCap(cfg.streamHardCap),
		broker.WithFlushDelay(cfg.flushDelay),
	)
	h.coord = coordinator.New(h.pool, h.broker,
		coordinator.WithLogger(log),
		coordinator.WithCoalesceInterval(cfg.coalesceInterval),
	)

	h.dedup = cfg.dedupCache
	if h.dedup == nil {
		h.dedup = memorycache.New(cfg.dedupTTL)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /generate", h.handleGenerate)
	mux.HandleFunc("GET /progress/{projectID}", h.handleProgress)
	mux.HandleFunc("POST /cancel/{projectID}", h.handleCancel)
	mux.HandleFunc("POST /disconnect", h.handleDisconnectPost)
	mux.HandleFunc("GET /disconnect", h.handleDisconnectBeacon)
	mux.HandleFunc("GET /status", h.handleStatus)
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// Shutdown stops background reaping and closes every pooled connection.
func (h *Handler) Shutdown(ctx context.Context) {
	h.pool.Close(ctx)
}

// ResetConnections force-closes every pooled connection so the next acquire
// dials fresh. Wire this to a credentials-file watcher.
func (h *Handler) ResetConnections(ctx context.Context) {
	h.pool.TeardownAll(ctx, false)
}

// appID extracts the optional client app identity from header or query.
func appID(r *http.Request) string {
	if v := r.Header.Get(appIDHeader); v != "" {
		return v
	}
	return r.URL.Query().Get("appId")
}

// handleGenerate accepts a generation request and answers with a tracking
// id before the upstream job produces anything.
func (h *Handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.generate.start")

	if ctype, err := contenttype.GetMediaType(r); err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	var params json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxGenerateBody)).Decode(&params); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_body", "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}

	sessID, created := h.sessions.Resolve(w, r)
	app := appID(r)
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID, Identity: pool.Identity(sessID, app)})
	if created {
		h.log.InfoContext(ctx, "session.create")
	}

	projectID, err := h.coord.Submit(ctx, sessID, app, params)
	if err != nil {
		status, code := errorStatus(err)
		writeJSONError(w, status, code, err.Error())
		h.log.ErrorContext(ctx, "generate.queue.fail", slog.String("err", err.Error()))
		return
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "processing", "projectId": projectID})
	h.log.InfoContext(ctx, "http.generate.ok",
		slog.String("project_id", projectID), slog.Duration("dur", time.Since(start)))
}

// handleProgress opens the long-lived event stream for one project. Late
// subscribers to a terminal project get the cached terminal event; unknown
// projects get a single error event. Either way the stream answers rather
// than hanging.
func (h *Handler) handleProgress(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if r.Header.Get("Accept") != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
			w.WriteHeader(http.StatusUnsupportedMediaType)
			h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
			return
		}
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	projectID := r.PathValue("projectID")
	ctx = logctx.WithProjectData(ctx, &logctx.ProjectData{ProjectID: projectID})

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	stream, err := h.broker.Subscribe(projectID)
	if err != nil {
		// Project gone or never existed. Say so instead of hanging.
		_ = writeSSEEvent(wf, broker.Failure(projectID, "", "unknown project"))
		h.log.InfoContext(ctx, "sse.subscribe.miss", slog.Duration("dur", time.Since(start)))
		return
	}
	defer stream.Close()

	h.log.InfoContext(ctx, "sse.stream.start")

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.InfoContext(ctx, "sse.stream.detach", slog.Duration("dur", time.Since(start)))
			return
		case <-heartbeat.C:
			// Comment frame: keeps intermediate hops from idling us out.
			if _, err := wf.Write([]byte(": keep-alive\n\n")); err != nil {
				h.log.InfoContext(ctx, "sse.heartbeat.fail", slog.String("err", err.Error()))
				return
			}
			wf.Flush()
		case ev, open := <-stream.Events():
			if !open {
				h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
				return
			}
			if err := writeSSEEvent(wf, ev); err != nil {
				h.log.InfoContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
				return
			}
			h.log.DebugContext(ctx, "sse.event.deliver", slog.String("type", string(ev.Type)))
		}
	}
}

// handleCancel is best-effort: cancelling a finished job succeeds without
// having done anything.
func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := r.PathValue("projectID")
	sessID, _ := h.sessions.Resolve(w, r)
	ctx = logctx.WithProjectData(ctx, &logctx.ProjectData{ProjectID: projectID})

	if err := h.coord.Cancel(ctx, sessID, appID(r), projectID); err != nil {
		status, code := errorStatus(err)
		writeJSONError(w, status, code, err.Error())
		h.log.ErrorContext(ctx, "cancel.fail", slog.String("err", err.Error()))
		return
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "cancelled", "projectId": projectID})
}

// disconnect performs the deduplicated teardown shared by both transports.
// Always reports success to the caller: a missing connection means there is
// simply nothing to do, and a duplicate signal was already handled.
func (h *Handler) disconnect(ctx context.Context, sessID, app string, logout bool) {
	key := sessID + "|" + app + "|disconnect"
	proceed, err := h.dedup.ShouldProcess(ctx, key)
	if err != nil {
		// A broken dedup backend must not leak connections; process anyway
		// and lean on ForceTeardown's idempotency.
		h.log.WarnContext(ctx, "disconnect.dedup.fail", slog.String("err", err.Error()))
		proceed = true
	}
	if !proceed {
		h.log.DebugContext(ctx, "disconnect.duplicate")
		return
	}
	if err := h.coord.Disconnect(ctx, sessID, app, logout); err != nil {
		h.log.WarnContext(ctx, "disconnect.teardown.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "disconnect.ok")
}

func (h *Handler) handleDisconnectPost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessID, _ := h.sessions.Resolve(w, r)
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID})

	h.disconnect(ctx, sessID, appID(r), r.URL.Query().Get("logout") == "true")

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "disconnected"})
}

// handleDisconnectBeacon serves the GET variant used by unloading pages: a
// byte-minimal image response a browser will fetch fire-and-forget.
func (h *Handler) handleDisconnectBeacon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessID, _ := h.sessions.Resolve(w, r)
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID})

	h.disconnect(ctx, sessID, appID(r), r.URL.Query().Get("logout") == "true")

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(beaconGIF)
}

// handleStatus answers from pool state only; merely checking status never
// dials upstream.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessID, _ := h.sessions.Resolve(w, r)
	st := h.coord.Status(sessID, appID(r))

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(st)
}

// writeSSEEvent writes one event as an SSE data frame and flushes it.
func writeSSEEvent(wf *lockedWriteFlusher, ev broker.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}
