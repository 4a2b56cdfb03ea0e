// Package gatewayhttp mounts the session-scoped generation gateway as a
// standard net/http handler. It fronts an asynchronous image/video
// generation service for many concurrent browser sessions: requests are
// queued immediately with a tracking id, and progress, completion, and
// error events are pushed live over Server-Sent Events to every stream
// watching that id.
//
// Responsibilities
//   - Session identity (cookie-or-create, via sessionid)
//   - Connection pooling per identity with idle reaping (via pool)
//   - Job submission and progress normalization (via the coordinator)
//   - Ordered per-project event fan-out with heartbeats and a hard
//     per-stream lifetime cap (via broker)
//   - Duplicate-disconnect suppression (via dedup)
//
// Construction
//
//	h, err := gatewayhttp.New(
//	    wsclient.NewConnector(upstreamURL, creds, logger),
//	    gatewayhttp.WithLogger(logger),
//	)
//
// Endpoints
//
//	POST /generate               queue a job, answer {status, projectId}
//	GET  /progress/{projectID}   SSE event stream for one project
//	POST /cancel/{projectID}     best-effort cancellation
//	POST /disconnect             explicit session teardown
//	GET  /disconnect             beacon variant (1x1 GIF response)
//	GET  /status                 connection diagnostics, no side effects
//
// # Error Handling
//
// Failures before the initial response map onto HTTP statuses (401 bad
// credentials, 502 unreachable, 504 timeout). Failures after it are
// delivered only as stream events, never as a second HTTP response.
//
// # Scaling
//
// Connection, project, and subscriber state is process-local; running
// multiple instances requires sticky routing or moving that state to a
// shared store. The disconnect dedup cache is the one seam with a
// Redis-backed option (dedup/rediscache).
//
// Example (mount in net/http):
//
//	mux := http.NewServeMux()
//	mux.Handle("/", h)
//	http.ListenAndServe(":8080", mux)
package gatewayhttp
