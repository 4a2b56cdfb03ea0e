// Package wsclient implements the upstream.Client contract over a JSON
// WebSocket protocol. One connection carries many interleaved jobs; frames
// are correlated by a per-call request id and, once the service has queued
// the job, by the service-assigned job id.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lumenforge/gengateway/upstream"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	pingInterval            = 30 * time.Second
	writeWait               = 5 * time.Second
)

// frame is the wire shape in both directions. Unused fields are omitted.
type frame struct {
	Type       string              `json:"type"`
	ReqID      string              `json:"reqId,omitempty"`
	JobID      string              `json:"jobId,omitempty"`
	Params     json.RawMessage     `json:"params,omitempty"`
	Worker     string              `json:"worker,omitempty"`
	Progress   float64             `json:"progress,omitempty"`
	ETASeconds float64             `json:"etaSeconds,omitempty"`
	Artifacts  []upstream.Artifact `json:"artifacts,omitempty"`
	Message    string              `json:"message,omitempty"`
}

type call struct {
	onProgress upstream.ProgressFunc
	resultCh   chan frame // buffered 1; receives the result or error frame
	jobID      string
}

// Client is a single WebSocket connection to the generation service.
type Client struct {
	log  *slog.Logger
	conn *websocket.Conn

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]*call // reqId -> call
	byJob     map[string]*call // jobId -> call, once queued

	done      chan struct{}
	closeOnce sync.Once
	readErr   error // set before done is closed
}

var _ upstream.Client = (*Client)(nil)

// Dial connects and authenticates. Failures are classified so the gateway
// can map them onto HTTP statuses: a 401/403 handshake response becomes
// upstream.ErrAuth, deadline expiry becomes upstream.ErrTimeout, and
// anything else becomes upstream.ErrNetwork.
func Dial(ctx context.Context, url string, creds upstream.Credentials, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}

	header := http.Header{}
	header.Set("X-App-Key", creds.AppKey)
	if creds.Token != "" {
		header.Set("Authorization", "Bearer "+creds.Token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake rejected with status %d", upstream.ErrAuth, resp.StatusCode)
		}
		if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
			return nil, fmt.Errorf("%w: %v", upstream.ErrTimeout, err)
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("%w: %v", upstream.ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", upstream.ErrNetwork, err)
	}

	c := &Client{
		log:     log,
		conn:    conn,
		pending: make(map[string]*call),
		byJob:   make(map[string]*call),
		done:    make(chan struct{}),
	}

	conn.SetPongHandler(func(string) error { return nil })

	go c.readLoop()
	go c.pingLoop()

	log.Debug("upstream.connect.ok", slog.String("url", url))
	return c, nil
}

// NewConnector adapts Dial to the pool's Connector contract. Credentials are
// fetched per dial so a hot-reloaded credentials file takes effect on the
// next connection without restarting the gateway.
func NewConnector(url string, creds func() upstream.Credentials, log *slog.Logger) upstream.Connector {
	return func(ctx context.Context, identity string) (upstream.Client, error) {
		return Dial(ctx, url, creds(), log)
	}
}

func (c *Client) Generate(ctx context.Context, params json.RawMessage, onProgress upstream.ProgressFunc) (*upstream.Result, error) {
	reqID := uuid.NewString()
	cl := &call{onProgress: onProgress, resultCh: make(chan frame, 1)}

	c.pendingMu.Lock()
	c.pending[reqID] = cl
	c.pendingMu.Unlock()
	defer c.dropCall(reqID)

	if err := c.write(frame{Type: "generate", ReqID: reqID, Params: params}); err != nil {
		return nil, fmt.Errorf("%w: %v", upstream.ErrNetwork, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		if c.readErr != nil {
			return nil, fmt.Errorf("%w: %v", upstream.ErrNetwork, c.readErr)
		}
		return nil, upstream.ErrNetwork
	case f := <-cl.resultCh:
		if f.Type == "error" {
			msg := f.Message
			if msg == "" {
				msg = "generation failed"
			}
			return nil, fmt.Errorf("upstream job failed: %s", msg)
		}
		return &upstream.Result{JobID: f.JobID, Artifacts: f.Artifacts}, nil
	}
}

func (c *Client) Cancel(ctx context.Context, jobID string) error {
	if err := c.write(frame{Type: "cancel", JobID: jobID}); err != nil {
		return fmt.Errorf("%w: %v", upstream.ErrNetwork, err)
	}
	return nil
}

// Close tears the connection down. Safe to call more than once; only the
// first call does any work.
func (c *Client) Close(ctx context.Context, logout bool) error {
	var err error
	c.closeOnce.Do(func() {
		if logout {
			// Best effort: the connection is going away either way.
			_ = c.write(frame{Type: "logout"})
		}
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		err = c.conn.Close()
	})
	return err
}

func (c *Client) write(f frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.readErr = err
			c.failPending(err)
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn("upstream.frame.invalid", slog.String("err", err.Error()))
			continue
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f frame) {
	switch f.Type {
	case "queued":
		c.pendingMu.Lock()
		if cl, ok := c.pending[f.ReqID]; ok {
			cl.jobID = f.JobID
			c.byJob[f.JobID] = cl
		}
		c.pendingMu.Unlock()
	case "progress":
		c.pendingMu.Lock()
		cl := c.byJob[f.JobID]
		c.pendingMu.Unlock()
		if cl != nil && cl.onProgress != nil {
			cl.onProgress(upstream.ProgressUpdate{
				JobID:      f.JobID,
				Worker:     f.Worker,
				Progress:   f.Progress,
				ETASeconds: f.ETASeconds,
			})
		}
	case "result", "error":
		c.pendingMu.Lock()
		cl := c.pending[f.ReqID]
		if cl == nil && f.JobID != "" {
			cl = c.byJob[f.JobID]
		}
		c.pendingMu.Unlock()
		if cl == nil {
			c.log.Debug("upstream.frame.orphan", slog.String("type", f.Type), slog.String("job_id", f.JobID))
			return
		}
		select {
		case cl.resultCh <- f:
		default:
		}
	default:
		c.log.Debug("upstream.frame.unknown", slog.String("type", f.Type))
	}
}

func (c *Client) dropCall(reqID string) {
	c.pendingMu.Lock()
	if cl, ok := c.pending[reqID]; ok {
		delete(c.pending, reqID)
		if cl.jobID != "" {
			delete(c.byJob, cl.jobID)
		}
	}
	c.pendingMu.Unlock()
}

// failPending wakes every in-flight Generate; the done channel closing is
// what actually delivers the error, this just logs the cause once.
func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	n := len(c.pending)
	c.pendingMu.Unlock()
	if n > 0 && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		c.log.Warn("upstream.read.fail", slog.Int("in_flight", n), slog.String("err", err.Error()))
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
