package gatewayhttp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lumenforge/gengateway/broker"
	"github.com/lumenforge/gengateway/dedup/memorycache"
	"github.com/lumenforge/gengateway/upstream"
	"github.com/lumenforge/gengateway/upstream/upstreamtest"
)

type harness struct {
	srv    *httptest.Server
	client *http.Client
	fake   *upstreamtest.Connector
}

func newHarness(t *testing.T, fake *upstreamtest.Connector, opts ...Option) *harness {
	t.Helper()
	h, err := New(fake.Connect, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		h.Shutdown(context.Background())
	})

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar: %v", err)
	}
	return &harness{srv: srv, client: &http.Client{Jar: jar}, fake: fake}
}

func (hr *harness) generate(t *testing.T, body string) string {
	t.Helper()
	resp, err := hr.client.Post(hr.srv.URL+"/generate", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /generate: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("generate status %d: %s", resp.StatusCode, b)
	}
	var out struct {
		Status    string `json:"status"`
		ProjectID string `json:"projectId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode generate response: %v", err)
	}
	if out.Status != "processing" || out.ProjectID == "" {
		t.Fatalf("unexpected generate response: %+v", out)
	}
	return out.ProjectID
}

// readEvents consumes the SSE body until a terminal event or EOF.
func readEvents(t *testing.T, body io.Reader) []broker.Event {
	t.Helper()
	var evs []broker.Event
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev broker.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("bad SSE payload %q: %v", line, err)
		}
		evs = append(evs, ev)
		if ev.Type.Terminal() {
			return evs
		}
	}
	return evs
}

func (hr *harness) progress(t *testing.T, projectID string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, hr.srv.URL+"/progress/"+projectID, nil)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := hr.client.Do(req)
	if err != nil {
		t.Fatalf("GET /progress: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("progress status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("progress content-type %q", ct)
	}
	return resp
}

func TestGenerateReturnsProcessingImmediately(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	fake := &upstreamtest.Connector{Factory: func(string) *upstreamtest.FakeClient {
		f := upstreamtest.NewFakeClient("job-1")
		f.Gate = gate
		return f
	}}
	hr := newHarness(t, fake)

	start := time.Now()
	projectID := hr.generate(t, `{"width":512,"height":512,"count":1}`)
	if time.Since(start) > 2*time.Second {
		t.Fatal("generate response waited on the job")
	}
	if !strings.HasPrefix(projectID, "project-") {
		t.Fatalf("unexpected project id %q", projectID)
	}

	cookies := hr.client.Jar.Cookies(mustParseURL(t, hr.srv.URL))
	found := false
	for _, c := range cookies {
		if c.Name == "gw_session" && c.Value != "" {
			found = true
		}
	}
	if !found {
		t.Fatal("session cookie not issued on first contact")
	}
}

func TestGenerateRejectsNonJSON(t *testing.T) {
	hr := newHarness(t, &upstreamtest.Connector{})
	resp, err := hr.client.Post(hr.srv.URL+"/generate", "text/plain", strings.NewReader("hi"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", resp.StatusCode)
	}
}

func TestGenerateMapsAcquisitionErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"auth", upstream.ErrAuth, http.StatusUnauthorized, "authentication_failed"},
		{"network", upstream.ErrNetwork, http.StatusBadGateway, "upstream_unreachable"},
		{"timeout", upstream.ErrTimeout, http.StatusGatewayTimeout, "upstream_timeout"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hr := newHarness(t, &upstreamtest.Connector{DialErr: tc.err})
			resp, err := hr.client.Post(hr.srv.URL+"/generate", "application/json", strings.NewReader(`{}`))
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, resp.StatusCode)
			}
			var body struct {
				Error   string `json:"error"`
				Message string `json:"message"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if body.Error != tc.code || body.Message == "" {
				t.Fatalf("unexpected error body: %+v", body)
			}
		})
	}
}

func TestProgressStreamTwoTabsSeeIdenticalEvents(t *testing.T) {
	gate := make(chan struct{})
	fake := &upstreamtest.Connector{Factory: func(string) *upstreamtest.FakeClient {
		f := upstreamtest.NewFakeClient("job-1")
		f.Gate = gate
		f.Updates = []upstream.ProgressUpdate{
			{JobID: "job-1", Worker: "render-2", Progress: 0},
			{JobID: "job-1", Worker: "render-2", Progress: 1},
		}
		return f
	}}
	hr := newHarness(t, fake, WithCoalesceInterval(0))

	projectID := hr.generate(t, `{"width":512,"height":512,"count":1}`)

	tab1 := hr.progress(t, projectID)
	defer tab1.Body.Close()
	tab2 := hr.progress(t, projectID)
	defer tab2.Body.Close()
	close(gate)

	evs1 := readEvents(t, tab1.Body)
	evs2 := readEvents(t, tab2.Body)

	if len(evs1) == 0 || evs1[len(evs1)-1].Type != broker.EventComplete {
		t.Fatalf("tab1 missing complete terminal: %+v", evs1)
	}
	if len(evs1) != len(evs2) {
		t.Fatalf("tabs diverged: %d vs %d events", len(evs1), len(evs2))
	}
	for i := range evs1 {
		if evs1[i].Type != evs2[i].Type {
			t.Fatalf("event %d diverged: %s vs %s", i, evs1[i].Type, evs2[i].Type)
		}
	}
	if evs1[0].Type != broker.EventConnected {
		t.Fatalf("first event must be the connected ack, got %s", evs1[0].Type)
	}
}

func TestLateSubscriberGetsCachedTerminal(t *testing.T) {
	fake := &upstreamtest.Connector{}
	hr := newHarness(t, fake, WithCoalesceInterval(0))

	projectID := hr.generate(t, `{}`)

	// First viewer drains the stream to completion.
	first := hr.progress(t, projectID)
	evs := readEvents(t, first.Body)
	first.Body.Close()
	if evs[len(evs)-1].Type != broker.EventComplete {
		t.Fatalf("job did not complete: %+v", evs)
	}

	// A viewer arriving after the terminal event must not hang.
	late := hr.progress(t, projectID)
	defer late.Body.Close()
	lateEvs := readEvents(t, late.Body)
	if len(lateEvs) != 2 || lateEvs[0].Type != broker.EventConnected || lateEvs[1].Type != broker.EventComplete {
		t.Fatalf("late subscriber events: %+v", lateEvs)
	}
}

func TestProgressUnknownProjectAnswersWithError(t *testing.T) {
	hr := newHarness(t, &upstreamtest.Connector{})

	resp := hr.progress(t, "project-404")
	defer resp.Body.Close()
	evs := readEvents(t, resp.Body)
	if len(evs) != 1 || evs[0].Type != broker.EventError || evs[0].Message != "unknown project" {
		t.Fatalf("expected a single unknown-project error event, got %+v", evs)
	}
}

func TestProgressHeartbeat(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	fake := &upstreamtest.Connector{Factory: func(string) *upstreamtest.FakeClient {
		f := upstreamtest.NewFakeClient("job-1")
		f.Gate = gate
		f.Block = true
		return f
	}}
	hr := newHarness(t, fake, WithHeartbeatInterval(30*time.Millisecond))

	projectID := hr.generate(t, `{}`)
	resp := hr.progress(t, projectID)
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	deadline := time.After(5 * time.Second)
	got := make(chan struct{})
	go func() {
		for sc.Scan() {
			if strings.HasPrefix(sc.Text(), ": keep-alive") {
				close(got)
				return
			}
		}
	}()
	select {
	case <-got:
	case <-deadline:
		t.Fatal("no keep-alive comment frame observed")
	}
}

func TestStreamHardCapSendsTimeout(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	fake := &upstreamtest.Connector{Factory: func(string) *upstreamtest.FakeClient {
		f := upstreamtest.NewFakeClient("job-1")
		f.Gate = gate
		f.Block = true
		return f
	}}
	hr := newHarness(t, fake, WithStreamHardCap(50*time.Millisecond))

	projectID := hr.generate(t, `{}`)
	resp := hr.progress(t, projectID)
	defer resp.Body.Close()

	evs := readEvents(t, resp.Body)
	last := evs[len(evs)-1]
	if last.Type != broker.EventTimeout {
		t.Fatalf("expected synthetic timeout terminal, got %+v", evs)
	}
}

func TestCancelEndpoint(t *testing.T) {
	gate := make(chan struct{})
	fake := &upstreamtest.Connector{Factory: func(string) *upstreamtest.FakeClient {
		f := upstreamtest.NewFakeClient("job-1")
		f.Gate = gate
		f.Updates = []upstream.ProgressUpdate{{JobID: "job-1", Progress: 0}}
		f.Block = true
		return f
	}}
	hr := newHarness(t, fake, WithCoalesceInterval(0))

	projectID := hr.generate(t, `{}`)
	stream := hr.progress(t, projectID)
	defer stream.Body.Close()
	close(gate)

	// Give the progress event a moment so the job id is known upstream.
	time.Sleep(50 * time.Millisecond)

	resp, err := hr.client.Post(hr.srv.URL+"/cancel/"+projectID, "application/json", nil)
	if err != nil {
		t.Fatalf("POST /cancel: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status %d", resp.StatusCode)
	}
	var out struct {
		Status    string `json:"status"`
		ProjectID string `json:"projectId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode cancel response: %v", err)
	}
	if out.Status != "cancelled" || out.ProjectID != projectID {
		t.Fatalf("unexpected cancel response: %+v", out)
	}

	evs := readEvents(t, stream.Body)
	if evs[len(evs)-1].Type != broker.EventCancelled {
		t.Fatalf("subscribers must see the cancelled terminal, got %+v", evs)
	}
	if cancelled := hr.fake.Last().Cancelled(); len(cancelled) != 1 || cancelled[0] != "job-1" {
		t.Fatalf("upstream cancellation not requested: %v", cancelled)
	}
}

// countingCache wraps the in-memory cache and counts how many signals were
// actually processed (not suppressed).
type countingCache struct {
	inner     *memorycache.Cache
	processed atomic.Int32
}

func (c *countingCache) ShouldProcess(ctx context.Context, key string) (bool, error) {
	ok, err := c.inner.ShouldProcess(ctx, key)
	if ok {
		c.processed.Add(1)
	}
	return ok, err
}

func TestDoubleDisconnectTearsDownOnce(t *testing.T) {
	fake := &upstreamtest.Connector{}
	counter := &countingCache{inner: memorycache.New(5 * time.Second)}
	hr := newHarness(t, fake, WithDedupCache(counter))

	hr.generate(t, `{}`) // establishes session + connection

	// The same logical "user is leaving" signal arrives through both
	// transports within the dedup window.
	resp1, err := hr.client.Post(hr.srv.URL+"/disconnect", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /disconnect: %v", err)
	}
	resp1.Body.Close()
	resp2, err := hr.client.Get(hr.srv.URL + "/disconnect")
	if err != nil {
		t.Fatalf("GET /disconnect: %v", err)
	}
	resp2.Body.Close()

	if resp1.StatusCode != http.StatusOK || resp2.StatusCode != http.StatusOK {
		t.Fatalf("both disconnect variants must succeed: %d, %d", resp1.StatusCode, resp2.StatusCode)
	}
	if got := counter.processed.Load(); got != 1 {
		t.Fatalf("expected exactly one processed teardown, got %d", got)
	}
	if !fake.Last().Closed() {
		t.Fatal("connection not torn down")
	}
}

func TestDisconnectWithNoConnectionSucceeds(t *testing.T) {
	hr := newHarness(t, &upstreamtest.Connector{})
	resp, err := hr.client.Post(hr.srv.URL+"/disconnect", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /disconnect: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("disconnect without a connection must still succeed, got %d", resp.StatusCode)
	}
}

func TestDisconnectBeaconServesGIF(t *testing.T) {
	hr := newHarness(t, &upstreamtest.Connector{})
	resp, err := hr.client.Get(hr.srv.URL + "/disconnect")
	if err != nil {
		t.Fatalf("GET /disconnect: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "image/gif" {
		t.Fatalf("beacon content-type %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.HasPrefix(body, []byte("GIF8")) {
		t.Fatalf("beacon body is not a GIF: %x", body)
	}
}

func TestStatusNeverDialsUpstream(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	fake := &upstreamtest.Connector{Factory: func(string) *upstreamtest.FakeClient {
		f := upstreamtest.NewFakeClient("job-1")
		f.Gate = gate
		return f
	}}
	hr := newHarness(t, fake)

	resp, err := hr.client.Get(hr.srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	var st struct {
		Connected bool `json:"connected"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	resp.Body.Close()
	if st.Connected || fake.Dials() != 0 {
		t.Fatalf("status check dialed upstream: connected=%v dials=%d", st.Connected, fake.Dials())
	}

	hr.generate(t, `{}`)
	resp, err = hr.client.Get(hr.srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	resp.Body.Close()
	if !st.Connected {
		t.Fatal("status should report the pooled connection")
	}
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	return u
}
