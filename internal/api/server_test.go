package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/localbiz-harvester/internal/config"
	"github.com/JakeFAU/localbiz-harvester/internal/crawler"
	"github.com/JakeFAU/localbiz-harvester/internal/progress"
	"github.com/JakeFAU/localbiz-harvester/internal/progress/sinks"
	"github.com/JakeFAU/localbiz-harvester/internal/session"
	"github.com/JakeFAU/localbiz-harvester/internal/storage/memory"
)

func TestServer_StartSession_AppliesDefaults(t *testing.T) {
	t.Parallel()

	runner := newGatedRunner()
	env := newTestEnv(t, runner, session.Options{})

	rec := env.do(http.MethodPost, "/v1/sessions", `{"location":"Istanbul","keyword":"Software"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "sess-1", body["session_id"])
	require.Equal(t, "running", body["state"])

	req := <-runner.started
	require.Equal(t, 100, req.MaxResults)
	require.InDelta(t, 15.0, req.PerSiteTimeoutSeconds, 0.001)
	require.True(t, req.EnrichmentEnabled)
	runner.release()
}

func TestServer_StartSession_ExplicitFields(t *testing.T) {
	t.Parallel()

	runner := newGatedRunner()
	env := newTestEnv(t, runner, session.Options{})

	rec := env.do(http.MethodPost, "/v1/sessions",
		`{"location":"Ankara","keyword":"Bakery","max_results":3,"per_site_timeout_seconds":2.5,"enrichment_enabled":false}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	req := <-runner.started
	require.Equal(t, crawler.SearchRequest{
		Location:              "Ankara",
		Keyword:               "Bakery",
		MaxResults:            3,
		PerSiteTimeoutSeconds: 2.5,
		EnrichmentEnabled:     false,
	}, req)
	runner.release()
}

func TestServer_StartSession_Rejections(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		body   string
		status int
		msg    string
	}{
		{name: "invalid json", body: "{invalid", status: http.StatusBadRequest, msg: "invalid JSON"},
		{name: "unknown field", body: `{"location":"x","keyword":"y","urls":[]}`, status: http.StatusBadRequest, msg: "invalid JSON"},
		{name: "missing keyword", body: `{"location":"Istanbul"}`, status: http.StatusBadRequest, msg: "keyword is required"},
		{name: "negative results", body: `{"location":"Istanbul","keyword":"x","max_results":-1}`, status: http.StatusBadRequest, msg: "max_results"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t, newGatedRunner(), session.Options{})
			rec := env.do(http.MethodPost, "/v1/sessions", tc.body)
			require.Equal(t, tc.status, rec.Code)
			require.Contains(t, rec.Body.String(), tc.msg)
		})
	}
}

func TestServer_NotReady(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, newGatedRunner(), session.Options{Ready: func() bool { return false }})

	rec := env.do(http.MethodPost, "/v1/sessions", `{"location":"Istanbul","keyword":"Software"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = env.do(http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Busy(t *testing.T) {
	t.Parallel()

	runner := newGatedRunner()
	env := newTestEnv(t, runner, session.Options{MaxActive: 1})

	rec := env.do(http.MethodPost, "/v1/sessions", `{"location":"Istanbul","keyword":"Software"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	<-runner.started

	rec = env.do(http.MethodPost, "/v1/sessions", `{"location":"Izmir","keyword":"Software"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	runner.release()
}

func TestServer_StopSession(t *testing.T) {
	t.Parallel()

	runner := newGatedRunner()
	env := newTestEnv(t, runner, session.Options{})

	rec := env.do(http.MethodPost, "/v1/sessions/nope/stop", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(http.MethodPost, "/v1/sessions", `{"location":"Istanbul","keyword":"Software"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	<-runner.started

	rec = env.do(http.MethodPost, "/v1/sessions/sess-1/stop", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), `"stop_requested":true`)

	info, err := env.registry.Wait(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Equal(t, crawler.StateCancelled, info.State)

	rec = env.do(http.MethodGet, "/v1/sessions/sess-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got session.Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, crawler.StateCancelled, got.State)
	require.NotNil(t, got.FinishedAt)

	// Stopping a finished session is accepted and changes nothing.
	rec = env.do(http.MethodPost, "/v1/sessions/sess-1/stop", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestServer_StopAllAndList(t *testing.T) {
	t.Parallel()

	runner := newGatedRunner()
	env := newTestEnv(t, runner, session.Options{})

	for _, loc := range []string{"Istanbul", "Izmir"} {
		rec := env.do(http.MethodPost, "/v1/sessions", fmt.Sprintf(`{"location":%q,"keyword":"Software"}`, loc))
		require.Equal(t, http.StatusAccepted, rec.Code)
		<-runner.started
	}

	rec := env.do(http.MethodPost, "/v1/stop", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.JSONEq(t, `{"stopped":2}`, rec.Body.String())

	rec = env.do(http.MethodGet, "/v1/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Sessions []session.Info `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Sessions, 2)
	require.Equal(t, "sess-1", body.Sessions[0].ID)
	require.Equal(t, "Izmir", body.Sessions[1].Request.Location)
}

func TestServer_ListRecords(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, completingRunner(), session.Options{})

	rec := env.do(http.MethodGet, "/v1/sessions/nope/records", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(http.MethodPost, "/v1/sessions", `{"location":"Istanbul","keyword":"Software"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	_, err := env.registry.Wait(context.Background(), "sess-1")
	require.NoError(t, err)

	record := crawler.NewBusinessRecord("https://maps.example/place/1")
	record.Name = "Acme"
	require.NoError(t, env.records.SaveRecord(context.Background(), "sess-1", record))

	rec = env.do(http.MethodGet, "/v1/sessions/sess-1/records", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Records []crawler.BusinessRecord `json:"records"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, []crawler.BusinessRecord{record}, body.Records)
}

func TestServer_Events_ReplaysFinishedSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, completingRunner(), session.Options{})

	rec := env.do(http.MethodPost, "/v1/sessions", `{"location":"Istanbul","keyword":"Software"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	_, err := env.registry.Wait(context.Background(), "sess-1")
	require.NoError(t, err)

	rec = env.do(http.MethodGet, "/v1/sessions/sess-1/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := parseSSE(t, rec.Body.String())
	require.Equal(t, []string{"log", "progress", "record", "progress", "finished"}, eventNames(events))
	require.JSONEq(t, `{"state":"completed"}`, events[len(events)-1].data)
	require.Contains(t, events[2].data, `"map_link":"https://maps.example/place/1"`)
}

func TestServer_Events_SynthesizesMissingFinished(t *testing.T) {
	t.Parallel()

	stream := sinks.NewStreamSink(sinks.StreamConfig{})
	registry := session.New(context.Background(), completingRunner(), discardEmitter{}, session.Options{
		IDs: &fakeIDGen{ids: []string{"sess-1"}},
	})
	server := NewServer(registry, stream, nil, testConfig(), zap.NewNop())
	server.settle = 10 * time.Millisecond

	_, err := registry.Start(crawler.SearchRequest{Location: "Istanbul", Keyword: "Software"})
	require.NoError(t, err)
	_, err = registry.Wait(context.Background(), "sess-1")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/sess-1/events", nil))

	events := parseSSE(t, rec.Body.String())
	require.Equal(t, []string{"finished"}, eventNames(events))
	require.JSONEq(t, `{"state":"completed"}`, events[0].data)
}

func TestServer_Events_UnknownSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, newGatedRunner(), session.Options{})
	rec := env.do(http.MethodGet, "/v1/sessions/missing/events", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Events_StreamsLive(t *testing.T) {
	t.Parallel()

	runner := newGatedRunner()
	env := newTestEnv(t, runner, session.Options{})
	srv := httptest.NewServer(env.server.Handler())
	t.Cleanup(srv.Close)

	rec := env.do(http.MethodPost, "/v1/sessions", `{"location":"Istanbul","keyword":"Software"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	<-runner.started

	resp, err := http.Get(srv.URL + "/v1/sessions/sess-1/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reader := bufio.NewReader(resp.Body)
	first := readSSEEvent(t, reader)
	require.Equal(t, "log", first.name)
	require.Contains(t, first.data, "waiting")

	runner.release()

	var names []string
	for {
		evt := readSSEEvent(t, reader)
		names = append(names, evt.name)
		if evt.name == "finished" {
			require.JSONEq(t, `{"state":"cancelled"}`, evt.data)
			break
		}
	}
	require.Equal(t, []string{"record", "finished"}, names)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "secret"}
	registry := session.New(context.Background(), newGatedRunner(), discardEmitter{}, session.Options{})
	server := NewServer(registry, sinks.NewStreamSink(sinks.StreamConfig{}), nil, cfg, zap.NewNop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_RecoversFromPanics(t *testing.T) {
	t.Parallel()

	server := NewServer(panicSessions{}, nil, nil, testConfig(), zap.NewNop())
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, newGatedRunner(), session.Options{})
	rec := env.do(http.MethodGet, "/healthz", "")

	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

type testEnv struct {
	t        *testing.T
	server   *Server
	registry *session.Registry
	records  *memory.RecordStore
}

func newTestEnv(t *testing.T, runner session.Runner, opts session.Options) *testEnv {
	t.Helper()
	stream := sinks.NewStreamSink(sinks.StreamConfig{})
	records := memory.NewRecordStore()
	opts.IDs = &fakeIDGen{ids: []string{"sess-1", "sess-2", "sess-3"}}
	registry := session.New(context.Background(), runner, streamEmitter{stream: stream}, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = registry.Shutdown(ctx)
	})
	return &testEnv{
		t:        t,
		server:   NewServer(registry, stream, records, testConfig(), zap.NewNop()),
		registry: registry,
		records:  records,
	}
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	e.t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func testConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{RequestTimeout: 5 * time.Second},
		Crawl: config.CrawlConfig{
			DefaultMaxResults:            100,
			DefaultPerSiteTimeoutSeconds: 15,
			DefaultEnrichment:            true,
		},
	}
}

// streamEmitter hands each event straight to the stream sink.
type streamEmitter struct {
	stream *sinks.StreamSink
}

func (s streamEmitter) Emit(evt progress.Event) {
	_ = s.stream.Consume(context.Background(), []progress.Event{evt})
}

type discardEmitter struct{}

func (discardEmitter) Emit(progress.Event) {}

// gatedRunner logs once, then waits for release or a stop request.
type gatedRunner struct {
	started chan crawler.SearchRequest
	gate    chan struct{}
	once    sync.Once
}

func newGatedRunner() *gatedRunner {
	return &gatedRunner{
		started: make(chan crawler.SearchRequest, 8),
		gate:    make(chan struct{}),
	}
}

func (g *gatedRunner) release() {
	g.once.Do(func() { close(g.gate) })
}

func (g *gatedRunner) Run(ctx context.Context, req crawler.SearchRequest, token *crawler.CancellationToken, sink crawler.EventSink) crawler.Outcome {
	sink.Log("waiting for release", crawler.SeverityInfo)
	g.started <- req
	select {
	case <-g.gate:
	case <-token.Done():
	case <-ctx.Done():
	}
	sink.Record(crawler.NewBusinessRecord("https://maps.example/place/1"))
	sink.Finished(crawler.StateCancelled)
	return crawler.Outcome{State: crawler.StateCancelled, Scheduled: 1, Records: 1}
}

type runnerFunc func(context.Context, crawler.SearchRequest, *crawler.CancellationToken, crawler.EventSink) crawler.Outcome

func (f runnerFunc) Run(ctx context.Context, req crawler.SearchRequest, token *crawler.CancellationToken, sink crawler.EventSink) crawler.Outcome {
	return f(ctx, req, token, sink)
}

func completingRunner() runnerFunc {
	return func(_ context.Context, _ crawler.SearchRequest, _ *crawler.CancellationToken, sink crawler.EventSink) crawler.Outcome {
		sink.Log("Collected 1 / 1", crawler.SeverityInfo)
		sink.Progress(50)
		sink.Record(crawler.NewBusinessRecord("https://maps.example/place/1"))
		sink.Progress(100)
		sink.Finished(crawler.StateCompleted)
		return crawler.Outcome{State: crawler.StateCompleted, Scheduled: 1, Records: 1}
	}
}

type panicSessions struct {
	Sessions
}

func (panicSessions) List() []session.Info {
	panic("boom")
}

type sseEvent struct {
	name string
	data string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var out []sseEvent
	reader := bufio.NewReader(strings.NewReader(body))
	for {
		evt, ok := nextSSEEvent(reader)
		if !ok {
			return out
		}
		out = append(out, evt)
	}
}

func readSSEEvent(t *testing.T, reader *bufio.Reader) sseEvent {
	t.Helper()
	evt, ok := nextSSEEvent(reader)
	require.True(t, ok, "event stream ended early")
	return evt
}

// nextSSEEvent reads one event block, skipping comment lines.
func nextSSEEvent(reader *bufio.Reader) (sseEvent, bool) {
	var evt sseEvent
	for {
		line, err := reader.ReadString('\n')
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			evt.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			evt.data = strings.TrimPrefix(line, "data: ")
		case line == "" && evt.name != "":
			return evt, true
		}
		if err != nil {
			return evt, evt.name != ""
		}
	}
}

func eventNames(events []sseEvent) []string {
	out := make([]string, 0, len(events))
	for _, evt := range events {
		out = append(out, evt.name)
	}
	return out
}

type fakeIDGen struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeIDGen) NewID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ids) == 0 {
		return "id-default", nil
	}
	id := f.ids[0]
	f.ids = f.ids[1:]
	return id, nil
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
