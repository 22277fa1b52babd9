package server

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/GriffinCanCode/caption-digest/internal/config"
	"github.com/GriffinCanCode/caption-digest/internal/domain"
	"github.com/GriffinCanCode/caption-digest/internal/resilience"
	"github.com/GriffinCanCode/caption-digest/internal/workflow"
)

type stubCaptions struct{}

func (stubCaptions) ResolveVideo(_ context.Context, rawURL string) resilience.Result[domain.VideoInfo] {
	id := rawURL[strings.LastIndex(rawURL, "/")+1:]
	return resilience.Success(domain.VideoInfo{ID: id, Title: "Title " + id})
}

func (stubCaptions) ListLanguages(context.Context, string) resilience.Result[map[string]string] {
	return resilience.Success(map[string]string{"en": "English", "fr": "French"})
}

func (stubCaptions) FetchCaptions(_ context.Context, _, lang string) resilience.Result[string] {
	return resilience.Success("1\n00:00:00,000 --> 00:00:01,000\ncaptions in " + lang + "\n")
}

type stubSummarizer struct{ opts []domain.SummaryOptions }

func (s *stubSummarizer) Summarize(_ context.Context, _ string, o domain.SummaryOptions) resilience.Result[string] {
	s.opts = append(s.opts, o)
	return resilience.Success("a summary")
}

type stubSynth struct{}

func (stubSynth) Synthesize(context.Context, string) resilience.Result[[]byte] {
	return resilience.Success([]byte("fLaC"))
}

type testServer struct {
	*Server
	handler http.Handler
	summary *stubSummarizer
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.RateLimitPerMinute = 0
	if mutate != nil {
		mutate(cfg)
	}
	sum := &stubSummarizer{}
	deps := workflow.Deps{
		Captions:    stubCaptions{},
		Summarizers: []workflow.NamedSummarizer{{Name: "stub", Summarizer: sum}},
		Synthesizer: stubSynth{},
	}
	s := New(workflow.NewManager(deps, cfg.WorkflowOptions(), time.Minute), cfg)
	return &testServer{Server: s, handler: s.Handler(), summary: sum}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader = http.NoBody
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) create(t *testing.T) string {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/sessions", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body)
	}
	var resp CreateSessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	return resp.SessionID
}

func decodeSnapshot(t *testing.T, rec *httptest.ResponseRecorder) workflow.Snapshot {
	t.Helper()
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var snap workflow.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	return snap
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("error body %q: %v", rec.Body, err)
	}
	return resp
}

func TestCORSMiddleware(t *testing.T) {
	ts := newTestServer(t, nil)
	handler := ts.corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// Test OPTIONS request
	req := httptest.NewRequest("OPTIONS", "/test", http.NoBody)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("OPTIONS status = %d, want %d", rec.Code, http.StatusOK)
	}
	if v := rec.Header().Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("CORS origin = %q, want %q", v, "*")
	}
	if v := rec.Header().Get("Access-Control-Allow-Methods"); v != "GET, POST, DELETE, OPTIONS" {
		t.Errorf("CORS methods = %q", v)
	}
}

func TestAllowOrigin(t *testing.T) {
	tests := []struct {
		allowed []string
		origin  string
		want    string
	}{
		{[]string{"*"}, "https://a.example", "*"},
		{[]string{"https://a.example"}, "https://A.example", "https://A.example"},
		{[]string{"https://a.example"}, "https://b.example", ""},
		{nil, "https://a.example", ""},
	}
	for _, tt := range tests {
		if got := allowOrigin(tt.allowed, tt.origin); got != tt.want {
			t.Errorf("allowOrigin(%v, %q) = %q, want %q", tt.allowed, tt.origin, got, tt.want)
		}
	}
}

func TestOriginPatterns(t *testing.T) {
	got := originPatterns([]string{"*", "https://app.example/", "http://localhost:5173"})
	want := []string{"*", "app.example", "localhost:5173"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("originPatterns()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestFullFlow(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.create(t)
	base := "/api/sessions/" + id

	snap := decodeSnapshot(t, ts.do(t, http.MethodPost, base+"/video", `{"url":"https://youtu.be/abc123"}`))
	if snap.Stage != workflow.StageLanguagesListed || snap.VideoID != "abc123" || len(snap.Languages) != 2 {
		t.Fatalf("after video: %+v", snap)
	}

	snap = decodeSnapshot(t, ts.do(t, http.MethodPost, base+"/captions", `{"language":"fr"}`))
	if snap.Stage != workflow.StageCaptionsReady || !strings.Contains(snap.Captions, "captions in fr") {
		t.Fatalf("after captions: %+v", snap)
	}

	snap = decodeSnapshot(t, ts.do(t, http.MethodPost, base+"/summary", ""))
	if snap.Stage != workflow.StageSummarized || snap.Summary != "a summary" {
		t.Fatalf("after summary: %+v", snap)
	}
	if o := ts.summary.opts[0]; o.MinLength != 50 || o.MaxLength != 200 || !o.Deterministic {
		t.Errorf("summary used %+v, want config defaults", o)
	}

	snap = decodeSnapshot(t, ts.do(t, http.MethodPost, base+"/audio", ""))
	if snap.Stage != workflow.StageAudioReady || !snap.HasAudio {
		t.Fatalf("after audio: %+v", snap)
	}

	rec := ts.do(t, http.MethodGet, base+"/audio", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "fLaC" {
		t.Fatalf("audio download = %d %q", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "audio/flac" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); cd != `attachment; filename="abc123.flac"` {
		t.Errorf("Content-Disposition = %q", cd)
	}

	rec = ts.do(t, http.MethodGet, base+"/export", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("export = %d %s", rec.Code, rec.Body)
	}
	if _, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len())); err != nil {
		t.Errorf("export is not a docx archive: %v", err)
	}

	got := decodeSnapshot(t, ts.do(t, http.MethodGet, base, ""))
	if got.Stage != workflow.StageAudioReady || got.Busy {
		t.Errorf("GET session = %+v", got)
	}

	snap = decodeSnapshot(t, ts.do(t, http.MethodPost, base+"/reset", ""))
	if snap.Stage != workflow.StageEmpty {
		t.Errorf("after reset: %+v", snap)
	}
}

func TestSummaryBoundsFromBody(t *testing.T) {
	ts := newTestServer(t, nil)
	base := "/api/sessions/" + ts.create(t)
	ts.do(t, http.MethodPost, base+"/video", `{"url":"https://youtu.be/abc123"}`)
	ts.do(t, http.MethodPost, base+"/captions", `{"language":"en"}`)

	decodeSnapshot(t, ts.do(t, http.MethodPost, base+"/summary", `{"min_length":10,"max_length":40}`))
	if o := ts.summary.opts[0]; o.MinLength != 10 || o.MaxLength != 40 {
		t.Errorf("summary used %+v", o)
	}

	rec := ts.do(t, http.MethodPost, base+"/summary", `{"min_length":90,"max_length":40}`)
	if rec.Code != http.StatusBadRequest || decodeError(t, rec).Code != "CONFIG_INVALID" {
		t.Errorf("inverted bounds = %d %s", rec.Code, rec.Body)
	}
}

func TestErrorResponses(t *testing.T) {
	ts := newTestServer(t, nil)
	base := "/api/sessions/" + ts.create(t)
	ts.do(t, http.MethodPost, base+"/video", `{"url":"https://youtu.be/abc123"}`)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
		stage  string
	}{
		{"out of order", http.MethodPost, base + "/summary", "", http.StatusConflict, "PRECONDITION", "languages_listed"},
		{"unknown language", http.MethodPost, base + "/captions", `{"language":"de"}`, http.StatusBadRequest, "INVALID_ARGUMENT", "languages_listed"},
		{"malformed body", http.MethodPost, base + "/captions", `{"language":`, http.StatusBadRequest, "INVALID_ARGUMENT", "languages_listed"},
		{"blank url", http.MethodPost, base + "/video", `{"url":"  "}`, http.StatusUnprocessableEntity, "VIDEO_RESOLUTION", ""},
		{"no audio", http.MethodGet, base + "/audio", "", http.StatusNotFound, "NOT_FOUND", "languages_listed"},
		{"no session", http.MethodGet, "/api/sessions/nope", "", http.StatusNotFound, "NOT_FOUND", ""},
		{"bad since", http.MethodGet, base + "/events?since=x", "", http.StatusBadRequest, "INVALID_ARGUMENT", "languages_listed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, tt.method, tt.path, tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.status, rec.Body)
			}
			resp := decodeError(t, rec)
			if resp.Code != tt.code || resp.Error == "" {
				t.Errorf("body = %+v, want code %s", resp, tt.code)
			}
			if tt.stage != "" && resp.Stage != tt.stage {
				t.Errorf("stage = %q, want %q", resp.Stage, tt.stage)
			}
		})
	}
}

func TestExportRequiresCaptions(t *testing.T) {
	ts := newTestServer(t, nil)
	base := "/api/sessions/" + ts.create(t)
	rec := ts.do(t, http.MethodGet, base+"/export", "")
	if rec.Code != http.StatusConflict || decodeError(t, rec).Code != "PRECONDITION" {
		t.Errorf("export without captions = %d %s", rec.Code, rec.Body)
	}
}

func TestDeleteSession(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.create(t)
	if rec := ts.do(t, http.MethodDelete, "/api/sessions/"+id, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodDelete, "/api/sessions/"+id, ""); rec.Code != http.StatusNotFound {
		t.Errorf("second delete = %d", rec.Code)
	}
}

func TestEvents(t *testing.T) {
	ts := newTestServer(t, nil)
	base := "/api/sessions/" + ts.create(t)
	ts.do(t, http.MethodPost, base+"/video", `{"url":"https://youtu.be/abc123"}`)

	var all EventsResponse
	json.Unmarshal(ts.do(t, http.MethodGet, base+"/events", "").Body.Bytes(), &all)
	if len(all.Events) < 2 {
		t.Fatalf("events = %+v", all.Events)
	}
	last := all.Events[len(all.Events)-1]
	if last.Type != workflow.EventStage || last.Stage != workflow.StageLanguagesListed {
		t.Errorf("last event = %+v", last)
	}

	var none EventsResponse
	rec := ts.do(t, http.MethodGet, base+"/events?since="+strconv.FormatInt(last.Seq, 10), "")
	json.Unmarshal(rec.Body.Bytes(), &none)
	if none.Events == nil || len(none.Events) != 0 {
		t.Errorf("events since last = %s", rec.Body)
	}
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.RateLimitPerMinute = 2 })

	for i := 0; i < 2; i++ {
		if rec := ts.do(t, http.MethodPost, "/api/sessions", ""); rec.Code != http.StatusCreated {
			t.Fatalf("request %d = %d", i, rec.Code)
		}
	}
	rec := ts.do(t, http.MethodPost, "/api/sessions", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("third request = %d, want 429", rec.Code)
	}
	// reads are not limited
	if rec := ts.do(t, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("healthz = %d", rec.Code)
	}
}

func TestIPLimiterCleanup(t *testing.T) {
	l := newIPLimiter()
	now := time.Now()
	l.now = func() time.Time { return now }

	if !l.allow("10.0.0.1", 1) || l.allow("10.0.0.1", 1) {
		t.Fatal("limit of 1 not enforced")
	}
	if !l.allow("10.0.0.2", 1) {
		t.Fatal("clients should be limited independently")
	}

	now = now.Add(IPRateLimitWindow + time.Second)
	if !l.allow("10.0.0.1", 1) {
		t.Error("window did not slide")
	}

	now = now.Add(IPRateLimitEntryTTL + time.Second)
	if n := l.cleanup(); n != 2 {
		t.Errorf("cleanup() = %d, want 2", n)
	}
}

func TestWebSocketStreamsEvents(t *testing.T) {
	ts := newTestServer(t, nil)
	srv := httptest.NewServer(ts.handler)
	defer srv.Close()

	id := ts.create(t)
	ts.do(t, http.MethodPost, "/api/sessions/"+id+"/video", `{"url":"https://youtu.be/abc123"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws?session="+id, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var first SnapshotMessage
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		t.Fatal(err)
	}
	if first.Type != "snapshot" || first.Snapshot.Stage != workflow.StageLanguagesListed {
		t.Fatalf("first frame = %+v", first)
	}

	var backlog workflow.Event
	if err := wsjson.Read(ctx, conn, &backlog); err != nil {
		t.Fatal(err)
	}
	if backlog.Seq != 1 {
		t.Errorf("backlog starts at seq %d, want 1", backlog.Seq)
	}
	for backlog.Stage != workflow.StageLanguagesListed {
		if err := wsjson.Read(ctx, conn, &backlog); err != nil {
			t.Fatal(err)
		}
	}

	// live events follow the backlog
	ts.do(t, http.MethodPost, "/api/sessions/"+id+"/captions", `{"language":"en"}`)
	var live workflow.Event
	for live.Stage != workflow.StageCaptionsReady {
		if err := wsjson.Read(ctx, conn, &live); err != nil {
			t.Fatal(err)
		}
		if live.Seq <= backlog.Seq {
			t.Fatalf("duplicate event %d after backlog %d", live.Seq, backlog.Seq)
		}
	}
}

func TestRelayBackfillsDroppedEvents(t *testing.T) {
	bus := workflow.NewEventBus(0)
	events, cancel := bus.Subscribe(1)
	defer cancel()

	for range 4 {
		bus.Publish(workflow.Event{})
	}
	first := <-events
	if first.Seq != 1 {
		t.Fatalf("first delivered seq = %d, want 1", first.Seq)
	}

	var sent []int64
	send := func(e workflow.Event) error {
		sent = append(sent, e.Seq)
		return nil
	}
	last, err := relay(bus, first, 0, send)
	if err != nil || last != 1 {
		t.Fatalf("relay(first) = %d, %v", last, err)
	}

	// 2..4 were dropped by the one-slot buffer
	bus.Publish(workflow.Event{})
	next := <-events
	if next.Seq != 5 {
		t.Fatalf("next delivered seq = %d, want 5", next.Seq)
	}
	last, err = relay(bus, next, last, send)
	if err != nil || last != 5 {
		t.Fatalf("relay(next) = %d, %v", last, err)
	}
	if want := []int64{1, 2, 3, 4, 5}; !slices.Equal(sent, want) {
		t.Errorf("sent = %v, want %v", sent, want)
	}

	last, err = relay(bus, next, last, send)
	if err != nil || last != 5 || len(sent) != 5 {
		t.Errorf("replayed event was resent: last=%d sent=%v err=%v", last, sent, err)
	}
}

func TestRelayStopsOnWriteError(t *testing.T) {
	bus := workflow.NewEventBus(0)
	var e workflow.Event
	for range 4 {
		e = bus.Publish(workflow.Event{})
	}
	boom := errors.New("closed")
	last, err := relay(bus, e, 1, func(m workflow.Event) error {
		if m.Seq == 3 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if last != 2 {
		t.Errorf("last = %d, want 2", last)
	}
}

func TestWebSocketUnknownSession(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodGet, "/ws?session=missing", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
