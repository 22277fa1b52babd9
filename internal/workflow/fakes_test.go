package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/GriffinCanCode/caption-digest/internal/domain"
	"github.com/GriffinCanCode/caption-digest/internal/resilience"
)

var (
	errTransient = errors.New("connection reset")
	errDisabled  = errors.New("transcripts are disabled")
	errBadURL    = errors.New("no video id in url")
)

// script replays canned results; the last one repeats. With a gate, the
// first call blocks until the gate closes and ignores its context.
type script[T any] struct {
	mu      sync.Mutex
	results []resilience.Result[T]
	calls   int
	gate    chan struct{}
	once    sync.Once
}

func replay[T any](results ...resilience.Result[T]) *script[T] {
	return &script[T]{results: results}
}

func (s *script[T]) gated(t *testing.T) *script[T] {
	s.gate = make(chan struct{})
	t.Cleanup(s.release)
	return s
}

func (s *script[T]) release() {
	s.once.Do(func() { close(s.gate) })
}

func (s *script[T]) next() resilience.Result[T] {
	s.mu.Lock()
	i := s.calls
	s.calls++
	gate := s.gate
	s.mu.Unlock()

	if gate != nil && i == 0 {
		<-gate
	}
	return s.results[min(i, len(s.results)-1)]
}

func (s *script[T]) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeCaptions struct {
	resolveCalls int
	mu           sync.Mutex
	list         *script[map[string]string]
	fetch        *script[string]
	fetchLangs   []string
}

func newFakeCaptions() *fakeCaptions {
	return &fakeCaptions{
		list:  replay(resilience.Success(map[string]string{"en": "English", "fr": "French"})),
		fetch: replay(resilience.Success("1\n00:00:00,000 --> 00:00:02,000\nhello world\n")),
	}
}

func (f *fakeCaptions) ParseVideoID(raw string) (string, bool) {
	i := strings.LastIndexAny(raw, "/=")
	if i < 0 || i == len(raw)-1 {
		return "", false
	}
	return raw[i+1:], true
}

func (f *fakeCaptions) ResolveVideo(ctx context.Context, rawURL string) resilience.Result[domain.VideoInfo] {
	f.mu.Lock()
	f.resolveCalls++
	f.mu.Unlock()
	id, ok := f.ParseVideoID(rawURL)
	if !ok {
		return resilience.Terminal[domain.VideoInfo](errBadURL)
	}
	return resilience.Success(domain.VideoInfo{ID: id, Title: "Video " + id})
}

func (f *fakeCaptions) ListLanguages(ctx context.Context, videoID string) resilience.Result[map[string]string] {
	return f.list.next()
}

func (f *fakeCaptions) FetchCaptions(ctx context.Context, videoID, lang string) resilience.Result[string] {
	f.mu.Lock()
	f.fetchLangs = append(f.fetchLangs, lang)
	f.mu.Unlock()
	return f.fetch.next()
}

func (f *fakeCaptions) ResolveCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolveCalls
}

type fakeSummarizer struct {
	results *script[string]
	mu      sync.Mutex
	texts   []string
	opts    []domain.SummaryOptions
}

func newFakeSummarizer(results ...resilience.Result[string]) *fakeSummarizer {
	if len(results) == 0 {
		results = []resilience.Result[string]{resilience.Success("a short summary")}
	}
	return &fakeSummarizer{results: replay(results...)}
}

func (f *fakeSummarizer) Summarize(ctx context.Context, text string, opts domain.SummaryOptions) resilience.Result[string] {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.opts = append(f.opts, opts)
	f.mu.Unlock()
	return f.results.next()
}

type fakeSynth struct {
	results *script[[]byte]
}

func (f *fakeSynth) Synthesize(ctx context.Context, text string) resilience.Result[[]byte] {
	return f.results.next()
}

// sleepRecorder records backoff delays without sleeping.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

type harness struct {
	seq      *Sequencer
	captions *fakeCaptions
	summary  *fakeSummarizer
	synth    *fakeSynth
	sleeps   *sleepRecorder
	opts     Options
}

func testOptions(sleeps *sleepRecorder) Options {
	p := resilience.Policy{MaxAttempts: 5, InitialDelay: 10 * time.Millisecond, BackoffFactor: 2, AttemptTimeout: time.Second}
	return Options{
		Policies:          Policies{Resolve: p, Captions: p, Summary: p, Synthesis: p},
		AutoListLanguages: true,
		Deterministic:     true,
		Sleeper:           sleeps.sleep,
	}
}

func newHarness(t *testing.T, tweak ...func(*harness)) *harness {
	t.Helper()
	h := &harness{
		captions: newFakeCaptions(),
		summary:  newFakeSummarizer(),
		synth:    &fakeSynth{results: replay(resilience.Success([]byte("fLaC....")))},
		sleeps:   &sleepRecorder{},
	}
	h.opts = testOptions(h.sleeps)
	for _, fn := range tweak {
		fn(h)
	}
	deps := Deps{
		Captions:    h.captions,
		Summarizers: []NamedSummarizer{{Name: "primary", Summarizer: h.summary}},
		Synthesizer: h.synth,
	}
	h.seq = NewSequencer("test-session", deps, func() Options { return h.opts })
	return h
}

// driveTo runs commands until the session reaches stage.
func (h *harness) driveTo(t *testing.T, stage Stage) {
	t.Helper()
	ctx := context.Background()
	steps := []func() (Snapshot, error){
		func() (Snapshot, error) { return h.seq.SubmitURL(ctx, "https://youtu.be/abc123") },
		func() (Snapshot, error) { return h.seq.ListLanguages(ctx) },
		func() (Snapshot, error) { return h.seq.SelectLanguage(ctx, "en") },
		func() (Snapshot, error) { return h.seq.Summarize(ctx, 50, 200) },
		func() (Snapshot, error) { return h.seq.Synthesize(ctx) },
	}
	for i := 0; h.seq.Stage() < stage; i++ {
		if i >= len(steps) {
			t.Fatalf("cannot reach %v", stage)
		}
		if _, err := steps[i](); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}
