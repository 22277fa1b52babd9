package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GriffinCanCode/caption-digest/internal/domain"
	apperrors "github.com/GriffinCanCode/caption-digest/internal/errors"
	"github.com/GriffinCanCode/caption-digest/internal/resilience"
	"github.com/GriffinCanCode/caption-digest/internal/session"
	"github.com/GriffinCanCode/caption-digest/internal/trace"
)

// CaptionProvider resolves videos and fetches their caption tracks.
type CaptionProvider interface {
	ResolveVideo(ctx context.Context, rawURL string) resilience.Result[domain.VideoInfo]
	ListLanguages(ctx context.Context, videoID string) resilience.Result[map[string]string]
	FetchCaptions(ctx context.Context, videoID, lang string) resilience.Result[string]
}

// VideoIDParser is implemented by caption providers that can parse a URL
// without a network call. It lets a repeated submit of the same video be a no-op.
type VideoIDParser interface {
	ParseVideoID(raw string) (string, bool)
}

// Summarizer condenses caption text. Length bounds are hints to the provider.
type Summarizer interface {
	Summarize(ctx context.Context, text string, opts domain.SummaryOptions) resilience.Result[string]
}

// Synthesizer turns text into audio bytes.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) resilience.Result[[]byte]
}

// NamedSummarizer is one entry of the configured summary fallback chain.
type NamedSummarizer struct {
	Name string
	Summarizer
}

// Deps are the external collaborators shared by every session.
type Deps struct {
	Captions    CaptionProvider
	Summarizers []NamedSummarizer
	Synthesizer Synthesizer
}

// Policies holds one retry policy per external call.
type Policies struct {
	Resolve   resilience.Policy
	Captions  resilience.Policy
	Summary   resilience.Policy
	Synthesis resilience.Policy
}

// Options are read at the start of every command, so a reload applies to the
// next command without touching one in flight.
type Options struct {
	Policies          Policies
	AutoListLanguages bool
	Deterministic     bool
	Sleeper           resilience.Sleeper
}

// DefaultOptions returns production settings.
func DefaultOptions() Options {
	return Options{
		Policies: Policies{
			Resolve:   resilience.DefaultPolicy(),
			Captions:  resilience.CaptionPolicy(),
			Summary:   resilience.InferencePolicy(),
			Synthesis: resilience.InferencePolicy(),
		},
		AutoListLanguages: true,
		Deterministic:     true,
	}
}

var prerequisite = map[Stage]string{
	StageVideoIdentified: "submit a video URL first",
	StageLanguagesListed: "list caption languages first",
	StageCaptionsReady:   "fetch captions first",
	StageSummarized:      "summarize the captions first",
}

// Sequencer drives one session through its stages. At most one command runs
// at a time; results are committed only if the session has not been reset
// or pointed at another video in the meantime.
type Sequencer struct {
	id     string
	deps   Deps
	opts   func() Options
	store  *session.Store
	events *EventBus

	run  sync.Mutex
	busy atomic.Bool

	mu         sync.Mutex
	cancel     context.CancelFunc
	lastBounds [2]int
}

// NewSequencer creates a sequencer over a fresh session store. opts is
// consulted at the start of every command.
func NewSequencer(id string, deps Deps, opts func() Options) *Sequencer {
	if opts == nil {
		o := DefaultOptions()
		opts = func() Options { return o }
	}
	return &Sequencer{
		id:     id,
		deps:   deps,
		opts:   opts,
		store:  session.NewStore(),
		events: NewEventBus(DefaultEventHistory),
	}
}

// ID returns the session id.
func (s *Sequencer) ID() string { return s.id }

// Events returns the session's event bus.
func (s *Sequencer) Events() *EventBus { return s.events }

// State returns a copy of the stored workflow state.
func (s *Sequencer) State() session.WorkflowState { return s.store.Get() }

// Stage returns the current stage.
func (s *Sequencer) Stage() Stage { return StageOf(s.store.Get()) }

// Busy reports whether a command is in flight.
func (s *Sequencer) Busy() bool { return s.busy.Load() }

// Affordances lists the commands a UI should enable right now.
func (s *Sequencer) Affordances() []Command { return Affordances(s.Stage(), s.Busy()) }

// Snapshot is the read model handed to presentation layers.
type Snapshot struct {
	SessionID        string            `json:"session_id"`
	Stage            Stage             `json:"stage"`
	VideoID          string            `json:"video_id,omitempty"`
	Title            string            `json:"title,omitempty"`
	Languages        map[string]string `json:"languages,omitempty"`
	SelectedLanguage string            `json:"selected_language,omitempty"`
	Captions         string            `json:"captions,omitempty"`
	Summary          string            `json:"summary,omitempty"`
	HasAudio         bool              `json:"has_audio"`
	AudioBytes       int               `json:"audio_bytes,omitempty"`
	Busy             bool              `json:"busy"`
	Affordances      []Command         `json:"affordances"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Snapshot returns the current read model.
func (s *Sequencer) Snapshot() Snapshot {
	st := s.store.Get()
	stage := StageOf(st)
	busy := s.Busy()
	return Snapshot{
		SessionID:        s.id,
		Stage:            stage,
		VideoID:          st.VideoID,
		Title:            st.Title,
		Languages:        st.AvailableLanguages,
		SelectedLanguage: st.SelectedLanguage,
		Captions:         st.Captions,
		Summary:          st.Summary,
		HasAudio:         len(st.Audio) > 0,
		AudioBytes:       len(st.Audio),
		Busy:             busy,
		Affordances:      Affordances(stage, busy),
		UpdatedAt:        st.UpdatedAt,
	}
}

// SubmitURL resets the session, resolves rawURL to a video and, when
// AutoListLanguages is set, lists its caption languages. Submitting the
// video already loaded keeps the session; if its languages were never
// listed, listing is attempted again. A submit preempts any command in flight.
func (s *Sequencer) SubmitURL(ctx context.Context, rawURL string) (Snapshot, error) {
	const cmd = CmdSubmitURL
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return s.Snapshot(), apperrors.New(apperrors.CodeVideoResolution, "enter a video URL").WithStage(cmd.Label())
	}
	if p, ok := s.deps.Captions.(VideoIDParser); ok {
		if id, ok := p.ParseVideoID(rawURL); ok && id == s.store.Get().VideoID {
			return s.resubmit(ctx)
		}
	}

	gen := s.store.Reset()
	s.interrupt()
	s.publish(Event{Type: EventStage, Command: cmd})

	ctx, done, _ := s.begin(ctx, cmd, true)
	defer done()
	if s.store.Generation() != gen {
		return s.Snapshot(), s.stale(cmd)
	}

	ctx, span := trace.StartSpan(ctx, "submit_url")
	defer span.End()
	o := s.opts()

	r := resilience.Execute(ctx, o.Policies.Resolve, func(ctx context.Context) resilience.Result[domain.VideoInfo] {
		return s.deps.Captions.ResolveVideo(ctx, rawURL)
	}, s.retryOpts(cmd, o)...)
	span.SetAttr("attempts", r.Attempts)
	if !r.OK() {
		return s.Snapshot(), s.fail(ctx, cmd, gen, apperrors.Wrap(r.Err, apperrors.CodeVideoResolution, "could not resolve a video from that URL"))
	}
	info := r.Value
	if info.ID == "" {
		return s.Snapshot(), s.fail(ctx, cmd, gen, apperrors.New(apperrors.CodeVideoResolution, "could not resolve a video from that URL"))
	}

	if err := s.store.Commit(gen, "", func(tx *session.Tx) error {
		tx.SetVideo(info.ID, info.Title)
		return nil
	}); err != nil {
		return s.Snapshot(), s.fail(ctx, cmd, gen, asAppError(err))
	}
	span.SetAttr("video_id", info.ID)
	trace.Logger(ctx).Info("video identified", "video_id", info.ID, "title", info.Title)
	s.publish(Event{Type: EventStage, Command: cmd})

	if !o.AutoListLanguages {
		return s.Snapshot(), nil
	}
	return s.listLanguages(ctx, o)
}

// resubmit handles a submit of the video already loaded.
func (s *Sequencer) resubmit(ctx context.Context) (Snapshot, error) {
	o := s.opts()
	if !o.AutoListLanguages || s.Stage() >= StageLanguagesListed {
		return s.Snapshot(), nil
	}
	ctx, done, err := s.begin(ctx, CmdListLanguages, false)
	if err != nil {
		return s.Snapshot(), err
	}
	defer done()
	return s.listLanguages(ctx, o)
}

// ListLanguages fetches the caption languages of the identified video.
// A failure leaves the session at VideoIdentified; calling again re-attempts.
func (s *Sequencer) ListLanguages(ctx context.Context) (Snapshot, error) {
	ctx, done, err := s.begin(ctx, CmdListLanguages, false)
	if err != nil {
		return s.Snapshot(), err
	}
	defer done()
	return s.listLanguages(ctx, s.opts())
}

func (s *Sequencer) listLanguages(ctx context.Context, o Options) (Snapshot, error) {
	const cmd = CmdListLanguages
	st := s.store.Get()
	stage := StageOf(st)
	if !Allowed(stage, cmd) {
		return s.Snapshot(), reject(cmd)
	}
	if stage >= StageLanguagesListed {
		return s.Snapshot(), nil
	}

	ctx, span := trace.StartSpan(ctx, "list_languages")
	defer span.End()
	span.SetAttr("video_id", st.VideoID)

	r := resilience.Execute(ctx, o.Policies.Captions, func(ctx context.Context) resilience.Result[map[string]string] {
		return s.deps.Captions.ListLanguages(ctx, st.VideoID)
	}, s.retryOpts(cmd, o)...)
	span.SetAttr("attempts", r.Attempts)
	if !r.OK() {
		msg := "no captions are available for this video"
		if r.Exhausted() {
			msg = fmt.Sprintf("could not list caption languages after %d attempts", r.Attempts)
		}
		return s.Snapshot(), s.fail(ctx, cmd, st.Generation,
			apperrors.Wrap(r.Err, apperrors.CodeNoCaptionsAvailable, msg).WithMetadata("video_id", st.VideoID))
	}
	if len(r.Value) == 0 {
		return s.Snapshot(), s.fail(ctx, cmd, st.Generation,
			apperrors.New(apperrors.CodeNoCaptionsAvailable, "no captions are available for this video").WithMetadata("video_id", st.VideoID))
	}

	if err := s.store.Commit(st.Generation, st.VideoID, func(tx *session.Tx) error {
		tx.SetLanguages(r.Value)
		return nil
	}); err != nil {
		return s.Snapshot(), s.fail(ctx, cmd, st.Generation, asAppError(err))
	}
	trace.Logger(ctx).Info("caption languages listed", "video_id", st.VideoID, "count", len(r.Value))
	s.publish(Event{Type: EventStage, Command: cmd})
	return s.Snapshot(), nil
}

// SelectLanguage fetches the caption track for lang. Selecting the language
// already fetched is a no-op. A failure keeps whatever was stored before.
func (s *Sequencer) SelectLanguage(ctx context.Context, lang string) (Snapshot, error) {
	const cmd = CmdSelectLanguage
	lang = strings.TrimSpace(lang)

	ctx, done, err := s.begin(ctx, cmd, false)
	if err != nil {
		return s.Snapshot(), err
	}
	defer done()

	st := s.store.Get()
	if !Allowed(StageOf(st), cmd) {
		return s.Snapshot(), reject(cmd)
	}
	name, ok := st.AvailableLanguages[lang]
	if !ok {
		return s.Snapshot(), apperrors.Newf(apperrors.CodeInvalidArgument, "language %q is not offered for this video", lang).
			WithStage(cmd.Label())
	}
	if st.SelectedLanguage == lang && st.Captions != "" {
		return s.Snapshot(), nil
	}

	ctx, span := trace.StartSpan(ctx, "fetch_captions")
	defer span.End()
	span.SetAttr("video_id", st.VideoID)
	span.SetAttr("language", lang)
	o := s.opts()

	r := resilience.Execute(ctx, o.Policies.Captions, func(ctx context.Context) resilience.Result[string] {
		return s.deps.Captions.FetchCaptions(ctx, st.VideoID, lang)
	}, s.retryOpts(cmd, o)...)
	span.SetAttr("attempts", r.Attempts)
	if !r.OK() {
		var appErr *apperrors.AppError
		if r.Exhausted() {
			appErr = apperrors.Wrapf(r.Err, apperrors.CodeCaptionFetchExhausted, "could not fetch %s captions after %d attempts", name, r.Attempts)
		} else {
			appErr = apperrors.Wrapf(r.Err, apperrors.CodeNoCaptionsAvailable, "%s captions are not available for this video", name)
		}
		return s.Snapshot(), s.fail(ctx, cmd, st.Generation, appErr.WithMetadata("language", lang))
	}
	if strings.TrimSpace(r.Value) == "" {
		return s.Snapshot(), s.fail(ctx, cmd, st.Generation,
			apperrors.Newf(apperrors.CodeNoCaptionsAvailable, "the %s caption track is empty", name))
	}

	if err := s.store.Commit(st.Generation, st.VideoID, func(tx *session.Tx) error {
		tx.SetCaptions(r.Value, lang)
		return nil
	}); err != nil {
		return s.Snapshot(), s.fail(ctx, cmd, st.Generation, asAppError(err))
	}
	s.setBounds([2]int{})
	trace.Logger(ctx).Info("captions fetched", "video_id", st.VideoID, "language", lang, "attempts", r.Attempts, "bytes", len(r.Value))
	s.publish(Event{Type: EventStage, Command: cmd, Attempt: r.Attempts})
	return s.Snapshot(), nil
}

// Summarize condenses the stored captions through the configured provider
// chain. Requires 0 < minLength < maxLength; the bounds are not checked
// against the caption length. Re-running with the bounds of the stored
// summary is a no-op.
func (s *Sequencer) Summarize(ctx context.Context, minLength, maxLength int) (Snapshot, error) {
	const cmd = CmdSummarize
	if minLength <= 0 || minLength >= maxLength {
		return s.Snapshot(), apperrors.Newf(apperrors.CodeConfigInvalid,
			"summary length bounds must satisfy 0 < min < max, got min=%d max=%d", minLength, maxLength).WithStage(cmd.Label())
	}

	ctx, done, err := s.begin(ctx, cmd, false)
	if err != nil {
		return s.Snapshot(), err
	}
	defer done()

	st := s.store.Get()
	if !Allowed(StageOf(st), cmd) {
		return s.Snapshot(), reject(cmd)
	}
	bounds := [2]int{minLength, maxLength}
	if st.Summary != "" && s.bounds() == bounds {
		return s.Snapshot(), nil
	}
	if len(s.deps.Summarizers) == 0 {
		return s.Snapshot(), s.fail(ctx, cmd, st.Generation,
			apperrors.New(apperrors.CodeSummarization, "no summarization provider is configured"))
	}

	ctx, span := trace.StartSpan(ctx, "summarize")
	defer span.End()
	span.SetAttr("min_length", minLength)
	span.SetAttr("max_length", maxLength)
	o := s.opts()

	req := domain.SummaryOptions{MinLength: minLength, MaxLength: maxLength, Deterministic: o.Deterministic}
	candidates := make([]resilience.Candidate[string], 0, len(s.deps.Summarizers))
	for _, sum := range s.deps.Summarizers {
		candidates = append(candidates, resilience.Candidate[string]{
			Name: sum.Name,
			Op: func(ctx context.Context) resilience.Result[string] {
				return sum.Summarize(ctx, st.Captions, req)
			},
		})
	}

	r := resilience.Chain(ctx, o.Policies.Summary, candidates, s.retryOpts(cmd, o)...)
	span.SetAttr("attempts", r.Attempts)
	if !r.OK() {
		return s.Snapshot(), s.fail(ctx, cmd, st.Generation,
			apperrors.Wrap(r.Err, apperrors.CodeSummarization, "the summarization service did not return a summary"))
	}
	summary := strings.TrimSpace(r.Value)
	if summary == "" {
		return s.Snapshot(), s.fail(ctx, cmd, st.Generation,
			apperrors.New(apperrors.CodeSummarization, "the summarization service returned an empty summary"))
	}

	if err := s.store.Commit(st.Generation, st.VideoID, func(tx *session.Tx) error {
		return tx.SetSummary(summary)
	}); err != nil {
		return s.Snapshot(), s.fail(ctx, cmd, st.Generation, asAppError(err))
	}
	s.setBounds(bounds)
	trace.Logger(ctx).Info("captions summarized", "video_id", st.VideoID, "attempts", r.Attempts, "chars", len(summary))
	s.publish(Event{Type: EventStage, Command: cmd, Attempt: r.Attempts})
	return s.Snapshot(), nil
}

// Synthesize turns the stored summary into audio. A no-op when audio exists.
func (s *Sequencer) Synthesize(ctx context.Context) (Snapshot, error) {
	const cmd = CmdSynthesize
	ctx, done, err := s.begin(ctx, cmd, false)
	if err != nil {
		return s.Snapshot(), err
	}
	defer done()

	st := s.store.Get()
	if !Allowed(StageOf(st), cmd) {
		return s.Snapshot(), reject(cmd)
	}
	if len(st.Audio) > 0 {
		return s.Snapshot(), nil
	}
	if s.deps.Synthesizer == nil {
		return s.Snapshot(), s.fail(ctx, cmd, st.Generation,
			apperrors.New(apperrors.CodeSynthesis, "no speech synthesis provider is configured"))
	}

	ctx, span := trace.StartSpan(ctx, "synthesize")
	defer span.End()
	o := s.opts()

	r := resilience.Execute(ctx, o.Policies.Synthesis, func(ctx context.Context) resilience.Result[[]byte] {
		return s.deps.Synthesizer.Synthesize(ctx, st.Summary)
	}, s.retryOpts(cmd, o)...)
	span.SetAttr("attempts", r.Attempts)
	if !r.OK() {
		return s.Snapshot(), s.fail(ctx, cmd, st.Generation,
			apperrors.Wrap(r.Err, apperrors.CodeSynthesis, "the speech service did not return audio"))
	}
	if len(r.Value) == 0 {
		return s.Snapshot(), s.fail(ctx, cmd, st.Generation,
			apperrors.New(apperrors.CodeSynthesis, "the speech service returned no audio"))
	}

	if err := s.store.Commit(st.Generation, st.VideoID, func(tx *session.Tx) error {
		return tx.SetAudio(r.Value)
	}); err != nil {
		return s.Snapshot(), s.fail(ctx, cmd, st.Generation, asAppError(err))
	}
	trace.Logger(ctx).Info("speech synthesized", "video_id", st.VideoID, "attempts", r.Attempts, "bytes", len(r.Value))
	s.publish(Event{Type: EventStage, Command: cmd, Attempt: r.Attempts})
	return s.Snapshot(), nil
}

// Reset clears the session. A command in flight is cancelled and its result discarded.
func (s *Sequencer) Reset() Snapshot {
	s.store.Reset()
	s.interrupt()
	s.publish(Event{Type: EventStage, Command: CmdReset})
	return s.Snapshot()
}

// begin acquires the single action slot. Preempting commands wait for the
// command in flight to observe its cancellation; all others fail fast.
func (s *Sequencer) begin(ctx context.Context, cmd Command, preempt bool) (context.Context, func(), error) {
	if preempt {
		s.run.Lock()
	} else if !s.run.TryLock() {
		return ctx, nil, apperrors.New(apperrors.CodeBusy, "another command is still running").WithStage(cmd.Label())
	}
	s.busy.Store(true)

	ctx, cancel := context.WithCancel(trace.WithSession(ctx, s.id))
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	return ctx, func() {
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
		cancel()
		s.busy.Store(false)
		s.run.Unlock()
	}, nil
}

// interrupt cancels the command in flight, if any.
func (s *Sequencer) interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.lastBounds = [2]int{}
}

func (s *Sequencer) bounds() [2]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastBounds
}

func (s *Sequencer) setBounds(b [2]int) {
	s.mu.Lock()
	s.lastBounds = b
	s.mu.Unlock()
}

func (s *Sequencer) retryOpts(cmd Command, o Options) []resilience.Option {
	// Chain names each candidate; single-provider calls stay unnamed.
	opts := []resilience.Option{
		resilience.OnRetry(func(p resilience.Progress) {
			s.publish(Event{
				Type:        EventProgress,
				Command:     cmd,
				Provider:    p.Name,
				Attempt:     p.Attempt,
				MaxAttempts: p.MaxAttempts,
				Remaining:   p.Remaining,
				DelayMs:     p.Delay.Milliseconds(),
				Message:     fmt.Sprintf("attempt %d of %d failed, retrying in %v", p.Attempt, p.MaxAttempts, p.Delay.Round(time.Millisecond)),
			})
		}),
		resilience.OnFallback(func(from, to string, err error) {
			s.publish(Event{
				Type:     EventFallback,
				Command:  cmd,
				Provider: to,
				Message:  fmt.Sprintf("%s failed, trying %s", from, to),
			})
		}),
	}
	if o.Sleeper != nil {
		opts = append(opts, resilience.WithSleeper(o.Sleeper))
	}
	return opts
}

// fail stamps the stage on err, turns it into a stale error when the session
// moved on, and reports it.
func (s *Sequencer) fail(ctx context.Context, cmd Command, gen uint64, err *apperrors.AppError) error {
	switch {
	case s.store.Generation() != gen:
		err = s.stale(cmd)
	case errors.Is(err, context.Canceled):
		err = apperrors.Wrap(err.Cause, apperrors.CodeUnavailable, "the request was cancelled")
	}
	err.WithStage(cmd.Label())

	trace.Logger(ctx).Warn("command failed", "command", cmd, "code", err.Code, "error", err.Cause)
	s.publish(Event{Type: EventFailure, Command: cmd, Code: err.Code.String(), Message: err.UserMessage()})
	return err
}

func (s *Sequencer) stale(cmd Command) *apperrors.AppError {
	return apperrors.New(apperrors.CodeStale, "a newer video replaced this one, result discarded").WithStage(cmd.Label())
}

func (s *Sequencer) publish(e Event) {
	e.SessionID = s.id
	e.Stage = s.Stage()
	s.events.Publish(e)
}

func reject(cmd Command) *apperrors.AppError {
	return apperrors.New(apperrors.CodePrecondition, prerequisite[requires[cmd]]).WithStage(cmd.Label())
}

func asAppError(err error) *apperrors.AppError {
	if appErr, ok := apperrors.As(err); ok {
		return appErr
	}
	return apperrors.Wrap(err, apperrors.CodeInternal, "internal error")
}
