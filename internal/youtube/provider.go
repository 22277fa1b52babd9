package youtube

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	yt "github.com/kkdai/youtube/v2"

	"github.com/GriffinCanCode/caption-digest/internal/domain"
	"github.com/GriffinCanCode/caption-digest/internal/resilience"
	"github.com/GriffinCanCode/caption-digest/internal/trace"
)

const maxCachedVideos = 128

var (
	ErrInvalidURL      = errors.New("not a recognizable YouTube URL")
	ErrNoCaptions      = errors.New("no caption tracks available")
	ErrUnknownLanguage = errors.New("caption language not offered for this video")
)

// terminalErrors never succeed on retry.
var terminalErrors = []error{
	yt.ErrTranscriptDisabled,
	yt.ErrVideoPrivate,
	yt.ErrLoginRequired,
	yt.ErrNotPlayableInEmbed,
	yt.ErrInvalidCharactersInVideoID,
	yt.ErrVideoIDMinLength,
}

// videoClient is the part of the kkdai client the provider uses.
type videoClient interface {
	GetVideoContext(ctx context.Context, id string) (*yt.Video, error)
	GetTranscriptCtx(ctx context.Context, video *yt.Video, lang string) (yt.VideoTranscript, error)
}

// Provider implements the caption side of the workflow against YouTube.
type Provider struct {
	client  videoClient
	breaker *resilience.Breaker

	mu     sync.Mutex
	videos map[string]*yt.Video
	order  []string
}

// New creates a provider. A nil httpClient uses http.DefaultClient; a nil
// breaker disables circuit protection.
func New(httpClient *http.Client, breaker *resilience.Breaker) *Provider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return newProvider(&yt.Client{HTTPClient: httpClient}, breaker)
}

func newProvider(c videoClient, b *resilience.Breaker) *Provider {
	return &Provider{client: c, breaker: b, videos: make(map[string]*yt.Video)}
}

// ParseVideoID implements workflow.VideoIDParser.
func (p *Provider) ParseVideoID(raw string) (string, bool) { return ParseVideoID(raw) }

// ResolveVideo parses rawURL and loads the video's metadata.
func (p *Provider) ResolveVideo(ctx context.Context, rawURL string) resilience.Result[domain.VideoInfo] {
	id, ok := ParseVideoID(rawURL)
	if !ok {
		return resilience.Terminal[domain.VideoInfo](fmt.Errorf("%w: %q", ErrInvalidURL, rawURL))
	}
	r := p.video(ctx, id)
	if !r.OK() {
		return resilience.Result[domain.VideoInfo]{Outcome: r.Outcome, Err: r.Err}
	}
	return resilience.Success(domain.VideoInfo{ID: id, Title: r.Value.Title})
}

// ListLanguages maps language codes to display names. Auto-generated tracks
// are labelled as such.
func (p *Provider) ListLanguages(ctx context.Context, videoID string) resilience.Result[map[string]string] {
	r := p.video(ctx, videoID)
	if !r.OK() {
		return resilience.Result[map[string]string]{Outcome: r.Outcome, Err: r.Err}
	}
	langs := Languages(r.Value.CaptionTracks)
	if len(langs) == 0 {
		return resilience.Terminal[map[string]string](fmt.Errorf("video %s: %w", videoID, ErrNoCaptions))
	}
	return resilience.Success(langs)
}

// FetchCaptions downloads the transcript in lang and renders it as SRT.
func (p *Provider) FetchCaptions(ctx context.Context, videoID, lang string) resilience.Result[string] {
	vr := p.video(ctx, videoID)
	if !vr.OK() {
		return resilience.Result[string]{Outcome: vr.Outcome, Err: vr.Err}
	}
	v := vr.Value
	if _, ok := Languages(v.CaptionTracks)[lang]; !ok {
		return resilience.Terminal[string](fmt.Errorf("video %s, language %q: %w", videoID, lang, ErrUnknownLanguage))
	}

	op := resilience.Guard(p.breaker, func(ctx context.Context) resilience.Result[string] {
		segs, err := p.client.GetTranscriptCtx(ctx, v, lang)
		if err != nil {
			return resilience.FromError("", fmt.Errorf("fetch transcript %s/%s: %w", videoID, lang, err), classify)
		}
		srt := FormatSRT(segs)
		if srt == "" {
			return resilience.Terminal[string](fmt.Errorf("video %s, language %q: %w", videoID, lang, ErrNoCaptions))
		}
		return resilience.Success(srt)
	})
	r := op(ctx)
	if r.OK() {
		trace.Logger(ctx).Debug("captions fetched", "video_id", videoID, "lang", lang, "bytes", len(r.Value))
	}
	return r
}

// video returns the cached video or loads it.
func (p *Provider) video(ctx context.Context, id string) resilience.Result[*yt.Video] {
	p.mu.Lock()
	v, ok := p.videos[id]
	p.mu.Unlock()
	if ok {
		return resilience.Success(v)
	}

	op := resilience.Guard(p.breaker, func(ctx context.Context) resilience.Result[*yt.Video] {
		v, err := p.client.GetVideoContext(ctx, id)
		if err != nil {
			return resilience.FromError[*yt.Video](nil, fmt.Errorf("load video %s: %w", id, err), classify)
		}
		return resilience.Success(v)
	})
	r := op(ctx)
	if r.OK() {
		p.remember(id, r.Value)
	}
	return r
}

func (p *Provider) remember(id string, v *yt.Video) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.videos[id]; ok {
		return
	}
	if len(p.order) >= maxCachedVideos {
		delete(p.videos, p.order[0])
		p.order = p.order[1:]
	}
	p.videos[id] = v
	p.order = append(p.order, id)
}

// Languages maps caption tracks to code → display name. The first track per
// code wins, so a manual track shadows an auto-generated one listed later.
func Languages(tracks []yt.CaptionTrack) map[string]string {
	langs := make(map[string]string, len(tracks))
	for _, t := range tracks {
		if t.LanguageCode == "" {
			continue
		}
		if _, ok := langs[t.LanguageCode]; ok {
			continue
		}
		name := t.Name.SimpleText
		if name == "" {
			name = t.LanguageCode
		}
		if t.Kind == "asr" {
			name += " (auto-generated)"
		}
		langs[t.LanguageCode] = name
	}
	return langs
}

func classify(err error) resilience.Outcome {
	for _, target := range terminalErrors {
		if errors.Is(err, target) {
			return resilience.OutcomeTerminal
		}
	}
	var code yt.ErrUnexpectedStatusCode
	if errors.As(err, &code) {
		return resilience.ClassifyHTTP(int(code))
	}
	return resilience.ClassifyError(err)
}
