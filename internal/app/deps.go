// Package app builds the provider graph shared by the server and the CLI.
package app

import (
	"fmt"
	"net/http"
	"time"

	"github.com/GriffinCanCode/caption-digest/internal/config"
	"github.com/GriffinCanCode/caption-digest/internal/gemini"
	"github.com/GriffinCanCode/caption-digest/internal/inference"
	"github.com/GriffinCanCode/caption-digest/internal/resilience"
	"github.com/GriffinCanCode/caption-digest/internal/workflow"
	"github.com/GriffinCanCode/caption-digest/internal/youtube"
)

// Breaker names, also used as gRPC health service names.
const (
	BreakerYouTube        = "youtube"
	BreakerHFSummary      = "huggingface-summary"
	BreakerHFSpeech       = "huggingface-speech"
	BreakerGemini         = "gemini"
	providerClientTimeout = 5 * time.Minute
)

// Hook observes breaker state changes.
type Hook func(name string, from, to resilience.State)

// Providers is the wired dependency set.
type Providers struct {
	Deps     workflow.Deps
	Breakers []*resilience.Breaker
}

// Build wires the caption, summary and speech providers from cfg. hook may be nil.
func Build(cfg *config.Config, hook Hook) (*Providers, error) {
	p := &Providers{}
	breaker := func(name string) *resilience.Breaker {
		b := resilience.NewBreaker(name, cfg.BreakerSettings())
		if hook != nil {
			b.WithHook(hook)
		}
		p.Breakers = append(p.Breakers, b)
		return b
	}
	httpClient := &http.Client{Timeout: providerClientTimeout}

	p.Deps.Captions = youtube.New(httpClient, breaker(BreakerYouTube))

	hf := inference.New(inference.Config{
		BaseURL:      cfg.HuggingFace.BaseURL,
		Token:        cfg.HuggingFace.Token,
		SummaryModel: cfg.HuggingFace.SummaryModel,
		SpeechModel:  cfg.HuggingFace.SpeechModel,
		WaitForModel: cfg.HuggingFace.WaitForModel,
		HTTPClient:   httpClient,
	}, breaker(BreakerHFSummary), breaker(BreakerHFSpeech))
	p.Deps.Synthesizer = hf

	for _, name := range cfg.SummaryProviders {
		switch name {
		case config.ProviderHuggingFace:
			p.Deps.Summarizers = append(p.Deps.Summarizers, workflow.NamedSummarizer{Name: name, Summarizer: hf})
		case config.ProviderGemini:
			g, err := gemini.New(gemini.Config{
				APIKeys:    cfg.Gemini.APIKeys,
				Model:      cfg.Gemini.Model,
				HTTPClient: httpClient,
			}, breaker(BreakerGemini))
			if err != nil {
				return nil, fmt.Errorf("gemini: %w", err)
			}
			p.Deps.Summarizers = append(p.Deps.Summarizers, workflow.NamedSummarizer{Name: name, Summarizer: g})
		default:
			return nil, fmt.Errorf("unknown summary provider %q", name)
		}
	}
	return p, nil
}

// Names lists the breaker names in wiring order.
func (p *Providers) Names() []string {
	out := make([]string, len(p.Breakers))
	for i, b := range p.Breakers {
		out[i] = b.Name()
	}
	return out
}
