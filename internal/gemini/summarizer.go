// Package gemini summarizes captions with Google's Gemini models.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/GriffinCanCode/caption-digest/internal/domain"
	"github.com/GriffinCanCode/caption-digest/internal/resilience"
	"github.com/GriffinCanCode/caption-digest/internal/trace"
)

const DefaultModel = "gemini-2.0-flash"

const summaryPrompt = `Summarize the video captions below in plain prose.
Write at least %d and at most %d words. Do not mention timestamps or subtitle numbering.

Captions:
---
%s
---`

var (
	ErrNoKeys        = errors.New("no Gemini API keys configured")
	ErrEmptyResponse = errors.New("empty response from Gemini")
)

// Config holds the API keys, tried in rotation, and the model name.
type Config struct {
	APIKeys    []string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
}

// Summarizer implements workflow.Summarizer. A rate-limited key is rotated
// out and the next key is tried within the same attempt.
type Summarizer struct {
	cfg     Config
	breaker *resilience.Breaker

	mu      sync.Mutex
	current int
	clients map[string]*genai.Client
}

// New creates a summarizer.
func New(cfg Config, breaker *resilience.Breaker) (*Summarizer, error) {
	if len(cfg.APIKeys) == 0 {
		return nil, ErrNoKeys
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	return &Summarizer{cfg: cfg, breaker: breaker, clients: make(map[string]*genai.Client)}, nil
}

// Summarize asks Gemini for a summary within the requested word bounds.
func (s *Summarizer) Summarize(ctx context.Context, text string, opts domain.SummaryOptions) resilience.Result[string] {
	lo, hi := opts.MinLength, opts.MaxLength
	if hi <= 0 {
		hi = 200
	}
	prompt := fmt.Sprintf(summaryPrompt, lo, hi, text)

	gc := &genai.GenerateContentConfig{}
	if opts.Deterministic {
		gc.Temperature = genai.Ptr[float32](0)
	}

	op := resilience.Guard(s.breaker, func(ctx context.Context) resilience.Result[string] {
		out, err := s.generate(ctx, prompt, gc)
		if err != nil {
			return resilience.FromError("", err, classify)
		}
		return resilience.Success(out)
	})
	return op(ctx)
}

func (s *Summarizer) generate(ctx context.Context, prompt string, gc *genai.GenerateContentConfig) (string, error) {
	var lastErr error
	for range len(s.cfg.APIKeys) {
		idx, key := s.key()
		client, err := s.client(ctx, key)
		if err != nil {
			return "", fmt.Errorf("create client: %w", err)
		}

		resp, err := client.Models.GenerateContent(ctx, s.cfg.Model, genai.Text(prompt), gc)
		if err != nil {
			if isRateLimited(err) {
				trace.Logger(ctx).Warn("gemini key rate limited, rotating", "key", idx+1)
				s.rotate(idx)
				lastErr = err
				continue
			}
			return "", fmt.Errorf("generate content: %w", err)
		}

		out := strings.TrimSpace(resp.Text())
		if out == "" {
			return "", ErrEmptyResponse
		}
		return out, nil
	}
	return "", fmt.Errorf("all API keys rate limited: %w", lastErr)
}

func (s *Summarizer) key() (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.cfg.APIKeys[s.current]
}

// rotate advances past idx unless another call already did.
func (s *Summarizer) rotate(idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == idx {
		s.current = (s.current + 1) % len(s.cfg.APIKeys)
	}
}

func (s *Summarizer) client(ctx context.Context, key string) (*genai.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[key]; ok {
		return c, nil
	}
	cc := &genai.ClientConfig{
		APIKey:     key,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: s.cfg.HTTPClient,
	}
	if s.cfg.BaseURL != "" {
		cc.HTTPOptions.BaseURL = s.cfg.BaseURL
	}
	c, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, err
	}
	s.clients[key] = c
	return c, nil
}

func isRateLimited(err error) bool {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(msg, "quota") || strings.Contains(msg, "RESOURCE_EXHAUSTED")
}

func classify(err error) resilience.Outcome {
	if errors.Is(err, ErrEmptyResponse) {
		return resilience.OutcomeTerminal
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code != 0 {
		return resilience.ClassifyHTTP(apiErr.Code)
	}
	return resilience.ClassifyError(err)
}
