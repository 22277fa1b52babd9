// Package inference calls hosted Hugging Face models for summarization and
// text-to-speech.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/GriffinCanCode/caption-digest/internal/domain"
	"github.com/GriffinCanCode/caption-digest/internal/resilience"
	"github.com/GriffinCanCode/caption-digest/internal/trace"
)

const (
	DefaultBaseURL      = "https://api-inference.huggingface.co/models/"
	DefaultSummaryModel = "facebook/bart-large-cnn"
	DefaultSpeechModel  = "espnet/kan-bayashi_ljspeech_vits"

	maxErrorBody = 4 << 10
	maxAudioBody = 64 << 20
)

var ErrEmptyResponse = errors.New("inference returned an empty result")

// StatusError is a non-2xx answer from the inference API.
type StatusError struct {
	Model         string
	Code          int
	Message       string
	EstimatedTime float64
}

func (e *StatusError) Error() string {
	if e.EstimatedTime > 0 {
		return fmt.Sprintf("%s: status %d: %s (ready in ~%.0fs)", e.Model, e.Code, e.Message, e.EstimatedTime)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Model, e.Code, e.Message)
}

// HTTPStatus lets resilience.ClassifyError decide retryability.
func (e *StatusError) HTTPStatus() int { return e.Code }

// Config selects the endpoint and models.
type Config struct {
	BaseURL      string
	Token        string
	SummaryModel string
	SpeechModel  string
	WaitForModel bool
	HTTPClient   *http.Client
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(c.BaseURL, "/") {
		c.BaseURL += "/"
	}
	if c.SummaryModel == "" {
		c.SummaryModel = DefaultSummaryModel
	}
	if c.SpeechModel == "" {
		c.SpeechModel = DefaultSpeechModel
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	return c
}

// Client implements workflow.Summarizer and workflow.Synthesizer. Each model
// has its own circuit breaker; nil breakers disable protection.
type Client struct {
	cfg            Config
	summaryBreaker *resilience.Breaker
	speechBreaker  *resilience.Breaker
}

// New creates a client.
func New(cfg Config, summary, speech *resilience.Breaker) *Client {
	return &Client{cfg: cfg.withDefaults(), summaryBreaker: summary, speechBreaker: speech}
}

type summaryRequest struct {
	Inputs     string            `json:"inputs"`
	Parameters summaryParameters `json:"parameters"`
}

type summaryParameters struct {
	MinLength int  `json:"min_length,omitempty"`
	MaxLength int  `json:"max_length,omitempty"`
	DoSample  bool `json:"do_sample"`
}

type summaryResponse struct {
	SummaryText string `json:"summary_text"`
}

// Summarize asks the summary model for a condensed version of text.
func (c *Client) Summarize(ctx context.Context, text string, opts domain.SummaryOptions) resilience.Result[string] {
	body := summaryRequest{
		Inputs: text,
		Parameters: summaryParameters{
			MinLength: opts.MinLength,
			MaxLength: opts.MaxLength,
			DoSample:  !opts.Deterministic,
		},
	}
	op := resilience.Guard(c.summaryBreaker, func(ctx context.Context) resilience.Result[string] {
		raw, err := c.post(ctx, c.cfg.SummaryModel, body)
		if err != nil {
			return resilience.FromError("", err, nil)
		}
		summary, err := decodeSummary(raw)
		if err != nil {
			return resilience.Terminal[string](fmt.Errorf("%s: %w", c.cfg.SummaryModel, err))
		}
		return resilience.Success(summary)
	})
	return op(ctx)
}

// decodeSummary accepts the list form the API normally returns and the bare
// object some deployments return.
func decodeSummary(raw []byte) (string, error) {
	var list []summaryResponse
	if err := json.Unmarshal(raw, &list); err != nil {
		var one summaryResponse
		if err2 := json.Unmarshal(raw, &one); err2 != nil {
			return "", fmt.Errorf("decode summary: %w", err)
		}
		list = []summaryResponse{one}
	}
	if len(list) == 0 || strings.TrimSpace(list[0].SummaryText) == "" {
		return "", ErrEmptyResponse
	}
	return strings.TrimSpace(list[0].SummaryText), nil
}

// Synthesize returns the speech model's audio for text.
func (c *Client) Synthesize(ctx context.Context, text string) resilience.Result[[]byte] {
	op := resilience.Guard(c.speechBreaker, func(ctx context.Context) resilience.Result[[]byte] {
		audio, err := c.post(ctx, c.cfg.SpeechModel, map[string]string{"inputs": text})
		if err != nil {
			return resilience.FromError[[]byte](nil, err, nil)
		}
		if len(audio) == 0 {
			return resilience.Terminal[[]byte](fmt.Errorf("%s: %w", c.cfg.SpeechModel, ErrEmptyResponse))
		}
		return resilience.Success(audio)
	})
	return op(ctx)
}

type apiError struct {
	Error         json.RawMessage `json:"error"`
	EstimatedTime float64         `json:"estimated_time"`
}

// post sends body to model and returns the raw 2xx response.
func (c *Client) post(ctx context.Context, model string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+model, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if c.cfg.WaitForModel {
		req.Header.Set("X-Wait-For-Model", "true")
	}
	trace.Inject(ctx, req.Header)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", model, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, statusError(model, resp.StatusCode, raw)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBody))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", model, err)
	}
	trace.Logger(ctx).Debug("inference call", "model", model, "status", resp.StatusCode, "bytes", len(raw))
	return raw, nil
}

func statusError(model string, code int, raw []byte) *StatusError {
	e := &StatusError{Model: model, Code: code, Message: strings.TrimSpace(string(raw))}
	var body apiError
	if json.Unmarshal(raw, &body) == nil && len(body.Error) > 0 {
		var msg string
		if json.Unmarshal(body.Error, &msg) == nil {
			e.Message = msg
		} else {
			e.Message = string(body.Error)
		}
		e.EstimatedTime = body.EstimatedTime
	}
	if e.Message == "" {
		e.Message = http.StatusText(code)
	}
	return e
}
