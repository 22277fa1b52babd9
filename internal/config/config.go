// Package config loads server settings from defaults, an optional YAML file
// and the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/GriffinCanCode/caption-digest/internal/resilience"
	"github.com/GriffinCanCode/caption-digest/internal/workflow"
)

const (
	ProviderHuggingFace = "huggingface"
	ProviderGemini      = "gemini"
)

type Config struct {
	HTTPAddr           string        `yaml:"http_addr"`
	GRPCAddr           string        `yaml:"grpc_addr"`
	LogLevel           string        `yaml:"log_level"`
	AllowedOrigins     []string      `yaml:"allowed_origins"`
	RateLimitPerMinute int           `yaml:"rate_limit_per_minute"`
	SessionTTL         time.Duration `yaml:"session_ttl"`
	MaxSessions        int           `yaml:"max_sessions"`

	SummaryProviders []string          `yaml:"summary_providers"`
	HuggingFace      HuggingFaceConfig `yaml:"huggingface"`
	Gemini           GeminiConfig      `yaml:"gemini"`
	Workflow         WorkflowConfig    `yaml:"workflow"`
	Retry            RetryConfig       `yaml:"retry"`
	Breaker          BreakerConfig     `yaml:"breaker"`
}

type HuggingFaceConfig struct {
	Token        string `yaml:"token"`
	BaseURL      string `yaml:"base_url"`
	SummaryModel string `yaml:"summary_model"`
	SpeechModel  string `yaml:"speech_model"`
	WaitForModel bool   `yaml:"wait_for_model"`
}

type GeminiConfig struct {
	APIKeys []string `yaml:"api_keys"`
	Model   string   `yaml:"model"`
}

type WorkflowConfig struct {
	AutoListLanguages bool   `yaml:"auto_list_languages"`
	Deterministic     bool   `yaml:"deterministic"`
	MinLength         int    `yaml:"min_length"`
	MaxLength         int    `yaml:"max_length"`
	AudioMIMEType     string `yaml:"audio_mime_type"`
}

// PolicyConfig overrides a retry policy. Zero fields keep the built-in value.
type PolicyConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialDelay   time.Duration `yaml:"initial_delay"`
	BackoffFactor  float64       `yaml:"backoff_factor"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	Jitter         float64       `yaml:"jitter"`
}

type RetryConfig struct {
	Resolve   PolicyConfig `yaml:"resolve"`
	Captions  PolicyConfig `yaml:"captions"`
	Summary   PolicyConfig `yaml:"summary"`
	Synthesis PolicyConfig `yaml:"synthesis"`
}

type BreakerConfig struct {
	Threshold         int           `yaml:"threshold"`
	ResetTimeout      time.Duration `yaml:"reset_timeout"`
	HalfOpenSuccesses int           `yaml:"half_open_successes"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		HTTPAddr:           ":8000",
		GRPCAddr:           ":50052",
		LogLevel:           "info",
		AllowedOrigins:     []string{"*"},
		RateLimitPerMinute: 60,
		SessionTTL:         workflow.DefaultSessionTTL,
		MaxSessions:        workflow.DefaultMaxSessions,
		SummaryProviders:   []string{ProviderHuggingFace},
		Workflow: WorkflowConfig{
			AutoListLanguages: true,
			Deterministic:     true,
			MinLength:         50,
			MaxLength:         200,
			AudioMIMEType:     "audio/flac",
		},
		Breaker: BreakerConfig{
			Threshold:         resilience.DefaultThreshold,
			ResetTimeout:      resilience.DefaultResetTimeout,
			HalfOpenSuccesses: resilience.DefaultHalfOpenSuccesses,
		},
	}
}

// Load builds the configuration. path may be empty; otherwise the YAML file
// there is applied over the defaults before the environment.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, c); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	c.applyEnv()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv() {
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.GRPCAddr = getEnv("GRPC_ADDR", c.GRPCAddr)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.AllowedOrigins = getEnvList("CORS_ORIGINS", c.AllowedOrigins)
	c.RateLimitPerMinute = getEnvInt("RATE_LIMIT_PER_MINUTE", c.RateLimitPerMinute)
	c.SessionTTL = getEnvDuration("SESSION_TTL", c.SessionTTL)
	c.MaxSessions = getEnvInt("MAX_SESSIONS", c.MaxSessions)
	c.SummaryProviders = getEnvList("SUMMARY_PROVIDERS", c.SummaryProviders)

	c.HuggingFace.Token = getEnv("HF_API_TOKEN", c.HuggingFace.Token)
	c.HuggingFace.BaseURL = getEnv("HF_BASE_URL", c.HuggingFace.BaseURL)
	c.HuggingFace.SummaryModel = getEnv("HF_SUMMARY_MODEL", c.HuggingFace.SummaryModel)
	c.HuggingFace.SpeechModel = getEnv("HF_TTS_MODEL", c.HuggingFace.SpeechModel)
	c.HuggingFace.WaitForModel = getEnvBool("HF_WAIT_FOR_MODEL", c.HuggingFace.WaitForModel)

	c.Gemini.APIKeys = getEnvList("GEMINI_API_KEYS", c.Gemini.APIKeys)
	c.Gemini.Model = getEnv("GEMINI_MODEL", c.Gemini.Model)

	c.Workflow.AutoListLanguages = getEnvBool("AUTO_LIST_LANGUAGES", c.Workflow.AutoListLanguages)
	c.Workflow.Deterministic = getEnvBool("DETERMINISTIC_SUMMARY", c.Workflow.Deterministic)
	c.Workflow.MinLength = getEnvInt("SUMMARY_MIN_LENGTH", c.Workflow.MinLength)
	c.Workflow.MaxLength = getEnvInt("SUMMARY_MAX_LENGTH", c.Workflow.MaxLength)
	c.Workflow.AudioMIMEType = getEnv("AUDIO_MIME_TYPE", c.Workflow.AudioMIMEType)

	c.Retry.Captions.MaxAttempts = getEnvInt("CAPTION_MAX_ATTEMPTS", c.Retry.Captions.MaxAttempts)
	c.Retry.Captions.InitialDelay = getEnvDuration("CAPTION_INITIAL_DELAY", c.Retry.Captions.InitialDelay)
	c.Retry.Captions.BackoffFactor = getEnvFloat("CAPTION_BACKOFF_FACTOR", c.Retry.Captions.BackoffFactor)
}

// Validate checks the settings and fills gaps left by a partial file.
func (c *Config) Validate() error {
	var errs []error

	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http_addr is required"))
	}
	if c.RateLimitPerMinute < 0 {
		errs = append(errs, errors.New("rate_limit_per_minute must not be negative"))
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = workflow.DefaultSessionTTL
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = workflow.DefaultMaxSessions
	}
	if c.Workflow.AudioMIMEType == "" {
		c.Workflow.AudioMIMEType = "audio/flac"
	}
	if c.Workflow.MinLength <= 0 || c.Workflow.MinLength >= c.Workflow.MaxLength {
		errs = append(errs, fmt.Errorf("workflow: need 0 < min_length < max_length, got %d and %d",
			c.Workflow.MinLength, c.Workflow.MaxLength))
	}

	if len(c.SummaryProviders) == 0 {
		errs = append(errs, errors.New("summary_providers must name at least one provider"))
	}
	for _, p := range c.SummaryProviders {
		switch p {
		case ProviderHuggingFace:
		case ProviderGemini:
			if len(c.Gemini.APIKeys) == 0 {
				errs = append(errs, errors.New("gemini provider enabled without gemini.api_keys"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown summary provider %q", p))
		}
	}

	for name, pc := range map[string]PolicyConfig{
		"resolve":   c.Retry.Resolve,
		"captions":  c.Retry.Captions,
		"summary":   c.Retry.Summary,
		"synthesis": c.Retry.Synthesis,
	} {
		if err := pc.apply(resilience.DefaultPolicy()).Validate(); err != nil {
			errs = append(errs, fmt.Errorf("retry.%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}


func (pc PolicyConfig) apply(p resilience.Policy) resilience.Policy {
	if pc.MaxAttempts != 0 {
		p.MaxAttempts = pc.MaxAttempts
	}
	if pc.InitialDelay != 0 {
		p.InitialDelay = pc.InitialDelay
	}
	if pc.BackoffFactor != 0 {
		p.BackoffFactor = pc.BackoffFactor
	}
	if pc.AttemptTimeout != 0 {
		p.AttemptTimeout = pc.AttemptTimeout
	}
	if pc.MaxDelay != 0 {
		p.MaxDelay = pc.MaxDelay
	}
	if pc.Jitter != 0 {
		p.JitterFactor = pc.Jitter
	}
	return p
}

// WorkflowOptions turns the settings into sequencer options.
func (c *Config) WorkflowOptions() workflow.Options {
	opts := workflow.DefaultOptions()
	opts.Policies.Resolve = c.Retry.Resolve.apply(opts.Policies.Resolve)
	opts.Policies.Captions = c.Retry.Captions.apply(opts.Policies.Captions)
	opts.Policies.Summary = c.Retry.Summary.apply(opts.Policies.Summary)
	opts.Policies.Synthesis = c.Retry.Synthesis.apply(opts.Policies.Synthesis)
	opts.AutoListLanguages = c.Workflow.AutoListLanguages
	opts.Deterministic = c.Workflow.Deterministic
	return opts
}

// BreakerSettings returns the circuit breaker settings for providers.
func (c *Config) BreakerSettings() resilience.BreakerConfig {
	return resilience.BreakerConfig{
		Threshold:         c.Breaker.Threshold,
		ResetTimeout:      c.Breaker.ResetTimeout,
		HalfOpenSuccesses: c.Breaker.HalfOpenSuccesses,
	}
}

// SlogLevel maps LogLevel onto slog, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if t := strings.TrimSpace(p); t != "" {
				result = append(result, t)
			}
		}
		return result
	}
	return def
}
