package resilience

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Retry policy defaults
const (
	DefaultMaxAttempts    = 3
	DefaultInitialDelay   = 500 * time.Millisecond
	DefaultBackoffFactor  = 2.0
	DefaultAttemptTimeout = 30 * time.Second

	// Caption fetches hit a flaky scraping endpoint: more attempts, same curve
	CaptionMaxAttempts  = 5
	CaptionInitialDelay = 1 * time.Second

	// Hosted inference cold starts can take tens of seconds
	InferenceMaxAttempts    = 3
	InferenceInitialDelay   = 2 * time.Second
	InferenceAttemptTimeout = 90 * time.Second
)

// Circuit breaker configuration constants
const (
	DefaultThreshold         = 5
	DefaultResetTimeout      = 30 * time.Second
	DefaultHalfOpenSuccesses = 3
)

// ErrInvalidPolicy is wrapped by Policy.Validate failures.
var ErrInvalidPolicy = errors.New("invalid retry policy")

// Policy governs one fallible operation invocation.
type Policy struct {
	MaxAttempts    int           // total invocations, including the first
	InitialDelay   time.Duration // sleep after the first failed attempt
	BackoffFactor  float64       // multiplier per failed attempt, > 1
	AttemptTimeout time.Duration // bound on each single attempt
	MaxDelay       time.Duration // optional cap, 0 means uncapped
	JitterFactor   float64       // in [0,1); only ever shortens a delay
}

// DefaultPolicy returns standard retry settings.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    DefaultMaxAttempts,
		InitialDelay:   DefaultInitialDelay,
		BackoffFactor:  DefaultBackoffFactor,
		AttemptTimeout: DefaultAttemptTimeout,
	}
}

// CaptionPolicy returns settings for caption listing and fetching.
func CaptionPolicy() Policy {
	return Policy{
		MaxAttempts:    CaptionMaxAttempts,
		InitialDelay:   CaptionInitialDelay,
		BackoffFactor:  DefaultBackoffFactor,
		AttemptTimeout: DefaultAttemptTimeout,
	}
}

// InferencePolicy returns settings for hosted summarization and speech calls.
func InferencePolicy() Policy {
	return Policy{
		MaxAttempts:    InferenceMaxAttempts,
		InitialDelay:   InferenceInitialDelay,
		BackoffFactor:  DefaultBackoffFactor,
		AttemptTimeout: InferenceAttemptTimeout,
	}
}

// Validate checks the policy constraints.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("%w: MaxAttempts must be >= 1, got %d", ErrInvalidPolicy, p.MaxAttempts)
	}
	if p.InitialDelay < 0 {
		return fmt.Errorf("%w: InitialDelay must be >= 0, got %v", ErrInvalidPolicy, p.InitialDelay)
	}
	if p.BackoffFactor <= 1 {
		return fmt.Errorf("%w: BackoffFactor must be > 1, got %v", ErrInvalidPolicy, p.BackoffFactor)
	}
	if p.AttemptTimeout < 0 {
		return fmt.Errorf("%w: AttemptTimeout must be >= 0, got %v", ErrInvalidPolicy, p.AttemptTimeout)
	}
	if p.MaxDelay < 0 {
		return fmt.Errorf("%w: MaxDelay must be >= 0, got %v", ErrInvalidPolicy, p.MaxDelay)
	}
	if p.JitterFactor < 0 || p.JitterFactor >= 1 {
		return fmt.Errorf("%w: JitterFactor must be in [0,1), got %v", ErrInvalidPolicy, p.JitterFactor)
	}
	return nil
}

// withDefaults fills zero values. Negative values are left for Validate to reject.
func (p Policy) withDefaults() Policy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BackoffFactor == 0 {
		p.BackoffFactor = DefaultBackoffFactor
	}
	if p.AttemptTimeout == 0 {
		p.AttemptTimeout = DefaultAttemptTimeout
	}
	return p
}

// TotalDelayBound is the worst-case sum of backoff sleeps across all attempts:
// InitialDelay * (f^N - 1) / (f - 1).
func TotalDelayBound(p Policy) time.Duration {
	p = p.withDefaults()
	f := p.BackoffFactor
	return time.Duration(float64(p.InitialDelay) * (math.Pow(f, float64(p.MaxAttempts)) - 1) / (f - 1))
}

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	Threshold         int           // failures before opening
	ResetTimeout      time.Duration // wait before half-open attempt
	HalfOpenSuccesses int           // successes needed to close
}

// DefaultBreakerConfig returns production-ready defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold:         DefaultThreshold,
		ResetTimeout:      DefaultResetTimeout,
		HalfOpenSuccesses: DefaultHalfOpenSuccesses,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	if c.HalfOpenSuccesses <= 0 {
		c.HalfOpenSuccesses = DefaultHalfOpenSuccesses
	}
	return c
}
