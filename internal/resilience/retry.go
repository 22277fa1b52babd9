package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

var (
	ErrExhausted      = errors.New("retry attempts exhausted")
	ErrAttemptTimeout = errors.New("attempt timed out")
)

// Operation is one fallible external call. It must classify its own failures.
type Operation[T any] func(ctx context.Context) Result[T]

// Progress is reported before each retry sleep.
type Progress struct {
	Name        string
	Attempt     int // attempt that just failed, 1-based
	MaxAttempts int
	Remaining   int
	Delay       time.Duration
	Err         error
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Option customizes Execute and Chain.
type Option func(*options)

type options struct {
	name       string
	onRetry    func(Progress)
	onFallback func(from, to string, err error)
	sleep      Sleeper
	jitter     func() float64
}

// Named labels log lines and progress notifications.
func Named(name string) Option {
	return func(o *options) { o.name = name }
}

// OnRetry registers a progress callback invoked before each retry.
func OnRetry(fn func(Progress)) Option {
	return func(o *options) { o.onRetry = fn }
}

// OnFallback registers a callback invoked when Chain moves to the next candidate.
func OnFallback(fn func(from, to string, err error)) Option {
	return func(o *options) { o.onFallback = fn }
}

// WithSleeper replaces the timer-based sleep.
func WithSleeper(s Sleeper) Option {
	return func(o *options) { o.sleep = s }
}

func buildOptions(opts []Option) options {
	o := options{sleep: sleepCtx, jitter: rand.Float64}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Execute invokes op at most p.MaxAttempts times with exponential backoff.
// A terminal failure stops immediately. Each attempt is bounded by
// p.AttemptTimeout; an attempt cut off by that deadline counts as retryable.
// Cancelling ctx stops the loop with a terminal failure.
func Execute[T any](ctx context.Context, p Policy, op Operation[T], opts ...Option) Result[T] {
	p = p.withDefaults()
	if err := p.Validate(); err != nil {
		return Terminal[T](err)
	}
	o := buildOptions(opts)

	var last Result[T]
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempted(Terminal[T](context.Cause(ctx)), attempt-1)
		}

		last = attempted(runAttempt(ctx, p.AttemptTimeout, op), attempt)
		if last.Outcome != OutcomeRetryable || attempt == p.MaxAttempts {
			break
		}

		delay := backoffDelay(p, attempt, o.jitter)
		if o.onRetry != nil {
			o.onRetry(Progress{
				Name:        o.name,
				Attempt:     attempt,
				MaxAttempts: p.MaxAttempts,
				Remaining:   p.MaxAttempts - attempt,
				Delay:       delay,
				Err:         last.Err,
			})
		}
		slog.Debug("retrying after error", "op", o.name, "attempt", attempt, "max", p.MaxAttempts, "delay", delay, "error", last.Err)

		if err := o.sleep(ctx, delay); err != nil {
			return attempted(Terminal[T](err), attempt)
		}
	}

	if last.Outcome == OutcomeRetryable {
		last.Err = fmt.Errorf("%w after %d attempts: %w", ErrExhausted, last.Attempts, last.Err)
	}
	return last
}

func attempted[T any](r Result[T], n int) Result[T] {
	r.Attempts = n
	return r
}

// runAttempt runs op in its own goroutine so that an op ignoring its context
// still cannot hold the caller past the attempt deadline.
func runAttempt[T any](ctx context.Context, timeout time.Duration, op Operation[T]) Result[T] {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan Result[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Terminal[T](fmt.Errorf("operation panicked: %v", r))
			}
		}()
		done <- op(attemptCtx)
	}()

	var r Result[T]
	select {
	case r = <-done:
	case <-attemptCtx.Done():
		select {
		case r = <-done:
		default:
			r = Retryable[T](attemptCtx.Err())
		}
	}

	if r.OK() {
		return r
	}
	if ctx.Err() != nil {
		return Terminal[T](context.Cause(ctx))
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		cause := r.Err
		if cause == nil {
			cause = attemptCtx.Err()
		}
		return Retryable[T](fmt.Errorf("%w after %v: %w", ErrAttemptTimeout, timeout, cause))
	}
	return r
}

// backoffDelay returns InitialDelay * BackoffFactor^(attempt-1), capped by
// MaxDelay and shortened by up to JitterFactor.
func backoffDelay(p Policy, attempt int, jitter func() float64) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.JitterFactor > 0 && jitter != nil {
		d -= d * p.JitterFactor * jitter()
	}
	return time.Duration(d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}
