package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// State is a circuit breaker position.
type State uint32

const (
	Closed   State = iota // calls flow
	Open                  // calls fail fast
	HalfOpen              // probing recovery
)

func (s State) String() string {
	return [...]string{"closed", "open", "half-open"}[s]
}

var ErrOpen = errors.New("circuit breaker open")

// OpenError is returned while a breaker refuses calls.
type OpenError struct {
	Provider string
	RetryIn  time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("%s: %v, next probe in %v", e.Provider, ErrOpen, e.RetryIn.Round(time.Second))
}

func (e *OpenError) Unwrap() error { return ErrOpen }

// Breaker stops calling a provider after repeated transient failures and
// probes it again once ResetTimeout has passed since the last failure.
type Breaker struct {
	name        string
	cfg         BreakerConfig
	now         func() time.Time
	state       atomic.Uint32
	failures    atomic.Int32
	probes      atomic.Int32
	lastFailure atomic.Int64 // unix nano
	hook        func(name string, from, to State)
}

func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	return &Breaker{name: name, cfg: cfg.withDefaults(), now: time.Now}
}

// WithHook registers fn for state changes. It runs on the caller's goroutine.
func (b *Breaker) WithHook(fn func(name string, from, to State)) *Breaker {
	b.hook = fn
	return b
}

// Name identifies the guarded provider.
func (b *Breaker) Name() string { return b.name }

func (b *Breaker) State() State { return State(b.state.Load()) }

// Allow returns an *OpenError while the breaker is open and cooling down.
func (b *Breaker) Allow() error {
	if b.State() != Open {
		return nil
	}
	wait := b.cfg.ResetTimeout - b.now().Sub(time.Unix(0, b.lastFailure.Load()))
	if wait <= 0 {
		b.transition(HalfOpen)
		return nil
	}
	return &OpenError{Provider: b.name, RetryIn: wait}
}

func (b *Breaker) Success() {
	switch b.State() {
	case HalfOpen:
		if b.probes.Add(1) >= int32(b.cfg.HalfOpenSuccesses) {
			b.transition(Closed)
		}
	case Closed:
		b.failures.Store(0)
	}
}

func (b *Breaker) Failure() {
	b.lastFailure.Store(b.now().UnixNano())
	n := b.failures.Add(1)
	switch b.State() {
	case HalfOpen:
		b.transition(Open)
	case Closed:
		if n >= int32(b.cfg.Threshold) {
			b.transition(Open)
		}
	}
}

func (b *Breaker) transition(to State) {
	from := State(b.state.Swap(uint32(to)))
	if from == to {
		return
	}
	b.probes.Store(0)
	if to == Closed {
		b.failures.Store(0)
	}

	log := slog.With("provider", b.name, "from", from, "to", to)
	if to == Open {
		log.Warn("circuit breaker opened", "failures", b.failures.Load(), "cooldown", b.cfg.ResetTimeout)
	} else {
		log.Info("circuit breaker state changed")
	}
	if b.hook != nil {
		b.hook(b.name, from, to)
	}
}

// Guard wraps op with circuit protection. An open breaker yields a retryable
// failure without calling op. Only retryable failures count against the
// breaker; a terminal failure says nothing about provider health.
func Guard[T any](b *Breaker, op Operation[T]) Operation[T] {
	if b == nil {
		return op
	}
	return func(ctx context.Context) Result[T] {
		if err := b.Allow(); err != nil {
			return Retryable[T](err)
		}
		r := op(ctx)
		switch r.Outcome {
		case OutcomeSuccess:
			b.Success()
		case OutcomeRetryable:
			if !errors.Is(r.Err, context.Canceled) {
				b.Failure()
			}
		}
		return r
	}
}
