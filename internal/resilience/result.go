// Package resilience provides fault tolerance patterns
package resilience

import (
	"errors"
	"fmt"
)

// Outcome tags an external call result.
type Outcome uint8

const (
	OutcomeSuccess   Outcome = iota // payload is valid
	OutcomeRetryable                // transient, worth another attempt
	OutcomeTerminal                 // will never succeed regardless of retries
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

// Result is produced by every external collaborator call.
// Attempts is filled in by Execute.
type Result[T any] struct {
	Value    T
	Outcome  Outcome
	Err      error
	Attempts int
}

// Success wraps a payload.
func Success[T any](v T) Result[T] {
	return Result[T]{Value: v, Outcome: OutcomeSuccess}
}

// Retryable marks a transient failure.
func Retryable[T any](reason error) Result[T] {
	return Result[T]{Outcome: OutcomeRetryable, Err: reason}
}

// Terminal marks a failure that retrying cannot change.
func Terminal[T any](reason error) Result[T] {
	return Result[T]{Outcome: OutcomeTerminal, Err: reason}
}

// FromError classifies a (value, error) pair with fn. A nil fn uses ClassifyError.
func FromError[T any](v T, err error, fn func(error) Outcome) Result[T] {
	if err == nil {
		return Success(v)
	}
	if fn == nil {
		fn = ClassifyError
	}
	if fn(err) == OutcomeTerminal {
		return Terminal[T](err)
	}
	return Retryable[T](err)
}

// OK reports whether the call succeeded.
func (r Result[T]) OK() bool { return r.Outcome == OutcomeSuccess }

// Exhausted reports whether the failure came from running out of attempts.
func (r Result[T]) Exhausted() bool { return !r.OK() && errors.Is(r.Err, ErrExhausted) }

// Unwrap returns the payload and error in the conventional Go shape.
func (r Result[T]) Unwrap() (T, error) {
	if r.OK() {
		return r.Value, nil
	}
	var zero T
	if r.Err == nil {
		return zero, fmt.Errorf("%s failure", r.Outcome)
	}
	return zero, r.Err
}
