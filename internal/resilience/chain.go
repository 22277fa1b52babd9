package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

var ErrNoCandidates = errors.New("fallback chain has no candidates")

// Candidate is one named entry of a fallback chain.
type Candidate[T any] struct {
	Name string
	Op   Operation[T]
}

// Chain executes each candidate under p in order and returns the first success.
// It moves to the next candidate on any failure, terminal or exhausted, and stops
// early only when ctx is done. The returned Attempts is the total across candidates.
func Chain[T any](ctx context.Context, p Policy, candidates []Candidate[T], opts ...Option) Result[T] {
	if len(candidates) == 0 {
		return Terminal[T](ErrNoCandidates)
	}
	o := buildOptions(opts)

	var (
		last  Result[T]
		total int
		errs  []error
	)
	for i, c := range candidates {
		last = Execute(ctx, p, c.Op, append(opts, Named(c.Name))...)
		total += last.Attempts
		if last.OK() {
			return attempted(last, total)
		}
		errs = append(errs, fmt.Errorf("%s: %w", c.Name, last.Err))
		if ctx.Err() != nil || i == len(candidates)-1 {
			break
		}

		next := candidates[i+1].Name
		slog.Warn("falling back to next provider", "from", c.Name, "to", next, "error", last.Err)
		if o.onFallback != nil {
			o.onFallback(c.Name, next, last.Err)
		}
	}

	last.Err = errors.Join(errs...)
	return attempted(last, total)
}
