package resilience

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestChainFallsBackOnFailure(t *testing.T) {
	rs := &recordingSleeper{}
	var fallbacks []string

	candidates := []Candidate[string]{
		{Name: "huggingface", Op: func(ctx context.Context) Result[string] { return Retryable[string](errTransient) }},
		{Name: "gemini", Op: func(ctx context.Context) Result[string] { return Success("summary") }},
	}
	r := Chain(context.Background(), testPolicy(2), candidates,
		WithSleeper(rs.sleep),
		OnFallback(func(from, to string, err error) { fallbacks = append(fallbacks, from+"->"+to) }))

	if !r.OK() || r.Value != "summary" {
		t.Fatalf("Chain() = %+v, want gemini success", r)
	}
	if r.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", r.Attempts)
	}
	if len(fallbacks) != 1 || fallbacks[0] != "huggingface->gemini" {
		t.Errorf("fallbacks = %v", fallbacks)
	}
}

func TestChainAllFail(t *testing.T) {
	terminal := errors.New("model not found")
	candidates := []Candidate[string]{
		{Name: "a", Op: func(ctx context.Context) Result[string] { return Terminal[string](terminal) }},
		{Name: "b", Op: func(ctx context.Context) Result[string] { return Retryable[string](errTransient) }},
	}
	r := Chain(context.Background(), testPolicy(2), candidates, WithSleeper((&recordingSleeper{}).sleep))

	if r.OK() {
		t.Fatal("Chain() succeeded")
	}
	if !errors.Is(r.Err, terminal) || !errors.Is(r.Err, ErrExhausted) {
		t.Errorf("Err = %v, want both candidate failures", r.Err)
	}
	if r.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", r.Attempts)
	}
}

func TestChainStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	second := 0
	candidates := []Candidate[int]{
		{Name: "a", Op: func(ctx context.Context) Result[int] { cancel(); return Retryable[int](errTransient) }},
		{Name: "b", Op: func(ctx context.Context) Result[int] { second++; return Success(1) }},
	}
	r := Chain(ctx, Policy{MaxAttempts: 1, BackoffFactor: 2, AttemptTimeout: time.Second}, candidates)

	if r.OK() || second != 0 {
		t.Errorf("Chain() = %+v, second candidate calls = %d", r, second)
	}
}

func TestChainEmpty(t *testing.T) {
	r := Chain[int](context.Background(), DefaultPolicy(), nil)
	if !errors.Is(r.Err, ErrNoCandidates) {
		t.Errorf("Err = %v, want ErrNoCandidates", r.Err)
	}
}

func TestClassifyHTTP(t *testing.T) {
	tests := []struct {
		code int
		want Outcome
	}{
		{http.StatusOK, OutcomeSuccess},
		{http.StatusRequestTimeout, OutcomeRetryable},
		{http.StatusTooManyRequests, OutcomeRetryable},
		{http.StatusServiceUnavailable, OutcomeRetryable},
		{http.StatusBadGateway, OutcomeRetryable},
		{http.StatusNotImplemented, OutcomeTerminal},
		{http.StatusBadRequest, OutcomeTerminal},
		{http.StatusUnauthorized, OutcomeTerminal},
		{http.StatusNotFound, OutcomeTerminal},
	}
	for _, tt := range tests {
		if got := ClassifyHTTP(tt.code); got != tt.want {
			t.Errorf("ClassifyHTTP(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

type statusErr int

func (e statusErr) Error() string   { return http.StatusText(int(e)) }
func (e statusErr) HTTPStatus() int { return int(e) }

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"nil", nil, OutcomeSuccess},
		{"canceled", context.Canceled, OutcomeTerminal},
		{"deadline", context.DeadlineExceeded, OutcomeRetryable},
		{"breaker", ErrOpen, OutcomeRetryable},
		{"http 429", statusErr(429), OutcomeRetryable},
		{"http 403", statusErr(403), OutcomeTerminal},
		{"grpc unavailable", status.Error(codes.Unavailable, "x"), OutcomeRetryable},
		{"grpc invalid", status.Error(codes.InvalidArgument, "x"), OutcomeTerminal},
		{"plain", errors.New("reset by peer"), OutcomeRetryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsRetryableCode(t *testing.T) {
	tests := []struct {
		code codes.Code
		want bool
	}{
		{codes.Unavailable, true},
		{codes.DeadlineExceeded, true},
		{codes.ResourceExhausted, true},
		{codes.Aborted, true},
		{codes.Internal, true},
		{codes.InvalidArgument, false},
		{codes.NotFound, false},
		{codes.PermissionDenied, false},
		{codes.OK, false},
	}

	for _, tt := range tests {
		if got := IsRetryableCode(tt.code); got != tt.want {
			t.Errorf("IsRetryableCode(%v) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestFromError(t *testing.T) {
	if r := FromError(5, nil, nil); !r.OK() || r.Value != 5 {
		t.Errorf("FromError(nil) = %+v", r)
	}
	if r := FromError(0, statusErr(404), nil); r.Outcome != OutcomeTerminal {
		t.Errorf("FromError(404) = %+v", r)
	}
	always := func(error) Outcome { return OutcomeRetryable }
	if r := FromError(0, statusErr(404), always); r.Outcome != OutcomeRetryable {
		t.Errorf("FromError with classifier = %+v", r)
	}
}

func TestResultUnwrap(t *testing.T) {
	if v, err := Success("x").Unwrap(); v != "x" || err != nil {
		t.Errorf("Unwrap() = %q, %v", v, err)
	}
	if _, err := Retryable[string](nil).Unwrap(); err == nil {
		t.Error("Unwrap() of failure without reason returned nil error")
	}
}
