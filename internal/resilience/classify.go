package resilience

import (
	"context"
	"errors"
	"net"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ClassifyHTTP maps a response status onto an Outcome.
// 408, 425, 429 and 5xx (except 501) are transient; other 4xx are not.
func ClassifyHTTP(code int) Outcome {
	switch {
	case code >= 200 && code < 300:
		return OutcomeSuccess
	case code == http.StatusRequestTimeout, code == http.StatusTooEarly, code == http.StatusTooManyRequests:
		return OutcomeRetryable
	case code == http.StatusNotImplemented:
		return OutcomeTerminal
	case code >= 500:
		return OutcomeRetryable
	default:
		return OutcomeTerminal
	}
}

// IsRetryableCode checks if a gRPC status code is worth retrying.
func IsRetryableCode(c codes.Code) bool {
	switch c {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.Internal:
		return true
	default:
		return false
	}
}

type httpStatuser interface {
	HTTPStatus() int
}

// ClassifyError is the default classifier for provider errors. Cancellation is
// terminal; deadlines, network errors and an open breaker are retryable;
// errors carrying an HTTP or gRPC status follow that status. Anything else is
// assumed transient.
func ClassifyError(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	if errors.Is(err, context.Canceled) {
		return OutcomeTerminal
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrOpen) {
		return OutcomeRetryable
	}

	var hs httpStatuser
	if errors.As(err, &hs) {
		if out := ClassifyHTTP(hs.HTTPStatus()); out != OutcomeSuccess {
			return out
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return OutcomeRetryable
	}

	if s, ok := status.FromError(err); ok && s.Code() != codes.Unknown {
		if IsRetryableCode(s.Code()) {
			return OutcomeRetryable
		}
		return OutcomeTerminal
	}
	return OutcomeRetryable
}
