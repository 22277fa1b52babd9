// Package errors provides the workflow error taxonomy.
// Each AppError carries a Code, the workflow stage it belongs to, and maps onto
// gRPC status codes and HTTP statuses for the outer surfaces.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorDomain is reported in ErrorInfo details attached to gRPC statuses.
const ErrorDomain = "caption-digest"

// Code classifies an AppError.
type Code int32

const (
	CodeUnknown Code = iota
	CodeInternal
	CodeInvalidArgument
	CodeNotFound
	CodeUnavailable
	CodeTimeout
	CodeConfigInvalid
	CodeBusy
	CodeStale
	CodeVideoResolution
	CodeNoCaptionsAvailable
	CodeCaptionFetchExhausted
	CodeSummarization
	CodeSynthesis
	CodePrecondition
)

var codeNames = map[Code]string{
	CodeUnknown:               "UNKNOWN",
	CodeInternal:              "INTERNAL",
	CodeInvalidArgument:       "INVALID_ARGUMENT",
	CodeNotFound:              "NOT_FOUND",
	CodeUnavailable:           "UNAVAILABLE",
	CodeTimeout:               "TIMEOUT",
	CodeConfigInvalid:         "CONFIG_INVALID",
	CodeBusy:                  "BUSY",
	CodeStale:                 "STALE",
	CodeVideoResolution:       "VIDEO_RESOLUTION",
	CodeNoCaptionsAvailable:   "NO_CAPTIONS_AVAILABLE",
	CodeCaptionFetchExhausted: "CAPTION_FETCH_EXHAUSTED",
	CodeSummarization:         "SUMMARIZATION",
	CodeSynthesis:             "SYNTHESIS",
	CodePrecondition:          "PRECONDITION",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("CODE_%d", int32(c))
}

// ParseCode is the inverse of Code.String. Unknown names map to CodeUnknown.
func ParseCode(s string) Code {
	for c, name := range codeNames {
		if name == s {
			return c
		}
	}
	return CodeUnknown
}

// grpcCodeMap maps error codes to gRPC status codes.
var grpcCodeMap = map[Code]codes.Code{
	CodeUnknown:               codes.Unknown,
	CodeInternal:              codes.Internal,
	CodeInvalidArgument:       codes.InvalidArgument,
	CodeNotFound:              codes.NotFound,
	CodeUnavailable:           codes.Unavailable,
	CodeTimeout:               codes.DeadlineExceeded,
	CodeConfigInvalid:         codes.InvalidArgument,
	CodeBusy:                  codes.Aborted,
	CodeStale:                 codes.Aborted,
	CodeVideoResolution:       codes.InvalidArgument,
	CodeNoCaptionsAvailable:   codes.NotFound,
	CodeCaptionFetchExhausted: codes.Unavailable,
	CodeSummarization:         codes.Unavailable,
	CodeSynthesis:             codes.Unavailable,
	CodePrecondition:          codes.FailedPrecondition,
}

var httpStatusMap = map[Code]int{
	CodeInternal:              http.StatusInternalServerError,
	CodeInvalidArgument:       http.StatusBadRequest,
	CodeNotFound:              http.StatusNotFound,
	CodeUnavailable:           http.StatusServiceUnavailable,
	CodeTimeout:               http.StatusGatewayTimeout,
	CodeConfigInvalid:         http.StatusBadRequest,
	CodeBusy:                  http.StatusConflict,
	CodeStale:                 http.StatusConflict,
	CodeVideoResolution:       http.StatusUnprocessableEntity,
	CodeNoCaptionsAvailable:   http.StatusNotFound,
	CodeCaptionFetchExhausted: http.StatusBadGateway,
	CodeSummarization:         http.StatusBadGateway,
	CodeSynthesis:             http.StatusBadGateway,
	CodePrecondition:          http.StatusConflict,
}

// AppError is the base error type with structured code, stage and metadata.
type AppError struct {
	Code     Code
	Stage    string
	Message  string
	Metadata map[string]string
	Cause    error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Stage != "" {
		s = fmt.Sprintf("[%s] %s: %s", e.Code, e.Stage, e.Message)
	}
	if len(e.Metadata) > 0 {
		s += fmt.Sprintf(" %v", e.Metadata)
	}
	if e.Cause != nil {
		s += fmt.Sprintf(" caused by: %v", e.Cause)
	}
	return s
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *AppError) Unwrap() error { return e.Cause }

// UserMessage is the human-readable form shown to end users. It names the
// stage that failed and omits internal causes.
func (e *AppError) UserMessage() string {
	if e.Stage == "" {
		return e.Message
	}
	return fmt.Sprintf("%s failed: %s", e.Stage, e.Message)
}

// GRPCCode returns the corresponding gRPC status code.
func (e *AppError) GRPCCode() codes.Code {
	if c, ok := grpcCodeMap[e.Code]; ok {
		return c
	}
	return codes.Unknown
}

// HTTPStatus returns the status code used by the REST layer.
func (e *AppError) HTTPStatus() int {
	if s, ok := httpStatusMap[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// ToProto converts to an ErrorInfo detail message.
func (e *AppError) ToProto() *errdetails.ErrorInfo {
	info := &errdetails.ErrorInfo{Reason: e.Code.String(), Domain: ErrorDomain}
	if len(e.Metadata) > 0 || e.Stage != "" {
		info.Metadata = make(map[string]string, len(e.Metadata)+1)
		for k, v := range e.Metadata {
			info.Metadata[k] = v
		}
		if e.Stage != "" {
			info.Metadata["stage"] = e.Stage
		}
	}
	return info
}

// GRPCStatus returns a gRPC status with the ErrorInfo attached.
func (e *AppError) GRPCStatus() *status.Status {
	st := status.New(e.GRPCCode(), e.Error())
	if withDetails, err := st.WithDetails(e.ToProto()); err == nil {
		return withDetails
	}
	return st
}

// New creates a new AppError with the given code and message.
func New(code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg}
}

// Newf creates a new AppError with formatted message.
func Newf(code Code, format string, args ...interface{}) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with an AppError.
func Wrap(err error, code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg, Cause: err}
}

// Wrapf wraps an existing error with formatted message.
func Wrapf(err error, code Code, format string, args ...interface{}) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// WithStage records the workflow stage the error belongs to.
func (e *AppError) WithStage(stage string) *AppError {
	e.Stage = stage
	return e
}

// WithMetadata adds metadata to an AppError.
func (e *AppError) WithMetadata(key, value string) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// FromGRPCError extracts an AppError from a gRPC error if present.
func FromGRPCError(err error) *AppError {
	st, ok := status.FromError(err)
	if !ok {
		return &AppError{Code: CodeUnknown, Message: err.Error(), Cause: err}
	}

	for _, detail := range st.Details() {
		info, ok := detail.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != ErrorDomain {
			continue
		}
		appErr := &AppError{Code: ParseCode(info.GetReason()), Message: st.Message()}
		for k, v := range info.GetMetadata() {
			if k == "stage" {
				appErr.Stage = v
				continue
			}
			appErr.WithMetadata(k, v)
		}
		return appErr
	}

	return &AppError{Code: grpcToCode(st.Code()), Message: st.Message()}
}

// grpcToCode maps gRPC codes back to error codes (best effort).
func grpcToCode(c codes.Code) Code {
	switch c {
	case codes.InvalidArgument:
		return CodeInvalidArgument
	case codes.NotFound:
		return CodeNotFound
	case codes.Unavailable, codes.ResourceExhausted:
		return CodeUnavailable
	case codes.DeadlineExceeded:
		return CodeTimeout
	case codes.Internal:
		return CodeInternal
	case codes.FailedPrecondition:
		return CodePrecondition
	case codes.Aborted:
		return CodeBusy
	default:
		return CodeUnknown
	}
}

// As returns the first AppError in err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsCode checks if an error has a specific error code anywhere in its chain.
func IsCode(err error, code Code) bool {
	var appErr *AppError
	for e := err; e != nil; {
		if !stderrors.As(e, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		e = appErr.Cause
	}
	return false
}

// IsRetryable returns true if the error is potentially retryable by the caller.
func IsRetryable(err error) bool {
	appErr, ok := As(err)
	if !ok {
		return false
	}
	switch appErr.Code {
	case CodeUnavailable, CodeTimeout, CodeBusy, CodeCaptionFetchExhausted, CodeSummarization, CodeSynthesis:
		return true
	default:
		return false
	}
}
