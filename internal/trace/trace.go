// Package trace carries trace, span and session identifiers through a command
// and stamps them onto log lines. IDs have W3C Trace Context sizes.
package trace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
)

// Header and gRPC metadata keys.
const (
	HeaderTraceID = "x-trace-id"
	HeaderSpanID  = "x-span-id"
	HeaderParent  = "x-parent-span-id"
)

type (
	idsKey     struct{}
	sessionKey struct{}
)

// IDs place one span within a trace.
type IDs struct {
	Trace  string
	Span   string
	Parent string
}

// Root starts a new trace.
func Root() IDs {
	return IDs{Trace: randomHex(16), Span: randomHex(8)}
}

// Child returns a new span of the same trace under id.
func (id IDs) Child() IDs {
	return IDs{Trace: id.Trace, Span: randomHex(8), Parent: id.Span}
}

// Continue picks up a caller's trace from incoming headers: the caller's span
// becomes the parent of a fresh one. A missing trace id starts a new trace.
func Continue(get func(key string) string) IDs {
	id := IDs{Trace: get(HeaderTraceID), Span: randomHex(8), Parent: get(HeaderSpanID)}
	if id.Trace == "" {
		id.Trace = randomHex(16)
	}
	return id
}

// Headers renders id for outgoing HTTP headers or gRPC metadata.
func (id IDs) Headers() map[string]string {
	h := map[string]string{HeaderTraceID: id.Trace, HeaderSpanID: id.Span}
	if id.Parent != "" {
		h[HeaderParent] = id.Parent
	}
	return h
}

func (id IDs) logArgs() []any {
	args := []any{"trace_id", id.Trace, "span_id", id.Span}
	if id.Parent != "" {
		args = append(args, "parent_span_id", id.Parent)
	}
	return args
}

func FromContext(ctx context.Context) (IDs, bool) {
	id, ok := ctx.Value(idsKey{}).(IDs)
	return id, ok
}

func WithIDs(ctx context.Context, id IDs) context.Context {
	return context.WithValue(ctx, idsKey{}, id)
}

// WithSession tags ctx with a workflow session id.
func WithSession(ctx context.Context, session string) context.Context {
	if session == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey{}, session)
}

// SessionID returns the session id carried by ctx, if any.
func SessionID(ctx context.Context) string {
	s, _ := ctx.Value(sessionKey{}).(string)
	return s
}

// Logger returns the default logger annotated with the ids in ctx.
func Logger(ctx context.Context) *slog.Logger {
	var args []any
	if id, ok := FromContext(ctx); ok {
		args = id.logArgs()
	}
	if s := SessionID(ctx); s != "" {
		args = append(args, "session_id", s)
	}
	if len(args) == 0 {
		return slog.Default()
	}
	return slog.Default().With(args...)
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
