package trace

import (
	"context"
	"log/slog"
	"time"
)

// Span times one workflow step. End logs it at debug level.
type Span struct {
	name  string
	ids   IDs
	ctx   context.Context
	start time.Time
	dur   time.Duration
	attrs []slog.Attr
}

// StartSpan opens a child span of the trace in ctx, or a new trace.
func StartSpan(ctx context.Context, name string) (context.Context, *Span) {
	id := Root()
	if parent, ok := FromContext(ctx); ok {
		id = parent.Child()
	}
	ctx = WithIDs(ctx, id)
	return ctx, &Span{name: name, ids: id, ctx: ctx, start: time.Now()}
}

func (s *Span) IDs() IDs { return s.ids }

func (s *Span) SetAttr(key string, val any) {
	s.attrs = append(s.attrs, slog.Any(key, val))
}

// End records the duration and logs the span. Later calls are no-ops.
func (s *Span) End() {
	if s.dur != 0 {
		return
	}
	s.dur = max(time.Since(s.start), time.Nanosecond)
	Logger(s.ctx).Debug("span finished", "span", s)
}

// Duration is zero until End.
func (s *Span) Duration() time.Duration { return s.dur }

// LogValue implements slog.LogValuer.
func (s *Span) LogValue() slog.Value {
	attrs := make([]slog.Attr, 0, len(s.attrs)+2)
	attrs = append(attrs, slog.String("name", s.name), slog.Duration("duration", s.dur))
	return slog.GroupValue(append(attrs, s.attrs...)...)
}
