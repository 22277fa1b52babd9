package trace

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Middleware continues or starts a trace for each request, echoes the trace
// id in the response and logs the request at debug level.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := Continue(r.Header.Get)
		w.Header().Set(HeaderTraceID, id.Trace)
		ctx := WithIDs(r.Context(), id)

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))

		Logger(ctx).LogAttrs(ctx, slog.LevelDebug, "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

// Inject writes a child span of the trace in ctx onto outgoing request headers.
func Inject(ctx context.Context, h http.Header) {
	id, ok := FromContext(ctx)
	if !ok {
		return
	}
	for k, v := range id.Child().Headers() {
		h.Set(k, v)
	}
}
