package trace

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// UnaryServerInterceptor continues the caller's trace from incoming metadata,
// returns the ids as response headers and logs each call.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		id := Continue(func(key string) string {
			if v := md.Get(key); len(v) > 0 {
				return v[0]
			}
			return ""
		})
		ctx = WithIDs(ctx, id)
		_ = grpc.SetHeader(ctx, metadata.New(id.Headers()))

		start := time.Now()
		resp, err := handler(ctx, req)
		Logger(ctx).Debug("grpc call", "method", info.FullMethod, "code", status.Code(err), "duration", time.Since(start))
		return resp, err
	}
}
