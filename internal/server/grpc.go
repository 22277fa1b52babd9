package server

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	apperrors "github.com/GriffinCanCode/caption-digest/internal/errors"
	"github.com/GriffinCanCode/caption-digest/internal/trace"
	"github.com/GriffinCanCode/caption-digest/internal/workflow"
)

// SessionsService is the gRPC name of the session read surface.
const SessionsService = "captiondigest.v1.Sessions"

const getSessionMethod = "/" + SessionsService + "/GetSession"

// sessionsServer is the handler type checked by RegisterService.
type sessionsServer interface {
	GetSession(ctx context.Context, id *wrapperspb.StringValue) (*structpb.Struct, error)
}

type sessionsRPC struct {
	sessions *workflow.Manager
}

// RegisterSessions serves GetSession for the manager's sessions on reg.
// Failures are AppErrors and reach the caller as statuses carrying ErrorInfo.
func RegisterSessions(reg grpc.ServiceRegistrar, sessions *workflow.Manager) {
	reg.RegisterService(&sessionsDesc, &sessionsRPC{sessions: sessions})
}

func (r *sessionsRPC) GetSession(ctx context.Context, id *wrapperspb.StringValue) (*structpb.Struct, error) {
	if id.GetValue() == "" {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "session id is required")
	}
	seq, err := r.sessions.Get(id.GetValue())
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(seq.Snapshot())
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "encode snapshot")
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "encode snapshot")
	}
	trace.Logger(trace.WithSession(ctx, seq.ID())).Debug("session read", "stage", seq.Stage())
	return out, nil
}

func getSessionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(sessionsServer).GetSession(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getSessionMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(sessionsServer).GetSession(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

var sessionsDesc = grpc.ServiceDesc{
	ServiceName: SessionsService,
	HandlerType: (*sessionsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetSession", Handler: getSessionHandler},
	},
	Metadata: "captiondigest/v1/sessions",
}

// SessionsClient reads session state from a running server.
type SessionsClient struct {
	cc grpc.ClientConnInterface
}

func NewSessionsClient(cc grpc.ClientConnInterface) *SessionsClient {
	return &SessionsClient{cc: cc}
}

// GetSession returns the session's snapshot as a JSON-shaped struct. The trace
// in ctx, if any, is forwarded and errors come back as AppErrors.
func (c *SessionsClient) GetSession(ctx context.Context, id string) (*structpb.Struct, error) {
	if ids, ok := trace.FromContext(ctx); ok {
		for k, v := range ids.Headers() {
			ctx = metadata.AppendToOutgoingContext(ctx, k, v)
		}
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, getSessionMethod, wrapperspb.String(id), out); err != nil {
		return nil, apperrors.FromGRPCError(err)
	}
	return out, nil
}
