package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "pipelinecore.v1.Engine"

// Method names on the Engine service.
const (
	MethodSubmitTask    = "SubmitTask"
	MethodSubmitBatch   = "SubmitBatch"
	MethodRunBatch      = "RunBatch"
	MethodGetBatch      = "GetBatch"
	MethodGetRun        = "GetRun"
	MethodListRuns      = "ListRuns"
	MethodListGates     = "ListGates"
	MethodResolveReview = "ResolveReview"
	MethodClarify       = "Clarify"
	MethodExecute       = "Execute"
	MethodResume        = "Resume"
	MethodAbort         = "Abort"
	MethodQueryMemory   = "QueryMemory"
	MethodStreamEvents  = "StreamEvents"
)

// EngineServiceServer is the server API for the Engine service. Requests
// and responses are JSON-shaped structpb messages.
type EngineServiceServer interface {
	SubmitTask(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SubmitBatch(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RunBatch(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetBatch(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetRun(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListRuns(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListGates(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResolveReview(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Clarify(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Execute(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Resume(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Abort(context.Context, *structpb.Struct) (*structpb.Struct, error)
	QueryMemory(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StreamEvents(*structpb.Struct, EventStream) error
}

// EventStream is the server side of StreamEvents.
type EventStream interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type eventStream struct {
	grpc.ServerStream
}

func (s *eventStream) Send(m *structpb.Struct) error {
	return s.ServerStream.SendMsg(m)
}

type unaryCall func(EngineServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryCall) grpc.MethodDesc {
	full := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(EngineServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(EngineServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func streamEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(EngineServiceServer).StreamEvents(in, &eventStream{stream})
}

// ServiceDesc describes the Engine service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EngineServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodSubmitTask, EngineServiceServer.SubmitTask),
		unary(MethodSubmitBatch, EngineServiceServer.SubmitBatch),
		unary(MethodRunBatch, EngineServiceServer.RunBatch),
		unary(MethodGetBatch, EngineServiceServer.GetBatch),
		unary(MethodGetRun, EngineServiceServer.GetRun),
		unary(MethodListRuns, EngineServiceServer.ListRuns),
		unary(MethodListGates, EngineServiceServer.ListGates),
		unary(MethodResolveReview, EngineServiceServer.ResolveReview),
		unary(MethodClarify, EngineServiceServer.Clarify),
		unary(MethodExecute, EngineServiceServer.Execute),
		unary(MethodResume, EngineServiceServer.Resume),
		unary(MethodAbort, EngineServiceServer.Abort),
		unary(MethodQueryMemory, EngineServiceServer.QueryMemory),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodStreamEvents,
			Handler:       streamEventsHandler,
			ServerStreams: true,
		},
	},
}

// RegisterEngineServiceServer registers srv on s.
func RegisterEngineServiceServer(s grpc.ServiceRegistrar, srv EngineServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// =============================================================================
// Client
// =============================================================================

// EngineClient calls the Engine service with plain maps.
type EngineClient struct {
	cc grpc.ClientConnInterface
}

// NewEngineClient wraps a connection.
func NewEngineClient(cc grpc.ClientConnInterface) *EngineClient {
	return &EngineClient{cc: cc}
}

// Call invokes a unary method. A nil request sends an empty message.
func (c *EngineClient) Call(ctx context.Context, method string, req map[string]any, opts ...grpc.CallOption) (map[string]any, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// EventReceiver is the client side of StreamEvents.
type EventReceiver struct {
	stream grpc.ClientStream
}

// Recv blocks for the next event.
func (r *EventReceiver) Recv() (map[string]any, error) {
	m := new(structpb.Struct)
	if err := r.stream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m.AsMap(), nil
}

// StreamEvents opens an event subscription. The filter may name a run_id,
// a batch_id and a list of event types.
func (c *EngineClient) StreamEvents(ctx context.Context, filter map[string]any, opts ...grpc.CallOption) (*EventReceiver, error) {
	in, err := structpb.NewStruct(filter)
	if err != nil {
		return nil, err
	}
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/"+MethodStreamEvents, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &EventReceiver{stream: stream}, nil
}
