package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "hostbridge.v1.Evaluator"

const (
	EvalMethod    = "/" + ServiceName + "/Eval"
	SubmitMethod  = "/" + ServiceName + "/Submit"
	StatusMethod  = "/" + ServiceName + "/Status"
	ReleaseMethod = "/" + ServiceName + "/Release"
)

// EvaluatorServer is the server API for the Evaluator service. Messages are
// well-known protobuf types so no generated code is needed:
//
//	Eval(StringValue source) returns (Value result)
//	Submit(StringValue source) returns (UInt64Value task id)
//	Status(UInt64Value task id) returns (Struct {id, state, result?, error?})
//	Release(UInt64Value task id) returns (Empty)
type EvaluatorServer interface {
	Eval(context.Context, *wrapperspb.StringValue) (*structpb.Value, error)
	Submit(context.Context, *wrapperspb.StringValue) (*wrapperspb.UInt64Value, error)
	Status(context.Context, *wrapperspb.UInt64Value) (*structpb.Struct, error)
	Release(context.Context, *wrapperspb.UInt64Value) (*emptypb.Empty, error)
}

// RegisterEvaluatorServer registers srv with s.
func RegisterEvaluatorServer(s grpc.ServiceRegistrar, srv EvaluatorServer) {
	s.RegisterService(&EvaluatorServiceDesc, srv)
}

func unaryHandler[Req any, Resp any](method string, call func(EvaluatorServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(EvaluatorServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(EvaluatorServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// EvaluatorServiceDesc is the grpc.ServiceDesc for the Evaluator service.
var EvaluatorServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EvaluatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Eval", Handler: unaryHandler(EvalMethod, EvaluatorServer.Eval)},
		{MethodName: "Submit", Handler: unaryHandler(SubmitMethod, EvaluatorServer.Submit)},
		{MethodName: "Status", Handler: unaryHandler(StatusMethod, EvaluatorServer.Status)},
		{MethodName: "Release", Handler: unaryHandler(ReleaseMethod, EvaluatorServer.Release)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "hostbridge/v1/evaluator.proto",
}

// EvaluatorClient is the client API for the Evaluator service.
type EvaluatorClient struct {
	cc grpc.ClientConnInterface
}

func NewEvaluatorClient(cc grpc.ClientConnInterface) *EvaluatorClient {
	return &EvaluatorClient{cc: cc}
}

func (c *EvaluatorClient) Eval(ctx context.Context, source string, opts ...grpc.CallOption) (*structpb.Value, error) {
	out := new(structpb.Value)
	if err := c.cc.Invoke(ctx, EvalMethod, wrapperspb.String(source), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *EvaluatorClient) Submit(ctx context.Context, source string, opts ...grpc.CallOption) (uint64, error) {
	out := new(wrapperspb.UInt64Value)
	if err := c.cc.Invoke(ctx, SubmitMethod, wrapperspb.String(source), out, opts...); err != nil {
		return 0, err
	}
	return out.GetValue(), nil
}

func (c *EvaluatorClient) Status(ctx context.Context, id uint64, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, StatusMethod, wrapperspb.UInt64(id), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *EvaluatorClient) Release(ctx context.Context, id uint64, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, ReleaseMethod, wrapperspb.UInt64(id), new(emptypb.Empty), opts...)
}
