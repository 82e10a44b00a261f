// Package rpc exposes a session as the hostbridge.v1.Evaluator gRPC
// service. Like the HTTP front end, every evaluation runs as a task.
package rpc

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	engine "github.com/hanpama/hostbridge/internal/engine"
	logging "github.com/hanpama/hostbridge/internal/logging"
	pool "github.com/hanpama/hostbridge/internal/pool"
	session "github.com/hanpama/hostbridge/internal/session"
)

// Server implements EvaluatorServer over a session.
type Server struct {
	sess *session.Session
	log  *zap.Logger
}

var _ EvaluatorServer = (*Server)(nil)

// NewServer returns a Server for sess. A nil logger means the process logger.
func NewServer(sess *session.Session, log *zap.Logger) *Server {
	if log == nil {
		log = logging.Logger()
	}
	return &Server{sess: sess, log: log}
}

// NewGRPCServer builds a grpc.Server with the logging interceptor and the
// Evaluator service registered.
func NewGRPCServer(sess *session.Session, log *zap.Logger, opts ...grpc.ServerOption) *grpc.Server {
	srv := NewServer(sess, log)
	opts = append([]grpc.ServerOption{grpc.UnaryInterceptor(LoggingUnaryServerInterceptor(srv.log))}, opts...)
	s := grpc.NewServer(opts...)
	RegisterEvaluatorServer(s, srv)
	return s
}

func (s *Server) Eval(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Value, error) {
	if in.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "missing source")
	}
	t, err := s.sess.Submit(ctx, in.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	defer t.Release()
	if err := t.Wait(ctx); err != nil {
		return nil, toStatus(err)
	}
	v, err := s.sess.ResultValue(ctx, t)
	if err != nil {
		return nil, toStatus(err)
	}
	return v, nil
}

func (s *Server) Submit(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.UInt64Value, error) {
	if in.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "missing source")
	}
	t, err := s.sess.Submit(ctx, in.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	s.sess.Detach(t)
	return wrapperspb.UInt64(t.ID()), nil
}

func (s *Server) Status(ctx context.Context, in *wrapperspb.UInt64Value) (*structpb.Struct, error) {
	t, ok := s.sess.Pool().Task(in.GetValue())
	if !ok {
		return nil, toStatus(pool.ErrUnknownTask)
	}
	out := &structpb.Struct{Fields: map[string]*structpb.Value{
		"id":    structpb.NewNumberValue(float64(t.ID())),
		"state": structpb.NewStringValue(t.State().String()),
	}}
	switch {
	case t.IsFailed():
		out.Fields["error"] = errorValue(t.Err())
	case t.IsDone():
		v, err := s.sess.ResultValue(ctx, t)
		if err != nil {
			out.Fields["error"] = errorValue(err)
			break
		}
		out.Fields["result"] = v
	}
	return out, nil
}

func (s *Server) Release(_ context.Context, in *wrapperspb.UInt64Value) (*emptypb.Empty, error) {
	t, ok := s.sess.Pool().Task(in.GetValue())
	if !ok {
		return nil, toStatus(pool.ErrUnknownTask)
	}
	t.Release()
	return &emptypb.Empty{}, nil
}

func codeFor(err error) codes.Code {
	switch {
	case errors.Is(err, engine.ErrRuntimeException), errors.Is(err, engine.ErrTypeMismatch):
		return codes.InvalidArgument
	case errors.Is(err, pool.ErrUnknownTask):
		return codes.NotFound
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, pool.ErrClosed):
		return codes.Unavailable
	}
	return codes.Internal
}

func toStatus(err error) error {
	var rex *engine.RuntimeException
	if errors.As(err, &rex) {
		return status.Error(codeFor(err), rex.Detail())
	}
	return status.Error(codeFor(err), err.Error())
}

func errorValue(err error) *structpb.Value {
	msg := err.Error()
	var rex *engine.RuntimeException
	if errors.As(err, &rex) {
		msg = rex.Message
	}
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"message": structpb.NewStringValue(msg),
		"code":    structpb.NewStringValue(codeFor(err).String()),
	}})
}
