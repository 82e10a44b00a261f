package rpc

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	eventbus "github.com/hanpama/hostbridge/internal/eventbus"
	events "github.com/hanpama/hostbridge/internal/events"
	reqid "github.com/hanpama/hostbridge/internal/reqid"
)

// RequestIDKey is the metadata key carrying the request id.
const RequestIDKey = "x-request-id"

// LoggingUnaryServerInterceptor assigns a request id, publishes RPC events
// and logs exactly one line per unary RPC with method, duration and compact
// JSON for req/resp (or error).
func LoggingUnaryServerInterceptor(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		var rid string
		if md, ok := metadata.FromIncomingContext(ctx); ok && len(md.Get(RequestIDKey)) > 0 {
			rid = md.Get(RequestIDKey)[0]
			ctx = reqid.WithID(ctx, rid)
		} else {
			ctx, rid = reqid.NewContext(ctx)
		}
		_ = grpc.SetHeader(ctx, metadata.Pairs(RequestIDKey, rid))

		start := time.Now()
		eventbus.Publish(ctx, events.RPCStart{Method: info.FullMethod})
		resp, err := handler(ctx, req)
		dur := time.Since(start)
		st, _ := status.FromError(err)
		eventbus.Publish(ctx, events.RPCFinish{Method: info.FullMethod, Code: st.Code(), Err: err, Duration: dur})

		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("request_id", rid),
			zap.Duration("duration", dur),
			zap.String("req", toCompactJSON(req)),
		}
		if err != nil {
			log.Info("grpc", append(fields, zap.Stringer("code", st.Code()), zap.String("error", st.Message()))...)
			return resp, err
		}
		log.Info("grpc", append(fields, zap.String("resp", toCompactJSON(resp)))...)
		return resp, nil
	}
}

// toCompactJSON marshals a protobuf message to a single-line JSON string;
// falls back to type name if not proto or on error.
func toCompactJSON(msg any) string {
	if m, ok := msg.(proto.Message); ok {
		b, err := protojson.MarshalOptions{EmitUnpopulated: true}.Marshal(m)
		if err == nil {
			return string(b)
		}
	}
	return fmt.Sprintf("%q", fmt.Sprintf("%T", msg))
}
