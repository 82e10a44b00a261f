package events

import (
	"time"

	"google.golang.org/grpc/codes"
)

// RPCStart is emitted when a gRPC server call is received.
type RPCStart struct {
	Method string
}

// RPCFinish is emitted after a gRPC server call completes.
type RPCFinish struct {
	Method   string
	Code     codes.Code
	Err      error
	Duration time.Duration
}
