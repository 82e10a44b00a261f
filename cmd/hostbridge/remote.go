package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/hanpama/hostbridge/internal/rpc"
)

// evalRemote sends files and expressions, in order, to a served Evaluator
// and prints the last result.
func evalRemote(ctx context.Context, w io.Writer, target string, files, exprs []string, asJSON bool, dialOpts ...grpc.DialOption) error {
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig}),
	}, dialOpts...)
	cc, err := grpc.NewClient(target, opts...)
	if err != nil {
		return fmt.Errorf("dial %s: %w", target, err)
	}
	defer cc.Close()
	client := rpc.NewEvaluatorClient(cc)

	sources := make([]string, 0, len(files)+len(exprs))
	for _, path := range files {
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		sources = append(sources, string(b))
	}
	sources = append(sources, exprs...)

	var last *structpb.Value
	for _, src := range sources {
		if last, err = client.Eval(ctx, src); err != nil {
			return err
		}
	}
	if s, ok := last.GetKind().(*structpb.Value_StringValue); ok && !asJSON {
		_, err = fmt.Fprintln(w, s.StringValue)
		return err
	}
	b, err := protojson.Marshal(last)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
