package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/hanpama/hostbridge/internal/config"
	"github.com/hanpama/hostbridge/internal/eventbus"
	"github.com/hanpama/hostbridge/internal/otel"
	"github.com/hanpama/hostbridge/internal/rpc"
	"github.com/hanpama/hostbridge/internal/server"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(g *globals) *cobra.Command {
	var (
		httpAddr     string
		grpcAddr     string
		pretty       bool
		timeout      time.Duration
		otelEndpoint string
		otelService  string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve evaluations over HTTP and gRPC",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}
			f := cmd.Flags()
			if f.Changed("http.addr") {
				cfg.HTTP.Addr = httpAddr
			}
			if f.Changed("grpc.addr") {
				cfg.GRPC.Addr = grpcAddr
			}
			if f.Changed("http.pretty") {
				cfg.HTTP.Pretty = pretty
			}
			if f.Changed("http.timeout") {
				cfg.HTTP.Timeout = timeout
			}
			if f.Changed("otel.endpoint") {
				cfg.OTel.Endpoint = otelEndpoint
			}
			if f.Changed("otel.service") {
				cfg.OTel.Service = otelService
			}
			return serve(cmd.Context(), cfg)
		},
	}
	f := cmd.Flags()
	f.StringVar(&httpAddr, "http.addr", "", "HTTP listen address; empty disables HTTP (default from config :8080)")
	f.StringVar(&grpcAddr, "grpc.addr", "", "gRPC listen address; empty disables gRPC")
	f.BoolVar(&pretty, "http.pretty", false, "pretty-print JSON responses")
	f.DurationVar(&timeout, "http.timeout", 0, "per-request timeout, e.g. 10s")
	f.StringVar(&otelEndpoint, "otel.endpoint", "", "OTLP collector endpoint")
	f.StringVar(&otelService, "otel.service", "", "OpenTelemetry service name")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	if cfg.HTTP.Addr == "" && cfg.GRPC.Addr == "" {
		return errors.New("serve: neither http.addr nor grpc.addr is set")
	}
	eventbus.Use(eventbus.New())
	shutdown, err := otel.Setup(cfg.OTel.Endpoint, cfg.OTel.Service)
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	sess, log, err := open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = sess.Close()
		_ = log.Sync()
	}()

	errc := make(chan error, 2)
	var (
		httpSrv *http.Server
		grpcSrv *grpc.Server
	)
	if cfg.HTTP.Addr != "" {
		opts := []server.Option{
			server.WithTimeout(cfg.HTTP.Timeout),
			server.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes),
			server.WithLogger(log),
		}
		if cfg.HTTP.Pretty {
			opts = append(opts, server.WithPretty())
		}
		if len(cfg.HTTP.CORSOrigins) > 0 {
			opts = append(opts, server.WithCORS(cfg.HTTP.CORSOrigins...))
		}
		h, err := server.New(sess, opts...)
		if err != nil {
			return fmt.Errorf("server init: %w", err)
		}
		ln, err := net.Listen("tcp", cfg.HTTP.Addr)
		if err != nil {
			return err
		}
		httpSrv = &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
		log.Info("HTTP server listening", zap.String("addr", ln.Addr().String()))
		go func() { errc <- httpSrv.Serve(ln) }()
	}
	if cfg.GRPC.Addr != "" {
		ln, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			if httpSrv != nil {
				_ = httpSrv.Close()
			}
			return err
		}
		grpcSrv = rpc.NewGRPCServer(sess, log)
		log.Info("gRPC server listening", zap.String("addr", ln.Addr().String()))
		go func() { errc <- grpcSrv.Serve(ln) }()
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-errc:
		log.Error("server stopped", zap.Error(err))
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if httpSrv != nil {
		_ = httpSrv.Shutdown(sctx)
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
