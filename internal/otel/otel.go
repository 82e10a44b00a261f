// Package otel turns eventbus traffic into OpenTelemetry spans.
package otel

import (
	"context"
	"strconv"
	"sync"

	eventbus "github.com/hanpama/hostbridge/internal/eventbus"
	events "github.com/hanpama/hostbridge/internal/events"
	reqid "github.com/hanpama/hostbridge/internal/reqid"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// Setup configures OpenTelemetry and attaches subscribers to the global
// eventbus. If endpoint is empty, no telemetry is configured.
func Setup(endpoint, service string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
		)),
	)
	otel.SetTracerProvider(tp)

	unsubscribe := Attach(eventbus.Current(), tp.Tracer("hostbridge"))
	return func(ctx context.Context) error {
		unsubscribe()
		return tp.Shutdown(ctx)
	}, nil
}

// Attach subscribes span recorders for HTTP, RPC, evaluation and task
// events on b. The returned func detaches them.
func Attach(b *eventbus.Bus, tracer trace.Tracer) (detach func()) {
	s := &subscriber{tracer: tracer}
	return s.register(b)
}

type evalKey struct {
	scope   *reqid.Scope
	session string
	origin  string
}

type subscriber struct {
	tracer    trace.Tracer
	httpSpans sync.Map // *reqid.Scope -> trace.Span
	rpcSpans  sync.Map // *reqid.Scope -> trace.Span
	evalSpans sync.Map // evalKey -> trace.Span
	taskSpans sync.Map // task id -> trace.Span
}

// scope returns the request scope of ctx, nil outside a request.
func scope(ctx context.Context) *reqid.Scope {
	sc, _ := reqid.ScopeFrom(ctx)
	return sc
}

// parent returns ctx with the innermost request span of its scope attached.
func (s *subscriber) parent(ctx context.Context) context.Context {
	sc := scope(ctx)
	if sc == nil {
		return ctx
	}
	if v, ok := s.rpcSpans.Load(sc); ok {
		return trace.ContextWithSpan(ctx, v.(trace.Span))
	}
	if v, ok := s.httpSpans.Load(sc); ok {
		return trace.ContextWithSpan(ctx, v.(trace.Span))
	}
	return ctx
}

func requestID(sc *reqid.Scope) attribute.KeyValue {
	return attribute.String("hostbridge.request_id", sc.ID())
}

func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *subscriber) register(b *eventbus.Bus) func() {
	unsubs := []func(){
		eventbus.SubscribeTo(b, func(ctx context.Context, e events.HTTPStart) {
			sc := scope(ctx)
			if sc == nil {
				return
			}
			_, span := s.tracer.Start(ctx, "http.request")
			span.SetAttributes(
				semconv.HTTPMethodKey.String(e.Request.Method),
				attribute.String("http.target", e.Request.URL.Path),
				requestID(sc),
			)
			s.httpSpans.Store(sc, span)
		}),
		eventbus.SubscribeTo(b, func(ctx context.Context, e events.HTTPFinish) {
			sc := scope(ctx)
			if sc == nil {
				return
			}
			v, ok := s.httpSpans.LoadAndDelete(sc)
			if !ok {
				return
			}
			span := v.(trace.Span)
			span.SetAttributes(semconv.HTTPStatusCodeKey.Int(e.Status))
			if e.Status >= 500 {
				span.SetStatus(codes.Error, strconv.Itoa(e.Status))
			}
			span.End()
		}),
		eventbus.SubscribeTo(b, func(ctx context.Context, e events.RPCStart) {
			sc := scope(ctx)
			if sc == nil {
				return
			}
			_, span := s.tracer.Start(ctx, "grpc.server")
			span.SetAttributes(semconv.RPCMethodKey.String(e.Method), requestID(sc))
			s.rpcSpans.Store(sc, span)
		}),
		eventbus.SubscribeTo(b, func(ctx context.Context, e events.RPCFinish) {
			sc := scope(ctx)
			if sc == nil {
				return
			}
			v, ok := s.rpcSpans.LoadAndDelete(sc)
			if !ok {
				return
			}
			span := v.(trace.Span)
			span.SetAttributes(attribute.String("grpc.code", e.Code.String()))
			end(span, e.Err)
		}),
		eventbus.SubscribeTo(b, func(ctx context.Context, e events.EvalStart) {
			_, span := s.tracer.Start(s.parent(ctx), "runtime.eval")
			span.SetAttributes(
				attribute.String("hostbridge.session", e.Session),
				attribute.String("hostbridge.origin", e.Origin),
			)
			s.evalSpans.Store(evalKey{scope: scope(ctx), session: e.Session, origin: e.Origin}, span)
		}),
		eventbus.SubscribeTo(b, func(ctx context.Context, e events.EvalFinish) {
			v, ok := s.evalSpans.LoadAndDelete(evalKey{scope: scope(ctx), session: e.Session, origin: e.Origin})
			if !ok {
				return
			}
			end(v.(trace.Span), e.Err)
		}),
		eventbus.SubscribeTo(b, func(ctx context.Context, e events.TaskScheduled) {
			_, span := s.tracer.Start(s.parent(ctx), "pool.task")
			span.SetAttributes(attribute.Int64("hostbridge.task", int64(e.ID)))
			s.taskSpans.Store(e.ID, span)
		}),
		eventbus.SubscribeTo(b, func(ctx context.Context, e events.TaskStarted) {
			if v, ok := s.taskSpans.Load(e.ID); ok {
				v.(trace.Span).AddEvent("started")
			}
		}),
		eventbus.SubscribeTo(b, func(ctx context.Context, e events.TaskFinished) {
			v, ok := s.taskSpans.LoadAndDelete(e.ID)
			if !ok {
				return
			}
			end(v.(trace.Span), e.Err)
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
