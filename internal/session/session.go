// Package session ties an engine, its registry and its execution channel
// into one embedding lifecycle: Open initializes everything, Close tears it
// down.
package session

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"

	config "github.com/hanpama/hostbridge/internal/config"
	engine "github.com/hanpama/hostbridge/internal/engine"
	eventbus "github.com/hanpama/hostbridge/internal/eventbus"
	events "github.com/hanpama/hostbridge/internal/events"
	pool "github.com/hanpama/hostbridge/internal/pool"
	proxy "github.com/hanpama/hostbridge/internal/proxy"
)

// Session is an initialized embedding. All of its methods are safe for
// concurrent use.
type Session struct {
	id   string
	pool *pool.Pool
	log  *zap.Logger
	main *proxy.Proxy
	ttl  time.Duration

	closeOnce sync.Once
}

// HostFunc is a host function callable from scripts. ctx belongs to the job
// that called it, so proxies created with it run inline until that job ends.
type HostFunc func(ctx context.Context, args []engine.Value) (any, error)

// Open creates a runtime, starts its execution channel and runs the
// configured globals, preludes and init source, in that order.
func Open(ctx context.Context, cfg config.SessionConfig, opts ...Option) (*Session, error) {
	op := defaultOptions()
	for _, f := range opts {
		f(op)
	}
	engOpts := op.EngineOptions
	if cfg.MaxCallStackSize > 0 {
		engOpts = append(engOpts, engine.WithMaxCallStackSize(cfg.MaxCallStackSize))
	}
	eng, err := engine.New(engOpts...)
	if err != nil {
		return nil, err
	}
	s := &Session{
		id:  uuid.NewString(),
		log: op.Logger,
		ttl: op.TaskTTL,
	}
	s.log = s.log.With(zap.String("session", s.id))
	s.pool = pool.New(eng, pool.WithLogger(s.log), pool.WithLockOSThread(op.LockOSThread))

	if err := s.init(ctx, cfg); err != nil {
		_ = s.pool.Close()
		return nil, err
	}
	s.log.Debug("session opened", zap.Int("preludes", len(cfg.Preludes)))
	return s, nil
}

func (s *Session) init(ctx context.Context, cfg config.SessionConfig) error {
	names := make([]string, 0, len(cfg.Globals))
	for name := range cfg.Globals {
		names = append(names, name)
	}
	sort.Strings(names)
	err := s.pool.Do(ctx, func(_ context.Context, e *engine.Engine) error {
		for _, name := range names {
			if err := e.SetGlobal(name, cfg.Globals[name]); err != nil {
				return fmt.Errorf("session: global %q: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, path := range cfg.Preludes {
		if _, err := s.EvalFile(ctx, path); err != nil {
			return fmt.Errorf("session: prelude: %w", err)
		}
	}
	if cfg.Init != "" {
		if _, err := s.evalValue(ctx, "init", cfg.Init); err != nil {
			return fmt.Errorf("session: init: %w", err)
		}
	}
	s.main, err = s.newMain(ctx)
	return err
}

func (s *Session) newMain(ctx context.Context) (*proxy.Proxy, error) {
	var main *proxy.Proxy
	err := s.pool.Do(ctx, func(ctx context.Context, e *engine.Engine) error {
		var err error
		main, err = proxy.New(ctx, s.pool, e.Global())
		return err
	})
	return main, err
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// Pool returns the session's task pool.
func (s *Session) Pool() *pool.Pool { return s.pool }

// Main returns an anonymous proxy to the global object.
func (s *Session) Main() *proxy.Proxy { return s.main }

// Eval evaluates src and returns its value as an anonymous proxy.
func (s *Session) Eval(ctx context.Context, src string) (*proxy.Proxy, error) {
	return s.evalProxy(ctx, "<eval>", src)
}

// EvalFile evaluates the script at path.
func (s *Session) EvalFile(ctx context.Context, path string) (*proxy.Proxy, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	return s.evalProxy(ctx, path, string(b))
}

func (s *Session) evalProxy(ctx context.Context, origin, src string) (*proxy.Proxy, error) {
	var out *proxy.Proxy
	err := s.pool.Do(ctx, func(ctx context.Context, e *engine.Engine) error {
		v, err := s.evalValue(ctx, origin, src)
		if err != nil {
			return err
		}
		out, err = proxy.New(ctx, s.pool, v)
		return err
	})
	return out, err
}

// evalValue evaluates src on the channel and publishes eval events.
func (s *Session) evalValue(ctx context.Context, origin, src string) (engine.Value, error) {
	var v engine.Value
	start := time.Now()
	eventbus.Publish(ctx, events.EvalStart{Session: s.id, Origin: origin})
	err := s.pool.Do(ctx, func(_ context.Context, e *engine.Engine) error {
		var err error
		v, err = e.EvalNamed(origin, src)
		return err
	})
	eventbus.Publish(ctx, events.EvalFinish{Session: s.id, Origin: origin, Err: err, Duration: time.Since(start)})
	if err != nil {
		s.log.Debug("evaluation failed", zap.String("origin", origin), zap.Error(err))
	}
	return v, err
}

// Get returns a named proxy for the global binding name.
func (s *Session) Get(ctx context.Context, name string) (*proxy.Proxy, error) {
	return proxy.Named(ctx, s.pool, name)
}

// Define installs fn as the global function name with the given arity.
// An arity outside 0 to engine.MaxArity panics with *engine.InvalidArityError.
func (s *Session) Define(ctx context.Context, name string, arity int, fn HostFunc) error {
	if arity < 0 || arity > engine.MaxArity {
		panic(&engine.InvalidArityError{Arity: arity})
	}
	return s.pool.Do(ctx, func(_ context.Context, e *engine.Engine) error {
		f := e.NewFunction(arity, s.pool.Bind(func(ctx context.Context, args []engine.Value) (engine.Value, error) {
			res, err := fn(ctx, args)
			if err != nil {
				return nil, err
			}
			return e.Box(res)
		}))
		return e.SetGlobal(name, f)
	})
}

// Submit schedules src as a task. The caller owns the task and must
// Release it.
func (s *Session) Submit(ctx context.Context, src string) (*pool.Task, error) {
	t := s.pool.CreateWithContext(ctx, func(ctx context.Context, _ *engine.Engine) (engine.Value, error) {
		return s.evalValue(ctx, "<task>", src)
	})
	if err := s.pool.Schedule(t); err != nil {
		t.Release()
		return nil, err
	}
	return t, nil
}

// Detach hands ownership of t to the session: it is released once it has
// been done for the configured task TTL. Without a TTL it stays until
// released explicitly.
func (s *Session) Detach(t *pool.Task) {
	if s.ttl > 0 {
		t.ReleaseAfter(s.ttl)
	}
}

// ResultValue decodes a done task's value as a JSON-shaped protobuf value.
func (s *Session) ResultValue(ctx context.Context, t *pool.Task) (*structpb.Value, error) {
	return pool.Result[*structpb.Value](ctx, t)
}

// Value decodes a proxy as a JSON-shaped protobuf value.
func (s *Session) Value(ctx context.Context, p *proxy.Proxy) (*structpb.Value, error) {
	return proxy.Value[*structpb.Value](ctx, p)
}

// Close releases the global proxy and stops the execution channel after
// queued work has run. It is idempotent.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.main.Release()
		err = s.pool.Close()
		s.log.Debug("session closed")
	})
	return err
}
