// Package proxy provides host-side handles to values living in the runtime.
//
// A Proxy roots its value in the engine registry for as long as any handle
// sharing its payload is alive. Children produced by Field and Index keep
// their parent's payload alive, so releasing a parent never invalidates a
// child.
//
// Every operation that reads the runtime goes through the pool's execution
// channel. A Proxy is not safe for concurrent use; distinct proxies are.
package proxy

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"

	engine "github.com/hanpama/hostbridge/internal/engine"
	pool "github.com/hanpama/hostbridge/internal/pool"
)

// ErrReleased indicates use of a Proxy after Release.
var ErrReleased = errors.New("proxy: released")

// Proxy is a handle to a runtime value.
type Proxy struct {
	h *handle
	// cached is the value at construction or the last Update/Assign. It is
	// only dereferenced on the execution channel.
	cached engine.Value
}

// handle is the per-Proxy ownership record. A cleanup releases it when the
// Proxy becomes unreachable without an explicit Release.
type handle struct {
	pv       *proxyValue
	released atomic.Bool
}

func (h *handle) release() {
	if h.released.CompareAndSwap(false, true) {
		h.pv.release()
	}
}

func wrap(pv *proxyValue, v engine.Value) *Proxy {
	p := &Proxy{h: &handle{pv: pv}, cached: v}
	runtime.AddCleanup(p, func(h *handle) { h.release() }, p.h)
	return p
}

func (p *Proxy) payload() (*proxyValue, error) {
	if p == nil || p.h == nil || p.h.released.Load() {
		return nil, ErrReleased
	}
	return p.h.pv, nil
}

// replace swaps the payload held by this handle, releasing the old one.
func (p *Proxy) replace(pv *proxyValue, v engine.Value) {
	old := p.h.pv
	p.h.pv = pv
	p.cached = v
	old.release()
}

// New wraps v as an anonymous proxy with no owner. Anonymous proxies are
// never mutating.
func New(ctx context.Context, pl *pool.Pool, v engine.Value) (*Proxy, error) {
	var out *Proxy
	err := pl.Do(ctx, func(_ context.Context, e *engine.Engine) error {
		if v == nil {
			v = e.Undefined()
		}
		out = wrap(newProxyValue(pl, e, v, nil, selector{}, false), v)
		return nil
	})
	return out, err
}

// Named returns a proxy for the global binding name. It is mutating when the
// binding is assignable and its value is not of singleton kind. The flag is
// fixed here and never re-derived.
func Named(ctx context.Context, pl *pool.Pool, name string) (*Proxy, error) {
	var out *Proxy
	err := pl.Do(ctx, func(_ context.Context, e *engine.Engine) error {
		v, err := e.Resolve(name)
		if err != nil {
			return err
		}
		mutating := e.IsAssignable(name) && !e.IsSingleton(v)
		out = wrap(newProxyValue(pl, e, v, nil, selector{kind: selBinding, name: name}, mutating), v)
		return nil
	})
	return out, err
}

// FromTask wraps the result of a done task as an anonymous proxy.
func FromTask(ctx context.Context, pl *pool.Pool, t *pool.Task) (*Proxy, error) {
	if t.IsFailed() {
		return nil, t.Err()
	}
	if !t.IsDone() {
		return nil, pool.ErrTaskNotDone
	}
	var out *Proxy
	err := pl.Do(ctx, func(_ context.Context, e *engine.Engine) error {
		v, ok := e.Lookup(t.Key())
		if !ok {
			return pool.ErrUnknownTask
		}
		out = wrap(newProxyValue(pl, e, v, nil, selector{}, false), v)
		return nil
	})
	return out, err
}

// do runs fn on the channel with the current payload and cached value.
func (p *Proxy) do(ctx context.Context, fn func(ctx context.Context, e *engine.Engine, pv *proxyValue, v engine.Value) error) error {
	pv, err := p.payload()
	if err != nil {
		return err
	}
	v := p.cached
	return pv.pool.Do(ctx, func(ctx context.Context, e *engine.Engine) error {
		return fn(ctx, e, pv, v)
	})
}

// Field returns a child proxy for the field name. It fails with
// engine.ErrNoSuchField when name is not a field of the value; the receiver
// is unchanged either way.
func (p *Proxy) Field(ctx context.Context, name string) (*Proxy, error) {
	var out *Proxy
	err := p.do(ctx, func(_ context.Context, e *engine.Engine, pv *proxyValue, v engine.Value) error {
		child, err := e.GetField(v, name)
		if err != nil {
			return err
		}
		mutating := pv.mutating && !e.IsImmutable(v) && e.IsFieldMutable(v, name) && !e.IsSingleton(child)
		out = wrap(newProxyValue(pv.pool, e, child, pv, selector{kind: selField, name: name}, mutating), child)
		return nil
	})
	return out, err
}

// Index returns a child proxy for the 1-based position i. It fails with
// engine.ErrNotIndexable for values without linear indexing.
func (p *Proxy) Index(ctx context.Context, i int) (*Proxy, error) {
	var out *Proxy
	err := p.do(ctx, func(_ context.Context, e *engine.Engine, pv *proxyValue, v engine.Value) error {
		child, err := e.GetIndex(v, i)
		if err != nil {
			return err
		}
		mutating := pv.mutating && !e.IsImmutable(v) && e.IsIndexMutable(v) && !e.IsSingleton(child)
		out = wrap(newProxyValue(pv.pool, e, child, pv, selector{kind: selIndex, index: i}, mutating), child)
		return nil
	})
	return out, err
}

// FieldAs decodes the field name of p into T without creating a proxy.
func FieldAs[T any](ctx context.Context, p *Proxy, name string) (T, error) {
	var out T
	err := p.do(ctx, func(_ context.Context, e *engine.Engine, _ *proxyValue, v engine.Value) error {
		child, err := e.GetField(v, name)
		if err != nil {
			return err
		}
		out, err = engine.Unbox[T](e, child)
		return err
	})
	return out, err
}

// IndexAs decodes the element at the 1-based position i into T.
func IndexAs[T any](ctx context.Context, p *Proxy, i int) (T, error) {
	var out T
	err := p.do(ctx, func(_ context.Context, e *engine.Engine, _ *proxyValue, v engine.Value) error {
		child, err := e.GetIndex(v, i)
		if err != nil {
			return err
		}
		out, err = engine.Unbox[T](e, child)
		return err
	})
	return out, err
}

// Value decodes the proxied value into T.
func Value[T any](ctx context.Context, p *Proxy) (T, error) {
	var out T
	err := p.do(ctx, func(_ context.Context, e *engine.Engine, _ *proxyValue, v engine.Value) error {
		var err error
		out, err = engine.Unbox[T](e, v)
		return err
	})
	return out, err
}

// Update re-reads the value by resolving the proxy's path from its root
// binding, picking up assignments made directly in the runtime. It is a
// no-op for anonymous proxies.
func (p *Proxy) Update(ctx context.Context) error {
	pv, err := p.payload()
	if err != nil {
		return err
	}
	if pv.sel.kind == selAnonymous {
		return nil
	}
	return pv.pool.Do(ctx, func(_ context.Context, e *engine.Engine) error {
		v, err := pv.resolve(e)
		if err != nil {
			return err
		}
		p.replace(pv.reseat(e, v, pv.mutating), v)
		return nil
	})
}

// Assign sets the proxy to x, an engine.Value or any boxable host value.
//
// A mutating proxy writes through to the binding or container slot it was
// navigated from. Any other proxy only rebinds itself; the runtime is
// untouched.
func (p *Proxy) Assign(ctx context.Context, x any) error {
	return p.do(ctx, func(_ context.Context, e *engine.Engine, pv *proxyValue, _ engine.Value) error {
		v, err := e.Box(x)
		if err != nil {
			return err
		}
		if pv.mutating {
			if err := pv.writeThrough(e, v); err != nil {
				return err
			}
		}
		p.replace(pv.reseat(e, v, pv.mutating), v)
		return nil
	})
}

// Call invokes the proxied function with boxed args and returns the result
// as an anonymous proxy. Fields are called with their container as this.
func (p *Proxy) Call(ctx context.Context, args ...any) (*Proxy, error) {
	return p.call(ctx, false, args)
}

// SafeCall is Call with exception capture: panics escaping host functions
// are recovered, the runtime is left usable, and the error is a
// *engine.RuntimeException carrying the runtime's message and stack.
func (p *Proxy) SafeCall(ctx context.Context, args ...any) (*Proxy, error) {
	return p.call(ctx, true, args)
}

func (p *Proxy) call(ctx context.Context, safe bool, args []any) (*Proxy, error) {
	var out *Proxy
	err := p.do(ctx, func(_ context.Context, e *engine.Engine, pv *proxyValue, fn engine.Value) error {
		boxed, err := e.BoxAll(args...)
		if err != nil {
			return err
		}
		var this engine.Value
		if pv.sel.kind == selField {
			if this, err = pv.owner.value(e); err != nil {
				return err
			}
		}
		var res engine.Value
		if safe {
			res, err = e.SafeCall(fn, this, boxed...)
		} else {
			res, err = e.Call(fn, this, boxed...)
		}
		if err != nil {
			return err
		}
		out = wrap(newProxyValue(pv.pool, e, res, nil, selector{}, false), res)
		return nil
	})
	return out, err
}

// Isa reports whether the value is an instance of t.
func (p *Proxy) Isa(ctx context.Context, t *engine.Type) (bool, error) {
	var ok bool
	err := p.do(ctx, func(_ context.Context, e *engine.Engine, _ *proxyValue, v engine.Value) error {
		ok = e.Isa(v, t)
		return nil
	})
	return ok, err
}

// Type returns the value's type.
func (p *Proxy) Type(ctx context.Context) (*engine.Type, error) {
	var t *engine.Type
	err := p.do(ctx, func(_ context.Context, e *engine.Engine, _ *proxyValue, v engine.Value) error {
		t = e.TypeOf(v)
		return nil
	})
	return t, err
}

// FieldNames lists the value's fields. For constructors it lists the
// fields of their instances' prototype.
func (p *Proxy) FieldNames(ctx context.Context) ([]string, error) {
	var names []string
	err := p.do(ctx, func(_ context.Context, e *engine.Engine, _ *proxyValue, v engine.Value) error {
		names = e.FieldNames(v)
		return nil
	})
	return names, err
}

// String converts the value with the runtime's String().
func (p *Proxy) String(ctx context.Context) (string, error) {
	var s string
	err := p.do(ctx, func(_ context.Context, e *engine.Engine, _ *proxyValue, v engine.Value) error {
		s = e.String(v)
		return nil
	})
	return s, err
}

// AsUnnamed returns a new anonymous proxy holding the same value.
func (p *Proxy) AsUnnamed(ctx context.Context) (*Proxy, error) {
	var out *Proxy
	err := p.do(ctx, func(_ context.Context, e *engine.Engine, pv *proxyValue, v engine.Value) error {
		out = wrap(newProxyValue(pv.pool, e, v, nil, selector{}, false), v)
		return nil
	})
	return out, err
}

// Name returns the binding or field name the proxy denotes, "" for
// anonymous proxies and index children.
func (p *Proxy) Name() string {
	pv, err := p.payload()
	if err != nil {
		return ""
	}
	return pv.sel.name
}

// ID returns the navigation path, e.g. "x.items[2]".
func (p *Proxy) ID() string {
	pv, err := p.payload()
	if err != nil {
		return ""
	}
	return pv.id
}

// IsMutating reports whether Assign writes through to the runtime.
func (p *Proxy) IsMutating() bool {
	pv, err := p.payload()
	if err != nil {
		return false
	}
	return pv.mutating
}

// Clone returns a new handle sharing this proxy's payload.
func (p *Proxy) Clone() (*Proxy, error) {
	pv, err := p.payload()
	if err != nil {
		return nil, err
	}
	pv.retain()
	return wrap(pv, p.cached), nil
}

// Release drops this handle's share of the payload. When the last share is
// gone the value is unrooted. Release is idempotent.
func (p *Proxy) Release() {
	if p == nil || p.h == nil {
		return
	}
	p.h.release()
}

// Box implements engine.Boxer so proxies can be passed as call arguments.
func (p *Proxy) Box(e *engine.Engine) (engine.Value, error) {
	if _, err := p.payload(); err != nil {
		return nil, err
	}
	return p.cached, nil
}
