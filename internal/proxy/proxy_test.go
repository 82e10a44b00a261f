package proxy

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	engine "github.com/hanpama/hostbridge/internal/engine"
	pool "github.com/hanpama/hostbridge/internal/pool"
)

var ctx = context.Background()

func newTestPool(t *testing.T, src string) *pool.Pool {
	t.Helper()
	e, err := engine.New()
	require.NoError(t, err)
	p := pool.New(e)
	t.Cleanup(func() { _ = p.Close() })
	if src != "" {
		eval(t, p, src)
	}
	return p
}

func eval(t *testing.T, p *pool.Pool, src string) engine.Value {
	t.Helper()
	var v engine.Value
	require.NoError(t, p.Do(ctx, func(_ context.Context, e *engine.Engine) error {
		var err error
		v, err = e.Eval(src)
		return err
	}))
	return v
}

func evalAs[T any](t *testing.T, p *pool.Pool, src string) T {
	t.Helper()
	var out T
	require.NoError(t, p.Do(ctx, func(_ context.Context, e *engine.Engine) error {
		v, err := e.Eval(src)
		if err != nil {
			return err
		}
		out, err = engine.Unbox[T](e, v)
		return err
	}))
	return out
}

func registered(t *testing.T, p *pool.Pool) int {
	t.Helper()
	var n int
	require.NoError(t, p.Do(ctx, func(_ context.Context, e *engine.Engine) error {
		n = e.Registered()
		return nil
	}))
	return n
}

func evalProxy(t *testing.T, p *pool.Pool, src string) *Proxy {
	t.Helper()
	px, err := New(ctx, p, eval(t, p, src))
	require.NoError(t, err)
	return px
}

// Pattern: End-to-end
func TestEvaluateAndUnbox(t *testing.T) {
	p := newTestPool(t, "")
	px := evalProxy(t, p, "1 + 1")
	require.False(t, px.IsMutating())
	require.Equal(t, "", px.Name())

	got, err := Value[int](ctx, px)
	require.NoError(t, err)
	require.Equal(t, 2, got)
}

// Pattern: End-to-end
func TestAssignFieldWritesThrough(t *testing.T) {
	p := newTestPool(t, `var x = { field: 1 };`)
	x, err := Named(ctx, p, "x")
	require.NoError(t, err)
	require.True(t, x.IsMutating())

	field, err := x.Field(ctx, "field")
	require.NoError(t, err)
	require.True(t, field.IsMutating())
	require.Equal(t, "x.field", field.ID())
	require.Equal(t, "field", field.Name())

	require.NoError(t, field.Assign(ctx, 10))
	require.Equal(t, 10, evalAs[int](t, p, "x.field"))

	got, err := Value[int](ctx, field)
	require.NoError(t, err)
	require.Equal(t, 10, got)
}

// Pattern: End-to-end
func TestMissingField(t *testing.T) {
	p := newTestPool(t, `var x = { field: 1 };`)
	x, err := Named(ctx, p, "x")
	require.NoError(t, err)

	_, err = x.Field(ctx, "nope")
	require.ErrorIs(t, err, engine.ErrNoSuchField)
	var fe *engine.FieldError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, "nope", fe.Field)

	v, err := FieldAs[int](ctx, x, "field")
	require.NoError(t, err)
	require.Equal(t, 1, v)
	require.Equal(t, "x", x.ID())

	_, err = FieldAs[int](ctx, x, "nope")
	require.ErrorIs(t, err, engine.ErrNoSuchField)

	_, err = Named(ctx, p, "undeclared")
	require.ErrorIs(t, err, engine.ErrNoSuchField)
}

func TestNamedMutability(t *testing.T) {
	p := newTestPool(t, `
var v = 1;
let l = { a: 1 };
const c = { a: 1 };
var n = null;
function f() {}
`)
	for _, tc := range []struct {
		name string
		want bool
	}{
		{"v", true},
		{"l", true},
		{"c", false},
		{"n", false},
		{"f", false},
		{"undefined", false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			px, err := Named(ctx, p, tc.name)
			require.NoError(t, err)
			require.Equal(t, tc.want, px.IsMutating())
			px.Release()
		})
	}
}

func TestNamedLeavesRuntimeUntouched(t *testing.T) {
	p := newTestPool(t, `
var hits = 0;
Object.defineProperty(globalThis, "acc", { get() { return 7 }, set(x) { hits++ } });
`)
	acc, err := Named(ctx, p, "acc")
	require.NoError(t, err)
	defer acc.Release()
	require.True(t, acc.IsMutating())
	require.Equal(t, 0, evalAs[int](t, p, "hits"))

	for _, name := range []string{"arguments", "this", "null"} {
		_, err = Named(ctx, p, name)
		require.ErrorIs(t, err, engine.ErrNoSuchField, name)
	}
}

func TestAssignNamed(t *testing.T) {
	p := newTestPool(t, `var v = 1; const c = 1;`)

	v, err := Named(ctx, p, "v")
	require.NoError(t, err)
	for _, x := range []int{2, 3, -7} {
		require.NoError(t, v.Assign(ctx, x))
		require.NoError(t, v.Update(ctx))
		got, err := Value[int](ctx, v)
		require.NoError(t, err)
		require.Equal(t, x, got)
		require.Equal(t, x, evalAs[int](t, p, "v"))
	}

	c, err := Named(ctx, p, "c")
	require.NoError(t, err)
	require.NoError(t, c.Assign(ctx, "local"))
	got, err := Value[string](ctx, c)
	require.NoError(t, err)
	require.Equal(t, "local", got)
	require.Equal(t, 1, evalAs[int](t, p, "c"))
	require.Equal(t, "c", c.ID())
}

// Assigning to a field of an immutable value rebinds only the local proxy.
func TestAssignFieldOfFrozenValue(t *testing.T) {
	p := newTestPool(t, `var point = Object.freeze({ x: 1, inner: { y: 2 } });`)
	point, err := Named(ctx, p, "point")
	require.NoError(t, err)
	require.True(t, point.IsMutating())

	x, err := point.Field(ctx, "x")
	require.NoError(t, err)
	require.False(t, x.IsMutating())

	require.NoError(t, x.Assign(ctx, 100))
	local, err := Value[int](ctx, x)
	require.NoError(t, err)
	require.Equal(t, 100, local)
	require.Equal(t, 1, evalAs[int](t, p, "point.x"))

	require.NoError(t, point.Update(ctx))
	got, err := FieldAs[int](ctx, point, "x")
	require.NoError(t, err)
	require.Equal(t, 1, got)

	inner, err := point.Field(ctx, "inner")
	require.NoError(t, err)
	y, err := inner.Field(ctx, "y")
	require.NoError(t, err)
	require.False(t, y.IsMutating(), "a field below an immutable parent is never mutating")
}

func TestAnonymousNeverMutating(t *testing.T) {
	p := newTestPool(t, `var obj = { a: 1 };`)
	anon := evalProxy(t, p, "obj")
	a, err := anon.Field(ctx, "a")
	require.NoError(t, err)
	require.False(t, a.IsMutating())

	require.NoError(t, a.Assign(ctx, 5))
	require.Equal(t, 1, evalAs[int](t, p, "obj.a"))

	named, err := Named(ctx, p, "obj")
	require.NoError(t, err)
	unnamed, err := named.AsUnnamed(ctx)
	require.NoError(t, err)
	require.False(t, unnamed.IsMutating())
	require.Equal(t, "", unnamed.Name())
	require.NoError(t, unnamed.Assign(ctx, 3))
	require.Equal(t, 1, evalAs[int](t, p, "obj.a"))
}

// Navigation never changes the receiver's cached value.
func TestNavigationIsReadOnly(t *testing.T) {
	p := newTestPool(t, `var x = { a: { b: 1 }, list: [1, 2, 3] };`)
	x, err := Named(ctx, p, "x")
	require.NoError(t, err)
	before, err := x.String(ctx)
	require.NoError(t, err)
	names, err := x.FieldNames(ctx)
	require.NoError(t, err)

	for _, f := range []string{"a", "list", "missing", "a"} {
		_, _ = x.Field(ctx, f)
	}
	after, err := x.String(ctx)
	require.NoError(t, err)
	require.Equal(t, before, after)

	namesAfter, err := x.FieldNames(ctx)
	require.NoError(t, err)
	if diff := cmp.Diff(names, namesAfter); diff != "" {
		t.Fatalf("field names changed (-before +after):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a", "list"}, names); diff != "" {
		t.Fatalf("field names mismatch (-want +got):\n%s", diff)
	}
}

func TestIndexNavigation(t *testing.T) {
	p := newTestPool(t, `var list = [10, 20, 30]; var frozen = Object.freeze([1]); var obj = {};`)
	list, err := Named(ctx, p, "list")
	require.NoError(t, err)

	second, err := list.Index(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, "list[2]", second.ID())
	require.True(t, second.IsMutating())
	require.NoError(t, second.Assign(ctx, 21))
	require.Equal(t, 21, evalAs[int](t, p, "list[1]"))

	v, err := IndexAs[int](ctx, list, 3)
	require.NoError(t, err)
	require.Equal(t, 30, v)

	_, err = list.Index(ctx, 4)
	require.ErrorIs(t, err, engine.ErrOutOfBounds)

	frozen, err := Named(ctx, p, "frozen")
	require.NoError(t, err)
	first, err := frozen.Index(ctx, 1)
	require.NoError(t, err)
	require.False(t, first.IsMutating())

	obj, err := Named(ctx, p, "obj")
	require.NoError(t, err)
	_, err = obj.Index(ctx, 1)
	require.ErrorIs(t, err, engine.ErrNotIndexable)
}

func TestUpdateAfterExternalAssignment(t *testing.T) {
	p := newTestPool(t, `var x = { n: 1 };`)
	x, err := Named(ctx, p, "x")
	require.NoError(t, err)
	n, err := x.Field(ctx, "n")
	require.NoError(t, err)

	eval(t, p, `x = { n: 2 }`)
	stale, err := Value[int](ctx, n)
	require.NoError(t, err)
	require.Equal(t, 1, stale)

	require.NoError(t, n.Update(ctx))
	fresh, err := Value[int](ctx, n)
	require.NoError(t, err)
	require.Equal(t, 2, fresh)

	// The write goes to the current x, not the one n was navigated from.
	require.NoError(t, n.Assign(ctx, 3))
	require.Equal(t, 3, evalAs[int](t, p, "x.n"))

	anon := evalProxy(t, p, "42")
	require.NoError(t, anon.Update(ctx))
	got, err := Value[int](ctx, anon)
	require.NoError(t, err)
	require.Equal(t, 42, got)
}

// Pattern: Shared ownership
func TestChildOutlivesParent(t *testing.T) {
	p := newTestPool(t, "")
	base := registered(t, p)

	parent := evalProxy(t, p, `({ inner: { value: "kept" } })`)
	child, err := parent.Field(ctx, "inner")
	require.NoError(t, err)
	grandchild, err := child.Field(ctx, "value")
	require.NoError(t, err)
	require.Equal(t, base+3, registered(t, p))

	parent.Release()
	child.Release()
	require.Equal(t, base+3, registered(t, p), "owner edges keep ancestors rooted")

	got, err := Value[string](ctx, grandchild)
	require.NoError(t, err)
	require.Equal(t, "kept", got)

	grandchild.Release()
	require.Equal(t, base, registered(t, p))

	_, err = Value[string](ctx, grandchild)
	require.ErrorIs(t, err, ErrReleased)
}

func TestCloneSharesPayload(t *testing.T) {
	p := newTestPool(t, "")
	base := registered(t, p)
	a := evalProxy(t, p, `[1, 2]`)
	b, err := a.Clone()
	require.NoError(t, err)
	require.Equal(t, base+1, registered(t, p))

	a.Release()
	a.Release()
	got, err := IndexAs[int](ctx, b, 2)
	require.NoError(t, err)
	require.Equal(t, 2, got)
	b.Release()
	require.Equal(t, base, registered(t, p))
}

func TestAssignKeepsRegistryBalanced(t *testing.T) {
	p := newTestPool(t, `var x = { a: 1 };`)
	base := registered(t, p)
	x, err := Named(ctx, p, "x")
	require.NoError(t, err)
	a, err := x.Field(ctx, "a")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, a.Assign(ctx, i))
		require.NoError(t, a.Update(ctx))
	}
	require.Equal(t, base+2, registered(t, p))
	a.Release()
	x.Release()
	require.Equal(t, base, registered(t, p))
}

func TestCall(t *testing.T) {
	p := newTestPool(t, `
function add(a, b) { return a + b }
var counter = { n: 0, inc(by) { this.n += by; return this.n } };
function fail() { throw new TypeError("bad input") }
`)
	add, err := Named(ctx, p, "add")
	require.NoError(t, err)
	require.False(t, add.IsMutating())
	sum, err := add.Call(ctx, 2, 3)
	require.NoError(t, err)
	require.False(t, sum.IsMutating())
	got, err := Value[int](ctx, sum)
	require.NoError(t, err)
	require.Equal(t, 5, got)

	// Proxies box to their value.
	again, err := add.Call(ctx, sum, sum)
	require.NoError(t, err)
	got, err = Value[int](ctx, again)
	require.NoError(t, err)
	require.Equal(t, 10, got)

	counter, err := Named(ctx, p, "counter")
	require.NoError(t, err)
	inc, err := counter.Field(ctx, "inc")
	require.NoError(t, err)
	_, err = inc.Call(ctx, 4)
	require.NoError(t, err)
	require.Equal(t, 4, evalAs[int](t, p, "counter.n"))

	fail, err := Named(ctx, p, "fail")
	require.NoError(t, err)
	_, err = fail.Call(ctx)
	var re *engine.RuntimeException
	require.ErrorAs(t, err, &re)
	require.Equal(t, "TypeError: bad input", re.Message)

	_, err = fail.SafeCall(ctx)
	require.ErrorAs(t, err, &re)
	require.Equal(t, "TypeError: bad input", re.Message)
	require.NotEmpty(t, re.Stack)

	_, err = counter.Call(ctx)
	require.ErrorIs(t, err, engine.ErrNotCallable)

	require.Equal(t, 2, evalAs[int](t, p, "1 + 1"), "runtime usable after exceptions")
}

func TestSafeCallRecoversHostPanic(t *testing.T) {
	p := newTestPool(t, "")
	require.NoError(t, p.Do(ctx, func(_ context.Context, e *engine.Engine) error {
		return e.SetGlobal("explode", e.NewFunction(1, func(args []engine.Value) (engine.Value, error) {
			panic(errors.New("host side " + args[0].String()))
		}))
	}))
	explode, err := Named(ctx, p, "explode")
	require.NoError(t, err)
	_, err = explode.SafeCall(ctx, "boom")
	var re *engine.RuntimeException
	require.ErrorAs(t, err, &re)
	require.Contains(t, re.Message, "host side boom")
}

// Pattern: Type queries
func TestIsaAndType(t *testing.T) {
	p := newTestPool(t, `class Animal {}; class Dog extends Animal {}; var rex = new Dog();`)
	rex, err := Named(ctx, p, "rex")
	require.NoError(t, err)

	typ, err := rex.Type(ctx)
	require.NoError(t, err)
	require.Equal(t, "Dog", typ.Name())
	require.Equal(t, "Animal", typ.SuperType().Name())

	var animal, number *engine.Type
	require.NoError(t, p.Do(ctx, func(_ context.Context, e *engine.Engine) error {
		var err error
		if animal, err = e.LookupType("Animal"); err != nil {
			return err
		}
		number, err = e.LookupType("Number")
		return err
	}))

	ok, err := rex.Isa(ctx, animal)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = rex.Isa(ctx, number)
	require.NoError(t, err)
	require.False(t, ok)

	// Structurally identical values are not instances.
	lookalike := evalProxy(t, p, `({})`)
	ok, err = lookalike.Isa(ctx, animal)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFromTask(t *testing.T) {
	p := newTestPool(t, "")
	task, err := p.CreateAndSchedule(func(_ context.Context, e *engine.Engine) (engine.Value, error) {
		return e.Eval(`({ answer: 42 })`)
	})
	require.NoError(t, err)

	task.Join()
	px, err := FromTask(ctx, p, task)
	require.NoError(t, err)
	task.Release()

	got, err := FieldAs[int](ctx, px, "answer")
	require.NoError(t, err)
	require.Equal(t, 42, got)

	failed, err := p.CreateAndSchedule(func(_ context.Context, e *engine.Engine) (engine.Value, error) {
		return e.Eval(`null.x`)
	})
	require.NoError(t, err)
	failed.Join()
	_, err = FromTask(ctx, p, failed)
	require.ErrorIs(t, err, pool.ErrTaskFailed)
}

// Proxies used from inside a task run inline on the channel.
func TestProxyInsideTask(t *testing.T) {
	p := newTestPool(t, `var total = { n: 0 };`)
	task, err := p.CreateAndSchedule(pool.Returning(func(ctx context.Context, _ *engine.Engine) (int, error) {
		total, err := Named(ctx, p, "total")
		if err != nil {
			return 0, err
		}
		defer total.Release()
		n, err := total.Field(ctx, "n")
		if err != nil {
			return 0, err
		}
		defer n.Release()
		if err := n.Assign(ctx, 7); err != nil {
			return 0, err
		}
		return Value[int](ctx, n)
	}))
	require.NoError(t, err)
	task.Join()
	got, err := pool.Result[int](ctx, task)
	require.NoError(t, err)
	require.Equal(t, 7, got)
	require.Equal(t, 7, evalAs[int](t, p, "total.n"))
}
