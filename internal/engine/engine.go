package engine

import (
	_ "embed"
	"fmt"

	"github.com/dop251/goja"
)

//go:embed prelude.js
var prelude string

// Value is a raw runtime value. Host code treats it as opaque.
type Value = goja.Value

// Engine wraps a single runtime instance together with the prelude helpers
// that implement the registry and introspection surface.
//
// An Engine is not safe for concurrent use. Every method must be called from
// the goroutine that owns it, which in practice is the pool's execution
// channel.
type Engine struct {
	vm  *goja.Runtime
	opt Options
	h   helpers
}

type helpers struct {
	register, unregister, lookup, count             goja.Callable
	isBound, resolve, assign, isAssignable          goja.Callable
	hasField, getField, setField, fieldNames        goja.Callable
	isFieldMutable                                  goja.Callable
	isSingleton, isImmutable, isCallable            goja.Callable
	isIndexable, isIndexMutable, length             goja.Callable
	getIndex, setIndex                              goja.Callable
	typeName, ctorChain, typeChain, isa, toString   goja.Callable
	toJSON, fromJSON                                goja.Callable
}

// New creates a runtime and installs the prelude.
func New(opts ...Option) (*Engine, error) {
	op := defaultOptions()
	for _, f := range opts {
		f(op)
	}
	vm := goja.New()
	if op.FieldNameMapper != nil {
		vm.SetFieldNameMapper(op.FieldNameMapper)
	}
	if op.MaxCallStackSize > 0 {
		vm.SetMaxCallStackSize(op.MaxCallStackSize)
	}
	if _, err := vm.RunScript("hostbridge:prelude", prelude); err != nil {
		return nil, fmt.Errorf("engine: install prelude: %w", err)
	}
	e := &Engine{vm: vm, opt: *op}
	if err := e.bindHelpers(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) bindHelpers() error {
	obj := e.vm.Get("__hostbridge")
	if obj == nil || goja.IsUndefined(obj) {
		return fmt.Errorf("engine: prelude did not define __hostbridge")
	}
	b := obj.ToObject(e.vm)
	var err error
	get := func(name string) goja.Callable {
		fn, ok := goja.AssertFunction(b.Get(name))
		if !ok && err == nil {
			err = fmt.Errorf("engine: prelude helper %q missing", name)
		}
		return fn
	}
	e.h = helpers{
		register:       get("register"),
		unregister:     get("unregister"),
		lookup:         get("lookup"),
		count:          get("count"),
		isBound:        get("isBound"),
		resolve:        get("resolve"),
		assign:         get("assign"),
		isAssignable:   get("isAssignable"),
		hasField:       get("hasField"),
		getField:       get("getField"),
		setField:       get("setField"),
		fieldNames:     get("fieldNames"),
		isFieldMutable: get("isFieldMutable"),
		isSingleton:    get("isSingleton"),
		isImmutable:    get("isImmutable"),
		isCallable:     get("isCallable"),
		isIndexable:    get("isIndexable"),
		isIndexMutable: get("isIndexMutable"),
		length:         get("length"),
		getIndex:       get("getIndex"),
		setIndex:       get("setIndex"),
		typeName:       get("typeName"),
		ctorChain:      get("ctorChain"),
		typeChain:      get("typeChain"),
		isa:            get("isa"),
		toString:       get("string"),
		toJSON:         get("toJSON"),
		fromJSON:       get("fromJSON"),
	}
	return err
}

// Runtime exposes the underlying goja runtime.
func (e *Engine) Runtime() *goja.Runtime { return e.vm }

// Eval evaluates src in the global scope.
func (e *Engine) Eval(src string) (Value, error) {
	return e.EvalNamed("", src)
}

// EvalNamed evaluates src, reporting name as the script origin in stack traces.
func (e *Engine) EvalNamed(name, src string) (Value, error) {
	v, err := e.vm.RunScript(name, src)
	if err != nil {
		return nil, e.exception(err, true)
	}
	return v, nil
}

// Undefined returns the runtime's undefined value.
func (e *Engine) Undefined() Value { return goja.Undefined() }

// Null returns the runtime's null value.
func (e *Engine) Null() Value { return goja.Null() }

// Global returns the global object.
func (e *Engine) Global() Value { return e.vm.GlobalObject() }

// SetGlobal defines name on the global object.
func (e *Engine) SetGlobal(name string, v any) error {
	bv, err := e.Box(v)
	if err != nil {
		return err
	}
	return e.vm.Set(name, bv)
}

// helper invokes a prelude helper and converts thrown exceptions.
func (e *Engine) helper(fn goja.Callable, args ...Value) (Value, error) {
	v, err := fn(goja.Undefined(), orUndefined(args)...)
	if err != nil {
		return nil, e.exception(err, false)
	}
	return v, nil
}

// predicate invokes a boolean prelude helper. A thrown exception, which only
// happens for exotic objects with throwing traps, reads as false.
func (e *Engine) predicate(fn goja.Callable, args ...Value) bool {
	v, err := fn(goja.Undefined(), orUndefined(args)...)
	if err != nil {
		return false
	}
	return v.ToBoolean()
}

func (e *Engine) str(s string) Value { return e.vm.ToValue(s) }

func orUndefined(args []Value) []Value {
	for i, a := range args {
		if a == nil {
			args[i] = goja.Undefined()
		}
	}
	return args
}
