package engine

import (
	"github.com/dop251/goja"
)

// MaxArity is the largest arity NewFunction supports.
const MaxArity = 3

// HostFunc is a host closure callable from the runtime. args always has the
// arity the function was created with.
type HostFunc func(args []Value) (Value, error)

// NewFunction wraps fn as a runtime function of the given arity.
//
// Arities 0 to MaxArity are supported. Any other arity is a programming error
// and panics with *InvalidArityError before anything is created. Missing
// arguments read as undefined and extra ones are dropped; order is preserved.
// An error returned by fn, or a panic inside it, is thrown into the runtime
// as an exception.
func (e *Engine) NewFunction(arity int, fn HostFunc) Value {
	var native func(goja.FunctionCall) goja.Value
	switch arity {
	case 0:
		native = func(goja.FunctionCall) goja.Value {
			return e.invoke(fn, nil)
		}
	case 1:
		native = func(call goja.FunctionCall) goja.Value {
			return e.invoke(fn, []Value{call.Argument(0)})
		}
	case 2:
		native = func(call goja.FunctionCall) goja.Value {
			return e.invoke(fn, []Value{call.Argument(0), call.Argument(1)})
		}
	case 3:
		native = func(call goja.FunctionCall) goja.Value {
			return e.invoke(fn, []Value{call.Argument(0), call.Argument(1), call.Argument(2)})
		}
	default:
		panic(&InvalidArityError{Arity: arity})
	}
	f := e.vm.ToValue(native).(*goja.Object)
	_ = f.DefineDataProperty("length", e.vm.ToValue(arity), goja.FLAG_FALSE, goja.FLAG_TRUE, goja.FLAG_FALSE)
	return f
}

func (e *Engine) invoke(fn HostFunc, args []Value) (ret goja.Value) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		switch r.(type) {
		case *goja.Exception, *goja.InterruptedError, goja.Value:
			panic(r)
		}
		panic(e.vm.NewGoError(&HostPanicError{Value: r}))
	}()
	v, err := fn(args)
	if err != nil {
		panic(e.vm.NewGoError(err))
	}
	if v == nil {
		return goja.Undefined()
	}
	return v
}
