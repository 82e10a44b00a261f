package engine

import (
	"fmt"

	"github.com/dop251/goja"
)

// Call invokes fn with the given receiver and arguments. A runtime exception
// is returned as a *RuntimeException without a stack.
func (e *Engine) Call(fn, this Value, args ...Value) (Value, error) {
	f, ok := goja.AssertFunction(fn)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotCallable, e.TypeName(fn))
	}
	if this == nil {
		this = goja.Undefined()
	}
	v, err := f(this, orUndefined(args)...)
	if err != nil {
		return nil, e.exception(err, false)
	}
	return v, nil
}

// SafeCall is Call with exception capture: host panics escaping the call are
// recovered, a pending interrupt is cleared, and the returned
// *RuntimeException carries the runtime's stack.
func (e *Engine) SafeCall(fn, this Value, args ...Value) (res Value, err error) {
	f, ok := goja.AssertFunction(fn)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotCallable, e.TypeName(fn))
	}
	if this == nil {
		this = goja.Undefined()
	}
	defer func() {
		if r := recover(); r != nil {
			e.vm.ClearInterrupt()
			res, err = nil, &RuntimeException{Message: (&HostPanicError{Value: r}).Error()}
		}
	}()
	v, cerr := f(this, orUndefined(args)...)
	if cerr != nil {
		e.vm.ClearInterrupt()
		return nil, e.exception(cerr, true)
	}
	return v, nil
}
