package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"
)

var (
	// ErrNoSuchField indicates a field or binding name absent from the value's field set.
	ErrNoSuchField = errors.New("engine: no such field")
	// ErrNotIndexable indicates linear indexing on a value that does not support it.
	ErrNotIndexable = errors.New("engine: value is not indexable")
	// ErrOutOfBounds indicates a 1-based index outside [1, length].
	ErrOutOfBounds = errors.New("engine: index out of bounds")
	// ErrTypeMismatch indicates a host decode type incompatible with the runtime value.
	ErrTypeMismatch = errors.New("engine: type mismatch")
	// ErrInvalidArity indicates a trampoline arity outside the supported set.
	ErrInvalidArity = errors.New("engine: invalid arity")
	// ErrRuntimeException indicates an exception raised inside the runtime.
	ErrRuntimeException = errors.New("engine: runtime exception")
	// ErrNotCallable indicates a call on a value that is not a function.
	ErrNotCallable = errors.New("engine: value is not callable")
	// ErrUnknownKey indicates a registry key that is not registered.
	ErrUnknownKey = errors.New("engine: unknown registry key")
)

// FieldError reports a missing field together with the type searched.
type FieldError struct {
	Type  string
	Field string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("engine: no field %q in %s", e.Field, e.Type)
}

func (e *FieldError) Unwrap() error { return ErrNoSuchField }

// IndexError reports an indexing failure.
type IndexError struct {
	Type   string
	Index  int
	Length int
	Err    error // ErrNotIndexable or ErrOutOfBounds
}

func (e *IndexError) Error() string {
	if errors.Is(e.Err, ErrOutOfBounds) {
		return fmt.Sprintf("engine: index %d out of bounds for %s of length %d", e.Index, e.Type, e.Length)
	}
	return fmt.Sprintf("engine: %s is not indexable", e.Type)
}

func (e *IndexError) Unwrap() error { return e.Err }

// TypeMismatchError reports a failed unbox.
type TypeMismatchError struct {
	Want string
	Got  string
	Err  error
}

func (e *TypeMismatchError) Error() string {
	msg := fmt.Sprintf("engine: cannot decode %s as %s", e.Got, e.Want)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TypeMismatchError) Is(target error) bool { return target == ErrTypeMismatch }
func (e *TypeMismatchError) Unwrap() error        { return e.Err }

// InvalidArityError is the panic value raised by NewFunction for unsupported arities.
type InvalidArityError struct {
	Arity int
}

func (e *InvalidArityError) Error() string {
	return fmt.Sprintf("engine: %d is an invalid number of arguments, want 0 to %d", e.Arity, MaxArity)
}

func (e *InvalidArityError) Unwrap() error { return ErrInvalidArity }

// RuntimeException carries an exception raised inside the runtime.
type RuntimeException struct {
	// Message is the runtime's formatted message, e.g. "TypeError: x is not a function".
	Message string
	// Stack holds formatted frames when the exception was captured by SafeCall
	// or evaluation. It is empty for plain calls.
	Stack []string
	// Value is the thrown runtime value, nil for interrupts and compile errors.
	Value Value
}

func (e *RuntimeException) Error() string {
	return "engine: runtime exception: " + e.Message
}

func (e *RuntimeException) Unwrap() error { return ErrRuntimeException }

// Detail returns the message followed by the captured stack.
func (e *RuntimeException) Detail() string {
	if len(e.Stack) == 0 {
		return e.Message
	}
	return e.Message + "\n\tat " + strings.Join(e.Stack, "\n\tat ")
}

// HostPanicError wraps a panic raised by a host function invoked from the runtime.
type HostPanicError struct {
	Value any
}

func (e *HostPanicError) Error() string { return fmt.Sprintf("host panic: %v", e.Value) }

// exception converts an error returned by goja into a *RuntimeException.
func (e *Engine) exception(err error, withStack bool) error {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		re := &RuntimeException{Message: exceptionMessage(ex.Value()), Value: ex.Value()}
		if withStack {
			re.Stack = e.frames(ex.String())
		}
		return re
	}
	var ie *goja.InterruptedError
	if errors.As(err, &ie) {
		return &RuntimeException{Message: "interrupted: " + fmt.Sprint(ie.Value())}
	}
	return &RuntimeException{Message: err.Error()}
}

// frames extracts the "at ..." lines goja appends to a formatted exception.
func (e *Engine) frames(formatted string) []string {
	var out []string
	for _, line := range strings.Split(formatted, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "at ") {
			continue
		}
		out = append(out, strings.TrimPrefix(line, "at "))
		if e.opt.StackDepth > 0 && len(out) == e.opt.StackDepth {
			break
		}
	}
	return out
}

func exceptionMessage(v Value) string {
	if v == nil {
		return "exception"
	}
	return v.String()
}
