package engine

import (
	"fmt"
	"math"
	"reflect"

	"github.com/dop251/goja"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// Boxer is implemented by host types that convert themselves to runtime values.
type Boxer interface {
	Box(e *Engine) (Value, error)
}

var (
	valueType        = reflect.TypeOf((*goja.Value)(nil)).Elem()
	protoMessageType = reflect.TypeOf((*proto.Message)(nil)).Elem()
)

// Box converts a host value to a runtime value.
//
//   - nil becomes null
//   - Value passes through
//   - Boxer converts itself
//   - proto.Message is encoded with protojson and parsed into a plain object
//   - everything else uses goja's reflection-based conversion
func (e *Engine) Box(x any) (Value, error) {
	switch v := x.(type) {
	case nil:
		return goja.Null(), nil
	case Value:
		return v, nil
	case Boxer:
		return v.Box(e)
	case proto.Message:
		b, err := protojson.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("engine: box %T: %w", x, err)
		}
		return e.helper(e.h.fromJSON, e.str(string(b)))
	}
	return e.vm.ToValue(x), nil
}

// BoxAll boxes each argument in order.
func (e *Engine) BoxAll(xs ...any) ([]Value, error) {
	out := make([]Value, len(xs))
	for i, x := range xs {
		v, err := e.Box(x)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Unbox decodes v into T.
func Unbox[T any](e *Engine, v Value) (T, error) {
	var zero T
	out, err := e.UnboxTo(v, reflect.TypeOf((*T)(nil)).Elem())
	if err != nil {
		return zero, err
	}
	if out == nil {
		return zero, nil
	}
	return out.(T), nil
}

// UnboxTo decodes v into a value of type t.
//
// Scalars are strict: booleans only decode from booleans, integers only from
// integral numbers within range, strings only from strings. Protobuf messages
// round-trip through JSON. Other types use goja's ExportTo.
func (e *Engine) UnboxTo(v Value, t reflect.Type) (any, error) {
	if v == nil {
		v = goja.Undefined()
	}
	mismatch := func(err error) error {
		return &TypeMismatchError{Want: t.String(), Got: e.TypeName(v), Err: err}
	}
	if t == valueType {
		return v, nil
	}
	if t.Implements(protoMessageType) && t.Kind() == reflect.Pointer {
		return e.unboxProto(v, t, mismatch)
	}

	kind := exportKind(v)
	switch t.Kind() {
	case reflect.Bool:
		if kind != reflect.Bool {
			return nil, mismatch(nil)
		}
		return reflect.ValueOf(v.ToBoolean()).Convert(t).Interface(), nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		f, ok := integral(v, kind)
		if !ok {
			return nil, mismatch(nil)
		}
		out := reflect.New(t).Elem()
		if f < math.MinInt64 || f >= math.MaxInt64 || out.OverflowInt(int64(f)) {
			return nil, mismatch(fmt.Errorf("%v overflows %s", f, t))
		}
		out.SetInt(int64(f))
		return out.Interface(), nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		f, ok := integral(v, kind)
		if !ok || f < 0 {
			return nil, mismatch(nil)
		}
		out := reflect.New(t).Elem()
		if f >= math.MaxUint64 || out.OverflowUint(uint64(f)) {
			return nil, mismatch(fmt.Errorf("%v overflows %s", f, t))
		}
		out.SetUint(uint64(f))
		return out.Interface(), nil

	case reflect.Float32, reflect.Float64:
		if kind != reflect.Int64 && kind != reflect.Float64 {
			return nil, mismatch(nil)
		}
		out := reflect.New(t).Elem()
		out.SetFloat(v.ToFloat())
		return out.Interface(), nil

	case reflect.String:
		if kind != reflect.String {
			return nil, mismatch(nil)
		}
		return reflect.ValueOf(v.String()).Convert(t).Interface(), nil

	case reflect.Interface:
		if t.NumMethod() == 0 {
			return v.Export(), nil
		}
	}

	ptr := reflect.New(t)
	if err := e.vm.ExportTo(v, ptr.Interface()); err != nil {
		return nil, mismatch(err)
	}
	return ptr.Elem().Interface(), nil
}

func (e *Engine) unboxProto(v Value, t reflect.Type, mismatch func(error) error) (any, error) {
	if goja.IsNull(v) || goja.IsUndefined(v) {
		return reflect.Zero(t).Interface(), nil
	}
	s, err := e.helper(e.h.toJSON, v)
	if err != nil {
		return nil, mismatch(err)
	}
	msg := reflect.New(t.Elem()).Interface().(proto.Message)
	if err := (protojson.UnmarshalOptions{DiscardUnknown: true}).Unmarshal([]byte(s.String()), msg); err != nil {
		return nil, mismatch(err)
	}
	return msg, nil
}

// exportKind returns the reflect kind goja exports v as, Invalid for
// undefined and null.
func exportKind(v Value) reflect.Kind {
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return reflect.Invalid
	}
	et := v.ExportType()
	if et == nil {
		return reflect.Invalid
	}
	return et.Kind()
}

func integral(v Value, kind reflect.Kind) (float64, bool) {
	switch kind {
	case reflect.Int64:
		return float64(v.ToInteger()), true
	case reflect.Float64:
		f := v.ToFloat()
		if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
