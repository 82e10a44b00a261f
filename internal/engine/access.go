package engine

import (
	"github.com/dop251/goja"
)

// IsBound reports whether name resolves in the global scope, including
// lexical let/const/class declarations.
func (e *Engine) IsBound(name string) bool {
	return e.predicate(e.h.isBound, e.str(name))
}

// Resolve returns the current value of the global binding name.
func (e *Engine) Resolve(name string) (Value, error) {
	if !e.IsBound(name) {
		return nil, &FieldError{Type: "global scope", Field: name}
	}
	return e.helper(e.h.resolve, e.str(name))
}

// AssignGlobal writes v through to the existing binding name.
func (e *Engine) AssignGlobal(name string, v Value) error {
	if !e.IsBound(name) {
		return &FieldError{Type: "global scope", Field: name}
	}
	_, err := e.helper(e.h.assign, e.str(name), v)
	return err
}

// IsAssignable reports whether name is bound and can be written: not a
// const declaration and not a read-only global property.
func (e *Engine) IsAssignable(name string) bool {
	return e.predicate(e.h.isAssignable, e.str(name))
}

// HasField reports whether name is a property of v, own or inherited.
func (e *Engine) HasField(v Value, name string) bool {
	return e.predicate(e.h.hasField, v, e.str(name))
}

// GetField returns v[name], failing with ErrNoSuchField when absent.
func (e *Engine) GetField(v Value, name string) (Value, error) {
	if !e.HasField(v, name) {
		return nil, &FieldError{Type: e.TypeName(v), Field: name}
	}
	return e.helper(e.h.getField, v, e.str(name))
}

// SetField assigns v[name] = x with strict-mode semantics.
func (e *Engine) SetField(v Value, name string, x Value) error {
	if goja.IsNull(v) || goja.IsUndefined(v) {
		return &FieldError{Type: e.TypeName(v), Field: name}
	}
	_, err := e.helper(e.h.setField, v, e.str(name), x)
	return err
}

// FieldNames returns the own enumerable property names of v. For
// constructors it lists the prototype's names.
func (e *Engine) FieldNames(v Value) []string {
	res, err := e.helper(e.h.fieldNames, v)
	if err != nil {
		return nil
	}
	var out []string
	if err := e.vm.ExportTo(res, &out); err != nil {
		return nil
	}
	return out
}

// IsFieldMutable reports whether assigning v[name] would succeed: v is a
// non-frozen object and the property is writable or can be created.
func (e *Engine) IsFieldMutable(v Value, name string) bool {
	return e.predicate(e.h.isFieldMutable, v, e.str(name))
}

// IsSingleton reports whether v is of singleton kind: undefined, null, a
// symbol or a function.
func (e *Engine) IsSingleton(v Value) bool {
	return e.predicate(e.h.isSingleton, v)
}

// IsImmutable reports whether v is a primitive or a frozen object.
func (e *Engine) IsImmutable(v Value) bool {
	return e.predicate(e.h.isImmutable, v)
}

// IsCallable reports whether v is a function.
func (e *Engine) IsCallable(v Value) bool {
	_, ok := goja.AssertFunction(v)
	return ok
}

// IsIndexable reports whether v supports linear indexing.
func (e *Engine) IsIndexable(v Value) bool {
	return e.predicate(e.h.isIndexable, v)
}

// IsIndexMutable reports whether elements of v can be assigned.
func (e *Engine) IsIndexMutable(v Value) bool {
	return e.predicate(e.h.isIndexMutable, v)
}

// Len returns the length of an indexable value.
func (e *Engine) Len(v Value) (int, error) {
	if !e.IsIndexable(v) {
		return 0, &IndexError{Type: e.TypeName(v), Err: ErrNotIndexable}
	}
	n, err := e.helper(e.h.length, v)
	if err != nil {
		return 0, err
	}
	return int(n.ToInteger()), nil
}

// GetIndex returns the element at the 1-based position i.
func (e *Engine) GetIndex(v Value, i int) (Value, error) {
	if err := e.checkIndex(v, i); err != nil {
		return nil, err
	}
	return e.helper(e.h.getIndex, v, e.vm.ToValue(i-1))
}

// SetIndex assigns the element at the 1-based position i.
func (e *Engine) SetIndex(v Value, i int, x Value) error {
	if err := e.checkIndex(v, i); err != nil {
		return err
	}
	_, err := e.helper(e.h.setIndex, v, e.vm.ToValue(i-1), x)
	return err
}

func (e *Engine) checkIndex(v Value, i int) error {
	n, err := e.Len(v)
	if err != nil {
		return err
	}
	if i < 1 || i > n {
		return &IndexError{Type: e.TypeName(v), Index: i, Length: n, Err: ErrOutOfBounds}
	}
	return nil
}

// String converts v with the runtime's String().
func (e *Engine) String(v Value) string {
	s, err := e.helper(e.h.toString, v)
	if err != nil {
		return "<" + e.TypeName(v) + ">"
	}
	return s.String()
}
