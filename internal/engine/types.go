package engine

import (
	"strconv"

	"github.com/dop251/goja"
)

// Type is a read-only snapshot of a runtime type: a constructor and its
// chain of super types. It holds no engine reference, so its queries are
// safe from any goroutine.
type Type struct {
	name  string
	ctor  *goja.Object // nil for Null, Undefined and prototype-less objects
	super *Type
}

// Name returns the constructor name, or "Null", "Undefined" or "Object".
func (t *Type) Name() string { return t.name }

// String implements fmt.Stringer.
func (t *Type) String() string { return t.name }

// Constructor returns the runtime constructor, nil if the type has none.
func (t *Type) Constructor() Value {
	if t.ctor == nil {
		return nil
	}
	return t.ctor
}

// SuperType returns the direct super type. The root type is its own super type.
func (t *Type) SuperType() *Type {
	if t.super == nil {
		return t
	}
	return t.super
}

// IsSameAs reports whether t and u denote the same runtime type.
func (t *Type) IsSameAs(u *Type) bool {
	if t == nil || u == nil {
		return t == u
	}
	if t.ctor == nil || u.ctor == nil {
		return t.ctor == u.ctor && t.name == u.name
	}
	return t.ctor == u.ctor
}

// IsSubtypeOf reports whether t equals u or inherits from it.
func (t *Type) IsSubtypeOf(u *Type) bool {
	for c := t; c != nil; c = c.super {
		if c.IsSameAs(u) {
			return true
		}
	}
	return false
}

// IsSupertypeOf reports whether u is a subtype of t.
func (t *Type) IsSupertypeOf(u *Type) bool { return u.IsSubtypeOf(t) }

// TypeName returns the name of v's type.
func (e *Engine) TypeName(v Value) string {
	n, err := e.helper(e.h.typeName, v)
	if err != nil {
		return "Object"
	}
	return n.String()
}

// TypeOf returns the type of v.
func (e *Engine) TypeOf(v Value) *Type {
	chain, err := e.helper(e.h.typeChain, v)
	if err != nil {
		return &Type{name: e.TypeName(v)}
	}
	if t := e.buildType(chain); t != nil {
		return t
	}
	return &Type{name: e.TypeName(v)}
}

// LookupType resolves name to a constructor in the global scope.
func (e *Engine) LookupType(name string) (*Type, error) {
	v, err := e.Resolve(name)
	if err != nil {
		return nil, err
	}
	return e.TypeFromConstructor(v)
}

// TypeFromConstructor builds the type whose constructor is v.
func (e *Engine) TypeFromConstructor(v Value) (*Type, error) {
	if !e.IsCallable(v) {
		return nil, &TypeMismatchError{Want: "constructor", Got: e.TypeName(v)}
	}
	chain, err := e.helper(e.h.ctorChain, v)
	if err != nil {
		return nil, err
	}
	return e.buildType(chain), nil
}

// Isa reports whether v is an instance of t. It is a subtype query, never a
// structural comparison.
func (e *Engine) Isa(v Value, t *Type) bool {
	if t == nil {
		return false
	}
	if t.ctor == nil {
		return e.TypeName(v) == t.name
	}
	return e.predicate(e.h.isa, v, t.ctor)
}

// buildType links a constructor chain, most derived first, into Types.
func (e *Engine) buildType(chain Value) *Type {
	arr := chain.ToObject(e.vm)
	n := int(arr.Get("length").ToInteger())
	if n == 0 {
		return nil
	}
	var super *Type
	for i := n - 1; i >= 0; i-- {
		c := arr.Get(strconv.Itoa(i)).ToObject(e.vm)
		name := "anonymous"
		if nv := c.Get("name"); nv != nil && nv.String() != "" {
			name = nv.String()
		}
		super = &Type{name: name, ctor: c, super: super}
	}
	return super
}
