package engine

import "github.com/dop251/goja"

// Key identifies a value rooted in the runtime-side registry. Zero is never issued.
type Key uint64

// Register roots v in the registry and returns its key.
func (e *Engine) Register(v Value) Key {
	if v == nil {
		v = goja.Undefined()
	}
	k, err := e.helper(e.h.register, v)
	if err != nil {
		// register only touches a Map; failure means the prelude was tampered with.
		panic(err)
	}
	return Key(k.ToInteger())
}

// Unregister releases key. It reports whether the key was registered.
func (e *Engine) Unregister(k Key) bool {
	return e.predicate(e.h.unregister, e.vm.ToValue(uint64(k)))
}

// Lookup returns the value rooted under key.
func (e *Engine) Lookup(k Key) (Value, bool) {
	v, err := e.helper(e.h.lookup, e.vm.ToValue(uint64(k)))
	if err != nil || goja.IsNull(v) {
		return nil, false
	}
	return v.ToObject(e.vm).Get("value"), true
}

// Registered returns the number of live registry entries.
func (e *Engine) Registered() int {
	v, err := e.helper(e.h.count)
	if err != nil {
		return 0
	}
	return int(v.ToInteger())
}
