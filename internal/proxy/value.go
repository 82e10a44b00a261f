package proxy

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"

	engine "github.com/hanpama/hostbridge/internal/engine"
	pool "github.com/hanpama/hostbridge/internal/pool"
)

type selectorKind uint8

const (
	selAnonymous selectorKind = iota
	selBinding
	selField
	selIndex
)

// selector records how a payload was reached from its owner.
type selector struct {
	kind  selectorKind
	name  string // binding or field name
	index int    // 1-based
}

// proxyValue is the shared payload behind one or more Proxy handles. Its
// shape is fixed at construction; Update and Assign replace the payload
// instead of editing it.
type proxyValue struct {
	pool     *pool.Pool
	key      engine.Key
	owner    *proxyValue
	sel      selector
	id       string
	mutating bool
	refs     atomic.Int32
}

func newProxyValue(p *pool.Pool, e *engine.Engine, v engine.Value, owner *proxyValue, sel selector, mutating bool) *proxyValue {
	pv := &proxyValue{
		pool:     p,
		key:      e.Register(v),
		owner:    owner,
		sel:      sel,
		mutating: mutating,
	}
	if owner != nil {
		owner.retain()
	}
	pv.id = pv.buildID()
	pv.refs.Store(1)
	return pv
}

func (pv *proxyValue) buildID() string {
	switch pv.sel.kind {
	case selBinding:
		return pv.sel.name
	case selField:
		return pv.owner.id + "." + pv.sel.name
	case selIndex:
		return pv.owner.id + "[" + strconv.Itoa(pv.sel.index) + "]"
	}
	return fmt.Sprintf("<unnamed #%d>", pv.key)
}

func (pv *proxyValue) retain() { pv.refs.Add(1) }

// release drops one reference. The last release unregisters the key through
// the execution channel and releases the owner edge.
func (pv *proxyValue) release() {
	if pv.refs.Add(-1) != 0 {
		return
	}
	k := pv.key
	_ = pv.pool.Post(func(_ context.Context, e *engine.Engine) error {
		e.Unregister(k)
		return nil
	})
	if pv.owner != nil {
		pv.owner.release()
	}
}

// value returns the rooted value.
func (pv *proxyValue) value(e *engine.Engine) (engine.Value, error) {
	v, ok := e.Lookup(pv.key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrUnknownKey, pv.id)
	}
	return v, nil
}

// resolve reads the current value by walking the selector path from the
// root. Anonymous roots read their rooted value.
func (pv *proxyValue) resolve(e *engine.Engine) (engine.Value, error) {
	switch pv.sel.kind {
	case selBinding:
		return e.Resolve(pv.sel.name)
	case selField:
		c, err := pv.owner.resolve(e)
		if err != nil {
			return nil, err
		}
		return e.GetField(c, pv.sel.name)
	case selIndex:
		c, err := pv.owner.resolve(e)
		if err != nil {
			return nil, err
		}
		return e.GetIndex(c, pv.sel.index)
	}
	return pv.value(e)
}

// writeThrough assigns v to the runtime-side binding or slot pv denotes.
func (pv *proxyValue) writeThrough(e *engine.Engine, v engine.Value) error {
	switch pv.sel.kind {
	case selBinding:
		return e.AssignGlobal(pv.sel.name, v)
	case selField:
		c, err := pv.owner.resolve(e)
		if err != nil {
			return err
		}
		return e.SetField(c, pv.sel.name, v)
	case selIndex:
		c, err := pv.owner.resolve(e)
		if err != nil {
			return err
		}
		return e.SetIndex(c, pv.sel.index, v)
	}
	return nil
}

// reseat creates a payload with the same owner and selector holding v.
func (pv *proxyValue) reseat(e *engine.Engine, v engine.Value, mutating bool) *proxyValue {
	return newProxyValue(pv.pool, e, v, pv.owner, pv.sel, mutating)
}
