package jsbridge

import (
	"iter"
	"runtime"

	"github.com/buke/jsbridge/internal/cesu8"
	"go.uber.org/zap"
)

// Proxy is a live handle to a script object that was not flattened into a
// Go value. It is implemented by *Object, *Array and *Function.
type Proxy interface {
	// RefID returns the Reference Table entry the proxy holds.
	RefID() RefID
	// Release drops the proxy's reference. Further operations fail with
	// ErrReleased. Unreleased proxies are released when collected.
	Release()

	proxy() *proxyRef
}

// proxyRef is the state shared by every proxy variant. The cleanup registered
// on it queues the reference for release once the proxy is unreachable.
type proxyRef struct {
	rt       *Runtime
	realm    *realm
	id       RefID
	released bool
	cleanup  runtime.Cleanup
}

// newRef interns the object at idx and returns a reference to it.
func (t *thread) newRef(idx int) *proxyRef {
	id, _ := t.internAt(idx)
	p := &proxyRef{rt: t.rt, realm: t.realm, id: id}
	q := t.rt.dropped
	p.cleanup = runtime.AddCleanup(p, func(id RefID) { q.pushRef(id) }, id)
	return p
}

// newProxy wraps the object at idx in the proxy variant matching its shape.
func (t *thread) newProxy(idx int) Proxy {
	o := t.object(idx)
	ref := t.newRef(idx)
	class, _ := t.className(o)
	switch {
	case isCallable(o):
		return &Function{Object{ref}}
	case class == "Array":
		return &Array{ref}
	}
	return &Object{ref}
}

func (p *proxyRef) proxy() *proxyRef { return p }

func (p *proxyRef) RefID() RefID { return p.id }

func (p *proxyRef) Release() {
	if p.released {
		return
	}
	p.released = true
	p.cleanup.Stop()
	if p.rt.closed {
		return
	}
	p.rt.refs.release(p.id)
	p.rt.log.Debug("proxy released", zap.Uint64("ref", uint64(p.id)), zap.Int("count", p.rt.refs.count(p.id)))
}

// push validates p and pushes its object onto the thread operations on its
// realm run on. Callers restore the returned base when done.
func (p *proxyRef) push() (*thread, int, error) {
	rt := p.rt
	if rt.closed {
		return nil, 0, ErrClosed
	}
	rt.drain()
	if p.released {
		return nil, 0, ErrReleased
	}
	if p.realm.closed {
		return nil, 0, ErrContextDestroyed
	}
	t := rt.threadFor(p.realm)
	base := t.top()
	if !t.resolveRef(p.id) {
		return nil, 0, ErrReleased
	}
	return t, base, nil
}

// Object is a proxy to a script object, used as a string-keyed mapping.
type Object struct {
	*proxyRef
}

// Clone returns a second proxy to the same object with its own reference.
func (o *Object) Clone() (*Object, error) {
	t, base, err := o.push()
	if err != nil {
		return nil, err
	}
	defer t.setTop(base)
	return &Object{t.newRef(-1)}, nil
}

// Get returns the decoded value of key, or a proxy when it cannot be
// flattened.
func (o *Object) Get(key string) (any, error) {
	t, base, err := o.push()
	if err != nil {
		return nil, err
	}
	defer t.setTop(base)

	found, err := t.getPropString(-1, cesu8.Encode(key))
	if err != nil {
		return nil, t.wrapAccessError(err)
	}
	if !found {
		return nil, &KeyNotFoundError{Key: key}
	}
	return t.get(-1)
}

// Set encodes v and assigns it to key.
func (o *Object) Set(key string, v any) error {
	t, base, err := o.push()
	if err != nil {
		return err
	}
	defer t.setTop(base)

	if err := t.pushValue(v); err != nil {
		return err
	}
	if err := t.putPropString(-2, cesu8.Encode(key)); err != nil {
		return t.wrapAccessError(err)
	}
	return nil
}

// Delete removes the own property key.
func (o *Object) Delete(key string) error {
	t, base, err := o.push()
	if err != nil {
		return err
	}
	defer t.setTop(base)

	found, err := t.delPropString(-1, cesu8.Encode(key))
	if err != nil {
		return t.wrapAccessError(err)
	}
	if !found {
		return &KeyNotFoundError{Key: key}
	}
	return nil
}

// Has reports whether key is an own property.
func (o *Object) Has(key string) (bool, error) {
	t, base, err := o.push()
	if err != nil {
		return false, err
	}
	defer t.setTop(base)

	own, err := t.realm.hasOwn(t.object(-1), key)
	if err != nil {
		return false, t.wrapAccessError(err)
	}
	return own, nil
}

// Keys iterates the own enumerable string keys. Every range re-enumerates
// the live object; an error ends the iteration.
func (o *Object) Keys() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		t, base, err := o.push()
		if err != nil {
			yield("", err)
			return
		}
		defer t.setTop(base)

		err = t.forIn(base, func() bool {
			return yield(cesu8.Decode(t.getString(-1)), nil)
		})
		if err != nil {
			yield("", err)
		}
	}
}

// KeyList returns the own enumerable string keys.
func (o *Object) KeyList() ([]string, error) {
	var keys []string
	for k, err := range o.Keys() {
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// Call invokes the method with the object as this.
func (o *Object) Call(method string, args ...any) (any, error) {
	t, base, err := o.push()
	if err != nil {
		return nil, err
	}
	defer t.setTop(base)

	found, err := t.getPropString(base, cesu8.Encode(method))
	if err != nil {
		return nil, t.wrapAccessError(err)
	}
	if !found {
		return nil, &KeyNotFoundError{Key: method}
	}
	t.push(t.at(base))
	return t.callWith(args)
}

// callWith encodes args after [fn this] and calls.
func (t *thread) callWith(args []any) (any, error) {
	for _, a := range args {
		if err := t.pushValue(a); err != nil {
			return nil, err
		}
	}
	if err := t.call(len(args)); err != nil {
		return nil, t.raise(err)
	}
	return t.get(-1)
}

// Array is a proxy to a script array.
type Array struct {
	*proxyRef
}

// Len returns the current length of the array.
func (a *Array) Len() (int, error) {
	t, base, err := a.push()
	if err != nil {
		return 0, err
	}
	defer t.setTop(base)
	return t.length(base)
}

// index resolves a negative index against n and checks the bounds.
func index(i, n int) (int, error) {
	j := i
	if j < 0 {
		j += n
	}
	if j < 0 || j >= n {
		return 0, &IndexOutOfRangeError{Index: i, Length: n}
	}
	return j, nil
}

// Get returns the decoded element i. Negative indices count from the end.
func (a *Array) Get(i int) (any, error) {
	t, base, err := a.push()
	if err != nil {
		return nil, err
	}
	defer t.setTop(base)

	n, err := t.length(base)
	if err != nil {
		return nil, err
	}
	j, err := index(i, n)
	if err != nil {
		return nil, err
	}
	if _, err := t.getPropIndex(base, j); err != nil {
		return nil, t.wrapAccessError(err)
	}
	return t.get(-1)
}

// Slice returns the decoded elements in [start, end). Negative bounds count
// from the end and out-of-range bounds are clamped.
func (a *Array) Slice(start, end int) ([]any, error) {
	t, base, err := a.push()
	if err != nil {
		return nil, err
	}
	defer t.setTop(base)

	n, err := t.length(base)
	if err != nil {
		return nil, err
	}
	start, end = clampIndex(start, n), clampIndex(end, n)
	if start >= end {
		return []any{}, nil
	}
	out := make([]any, 0, end-start)
	for i := start; i < end; i++ {
		if _, err := t.getPropIndex(base, i); err != nil {
			return nil, t.wrapAccessError(err)
		}
		v, err := t.get(-1)
		t.pop()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func clampIndex(i, n int) int {
	if i < 0 {
		i += n
	}
	return max(0, min(i, n))
}

// Set replaces element i. It does not grow the array.
func (a *Array) Set(i int, v any) error {
	t, base, err := a.push()
	if err != nil {
		return err
	}
	defer t.setTop(base)

	n, err := t.length(base)
	if err != nil {
		return err
	}
	j, err := index(i, n)
	if err != nil {
		return err
	}
	if err := t.pushValue(v); err != nil {
		return err
	}
	if err := t.putPropIndex(base, j); err != nil {
		return t.wrapAccessError(err)
	}
	return nil
}

// Delete removes element i, shifting later elements down.
func (a *Array) Delete(i int) error {
	t, base, err := a.push()
	if err != nil {
		return err
	}
	defer t.setTop(base)

	n, err := t.length(base)
	if err != nil {
		return err
	}
	j, err := index(i, n)
	if err != nil {
		return err
	}
	t.push(t.realm.spliceFn)
	t.push(t.at(base))
	_, err = t.callWith([]any{j, 1})
	return err
}

// Insert inserts v before element i. Indices past the end append.
func (a *Array) Insert(i int, v any) error {
	t, base, err := a.push()
	if err != nil {
		return err
	}
	defer t.setTop(base)

	n, err := t.length(base)
	if err != nil {
		return err
	}
	t.push(t.realm.spliceFn)
	t.push(t.at(base))
	_, err = t.callWith([]any{clampIndex(i, n), 0, v})
	return err
}

// Append adds v at the end of the array.
func (a *Array) Append(v any) error {
	t, base, err := a.push()
	if err != nil {
		return err
	}
	defer t.setTop(base)

	t.push(t.realm.pushFn)
	t.push(t.at(base))
	_, err = t.callWith([]any{v})
	return err
}

// Function is a proxy to a script function. It also supports the Object
// operations on the function's properties.
type Function struct {
	Object
}

// Call invokes the function with this set to undefined.
func (f *Function) Call(args ...any) (any, error) {
	return f.CallWith(Undefined, args...)
}

// CallWith invokes the function with the given this value.
func (f *Function) CallWith(this any, args ...any) (any, error) {
	t, base, err := f.push()
	if err != nil {
		return nil, err
	}
	defer t.setTop(base)

	if err := t.pushValue(this); err != nil {
		return nil, err
	}
	return t.callWith(args)
}

// New invokes the function as a constructor.
func (f *Function) New(args ...any) (any, error) {
	t, base, err := f.push()
	if err != nil {
		return nil, err
	}
	defer t.setTop(base)

	for _, a := range args {
		if err := t.pushValue(a); err != nil {
			return nil, err
		}
	}
	if err := t.construct(len(args)); err != nil {
		return nil, t.raise(err)
	}
	return t.get(-1)
}
