package jsbridge

import (
	"errors"
	"fmt"
	"weak"

	"github.com/buke/jsbridge/internal/cesu8"
	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// ContextState is the lifecycle state of a Context.
type ContextState int

const (
	StateDetached  ContextState = iota // no call in flight
	StateRunning                       // at least one call in flight
	StateSuspended                     // detached mid-call by Suspend
	StateDestroyed                     // closed or collected
)

func (s ContextState) String() string {
	switch s {
	case StateDetached:
		return "detached"
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateDestroyed:
		return "destroyed"
	}
	return fmt.Sprintf("ContextState(%d)", int(s))
}

// thread is the engine-side half of a Context: its value stack and call
// bookkeeping. The runtime keeps threads alive through its thread table for
// as long as the host-side Context is reachable.
type thread struct {
	id       uint64
	rt       *Runtime
	realm    *realm
	stack    []goja.Value
	state    ContextState
	depth    int
	closed   bool
	isolated bool
	host     weak.Pointer[Context]
}

// enter marks the start of a call on t.
func (t *thread) enter() error {
	rt := t.rt
	if rt.closed {
		return ErrClosed
	}
	if t.closed || t.realm.closed {
		return ErrContextDestroyed
	}
	if t.state == StateSuspended {
		return ErrSuspended
	}
	if len(rt.active) == 0 {
		rt.armTimeout()
	}
	t.depth++
	if t.state != StateDestroyed {
		t.state = StateRunning
	}
	rt.active = append(rt.active, t)
	return nil
}

// leave marks the end of a call started by enter.
func (t *thread) leave() {
	rt := t.rt
	for i := len(rt.active) - 1; i >= 0; i-- {
		if rt.active[i] == t {
			copy(rt.active[i:], rt.active[i+1:])
			rt.active[len(rt.active)-1] = nil
			rt.active = rt.active[:len(rt.active)-1]
			break
		}
	}
	if t.depth > 0 {
		t.depth--
	}
	if t.depth == 0 && t.state == StateRunning {
		t.state = StateDetached
	}
	if len(rt.active) == 0 {
		rt.disarmTimeout()
	}
}

// context returns the host handle for t, creating a transient one when the
// original has been collected.
func (t *thread) context() *Context {
	if c := t.host.Value(); c != nil {
		return c
	}
	return &Context{rt: t.rt, t: t}
}

// Context is an execution context: a value stack within a runtime's heap,
// either sharing the runtime's global object or owning an isolated one.
// Contexts are not safe for concurrent use.
type Context struct {
	rt *Runtime
	t  *thread
}

// Suspension is the opaque state captured by Context.Suspend.
type Suspension struct {
	t     *thread
	stack []goja.Value
	saved []*thread
	base  int
	used  bool
}

// Runtime returns the runtime of the context.
func (c *Context) Runtime() *Runtime { return c.rt }

// ID returns the context's identifier, unique within its runtime.
func (c *Context) ID() uint64 { return c.t.id }

// Isolated reports whether the context owns its own global object.
func (c *Context) Isolated() bool { return c.t.isolated }

// State returns the context's lifecycle state.
func (c *Context) State() ContextState { return c.t.state }

// StackLen returns the number of values on the context's stack.
func (c *Context) StackLen() int { return c.t.top() }

// check validates that an operation may be issued through c.
func (c *Context) check() error {
	c.rt.drain()
	if c.rt.closed {
		return ErrClosed
	}
	if c.t.closed || c.t.realm.closed {
		return ErrContextDestroyed
	}
	if c.t.state == StateSuspended {
		return ErrSuspended
	}
	return nil
}

// Eval runs src as eval code and returns the decoded value of its last
// expression.
func (c *Context) Eval(src string) (any, error) {
	return c.EvalLabel(src, "<eval>")
}

// EvalLabel is Eval with a file label used in syntax errors.
func (c *Context) EvalLabel(src, label string) (any, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	t := c.t
	defer t.setTop(t.top())

	strict := c.rt.opts.strict
	if _, err := compileProgram(label, src, strict); err != nil {
		return nil, err
	}
	if strict {
		src = `"use strict";` + src
	}

	t.push(t.realm.evalFn)
	t.pushUndefined()
	t.pushString(cesu8.Encode(src))
	if err := t.call(1); err != nil {
		return nil, t.raise(err)
	}
	return t.get(-1)
}

// Load compiles the file as top-level program code and runs it.
func (c *Context) Load(filename string) error {
	if err := c.check(); err != nil {
		return err
	}
	t := c.t
	defer t.setTop(t.top())

	src, err := c.rt.loader.Load(filename)
	if err != nil {
		return fmt.Errorf("jsbridge: load %s: %w", filename, err)
	}
	if err := t.compile(src, filename, c.rt.opts.strict); err != nil {
		return err
	}
	t.pushUndefined()

	t.realm.modules.enter(filename)
	defer t.realm.modules.leave()
	if err := t.call(0); err != nil {
		return t.raise(err)
	}
	return nil
}

// Get returns the decoded value of the global name. A missing global
// yields nil.
func (c *Context) Get(name string) (any, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	t := c.t
	defer t.setTop(t.top())

	t.pushGlobal()
	if _, err := t.getPropString(-1, cesu8.Encode(name)); err != nil {
		return nil, t.wrapAccessError(err)
	}
	return t.get(-1)
}

// Set encodes v and assigns it to the global name.
func (c *Context) Set(name string, v any) error {
	if err := c.check(); err != nil {
		return err
	}
	t := c.t
	defer t.setTop(t.top())

	t.pushGlobal()
	if err := t.pushValue(v); err != nil {
		return err
	}
	if err := t.putPropString(-2, cesu8.Encode(name)); err != nil {
		return t.wrapAccessError(err)
	}
	return nil
}

// Proxy returns a live handle to the object at the dotted global name
// without flattening it. The result is an *Object, *Array or *Function.
func (c *Context) Proxy(name string) (Proxy, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	t := c.t
	defer t.setTop(t.top())

	found, err := t.pushPath(name)
	if err != nil {
		return nil, t.wrapAccessError(err)
	}
	if !found {
		return nil, &KeyNotFoundError{Key: name}
	}
	if t.typeOf(-1) != TypeObject {
		return nil, conversion(PhaseDecode, KindTypeMismatch).
			path([]string{name}).
			scriptType(t.typeOf(-1).String()).
			detail("only objects can be proxied").
			build()
	}
	return t.newProxy(-1), nil
}

// Push encodes v onto the context's stack.
func (c *Context) Push(v any) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.t.pushValue(v)
}

// Pop decodes and removes the value on top of the stack.
func (c *Context) Pop() (any, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if c.t.top() == 0 {
		return nil, errors.New("jsbridge: pop from empty stack")
	}
	defer c.t.pop()
	return c.t.get(-1)
}

// Peek decodes the value at idx without removing it. Negative indices count
// from the top.
func (c *Context) Peek(idx int) (any, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if _, ok := c.t.absIndex(idx); !ok {
		return nil, &IndexOutOfRangeError{Index: idx, Length: c.t.top()}
	}
	return c.t.get(idx)
}

// Type returns the script type of the value at idx, or TypeNone.
func (c *Context) Type(idx int) ValueType { return c.t.typeOf(idx) }

// Suspend detaches the context from the call in flight so that other
// contexts of the runtime may run, e.g. while the host blocks. The returned
// Suspension must be passed to Resume before the host function that
// suspended returns.
func (c *Context) Suspend() (*Suspension, error) {
	rt, t := c.rt, c.t
	if rt.closed {
		return nil, ErrClosed
	}
	if t.state != StateRunning {
		return nil, ErrNotRunning
	}
	idx := -1
	for i := len(rt.active) - 1; i >= 0; i-- {
		if rt.active[i] == t {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, ErrNotRunning
	}

	s := &Suspension{
		t:     t,
		stack: append([]goja.Value(nil), t.stack...),
		saved: append([]*thread(nil), rt.active[idx:]...),
		base:  idx,
	}
	clear(rt.active[idx:])
	rt.active = rt.active[:idx]
	if len(rt.active) == 0 {
		rt.disarmTimeout()
	}
	t.state = StateSuspended
	rt.suspended = append(rt.suspended, s)
	rt.log.Debug("context suspended", zap.Uint64("context", t.id), zap.Int("depth", t.depth))
	return s, nil
}

// Resume reattaches a context detached by Suspend. Suspensions resume in
// LIFO order and only once every call started in the meantime has returned.
func (c *Context) Resume(s *Suspension) error {
	rt, t := c.rt, c.t
	if rt.closed {
		return ErrClosed
	}
	if s == nil || s.used || s.t != t || t.state != StateSuspended {
		return ErrResumeMismatch
	}
	if n := len(rt.suspended); n == 0 || rt.suspended[n-1] != s {
		return ErrResumeMismatch
	}
	if len(rt.active) != s.base {
		return ErrResumeMismatch
	}
	rt.resume(s)
	rt.log.Debug("context resumed", zap.Uint64("context", t.id))
	return nil
}

// Close destroys the context. Closing an isolated context invalidates the
// proxies obtained through it. The runtime's main context is closed with the
// runtime.
func (c *Context) Close() error {
	rt, t := c.rt, c.t
	if t == rt.main.t {
		return errors.New("jsbridge: the main context is closed by Runtime.Close")
	}
	if t.closed {
		return nil
	}
	if t.depth > 0 {
		return fmt.Errorf("jsbridge: close context %d: %d calls in flight", t.id, t.depth)
	}
	t.closed = true
	rt.destroyThread(t)
	return nil
}

// wrapAccessError converts a property access failure into a ScriptError.
func (t *thread) wrapAccessError(err error) error {
	var ex *goja.Exception
	if !errors.As(err, &ex) {
		return err
	}
	t.push(ex.Value())
	return t.raise(ex)
}
