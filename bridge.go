package jsbridge

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strconv"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// hostFunc is a Go function exposed to script, kept in the runtime's
// HandleStore for as long as its script wrapper is reachable.
type hostFunc struct {
	call  Func
	arity int
	name  string
}

var (
	contextType = reflect.TypeOf((*Context)(nil))
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

func newHostFunc(fn any, arity int) (*hostFunc, error) {
	switch f := fn.(type) {
	case nil:
		return nil, errors.New("jsbridge: nil host function")
	case Func:
		return &hostFunc{call: f, arity: arity, name: "Func"}, nil
	case func(*Context, ...any) (any, error):
		return &hostFunc{call: f, arity: arity, name: "Func"}, nil
	case HostFunc:
		return newHostFunc(f.Fn, f.Arity)
	}
	rv := reflect.ValueOf(fn)
	if rv.Kind() != reflect.Func || rv.IsNil() {
		return nil, conversion(PhaseEncode, KindUnsupported).
			goType(fn).
			detail("host function must be a func").
			build()
	}
	return &hostFunc{call: reflectFunc(rv), arity: arity, name: rv.Type().String()}, nil
}

// reflectFunc adapts an arbitrary Go func. Arguments are converted with
// Unmarshal; a leading *Context parameter receives the calling context and
// a trailing error result is raised in script.
func reflectFunc(fn reflect.Value) Func {
	ft := fn.Type()
	return func(c *Context, args ...any) (any, error) {
		numIn := ft.NumIn()
		in := make([]reflect.Value, 0, numIn)
		first := 0
		if numIn > 0 && ft.In(0) == contextType {
			in = append(in, reflect.ValueOf(c))
			first = 1
		}
		fixed := numIn - first
		if ft.IsVariadic() {
			fixed--
		}

		convert := func(i int, typ reflect.Type) error {
			pv := reflect.New(typ).Elem()
			if i < len(args) {
				if err := unmarshalValue(args[i], pv, []string{"arg" + strconv.Itoa(i)}); err != nil {
					return err
				}
			}
			in = append(in, pv)
			return nil
		}
		for i := 0; i < fixed; i++ {
			if err := convert(i, ft.In(first+i)); err != nil {
				return nil, err
			}
		}
		if ft.IsVariadic() {
			elem := ft.In(numIn - 1).Elem()
			for i := fixed; i < len(args); i++ {
				if err := convert(i, elem); err != nil {
					return nil, err
				}
			}
		}

		return funcResults(ft, fn.Call(in))
	}
}

func funcResults(ft reflect.Type, out []reflect.Value) (any, error) {
	var err error
	if n := ft.NumOut(); n > 0 && ft.Out(n-1) == errorType {
		if e := out[n-1]; !e.IsNil() {
			err = e.Interface().(error)
		}
		out = out[:n-1]
	}
	switch len(out) {
	case 0:
		return Undefined, err
	case 1:
		return out[0].Interface(), err
	}
	res := make([]any, len(out))
	for i, v := range out {
		res[i] = v.Interface()
	}
	return res, err
}

// invoke calls the function, converting a panic into an error.
func (h *hostFunc) invoke(c *Context, args []any) (res any, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		switch r.(type) {
		case *goja.InterruptedError, *goja.StackOverflowError:
			panic(r)
		}
		if e, ok := r.(error); ok {
			err = fmt.Errorf("jsbridge: host function %s panicked: %w", h.name, e)
		} else {
			err = fmt.Errorf("jsbridge: host function %s panicked: %v", h.name, r)
		}
		c.rt.log.Warn("recovered host function panic", zap.String("func", h.name), zap.Any("panic", r))
	}()
	return h.call(c, args...)
}

// pushHostFunc pushes a script function that calls fn through the
// trampoline. A non-negative arity fixes the number of arguments fn sees.
func (t *thread) pushHostFunc(fn any, arity int) error {
	hf, err := newHostFunc(fn, arity)
	if err != nil {
		return err
	}
	rt, rl := t.rt, t.realm
	id := rt.handles.Store(hf)

	wrapper := rl.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		return rl.hostProxy(id, call)
	}).(*goja.Object)

	handles := rt.handles
	runtime.AddCleanup(wrapper, func(id int32) { handles.Delete(id) }, id)

	t.push(wrapper)
	return nil
}

// hostProxy is the trampoline for script calls into Go.
func (rl *realm) hostProxy(id int32, call goja.FunctionCall) goja.Value {
	rt := rl.rt
	t := rt.threadFor(rl)
	base := t.top()
	defer t.setTop(base)

	v, ok := rt.handles.Load(id)
	hf, _ := v.(*hostFunc)
	if !ok || hf == nil {
		panic(rl.vm.NewTypeError("jsbridge: host function %d is no longer available", id))
	}

	args := call.Arguments
	if hf.arity >= 0 {
		fixed := make([]goja.Value, hf.arity)
		for i := range fixed {
			fixed[i] = call.Argument(i)
		}
		args = fixed
	}
	decoded := make([]any, len(args))
	for i, a := range args {
		t.push(a)
		d, err := t.get(-1)
		t.pop()
		if err != nil {
			panic(t.errorValue(err))
		}
		decoded[i] = d
	}

	mark := len(rt.suspended)
	res, err := hf.invoke(t.context(), decoded)
	if n := rt.abandonSuspensions(mark); n > 0 {
		rt.log.Warn("host function returned while suspended", zap.String("func", hf.name), zap.Int("suspensions", n))
		if err == nil {
			err = fmt.Errorf("jsbridge: host function %s returned with %d context(s) still suspended", hf.name, n)
		}
	}
	if err != nil {
		t.rethrow(err)
	}
	if err := t.pushValue(res); err != nil {
		panic(t.errorValue(err))
	}
	return t.at(-1)
}

// errorValue returns the script value thrown for a Go error: the original
// thrown value for errors that came out of this realm, otherwise a tagged
// Error whose back-reference restores err on the way out.
func (t *thread) errorValue(err error) goja.Value {
	var se *ScriptError
	if errors.As(err, &se) && se.thrown != nil && se.realm == t.realm {
		return se.thrown
	}

	rt := t.rt
	base := t.top()
	defer t.setTop(base)

	if perr := t.pushHostError(err); perr != nil {
		rt.log.Warn("host error not encodable", zap.Error(err), zap.NamedError("cause", perr))
		t.setTop(base)
		return t.vm().NewGoError(err)
	}
	obj := t.object(-1)
	ref := rt.handles.Store(err)
	t.pushInt(int64(ref))
	if derr := t.defineHidden(-2, rt.syms.errRef); derr != nil {
		rt.handles.Delete(ref)
		return obj
	}
	handles := rt.handles
	runtime.AddCleanup(obj, func(id int32) { handles.Delete(id) }, ref)
	return obj
}

// rethrow raises err in script from inside a native function. Engine
// exceptions propagate unchanged so interrupts stay uncatchable.
func (t *thread) rethrow(err error) {
	var ie *goja.InterruptedError
	if errors.As(err, &ie) {
		panic(ie)
	}
	var so *goja.StackOverflowError
	if errors.As(err, &so) {
		panic(so)
	}
	var ex *goja.Exception
	if errors.As(err, &ex) && err == error(ex) {
		panic(ex)
	}
	panic(t.errorValue(err))
}
